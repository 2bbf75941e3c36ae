package cmd

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheusHen/peerprobe/probe/identity"
)

func TestKeyPairFromFlag(t *testing.T) {
	kp, err := keyPairFromFlag("")
	require.NoError(t, err)
	assert.Nil(t, kp)

	secret := strings.Repeat("ab", 32)
	first, err := keyPairFromFlag(secret)
	require.NoError(t, err)
	second, err := keyPairFromFlag(secret)
	require.NoError(t, err)
	assert.Equal(t, first.PeerID(), second.PeerID())

	_, err = keyPairFromFlag("zz")
	assert.Error(t, err)
	_, err = keyPairFromFlag("abcd")
	assert.ErrorIs(t, err, identity.ErrInvalidKey)
}
