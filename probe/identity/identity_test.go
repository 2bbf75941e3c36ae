package identity

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPeerIDDerivationStable(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	id1 := kp.PeerID()
	id2 := PeerIDFromPublicKey(kp.PublicKey)
	require.Equal(t, id1, id2)

	parsed, err := ParsePeerID(id1.String())
	require.NoError(t, err)
	assert.Equal(t, id1, parsed)
	assert.False(t, id1.IsZero())
	assert.Len(t, id1.String(), 2*PeerIDSize)
	assert.Equal(t, id1.String()[:16], id1.ShortString())
}

func TestParsePeerIDRejectsBadInput(t *testing.T) {
	for _, in := range []string{"", "zz", "abcd", string(bytes.Repeat([]byte("a"), 66))} {
		_, err := ParsePeerID(in)
		assert.ErrorIs(t, err, ErrInvalidPeerID, "input %q", in)
	}
}

func TestKeyPairFromSeed(t *testing.T) {
	seed := bytes.Repeat([]byte{7}, 32)
	kp1, err := KeyPairFromSeed(seed)
	require.NoError(t, err)
	kp2, err := KeyPairFromSeed(seed)
	require.NoError(t, err)
	assert.True(t, kp1.Valid())
	assert.Equal(t, kp1.PeerID(), kp2.PeerID())

	_, err = KeyPairFromSeed([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestPeerIDTextRoundTrip(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	text, err := kp.PeerID().MarshalText()
	require.NoError(t, err)

	var id PeerID
	require.NoError(t, id.UnmarshalText(text))
	assert.Equal(t, kp.PeerID(), id)
	assert.Error(t, id.UnmarshalText([]byte("nope")))
}
