package memory

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheusHen/peerprobe/probe/discovery"
	"github.com/TheusHen/peerprobe/probe/identity"
)

func TestStoreAnnounceLookup(t *testing.T) {
	kp, err := identity.GenerateKeyPair()
	require.NoError(t, err)

	s := New()
	info := discovery.AddrInfo{
		PeerID: kp.PeerID(),
		Addr:   netip.MustParseAddrPort("[2001:db8::1]:4242"),
	}
	require.NoError(t, s.Announce(info))

	got, err := s.Lookup(kp.PeerID())
	require.NoError(t, err)
	assert.Equal(t, info, got)

	moved := info
	moved.Addr = netip.MustParseAddrPort("127.0.0.1:9000")
	require.NoError(t, s.Announce(moved))
	got, err = s.Lookup(kp.PeerID())
	require.NoError(t, err)
	assert.Equal(t, moved.Addr, got.Addr)

	all, err := s.List()
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestStoreLookupMissing(t *testing.T) {
	kp, err := identity.GenerateKeyPair()
	require.NoError(t, err)

	_, err = New().Lookup(kp.PeerID())
	assert.ErrorIs(t, err, discovery.ErrNotFound)
}

func TestStoreRejectsIncompleteInfo(t *testing.T) {
	s := New()
	assert.ErrorIs(t, s.Announce(discovery.AddrInfo{}), discovery.ErrInvalidAddr)
}
