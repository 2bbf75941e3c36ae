// Package discovery maps peer identities to dialable addresses.
package discovery

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"

	"github.com/TheusHen/peerprobe/probe/identity"
)

var (
	ErrNotFound    = errors.New("discovery: peer not found")
	ErrInvalidAddr = errors.New("discovery: invalid peer address")
)

// AddrInfo is what a dialer needs to reach a peer: who it is and where.
// The text form is "<peer-id>@<ip:port>".
type AddrInfo struct {
	PeerID identity.PeerID
	Addr   netip.AddrPort
}

func (a AddrInfo) String() string {
	return a.PeerID.String() + "@" + a.Addr.String()
}

// ParseAddrInfo parses the form printed by AddrInfo.String.
func ParseAddrInfo(s string) (AddrInfo, error) {
	id, addr, ok := strings.Cut(strings.TrimSpace(s), "@")
	if !ok {
		return AddrInfo{}, fmt.Errorf("%w: %q: missing '@'", ErrInvalidAddr, s)
	}
	peerID, err := identity.ParsePeerID(id)
	if err != nil {
		return AddrInfo{}, fmt.Errorf("%w: %q: %w", ErrInvalidAddr, s, err)
	}
	ap, err := netip.ParseAddrPort(addr)
	if err != nil {
		return AddrInfo{}, fmt.Errorf("%w: %q: %w", ErrInvalidAddr, s, err)
	}
	if ap.Port() == 0 || ap.Addr().IsUnspecified() {
		return AddrInfo{}, fmt.Errorf("%w: %q: not dialable", ErrInvalidAddr, s)
	}
	return AddrInfo{PeerID: peerID, Addr: ap}, nil
}

// Resolver is a generic discovery interface.
// Implementations can be backed by static lists, DNS, a DHT, etc.
type Resolver interface {
	Announce(info AddrInfo) error
	Lookup(peerID identity.PeerID) (AddrInfo, error)
	List() ([]AddrInfo, error)
}
