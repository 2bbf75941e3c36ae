package memory

import (
	"sort"
	"sync"

	"github.com/TheusHen/peerprobe/probe/discovery"
	"github.com/TheusHen/peerprobe/probe/identity"
)

// Store is an in-memory discovery resolver.
// Endpoints use it as their default address book.
type Store struct {
	mu    sync.RWMutex
	peers map[identity.PeerID]discovery.AddrInfo
}

var _ discovery.Resolver = (*Store)(nil)

func New() *Store {
	return &Store{peers: map[identity.PeerID]discovery.AddrInfo{}}
}

// Announce records the latest known address of a peer.
func (s *Store) Announce(info discovery.AddrInfo) error {
	if info.PeerID.IsZero() || !info.Addr.IsValid() {
		return discovery.ErrInvalidAddr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peers[info.PeerID] = info
	return nil
}

func (s *Store) Lookup(peerID identity.PeerID) (discovery.AddrInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	info, ok := s.peers[peerID]
	if !ok {
		return discovery.AddrInfo{}, discovery.ErrNotFound
	}
	return info, nil
}

// List returns every known peer ordered by PeerID.
func (s *Store) List() ([]discovery.AddrInfo, error) {
	s.mu.RLock()
	out := make([]discovery.AddrInfo, 0, len(s.peers))
	for _, info := range s.peers {
		out = append(out, info)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].PeerID.String() < out[j].PeerID.String() })
	return out, nil
}
