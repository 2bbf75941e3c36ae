package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

const PeerIDSize = 32

var ErrInvalidPeerID = errors.New("identity: invalid PeerID")

// PeerID is the stable identifier for a peer.
// It is defined as: PeerID = SHA-256(PublicKey).
type PeerID [PeerIDSize]byte

func PeerIDFromPublicKey(publicKey []byte) PeerID {
	return PeerID(sha256.Sum256(publicKey))
}

// ParsePeerID decodes the hex form produced by String.
func ParsePeerID(s string) (PeerID, error) {
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != PeerIDSize {
		return PeerID{}, ErrInvalidPeerID
	}
	var id PeerID
	copy(id[:], b)
	return id, nil
}

func (id PeerID) String() string {
	return hex.EncodeToString(id[:])
}

// ShortString is the first 8 bytes in hex, for logs.
func (id PeerID) ShortString() string {
	return hex.EncodeToString(id[:8])
}

func (id PeerID) IsZero() bool {
	return id == PeerID{}
}

func (id PeerID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *PeerID) UnmarshalText(b []byte) error {
	parsed, err := ParsePeerID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
