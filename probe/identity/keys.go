package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
)

var ErrInvalidKey = errors.New("identity: invalid Ed25519 key size")

// KeyPair holds the Ed25519 keypair a peer is known by.
// The same key signs the peer's TLS certificate, so the PeerID of a remote
// peer can always be recomputed from the handshake.
type KeyPair struct {
	PublicKey  ed25519.PublicKey
	PrivateKey ed25519.PrivateKey
}

func GenerateKeyPair() (KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, err
	}
	return KeyPair{PublicKey: pub, PrivateKey: priv}, nil
}

// KeyPairFromSeed rebuilds a keypair from a 32 byte seed.
func KeyPairFromSeed(seed []byte) (KeyPair, error) {
	if len(seed) != ed25519.SeedSize {
		return KeyPair{}, ErrInvalidKey
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return KeyPair{PublicKey: priv.Public().(ed25519.PublicKey), PrivateKey: priv}, nil
}

func (kp KeyPair) Valid() bool {
	return len(kp.PublicKey) == ed25519.PublicKeySize && len(kp.PrivateKey) == ed25519.PrivateKeySize
}

func (kp KeyPair) PeerID() PeerID {
	return PeerIDFromPublicKey(kp.PublicKey)
}
