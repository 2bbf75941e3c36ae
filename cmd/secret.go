package cmd

import (
	"encoding/hex"
	"fmt"

	"github.com/TheusHen/peerprobe/probe/identity"
)

// keyPairFromFlag decodes a hex seed, or returns nil for a fresh identity.
func keyPairFromFlag(secret string) (*identity.KeyPair, error) {
	if secret == "" {
		return nil, nil
	}
	seed, err := hex.DecodeString(secret)
	if err != nil {
		return nil, fmt.Errorf("invalid --secret: %w", err)
	}
	kp, err := identity.KeyPairFromSeed(seed)
	if err != nil {
		return nil, fmt.Errorf("invalid --secret: %w", err)
	}
	return &kp, nil
}
