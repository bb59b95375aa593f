package handshake

import (
	"crypto/ecdh"
	"crypto/rand"
	"fmt"
)

// curve is fixed at P-256; it is not negotiated.
func curve() ecdh.Curve { return ecdh.P256() }

// generateEphemeralECDH creates a fresh ephemeral P-256 keypair.
func generateEphemeralECDH() (*ecdh.PrivateKey, error) {
	priv, err := curve().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	return priv, nil
}

// parseECDHPublicKey parses a SEC1-encoded (uncompressed point) P-256 public key.
func parseECDHPublicKey(sec1 []byte) (*ecdh.PublicKey, error) {
	pub, err := curve().NewPublicKey(sec1)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	return pub, nil
}

// ecdhSharedSecret computes the ECDH shared secret as the X coordinate of
// the shared point, per crypto/ecdh's ECDH() contract.
func ecdhSharedSecret(priv *ecdh.PrivateKey, pub *ecdh.PublicKey) ([]byte, error) {
	secret, err := priv.ECDH(pub)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	return secret, nil
}
