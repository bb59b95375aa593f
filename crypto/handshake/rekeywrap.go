package handshake

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"fmt"
)

// rekeyMaterialLen is len(key) + len(nonce_base) for the 128-bit AEAD key
// material a REKEY frame transports.
const rekeyMaterialLen = 16 + 8

// WrapRekeyMaterialRSA OAEP-SHA-256 wraps a new (key ∥ nonce_base) pair under
// a member's RSA public key, for group-mode rekey distribution.
// Fresh OAEP randomness is sampled on every call.
func WrapRekeyMaterialRSA(pub *rsa.PublicKey, key [16]byte, nonceBase [8]byte) ([]byte, error) {
	secret := make([]byte, 0, rekeyMaterialLen)
	secret = append(secret, key[:]...)
	secret = append(secret, nonceBase[:]...)
	wrapped, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, secret, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: oaep encrypt: %v", ErrCrypto, err)
	}
	return wrapped, nil
}

// UnwrapRekeyMaterialRSA recovers (key, nonce_base) from an OAEP-wrapped REKEY payload.
func UnwrapRekeyMaterialRSA(priv *rsa.PrivateKey, wrapped []byte) (key [16]byte, nonceBase [8]byte, err error) {
	secret, derr := rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, wrapped, nil)
	if derr != nil {
		return key, nonceBase, fmt.Errorf("%w: oaep decrypt: %v", ErrCrypto, derr)
	}
	if len(secret) != rekeyMaterialLen {
		return key, nonceBase, fmt.Errorf("%w: unwrapped rekey material has length %d, want %d", ErrFormat, len(secret), rekeyMaterialLen)
	}
	copy(key[:], secret[:16])
	copy(nonceBase[:], secret[16:])
	return key, nonceBase, nil
}
