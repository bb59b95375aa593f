package handshake

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"fmt"
)

// MinRSABits is the minimum modulus size accepted for an RSA-OAEP handshake
// or rekey.
const MinRSABits = 2048

// GenerateRSAKeypair generates a fresh RSA keypair of the given modulus size.
// bits must be at least MinRSABits.
func GenerateRSAKeypair(bits int) (*rsa.PrivateKey, error) {
	if bits < MinRSABits {
		return nil, fmt.Errorf("%w: rsa modulus %d below minimum %d", ErrFormat, bits, MinRSABits)
	}
	priv, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	return priv, nil
}

// MarshalRSAPublicKeySPKI encodes pub as an SPKI/DER public key, the form
// sent on the wire when the responder presents an ephemeral key.
func MarshalRSAPublicKeySPKI(pub *rsa.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	return der, nil
}

// ParseRSAPublicKeySPKI parses an SPKI/DER public key received on the wire.
func ParseRSAPublicKeySPKI(der []byte) (*rsa.PublicKey, error) {
	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: expected RSA public key, got %T", ErrFormat, pub)
	}
	if rsaPub.Size()*8 < MinRSABits {
		return nil, fmt.Errorf("%w: rsa modulus below minimum %d bits", ErrFormat, MinRSABits)
	}
	return rsaPub, nil
}

// rsaWrapPrekey OAEP-SHA-256 wraps (salt ∥ prekey) under the responder's
// public key, sampling fresh OAEP randomness on every call.
func rsaWrapPrekey(pub *rsa.PublicKey, salt, prekey []byte) ([]byte, error) {
	secret := make([]byte, 0, len(salt)+len(prekey))
	secret = append(secret, salt...)
	secret = append(secret, prekey...)
	wrapped, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, secret, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: oaep encrypt: %v", ErrCrypto, err)
	}
	return wrapped, nil
}

// rsaUnwrapPrekey recovers (salt, prekey) from an OAEP-wrapped blob. saltLen
// fixes how the concatenated secret is split.
func rsaUnwrapPrekey(priv *rsa.PrivateKey, wrapped []byte, saltLen int) (salt, prekey []byte, err error) {
	secret, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, wrapped, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: oaep decrypt: %v", ErrCrypto, err)
	}
	if len(secret) <= saltLen {
		return nil, nil, fmt.Errorf("%w: unwrapped secret too short", ErrFormat)
	}
	return secret[:saltLen], secret[saltLen:], nil
}
