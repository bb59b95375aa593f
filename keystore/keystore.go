// Package keystore loads and saves the PEM-encoded RSA keys the protocol's
// RSA-OAEP mechanism and the group-key distributor rely on, laid out under a
// configuration directory keyed by peer address: <dir>/<addr>_pub.pem
// for each peer's public key and <dir>/receiver_priv.pem for this node's own
// private key.
package keystore

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fieldrelay/securestream/crypto/handshake"
	"github.com/fieldrelay/securestream/internal/securefile"
)

const (
	appDirName      = "securestream"
	privateKeyFile  = "receiver_priv.pem"
	publicKeySuffix = "_pub.pem"

	publicPEMType  = "PUBLIC KEY"
	privatePEMType = "PRIVATE KEY"
)

// DefaultDir returns the per-user configuration directory for key files.
func DefaultDir() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("keystore: resolve config dir: %w", err)
	}
	return filepath.Join(base, appDirName), nil
}

// sanitizeAddr makes a peer address usable as a file name component.
func sanitizeAddr(addr string) string {
	r := strings.NewReplacer(":", "_", "/", "_", "\\", "_")
	return r.Replace(addr)
}

// PublicKeyPath returns the path holding addr's public key under dir.
func PublicKeyPath(dir, addr string) string {
	return filepath.Join(dir, sanitizeAddr(addr)+publicKeySuffix)
}

// PrivateKeyPath returns the path holding this node's private key under dir.
func PrivateKeyPath(dir string) string {
	return filepath.Join(dir, privateKeyFile)
}

// SavePublicKey writes addr's public key as SPKI PEM under dir, creating the
// directory if needed.
func SavePublicKey(dir, addr string, pub *rsa.PublicKey) error {
	if err := securefile.MkdirAllOwnerOnly(dir); err != nil {
		return fmt.Errorf("keystore: create %s: %w", dir, err)
	}
	der, err := handshake.MarshalRSAPublicKeySPKI(pub)
	if err != nil {
		return fmt.Errorf("keystore: encode public key: %w", err)
	}
	data := pem.EncodeToMemory(&pem.Block{Type: publicPEMType, Bytes: der})
	if err := securefile.WriteFileAtomic(PublicKeyPath(dir, addr), data, 0o644); err != nil {
		return fmt.Errorf("keystore: write public key for %s: %w", addr, err)
	}
	return nil
}

// LoadPublicKey reads addr's public key from dir.
func LoadPublicKey(dir, addr string) (*rsa.PublicKey, error) {
	path := PublicKeyPath(dir, addr)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("keystore: read %s: %w", path, err)
	}
	block, _ := pem.Decode(data)
	if block == nil || block.Type != publicPEMType {
		return nil, fmt.Errorf("keystore: %s is not a %s PEM block", path, publicPEMType)
	}
	pub, err := handshake.ParseRSAPublicKeySPKI(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("keystore: parse %s: %w", path, err)
	}
	return pub, nil
}

// SavePrivateKey writes this node's private key as PKCS#8 PEM under dir with
// owner-only permissions.
func SavePrivateKey(dir string, priv *rsa.PrivateKey) error {
	if err := securefile.MkdirAllOwnerOnly(dir); err != nil {
		return fmt.Errorf("keystore: create %s: %w", dir, err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return fmt.Errorf("keystore: encode private key: %w", err)
	}
	data := pem.EncodeToMemory(&pem.Block{Type: privatePEMType, Bytes: der})
	if err := securefile.WriteFileAtomic(PrivateKeyPath(dir), data, 0o600); err != nil {
		return fmt.Errorf("keystore: write private key: %w", err)
	}
	return nil
}

// LoadPrivateKey reads this node's private key from dir.
func LoadPrivateKey(dir string) (*rsa.PrivateKey, error) {
	path := PrivateKeyPath(dir)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("keystore: read %s: %w", path, err)
	}
	block, _ := pem.Decode(data)
	if block == nil || block.Type != privatePEMType {
		return nil, fmt.Errorf("keystore: %s is not a %s PEM block", path, privatePEMType)
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("keystore: parse %s: %w", path, err)
	}
	priv, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("keystore: %s holds a %T, want RSA private key", path, key)
	}
	return priv, nil
}
