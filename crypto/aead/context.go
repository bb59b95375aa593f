// Package aead implements the per-direction AEAD stream context: AES-128-GCM
// framing keyed by a 128-bit key and an 8-byte nonce base, with the 12-byte
// nonce completed by the low 32 bits of the frame sequence number.
//
// TX advances a strictly monotonic sequence; RX derives the nonce from the
// sequence carried on the wire rather than a local counter, which is what
// makes the stream tolerant of reordering and loss without retransmission.
// Replay protection (rejecting a sequence already accepted) is layered on
// top by the session/replay window, not by this package.
package aead

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/subtle"
	"errors"
	"fmt"

	"github.com/fieldrelay/securestream/internal/bin"
)

const (
	// KeySize is the AES-128 key length in bytes.
	KeySize = 16
	// NonceBaseSize is the fixed 8-byte prefix of the 12-byte AEAD nonce.
	NonceBaseSize = 8
	// NonceSize is the full GCM nonce length: NonceBaseSize + 4-byte sequence suffix.
	NonceSize = 12
	// TagSize is the GCM authentication tag length.
	TagSize = 16
)

var (
	// ErrAuthFail is returned when the authentication tag fails to verify.
	// The caller MUST treat it as non-recoverable for that frame: drop it,
	// never retry decryption with a different key unless a rekey has since
	// been accepted.
	ErrAuthFail = errors.New("aead: authentication failed")
	// ErrNonceGuardExceeded is returned when encrypting would reuse or wrap
	// past the 32-bit nonce suffix space for the current key installation.
	ErrNonceGuardExceeded = errors.New("aead: nonce guard exceeded, rekey required")
	// ErrKeyWiped is returned when a Context is used after Wipe.
	ErrKeyWiped = errors.New("aead: key material has been wiped")
)

// DirectionKey is the symmetric material for one direction (TX or RX).
type DirectionKey struct {
	Key       [KeySize]byte
	NonceBase [NonceBaseSize]byte
	// BaseSeq is the sequence value at which this key became active (0 at
	// initial handshake, next_seq at a rekey boundary). The nonce-guard
	// threshold is measured relative to it.
	BaseSeq uint64
	// Epoch increases by one on every successful rekey.
	Epoch uint32
}

// Wipe overwrites the key bytes so they are not recoverable from this struct's
// memory. Callers must not retain other copies of the key.
func (k *DirectionKey) Wipe() {
	for i := range k.Key {
		k.Key[i] = 0
	}
	for i := range k.NonceBase {
		k.NonceBase[i] = 0
	}
}

// Context is an installed, immutable-until-retirement AEAD stream context for
// one direction.
type Context struct {
	key   DirectionKey
	gcm   cipher.AEAD
	guard uint64 // guard_window: rekey required once seq-BaseSeq >= 2^32-guard
	wiped bool
}

// New installs an AEAD context from a DirectionKey. guardWindow is the
// configured nonce_guard_window (see config.Config); 0 selects the default.
func New(key DirectionKey, guardWindow uint32) (*Context, error) {
	if guardWindow == 0 {
		guardWindow = DefaultGuardWindow
	}
	block, err := aes.NewCipher(key.Key[:])
	if err != nil {
		return nil, fmt.Errorf("aead: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, NonceSize)
	if err != nil {
		return nil, fmt.Errorf("aead: new gcm: %w", err)
	}
	return &Context{key: key, gcm: gcm, guard: uint64(guardWindow)}, nil
}

// DefaultGuardWindow is the recommended nonce_guard_window (2^24)
const DefaultGuardWindow = 1 << 24

// Epoch returns the installed key's epoch.
func (c *Context) Epoch() uint32 { return c.key.Epoch }

// BaseSeq returns the sequence at which this context became active.
func (c *Context) BaseSeq() uint64 { return c.key.BaseSeq }

// NeedsRekey reports whether seq has crossed the nonce-guard threshold for
// this key installation: seq - BaseSeq >= 2^32 - guard_window.
func (c *Context) NeedsRekey(seq uint64) bool {
	const window = uint64(1) << 32
	used := seq - c.key.BaseSeq
	if window <= c.guard {
		return true
	}
	return used >= window-c.guard
}

func (c *Context) nonce(seq uint64) [NonceSize]byte {
	var n [NonceSize]byte
	copy(n[:NonceBaseSize], c.key.NonceBase[:])
	bin.PutU32BE(n[NonceBaseSize:], uint32(seq))
	return n
}

func aad(seq uint64, plaintextLen uint32) []byte {
	b := make([]byte, 12)
	bin.PutU64BE(b[0:8], seq)
	bin.PutU32BE(b[8:12], plaintextLen)
	return b
}

// Encrypt produces ciphertext||tag for plaintext at sequence seq. The
// associated data is seq (big-endian) concatenated with the plaintext
// length.
func (c *Context) Encrypt(seq uint64, plaintext []byte) ([]byte, error) {
	if c.wiped {
		return nil, ErrKeyWiped
	}
	if seq < c.key.BaseSeq || seq-c.key.BaseSeq >= uint64(1)<<32 {
		return nil, ErrNonceGuardExceeded
	}
	nonce := c.nonce(seq)
	a := aad(seq, uint32(len(plaintext)))
	return c.gcm.Seal(nil, nonce[:], plaintext, a), nil
}

// Decrypt verifies and opens ciphertext||tag at sequence seq using the
// plaintext length hint carried on the wire to reconstruct the associated
// data exactly as the sender built it. Failure returns ErrAuthFail.
func (c *Context) Decrypt(seq uint64, ciphertext []byte, plaintextLengthHint uint32) ([]byte, error) {
	if c.wiped {
		return nil, ErrKeyWiped
	}
	nonce := c.nonce(seq)
	a := aad(seq, plaintextLengthHint)
	pt, err := c.gcm.Open(nil, nonce[:], ciphertext, a)
	if err != nil {
		return nil, ErrAuthFail
	}
	return pt, nil
}

// Wipe retires the context: the key is zeroed and further use fails.
func (c *Context) Wipe() {
	if c.wiped {
		return
	}
	c.key.Wipe()
	c.wiped = true
}

// Equal reports whether two keys are identical, in constant time.
func (k DirectionKey) Equal(other DirectionKey) bool {
	return subtle.ConstantTimeCompare(k.Key[:], other.Key[:]) == 1 &&
		subtle.ConstantTimeCompare(k.NonceBase[:], other.NonceBase[:]) == 1
}
