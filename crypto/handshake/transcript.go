package handshake

import (
	"crypto/sha256"

	"github.com/fieldrelay/securestream/internal/bin"
)

// transcriptPrefix binds every derivation to this protocol so that key
// material from an unrelated application can never be confused with ours.
const transcriptPrefix = "securestream-handshake-v1"

// Inputs collects the bytes exchanged during key agreement that must be
// bound into the derived keys, so that tampering with any of them (a
// substituted public key, a replayed salt) is detected at confirmation time.
type Inputs struct {
	Mechanism     Mechanism
	InitiatorSalt []byte
	ResponderSalt []byte
	InitiatorPub  []byte // SEC1 point, SPKI DER, or empty depending on mechanism
	ResponderPub  []byte
}

// Hash returns the SHA-256 transcript hash over a canonical encoding of in:
// every variable-length field is framed with a 4-byte big-endian length
// before hashing, so field boundaries cannot be shifted.
func (in Inputs) Hash() [32]byte {
	h := sha256.New()
	h.Write([]byte(transcriptPrefix))

	var mech [2]byte
	bin.PutU16BE(mech[:], uint16(in.Mechanism))
	h.Write(mech[:])

	writeField(h, in.InitiatorSalt)
	writeField(h, in.ResponderSalt)
	writeField(h, in.InitiatorPub)
	writeField(h, in.ResponderPub)

	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

type writer interface {
	Write(p []byte) (int, error)
}

func writeField(h writer, b []byte) {
	var lenBuf [4]byte
	bin.PutU32BE(lenBuf[:], uint32(len(b)))
	_, _ = h.Write(lenBuf[:])
	_, _ = h.Write(b)
}
