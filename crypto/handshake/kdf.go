package handshake

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/fieldrelay/securestream/crypto/aead"
)

// SessionSeed holds the two per-direction AEAD keys produced by a completed
// handshake or rekey, before either side's Session installs them.
type SessionSeed struct {
	InitiatorToResponder aead.DirectionKey
	ResponderToInitiator aead.DirectionKey
}

// DeriveSessionKeys runs HKDF-SHA-256 over secret (the ECDH shared point or
// the RSA-unwrapped prekey) with salt and the transcript hash, producing two
// independently keyed directions. The HKDF info string for each direction
// encodes a direction label, so TX and RX material differ and a single
// shared key can never arise — the derivation contract both mechanisms must
// honor.
func DeriveSessionKeys(secret, salt []byte, transcript [32]byte, baseSeq uint64) (SessionSeed, error) {
	i2r, err := deriveDirection(secret, salt, transcript, DirInitiatorToResponder, baseSeq)
	if err != nil {
		return SessionSeed{}, err
	}
	r2i, err := deriveDirection(secret, salt, transcript, DirResponderToInitiator, baseSeq)
	if err != nil {
		return SessionSeed{}, err
	}
	return SessionSeed{InitiatorToResponder: i2r, ResponderToInitiator: r2i}, nil
}

func deriveDirection(secret, salt []byte, transcript [32]byte, dir Direction, baseSeq uint64) (aead.DirectionKey, error) {
	info := make([]byte, 0, len(transcriptPrefix)+16+len(transcript))
	info = append(info, []byte(transcriptPrefix+":dir:"+dir.label()+":")...)
	info = append(info, transcript[:]...)

	r := hkdf.New(sha256.New, secret, salt, info)
	buf := make([]byte, aead.KeySize+aead.NonceBaseSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return aead.DirectionKey{}, fmt.Errorf("handshake: hkdf expand: %w", err)
	}
	var k aead.DirectionKey
	copy(k.Key[:], buf[:aead.KeySize])
	copy(k.NonceBase[:], buf[aead.KeySize:])
	k.BaseSeq = baseSeq
	k.Epoch = 0
	return k, nil
}

// confirmationMagic is the fixed plaintext bound under the newly derived TX
// key at sequence 0 by the handshake confirmation frame. The recipient
// rejects anything else as ErrConfirmationFailed.
const confirmationMagic = "securestream-confirm-v1"

// confirmationPlaintext derives a confirmation plaintext tied to the
// transcript hash, so the confirmation frame's ciphertext cannot be replayed
// across sessions with a coincidentally identical key.
func confirmationPlaintext(transcript [32]byte) []byte {
	out := make([]byte, 0, len(confirmationMagic)+len(transcript))
	out = append(out, []byte(confirmationMagic)...)
	out = append(out, transcript[:]...)
	return out
}
