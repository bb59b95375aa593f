package session

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"fmt"
	"io"

	"github.com/fieldrelay/securestream/crypto/aead"
	"github.com/fieldrelay/securestream/crypto/handshake"
	"github.com/fieldrelay/securestream/internal/bin"
	"github.com/fieldrelay/securestream/internal/replaywindow"
	"github.com/fieldrelay/securestream/wire"
)

var (
	// ErrRekeyInProgress is returned by StartRekey while an earlier rekey is
	// still awaiting its REKEY_ACK.
	ErrRekeyInProgress = errors.New("session: rekey already in progress")
	// ErrAwaitingRekeyAck is returned by EncryptData once the TX sequence has
	// reached the announced rekey boundary: the old key must not be used at or
	// past next_seq, and the new key may not be used until the peer's
	// REKEY_ACK has verified. The TX pump waits on AckCh and retries.
	ErrAwaitingRekeyAck = errors.New("session: tx paused at rekey boundary awaiting REKEY_ACK")
	// ErrNoPendingRekey is returned by HandleRekeyAck when no rekey is
	// outstanding and the ACK does not match a recently completed one.
	ErrNoPendingRekey = errors.New("session: unexpected REKEY_ACK")
	// ErrRekeyAckMismatch is returned when a REKEY_ACK fails to verify under
	// the pending new key at the announced boundary sequence.
	ErrRekeyAckMismatch = errors.New("session: REKEY_ACK failed to authenticate")
	// ErrRekeyUnwrap is returned when a received REKEY frame's wrapped
	// material cannot be recovered.
	ErrRekeyUnwrap = errors.New("session: cannot unwrap rekey material")
)

// rekeyAckMagic is the fixed plaintext sealed under the new key at next_seq
// to acknowledge a rekey. Sequence next_seq is consumed by this
// acknowledgment; the first DATA frame under the new key is next_seq+1, so no
// (key, nonce) pair is ever used twice across the boundary.
const rekeyAckMagic = "securestream-rekey-ack-v1"

// wrapPlainLen is len(key ∥ nonce_base), the plaintext size of wrapped_material.
const wrapPlainLen = aead.KeySize + aead.NonceBaseSize

// rekeyLeadFrames is how far ahead of the current TX sequence the boundary is
// announced, leaving room for DATA frames already queued (and the REKEY frame
// itself) to drain under the old key while the peer processes the rekey.
const rekeyLeadFrames = 64

// rekeyHeaderLen is the fixed prefix of a REKEY payload:
// [u64 next_seq][u16 mechanism_id][u16 wrap_len].
const rekeyHeaderLen = 8 + 2 + 2

// SetRekeyPrivateKey installs the RSA private key this side uses to unwrap
// peer-initiated REKEY frames carrying mechanism_id=RSA-OAEP. Without it,
// only symmetric rekeys can be accepted.
func (s *Session) SetRekeyPrivateKey(priv *rsa.PrivateKey) {
	s.rxMu.Lock()
	s.rsaPriv = priv
	s.rxMu.Unlock()
}

// StartRekey begins rotating this side's TX direction. When peerPub is
// non-nil the new material is RSA-OAEP wrapped under it (mechanism_id=
// RSA-OAEP, the group-interoperable choice); otherwise it is sealed under the
// current TX AEAD context (mechanism_id=symmetric, permitted peer-to-peer).
//
// The returned frame must be written in-band on the TX direction. AckCh is
// closed when the peer's REKEY_ACK verifies; until then DATA continues under
// the old key, and EncryptData returns ErrAwaitingRekeyAck if the sequence
// reaches the announced boundary first.
func (s *Session) StartRekey(peerPub *rsa.PublicKey) (wire.Frame, error) {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	return s.startRekeyAtLocked(s.txSeqNext+rekeyLeadFrames, peerPub)
}

// startRekeyAtLocked is StartRekey with an explicit boundary, for callers
// that need a known next_seq. Callers must hold txMu.
func (s *Session) startRekeyAtLocked(nextSeq uint64, peerPub *rsa.PublicKey) (wire.Frame, error) {
	if s.State() == StateClosed {
		return wire.Frame{}, errors.New("session: closed")
	}
	if s.tx == nil {
		return wire.Frame{}, errors.New("session: receive-only session cannot initiate rekey")
	}
	if s.pendingTX != nil {
		return wire.Frame{}, ErrRekeyInProgress
	}
	if nextSeq < s.txSeqNext {
		return wire.Frame{}, fmt.Errorf("session: rekey boundary %d below next tx sequence %d", nextSeq, s.txSeqNext)
	}

	newKey := aead.DirectionKey{BaseSeq: nextSeq, Epoch: s.tx.Epoch() + 1}
	if _, err := io.ReadFull(rand.Reader, newKey.Key[:]); err != nil {
		return wire.Frame{}, fmt.Errorf("session: sample rekey material: %w", err)
	}
	if _, err := io.ReadFull(rand.Reader, newKey.NonceBase[:]); err != nil {
		return wire.Frame{}, fmt.Errorf("session: sample rekey nonce base: %w", err)
	}

	var (
		mech    handshake.Mechanism
		wrapped []byte
		hint    uint32
		err     error
	)
	// The REKEY frame consumes one TX sequence number of its own, keeping it
	// strictly ordered with DATA on the same direction. The symmetric
	// wrap is sealed under the old key at that sequence; the RSA wrap needs
	// no AEAD, and the sequence it consumed simply goes unused as a nonce.
	frameSeq := s.txSeqNext
	if peerPub != nil {
		mech = handshake.MechanismRSAOAEP
		wrapped, err = handshake.WrapRekeyMaterialRSA(peerPub, newKey.Key, newKey.NonceBase)
	} else {
		mech = handshake.MechanismSymmetric
		plain := make([]byte, 0, wrapPlainLen)
		plain = append(plain, newKey.Key[:]...)
		plain = append(plain, newKey.NonceBase[:]...)
		wrapped, err = s.tx.Encrypt(frameSeq, plain)
		for i := range plain {
			plain[i] = 0
		}
		hint = wrapPlainLen
	}
	if err != nil {
		newKey.Wipe()
		return wire.Frame{}, err
	}
	s.txSeqNext++

	f := wire.Frame{
		Type:                wire.TypeRekey,
		Sequence:            frameSeq,
		PlaintextLengthHint: hint,
		Payload:             buildRekeyPayload(nextSeq, mech, wrapped),
	}
	s.pendingTX = &pendingTXRekey{
		newKey:    newKey,
		nextSeq:   nextSeq,
		mechanism: mech,
		frame:     f,
		ackCh:     make(chan struct{}),
	}
	s.state.Store(int32(StateRekeying))
	s.obs.RekeyStarted(mech.String())
	return f, nil
}

// AckCh returns the channel closed when the outstanding rekey's REKEY_ACK
// has verified, or nil when no rekey is pending.
func (s *Session) AckCh() <-chan struct{} {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	if s.pendingTX == nil {
		return nil
	}
	return s.pendingTX.ackCh
}

// PendingRekeyFrame returns the REKEY frame of the outstanding rekey for a
// bounded retry after an ACK timeout. Re-sending the identical frame is
// idempotent at the receiver.
func (s *Session) PendingRekeyFrame() (wire.Frame, bool) {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	if s.pendingTX == nil {
		return wire.Frame{}, false
	}
	return s.pendingTX.frame, true
}

// AbortRekey abandons an outstanding rekey after a timeout: the never-used
// new material is wiped and TX continues under the old key. The caller
// decides whether to retry
// with a fresh StartRekey or escalate.
func (s *Session) AbortRekey() {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	if s.pendingTX == nil {
		return
	}
	s.pendingTX.newKey.Wipe()
	s.pendingTX = nil
	if s.State() == StateRekeying {
		s.state.Store(int32(StateReady))
	}
}

// HandleRekeyAck processes the peer's REKEY_ACK for a rekey this side
// initiated: it verifies the fixed acknowledgment plaintext under the pending
// new key at the announced boundary, then atomically swaps the TX context.
// The retired key is wiped immediately; TX resumes at next_seq+1 (the ACK
// consumed next_seq).
func (s *Session) HandleRekeyAck(f wire.Frame) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	p := s.pendingTX
	if p == nil {
		// Duplicate ACK for a rekey that already completed (a retried REKEY
		// crossed with the first ACK in flight). Ignore.
		if f.Sequence < s.txSeqNext {
			return nil
		}
		return ErrNoPendingRekey
	}
	if f.Sequence != p.nextSeq {
		return fmt.Errorf("%w: ack at seq %d, expected %d", ErrRekeyAckMismatch, f.Sequence, p.nextSeq)
	}

	ackCtx, err := aead.New(p.newKey, s.cfg.NonceGuardWindow)
	if err != nil {
		return err
	}
	got, err := ackCtx.Decrypt(p.nextSeq, f.Payload, uint32(len(rekeyAckMagic)))
	ackCtx.Wipe()
	if err != nil || !bytes.Equal(got, []byte(rekeyAckMagic)) {
		return ErrRekeyAckMismatch
	}

	newTX, err := aead.New(p.newKey, s.cfg.NonceGuardWindow)
	if err != nil {
		return err
	}
	s.tx.Wipe()
	s.tx = newTX
	s.txSeqNext = p.nextSeq + 1
	s.rekeyEpochStart = nowFunc()
	s.rekeyFramesAtEpochStart = s.txSeqNext
	p.newKey.Wipe()
	close(p.ackCh)
	s.pendingTX = nil
	if s.State() == StateRekeying {
		s.state.Store(int32(StateReady))
	}
	s.epoch.Store(newTX.Epoch())
	s.obs.Epoch(newTX.Epoch())
	return nil
}

// HandleRekeyFrame processes a peer-initiated REKEY: it unwraps the new RX
// material, installs it to take effect at the announced boundary, and returns
// the REKEY_ACK frame to send back. Re-delivery of the identical REKEY (same
// boundary; for a boundary-0 group install, also the same key) returns the
// cached acknowledgment without re-installing.
func (s *Session) HandleRekeyFrame(f wire.Frame) (wire.Frame, error) {
	nextSeq, mech, wrapped, err := parseRekeyPayload(f.Payload)
	if err != nil {
		return wire.Frame{}, err
	}

	s.rxMu.Lock()
	defer s.rxMu.Unlock()

	if s.lastAckValid && s.lastAckBoundary == nextSeq && nextSeq != 0 {
		return s.lastAck, nil
	}
	if s.rx != nil && nextSeq != 0 && nextSeq <= s.replay.Highest() {
		return wire.Frame{}, fmt.Errorf("%w: rekey boundary %d already behind accepted traffic", ErrRekeyUnwrap, nextSeq)
	}

	var key [aead.KeySize]byte
	var nonceBase [aead.NonceBaseSize]byte
	switch mech {
	case handshake.MechanismRSAOAEP:
		if s.rsaPriv == nil {
			return wire.Frame{}, fmt.Errorf("%w: no private key installed for RSA-OAEP rekey", ErrRekeyUnwrap)
		}
		key, nonceBase, err = handshake.UnwrapRekeyMaterialRSA(s.rsaPriv, wrapped)
		if err != nil {
			return wire.Frame{}, fmt.Errorf("%w: %v", ErrRekeyUnwrap, err)
		}
	case handshake.MechanismSymmetric:
		if s.rx == nil {
			return wire.Frame{}, fmt.Errorf("%w: symmetric rekey with no installed RX key", ErrRekeyUnwrap)
		}
		plain, derr := s.rx.Decrypt(f.Sequence, wrapped, wrapPlainLen)
		if derr != nil {
			return wire.Frame{}, fmt.Errorf("%w: %v", ErrRekeyUnwrap, derr)
		}
		copy(key[:], plain[:aead.KeySize])
		copy(nonceBase[:], plain[aead.KeySize:])
		for i := range plain {
			plain[i] = 0
		}
	default:
		return wire.Frame{}, fmt.Errorf("%w: mechanism %s not valid for rekey", ErrRekeyUnwrap, mech)
	}

	if s.lastAckValid && s.lastAckBoundary == nextSeq {
		// Every group install uses boundary 0, so the cached acknowledgment
		// is reused only when the unwrapped key is the one it was built for.
		again, aerr := buildRekeyAck(aead.DirectionKey{Key: key, NonceBase: nonceBase, BaseSeq: nextSeq}, nextSeq, s.cfg.NonceGuardWindow)
		if aerr == nil && bytes.Equal(again.Payload, s.lastAck.Payload) {
			return s.lastAck, nil
		}
	}

	var epoch uint32
	if s.rx != nil {
		epoch = s.rx.Epoch() + 1
	}
	newKey := aead.DirectionKey{Key: key, NonceBase: nonceBase, BaseSeq: nextSeq, Epoch: epoch}
	newRX, err := aead.New(newKey, s.cfg.NonceGuardWindow)
	if err != nil {
		return wire.Frame{}, err
	}

	if s.rx == nil || nextSeq == 0 {
		// Bootstrap (group-key install at seq 0) or a full restart of
		// the sequence space: the new key takes effect immediately and the
		// replay window starts over with it.
		if s.rx != nil {
			s.rx.Wipe()
		}
		if s.pendingNewRX != nil {
			s.pendingNewRX.Wipe()
			s.pendingNewRX = nil
		}
		s.rx = newRX
		s.rxBoundary = nextSeq
		s.replay = replaywindow.New(s.cfg.ReplayWindow)
		s.epoch.Store(epoch)
		s.obs.Epoch(epoch)
	} else {
		if s.pendingNewRX != nil {
			s.pendingNewRX.Wipe()
		}
		s.pendingNewRX = newRX
		s.rxBoundary = nextSeq
	}

	ack, err := buildRekeyAck(newKey, nextSeq, s.cfg.NonceGuardWindow)
	newKey.Wipe()
	if err != nil {
		return wire.Frame{}, err
	}
	s.lastAck = ack
	s.lastAckBoundary = nextSeq
	s.lastAckValid = true
	return ack, nil
}

// buildRekeyAck seals the fixed acknowledgment plaintext under key at
// boundary, producing the REKEY_ACK frame.
func buildRekeyAck(key aead.DirectionKey, boundary uint64, guard uint32) (wire.Frame, error) {
	ackCtx, err := aead.New(key, guard)
	if err != nil {
		return wire.Frame{}, err
	}
	ct, err := ackCtx.Encrypt(boundary, []byte(rekeyAckMagic))
	ackCtx.Wipe()
	if err != nil {
		return wire.Frame{}, err
	}
	return wire.Frame{
		Type:                wire.TypeRekeyAck,
		Sequence:            boundary,
		PlaintextLengthHint: uint32(len(rekeyAckMagic)),
		Payload:             ct,
	}, nil
}

func buildRekeyPayload(nextSeq uint64, mech handshake.Mechanism, wrapped []byte) []byte {
	b := make([]byte, rekeyHeaderLen+len(wrapped))
	bin.PutU64BE(b[0:8], nextSeq)
	bin.PutU16BE(b[8:10], uint16(mech))
	bin.PutU16BE(b[10:12], uint16(len(wrapped)))
	copy(b[rekeyHeaderLen:], wrapped)
	return b
}

func parseRekeyPayload(payload []byte) (nextSeq uint64, mech handshake.Mechanism, wrapped []byte, err error) {
	if len(payload) < rekeyHeaderLen {
		return 0, 0, nil, fmt.Errorf("%w: rekey payload too short (%d bytes)", ErrRekeyUnwrap, len(payload))
	}
	nextSeq = bin.U64BE(payload[0:8])
	mech = handshake.Mechanism(bin.U16BE(payload[8:10]))
	wrapLen := int(bin.U16BE(payload[10:12]))
	if len(payload) != rekeyHeaderLen+wrapLen {
		return 0, 0, nil, fmt.Errorf("%w: wrap_len %d disagrees with payload length %d", ErrRekeyUnwrap, wrapLen, len(payload))
	}
	return nextSeq, mech, payload[rekeyHeaderLen:], nil
}
