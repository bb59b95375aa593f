package session

import (
	"errors"
	"time"

	"github.com/fieldrelay/securestream/crypto/aead"
	"github.com/fieldrelay/securestream/fserrors"
	"github.com/fieldrelay/securestream/observability"
)

// ErrReplay is returned by DecryptData when seq was already accepted or has
// fallen below the replay window's floor. It is the shared replay sentinel,
// so fserrors classification recognizes it directly.
var ErrReplay = fserrors.ErrReplay

// oldRXGrace bounds how long the previous RX context is kept installed after
// the first frame under the new key promotes it, for frames still in flight
// under the old key. The first DecryptData call after this period wipes it.
const oldRXGrace = 5 * time.Second

// DecryptData verifies and opens one inbound DATA frame. The replay window
// is only ever committed (mutated) after AEAD verification has succeeded:
// on ErrAuthFail or ErrReplay the window is left exactly as it was, so a
// forged frame can never be used to push the floor past genuine frames that
// have not arrived yet.
func (s *Session) DecryptData(seq uint64, ciphertext []byte, plaintextLengthHint uint32) ([]byte, error) {
	if s.State() == StateClosed {
		return nil, errors.New("session: closed")
	}

	s.rxMu.Lock()
	if s.rx == nil {
		s.rxMu.Unlock()
		return nil, errors.New("session: no receive key installed")
	}
	s.expireOldRXLocked()

	if !s.replay.Check(seq) {
		s.rxMu.Unlock()
		s.obs.FrameDropped(observability.FrameDropReplay)
		return nil, ErrReplay
	}

	ctx, isPendingNew := s.selectRXContextLocked(seq)
	pt, err := ctx.Decrypt(seq, ciphertext, plaintextLengthHint)
	if err != nil {
		s.rxMu.Unlock()
		s.obs.FrameDropped(observability.FrameDropAuthFail)
		return nil, err
	}

	s.replay.Commit(seq)
	if isPendingNew {
		s.promoteRXLocked()
	}
	s.rxMu.Unlock()

	s.obs.FrameDecrypted(1)
	return pt, nil
}

// selectRXContextLocked picks which installed RX context decrypts seq.
//
//   - While a rekey is pending (pendingNewRX != nil): seq at or past the
//     announced boundary decrypts under the new context; anything below it
//     is still in flight under the not-yet-retired current context.
//   - After promotion (pendingNewRX == nil, oldRX != nil): seq below the
//     boundary that crossed last time is a straggler under the retired key;
//     anything at or past it is normal traffic under the current context.
//
// Callers must hold rxMu.
func (s *Session) selectRXContextLocked(seq uint64) (ctx *aead.Context, isPendingNew bool) {
	if s.pendingNewRX != nil {
		if seq >= s.rxBoundary {
			return s.pendingNewRX, true
		}
		return s.rx, false
	}
	if s.oldRX != nil && seq < s.rxBoundary {
		return s.oldRX, false
	}
	return s.rx, false
}

// promoteRXLocked finalizes a peer-initiated rekey once the first frame
// under the new RX context has verified successfully. Callers must hold rxMu.
func (s *Session) promoteRXLocked() {
	s.oldRX = s.rx
	s.oldRXDeadline = time.Now().Add(oldRXGrace)
	s.rx = s.pendingNewRX
	s.pendingNewRX = nil
	s.epoch.Store(s.rx.Epoch())
	s.obs.Epoch(s.rx.Epoch())
}

// expireOldRXLocked wipes the retained previous RX context once its grace
// period has elapsed. Callers must hold rxMu.
func (s *Session) expireOldRXLocked() {
	if s.oldRX == nil {
		return
	}
	if time.Now().After(s.oldRXDeadline) {
		s.oldRX.Wipe()
		s.oldRX = nil
	}
}
