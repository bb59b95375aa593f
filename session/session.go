package session

import (
	"crypto/rsa"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fieldrelay/securestream/config"
	"github.com/fieldrelay/securestream/crypto/aead"
	"github.com/fieldrelay/securestream/crypto/handshake"
	"github.com/fieldrelay/securestream/internal/replaywindow"
	"github.com/fieldrelay/securestream/observability"
	"github.com/fieldrelay/securestream/wire"
)

// nowFunc is stubbed in tests that exercise time-based rekey triggers.
var nowFunc = time.Now

// Session holds the live, post-handshake state for one peer: the installed
// per-direction AEAD contexts, the replay window, and the rekey machinery.
// A Session is safe for concurrent use by one TX-side caller and one
// RX-side caller; EncryptData and DecryptData may run concurrently with each
// other, but each is expected to be called from a single goroutine (the TX
// pump and RX pump respectively), the same single-writer, single-reader
// discipline the connection itself imposes.
type Session struct {
	cfg  config.Config
	obs  observability.SessionObserver
	role handshake.Role

	state atomic.Int32
	epoch atomic.Uint32

	txMu      sync.Mutex
	tx        *aead.Context
	txSeqNext uint64

	rekeyEpochStart         time.Time
	rekeyFramesAtEpochStart uint64

	rxMu   sync.Mutex
	rx     *aead.Context
	replay *replaywindow.Window

	// rsaPriv, when set, unwraps peer-initiated RSA-OAEP REKEY frames.
	rsaPriv *rsa.PrivateKey

	// lastAck caches the most recent REKEY_ACK so a re-delivered identical
	// REKEY is acknowledged without re-installing.
	lastAck         wire.Frame
	lastAckBoundary uint64
	lastAckValid    bool

	// oldRX is the previous direction's RX context, retained across a rekey
	// boundary so frames still in flight under the old key (seq below the
	// boundary) keep decrypting. It is set when the first frame under the new
	// key promotes pendingNewRX, and wiped once oldRXDeadline passes (or on
	// Close); later frames decrypted under the new rx context do not wipe it
	// sooner.
	oldRX         *aead.Context
	oldRXDeadline time.Time

	// pendingNewRX is installed by HandleRekeyFrame once a peer-initiated
	// REKEY has been unwrapped, but not yet promoted to rx: frames with
	// seq < boundary still decrypt under rx/oldRX; seq >= boundary decrypt
	// under pendingNewRX, and the first such success promotes it.
	pendingNewRX *aead.Context
	// rxBoundary is the announced next_seq: the sequence at and above which
	// the new RX key applies. It remains meaningful (for routing stragglers
	// to oldRX) after promotion, until oldRX itself is retired.
	rxBoundary uint64

	pendingTX *pendingTXRekey

	closeOnce sync.Once
	closeErr  error
}

// pendingTXRekey tracks a rekey this side initiated, awaiting REKEY_ACK.
type pendingTXRekey struct {
	newKey    aead.DirectionKey
	nextSeq   uint64
	mechanism handshake.Mechanism
	frame     wire.Frame
	ackCh     chan struct{}
}

// NewFromHandshake builds a Ready Session from a completed handshake.Result.
// role is this side's Role in that handshake, which determines which of the
// two derived direction keys is TX and which is RX.
func NewFromHandshake(role handshake.Role, res *handshake.Result, cfg config.Config, obs observability.SessionObserver) (*Session, error) {
	cfg = cfg.WithDefaults()
	if obs == nil {
		obs = observability.NoopSessionObserver
	}

	var txKey, rxKey aead.DirectionKey
	if role == handshake.RoleInitiator {
		txKey = res.Seed.InitiatorToResponder
		rxKey = res.Seed.ResponderToInitiator
	} else {
		txKey = res.Seed.ResponderToInitiator
		rxKey = res.Seed.InitiatorToResponder
	}

	tx, err := aead.New(txKey, cfg.NonceGuardWindow)
	if err != nil {
		return nil, fmt.Errorf("session: install tx context: %w", err)
	}
	rx, err := aead.New(rxKey, cfg.NonceGuardWindow)
	if err != nil {
		return nil, fmt.Errorf("session: install rx context: %w", err)
	}

	s := &Session{
		cfg:                     cfg,
		obs:                     obs,
		role:                    role,
		tx:                      tx,
		rx:                      rx,
		replay:                  replaywindow.New(cfg.ReplayWindow),
		txSeqNext:               1, // sequence 0 was consumed by the handshake confirmation frame
		rekeyEpochStart:         nowFunc(),
		rekeyFramesAtEpochStart: 1,
	}
	s.state.Store(int32(StateReady))
	obs.Epoch(0)
	return s, nil
}

// NewSender builds a transmit-only Session around an already-installed
// direction key — the group leader's streaming path, where the key was
// distributed out-of-band rather than negotiated by handshake.
// TX starts at BaseSeq+1; BaseSeq itself is consumed by the members'
// acknowledgment.
func NewSender(key aead.DirectionKey, cfg config.Config, obs observability.SessionObserver) (*Session, error) {
	cfg = cfg.WithDefaults()
	if obs == nil {
		obs = observability.NoopSessionObserver
	}
	tx, err := aead.New(key, cfg.NonceGuardWindow)
	if err != nil {
		return nil, fmt.Errorf("session: install tx context: %w", err)
	}
	s := &Session{
		cfg:                     cfg,
		obs:                     obs,
		role:                    handshake.RoleInitiator,
		tx:                      tx,
		txSeqNext:               key.BaseSeq + 1,
		rekeyEpochStart:         nowFunc(),
		rekeyFramesAtEpochStart: key.BaseSeq + 1,
	}
	s.state.Store(int32(StateReady))
	obs.Epoch(key.Epoch)
	return s, nil
}

// NewReceiver builds a receive-only Session with no key installed yet: the
// first REKEY frame (a group-key install at seq 0) provisions the RX
// context via HandleRekeyFrame. priv unwraps that frame's RSA-OAEP material.
func NewReceiver(priv *rsa.PrivateKey, cfg config.Config, obs observability.SessionObserver) *Session {
	cfg = cfg.WithDefaults()
	if obs == nil {
		obs = observability.NoopSessionObserver
	}
	s := &Session{
		cfg:     cfg,
		obs:     obs,
		role:    handshake.RoleResponder,
		rsaPriv: priv,
		replay:  replaywindow.New(cfg.ReplayWindow),
	}
	s.state.Store(int32(StateReady))
	return s
}

// State returns the session's current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// Epoch returns the number of rekeys completed so far.
func (s *Session) Epoch() uint32 { return s.epoch.Load() }

// Close retires both AEAD contexts and any pending rekey material. It is
// idempotent; only the first call's reason is retained.
func (s *Session) Close(reason error) error {
	s.closeOnce.Do(func() {
		s.closeErr = reason
		s.state.Store(int32(StateClosed))

		s.txMu.Lock()
		if s.tx != nil {
			s.tx.Wipe()
		}
		if s.pendingTX != nil {
			s.pendingTX.newKey.Wipe()
			s.pendingTX = nil
		}
		s.txMu.Unlock()

		s.rxMu.Lock()
		if s.rx != nil {
			s.rx.Wipe()
		}
		if s.oldRX != nil {
			s.oldRX.Wipe()
			s.oldRX = nil
		}
		if s.pendingNewRX != nil {
			s.pendingNewRX.Wipe()
			s.pendingNewRX = nil
		}
		s.rxMu.Unlock()
	})
	return s.closeErr
}

// ShouldRekey reports whether any rekey trigger (frame count, wall clock
// interval, or nonce-guard threshold) has fired for the TX direction.
func (s *Session) ShouldRekey() bool {
	if s.State() != StateReady {
		return false
	}
	s.txMu.Lock()
	seq := s.txSeqNext
	framesAtStart := s.rekeyFramesAtEpochStart
	epochStart := s.rekeyEpochStart
	tx := s.tx
	s.txMu.Unlock()

	if tx == nil {
		return false
	}
	if seq-framesAtStart >= s.cfg.RekeyFrames {
		return true
	}
	if nowFunc().Sub(epochStart) >= s.cfg.RekeyInterval {
		return true
	}
	return tx.NeedsRekey(seq)
}

// EncryptData seals plaintext as the next outbound DATA frame, advancing the
// TX sequence counter.
func (s *Session) EncryptData(plaintext []byte) (seq uint64, ciphertext []byte, err error) {
	if s.State() == StateClosed {
		return 0, nil, fmt.Errorf("session: closed")
	}
	s.txMu.Lock()
	if s.tx == nil {
		s.txMu.Unlock()
		return 0, nil, fmt.Errorf("session: receive-only session cannot encrypt")
	}
	seq = s.txSeqNext
	if s.pendingTX != nil && seq >= s.pendingTX.nextSeq {
		s.txMu.Unlock()
		return 0, nil, ErrAwaitingRekeyAck
	}
	ct, err := s.tx.Encrypt(seq, plaintext)
	if err != nil {
		s.txMu.Unlock()
		return 0, nil, err
	}
	s.txSeqNext++
	s.txMu.Unlock()

	s.obs.FrameEncrypted(1)
	return seq, ct, nil
}
