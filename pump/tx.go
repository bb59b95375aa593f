package pump

import (
	"context"
	"crypto/rsa"
	"errors"
	"time"

	"github.com/fieldrelay/securestream/config"
	"github.com/fieldrelay/securestream/fserrors"
	"github.com/fieldrelay/securestream/observability"
	"github.com/fieldrelay/securestream/session"
	"github.com/fieldrelay/securestream/wire"
)

// pingPayload marks an outbound keepalive request; the peer answers with an
// empty PING, which is accepted silently (no re-reply, no loop).
var pingPayload = []byte("ping")

// TXOptions configures a transmit pump.
type TXOptions struct {
	Config   config.Config
	Observer observability.SessionObserver

	// RekeyPublicKey, when set, selects the RSA-OAEP wrap for rekeys this
	// pump initiates; nil selects the authenticated symmetric rekey used
	// peer-to-peer.
	RekeyPublicKey *rsa.PublicKey

	// PingInterval sends a keepalive PING when no DATA has been emitted for
	// this long. Zero disables keepalives.
	PingInterval time.Duration
}

// TX is the transmit pump: it pulls access units from the capture
// queue, initiates the rekey dance when a threshold fires, encrypts, and
// emits DATA frames in strictly increasing sequence order.
type TX struct {
	sess *session.Session
	w    *Writer
	src  *Queue[[]byte]
	opts TXOptions
	obs  observability.SessionObserver
}

// NewTX builds a transmit pump over an established session. src is the
// bounded capture queue; w is the connection writer shared with the RX pump.
func NewTX(sess *session.Session, w *Writer, src *Queue[[]byte], opts TXOptions) *TX {
	opts.Config = opts.Config.WithDefaults()
	obs := opts.Observer
	if obs == nil {
		obs = observability.NoopSessionObserver
	}
	return &TX{sess: sess, w: w, src: src, opts: opts, obs: obs}
}

// Run drives the pump until ctx is canceled, the capture queue closes, or a
// fatal session/transport error occurs. Per-frame errors never surface here;
// only session-ending conditions do.
func (t *TX) Run(ctx context.Context) error {
	var pingTimer *time.Timer
	var pingCh <-chan time.Time
	if t.opts.PingInterval > 0 {
		pingTimer = time.NewTimer(t.opts.PingInterval)
		defer pingTimer.Stop()
		pingCh = pingTimer.C
	}

	for {
		if t.sess.ShouldRekey() {
			if err := t.rekey(ctx); err != nil {
				return err
			}
		}

		au, ok := t.src.TryPop()
		if !ok {
			if t.src.IsClosed() {
				return nil
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-pingCh:
				if err := t.w.WriteFrame(wire.Frame{Type: wire.TypePing, Payload: pingPayload}); err != nil {
					return fserrors.Wrap(fserrors.PathPeer, fserrors.StageTransport, fserrors.ClassifyTransportCode(err), err)
				}
				pingTimer.Reset(t.opts.PingInterval)
			case <-t.src.Ready():
			}
			continue
		}

		if err := t.sendData(ctx, au); err != nil {
			return err
		}
		if pingTimer != nil {
			if !pingTimer.Stop() {
				select {
				case <-pingTimer.C:
				default:
				}
			}
			pingTimer.Reset(t.opts.PingInterval)
		}
	}
}

func (t *TX) sendData(ctx context.Context, au []byte) error {
	for {
		seq, ct, err := t.sess.EncryptData(au)
		switch {
		case err == nil:
			f := wire.Frame{
				Type:                wire.TypeData,
				Sequence:            seq,
				PlaintextLengthHint: uint32(len(au)),
				Payload:             ct,
			}
			if werr := t.w.WriteFrame(f); werr != nil {
				return fserrors.Wrap(fserrors.PathPeer, fserrors.StageTransport, fserrors.ClassifyTransportCode(werr), werr)
			}
			return nil
		case errors.Is(err, session.ErrAwaitingRekeyAck):
			// The sequence hit the announced boundary before the ACK landed;
			// wait for the RX pump to deliver it, then retry under the new key.
			ackCh := t.sess.AckCh()
			if ackCh == nil {
				continue
			}
			select {
			case <-ackCh:
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(t.opts.Config.AckTimeout):
				t.sess.AbortRekey()
				t.obs.RekeyCompleted(observability.RekeyResultTimeout, t.opts.Config.AckTimeout)
				return fserrors.Wrap(fserrors.PathPeer, fserrors.StageRekey, fserrors.CodeRekeyTimeout, err)
			}
		default:
			return fserrors.Wrap(fserrors.PathPeer, fserrors.StageSession, fserrors.ClassifyDataFrameCode(err), err)
		}
	}
}

// rekey runs the key-rotation dance: announce the boundary, then wait for the RX pump
// to verify the peer's REKEY_ACK. The identical REKEY frame is re-sent once
// on timeout (idempotent at the receiver) before the failure escalates.
func (t *TX) rekey(ctx context.Context) error {
	start := time.Now()
	f, err := t.sess.StartRekey(t.opts.RekeyPublicKey)
	if err != nil {
		if errors.Is(err, session.ErrRekeyInProgress) {
			return nil
		}
		return fserrors.Wrap(fserrors.PathPeer, fserrors.StageRekey, fserrors.CodeRekeyCrypto, err)
	}
	ackCh := t.sess.AckCh()
	if werr := t.w.WriteFrame(f); werr != nil {
		t.sess.AbortRekey()
		return fserrors.Wrap(fserrors.PathPeer, fserrors.StageTransport, fserrors.ClassifyTransportCode(werr), werr)
	}

	for attempt := 0; ; attempt++ {
		select {
		case <-ackCh:
			t.obs.RekeyCompleted(observability.RekeyResultOK, time.Since(start))
			return nil
		case <-ctx.Done():
			t.sess.AbortRekey()
			return ctx.Err()
		case <-time.After(t.opts.Config.AckTimeout):
			if attempt >= t.opts.Config.RekeyMaxRetries {
				t.sess.AbortRekey()
				t.obs.RekeyCompleted(observability.RekeyResultTimeout, time.Since(start))
				return fserrors.Wrap(fserrors.PathPeer, fserrors.StageRekey, fserrors.CodeRekeyTimeout, errors.New("no REKEY_ACK within deadline"))
			}
			rf, ok := t.sess.PendingRekeyFrame()
			if !ok {
				return nil
			}
			if werr := t.w.WriteFrame(rf); werr != nil {
				t.sess.AbortRekey()
				return fserrors.Wrap(fserrors.PathPeer, fserrors.StageTransport, fserrors.ClassifyTransportCode(werr), werr)
			}
		}
	}
}
