package pump

import (
	"context"
	"io"
	"time"

	"github.com/fieldrelay/securestream/config"
	"github.com/fieldrelay/securestream/fserrors"
	"github.com/fieldrelay/securestream/internal/timeutil"
	"github.com/fieldrelay/securestream/observability"
	"github.com/fieldrelay/securestream/session"
	"github.com/fieldrelay/securestream/wire"
)

// RXOptions configures a receive pump.
type RXOptions struct {
	Config   config.Config
	Observer observability.SessionObserver

	// OnCapabilities is invoked for each CAPABILITIES frame. Nil ignores them.
	OnCapabilities func(wire.Capabilities)

	// OnRekey overrides how inbound REKEY frames are handled; the returned
	// frame (if any) is written back on this side's TX direction. Nil selects
	// Session.HandleRekeyFrame, which also installs leader-pushed group keys.
	OnRekey func(wire.Frame) (wire.Frame, error)

	// MaxFrameAge, when positive, drops DATA frames whose sender timestamp
	// is older than this plus the clock-skew allowance — for live playout,
	// a frame that stale is not worth decoding. Zero accepts any age.
	MaxFrameAge time.Duration
	// ClockSkew is the tolerated sender/receiver clock disagreement applied
	// to the staleness check, rounded up to whole seconds.
	ClockSkew time.Duration
}

// RX is the receive pump: it reads frames, dispatches by type,
// enforces replay and authentication via the session, and forwards plaintext
// access units to the playback sink.
type RX struct {
	sess *session.Session
	r    io.Reader
	w    *Writer
	sink *Queue[AccessUnit]
	opts RXOptions
	obs  observability.SessionObserver

	maxAge time.Duration
}

// NewRX builds a receive pump over an established session. r is the
// connection read side; w is the shared connection writer used for REKEY_ACK
// and PING replies; sink is the bounded queue to the decoder.
func NewRX(sess *session.Session, r io.Reader, w *Writer, sink *Queue[AccessUnit], opts RXOptions) *RX {
	opts.Config = opts.Config.WithDefaults()
	obs := opts.Observer
	if obs == nil {
		obs = observability.NoopSessionObserver
	}
	var maxAge time.Duration
	if opts.MaxFrameAge > 0 {
		maxAge = opts.MaxFrameAge + timeutil.NormalizeSkew(opts.ClockSkew)
	}
	return &RX{sess: sess, r: r, w: w, sink: sink, opts: opts, obs: obs, maxAge: maxAge}
}

// Run drives the pump until ctx is canceled or the transport fails. Per-frame
// failures (AUTH_FAIL, REPLAY, malformed payloads) are dropped and counted;
// only transport-level errors end the loop. Cancellation relies on the caller
// closing the underlying connection, which unblocks the pending read.
func (rx *RX) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		f, err := wire.Read(rx.r, rx.opts.Config.MaxFrameBytes)
		if err != nil {
			if cerr := ctx.Err(); cerr != nil {
				return cerr
			}
			return fserrors.Wrap(fserrors.PathPeer, fserrors.StageTransport, fserrors.ClassifyTransportCode(err), err)
		}

		switch f.Type {
		case wire.TypeCapabilities:
			caps, perr := wire.ParseCapabilities(f.Payload)
			if perr != nil {
				rx.obs.FrameDropped(observability.FrameDropMalformed)
				continue
			}
			if rx.opts.OnCapabilities != nil {
				rx.opts.OnCapabilities(caps)
			}

		case wire.TypePing:
			// Answer keepalive requests with an empty PING; an empty PING is
			// itself a reply and is absorbed here without further traffic.
			if len(f.Payload) > 0 {
				if werr := rx.w.WriteFrame(wire.Frame{Type: wire.TypePing}); werr != nil {
					return fserrors.Wrap(fserrors.PathPeer, fserrors.StageTransport, fserrors.ClassifyTransportCode(werr), werr)
				}
			}

		case wire.TypeRekey:
			handle := rx.opts.OnRekey
			if handle == nil {
				handle = rx.sess.HandleRekeyFrame
			}
			ack, herr := handle(f)
			if herr != nil {
				// A rekey this side cannot unwrap is dropped; the peer times
				// out, retries once, and escalates on its own side.
				rx.obs.FrameDropped(observability.FrameDropMalformed)
				continue
			}
			if ack.Type != 0 {
				if werr := rx.w.WriteFrame(ack); werr != nil {
					return fserrors.Wrap(fserrors.PathPeer, fserrors.StageTransport, fserrors.ClassifyTransportCode(werr), werr)
				}
			}

		case wire.TypeRekeyAck:
			if aerr := rx.sess.HandleRekeyAck(f); aerr != nil {
				rx.obs.FrameDropped(observability.FrameDropMalformed)
			}

		case wire.TypeData:
			rx.handleData(f)

		default:
			rx.obs.FrameDropped(observability.FrameDropMalformed)
		}
	}
}

func (rx *RX) handleData(f wire.Frame) {
	// Sequence 0 is reserved for the handshake confirmation exchange; a DATA
	// frame claiming it after session start can only be a replayed
	// confirmation.
	if f.Sequence == 0 {
		rx.obs.FrameDropped(observability.FrameDropMalformed)
		return
	}
	pt, err := rx.sess.DecryptData(f.Sequence, f.Payload, f.PlaintextLengthHint)
	if err != nil {
		// Dropped and counted by reason (replay/auth) inside the session.
		return
	}
	if rx.maxAge > 0 && f.SenderTimestampNS > 0 {
		age := time.Duration(int64(nowNanos()) - int64(f.SenderTimestampNS))
		if age > rx.maxAge {
			rx.obs.FrameDropped(observability.FrameDropQueueFull)
			return
		}
	}
	if rx.sink.Push(AccessUnit{Payload: pt, SenderTimestampNS: f.SenderTimestampNS}) {
		rx.obs.FrameDropped(observability.FrameDropQueueFull)
	}
}
