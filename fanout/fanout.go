// Package fanout implements one-to-many delivery: a leader feeds a single
// capture path into N independently keyed per-peer pipelines, and the
// group-key distributor pushes a common symmetric key to every member wrapped
// under that member's public key.
//
// Per-peer failure is isolated by construction: each peer owns its own
// session, queue, and pump goroutines, so a dead socket or failed rekey marks
// that one peer down without stalling delivery to the others.
package fanout

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fieldrelay/securestream/config"
	"github.com/fieldrelay/securestream/crypto/handshake"
	"github.com/fieldrelay/securestream/fserrors"
	"github.com/fieldrelay/securestream/observability"
	"github.com/fieldrelay/securestream/pump"
	"github.com/fieldrelay/securestream/session"
	"github.com/fieldrelay/securestream/wire"
)

// defaultQueueDepth bounds each peer's capture queue. Live video prefers
// freshness: a full queue evicts the oldest unit.
const defaultQueueDepth = 4

// PeerState is a point-in-time snapshot of one peer's pipeline.
type PeerState struct {
	Addr   string
	HasKey bool
	Epoch  uint32
	Drops  uint64
}

// PeerOptions configures one outbound peer connection.
type PeerOptions struct {
	// Handshake selects the key-agreement variant and its parameters for
	// this peer.
	Handshake handshake.Options
	// RekeyPublicKey, when set, makes rekeys to this peer use the RSA-OAEP
	// wrap instead of the symmetric one.
	RekeyPublicKey *rsa.PublicKey
	// PingInterval is the keepalive interval forwarded to the TX pump; zero
	// disables keepalives.
	PingInterval time.Duration
	// Capabilities, when set, is announced to the peer once the session is
	// up, before the first DATA frame.
	Capabilities *wire.Capabilities
}

// ControllerOptions configures the fan-out controller.
type ControllerOptions struct {
	Config          config.Config
	Observer        observability.FanoutObserver
	SessionObserver observability.SessionObserver
	// QueueDepth bounds each peer's capture queue; 0 selects the default.
	QueueDepth int
	// OnPeerDown is invoked (once per incident, off the broadcast path) when
	// a peer's pipeline fails, so the caller can schedule a reconnect. May
	// be nil.
	OnPeerDown func(addr string, err error)
	// Sink receives decrypted access units from inbound mesh peers. May be
	// nil when the leader only transmits.
	Sink func(addr string, au pump.AccessUnit)
}

type peer struct {
	addr   string
	conn   net.Conn
	sess   *session.Session
	src    *pump.Queue[[]byte]
	cancel context.CancelFunc
	hasKey atomic.Bool
	done   chan struct{}
}

// Controller owns the per-peer sessions and pumps of a fan-out leader (and,
// in mesh mode, the RX pipelines of inbound peers).
type Controller struct {
	cfg  config.Config
	opts ControllerOptions
	obs  observability.FanoutObserver

	mu     sync.Mutex
	peers  map[string]*peer
	closed bool
}

// NewController builds an empty fan-out controller.
func NewController(opts ControllerOptions) *Controller {
	opts.Config = opts.Config.WithDefaults()
	if opts.Observer == nil {
		opts.Observer = observability.NoopFanoutObserver
	}
	if opts.QueueDepth == 0 {
		opts.QueueDepth = defaultQueueDepth
	}
	return &Controller{
		cfg:   opts.Config,
		opts:  opts,
		obs:   opts.Observer,
		peers: make(map[string]*peer),
	}
}

// AddPeer runs the initiator handshake over conn and, on success, starts the
// peer's TX and RX pumps. The controller takes ownership of conn.
func (c *Controller) AddPeer(ctx context.Context, addr string, conn net.Conn, po PeerOptions) error {
	res, err := handshake.Initiator(ctx, conn, po.Handshake)
	if err != nil {
		conn.Close()
		c.obs.PeerClosed(observability.PeerCloseHandshakeFail)
		return fserrors.Wrap(fserrors.PathFanout, fserrors.StageHandshake, fserrors.ClassifyHandshakeCode(err), err)
	}
	sess, err := session.NewFromHandshake(handshake.RoleInitiator, res, c.cfg, c.opts.SessionObserver)
	if err != nil {
		conn.Close()
		return fserrors.Wrap(fserrors.PathFanout, fserrors.StageSession, fserrors.CodeHandshakeCrypto, err)
	}
	return c.startPeer(addr, conn, sess, po, false)
}

// AcceptInbound runs the responder handshake over conn and starts an RX
// pipeline delivering to the controller's Sink — mesh mode's inbound half.
func (c *Controller) AcceptInbound(ctx context.Context, addr string, conn net.Conn, opts handshake.Options) error {
	res, err := handshake.Responder(ctx, conn, opts)
	if err != nil {
		conn.Close()
		c.obs.PeerClosed(observability.PeerCloseHandshakeFail)
		return fserrors.Wrap(fserrors.PathFanout, fserrors.StageHandshake, fserrors.ClassifyHandshakeCode(err), err)
	}
	sess, err := session.NewFromHandshake(handshake.RoleResponder, res, c.cfg, c.opts.SessionObserver)
	if err != nil {
		conn.Close()
		return fserrors.Wrap(fserrors.PathFanout, fserrors.StageSession, fserrors.CodeHandshakeCrypto, err)
	}
	return c.startPeer(addr, conn, sess, PeerOptions{}, true)
}

func (c *Controller) startPeer(addr string, conn net.Conn, sess *session.Session, po PeerOptions, inboundOnly bool) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		sess.Close(nil)
		return fmt.Errorf("fanout: controller closed")
	}
	if old, ok := c.peers[addr]; ok {
		// A reconnect replaces the previous pipeline for this address.
		c.mu.Unlock()
		c.stopPeer(old)
		c.mu.Lock()
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &peer{
		addr:   addr,
		conn:   conn,
		sess:   sess,
		src:    pump.NewQueue[[]byte](c.opts.QueueDepth),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	p.hasKey.Store(true)
	c.peers[addr] = p
	n := len(c.peers)
	c.mu.Unlock()
	c.obs.PeerCount(n)

	w := pump.NewWriter(conn)
	sink := pump.NewQueue[pump.AccessUnit](c.opts.QueueDepth)

	var wg sync.WaitGroup
	errCh := make(chan error, 2)

	if !inboundOnly && po.Capabilities != nil {
		caps := wire.Frame{Type: wire.TypeCapabilities, Payload: wire.MarshalCapabilities(*po.Capabilities)}
		if err := w.WriteFrame(caps); err != nil {
			cancel()
			c.mu.Lock()
			if c.peers[addr] == p {
				delete(c.peers, addr)
			}
			c.mu.Unlock()
			conn.Close()
			sess.Close(err)
			close(p.done)
			return fserrors.Wrap(fserrors.PathFanout, fserrors.StageTransport, fserrors.ClassifyTransportCode(err), err)
		}
	}

	if !inboundOnly {
		tx := pump.NewTX(sess, w, p.src, pump.TXOptions{
			Config:         c.cfg,
			Observer:       c.opts.SessionObserver,
			RekeyPublicKey: po.RekeyPublicKey,
			PingInterval:   po.PingInterval,
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			errCh <- tx.Run(ctx)
		}()
	}

	rx := pump.NewRX(sess, conn, w, sink, pump.RXOptions{
		Config:   c.cfg,
		Observer: c.opts.SessionObserver,
	})
	wg.Add(1)
	go func() {
		defer wg.Done()
		errCh <- rx.Run(ctx)
	}()

	if c.opts.Sink != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				au, ok := sink.Pop(ctx.Done())
				if !ok {
					return
				}
				c.opts.Sink(addr, au)
			}
		}()
	}

	// Supervisor: the first pump error isolates this peer and this peer only.
	go func() {
		err := <-errCh
		cancel()
		sink.Close()
		wg.Wait()
		close(p.done)
		if errors.Is(err, context.Canceled) {
			err = nil
		}
		c.removePeer(p, err)
	}()
	return nil
}

// removePeer tears one peer down after its supervisor observed a pump exit.
func (c *Controller) removePeer(p *peer, err error) {
	c.mu.Lock()
	if c.peers[p.addr] == p {
		delete(c.peers, p.addr)
	}
	n := len(c.peers)
	closed := c.closed
	c.mu.Unlock()

	p.hasKey.Store(false)
	p.conn.Close()
	p.sess.Close(err)
	c.obs.PeerCount(n)
	c.obs.PeerClosed(closeReason(err))
	if err != nil && !closed && c.opts.OnPeerDown != nil {
		c.opts.OnPeerDown(p.addr, err)
	}
}

// stopPeer cancels a peer's pumps and waits until they have exited; the
// supervisor's removePeer call may still be running when it returns.
func (c *Controller) stopPeer(p *peer) {
	p.cancel()
	p.conn.Close()
	<-p.done
}

func closeReason(err error) observability.PeerCloseReason {
	if err == nil {
		return observability.PeerCloseLocal
	}
	var fe *fserrors.Error
	if errors.As(err, &fe) {
		switch fe.Stage {
		case fserrors.StageRekey:
			return observability.PeerCloseRekeyFail
		case fserrors.StageTransport:
			if fe.Code == fserrors.CodeTransportClosed {
				return observability.PeerClosePeer
			}
			return observability.PeerCloseTransport
		}
	}
	return observability.PeerCloseTransport
}

// Broadcast clones one captured access unit into every connected peer's
// encryption queue. Each peer encrypts independently under its own keys; a
// full queue drops that peer's oldest unit without blocking capture or the
// other peers.
func (c *Controller) Broadcast(au []byte) {
	c.mu.Lock()
	targets := make([]*peer, 0, len(c.peers))
	for _, p := range c.peers {
		if p.hasKey.Load() {
			targets = append(targets, p)
		}
	}
	c.mu.Unlock()

	for _, p := range targets {
		clone := make([]byte, len(au))
		copy(clone, au)
		p.src.Push(clone)
	}
}

// RemovePeer disconnects one peer and drops its session.
func (c *Controller) RemovePeer(addr string) {
	c.mu.Lock()
	p, ok := c.peers[addr]
	c.mu.Unlock()
	if !ok {
		return
	}
	c.stopPeer(p)
}

// Peers returns a snapshot of every connected peer's state.
func (c *Controller) Peers() []PeerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]PeerState, 0, len(c.peers))
	for _, p := range c.peers {
		out = append(out, PeerState{
			Addr:   p.addr,
			HasKey: p.hasKey.Load(),
			Epoch:  p.sess.Epoch(),
			Drops:  p.src.Drops(),
		})
	}
	return out
}

// Close disconnects every peer and shuts the controller down.
func (c *Controller) Close() {
	c.mu.Lock()
	c.closed = true
	peers := make([]*peer, 0, len(c.peers))
	for _, p := range c.peers {
		peers = append(peers, p)
	}
	c.mu.Unlock()
	for _, p := range peers {
		c.stopPeer(p)
	}
}
