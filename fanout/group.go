package fanout

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/fieldrelay/securestream/config"
	"github.com/fieldrelay/securestream/crypto/aead"
	"github.com/fieldrelay/securestream/crypto/handshake"
	"github.com/fieldrelay/securestream/fserrors"
	"github.com/fieldrelay/securestream/internal/bin"
	"github.com/fieldrelay/securestream/internal/contextutil"
	"github.com/fieldrelay/securestream/observability"
	"github.com/fieldrelay/securestream/session"
	"github.com/fieldrelay/securestream/transport"
	"github.com/fieldrelay/securestream/wire"
)

// groupAckMagic mirrors the session rekey acknowledgment: the member seals
// this plaintext under the group key at sequence 0, and the leader accepts
// the member iff it verifies.
const groupAckMagic = "securestream-rekey-ack-v1"

// Member is one group-key recipient from the leader's point of view.
type Member struct {
	Addr string
	Pub  *rsa.PublicKey
	Conn net.Conn
}

// MemberResult reports the outcome of one member's distribution round.
type MemberResult struct {
	Addr   string
	HasKey bool
	Err    error
}

// Distributor runs leader-side group-key bootstrap rounds.
type Distributor struct {
	cfg config.Config
	obs observability.FanoutObserver
}

// NewDistributor builds a Distributor.
func NewDistributor(cfg config.Config, obs observability.FanoutObserver) *Distributor {
	if obs == nil {
		obs = observability.NoopFanoutObserver
	}
	return &Distributor{cfg: cfg.WithDefaults(), obs: obs}
}

// Distribute generates a fresh group key and pushes it to every member,
// wrapped under that member's public key with fresh OAEP randomness. Members
// that fail to acknowledge within the ACK timeout are retried up to the
// configured bound and then reported with HasKey=false; their failure never
// blocks the others. epoch is carried into the installed key so members and
// leader agree on it.
func (d *Distributor) Distribute(ctx context.Context, members []Member, epoch uint32) (aead.DirectionKey, []MemberResult, error) {
	start := time.Now()
	var key aead.DirectionKey
	key.Epoch = epoch
	if _, err := io.ReadFull(rand.Reader, key.Key[:]); err != nil {
		return aead.DirectionKey{}, nil, fserrors.Wrap(fserrors.PathGroup, fserrors.StageGroupKey, fserrors.CodeRekeyCrypto, err)
	}
	if _, err := io.ReadFull(rand.Reader, key.NonceBase[:]); err != nil {
		return aead.DirectionKey{}, nil, fserrors.Wrap(fserrors.PathGroup, fserrors.StageGroupKey, fserrors.CodeRekeyCrypto, err)
	}

	results := make([]MemberResult, len(members))
	var wg sync.WaitGroup
	for i, m := range members {
		wg.Add(1)
		go func(i int, m Member) {
			defer wg.Done()
			err := d.deliver(ctx, m, key)
			results[i] = MemberResult{Addr: m.Addr, HasKey: err == nil, Err: err}
		}(i, m)
	}
	wg.Wait()

	failed := 0
	for _, r := range results {
		if !r.HasKey {
			failed++
		}
	}
	d.obs.GroupRekeyCompleted(len(members), failed, time.Since(start))
	return key, results, nil
}

// deliver wraps and sends the group key to one member and waits for a
// verifying acknowledgment, retrying the identical frame up to the
// configured bound.
func (d *Distributor) deliver(ctx context.Context, m Member, key aead.DirectionKey) error {
	wrapped, err := handshake.WrapRekeyMaterialRSA(m.Pub, key.Key, key.NonceBase)
	if err != nil {
		return fserrors.Wrap(fserrors.PathGroup, fserrors.StageGroupKey, fserrors.CodeRekeyCrypto, err)
	}
	f := wire.Frame{
		Type:    wire.TypeRekey,
		Payload: groupRekeyPayload(wrapped),
	}

	var lastErr error
	for attempt := 0; attempt <= d.cfg.RekeyMaxRetries; attempt++ {
		lastErr = d.deliverOnce(ctx, m, key, f)
		if lastErr == nil {
			return nil
		}
		// A closed socket will not recover within this round.
		var fe *fserrors.Error
		if errors.As(lastErr, &fe) && fe.Code == fserrors.CodeTransportClosed {
			break
		}
	}
	return lastErr
}

func (d *Distributor) deliverOnce(ctx context.Context, m Member, key aead.DirectionKey, f wire.Frame) error {
	ctx, cancel := contextutil.WithTimeout(ctx, d.cfg.AckTimeout)
	defer cancel()
	stop := transport.ApplyContext(ctx, m.Conn)
	defer stop()

	if err := wire.Write(m.Conn, f); err != nil {
		return fserrors.Wrap(fserrors.PathGroup, fserrors.StageTransport, fserrors.ClassifyTransportCode(err), err)
	}
	ack, err := wire.Read(m.Conn, d.cfg.MaxFrameBytes)
	if err != nil {
		return fserrors.Wrap(fserrors.PathGroup, fserrors.StageTransport, fserrors.ClassifyTransportCode(err), err)
	}
	if ack.Type != wire.TypeRekeyAck || ack.Sequence != 0 {
		return fserrors.Wrap(fserrors.PathGroup, fserrors.StageGroupKey, fserrors.CodeRekeyCrypto,
			fmt.Errorf("expected REKEY_ACK at seq 0, got %s at %d", ack.Type, ack.Sequence))
	}

	ackCtx, err := aead.New(key, d.cfg.NonceGuardWindow)
	if err != nil {
		return fserrors.Wrap(fserrors.PathGroup, fserrors.StageGroupKey, fserrors.CodeRekeyCrypto, err)
	}
	got, err := ackCtx.Decrypt(0, ack.Payload, uint32(len(groupAckMagic)))
	ackCtx.Wipe()
	if err != nil || !bytes.Equal(got, []byte(groupAckMagic)) {
		return fserrors.Wrap(fserrors.PathGroup, fserrors.StageGroupKey, fserrors.CodeRekeyCrypto,
			errors.New("group acknowledgment failed to verify"))
	}
	return nil
}

// groupRekeyPayload assembles a REKEY payload with next_seq=0 and
// mechanism_id=RSA-OAEP, the group-mode install form.
func groupRekeyPayload(wrapped []byte) []byte {
	b := make([]byte, 12+len(wrapped))
	bin.PutU64BE(b[0:8], 0)
	bin.PutU16BE(b[8:10], uint16(handshake.MechanismRSAOAEP))
	bin.PutU16BE(b[10:12], uint16(len(wrapped)))
	copy(b[12:], wrapped)
	return b
}

// Streamer is the leader's group transmit path: the access unit is encrypted
// once under the group key and the identical frame bytes are written to every
// member, isolating write failures per member.
type Streamer struct {
	cfg config.Config
	obs observability.FanoutObserver

	mu      sync.Mutex
	sess    *session.Session
	writers map[string]*memberWriter
}

type memberWriter struct {
	conn   net.Conn
	hasKey bool
}

// NewStreamer builds a Streamer over an installed group key and the members
// that acknowledged it.
func NewStreamer(key aead.DirectionKey, results []MemberResult, conns map[string]net.Conn, cfg config.Config, obs observability.FanoutObserver) (*Streamer, error) {
	cfg = cfg.WithDefaults()
	if obs == nil {
		obs = observability.NoopFanoutObserver
	}
	sess, err := session.NewSender(key, cfg, nil)
	if err != nil {
		return nil, err
	}
	writers := make(map[string]*memberWriter, len(results))
	for _, r := range results {
		if conn, ok := conns[r.Addr]; ok {
			writers[r.Addr] = &memberWriter{conn: conn, hasKey: r.HasKey}
		}
	}
	return &Streamer{cfg: cfg, obs: obs, sess: sess, writers: writers}, nil
}

// Rekey swaps in a freshly distributed group key after member churn.
// The swap is a short, non-blocking critical section. The previous session
// is closed right after the swap, so a concurrent Send that picked it up
// before the swap either finishes under the old key or returns an error.
func (s *Streamer) Rekey(key aead.DirectionKey, results []MemberResult) error {
	sess, err := session.NewSender(key, s.cfg, nil)
	if err != nil {
		return err
	}
	s.mu.Lock()
	old := s.sess
	s.sess = sess
	// A member absent from this round no longer holds the key.
	for _, w := range s.writers {
		w.hasKey = false
	}
	for _, r := range results {
		if w, ok := s.writers[r.Addr]; ok {
			w.hasKey = r.HasKey
		}
	}
	s.mu.Unlock()
	old.Close(nil)
	return nil
}

// Send encrypts one access unit under the group key and fans the frame out
// to every member that holds the key. A member whose write fails is marked
// no_key and skipped on subsequent sends; the remaining members are
// unaffected.
func (s *Streamer) Send(au []byte) error {
	s.mu.Lock()
	sess := s.sess
	targets := make(map[string]*memberWriter, len(s.writers))
	for addr, w := range s.writers {
		if w.hasKey {
			targets[addr] = w
		}
	}
	s.mu.Unlock()

	seq, ct, err := sess.EncryptData(au)
	if err != nil {
		return fserrors.Wrap(fserrors.PathGroup, fserrors.StageSession, fserrors.ClassifyDataFrameCode(err), err)
	}
	f := wire.Frame{
		Type:                wire.TypeData,
		Sequence:            seq,
		SenderTimestampNS:   uint64(time.Now().UnixNano()),
		PlaintextLengthHint: uint32(len(au)),
		Payload:             ct,
	}

	for _, w := range targets {
		if err := wire.Write(w.conn, f); err != nil {
			s.mu.Lock()
			w.hasKey = false
			s.mu.Unlock()
			s.obs.PeerClosed(observability.PeerCloseTransport)
		}
	}
	return nil
}

// Members reports which members currently hold the group key.
func (s *Streamer) Members() map[string]bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]bool, len(s.writers))
	for addr, w := range s.writers {
		out[addr] = w.hasKey
	}
	return out
}

// Close shuts the streamer's session down; member connections belong to the
// caller.
func (s *Streamer) Close() {
	s.mu.Lock()
	sess := s.sess
	s.mu.Unlock()
	sess.Close(nil)
}

// JoinGroup is the member side of group bootstrap: it waits for the leader's REKEY,
// unwraps the group key with priv, installs it at sequence 0, and sends the
// acknowledgment. The returned session decrypts the leader's stream (run a
// receive pump over it); later redistributions arrive as further REKEY
// frames and reinstall through the same session.
func JoinGroup(ctx context.Context, conn net.Conn, priv *rsa.PrivateKey, cfg config.Config, obs observability.SessionObserver) (*session.Session, error) {
	cfg = cfg.WithDefaults()
	ctx, cancel := contextutil.WithTimeout(ctx, cfg.HandshakeTimeout)
	defer cancel()
	stop := transport.ApplyContext(ctx, conn)
	defer stop()

	sess := session.NewReceiver(priv, cfg, obs)
	f, err := wire.Read(conn, cfg.MaxFrameBytes)
	if err != nil {
		sess.Close(err)
		return nil, fserrors.Wrap(fserrors.PathGroup, fserrors.StageTransport, fserrors.ClassifyTransportCode(err), err)
	}
	if f.Type != wire.TypeRekey {
		sess.Close(nil)
		return nil, fserrors.Wrap(fserrors.PathGroup, fserrors.StageGroupKey, fserrors.CodeRekeyCrypto,
			fmt.Errorf("expected REKEY, got %s", f.Type))
	}
	ack, err := sess.HandleRekeyFrame(f)
	if err != nil {
		sess.Close(err)
		return nil, fserrors.Wrap(fserrors.PathGroup, fserrors.StageGroupKey, fserrors.CodeRekeyCrypto, err)
	}
	ack.SenderTimestampNS = uint64(time.Now().UnixNano())
	if err := wire.Write(conn, ack); err != nil {
		sess.Close(err)
		return nil, fserrors.Wrap(fserrors.PathGroup, fserrors.StageTransport, fserrors.ClassifyTransportCode(err), err)
	}
	return sess, nil
}
