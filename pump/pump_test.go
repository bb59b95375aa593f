package pump

import (
	"bytes"
	"context"
	"crypto/rand"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/fieldrelay/securestream/config"
	"github.com/fieldrelay/securestream/crypto/handshake"
	"github.com/fieldrelay/securestream/session"
	"github.com/fieldrelay/securestream/wire"
)

func TestQueueDropsOldestWhenFull(t *testing.T) {
	q := NewQueue[[]byte](2)
	if q.Push([]byte("a")) {
		t.Fatalf("push into empty queue dropped")
	}
	if q.Push([]byte("b")) {
		t.Fatalf("push into non-full queue dropped")
	}
	if !q.Push([]byte("c")) {
		t.Fatalf("push into full queue did not drop")
	}
	if q.Drops() != 1 {
		t.Fatalf("drops = %d, want 1", q.Drops())
	}
	v, ok := q.TryPop()
	if !ok || !bytes.Equal(v, []byte("b")) {
		t.Fatalf("TryPop = %q, want b (oldest surviving)", v)
	}
	v, ok = q.TryPop()
	if !ok || !bytes.Equal(v, []byte("c")) {
		t.Fatalf("TryPop = %q, want c", v)
	}
}

func TestQueuePopDrainsAfterClose(t *testing.T) {
	q := NewQueue[int](4)
	q.Push(1)
	q.Push(2)
	q.Close()
	done := make(chan struct{})
	if v, ok := q.Pop(done); !ok || v != 1 {
		t.Fatalf("Pop = %d,%v want 1,true", v, ok)
	}
	if v, ok := q.Pop(done); !ok || v != 2 {
		t.Fatalf("Pop = %d,%v want 2,true", v, ok)
	}
	if _, ok := q.Pop(done); ok {
		t.Fatalf("Pop on drained closed queue reported ok")
	}
}

// pumpedPair wires two sessions derived from a common seed into a full-duplex
// pump topology over net.Pipe: a's TX feeds b's RX and vice versa.
type pumpedPair struct {
	aSess, bSess *session.Session
	aSrc         *Queue[[]byte]
	bSink        *Queue[AccessUnit]
	cancel       context.CancelFunc
	aConn, bConn net.Conn
	aErr, bErr   chan error
}

func newPumpedPair(t *testing.T, cfg config.Config, txOpts TXOptions, rxOpts RXOptions) *pumpedPair {
	t.Helper()
	secret := make([]byte, 32)
	salt := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		t.Fatalf("rand: %v", err)
	}
	if _, err := rand.Read(salt); err != nil {
		t.Fatalf("rand: %v", err)
	}
	var transcript [32]byte

	mkSession := func(role handshake.Role) *session.Session {
		seed, err := handshake.DeriveSessionKeys(secret, salt, transcript, 0)
		if err != nil {
			t.Fatalf("DeriveSessionKeys: %v", err)
		}
		res := &handshake.Result{Seed: seed, Mechanism: handshake.MechanismECDH, Transcript: transcript}
		s, err := session.NewFromHandshake(role, res, cfg, nil)
		if err != nil {
			t.Fatalf("NewFromHandshake: %v", err)
		}
		return s
	}
	aSess := mkSession(handshake.RoleInitiator)
	bSess := mkSession(handshake.RoleResponder)

	aConn, bConn := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())

	aWriter := NewWriter(aConn)
	bWriter := NewWriter(bConn)

	aSrc := NewQueue[[]byte](8)
	aSink := NewQueue[AccessUnit](8)
	bSink := NewQueue[AccessUnit](8)

	txOpts.Config = cfg
	rxOpts.Config = cfg

	p := &pumpedPair{
		aSess: aSess, bSess: bSess,
		aSrc: aSrc, bSink: bSink,
		cancel: cancel, aConn: aConn, bConn: bConn,
		aErr: make(chan error, 2), bErr: make(chan error, 2),
	}

	go func() { p.aErr <- NewTX(aSess, aWriter, aSrc, txOpts).Run(ctx) }()
	go func() { p.aErr <- NewRX(aSess, aConn, aWriter, aSink, RXOptions{Config: cfg}).Run(ctx) }()
	go func() { p.bErr <- NewRX(bSess, bConn, bWriter, bSink, rxOpts).Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		aConn.Close()
		bConn.Close()
		aSess.Close(nil)
		bSess.Close(nil)
	})
	return p
}

func (p *pumpedPair) recv(t *testing.T, timeout time.Duration) AccessUnit {
	t.Helper()
	done := make(chan struct{})
	timer := time.AfterFunc(timeout, func() { close(done) })
	defer timer.Stop()
	au, ok := p.bSink.Pop(done)
	if !ok {
		t.Fatalf("no access unit delivered within %v", timeout)
	}
	return au
}

func TestPumpsDeliverAccessUnitsInOrder(t *testing.T) {
	p := newPumpedPair(t, config.Config{}, TXOptions{}, RXOptions{})

	var want [][]byte
	for i := 0; i < 3; i++ {
		au := []byte(fmt.Sprintf("access-unit-%d", i))
		want = append(want, au)
		p.aSrc.Push(au)
	}
	for i, w := range want {
		got := p.recv(t, 2*time.Second)
		if !bytes.Equal(got.Payload, w) {
			t.Fatalf("unit %d = %q, want %q", i, got.Payload, w)
		}
		if got.SenderTimestampNS == 0 {
			t.Fatalf("unit %d missing sender timestamp", i)
		}
	}
}

func TestPumpsRekeyInFlight(t *testing.T) {
	cfg := config.Config{RekeyFrames: 5, AckTimeout: 2 * time.Second}
	p := newPumpedPair(t, cfg, TXOptions{}, RXOptions{})

	const units = 10
	go func() {
		for i := 0; i < units; i++ {
			p.aSrc.Push([]byte(fmt.Sprintf("unit-%d", i)))
			time.Sleep(5 * time.Millisecond)
		}
	}()
	for i := 0; i < units; i++ {
		got := p.recv(t, 5*time.Second)
		if want := fmt.Sprintf("unit-%d", i); string(got.Payload) != want {
			t.Fatalf("unit %d = %q, want %q", i, got.Payload, want)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for p.aSess.Epoch() == 0 || p.bSess.Epoch() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("epochs not advanced after rekey: a=%d b=%d", p.aSess.Epoch(), p.bSess.Epoch())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRXAnswersKeepalivePing(t *testing.T) {
	p := newPumpedPair(t, config.Config{}, TXOptions{}, RXOptions{})

	// Pose as a's TX and send a keepalive request by hand; b's RX must answer
	// with an empty PING, which a's RX absorbs without replying again. To
	// observe the reply directly, read b's side of the wire ourselves is not
	// possible here (the RX pump owns it), so assert liveness: DATA still
	// flows after the ping exchange.
	if err := NewWriter(p.aConn).WriteFrame(wire.Frame{Type: wire.TypePing, Payload: []byte("ping")}); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	p.aSrc.Push([]byte("after-ping"))
	got := p.recv(t, 2*time.Second)
	if string(got.Payload) != "after-ping" {
		t.Fatalf("payload = %q", got.Payload)
	}
}

func TestRXDropsStaleFrames(t *testing.T) {
	cfg := config.Config{}.WithDefaults()
	p := newPumpedPair(t, cfg, TXOptions{}, RXOptions{
		MaxFrameAge: 50 * time.Millisecond,
		ClockSkew:   0,
	})

	// A frame stamped far in the past is dropped before the sink.
	seq, ct, err := p.aSess.EncryptData([]byte("stale"))
	if err != nil {
		t.Fatalf("EncryptData: %v", err)
	}
	stale := wire.Frame{
		Type:                wire.TypeData,
		Sequence:            seq,
		SenderTimestampNS:   uint64(time.Now().Add(-time.Hour).UnixNano()),
		PlaintextLengthHint: uint32(len("stale")),
		Payload:             ct,
	}
	if err := NewWriter(p.aConn).WriteFrame(stale); err != nil {
		t.Fatalf("write stale frame: %v", err)
	}

	// A fresh frame right behind it is delivered.
	p.aSrc.Push([]byte("fresh"))
	got := p.recv(t, 2*time.Second)
	if string(got.Payload) != "fresh" {
		t.Fatalf("payload = %q, want fresh (stale frame should have been dropped)", got.Payload)
	}
}

func TestRXRejectsDataAtSequenceZero(t *testing.T) {
	p := newPumpedPair(t, config.Config{}, TXOptions{}, RXOptions{})

	forged := wire.Frame{Type: wire.TypeData, Sequence: 0, Payload: []byte("junk")}
	if err := NewWriter(p.aConn).WriteFrame(forged); err != nil {
		t.Fatalf("write forged frame: %v", err)
	}
	p.aSrc.Push([]byte("real"))
	got := p.recv(t, 2*time.Second)
	if string(got.Payload) != "real" {
		t.Fatalf("payload = %q, want real", got.Payload)
	}
}
