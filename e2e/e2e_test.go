// Package e2e drives both endpoints of the protocol over real TCP sockets:
// dial, handshake, encrypted streaming, and in-flight rekeys, end to end.
package e2e

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/fieldrelay/securestream/config"
	"github.com/fieldrelay/securestream/crypto/handshake"
	"github.com/fieldrelay/securestream/pump"
	"github.com/fieldrelay/securestream/session"
	"github.com/fieldrelay/securestream/transport"
)

func TestStreamOverTCPWithRekey(t *testing.T) {
	cfg := config.Config{RekeyFrames: 8, AckTimeout: 2 * time.Second}

	ln, err := transport.ListenTCP("127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenTCP: %v", err)
	}
	defer ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	sink := pump.NewQueue[pump.AccessUnit](32)
	recvErr := make(chan error, 2)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			recvErr <- err
			return
		}
		defer conn.Close()
		res, err := handshake.Responder(ctx, conn, handshake.Options{Mechanism: handshake.MechanismECDH})
		if err != nil {
			recvErr <- err
			return
		}
		sess, err := session.NewFromHandshake(handshake.RoleResponder, res, cfg, nil)
		if err != nil {
			recvErr <- err
			return
		}
		defer sess.Close(nil)
		w := pump.NewWriter(conn)
		recvErr <- pump.NewRX(sess, conn, w, sink, pump.RXOptions{Config: cfg}).Run(ctx)
	}()

	conn, err := transport.DialTCP(ctx, ln.Addr().String())
	if err != nil {
		t.Fatalf("DialTCP: %v", err)
	}
	defer conn.Close()
	res, err := handshake.Initiator(ctx, conn, handshake.Options{Mechanism: handshake.MechanismECDH})
	if err != nil {
		t.Fatalf("Initiator: %v", err)
	}
	sess, err := session.NewFromHandshake(handshake.RoleInitiator, res, cfg, nil)
	if err != nil {
		t.Fatalf("NewFromHandshake: %v", err)
	}
	defer sess.Close(nil)

	src := pump.NewQueue[[]byte](32)
	w := pump.NewWriter(conn)
	sendErr := make(chan error, 2)
	go func() {
		sendErr <- pump.NewTX(sess, w, src, pump.TXOptions{Config: cfg}).Run(ctx)
	}()
	// The sender's own RX pump carries REKEY_ACKs back.
	go func() {
		ownSink := pump.NewQueue[pump.AccessUnit](4)
		sendErr <- pump.NewRX(sess, conn, w, ownSink, pump.RXOptions{Config: cfg}).Run(ctx)
	}()

	// Enough units to cross the rekey threshold twice.
	const units = 24
	go func() {
		for i := 0; i < units; i++ {
			src.Push([]byte(fmt.Sprintf("tcp-unit-%d", i)))
			time.Sleep(2 * time.Millisecond)
		}
	}()

	done := make(chan struct{})
	timer := time.AfterFunc(10*time.Second, func() { close(done) })
	defer timer.Stop()
	for i := 0; i < units; i++ {
		au, ok := sink.Pop(done)
		if !ok {
			t.Fatalf("delivery stalled at unit %d", i)
		}
		if want := []byte(fmt.Sprintf("tcp-unit-%d", i)); !bytes.Equal(au.Payload, want) {
			t.Fatalf("unit %d = %q, want %q", i, au.Payload, want)
		}
	}
	if sess.Epoch() == 0 {
		t.Fatalf("sender never rekeyed across %d units with threshold %d", units, cfg.RekeyFrames)
	}
}

func TestListenerAcceptRoundTrip(t *testing.T) {
	ln, err := transport.ListenTCP("127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenTCP: %v", err)
	}
	defer ln.Close()

	go func() {
		conn, err := net.Dial("tcp", ln.Addr().String())
		if err == nil {
			defer conn.Close()
			time.Sleep(100 * time.Millisecond)
		}
	}()
	conn, err := ln.Accept()
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	conn.Close()
}
