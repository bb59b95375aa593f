package handshake

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"
)

func TestECDHHandshakeRoundTrip(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	type outcome struct {
		res *Result
		err error
	}
	initCh := make(chan outcome, 1)
	respCh := make(chan outcome, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	go func() {
		res, err := Initiator(ctx, client, Options{Mechanism: MechanismECDH})
		initCh <- outcome{res, err}
	}()
	go func() {
		res, err := Responder(ctx, server, Options{Mechanism: MechanismECDH})
		respCh <- outcome{res, err}
	}()

	initOut := <-initCh
	respOut := <-respCh
	if initOut.err != nil {
		t.Fatalf("initiator: %v", initOut.err)
	}
	if respOut.err != nil {
		t.Fatalf("responder: %v", respOut.err)
	}
	if initOut.res.Transcript != respOut.res.Transcript {
		t.Fatalf("transcript mismatch between initiator and responder")
	}
	if !initOut.res.Seed.InitiatorToResponder.Equal(respOut.res.Seed.InitiatorToResponder) {
		t.Fatalf("initiator->responder key mismatch")
	}
	if !initOut.res.Seed.ResponderToInitiator.Equal(respOut.res.Seed.ResponderToInitiator) {
		t.Fatalf("responder->initiator key mismatch")
	}
	if initOut.res.Seed.InitiatorToResponder.Equal(initOut.res.Seed.ResponderToInitiator) {
		t.Fatalf("the two directions must not share key material")
	}
}

func TestRSAHandshakeEphemeralKeyRoundTrip(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	type outcome struct {
		res *Result
		err error
	}
	initCh := make(chan outcome, 1)
	respCh := make(chan outcome, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	go func() {
		res, err := Initiator(ctx, client, Options{Mechanism: MechanismRSAOAEP})
		initCh <- outcome{res, err}
	}()
	go func() {
		res, err := Responder(ctx, server, Options{Mechanism: MechanismRSAOAEP, RSABits: 2048})
		respCh <- outcome{res, err}
	}()

	initOut := <-initCh
	respOut := <-respCh
	if initOut.err != nil {
		t.Fatalf("initiator: %v", initOut.err)
	}
	if respOut.err != nil {
		t.Fatalf("responder: %v", respOut.err)
	}
	if !initOut.res.Seed.InitiatorToResponder.Equal(respOut.res.Seed.InitiatorToResponder) {
		t.Fatalf("initiator->responder key mismatch")
	}
	if !initOut.res.Seed.ResponderToInitiator.Equal(respOut.res.Seed.ResponderToInitiator) {
		t.Fatalf("responder->initiator key mismatch")
	}
}

func TestRSAHandshakePreProvisionedKeySkipsWireExchange(t *testing.T) {
	priv, err := GenerateRSAKeypair(2048)
	if err != nil {
		t.Fatalf("GenerateRSAKeypair: %v", err)
	}

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	type outcome struct {
		res *Result
		err error
	}
	initCh := make(chan outcome, 1)
	respCh := make(chan outcome, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	go func() {
		res, err := Initiator(ctx, client, Options{
			Mechanism:                  MechanismRSAOAEP,
			PreProvisionedResponderKey: &priv.PublicKey,
		})
		initCh <- outcome{res, err}
	}()
	go func() {
		res, err := Responder(ctx, server, Options{Mechanism: MechanismRSAOAEP, RSAPrivateKey: priv})
		respCh <- outcome{res, err}
	}()

	initOut := <-initCh
	respOut := <-respCh
	if initOut.err != nil {
		t.Fatalf("initiator: %v", initOut.err)
	}
	if respOut.err != nil {
		t.Fatalf("responder: %v", respOut.err)
	}
	if !initOut.res.Seed.InitiatorToResponder.Equal(respOut.res.Seed.InitiatorToResponder) {
		t.Fatalf("initiator->responder key mismatch")
	}
}

func TestUnsupportedMechanismIsFormatError(t *testing.T) {
	client, _ := net.Pipe()
	defer client.Close()
	_, err := Initiator(context.Background(), client, Options{Mechanism: MechanismSymmetric})
	if !errors.Is(err, ErrFormat) {
		t.Fatalf("err = %v, want ErrFormat for unsupported mechanism", err)
	}
}
