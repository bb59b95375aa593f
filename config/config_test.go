package config

import (
	"testing"
	"time"

	"github.com/fieldrelay/securestream/crypto/handshake"
)

func TestWithDefaultsFillsZeroFields(t *testing.T) {
	c := Config{RekeyFrames: 500}.WithDefaults()
	if c.RekeyFrames != 500 {
		t.Fatalf("explicit field overwritten: got %d", c.RekeyFrames)
	}
	if c.ReplayWindow != DefaultReplayWindow {
		t.Fatalf("ReplayWindow = %d, want default %d", c.ReplayWindow, DefaultReplayWindow)
	}
	if c.RekeyInterval != DefaultRekeyInterval {
		t.Fatalf("RekeyInterval = %v, want default %v", c.RekeyInterval, DefaultRekeyInterval)
	}
	if c.Mechanism != handshake.MechanismECDH {
		t.Fatalf("Mechanism = %v, want default ECDH", c.Mechanism)
	}
}

func TestValidateRejectsWeakRSA(t *testing.T) {
	c := Config{RSABits: 1024}
	if err := c.Validate(); err == nil {
		t.Fatal("expected error for undersized rsa_bits")
	}
}

func TestValidateAcceptsDefaults(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("Default() failed validation: %v", err)
	}
}

func TestValidateRejectsUnknownMechanism(t *testing.T) {
	c := Config{Mechanism: handshake.Mechanism(99)}
	if err := c.Validate(); err == nil {
		t.Fatal("expected error for unknown mechanism")
	}
}

func TestDefaultAckTimeoutBeforeHandshakeTimeout(t *testing.T) {
	d := Default()
	if d.AckTimeout >= d.HandshakeTimeout {
		t.Fatalf("ack timeout %v should be shorter than handshake timeout %v", d.AckTimeout, d.HandshakeTimeout)
	}
	if d.AckTimeout != 2*time.Second {
		t.Fatalf("AckTimeout = %v, want 2s", d.AckTimeout)
	}
}
