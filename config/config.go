// Package config holds the tunable parameters the core protocol stack reads
//. It does not parse flags or files — by design, loading configuration
// from a CLI or a file is an external concern (see cmd/ for the boundary
// that populates a Config and passes it in).
package config

import (
	"fmt"
	"time"

	"github.com/fieldrelay/securestream/crypto/handshake"
)

// Config collects every tunable the session state machine, AEAD context, and
// pumps consult.
type Config struct {
	// RekeyFrames is the TX frame count that triggers a rekey.
	RekeyFrames uint64
	// RekeyInterval is the wall-clock interval that triggers a rekey,
	// whichever of RekeyFrames/RekeyInterval is reached first.
	RekeyInterval time.Duration
	// NonceGuardWindow is the margin before the 32-bit nonce suffix space is
	// exhausted at which a rekey becomes mandatory.
	NonceGuardWindow uint32
	// ReplayWindow is the width of the RX sliding replay-detection window.
	ReplayWindow int
	// HandshakeTimeout bounds the initial key-agreement exchange.
	HandshakeTimeout time.Duration
	// AckTimeout bounds how long a rekey initiator waits for REKEY_ACK.
	AckTimeout time.Duration
	// Mechanism selects the initial handshake variant.
	Mechanism handshake.Mechanism
	// RSABits sizes a freshly generated ephemeral RSA keypair.
	RSABits int
	// MaxFrameBytes bounds wire.Frame body_length.
	MaxFrameBytes uint32
	// RekeyMaxRetries bounds how many times a failed rekey is retried before
	// the session (or, in fan-out, just that peer) is treated as fatal.
	RekeyMaxRetries int
}

const (
	// DefaultRekeyFrames is 2^20 frames
	DefaultRekeyFrames = 1 << 20
	// DefaultRekeyInterval is 600 seconds
	DefaultRekeyInterval = 600 * time.Second
	// DefaultNonceGuardWindow is 2^24
	DefaultNonceGuardWindow = 1 << 24
	// DefaultReplayWindow is 1024
	DefaultReplayWindow = 1024
	// DefaultHandshakeTimeout is ~5s
	DefaultHandshakeTimeout = 5 * time.Second
	// DefaultAckTimeout is ~2s
	DefaultAckTimeout = 2 * time.Second
	// DefaultRSABits is the smallest mechanism-approved modulus.
	DefaultRSABits = 2048
	// DefaultMaxFrameBytes bounds a single frame body.
	DefaultMaxFrameBytes = 4 << 20
	// DefaultRekeyMaxRetries is the bounded retry count before a rekey
	// failure escalates to fatal.
	DefaultRekeyMaxRetries = 1
)

// Default returns a Config populated with every recommended default.
func Default() Config {
	return Config{
		RekeyFrames:      DefaultRekeyFrames,
		RekeyInterval:    DefaultRekeyInterval,
		NonceGuardWindow: DefaultNonceGuardWindow,
		ReplayWindow:     DefaultReplayWindow,
		HandshakeTimeout: DefaultHandshakeTimeout,
		AckTimeout:       DefaultAckTimeout,
		Mechanism:        handshake.MechanismECDH,
		RSABits:          DefaultRSABits,
		MaxFrameBytes:    DefaultMaxFrameBytes,
		RekeyMaxRetries:  DefaultRekeyMaxRetries,
	}
}

// WithDefaults fills any zero-valued field of c with its default,
// returning the result. It never overwrites a field the caller set.
func (c Config) WithDefaults() Config {
	d := Default()
	if c.RekeyFrames == 0 {
		c.RekeyFrames = d.RekeyFrames
	}
	if c.RekeyInterval == 0 {
		c.RekeyInterval = d.RekeyInterval
	}
	if c.NonceGuardWindow == 0 {
		c.NonceGuardWindow = d.NonceGuardWindow
	}
	if c.ReplayWindow == 0 {
		c.ReplayWindow = d.ReplayWindow
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.AckTimeout == 0 {
		c.AckTimeout = d.AckTimeout
	}
	if c.Mechanism == 0 {
		c.Mechanism = d.Mechanism
	}
	if c.RSABits == 0 {
		c.RSABits = d.RSABits
	}
	if c.MaxFrameBytes == 0 {
		c.MaxFrameBytes = d.MaxFrameBytes
	}
	if c.RekeyMaxRetries == 0 {
		c.RekeyMaxRetries = d.RekeyMaxRetries
	}
	return c
}

// Validate rejects configurations the core cannot safely run with.
func (c Config) Validate() error {
	if c.ReplayWindow < 0 {
		return fmt.Errorf("config: replay_window must be non-negative, got %d", c.ReplayWindow)
	}
	if c.RSABits != 0 && c.RSABits < handshake.MinRSABits {
		return fmt.Errorf("config: rsa_bits %d below minimum %d", c.RSABits, handshake.MinRSABits)
	}
	switch c.Mechanism {
	case 0, handshake.MechanismECDH, handshake.MechanismRSAOAEP, handshake.MechanismSymmetric:
	default:
		return fmt.Errorf("config: unrecognized mechanism %s", c.Mechanism)
	}
	return nil
}
