package handshake

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/fieldrelay/securestream/crypto/aead"
	"github.com/fieldrelay/securestream/transport"
	"github.com/fieldrelay/securestream/wire"
)

const (
	saltLen        = 32
	defaultRSABits = 2048
	// DefaultTimeout bounds the whole handshake exchange absent an explicit
	// configuration.
	DefaultTimeout = 5 * time.Second
)

// Options configures one side of a handshake. Not every field applies to
// every Mechanism; see the mechanism-specific notes.
type Options struct {
	Mechanism Mechanism
	Timeout   time.Duration

	// RSABits sizes an ephemeral responder keypair when no pre-provisioned
	// key is configured. Defaults to defaultRSABits.
	RSABits int

	// PreProvisionedResponderKey, when set on the initiator side, is the
	// responder's public key loaded from the local keystore's
	// <addr>_pub.pem layout instead of exchanged over the wire —
	// the fan-out leader's normal path, since it already knows every
	// peer's key before connecting.
	PreProvisionedResponderKey *rsa.PublicKey

	// RSAPrivateKey, when set on the responder side, is a pre-provisioned
	// private key; the responder does not generate or send an ephemeral
	// public key in this case.
	RSAPrivateKey *rsa.PrivateKey
}

// Result is the outcome of a completed handshake.
type Result struct {
	Seed       SessionSeed
	Mechanism  Mechanism
	Transcript [32]byte
}

func (o Options) timeout() time.Duration {
	if o.Timeout > 0 {
		return o.Timeout
	}
	return DefaultTimeout
}

func (o Options) rsaBits() int {
	if o.RSABits > 0 {
		return o.RSABits
	}
	return defaultRSABits
}

// Initiator runs the initiator's half of the handshake over conn.
func Initiator(ctx context.Context, conn net.Conn, opts Options) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, opts.timeout())
	defer cancel()
	stop := transport.ApplyContext(ctx, conn)
	defer stop()

	switch opts.Mechanism {
	case MechanismECDH:
		return initiatorECDH(conn)
	case MechanismRSAOAEP:
		return initiatorRSA(conn, opts)
	default:
		return nil, fmt.Errorf("%w: unsupported mechanism %s", ErrFormat, opts.Mechanism)
	}
}

// Responder runs the responder's half of the handshake over conn.
func Responder(ctx context.Context, conn net.Conn, opts Options) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, opts.timeout())
	defer cancel()
	stop := transport.ApplyContext(ctx, conn)
	defer stop()

	switch opts.Mechanism {
	case MechanismECDH:
		return responderECDH(conn)
	case MechanismRSAOAEP:
		return responderRSA(conn, opts)
	default:
		return nil, fmt.Errorf("%w: unsupported mechanism %s", ErrFormat, opts.Mechanism)
	}
}

func randomSalt() ([]byte, error) {
	s := make([]byte, saltLen)
	if _, err := io.ReadFull(rand.Reader, s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	return s, nil
}

func initiatorECDH(conn net.Conn) (*Result, error) {
	priv, err := generateEphemeralECDH()
	if err != nil {
		return nil, err
	}
	salt, err := randomSalt()
	if err != nil {
		return nil, err
	}
	pubBytes := priv.PublicKey().Bytes()

	if err := wire.Write(conn, wire.Frame{Type: wire.TypeHandshake, Payload: append(append([]byte{}, pubBytes...), salt...)}); err != nil {
		return nil, closedOrErr(err)
	}

	resp, err := wire.Read(conn, 0)
	if err != nil {
		return nil, closedOrErr(err)
	}
	if resp.Type != wire.TypeHandshakeResp {
		return nil, fmt.Errorf("%w: expected HANDSHAKE_RESP, got %s", ErrFormat, resp.Type)
	}
	peerPub, peerSalt, err := splitECDHPayload(resp.Payload)
	if err != nil {
		return nil, err
	}
	pub, err := parseECDHPublicKey(peerPub)
	if err != nil {
		return nil, err
	}
	secret, err := ecdhSharedSecret(priv, pub)
	if err != nil {
		return nil, err
	}

	transcript := Inputs{
		Mechanism:     MechanismECDH,
		InitiatorSalt: salt,
		ResponderSalt: peerSalt,
		InitiatorPub:  pubBytes,
		ResponderPub:  peerPub,
	}.Hash()

	seed, err := DeriveSessionKeys(secret, append(append([]byte{}, salt...), peerSalt...), transcript, 0)
	if err != nil {
		return nil, err
	}
	if err := confirmRoundTripInitiator(conn, seed, transcript); err != nil {
		return nil, err
	}
	return &Result{Seed: seed, Mechanism: MechanismECDH, Transcript: transcript}, nil
}

func responderECDH(conn net.Conn) (*Result, error) {
	req, err := wire.Read(conn, 0)
	if err != nil {
		return nil, closedOrErr(err)
	}
	if req.Type != wire.TypeHandshake {
		return nil, fmt.Errorf("%w: expected HANDSHAKE, got %s", ErrFormat, req.Type)
	}
	peerPub, peerSalt, err := splitECDHPayload(req.Payload)
	if err != nil {
		return nil, err
	}
	pub, err := parseECDHPublicKey(peerPub)
	if err != nil {
		return nil, err
	}

	priv, err := generateEphemeralECDH()
	if err != nil {
		return nil, err
	}
	salt, err := randomSalt()
	if err != nil {
		return nil, err
	}
	pubBytes := priv.PublicKey().Bytes()
	if err := wire.Write(conn, wire.Frame{Type: wire.TypeHandshakeResp, Payload: append(append([]byte{}, pubBytes...), salt...)}); err != nil {
		return nil, closedOrErr(err)
	}

	secret, err := ecdhSharedSecret(priv, pub)
	if err != nil {
		return nil, err
	}
	transcript := Inputs{
		Mechanism:     MechanismECDH,
		InitiatorSalt: peerSalt,
		ResponderSalt: salt,
		InitiatorPub:  peerPub,
		ResponderPub:  pubBytes,
	}.Hash()

	seed, err := DeriveSessionKeys(secret, append(append([]byte{}, peerSalt...), salt...), transcript, 0)
	if err != nil {
		return nil, err
	}
	if err := confirmRoundTripResponder(conn, seed, transcript); err != nil {
		return nil, err
	}
	return &Result{Seed: seed, Mechanism: MechanismECDH, Transcript: transcript}, nil
}

// ecdhPubLen is the SEC1 uncompressed-point encoding length for a P-256 key:
// 1 tag byte + 32-byte X + 32-byte Y.
const ecdhPubLen = 65

func splitECDHPayload(payload []byte) (pub, salt []byte, err error) {
	if len(payload) != ecdhPubLen+saltLen {
		return nil, nil, fmt.Errorf("%w: unexpected handshake payload length %d", ErrFormat, len(payload))
	}
	return payload[:ecdhPubLen], payload[ecdhPubLen:], nil
}

func initiatorRSA(conn net.Conn, opts Options) (*Result, error) {
	var pub *rsa.PublicKey
	var pubDER []byte
	if opts.PreProvisionedResponderKey != nil {
		pub = opts.PreProvisionedResponderKey
	} else {
		req, err := wire.Read(conn, 0)
		if err != nil {
			return nil, closedOrErr(err)
		}
		if req.Type != wire.TypeHandshake {
			return nil, fmt.Errorf("%w: expected HANDSHAKE, got %s", ErrFormat, req.Type)
		}
		pubDER = req.Payload
		pub, err = ParseRSAPublicKeySPKI(pubDER)
		if err != nil {
			return nil, err
		}
	}

	salt, err := randomSalt()
	if err != nil {
		return nil, err
	}
	prekey := make([]byte, saltLen)
	if _, err := io.ReadFull(rand.Reader, prekey); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	wrapped, err := rsaWrapPrekey(pub, salt, prekey)
	if err != nil {
		return nil, err
	}
	if err := wire.Write(conn, wire.Frame{Type: wire.TypeHandshakeResp, Payload: wrapped}); err != nil {
		return nil, closedOrErr(err)
	}

	transcript := Inputs{
		Mechanism:     MechanismRSAOAEP,
		InitiatorSalt: salt,
		ResponderPub:  pubDER,
	}.Hash()
	seed, err := DeriveSessionKeys(prekey, salt, transcript, 0)
	if err != nil {
		return nil, err
	}
	if err := confirmRoundTripInitiator(conn, seed, transcript); err != nil {
		return nil, err
	}
	return &Result{Seed: seed, Mechanism: MechanismRSAOAEP, Transcript: transcript}, nil
}

func responderRSA(conn net.Conn, opts Options) (*Result, error) {
	var priv *rsa.PrivateKey
	var pubDER []byte
	if opts.RSAPrivateKey != nil {
		priv = opts.RSAPrivateKey
	} else {
		var err error
		priv, err = GenerateRSAKeypair(opts.rsaBits())
		if err != nil {
			return nil, err
		}
		pubDER, err = MarshalRSAPublicKeySPKI(&priv.PublicKey)
		if err != nil {
			return nil, err
		}
		if err := wire.Write(conn, wire.Frame{Type: wire.TypeHandshake, Payload: pubDER}); err != nil {
			return nil, closedOrErr(err)
		}
	}

	resp, err := wire.Read(conn, 0)
	if err != nil {
		return nil, closedOrErr(err)
	}
	if resp.Type != wire.TypeHandshakeResp {
		return nil, fmt.Errorf("%w: expected HANDSHAKE_RESP, got %s", ErrFormat, resp.Type)
	}
	salt, prekey, err := rsaUnwrapPrekey(priv, resp.Payload, saltLen)
	if err != nil {
		return nil, err
	}

	transcript := Inputs{
		Mechanism:     MechanismRSAOAEP,
		InitiatorSalt: salt,
		ResponderPub:  pubDER,
	}.Hash()
	seed, err := DeriveSessionKeys(prekey, salt, transcript, 0)
	if err != nil {
		return nil, err
	}
	if err := confirmRoundTripResponder(conn, seed, transcript); err != nil {
		return nil, err
	}
	return &Result{Seed: seed, Mechanism: MechanismRSAOAEP, Transcript: transcript}, nil
}

// confirmRoundTripInitiator sends the initiator's confirmation frame at
// sequence 0 under the initiator->responder key, then waits for the
// responder's echo under the responder->initiator key.
func confirmRoundTripInitiator(conn net.Conn, seed SessionSeed, transcript [32]byte) error {
	txCtx, err := aead.New(seed.InitiatorToResponder, 0)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	plaintext := confirmationPlaintext(transcript)
	ct, err := txCtx.Encrypt(0, plaintext)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	if err := wire.Write(conn, wire.Frame{Type: wire.TypeData, Sequence: 0, PlaintextLengthHint: uint32(len(plaintext)), Payload: ct}); err != nil {
		return closedOrErr(err)
	}

	f, err := wire.Read(conn, 0)
	if err != nil {
		return closedOrErr(err)
	}
	if f.Type != wire.TypeData || f.Sequence != 0 {
		return fmt.Errorf("%w: expected confirmation echo at seq 0", ErrConfirmationFailed)
	}
	rxCtx, err := aead.New(seed.ResponderToInitiator, 0)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	got, err := rxCtx.Decrypt(0, f.Payload, f.PlaintextLengthHint)
	if err != nil || !bytes.Equal(got, plaintext) {
		return ErrConfirmationFailed
	}
	return nil
}

// confirmRoundTripResponder waits for the initiator's confirmation frame,
// verifies it, and echoes a confirmation back under its own direction key.
func confirmRoundTripResponder(conn net.Conn, seed SessionSeed, transcript [32]byte) error {
	f, err := wire.Read(conn, 0)
	if err != nil {
		return closedOrErr(err)
	}
	if f.Type != wire.TypeData || f.Sequence != 0 {
		return fmt.Errorf("%w: expected confirmation at seq 0", ErrConfirmationFailed)
	}
	rxCtx, err := aead.New(seed.InitiatorToResponder, 0)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	plaintext := confirmationPlaintext(transcript)
	got, err := rxCtx.Decrypt(0, f.Payload, f.PlaintextLengthHint)
	if err != nil || !bytes.Equal(got, plaintext) {
		return ErrConfirmationFailed
	}

	txCtx, err := aead.New(seed.ResponderToInitiator, 0)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	ct, err := txCtx.Encrypt(0, plaintext)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	if err := wire.Write(conn, wire.Frame{Type: wire.TypeData, Sequence: 0, PlaintextLengthHint: uint32(len(plaintext)), Payload: ct}); err != nil {
		return closedOrErr(err)
	}
	return nil
}

func closedOrErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, wire.ErrTransportClosed) {
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	if errors.Is(err, wire.ErrFrameTooLarge) || errors.Is(err, wire.ErrShortBody) {
		return fmt.Errorf("%w: %v", ErrFormat, err)
	}
	return fmt.Errorf("%w: %v", ErrClosed, err)
}
