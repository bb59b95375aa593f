package fserrors

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/fieldrelay/securestream/crypto/aead"
	"github.com/fieldrelay/securestream/crypto/handshake"
)

func TestClassifyHandshakeCode(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Code
	}{
		{"timeout", context.DeadlineExceeded, CodeTimeout},
		{"canceled", context.Canceled, CodeCanceled},
		{"format", handshake.ErrFormat, CodeHandshakeFormat},
		{"crypto", handshake.ErrCrypto, CodeHandshakeCrypto},
		{"confirmation", handshake.ErrConfirmationFailed, CodeHandshakeAuth},
		{"closed", handshake.ErrClosed, CodeTransportClosed},
		{"wrapped format", fmt.Errorf("wrap: %w", handshake.ErrFormat), CodeHandshakeFormat},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ClassifyHandshakeCode(tc.err); got != tc.want {
				t.Fatalf("got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestClassifyDataFrameCode(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Code
	}{
		{"auth_fail", aead.ErrAuthFail, CodeAuthFail},
		{"replay", ErrReplay, CodeReplay},
		{"nonce_guard", aead.ErrNonceGuardExceeded, CodeNonceGuard},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ClassifyDataFrameCode(tc.err); got != tc.want {
				t.Fatalf("got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestCodeFatal(t *testing.T) {
	if !CodeHandshakeAuth.Fatal() {
		t.Fatal("HANDSHAKE_AUTH should be fatal")
	}
	if CodeReplay.Fatal() {
		t.Fatal("REPLAY should not be fatal")
	}
	if CodeAuthFail.Fatal() {
		t.Fatal("AUTH_FAIL should not be fatal")
	}
}

func TestErrorUnwrap(t *testing.T) {
	base := errors.New("boom")
	err := Wrap(PathPeer, StageHandshake, CodeHandshakeCrypto, base)
	if !errors.Is(err, base) {
		t.Fatal("Wrap should preserve Unwrap chain")
	}
}
