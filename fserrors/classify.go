package fserrors

import (
	"context"
	"errors"

	"github.com/fieldrelay/securestream/crypto/aead"
	"github.com/fieldrelay/securestream/crypto/handshake"
	"github.com/fieldrelay/securestream/wire"
)

// ClassifyHandshakeCode maps a handshake error to a stable Code.
func ClassifyHandshakeCode(err error) Code {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return CodeTimeout
	case errors.Is(err, context.Canceled):
		return CodeCanceled
	case errors.Is(err, handshake.ErrFormat):
		return CodeHandshakeFormat
	case errors.Is(err, handshake.ErrCrypto):
		return CodeHandshakeCrypto
	case errors.Is(err, handshake.ErrConfirmationFailed):
		return CodeHandshakeAuth
	case errors.Is(err, handshake.ErrClosed), errors.Is(err, wire.ErrTransportClosed):
		return CodeTransportClosed
	default:
		return CodeHandshakeCrypto
	}
}

// ClassifyDataFrameCode maps a DATA-frame processing error to a stable Code.
// These are per-frame, recoverable codes: the caller drops the frame and
// increments a counter rather than tearing down the session.
func ClassifyDataFrameCode(err error) Code {
	switch {
	case errors.Is(err, aead.ErrAuthFail):
		return CodeAuthFail
	case errors.Is(err, ErrReplay):
		return CodeReplay
	case errors.Is(err, aead.ErrNonceGuardExceeded):
		return CodeNonceGuard
	default:
		return CodeAuthFail
	}
}

// ClassifyTransportCode maps a transport I/O error to a stable Code.
func ClassifyTransportCode(err error) Code {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return CodeTimeout
	case errors.Is(err, context.Canceled):
		return CodeCanceled
	case errors.Is(err, wire.ErrTransportClosed):
		return CodeTransportClosed
	default:
		return CodeTransportWriteFail
	}
}

// ErrReplay is returned (as session.ErrReplay) by session DATA decryption
// when the replay window rejects a sequence as a duplicate or below the
// window floor.
var ErrReplay = errors.New("fserrors: replayed or stale sequence")
