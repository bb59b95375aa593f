package handshake

import "errors"

// These sentinel errors are the handshake failure taxonomy. All
// are fatal for the session in progress.
var (
	// ErrFormat indicates a malformed peer key or handshake message.
	ErrFormat = errors.New("handshake: malformed peer material")
	// ErrCrypto indicates an OAEP or Diffie-Hellman operation failed.
	ErrCrypto = errors.New("handshake: key-agreement operation failed")
	// ErrConfirmationFailed indicates the confirmation frame failed to
	// authenticate, meaning the two sides disagree on derived key material.
	ErrConfirmationFailed = errors.New("handshake: confirmation tag mismatch")
	// ErrClosed indicates the transport closed before the handshake completed.
	ErrClosed = errors.New("handshake: transport closed before completion")
)
