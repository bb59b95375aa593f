// Package handshake implements the session-establishment key-agreement
// variants: ephemeral ECDH (P-256) + HKDF-SHA-256, and RSA-OAEP-SHA-256 key
// transport. Both derive a transcript-bound pair of per-direction AEAD
// contexts and bind them with a confirmation frame at sequence 0.
package handshake

import "fmt"

// Mechanism identifies which key-agreement variant produced a session seed.
// It is also carried as mechanism_id on REKEY frames to tell the peer
// how wrapped_material was wrapped.
type Mechanism uint16

const (
	// MechanismECDH is ephemeral ECDH P-256 + HKDF-SHA-256.
	MechanismECDH Mechanism = 1
	// MechanismRSAOAEP is RSA-OAEP-SHA-256 key transport.
	MechanismRSAOAEP Mechanism = 2
	// MechanismSymmetric is an authenticated symmetric rekey under the
	// current AEAD context, permitted for peer-to-peer rekeys only.
	MechanismSymmetric Mechanism = 3
)

func (m Mechanism) String() string {
	switch m {
	case MechanismECDH:
		return "ecdh"
	case MechanismRSAOAEP:
		return "rsa-oaep"
	case MechanismSymmetric:
		return "symmetric"
	default:
		return fmt.Sprintf("mechanism(%d)", uint16(m))
	}
}

// Role identifies which side of the handshake a participant played.
type Role uint8

const (
	RoleInitiator Role = 1
	RoleResponder Role = 2
)

// Direction identifies one of the two data flows established by a handshake.
// Each direction gets its own key and nonce base so TX and RX material can
// never be swapped or confused.
type Direction uint8

const (
	// DirInitiatorToResponder is the initiator's send / responder's receive direction.
	DirInitiatorToResponder Direction = 1
	// DirResponderToInitiator is the responder's send / initiator's receive direction.
	DirResponderToInitiator Direction = 2
)

func (d Direction) label() string {
	if d == DirInitiatorToResponder {
		return "init2resp"
	}
	return "resp2init"
}
