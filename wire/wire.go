// Package wire implements the length-prefixed binary frame codec that every
// mechanism (ECDH, RSA-OAEP, group-PSK) and every frame type (handshake,
// capabilities, data, rekey, ping) rides on top of.
//
// Wire layout (big-endian):
//
//	[ u32 body_length ]
//	[ u8  type ]
//	[ u64 sender_timestamp_ns ]
//	[ u64 sequence ]
//	[ u32 plaintext_length_hint ]
//	[ bytes payload (= body_length - 21) ]
//
// body_length excludes itself. The codec never interprets payload.
package wire

import (
	"errors"
	"fmt"
	"io"

	"github.com/fieldrelay/securestream/internal/bin"
)

// Type identifies the semantic kind of a Frame.
type Type uint8

const (
	TypeHandshake     Type = 0x01
	TypeHandshakeResp Type = 0x02
	TypeCapabilities  Type = 0x04
	TypeData          Type = 0x08
	TypeRekey         Type = 0x10
	TypeRekeyAck      Type = 0x20
	TypePing          Type = 0x40
)

func (t Type) String() string {
	switch t {
	case TypeHandshake:
		return "HANDSHAKE"
	case TypeHandshakeResp:
		return "HANDSHAKE_RESP"
	case TypeCapabilities:
		return "CAPABILITIES"
	case TypeData:
		return "DATA"
	case TypeRekey:
		return "REKEY"
	case TypeRekeyAck:
		return "REKEY_ACK"
	case TypePing:
		return "PING"
	default:
		return fmt.Sprintf("TYPE(0x%02x)", uint8(t))
	}
}

// headerLen is the portion of the frame following body_length: type(1) +
// sender_timestamp_ns(8) + sequence(8) + plaintext_length_hint(4).
const headerLen = 1 + 8 + 8 + 4

// DefaultMaxBodyLen bounds body_length absent an explicit configuration. It
// covers a generously sized compressed access unit plus AEAD tag overhead.
const DefaultMaxBodyLen = 4 << 20

var (
	// ErrFrameTooLarge is returned when body_length exceeds the configured maximum.
	ErrFrameTooLarge = errors.New("wire: frame exceeds configured maximum")
	// ErrShortBody is returned when body_length is too small to hold the fixed header.
	ErrShortBody = errors.New("wire: body_length shorter than frame header")
	// ErrTransportClosed is returned when the peer closes or truncates a frame mid-read.
	ErrTransportClosed = errors.New("wire: transport closed mid-frame")
)

// Frame is one on-wire protocol unit.
type Frame struct {
	Type                Type
	SenderTimestampNS   uint64
	Sequence            uint64
	PlaintextLengthHint uint32
	Payload             []byte
}

// Write serializes f to w.
func Write(w io.Writer, f Frame) error {
	bodyLen := headerLen + len(f.Payload)
	if bodyLen < 0 || uint64(bodyLen) > 0xffffffff {
		return ErrFrameTooLarge
	}
	buf := make([]byte, 4+bodyLen)
	bin.PutU32BE(buf[0:4], uint32(bodyLen))
	buf[4] = byte(f.Type)
	bin.PutU64BE(buf[5:13], f.SenderTimestampNS)
	bin.PutU64BE(buf[13:21], f.Sequence)
	bin.PutU32BE(buf[21:25], f.PlaintextLengthHint)
	copy(buf[4+headerLen:], f.Payload)
	_, err := w.Write(buf)
	if err != nil {
		return fmt.Errorf("wire: write frame: %w", err)
	}
	return nil
}

// Read parses one Frame from r, rejecting oversize body_length values before
// allocating the payload buffer.
func Read(r io.Reader, maxBodyLen uint32) (Frame, error) {
	if maxBodyLen == 0 {
		maxBodyLen = DefaultMaxBodyLen
	}
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Frame{}, closedErr(err)
	}
	bodyLen := bin.U32BE(lenBuf[:])
	if bodyLen > maxBodyLen {
		return Frame{}, ErrFrameTooLarge
	}
	if bodyLen < headerLen {
		return Frame{}, ErrShortBody
	}

	hdr := make([]byte, headerLen)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return Frame{}, closedErr(err)
	}
	f := Frame{
		Type:                Type(hdr[0]),
		SenderTimestampNS:   bin.U64BE(hdr[1:9]),
		Sequence:            bin.U64BE(hdr[9:17]),
		PlaintextLengthHint: bin.U32BE(hdr[17:21]),
	}

	payloadLen := bodyLen - headerLen
	if payloadLen > 0 {
		f.Payload = make([]byte, payloadLen)
		if _, err := io.ReadFull(r, f.Payload); err != nil {
			return Frame{}, closedErr(err)
		}
	}
	return f, nil
}

func closedErr(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return ErrTransportClosed
	}
	return fmt.Errorf("wire: read frame: %w", err)
}
