package wire

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

func TestWriteReadRoundTrip(t *testing.T) {
	f := Frame{
		Type:                TypeData,
		SenderTimestampNS:   123456789,
		Sequence:            42,
		PlaintextLengthHint: 6,
		Payload:             []byte("frame0"),
	}
	var buf bytes.Buffer
	if err := Write(&buf, f); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := Read(&buf, 0)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Type != f.Type || got.SenderTimestampNS != f.SenderTimestampNS ||
		got.Sequence != f.Sequence || got.PlaintextLengthHint != f.PlaintextLengthHint ||
		!bytes.Equal(got.Payload, f.Payload) {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, f)
	}
}

func TestReadEmptyPayload(t *testing.T) {
	f := Frame{Type: TypePing, Sequence: 1}
	var buf bytes.Buffer
	if err := Write(&buf, f); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := Read(&buf, 0)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got.Payload) != 0 {
		t.Fatalf("expected empty payload, got %d bytes", len(got.Payload))
	}
}

func TestReadRejectsOversizeBeforeAllocating(t *testing.T) {
	var buf bytes.Buffer
	// Declare a body_length far larger than maxBodyLen, but never supply the bytes.
	// If Read allocated before checking the bound, this would OOM instead of failing fast.
	lenBuf := []byte{0x7f, 0xff, 0xff, 0xff}
	buf.Write(lenBuf)
	_, err := Read(&buf, 1024)
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("got %v, want ErrFrameTooLarge", err)
	}
}

func TestReadRejectsShortBody(t *testing.T) {
	var buf bytes.Buffer
	lenBuf := []byte{0x00, 0x00, 0x00, 0x05}
	buf.Write(lenBuf)
	buf.Write([]byte{1, 2, 3, 4, 5})
	_, err := Read(&buf, 0)
	if !errors.Is(err, ErrShortBody) {
		t.Fatalf("got %v, want ErrShortBody", err)
	}
}

func TestReadShortReadIsTransportClosed(t *testing.T) {
	f := Frame{Type: TypeData, Sequence: 1, Payload: []byte("hello")}
	var buf bytes.Buffer
	if err := Write(&buf, f); err != nil {
		t.Fatalf("write: %v", err)
	}
	truncated := buf.Bytes()[:buf.Len()-2]
	_, err := Read(bytes.NewReader(truncated), 0)
	if !errors.Is(err, ErrTransportClosed) {
		t.Fatalf("got %v, want ErrTransportClosed", err)
	}
}

func TestReadPropagatesUnderlyingError(t *testing.T) {
	_, err := Read(errReader{}, 0)
	if err == nil || errors.Is(err, ErrTransportClosed) {
		t.Fatalf("expected non-closed error, got %v", err)
	}
}

type errReader struct{}

func (errReader) Read([]byte) (int, error) { return 0, io.ErrClosedPipe }

func TestTypeString(t *testing.T) {
	cases := map[Type]string{
		TypeHandshake:     "HANDSHAKE",
		TypeHandshakeResp: "HANDSHAKE_RESP",
		TypeCapabilities:  "CAPABILITIES",
		TypeData:          "DATA",
		TypeRekey:         "REKEY",
		TypeRekeyAck:      "REKEY_ACK",
		TypePing:          "PING",
	}
	for typ, want := range cases {
		if got := typ.String(); got != want {
			t.Fatalf("Type(%d).String() = %q, want %q", typ, got, want)
		}
	}
}
