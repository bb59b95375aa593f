package wire

import (
	"fmt"

	"github.com/fieldrelay/securestream/internal/bin"
)

// Capabilities carries the sender's video geometry, exchanged in plaintext
// (never sealed under the session AEAD) once the session is established.
// Width/height are in pixels; the frame rate is the rational FPSNum/FPSDen.
type Capabilities struct {
	Width  uint32
	Height uint32
	FPSNum uint32
	FPSDen uint32
}

const capabilitiesLen = 16

// MarshalCapabilities encodes c as a CAPABILITIES frame payload.
func MarshalCapabilities(c Capabilities) []byte {
	b := make([]byte, capabilitiesLen)
	bin.PutU32BE(b[0:4], c.Width)
	bin.PutU32BE(b[4:8], c.Height)
	bin.PutU32BE(b[8:12], c.FPSNum)
	bin.PutU32BE(b[12:16], c.FPSDen)
	return b
}

// ParseCapabilities decodes a CAPABILITIES frame payload.
func ParseCapabilities(payload []byte) (Capabilities, error) {
	if len(payload) != capabilitiesLen {
		return Capabilities{}, fmt.Errorf("wire: capabilities payload has length %d, want %d", len(payload), capabilitiesLen)
	}
	return Capabilities{
		Width:  bin.U32BE(payload[0:4]),
		Height: bin.U32BE(payload[4:8]),
		FPSNum: bin.U32BE(payload[8:12]),
		FPSDen: bin.U32BE(payload[12:16]),
	}, nil
}
