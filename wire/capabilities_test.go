package wire

import "testing"

func TestCapabilitiesRoundTrip(t *testing.T) {
	c := Capabilities{Width: 1920, Height: 1080, FPSNum: 30000, FPSDen: 1001}
	got, err := ParseCapabilities(MarshalCapabilities(c))
	if err != nil {
		t.Fatalf("ParseCapabilities: %v", err)
	}
	if got != c {
		t.Fatalf("round trip = %+v, want %+v", got, c)
	}
}

func TestCapabilitiesRejectsShortPayload(t *testing.T) {
	if _, err := ParseCapabilities(make([]byte, 15)); err == nil {
		t.Fatalf("short payload accepted")
	}
}
