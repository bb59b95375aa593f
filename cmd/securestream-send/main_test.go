package main

import (
	"bytes"
	"testing"

	"github.com/fieldrelay/securestream/internal/bin"
)

func TestParseCaps(t *testing.T) {
	c, err := parseCaps("1280x720@30/1")
	if err != nil {
		t.Fatalf("parseCaps: %v", err)
	}
	if c.Width != 1280 || c.Height != 720 || c.FPSNum != 30 || c.FPSDen != 1 {
		t.Fatalf("parseCaps = %+v", c)
	}
	if _, err := parseCaps("garbage"); err == nil {
		t.Fatalf("parseCaps accepted garbage")
	}
}

func TestSplitPeers(t *testing.T) {
	got := splitPeers(" 10.0.0.1:7443, ,ws://edge.example/stream ,")
	if len(got) != 2 || got[0] != "10.0.0.1:7443" || got[1] != "ws://edge.example/stream" {
		t.Fatalf("splitPeers = %v", got)
	}
	if got := splitPeers(""); len(got) != 0 {
		t.Fatalf("splitPeers(\"\") = %v", got)
	}
}

func TestReadUnitsParsesRecords(t *testing.T) {
	var buf bytes.Buffer
	for _, au := range [][]byte{[]byte("one"), []byte("four")} {
		var hdr [4]byte
		bin.PutU32BE(hdr[:], uint32(len(au)))
		buf.Write(hdr[:])
		buf.Write(au)
	}
	var got [][]byte
	if err := readUnits(&buf, func(au []byte) error {
		got = append(got, au)
		return nil
	}); err != nil {
		t.Fatalf("readUnits: %v", err)
	}
	if len(got) != 2 || string(got[0]) != "one" || string(got[1]) != "four" {
		t.Fatalf("readUnits yielded %q", got)
	}
}

func TestReadUnitsFailsOnTruncatedBody(t *testing.T) {
	var buf bytes.Buffer
	var hdr [4]byte
	bin.PutU32BE(hdr[:], 10)
	buf.Write(hdr[:])
	buf.WriteString("short")
	if err := readUnits(&buf, func([]byte) error { return nil }); err == nil {
		t.Fatalf("truncated record accepted")
	}
}

func TestRunRejectsMissingPeers(t *testing.T) {
	var errBuf bytes.Buffer
	if code := run([]string{"-peers", ""}, bytes.NewReader(nil), &errBuf); code != 2 {
		t.Fatalf("exit code = %d, want 2", code)
	}
}

func TestRunRejectsUnknownMechanism(t *testing.T) {
	var errBuf bytes.Buffer
	if code := run([]string{"-peers", "a:1", "-mechanism", "rot13"}, bytes.NewReader(nil), &errBuf); code != 2 {
		t.Fatalf("exit code = %d, want 2", code)
	}
}
