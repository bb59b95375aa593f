package version

import (
	"strings"
	"testing"
)

func TestStringFormatsProvidedValues(t *testing.T) {
	got := String("v1.2.3", "abc", "2020-01-01T00:00:00Z")
	if want := "v1.2.3 (abc) 2020-01-01T00:00:00Z"; got != want {
		t.Fatalf("String = %q, want %q", got, want)
	}
}

func TestStringOmitsUnknownVCSFields(t *testing.T) {
	if got := String("v1.2.3", "unknown", "unknown"); got != "v1.2.3" {
		t.Fatalf("String = %q, want bare version", got)
	}
}

func TestStringNeverEmptyAndNeverUnknown(t *testing.T) {
	got := String("", "unknown", "unknown")
	if got == "" {
		t.Fatalf("empty version string")
	}
	if strings.Contains(got, "unknown") {
		t.Fatalf("placeholder leaked into %q", got)
	}
}
