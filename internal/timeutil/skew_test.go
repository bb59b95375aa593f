package timeutil

import (
	"math"
	"testing"
	"time"
)

func TestSkewSecondsCeilRoundsUp(t *testing.T) {
	cases := []struct {
		in   time.Duration
		want int64
	}{
		{0, 0},
		{-1 * time.Second, 0},
		{1 * time.Nanosecond, 1},
		{999 * time.Millisecond, 1},
		{1 * time.Second, 1},
		{1500 * time.Millisecond, 2},
	}
	for _, tc := range cases {
		if got := SkewSecondsCeil(tc.in); got != tc.want {
			t.Fatalf("SkewSecondsCeil(%v) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

func TestNormalizeSkewWholeSeconds(t *testing.T) {
	if got := NormalizeSkew(0); got != 0 {
		t.Fatalf("NormalizeSkew(0) = %v, want 0", got)
	}
	if got := NormalizeSkew(1500 * time.Millisecond); got != 2*time.Second {
		t.Fatalf("NormalizeSkew(1.5s) = %v, want 2s", got)
	}
}

func TestAddSkewUnixClampsOnOverflow(t *testing.T) {
	if got := AddSkewUnix(100, 0); got != 100 {
		t.Fatalf("no skew: got %d, want 100", got)
	}
	if got := AddSkewUnix(100, 30*time.Second+time.Nanosecond); got != 131 {
		t.Fatalf("30s+1ns skew: got %d, want 131", got)
	}
	if got := AddSkewUnix(math.MaxInt64-1, 5*time.Second); got != math.MaxInt64 {
		t.Fatalf("overflow: got %d, want MaxInt64", got)
	}
}
