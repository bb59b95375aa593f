package contextutil

import (
	"context"
	"testing"
	"time"
)

func TestWithTimeoutNilParentNoBudget(t *testing.T) {
	ctx, cancel := WithTimeout(nil, 0)
	t.Cleanup(cancel)
	if ctx == nil {
		t.Fatalf("nil context returned")
	}
	if err := ctx.Err(); err != nil {
		t.Fatalf("fresh context already done: %v", err)
	}
}

func TestWithTimeoutNilParentIsCancelable(t *testing.T) {
	ctx, cancel := WithTimeout(nil, 5*time.Second)
	cancel()
	if got := ctx.Err(); got != context.Canceled {
		t.Fatalf("Err = %v, want context.Canceled", got)
	}
}

func TestWithTimeoutZeroBudgetPassesParentThrough(t *testing.T) {
	parent, parentCancel := context.WithCancel(context.Background())
	defer parentCancel()
	ctx, cancel := WithTimeout(parent, 0)
	defer cancel()
	if ctx != parent {
		t.Fatalf("zero budget should return the parent unchanged")
	}
}
