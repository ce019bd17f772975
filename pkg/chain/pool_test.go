// Copyright 2025 Certen Protocol

package chain

import (
	"context"
	"errors"
	"testing"

	"github.com/cloak-protocol/cloak/pkg/merkle"
)

// flakyClient wraps a Fake, failing every call with err until it is
// cleared.
type flakyClient struct {
	*Fake
	err   error
	calls int
}

func (f *flakyClient) CurrentSlot(ctx context.Context) (uint64, error) {
	f.calls++
	if f.err != nil {
		return 0, f.err
	}
	return f.Fake.CurrentSlot(ctx)
}

func (f *flakyClient) SubmitWithdraw(ctx context.Context, ix WithdrawInstruction) (SubmitResult, error) {
	f.calls++
	if f.err != nil {
		return SubmitResult{}, f.err
	}
	return f.Fake.SubmitWithdraw(ctx, ix)
}

func TestPool_FailsOverToHealthyEndpoint(t *testing.T) {
	bad := &flakyClient{Fake: NewFake(), err: ErrRPCTimeout}
	good := NewFake()
	good.AdvanceSlot(42)

	pool, err := NewPool(bad, good)
	if err != nil {
		t.Fatal(err)
	}

	slot, err := pool.CurrentSlot(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if slot != 42 {
		t.Fatalf("slot = %d, want the healthy endpoint's 42", slot)
	}
}

func TestPool_BreakerSkipsFailingEndpoint(t *testing.T) {
	bad := &flakyClient{Fake: NewFake(), err: ErrRPCTimeout}
	good := NewFake()

	pool, err := NewPool(bad, good)
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < breakerThreshold+3; i++ {
		if _, err := pool.CurrentSlot(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	// After the threshold the tripped endpoint is no longer probed.
	if bad.calls != breakerThreshold {
		t.Fatalf("failing endpoint probed %d times, want exactly %d before the breaker opened", bad.calls, breakerThreshold)
	}
}

func TestPool_TerminalRejectionDoesNotFailOver(t *testing.T) {
	rejecting := &flakyClient{Fake: NewFake(), err: ErrNullifierAlreadyUsed}
	good := NewFake()

	pool, err := NewPool(rejecting, good)
	if err != nil {
		t.Fatal(err)
	}

	ix := WithdrawInstruction{Nullifier: merkle.HashData([]byte("nf"))}
	if _, err := pool.SubmitWithdraw(context.Background(), ix); !errors.Is(err, ErrNullifierAlreadyUsed) {
		t.Fatalf("terminal rejection must surface, got %v", err)
	}
	if _, ok, _ := good.FindSignatureForNullifier(context.Background(), ix.Nullifier); ok {
		t.Fatal("a terminal rejection must not be retried on the next endpoint")
	}
}

func TestPool_AllEndpointsDownReturnsLastError(t *testing.T) {
	bad1 := &flakyClient{Fake: NewFake(), err: ErrRPCTimeout}
	bad2 := &flakyClient{Fake: NewFake(), err: ErrStaleAnchor}

	pool, err := NewPool(bad1, bad2)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := pool.CurrentSlot(context.Background()); !errors.Is(err, ErrStaleAnchor) {
		t.Fatalf("expected the last endpoint's error, got %v", err)
	}
}

func TestNewPool_RequiresAnEndpoint(t *testing.T) {
	if _, err := NewPool(); err == nil {
		t.Fatal("empty pool must be rejected")
	}
}
