// Copyright 2025 Certen Protocol

package claimfinder

import (
	"context"
	"testing"

	"github.com/cloak-protocol/cloak/pkg/apierr"
	"github.com/cloak-protocol/cloak/pkg/chain"
	"github.com/cloak-protocol/cloak/pkg/commitment"
	"github.com/cloak-protocol/cloak/pkg/merkle"
)

var (
	testOutputs = []commitment.Output{
		{Recipient: [32]byte{0xaa}, Amount: 992_500_000},
	}
	testNullifier = merkle.HashData([]byte("test-nullifier"))
)

func publish(f *chain.Fake, addr byte, expiry uint64, status chain.ClaimStatus) chain.ClaimAccount {
	c := chain.ClaimAccount{
		Address:        [32]byte{addr},
		BatchHash:      BatchHash(testOutputs, testNullifier),
		MinerAuthority: [32]byte{0x99, addr},
		ExpirySlot:     expiry,
		Status:         status,
	}
	f.PublishClaim(c)
	return c
}

func TestFind_NoClaimsIsRetryable(t *testing.T) {
	f := chain.NewFake()
	finder := New(f, 2)

	_, err := finder.Find(context.Background(), testOutputs, testNullifier)
	apiErr, ok := err.(*apierr.Error)
	if !ok {
		t.Fatalf("expected *apierr.Error, got %T: %v", err, err)
	}
	if apiErr.Kind != apierr.NoClaimsAvailable {
		t.Fatalf("kind = %s, want NO_CLAIMS_AVAILABLE", apiErr.Kind)
	}
	if apiErr.RetryAfter == nil || *apiErr.RetryAfter <= 0 {
		t.Fatal("NO_CLAIMS_AVAILABLE must carry a retry_after_seconds hint")
	}
}

func TestFind_FiltersExpiringWithinSafetyMargin(t *testing.T) {
	f := chain.NewFake()
	f.AdvanceSlot(100)
	finder := New(f, 2)

	publish(f, 0x01, 102, chain.ClaimRevealed) // expiry <= current+margin: unusable
	if _, err := finder.Find(context.Background(), testOutputs, testNullifier); err == nil {
		t.Fatal("claim inside the safety margin must be discarded")
	}

	finder2 := New(f, 2)
	good := publish(f, 0x02, 103, chain.ClaimRevealed)
	selected, err := finder2.Find(context.Background(), testOutputs, testNullifier)
	if err != nil {
		t.Fatal(err)
	}
	if selected.Address != good.Address {
		t.Fatalf("selected %x, want the unexpired claim %x", selected.Address, good.Address)
	}
}

func TestFind_DeterministicLowestPDA(t *testing.T) {
	f := chain.NewFake()
	f.AdvanceSlot(10)

	lowest := publish(f, 0x03, 1000, chain.ClaimRevealed)
	publish(f, 0x07, 2000, chain.ClaimRevealed)
	publish(f, 0x05, 1500, chain.ClaimRevealed)

	// Repeated lookups across fresh finders must converge on the same
	// claim regardless of map iteration order.
	for i := 0; i < 5; i++ {
		finder := New(f, 2)
		selected, err := finder.Find(context.Background(), testOutputs, testNullifier)
		if err != nil {
			t.Fatal(err)
		}
		if selected.Address != lowest.Address {
			t.Fatalf("run %d selected %x, want lowest PDA %x", i, selected.Address, lowest.Address)
		}
	}
}

func TestFind_IgnoresNonRevealed(t *testing.T) {
	f := chain.NewFake()
	f.AdvanceSlot(10)
	finder := New(f, 2)

	publish(f, 0x01, 1000, chain.ClaimConsumed)
	publish(f, 0x02, 1000, chain.ClaimExpired)

	if _, err := finder.Find(context.Background(), testOutputs, testNullifier); err == nil {
		t.Fatal("consumed/expired claims must never be selected")
	}
}

func TestFind_MinerAuthorityReturned(t *testing.T) {
	f := chain.NewFake()
	f.AdvanceSlot(10)
	finder := New(f, 2)

	want := publish(f, 0x01, 1000, chain.ClaimRevealed)
	selected, err := finder.Find(context.Background(), testOutputs, testNullifier)
	if err != nil {
		t.Fatal(err)
	}
	if selected.MinerAuthority != want.MinerAuthority {
		t.Fatal("selection must carry the miner authority for fee routing")
	}
}

func TestNew_EnforcesMinimumSafetyMargin(t *testing.T) {
	finder := New(chain.NewFake(), 0)
	if finder.safetyMargin < 2 {
		t.Fatalf("safety margin = %d, must be clamped to >= 2", finder.safetyMargin)
	}
}
