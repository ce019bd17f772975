// Copyright 2025 Certen Protocol
//
// Claim discovery and deterministic selection. The finder never mines or
// invents batch hashes; it reproduces the canonical batch_hash pre-image,
// queries the opaque chain.Client for matching Revealed accounts, and
// picks one the same way every time, so concurrent relays converge on the
// same claim for the same request.

package claimfinder

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cloak-protocol/cloak/pkg/apierr"
	"github.com/cloak-protocol/cloak/pkg/chain"
	"github.com/cloak-protocol/cloak/pkg/commitment"
	"github.com/cloak-protocol/cloak/pkg/merkle"
	"github.com/cloak-protocol/cloak/pkg/metrics"
)

// Finder locates and selects PoW claims for withdrawal requests.
type Finder struct {
	client       chain.Client
	safetyMargin uint64
	cacheTTL     time.Duration

	mu    sync.Mutex
	cache map[merkle.Hash]cacheEntry
}

type cacheEntry struct {
	claims    []chain.ClaimAccount
	expiresAt time.Time
}

// New constructs a Finder. safetyMarginSlots must be >= 2.
func New(client chain.Client, safetyMarginSlots uint64) *Finder {
	if safetyMarginSlots < 2 {
		safetyMarginSlots = 2
	}
	return &Finder{
		client:       client,
		safetyMargin: safetyMarginSlots,
		cacheTTL:     time.Second,
		cache:        make(map[merkle.Hash]cacheEntry),
	}
}

// BatchHash reproduces the request's content key.
func BatchHash(outputs []commitment.Output, nullifier merkle.Hash) merkle.Hash {
	return commitment.BatchHash(outputs, nullifier)
}

// Find discovers and selects a claim for (outputs, nullifier). It returns
// apierr.NoClaimsAvailable with a suggested retry delay if every candidate
// is filtered out or none exist.
func (f *Finder) Find(ctx context.Context, outputs []commitment.Output, nullifier merkle.Hash) (chain.ClaimAccount, error) {
	target := BatchHash(outputs, nullifier)

	candidates, err := f.candidatesFor(ctx, target)
	if err != nil {
		return chain.ClaimAccount{}, apierr.New(apierr.ChainRPCTimeout, fmt.Sprintf("claim registry query failed: %v", err))
	}

	currentSlot, err := f.client.CurrentSlot(ctx)
	if err != nil {
		return chain.ClaimAccount{}, apierr.New(apierr.ChainRPCTimeout, fmt.Sprintf("failed to read current slot: %v", err))
	}

	selected, ok := selectClaim(candidates, currentSlot, f.safetyMargin)
	if !ok {
		return chain.ClaimAccount{}, apierr.NewRetryable(apierr.NoClaimsAvailable, "no revealed claim for this batch hash yet", RetryAfterSeconds)
	}
	return selected, nil
}

// RetryAfterSeconds is the suggested wait before a client retries a
// NO_CLAIMS_AVAILABLE response: one mining interval. The relay's status
// endpoint reuses it when reporting a request that failed for lack of
// claims.
const RetryAfterSeconds = 30

// candidatesFor queries the registry, memoizing the raw (unfiltered)
// result for up to cacheTTL so concurrent requests for the same batch
// hash amortize to one chain read.
func (f *Finder) candidatesFor(ctx context.Context, target merkle.Hash) ([]chain.ClaimAccount, error) {
	f.mu.Lock()
	if entry, ok := f.cache[target]; ok && time.Now().Before(entry.expiresAt) {
		f.mu.Unlock()
		return entry.claims, nil
	}
	f.mu.Unlock()

	start := time.Now()
	claims, err := f.client.FindClaims(ctx, target)
	if err != nil {
		return nil, err
	}
	metrics.ClaimDiscoveryLatency.Observe(time.Since(start).Seconds())

	f.mu.Lock()
	f.cache[target] = cacheEntry{claims: claims, expiresAt: time.Now().Add(f.cacheTTL)}
	f.mu.Unlock()

	return claims, nil
}

// selectClaim discards claims expiring within the safety margin or not
// Revealed, then picks the one with the lowest PDA byte order.
func selectClaim(candidates []chain.ClaimAccount, currentSlot, safetyMargin uint64) (chain.ClaimAccount, bool) {
	var best chain.ClaimAccount
	found := false

	for _, c := range candidates {
		if c.Status != chain.ClaimRevealed {
			continue
		}
		if c.ExpirySlot <= currentSlot+safetyMargin {
			continue
		}
		if !found || bytes.Compare(c.Address[:], best.Address[:]) < 0 {
			best = c
			found = true
		}
	}
	return best, found
}
