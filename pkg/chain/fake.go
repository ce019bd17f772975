// Copyright 2025 Certen Protocol
//
// In-memory fake Client for tests: deterministic, concurrency-safe, and
// never dials a live chain.

package chain

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/cloak-protocol/cloak/pkg/merkle"
)

// Fake is a deterministic, in-process Client for unit and integration
// tests. It is safe for concurrent use.
type Fake struct {
	mu sync.Mutex

	slot uint64

	claims        map[[32]byte]ClaimAccount // by PDA address
	pushedRoots   []merkle.Hash
	submitted     map[string]WithdrawInstruction // by signature
	confirmations map[string]Confirmation
	byNullifier   map[merkle.Hash]string // nullifier -> signature

	nextSig int

	// SubmitErr, when non-nil, is returned by SubmitWithdraw for the next
	// call only (then cleared), letting tests inject a transient failure.
	SubmitErr error
}

// NewFake returns an empty Fake at slot 0.
func NewFake() *Fake {
	return &Fake{
		claims:        make(map[[32]byte]ClaimAccount),
		submitted:     make(map[string]WithdrawInstruction),
		confirmations: make(map[string]Confirmation),
		byNullifier:   make(map[merkle.Hash]string),
	}
}

// AdvanceSlot moves the fake ledger's clock forward by n slots.
func (f *Fake) AdvanceSlot(n uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.slot += n
}

// PublishClaim registers a claim account a test wants FindClaims to see.
func (f *Fake) PublishClaim(c ClaimAccount) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.claims[c.Address] = c
}

func (f *Fake) CurrentSlot(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.slot, nil
}

func (f *Fake) FindClaims(ctx context.Context, batchHash merkle.Hash) ([]ClaimAccount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []ClaimAccount
	for _, c := range f.claims {
		if c.BatchHash == batchHash && c.Status == ClaimRevealed {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return lessPDA(out[i].Address, out[j].Address)
	})
	return out, nil
}

func lessPDA(a, b [32]byte) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

func (f *Fake) PushRoot(ctx context.Context, root merkle.Hash) (SubmitResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushedRoots = append(f.pushedRoots, root)
	f.nextSig++
	sig := fmt.Sprintf("fake-root-sig-%d", f.nextSig)
	return SubmitResult{Signature: sig, Slot: f.slot}, nil
}

func (f *Fake) SubmitWithdraw(ctx context.Context, ix WithdrawInstruction) (SubmitResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.SubmitErr != nil {
		err := f.SubmitErr
		f.SubmitErr = nil
		return SubmitResult{}, err
	}

	if _, ok := f.byNullifier[ix.Nullifier]; ok {
		return SubmitResult{}, ErrNullifierAlreadyUsed
	}

	f.nextSig++
	sig := fmt.Sprintf("fake-withdraw-sig-%d", f.nextSig)
	f.submitted[sig] = ix
	f.byNullifier[ix.Nullifier] = sig
	f.confirmations[sig] = Confirmation{Status: StatusFinalized, FinalizedSlot: f.slot}
	return SubmitResult{Signature: sig, Slot: f.slot}, nil
}

func (f *Fake) ConfirmSignature(ctx context.Context, signature string) (Confirmation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.confirmations[signature]
	if !ok {
		return Confirmation{Status: StatusUnknown}, nil
	}
	return c, nil
}

func (f *Fake) FindSignatureForNullifier(ctx context.Context, nullifier merkle.Hash) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sig, ok := f.byNullifier[nullifier]
	return sig, ok, nil
}

var _ Client = (*Fake)(nil)
