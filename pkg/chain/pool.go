// Copyright 2025 Certen Protocol
//
// Endpoint pool with a per-endpoint circuit breaker. Calls prefer the
// first healthy endpoint; an endpoint that fails repeatedly is sidelined
// until its cool-off elapses.

package chain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cloak-protocol/cloak/pkg/merkle"
)

// breaker trip policy.
const (
	breakerThreshold = 5
	breakerCoolOff   = 30 * time.Second
)

type endpoint struct {
	client Client

	mu       sync.Mutex
	failures int
	openedAt time.Time
	tripped  bool
}

func (e *endpoint) available() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.tripped {
		return true
	}
	if time.Since(e.openedAt) >= breakerCoolOff {
		// Half-open: the endpoint is probed again, and a single further
		// failure re-trips the breaker.
		e.tripped = false
		e.failures = breakerThreshold - 1
		return true
	}
	return false
}

func (e *endpoint) record(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err == nil {
		e.failures = 0
		e.tripped = false
		return
	}
	e.failures++
	if e.failures >= breakerThreshold {
		e.tripped = true
		e.openedAt = time.Now()
	}
}

// Pool is a Client fanning calls over multiple endpoints in priority
// order, skipping endpoints whose breaker is open. Terminal chain
// rejections (NullifierAlreadyUsed, InvalidProof) are returned directly
// and neither trip the breaker nor trigger failover — they are answers,
// not endpoint failures.
type Pool struct {
	endpoints []*endpoint
}

// NewPool wraps clients in priority order. At least one client is
// required.
func NewPool(clients ...Client) (*Pool, error) {
	if len(clients) == 0 {
		return nil, fmt.Errorf("chain: endpoint pool needs at least one client")
	}
	p := &Pool{}
	for _, c := range clients {
		p.endpoints = append(p.endpoints, &endpoint{client: c})
	}
	return p, nil
}

// terminalRejection reports whether err is a chain-level answer rather
// than an endpoint fault. Only explicitly recognized program rejections
// qualify: an unknown transport error must fail over, and retrying a
// submission on another endpoint is safe because the chain consumes each
// nullifier at most once.
func terminalRejection(err error) bool {
	return errors.Is(err, ErrNullifierAlreadyUsed) || errors.Is(err, ErrInvalidProof) ||
		AlreadySucceeded(err) || strings.Contains(err.Error(), "InvalidProof")
}

func (p *Pool) do(ctx context.Context, call func(Client) error) error {
	var lastErr error
	for _, e := range p.endpoints {
		if !e.available() {
			continue
		}
		err := call(e.client)
		if err == nil {
			e.record(nil)
			return nil
		}
		if terminalRejection(err) {
			e.record(nil)
			return err
		}
		e.record(err)
		lastErr = err
		if ctx.Err() != nil {
			return lastErr
		}
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("%w: all endpoints circuit-broken", ErrRPCTimeout)
	}
	return lastErr
}

func (p *Pool) CurrentSlot(ctx context.Context) (uint64, error) {
	var out uint64
	err := p.do(ctx, func(c Client) error {
		var err error
		out, err = c.CurrentSlot(ctx)
		return err
	})
	return out, err
}

func (p *Pool) FindClaims(ctx context.Context, batchHash merkle.Hash) ([]ClaimAccount, error) {
	var out []ClaimAccount
	err := p.do(ctx, func(c Client) error {
		var err error
		out, err = c.FindClaims(ctx, batchHash)
		return err
	})
	return out, err
}

func (p *Pool) PushRoot(ctx context.Context, root merkle.Hash) (SubmitResult, error) {
	var out SubmitResult
	err := p.do(ctx, func(c Client) error {
		var err error
		out, err = c.PushRoot(ctx, root)
		return err
	})
	return out, err
}

func (p *Pool) SubmitWithdraw(ctx context.Context, ix WithdrawInstruction) (SubmitResult, error) {
	var out SubmitResult
	err := p.do(ctx, func(c Client) error {
		var err error
		out, err = c.SubmitWithdraw(ctx, ix)
		return err
	})
	return out, err
}

func (p *Pool) ConfirmSignature(ctx context.Context, signature string) (Confirmation, error) {
	var out Confirmation
	err := p.do(ctx, func(c Client) error {
		var err error
		out, err = c.ConfirmSignature(ctx, signature)
		return err
	})
	return out, err
}

func (p *Pool) FindSignatureForNullifier(ctx context.Context, nullifier merkle.Hash) (string, bool, error) {
	var sig string
	var found bool
	err := p.do(ctx, func(c Client) error {
		var err error
		sig, found, err = c.FindSignatureForNullifier(ctx, nullifier)
		return err
	})
	return sig, found, err
}

var _ Client = (*Pool)(nil)
