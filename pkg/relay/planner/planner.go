// Copyright 2025 Certen Protocol
//
// Synchronous withdrawal admission: validate a withdraw request's public
// shape before acknowledging it, persist it in state `received`, and hand
// the request id back to the caller. Everything is checked before any
// write, with one typed error per failure.

package planner

import (
	"context"
	"fmt"

	"github.com/cloak-protocol/cloak/pkg/apierr"
	"github.com/cloak-protocol/cloak/pkg/commitment"
	"github.com/cloak-protocol/cloak/pkg/database"
	"github.com/cloak-protocol/cloak/pkg/merkle"
	"github.com/cloak-protocol/cloak/pkg/metrics"
	"github.com/google/uuid"
)

// protocolFeeFixed is the fee rule's fixed component, bound to the
// on-chain program version. Kept as a package constant rather than
// config because the withdrawal circuit itself is
// compiled against this exact value; changing it without a matching
// circuit upgrade would silently desync fee validation from what proofs
// actually attest to.
const protocolFeeFixed = 2_500_000

// ProtocolFee computes protocol_fee(amount) = fixed + floor(amount*5/1000).
func ProtocolFee(amount uint64) uint64 {
	return protocolFeeFixed + (amount*5)/1000
}

// FeeBps computes ceil(fee*10000/amount), the declared_fee_bps a client
// must match for a given amount.
func FeeBps(amount uint64) int {
	if amount == 0 {
		return 0
	}
	fee := ProtocolFee(amount)
	return int((fee*10000 + amount - 1) / amount)
}

const proofByteLength = 260 // Groth16

const (
	minOutputs = 1
	maxOutputs = 5
)

// RootKnower reports whether the indexer still recognizes root.
// Narrowed to this single method so tests can substitute an in-memory
// fake instead of a live indexer.
type RootKnower interface {
	KnowsRoot(ctx context.Context, root merkle.Hash) (bool, error)
}

// Request is the caller-supplied withdrawal submission.
type Request struct {
	ProofBytes     []byte
	Root           merkle.Hash
	Nullifier      merkle.Hash
	OutputsHash    merkle.Hash
	Amount         uint64
	Outputs        []commitment.Output
	DeclaredFeeBps int
	BodyHash       merkle.Hash
}

// Planner validates and admits withdrawal requests.
type Planner struct {
	requests *database.RequestRepository
	roots    RootKnower
	enqueue  func(requestID uuid.UUID)
}

// New constructs a Planner. enqueue is called after a request is durably
// persisted in state `received`, handing it to the worker pool; it must
// not block.
func New(requests *database.RequestRepository, roots RootKnower, enqueue func(requestID uuid.UUID)) *Planner {
	return &Planner{requests: requests, roots: roots, enqueue: enqueue}
}

// Admit validates req and, on success, persists it and enqueues it for
// the worker pool. Idempotent on (nullifier, bodyHash): a
// resubmission with the same body returns the original request_id; a
// different body for the same nullifier is rejected.
func (p *Planner) Admit(ctx context.Context, req Request) (uuid.UUID, error) {
	if err := validateShape(req); err != nil {
		return uuid.Nil, err
	}

	if existing, err := p.requests.FindByNullifier(ctx, req.Nullifier); err == nil {
		if existing.BodyHash == req.BodyHash {
			return existing.RequestID, nil
		}
		metrics.WithdrawRequestsTotal.WithLabelValues("nullifier_conflict").Inc()
		return uuid.Nil, apierr.New(apierr.NullifierConflict, "nullifier already used by a different request body")
	} else if err != database.ErrRequestNotFound {
		return uuid.Nil, fmt.Errorf("planner: nullifier lookup: %w", err)
	}

	known, err := p.roots.KnowsRoot(ctx, req.Root)
	if err != nil {
		return uuid.Nil, fmt.Errorf("planner: root lookup: %w", err)
	}
	if !known {
		metrics.WithdrawRequestsTotal.WithLabelValues("root_not_known").Inc()
		return uuid.Nil, apierr.New(apierr.RootNotKnown, "root is not in the known historical set")
	}

	row := &database.Request{
		ClientNullifier: req.Nullifier,
		ProofBytes:      req.ProofBytes,
		Root:            req.Root,
		OutputsHash:     req.OutputsHash,
		Amount:          req.Amount,
		DeclaredFeeBps:  req.DeclaredFeeBps,
		BodyHash:        req.BodyHash,
		Outputs:         toRowOutputs(req.Outputs),
	}
	if err := p.requests.CreateRequest(ctx, row); err != nil {
		if err == database.ErrNullifierConflict {
			metrics.WithdrawRequestsTotal.WithLabelValues("nullifier_conflict").Inc()
			return uuid.Nil, apierr.New(apierr.NullifierConflict, "nullifier already used")
		}
		return uuid.Nil, fmt.Errorf("planner: create request: %w", err)
	}

	metrics.WithdrawRequestsTotal.WithLabelValues("admitted").Inc()
	if p.enqueue != nil {
		p.enqueue(row.RequestID)
	}
	return row.RequestID, nil
}

// validateShape runs the stateless checks — everything that does not
// need a database or chain round trip.
func validateShape(req Request) error {
	if len(req.Outputs) < minOutputs || len(req.Outputs) > maxOutputs {
		return apierr.New(apierr.Validation, fmt.Sprintf("output count must be between %d and %d", minOutputs, maxOutputs))
	}

	var sum uint64
	for _, o := range req.Outputs {
		if o.Amount == 0 {
			return apierr.New(apierr.Validation, "output amount must be greater than zero")
		}
		if o.Recipient == ([32]byte{}) {
			return apierr.New(apierr.Validation, "output recipient must be a non-zero 32-byte address")
		}
		sum += o.Amount
	}

	if req.Amount == 0 {
		return apierr.New(apierr.Validation, "amount must be greater than zero")
	}

	fee := ProtocolFee(req.Amount)
	if sum+fee != req.Amount {
		return apierr.New(apierr.FeeMismatch, fmt.Sprintf("outputs (%d) + protocol fee (%d) must equal amount (%d)", sum, fee, req.Amount))
	}

	if wantBps := FeeBps(req.Amount); req.DeclaredFeeBps != wantBps {
		return apierr.New(apierr.FeeMismatch, fmt.Sprintf("declared_fee_bps %d does not match computed %d", req.DeclaredFeeBps, wantBps))
	}

	if len(req.ProofBytes) != proofByteLength {
		return apierr.New(apierr.Validation, fmt.Sprintf("proof must be %d bytes", proofByteLength))
	}

	return nil
}

func toRowOutputs(outputs []commitment.Output) []database.RequestOutput {
	out := make([]database.RequestOutput, len(outputs))
	for i, o := range outputs {
		out[i] = database.RequestOutput{Recipient: o.Recipient, Amount: o.Amount}
	}
	return out
}
