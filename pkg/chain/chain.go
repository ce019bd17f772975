// Copyright 2025 Certen Protocol
//
// Chain is Cloak's opaque ledger collaborator. Every on-chain
// interaction the indexer and relay need is expressed as one narrow
// interface so the rest of the module never depends on a specific chain
// SDK or wire protocol.

package chain

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/cloak-protocol/cloak/pkg/apierr"
	"github.com/cloak-protocol/cloak/pkg/merkle"
)

// ClaimStatus mirrors the on-chain claim account's status enum.
type ClaimStatus string

const (
	ClaimRevealed ClaimStatus = "Revealed"
	ClaimConsumed ClaimStatus = "Consumed"
	ClaimExpired  ClaimStatus = "Expired"
)

// ClaimAccount is the subset of an on-chain PoW claim account the relay
// reads.
type ClaimAccount struct {
	Address        [32]byte
	BatchHash      merkle.Hash
	MinerAuthority [32]byte
	ExpirySlot     uint64
	Status         ClaimStatus
}

// Output is one withdrawal output as submitted on-chain.
type Output struct {
	Recipient [32]byte
	Amount    uint64
}

// WithdrawInstruction carries everything the relay needs to assemble a
// single withdrawal transaction.
type WithdrawInstruction struct {
	ProofBytes      []byte
	Root            merkle.Hash
	Nullifier       merkle.Hash
	OutputsHash     merkle.Hash
	Amount          uint64
	Outputs         []Output
	ClaimPDA        [32]byte
	MinerAuthority  [32]byte
	ProtocolFeeSink [32]byte
	RelayFeeBps     int
}

// SubmitResult is returned immediately after a transaction is sent,
// before confirmation — the signature must be recorded before polling so
// a crash right after send does not lose the in-flight transaction.
type SubmitResult struct {
	Signature string
	Slot      uint64
}

// ConfirmationStatus is the outcome of polling a previously submitted
// signature.
type ConfirmationStatus int

const (
	StatusUnknown ConfirmationStatus = iota
	StatusPending
	StatusFinalized
	StatusFailed
)

// Confirmation is the result of a status poll on a submitted signature.
type Confirmation struct {
	Status        ConfirmationStatus
	FinalizedSlot uint64
	FailureReason string
}

// Client is the opaque ledger collaborator. Implementations talk to the
// real chain's RPC; tests substitute an in-memory fake (see chain/fake.go)
// rather than hitting a live chain.
type Client interface {
	// CurrentSlot returns the ledger's current slot.
	CurrentSlot(ctx context.Context) (uint64, error)

	// FindClaims queries the registry for claim accounts matching
	// batchHash with status == Revealed.
	FindClaims(ctx context.Context, batchHash merkle.Hash) ([]ClaimAccount, error)

	// PushRoot submits the root-publisher's push_root instruction using
	// the admin authority signer.
	PushRoot(ctx context.Context, root merkle.Hash) (SubmitResult, error)

	// SubmitWithdraw assembles, signs with the relay authority, and
	// submits a single withdrawal transaction.
	SubmitWithdraw(ctx context.Context, ix WithdrawInstruction) (SubmitResult, error)

	// ConfirmSignature polls for the finalization status of a previously
	// submitted signature.
	ConfirmSignature(ctx context.Context, signature string) (Confirmation, error)

	// FindSignatureForNullifier discovers the signature that already
	// consumed a nullifier, used to recover when a prior submission the
	// relay lost track of won the race.
	FindSignatureForNullifier(ctx context.Context, nullifier merkle.Hash) (string, bool, error)
}

// Sentinel classification errors a Client implementation's SubmitWithdraw
// may wrap; ClassifyError also recognizes the raw node error text, since
// not every RPC implementation preserves wrapped sentinels.
var (
	ErrNullifierAlreadyUsed = errors.New("chain: nullifier already used")
	ErrInvalidProof         = errors.New("chain: invalid proof")
	ErrStaleAnchor          = errors.New("chain: slot anchor expired")
	ErrRPCTimeout           = errors.New("chain: rpc timeout")
)

// AlreadySucceeded reports whether err is the chain's
// NullifierAlreadyUsed rejection — this is *not* a failure once a prior
// submission for the same request has already succeeded; the worker
// should treat it as implicit confirmation.
func AlreadySucceeded(err error) bool {
	return errors.Is(err, ErrNullifierAlreadyUsed) || strings.Contains(err.Error(), "NullifierAlreadyUsed")
}

// ClassifyError turns a raw submission error into the wire-level
// taxonomy, distinguishing transient (retry with a fresh anchor) from
// terminal (fail the request). NullifierAlreadyUsed classifies as
// terminal here; callers detect the "already succeeded" case separately
// with AlreadySucceeded.
func ClassifyError(err error) apierr.Kind {
	if err == nil {
		return ""
	}
	switch {
	case errors.Is(err, ErrStaleAnchor), errors.Is(err, ErrRPCTimeout):
		return apierr.ChainRPCTimeout
	case errors.Is(err, ErrInvalidProof), errors.Is(err, ErrNullifierAlreadyUsed):
		return apierr.ChainSubmitRejected
	default:
		msg := err.Error()
		if strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded") {
			return apierr.ChainRPCTimeout
		}
		return apierr.ChainSubmitRejected
	}
}

// BackoffSchedule returns the exponential backoff delay for the nth
// retry (0-indexed), starting at 1s and capping at 60s. Shared by the
// root publisher and the relay worker's resubmission loop.
func BackoffSchedule(attempt int) time.Duration {
	const (
		base    = time.Second
		ceiling = 60 * time.Second
	)
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 6 { // 1<<6 * 1s = 64s, already past the ceiling
		return ceiling
	}
	d := base << uint(attempt)
	if d > ceiling {
		return ceiling
	}
	return d
}
