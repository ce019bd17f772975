// Copyright 2025 Certen Protocol
//
// Row types for Cloak's durable tables: notes, historical_roots,
// requests, claim_reservations.

package database

import (
	"database/sql"
	"time"

	"github.com/cloak-protocol/cloak/pkg/chain"
	"github.com/cloak-protocol/cloak/pkg/merkle"
	"github.com/google/uuid"
)

// Note is one row of the notes table: a deposited commitment and its
// opaque encrypted payload.
type Note struct {
	LeafIndex       uint64
	Commitment      merkle.Hash
	EncryptedOutput []byte
	DepositTxID     string
	DepositSlot     uint64
	InsertedAt      time.Time
}

// HistoricalRoot is one row of the historical_roots table.
type HistoricalRoot struct {
	Root        merkle.Hash
	LeafCount   uint64
	PublishedAt sql.NullTime
	RecordedAt  time.Time
}

// RequestState is the withdrawal state machine's current state.
type RequestState string

const (
	RequestReceived      RequestState = "received"
	RequestValidated     RequestState = "validated"
	RequestClaimReserved RequestState = "claim_reserved"
	RequestTxBuilt       RequestState = "tx_built"
	RequestSubmitted     RequestState = "submitted"
	RequestFinalized     RequestState = "finalized"
	RequestFailed        RequestState = "failed"
)

// Terminal reports whether s is a terminal state.
func (s RequestState) Terminal() bool {
	return s == RequestFinalized || s == RequestFailed
}

// RequestOutput is one (recipient, amount) pair of a withdrawal request.
type RequestOutput struct {
	Recipient [32]byte
	Amount    uint64
}

// Request is one row of the requests table.
type Request struct {
	RequestID       uuid.UUID
	ClientNullifier merkle.Hash
	PublicInputsRaw []byte
	ProofBytes      []byte
	Root            merkle.Hash
	OutputsHash     merkle.Hash
	Amount          uint64
	Outputs         []RequestOutput
	DeclaredFeeBps  int
	BodyHash        merkle.Hash // hash of the full request body, for idempotency comparison
	State           RequestState
	ClaimPDA        sql.NullString
	MinerAuthority  sql.NullString
	SubmittedSig    sql.NullString
	FinalizedSig    sql.NullString
	FailureReason   sql.NullString
	RetryCount      int
	CreatedAt       time.Time
	UpdatedAt       time.Time
	FinalizedAt     sql.NullTime
}

// ClaimReservation is one row of the claim_reservations table: the claim a
// request has committed to, recorded so a restarted worker does not
// re-query the registry.
type ClaimReservation struct {
	RequestID      uuid.UUID
	ClaimPDA       [32]byte
	MinerAuthority [32]byte
	BatchHash      merkle.Hash
	ExpirySlot     uint64
	ReservedAt     time.Time
}

func claimAccountFromReservation(r *ClaimReservation) chain.ClaimAccount {
	return chain.ClaimAccount{
		Address:        r.ClaimPDA,
		BatchHash:      r.BatchHash,
		MinerAuthority: r.MinerAuthority,
		ExpirySlot:     r.ExpirySlot,
		Status:         chain.ClaimRevealed,
	}
}
