// Copyright 2025 Certen Protocol
//
// Claim reservation repository: records which on-chain claim a request
// has committed to, so a restarted worker does not re-run claim
// discovery for a request already past that stage.

package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/cloak-protocol/cloak/pkg/chain"
	"github.com/cloak-protocol/cloak/pkg/merkle"
	"github.com/google/uuid"
)

// ClaimRepository handles the claim_reservations table.
type ClaimRepository struct {
	client *Client
}

// NewClaimRepository creates a new claim repository.
func NewClaimRepository(client *Client) *ClaimRepository {
	return &ClaimRepository{client: client}
}

// Reserve records the claim selected for a request. Idempotent: a second
// Reserve for the same request_id overwrites the prior row, which is safe
// because claim_reserved is only entered once per request under the
// worker's single-owner state machine.
func (c *ClaimRepository) Reserve(ctx context.Context, requestID uuid.UUID, claim chain.ClaimAccount) error {
	query := `
		INSERT INTO claim_reservations (request_id, claim_pda, miner_authority, batch_hash, expiry_slot, reserved_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (request_id) DO UPDATE SET
			claim_pda = EXCLUDED.claim_pda,
			miner_authority = EXCLUDED.miner_authority,
			batch_hash = EXCLUDED.batch_hash,
			expiry_slot = EXCLUDED.expiry_slot,
			reserved_at = EXCLUDED.reserved_at`

	_, err := c.client.ExecContext(ctx, query,
		requestID, claim.Address[:], claim.MinerAuthority[:], claim.BatchHash.Bytes(), claim.ExpirySlot, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("failed to reserve claim: %w", err)
	}
	return nil
}

// Get returns the reservation for requestID, as a chain.ClaimAccount
// ready to hand back to the worker on resume.
func (c *ClaimRepository) Get(ctx context.Context, requestID uuid.UUID) (chain.ClaimAccount, error) {
	query := `
		SELECT request_id, claim_pda, miner_authority, batch_hash, expiry_slot, reserved_at
		FROM claim_reservations
		WHERE request_id = $1`

	res := &ClaimReservation{}
	var claimPDA, minerAuthority, batchHashBytes []byte

	err := c.client.QueryRowContext(ctx, query, requestID).Scan(
		&res.RequestID, &claimPDA, &minerAuthority, &batchHashBytes, &res.ExpirySlot, &res.ReservedAt,
	)
	if err == sql.ErrNoRows {
		return chain.ClaimAccount{}, ErrClaimReservationNotFound
	}
	if err != nil {
		return chain.ClaimAccount{}, fmt.Errorf("failed to get claim reservation: %w", err)
	}

	copy(res.ClaimPDA[:], claimPDA)
	copy(res.MinerAuthority[:], minerAuthority)
	bh, err := merkle.HashFromBytes(batchHashBytes)
	if err != nil {
		return chain.ClaimAccount{}, fmt.Errorf("corrupt batch_hash in claim_reservations row: %w", err)
	}
	res.BatchHash = bh

	return claimAccountFromReservation(res), nil
}
