// Copyright 2025 Certen Protocol
//
// Request repository: the withdrawal state machine's durable rows.
// Transitions are SQL-level compare-and-swap on the state column, so a
// row can only advance through the machine even with concurrent workers.

package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/cloak-protocol/cloak/pkg/merkle"
)

// ErrStaleTransition is returned when a CAS-style UPDATE affects zero
// rows because the row's state no longer matches the expected "from"
// state — another worker already advanced it.
var ErrStaleTransition = fmt.Errorf("database: request state no longer matches expected transition source")

// RequestRepository handles the requests table.
type RequestRepository struct {
	client *Client
}

// NewRequestRepository creates a new request repository.
func NewRequestRepository(client *Client) *RequestRepository {
	return &RequestRepository{client: client}
}

// CreateRequest inserts a new request row in state `received`. Returns
// ErrNullifierConflict if client_nullifier already exists.
func (r *RequestRepository) CreateRequest(ctx context.Context, req *Request) error {
	req.RequestID = uuid.New()
	req.State = RequestReceived
	req.CreatedAt = time.Now()
	req.UpdatedAt = req.CreatedAt

	outputsJSON, err := json.Marshal(req.Outputs)
	if err != nil {
		return fmt.Errorf("failed to marshal outputs: %w", err)
	}

	query := `
		INSERT INTO requests (
			request_id, client_nullifier, public_inputs_raw, proof_bytes,
			root, outputs_hash, amount, outputs, declared_fee_bps, body_hash,
			state, retry_count, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`

	_, err = r.client.ExecContext(ctx, query,
		req.RequestID, req.ClientNullifier.Bytes(), req.PublicInputsRaw, req.ProofBytes,
		req.Root.Bytes(), req.OutputsHash.Bytes(), req.Amount, outputsJSON, req.DeclaredFeeBps, req.BodyHash.Bytes(),
		req.State, req.RetryCount, req.CreatedAt, req.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrNullifierConflict
		}
		return fmt.Errorf("failed to create request: %w", err)
	}
	return nil
}

// FindByNullifier looks up a request by its client_nullifier, used for
// idempotent re-submission.
func (r *RequestRepository) FindByNullifier(ctx context.Context, nullifier merkle.Hash) (*Request, error) {
	query := requestSelectColumns + ` WHERE client_nullifier = $1`
	req, err := scanRequest(r.client.QueryRowContext(ctx, query, nullifier.Bytes()))
	if err == sql.ErrNoRows {
		return nil, ErrRequestNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find request by nullifier: %w", err)
	}
	return req, nil
}

// GetRequest retrieves a request by ID.
func (r *RequestRepository) GetRequest(ctx context.Context, requestID uuid.UUID) (*Request, error) {
	query := requestSelectColumns + ` WHERE request_id = $1`
	req, err := scanRequest(r.client.QueryRowContext(ctx, query, requestID))
	if err == sql.ErrNoRows {
		return nil, ErrRequestNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get request: %w", err)
	}
	return req, nil
}

// ListByState returns up to limit requests currently in state s, oldest
// first — used by the worker pool to pick up queued work and by the
// hourly reconciler sweep.
func (r *RequestRepository) ListByState(ctx context.Context, s RequestState, limit int) ([]*Request, error) {
	query := requestSelectColumns + ` WHERE state = $1 ORDER BY created_at ASC LIMIT $2`
	rows, err := r.client.QueryContext(ctx, query, s, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list requests by state: %w", err)
	}
	defer rows.Close()

	var out []*Request
	for rows.Next() {
		req, err := scanRequestRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan request: %w", err)
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

// CountByStates returns the number of requests in each of the given
// states, used by the backlog endpoint.
func (r *RequestRepository) CountByStates(ctx context.Context, states ...RequestState) (map[RequestState]uint64, error) {
	out := make(map[RequestState]uint64, len(states))
	if len(states) == 0 {
		return out, nil
	}

	query := `SELECT state, count(*) FROM requests WHERE state = ANY($1) GROUP BY state`
	raw := make([]string, len(states))
	for i, s := range states {
		raw[i] = string(s)
	}

	rows, err := r.client.QueryContext(ctx, query, pq.Array(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to count requests by state: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var state string
		var count uint64
		if err := rows.Scan(&state, &count); err != nil {
			return nil, err
		}
		out[RequestState(state)] = count
	}
	return out, rows.Err()
}

// TransitionTo performs a CAS-style state advance: UPDATE ... WHERE
// state = fromState. Returns ErrStaleTransition if another worker already
// moved the row.
func (r *RequestRepository) TransitionTo(ctx context.Context, requestID uuid.UUID, fromState, toState RequestState) error {
	query := `
		UPDATE requests
		SET state = $3, updated_at = $4
		WHERE request_id = $1 AND state = $2`

	res, err := r.client.ExecContext(ctx, query, requestID, fromState, toState, time.Now())
	if err != nil {
		return fmt.Errorf("failed to transition request: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return ErrStaleTransition
	}
	return nil
}

// RecordClaimReserved advances received/validated -> claim_reserved and
// stores the selected claim's PDA and miner authority.
func (r *RequestRepository) RecordClaimReserved(ctx context.Context, requestID uuid.UUID, fromState RequestState, claimPDA, minerAuthority string) error {
	query := `
		UPDATE requests
		SET state = $3, claim_pda = $4, miner_authority = $5, updated_at = $6
		WHERE request_id = $1 AND state = $2`

	res, err := r.client.ExecContext(ctx, query, requestID, fromState, RequestClaimReserved, claimPDA, minerAuthority, time.Now())
	if err != nil {
		return fmt.Errorf("failed to record claim reservation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrStaleTransition
	}
	return nil
}

// RecordSubmitted advances tx_built -> submitted and stores the
// transaction signature.
func (r *RequestRepository) RecordSubmitted(ctx context.Context, requestID uuid.UUID, signature string) error {
	query := `
		UPDATE requests
		SET state = $2, submitted_sig = $3, updated_at = $4
		WHERE request_id = $1 AND state = $5`

	res, err := r.client.ExecContext(ctx, query, requestID, RequestSubmitted, signature, time.Now(), RequestTxBuilt)
	if err != nil {
		return fmt.Errorf("failed to record submitted: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrStaleTransition
	}
	return nil
}

// MarkFinalized moves a request that is not already finalized to
// finalized and records the signature. The worker calls it from
// submitted on confirmation and from tx_built when it recovers the
// signature of a prior submission.
func (r *RequestRepository) MarkFinalized(ctx context.Context, requestID uuid.UUID, finalizedSig string) error {
	now := time.Now()
	query := `
		UPDATE requests
		SET state = $2, finalized_sig = $3, finalized_at = $4, updated_at = $4
		WHERE request_id = $1 AND state != $5`

	_, err := r.client.ExecContext(ctx, query, requestID, RequestFinalized, finalizedSig, now, RequestFinalized)
	if err != nil {
		return fmt.Errorf("failed to mark finalized: %w", err)
	}
	return nil
}

// MarkFailed transitions a non-terminal request to failed with reason.
func (r *RequestRepository) MarkFailed(ctx context.Context, requestID uuid.UUID, reason string) error {
	query := `
		UPDATE requests
		SET state = $2, failure_message = $3, updated_at = $4
		WHERE request_id = $1 AND state != $5 AND state != $2`

	_, err := r.client.ExecContext(ctx, query, requestID, RequestFailed, reason, time.Now(), RequestFinalized)
	if err != nil {
		return fmt.Errorf("failed to mark failed: %w", err)
	}
	return nil
}

// IncrementRetry bumps the retry counter, used by the "no claim, wait"
// transition.
func (r *RequestRepository) IncrementRetry(ctx context.Context, requestID uuid.UUID) error {
	query := `UPDATE requests SET retry_count = retry_count + 1, updated_at = $2 WHERE request_id = $1`
	_, err := r.client.ExecContext(ctx, query, requestID, time.Now())
	if err != nil {
		return fmt.Errorf("failed to increment retry: %w", err)
	}
	return nil
}

// PurgeOlderThan deletes terminal requests whose finalized_at/updated_at
// predates the retention window.
func (r *RequestRepository) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `
		DELETE FROM requests
		WHERE (state = $1 OR state = $2) AND updated_at < $3`

	res, err := r.client.ExecContext(ctx, query, RequestFinalized, RequestFailed, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge old requests: %w", err)
	}
	return res.RowsAffected()
}

const requestSelectColumns = `
	SELECT request_id, client_nullifier, public_inputs_raw, proof_bytes,
		root, outputs_hash, amount, outputs, declared_fee_bps, body_hash,
		state, claim_pda, miner_authority, submitted_sig, finalized_sig,
		failure_message, retry_count, created_at, updated_at, finalized_at
	FROM requests`

func scanRequest(row *sql.Row) (*Request, error) {
	return scanRequestRow(row)
}

func scanRequestRow(row rowScanner) (*Request, error) {
	req := &Request{}
	var nullifierBytes, rootBytes, outputsHashBytes, bodyHashBytes, outputsJSON []byte

	err := row.Scan(
		&req.RequestID, &nullifierBytes, &req.PublicInputsRaw, &req.ProofBytes,
		&rootBytes, &outputsHashBytes, &req.Amount, &outputsJSON, &req.DeclaredFeeBps, &bodyHashBytes,
		&req.State, &req.ClaimPDA, &req.MinerAuthority, &req.SubmittedSig, &req.FinalizedSig,
		&req.FailureReason, &req.RetryCount, &req.CreatedAt, &req.UpdatedAt, &req.FinalizedAt,
	)
	if err != nil {
		return nil, err
	}

	if req.ClientNullifier, err = merkle.HashFromBytes(nullifierBytes); err != nil {
		return nil, fmt.Errorf("corrupt client_nullifier: %w", err)
	}
	if req.Root, err = merkle.HashFromBytes(rootBytes); err != nil {
		return nil, fmt.Errorf("corrupt root: %w", err)
	}
	if req.OutputsHash, err = merkle.HashFromBytes(outputsHashBytes); err != nil {
		return nil, fmt.Errorf("corrupt outputs_hash: %w", err)
	}
	if req.BodyHash, err = merkle.HashFromBytes(bodyHashBytes); err != nil {
		return nil, fmt.Errorf("corrupt body_hash: %w", err)
	}
	if err := json.Unmarshal(outputsJSON, &req.Outputs); err != nil {
		return nil, fmt.Errorf("corrupt outputs json: %w", err)
	}

	return req, nil
}
