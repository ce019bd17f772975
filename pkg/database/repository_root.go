// Copyright 2025 Certen Protocol
//
// Historical root repository: the ring of recent roots withdrawals may
// reference, plus the root publisher's `last_published_root` bookkeeping.

package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/cloak-protocol/cloak/pkg/merkle"
)

// RootRepository handles the historical_roots table.
type RootRepository struct {
	client *Client
}

// NewRootRepository creates a new root repository.
func NewRootRepository(client *Client) *RootRepository {
	return &RootRepository{client: client}
}

// RecordRoot inserts a new root produced by a Merkle append within tx. It
// does not mark the root published; the publisher calls MarkPublished
// once it has successfully submitted push_root on-chain.
func (r *RootRepository) RecordRoot(ctx context.Context, tx *Tx, root merkle.Hash, leafCount uint64) error {
	query := `
		INSERT INTO historical_roots (root, leaf_count, recorded_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (root) DO NOTHING`

	_, err := tx.Tx().ExecContext(ctx, query, root.Bytes(), leafCount, time.Now())
	if err != nil {
		return fmt.Errorf("failed to record root: %w", err)
	}
	return nil
}

// LastPublished returns the most recently published root, or ErrNotFound
// if the publisher has never succeeded.
func (r *RootRepository) LastPublished(ctx context.Context) (*HistoricalRoot, error) {
	query := `
		SELECT root, leaf_count, published_at, recorded_at
		FROM historical_roots
		WHERE published_at IS NOT NULL
		ORDER BY published_at DESC
		LIMIT 1`

	hr, err := scanHistoricalRoot(r.client.QueryRowContext(ctx, query))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get last published root: %w", err)
	}
	return hr, nil
}

// MarkPublished records that root was successfully pushed on-chain.
func (r *RootRepository) MarkPublished(ctx context.Context, root merkle.Hash) error {
	query := `
		UPDATE historical_roots
		SET published_at = $2
		WHERE root = $1`

	_, err := r.client.ExecContext(ctx, query, root.Bytes(), time.Now())
	if err != nil {
		return fmt.Errorf("failed to mark root published: %w", err)
	}
	return nil
}

// Window returns the most recent limit roots, newest first.
func (r *RootRepository) Window(ctx context.Context, limit int) ([]*HistoricalRoot, error) {
	query := `
		SELECT root, leaf_count, published_at, recorded_at
		FROM historical_roots
		ORDER BY recorded_at DESC
		LIMIT $1`

	rows, err := r.client.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query root window: %w", err)
	}
	defer rows.Close()

	var out []*HistoricalRoot
	for rows.Next() {
		hr, err := scanHistoricalRootRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan historical root: %w", err)
		}
		out = append(out, hr)
	}
	return out, rows.Err()
}

// Knows reports whether root is among the most recent window roots —
// the relay planner's advisory admission check, run against the shared
// historical_roots table rather than the indexer's in-memory ring (the
// final authority is the on-chain ring either way).
func (r *RootRepository) Knows(ctx context.Context, root merkle.Hash, window int) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM (
				SELECT root FROM historical_roots
				ORDER BY recorded_at DESC
				LIMIT $2
			) recent WHERE recent.root = $1
		)`

	var known bool
	if err := r.client.QueryRowContext(ctx, query, root.Bytes(), window).Scan(&known); err != nil {
		return false, fmt.Errorf("failed to check root window: %w", err)
	}
	return known, nil
}

func scanHistoricalRoot(row *sql.Row) (*HistoricalRoot, error) {
	return scanHistoricalRootRow(row)
}

func scanHistoricalRootRow(row rowScanner) (*HistoricalRoot, error) {
	hr := &HistoricalRoot{}
	var rootBytes []byte
	if err := row.Scan(&rootBytes, &hr.LeafCount, &hr.PublishedAt, &hr.RecordedAt); err != nil {
		return nil, err
	}
	h, err := merkle.HashFromBytes(rootBytes)
	if err != nil {
		return nil, fmt.Errorf("corrupt root in historical_roots row: %w", err)
	}
	hr.Root = h
	return hr, nil
}
