// Copyright 2025 Certen Protocol
//
// Note repository: deposited commitments and their opaque encrypted
// payloads, plus the range scan clients use to discover their own notes.

package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/cloak-protocol/cloak/pkg/merkle"
)

// NoteRepository handles the notes table.
type NoteRepository struct {
	client *Client
}

// NewNoteRepository creates a new note repository.
func NewNoteRepository(client *Client) *NoteRepository {
	return &NoteRepository{client: client}
}

// InsertNote inserts a new note row within tx, at leafIndex. Returns
// ErrDuplicateCommitment if the commitment already exists. Callers are
// expected to run this inside the same transaction that commits the
// Merkle append.
func (r *NoteRepository) InsertNote(ctx context.Context, tx *Tx, note *Note) error {
	query := `
		INSERT INTO notes (leaf_index, commitment, encrypted_output, deposit_tx_id, deposit_slot, inserted_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := tx.Tx().ExecContext(ctx, query,
		note.LeafIndex, note.Commitment.Bytes(), note.EncryptedOutput,
		note.DepositTxID, note.DepositSlot, note.InsertedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateCommitment
		}
		return fmt.Errorf("failed to insert note: %w", err)
	}
	return nil
}

// FindByCommitment looks up a note by its commitment, used to implement
// deposit idempotency.
func (r *NoteRepository) FindByCommitment(ctx context.Context, commitment merkle.Hash) (*Note, error) {
	query := `
		SELECT leaf_index, commitment, encrypted_output, deposit_tx_id, deposit_slot, inserted_at
		FROM notes
		WHERE commitment = $1`

	note, err := scanNote(r.client.QueryRowContext(ctx, query, commitment.Bytes()))
	if err == sql.ErrNoRows {
		return nil, ErrNoteNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find note by commitment: %w", err)
	}
	return note, nil
}

// GetLeafMetadata returns the stored metadata for leaf i.
func (r *NoteRepository) GetLeafMetadata(ctx context.Context, leafIndex uint64) (*Note, error) {
	query := `
		SELECT leaf_index, commitment, encrypted_output, deposit_tx_id, deposit_slot, inserted_at
		FROM notes
		WHERE leaf_index = $1`

	note, err := scanNote(r.client.QueryRowContext(ctx, query, leafIndex))
	if err == sql.ErrNoRows {
		return nil, ErrNoteNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get leaf metadata: %w", err)
	}
	return note, nil
}

// GetNotesRange returns notes with leaf_index in [start, end], at most
// limit rows, plus the next start cursor.
func (r *NoteRepository) GetNotesRange(ctx context.Context, start, end uint64, limit int) ([]*Note, uint64, error) {
	query := `
		SELECT leaf_index, commitment, encrypted_output, deposit_tx_id, deposit_slot, inserted_at
		FROM notes
		WHERE leaf_index >= $1 AND leaf_index <= $2
		ORDER BY leaf_index ASC
		LIMIT $3`

	rows, err := r.client.QueryContext(ctx, query, start, end, limit)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query notes range: %w", err)
	}
	defer rows.Close()

	var notes []*Note
	for rows.Next() {
		note, err := scanNoteRow(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan note: %w", err)
		}
		notes = append(notes, note)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	nextStart := start
	if len(notes) > 0 {
		nextStart = notes[len(notes)-1].LeafIndex + 1
	}
	return notes, nextStart, nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanNote(row *sql.Row) (*Note, error) {
	return scanNoteRow(row)
}

func scanNoteRow(row rowScanner) (*Note, error) {
	note := &Note{}
	var commitmentBytes []byte
	err := row.Scan(
		&note.LeafIndex, &commitmentBytes, &note.EncryptedOutput,
		&note.DepositTxID, &note.DepositSlot, &note.InsertedAt,
	)
	if err != nil {
		return nil, err
	}
	h, err := merkle.HashFromBytes(commitmentBytes)
	if err != nil {
		return nil, fmt.Errorf("corrupt commitment in notes row: %w", err)
	}
	note.Commitment = h
	return note, nil
}
