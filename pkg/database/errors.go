// Copyright 2025 Certen Protocol
//
// Package database provides sentinel errors for repository operations.

package database

import "errors"

// Sentinel errors for database operations.
var (
	// ErrNotFound is returned when a requested entity is not found.
	ErrNotFound = errors.New("entity not found")

	// ErrNoteNotFound is returned when a deposited note is not found.
	ErrNoteNotFound = errors.New("note not found")

	// ErrRequestNotFound is returned when a withdrawal request is not found.
	ErrRequestNotFound = errors.New("request not found")

	// ErrClaimReservationNotFound is returned when no reservation exists for
	// a request.
	ErrClaimReservationNotFound = errors.New("claim reservation not found")

	// ErrDuplicateCommitment is returned when a commitment has already been
	// inserted into the note store.
	ErrDuplicateCommitment = errors.New("commitment already exists")

	// ErrNullifierConflict is returned when a nullifier has already been
	// recorded against a different request.
	ErrNullifierConflict = errors.New("nullifier already associated with a request")
)
