// Copyright 2025 Certen Protocol
//
// Integration tests against a live Postgres, skipped when DATABASE_URL
// is not set so the suite runs without infrastructure.

package store

import (
	"context"
	"crypto/rand"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/cloak-protocol/cloak/pkg/config"
	"github.com/cloak-protocol/cloak/pkg/database"
	"github.com/cloak-protocol/cloak/pkg/merkle"
)

func openTestStore(t *testing.T) *CommitmentStore {
	t.Helper()
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("DATABASE_URL not set; skipping store integration test")
	}

	cfg := &config.Config{
		DatabaseURL:         url,
		DatabaseMaxConns:    5,
		DatabaseMinConns:    1,
		DatabaseMaxIdleTime: time.Minute,
		DatabaseMaxLifetime: 10 * time.Minute,
	}
	client, err := database.NewClient(cfg)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { client.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := client.MigrateUp(ctx); err != nil {
		t.Fatal(err)
	}

	cs, err := Open(ctx, client, nil)
	if err != nil {
		t.Fatal(err)
	}
	return cs
}

func randomCommitment(t *testing.T) merkle.Hash {
	t.Helper()
	var h merkle.Hash
	if _, err := rand.Read(h[:]); err != nil {
		t.Fatal(err)
	}
	return h
}

// TestInsertDeposit_DuplicateHandling covers the clean deposit path, the
// idempotent re-post, and the same-commitment/different-tx rejection.
func TestInsertDeposit_DuplicateHandling(t *testing.T) {
	cs := openTestStore(t)
	ctx := context.Background()

	c1 := randomCommitment(t)
	txID := fmt.Sprintf("tx-%s", c1.Hex()[:16])

	idx, root, err := cs.InsertDeposit(ctx, c1, []byte{0x00}, txID, 42)
	if err != nil {
		t.Fatal(err)
	}
	if root != cs.Root() {
		t.Fatal("returned root must match the live accumulator root")
	}

	// Idempotent re-post of the identical (commitment, tx) pair.
	idx2, _, err := cs.InsertDeposit(ctx, c1, []byte{0x00}, txID, 42)
	if err != nil {
		t.Fatalf("idempotent re-post failed: %v", err)
	}
	if idx2 != idx {
		t.Fatalf("re-post returned leaf %d, want original %d", idx2, idx)
	}
	if cs.NextIndex() != idx+1 {
		t.Fatal("re-post must not create a new leaf")
	}

	// Scenario B: same commitment under a different tx signature.
	if _, _, err := cs.InsertDeposit(ctx, c1, []byte{0x00}, "some-other-tx", 43); err != ErrCommitmentMismatch {
		t.Fatalf("expected ErrCommitmentMismatch, got %v", err)
	}

	// The proof for the new leaf folds to the current root.
	proof, err := cs.Proof(idx)
	if err != nil {
		t.Fatal(err)
	}
	ok, err := proof.VerifyAgainst(cs.Root())
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("proof for deposited leaf must verify against the current root")
	}
}

func TestGetNotesRange_ReturnsEncryptedOutput(t *testing.T) {
	cs := openTestStore(t)
	ctx := context.Background()

	c := randomCommitment(t)
	payload := []byte("opaque-encrypted-note-blob")
	idx, _, err := cs.InsertDeposit(ctx, c, payload, "tx-"+c.Hex()[:16], 7)
	if err != nil {
		t.Fatal(err)
	}

	notes, nextStart, err := cs.GetNotesRange(ctx, idx, idx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(notes) != 1 {
		t.Fatalf("got %d notes, want 1", len(notes))
	}
	if string(notes[0].EncryptedOutput) != string(payload) {
		t.Fatal("encrypted output must round-trip unmodified")
	}
	if nextStart != idx+1 {
		t.Fatalf("nextStart = %d, want %d", nextStart, idx+1)
	}

	meta, err := cs.GetLeafMetadata(ctx, idx)
	if err != nil {
		t.Fatal(err)
	}
	if meta.Commitment != c || meta.DepositSlot != 7 {
		t.Fatal("leaf metadata mismatch")
	}
}
