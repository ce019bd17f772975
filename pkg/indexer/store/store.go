// Copyright 2025 Certen Protocol
//
// CommitmentStore ties the Merkle accumulator to durable storage: a
// single writer serializes uniqueness-check + tree append + durable
// commit so the tree only ever sees one append at a time.

package store

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cloak-protocol/cloak/pkg/database"
	"github.com/cloak-protocol/cloak/pkg/kvdb"
	"github.com/cloak-protocol/cloak/pkg/merkle"
)

// ErrCommitmentMismatch is returned when the same commitment is
// resubmitted with a different deposit_tx_id.
var ErrCommitmentMismatch = fmt.Errorf("store: commitment already recorded under a different deposit tx")

// CommitmentStore is the indexer's single writer for the commitment set.
// Reads (Root, Proof, GetNotesRange) may run fully concurrently; Append is
// serialized by writeMu.
type CommitmentStore struct {
	writeMu sync.Mutex

	acc   *merkle.Accumulator
	db    *database.Client
	repos *database.Repositories
	kv    *kvdb.KVAdapter

	// poisoned is set when an append succeeded in memory but its durable
	// commit failed: the tree and the leaf log have diverged. All further
	// inserts are refused until an operator restarts the process (Open
	// rebuilds from the leaf log).
	poisoned bool

	logger *log.Logger
}

// ErrStorePoisoned is returned for every insert after a divergence
// between the in-memory tree and the durable leaf log was detected.
var ErrStorePoisoned = fmt.Errorf("store: accumulator diverged from durable leaf log; restart required")

// Open constructs a CommitmentStore, rebuilding the accumulator from the
// notes table. This is the recovery path run at indexer startup.
func Open(ctx context.Context, db *database.Client, kv *kvdb.KVAdapter) (*CommitmentStore, error) {
	repos := database.NewRepositories(db)

	leaves, err := loadAllLeavesOrdered(ctx, db)
	if err != nil {
		return nil, fmt.Errorf("store: failed to load leaves for rebuild: %w", err)
	}

	acc, err := merkle.RebuildFromLeaves(leaves)
	if err != nil {
		return nil, fmt.Errorf("store: failed to rebuild accumulator: %w", err)
	}

	s := &CommitmentStore{
		acc:    acc,
		db:     db,
		repos:  repos,
		kv:     kv,
		logger: log.New(log.Writer(), "[CommitmentStore] ", log.LstdFlags),
	}

	if err := s.verifyAgainstRecordedRoot(ctx); err != nil {
		return nil, err
	}
	if err := s.verifyAgainstFrontierCache(); err != nil {
		return nil, err
	}

	return s, nil
}

// verifyAgainstRecordedRoot compares the rebuilt root with the last root
// the indexer durably recorded. A mismatch means the leaf log and root
// history have diverged; that is fatal and requires operator-supervised
// recovery, never an automatic repair.
func (s *CommitmentStore) verifyAgainstRecordedRoot(ctx context.Context) error {
	if s.acc.NextIndex() == 0 {
		return nil
	}
	window, err := s.repos.Roots.Window(ctx, 1)
	if err != nil {
		return fmt.Errorf("store: failed to load recorded root: %w", err)
	}
	if len(window) == 0 {
		return nil
	}
	latest := window[0]
	if latest.LeafCount != s.acc.NextIndex() {
		return fmt.Errorf("store: recorded root covers %d leaves but the leaf log holds %d", latest.LeafCount, s.acc.NextIndex())
	}
	if latest.Root != s.acc.Root() {
		return fmt.Errorf("store: rebuilt root %s does not match recorded root %s; leaf log is corrupt", s.acc.Root().Hex(), latest.Root.Hex())
	}
	return nil
}

// verifyAgainstFrontierCache cross-checks the rebuilt frontier with the
// KV cache when both describe the same leaf count. A stale cache (crash
// between the database commit and the cache write) is refreshed; a
// same-count mismatch is fatal.
func (s *CommitmentStore) verifyAgainstFrontierCache() error {
	if s.kv == nil {
		return nil
	}
	snap, err := s.kv.LoadFrontier()
	if err != nil {
		return fmt.Errorf("store: failed to load frontier cache: %w", err)
	}
	if snap == nil {
		return s.persistFrontier()
	}
	if len(snap) != 8+merkle.Depth*32 {
		return fmt.Errorf("store: frontier cache is %d bytes, want %d", len(snap), 8+merkle.Depth*32)
	}

	var cachedNext uint64
	for i := 0; i < 8; i++ {
		cachedNext = cachedNext<<8 | uint64(snap[i])
	}
	if cachedNext != s.acc.NextIndex() {
		s.logger.Printf("frontier cache at leaf %d lags leaf log at %d, refreshing", cachedNext, s.acc.NextIndex())
		return s.persistFrontier()
	}

	frontier := s.acc.Frontier()
	for l := 0; l < merkle.Depth; l++ {
		var cached merkle.Hash
		copy(cached[:], snap[8+l*32:8+(l+1)*32])
		if cached != frontier[l] {
			return fmt.Errorf("store: frontier cache diverges from leaf log at level %d", l)
		}
	}
	return nil
}

func loadAllLeavesOrdered(ctx context.Context, db *database.Client) ([]merkle.Hash, error) {
	rows, err := db.QueryContext(ctx, `SELECT commitment FROM notes ORDER BY leaf_index ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var leaves []merkle.Hash
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		h, err := merkle.HashFromBytes(raw)
		if err != nil {
			return nil, err
		}
		leaves = append(leaves, h)
	}
	return leaves, rows.Err()
}

// InsertDeposit is the atomic uniqueness-check + Append + durable-commit
// operation backing POST /api/v1/deposit. Re-posting the same
// (commitment, txID) pair returns the existing leaf index; the same
// commitment under a different tx is rejected.
func (s *CommitmentStore) InsertDeposit(ctx context.Context, commitment merkle.Hash, encryptedOutput []byte, txID string, slot uint64) (leafIndex uint64, root merkle.Hash, err error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.poisoned {
		return 0, merkle.Hash{}, ErrStorePoisoned
	}

	existing, err := s.repos.Notes.FindByCommitment(ctx, commitment)
	if err != nil && err != database.ErrNoteNotFound {
		return 0, merkle.Hash{}, fmt.Errorf("store: lookup existing commitment: %w", err)
	}
	if err == nil {
		if existing.DepositTxID != txID {
			return 0, merkle.Hash{}, ErrCommitmentMismatch
		}
		return existing.LeafIndex, s.acc.Root(), nil
	}

	idx, newRoot, err := s.acc.Append(commitment)
	if err != nil {
		return 0, merkle.Hash{}, err
	}

	// Past this point the in-memory tree has the leaf. Any durable-commit
	// failure leaves tree and leaf log divergent, so it poisons the store
	// rather than pretending the append rolled back.
	tx, err := s.db.BeginTx(ctx)
	if err != nil {
		return 0, merkle.Hash{}, s.poison(idx, fmt.Errorf("store: begin tx: %w", err))
	}
	defer tx.Rollback()

	note := &database.Note{
		LeafIndex:       idx,
		Commitment:      commitment,
		EncryptedOutput: encryptedOutput,
		DepositTxID:     txID,
		DepositSlot:     slot,
		InsertedAt:      time.Now(),
	}
	if err := s.repos.Notes.InsertNote(ctx, tx, note); err != nil {
		return 0, merkle.Hash{}, s.poison(idx, fmt.Errorf("store: insert note: %w", err))
	}
	if err := s.repos.Roots.RecordRoot(ctx, tx, newRoot, idx+1); err != nil {
		return 0, merkle.Hash{}, s.poison(idx, fmt.Errorf("store: record root: %w", err))
	}
	if err := tx.Commit(); err != nil {
		return 0, merkle.Hash{}, s.poison(idx, fmt.Errorf("store: commit: %w", err))
	}

	if s.kv != nil {
		if ferr := s.persistFrontier(); ferr != nil {
			s.logger.Printf("warning: failed to persist frontier after leaf %d: %v", idx, ferr)
		}
	}

	return idx, newRoot, nil
}

// poison records a divergence after leaf idx was appended in memory and
// returns the original cause. Caller must hold writeMu.
func (s *CommitmentStore) poison(idx uint64, cause error) error {
	s.poisoned = true
	s.logger.Printf("FATAL: leaf %d appended in memory but not durably committed: %v", idx, cause)
	return cause
}

// Root returns the accumulator's current root.
func (s *CommitmentStore) Root() merkle.Hash { return s.acc.Root() }

// NextIndex returns the next index Append will assign.
func (s *CommitmentStore) NextIndex() uint64 { return s.acc.NextIndex() }

// KnowsRoot reports whether r is within the historical root window.
func (s *CommitmentStore) KnowsRoot(r merkle.Hash) bool { return s.acc.KnowsRoot(r) }

// Proof returns the inclusion proof for leaf i.
func (s *CommitmentStore) Proof(i uint64) (*merkle.InclusionProof, error) {
	return s.acc.Proof(i)
}

// GetNotesRange serves the encrypted-note range scan.
func (s *CommitmentStore) GetNotesRange(ctx context.Context, start, end uint64, limit int) ([]*database.Note, uint64, error) {
	return s.repos.Notes.GetNotesRange(ctx, start, end, limit)
}

// GetLeafMetadata serves get_leaf_metadata.
func (s *CommitmentStore) GetLeafMetadata(ctx context.Context, leafIndex uint64) (*database.Note, error) {
	note, err := s.repos.Notes.GetLeafMetadata(ctx, leafIndex)
	if err == database.ErrNoteNotFound {
		return nil, merkle.ErrLeafOutOfRange
	}
	return note, err
}

// persistFrontier serializes the accumulator's frontier array and hands
// it to the KV cache.
func (s *CommitmentStore) persistFrontier() error {
	frontier := s.acc.Frontier()
	buf := make([]byte, 0, len(frontier)*32+8)
	nextIdx := s.acc.NextIndex()
	buf = appendUint64(buf, nextIdx)
	for _, h := range frontier {
		buf = append(buf, h.Bytes()...)
	}
	return s.kv.SaveFrontier(buf)
}

func appendUint64(buf []byte, v uint64) []byte {
	for i := 0; i < 8; i++ {
		buf = append(buf, byte(v>>(56-8*i)))
	}
	return buf
}
