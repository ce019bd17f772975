// Copyright 2025 Certen Protocol
//
// Append-only Merkle accumulator for the Cloak commitment set.
//
// The tree has a fixed depth of 31 levels. Leaves are appended in order
// starting from index 0; the occupied set is always the dense prefix
// [0, nextIndex). Interior nodes are never recomputed from scratch — the
// frontier (the rightmost node at each level along the path of the last
// insert) is carried forward so that Append runs in O(depth) time.

package merkle

import (
	"errors"
	"fmt"
	"sync"
)

var (
	ErrTreeFull       = errors.New("merkle: accumulator exhausted (2^31 leaves inserted)")
	ErrLeafOutOfRange = errors.New("merkle: leaf index out of range")
)

// maxLeaves is 2^Depth.
const maxLeaves = uint64(1) << Depth

// HistoricalRootWindow is the number of most-recent roots retained in
// the ring buffer. Must match the on-chain ring's capacity.
const HistoricalRootWindow = 64

// Accumulator is the depth-31 append-only Merkle tree described above. The
// zero value is not usable; construct with NewAccumulator.
type Accumulator struct {
	mu sync.RWMutex

	nextIndex uint64
	frontier  [Depth]Hash // frontier[l] = rightmost left-pending node at level l
	root      Hash

	// history is a ring of the last HistoricalRootWindow-1 prior roots,
	// newest first. Root() + history together cover the full window.
	history []Hash

	// leaves holds every inserted leaf so proofs can be regenerated for any
	// past index.
	leaves []Hash

	// levels[l] holds every *finalized* node at level l, in left-to-right
	// position order. A node is finalized the moment both of its children
	// are known; until then its position is implicitly a zero-hash to any
	// proof that needs it as a sibling.
	levels [Depth + 1][]Hash
}

// NewAccumulator returns an empty depth-31 accumulator whose root is
// ZeroHashAt(Depth).
func NewAccumulator() *Accumulator {
	a := &Accumulator{root: ZeroHashAt(Depth)}
	for l := 0; l < Depth; l++ {
		a.frontier[l] = ZeroHashAt(l)
	}
	return a
}

// NextIndex returns the index the next Append call will assign.
func (a *Accumulator) NextIndex() uint64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.nextIndex
}

// Root returns the current root.
func (a *Accumulator) Root() Hash {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.root
}

// HistoricalRoots returns the last K roots, newest first, including the
// current root as element 0.
func (a *Accumulator) HistoricalRoots() []Hash {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]Hash, 0, len(a.history)+1)
	out = append(out, a.root)
	out = append(out, a.history...)
	if len(out) > HistoricalRootWindow {
		out = out[:HistoricalRootWindow]
	}
	return out
}

// KnowsRoot reports whether r is within the historical root window.
func (a *Accumulator) KnowsRoot(r Hash) bool {
	for _, known := range a.HistoricalRoots() {
		if known == r {
			return true
		}
	}
	return false
}

// Append inserts leaf as the next commitment, advancing nextIndex by one,
// and returns the assigned leaf index and the new root. Append is the
// tree's single writer operation; callers that need atomicity with a
// durable store must hold their own higher-level lock around the pair of
// operations (see pkg/indexer/store.CommitmentStore).
func (a *Accumulator) Append(leaf Hash) (leafIndex uint64, newRoot Hash, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.nextIndex >= maxLeaves {
		return 0, Hash{}, ErrTreeFull
	}

	idx := a.nextIndex
	a.leaves = append(a.leaves, leaf)
	a.levels[0] = append(a.levels[0], leaf)

	current := leaf
	currentIndex := idx
	finalized := true // whether `current` is a real, storable node (vs. a
	// tentative value folded against a still-empty right subtree)

	for l := 0; l < Depth; l++ {
		if currentIndex%2 == 0 {
			// Right subtree at this level is still empty. This leaf's
			// ancestor becomes the new left-pending frontier node; the
			// parent computed from here up assumes a zero right sibling
			// until a later insert completes the pair for real.
			a.frontier[l] = current
			current = hashPair(current, ZeroHashAt(l))
			finalized = false
		} else {
			left := a.frontier[l]
			current = hashPair(left, current)
			if finalized {
				a.levels[l+1] = append(a.levels[l+1], current)
			}
		}
		currentIndex /= 2
	}

	a.history = append([]Hash{a.root}, a.history...)
	if len(a.history) > HistoricalRootWindow-1 {
		a.history = a.history[:HistoricalRootWindow-1]
	}

	a.root = current
	a.nextIndex++
	return idx, a.root, nil
}

// Proof returns the inclusion proof for leaf i against the current root.
func (a *Accumulator) Proof(i uint64) (*InclusionProof, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if i >= a.nextIndex {
		return nil, fmt.Errorf("%w: %d (next=%d)", ErrLeafOutOfRange, i, a.nextIndex)
	}

	proof := &InclusionProof{
		Leaf: a.leaves[i],
		Root: a.root,
	}

	idx := i
	for l := 0; l < Depth; l++ {
		bit := idx & 1
		var siblingIdx uint64
		if bit == 0 {
			siblingIdx = idx + 1
		} else {
			siblingIdx = idx - 1
		}

		proof.PathElements[l] = a.nodeAt(l, siblingIdx)
		proof.PathIndices[l] = uint8(bit)
		idx >>= 1
	}

	return proof, nil
}

// nodeAt returns the effective hash of the node at (level, pos): a
// finalized stored node, a zero-hash for a still-empty subtree, or — along
// the right frontier — the hash of a partially filled subtree, recomputed
// on the fly with zero-hash padding. At most one child per level is
// partial, so the recursion costs O(Depth) total. Caller must hold mu.
func (a *Accumulator) nodeAt(level int, pos uint64) Hash {
	start := pos << uint(level)
	if start >= a.nextIndex {
		return ZeroHashAt(level)
	}
	if end := start + (uint64(1) << uint(level)); end <= a.nextIndex {
		return a.levels[level][pos]
	}
	return hashPair(a.nodeAt(level-1, 2*pos), a.nodeAt(level-1, 2*pos+1))
}

// GetLeaf returns the leaf hash stored at index i.
func (a *Accumulator) GetLeaf(i uint64) (Hash, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if i >= a.nextIndex {
		return Hash{}, fmt.Errorf("%w: %d (next=%d)", ErrLeafOutOfRange, i, a.nextIndex)
	}
	return a.leaves[i], nil
}

// Frontier returns a copy of the current frontier array for persistence by
// the caller (see pkg/kvdb).
func (a *Accumulator) Frontier() [Depth]Hash {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.frontier
}

// RebuildFromLeaves reconstructs an accumulator by replaying every leaf
// in order through Append. Interior nodes are derived data, so this is
// the recovery path the commitment store uses at startup.
func RebuildFromLeaves(leaves []Hash) (*Accumulator, error) {
	a := NewAccumulator()
	for i, leaf := range leaves {
		idx, _, err := a.Append(leaf)
		if err != nil {
			return nil, fmt.Errorf("merkle: rebuild failed at leaf %d: %w", i, err)
		}
		if idx != uint64(i) {
			return nil, fmt.Errorf("merkle: rebuild produced index %d for leaf position %d", idx, i)
		}
	}
	return a, nil
}
