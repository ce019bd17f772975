// Copyright 2025 Certen Protocol
//
// Portable inclusion proofs. A proof can be independently re-verified by
// anyone holding only the leaf, the proof, and a root — no trust in the
// indexer required.

package merkle

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalidProof is returned when a proof fails to fold to the expected root.
var ErrInvalidProof = errors.New("merkle: proof does not verify against root")

// InclusionProof is the fixed-depth membership proof for one leaf.
// PathIndices[l] is the bit of the leaf index at level l: 0 means the leaf's
// ancestor is the left child at that level (PathElements[l] is the right
// sibling), 1 means it is the right child (PathElements[l] is the left
// sibling).
type InclusionProof struct {
	Leaf         Hash
	Root         Hash
	PathElements [Depth]Hash
	PathIndices  [Depth]uint8
}

// Verify recomputes the root from Leaf and the path, and compares it against
// Root using a constant-time comparison.
func (p *InclusionProof) Verify() (bool, error) {
	current := p.Leaf
	for l := 0; l < Depth; l++ {
		switch p.PathIndices[l] {
		case 0:
			current = hashPair(current, p.PathElements[l])
		case 1:
			current = hashPair(p.PathElements[l], current)
		default:
			return false, fmt.Errorf("merkle: path index at level %d must be 0 or 1, got %d", l, p.PathIndices[l])
		}
	}
	return subtle.ConstantTimeCompare(current[:], p.Root[:]) == 1, nil
}

// VerifyAgainst recomputes the root from Leaf and the path and compares it
// against an externally supplied root rather than p.Root. This is how a
// withdrawal proof is checked against a historical root rather than the
// indexer's current one.
func (p *InclusionProof) VerifyAgainst(root Hash) (bool, error) {
	tmp := *p
	tmp.Root = root
	return tmp.Verify()
}

// wireProof is the JSON wire shape:
// { pathElements: hex32[31], pathIndices: 0|1[31], leaf: hex32, root: hex32 }
type wireProof struct {
	PathElements [Depth]string `json:"pathElements"`
	PathIndices  [Depth]int    `json:"pathIndices"`
	Leaf         string        `json:"leaf"`
	Root         string        `json:"root"`
}

// MarshalJSON implements the indexer's wire contract for proofs.
func (p *InclusionProof) MarshalJSON() ([]byte, error) {
	w := wireProof{
		Leaf: p.Leaf.Hex(),
		Root: p.Root.Hex(),
	}
	for i := 0; i < Depth; i++ {
		w.PathElements[i] = p.PathElements[i].Hex()
		w.PathIndices[i] = int(p.PathIndices[i])
	}
	return json.Marshal(w)
}

// UnmarshalJSON parses the indexer's wire contract for proofs.
func (p *InclusionProof) UnmarshalJSON(data []byte) error {
	var w wireProof
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	leaf, err := ParseHash(w.Leaf)
	if err != nil {
		return fmt.Errorf("proof.leaf: %w", err)
	}
	root, err := ParseHash(w.Root)
	if err != nil {
		return fmt.Errorf("proof.root: %w", err)
	}
	p.Leaf = leaf
	p.Root = root
	for i := 0; i < Depth; i++ {
		el, err := ParseHash(w.PathElements[i])
		if err != nil {
			return fmt.Errorf("proof.pathElements[%d]: %w", i, err)
		}
		p.PathElements[i] = el
		if w.PathIndices[i] != 0 && w.PathIndices[i] != 1 {
			return fmt.Errorf("proof.pathIndices[%d]: must be 0 or 1, got %d", i, w.PathIndices[i])
		}
		p.PathIndices[i] = uint8(w.PathIndices[i])
	}
	return nil
}
