// Copyright 2025 Certen Protocol
//
// Hash primitives for the Cloak Merkle accumulator.
// All tree nodes and commitments are 32-byte BLAKE3 digests.

package merkle

import (
	"encoding/hex"
	"fmt"

	"lukechampine.com/blake3"
)

// Depth is the fixed height of the accumulator. 2^Depth leaves can be
// appended before the tree is exhausted.
const Depth = 31

// Hash is an opaque 32-byte node or leaf digest. Comparisons and hashing are
// always done byte-wise; never compare the hex form.
type Hash [32]byte

// ZeroHash is the empty hash, used only as a sentinel return value.
var ZeroHash Hash

// Hex returns the lowercase hex encoding of h.
func (h Hash) Hex() string {
	return hex.EncodeToString(h[:])
}

// String implements fmt.Stringer.
func (h Hash) String() string {
	return h.Hex()
}

// IsZero reports whether h is the all-zero sentinel.
func (h Hash) IsZero() bool {
	return h == ZeroHash
}

// Bytes returns a copy of the underlying 32 bytes.
func (h Hash) Bytes() []byte {
	out := make([]byte, 32)
	copy(out, h[:])
	return out
}

// ParseHash decodes a 64-character hex string into a Hash.
func ParseHash(s string) (Hash, error) {
	var h Hash
	if len(s) != 64 {
		return h, fmt.Errorf("merkle: hash must be 32 bytes (64 hex chars), got %d chars", len(s))
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("merkle: invalid hex: %w", err)
	}
	copy(h[:], b)
	return h, nil
}

// HashFromBytes copies b (which must be exactly 32 bytes) into a Hash.
func HashFromBytes(b []byte) (Hash, error) {
	var h Hash
	if len(b) != 32 {
		return h, fmt.Errorf("merkle: hash must be 32 bytes, got %d", len(b))
	}
	copy(h[:], b)
	return h, nil
}

// hashPair computes BLAKE3(left || right), the canonical interior-node
// compression function for the accumulator.
func hashPair(left, right Hash) Hash {
	h := blake3.New(32, nil)
	h.Write(left[:])
	h.Write(right[:])
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

// HashData returns the BLAKE3 digest of arbitrary data.
func HashData(data []byte) Hash {
	h := blake3.New(32, nil)
	h.Write(data)
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

// zeroHashChain is the precomputed "empty subtree" hash at every level:
//
//	zeroHashChain[0] = BLAKE3(empty)
//	zeroHashChain[l] = BLAKE3(zeroHashChain[l-1] || zeroHashChain[l-1])
//
// It must match bit-for-bit what the on-chain verifier recomputes; a single
// divergent byte silently breaks every proof issued against an empty
// subtree, so it is computed once here and never anywhere else.
var zeroHashChain [Depth + 1]Hash

func init() {
	zeroHashChain[0] = HashData(nil)
	for l := 1; l <= Depth; l++ {
		zeroHashChain[l] = hashPair(zeroHashChain[l-1], zeroHashChain[l-1])
	}
}

// ZeroHashAt returns the precomputed empty-subtree hash at level l.
func ZeroHashAt(l int) Hash {
	return zeroHashChain[l]
}
