// Copyright 2025 Certen Protocol
//
// Canonical commitment, nullifier and batch-hash derivation for Cloak.
// Every digest the protocol exchanges with the chain is an opaque 32-byte
// BLAKE3 hash; this package is the single place that turns typed request
// fields into those digests so every caller agrees on the pre-image layout.

package commitment

import (
	"encoding/binary"

	"github.com/cloak-protocol/cloak/pkg/merkle"
	"lukechampine.com/blake3"
)

// Domain separation tags: every hash family in the protocol is tied to a
// fixed, versioned context string so digests from different families can
// never collide.
const (
	DomainCommitment = "cloak/commitment/v1"
	DomainNullifier  = "cloak/nullifier/v1"
	DomainBatchHash  = "cloak/batch-hash/v1"
)

// Commitment is the opaque, client-produced hash binding (amount, r,
// pk_spend) that the indexer treats as an uninterpreted key.
type Commitment = merkle.Hash

// Derive computes the note commitment H(domain || amount || r || pkSpend).
// amount is encoded big-endian over 8 bytes; r and pkSpend are opaque byte
// strings supplied by the client and passed through unchanged.
func Derive(amount uint64, r, pkSpend []byte) Commitment {
	var amountBuf [8]byte
	binary.BigEndian.PutUint64(amountBuf[:], amount)

	h := blake3.New(32, nil)
	h.Write([]byte(DomainCommitment))
	h.Write(amountBuf[:])
	h.Write(r)
	h.Write(pkSpend)

	var out Commitment
	copy(out[:], h.Sum(nil))
	return out
}

// Output is one (recipient, amount) pair of a withdrawal, in the exact
// order it will be canonically encoded for the batch-hash pre-image.
type Output struct {
	Recipient [32]byte
	Amount    uint64
}

// canonicalOutputsEncoding is the deterministic byte encoding of a withdrawal's
// outputs used as part of the batch_hash pre-image: each output is
// recipient (32B) || amount (8B big-endian), concatenated in request order.
//
// The true pre-image must be confirmed against the on-chain program
// before this code goes anywhere near mainnet funds (see DESIGN.md,
// "Open Question decisions").
func canonicalOutputsEncoding(outputs []Output) []byte {
	buf := make([]byte, 0, len(outputs)*40)
	for _, o := range outputs {
		buf = append(buf, o.Recipient[:]...)
		var amt [8]byte
		binary.BigEndian.PutUint64(amt[:], o.Amount)
		buf = append(buf, amt[:]...)
	}
	return buf
}

// BatchHash computes the deterministic content key joining a withdrawal
// request to a miner's PoW claim: H(domain || outputs_canonical || nullifier).
func BatchHash(outputs []Output, nullifier merkle.Hash) merkle.Hash {
	h := blake3.New(32, nil)
	h.Write([]byte(DomainBatchHash))
	h.Write(canonicalOutputsEncoding(outputs))
	h.Write(nullifier[:])

	var out merkle.Hash
	copy(out[:], h.Sum(nil))
	return out
}
