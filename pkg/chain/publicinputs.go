// Copyright 2025 Certen Protocol
//
// Public-input encoding for the withdrawal circuit. A Groth16 proof
// verifies against public inputs that are scalar-field elements, not raw
// 32-byte digests: each hash must first be reduced modulo the curve's
// scalar field order. This file does that reduction for the four public
// inputs (root, nullifier, outputs_hash, amount) so the relay builds the
// same public-input vector the on-chain verifier expects.

package chain

import (
	"encoding/binary"
	"fmt"

	"github.com/consensys/gnark-crypto/ecc/bls12-381/fr"

	"github.com/cloak-protocol/cloak/pkg/merkle"
)

// PublicInputs is the withdrawal circuit's public input tuple.
type PublicInputs struct {
	Root        merkle.Hash
	Nullifier   merkle.Hash
	OutputsHash merkle.Hash
	Amount      uint64
}

// fieldElementSize is the canonical byte width of a BLS12-381 scalar field
// element, as returned by fr.Element.Bytes().
const fieldElementSize = fr.Bytes

// amountSize is the plain big-endian width reserved for the amount; unlike
// the three hash inputs it is already well within the scalar field and
// needs no reduction.
const amountSize = 8

// Encode reduces each hash field of pi modulo the BLS12-381 scalar field
// order and concatenates the canonical big-endian representations, in the
// fixed order (root, nullifier, outputsHash, amount). This is the
// public_inputs_bytes the relay attaches to a withdrawal transaction.
func (pi PublicInputs) Encode() []byte {
	out := make([]byte, 0, fieldElementSize*3+amountSize)
	out = append(out, reduceToField(pi.Root[:])...)
	out = append(out, reduceToField(pi.Nullifier[:])...)
	out = append(out, reduceToField(pi.OutputsHash[:])...)

	var amountBuf [amountSize]byte
	binary.BigEndian.PutUint64(amountBuf[:], pi.Amount)
	out = append(out, amountBuf[:]...)

	return out
}

// DecodePublicInputs parses the fixed-width public-input encoding produced
// by Encode. It does not recover the original 32-byte hashes (the field
// reduction is lossy by construction) — callers that need the original
// digest compare against the request's stored Root/Nullifier/OutputsHash
// directly rather than round-tripping through the field encoding.
func DecodePublicInputs(data []byte) (root, nullifier, outputsHash fr.Element, amount uint64, err error) {
	want := fieldElementSize*3 + amountSize
	if len(data) != want {
		return fr.Element{}, fr.Element{}, fr.Element{}, 0, fmt.Errorf("chain: public inputs must be %d bytes, got %d", want, len(data))
	}

	root.SetBytes(data[0*fieldElementSize : 1*fieldElementSize])
	nullifier.SetBytes(data[1*fieldElementSize : 2*fieldElementSize])
	outputsHash.SetBytes(data[2*fieldElementSize : 3*fieldElementSize])
	amount = binary.BigEndian.Uint64(data[3*fieldElementSize:])

	return root, nullifier, outputsHash, amount, nil
}

// reduceToField reduces a 32-byte digest modulo the scalar field order and
// returns its canonical fixed-width big-endian encoding.
func reduceToField(digest []byte) []byte {
	var e fr.Element
	e.SetBytes(digest)
	b := e.Bytes()
	return b[:]
}
