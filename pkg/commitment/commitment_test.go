// Copyright 2025 Certen Protocol

package commitment

import (
	"testing"

	"github.com/cloak-protocol/cloak/pkg/merkle"
)

func TestDerive_Deterministic(t *testing.T) {
	r := []byte("randomness-0123456789abcdef")
	pk := []byte("pk-spend-material")

	c1 := Derive(1_000_000_000, r, pk)
	c2 := Derive(1_000_000_000, r, pk)
	if c1 != c2 {
		t.Fatal("same pre-image must produce the same commitment")
	}

	if Derive(1_000_000_001, r, pk) == c1 {
		t.Fatal("changing the amount must change the commitment")
	}
	if Derive(1_000_000_000, []byte("other"), pk) == c1 {
		t.Fatal("changing r must change the commitment")
	}
}

func TestBatchHash_Deterministic(t *testing.T) {
	nullifier := merkle.HashData([]byte("nf"))
	outputs := []Output{
		{Recipient: [32]byte{0x01}, Amount: 500},
		{Recipient: [32]byte{0x02}, Amount: 300},
	}

	h1 := BatchHash(outputs, nullifier)
	h2 := BatchHash(outputs, nullifier)
	if h1 != h2 {
		t.Fatal("batch hash must be deterministic for identical requests")
	}
}

func TestBatchHash_SensitiveToOrderAndNullifier(t *testing.T) {
	nullifier := merkle.HashData([]byte("nf"))
	a := Output{Recipient: [32]byte{0x01}, Amount: 500}
	b := Output{Recipient: [32]byte{0x02}, Amount: 300}

	forward := BatchHash([]Output{a, b}, nullifier)
	reversed := BatchHash([]Output{b, a}, nullifier)
	if forward == reversed {
		t.Fatal("output order is part of the canonical encoding")
	}

	otherNf := BatchHash([]Output{a, b}, merkle.HashData([]byte("nf2")))
	if forward == otherNf {
		t.Fatal("nullifier is part of the pre-image")
	}
}

func TestBatchHash_DomainSeparatedFromPlainDigest(t *testing.T) {
	// A batch hash over empty outputs must not collide with a plain BLAKE3
	// digest of the bare nullifier bytes.
	nf := merkle.HashData([]byte("x"))
	if BatchHash(nil, nf) == merkle.HashData(nf[:]) {
		t.Fatal("batch hash must be domain separated from plain digests")
	}
}
