// Copyright 2025 Certen Protocol

package kvdb

import (
	"bytes"
	"testing"

	dbm "github.com/cometbft/cometbft-db"
)

func TestSaveLoadFrontier(t *testing.T) {
	a := NewKVAdapter(dbm.NewMemDB())
	defer a.Close()

	loaded, err := a.LoadFrontier()
	if err != nil {
		t.Fatal(err)
	}
	if loaded != nil {
		t.Fatal("fresh store should have no frontier")
	}

	serialized := bytes.Repeat([]byte{0xab}, 8+31*32)
	if err := a.SaveFrontier(serialized); err != nil {
		t.Fatal(err)
	}

	loaded, err = a.LoadFrontier()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(loaded, serialized) {
		t.Fatal("frontier did not round-trip")
	}

	// Overwrite wins.
	second := bytes.Repeat([]byte{0xcd}, 8+31*32)
	if err := a.SaveFrontier(second); err != nil {
		t.Fatal(err)
	}
	loaded, err = a.LoadFrontier()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(loaded, second) {
		t.Fatal("second save should overwrite the first")
	}
}

func TestNilBackingDBIsNoop(t *testing.T) {
	a := NewKVAdapter(nil)
	if err := a.SaveFrontier([]byte{1}); err != nil {
		t.Fatal(err)
	}
	v, err := a.LoadFrontier()
	if err != nil || v != nil {
		t.Fatalf("nil-backed adapter should no-op, got %v / %v", v, err)
	}
	if err := a.Close(); err != nil {
		t.Fatal(err)
	}
}
