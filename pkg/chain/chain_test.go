// Copyright 2025 Certen Protocol

package chain

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/cloak-protocol/cloak/pkg/apierr"
	"github.com/cloak-protocol/cloak/pkg/merkle"
)

func TestClassifyError(t *testing.T) {
	cases := []struct {
		err  error
		want apierr.Kind
	}{
		{ErrStaleAnchor, apierr.ChainRPCTimeout},
		{ErrRPCTimeout, apierr.ChainRPCTimeout},
		{fmt.Errorf("wrapped: %w", ErrRPCTimeout), apierr.ChainRPCTimeout},
		{ErrInvalidProof, apierr.ChainSubmitRejected},
		{ErrNullifierAlreadyUsed, apierr.ChainSubmitRejected},
		{errors.New("rpc: context deadline exceeded"), apierr.ChainRPCTimeout},
		{errors.New("execution reverted"), apierr.ChainSubmitRejected},
	}
	for _, tc := range cases {
		if got := ClassifyError(tc.err); got != tc.want {
			t.Errorf("ClassifyError(%v) = %s, want %s", tc.err, got, tc.want)
		}
	}
}

func TestAlreadySucceeded(t *testing.T) {
	if !AlreadySucceeded(ErrNullifierAlreadyUsed) {
		t.Error("sentinel should be recognized")
	}
	if !AlreadySucceeded(errors.New("program error: NullifierAlreadyUsed")) {
		t.Error("node error text should be recognized")
	}
	if AlreadySucceeded(errors.New("InvalidProof")) {
		t.Error("unrelated error misclassified")
	}
}

func TestBackoffSchedule(t *testing.T) {
	if BackoffSchedule(0) != time.Second {
		t.Errorf("attempt 0 = %s, want 1s", BackoffSchedule(0))
	}
	if BackoffSchedule(3) != 8*time.Second {
		t.Errorf("attempt 3 = %s, want 8s", BackoffSchedule(3))
	}
	for _, attempt := range []int{6, 7, 50} {
		if BackoffSchedule(attempt) != 60*time.Second {
			t.Errorf("attempt %d = %s, want capped 60s", attempt, BackoffSchedule(attempt))
		}
	}
	if BackoffSchedule(-1) != time.Second {
		t.Errorf("negative attempt should clamp to the base delay")
	}
}

func TestPublicInputs_EncodeIsFixedWidthAndDeterministic(t *testing.T) {
	pi := PublicInputs{
		Root:        merkle.HashData([]byte("root")),
		Nullifier:   merkle.HashData([]byte("nf")),
		OutputsHash: merkle.HashData([]byte("outputs")),
		Amount:      1_000_000_000,
	}

	b1 := pi.Encode()
	b2 := pi.Encode()
	if want := fieldElementSize*3 + amountSize; len(b1) != want {
		t.Fatalf("encoded length = %d, want %d", len(b1), want)
	}
	if string(b1) != string(b2) {
		t.Fatal("encoding must be deterministic")
	}

	root, nf, outs, amount, err := DecodePublicInputs(b1)
	if err != nil {
		t.Fatal(err)
	}
	if amount != pi.Amount {
		t.Fatalf("amount = %d, want %d", amount, pi.Amount)
	}

	// Re-encoding the decoded field elements must reproduce the bytes.
	rb, nb, ob := root.Bytes(), nf.Bytes(), outs.Bytes()
	if string(rb[:]) != string(b1[:fieldElementSize]) ||
		string(nb[:]) != string(b1[fieldElementSize:2*fieldElementSize]) ||
		string(ob[:]) != string(b1[2*fieldElementSize:3*fieldElementSize]) {
		t.Fatal("decoded field elements do not round-trip")
	}
}

func TestDecodePublicInputs_RejectsWrongLength(t *testing.T) {
	if _, _, _, _, err := DecodePublicInputs(make([]byte, 17)); err == nil {
		t.Fatal("expected length error")
	}
}

func TestFake_AtMostOncePerNullifier(t *testing.T) {
	f := NewFake()
	ctx := context.Background()

	ix := WithdrawInstruction{
		Nullifier: merkle.HashData([]byte("spend-once")),
		Amount:    100,
	}

	res, err := f.SubmitWithdraw(ctx, ix)
	if err != nil {
		t.Fatal(err)
	}
	if res.Signature == "" {
		t.Fatal("first submission must return a signature")
	}

	if _, err := f.SubmitWithdraw(ctx, ix); !errors.Is(err, ErrNullifierAlreadyUsed) {
		t.Fatalf("second submission = %v, want ErrNullifierAlreadyUsed", err)
	}

	sig, ok, err := f.FindSignatureForNullifier(ctx, ix.Nullifier)
	if err != nil || !ok {
		t.Fatalf("signature recovery failed: ok=%v err=%v", ok, err)
	}
	if sig != res.Signature {
		t.Fatalf("recovered signature %s, want %s", sig, res.Signature)
	}

	conf, err := f.ConfirmSignature(ctx, sig)
	if err != nil {
		t.Fatal(err)
	}
	if conf.Status != StatusFinalized {
		t.Fatalf("confirmation status = %d, want finalized", conf.Status)
	}
}

func TestFake_SubmitErrIsOneShot(t *testing.T) {
	f := NewFake()
	ctx := context.Background()
	f.SubmitErr = ErrRPCTimeout

	ix := WithdrawInstruction{Nullifier: merkle.HashData([]byte("transient"))}
	if _, err := f.SubmitWithdraw(ctx, ix); !errors.Is(err, ErrRPCTimeout) {
		t.Fatalf("injected error not returned: %v", err)
	}
	if _, err := f.SubmitWithdraw(ctx, ix); err != nil {
		t.Fatalf("retry after transient error should succeed, got %v", err)
	}
}
