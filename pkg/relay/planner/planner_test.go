// Copyright 2025 Certen Protocol

package planner

import (
	"testing"

	"github.com/cloak-protocol/cloak/pkg/apierr"
	"github.com/cloak-protocol/cloak/pkg/commitment"
)

func TestProtocolFee(t *testing.T) {
	cases := []struct {
		amount uint64
		want   uint64
	}{
		{1_000_000_000, 7_500_000}, // 2_500_000 + 5_000_000
		{100_000_000, 3_000_000},   // 2_500_000 + 500_000
		{1_000, 2_500_005},         // floor(1000*5/1000) = 5
	}
	for _, tc := range cases {
		if got := ProtocolFee(tc.amount); got != tc.want {
			t.Errorf("ProtocolFee(%d) = %d, want %d", tc.amount, got, tc.want)
		}
	}
}

func TestFeeBps(t *testing.T) {
	// Scenario A: amount 1_000_000_000 -> fee 7_500_000 -> exactly 75 bps.
	if got := FeeBps(1_000_000_000); got != 75 {
		t.Errorf("FeeBps(1e9) = %d, want 75", got)
	}
	// amount 100_000_000 -> fee 3_000_000 -> exactly 300 bps.
	if got := FeeBps(100_000_000); got != 300 {
		t.Errorf("FeeBps(1e8) = %d, want 300", got)
	}
	if FeeBps(0) != 0 {
		t.Error("FeeBps(0) must not divide by zero")
	}
}

func validRequest() Request {
	amount := uint64(1_000_000_000)
	return Request{
		ProofBytes:     make([]byte, 260),
		Amount:         amount,
		Outputs:        []commitment.Output{{Recipient: [32]byte{0x01}, Amount: amount - ProtocolFee(amount)}},
		DeclaredFeeBps: FeeBps(amount),
	}
}

func kindOf(t *testing.T, err error) apierr.Kind {
	t.Helper()
	apiErr, ok := err.(*apierr.Error)
	if !ok {
		t.Fatalf("expected *apierr.Error, got %T: %v", err, err)
	}
	return apiErr.Kind
}

func TestValidateShape_Accepts(t *testing.T) {
	if err := validateShape(validRequest()); err != nil {
		t.Fatalf("valid request rejected: %v", err)
	}
}

func TestValidateShape_OutputCount(t *testing.T) {
	req := validRequest()
	req.Outputs = nil
	if kindOf(t, validateShape(req)) != apierr.Validation {
		t.Error("zero outputs must be a validation error")
	}

	req = validRequest()
	per := (req.Amount - ProtocolFee(req.Amount)) / 6
	req.Outputs = nil
	for i := 0; i < 6; i++ {
		req.Outputs = append(req.Outputs, commitment.Output{Recipient: [32]byte{byte(i + 1)}, Amount: per})
	}
	if kindOf(t, validateShape(req)) != apierr.Validation {
		t.Error("six outputs must be a validation error")
	}
}

func TestValidateShape_ZeroAmountOutput(t *testing.T) {
	req := validRequest()
	req.Outputs[0].Amount = 0
	if kindOf(t, validateShape(req)) != apierr.Validation {
		t.Error("zero-amount output must be rejected")
	}
}

func TestValidateShape_ZeroRecipient(t *testing.T) {
	req := validRequest()
	req.Outputs[0].Recipient = [32]byte{}
	if kindOf(t, validateShape(req)) != apierr.Validation {
		t.Error("all-zero recipient must be rejected")
	}
}

// Amount 1e9 with outputs summing to 995_000_000 at declared 75 bps:
// conservation fails (the correct single-output sum is 992_500_000).
func TestValidateShape_ConservationFeeMismatch(t *testing.T) {
	req := validRequest()
	req.Outputs = []commitment.Output{{Recipient: [32]byte{0x01}, Amount: 995_000_000}}
	if kindOf(t, validateShape(req)) != apierr.FeeMismatch {
		t.Error("broken conservation must surface as FEE_MISMATCH")
	}
}

func TestValidateShape_DeclaredBpsMismatch(t *testing.T) {
	req := validRequest()
	req.DeclaredFeeBps = 74
	if kindOf(t, validateShape(req)) != apierr.FeeMismatch {
		t.Error("wrong declared bps must surface as FEE_MISMATCH")
	}
}

func TestValidateShape_ProofLength(t *testing.T) {
	req := validRequest()
	req.ProofBytes = make([]byte, 259)
	if kindOf(t, validateShape(req)) != apierr.Validation {
		t.Error("non-260-byte proof must be rejected")
	}
}
