// Copyright 2025 Certen Protocol
//
// State machine integration tests against a live Postgres plus the
// in-memory chain fake, skipped when DATABASE_URL is not set — the same
// pattern pkg/indexer/store uses. The chain side is always faked: these
// tests pin down the relay's transition and recovery behavior, not the
// ledger's.

package worker

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/cloak-protocol/cloak/pkg/chain"
	"github.com/cloak-protocol/cloak/pkg/commitment"
	"github.com/cloak-protocol/cloak/pkg/config"
	"github.com/cloak-protocol/cloak/pkg/database"
	"github.com/cloak-protocol/cloak/pkg/merkle"
	"github.com/cloak-protocol/cloak/pkg/relay/claimfinder"
	"github.com/cloak-protocol/cloak/pkg/relay/server"
)

type harness struct {
	repos *database.Repositories
	fake  *chain.Fake
}

func openHarness(t *testing.T) *harness {
	t.Helper()
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("DATABASE_URL not set; skipping worker integration test")
	}

	cfg := &config.Config{
		DatabaseURL:         url,
		DatabaseMaxConns:    5,
		DatabaseMinConns:    1,
		DatabaseMaxIdleTime: time.Minute,
		DatabaseMaxLifetime: 10 * time.Minute,
	}
	client, err := database.NewClient(cfg)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { client.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := client.MigrateUp(ctx); err != nil {
		t.Fatal(err)
	}

	return &harness{repos: database.NewRepositories(client), fake: chain.NewFake()}
}

func (h *harness) newMachine(claimRetryMaxTries int) *Machine {
	finder := claimfinder.New(h.fake, 2)
	return New(h.repos.Requests, h.repos.Claims, h.fake, finder,
		FeeAccounts{ProtocolFeeSink: [32]byte{0xfe}, RelayFeeBps: 0},
		5*time.Minute, claimRetryMaxTries)
}

func (h *harness) createRequest(t *testing.T) *database.Request {
	t.Helper()
	var nullifier merkle.Hash
	if _, err := rand.Read(nullifier[:]); err != nil {
		t.Fatal(err)
	}

	row := &database.Request{
		ClientNullifier: nullifier,
		ProofBytes:      make([]byte, 260),
		Root:            merkle.HashData([]byte("root")),
		OutputsHash:     merkle.HashData([]byte("outputs")),
		Amount:          1_000_000_000,
		DeclaredFeeBps:  75,
		BodyHash:        merkle.HashData(nullifier[:]),
		Outputs: []database.RequestOutput{
			{Recipient: [32]byte{0x01}, Amount: 992_500_000},
		},
	}
	if err := h.repos.Requests.CreateRequest(context.Background(), row); err != nil {
		t.Fatal(err)
	}
	return row
}

func (h *harness) publishClaimFor(req *database.Request) chain.ClaimAccount {
	outputs := make([]commitment.Output, len(req.Outputs))
	for i, o := range req.Outputs {
		outputs[i] = commitment.Output{Recipient: o.Recipient, Amount: o.Amount}
	}
	claim := chain.ClaimAccount{
		Address:        [32]byte{0x42},
		BatchHash:      commitment.BatchHash(outputs, req.ClientNullifier),
		MinerAuthority: [32]byte{0x43},
		ExpirySlot:     10_000,
		Status:         chain.ClaimRevealed,
	}
	h.fake.PublishClaim(claim)
	return claim
}

// driveToTerminal steps the request until it reaches a terminal state,
// treating WaitRetry as an immediate re-step (the pool would sleep).
func driveToTerminal(t *testing.T, m *Machine, id uuid.UUID) {
	t.Helper()
	for i := 0; i < 50; i++ {
		res, err := m.Step(context.Background(), id)
		if err != nil {
			t.Fatal(err)
		}
		if res.Outcome == Terminal {
			return
		}
	}
	t.Fatal("request did not reach a terminal state within 50 steps")
}

func TestMachine_HappyPathFinalizes(t *testing.T) {
	h := openHarness(t)
	h.fake.AdvanceSlot(100)
	m := h.newMachine(3)

	req := h.createRequest(t)
	claim := h.publishClaimFor(req)

	driveToTerminal(t, m, req.RequestID)

	final, err := h.repos.Requests.GetRequest(context.Background(), req.RequestID)
	if err != nil {
		t.Fatal(err)
	}
	if final.State != database.RequestFinalized {
		t.Fatalf("state = %s, want finalized (reason: %s)", final.State, final.FailureReason.String)
	}
	if !final.SubmittedSig.Valid || !final.FinalizedSig.Valid {
		t.Fatal("finalized request must carry the submitted and finalized signatures")
	}

	reserved, err := h.repos.Claims.Get(context.Background(), req.RequestID)
	if err != nil {
		t.Fatal(err)
	}
	if reserved.Address != claim.Address || reserved.MinerAuthority != claim.MinerAuthority {
		t.Fatal("claim reservation must record the selected claim and miner authority")
	}
}

// No mined claims, bounded retry, terminal NO_CLAIMS_AVAILABLE.
func TestMachine_NoClaimsFailsAfterBoundedRetry(t *testing.T) {
	h := openHarness(t)
	h.fake.AdvanceSlot(100)
	m := h.newMachine(0) // fail on the first empty discovery

	req := h.createRequest(t)
	driveToTerminal(t, m, req.RequestID)

	final, err := h.repos.Requests.GetRequest(context.Background(), req.RequestID)
	if err != nil {
		t.Fatal(err)
	}
	if final.State != database.RequestFailed {
		t.Fatalf("state = %s, want failed", final.State)
	}
	if final.FailureReason.String != "NO_CLAIMS_AVAILABLE" {
		t.Fatalf("reason = %q, want NO_CLAIMS_AVAILABLE", final.FailureReason.String)
	}

	// The status endpoint must tell the client how long to wait before
	// resubmitting.
	srv := server.New(nil, h.repos.Requests, 5*time.Second)
	rec := httptest.NewRecorder()
	srv.Mux().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/status/"+req.RequestID.String(), nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status query = %d: %s", rec.Code, rec.Body.String())
	}
	var status struct {
		State             string `json:"state"`
		FailureReason     string `json:"failureReason"`
		RetryAfterSeconds int    `json:"retry_after_seconds"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatal(err)
	}
	if status.State != "failed" || status.FailureReason != "NO_CLAIMS_AVAILABLE" {
		t.Fatalf("status body = %s", rec.Body.String())
	}
	if status.RetryAfterSeconds != claimfinder.RetryAfterSeconds {
		t.Fatalf("retry_after_seconds = %d, want %d", status.RetryAfterSeconds, claimfinder.RetryAfterSeconds)
	}
}

// At-most-once recovery: if the nullifier was already consumed on-chain
// (a prior submission the relay lost track of), the worker recovers the
// winning signature and marks finalized instead of failing.
func TestMachine_RecoversAlreadyConsumedNullifier(t *testing.T) {
	h := openHarness(t)
	h.fake.AdvanceSlot(100)
	m := h.newMachine(3)

	req := h.createRequest(t)
	h.publishClaimFor(req)

	// A prior (crashed) relay instance already consumed the nullifier.
	prior, err := h.fake.SubmitWithdraw(context.Background(), chain.WithdrawInstruction{
		Nullifier: req.ClientNullifier,
		Amount:    req.Amount,
	})
	if err != nil {
		t.Fatal(err)
	}

	driveToTerminal(t, m, req.RequestID)

	final, err := h.repos.Requests.GetRequest(context.Background(), req.RequestID)
	if err != nil {
		t.Fatal(err)
	}
	if final.State != database.RequestFinalized {
		t.Fatalf("state = %s, want finalized via recovery", final.State)
	}
	if final.FinalizedSig.String != prior.Signature {
		t.Fatalf("finalized sig = %s, want the prior winning signature %s", final.FinalizedSig.String, prior.Signature)
	}
}

func TestMachine_DeadlineMarksTimeout(t *testing.T) {
	h := openHarness(t)
	h.fake.AdvanceSlot(100)

	req := h.createRequest(t)

	// A machine whose per-request deadline has effectively already
	// elapsed marks the request failed(TIMEOUT) on the next step.
	m := New(h.repos.Requests, h.repos.Claims, h.fake, claimfinder.New(h.fake, 2),
		FeeAccounts{}, time.Nanosecond, 3)
	time.Sleep(10 * time.Millisecond)

	res, err := m.Step(context.Background(), req.RequestID)
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != Terminal {
		t.Fatal("expired request must terminate")
	}

	final, err := h.repos.Requests.GetRequest(context.Background(), req.RequestID)
	if err != nil {
		t.Fatal(err)
	}
	if final.State != database.RequestFailed || final.FailureReason.String != "TIMEOUT" {
		t.Fatalf("state = %s reason = %q, want failed/TIMEOUT", final.State, final.FailureReason.String)
	}
}
