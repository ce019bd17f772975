// Copyright 2025 Certen Protocol
//
// The submission state machine: a cooperative pipeline with explicit
// resumable stages, so a crashed worker restarts from whatever state was
// last durably committed. One stage advances the row, commits, and either
// loops to the next stage or schedules a delayed retry.

package worker

import (
	"context"
	"encoding/hex"
	"fmt"
	"log"
	"time"

	"github.com/cloak-protocol/cloak/pkg/apierr"
	"github.com/cloak-protocol/cloak/pkg/chain"
	"github.com/cloak-protocol/cloak/pkg/commitment"
	"github.com/cloak-protocol/cloak/pkg/database"
	"github.com/cloak-protocol/cloak/pkg/metrics"
	"github.com/cloak-protocol/cloak/pkg/relay/claimfinder"
	"github.com/google/uuid"
)

// FeeAccounts carries the fixed payout destinations a withdrawal
// transaction routes fees to.
type FeeAccounts struct {
	ProtocolFeeSink [32]byte
	RelayFeeBps     int
}

// Machine advances one withdrawal request at a time through the state
// machine. It holds no per-request goroutine state — everything it needs
// to resume is read back from the requests/claim_reservations tables —
// so a Machine is safe to share across a worker pool and safe to restart.
type Machine struct {
	requests *database.RequestRepository
	claims   *database.ClaimRepository
	chain    chain.Client
	finder   *claimfinder.Finder
	fees     FeeAccounts

	requestDeadline    time.Duration
	claimRetryMaxTries int

	logger *log.Logger
}

// New constructs a Machine.
func New(requests *database.RequestRepository, claims *database.ClaimRepository, chainClient chain.Client, finder *claimfinder.Finder, fees FeeAccounts, requestDeadline time.Duration, claimRetryMaxTries int) *Machine {
	return &Machine{
		requests:           requests,
		claims:             claims,
		chain:              chainClient,
		finder:             finder,
		fees:               fees,
		requestDeadline:    requestDeadline,
		claimRetryMaxTries: claimRetryMaxTries,
		logger:             log.New(log.Writer(), "[RelayWorker] ", log.LstdFlags),
	}
}

// Outcome tells the caller (the pool loop) what to do next.
type Outcome int

const (
	// Advanced means the request moved to a new non-terminal state;
	// the caller should immediately call Step again.
	Advanced Outcome = iota
	// Terminal means the request reached finalized or failed.
	Terminal
	// WaitRetry means the request needs to be retried after delay.
	WaitRetry
)

// Result is the outcome of one Step call.
type Result struct {
	Outcome Outcome
	Delay   time.Duration // valid when Outcome == WaitRetry
}

// Step advances requestID through at most one state transition,
// persisting the result before returning. The caller loops on Advanced, reschedules on WaitRetry, and
// stops on Terminal.
func (m *Machine) Step(ctx context.Context, requestID uuid.UUID) (Result, error) {
	req, err := m.requests.GetRequest(ctx, requestID)
	if err != nil {
		return Result{}, fmt.Errorf("worker: load request %s: %w", requestID, err)
	}

	if req.State.Terminal() {
		return Result{Outcome: Terminal}, nil
	}

	if m.requestDeadline > 0 && time.Since(req.CreatedAt) > m.requestDeadline {
		if err := m.requests.MarkFailed(ctx, requestID, "TIMEOUT"); err != nil {
			return Result{}, fmt.Errorf("worker: mark timeout: %w", err)
		}
		metrics.WithdrawRequestsTotal.WithLabelValues("timeout").Inc()
		return Result{Outcome: Terminal}, nil
	}

	start := time.Now()
	var (
		stage  string
		result Result
	)
	switch req.State {
	case database.RequestReceived:
		stage = "validate"
		result, err = m.stepValidate(ctx, req)
	case database.RequestValidated:
		stage = "find_claim"
		result, err = m.stepFindClaim(ctx, req)
	case database.RequestClaimReserved:
		stage = "build_tx"
		result, err = m.stepBuildTx(ctx, req)
	case database.RequestTxBuilt:
		stage = "submit"
		result, err = m.stepSubmit(ctx, req)
	case database.RequestSubmitted:
		stage = "confirm"
		result, err = m.stepConfirm(ctx, req)
	default:
		return Result{}, fmt.Errorf("worker: request %s in unknown state %q", requestID, req.State)
	}
	metrics.WorkerStageLatency.WithLabelValues(stage).Observe(time.Since(start).Seconds())
	return result, err
}

// stepValidate advances received -> validated. It does not re-run the
// request checks; the planner's validation at admission is the only one
// a request goes through.
func (m *Machine) stepValidate(ctx context.Context, req *database.Request) (Result, error) {
	if err := m.requests.TransitionTo(ctx, req.RequestID, database.RequestReceived, database.RequestValidated); err != nil {
		if err == database.ErrStaleTransition {
			return Result{Outcome: Advanced}, nil
		}
		return Result{}, fmt.Errorf("worker: transition to validated: %w", err)
	}
	return Result{Outcome: Advanced}, nil
}

// stepFindClaim runs claim discovery and either reserves a claim
// (validated -> claim_reserved) or schedules a retry.
func (m *Machine) stepFindClaim(ctx context.Context, req *database.Request) (Result, error) {
	outputs := make([]commitment.Output, len(req.Outputs))
	for i, o := range req.Outputs {
		outputs[i] = commitment.Output{Recipient: o.Recipient, Amount: o.Amount}
	}

	claim, err := m.finder.Find(ctx, outputs, req.ClientNullifier)
	if err != nil {
		var apiErr *apierr.Error
		if asAPIError(err, &apiErr) && apiErr.Kind == apierr.NoClaimsAvailable {
			if req.RetryCount >= m.claimRetryMaxTries {
				if ferr := m.requests.MarkFailed(ctx, req.RequestID, string(apierr.NoClaimsAvailable)); ferr != nil {
					return Result{}, fmt.Errorf("worker: mark no-claims failure: %w", ferr)
				}
				return Result{Outcome: Terminal}, nil
			}
			if ierr := m.requests.IncrementRetry(ctx, req.RequestID); ierr != nil {
				return Result{}, fmt.Errorf("worker: increment retry: %w", ierr)
			}
			delay := chain.BackoffSchedule(req.RetryCount)
			if apiErr.RetryAfter != nil {
				delay = time.Duration(*apiErr.RetryAfter) * time.Second
			}
			return Result{Outcome: WaitRetry, Delay: delay}, nil
		}
		return Result{Outcome: WaitRetry, Delay: chain.BackoffSchedule(req.RetryCount)}, nil
	}

	if err := m.claims.Reserve(ctx, req.RequestID, claim); err != nil {
		return Result{}, fmt.Errorf("worker: reserve claim: %w", err)
	}
	claimPDA := hexAddr(claim.Address)
	minerAuth := hexAddr(claim.MinerAuthority)
	if err := m.requests.RecordClaimReserved(ctx, req.RequestID, database.RequestValidated, claimPDA, minerAuth); err != nil {
		if err == database.ErrStaleTransition {
			return Result{Outcome: Advanced}, nil
		}
		return Result{}, fmt.Errorf("worker: record claim reservation: %w", err)
	}
	return Result{Outcome: Advanced}, nil
}

// stepBuildTx advances claim_reserved -> tx_built without assembling
// anything. The instruction is built deterministically from durable state
// at submit time rather than persisted — every input (request row, claim
// reservation, fee accounts) is already durable, so there is nothing the
// unsigned instruction bytes would add that a crash could lose.
func (m *Machine) stepBuildTx(ctx context.Context, req *database.Request) (Result, error) {
	if err := m.requests.TransitionTo(ctx, req.RequestID, database.RequestClaimReserved, database.RequestTxBuilt); err != nil {
		if err == database.ErrStaleTransition {
			return Result{Outcome: Advanced}, nil
		}
		return Result{}, fmt.Errorf("worker: transition to tx_built: %w", err)
	}
	return Result{Outcome: Advanced}, nil
}

// stepSubmit signs and submits the withdrawal transaction, recording the
// signature before any confirmation polling.
func (m *Machine) stepSubmit(ctx context.Context, req *database.Request) (Result, error) {
	claim, err := m.claims.Get(ctx, req.RequestID)
	if err != nil {
		return Result{}, fmt.Errorf("worker: load claim reservation: %w", err)
	}

	ix := chain.WithdrawInstruction{
		ProofBytes:      req.ProofBytes,
		Root:            req.Root,
		Nullifier:       req.ClientNullifier,
		OutputsHash:     req.OutputsHash,
		Amount:          req.Amount,
		Outputs:         toChainOutputs(req.Outputs),
		ClaimPDA:        claim.Address,
		MinerAuthority:  claim.MinerAuthority,
		ProtocolFeeSink: m.fees.ProtocolFeeSink,
		RelayFeeBps:     m.fees.RelayFeeBps,
	}

	res, err := m.chain.SubmitWithdraw(ctx, ix)
	if err != nil {
		if chain.AlreadySucceeded(err) {
			sig, ok, ferr := m.chain.FindSignatureForNullifier(ctx, req.ClientNullifier)
			if ferr != nil {
				return Result{}, fmt.Errorf("worker: recover signature after NullifierAlreadyUsed: %w", ferr)
			}
			if !ok {
				return Result{Outcome: WaitRetry, Delay: chain.BackoffSchedule(req.RetryCount)}, nil
			}
			if merr := m.requests.MarkFinalized(ctx, req.RequestID, sig); merr != nil {
				return Result{}, fmt.Errorf("worker: mark finalized (recovered): %w", merr)
			}
			metrics.WithdrawRequestsTotal.WithLabelValues("finalized_recovered").Inc()
			return Result{Outcome: Terminal}, nil
		}

		kind := chain.ClassifyError(err)
		metrics.ChainSubmitErrors.WithLabelValues(string(kind)).Inc()
		if kind == apierr.ChainRPCTimeout {
			return Result{Outcome: WaitRetry, Delay: chain.BackoffSchedule(req.RetryCount)}, nil
		}
		if merr := m.requests.MarkFailed(ctx, req.RequestID, string(kind)); merr != nil {
			return Result{}, fmt.Errorf("worker: mark failed: %w", merr)
		}
		return Result{Outcome: Terminal}, nil
	}

	if err := m.requests.RecordSubmitted(ctx, req.RequestID, res.Signature); err != nil {
		if err == database.ErrStaleTransition {
			return Result{Outcome: Advanced}, nil
		}
		return Result{}, fmt.Errorf("worker: record submitted: %w", err)
	}
	return Result{Outcome: Advanced}, nil
}

// stepConfirm polls for finalization.
func (m *Machine) stepConfirm(ctx context.Context, req *database.Request) (Result, error) {
	if !req.SubmittedSig.Valid {
		return Result{}, fmt.Errorf("worker: request %s is submitted with no signature recorded", req.RequestID)
	}

	conf, err := m.chain.ConfirmSignature(ctx, req.SubmittedSig.String)
	if err != nil {
		return Result{Outcome: WaitRetry, Delay: chain.BackoffSchedule(req.RetryCount)}, nil
	}

	switch conf.Status {
	case chain.StatusFinalized:
		if err := m.requests.MarkFinalized(ctx, req.RequestID, req.SubmittedSig.String); err != nil {
			return Result{}, fmt.Errorf("worker: mark finalized: %w", err)
		}
		metrics.WithdrawRequestsTotal.WithLabelValues("finalized").Inc()
		return Result{Outcome: Terminal}, nil
	case chain.StatusFailed:
		reason := conf.FailureReason
		if reason == "" {
			reason = "CHAIN_SUBMIT_REJECTED"
		}
		if err := m.requests.MarkFailed(ctx, req.RequestID, reason); err != nil {
			return Result{}, fmt.Errorf("worker: mark failed (confirmation): %w", err)
		}
		return Result{Outcome: Terminal}, nil
	default: // pending or unknown
		if ierr := m.requests.IncrementRetry(ctx, req.RequestID); ierr != nil {
			return Result{}, fmt.Errorf("worker: increment retry: %w", ierr)
		}
		return Result{Outcome: WaitRetry, Delay: chain.BackoffSchedule(req.RetryCount)}, nil
	}
}

func toChainOutputs(outputs []database.RequestOutput) []chain.Output {
	out := make([]chain.Output, len(outputs))
	for i, o := range outputs {
		out[i] = chain.Output{Recipient: o.Recipient, Amount: o.Amount}
	}
	return out
}

func hexAddr(addr [32]byte) string {
	return hex.EncodeToString(addr[:])
}

// asAPIError reports whether err is an *apierr.Error, assigning it to
// target on success. apierr.Error carries no Unwrap chain, so a direct
// type assertion is all errors.As would do here; spelled out to avoid
// importing "errors" for a single assertion.
func asAPIError(err error, target **apierr.Error) bool {
	e, ok := err.(*apierr.Error)
	if !ok {
		return false
	}
	*target = e
	return true
}
