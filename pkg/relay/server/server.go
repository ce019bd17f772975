// Copyright 2025 Certen Protocol
//
// The relay's stable external contract: submit a withdrawal, poll its
// status, and inspect the backlog. Same struct-with-logger handler shape
// as pkg/indexer/server.

package server

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/cloak-protocol/cloak/pkg/apierr"
	"github.com/cloak-protocol/cloak/pkg/commitment"
	"github.com/cloak-protocol/cloak/pkg/database"
	"github.com/cloak-protocol/cloak/pkg/merkle"
	"github.com/cloak-protocol/cloak/pkg/metrics"
	"github.com/cloak-protocol/cloak/pkg/relay/claimfinder"
	"github.com/cloak-protocol/cloak/pkg/relay/planner"
	"github.com/google/uuid"
)

// Server is the relay's HTTP surface.
type Server struct {
	planner  *planner.Planner
	requests *database.RequestRepository

	deadline time.Duration
	logger   *log.Logger
}

// New constructs a relay Server.
func New(p *planner.Planner, requests *database.RequestRepository, httpDeadline time.Duration) *Server {
	return &Server{
		planner:  p,
		requests: requests,
		deadline: httpDeadline,
		logger:   log.New(log.Writer(), "[RelayServer] ", log.LstdFlags),
	}
}

// Mux builds the relay's *http.ServeMux.
func (s *Server) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/v1/withdraw", s.handleWithdraw)
	mux.HandleFunc("/api/v1/status/", s.handleStatus)
	mux.HandleFunc("/api/v1/backlog", s.handleBacklog)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

type withdrawOutputWire struct {
	Recipient string `json:"recipient"`
	Amount    uint64 `json:"amount"`
}

type withdrawPublicInputsWire struct {
	Root        string `json:"root"`
	Nullifier   string `json:"nf"`
	OutputsHash string `json:"outputs_hash"`
	Amount      uint64 `json:"amount"`
}

type withdrawRequestWire struct {
	Proof        string                   `json:"proof"`
	PublicInputs withdrawPublicInputsWire `json:"publicInputs"`
	Outputs      []withdrawOutputWire     `json:"outputs"`
	FeeBps       int                      `json:"feeBps"`
}

// handleWithdraw implements POST /api/v1/withdraw.
func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		apierr.WriteHTTP(w, apierr.New(apierr.Validation, "only POST is allowed"))
		return
	}

	bodyBytes, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		apierr.WriteHTTP(w, apierr.New(apierr.Validation, "failed to read request body"))
		return
	}

	var wire withdrawRequestWire
	if err := json.Unmarshal(bodyBytes, &wire); err != nil {
		apierr.WriteHTTP(w, apierr.New(apierr.Validation, "malformed request body"))
		return
	}

	// Hex first: every hex string is also alphabet-valid base64, so the
	// fallback order matters.
	proof, err := hex.DecodeString(strings.TrimPrefix(wire.Proof, "0x"))
	if err != nil {
		proof, err = base64.StdEncoding.DecodeString(wire.Proof)
	}
	if err != nil {
		apierr.WriteHTTP(w, apierr.New(apierr.Validation, "proof must be hex or base64"))
		return
	}

	root, err := parseHashField(wire.PublicInputs.Root)
	if err != nil {
		apierr.WriteHTTP(w, apierr.New(apierr.Validation, "publicInputs.root must be 32 bytes hex"))
		return
	}
	nullifier, err := parseHashField(wire.PublicInputs.Nullifier)
	if err != nil {
		apierr.WriteHTTP(w, apierr.New(apierr.Validation, "publicInputs.nf must be 32 bytes hex"))
		return
	}
	outputsHash, err := parseHashField(wire.PublicInputs.OutputsHash)
	if err != nil {
		apierr.WriteHTTP(w, apierr.New(apierr.Validation, "publicInputs.outputs_hash must be 32 bytes hex"))
		return
	}

	outputs := make([]commitment.Output, len(wire.Outputs))
	for i, o := range wire.Outputs {
		recipient, err := parseAddress(o.Recipient)
		if err != nil {
			apierr.WriteHTTP(w, apierr.New(apierr.Validation, "output recipient must be 32 bytes hex"))
			return
		}
		outputs[i] = commitment.Output{Recipient: recipient, Amount: o.Amount}
	}

	req := planner.Request{
		ProofBytes:     proof,
		Root:           root,
		Nullifier:      nullifier,
		OutputsHash:    outputsHash,
		Amount:         wire.PublicInputs.Amount,
		Outputs:        outputs,
		DeclaredFeeBps: wire.FeeBps,
		BodyHash:       merkle.HashData(bodyBytes),
	}

	ctx, cancel := s.withDeadline(r.Context())
	defer cancel()

	requestID, err := s.planner.Admit(ctx, req)
	if err != nil {
		if apiErr, ok := err.(*apierr.Error); ok {
			apierr.WriteHTTP(w, apiErr)
			return
		}
		s.logger.Printf("admit failed: %v", err)
		metrics.InternalErrorsTotal.Inc()
		apierr.WriteHTTP(w, apierr.New(apierr.Internal, "failed to admit withdrawal"))
		return
	}

	s.writeJSON(w, http.StatusAccepted, map[string]any{"requestId": requestID.String()})
}

// handleStatus implements GET /api/v1/status/:requestId.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	idStr := strings.TrimPrefix(r.URL.Path, "/api/v1/status/")
	id, err := uuid.Parse(idStr)
	if err != nil {
		apierr.WriteHTTP(w, apierr.New(apierr.Validation, "requestId must be a UUID"))
		return
	}

	ctx, cancel := s.withDeadline(r.Context())
	defer cancel()

	req, err := s.requests.GetRequest(ctx, id)
	if err == database.ErrRequestNotFound {
		apierr.WriteHTTP(w, apierr.New(apierr.NotFound, "no such request"))
		return
	}
	if err != nil {
		s.logger.Printf("status lookup failed: %v", err)
		apierr.WriteHTTP(w, apierr.New(apierr.Internal, "failed to load request"))
		return
	}

	s.writeJSON(w, http.StatusOK, statusBody(req))
}

// statusBody renders a request row as the status wire shape. A request
// that failed for lack of mined claims carries retry_after_seconds, the
// same hint the claim finder attaches to its error, so a client knows
// when resubmitting is worthwhile.
func statusBody(req *database.Request) map[string]any {
	body := map[string]any{
		"requestId":     req.RequestID.String(),
		"state":         string(req.State),
		"submittedSig":  nullString(req.SubmittedSig),
		"finalizedSig":  nullString(req.FinalizedSig),
		"failureReason": nullString(req.FailureReason),
		"createdAt":     req.CreatedAt.UTC().Format(time.RFC3339),
		"updatedAt":     req.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if req.State == database.RequestFailed && req.FailureReason.String == string(apierr.NoClaimsAvailable) {
		body["retry_after_seconds"] = claimfinder.RetryAfterSeconds
	}
	return body
}

// handleBacklog implements GET /api/v1/backlog.
func (s *Server) handleBacklog(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.withDeadline(r.Context())
	defer cancel()

	counts, err := s.requests.CountByStates(ctx,
		database.RequestReceived, database.RequestValidated, database.RequestClaimReserved,
		database.RequestTxBuilt, database.RequestSubmitted,
	)
	if err != nil {
		s.logger.Printf("backlog query failed: %v", err)
		apierr.WriteHTTP(w, apierr.New(apierr.Internal, "failed to query backlog"))
		return
	}

	pending := counts[database.RequestReceived] + counts[database.RequestValidated]
	inFlight := counts[database.RequestClaimReserved] + counts[database.RequestTxBuilt] + counts[database.RequestSubmitted]
	s.writeJSON(w, http.StatusOK, map[string]any{
		"pending":  pending,
		"inFlight": inFlight,
	})
}

func (s *Server) withDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.deadline <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.deadline)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Printf("failed to encode response: %v", err)
	}
}

func parseHashField(s string) (merkle.Hash, error) {
	return merkle.ParseHash(strings.TrimPrefix(s, "0x"))
}

func parseAddress(s string) ([32]byte, error) {
	h, err := merkle.ParseHash(strings.TrimPrefix(s, "0x"))
	return [32]byte(h), err
}

func nullString(ns sql.NullString) string {
	if !ns.Valid {
		return ""
	}
	return ns.String
}
