// Copyright 2025 Certen Protocol
//
// The indexer's stable external contract: deposit ingestion, root/proof/
// notes reads, artifact vending, and an optional rate-limited prover
// proxy. One handler struct, manual path parsing via strings.TrimPrefix,
// error bodies shared through pkg/apierr.

package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cloak-protocol/cloak/pkg/apierr"
	"github.com/cloak-protocol/cloak/pkg/artifacts"
	"github.com/cloak-protocol/cloak/pkg/indexer/store"
	"github.com/cloak-protocol/cloak/pkg/merkle"
	"github.com/cloak-protocol/cloak/pkg/metrics"
)

// Server is the indexer's HTTP surface.
type Server struct {
	store    *store.CommitmentStore
	manifest *artifacts.Manifest // nil if no artifacts manifest configured

	// proverProxyURL, when non-empty, enables the optional prove proxy.
	proverProxyURL string
	proverLimiter  *rateLimiter
	httpClient     *http.Client

	deadline time.Duration
	logger   *log.Logger
}

// Option configures optional Server behavior.
type Option func(*Server)

// WithArtifactsManifest enables the /artifacts endpoints.
func WithArtifactsManifest(m *artifacts.Manifest) Option {
	return func(s *Server) { s.manifest = m }
}

// WithProverProxy enables the optional prove proxy against proverURL,
// rate-limited to ratePerSecond requests/second.
func WithProverProxy(proverURL string, ratePerSecond int) Option {
	return func(s *Server) {
		s.proverProxyURL = proverURL
		s.proverLimiter = newRateLimiter(ratePerSecond)
	}
}

// New constructs the indexer HTTP server around store.
func New(cs *store.CommitmentStore, httpDeadline time.Duration, opts ...Option) *Server {
	s := &Server{
		store:      cs,
		deadline:   httpDeadline,
		httpClient: &http.Client{Timeout: httpDeadline},
		logger:     log.New(log.Writer(), "[IndexerServer] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Mux builds the *http.ServeMux with every route registered.
func (s *Server) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/v1/deposit", s.handleDeposit)
	mux.HandleFunc("/api/v1/notes/range", s.handleNotesRange)
	mux.HandleFunc("/api/v1/merkle/root", s.handleMerkleRoot)
	mux.HandleFunc("/api/v1/merkle/proof/", s.handleMerkleProof)
	mux.HandleFunc("/api/v1/artifacts/withdraw/", s.handleArtifactsWithdraw)
	mux.HandleFunc("/api/v1/artifacts/files/", s.handleArtifactsFile)
	if s.proverProxyURL != "" {
		mux.HandleFunc("/api/v1/prove", s.handleProveProxy)
	}
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

type depositRequest struct {
	LeafCommit      string `json:"leafCommit"`
	EncryptedOutput string `json:"encryptedOutput"`
	TxSignature     string `json:"txSignature"`
	Slot            uint64 `json:"slot"`
}

// handleDeposit implements POST /api/v1/deposit.
func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		apierr.WriteHTTP(w, apierr.New(apierr.Validation, "only POST is allowed"))
		return
	}

	var req depositRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		apierr.WriteHTTP(w, apierr.New(apierr.Validation, "malformed request body"))
		return
	}

	commitment, err := merkle.ParseHash(strings.TrimPrefix(req.LeafCommit, "0x"))
	if err != nil {
		metrics.DepositsTotal.WithLabelValues("validation_error").Inc()
		apierr.WriteHTTP(w, apierr.New(apierr.Validation, "leafCommit must be 32 bytes hex"))
		return
	}
	encrypted, err := base64.StdEncoding.DecodeString(req.EncryptedOutput)
	if err != nil {
		metrics.DepositsTotal.WithLabelValues("validation_error").Inc()
		apierr.WriteHTTP(w, apierr.New(apierr.Validation, "encryptedOutput must be base64"))
		return
	}
	if strings.TrimSpace(req.TxSignature) == "" {
		metrics.DepositsTotal.WithLabelValues("validation_error").Inc()
		apierr.WriteHTTP(w, apierr.New(apierr.Validation, "txSignature is required"))
		return
	}

	ctx, cancel := s.withDeadline(r.Context())
	defer cancel()

	leafIndex, root, err := s.store.InsertDeposit(ctx, commitment, encrypted, req.TxSignature, req.Slot)
	switch {
	case err == nil:
		metrics.DepositsTotal.WithLabelValues("accepted").Inc()
		metrics.MerkleTreeDepth.Set(float64(s.store.NextIndex()))
		s.writeJSON(w, http.StatusAccepted, map[string]any{
			"success":   true,
			"leafIndex": leafIndex,
			"root":      root.Hex(),
		})
	case err == store.ErrCommitmentMismatch:
		metrics.DepositsTotal.WithLabelValues("duplicate").Inc()
		apierr.WriteHTTP(w, apierr.New(apierr.DuplicateCommitment, "commitment already recorded under a different deposit tx"))
	case err == merkle.ErrTreeFull:
		metrics.DepositsTotal.WithLabelValues("tree_full").Inc()
		apierr.WriteHTTP(w, apierr.New(apierr.TreeFull, "accumulator exhausted"))
	default:
		s.logger.Printf("deposit insert failed: %v", err)
		metrics.InternalErrorsTotal.Inc()
		apierr.WriteHTTP(w, apierr.New(apierr.Internal, "failed to record deposit"))
	}
}

// handleNotesRange implements GET /api/v1/notes/range.
func (s *Server) handleNotesRange(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	start, err1 := parseUint(q.Get("start"))
	end, err2 := parseUint(q.Get("end"))
	limit, err3 := parseUint(q.Get("limit"))
	if err1 != nil || err2 != nil || err3 != nil || end < start {
		apierr.WriteHTTP(w, apierr.New(apierr.Validation, "start, end, limit must be non-negative integers with end >= start"))
		return
	}
	if limit == 0 || limit > 1000 {
		limit = 1000
	}

	ctx, cancel := s.withDeadline(r.Context())
	defer cancel()

	notes, nextStart, err := s.store.GetNotesRange(ctx, start, end, int(limit))
	if err != nil {
		s.logger.Printf("notes range query failed: %v", err)
		apierr.WriteHTTP(w, apierr.New(apierr.Internal, "failed to query notes"))
		return
	}

	out := make([]map[string]any, 0, len(notes))
	for _, n := range notes {
		out = append(out, map[string]any{
			"leafCommit":      n.Commitment.Hex(),
			"encryptedOutput": toBase64(n.EncryptedOutput),
			"slot":            n.DepositSlot,
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"notes":     out,
		"nextStart": nextStart,
	})
}

// handleMerkleRoot implements GET /api/v1/merkle/root.
func (s *Server) handleMerkleRoot(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"root":      s.store.Root().Hex(),
		"nextIndex": s.store.NextIndex(),
	})
}

// handleMerkleProof implements GET /api/v1/merkle/proof/:index.
func (s *Server) handleMerkleProof(w http.ResponseWriter, r *http.Request) {
	idxStr := strings.TrimPrefix(r.URL.Path, "/api/v1/merkle/proof/")
	idx, err := parseUint(idxStr)
	if err != nil {
		apierr.WriteHTTP(w, apierr.New(apierr.Validation, "index must be a non-negative integer"))
		return
	}

	proof, err := s.store.Proof(idx)
	if err != nil {
		apierr.WriteHTTP(w, apierr.New(apierr.NotFound, fmt.Sprintf("no proof for leaf %d", idx)))
		return
	}
	s.writeJSON(w, http.StatusOK, proof)
}

// handleArtifactsWithdraw implements GET /api/v1/artifacts/withdraw/:version.
func (s *Server) handleArtifactsWithdraw(w http.ResponseWriter, r *http.Request) {
	version := strings.TrimPrefix(r.URL.Path, "/api/v1/artifacts/withdraw/")
	if s.manifest == nil {
		apierr.WriteHTTP(w, apierr.New(apierr.NotFound, "no artifacts manifest configured"))
		return
	}
	files, ok := s.manifest.Files(version)
	if !ok {
		apierr.WriteHTTP(w, apierr.New(apierr.NotFound, fmt.Sprintf("unknown artifact version %q", version)))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"files": files})
}

// handleArtifactsFile implements GET /api/v1/artifacts/files/:version/:name.
func (s *Server) handleArtifactsFile(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/artifacts/files/")
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || s.manifest == nil {
		apierr.WriteHTTP(w, apierr.New(apierr.NotFound, "artifact not found"))
		return
	}
	version, name := parts[0], parts[1]

	path, err := s.manifest.FilePath(version, name)
	if err != nil {
		apierr.WriteHTTP(w, apierr.New(apierr.NotFound, err.Error()))
		return
	}
	http.ServeFile(w, r, path)
}

// handleProveProxy forwards a proof request to the configured external
// prover, rate-limited.
func (s *Server) handleProveProxy(w http.ResponseWriter, r *http.Request) {
	if !s.proverLimiter.Allow() {
		apierr.WriteHTTP(w, apierr.New(apierr.Validation, "prover rate limit exceeded"))
		return
	}

	ctx, cancel := s.withDeadline(r.Context())
	defer cancel()

	proxyReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.proverProxyURL, io.LimitReader(r.Body, 4<<20))
	if err != nil {
		apierr.WriteHTTP(w, apierr.New(apierr.Internal, "failed to build prover request"))
		return
	}
	proxyReq.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(proxyReq)
	if err != nil {
		apierr.WriteHTTP(w, apierr.NewRetryable(apierr.ChainRPCTimeout, "prover unreachable", 5))
		return
	}
	defer resp.Body.Close()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, io.LimitReader(resp.Body, 8<<20))
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

func parseUint(s string) (uint64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseUint(s, 10, 64)
}

func toBase64(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}
