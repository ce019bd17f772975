// Copyright 2025 Certen Protocol

package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cloak-protocol/cloak/pkg/artifacts"
)

// newTestServer builds a Server without a backing store; only routes
// whose validation rejects before touching the store are exercised here.
// Deposit/proof round trips against a real store live in
// pkg/indexer/store's integration tests.
func newTestServer(opts ...Option) *Server {
	return New(nil, 5*time.Second, opts...)
}

func errorCode(t *testing.T, body []byte) string {
	t.Helper()
	var wire struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &wire); err != nil {
		t.Fatalf("malformed error body %s: %v", body, err)
	}
	return wire.Error.Code
}

func TestHealth(t *testing.T) {
	rec := httptest.NewRecorder()
	newTestServer().Mux().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestDeposit_RejectsGet(t *testing.T) {
	rec := httptest.NewRecorder()
	newTestServer().Mux().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/deposit", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestDeposit_BadCommitmentHex(t *testing.T) {
	body := `{"leafCommit": "nothex", "encryptedOutput": "AA==", "txSignature": "sig", "slot": 1}`
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/deposit", strings.NewReader(body))
	newTestServer().Mux().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest || errorCode(t, rec.Body.Bytes()) != "VALIDATION" {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
}

func TestDeposit_BadBase64(t *testing.T) {
	body := `{"leafCommit": "` + strings.Repeat("11", 32) + `", "encryptedOutput": "!!not-base64!!", "txSignature": "sig", "slot": 1}`
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/deposit", strings.NewReader(body))
	newTestServer().Mux().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest || errorCode(t, rec.Body.Bytes()) != "VALIDATION" {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
}

func TestDeposit_MissingTxSignature(t *testing.T) {
	body := `{"leafCommit": "` + strings.Repeat("11", 32) + `", "encryptedOutput": "AA==", "txSignature": " ", "slot": 1}`
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/deposit", strings.NewReader(body))
	newTestServer().Mux().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestNotesRange_InvalidParams(t *testing.T) {
	for _, query := range []string{
		"start=abc&end=10&limit=5",
		"start=10&end=3&limit=5", // end < start
	} {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/api/v1/notes/range?"+query, nil)
		newTestServer().Mux().ServeHTTP(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("query %q: status = %d, want 400", query, rec.Code)
		}
	}
}

func TestMerkleProof_InvalidIndex(t *testing.T) {
	rec := httptest.NewRecorder()
	newTestServer().Mux().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/merkle/proof/not-a-number", nil))
	if rec.Code != http.StatusBadRequest || errorCode(t, rec.Body.Bytes()) != "VALIDATION" {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
}

func writeManifest(t *testing.T) *artifacts.Manifest {
	t.Helper()
	dir := t.TempDir()
	vkPath := filepath.Join(dir, "verifying_key.bin")
	if err := os.WriteFile(vkPath, []byte{0x01, 0x02, 0x03}, 0o644); err != nil {
		t.Fatal(err)
	}

	manifestPath := filepath.Join(dir, "artifacts.yaml")
	content := "versions:\n  v1:\n    dir: " + dir + "\n    files: [verifying_key.bin]\n"
	if err := os.WriteFile(manifestPath, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	m, err := artifacts.Load(manifestPath)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestArtifacts_ListAndFetch(t *testing.T) {
	srv := newTestServer(WithArtifactsManifest(writeManifest(t)))
	mux := srv.Mux()

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/artifacts/withdraw/v1", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d: %s", rec.Code, rec.Body.String())
	}
	var listed struct {
		Files []string `json:"files"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &listed); err != nil {
		t.Fatal(err)
	}
	if len(listed.Files) != 1 || listed.Files[0] != "verifying_key.bin" {
		t.Fatalf("files = %v", listed.Files)
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/artifacts/files/v1/verifying_key.bin", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("fetch status = %d", rec.Code)
	}
	if rec.Body.Len() != 3 {
		t.Fatalf("fetched %d bytes, want 3", rec.Body.Len())
	}
}

func TestArtifacts_UnknownVersion(t *testing.T) {
	srv := newTestServer(WithArtifactsManifest(writeManifest(t)))
	rec := httptest.NewRecorder()
	srv.Mux().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/artifacts/withdraw/v99", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestArtifacts_UndeclaredFileRejected(t *testing.T) {
	srv := newTestServer(WithArtifactsManifest(writeManifest(t)))
	rec := httptest.NewRecorder()
	srv.Mux().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/artifacts/files/v1/artifacts.yaml", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 for a file outside the declared set", rec.Code)
	}
}

func TestRateLimiter(t *testing.T) {
	rl := newRateLimiter(2)
	if !rl.Allow() || !rl.Allow() {
		t.Fatal("first two requests should pass")
	}
	if rl.Allow() {
		t.Fatal("third immediate request should be limited")
	}
}
