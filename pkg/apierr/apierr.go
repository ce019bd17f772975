// Copyright 2025 Certen Protocol
//
// The error taxonomy shared by the indexer and relay HTTP surfaces.
// Kind is the stable, wire-visible error code; Error carries it plus a
// human message and an HTTP status mapping, as one typed, reusable shape
// instead of ad hoc error bodies per handler.

package apierr

import (
	"encoding/json"
	"net/http"
)

// Kind is one of the protocol's stable, wire-visible error codes.
type Kind string

const (
	Validation          Kind = "VALIDATION"
	DuplicateCommitment Kind = "DUPLICATE_COMMITMENT"
	NullifierConflict   Kind = "NULLIFIER_CONFLICT"
	FeeMismatch         Kind = "FEE_MISMATCH"
	RootNotKnown        Kind = "ROOT_NOT_KNOWN"
	TreeFull            Kind = "TREE_FULL"
	NoClaimsAvailable   Kind = "NO_CLAIMS_AVAILABLE"
	ChainRPCTimeout     Kind = "CHAIN_RPC_TIMEOUT"
	ChainSubmitRejected Kind = "CHAIN_SUBMIT_REJECTED"
	Timeout             Kind = "TIMEOUT"
	NotFound            Kind = "NOT_FOUND"
	Internal            Kind = "INTERNAL"
)

// Retryable reports whether a client may usefully retry after this
// error.
func (k Kind) Retryable() bool {
	switch k {
	case NoClaimsAvailable, ChainRPCTimeout:
		return true
	default:
		return false
	}
}

// StatusFor maps a Kind to its HTTP status class: 400 validation, 404
// missing, 409 conflict, 500 internal, 503 downstream unavailable.
func StatusFor(k Kind) int {
	switch k {
	case Validation, FeeMismatch, RootNotKnown:
		return http.StatusBadRequest
	case NotFound:
		return http.StatusNotFound
	case DuplicateCommitment, NullifierConflict:
		return http.StatusConflict
	case TreeFull:
		return http.StatusConflict
	case NoClaimsAvailable:
		return http.StatusAccepted
	case ChainRPCTimeout, Timeout:
		return http.StatusServiceUnavailable
	case ChainSubmitRejected, Internal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// Error is the typed error both services return from their public API
// boundary. It implements the standard error interface so it composes
// with %w wrapping internally, and MarshalJSON so it serializes directly
// to the wire shape {"error":{"code","message"}}.
type Error struct {
	Kind       Kind
	Message    string
	RetryAfter *int // seconds; set only for NO_CLAIMS_AVAILABLE
}

func (e *Error) Error() string {
	return string(e.Kind) + ": " + e.Message
}

// New constructs an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// NewRetryable constructs a NO_CLAIMS_AVAILABLE-style error carrying a
// suggested retry delay.
func NewRetryable(kind Kind, message string, retryAfterSeconds int) *Error {
	return &Error{Kind: kind, Message: message, RetryAfter: &retryAfterSeconds}
}

type wireError struct {
	Error wireErrorBody `json:"error"`
}

type wireErrorBody struct {
	Code              string `json:"code"`
	Message           string `json:"message"`
	RetryAfterSeconds *int   `json:"retry_after_seconds,omitempty"`
}

// MarshalJSON implements the error wire shape.
func (e *Error) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireError{
		Error: wireErrorBody{
			Code:              string(e.Kind),
			Message:           e.Message,
			RetryAfterSeconds: e.RetryAfter,
		},
	})
}

// WriteHTTP writes e as a JSON body to w with the status StatusFor(e.Kind)
// maps to. This is the one place HTTP handlers in pkg/indexer/server and
// pkg/relay/server go to report a typed failure.
func WriteHTTP(w http.ResponseWriter, e *Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(StatusFor(e.Kind))
	_ = json.NewEncoder(w).Encode(e)
}
