// Package api provides the machine-readable error taxonomy, the JSON error
// envelope, and the cross-cutting HTTP middleware (correlation IDs, request
// logging, rate limiting) for the attestation service.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
)

// Kind is a machine-readable error code. Every non-2xx response carries one.
type Kind string

const (
	KindConfigMissing      Kind = "CONFIG_MISSING"
	KindMalformed          Kind = "MALFORMED"
	KindAlgUnsupported     Kind = "ALG_UNSUPPORTED"
	KindBadSignature       Kind = "BAD_SIGNATURE"
	KindTokenExpired       Kind = "TOKEN_EXPIRED"
	KindTokenRevoked       Kind = "TOKEN_REVOKED"
	KindAudienceMismatch   Kind = "AUDIENCE_MISMATCH"
	KindIssuerMismatch     Kind = "ISSUER_MISMATCH"
	KindKidUnknown         Kind = "KID_UNKNOWN"
	KindKidMissing         Kind = "KID_MISSING"
	KindJWKSUnavailable    Kind = "JWKS_UNAVAILABLE"
	KindJWKSMalformed      Kind = "JWKS_MALFORMED"
	KindLeaseInvalid       Kind = "LEASE_INVALID"
	KindScopeInsufficient  Kind = "SCOPE_INSUFFICIENT"
	KindQuorumInsufficient Kind = "QUORUM_INSUFFICIENT"
	KindInternal           Kind = "INTERNAL"
)

// statusByKind maps each error code to its HTTP status.
var statusByKind = map[Kind]int{
	KindConfigMissing:      http.StatusInternalServerError,
	KindMalformed:          http.StatusBadRequest,
	KindAlgUnsupported:     http.StatusBadRequest,
	KindBadSignature:       http.StatusUnauthorized,
	KindTokenExpired:       http.StatusUnauthorized,
	KindTokenRevoked:       http.StatusUnauthorized,
	KindAudienceMismatch:   http.StatusUnauthorized,
	KindIssuerMismatch:     http.StatusUnauthorized,
	KindKidUnknown:         http.StatusUnauthorized,
	KindKidMissing:         http.StatusUnauthorized,
	KindJWKSUnavailable:    http.StatusBadGateway,
	KindJWKSMalformed:      http.StatusBadGateway,
	KindLeaseInvalid:       http.StatusForbidden,
	KindScopeInsufficient:  http.StatusForbidden,
	KindQuorumInsufficient: http.StatusForbidden,
	KindInternal:           http.StatusInternalServerError,
}

// Status returns the HTTP status for a kind; unknown kinds map to 500.
func (k Kind) Status() int {
	if s, ok := statusByKind[k]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// Error is a classified service error. Detail is safe to surface to callers;
// Err is the underlying cause and is only ever logged.
type Error struct {
	Kind   Kind
	Detail string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *Error) Unwrap() error { return e.Err }

// E builds a classified error.
func E(kind Kind, detail string) *Error {
	return &Error{Kind: kind, Detail: detail}
}

// Wrap builds a classified error around a cause.
func Wrap(kind Kind, detail string, err error) *Error {
	return &Error{Kind: kind, Detail: detail, Err: err}
}

// KindOf extracts the Kind from an error chain, defaulting to INTERNAL.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindInternal
}

// envelope is the wire shape of every error response.
type envelope struct {
	Error envelopeBody `json:"error"`
}

type envelopeBody struct {
	Code          string `json:"code"`
	Message       string `json:"message,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// WriteError writes the JSON error envelope for err. Crypto and structural
// errors surface their safe detail; INTERNAL never carries one. All non-2xx
// responses are logged with the request correlation ID.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	kind := KindOf(err)
	status := kind.Status()
	cid := GetCorrelationID(r.Context())

	detail := ""
	var ae *Error
	if errors.As(err, &ae) && ae.Kind != KindInternal {
		detail = ae.Detail
	}

	logger := slog.Default()
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", "code", string(kind), "status", status, "correlation_id", cid, "error", err)
	} else {
		logger.Warn("request rejected", "code", string(kind), "status", status, "correlation_id", cid, "error", err)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Error: envelopeBody{
		Code:          string(kind),
		Message:       detail,
		CorrelationID: cid,
	}})
}

// WriteKind is WriteError for a bare kind and detail.
func WriteKind(w http.ResponseWriter, r *http.Request, kind Kind, detail string) {
	WriteError(w, r, E(kind, detail))
}

// WriteJSON writes a 200 JSON response.
func WriteJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// WriteTooManyRequests writes a 429 with a Retry-After header.
func WriteTooManyRequests(w http.ResponseWriter, retryAfterSecs int) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(envelope{Error: envelopeBody{
		Code:    "RATE_LIMITED",
		Message: "rate limit exceeded, retry after the specified interval",
	}})
}
