// Package apperrors defines the proxy's error taxonomy. Categories are
// semantic, not exception hierarchies: a handler checks the Code, not the
// concrete type.
package apperrors

import (
	"encoding/json"
	"fmt"
)

// Code names one of the taxonomy's semantic categories.
type Code string

const (
	CodeAuthFailure             Code = "AUTH_FAILURE"
	CodeRateLimited             Code = "RATE_LIMITED"
	CodeUpstreamError           Code = "UPSTREAM_ERROR"
	CodeTransport               Code = "TRANSPORT"
	CodeStorageBusy             Code = "STORAGE_BUSY"
	CodeStorageIO               Code = "STORAGE_IO"
	CodeStorageCorrupt          Code = "STORAGE_CORRUPT"
	CodeModelCatalogUnavailable Code = "MODEL_CATALOG_UNAVAILABLE"
	CodeCancelled               Code = "CANCELLED"
	CodeNoAccounts              Code = "NO_ACCOUNTS"
)

// Error is the proxy's single error shape; every synthesized or wrapped
// failure carries a semantic Code plus enough metadata to report upstream.
type Error struct {
	Message   string                 `json:"message"`
	Code      Code                   `json:"code"`
	Retryable bool                   `json:"retryable"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	cause     error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.cause }

// ToJSON renders the error for inclusion in a synthesized API response.
func (e *Error) ToJSON() map[string]interface{} {
	out := map[string]interface{}{
		"code":      string(e.Code),
		"message":   e.Message,
		"retryable": e.Retryable,
	}
	for k, v := range e.Metadata {
		out[k] = v
	}
	return out
}

func (e *Error) MarshalJSON() ([]byte, error) { return json.Marshal(e.ToJSON()) }

func newErr(code Code, message string, retryable bool, meta map[string]interface{}) *Error {
	if meta == nil {
		meta = map[string]interface{}{}
	}
	return &Error{Message: message, Code: code, Retryable: retryable, Metadata: meta}
}

// AuthFailure wraps a refresh denial or missing refresh token. Recovered
// locally by cooling down the account; never surfaced unless every account
// has failed.
func AuthFailure(accountEmail, reason string, cause error) *Error {
	e := newErr(CodeAuthFailure, "authentication failed", false, map[string]interface{}{
		"accountEmail": accountEmail,
		"reason":       reason,
	})
	e.cause = cause
	return e
}

// RateLimited wraps a 429. Feeds the rate-limit tracker and the backoff
// decider; never surfaced to the caller directly except via the synthesized
// exhaustion response.
func RateLimited(resetMs int64, accountEmail string) *Error {
	return newErr(CodeRateLimited, "rate limited", true, map[string]interface{}{
		"resetMs":      resetMs,
		"accountEmail": accountEmail,
	})
}

// UpstreamError wraps a non-2xx, non-429 response. Recorded as a health
// failure and returned to the caller as-is.
func UpstreamError(statusCode int, message string) *Error {
	return newErr(CodeUpstreamError, message, statusCode >= 500, map[string]interface{}{
		"statusCode": statusCode,
	})
}

// Transport wraps a socket/TLS/timeout failure.
func Transport(cause error) *Error {
	e := newErr(CodeTransport, "transport error", true, nil)
	e.cause = cause
	return e
}

// StorageBusy signals a lock-acquisition failure after retries.
func StorageBusy(cause error) *Error {
	e := newErr(CodeStorageBusy, "account store is locked by another process", false, nil)
	e.cause = cause
	return e
}

// StorageIO signals a write/read failure unrelated to parsing.
func StorageIO(cause error) *Error {
	e := newErr(CodeStorageIO, "account store I/O failed", false, nil)
	e.cause = cause
	return e
}

// StorageCorrupt signals a parse failure; the caller should have already
// quarantined the file and continue with an empty document.
func StorageCorrupt(path string, cause error) *Error {
	e := newErr(CodeStorageCorrupt, "account store was corrupt and has been quarantined", false, map[string]interface{}{
		"path": path,
	})
	e.cause = cause
	return e
}

// ModelCatalogUnavailable is raised before any request is issued when no
// catalog source can resolve the requested slug.
func ModelCatalogUnavailable(modelID string, cause error) *Error {
	e := newErr(CodeModelCatalogUnavailable, fmt.Sprintf("model catalog unavailable for %q", modelID), true, map[string]interface{}{
		"modelId": modelID,
	})
	e.cause = cause
	return e
}

// Cancelled wraps inbound abort-signal cancellation. Always propagated.
func Cancelled(cause error) *Error {
	e := newErr(CodeCancelled, "request cancelled", false, nil)
	e.cause = cause
	return e
}

// NoAccounts signals the selector found no usable account.
func NoAccounts(message string, allRateLimited bool) *Error {
	if message == "" {
		message = "no accounts available"
	}
	return newErr(CodeNoAccounts, message, allRateLimited, map[string]interface{}{
		"allRateLimited": allRateLimited,
	})
}

// Is reports whether err carries the given Code.
func Is(err error, code Code) bool {
	ae, ok := err.(*Error)
	return ok && ae.Code == code
}

// HTTPStatus maps a Code to the status code a synthesized response should use.
func HTTPStatus(err error) int {
	ae, ok := err.(*Error)
	if !ok {
		return 500
	}
	switch ae.Code {
	case CodeRateLimited, CodeNoAccounts:
		return 429
	case CodeAuthFailure:
		return 401
	case CodeUpstreamError:
		if sc, ok := ae.Metadata["statusCode"].(int); ok && sc > 0 {
			return sc
		}
		return 502
	case CodeModelCatalogUnavailable:
		return 503
	case CodeCancelled:
		return 499
	default:
		return 500
	}
}
