package domain

import "strings"

// ErrorKind is the closed taxonomy of failure reasons the orchestrator
// reasons about. Everything downstream of the proxy adapter boundary
// branches on this value, never on error strings - classification happens
// exactly once, where the raw backend response is inspected.
type ErrorKind string

const (
	ErrorKindNone ErrorKind = ""

	// Transient - retried in place, then failed over.
	ErrorKindTimeout           ErrorKind = "timeout"
	ErrorKindConnectionRefused ErrorKind = "connection_refused"
	ErrorKindConnectionReset   ErrorKind = "connection_reset"
	ErrorKindDNSFailure        ErrorKind = "dns_failure"
	ErrorKindHTTPGateway       ErrorKind = "http_gateway"

	// Non-retryable - cooldown + breaker open, failover only, never retried
	// on the same server.
	ErrorKindOutOfMemory     ErrorKind = "out_of_memory"
	ErrorKindModelNotFound   ErrorKind = "model_not_found"
	ErrorKindUnauthorized    ErrorKind = "unauthorized"
	ErrorKindBadRequest      ErrorKind = "bad_request"
	ErrorKindRunnerTerm      ErrorKind = "runner_terminated"
	ErrorKindFatalModelError ErrorKind = "fatal_model_server_error"

	// Advisory - circuit/queue induced, never a network response.
	ErrorKindCircuitOpen ErrorKind = "circuit_open"
	ErrorKindRateLimit   ErrorKind = "rate_limit"

	// Orchestrator-originated.
	ErrorKindQueueFull     ErrorKind = "queue_full"
	ErrorKindQueueTimeout  ErrorKind = "queue_timeout"
	ErrorKindCancelled     ErrorKind = "cancelled"
	ErrorKindNoCandidate   ErrorKind = "no_candidate"
	ErrorKindInternalState ErrorKind = "internal_state"
)

// IsTransient reports whether the kind is counted, retried in-place up to
// the configured retry budget, and only failed over on exhaustion.
func (k ErrorKind) IsTransient() bool {
	switch k {
	case ErrorKindTimeout, ErrorKindConnectionRefused, ErrorKindConnectionReset,
		ErrorKindDNSFailure, ErrorKindHTTPGateway, ErrorKindRateLimit:
		return true
	default:
		return false
	}
}

// IsNonRetryable reports whether the kind must never be retried on the same
// server - it applies an immediate cooldown and opens the breaker instead.
func (k ErrorKind) IsNonRetryable() bool {
	switch k {
	case ErrorKindOutOfMemory, ErrorKindModelNotFound, ErrorKindUnauthorized,
		ErrorKindBadRequest, ErrorKindRunnerTerm, ErrorKindFatalModelError:
		return true
	default:
		return false
	}
}

// IsFatal reports whether the kind terminates the whole dispatch rather
// than triggering a failover.
func (k ErrorKind) IsFatal() bool {
	switch k {
	case ErrorKindNoCandidate, ErrorKindQueueFull, ErrorKindQueueTimeout, ErrorKindInternalState:
		return true
	default:
		return false
	}
}

// nonRetryablePatterns and transientPatterns implement the message-pattern
// classification of spec.md §4.3. Matching is case-insensitive and happens
// once, at the proxy adapter boundary, against the backend's status code
// and response body - never repeated downstream.
var nonRetryablePatterns = map[string]ErrorKind{
	"not found":              ErrorKindModelNotFound,
	"invalid":                ErrorKindBadRequest,
	"unauthorized":           ErrorKindUnauthorized,
	"forbidden":              ErrorKindUnauthorized,
	"bad request":            ErrorKindBadRequest,
	"not enough ram":         ErrorKindOutOfMemory,
	"out of memory":          ErrorKindOutOfMemory,
	"runner terminated":      ErrorKindRunnerTerm,
	"fatal model server error": ErrorKindFatalModelError,
}

var transientPatterns = map[string]ErrorKind{
	"timeout":                 ErrorKindTimeout,
	"temporarily unavailable": ErrorKindTimeout,
	"rate limit":              ErrorKindRateLimit,
	"too many requests":       ErrorKindRateLimit,
	"service unavailable":     ErrorKindHTTPGateway,
	"gateway timeout":         ErrorKindHTTPGateway,
	"connection reset":        ErrorKindConnectionReset,
	"connection refused":      ErrorKindConnectionRefused,
	"timed out":               ErrorKindTimeout,
}

// ClassifyMessage applies the spec's pattern table to a lower-cased error
// or response-body message. Within each table the longest matching pattern
// wins, so "gateway timeout" classifies as HTTPGateway, not as a plain
// "timeout". An unmatched message classifies as Unknown,
// reported here as ErrorKindNone with ok=false so callers fall back to
// status-code or net.Error based classification.
func ClassifyMessage(message string) (ErrorKind, bool) {
	lower := strings.ToLower(message)
	for _, table := range []map[string]ErrorKind{nonRetryablePatterns, transientPatterns} {
		best := ""
		for pattern := range table {
			if len(pattern) > len(best) && strings.Contains(lower, pattern) {
				best = pattern
			}
		}
		if best != "" {
			return table[best], true
		}
	}
	return ErrorKindNone, false
}

// ClassifyStatusCode maps a raw HTTP status to an ErrorKind when the body
// didn't already yield one via ClassifyMessage.
func ClassifyStatusCode(status int) ErrorKind {
	switch {
	case status == 401 || status == 403:
		return ErrorKindUnauthorized
	case status == 400:
		return ErrorKindBadRequest
	case status == 404:
		return ErrorKindModelNotFound
	case status == 429:
		return ErrorKindRateLimit
	case status == 502 || status == 503 || status == 504:
		return ErrorKindHTTPGateway
	default:
		return ErrorKindNone
	}
}

// DispatchError is the terminal error surfaced to a caller once every
// candidate has been exhausted. It carries diagnostics for every server
// attempted, not just the last one.
type DispatchError struct {
	Kind     ErrorKind
	Attempts []Attempt
}

type Attempt struct {
	ServerID string
	Kind     ErrorKind
}

func (e *DispatchError) Error() string {
	var b strings.Builder
	b.WriteString("dispatch failed: ")
	b.WriteString(string(e.Kind))
	if len(e.Attempts) > 0 {
		b.WriteString(" (attempts: ")
		for i, a := range e.Attempts {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(a.ServerID)
			b.WriteString("=")
			b.WriteString(string(a.Kind))
		}
		b.WriteString(")")
	}
	return b.String()
}
