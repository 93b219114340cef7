package domain

import (
	"context"
	"time"
)

// RequestPriority orders queue admission. Higher values are served first
// within the same aging bucket.
type RequestPriority int

const (
	PriorityLow      RequestPriority = 0
	PriorityNormal   RequestPriority = 5
	PriorityHigh     RequestPriority = 10
	PriorityCritical RequestPriority = 15
)

// Operation names which backend call a request maps to - the orchestrator
// is operation-agnostic past this point, it just needs to know which
// BackendClient method to invoke.
type Operation string

const (
	OperationGenerate Operation = "generate"
	OperationChat     Operation = "chat"
	OperationEmbed    Operation = "embed"
)

// RequestContext is the full lifecycle record of one inference request,
// from admission through completion. It is built incrementally by the
// orchestrator and persisted (in trimmed form) to request-history.json.
type RequestContext struct {
	StartTime         time.Time
	EndTime           *time.Time
	Duration          *time.Duration
	TTFT              *time.Duration
	StreamingDuration *time.Duration
	QueueWaitTime     *time.Duration
	ID                string
	Model             string
	ServerID          string
	ClientID          string
	Error             ErrorKind
	Operation         Operation
	TokensPrompt      int
	TokensGenerated   int
	Priority          RequestPriority
	Streaming         bool
	Success           bool
}

// MarkQueued returns now as the time a request was admitted into the
// priority queue. It sets no field of r; QueueWaitTime is filled in by
// the caller once the request is dequeued.
func (r *RequestContext) MarkQueued(now time.Time) time.Time {
	return now
}

// Finish closes out the context on completion or failure.
func (r *RequestContext) Finish(now time.Time, kind ErrorKind) {
	r.EndTime = &now
	d := now.Sub(r.StartTime)
	r.Duration = &d
	r.Error = kind
	r.Success = kind == ErrorKindNone
}

type requestContextKey struct{}

// WithRequestContext attaches the in-flight request record to ctx so
// selectors (streaming mode, client id for sticky sessions) and the proxy
// layer can read it without widening every interface signature.
func WithRequestContext(ctx context.Context, rc *RequestContext) context.Context {
	return context.WithValue(ctx, requestContextKey{}, rc)
}

// RequestContextFromContext retrieves the record attached by
// WithRequestContext, if any.
func RequestContextFromContext(ctx context.Context) (*RequestContext, bool) {
	rc, ok := ctx.Value(requestContextKey{}).(*RequestContext)
	return rc, ok
}
