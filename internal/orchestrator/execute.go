package orchestrator

import (
	"bytes"
	"context"
	"io"

	"github.com/relaymesh/relay/internal/adapter/proxy"
	"github.com/relaymesh/relay/internal/core/domain"
	"github.com/relaymesh/relay/internal/core/ports"
)

// executeOnce dispatches one request to one server, applying the
// in-request same-server retry tier of spec.md §4.7 step 5. InFlight is
// incremented before the first attempt and decremented once every retry
// has either succeeded or been exhausted, matching spec.md §5's
// increment-before/decrement-after guarantee.
func (o *Orchestrator) executeOnce(ctx context.Context, server *domain.Server, req *domain.RequestContext, bodyBytes []byte, w io.Writer) (*ports.BackendResult, domain.ErrorKind, error) {
	o.metrics.RecordConnection(server.ID, req.Model, 1)
	defer o.metrics.RecordConnection(server.ID, req.Model, -1)

	policy := proxy.NewRetryPolicy(o.retryCfg)
	attempt := func(ctx context.Context) (*ports.BackendResult, error) {
		body := bytes.NewReader(bodyBytes)
		switch req.Operation {
		case domain.OperationChat:
			return o.client.Chat(ctx, server, body, req.Streaming, w)
		case domain.OperationEmbed:
			return o.client.Embed(ctx, server, body)
		default:
			return o.client.Generate(ctx, server, body, req.Streaming, w)
		}
	}

	result, err := proxy.ExecuteWithRetry(ctx, policy, attempt)
	if err == nil {
		return result, domain.ErrorKindNone, nil
	}
	return result, o.classifyExecError(result, err), err
}

func (o *Orchestrator) classifyExecError(result *ports.BackendResult, err error) domain.ErrorKind {
	if result != nil && result.ErrorKind != "" {
		return result.ErrorKind
	}
	if ctx := ctxErrorKind(err); ctx != "" {
		return ctx
	}
	if kind := o.classifier.ClassifyMessage(err.Error()); kind != domain.ErrorKindNone {
		return kind
	}
	return domain.ErrorKindConnectionRefused
}

func ctxErrorKind(err error) domain.ErrorKind {
	switch err {
	case context.Canceled:
		return domain.ErrorKindCancelled
	case context.DeadlineExceeded:
		return domain.ErrorKindTimeout
	default:
		return ""
	}
}
