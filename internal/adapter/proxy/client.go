// Package proxy implements the BackendClient port of spec.md §6: the
// typed HTTP protocol this orchestrator speaks to every backend, plus the
// chunk-arrival bookkeeping streaming responses need (TTFT, activity
// timeout, streaming duration).
package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/relaymesh/relay/internal/adapter/breaker"
	"github.com/relaymesh/relay/internal/config"
	"github.com/relaymesh/relay/internal/core/domain"
	"github.com/relaymesh/relay/internal/core/ports"
	"github.com/relaymesh/relay/internal/logger"
	"github.com/relaymesh/relay/internal/util"
)

const (
	pathListModels       = "/api/tags"
	pathListLoadedModels = "/api/ps"
	pathGenerate         = "/api/generate"
	pathChat             = "/api/chat"
	pathEmbed            = "/api/embed"
	pathCompatModels     = "/v1/models"

	listLoadedModelsTimeout = 3 * time.Second
	discoverTimeout         = 3 * time.Second
)

// Client implements ports.BackendClient over the common Ollama-shaped
// HTTP API spec.md §6 describes.
type Client struct {
	http       *http.Client
	cfg        config.StreamingConfig
	classifier *breaker.Classifier
	log        *logger.StyledLogger
	now        func() time.Time
	userAgent  string
}

// NewClient builds a backend client. errorPatterns is the operator-
// configurable non-retryable/transient pattern list (spec.md §6
// circuitBreaker.errorPatterns) layered in front of the built-in message
// classification table.
func NewClient(http *http.Client, cfg config.StreamingConfig, errorPatterns config.ErrorPatternsConfig, log *logger.StyledLogger) *Client {
	return &Client{
		http:       http,
		cfg:        cfg,
		classifier: breaker.NewClassifier(errorPatterns),
		log:        log,
		now:        time.Now,
		userAgent:  "relay/backend-client",
	}
}

func (c *Client) newRequest(ctx context.Context, method, url string, body io.Reader, server *domain.Server) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")
	if method == http.MethodPost {
		req.Header.Set("Content-Type", "application/json")
	}
	if server.Credential.IsSet() {
		req.Header.Set("Authorization", "Bearer "+server.Credential.BearerToken)
	}
	return req, nil
}

// do executes req and classifies any resulting error into a domain
// ErrorKind before returning - the one place per call where a raw
// transport/status failure becomes the typed taxonomy the rest of the
// pipeline reasons about.
func (c *Client) do(req *http.Request) (*http.Response, domain.ErrorKind, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		if kind := c.classifier.ClassifyMessage(err.Error()); kind != domain.ErrorKindNone {
			return nil, kind, err
		}
		return nil, domain.ErrorKindTimeout, err
	}
	if resp.StatusCode >= 400 {
		kind := c.classifier.ClassifyStatusCode(resp.StatusCode)
		if kind == domain.ErrorKindNone {
			kind = domain.ErrorKindFatalModelError
		}
		return resp, kind, nil
	}
	return resp, domain.ErrorKindNone, nil
}

type listModelsResponse struct {
	Models []struct {
		Name       string    `json:"name"`
		Digest     string    `json:"digest"`
		Size       int64     `json:"size"`
		ModifiedAt time.Time `json:"modifiedAt"`
		Details    *struct {
			Family            *string `json:"family"`
			ParameterSize     *string `json:"parameterSize"`
			QuantizationLevel *string `json:"quantizationLevel"`
		} `json:"details"`
	} `json:"models"`
}

func (c *Client) ListModels(ctx context.Context, server *domain.Server) ([]domain.ModelInfo, error) {
	req, err := c.newRequest(ctx, http.MethodGet, util.JoinURLPath(server.NormalizedURL, pathListModels), nil, server)
	if err != nil {
		return nil, err
	}
	resp, kind, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer drain(resp.Body)
	if kind != domain.ErrorKindNone {
		return nil, fmt.Errorf("list models: status %d", resp.StatusCode)
	}

	var parsed listModelsResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode list models response: %w", err)
	}

	out := make([]domain.ModelInfo, 0, len(parsed.Models))
	for _, m := range parsed.Models {
		info := domain.ModelInfo{Name: m.Name, Digest: m.Digest, Size: m.Size, ModifiedAt: m.ModifiedAt}
		if m.Details != nil {
			info.Details = &domain.ModelDetails{
				Family:            m.Details.Family,
				ParameterSize:     m.Details.ParameterSize,
				QuantizationLevel: m.Details.QuantizationLevel,
			}
		}
		out = append(out, info)
	}
	return out, nil
}

type listLoadedModelsResponse struct {
	Models []struct {
		Name      string    `json:"name"`
		Digest    string    `json:"digest"`
		SizeVRAM  int64     `json:"sizeVram"`
		ExpiresAt time.Time `json:"expiresAt"`
	} `json:"models"`
}

// ListLoadedModels is best-effort: a short fixed timeout regardless of the
// caller's context deadline, since spec.md §4.6 treats it as optional and
// non-fatal to the overall health probe.
func (c *Client) ListLoadedModels(ctx context.Context, server *domain.Server) ([]domain.LoadedModel, error) {
	ctx, cancel := context.WithTimeout(ctx, listLoadedModelsTimeout)
	defer cancel()

	req, err := c.newRequest(ctx, http.MethodGet, util.JoinURLPath(server.NormalizedURL, pathListLoadedModels), nil, server)
	if err != nil {
		return nil, err
	}
	resp, kind, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer drain(resp.Body)
	if kind != domain.ErrorKindNone {
		return nil, fmt.Errorf("list loaded models: status %d", resp.StatusCode)
	}

	var parsed listLoadedModelsResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode list loaded models response: %w", err)
	}

	out := make([]domain.LoadedModel, 0, len(parsed.Models))
	for _, m := range parsed.Models {
		out = append(out, domain.LoadedModel{Name: m.Name, Digest: m.Digest, VRAMBytes: m.SizeVRAM, ExpiresAt: m.ExpiresAt})
	}
	return out, nil
}

func (c *Client) Generate(ctx context.Context, server *domain.Server, body io.Reader, streaming bool, w io.Writer) (*ports.BackendResult, error) {
	return c.post(ctx, server, pathGenerate, body, streaming, w)
}

func (c *Client) Chat(ctx context.Context, server *domain.Server, body io.Reader, streaming bool, w io.Writer) (*ports.BackendResult, error) {
	return c.post(ctx, server, pathChat, body, streaming, w)
}

func (c *Client) post(ctx context.Context, server *domain.Server, path string, body io.Reader, streaming bool, w io.Writer) (*ports.BackendResult, error) {
	req, err := c.newRequest(ctx, http.MethodPost, util.JoinURLPath(server.NormalizedURL, path), body, server)
	if err != nil {
		return nil, err
	}

	start := c.now()
	resp, kind, err := c.do(req)
	if err != nil {
		return &ports.BackendResult{ErrorKind: kind}, err
	}
	defer drain(resp.Body)

	if kind != domain.ErrorKindNone {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if mkind := c.classifier.ClassifyMessage(string(msg)); mkind != domain.ErrorKindNone {
			kind = mkind
		}
		return &ports.BackendResult{StatusCode: resp.StatusCode, ErrorKind: kind}, fmt.Errorf("backend status %d: %s", resp.StatusCode, msg)
	}

	if streaming {
		return streamResponse(ctx, resp.Body, w, c.cfg.ActivityTimeout, start, c.log)
	}
	return c.unaryResponse(resp.Body, w, start)
}

func (c *Client) unaryResponse(body io.Reader, w io.Writer, start time.Time) (*ports.BackendResult, error) {
	raw, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	if _, err := w.Write(raw); err != nil {
		return nil, fmt.Errorf("write response body: %w", err)
	}

	result := &ports.BackendResult{TTFT: c.now().Sub(start), StatusCode: http.StatusOK}
	var tail chunkMetadata
	if err := json.Unmarshal(raw, &tail); err == nil {
		result.TokensPrompt = tail.PromptEvalCount
		result.TokensGenerated = tail.EvalCount
	}
	return result, nil
}

// DiscoverCapabilities issues lightweight list calls against the primary
// and OpenAI-compatible surfaces to learn which ones this server exposes.
// A surface that doesn't answer simply leaves its flag false; the call
// itself only errors when no request could be built at all.
func (c *Client) DiscoverCapabilities(ctx context.Context, server *domain.Server) (domain.CapabilityFlags, error) {
	ctx, cancel := context.WithTimeout(ctx, discoverTimeout)
	defer cancel()

	var flags domain.CapabilityFlags
	probe := func(path string) (bool, error) {
		req, err := c.newRequest(ctx, http.MethodGet, util.JoinURLPath(server.NormalizedURL, path), nil, server)
		if err != nil {
			return false, err
		}
		resp, kind, err := c.do(req)
		if err != nil {
			return false, nil
		}
		drain(resp.Body)
		return kind == domain.ErrorKindNone, nil
	}

	primary, err := probe(pathListModels)
	if err != nil {
		return flags, err
	}
	flags.SupportsPrimary = primary

	compat, err := probe(pathCompatModels)
	if err != nil {
		return flags, err
	}
	flags.SupportsCompat = compat
	return flags, nil
}

// Embed has no streaming variant and no caller-visible byte stream - the
// embedding vector itself is outside spec.md's scope for this core, so
// only success/failure and timing are reported back.
func (c *Client) Embed(ctx context.Context, server *domain.Server, body io.Reader) (*ports.BackendResult, error) {
	req, err := c.newRequest(ctx, http.MethodPost, util.JoinURLPath(server.NormalizedURL, pathEmbed), body, server)
	if err != nil {
		return nil, err
	}

	start := c.now()
	resp, kind, err := c.do(req)
	if err != nil {
		return &ports.BackendResult{ErrorKind: kind}, err
	}
	defer drain(resp.Body)
	if kind != domain.ErrorKindNone {
		return &ports.BackendResult{StatusCode: resp.StatusCode, ErrorKind: kind}, fmt.Errorf("embed: status %d", resp.StatusCode)
	}
	return &ports.BackendResult{TTFT: c.now().Sub(start), StatusCode: http.StatusOK}, nil
}

func drain(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, body)
	_ = body.Close()
}
