package proxy

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/relaymesh/relay/internal/config"
	"github.com/relaymesh/relay/internal/core/domain"
)

func testStreamingCfg() config.StreamingConfig {
	return config.StreamingConfig{
		Enabled: true, MaxConcurrentStreams: 10, Timeout: 10 * time.Second,
		BufferSize: 4096, ActivityTimeout: 2 * time.Second,
	}
}

func serverFor(t *testing.T, ts *httptest.Server) *domain.Server {
	t.Helper()
	u, err := url.Parse(ts.URL)
	if err != nil {
		t.Fatal(err)
	}
	return &domain.Server{ID: "s1", URL: u, NormalizedURL: ts.URL}
}

func TestClientListModels(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		w.Write([]byte(`{"models":[{"name":"llama3","digest":"abc123","size":100}]}`))
	}))
	defer ts.Close()

	c := NewClient(ts.Client(), testStreamingCfg(), config.ErrorPatternsConfig{}, nil)
	models, err := c.ListModels(context.Background(), serverFor(t, ts))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(models) != 1 || models[0].Name != "llama3" {
		t.Fatalf("unexpected models: %+v", models)
	}
}

func TestClientListModelsErrorStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	c := NewClient(ts.Client(), testStreamingCfg(), config.ErrorPatternsConfig{}, nil)
	if _, err := c.ListModels(context.Background(), serverFor(t, ts)); err == nil {
		t.Fatal("expected error for 500 status")
	}
}

func TestClientGenerateUnary(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("expected json content type, got %s", r.Header.Get("Content-Type"))
		}
		w.Write([]byte(`{"response":"hello","done":true,"evalCount":5,"promptEvalCount":2}`))
	}))
	defer ts.Close()

	c := NewClient(ts.Client(), testStreamingCfg(), config.ErrorPatternsConfig{}, nil)
	var buf bytes.Buffer
	result, err := c.Generate(context.Background(), serverFor(t, ts), strings.NewReader(`{"model":"m1"}`), false, &buf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.TokensGenerated != 5 || result.TokensPrompt != 2 {
		t.Errorf("unexpected token counts: %+v", result)
	}
	if buf.String() == "" {
		t.Error("expected response body forwarded to writer")
	}
}

func TestClientGenerateBackendError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte("model not found"))
	}))
	defer ts.Close()

	c := NewClient(ts.Client(), testStreamingCfg(), config.ErrorPatternsConfig{}, nil)
	var buf bytes.Buffer
	result, err := c.Generate(context.Background(), serverFor(t, ts), strings.NewReader(`{}`), false, &buf)
	if err == nil {
		t.Fatal("expected an error for a 404 response")
	}
	if result.ErrorKind != domain.ErrorKindModelNotFound {
		t.Errorf("expected model_not_found classification, got %v", result.ErrorKind)
	}
}

func TestClientGenerateConnectionFailure(t *testing.T) {
	c := NewClient(http.DefaultClient, testStreamingCfg(), config.ErrorPatternsConfig{}, nil)
	srv := &domain.Server{ID: "s1", NormalizedURL: "http://127.0.0.1:1"}
	var buf bytes.Buffer
	_, err := c.Generate(context.Background(), srv, strings.NewReader(`{}`), false, &buf)
	if err == nil {
		t.Fatal("expected a connection-level error for an unreachable server")
	}
}

func TestClientAuthorizationHeader(t *testing.T) {
	var gotAuth string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Write([]byte(`{"models":[]}`))
	}))
	defer ts.Close()

	c := NewClient(ts.Client(), testStreamingCfg(), config.ErrorPatternsConfig{}, nil)
	srv := serverFor(t, ts)
	srv.Credential = domain.Credential{BearerToken: "secret-token"}
	c.ListModels(context.Background(), srv)

	if gotAuth != "Bearer secret-token" {
		t.Errorf("expected bearer auth header, got %q", gotAuth)
	}
}

func TestClientEmbed(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embed" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	c := NewClient(ts.Client(), testStreamingCfg(), config.ErrorPatternsConfig{}, nil)
	result, err := c.Embed(context.Background(), serverFor(t, ts), strings.NewReader(`{}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.StatusCode != http.StatusOK {
		t.Errorf("unexpected status: %d", result.StatusCode)
	}
}

func TestClientDiscoverCapabilities(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/tags":
			w.Write([]byte(`{"models":[]}`))
		case "/v1/models":
			http.NotFound(w, r)
		default:
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
	}))
	defer ts.Close()

	c := NewClient(ts.Client(), testStreamingCfg(), config.ErrorPatternsConfig{}, nil)
	flags, err := c.DiscoverCapabilities(context.Background(), serverFor(t, ts))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !flags.SupportsPrimary {
		t.Error("expected primary surface to be detected")
	}
	if flags.SupportsCompat {
		t.Error("expected compat surface to be absent")
	}
}
