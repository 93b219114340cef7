package persistence

import (
	"context"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/relaymesh/relay/internal/core/domain"
)

func TestStoreServersRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, nil)
	ctx := context.Background()

	u, _ := url.Parse("http://localhost:11434")
	servers := []*domain.Server{{ID: "srv_1", Name: "a", URL: u, NormalizedURL: "http://localhost:11434", Models: []string{"llama3"}}}

	if err := s.SaveServers(ctx, servers); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := s.LoadServers(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(loaded) != 1 || loaded[0].ID != "srv_1" {
		t.Fatalf("unexpected round-trip result: %+v", loaded)
	}
}

func TestStoreLoadMissingFileReturnsEmpty(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, nil)
	servers, err := s.LoadServers(context.Background())
	if err != nil {
		t.Fatalf("expected no error for missing file, got %v", err)
	}
	if servers != nil {
		t.Fatalf("expected nil slice, got %+v", servers)
	}
}

func TestStoreLoadCorruptFileToleratesAndReturnsEmpty(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, serversFile), []byte("{not valid json"), 0o644); err != nil {
		t.Fatal(err)
	}
	s := New(dir, nil)
	servers, err := s.LoadServers(context.Background())
	if err != nil {
		t.Fatalf("expected corrupt file to be tolerated, got error %v", err)
	}
	if servers != nil {
		t.Fatalf("expected empty result for corrupt file, got %+v", servers)
	}
}

func TestStoreBansRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, nil)
	ctx := context.Background()
	exp := time.Now().Add(time.Hour)
	bans := []*domain.Ban{{ServerID: "s1", Model: "m1", Reason: "timeout", ExpiresAt: &exp}}

	s.SaveBans(ctx, bans)
	loaded, err := s.LoadBans(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(loaded) != 1 || loaded[0].ServerID != "s1" {
		t.Fatalf("unexpected result: %+v", loaded)
	}
}

func TestStoreMetricsRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, nil)
	ctx := context.Background()
	metrics := []domain.ServerModelMetrics{
		{ServerID: "s1", Model: "m1", Resolution: domain.Window1Minute, RequestCount: 5},
	}
	if err := s.SaveMetrics(ctx, metrics); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := s.LoadMetrics(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(loaded) != 1 || loaded[0].RequestCount != 5 {
		t.Fatalf("unexpected result: %+v", loaded)
	}
}

func TestStoreDecisionHistoryRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, nil)
	ctx := context.Background()
	events := []domain.DecisionEvent{{RequestID: "r1", Model: "m1", Algorithm: "weighted", Chosen: "s1"}}

	s.SaveDecisionHistory(ctx, events)
	loaded, err := s.LoadDecisionHistory(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(loaded) != 1 || loaded[0].RequestID != "r1" {
		t.Fatalf("unexpected result: %+v", loaded)
	}
}

func TestStoreRequestHistoryRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, nil)
	ctx := context.Background()
	byServer := map[string][]domain.RequestContext{
		"s1": {{ID: "r1", Model: "m1"}},
	}
	s.SaveRequestHistory(ctx, byServer)
	loaded, err := s.LoadRequestHistory(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(loaded["s1"]) != 1 {
		t.Fatalf("unexpected result: %+v", loaded)
	}
}

func TestStoreRequestHistoryMissingReturnsEmptyMap(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, nil)
	loaded, err := s.LoadRequestHistory(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if loaded == nil {
		t.Fatal("expected a non-nil empty map")
	}
}

func TestStoreRecoveryFailuresRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, nil)
	ctx := context.Background()
	records := []domain.RecoveryFailureRecord{{ServerID: "s1", Model: "m1"}}

	s.SaveRecoveryFailures(ctx, records)
	loaded, err := s.LoadRecoveryFailures(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(loaded) != 1 || loaded[0].ServerID != "s1" {
		t.Fatalf("unexpected result: %+v", loaded)
	}
}

func TestStoreBackupRotation(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		bans := []*domain.Ban{{ServerID: "s1", Model: "m1", Reason: "iteration"}}
		if err := s.SaveBans(ctx, bans); err != nil {
			t.Fatalf("save %d: %v", i, err)
		}
	}

	target := filepath.Join(dir, bansFile)
	for n := 1; n <= backupDepth; n++ {
		if _, err := os.Stat(backupName(target, n)); err != nil {
			t.Errorf("expected backup %d to exist: %v", n, err)
		}
	}
	if _, err := os.Stat(backupName(target, backupDepth+1)); !os.IsNotExist(err) {
		t.Errorf("expected no backup beyond depth %d", backupDepth)
	}
}
