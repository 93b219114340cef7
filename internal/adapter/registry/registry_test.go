package registry

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/relaymesh/relay/internal/adapter/persistence"
	"github.com/relaymesh/relay/internal/core/domain"
	"github.com/relaymesh/relay/internal/logger"
	"github.com/relaymesh/relay/theme"
)

func testLogger() *logger.StyledLogger {
	return logger.NewStyledLogger(slog.Default(), theme.GetTheme(""))
}

func TestRegistryAddAndGet(t *testing.T) {
	r := NewMemoryServerRegistry(nil, 4, testLogger())
	ctx := context.Background()

	srv, err := r.Add(ctx, domain.ServerSpec{Name: "a", URL: "http://localhost:11434"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if srv.MaxConcurrency != 4 {
		t.Errorf("expected configured default max concurrency 4, got %d", srv.MaxConcurrency)
	}

	got, err := r.Get(ctx, srv.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.ID != srv.ID {
		t.Errorf("expected to get back the same server")
	}
}

func TestRegistryAddExplicitMaxConcurrency(t *testing.T) {
	r := NewMemoryServerRegistry(nil, 4, testLogger())
	ctx := context.Background()

	override := 12
	srv, err := r.Add(ctx, domain.ServerSpec{Name: "a", URL: "http://localhost:11434", MaxConcurrency: &override})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if srv.MaxConcurrency != 12 {
		t.Errorf("expected explicit max concurrency 12, got %d", srv.MaxConcurrency)
	}
}

func TestRegistryAddExplicitZeroIsMaintenance(t *testing.T) {
	r := NewMemoryServerRegistry(nil, 4, testLogger())
	ctx := context.Background()

	zero := 0
	srv, err := r.Add(ctx, domain.ServerSpec{Name: "a", URL: "http://localhost:11434", MaxConcurrency: &zero})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if srv.MaxConcurrency != 0 {
		t.Errorf("expected explicit 0 to be preserved, got %d", srv.MaxConcurrency)
	}
	if !srv.InMaintenance() {
		t.Errorf("expected server added with explicit max concurrency 0 to be in maintenance mode")
	}
}

func TestRegistryAddDuplicateURL(t *testing.T) {
	r := NewMemoryServerRegistry(nil, 4, testLogger())
	ctx := context.Background()

	if _, err := r.Add(ctx, domain.ServerSpec{Name: "a", URL: "http://localhost:11434"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, err := r.Add(ctx, domain.ServerSpec{Name: "b", URL: "http://localhost:11434/"})
	if err != domain.ErrDuplicateURL {
		t.Fatalf("expected ErrDuplicateURL, got %v", err)
	}
}

func TestRegistryRemove(t *testing.T) {
	r := NewMemoryServerRegistry(nil, 4, testLogger())
	ctx := context.Background()
	srv, _ := r.Add(ctx, domain.ServerSpec{Name: "a", URL: "http://localhost:11434"})

	if err := r.Remove(ctx, srv.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := r.Get(ctx, srv.ID); err != domain.ErrServerNotFound {
		t.Fatalf("expected ErrServerNotFound, got %v", err)
	}

	// Removing frees the URL for reuse.
	if _, err := r.Add(ctx, domain.ServerSpec{Name: "a2", URL: "http://localhost:11434"}); err != nil {
		t.Fatalf("expected re-add after remove to succeed, got %v", err)
	}
}

func TestRegistryRemoveNotFound(t *testing.T) {
	r := NewMemoryServerRegistry(nil, 4, testLogger())
	if err := r.Remove(context.Background(), "missing"); err != domain.ErrServerNotFound {
		t.Fatalf("expected ErrServerNotFound, got %v", err)
	}
}

func TestRegistryUpdate(t *testing.T) {
	r := NewMemoryServerRegistry(nil, 4, testLogger())
	ctx := context.Background()
	srv, _ := r.Add(ctx, domain.ServerSpec{Name: "a", URL: "http://localhost:11434"})

	updated, err := r.Update(ctx, srv.ID, func(s *domain.Server) {
		s.Healthy = true
		s.Models = []string{"llama3"}
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !updated.Healthy || len(updated.Models) != 1 {
		t.Errorf("expected patch to apply, got %+v", updated)
	}

	// Patch mutates a clone - the original server instance fetched earlier
	// must stay unaffected.
	if srv.Healthy {
		t.Error("expected original server snapshot to remain unmutated")
	}
}

func TestRegistryBanAndIsBanned(t *testing.T) {
	r := NewMemoryServerRegistry(nil, 4, testLogger())
	ctx := context.Background()
	srv, _ := r.Add(ctx, domain.ServerSpec{Name: "a", URL: "http://localhost:11434"})

	if err := r.Ban(ctx, srv.ID, "llama3", "timeout", 10*time.Millisecond); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !r.IsBanned(ctx, srv.ID, "llama3", time.Now()) {
		t.Fatal("expected server/model to be banned immediately after Ban")
	}

	later := time.Now().Add(20 * time.Millisecond)
	if r.IsBanned(ctx, srv.ID, "llama3", later) {
		t.Fatal("expected ban to have lazily expired")
	}
}

func TestRegistryBanPermanent(t *testing.T) {
	r := NewMemoryServerRegistry(nil, 4, testLogger())
	ctx := context.Background()
	srv, _ := r.Add(ctx, domain.ServerSpec{Name: "a", URL: "http://localhost:11434"})

	if err := r.Ban(ctx, srv.ID, "llama3", "manual", 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	far := time.Now().Add(365 * 24 * time.Hour)
	if !r.IsBanned(ctx, srv.ID, "llama3", far) {
		t.Fatal("expected a zero-TTL ban to never expire")
	}
}

func TestRegistryBanUnknownServer(t *testing.T) {
	r := NewMemoryServerRegistry(nil, 4, testLogger())
	if err := r.Ban(context.Background(), "missing", "m", "x", time.Minute); err != domain.ErrServerNotFound {
		t.Fatalf("expected ErrServerNotFound, got %v", err)
	}
}

func TestRegistryListAndSnapshot(t *testing.T) {
	r := NewMemoryServerRegistry(nil, 4, testLogger())
	ctx := context.Background()
	r.Add(ctx, domain.ServerSpec{Name: "a", URL: "http://localhost:11434"})
	r.Add(ctx, domain.ServerSpec{Name: "b", URL: "http://localhost:11435"})

	list, _ := r.List(ctx)
	if len(list) != 2 {
		t.Fatalf("expected 2 servers, got %d", len(list))
	}

	snap := r.Snapshot(ctx)
	if len(snap) != 2 {
		t.Fatalf("expected 2 snapshot entries, got %d", len(snap))
	}
	snap[0].Healthy = true
	live, _ := r.Get(ctx, snap[0].ID)
	if live.Healthy {
		t.Error("expected snapshot mutation to not affect the live registry entry")
	}
}

func TestRegistryLoadPersistedDedup(t *testing.T) {
	dir := t.TempDir()
	store := persistence.New(dir, testLogger())

	ctx := context.Background()
	seedRegistry := NewMemoryServerRegistry(store, 4, testLogger())
	seedRegistry.Add(ctx, domain.ServerSpec{Name: "a", URL: "http://localhost:11434"})
	seedRegistry.Add(ctx, domain.ServerSpec{Name: "b", URL: "http://localhost:11435"})
	servers, _ := seedRegistry.List(ctx)
	store.SaveServers(ctx, servers)

	// Duplicate a server's normalized URL in the persisted list to force
	// dedup-on-load.
	dupe := servers[0].Clone()
	dupe.ID = "" // differs from the original's id; dedup keys on the normalized URL
	store.SaveServers(ctx, append(servers, dupe))

	fresh := NewMemoryServerRegistry(store, 4, testLogger())
	if err := fresh.LoadPersisted(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	loaded, _ := fresh.List(ctx)
	if len(loaded) != 2 {
		t.Fatalf("expected dedup down to 2 servers, got %d", len(loaded))
	}
}

func TestRegistryLoadPersistedNilStore(t *testing.T) {
	r := NewMemoryServerRegistry(nil, 4, testLogger())
	if err := r.LoadPersisted(context.Background()); err != nil {
		t.Fatalf("expected nil-store load to be a no-op, got %v", err)
	}
}
