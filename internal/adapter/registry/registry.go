// Package registry implements the server and model registry: URL-normalised
// deduplication, CRUD, and per-(server,model) bans.
package registry

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/relaymesh/relay/internal/core/domain"
	"github.com/relaymesh/relay/internal/core/ports"
	"github.com/relaymesh/relay/internal/logger"
	"github.com/relaymesh/relay/internal/util"
)

// MemoryServerRegistry is the in-memory domain.ServerRegistry. The primary
// map is lock-free (xsync); the URL secondary index is guarded by a mutex
// so add/remove can perform an atomic check-then-insert.
type MemoryServerRegistry struct {
	servers *xsync.MapOf[string, *domain.Server]
	urlToID *xsync.MapOf[string, string]
	bans    *xsync.MapOf[string, *domain.Ban]

	store                 ports.Store
	logger                *logger.StyledLogger
	defaultMaxConcurrency int

	urlMu sync.Mutex
}

// NewMemoryServerRegistry builds the in-memory registry. defaultMaxConcurrency
// is applied to any ServerSpec that leaves MaxConcurrency unset (typically
// config.LoadBalancerConfig.DefaultMaxConcurrency); it has no effect on a
// spec that sets MaxConcurrency explicitly, including an explicit 0.
func NewMemoryServerRegistry(store ports.Store, defaultMaxConcurrency int, log *logger.StyledLogger) *MemoryServerRegistry {
	log.Info("Started in-memory server registry")
	return &MemoryServerRegistry{
		servers:               xsync.NewMapOf[string, *domain.Server](),
		urlToID:               xsync.NewMapOf[string, string](),
		bans:                  xsync.NewMapOf[string, *domain.Ban](),
		store:                 store,
		logger:                log,
		defaultMaxConcurrency: defaultMaxConcurrency,
	}
}

func banKey(serverID, model string) string {
	return serverID + "|" + model
}

func newServerID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return "srv_" + hex.EncodeToString(buf)
}

func (r *MemoryServerRegistry) Add(ctx context.Context, spec domain.ServerSpec) (*domain.Server, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	normalized, err := util.NormalizeServerURL(spec.URL)
	if err != nil {
		return nil, fmt.Errorf("registry add: %w", err)
	}

	r.urlMu.Lock()
	defer r.urlMu.Unlock()

	if existingID, ok := r.urlToID.Load(normalized); ok {
		if existing, ok := r.servers.Load(existingID); ok {
			return existing, domain.ErrDuplicateURL
		}
	}

	parsed, _ := url.Parse(spec.URL)
	maxConcurrency := r.defaultMaxConcurrency
	if spec.MaxConcurrency != nil {
		maxConcurrency = *spec.MaxConcurrency
	}

	server := &domain.Server{
		ID:             newServerID(),
		Name:           spec.Name,
		URL:            parsed,
		NormalizedURL:  normalized,
		MaxConcurrency: maxConcurrency,
		Capabilities:   spec.Capabilities,
		Credential:     spec.Credential,
		Healthy:        false,
		Type:           domain.ServerTypeStandard,
	}

	r.servers.Store(server.ID, server)
	r.urlToID.Store(normalized, server.ID)

	r.logger.InfoWithServer("Added server", server.ID)
	return server, nil
}

func (r *MemoryServerRegistry) Remove(ctx context.Context, id string) error {
	r.urlMu.Lock()
	defer r.urlMu.Unlock()

	server, ok := r.servers.Load(id)
	if !ok {
		return domain.ErrServerNotFound
	}

	r.servers.Delete(id)
	r.urlToID.Delete(server.NormalizedURL)

	r.logger.InfoWithServer("Removed server", id)
	return nil
}

func (r *MemoryServerRegistry) Update(ctx context.Context, id string, patch func(*domain.Server)) (*domain.Server, error) {
	server, ok := r.servers.Load(id)
	if !ok {
		return nil, domain.ErrServerNotFound
	}

	clone := server.Clone()
	patch(clone)
	r.servers.Store(id, clone)
	return clone, nil
}

func (r *MemoryServerRegistry) Get(ctx context.Context, id string) (*domain.Server, error) {
	server, ok := r.servers.Load(id)
	if !ok {
		return nil, domain.ErrServerNotFound
	}
	return server, nil
}

func (r *MemoryServerRegistry) List(ctx context.Context) ([]*domain.Server, error) {
	out := make([]*domain.Server, 0, r.servers.Size())
	r.servers.Range(func(_ string, s *domain.Server) bool {
		out = append(out, s)
		return true
	})
	return out, nil
}

func (r *MemoryServerRegistry) Ban(ctx context.Context, serverID, model, reason string, ttl time.Duration) error {
	if _, ok := r.servers.Load(serverID); !ok {
		return domain.ErrServerNotFound
	}

	ban := &domain.Ban{ServerID: serverID, Model: model, Reason: reason}
	if ttl > 0 {
		expires := time.Now().Add(ttl)
		ban.ExpiresAt = &expires
	}
	r.bans.Store(banKey(serverID, model), ban)
	return nil
}

// IsBanned lazily evicts an expired ban on read, per spec.md §4.1.
func (r *MemoryServerRegistry) IsBanned(ctx context.Context, serverID, model string, now time.Time) bool {
	key := banKey(serverID, model)
	ban, ok := r.bans.Load(key)
	if !ok {
		return false
	}
	if ban.ExpiresAt != nil && !now.Before(*ban.ExpiresAt) {
		r.bans.Delete(key)
		return false
	}
	return true
}

// LoadPersisted restores servers from the store, deduplicating by
// normalized URL and keeping the first occurrence by insertion order - the
// loader then writes the deduped list back so the on-disk state heals.
func (r *MemoryServerRegistry) LoadPersisted(ctx context.Context) error {
	if r.store == nil {
		return nil
	}

	servers, err := r.store.LoadServers(ctx)
	if err != nil {
		return fmt.Errorf("registry load: %w", err)
	}

	seen := make(map[string]bool, len(servers))
	deduped := make([]*domain.Server, 0, len(servers))

	for _, s := range servers {
		normalized, err := util.NormalizeServerURL(s.URL.String())
		if err != nil {
			r.logger.Warn("Skipping persisted server with invalid url", "id", s.ID, "error", err)
			continue
		}
		if seen[normalized] {
			continue
		}
		seen[normalized] = true
		s.NormalizedURL = normalized
		if s.ID == "" {
			s.ID = newServerID()
		}

		deduped = append(deduped, s)
		r.servers.Store(s.ID, s)
		r.urlToID.Store(normalized, s.ID)
	}

	bans, err := r.store.LoadBans(ctx)
	if err != nil {
		return fmt.Errorf("registry load bans: %w", err)
	}
	for _, b := range bans {
		r.bans.Store(banKey(b.ServerID, b.Model), b)
	}

	if len(deduped) != len(servers) {
		if err := r.store.SaveServers(ctx, deduped); err != nil {
			r.logger.Warn("Failed to write back deduplicated servers", "error", err)
		}
	}

	r.logger.InfoWithCount("Loaded persisted servers", len(deduped))
	return nil
}

func (r *MemoryServerRegistry) Snapshot(ctx context.Context) []*domain.Server {
	out := make([]*domain.Server, 0, r.servers.Size())
	r.servers.Range(func(_ string, s *domain.Server) bool {
		out = append(out, s.Clone())
		return true
	})
	return out
}

// BanSnapshot returns every currently-tracked ban, expired or not - the
// persistence flush writes the raw set; LoadPersisted restores it as-is
// and IsBanned lazily evicts any expired entry on its next read.
func (r *MemoryServerRegistry) BanSnapshot(ctx context.Context) []*domain.Ban {
	out := make([]*domain.Ban, 0, r.bans.Size())
	r.bans.Range(func(_ string, b *domain.Ban) bool {
		ban := *b
		out = append(out, &ban)
		return true
	})
	return out
}
