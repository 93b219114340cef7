// Package persistence implements the Store port: durable, atomic JSON
// snapshots of server/ban/metrics/decision/request/recovery state
// per spec.md §6's persisted-state layout. The teacher has no equivalent
// (it's always-static-config), so the atomic write-temp+rename+backup
// discipline here is new code, styled after the careful, defensive
// file handling the teacher applies to its own config watcher.
package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/relaymesh/relay/internal/core/domain"
	"github.com/relaymesh/relay/internal/logger"
)

const (
	serversFile          = "servers.json"
	bansFile             = "bans.json"
	metricsFile          = "metrics.json"
	decisionHistoryFile  = "decision-history.json"
	requestHistoryFile   = "request-history.json"
	recoveryFailuresFile = "recovery-failures.json"

	backupDepth = 3
)

// Store is a filesystem-backed ports.Store: one JSON file per data set,
// written atomically with a bounded rotating backup set. Every Load
// tolerates a missing or corrupt file by returning an empty result
// rather than aborting startup.
type Store struct {
	dir string
	log *logger.StyledLogger
}

func New(dir string, log *logger.StyledLogger) *Store {
	return &Store{dir: dir, log: log}
}

func (s *Store) path(name string) string { return filepath.Join(s.dir, name) }

// writeAtomic marshals v to JSON and writes it to name via a temp file +
// rename, first rotating up to backupDepth prior copies of name so a
// corrupt write never costs every known-good snapshot.
func (s *Store) writeAtomic(name string, v any) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create persistence dir: %w", err)
	}

	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}

	target := s.path(name)
	s.rotateBackups(target)

	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write temp file for %s: %w", name, err)
	}
	if err := os.Rename(tmp, target); err != nil {
		return fmt.Errorf("rename temp file for %s: %w", name, err)
	}
	return nil
}

// rotateBackups shifts target.bak.(N-1) -> target.bak.N down to
// backupDepth, then copies the current target to target.bak.1, so the
// most recent prior write stays recoverable even if the new one is bad.
// The live path itself is untouched here - writeAtomic's rename-into-place
// replaces it afterwards.
func (s *Store) rotateBackups(target string) {
	raw, err := os.ReadFile(target)
	if err != nil {
		return // nothing to rotate yet
	}
	for i := backupDepth; i > 1; i-- {
		_ = os.Rename(backupName(target, i-1), backupName(target, i))
	}
	_ = os.WriteFile(backupName(target, 1), raw, 0o644)
}

func backupName(target string, n int) string {
	return fmt.Sprintf("%s.bak.%d", target, n)
}

// readJSON loads name into v, treating a missing file as a no-op and a
// corrupt file as a logged, non-fatal empty result.
func (s *Store) readJSON(name string, v any) error {
	raw, err := os.ReadFile(s.path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read %s: %w", name, err)
	}
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		if s.log != nil {
			s.log.Error("corrupt persisted state file, treating as empty", "file", name, "error", err)
		}
		return nil
	}
	return nil
}

func (s *Store) SaveServers(ctx context.Context, servers []*domain.Server) error {
	return s.writeAtomic(serversFile, servers)
}

func (s *Store) LoadServers(ctx context.Context) ([]*domain.Server, error) {
	var out []*domain.Server
	if err := s.readJSON(serversFile, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) SaveBans(ctx context.Context, bans []*domain.Ban) error {
	return s.writeAtomic(bansFile, bans)
}

func (s *Store) LoadBans(ctx context.Context) ([]*domain.Ban, error) {
	var out []*domain.Ban
	if err := s.readJSON(bansFile, &out); err != nil {
		return nil, err
	}
	return out, nil
}

type metricsSnapshotFile struct {
	Timestamp time.Time                              `json:"timestamp"`
	Servers   map[string]domain.ServerModelMetrics    `json:"servers"`
}

func (s *Store) SaveMetrics(ctx context.Context, snapshot []domain.ServerModelMetrics) error {
	file := metricsSnapshotFile{Timestamp: time.Now(), Servers: make(map[string]domain.ServerModelMetrics, len(snapshot))}
	for _, m := range snapshot {
		file.Servers[m.ServerID+":"+m.Model] = m
	}
	return s.writeAtomic(metricsFile, file)
}

func (s *Store) LoadMetrics(ctx context.Context) ([]domain.ServerModelMetrics, error) {
	var file metricsSnapshotFile
	if err := s.readJSON(metricsFile, &file); err != nil {
		return nil, err
	}
	out := make([]domain.ServerModelMetrics, 0, len(file.Servers))
	for _, m := range file.Servers {
		out = append(out, m)
	}
	return out, nil
}

type decisionHistoryFileShape struct {
	Timestamp time.Time             `json:"timestamp"`
	Events    []domain.DecisionEvent `json:"events"`
}

func (s *Store) SaveDecisionHistory(ctx context.Context, events []domain.DecisionEvent) error {
	return s.writeAtomic(decisionHistoryFile, decisionHistoryFileShape{Timestamp: time.Now(), Events: events})
}

func (s *Store) LoadDecisionHistory(ctx context.Context) ([]domain.DecisionEvent, error) {
	var file decisionHistoryFileShape
	if err := s.readJSON(decisionHistoryFile, &file); err != nil {
		return nil, err
	}
	return file.Events, nil
}

type requestHistoryFileShape struct {
	Timestamp time.Time                            `json:"timestamp"`
	Requests  map[string][]domain.RequestContext `json:"requests"`
}

func (s *Store) SaveRequestHistory(ctx context.Context, byServer map[string][]domain.RequestContext) error {
	return s.writeAtomic(requestHistoryFile, requestHistoryFileShape{Timestamp: time.Now(), Requests: byServer})
}

func (s *Store) LoadRequestHistory(ctx context.Context) (map[string][]domain.RequestContext, error) {
	var file requestHistoryFileShape
	if err := s.readJSON(requestHistoryFile, &file); err != nil {
		return nil, err
	}
	if file.Requests == nil {
		file.Requests = make(map[string][]domain.RequestContext)
	}
	return file.Requests, nil
}

type recoveryFailuresFileShape struct {
	Timestamp time.Time                        `json:"timestamp"`
	Version   int                              `json:"version"`
	Records   []domain.RecoveryFailureRecord   `json:"records"`
}

func (s *Store) SaveRecoveryFailures(ctx context.Context, records []domain.RecoveryFailureRecord) error {
	return s.writeAtomic(recoveryFailuresFile, recoveryFailuresFileShape{Timestamp: time.Now(), Version: 1, Records: records})
}

func (s *Store) LoadRecoveryFailures(ctx context.Context) ([]domain.RecoveryFailureRecord, error) {
	var file recoveryFailuresFileShape
	if err := s.readJSON(recoveryFailuresFile, &file); err != nil {
		return nil, err
	}
	return file.Records, nil
}
