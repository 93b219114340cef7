package breaker

import (
	"strings"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/relaymesh/relay/internal/config"
	"github.com/relaymesh/relay/internal/core/domain"
	"github.com/relaymesh/relay/internal/logger"
)

type escalationState struct {
	since time.Time
}

// Map owns every (serverID, model) breaker plus the server-level
// escalation check: when too large a fraction of a server's models have
// tripped open for too long, the server itself is declared unhealthy so
// health-check recovery takes over instead of per-model half-open probing.
type Map struct {
	cfg config.CircuitBreakerConfig
	log *logger.StyledLogger

	breakers *xsync.MapOf[string, *Breaker]

	escMu      sync.Mutex
	escalation map[string]*escalationState
}

func NewMap(cfg config.CircuitBreakerConfig, log *logger.StyledLogger) *Map {
	return &Map{
		cfg:        cfg,
		log:        log,
		breakers:   xsync.NewMapOf[string, *Breaker](),
		escalation: make(map[string]*escalationState),
	}
}

func key(serverID, model string) string { return serverID + "|" + model }

// Get returns (creating if needed) the breaker for (serverID, model).
func (m *Map) Get(serverID, model string) *Breaker {
	b, _ := m.breakers.LoadOrCompute(key(serverID, model), func() *Breaker {
		return New(m.cfg, serverID, model)
	})
	return b
}

func (m *Map) CanExecute(serverID, model string, now time.Time) bool {
	return m.Get(serverID, model).CanExecute(now)
}

func (m *Map) CanAttempt(serverID, model string, now time.Time) bool {
	return m.Get(serverID, model).CanAttempt(now)
}

func (m *Map) RecordResult(serverID, model string, now time.Time, success bool, kind domain.ErrorKind) {
	b := m.Get(serverID, model)
	from := b.State()
	b.RecordResult(now, success, kind)
	to := b.State()
	if from != to && m.log != nil {
		m.log.InfoBreakerTransition("Breaker transition", serverID, model, from, to)
	}
}

func (m *Map) ForceClose(serverID, model string) {
	m.Get(serverID, model).ForceClose()
}

func (m *Map) Snapshot(serverID, model string) (domain.CircuitBreakerState, bool) {
	b, ok := m.breakers.Load(key(serverID, model))
	if !ok {
		return domain.CircuitBreakerState{}, false
	}
	return b.Snapshot(), true
}

// HalfOpenModels lists the models on serverID whose breaker is half-open -
// the set the health scheduler issues active recovery tests against.
func (m *Map) HalfOpenModels(serverID string) []string {
	prefix := serverID + "|"
	var out []string
	m.breakers.Range(func(k string, b *Breaker) bool {
		if strings.HasPrefix(k, prefix) && b.State() == domain.BreakerHalfOpen {
			out = append(out, k[len(prefix):])
		}
		return true
	})
	return out
}

// openRatio returns how many of a server's known (serverID,*) breakers are
// currently open, and how many exist at all.
func (m *Map) openRatio(serverID string) (open, total int) {
	prefix := serverID + "|"
	m.breakers.Range(func(k string, b *Breaker) bool {
		if strings.HasPrefix(k, prefix) {
			total++
			if b.State() == domain.BreakerOpen {
				open++
			}
		}
		return true
	})
	return
}

// ShouldEscalate implements spec's model escalation: if the open ratio for
// serverID exceeds RatioThreshold continuously for DurationThreshold, the
// caller should mark the server itself unhealthy. Individual model
// breakers never do this on their own.
func (m *Map) ShouldEscalate(serverID string, now time.Time) bool {
	if !m.cfg.ModelEscalation.Enabled {
		return false
	}
	open, total := m.openRatio(serverID)
	if total == 0 {
		return false
	}
	ratio := float64(open) / float64(total)

	m.escMu.Lock()
	defer m.escMu.Unlock()

	if ratio <= m.cfg.ModelEscalation.RatioThreshold {
		delete(m.escalation, serverID)
		return false
	}
	st, ok := m.escalation[serverID]
	if !ok {
		m.escalation[serverID] = &escalationState{since: now}
		return false
	}
	return now.Sub(st.since) >= m.cfg.ModelEscalation.DurationThreshold
}
