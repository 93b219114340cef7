package domain

import (
	"context"
	"fmt"
	"net/url"
	"time"
)

// ServerType distinguishes backend variants. Only one variant exists today,
// but the registry keys on it so a second backend family doesn't require
// a schema change.
type ServerType string

const ServerTypeStandard ServerType = "standard"

// CapabilityFlags describes which optional backend surfaces a server exposes.
type CapabilityFlags struct {
	SupportsPrimary bool
	SupportsCompat  bool
}

// LoadedModel is a point-in-time snapshot of a model resident in a server's
// memory, as reported by the backend's list-loaded-models endpoint.
type LoadedModel struct {
	ExpiresAt time.Time
	Name      string
	Digest    string
	VRAMBytes int64
}

// Credential is an opaque per-server auth handle. Only bearer tokens are
// modelled; the zero value means "no auth".
type Credential struct {
	BearerToken string
}

func (c Credential) IsSet() bool {
	return c.BearerToken != ""
}

// Server is one model-serving backend in the fleet.
type Server struct {
	LastChecked      time.Time
	NextCheckTime    time.Time
	LoadedModel      *LoadedModel
	URL              *url.URL
	ID               string
	Name             string
	NormalizedURL    string
	Models           []string
	Capabilities     CapabilityFlags
	Credential       Credential
	LastResponseTime time.Duration
	MaxConcurrency   int
	ConsecutiveFails int
	BackoffStep      int
	Type             ServerType
	Healthy          bool
}

// InMaintenance reports whether the server has been taken out of rotation
// by setting its concurrency cap to zero.
func (s *Server) InMaintenance() bool {
	return s.MaxConcurrency == 0
}

// HasModel reports whether the server currently lists the given model as
// installed.
func (s *Server) HasModel(model string) bool {
	for _, m := range s.Models {
		if m == model {
			return true
		}
	}
	return false
}

// Clone returns a deep-enough copy safe to mutate without affecting the
// registry's copy - slices and the loaded-model pointer are duplicated.
func (s *Server) Clone() *Server {
	clone := *s
	if s.Models != nil {
		clone.Models = append([]string(nil), s.Models...)
	}
	if s.LoadedModel != nil {
		lm := *s.LoadedModel
		clone.LoadedModel = &lm
	}
	return &clone
}

// ServerSpec describes a server to add to the registry. MaxConcurrency is
// a pointer so the registry can tell "unset, use the configured default"
// apart from an explicit 0, which means "add this server in maintenance
// mode" per spec.md §4.1.
type ServerSpec struct {
	Name           string
	URL            string
	MaxConcurrency *int
	Capabilities   CapabilityFlags
	Credential     Credential
}

type Ban struct {
	ExpiresAt *time.Time
	ServerID  string
	Model     string
	Reason    string
}

var ErrDuplicateURL = fmt.Errorf("duplicate server url")
var ErrServerNotFound = fmt.Errorf("server not found")

// ServerRegistry owns server identity, URL-normalised deduplication and
// per-(server,model) bans.
type ServerRegistry interface {
	Add(ctx context.Context, spec ServerSpec) (*Server, error)
	Remove(ctx context.Context, id string) error
	Update(ctx context.Context, id string, patch func(*Server)) (*Server, error)
	Get(ctx context.Context, id string) (*Server, error)
	List(ctx context.Context) ([]*Server, error)
	Ban(ctx context.Context, serverID, model, reason string, ttl time.Duration) error
	IsBanned(ctx context.Context, serverID, model string, now time.Time) bool
	LoadPersisted(ctx context.Context) error
	Snapshot(ctx context.Context) []*Server
	BanSnapshot(ctx context.Context) []*Ban
}
