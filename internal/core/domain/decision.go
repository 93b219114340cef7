package domain

import "time"

// Candidate is one server considered for a dispatch decision, carrying the
// data the selector scored it on - retained on the DecisionEvent so the
// decision is auditable after the fact.
type Candidate struct {
	Server       *Server
	Score        float64
	BreakerState BreakerState
	InFlight     int
}

// DecisionEvent records why the orchestrator picked a particular server
// for a particular request, persisted to decision-history.json and
// published on the event bus for live observers.
type DecisionEvent struct {
	Timestamp  time.Time
	RequestID  string
	Model      string
	Algorithm  string
	Chosen     string
	Candidates []Candidate
	Attempt    int
}

// RecoveryFailureRecord is logged when an active half-open recovery probe
// fails, persisted to recovery-failures.json for post-mortem.
type RecoveryFailureRecord struct {
	Timestamp time.Time
	ServerID  string
	Model     string
	Reason    ErrorKind
	Attempt   int
}
