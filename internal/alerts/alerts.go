// Package alerts implements the Alert Engine (C9): a fixed set of rules
// evaluated against session state, each one only emitting when its
// triggered/cleared state actually changes since the last evaluation, to
// avoid re-announcing a status every poll tick. CompactionDetected is the
// exception: every detected compaction is recorded as its own alert.
package alerts

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/anthropics/context-governor/internal/session"
)

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// parallelSessionsThreshold is the fixed number of active sessions sharing
// a projectId that trips ParallelSessionsHigh. Not configurable: this rule
// describes a specific, observable pattern rather than a tunable limit.
const parallelSessionsThreshold = 3

// Rule names are fixed; operators cannot add ad hoc rules.
const (
	RuleHighContextUtilization     = "HighContextUtilization"
	RuleCriticalContextUtilization = "CriticalContextUtilization"
	RuleRapidTokenConsumption      = "RapidTokenConsumption"
	RuleCompactionDetected         = "CompactionDetected"
	RuleParallelSessionsHigh       = "ParallelSessionsHigh"
)

// Alert is one rule firing or clearing for a session (or for a whole
// project, for ParallelSessionsHigh, where SessionID is empty and ProjectID
// is set).
type Alert struct {
	Rule      string    `json:"rule"`
	SessionID string    `json:"session_id,omitempty"`
	ProjectID string    `json:"project_id,omitempty"`
	Severity  Severity  `json:"severity"`
	Message   string    `json:"message"`
	Cleared   bool      `json:"cleared"`
	// SessionCount is set for ParallelSessionsHigh: the number of active
	// sessions sharing ProjectID at evaluation time.
	SessionCount int       `json:"session_count,omitempty"`
	At           time.Time `json:"at"`
}

// Config holds the rule thresholds.
type Config struct {
	HighUtilization        float64 // defaults to the session's own Warning threshold if zero
	CriticalUtilization    float64 // defaults to the session's own Compaction threshold if zero
	RapidVelocityTokensSec float64
}

// Engine is C9.
type Engine struct {
	mu        sync.Mutex
	cfg       Config
	ring      []Alert
	ringCap   int
	lastState map[string]bool
	log       *logrus.Logger
}

func New(cfg Config, ringCap int, log *logrus.Logger) *Engine {
	if ringCap <= 0 {
		ringCap = 100
	}
	return &Engine{
		cfg:       cfg,
		ringCap:   ringCap,
		lastState: make(map[string]bool),
		log:       log,
	}
}

// EvaluateSession runs the per-session rules and returns only the alerts
// whose state changed (newly triggered or newly cleared).
func (e *Engine) EvaluateSession(rec session.Record, compactionDetected bool) []Alert {
	now := time.Now()
	var out []Alert

	highThreshold := e.cfg.HighUtilization
	if highThreshold <= 0 {
		highThreshold = rec.Thresholds.Warning
	}
	critThreshold := e.cfg.CriticalUtilization
	if critThreshold <= 0 {
		critThreshold = rec.Thresholds.Compaction
	}

	out = append(out, e.transition(RuleHighContextUtilization, rec.ID, rec.Utilization >= highThreshold, SeverityWarning,
		fmt.Sprintf("session %s utilization %.1f%% at or above %.1f%%", rec.ID, rec.Utilization*100, highThreshold*100), now)...)

	out = append(out, e.transition(RuleCriticalContextUtilization, rec.ID, rec.Utilization >= critThreshold, SeverityCritical,
		fmt.Sprintf("session %s utilization %.1f%% at or above critical %.1f%%", rec.ID, rec.Utilization*100, critThreshold*100), now)...)

	if e.cfg.RapidVelocityTokensSec > 0 {
		out = append(out, e.transition(RuleRapidTokenConsumption, rec.ID, rec.Velocity >= e.cfg.RapidVelocityTokensSec, SeverityWarning,
			fmt.Sprintf("session %s token velocity %.0f/s at or above %.0f/s", rec.ID, rec.Velocity, e.cfg.RapidVelocityTokensSec), now)...)
	}

	if compactionDetected {
		out = append(out, e.record(Alert{
			Rule: RuleCompactionDetected, SessionID: rec.ID, Severity: SeverityError,
			Message: fmt.Sprintf("session %s had an unannounced context compaction", rec.ID), At: now,
		}))
	}

	return out
}

// EvaluateGlobal runs ParallelSessionsHigh: it fires per projectId once
// that project has 3 or more concurrently active sessions, using
// sessionsByProject (projectId -> active session count) computed by the
// caller from the live registry.
func (e *Engine) EvaluateGlobal(sessionsByProject map[string]int) []Alert {
	now := time.Now()
	var out []Alert
	for projectID, count := range sessionsByProject {
		if projectID == "" {
			continue
		}
		triggered := count >= parallelSessionsThreshold
		key := RuleParallelSessionsHigh + "|" + projectID
		e.mu.Lock()
		was := e.lastState[key]
		e.lastState[key] = triggered
		e.mu.Unlock()
		if triggered == was {
			continue
		}

		msg := fmt.Sprintf("project %s has %d active sessions, at or above %d", projectID, count, parallelSessionsThreshold)
		if triggered {
			out = append(out, e.record(Alert{
				Rule: RuleParallelSessionsHigh, ProjectID: projectID, Severity: SeverityInfo,
				Message: msg, SessionCount: count, At: now,
			}))
		} else {
			out = append(out, e.record(Alert{
				Rule: RuleParallelSessionsHigh, ProjectID: projectID, Severity: SeverityInfo,
				Message: "cleared: " + msg, Cleared: true, At: now,
			}))
		}
	}
	return out
}

// transition emits an alert only when triggered differs from the rule's
// last recorded state for this session, as either a fresh trigger or a
// clear.
func (e *Engine) transition(rule, sessionID string, triggered bool, sev Severity, msg string, now time.Time) []Alert {
	key := rule + "|" + sessionID
	e.mu.Lock()
	was := e.lastState[key]
	e.lastState[key] = triggered
	e.mu.Unlock()

	if triggered == was {
		return nil
	}
	if triggered {
		return []Alert{e.record(Alert{Rule: rule, SessionID: sessionID, Severity: sev, Message: msg, At: now})}
	}
	return []Alert{e.record(Alert{Rule: rule, SessionID: sessionID, Severity: SeverityInfo, Message: "cleared: " + msg, Cleared: true, At: now})}
}

func (e *Engine) record(a Alert) Alert {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ring = append(e.ring, a)
	if len(e.ring) > e.ringCap {
		e.ring = e.ring[len(e.ring)-e.ringCap:]
	}
	return a
}

// Recent returns the most recent alerts, oldest first, up to the ring
// buffer's capacity.
func (e *Engine) Recent() []Alert {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Alert, len(e.ring))
	copy(out, e.ring)
	return out
}
