// Package bridge implements the Context Bridge (C5): it turns a session's
// current utilization/velocity into an actionable Decision and forwards it,
// in arrival order, to the orchestrator (C6) and the publication layer (C8).
package bridge

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/anthropics/context-governor/internal/ingest"
	"github.com/anthropics/context-governor/internal/session"
)

// Action is what the orchestrator should do in response to a Decision.
type Action string

const (
	ActionProceed            Action = "proceed"
	ActionWarning            Action = "warning"
	ActionCheckpointRecomm   Action = "checkpoint-recommended"
	ActionCheckpointRequired Action = "checkpoint-required"
	ActionEmergency          Action = "emergency-save-and-clear"
)

// Severity mirrors the urgency the alert engine (C9) assigns the same
// band, so the publication layer can surface a Decision's weight without
// re-deriving it from Action.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Decision is the bridge's output: one per processed update.
type Decision struct {
	SessionID    string
	Action       Action
	Severity     Severity
	Reason       string
	Utilization  float64
	Velocity     float64
	HighVelocity bool
	ETASeconds   float64 // seconds to the compaction threshold at current velocity; -1 if not estimable

	CompactionDetected bool
	// CompactionUtilizationBefore is the utilization immediately before a
	// detected compaction's token drop, threaded through to the
	// optimizer's threshold recomputation. Zero unless CompactionDetected.
	CompactionUtilizationBefore float64

	At time.Time
}

// Config holds the tunables the bridge needs beyond what's already on the
// session record (which carries its own learned thresholds).
type Config struct {
	HighVelocityTokensPerSec float64
}

// Bridge is C5.
type Bridge struct {
	cfg            Config
	log            *logrus.Logger
	toOrchestrator chan<- Decision
	toPublish      chan<- Decision
}

func New(cfg Config, log *logrus.Logger, toOrchestrator, toPublish chan<- Decision) *Bridge {
	return &Bridge{cfg: cfg, log: log, toOrchestrator: toOrchestrator, toPublish: toPublish}
}

// Run drains in until ctx is cancelled or in is closed. Updates for a given
// session arrive already serialized by the processor's per-session actor,
// so decisions for that session are evaluated and forwarded in order.
func (b *Bridge) Run(ctx context.Context, in <-chan ingest.ProcessedUpdate) {
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-in:
			if !ok {
				return
			}
			d := b.Evaluate(u.Record)
			d.CompactionDetected = u.CompactionDetected
			d.CompactionUtilizationBefore = u.CompactionUtilizationBefore
			b.forward(ctx, d)
		}
	}
}

// Evaluate computes the Decision for a session's current state.
func (b *Bridge) Evaluate(rec session.Record) Decision {
	d := Decision{
		SessionID:   rec.ID,
		Utilization: rec.Utilization,
		Velocity:    rec.Velocity,
		At:          rec.LastUpdateAt,
		ETASeconds:  -1,
	}

	d.HighVelocity = rec.Velocity >= b.cfg.HighVelocityTokensPerSec

	switch {
	case rec.Utilization >= rec.Thresholds.Compaction:
		d.Action = ActionEmergency
		d.Severity = SeverityCritical
		d.Reason = "utilization at or above compaction threshold"
	case rec.Utilization >= rec.Thresholds.Warning:
		d.Action = ActionCheckpointRequired
		d.Severity = SeverityCritical
		d.Reason = "utilization at or above warning threshold"
		if rec.ContextWindowSize > 0 {
			compactionTokens := float64(rec.ContextWindowSize) * rec.Thresholds.Compaction
			remaining := compactionTokens - float64(rec.CurrentTokens)
			d.ETASeconds = remaining / maxFloat(rec.Velocity, 1)
		}
	case rec.Utilization >= rec.Thresholds.Checkpoint:
		d.Action = ActionCheckpointRecomm
		d.Severity = SeverityWarning
		d.Reason = "utilization at or above checkpoint threshold"
	case d.HighVelocity:
		d.Action = ActionWarning
		d.Severity = SeverityWarning
		d.Reason = "token velocity exceeds configured high-velocity threshold"
	default:
		d.Action = ActionProceed
		d.Severity = SeverityInfo
	}

	return d
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func (b *Bridge) forward(ctx context.Context, d Decision) {
	select {
	case b.toOrchestrator <- d:
	case <-ctx.Done():
		return
	}

	select {
	case b.toPublish <- d:
	default:
		b.log.WithField("session", d.SessionID).Debug("bridge: publish channel full, dropping decision for UI")
	}
}
