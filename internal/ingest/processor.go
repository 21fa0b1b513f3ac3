// Package ingest implements the Metric Processor (C2): it consumes the raw
// MetricPoint stream from the receiver, deduplicates, applies per-metric
// semantics against the session registry, caps attribute cardinality, and
// emits a ProcessedUpdate for every point that changed session state.
package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/anthropics/context-governor/internal/otlp"
	"github.com/anthropics/context-governor/internal/session"
)

// velocityAlpha is the EWMA smoothing factor for token velocity, giving
// roughly a 5s half-life at typical poll rates.
const velocityAlpha = 0.3

// ProcessedUpdate is emitted once per point that mutated a session record,
// for the bridge (C5) and publication layer (C8) to act on.
type ProcessedUpdate struct {
	Record             session.Record
	IsNewSession       bool
	CompactionDetected bool
	// CompactionUtilizationBefore is the utilization reading immediately
	// preceding a detected compaction's token drop. Zero unless
	// CompactionDetected is true.
	CompactionUtilizationBefore float64
}

// OptimizerFeedback is the subset of the optimizer (C4) the processor
// drives directly, for checkpoints announced via metric rather than run by
// the orchestrator itself.
type OptimizerFeedback interface {
	OnCheckpointSuccess(sessionID string, observedUtilization float64) (session.Record, bool)
}

// Config is the subset of platform configuration the processor needs.
type Config struct {
	DedupCacheSize          int
	AttributeCardinalityCap int
	CompactionDropFraction  float64
	SeedThresholds          session.Thresholds
	MaxContextTokens        func(model string) int64
	// ResetExemptionWindow is how long after a claude.context.reset event a
	// token drop is exempted from compaction detection. Defaults to 2s.
	ResetExemptionWindow time.Duration
	// Optimizer, if set, receives checkpoint-success feedback when a
	// claude.checkpoint.created metric announces a checkpoint the
	// orchestrator didn't itself drive.
	Optimizer OptimizerFeedback
}

// Processor is C2.
type Processor struct {
	registry *session.Registry
	cfg      Config
	log      *logrus.Logger
	dedup    *dedupCache
	out      chan<- ProcessedUpdate

	velocityState map[string]*velocityTracker
}

type velocityTracker struct {
	lastTokens int64
	lastAt     time.Time
	ewma       float64
}

// NewProcessor builds a processor that reads from in and writes to out,
// mutating registry in place.
func NewProcessor(registry *session.Registry, cfg Config, log *logrus.Logger, out chan<- ProcessedUpdate) *Processor {
	if cfg.ResetExemptionWindow <= 0 {
		cfg.ResetExemptionWindow = 2 * time.Second
	}
	return &Processor{
		registry:      registry,
		cfg:           cfg,
		log:           log,
		dedup:         newDedupCache(cfg.DedupCacheSize),
		out:           out,
		velocityState: make(map[string]*velocityTracker),
	}
}

// Run drains in until ctx is cancelled or in is closed.
func (p *Processor) Run(ctx context.Context, in <-chan otlp.MetricPoint) {
	for {
		select {
		case <-ctx.Done():
			return
		case pt, ok := <-in:
			if !ok {
				return
			}
			p.process(pt)
		}
	}
}

func (p *Processor) process(pt otlp.MetricPoint) {
	if p.dedup.seen(fingerprint(pt)) {
		return
	}

	_, isNew := p.registry.GetOrCreate(pt.SessionID, func() session.Record {
		now := time.Now()
		return session.Record{
			ID:                pt.SessionID,
			Project:           pt.Project,
			ProjectPath:       pt.ProjectPath,
			Model:             pt.Model,
			ContextWindowSize: p.resolveWindow(pt.Model),
			Status:            session.StatusActive,
			Thresholds:        p.cfg.SeedThresholds,
			StartedAt:         now,
			LastUpdateAt:      now,
		}
	})

	checkpointAnnounced := pt.MetricName == "claude.checkpoint.created"

	var compaction bool
	var compactionUtilizationBefore float64
	rec, ok := p.registry.Update(pt.SessionID, func(rec *session.Record) {
		if pt.Project != "" {
			rec.Project = pt.Project
		}
		if pt.ProjectPath != "" {
			rec.ProjectPath = pt.ProjectPath
		}
		if pt.Model != "" && pt.Model != rec.Model {
			rec.Model = pt.Model
			rec.ContextWindowSize = p.resolveWindow(pt.Model)
		}

		prevTokens := rec.CurrentTokens
		p.applyMetric(rec, pt)
		rec.UpdateUtilization()
		rec.LastUpdateAt = pt.Timestamp

		if len(pt.Attributes) > 0 {
			merged := make(map[string]string, len(rec.Attributes)+len(pt.Attributes))
			for k, v := range rec.Attributes {
				merged[k] = v
			}
			for k, v := range pt.Attributes {
				merged[k] = v
			}
			rec.Attributes = capAttributes(merged, p.cfg.AttributeCardinalityCap)
		}

		if dropped := prevTokens - rec.CurrentTokens; prevTokens > 0 && dropped > 0 {
			threshold := int64(p.cfg.CompactionDropFraction * float64(rec.ContextWindowSize))
			resetExempt := !rec.LastResetAt.IsZero() && pt.Timestamp.Sub(rec.LastResetAt) <= p.cfg.ResetExemptionWindow
			if threshold > 0 && dropped >= threshold && !resetExempt {
				compaction = true
				rec.CompactionCount++
				compactionUtilizationBefore = float64(prevTokens) / float64(rec.ContextWindowSize)
			}
		}

		rec.Velocity = p.updateVelocity(rec.ID, rec.CurrentTokens, pt.Timestamp)
	})
	if !ok {
		return
	}

	if checkpointAnnounced && p.cfg.Optimizer != nil {
		if updated, ok := p.cfg.Optimizer.OnCheckpointSuccess(rec.ID, rec.Utilization); ok {
			rec = updated
		}
	}

	p.emit(ProcessedUpdate{
		Record:                      rec,
		IsNewSession:                isNew,
		CompactionDetected:          compaction,
		CompactionUtilizationBefore: compactionUtilizationBefore,
	})
}

// applyMetric encodes the name-specific semantics for each known metric.
// claude.tokens.total/claude.context.tokens is latest-wins (the client
// reports a running total, not a delta) and is the only source of
// CurrentTokens/Utilization. The per-call token metrics accumulate into
// their own running totals and never touch CurrentTokens. Everything else
// either updates a counter or is dropped as operator-only noise.
func (p *Processor) applyMetric(rec *session.Record, pt otlp.MetricPoint) {
	switch pt.MetricName {
	case "claude.tokens.total", "claude.context.tokens":
		if pt.Value >= 0 {
			rec.CurrentTokens = int64(pt.Value)
			rec.TokensSeeded = true
		}
	case "claude.context.window_size":
		if pt.Value > 0 {
			rec.ContextWindowSize = int64(pt.Value)
		}
	case "claude.tokens.input":
		if pt.Value > 0 {
			rec.TokensInputTotal += int64(pt.Value)
		}
	case "claude.tokens.output":
		if pt.Value > 0 {
			rec.TokensOutputTotal += int64(pt.Value)
		}
	case "claude.tokens.cache_read":
		if pt.Value > 0 {
			rec.TokensCacheReadTotal += int64(pt.Value)
		}
	case "claude.tokens.cache_write":
		if pt.Value > 0 {
			rec.TokensCacheWriteTotal += int64(pt.Value)
		}
	case "claude.context.reset":
		rec.LastResetAt = pt.Timestamp
	case "claude.checkpoint.created":
		// Counted and routed to the optimizer's success feedback once the
		// mutation commits; see the checkpointAnnounced handling in
		// process(). Nothing to do against rec itself here.
	case "claude.errors.count":
		if pt.Value > 0 {
			rec.ErrorCount += int64(pt.Value)
		}
	case "claude.operations.count":
		if pt.Value > 0 {
			rec.Operations += int64(pt.Value)
		}
	case "claude.context.utilization":
		// A direct utilization reading is only authoritative before the
		// session has reported a real token total; once claude.tokens.total
		// has landed, that cumulative counter always wins.
		if !rec.TokensSeeded && rec.ContextWindowSize > 0 {
			u := pt.Value
			if u < 0 {
				u = 0
			}
			if u > 1 {
				u = 1
			}
			rec.CurrentTokens = int64(u * float64(rec.ContextWindowSize))
		}
	default:
		// Unrecognized metrics don't move governor state and their name and
		// value are not recorded; only their point attributes are merged
		// into rec.Attributes by process(), as for every point, subject to
		// the same cardinality cap.
	}
}

func (p *Processor) resolveWindow(model string) int64 {
	if p.cfg.MaxContextTokens != nil {
		if n := p.cfg.MaxContextTokens(model); n > 0 {
			return n
		}
	}
	return 200000
}

// updateVelocity maintains a per-session EWMA of tokens/sec, keyed outside
// the registry since it's process-local derived state, not durable.
func (p *Processor) updateVelocity(sessionID string, tokens int64, at time.Time) float64 {
	tr, ok := p.velocityState[sessionID]
	if !ok {
		tr = &velocityTracker{lastTokens: tokens, lastAt: at}
		p.velocityState[sessionID] = tr
		return 0
	}
	dt := at.Sub(tr.lastAt).Seconds()
	if dt <= 0 {
		return tr.ewma
	}
	instant := float64(tokens-tr.lastTokens) / dt
	if instant < 0 {
		instant = 0 // a drop is compaction, not negative velocity
	}
	tr.ewma = velocityAlpha*instant + (1-velocityAlpha)*tr.ewma
	tr.lastTokens = tokens
	tr.lastAt = at
	return tr.ewma
}

// capAttributes enforces the cardinality cap, merging overflow keys into a
// single "__other__" bucket so a high-cardinality attribute (e.g. a UUID
// per request) can never unbound memory or downstream label cardinality.
func capAttributes(attrs map[string]string, cap int) map[string]string {
	if cap <= 0 || len(attrs) <= cap {
		return attrs
	}
	out := make(map[string]string, cap+1)
	i := 0
	for k, v := range attrs {
		if i >= cap {
			out["__other__"] = "merged"
			continue
		}
		out[k] = v
		i++
	}
	return out
}

func (p *Processor) emit(u ProcessedUpdate) {
	select {
	case p.out <- u:
	default:
		p.log.WithField("session", u.Record.ID).Warn("ingest: downstream update channel full, dropping update")
	}
}

func fingerprint(pt otlp.MetricPoint) string {
	return fmt.Sprintf("%s|%s|%d|%v", pt.SessionID, pt.MetricName, pt.Timestamp.UnixNano(), pt.Value)
}
