// Package optimizer implements the Checkpoint Optimizer (C4): it adapts a
// session's learned checkpoint/warning/compaction thresholds based on
// observed outcomes, so a session that reliably checkpoints cleanly near
// its current threshold is allowed to run a little hotter next time, while
// one that hits an unexpected compaction gets more conservative.
package optimizer

import (
	"github.com/sirupsen/logrus"

	"github.com/anthropics/context-governor/internal/session"
)

// Bounds clamp how far learning may drift a session's thresholds from the
// configured defaults, so a pathological sequence of outcomes can never
// push a threshold to somewhere unsafe (too close to 1.0) or useless (too
// close to 0).
type Bounds struct {
	MinCheckpoint, MaxCheckpoint float64
	MinWarning, MaxWarning       float64
	MinCompaction, MaxCompaction float64
}

// DefaultBounds mirrors the seed defaults in platform/config, kept inside
// 0.60 <= Checkpoint <= Warning <= Compaction <= 0.99.
var DefaultBounds = Bounds{
	MinCheckpoint: 0.60, MaxCheckpoint: 0.85,
	MinWarning: 0.65, MaxWarning: 0.90,
	MinCompaction: 0.90, MaxCompaction: 0.99,
}

// Optimizer is C4.
type Optimizer struct {
	registry     *session.Registry
	learningRate float64
	bounds       Bounds
	log          *logrus.Logger
}

func New(registry *session.Registry, learningRate float64, bounds Bounds, log *logrus.Logger) *Optimizer {
	return &Optimizer{registry: registry, learningRate: learningRate, bounds: bounds, log: log}
}

// OnCheckpointSuccess nudges the checkpoint threshold toward the
// utilization actually observed at a successful checkpoint, plus a small
// safety margin, so the session is allowed to run closer to its limit next
// time if it keeps checkpointing cleanly. Whenever Warning is within 0.03
// of Checkpoint (or Compaction within 0.03 of Warning), it is reset to 0.08
// above the threshold below it, within its bounds, so the ordering
// Checkpoint < Warning < Compaction is preserved.
func (o *Optimizer) OnCheckpointSuccess(sessionID string, observedUtilization float64) (session.Record, bool) {
	return o.registry.Update(sessionID, func(rec *session.Record) {
		target := observedUtilization + 0.03
		rec.Thresholds.Checkpoint = learnToward(rec.Thresholds.Checkpoint, target, o.learningRate, o.bounds.MinCheckpoint, o.bounds.MaxCheckpoint)

		if rec.Thresholds.Warning <= rec.Thresholds.Checkpoint+0.03 {
			rec.Thresholds.Warning = clamp(rec.Thresholds.Checkpoint+0.08, o.bounds.MinWarning, o.bounds.MaxWarning)
		}
		if rec.Thresholds.Compaction <= rec.Thresholds.Warning+0.03 {
			rec.Thresholds.Compaction = clamp(rec.Thresholds.Warning+0.08, o.bounds.MinCompaction, o.bounds.MaxCompaction)
		}
		rec.LastCheckpointAt = rec.LastUpdateAt
		rec.CheckpointCount++
	})
}

// OnCompactionDetected recomputes every threshold directly from the
// utilization reading observed immediately before the compaction's token
// drop, rather than nudging the existing thresholds: an unannounced
// compaction means the current thresholds are simply wrong, not merely a
// little hot.
func (o *Optimizer) OnCompactionDetected(sessionID string, utilizationBefore float64) (session.Record, bool) {
	if _, ok := o.registry.Get(sessionID); !ok {
		return session.Record{}, false
	}
	o.log.WithField("session", sessionID).Warn("optimizer: compaction detected, lowering thresholds")

	return o.registry.Update(sessionID, func(rec *session.Record) {
		checkpoint := utilizationBefore - 0.15
		if checkpoint < o.bounds.MinCheckpoint {
			checkpoint = o.bounds.MinCheckpoint
		}
		warning := checkpoint + 0.05
		if warning < 0.75 {
			warning = 0.75
		}
		compaction := warning + 0.05
		if compaction < 0.90 {
			compaction = 0.90
		}

		rec.Thresholds.Checkpoint = clamp(checkpoint, o.bounds.MinCheckpoint, o.bounds.MaxCheckpoint)
		rec.Thresholds.Warning = clamp(warning, o.bounds.MinWarning, o.bounds.MaxWarning)
		rec.Thresholds.Compaction = clamp(compaction, o.bounds.MinCompaction, o.bounds.MaxCompaction)
	})
}

// learnToward moves current a fraction (rate) of the way toward target,
// then clamps to [min, max].
func learnToward(current, target, rate, min, max float64) float64 {
	next := current + rate*(target-current)
	return clamp(next, min, max)
}

func clamp(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
