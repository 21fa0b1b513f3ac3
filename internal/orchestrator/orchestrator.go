// Package orchestrator implements the Continuous-Loop Orchestrator (C6):
// the only component that drives a session's lifecycle Status and the only
// caller of the state store (C7). It reacts to bridge Decisions by running
// the checkpoint/emergency/wrap-up transitions and persisting durable state,
// retrying with backoff and escalating to emergency when persistence itself
// is failing.
package orchestrator

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/anthropics/context-governor/internal/bridge"
	"github.com/anthropics/context-governor/internal/optimizer"
	"github.com/anthropics/context-governor/internal/publish"
	"github.com/anthropics/context-governor/internal/session"
)

// Store is the subset of the state store (C7) the orchestrator drives.
// Defined here, implemented in internal/store, so this package never
// imports a concrete backend.
type Store interface {
	PutSession(ctx context.Context, rec session.Record) error
	AppendCheckpoint(ctx context.Context, rec session.Record) error
	PutThresholds(ctx context.Context, sessionID string, th session.Thresholds) error
}

// Config tunes retry/backoff behavior for persistence failures.
type Config struct {
	MaxRetries      int
	BackoffBase     time.Duration
	BackoffMax      time.Duration
}

// Orchestrator is C6.
type Orchestrator struct {
	registry  *session.Registry
	store     Store
	optimizer *optimizer.Optimizer
	bus       *publish.Bus
	metrics   *publish.Metrics
	cfg       Config
	log       *logrus.Logger
}

func New(registry *session.Registry, store Store, opt *optimizer.Optimizer, bus *publish.Bus, metrics *publish.Metrics, cfg Config, log *logrus.Logger) *Orchestrator {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 200 * time.Millisecond
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 5 * time.Second
	}
	return &Orchestrator{registry: registry, store: store, optimizer: opt, bus: bus, metrics: metrics, cfg: cfg, log: log}
}

// Run drains decisions until ctx is cancelled or in is closed.
func (o *Orchestrator) Run(ctx context.Context, in <-chan bridge.Decision) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-in:
			if !ok {
				return
			}
			o.handle(ctx, d)
		}
	}
}

func (o *Orchestrator) handle(ctx context.Context, d bridge.Decision) {
	if _, ok := o.registry.Get(d.SessionID); !ok {
		return
	}

	switch d.Action {
	case bridge.ActionCheckpointRecomm, bridge.ActionCheckpointRequired:
		o.runCheckpoint(ctx, d.SessionID)
	case bridge.ActionEmergency:
		o.runEmergency(ctx, d.SessionID)
	case bridge.ActionWarning, bridge.ActionProceed:
		// No lifecycle transition; the decision is informational for C8/C9.
	}

	if d.CompactionDetected {
		o.optimizer.OnCompactionDetected(d.SessionID, d.CompactionUtilizationBefore)
	}
}

// runCheckpoint drives running -> checkpointing -> running.
func (o *Orchestrator) runCheckpoint(ctx context.Context, sessionID string) {
	rec, ok := o.registry.Update(sessionID, func(rec *session.Record) {
		rec.Status = session.StatusCheckpointing
	})
	if !ok {
		return
	}

	if err := o.persistWithRetry(ctx, func() error { return o.store.AppendCheckpoint(ctx, rec) }); err != nil {
		o.escalateToEmergency(sessionID, err)
		return
	}

	utilizationAtCheckpoint := rec.Utilization
	o.optimizer.OnCheckpointSuccess(sessionID, utilizationAtCheckpoint)
	if o.metrics != nil {
		o.metrics.Checkpoints.Inc()
	}

	o.registry.Update(sessionID, func(rec *session.Record) {
		if rec.Status == session.StatusCheckpointing {
			rec.Status = session.StatusActive
		}
	})
}

// runEmergency drives running -> emergency -> running: an immediate
// save-and-clear outside the normal checkpoint cadence. Unlike a regular
// checkpoint, the full session state is persisted (not just the
// checkpoint append), the context is then cleared in the registry so the
// session resumes at a clean baseline, and a context:cleared event tells
// subscribers the session's token count just dropped for a reason other
// than an unannounced compaction. If persistence never succeeds, the
// session cannot safely continue and is closed as failed.
func (o *Orchestrator) runEmergency(ctx context.Context, sessionID string) {
	rec, ok := o.registry.Update(sessionID, func(rec *session.Record) {
		rec.Status = session.StatusEmergency
	})
	if !ok {
		return
	}

	err := o.persistWithRetry(ctx, func() error { return o.store.PutSession(ctx, rec) })
	if err != nil {
		o.log.WithError(err).WithField("session", sessionID).Error("orchestrator: emergency persistence failed after retries, closing session as failed")
		closed, ok := o.registry.Close(sessionID, func(rec *session.Record) {
			rec.ClosedReason = "failed"
		})
		if ok && o.bus != nil {
			o.bus.Publish("session:closed", closed)
			o.bus.Publish("alert", map[string]any{
				"rule":       "EmergencyPersistenceFailed",
				"session_id": sessionID,
				"severity":   "critical",
				"message":    "emergency save-and-clear could not be persisted after retries; session closed",
			})
		}
		return
	}

	cleared, ok := o.registry.Update(sessionID, func(rec *session.Record) {
		rec.CurrentTokens = 0
		rec.TokensSeeded = false
		rec.UpdateUtilization()
		rec.CompactionSaves++
		if rec.Status == session.StatusEmergency {
			rec.Status = session.StatusActive
		}
	})
	if ok {
		if o.bus != nil {
			o.bus.Publish("context:cleared", cleared)
		}
		if o.metrics != nil {
			o.metrics.CompactionSavesTotal.Inc()
		}
	}
}

// Wrap drives running -> wrapping-up -> closed, used when a source
// reports a session has ended. A final persist is attempted before the
// registry evicts the record after its retention window.
func (o *Orchestrator) Wrap(ctx context.Context, sessionID string) error {
	rec, ok := o.registry.Update(sessionID, func(rec *session.Record) {
		rec.Status = session.StatusWrappingUp
	})
	if !ok {
		return nil
	}

	err := o.persistWithRetry(ctx, func() error { return o.store.PutSession(ctx, rec) })
	o.registry.Close(sessionID, nil)
	return err
}

// persistWithRetry calls fn once and then retries it up to cfg.MaxRetries
// more times (cfg.MaxRetries+1 attempts in all) with exponential backoff,
// capped at cfg.BackoffMax between tries.
func (o *Orchestrator) persistWithRetry(ctx context.Context, fn func() error) error {
	backoff := o.cfg.BackoffBase
	var err error
	for attempt := 0; attempt <= o.cfg.MaxRetries; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt == o.cfg.MaxRetries {
			break
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
		if backoff > o.cfg.BackoffMax {
			backoff = o.cfg.BackoffMax
		}
	}
	return err
}

func (o *Orchestrator) escalateToEmergency(sessionID string, cause error) {
	o.log.WithError(cause).WithField("session", sessionID).Error("orchestrator: checkpoint persistence failed, escalating to emergency")
	o.registry.Update(sessionID, func(rec *session.Record) {
		rec.Status = session.StatusEmergency
	})
}
