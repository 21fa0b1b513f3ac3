// Package store implements the State Store Adapter (C7): the durable,
// crash-safe persistence layer for session records and checkpoint history.
// It is owned exclusively by the orchestrator (C6); no other component
// writes through it. Two backends are provided: a file-per-session
// implementation using an atomic temp-file-then-rename write, and a
// Redis-backed implementation for deployments that want a shared,
// networked store across governor replicas.
package store

import (
	"context"

	"github.com/anthropics/context-governor/internal/session"
)

// Backend is the full state-store contract; orchestrator.Store is the
// narrower subset the orchestrator actually calls, kept separate so this
// package has no import-cycle dependency on internal/orchestrator.
type Backend interface {
	PutSession(ctx context.Context, rec session.Record) error
	GetSession(ctx context.Context, sessionID string) (session.Record, bool, error)
	AppendCheckpoint(ctx context.Context, rec session.Record) error
	PutThresholds(ctx context.Context, sessionID string, th session.Thresholds) error
	Close() error
}
