package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/anthropics/context-governor/internal/session"
)

// FileStore persists one JSON snapshot per session plus an append-only
// checkpoint log, both under baseDir. Writes to the snapshot are atomic:
// the new content is written to a temp file in the same directory, then
// renamed over the destination, so a crash mid-write never leaves a
// half-written file in place (the rename is the only operation visible to
// a reader, and it's atomic on every OS this targets).
type FileStore struct {
	mu      sync.Mutex
	baseDir string
	log     *logrus.Logger
}

func NewFileStore(baseDir string, log *logrus.Logger) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Join(baseDir, "sessions"), 0o755); err != nil {
		return nil, fmt.Errorf("creating session store dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(baseDir, "checkpoints"), 0o755); err != nil {
		return nil, fmt.Errorf("creating checkpoint store dir: %w", err)
	}
	return &FileStore{baseDir: baseDir, log: log}, nil
}

func (s *FileStore) sessionPath(id string) string {
	return filepath.Join(s.baseDir, "sessions", id+".json")
}

func (s *FileStore) checkpointPath(id string) string {
	return filepath.Join(s.baseDir, "checkpoints", id+".jsonl")
}

func (s *FileStore) PutSession(_ context.Context, rec session.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return atomicWriteJSON(s.sessionPath(rec.ID), rec)
}

func (s *FileStore) GetSession(_ context.Context, sessionID string) (session.Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.sessionPath(sessionID)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return session.Record{}, false, nil
		}
		return session.Record{}, false, fmt.Errorf("reading session %s: %w", sessionID, err)
	}

	var rec session.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		s.quarantine(path)
		s.log.WithError(err).WithField("session", sessionID).Warn("store: corrupted session blob quarantined")
		return session.Record{}, false, nil
	}
	return rec, true, nil
}

// AppendCheckpoint appends a snapshot to the session's checkpoint log and
// overwrites the latest-state snapshot so GetSession always returns the
// most recent view.
func (s *FileStore) AppendCheckpoint(_ context.Context, rec session.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	line, err := json.Marshal(checkpointEntry{Record: rec, At: time.Now()})
	if err != nil {
		return fmt.Errorf("marshaling checkpoint: %w", err)
	}
	f, err := os.OpenFile(s.checkpointPath(rec.ID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening checkpoint log: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("appending checkpoint: %w", err)
	}

	return atomicWriteJSON(s.sessionPath(rec.ID), rec)
}

func (s *FileStore) PutThresholds(_ context.Context, sessionID string, th session.Thresholds) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, found, err := s.getSessionLocked(sessionID)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	rec.Thresholds = th
	return atomicWriteJSON(s.sessionPath(sessionID), rec)
}

func (s *FileStore) getSessionLocked(sessionID string) (session.Record, bool, error) {
	data, err := os.ReadFile(s.sessionPath(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return session.Record{}, false, nil
		}
		return session.Record{}, false, err
	}
	var rec session.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return session.Record{}, false, nil
	}
	return rec, true, nil
}

func (s *FileStore) quarantine(path string) {
	_ = os.Rename(path, path+fmt.Sprintf(".corrupt.%d", time.Now().UnixNano()))
}

func (s *FileStore) Close() error { return nil }

type checkpointEntry struct {
	Record session.Record `json:"record"`
	At     time.Time      `json:"at"`
}

func atomicWriteJSON(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling: %w", err)
	}
	tmp := path + fmt.Sprintf(".tmp.%d", time.Now().UnixNano())
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("renaming into place: %w", err)
	}
	return nil
}
