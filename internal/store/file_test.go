package store

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anthropics/context-governor/internal/session"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(bytes.NewBuffer(nil))
	return log
}

func TestFileStore_PutAndGetSession(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir, testLogger())
	require.NoError(t, err)

	rec := session.Record{ID: "s1", CurrentTokens: 42}
	require.NoError(t, s.PutSession(context.Background(), rec))

	got, found, err := s.GetSession(context.Background(), "s1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(42), got.CurrentTokens)
}

func TestFileStore_GetSession_Missing(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir, testLogger())
	require.NoError(t, err)

	_, found, err := s.GetSession(context.Background(), "nope")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestFileStore_AppendCheckpoint_WritesLogAndSnapshot(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir, testLogger())
	require.NoError(t, err)

	rec := session.Record{ID: "s1", CurrentTokens: 10}
	require.NoError(t, s.AppendCheckpoint(context.Background(), rec))
	rec.CurrentTokens = 20
	require.NoError(t, s.AppendCheckpoint(context.Background(), rec))

	data, err := os.ReadFile(filepath.Join(dir, "checkpoints", "s1.jsonl"))
	require.NoError(t, err)
	assert.Equal(t, 2, bytes.Count(data, []byte("\n")))

	got, found, err := s.GetSession(context.Background(), "s1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(20), got.CurrentTokens)
}

func TestFileStore_CorruptedBlobIsQuarantined(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir, testLogger())
	require.NoError(t, err)

	path := filepath.Join(dir, "sessions", "s1.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	_, found, err := s.GetSession(context.Background(), "s1")
	require.NoError(t, err)
	assert.False(t, found)

	entries, err := os.ReadDir(filepath.Join(dir, "sessions"))
	require.NoError(t, err)
	var quarantined bool
	for _, e := range entries {
		if filepath.Ext(e.Name()) != ".json" {
			quarantined = true
		}
	}
	assert.True(t, quarantined)
}

func TestFileStore_PutThresholds(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir, testLogger())
	require.NoError(t, err)

	require.NoError(t, s.PutSession(context.Background(), session.Record{ID: "s1"}))
	require.NoError(t, s.PutThresholds(context.Background(), "s1", session.Thresholds{Checkpoint: 0.7}))

	got, _, _ := s.GetSession(context.Background(), "s1")
	assert.Equal(t, 0.7, got.Thresholds.Checkpoint)
}
