package optimizer

import (
	"bytes"
	"testing"
	"time"

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

func newTestOptimizer(t *testing.T) (*Optimizer, *session.Registry) {
	t.Helper()
	reg := session.NewRegistry(time.Minute, nil)
	reg.GetOrCreate("s1", func() session.Record {
		return session.Record{
			ID:                "s1",
			ContextWindowSize: 1000,
			Thresholds:        session.Thresholds{Checkpoint: 0.75, Warning: 0.85, Compaction: 0.95},
		}
	})
	return New(reg, 0.2, DefaultBounds, testLogger()), reg
}

func TestOnCheckpointSuccess_RaisesThresholdTowardObserved(t *testing.T) {
	o, reg := newTestOptimizer(t)

	rec, ok := o.OnCheckpointSuccess("s1", 0.80)
	require.True(t, ok)
	assert.Greater(t, rec.Thresholds.Checkpoint, 0.75)
	assert.LessOrEqual(t, rec.Thresholds.Checkpoint, DefaultBounds.MaxCheckpoint)
	assert.Equal(t, 1, rec.CheckpointCount)

	final, _ := reg.Get("s1")
	assert.Less(t, final.Thresholds.Checkpoint, final.Thresholds.Warning)
	assert.Less(t, final.Thresholds.Warning, final.Thresholds.Compaction)
}

func TestOnCheckpointSuccess_NeverExceedsMax(t *testing.T) {
	o, _ := newTestOptimizer(t)
	var rec session.Record
	for i := 0; i < 50; i++ {
		rec, _ = o.OnCheckpointSuccess("s1", 0.99)
	}
	assert.LessOrEqual(t, rec.Thresholds.Checkpoint, DefaultBounds.MaxCheckpoint)
}

func TestOnCompactionDetected_LowersThresholds(t *testing.T) {
	o, _ := newTestOptimizer(t)

	rec, ok := o.OnCompactionDetected("s1", 0.85)
	require.True(t, ok)
	assert.Less(t, rec.Thresholds.Checkpoint, 0.75)
	assert.GreaterOrEqual(t, rec.Thresholds.Checkpoint, DefaultBounds.MinCheckpoint)
	assert.Less(t, rec.Thresholds.Checkpoint, rec.Thresholds.Warning)
	assert.Less(t, rec.Thresholds.Warning, rec.Thresholds.Compaction)
}

func TestOnCompactionDetected_FloorsAtMinimumCheckpoint(t *testing.T) {
	o, _ := newTestOptimizer(t)

	rec, ok := o.OnCompactionDetected("s1", 0.40)
	require.True(t, ok)
	assert.Equal(t, DefaultBounds.MinCheckpoint, rec.Thresholds.Checkpoint)
}

func TestOnCompactionDetected_UnknownSession(t *testing.T) {
	o, _ := newTestOptimizer(t)
	_, ok := o.OnCompactionDetected("missing", 0.85)
	assert.False(t, ok)
}
