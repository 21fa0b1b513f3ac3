package alerts

import (
	"bytes"
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

func testRecord(util float64) session.Record {
	return session.Record{
		ID:          "s1",
		Utilization: util,
		Thresholds:  session.Thresholds{Checkpoint: 0.6, Warning: 0.8, Compaction: 0.95},
	}
}

func TestEvaluateSession_TriggersOnceThenSuppressesUntilCleared(t *testing.T) {
	e := New(Config{}, 100, testLogger())

	first := e.EvaluateSession(testRecord(0.85), false)
	require.NotEmpty(t, first)
	var found bool
	for _, a := range first {
		if a.Rule == RuleHighContextUtilization {
			found = true
			assert.False(t, a.Cleared)
		}
	}
	assert.True(t, found)

	// Same high utilization again: must not re-fire.
	second := e.EvaluateSession(testRecord(0.86), false)
	for _, a := range second {
		assert.NotEqual(t, RuleHighContextUtilization, a.Rule)
	}

	// Drops back below threshold: fires a cleared alert.
	third := e.EvaluateSession(testRecord(0.1), false)
	var cleared bool
	for _, a := range third {
		if a.Rule == RuleHighContextUtilization && a.Cleared {
			cleared = true
		}
	}
	assert.True(t, cleared)
}

func TestEvaluateSession_CriticalAndHighBothFire(t *testing.T) {
	e := New(Config{}, 100, testLogger())
	out := e.EvaluateSession(testRecord(0.97), false)

	rules := map[string]bool{}
	for _, a := range out {
		rules[a.Rule] = true
	}
	assert.True(t, rules[RuleHighContextUtilization])
	assert.True(t, rules[RuleCriticalContextUtilization])
}

func TestEvaluateSession_CompactionAlwaysRecorded(t *testing.T) {
	e := New(Config{}, 100, testLogger())

	out1 := e.EvaluateSession(testRecord(0.1), true)
	out2 := e.EvaluateSession(testRecord(0.1), true)

	assert.Len(t, out1, 1)
	assert.Len(t, out2, 1) // compaction isn't gated by changed-state tracking
	assert.Equal(t, RuleCompactionDetected, out1[0].Rule)
	assert.Equal(t, SeverityError, out1[0].Severity)
}

func TestEvaluateGlobal_ParallelSessionsHigh(t *testing.T) {
	e := New(Config{}, 100, testLogger())

	out := e.EvaluateGlobal(map[string]int{"proj-a": 4})
	require.Len(t, out, 1)
	assert.Equal(t, RuleParallelSessionsHigh, out[0].Rule)
	assert.Equal(t, "proj-a", out[0].ProjectID)
	assert.Equal(t, 4, out[0].SessionCount)
	assert.Equal(t, SeverityInfo, out[0].Severity)

	none := e.EvaluateGlobal(map[string]int{"proj-a": 4})
	assert.Empty(t, none)

	cleared := e.EvaluateGlobal(map[string]int{"proj-a": 1})
	require.Len(t, cleared, 1)
	assert.True(t, cleared[0].Cleared)
}

func TestEvaluateGlobal_BelowThresholdNeverFires(t *testing.T) {
	e := New(Config{}, 100, testLogger())
	out := e.EvaluateGlobal(map[string]int{"proj-b": 2})
	assert.Empty(t, out)
}

func TestRecent_BoundedRingBuffer(t *testing.T) {
	e := New(Config{}, 2, testLogger())
	e.EvaluateSession(testRecord(0.85), true)
	e.EvaluateSession(testRecord(0.85), true)
	e.EvaluateSession(testRecord(0.85), true)

	assert.LessOrEqual(t, len(e.Recent()), 2)
}
