package ingest

import (
	"bytes"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anthropics/context-governor/internal/otlp"
	"github.com/anthropics/context-governor/internal/session"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(bytes.NewBuffer(nil))
	return log
}

func newTestProcessor(t *testing.T, out chan ProcessedUpdate) (*Processor, *session.Registry) {
	t.Helper()
	reg := session.NewRegistry(time.Minute, nil)
	cfg := Config{
		DedupCacheSize:          16,
		AttributeCardinalityCap: 2,
		CompactionDropFraction:  0.25,
		SeedThresholds:          session.Thresholds{Checkpoint: 0.75, Warning: 0.85, Compaction: 0.95},
		MaxContextTokens:        func(string) int64 { return 1000 },
	}
	return NewProcessor(reg, cfg, testLogger(), out), reg
}

func TestProcessor_CreatesAndUpdatesSession(t *testing.T) {
	out := make(chan ProcessedUpdate, 8)
	p, reg := newTestProcessor(t, out)

	p.process(otlp.MetricPoint{
		SessionID:  "s1",
		Model:      "claude-x",
		MetricName: "claude.tokens.total",
		Value:      500,
		Timestamp:  time.Now(),
	})

	rec, ok := reg.Get("s1")
	require.True(t, ok)
	assert.Equal(t, int64(500), rec.CurrentTokens)
	assert.Equal(t, int64(1000), rec.ContextWindowSize)
	assert.InDelta(t, 0.5, rec.Utilization, 0.0001)

	update := <-out
	assert.Equal(t, "s1", update.Record.ID)
	assert.False(t, update.CompactionDetected)
}

func TestProcessor_DeduplicatesExactPoints(t *testing.T) {
	out := make(chan ProcessedUpdate, 8)
	p, _ := newTestProcessor(t, out)

	pt := otlp.MetricPoint{SessionID: "s1", MetricName: "claude.tokens.total", Value: 100, Timestamp: time.Unix(100, 0)}
	p.process(pt)
	p.process(pt)

	assert.Len(t, out, 1)
}

func TestProcessor_DetectsCompactionOnLargeDrop(t *testing.T) {
	out := make(chan ProcessedUpdate, 8)
	p, _ := newTestProcessor(t, out)

	base := time.Now()
	p.process(otlp.MetricPoint{SessionID: "s1", MetricName: "claude.tokens.total", Value: 900, Timestamp: base})
	<-out

	p.process(otlp.MetricPoint{SessionID: "s1", MetricName: "claude.tokens.total", Value: 100, Timestamp: base.Add(time.Second)})
	update := <-out

	assert.True(t, update.CompactionDetected)
	assert.Equal(t, 1, update.Record.CompactionCount)
}

func TestProcessor_NoCompactionOnSmallDrop(t *testing.T) {
	out := make(chan ProcessedUpdate, 8)
	p, _ := newTestProcessor(t, out)

	base := time.Now()
	p.process(otlp.MetricPoint{SessionID: "s1", MetricName: "claude.tokens.total", Value: 500, Timestamp: base})
	<-out

	p.process(otlp.MetricPoint{SessionID: "s1", MetricName: "claude.tokens.total", Value: 480, Timestamp: base.Add(time.Second)})
	update := <-out

	assert.False(t, update.CompactionDetected)
}

func TestProcessor_AttributeCardinalityCap(t *testing.T) {
	out := make(chan ProcessedUpdate, 8)
	p, reg := newTestProcessor(t, out)

	p.process(otlp.MetricPoint{
		SessionID:  "s1",
		MetricName: "claude.tokens.total",
		Value:      1,
		Attributes: map[string]string{"a": "1", "b": "2", "c": "3"},
		Timestamp:  time.Now(),
	})

	rec, _ := reg.Get("s1")
	assert.LessOrEqual(t, len(rec.Attributes), 3) // cap(2) + __other__
	assert.Contains(t, rec.Attributes, "__other__")
}

func TestProcessor_NoCompactionWithinResetExemptionWindow(t *testing.T) {
	out := make(chan ProcessedUpdate, 8)
	p, _ := newTestProcessor(t, out)

	base := time.Now()
	p.process(otlp.MetricPoint{SessionID: "s1", MetricName: "claude.tokens.total", Value: 900, Timestamp: base})
	<-out

	p.process(otlp.MetricPoint{SessionID: "s1", MetricName: "claude.context.reset", Timestamp: base.Add(time.Millisecond)})
	<-out

	p.process(otlp.MetricPoint{SessionID: "s1", MetricName: "claude.tokens.total", Value: 100, Timestamp: base.Add(time.Second)})
	update := <-out

	assert.False(t, update.CompactionDetected)
}

func TestProcessor_CompactionAfterResetWindowElapsed(t *testing.T) {
	out := make(chan ProcessedUpdate, 8)
	p, _ := newTestProcessor(t, out)

	base := time.Now()
	p.process(otlp.MetricPoint{SessionID: "s1", MetricName: "claude.tokens.total", Value: 900, Timestamp: base})
	<-out

	p.process(otlp.MetricPoint{SessionID: "s1", MetricName: "claude.context.reset", Timestamp: base})
	<-out

	p.process(otlp.MetricPoint{SessionID: "s1", MetricName: "claude.tokens.total", Value: 100, Timestamp: base.Add(5 * time.Second)})
	update := <-out

	assert.True(t, update.CompactionDetected)
}

func TestProcessor_SubTokenMetricsAccumulateSeparatelyFromCurrentTokens(t *testing.T) {
	out := make(chan ProcessedUpdate, 8)
	p, reg := newTestProcessor(t, out)

	base := time.Now()
	p.process(otlp.MetricPoint{SessionID: "s1", MetricName: "claude.tokens.total", Value: 500, Timestamp: base})
	<-out
	p.process(otlp.MetricPoint{SessionID: "s1", MetricName: "claude.tokens.input", Value: 300, Timestamp: base.Add(time.Second)})
	<-out
	p.process(otlp.MetricPoint{SessionID: "s1", MetricName: "claude.tokens.output", Value: 150, Timestamp: base.Add(2 * time.Second)})
	update := <-out

	rec, _ := reg.Get("s1")
	assert.Equal(t, int64(500), rec.CurrentTokens)
	assert.Equal(t, int64(300), rec.TokensInputTotal)
	assert.Equal(t, int64(150), rec.TokensOutputTotal)
	assert.Equal(t, int64(500), update.Record.CurrentTokens)
}

func TestProcessor_OperationsAndErrorsCountersIncrement(t *testing.T) {
	out := make(chan ProcessedUpdate, 8)
	p, reg := newTestProcessor(t, out)

	base := time.Now()
	p.process(otlp.MetricPoint{SessionID: "s1", MetricName: "claude.operations.count", Value: 1, Timestamp: base})
	<-out
	p.process(otlp.MetricPoint{SessionID: "s1", MetricName: "claude.errors.count", Value: 1, Timestamp: base.Add(time.Second)})
	<-out

	rec, _ := reg.Get("s1")
	assert.Equal(t, int64(1), rec.Operations)
	assert.Equal(t, int64(1), rec.ErrorCount)
}

func TestProcessor_ContextUtilizationIgnoredOnceTokensSeeded(t *testing.T) {
	out := make(chan ProcessedUpdate, 8)
	p, reg := newTestProcessor(t, out)

	base := time.Now()
	p.process(otlp.MetricPoint{SessionID: "s1", MetricName: "claude.tokens.total", Value: 500, Timestamp: base})
	<-out
	p.process(otlp.MetricPoint{SessionID: "s1", MetricName: "claude.context.utilization", Value: 0.9, Timestamp: base.Add(time.Second)})
	<-out

	rec, _ := reg.Get("s1")
	assert.Equal(t, int64(500), rec.CurrentTokens)
}

type fakeOptimizer struct {
	calledSession string
	calledUtil    float64
	out           session.Record
}

func (f *fakeOptimizer) OnCheckpointSuccess(sessionID string, observedUtilization float64) (session.Record, bool) {
	f.calledSession = sessionID
	f.calledUtil = observedUtilization
	return f.out, true
}

func TestProcessor_CheckpointCreatedNotifiesOptimizer(t *testing.T) {
	out := make(chan ProcessedUpdate, 8)
	reg := session.NewRegistry(time.Minute, nil)
	fo := &fakeOptimizer{}
	cfg := Config{
		DedupCacheSize:   16,
		SeedThresholds:   session.Thresholds{Checkpoint: 0.75, Warning: 0.85, Compaction: 0.95},
		MaxContextTokens: func(string) int64 { return 1000 },
		Optimizer:        fo,
	}
	p := NewProcessor(reg, cfg, testLogger(), out)

	base := time.Now()
	p.process(otlp.MetricPoint{SessionID: "s1", MetricName: "claude.tokens.total", Value: 500, Timestamp: base})
	<-out
	p.process(otlp.MetricPoint{SessionID: "s1", MetricName: "claude.checkpoint.created", Timestamp: base.Add(time.Second)})
	<-out

	assert.Equal(t, "s1", fo.calledSession)
	assert.InDelta(t, 0.5, fo.calledUtil, 0.0001)
}

func TestDedupCache_EvictsOldest(t *testing.T) {
	c := newDedupCache(2)
	assert.False(t, c.seen("a"))
	assert.False(t, c.seen("b"))
	assert.False(t, c.seen("c")) // evicts "a"
	assert.True(t, c.seen("b"))
	assert.False(t, c.seen("a"))
}
