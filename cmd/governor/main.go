// Command governor runs the context window governor: it ingests OTLP/HTTP
// metrics from concurrent assistant sessions, drives each session's
// checkpoint/emergency state machine, and publishes live state over SSE,
// JSON, and Prometheus.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/anthropics/context-governor/internal/alerts"
	"github.com/anthropics/context-governor/internal/bridge"
	"github.com/anthropics/context-governor/internal/ingest"
	"github.com/anthropics/context-governor/internal/optimizer"
	"github.com/anthropics/context-governor/internal/orchestrator"
	"github.com/anthropics/context-governor/internal/otlp"
	"github.com/anthropics/context-governor/internal/platform/config"
	"github.com/anthropics/context-governor/internal/platform/logging"
	"github.com/anthropics/context-governor/internal/publish"
	"github.com/anthropics/context-governor/internal/session"
	"github.com/anthropics/context-governor/internal/store"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", config.DefaultConfigPath(), "path to YAML config file")
	flag.Parse()

	cfg, err := config.LoadOrDefault(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "loading config:", err)
		return 1
	}

	log := logging.New(cfg.LogLevel)
	log.WithField("config", *configPath).Info("starting context governor")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	backend, err := buildStore(cfg, log)
	if err != nil {
		log.WithError(err).Error("failed to initialize state store")
		return 2
	}
	defer backend.Close()

	registry := session.NewRegistry(cfg.RetentionAfterClose, func(id string) {
		log.WithField("session", id).Debug("session evicted from registry")
	})

	seedThresholds := session.Thresholds{
		Checkpoint: cfg.CheckpointThreshold,
		Warning:    cfg.WarningThreshold,
		Compaction: cfg.CompactionThreshold,
	}

	ingestCh := make(chan otlp.MetricPoint, cfg.IngestChannelCapacity)
	processedCh := make(chan ingest.ProcessedUpdate, cfg.IngestChannelCapacity)
	bridgeCh := make(chan ingest.ProcessedUpdate, cfg.IngestChannelCapacity)
	toOrchestrator := make(chan bridge.Decision, cfg.IngestChannelCapacity)
	toPublish := make(chan bridge.Decision, cfg.IngestChannelCapacity)

	receiver := otlp.NewReceiver(ingestCh, log, cfg.StrictSessionID)

	bus := publish.NewBus(cfg.SSEReplayBuffer)
	metrics := publish.NewMetrics(log)
	selfHealth := publish.NewSelfHealth(log)
	alertEngine := alerts.New(alerts.Config{
		HighUtilization:        cfg.WarningThreshold,
		CriticalUtilization:    cfg.CompactionThreshold,
		RapidVelocityTokensSec: cfg.HighVelocityTokensPerSec,
	}, 100, log)

	opt := optimizer.New(registry, cfg.LearningRate, optimizer.DefaultBounds, log)

	processor := ingest.NewProcessor(registry, ingest.Config{
		DedupCacheSize:          cfg.DedupLRUSize,
		AttributeCardinalityCap: cfg.AttributeCardinalityCap,
		CompactionDropFraction:  cfg.CompactionDropFraction,
		SeedThresholds:          seedThresholds,
		MaxContextTokens:        cfg.MaxContextTokens,
		Optimizer:               opt,
	}, log, processedCh)

	br := bridge.New(bridge.Config{HighVelocityTokensPerSec: cfg.HighVelocityTokensPerSec}, log, toOrchestrator, toPublish)

	orch := orchestrator.New(registry, backend, opt, bus, metrics, orchestrator.Config{}, log)

	privacy := &session.PrivacyFilter{}
	apiServer := publish.NewServer(ctx, registry, privacy, bus, metrics, selfHealth, alertEngine, orch.Wrap, log)

	var wg sync.WaitGroup
	spawn := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}
	spawn(func() { processor.Run(ctx, ingestCh) })
	spawn(func() { publishSessionLifecycle(ctx, processedCh, bridgeCh, bus, metrics) })
	spawn(func() { br.Run(ctx, bridgeCh) })
	spawn(func() { orch.Run(ctx, toOrchestrator) })
	spawn(func() { selfHealth.Run(ctx, 10*time.Second) })
	spawn(func() { publishDecisions(ctx, toPublish, bus, metrics, alertEngine) })
	spawn(func() { publishParallelSessionsPattern(ctx, registry, alertEngine, bus, 5*time.Second) })

	httpServers := startHTTPServers(ctx, cfg, log, receiver, apiServer, metrics)

	<-ctx.Done()
	log.Info("shutdown signal received, draining")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	for _, srv := range httpServers {
		_ = srv.Shutdown(shutdownCtx)
	}

	registry.Shutdown()
	wg.Wait()
	return 0
}

func buildStore(cfg *config.Config, log *logrus.Logger) (store.Backend, error) {
	switch cfg.StoreBackend {
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		return store.NewRedisStore(client, 0), nil
	default:
		return store.NewFileStore(cfg.StoreDir, log)
	}
}

// publishSessionLifecycle announces session:created/session:updated for
// every processed update, records the per-session token/velocity/operation
// gauges, and forwards the update unchanged to the bridge.
func publishSessionLifecycle(ctx context.Context, in <-chan ingest.ProcessedUpdate, out chan<- ingest.ProcessedUpdate, bus *publish.Bus, metrics *publish.Metrics) {
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-in:
			if !ok {
				close(out)
				return
			}
			if u.IsNewSession {
				bus.Publish("session:created", u.Record)
			} else {
				bus.Publish("session:updated", u.Record)
			}
			metrics.ContextTokensTotal.Set(u.Record.ID, float64(u.Record.CurrentTokens))
			metrics.ContextVelocity.Set(u.Record.ID, u.Record.Velocity)
			metrics.OperationsTotal.Set(u.Record.ID, float64(u.Record.Operations))

			select {
			case out <- u:
			case <-ctx.Done():
				return
			}
		}
	}
}

func publishDecisions(ctx context.Context, in <-chan bridge.Decision, bus *publish.Bus, metrics *publish.Metrics, engine *alerts.Engine) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-in:
			if !ok {
				return
			}
			bus.Publish("decision", d)
			metrics.SessionUtilization.Set(d.SessionID, d.Utilization)
			if d.CompactionDetected {
				metrics.CompactionsDetected.Inc()
			}
			if d.HighVelocity {
				bus.Publish("pattern:high-velocity", d)
			}
			for _, a := range engine.EvaluateSession(sessionRecordFromDecision(d), d.CompactionDetected) {
				bus.Publish("alert", a)
			}
		}
	}
}

// publishParallelSessionsPattern periodically groups active sessions by
// project and runs the ParallelSessionsHigh rule against the live
// registry, since that pattern can only be observed across sessions, not
// from any single decision.
func publishParallelSessionsPattern(ctx context.Context, registry *session.Registry, engine *alerts.Engine, bus *publish.Bus, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			byProject := make(map[string]int)
			for _, rec := range registry.ListActive() {
				if rec.Project != "" {
					byProject[rec.Project]++
				}
			}
			for _, a := range engine.EvaluateGlobal(byProject) {
				bus.Publish("alert", a)
				if !a.Cleared {
					bus.Publish("pattern:parallel-sessions", a)
				}
			}
		}
	}
}

// sessionRecordFromDecision builds just enough of a session.Record for the
// alert engine's per-session rules: the ID, utilization and velocity carried
// on the Decision. Thresholds are not copied (a Decision has none), so the
// engine's utilization rules use the thresholds set in its own Config.
func sessionRecordFromDecision(d bridge.Decision) session.Record {
	return session.Record{
		ID:          d.SessionID,
		Utilization: d.Utilization,
		Velocity:    d.Velocity,
	}
}

func startHTTPServers(ctx context.Context, cfg *config.Config, log *logrus.Logger, receiver *otlp.Receiver, api *publish.Server, metrics *publish.Metrics) []*http.Server {
	ingestSrv := &http.Server{Addr: fmt.Sprintf("%s:%d", cfg.Host, cfg.IngestPort), Handler: ingestMux(receiver)}
	apiSrv := &http.Server{Addr: fmt.Sprintf("%s:%d", cfg.Host, cfg.APIPort), Handler: api.Routes()}
	metricsSrv := &http.Server{Addr: fmt.Sprintf("%s:%d", cfg.Host, cfg.PrometheusPort), Handler: metrics.Handler()}

	servers := []*http.Server{ingestSrv, apiSrv, metricsSrv}
	for _, srv := range servers {
		srv := srv
		go func() {
			log.WithField("addr", srv.Addr).Info("http listener starting")
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.WithError(err).WithField("addr", srv.Addr).Error("http listener stopped unexpectedly")
			}
		}()
	}
	return servers
}

func ingestMux(receiver *otlp.Receiver) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/v1/metrics", receiver.Handler())
	return mux
}
