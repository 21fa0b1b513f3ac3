// Command loadgen simulates N concurrent assistant sessions and posts real
// OTLP/JSON metric export payloads at a governor instance, for exercising
// the full ingest-to-publication pipeline without a live assistant runtime.
// Each simulated session follows one of five token-growth patterns (steady,
// burst, stall, error, methodical).
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
)

type pattern string

const (
	patternSteady     pattern = "steady"
	patternBurst      pattern = "burst"
	patternStall      pattern = "stall"
	patternError      pattern = "error"
	patternMethodical pattern = "methodical"
)

var allPatterns = []pattern{patternSteady, patternBurst, patternStall, patternError, patternMethodical}

type simulatedSession struct {
	id         string
	project    string
	model      string
	pattern    pattern
	tokens     int64
	windowSize int64
	tickCount  int
	stallTicks int
}

func newSimulatedSession(i int) *simulatedSession {
	return &simulatedSession{
		id:         uuid.NewString(),
		project:    fmt.Sprintf("loadgen-project-%d", i),
		model:      "claude-synthetic",
		pattern:    allPatterns[i%len(allPatterns)],
		windowSize: 200000,
	}
}

// advance applies one tick of this session's growth pattern and returns the
// token delta to report (or a special negative "full reset" sentinel
// handled by the caller for the error pattern's compaction simulation).
func (s *simulatedSession) advance() int64 {
	s.tickCount++
	switch s.pattern {
	case patternSteady:
		return int64(500 + rand.Intn(200))
	case patternBurst:
		if s.tickCount%5 == 0 {
			return int64(4000 + rand.Intn(3000))
		}
		return int64(100 + rand.Intn(100))
	case patternStall:
		s.stallTicks++
		if s.stallTicks%4 == 0 {
			return int64(200 + rand.Intn(100))
		}
		return 0
	case patternMethodical:
		return int64(800)
	case patternError:
		if s.tickCount%10 == 0 {
			// Simulate an unannounced compaction: tokens collapse back down.
			s.tokens = s.tokens / 5
			return 0
		}
		return int64(1000 + rand.Intn(500))
	default:
		return 0
	}
}

func main() {
	os.Exit(run())
}

func run() int {
	target := flag.String("target", "http://localhost:4318/v1/metrics", "governor OTLP ingest URL")
	sessions := flag.Int("sessions", 5, "number of simulated concurrent sessions")
	interval := flag.Duration("interval", 2*time.Second, "tick interval between reports per session")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	client := &http.Client{Timeout: 5 * time.Second}
	sims := make([]*simulatedSession, *sessions)
	for i := range sims {
		sims[i] = newSimulatedSession(i)
	}

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			fmt.Println("loadgen: shutting down")
			return 0
		case <-ticker.C:
			for _, s := range sims {
				delta := s.advance()
				s.tokens += delta
				if err := report(ctx, client, *target, s); err != nil {
					fmt.Fprintf(os.Stderr, "loadgen: report failed for %s: %v\n", s.id, err)
				}
			}
		}
	}
}

func report(ctx context.Context, client *http.Client, target string, s *simulatedSession) error {
	now := time.Now().UnixNano()
	body := map[string]any{
		"resourceMetrics": []map[string]any{{
			"resource": map[string]any{"attributes": []map[string]any{
				attr("claude.session.id", s.id),
				attr("project.name", s.project),
				attr("model.name", s.model),
			}},
			"scopeMetrics": []map[string]any{{
				"scope": map[string]any{"name": "loadgen"},
				"metrics": []map[string]any{
					{
						"name": "claude.tokens.total",
						"sum": map[string]any{
							"isMonotonic": true,
							"dataPoints": []map[string]any{{
								"asInt":        fmt.Sprintf("%d", s.tokens),
								"timeUnixNano": fmt.Sprintf("%d", now),
								"attributes":   []map[string]any{},
							}},
						},
					},
					{
						"name": "claude.context.window_size",
						"gauge": map[string]any{
							"dataPoints": []map[string]any{{
								"asInt":        fmt.Sprintf("%d", s.windowSize),
								"timeUnixNano": fmt.Sprintf("%d", now),
								"attributes":   []map[string]any{},
							}},
						},
					},
				},
			}},
		}},
	}

	data, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

func attr(key, value string) map[string]any {
	return map[string]any{"key": key, "value": map[string]any{"stringValue": value}}
}
