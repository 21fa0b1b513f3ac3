package publish

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"github.com/anthropics/context-governor/internal/alerts"
	"github.com/anthropics/context-governor/internal/session"
)

// Server is C8's HTTP surface: the JSON snapshot API, the SSE stream, and
// health checks. Prometheus is mounted separately (Metrics.Handler) since
// it conventionally lives on its own port.
//
// endSession is the only client-triggered path that persists through C7; it
// delegates to the orchestrator (C6) rather than mutating the registry
// directly, since C7 persistence on session end is the orchestrator's job
// alone. The plan and progress update endpoints change only the in-memory
// registry record.
type Server struct {
	registry    *session.Registry
	privacy     *session.PrivacyFilter
	bus         *Bus
	metrics     *Metrics
	selfHealth  *SelfHealth
	alertEngine *alerts.Engine
	log         *logrus.Logger
	startedAt   time.Time
	endSession  func(ctx context.Context, sessionID string) error

	// appCtx is the process's root context. Its cancellation (shutdown in
	// progress) is the one honest, shared signal this server has for "is
	// the ingestion/processing/orchestration pipeline still operational",
	// since C1/C2/C3/C6 all run for the lifetime of appCtx with no
	// independent liveness hook of their own.
	appCtx context.Context
}

func NewServer(appCtx context.Context, registry *session.Registry, privacy *session.PrivacyFilter, bus *Bus, metrics *Metrics, selfHealth *SelfHealth, alertEngine *alerts.Engine, endSession func(ctx context.Context, sessionID string) error, log *logrus.Logger) *Server {
	return &Server{
		appCtx:      appCtx,
		registry:    registry,
		privacy:     privacy,
		bus:         bus,
		metrics:     metrics,
		selfHealth:  selfHealth,
		alertEngine: alertEngine,
		endSession:  endSession,
		log:         log,
		startedAt:   time.Now(),
	}
}

// Routes returns the API mux: /api/sessions, /events, /health*.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/sessions", s.handleListSessions)
	mux.HandleFunc("/api/sessions/", s.handleSessionByID)
	mux.HandleFunc("/events", s.handleEvents)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/health/live", s.handleLive)
	mux.HandleFunc("/health/ready", s.handleReady)
	return mux
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	recs := s.registry.ListActive()
	if s.privacy != nil {
		recs = s.privacy.FilterSlice(recs)
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleSessionByID(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Path[len("/api/sessions/"):]
	if id == "" {
		http.NotFound(w, r)
		return
	}
	for _, suffix := range []string{"/plan", "/end", "/update"} {
		if len(id) > len(suffix) && id[len(id)-len(suffix):] == suffix {
			sessionID := id[:len(id)-len(suffix)]
			switch suffix {
			case "/plan":
				s.handlePlanUpdate(w, r, sessionID)
			case "/end":
				s.handleEnd(w, r, sessionID)
			case "/update":
				s.handleProgressUpdate(w, r, sessionID)
			}
			return
		}
	}

	rec, ok := s.registry.Get(id)
	if !ok {
		writeJSONError(w, http.StatusNotFound, "session not found", false)
		return
	}
	if s.privacy != nil {
		rec = s.privacy.Apply(rec)
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handlePlanUpdate(w http.ResponseWriter, r *http.Request, sessionID string) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "POST only", false)
		return
	}
	var plan session.ExecutionPlan
	if err := json.NewDecoder(r.Body).Decode(&plan); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid plan body", false)
		return
	}
	plan.UpdatedAt = time.Now()

	rec, ok := s.registry.Update(sessionID, func(rec *session.Record) {
		rec.Plan = plan
	})
	if !ok {
		writeJSONError(w, http.StatusNotFound, "session not found", false)
		return
	}
	s.bus.Publish("plan_updated", rec)
	writeJSON(w, http.StatusOK, rec)
}

// progressUpdate is the operator-reported body for POST
// /api/sessions/:id/update: the free-form progress fields a session
// reports about itself outside the metric pipeline.
type progressUpdate struct {
	CurrentTask  *string  `json:"currentTask"`
	Phase        *string  `json:"phase"`
	QualityScore *float64 `json:"qualityScore"`
	Iteration    *int     `json:"iteration"`
}

func (s *Server) handleProgressUpdate(w http.ResponseWriter, r *http.Request, sessionID string) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "POST only", false)
		return
	}
	var body progressUpdate
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid update body", false)
		return
	}

	rec, ok := s.registry.Update(sessionID, func(rec *session.Record) {
		if body.CurrentTask != nil {
			rec.CurrentTask = *body.CurrentTask
		}
		if body.Phase != nil {
			rec.Phase = *body.Phase
		}
		if body.QualityScore != nil {
			rec.QualityScore = *body.QualityScore
		}
		if body.Iteration != nil {
			rec.Iteration = *body.Iteration
		}
	})
	if !ok {
		writeJSONError(w, http.StatusNotFound, "session not found", false)
		return
	}
	s.bus.Publish("session:updated", rec)
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleEnd(w http.ResponseWriter, r *http.Request, sessionID string) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "POST only", false)
		return
	}
	if _, ok := s.registry.Get(sessionID); !ok {
		writeJSONError(w, http.StatusNotFound, "session not found", false)
		return
	}
	if err := s.endSession(r.Context(), sessionID); err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to persist session end", true)
		return
	}
	rec, _ := s.registry.Get(sessionID)
	s.bus.Publish("session_ended", rec)
	writeJSON(w, http.StatusOK, rec)
}

// handleEvents serves the SSE stream. A client reconnecting with
// Last-Event-ID gets buffered events replayed before live delivery resumes.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming unsupported", false)
		return
	}

	var lastSeen uint64
	if v := r.Header.Get("Last-Event-ID"); v != "" {
		lastSeen, _ = strconv.ParseUint(v, 10, 64)
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	ch, backlog, unsubscribe := s.bus.Subscribe(lastSeen)
	defer unsubscribe()

	bw := bufio.NewWriter(w)
	for _, ev := range backlog {
		writeSSE(bw, ev)
	}
	bw.Flush()
	flusher.Flush()

	ctx := r.Context()
	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			writeSSE(bw, ev)
			bw.Flush()
			flusher.Flush()
		case <-keepalive.C:
			fmt.Fprint(bw, ": keepalive\n\n")
			bw.Flush()
			flusher.Flush()
		}
	}
}

func writeSSE(w *bufio.Writer, ev Event) {
	data, err := encode(ev)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Seq, ev.Type, data)
}

type healthPayload struct {
	Status         string            `json:"status"`
	Uptime         string            `json:"uptime"`
	ActiveSessions int               `json:"active_sessions"`
	Subscribers    int               `json:"sse_subscribers"`
	Components     map[string]bool   `json:"components"`
	Self           selfHealthPayload `json:"self"`
}

type selfHealthPayload struct {
	CPUPercent float64 `json:"cpu_percent"`
	RSS        string  `json:"rss"`
	RSSBytes   uint64  `json:"rss_bytes"`
}

// degradeWindow is how far back handleHealth looks for a non-info alert
// from a non-ingestion component before reporting degraded rather than
// healthy.
const degradeWindow = 60 * time.Second

// pipelineOperational reports whether the ingestion/processing/
// orchestration pipeline (C1/C2/C3/C6) is still running. They share the
// app's root context, so its cancellation is the one honest signal this
// server has for all four at once.
func (s *Server) pipelineOperational() bool {
	return s.appCtx == nil || s.appCtx.Err() == nil
}

func (s *Server) componentStatus() map[string]bool {
	operational := s.pipelineOperational()
	return map[string]bool{
		"receiver":     operational, // C1
		"processor":    operational, // C2
		"registry":     operational, // C3
		"orchestrator": operational, // C6
	}
}

func (s *Server) isDegraded() bool {
	cutoff := time.Now().Add(-degradeWindow)
	for _, a := range s.alertEngine.Recent() {
		if a.Cleared {
			continue
		}
		if a.Severity == alerts.SeverityInfo {
			continue
		}
		if a.At.Before(cutoff) {
			continue
		}
		return true
	}
	return false
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	cpuPct, rss := s.selfHealth.Snapshot()
	status := "healthy"
	if s.isDegraded() || !s.pipelineOperational() {
		status = "degraded"
	}
	payload := healthPayload{
		Status:         status,
		Uptime:         humanize.RelTime(s.startedAt, time.Now(), "", ""),
		ActiveSessions: s.registry.ActiveCount(),
		Subscribers:    s.bus.SubscriberCount(),
		Components:     s.componentStatus(),
		Self: selfHealthPayload{
			CPUPercent: cpuPct,
			RSS:        humanize.Bytes(rss),
			RSSBytes:   rss,
		},
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	components := s.componentStatus()
	for _, ok := range components {
		if !ok {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not_ready", "components": components})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready", "components": components})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg string, retryable bool) {
	writeJSON(w, status, map[string]any{
		"code":      http.StatusText(status),
		"message":   msg,
		"retryable": retryable,
	})
}
