package otlp

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// MetricPoint is one data point extracted from an OTLP export, resolved
// against a session id and carrying just the fields the processor (C2)
// needs.
type MetricPoint struct {
	SessionID   string
	Project     string
	ProjectPath string
	Model       string
	MetricName  string
	Value       float64
	Attributes  map[string]string
	Timestamp   time.Time
}

const maxBodyBytes = 16 << 20 // 16 MiB, generous for a batched export

// Receiver is C1: the OTLP/HTTP metrics endpoint. It decodes each export
// request, resolves a session id per request resource, flattens every data
// point into a MetricPoint, and hands it to the processor over out. out is
// never blocked on indefinitely: when full, the oldest queued point is
// dropped to make room, matching the rest of the pipeline's "prefer
// freshness over completeness" stance on backpressure.
type Receiver struct {
	log    *logrus.Logger
	out    chan<- MetricPoint
	strict bool // reject requests lacking a resolvable session id

	dropped  atomic.Uint64
	accepted atomic.Uint64
	decodeErrors atomic.Uint64
}

// NewReceiver builds a Receiver that pushes onto out. strict controls
// whether a request with no claude.session.id/service.instance.id
// attribute (and so no safe way to synthesize a stable id) is rejected
// with 400 rather than accepted under a generated id.
func NewReceiver(out chan<- MetricPoint, log *logrus.Logger, strict bool) *Receiver {
	return &Receiver{out: out, log: log, strict: strict}
}

// Stats is a point-in-time snapshot of receiver counters, read through
// Receiver.Stats; neither /health nor /metrics reports these counters.
type Stats struct {
	Accepted     uint64
	Dropped      uint64
	DecodeErrors uint64
}

func (r *Receiver) Stats() Stats {
	return Stats{
		Accepted:     r.accepted.Load(),
		Dropped:      r.dropped.Load(),
		DecodeErrors: r.decodeErrors.Load(),
	}
}

// Handler returns the http.Handler for POST /v1/metrics, wrapped with a
// panic recoverer so a malformed payload or a bug in decoding never takes
// the whole listener down.
func (r *Receiver) Handler() http.Handler {
	return r.recoverMiddleware(http.HandlerFunc(r.serveMetrics))
}

func (r *Receiver) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				r.log.WithField("panic", rec).Error("otlp receiver: recovered panic handling request")
				http.Error(w, `{"code":"internal","message":"internal error","retryable":true}`, http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, req)
	})
}

func (r *Receiver) serveMetrics(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, `{"code":"method_not_allowed","message":"POST only","retryable":false}`, http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(req.Body, maxBodyBytes+1))
	if err != nil {
		r.writeError(w, http.StatusBadRequest, "cannot read body", false)
		return
	}
	if len(body) > maxBodyBytes {
		r.writeError(w, http.StatusBadRequest, "body too large", false)
		return
	}

	var export ExportMetricsServiceRequest
	if err := json.Unmarshal(body, &export); err != nil {
		r.decodeErrors.Add(1)
		r.writeError(w, http.StatusBadRequest, "invalid OTLP/JSON body", false)
		return
	}

	now := time.Now()
	remoteAddr := req.RemoteAddr
	shed := 0

	for _, rm := range export.ResourceMetrics {
		attrs := attrMap(rm.Resource.Attributes)
		sessionID, ok := r.resolveSessionID(attrs, remoteAddr)
		if !ok {
			r.writeError(w, http.StatusBadRequest, "no resolvable session id", false)
			return
		}

		for _, sm := range rm.ScopeMetrics {
			for _, metric := range sm.Metrics {
				for _, point := range flattenMetric(metric, now) {
					point.SessionID = sessionID
					point.Project = attrs["project.name"]
					point.ProjectPath = attrs["project.path"]
					point.Model = attrs["model.name"]
					if !r.offer(point) {
						shed++
					}
				}
			}
		}
	}

	if shed > 0 {
		r.log.WithField("dropped", shed).Warn("otlp receiver: ingest channel under pressure, dropped oldest points")
	}
	w.WriteHeader(http.StatusNoContent)
}

// offer attempts a non-blocking send; if the channel is full it drops the
// single oldest queued point to make room rather than blocking the HTTP
// request or dropping the newest (freshest) data.
func (r *Receiver) offer(p MetricPoint) bool {
	select {
	case r.out <- p:
		r.accepted.Add(1)
		return true
	default:
	}

	select {
	case <-r.out:
		r.dropped.Add(1)
	default:
	}

	select {
	case r.out <- p:
		r.accepted.Add(1)
		return true
	default:
		r.dropped.Add(1)
		return false
	}
}

// resolveSessionID implements the precedence claude.session.id ->
// service.instance.id -> a synthesized id derived from project.path and
// the caller's remote address, logged as a warning since it is not stable
// across a client restart.
func (r *Receiver) resolveSessionID(attrs map[string]string, remoteAddr string) (string, bool) {
	if id := attrs["claude.session.id"]; id != "" {
		return id, true
	}
	if id := attrs["service.instance.id"]; id != "" {
		return id, true
	}
	if r.strict {
		return "", false
	}

	seed := attrs["project.path"] + "|" + remoteAddr
	h := sha256.Sum256([]byte(seed))
	synthetic := "synthetic-" + fmt.Sprintf("%x", h[:8])
	r.log.WithFields(logrus.Fields{
		"project_path": attrs["project.path"],
		"remote_addr":  remoteAddr,
		"session_id":   synthetic,
	}).Warn("otlp receiver: no session id attribute, synthesized one")
	return synthetic, true
}

func (r *Receiver) writeError(w http.ResponseWriter, status int, msg string, retryable bool) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(fmt.Sprintf(`{"code":%q,"message":%q,"retryable":%t}`, http.StatusText(status), msg, retryable)))
}

func attrMap(kvs []KeyValue) map[string]string {
	out := make(map[string]string, len(kvs))
	for _, kv := range kvs {
		out[kv.Key] = kv.Value.AsString()
	}
	return out
}

func flattenMetric(m Metric, fallback time.Time) []MetricPoint {
	switch {
	case m.Sum != nil:
		return pointsFromNumber(m.Name, m.Sum.DataPoints, fallback)
	case m.Gauge != nil:
		return pointsFromNumber(m.Name, m.Gauge.DataPoints, fallback)
	case m.Histogram != nil:
		return pointsFromHistogram(m.Name, m.Histogram.DataPoints, fallback)
	default:
		return nil
	}
}

func pointsFromNumber(name string, dps []NumberDataPoint, fallback time.Time) []MetricPoint {
	out := make([]MetricPoint, 0, len(dps))
	for _, dp := range dps {
		var v float64
		switch {
		case dp.AsDouble != nil:
			v = *dp.AsDouble
		case dp.AsInt != nil:
			n, _ := strconv.ParseInt(*dp.AsInt, 10, 64)
			v = float64(n)
		}
		out = append(out, MetricPoint{
			MetricName: name,
			Value:      v,
			Attributes: attrMap(dp.Attributes),
			Timestamp:  parseUnixNano(dp.TimeUnixNano, fallback),
		})
	}
	return out
}

func pointsFromHistogram(name string, dps []HistogramDataPoint, fallback time.Time) []MetricPoint {
	out := make([]MetricPoint, 0, len(dps))
	for _, dp := range dps {
		var sum float64
		if dp.Sum != nil {
			sum = *dp.Sum
		}
		out = append(out, MetricPoint{
			MetricName: name,
			Value:      sum,
			Attributes: attrMap(dp.Attributes),
			Timestamp:  parseUnixNano(dp.TimeUnixNano, fallback),
		})
	}
	return out
}

func parseUnixNano(s string, fallback time.Time) time.Time {
	if s == "" {
		return fallback
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fallback
	}
	return time.Unix(0, n)
}

// NewSyntheticID produces a random session id. It is never used on the
// ingest hot path (resolveSessionID prefers a deterministic synthesis so
// repeated requests from the same client collapse onto one session).
func NewSyntheticID() string {
	return uuid.NewString()
}
