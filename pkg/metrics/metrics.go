// Package metrics is a small JSON/Prometheus metrics registry for the
// gateway: per-endpoint request stats, execution status and error-code
// counters, per-action totals, engine latency, gauges and latency histograms.
package metrics

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

type Registry struct {
	mu            sync.RWMutex
	endpoint      map[string]*EndpointStat
	status        map[string]int64
	errorCode     map[string]int64
	action        map[string]int64
	gauges        map[string]float64
	webhookDrops  int64
	engineLatency EngineLatencyStat
	Histograms    *HistogramRegistry
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

type EngineLatencyStat struct {
	Count   int64   `json:"count"`
	TotalMS int64   `json:"total_ms"`
	MaxMS   int64   `json:"max_ms"`
	LastMS  int64   `json:"last_ms"`
	AvgMS   float64 `json:"avg_ms"`
}

type Snapshot struct {
	GeneratedAt     string                  `json:"generated_at"`
	Endpoints       map[string]EndpointStat `json:"endpoints"`
	Statuses        map[string]int64        `json:"statuses"`
	ErrorCodes      map[string]int64        `json:"error_codes"`
	Actions         map[string]int64        `json:"actions"`
	Gauges          map[string]float64      `json:"gauges"`
	WebhookDrops    int64                   `json:"webhook_drops_total"`
	EngineLatencyMS EngineLatencyStat       `json:"engine_latency_ms"`
	Histograms      []HistogramSnapshot     `json:"histograms,omitempty"`
}

func NewRegistry() *Registry {
	return &Registry{
		endpoint:   map[string]*EndpointStat{},
		status:     map[string]int64{},
		errorCode:  map[string]int64{},
		action:     map[string]int64{},
		gauges:     map[string]float64{},
		Histograms: NewHistogramRegistry(),
	}
}

func (r *Registry) ObserveLatency(endpoint string, d time.Duration) {
	r.Histograms.ObserveDuration(endpoint, d)
}

func (r *Registry) Observe(path string, status int, d time.Duration) {
	millis := d.Milliseconds()
	r.mu.Lock()
	defer r.mu.Unlock()
	stat, ok := r.endpoint[path]
	if !ok {
		stat = &EndpointStat{}
		r.endpoint[path] = stat
	}
	stat.Count++
	if status >= 400 {
		stat.ErrorCount++
	}
	stat.TotalMillis += millis
	if millis > stat.MaxMillis {
		stat.MaxMillis = millis
	}
	stat.LastStatusCode = status
	stat.AverageMillis = float64(stat.TotalMillis) / float64(stat.Count)
}

// IncExecution records one execution outcome: the result status, the action
// and, for non-successes, the machine-readable error code.
func (r *Registry) IncExecution(status, actionID, errorCode string) {
	if status == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status[status]++
	if actionID != "" {
		r.action[actionID]++
	}
	if errorCode != "" {
		r.errorCode[errorCode]++
	}
}

func (r *Registry) IncStatus(status string) {
	if status == "" {
		return
	}
	r.mu.Lock()
	r.status[status]++
	r.mu.Unlock()
}

func (r *Registry) IncErrorCode(code string) {
	code = strings.TrimSpace(code)
	if code == "" {
		return
	}
	r.mu.Lock()
	r.errorCode[code]++
	r.mu.Unlock()
}

func (r *Registry) IncWebhookDrop() {
	r.mu.Lock()
	r.webhookDrops++
	r.mu.Unlock()
}

func (r *Registry) ObserveEngineLatency(d time.Duration) {
	ms := d.Milliseconds()
	if ms < 0 {
		ms = 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.engineLatency.Count++
	r.engineLatency.TotalMS += ms
	r.engineLatency.LastMS = ms
	if ms > r.engineLatency.MaxMS {
		r.engineLatency.MaxMS = ms
	}
	r.engineLatency.AvgMS = float64(r.engineLatency.TotalMS) / float64(r.engineLatency.Count)
}

func (r *Registry) SetGauge(name string, value float64) {
	if name == "" {
		return
	}
	r.mu.Lock()
	r.gauges[name] = value
	r.mu.Unlock()
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := Snapshot{
		GeneratedAt:  time.Now().UTC().Format(time.RFC3339),
		Endpoints:    make(map[string]EndpointStat, len(r.endpoint)),
		Statuses:     make(map[string]int64, len(r.status)),
		ErrorCodes:   make(map[string]int64, len(r.errorCode)),
		Actions:      make(map[string]int64, len(r.action)),
		Gauges:       make(map[string]float64, len(r.gauges)),
		WebhookDrops: r.webhookDrops,
		EngineLatencyMS: EngineLatencyStat{
			Count:   r.engineLatency.Count,
			TotalMS: r.engineLatency.TotalMS,
			MaxMS:   r.engineLatency.MaxMS,
			LastMS:  r.engineLatency.LastMS,
			AvgMS:   r.engineLatency.AvgMS,
		},
	}
	for k, v := range r.endpoint {
		out.Endpoints[k] = *v
	}
	for k, v := range r.status {
		out.Statuses[k] = v
	}
	for k, v := range r.errorCode {
		out.ErrorCodes[k] = v
	}
	for k, v := range r.action {
		out.Actions[k] = v
	}
	for k, v := range r.gauges {
		out.Gauges[k] = v
	}
	out.Histograms = r.Histograms.Snapshots()
	return out
}

func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(snap)
	}
}

func (r *Registry) PrometheusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		b := &strings.Builder{}
		b.WriteString("# HELP warden_endpoint_count total requests by endpoint\n")
		b.WriteString("# TYPE warden_endpoint_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "warden_endpoint_count{endpoint=%q} %d\n", ep, stat.Count)
		}
		b.WriteString("# HELP warden_endpoint_error_count total endpoint errors\n")
		b.WriteString("# TYPE warden_endpoint_error_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "warden_endpoint_error_count{endpoint=%q} %d\n", ep, stat.ErrorCount)
		}
		b.WriteString("# HELP warden_endpoint_avg_millis endpoint average latency in milliseconds\n")
		b.WriteString("# TYPE warden_endpoint_avg_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "warden_endpoint_avg_millis{endpoint=%q} %.3f\n", ep, stat.AverageMillis)
		}
		b.WriteString("# HELP warden_endpoint_max_millis endpoint max latency in milliseconds\n")
		b.WriteString("# TYPE warden_endpoint_max_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "warden_endpoint_max_millis{endpoint=%q} %d\n", ep, stat.MaxMillis)
		}
		b.WriteString("# HELP warden_execution_status_total executions by result status\n")
		b.WriteString("# TYPE warden_execution_status_total counter\n")
		for _, status := range SortedKeys(snap.Statuses) {
			fmt.Fprintf(b, "warden_execution_status_total{status=%q} %d\n", status, snap.Statuses[status])
		}
		b.WriteString("# HELP warden_execution_error_total non-success executions by error code\n")
		b.WriteString("# TYPE warden_execution_error_total counter\n")
		for _, code := range SortedKeys(snap.ErrorCodes) {
			fmt.Fprintf(b, "warden_execution_error_total{code=%q} %d\n", code, snap.ErrorCodes[code])
		}
		b.WriteString("# HELP warden_action_total executions by action\n")
		b.WriteString("# TYPE warden_action_total counter\n")
		for _, action := range SortedKeys(snap.Actions) {
			fmt.Fprintf(b, "warden_action_total{action=%q} %d\n", action, snap.Actions[action])
		}
		b.WriteString("# HELP warden_gauge operational gauge metrics\n")
		b.WriteString("# TYPE warden_gauge gauge\n")
		for _, name := range SortedKeys(snap.Gauges) {
			fmt.Fprintf(b, "warden_gauge{name=%q} %.3f\n", name, snap.Gauges[name])
		}
		for _, h := range snap.Histograms {
			b.WriteString("# HELP warden_latency_seconds latency histogram\n")
			b.WriteString("# TYPE warden_latency_seconds histogram\n")
			for _, bucket := range h.Buckets {
				fmt.Fprintf(b, "warden_latency_seconds_bucket{endpoint=%q,le=\"%.3f\"} %d\n", h.Name, bucket.Le, bucket.Count)
			}
			fmt.Fprintf(b, "warden_latency_seconds_bucket{endpoint=%q,le=\"+Inf\"} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "warden_latency_seconds_sum{endpoint=%q} %.6f\n", h.Name, h.Sum)
			fmt.Fprintf(b, "warden_latency_seconds_count{endpoint=%q} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "warden_latency_p50_seconds{endpoint=%q} %.6f\n", h.Name, h.P50)
			fmt.Fprintf(b, "warden_latency_p95_seconds{endpoint=%q} %.6f\n", h.Name, h.P95)
			fmt.Fprintf(b, "warden_latency_p99_seconds{endpoint=%q} %.6f\n", h.Name, h.P99)
		}

		b.WriteString("# HELP warden_engine_latency_ms engine pipeline latency in ms\n")
		b.WriteString("# TYPE warden_engine_latency_ms gauge\n")
		fmt.Fprintf(b, "warden_engine_latency_ms{stat=%q} %d\n", "last", snap.EngineLatencyMS.LastMS)
		fmt.Fprintf(b, "warden_engine_latency_ms{stat=%q} %.3f\n", "avg", snap.EngineLatencyMS.AvgMS)
		fmt.Fprintf(b, "warden_engine_latency_ms{stat=%q} %d\n", "max", snap.EngineLatencyMS.MaxMS)

		b.WriteString("# HELP warden_webhook_drops_total webhook deliveries rejected before execution\n")
		b.WriteString("# TYPE warden_webhook_drops_total counter\n")
		fmt.Fprintf(b, "warden_webhook_drops_total %d\n", snap.WebhookDrops)

		_, _ = w.Write([]byte(b.String()))
	}
}

func SortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
