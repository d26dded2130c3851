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
	mu               sync.RWMutex
	endpoint         map[string]*EndpointStat
	published        map[string]int64
	delivered        map[string]int64
	dropped          map[string]int64
	gauges           map[string]float64
	docOps           int64
	versionConflicts int64
	chatRejected     int64
	Histograms       *HistogramRegistry
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

type Snapshot struct {
	GeneratedAt      string                  `json:"generated_at"`
	Endpoints        map[string]EndpointStat `json:"endpoints"`
	Published        map[string]int64        `json:"events_published"`
	Delivered        map[string]int64        `json:"events_delivered"`
	Dropped          map[string]int64        `json:"events_dropped"`
	Gauges           map[string]float64      `json:"gauges"`
	DocOps           int64                   `json:"doc_ops_total"`
	VersionConflicts int64                   `json:"version_conflicts_total"`
	ChatRejected     int64                   `json:"chat_rejected_total"`
	Histograms       []HistogramSnapshot     `json:"histograms,omitempty"`
}

func NewRegistry() *Registry {
	return &Registry{
		endpoint:   map[string]*EndpointStat{},
		published:  map[string]int64{},
		delivered:  map[string]int64{},
		dropped:    map[string]int64{},
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

func (r *Registry) IncPublished(kind string) {
	if kind == "" {
		return
	}
	r.mu.Lock()
	r.published[kind]++
	r.mu.Unlock()
}

func (r *Registry) AddDelivered(kind string, n int64) {
	if kind == "" || n <= 0 {
		return
	}
	r.mu.Lock()
	r.delivered[kind] += n
	r.mu.Unlock()
}

func (r *Registry) IncDropped(kind string) {
	if kind == "" {
		return
	}
	r.mu.Lock()
	r.dropped[kind]++
	r.mu.Unlock()
}

func (r *Registry) IncDocOp() {
	r.mu.Lock()
	r.docOps++
	r.mu.Unlock()
}

func (r *Registry) IncVersionConflict() {
	r.mu.Lock()
	r.versionConflicts++
	r.mu.Unlock()
}

func (r *Registry) IncChatRejected() {
	r.mu.Lock()
	r.chatRejected++
	r.mu.Unlock()
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
		GeneratedAt:      time.Now().UTC().Format(time.RFC3339),
		Endpoints:        make(map[string]EndpointStat, len(r.endpoint)),
		Published:        make(map[string]int64, len(r.published)),
		Delivered:        make(map[string]int64, len(r.delivered)),
		Dropped:          make(map[string]int64, len(r.dropped)),
		Gauges:           make(map[string]float64, len(r.gauges)),
		DocOps:           r.docOps,
		VersionConflicts: r.versionConflicts,
		ChatRejected:     r.chatRejected,
	}
	for k, v := range r.endpoint {
		out.Endpoints[k] = *v
	}
	for k, v := range r.published {
		out.Published[k] = v
	}
	for k, v := range r.delivered {
		out.Delivered[k] = v
	}
	for k, v := range r.dropped {
		out.Dropped[k] = v
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
		b.WriteString("# HELP caseroom_endpoint_count total requests by endpoint\n")
		b.WriteString("# TYPE caseroom_endpoint_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "caseroom_endpoint_count{endpoint=%q} %d\n", ep, stat.Count)
		}
		b.WriteString("# HELP caseroom_endpoint_error_count total endpoint errors\n")
		b.WriteString("# TYPE caseroom_endpoint_error_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "caseroom_endpoint_error_count{endpoint=%q} %d\n", ep, stat.ErrorCount)
		}
		b.WriteString("# HELP caseroom_endpoint_avg_millis endpoint average latency in milliseconds\n")
		b.WriteString("# TYPE caseroom_endpoint_avg_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "caseroom_endpoint_avg_millis{endpoint=%q} %.3f\n", ep, stat.AverageMillis)
		}
		b.WriteString("# HELP caseroom_events_published_total events published by kind\n")
		b.WriteString("# TYPE caseroom_events_published_total counter\n")
		for _, kind := range SortedKeys(snap.Published) {
			fmt.Fprintf(b, "caseroom_events_published_total{kind=%q} %d\n", kind, snap.Published[kind])
		}
		b.WriteString("# HELP caseroom_events_delivered_total events delivered to clients by kind\n")
		b.WriteString("# TYPE caseroom_events_delivered_total counter\n")
		for _, kind := range SortedKeys(snap.Delivered) {
			fmt.Fprintf(b, "caseroom_events_delivered_total{kind=%q} %d\n", kind, snap.Delivered[kind])
		}
		b.WriteString("# HELP caseroom_events_dropped_total events dropped under backpressure by kind\n")
		b.WriteString("# TYPE caseroom_events_dropped_total counter\n")
		for _, kind := range SortedKeys(snap.Dropped) {
			fmt.Fprintf(b, "caseroom_events_dropped_total{kind=%q} %d\n", kind, snap.Dropped[kind])
		}
		b.WriteString("# HELP caseroom_doc_ops_total document operations applied\n")
		b.WriteString("# TYPE caseroom_doc_ops_total counter\n")
		fmt.Fprintf(b, "caseroom_doc_ops_total %d\n", snap.DocOps)
		b.WriteString("# HELP caseroom_version_conflicts_total stale case updates rejected\n")
		b.WriteString("# TYPE caseroom_version_conflicts_total counter\n")
		fmt.Fprintf(b, "caseroom_version_conflicts_total %d\n", snap.VersionConflicts)
		b.WriteString("# HELP caseroom_chat_rejected_total chat messages rejected by rate limiting\n")
		b.WriteString("# TYPE caseroom_chat_rejected_total counter\n")
		fmt.Fprintf(b, "caseroom_chat_rejected_total %d\n", snap.ChatRejected)
		b.WriteString("# HELP caseroom_gauge operational gauge metrics\n")
		b.WriteString("# TYPE caseroom_gauge gauge\n")
		for _, name := range SortedKeys(snap.Gauges) {
			fmt.Fprintf(b, "caseroom_gauge{name=%q} %.3f\n", name, snap.Gauges[name])
		}
		for _, h := range snap.Histograms {
			b.WriteString("# HELP caseroom_latency_seconds latency histogram\n")
			b.WriteString("# TYPE caseroom_latency_seconds histogram\n")
			for _, bucket := range h.Buckets {
				fmt.Fprintf(b, "caseroom_latency_seconds_bucket{endpoint=%q,le=\"%.3f\"} %d\n", h.Name, bucket.Le, bucket.Count)
			}
			fmt.Fprintf(b, "caseroom_latency_seconds_bucket{endpoint=%q,le=\"+Inf\"} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "caseroom_latency_seconds_sum{endpoint=%q} %.6f\n", h.Name, h.Sum)
			fmt.Fprintf(b, "caseroom_latency_seconds_count{endpoint=%q} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "caseroom_latency_p50_seconds{endpoint=%q} %.6f\n", h.Name, h.P50)
			fmt.Fprintf(b, "caseroom_latency_p95_seconds{endpoint=%q} %.6f\n", h.Name, h.P95)
			fmt.Fprintf(b, "caseroom_latency_p99_seconds{endpoint=%q} %.6f\n", h.Name, h.P99)
		}
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
