package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestRegistryObserveAndSnapshot(t *testing.T) {
	r := NewRegistry()
	r.Observe("GET /healthz", 200, 15*time.Millisecond)
	r.Observe("GET /healthz", 503, 35*time.Millisecond)
	r.IncPublished("cursor-move")
	r.IncPublished("cursor-move")
	r.AddDelivered("cursor-move", 3)
	r.IncDropped("cursor-move")
	r.IncDocOp()
	r.IncVersionConflict()
	r.IncChatRejected()
	r.SetGauge("connections", 4)

	snap := r.Snapshot()
	ep, ok := snap.Endpoints["GET /healthz"]
	if !ok {
		t.Fatal("missing endpoint metric")
	}
	if ep.Count != 2 {
		t.Fatalf("expected count=2 got=%d", ep.Count)
	}
	if ep.ErrorCount != 1 {
		t.Fatalf("expected error_count=1 got=%d", ep.ErrorCount)
	}
	if ep.MaxMillis != 35 {
		t.Fatalf("expected max_millis=35 got=%d", ep.MaxMillis)
	}
	if snap.Published["cursor-move"] != 2 {
		t.Fatalf("expected published=2 got=%d", snap.Published["cursor-move"])
	}
	if snap.Delivered["cursor-move"] != 3 {
		t.Fatalf("expected delivered=3 got=%d", snap.Delivered["cursor-move"])
	}
	if snap.Dropped["cursor-move"] != 1 {
		t.Fatalf("expected dropped=1 got=%d", snap.Dropped["cursor-move"])
	}
	if snap.DocOps != 1 || snap.VersionConflicts != 1 || snap.ChatRejected != 1 {
		t.Fatalf("unexpected totals: %+v", snap)
	}
	if snap.Gauges["connections"] != 4 {
		t.Fatalf("expected gauge connections=4 got=%v", snap.Gauges["connections"])
	}
}

func TestSortedKeys(t *testing.T) {
	keys := SortedKeys(map[string]int{"b": 2, "a": 1, "c": 3})
	if len(keys) != 3 {
		t.Fatalf("expected 3 keys got=%d", len(keys))
	}
	if keys[0] != "a" || keys[1] != "b" || keys[2] != "c" {
		t.Fatalf("unexpected order: %#v", keys)
	}
}

func TestPrometheusHandler(t *testing.T) {
	r := NewRegistry()
	r.Observe("PATCH /v1/cases/{caseID}", 200, 12*time.Millisecond)
	r.Observe("PATCH /v1/cases/{caseID}", 409, 20*time.Millisecond)
	r.IncPublished("chat-message")
	r.IncDropped("cursor-move")
	r.IncVersionConflict()
	r.SetGauge("rooms", 2)
	r.ObserveLatency("fanout", 5*time.Millisecond)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics/prometheus", nil)
	r.PrometheusHandler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	body := rr.Body.String()
	for _, want := range []string{
		`caseroom_endpoint_count{endpoint="PATCH /v1/cases/{caseID}"} 2`,
		`caseroom_events_published_total{kind="chat-message"} 1`,
		`caseroom_events_dropped_total{kind="cursor-move"} 1`,
		"caseroom_version_conflicts_total 1",
		`caseroom_gauge{name="rooms"} 2.000`,
		`caseroom_latency_seconds_count{endpoint="fanout"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("missing %q in prometheus output: %s", want, body)
		}
	}
}

func TestJSONHandlerAndEmptyInputs(t *testing.T) {
	r := NewRegistry()
	r.IncPublished("")
	r.IncDropped("")
	r.AddDelivered("chat-message", 0)
	r.SetGauge("", 5)
	r.Observe("GET /healthz", 204, 5*time.Millisecond)
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	r.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if got := rr.Header().Get("Content-Type"); got != "application/json" {
		t.Fatalf("expected json content type, got %q", got)
	}
	body := rr.Body.String()
	if !strings.Contains(body, "\"generated_at\"") {
		t.Fatalf("expected generated timestamp in body: %s", body)
	}
	if strings.Contains(body, "\"\"") {
		t.Fatalf("did not expect empty-key counters in body: %s", body)
	}
}
