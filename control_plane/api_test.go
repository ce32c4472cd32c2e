package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/wattwise/wattwise/control_plane/auth"
	"github.com/wattwise/wattwise/control_plane/capacity"
	"github.com/wattwise/wattwise/control_plane/forecast"
	"github.com/wattwise/wattwise/control_plane/ledger"
	"github.com/wattwise/wattwise/control_plane/scheduler"
	"github.com/wattwise/wattwise/control_plane/store"
)

type testServer struct {
	srv   *httptest.Server
	api   *API
	token string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	feed := forecast.NewFeed(time.Hour, 48)
	tracker := capacity.NewTracker()
	led := ledger.New()
	st := store.NewMemoryStore()
	engine := scheduler.NewEngine(feed, tracker, led, st, scheduler.DefaultEngineConfig())
	api := NewAPI(engine, feed, tracker, led, st, store.NewMemoryIdempotencyStore(), 50, 100)
	engine.SetEventPublisher(api.wsHub)

	srv := httptest.NewServer(newRouter(api))
	t.Cleanup(srv.Close)

	token, err := auth.GenerateToken("tenant-a", "admin")
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	return &testServer{srv: srv, api: api, token: token}
}

func (ts *testServer) do(t *testing.T, method, path string, body interface{}, headers map[string]string) *http.Response {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, ts.srv.URL+path, &buf)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+ts.token)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	return resp
}

func (ts *testServer) seedRegion(t *testing.T, region string, ci float64) {
	t.Helper()

	start := time.Now().Truncate(time.Hour)
	buckets := make([]map[string]interface{}, 0, 12)
	for i := 0; i < 12; i++ {
		buckets = append(buckets, map[string]interface{}{
			"start":            start.Add(time.Duration(i) * time.Hour),
			"green_score":      1 - ci/500,
			"carbon_intensity": ci,
			"price_per_hour":   1.0,
		})
	}
	resp := ts.do(t, http.MethodPost, "/forecast", map[string]interface{}{
		"region_id": region,
		"buckets":   buckets,
	}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("forecast publish returned %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = ts.do(t, http.MethodPost, "/regions/"+region+"/capacity", map[string]interface{}{
		"resources": map[string]float64{
			"gpu:A100":  4,
			"cpu_cores": 64,
			"memory_gb": 512,
		},
	}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("capacity update returned %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func submitBody(name string) map[string]interface{} {
	return map[string]interface{}{
		"name":           name,
		"workload_type":  "training",
		"priority":       "normal",
		"duration_hours": 2.0,
		"gpus":           map[string]int{"A100": 1},
		"cpu_cores":      8,
		"memory_gb":      32,
	}
}

func TestSubmitEndpointFlow(t *testing.T) {
	ts := newTestServer(t)
	ts.seedRegion(t, "eu-north", 50)
	ts.seedRegion(t, "us-east", 400)

	resp := ts.do(t, http.MethodPost, "/workloads", submitBody("train"), nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("submit returned %d", resp.StatusCode)
	}
	var out submitWorkloadResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	resp.Body.Close()

	if out.Decision == nil || out.Decision.State != scheduler.StateScheduled {
		t.Fatalf("expected SCHEDULED decision, got %+v", out.Decision)
	}
	if out.Decision.RegionID != "eu-north" {
		t.Errorf("expected greenest region, got %s", out.Decision.RegionID)
	}

	// Decision is retrievable.
	resp = ts.do(t, http.MethodGet, "/decisions/"+out.Decision.ID, nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("get decision returned %d", resp.StatusCode)
	}
	resp.Body.Close()

	// Workload history includes the decision.
	resp = ts.do(t, http.MethodGet, "/workloads/"+out.RequestID, nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("get workload returned %d", resp.StatusCode)
	}
	resp.Body.Close()

	// Ledger summary carries the projection.
	resp = ts.do(t, http.MethodGet, "/ledger/summary", nil, nil)
	var summary map[string]interface{}
	json.NewDecoder(resp.Body).Decode(&summary)
	resp.Body.Close()
	if summary["projected_kg"].(float64) <= 0 {
		t.Errorf("expected positive projected emissions, got %v", summary["projected_kg"])
	}

	// Region scores include both regions.
	resp = ts.do(t, http.MethodGet, "/regions/scores", nil, nil)
	var scores struct {
		Regions []regionScore `json:"regions"`
	}
	json.NewDecoder(resp.Body).Decode(&scores)
	resp.Body.Close()
	if len(scores.Regions) != 2 {
		t.Errorf("expected 2 regions in scores, got %d", len(scores.Regions))
	}
}

func TestSubmitIdempotency(t *testing.T) {
	ts := newTestServer(t)
	ts.seedRegion(t, "eu-north", 50)

	headers := map[string]string{IdempotencyHeader: "retry-key-1"}

	first := ts.do(t, http.MethodPost, "/workloads", submitBody("once"), headers)
	var a submitWorkloadResponse
	json.NewDecoder(first.Body).Decode(&a)
	first.Body.Close()

	second := ts.do(t, http.MethodPost, "/workloads", submitBody("once"), headers)
	var b submitWorkloadResponse
	json.NewDecoder(second.Body).Decode(&b)
	second.Body.Close()

	if a.Decision == nil || b.Decision == nil || a.Decision.ID != b.Decision.ID {
		t.Errorf("idempotent retry must replay the original decision")
	}
	// Only one claim was made.
	if h := ts.api.tracker.Headroom("eu-north", "gpu:A100", a.Decision.Window.Start.Add(time.Minute)); h != 3 {
		t.Errorf("expected a single claim, headroom %f", h)
	}
}

func TestCancelEndpoint(t *testing.T) {
	ts := newTestServer(t)
	ts.seedRegion(t, "eu-north", 50)

	resp := ts.do(t, http.MethodPost, "/workloads", submitBody("doomed"), nil)
	var out submitWorkloadResponse
	json.NewDecoder(resp.Body).Decode(&out)
	resp.Body.Close()

	resp = ts.do(t, http.MethodPost, fmt.Sprintf("/decisions/%s/cancel", out.Decision.ID), nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cancel returned %d", resp.StatusCode)
	}
	var d scheduler.ScheduleDecision
	json.NewDecoder(resp.Body).Decode(&d)
	resp.Body.Close()
	if d.State != scheduler.StateCancelled {
		t.Errorf("expected CANCELLED, got %s", d.State)
	}
}

func TestInfeasibleSubmitReturnsConflict(t *testing.T) {
	ts := newTestServer(t)
	ts.seedRegion(t, "eu-north", 400)

	body := submitBody("capped")
	body["constraints"] = map[string]interface{}{"max_carbon_kg": 0.000001}

	resp := ts.do(t, http.MethodPost, "/workloads", body, nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.StatusCode)
	}
	var out submitWorkloadResponse
	json.NewDecoder(resp.Body).Decode(&out)
	resp.Body.Close()
	if out.Decision == nil || out.Decision.State != scheduler.StateFailed {
		t.Errorf("expected FAILED decision in body, got %+v", out.Decision)
	}
}

func TestAuthRequired(t *testing.T) {
	ts := newTestServer(t)

	req, _ := http.NewRequest(http.MethodGet, ts.srv.URL+"/decisions", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401 without token, got %d", resp.StatusCode)
	}

	// Health stays open for probes.
	health, err := http.Get(ts.srv.URL + "/health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	defer health.Body.Close()
	if health.StatusCode != http.StatusOK {
		t.Errorf("expected open health endpoint, got %d", health.StatusCode)
	}
}
