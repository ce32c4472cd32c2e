package main

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/wattwise/wattwise/control_plane/capacity"
	"github.com/wattwise/wattwise/control_plane/forecast"
	"github.com/wattwise/wattwise/control_plane/ledger"
	"github.com/wattwise/wattwise/control_plane/logger"
	"github.com/wattwise/wattwise/control_plane/middleware"
	"github.com/wattwise/wattwise/control_plane/observability"
	"github.com/wattwise/wattwise/control_plane/resilience"
	"github.com/wattwise/wattwise/control_plane/scheduler"
	"github.com/wattwise/wattwise/control_plane/store"
)

// IdempotencyHeader carries the caller-provided key for safe submit retries.
const IdempotencyHeader = "X-WattWise-Idempotency-Key"

type API struct {
	engine  *scheduler.Engine
	feed    *forecast.Feed
	tracker *capacity.Tracker
	ledger  *ledger.Ledger
	store   store.Store

	idempotency store.IdempotencyStore

	// Storm protection: per-tenant submit buckets.
	submitLimiter *scheduler.TokenBucketLimiter

	wsHub *DecisionHub
}

func NewAPI(engine *scheduler.Engine, feed *forecast.Feed, tracker *capacity.Tracker, led *ledger.Ledger, st store.Store, idem store.IdempotencyStore, submitRate float64, submitBurst int) *API {
	return &API{
		engine:        engine,
		feed:          feed,
		tracker:       tracker,
		ledger:        led,
		store:         st,
		idempotency:   idem,
		submitLimiter: scheduler.NewTokenBucketLimiter(submitRate, submitBurst),
		wsHub:         NewDecisionHub(),
	}
}

// Wrapper for capturing response
type responseRecorder struct {
	http.ResponseWriter
	statusCode int
	body       []byte
}

func (r *responseRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	r.body = append(r.body, b...)
	return r.ResponseWriter.Write(b)
}

func (a *API) withIdempotency(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(IdempotencyHeader)
		if key == "" || a.idempotency == nil {
			next(w, r)
			return
		}

		if resp, found, err := a.idempotency.Get(r.Context(), key); err == nil && found {
			for k, v := range resp.Headers {
				for _, val := range v {
					w.Header().Add(k, val)
				}
			}
			w.WriteHeader(resp.StatusCode)
			w.Write(resp.Body)
			return
		}

		rec := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next(rec, r)

		if err := a.idempotency.Set(r.Context(), key, &store.IdempotencyResponse{
			StatusCode: rec.statusCode,
			Body:       rec.body,
			Headers:    rec.Header(),
			CreatedAt:  time.Now(),
		}); err != nil {
			logger.GetLogger().WithError(err).Warn("idempotency cache write failed")
		}
	}
}

// writeRateLimitError writes a 429 response with jittered Retry-After.
func (a *API) writeRateLimitError(w http.ResponseWriter, endpoint string) {
	observability.APIRateLimited.WithLabelValues(endpoint).Inc()

	retryAfter := 1000 + rand.Intn(1000)
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter/1000)) // Seconds
	http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeSchedulingError maps engine failure codes onto HTTP statuses. The
// code and retryable flag travel in the body so clients do not parse
// messages.
func writeSchedulingError(w http.ResponseWriter, err error) {
	code := resilience.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case resilience.CodeValidation:
		status = http.StatusBadRequest
	case resilience.CodeNotFound:
		status = http.StatusNotFound
	case resilience.CodeNoFeasibleCandidate, resilience.CodeInsufficientCapacity:
		status = http.StatusConflict
	case resilience.CodeTimeout:
		status = http.StatusServiceUnavailable
		w.Header().Set("Retry-After", "2")
	}
	writeJSON(w, status, map[string]interface{}{
		"error":     err.Error(),
		"code":      string(code),
		"retryable": resilience.IsRetryable(err),
	})
}

// submitWorkloadRequest is the wire form of a workload submission.
type submitWorkloadRequest struct {
	Name          string         `json:"name"`
	WorkloadType  string         `json:"workload_type"`
	Priority      string         `json:"priority"`
	DurationHours float64        `json:"duration_hours"`
	GPUs          map[string]int `json:"gpus,omitempty"`
	CPUCores      int            `json:"cpu_cores,omitempty"`
	MemoryGB      float64        `json:"memory_gb,omitempty"`
	Constraints   struct {
		MaxCostPerHour   float64    `json:"max_cost_per_hour,omitempty"`
		MaxCarbonKg      float64    `json:"max_carbon_kg,omitempty"`
		Deadline         *time.Time `json:"deadline,omitempty"`
		EarliestStart    *time.Time `json:"earliest_start,omitempty"`
		PreferredRegions []string   `json:"preferred_regions,omitempty"`
	} `json:"constraints"`
}

type submitWorkloadResponse struct {
	RequestID string                      `json:"request_id"`
	Decision  *scheduler.ScheduleDecision `json:"decision"`
}

func (a *API) handleSubmitWorkload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	tenantID, err := middleware.GetTenantFromContext(r.Context())
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	if !a.submitLimiter.Allow(tenantID) {
		a.writeRateLimitError(w, "submit")
		return
	}

	var body submitWorkloadRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	req := &scheduler.WorkloadRequest{
		Name:     body.Name,
		Type:     scheduler.WorkloadType(body.WorkloadType),
		Priority: scheduler.Priority(body.Priority),
		Duration: time.Duration(body.DurationHours * float64(time.Hour)),
		Resources: scheduler.ResourceRequirements{
			GPUs:     body.GPUs,
			CPUCores: body.CPUCores,
			MemoryGB: body.MemoryGB,
		},
		Constraints: scheduler.Constraints{
			MaxCostPerHour:   body.Constraints.MaxCostPerHour,
			MaxCarbonKg:      body.Constraints.MaxCarbonKg,
			Deadline:         body.Constraints.Deadline,
			EarliestStart:    body.Constraints.EarliestStart,
			PreferredRegions: body.Constraints.PreferredRegions,
		},
	}

	decision, err := a.engine.Submit(r.Context(), req)
	if err != nil {
		// A failed decision still carries the explanation; return it
		// alongside the error body when one exists.
		if decision != nil {
			writeJSON(w, statusForFailedDecision(err), submitWorkloadResponse{
				RequestID: req.ID,
				Decision:  decision,
			})
			return
		}
		writeSchedulingError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, submitWorkloadResponse{
		RequestID: req.ID,
		Decision:  decision,
	})
}

func statusForFailedDecision(err error) int {
	switch resilience.CodeOf(err) {
	case resilience.CodeTimeout:
		return http.StatusServiceUnavailable
	default:
		return http.StatusConflict
	}
}

// handleDecision routes /decisions/{id} and its lifecycle subpaths.
func (a *API) handleDecision(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/decisions/")
	if rest == "" {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}

	parts := strings.SplitN(rest, "/", 2)
	id := parts[0]
	action := ""
	if len(parts) == 2 {
		action = parts[1]
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		a.handleGetDecision(w, r, id)
	case action == "ledger" && r.Method == http.MethodGet:
		a.handleDecisionLedger(w, r, id)
	case r.Method == http.MethodPost:
		a.handleDecisionSignal(w, r, id, action)
	default:
		http.Error(w, "Not found", http.StatusNotFound)
	}
}

func (a *API) handleGetDecision(w http.ResponseWriter, _ *http.Request, id string) {
	d, err := a.engine.GetDecision(id)
	if err != nil {
		writeSchedulingError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (a *API) handleListDecisions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	state := scheduler.DecisionState(strings.ToUpper(r.URL.Query().Get("state")))
	writeJSON(w, http.StatusOK, a.engine.ListDecisions(state))
}

// decisionSignalBody is shared by complete/fail signals.
type decisionSignalBody struct {
	RealizedCarbonKg *float64 `json:"realized_carbon_kg,omitempty"`
	Reason           string   `json:"reason,omitempty"`
}

func (a *API) handleDecisionSignal(w http.ResponseWriter, r *http.Request, id, action string) {
	var body decisionSignalBody
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
	}

	var err error
	switch action {
	case "start":
		err = a.engine.OnStart(r.Context(), id)
	case "complete":
		err = a.engine.OnComplete(r.Context(), id, body.RealizedCarbonKg)
	case "fail":
		if body.Reason == "" {
			body.Reason = "executor reported failure"
		}
		err = a.engine.OnFail(r.Context(), id, body.Reason)
	case "cancel":
		err = a.engine.Cancel(r.Context(), id)
	default:
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}
	if err != nil {
		writeSchedulingError(w, err)
		return
	}

	d, err := a.engine.GetDecision(id)
	if err != nil {
		writeSchedulingError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (a *API) handleDecisionLedger(w http.ResponseWriter, _ *http.Request, id string) {
	entries := a.ledger.Entries(id)
	writeJSON(w, http.StatusOK, entries)
}

// handleGetWorkload returns a submitted request and its decision history.
func (a *API) handleGetWorkload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/workloads/")
	if id == "" {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}

	req, err := a.engine.GetRequest(id)
	if err != nil {
		writeSchedulingError(w, err)
		return
	}

	history := make([]*scheduler.ScheduleDecision, 0, 2)
	for _, d := range a.engine.ListDecisions("") {
		if d.RequestID == id {
			history = append(history, d)
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"request":   req,
		"decisions": history,
	})
}
