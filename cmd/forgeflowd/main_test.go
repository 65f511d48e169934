package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/guido-cesarano/forgeflow/pkg/pipeline"
	"github.com/guido-cesarano/forgeflow/pkg/tasks"
)

// testRouter builds the mux around an idle pipeline. The pools are never
// started; submission endpoints only need the queues.
func testRouter(apiKey string) *http.ServeMux {
	gen, val, dep := simulatedCapabilities()
	mgr := pipeline.NewEnhancedManager(pipeline.EnhancedConfig{Config: pipeline.DefaultConfig()}, gen, val, dep)
	sched := pipeline.NewScheduler(mgr)
	return setupRouter(mgr, sched, apiKey)
}

func TestAuthMiddleware(t *testing.T) {
	mux := testRouter("secret-key")

	tests := []struct {
		name           string
		headerKey      string
		headerValue    string
		expectedStatus int
	}{
		{
			name:           "No API Key",
			headerKey:      "",
			headerValue:    "",
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "Wrong API Key",
			headerKey:      "X-API-Key",
			headerValue:    "wrong-key",
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "Correct API Key",
			headerKey:      "X-API-Key",
			headerValue:    "secret-key",
			expectedStatus: http.StatusBadRequest, // 400 because body is empty, but auth passed
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/submit", nil)
			if tt.headerKey != "" {
				req.Header.Set(tt.headerKey, tt.headerValue)
			}

			w := httptest.NewRecorder()
			mux.ServeHTTP(w, req)

			if w.Code != tt.expectedStatus {
				t.Errorf("Expected status %d, got %d", tt.expectedStatus, w.Code)
			}
		})
	}
}

func TestAuthDisabled(t *testing.T) {
	mux := testRouter("")

	req := httptest.NewRequest("POST", "/submit", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code == http.StatusUnauthorized {
		t.Errorf("Expected auth to be disabled, got 401")
	}
}

func TestSubmitEndpoint(t *testing.T) {
	mux := testRouter("")

	body := `{"task": {"id": "t1", "title": "Build parser", "role": "dev"}}`
	req := httptest.NewRequest("POST", "/submit", strings.NewReader(body))
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "Task submitted:") {
		t.Errorf("Unexpected body: %s", w.Body.String())
	}
}

func TestPlanEndpointRejectsForwardDependency(t *testing.T) {
	mux := testRouter("")

	plan := tasks.Plan{
		ID: "p1",
		Tasks: []tasks.PlanTask{
			{ID: "a", Title: "a", Dependencies: []string{"b"}},
			{ID: "b", Title: "b"},
		},
	}
	body, _ := json.Marshal(plan)
	req := httptest.NewRequest("POST", "/plan", strings.NewReader(string(body)))
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400 for forward dependency, got %d", w.Code)
	}
}

func TestStatsEndpoint(t *testing.T) {
	mux := testRouter("")

	req := httptest.NewRequest("GET", "/stats", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var stats pipeline.EnhancedStats
	if err := json.NewDecoder(w.Body).Decode(&stats); err != nil {
		t.Fatalf("Stats response is not valid JSON: %v", err)
	}
	if len(stats.Queues) != 3 {
		t.Errorf("Expected 3 queues in stats, got %d", len(stats.Queues))
	}
}

func TestScheduleEndpointInvalidSpec(t *testing.T) {
	mux := testRouter("")

	body := `{"spec": "not a cron spec", "task": {"id": "t1", "title": "nightly"}}`
	req := httptest.NewRequest("POST", "/schedule", strings.NewReader(body))
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400 for invalid cron spec, got %d", w.Code)
	}
}

func TestDLQRetryMissingID(t *testing.T) {
	mux := testRouter("")

	req := httptest.NewRequest("POST", "/dlq/retry", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400 for missing task_id, got %d", w.Code)
	}
}
