package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHealthCheck_Basic(t *testing.T) {
	t.Parallel()

	h := NewHealthChecker(nil, nil, nil, nil)
	rec := httptest.NewRecorder()
	h.HealthCheck(rec, httptest.NewRequest("GET", "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp HealthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("response is not JSON: %v", err)
	}
	if resp.Status != "healthy" {
		t.Errorf("status = %q, want healthy", resp.Status)
	}
	if resp.Checks != nil {
		t.Error("basic mode must not run dependency checks")
	}
}

func TestHealthCheck_ExtendedReportsUnconfiguredDeps(t *testing.T) {
	t.Parallel()

	h := NewHealthChecker(nil, nil, nil, nil)
	rec := httptest.NewRecorder()
	h.HealthCheck(rec, httptest.NewRequest("GET", "/healthz?mode=extended", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp HealthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("response is not JSON: %v", err)
	}
	for _, name := range []string{"database", "cache", "queue", "scoring"} {
		if resp.Checks[name] != "not_configured" {
			t.Errorf("checks[%s] = %q, want not_configured", name, resp.Checks[name])
		}
	}
	if resp.Status != "healthy" {
		t.Errorf("status = %q: missing deps are not unhealthy", resp.Status)
	}
}
