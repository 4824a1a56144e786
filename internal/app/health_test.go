package app

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
)

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t)

	rr := request(t, env.handler, http.MethodGet, "/api/health", "", nil)
	if rr.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rr.Code)
	}

	var response map[string]any
	decode(t, rr, &response)
	if ok, exists := response["ok"]; !exists || ok != true {
		t.Errorf("expected ok=true, got %v", ok)
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Error("expected a request id header")
	}
}

func TestReadyEndpoint_Success(t *testing.T) {
	env := newTestEnv(t)

	rr := request(t, env.handler, http.MethodGet, "/api/ready", "", nil)
	if rr.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rr.Code)
	}
	var response map[string]any
	decode(t, rr, &response)
	if response["status"] != "ready" {
		t.Errorf("expected status=ready, got %v", response["status"])
	}
}

func TestReadyEndpoint_DatabaseFailure(t *testing.T) {
	env := newTestEnv(t)
	env.store.pingFn = func(context.Context) error {
		return errors.New("connection refused")
	}

	rr := request(t, env.handler, http.MethodGet, "/api/ready", "", nil)
	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status 503, got %d", rr.Code)
	}
	var response map[string]any
	decode(t, rr, &response)
	checks, ok := response["checks"].(map[string]any)
	if !ok {
		t.Fatalf("expected checks map, got %v", response["checks"])
	}
	database, ok := checks["database"].(map[string]any)
	if !ok || database["status"] != "error" {
		t.Errorf("expected database error, got %v", checks["database"])
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	request(t, env.handler, http.MethodGet, "/api/health", "", nil)

	rr := request(t, env.handler, http.MethodGet, "/metrics", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "bizdesk_http_requests_total") {
		t.Error("expected http request counter in metrics output")
	}
}

func TestUnknownRoute(t *testing.T) {
	env := newTestEnv(t)
	rr := request(t, env.handler, http.MethodGet, "/api/nope", "", nil)
	if rr.Code != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", rr.Code)
	}
}

func TestPreflightAnswersAnyPath(t *testing.T) {
	env := newTestEnv(t)
	for _, path := range []string{envPath + "/save", "/api/nope"} {
		rr := request(t, env.handler, http.MethodOptions, path, "", nil)
		if rr.Code != http.StatusNoContent {
			t.Errorf("%s: expected status 204, got %d", path, rr.Code)
		}
		if rr.Header().Get("Access-Control-Allow-Origin") != "*" {
			t.Errorf("%s: expected CORS headers, got %v", path, rr.Header())
		}
	}
}

func TestWrongMethodOnKnownRoute(t *testing.T) {
	env := newTestEnv(t)
	rr := request(t, env.handler, http.MethodDelete, "/api/health", "", nil)
	if rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected status 405, got %d", rr.Code)
	}
}
