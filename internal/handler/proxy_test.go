package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/labstack/echo/v4"

	"civic-data-gateway/internal/client"
	"civic-data-gateway/internal/config"
	"civic-data-gateway/internal/route"
	"civic-data-gateway/internal/service"
)

// countingTransport counts backend calls and delegates to fn.
type countingTransport struct {
	calls atomic.Int32
	fn    func(*http.Request) (*http.Response, error)
}

func (t *countingTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	t.calls.Add(1)
	return t.fn(r)
}

func testConfig(baseURL string) *config.Config {
	return &config.Config{
		Backend: config.BackendConfig{
			BaseURL:         baseURL,
			TimeoutSeconds:  10,
			IdleConnections: 10,
		},
	}
}

func newTestHandler(t *testing.T, cfg *config.Config, rt http.RoundTripper) *ProxyHandler {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	var bc *client.BackendClient
	if rt != nil {
		bc = client.NewBackendClientWithTransport(cfg, logger, nil, nil, rt)
	} else {
		bc = client.NewBackendClient(cfg, logger, nil, nil)
	}
	svc, err := service.NewProxyService(bc, cfg, logger)
	if err != nil {
		t.Fatalf("NewProxyService: %v", err)
	}
	return NewProxyHandler(svc, logger)
}

func lookup(t *testing.T, name string) route.Route {
	t.Helper()
	table, err := route.New(route.Builtin()...)
	if err != nil {
		t.Fatalf("route.New: %v", err)
	}
	r, ok := table.Lookup(name)
	if !ok {
		t.Fatalf("route %q not found", name)
	}
	return r
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal %q: %v", rec.Body.String(), err)
	}
	return body
}

func TestProxyHandler_UnwrapsData(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/datasets" {
			t.Errorf("path = %q, want %q", r.URL.Path, "/api/v1/datasets")
		}
		if got := r.URL.Query().Get("search"); got != "water" {
			t.Errorf("search = %q, want %q", got, "water")
		}
		if got := r.Header.Get("Authorization"); got != "Bearer token-1" {
			t.Errorf("Authorization = %q, want %q", got, "Bearer token-1")
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":{"items":[{"id":"d1"}],"total":1}}`))
	}))
	defer upstream.Close()

	h := newTestHandler(t, testConfig(upstream.URL+"/api/v1"), nil)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/datasets?search=water", http.NoBody)
	req.Header.Set("Authorization", "Bearer token-1")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.For(lookup(t, "datasets.list"))(c); err != nil {
		t.Fatalf("handler error = %v", err)
	}

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	body := decodeBody(t, rec)
	if _, ok := body["data"]; ok {
		t.Error("data envelope should be unwrapped")
	}
	if body["total"] != float64(1) {
		t.Errorf("body.total = %v, want 1", body["total"])
	}
}

func TestProxyHandler_PassesPayloadWithoutData(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"access_token":"a","refresh_token":"r"}`))
	}))
	defer upstream.Close()

	h := newTestHandler(t, testConfig(upstream.URL), nil)

	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/auth/login", strings.NewReader(`{"email":"a@b.c","password":"pw"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.For(lookup(t, "auth.login"))(c); err != nil {
		t.Fatalf("handler error = %v", err)
	}

	if rec.Code != http.StatusCreated {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusCreated)
	}
	body := decodeBody(t, rec)
	if body["access_token"] != "a" || body["refresh_token"] != "r" {
		t.Errorf("body = %v, want the whole payload", body)
	}
}

func TestProxyHandler_Unauthorized(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"detail":"Could not validate credentials"}`))
	}))
	defer upstream.Close()

	h := newTestHandler(t, testConfig(upstream.URL), nil)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/users/me", http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.For(lookup(t, "users.me"))(c); err != nil {
		t.Fatalf("handler error = %v", err)
	}

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
	body := decodeBody(t, rec)
	msg, _ := body["error"].(string)
	if !strings.Contains(msg, "sign in again") {
		t.Errorf("error = %q, want a re-authentication instruction", msg)
	}
	if body["backendStatus"] != float64(http.StatusUnauthorized) {
		t.Errorf("backendStatus = %v, want 401", body["backendStatus"])
	}
	backendErr, _ := body["backendError"].(map[string]any)
	if backendErr["detail"] != "Could not validate credentials" {
		t.Errorf("backendError = %v, want backend payload", body["backendError"])
	}
}

func TestProxyHandler_SignupValidationError(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"detail":[{"loc":["body","email"],"msg":"invalid","type":"value_error"}]}`))
	}))
	defer upstream.Close()

	h := newTestHandler(t, testConfig(upstream.URL), nil)

	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/auth/signup", strings.NewReader(`{"email":"nope"}`))
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.For(lookup(t, "auth.signup"))(c); err != nil {
		t.Fatalf("handler error = %v", err)
	}

	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusUnprocessableEntity)
	}
	msg, _ := decodeBody(t, rec)["error"].(string)
	if !strings.Contains(msg, "body.email: invalid") {
		t.Errorf("error = %q, want it to contain %q", msg, "body.email: invalid")
	}
}

func TestProxyHandler_NonJSONBackendError(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("<html>bad gateway</html>"))
	}))
	defer upstream.Close()

	h := newTestHandler(t, testConfig(upstream.URL), nil)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/activity-logs", http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.For(lookup(t, "activity_logs.list"))(c); err != nil {
		t.Fatalf("handler error = %v", err)
	}

	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadGateway)
	}
	body := decodeBody(t, rec)
	if body["error"] != "<html>bad gateway</html>" {
		t.Errorf("error = %v, want wrapped text message", body["error"])
	}
	backendErr, _ := body["backendError"].(map[string]any)
	if backendErr["message"] != "<html>bad gateway</html>" {
		t.Errorf("backendError = %v, want {message: text}", body["backendError"])
	}
}

func TestProxyHandler_NoContent(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer upstream.Close()

	h := newTestHandler(t, testConfig(upstream.URL), nil)

	e := echo.New()
	req := httptest.NewRequest(http.MethodDelete, "/api/datasets/d1", http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("datasetId")
	c.SetParamValues("d1")

	if err := h.For(lookup(t, "datasets.delete"))(c); err != nil {
		t.Fatalf("handler error = %v", err)
	}

	if rec.Code != http.StatusNoContent {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNoContent)
	}
	if rec.Body.Len() != 0 {
		t.Errorf("body = %q, want empty", rec.Body.String())
	}
}

func TestProxyHandler_TransportFailure(t *testing.T) {
	rt := &countingTransport{fn: func(*http.Request) (*http.Response, error) {
		return nil, errors.New("dial tcp: lookup api.civicdatatrust.invalid: no such host")
	}}
	h := newTestHandler(t, testConfig("https://api.civicdatatrust.invalid/api/v1"), rt)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/datasets", http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.For(lookup(t, "datasets.list"))(c); err != nil {
		t.Fatalf("handler error = %v", err)
	}

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusInternalServerError)
	}
	body := decodeBody(t, rec)
	want := "Proxy error: dial tcp: lookup api.civicdatatrust.invalid: no such host"
	if body["error"] != want {
		t.Errorf("error = %v, want %q", body["error"], want)
	}
	if _, ok := body["backendStatus"]; ok {
		t.Error("backendStatus must be absent on transport failure")
	}
	if n := rt.calls.Load(); n != 1 {
		t.Errorf("backend calls = %d, want 1 (no retries)", n)
	}
}

func TestProxyHandler_MissingPathParam(t *testing.T) {
	rt := &countingTransport{fn: func(*http.Request) (*http.Response, error) {
		return nil, errors.New("must not be called")
	}}
	h := newTestHandler(t, testConfig("https://backend.test"), rt)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/communities//join-requests", http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("communityId")
	c.SetParamValues("")

	if err := h.For(lookup(t, "communities.join_requests"))(c); err != nil {
		t.Fatalf("handler error = %v", err)
	}

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
	if got := decodeBody(t, rec)["error"]; got != "Missing required path parameter: communityId" {
		t.Errorf("error = %v", got)
	}
	if n := rt.calls.Load(); n != 0 {
		t.Errorf("backend calls = %d, want 0", n)
	}
}

func TestProxyHandler_InvalidBody(t *testing.T) {
	rt := &countingTransport{fn: func(*http.Request) (*http.Response, error) {
		return nil, errors.New("must not be called")
	}}
	h := newTestHandler(t, testConfig("https://backend.test"), rt)

	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/auth/refresh", strings.NewReader("refresh=abc"))
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.For(lookup(t, "auth.refresh"))(c); err != nil {
		t.Fatalf("handler error = %v", err)
	}

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
	if got := decodeBody(t, rec)["error"]; got != "Invalid JSON request body" {
		t.Errorf("error = %v", got)
	}
	if n := rt.calls.Load(); n != 0 {
		t.Errorf("backend calls = %d, want 0", n)
	}
}

// backendRecorder answers every backend call with an empty JSON object and
// keeps the outbound method, escaped path and raw query of each call.
type backendRecorder struct {
	countingTransport
	seen []string
}

func newBackendRecorder() *backendRecorder {
	b := &backendRecorder{}
	b.fn = func(r *http.Request) (*http.Response, error) {
		line := r.Method + " " + r.URL.EscapedPath()
		if r.URL.RawQuery != "" {
			line += "?" + r.URL.RawQuery
		}
		b.seen = append(b.seen, line)
		return &http.Response{
			StatusCode: http.StatusOK,
			Header:     http.Header{"Content-Type": {"application/json"}},
			Body:       io.NopCloser(strings.NewReader(`{}`)),
			Request:    r,
		}, nil
	}
	return b
}

// newRoutedEcho mounts the built-in table on a fresh echo instance the same
// way the server does.
func newRoutedEcho(t *testing.T, rt http.RoundTripper) *echo.Echo {
	t.Helper()
	cfg := testConfig("https://backend.test/api/v1")
	table, err := route.New(route.Builtin()...)
	if err != nil {
		t.Fatalf("route.New: %v", err)
	}
	e := echo.New()
	RegisterRoutes(e, cfg, table, newTestHandler(t, cfg, rt), NewHealthHandler(cfg, table, "test"), nil)
	return e
}

func TestProxyHandler_PathParamsThroughRouter(t *testing.T) {
	tests := []struct {
		name        string
		method      string
		target      string
		wantStatus  int
		wantError   string
		wantBackend string
	}{
		{
			name:       "encoded parent segment",
			method:     http.MethodDelete,
			target:     "/api/datasets/%2e%2e",
			wantStatus: http.StatusBadRequest,
			wantError:  "Invalid path parameter: datasetId",
		},
		{
			name:       "encoded parent segment mid path",
			method:     http.MethodGet,
			target:     "/api/communities/%2e%2e/members/active/count",
			wantStatus: http.StatusBadRequest,
			wantError:  "Invalid path parameter: communityId",
		},
		{
			name:       "literal parent segment",
			method:     http.MethodGet,
			target:     "/api/datasets/..",
			wantStatus: http.StatusBadRequest,
			wantError:  "Invalid path parameter: datasetId",
		},
		{
			name:       "current segment",
			method:     http.MethodGet,
			target:     "/api/access-requests/.",
			wantStatus: http.StatusBadRequest,
			wantError:  "Invalid path parameter: requestId",
		},
		{
			name:        "double encoded dots stay literal",
			method:      http.MethodDelete,
			target:      "/api/datasets/%252e%252e",
			wantStatus:  http.StatusOK,
			wantBackend: "DELETE /api/v1/datasets/%252e%252e",
		},
		{
			name:        "percent escape decoded once",
			method:      http.MethodDelete,
			target:      "/api/datasets/%2541",
			wantStatus:  http.StatusOK,
			wantBackend: "DELETE /api/v1/datasets/%2541",
		},
		{
			name:        "encoded slash kept inside the segment",
			method:      http.MethodGet,
			target:      "/api/datasets/a%2Fb",
			wantStatus:  http.StatusOK,
			wantBackend: "GET /api/v1/datasets/a%2Fb",
		},
		{
			name:        "plain id",
			method:      http.MethodGet,
			target:      "/api/communities/c-1/members/active/count",
			wantStatus:  http.StatusOK,
			wantBackend: "GET /api/v1/communities/c-1/members/active/count",
		},
		{
			name:       "empty trailing parameter",
			method:     http.MethodGet,
			target:     "/api/datasets/",
			wantStatus: http.StatusBadRequest,
			wantError:  "Missing required path parameter: datasetId",
		},
		{
			name:       "empty trailing parameter on access request",
			method:     http.MethodGet,
			target:     "/api/access-requests/",
			wantStatus: http.StatusBadRequest,
			wantError:  "Missing required path parameter: requestId",
		},
		{
			name:       "empty trailing parameter on delete",
			method:     http.MethodDelete,
			target:     "/api/datasets/",
			wantStatus: http.StatusBadRequest,
			wantError:  "Missing required path parameter: datasetId",
		},
		{
			name:        "query forwarded verbatim",
			method:      http.MethodGet,
			target:      "/api/communities/c1/join-requests?status=pending&b&a=%7e",
			wantStatus:  http.StatusOK,
			wantBackend: "GET /api/v1/communities/c1/join-requests?status=pending&b&a=%7e",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := newBackendRecorder()
			e := newRoutedEcho(t, backend)

			req := httptest.NewRequest(tt.method, tt.target, http.NoBody)
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tt.wantStatus, rec.Body.String())
			}
			if tt.wantError != "" {
				if got := decodeBody(t, rec)["error"]; got != tt.wantError {
					t.Errorf("error = %v, want %q", got, tt.wantError)
				}
				if n := backend.calls.Load(); n != 0 {
					t.Errorf("backend calls = %d, want 0", n)
				}
				return
			}
			if len(backend.seen) != 1 {
				t.Fatalf("backend calls = %v, want exactly one", backend.seen)
			}
			if backend.seen[0] != tt.wantBackend {
				t.Errorf("backend saw %q, want %q", backend.seen[0], tt.wantBackend)
			}
		})
	}
}
