package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

// serve runs h's handler for path and decodes the JSON body.
func serve(t *testing.T, h *Handler, req *http.Request) (int, result) {
	t.Helper()
	mux := http.NewServeMux()
	h.Register(mux)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	var body result
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	return rec.Code, body
}

func TestHealthz_AlwaysOK(t *testing.T) {
	t.Parallel()
	h := New(State("session", func() (bool, string) { return false, "idle" }))

	code, body := serve(t, h, httptest.NewRequest("GET", "/healthz", nil))
	if code != http.StatusOK || body.Status != "ok" {
		t.Errorf("healthz = %d %q, want 200 ok", code, body.Status)
	}
}

func TestHealthz_ContentType(t *testing.T) {
	t.Parallel()
	rec := httptest.NewRecorder()
	New().Healthz(rec, httptest.NewRequest("GET", "/healthz", nil))

	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
}

func TestReadyz(t *testing.T) {
	t.Parallel()

	pass := func(context.Context) error { return nil }
	tests := []struct {
		name       string
		checkers   []Checker
		wantCode   int
		wantStatus string
		wantChecks map[string]string
	}{
		{
			name:       "no checkers",
			wantCode:   http.StatusOK,
			wantStatus: "ok",
		},
		{
			name: "all pass",
			checkers: []Checker{
				{Name: "engine", Check: pass},
				State("session", func() (bool, string) { return true, "" }),
			},
			wantCode:   http.StatusOK,
			wantStatus: "ok",
			wantChecks: map[string]string{"engine": "ok", "session": "ok"},
		},
		{
			name: "one fails",
			checkers: []Checker{
				{Name: "engine", Check: pass},
				State("session", func() (bool, string) { return false, "session is idle" }),
			},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "fail",
			wantChecks: map[string]string{"engine": "ok", "session": "fail: session is idle"},
		},
		{
			name: "state without reason",
			checkers: []Checker{
				State("gateway", func() (bool, string) { return false, "" }),
			},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "fail",
			wantChecks: map[string]string{"gateway": "fail: not ready"},
		},
		{
			name: "all fail",
			checkers: []Checker{
				{Name: "engine", Check: func(context.Context) error { return errors.New("no playback device") }},
				{Name: "gateway", Check: func(context.Context) error { return errors.New("disconnected") }},
			},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "fail",
			wantChecks: map[string]string{"engine": "fail: no playback device", "gateway": "fail: disconnected"},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			code, body := serve(t, New(tc.checkers...), httptest.NewRequest("GET", "/readyz", nil))
			if code != tc.wantCode {
				t.Errorf("code = %d, want %d", code, tc.wantCode)
			}
			if body.Status != tc.wantStatus {
				t.Errorf("status = %q, want %q", body.Status, tc.wantStatus)
			}
			for name, want := range tc.wantChecks {
				if got := body.Checks[name]; got != want {
					t.Errorf("checks[%q] = %q, want %q", name, got, want)
				}
			}
		})
	}
}

func TestReadyz_RespectsContextCancellation(t *testing.T) {
	t.Parallel()
	h := New(Checker{Name: "slow", Check: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	code, body := serve(t, h, httptest.NewRequest("GET", "/readyz", nil).WithContext(ctx))
	if code != http.StatusServiceUnavailable {
		t.Errorf("code = %d, want 503", code)
	}
	if body.Checks["slow"] != "fail: context canceled" {
		t.Errorf("slow check = %q", body.Checks["slow"])
	}
}

func TestNew_CopiesCheckers(t *testing.T) {
	t.Parallel()
	checkers := []Checker{{Name: "a", Check: func(context.Context) error { return nil }}}
	h := New(checkers...)
	checkers[0].Check = func(context.Context) error { return errors.New("mutated") }

	code, _ := serve(t, h, httptest.NewRequest("GET", "/readyz", nil))
	if code != http.StatusOK {
		t.Errorf("code = %d; handler saw caller's mutation", code)
	}
}
