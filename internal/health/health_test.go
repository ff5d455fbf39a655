package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/MrWong99/chorus/internal/resilience"
)

func pass(context.Context) error { return nil }

func failWith(msg string) func(context.Context) error {
	return func(context.Context) error { return errors.New(msg) }
}

func serve(t *testing.T, h *Handler, path string, ctx context.Context) (int, result) {
	t.Helper()
	mux := http.NewServeMux()
	h.Register(mux)
	req := httptest.NewRequest(http.MethodGet, path, nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
	var body result
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	return rec.Code, body
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	code, body := serve(t, New(Checker{Name: "persistence", Check: failWith("down")}), "/healthz", context.Background())
	if code != http.StatusOK || body.Status != "ok" {
		t.Errorf("healthz = %d %q, want 200 ok even with failing checkers", code, body.Status)
	}
}

func TestReadyz(t *testing.T) {
	t.Parallel()

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
				{Name: "persistence", Check: pass},
				{Name: "llm", Check: pass},
			},
			wantCode:   http.StatusOK,
			wantStatus: "ok",
			wantChecks: map[string]string{"persistence": "ok", "llm": "ok"},
		},
		{
			name: "one fails",
			checkers: []Checker{
				{Name: "persistence", Check: failWith("connection refused")},
				{Name: "llm", Check: pass},
			},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "fail",
			wantChecks: map[string]string{"persistence": "fail: connection refused", "llm": "ok"},
		},
		{
			name: "all fail",
			checkers: []Checker{
				{Name: "persistence", Check: failWith("timeout")},
				{Name: "llm", Check: failWith("no providers configured")},
			},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "fail",
			wantChecks: map[string]string{"persistence": "fail: timeout", "llm": "fail: no providers configured"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			code, body := serve(t, New(tt.checkers...), "/readyz", context.Background())
			if code != tt.wantCode || body.Status != tt.wantStatus {
				t.Errorf("readyz = %d %q, want %d %q", code, body.Status, tt.wantCode, tt.wantStatus)
			}
			if diff := cmp.Diff(tt.wantChecks, body.Checks); diff != "" {
				t.Errorf("checks mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestReadyz_ChecksRunConcurrently(t *testing.T) {
	t.Parallel()

	var running, peak atomic.Int32
	slow := func(context.Context) error {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		running.Add(-1)
		return nil
	}
	h := New(Checker{Name: "a", Check: slow}, Checker{Name: "b", Check: slow}, Checker{Name: "c", Check: slow})

	if code, _ := serve(t, h, "/readyz", context.Background()); code != http.StatusOK {
		t.Fatalf("readyz = %d", code)
	}
	if peak.Load() < 2 {
		t.Errorf("peak concurrency = %d, want checks to overlap", peak.Load())
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

	if code, _ := serve(t, h, "/readyz", ctx); code != http.StatusServiceUnavailable {
		t.Errorf("readyz = %d, want 503", code)
	}
}

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

func TestPing(t *testing.T) {
	t.Parallel()

	if err := Ping("redis", pinger{}).Check(context.Background()); err != nil {
		t.Errorf("healthy ping = %v", err)
	}
	c := Ping("redis", pinger{err: errors.New("EOF")})
	if c.Name != "redis" || c.Check(context.Background()) == nil {
		t.Errorf("failing ping checker = %+v", c)
	}
}

func TestBreakers(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		states  map[string]resilience.State
		wantErr bool
	}{
		{name: "none registered"},
		{name: "all closed", states: map[string]resilience.State{"openai": resilience.StateClosed}},
		{name: "one half-open", states: map[string]resilience.State{"openai": resilience.StateOpen, "ollama": resilience.StateHalfOpen}},
		{name: "all open", states: map[string]resilience.State{"openai": resilience.StateOpen, "ollama": resilience.StateOpen}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := Breakers("llm", func() map[string]resilience.State { return tt.states })
			err := c.Check(context.Background())
			if (err != nil) != tt.wantErr {
				t.Fatalf("Check = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil {
				return
			}
			if !errors.Is(err, ErrAllOpen) || !strings.Contains(err.Error(), "ollama, openai") {
				t.Errorf("error = %v, want ErrAllOpen listing sorted backends", err)
			}
		})
	}
}
