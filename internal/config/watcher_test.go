package config_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/chorus/internal/config"
)

const watcherValidYAML = `
server:
  log_level: info
engine:
  orchestrator:
    max_speakers: 3
`

const watcherUpdatedYAML = `
server:
  log_level: debug
engine:
  orchestrator:
    max_speakers: 1
`

const watcherInvalidYAML = `
server:
  log_level: bananas
`

func writeFile(t *testing.T, path, content string, mtime time.Time) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %q: %v", path, err)
	}
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatalf("chtimes %q: %v", path, err)
	}
}

type changeRecorder struct {
	mu    sync.Mutex
	diffs []config.ConfigDiff
}

func (r *changeRecorder) onChange(old, new *config.Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.diffs = append(r.diffs, config.Diff(old, new))
}

func (r *changeRecorder) Diffs() []config.ConfigDiff {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]config.ConfigDiff(nil), r.diffs...)
}

func TestWatcher(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	path := filepath.Join(t.TempDir(), "chorus.yaml")
	writeFile(t, path, watcherValidYAML, base)

	var rec changeRecorder
	w, err := config.NewWatcher(path, rec.onChange)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	if got := w.Current().Engine.Orchestrator.MaxSpeakers; got != 3 {
		t.Fatalf("initial max_speakers = %d, want 3", got)
	}

	if w.Check() {
		t.Error("Check on an untouched file reported a reload")
	}

	// Touched but identical content.
	writeFile(t, path, watcherValidYAML, base.Add(time.Second))
	if w.Check() {
		t.Error("Check on identical content reported a reload")
	}

	writeFile(t, path, watcherInvalidYAML, base.Add(2*time.Second))
	if w.Check() {
		t.Error("Check on an invalid file reported a reload")
	}
	if w.Current().Server.LogLevel != config.LogInfo {
		t.Error("invalid edit replaced the current config")
	}

	writeFile(t, path, watcherUpdatedYAML, base.Add(3*time.Second))
	if !w.Check() {
		t.Fatal("Check on a valid edit did not reload")
	}
	if got := w.Current().Engine.Orchestrator.MaxSpeakers; got != 1 {
		t.Errorf("max_speakers after reload = %d, want 1", got)
	}

	diffs := rec.Diffs()
	if len(diffs) != 1 {
		t.Fatalf("onChange called %d times, want 1", len(diffs))
	}
	if !diffs[0].LogLevelChanged || !diffs[0].EngineChanged() {
		t.Errorf("diff = %+v, want log level and engine changes", diffs[0])
	}
}

func TestWatcher_InvalidInitialFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "chorus.yaml")
	writeFile(t, path, watcherInvalidYAML, time.Now())
	if _, err := config.NewWatcher(path, nil); err == nil {
		t.Error("expected error for invalid initial config")
	}
}

func TestWatcher_RunStopsOnCancel(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "chorus.yaml")
	writeFile(t, path, watcherValidYAML, time.Now())
	w, err := config.NewWatcher(path, nil, config.WithInterval(time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
