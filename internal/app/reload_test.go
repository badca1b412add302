package app

import (
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/MrWong99/pianobridge/internal/config"
	"github.com/MrWong99/pianobridge/internal/credentials"
	"github.com/MrWong99/pianobridge/pkg/audio"
	audiomock "github.com/MrWong99/pianobridge/pkg/audio/mock"
)

// deviceEngine adds device lookup and monitor switching to the mock engine.
type deviceEngine struct {
	*audiomock.Engine

	mu       sync.Mutex
	devices  []string
	monitors []bool
}

func (e *deviceEngine) ResolveInput(substr string) int {
	if substr == "" {
		return audio.DeviceDefault
	}
	for i, d := range e.devices {
		if strings.Contains(strings.ToLower(d), strings.ToLower(substr)) {
			return i
		}
	}
	return audio.DeviceDefault
}

func (e *deviceEngine) SetMonitor(on bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.monitors = append(e.monitors, on)
}

type noStore struct{}

func (noStore) Load() (string, error) { return "", credentials.ErrNotFound }
func (noStore) Save(string) error     { return nil }

func newReloadApp(t *testing.T, cfg *config.Config, lv *slog.LevelVar) (*App, *deviceEngine) {
	t.Helper()
	eng := &deviceEngine{
		Engine:  audiomock.NewEngine(nil),
		devices: []string{"USB Piano", "Built-in Microphone"},
	}
	opts := []Option{WithEngine(eng), WithCredentials(noStore{})}
	if lv != nil {
		opts = append(opts, WithLevelVar(lv))
	}
	a, err := New(cfg, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown() })
	return a, eng
}

func TestApplyReload_LogLevel(t *testing.T) {
	t.Parallel()
	old := config.Default()
	lv := &slog.LevelVar{}
	a, _ := newReloadApp(t, old, lv)

	updated := config.Default()
	updated.Server.LogLevel = config.LogDebug
	a.applyReload(old, updated)

	if lv.Level() != slog.LevelDebug {
		t.Errorf("level = %s, want DEBUG", lv.Level())
	}
}

func TestApplyReload_Monitor(t *testing.T) {
	t.Parallel()
	old := config.Default()
	a, eng := newReloadApp(t, old, nil)

	off := false
	updated := config.Default()
	updated.Audio.Monitor = &off
	a.applyReload(old, updated)

	eng.mu.Lock()
	defer eng.mu.Unlock()
	if len(eng.monitors) != 1 || eng.monitors[0] {
		t.Errorf("SetMonitor calls = %v, want [false]", eng.monitors)
	}
}

func TestApplyReload_BuiltinInput(t *testing.T) {
	t.Parallel()
	old := config.Default()
	a, _ := newReloadApp(t, old, nil)

	if got := a.resolveBuiltin(); got != audio.DeviceDefault {
		t.Fatalf("builtin before reload = %d, want default", got)
	}

	updated := config.Default()
	updated.Audio.BuiltinInput = "built-in"
	a.applyReload(old, updated)

	if got := a.resolveBuiltin(); got != 1 {
		t.Errorf("builtin after reload = %d, want 1", got)
	}
}

func TestApplyReload_NoChange(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	a, eng := newReloadApp(t, cfg, nil)

	a.applyReload(cfg, config.Default())

	eng.mu.Lock()
	defer eng.mu.Unlock()
	if len(eng.monitors) != 0 {
		t.Errorf("SetMonitor called on identical config: %v", eng.monitors)
	}
}

func TestSlogLevel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   config.LogLevel
		want slog.Level
	}{
		{config.LogDebug, slog.LevelDebug},
		{config.LogInfo, slog.LevelInfo},
		{config.LogWarn, slog.LevelWarn},
		{config.LogError, slog.LevelError},
		{"", slog.LevelInfo},
	}
	for _, tc := range tests {
		if got := SlogLevel(tc.in); got != tc.want {
			t.Errorf("SlogLevel(%q) = %s, want %s", tc.in, got, tc.want)
		}
	}
}
