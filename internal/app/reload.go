package app

import (
	"log/slog"

	"github.com/MrWong99/pianobridge/internal/config"
)

// SlogLevel maps a config log level to its slog level. Unknown values map to
// Info.
func SlogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// applyReload applies the runtime-adjustable part of a config change. Keys
// read only at startup are logged so the operator knows to restart.
func (a *App) applyReload(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.Empty() {
		return
	}

	if d.LogLevelChanged {
		if a.level != nil {
			a.level.Set(SlogLevel(d.NewLogLevel))
			slog.Info("app: log level changed", "level", d.NewLogLevel)
		} else {
			d.RestartRequired = append(d.RestartRequired, "server.log_level")
		}
	}
	if d.MonitorChanged {
		if m, ok := a.engine.(monitorSwitch); ok {
			m.SetMonitor(d.NewMonitor)
		} else {
			d.RestartRequired = append(d.RestartRequired, "audio.monitor")
		}
	}
	if d.BuiltinInputChanged {
		name := d.NewBuiltinInput
		a.builtin.Store(&name)
		slog.Info("app: built-in input changed; applies on next toggle", "builtin_input", name)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("app: config changes need a restart", "keys", d.RestartRequired)
	}
}
