package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be applied to a running relay are tracked; everything
// else takes effect on restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	MonitorChanged bool
	NewMonitor     bool

	BuiltinInputChanged bool
	NewBuiltinInput     string

	// RestartRequired lists the changed keys that are only read at startup.
	RestartRequired []string
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.MonitorChanged && !d.BuiltinInputChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Audio.MonitorEnabled() != new.Audio.MonitorEnabled() {
		d.MonitorChanged = true
		d.NewMonitor = new.Audio.MonitorEnabled()
	}
	if old.Audio.BuiltinInput != new.Audio.BuiltinInput {
		d.BuiltinInputChanged = true
		d.NewBuiltinInput = new.Audio.BuiltinInput
	}

	restart := func(key string, changed bool) {
		if changed {
			d.RestartRequired = append(d.RestartRequired, key)
		}
	}
	restart("server.listen_addr", old.Server.ListenAddr != new.Server.ListenAddr)
	restart("discord.token", old.Discord.Token != new.Discord.Token)
	restart("discord.status", old.Discord.Status != new.Discord.Status)
	restart("audio.backend", old.Audio.Backend != new.Audio.Backend)
	restart("audio.sample_rate", old.Audio.SampleRate != new.Audio.SampleRate)
	restart("audio.max_queue", old.Audio.MaxQueue != new.Audio.MaxQueue)

	return d
}
