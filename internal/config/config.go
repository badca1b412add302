// Package config provides the configuration schema, loader, hot-reload watcher
// and audio engine registry for pianobridge.
package config

import "time"

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is one of the four supported levels.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr   = ":9090"
	DefaultReadyTimeout = 30 * time.Second
	DefaultStatus       = "piano"
	DefaultBackend      = "malgo"
	DefaultSampleRate   = 48000
	DefaultAwaitTimeout = 2 * time.Second
	DefaultMaxQueue     = 500 * time.Millisecond
	DefaultService      = "pianobridge"
)

// Config is the whole relay configuration, one section per YAML key.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Discord     DiscordConfig     `yaml:"discord"`
	Audio       AudioConfig       `yaml:"audio"`
	Credentials CredentialsConfig `yaml:"credentials"`
}

// ServerConfig holds the HTTP endpoint (metrics, health, status feed) and
// logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address of the HTTP server (e.g., ":9090").
	// "off" disables the server.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel can change while running.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS switches the control surface to HTTPS.
	TLS *TLSConfig `yaml:"tls"`
}

// HTTPEnabled reports whether the HTTP server should run.
func (s ServerConfig) HTTPEnabled() bool {
	return s.ListenAddr != "" && s.ListenAddr != "off"
}

// TLSConfig names the PEM certificate and key.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`

	KeyFile string `yaml:"key_file"`
}

// DiscordConfig configures the voice gateway login.
type DiscordConfig struct {
	// Token is the bot token. Optional; the credential store is consulted
	// when empty.
	Token string `yaml:"token"`

	// ReadyTimeout bounds the wait for the gateway's Ready event.
	ReadyTimeout time.Duration `yaml:"ready_timeout"`

	// Status is the "playing ..." presence text. Empty disables presence.
	Status string `yaml:"status"`

	// Channel preselects a "<guild>-><channel>" label for start.
	Channel string `yaml:"channel"`
}

// AudioConfig configures the local audio engine.
type AudioConfig struct {
	// Backend selects the engine registered in the [Registry].
	Backend string `yaml:"backend"`

	// Drivers restricts the engine to these device drivers in priority
	// order (e.g., "pulseaudio", "alsa"). Empty lets the engine choose.
	Drivers []string `yaml:"drivers"`

	// SampleRate is one of 8000, 12000, 16000, 24000 or 48000.
	SampleRate int `yaml:"sample_rate"`

	// BuiltinInput is a substring of the capture device name used as the
	// alternate input by toggle. Empty keeps toggle on the system default.
	BuiltinInput string `yaml:"builtin_input"`

	// AwaitTimeout bounds the engine's await primitives.
	AwaitTimeout time.Duration `yaml:"await_timeout"`

	// MaxQueue caps the audio buffered per queue.
	MaxQueue time.Duration `yaml:"max_queue"`

	// Monitor mixes captured audio into local playback. Defaults to true.
	Monitor *bool `yaml:"monitor"`
}

// MonitorEnabled reports whether loopback monitoring is on.
func (a AudioConfig) MonitorEnabled() bool {
	return a.Monitor == nil || *a.Monitor
}

// CredentialsConfig configures where the bot token is persisted.
type CredentialsConfig struct {
	// Service is the OS keyring service name.
	Service string `yaml:"service"`

	// File is the fallback token file. Empty uses the user config directory.
	File string `yaml:"file"`
}

// ApplyDefaults fills every unset field of cfg with its default.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Discord.ReadyTimeout == 0 {
		cfg.Discord.ReadyTimeout = DefaultReadyTimeout
	}
	if cfg.Audio.Backend == "" {
		cfg.Audio.Backend = DefaultBackend
	}
	if cfg.Audio.SampleRate == 0 {
		cfg.Audio.SampleRate = DefaultSampleRate
	}
	if cfg.Audio.AwaitTimeout == 0 {
		cfg.Audio.AwaitTimeout = DefaultAwaitTimeout
	}
	if cfg.Audio.MaxQueue == 0 {
		cfg.Audio.MaxQueue = DefaultMaxQueue
	}
	if cfg.Credentials.Service == "" {
		cfg.Credentials.Service = DefaultService
	}
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{Discord: DiscordConfig{Status: DefaultStatus}}
	ApplyDefaults(cfg)
	return cfg
}
