package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/pianobridge/pkg/audio"
)

// KnownDrivers lists the device driver names the malgo backend understands.
// Used by [Validate] to warn about unrecognised names.
var KnownDrivers = []string{
	"alsa", "pulseaudio", "jack", "oss", "coreaudio",
	"wasapi", "dsound", "aaudio", "opensl", "null",
}

// Load opens path and hands it to [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. An empty document yields [Default]. Unknown keys are rejected.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every problem in cfg at once, joined. Suspicious but
// usable values (odd sample rate, unknown driver name) only log a warning.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Discord
	if cfg.Discord.ReadyTimeout < 0 {
		errs = append(errs, fmt.Errorf("discord.ready_timeout %s must not be negative", cfg.Discord.ReadyTimeout))
	}
	if ch := cfg.Discord.Channel; ch != "" && !strings.Contains(ch, "->") {
		errs = append(errs, fmt.Errorf("discord.channel %q must have the form \"<guild>-><channel>\"", ch))
	}

	// Audio
	if !audio.ValidSampleRate(cfg.Audio.SampleRate) {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d is invalid; valid values: %v", cfg.Audio.SampleRate, audio.ValidSampleRates()))
	} else if cfg.Audio.SampleRate != 48000 {
		slog.Warn("audio.sample_rate differs from the 48000 Hz voice gateways expect; remote audio may play at the wrong speed",
			"sample_rate", cfg.Audio.SampleRate)
	}
	if cfg.Audio.AwaitTimeout < 0 {
		errs = append(errs, fmt.Errorf("audio.await_timeout %s must not be negative", cfg.Audio.AwaitTimeout))
	}
	if cfg.Audio.MaxQueue < 0 {
		errs = append(errs, fmt.Errorf("audio.max_queue %s must not be negative", cfg.Audio.MaxQueue))
	} else if cfg.Audio.MaxQueue > 0 && cfg.Audio.MaxQueue < audio.FrameDuration {
		errs = append(errs, fmt.Errorf("audio.max_queue %s is shorter than one %s frame", cfg.Audio.MaxQueue, audio.FrameDuration))
	}
	for _, d := range cfg.Audio.Drivers {
		if !slices.Contains(KnownDrivers, strings.ToLower(d)) {
			slog.Warn("unknown audio driver name, may be a typo", "driver", d, "known", KnownDrivers)
		}
	}

	return errors.Join(errs...)
}
