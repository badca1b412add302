// Command pianobridge relays a local audio device to a Discord voice channel
// and plays the channel back locally.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/MrWong99/pianobridge/internal/app"
	"github.com/MrWong99/pianobridge/internal/config"
	"github.com/MrWong99/pianobridge/internal/observe"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := rootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "pianobridge",
		Short: "Relay a local audio device to a Discord voice channel",
		Long: `pianobridge captures a local input device, streams it into a Discord
voice channel as a bot, and plays the channel's audio on the local output.

Without a subcommand it runs the relay with an interactive console.`,
		SilenceUsage: true,
		Version:      version,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runRelay(cmd.Context(), configPath, cmd.Flags().Changed("config"))
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to the YAML configuration file")

	run := &cobra.Command{
		Use:   "run",
		Short: "Run the relay with an interactive console (default)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runRelay(cmd.Context(), configPath, cmd.Flags().Changed("config"))
		},
	}
	root.AddCommand(run, devicesCmd(&configPath), channelsCmd(&configPath))
	return root
}

// loadConfig reads path. A missing file falls back to defaults unless the
// path was given explicitly. The returned bool reports whether a file was read.
func loadConfig(path string, explicit bool) (*config.Config, bool, error) {
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, true, nil
	}
	if errors.Is(err, os.ErrNotExist) && !explicit {
		return config.Default(), false, nil
	}
	return nil, false, err
}

func runRelay(parent context.Context, configPath string, explicit bool) error {
	cfg, fromFile, err := loadConfig(configPath, explicit)
	if err != nil {
		return err
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := &slog.LevelVar{}
	level.Set(app.SlogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("pianobridge starting",
		"version", version,
		"config", configPath,
		"config_file", fromFile,
		"listen_addr", cfg.Server.ListenAddr,
		"backend", cfg.Audio.Backend,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tel, err := observe.Setup(ctx, observe.TelemetryConfig{
		ServiceVersion:    version,
		RuntimeCollectors: true,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if err := tel.Shutdown(context.Background()); err != nil {
			slog.Warn("telemetry shutdown", "err", err)
		}
	}()

	// ── Application ───────────────────────────────────────────────────────────
	opts := []app.Option{app.WithLevelVar(level), app.WithTelemetry(tel)}
	if fromFile {
		opts = append(opts, app.WithConfigPath(configPath))
	}
	application, err := app.New(cfg, opts...)
	if err != nil {
		return err
	}
	printStartupSummary(cfg)

	runErr := application.Run(ctx)
	if err := application.Shutdown(); err != nil {
		slog.Warn("shutdown incomplete", "err", err)
	}
	if runErr != nil {
		slog.Error("run error", "err", runErr)
		return runErr
	}
	slog.Info("goodbye")
	return nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	row := func(k, v string) {
		if len(v) > 22 {
			v = v[:21] + "…"
		}
		fmt.Printf("║  %-13s : %-22s ║\n", k, v)
	}
	orNone := func(s string) string {
		if s == "" {
			return "(none)"
		}
		return s
	}
	listen := cfg.Server.ListenAddr
	if !cfg.Server.HTTPEnabled() {
		listen = "(disabled)"
	}

	fmt.Println("╔══════════════════════════════════════════╗")
	fmt.Println("║       pianobridge  startup summary       ║")
	fmt.Println("╠══════════════════════════════════════════╣")
	row("Audio backend", cfg.Audio.Backend)
	row("Sample rate", fmt.Sprintf("%d Hz", cfg.Audio.SampleRate))
	row("Built-in input", orNone(cfg.Audio.BuiltinInput))
	row("Monitor", fmt.Sprint(cfg.Audio.MonitorEnabled()))
	row("Channel", orNone(cfg.Discord.Channel))
	row("Listen addr", listen)
	fmt.Println("╚══════════════════════════════════════════╝")
}
