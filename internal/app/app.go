// Package app wires the pianobridge subsystems into a running relay.
//
// The App owns the full lifecycle: New builds the audio engine, credential
// store and session controller from the config, Run serves HTTP, reads
// operator commands and applies config reloads until the context ends or the
// operator quits, and Shutdown releases the engine and the gateway.
//
// For testing, inject doubles via functional options (WithEngine,
// WithConnector, WithCredentials, WithConsole). When an option is not
// provided, New creates the real implementation from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/pianobridge/internal/config"
	"github.com/MrWong99/pianobridge/internal/credentials"
	"github.com/MrWong99/pianobridge/internal/observe"
	"github.com/MrWong99/pianobridge/internal/session"
	"github.com/MrWong99/pianobridge/internal/status"
	"github.com/MrWong99/pianobridge/pkg/audio"
	"github.com/MrWong99/pianobridge/pkg/audio/discord"
	"github.com/MrWong99/pianobridge/pkg/audio/malgo"
)

// shutdownTimeout bounds the HTTP server's graceful shutdown.
const shutdownTimeout = 5 * time.Second

// errQuit ends Run when the operator types "quit".
var errQuit = errors.New("app: quit requested")

// inputResolver is implemented by engines that can look up a capture device
// by name.
type inputResolver interface {
	ResolveInput(substr string) int
}

// monitorSwitch is implemented by engines that can toggle loopback
// monitoring at runtime.
type monitorSwitch interface {
	SetMonitor(on bool)
}

// App owns all subsystem lifetimes.
type App struct {
	cfg     *config.Config
	cfgPath string

	engine  audio.Engine
	connect session.Connector
	creds   credentials.Store
	ctrl    *session.Controller
	feed    *status.Feed
	metrics *observe.Metrics
	scrape  http.Handler
	level   *slog.LevelVar

	in  io.Reader
	out io.Writer

	// builtin is the audio.builtin_input substring; swapped on reload.
	builtin atomic.Pointer[string]

	mu       sync.Mutex
	selected string

	shutdownOnce sync.Once
	shutdownErr  error
}

// Option configures an [App].
type Option func(*App)

// WithEngine injects the local audio engine instead of building one from
// the registry.
func WithEngine(e audio.Engine) Option {
	return func(a *App) { a.engine = e }
}

// WithConnector replaces the Discord login.
func WithConnector(c session.Connector) Option {
	return func(a *App) { a.connect = c }
}

// WithCredentials replaces the env/keyring/file credential chain.
func WithCredentials(s credentials.Store) Option {
	return func(a *App) { a.creds = s }
}

// WithConsole sets the operator console streams. Defaults to stdin/stdout.
func WithConsole(in io.Reader, out io.Writer) Option {
	return func(a *App) {
		a.in = in
		a.out = out
	}
}

// WithLevelVar lets config reloads change the log level.
func WithLevelVar(lv *slog.LevelVar) Option {
	return func(a *App) { a.level = lv }
}

// WithConfigPath makes Run watch path and apply config edits live.
func WithConfigPath(path string) Option {
	return func(a *App) { a.cfgPath = path }
}

// WithMetrics overrides the global metrics instance.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithTelemetry records into t.Metrics and serves t's registry on /metrics.
func WithTelemetry(t *observe.Telemetry) Option {
	return func(a *App) {
		a.metrics = t.Metrics
		a.scrape = t.Handler()
	}
}

// ─── New ─────────────────────────────────────────────────────────────────────

// NewRegistry returns a registry with every built-in audio backend.
func NewRegistry() *config.Registry {
	reg := config.NewRegistry()
	reg.RegisterEngine("malgo", func(ac config.AudioConfig) (audio.Engine, error) {
		eng, err := NewMalgoEngine(ac)
		if err != nil {
			return nil, err
		}
		return eng, nil
	})
	return reg
}

// NewMalgoEngine builds the miniaudio engine described by ac.
func NewMalgoEngine(ac config.AudioConfig) (*malgo.Engine, error) {
	backends, err := malgo.ParseBackends(ac.Drivers)
	if err != nil {
		return nil, err
	}
	return malgo.New(malgo.Config{
		Backends:     backends,
		AwaitTimeout: ac.AwaitTimeout,
		MaxQueue:     ac.MaxQueue,
		Monitor:      ac.MonitorEnabled(),
	})
}

// New creates an App from cfg. Subsystems not injected via options are
// built from the config.
func New(cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{
		cfg:      cfg,
		feed:     &status.Feed{},
		in:       os.Stdin,
		out:      os.Stdout,
		selected: cfg.Discord.Channel,
	}
	for _, o := range opts {
		o(a)
	}
	builtin := cfg.Audio.BuiltinInput
	a.builtin.Store(&builtin)

	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.scrape == nil {
		a.scrape = promhttp.Handler()
	}
	if a.engine == nil {
		eng, err := NewRegistry().CreateEngine(cfg.Audio)
		if err != nil {
			return nil, fmt.Errorf("app: %w", err)
		}
		a.engine = eng
	}
	if a.creds == nil {
		chain, err := credentials.New(cfg.Credentials)
		if err != nil {
			return nil, fmt.Errorf("app: %w", err)
		}
		a.creds = chain
	}
	if a.connect == nil {
		a.connect = a.discordConnector()
	}

	a.ctrl = session.NewController(a.engine, a.connect,
		session.Config{SampleRate: cfg.Audio.SampleRate},
		session.WithReporter(a.feed),
		session.WithRecorder(a.metrics),
		session.WithTokenSaver(a.creds.Save),
		session.WithBuiltinInput(a.resolveBuiltin),
	)
	return a, nil
}

// discordConnector logs in with discordgo using the discord config section.
func (a *App) discordConnector() session.Connector {
	dc := a.cfg.Discord
	return func(ctx context.Context, token string) (session.Gateway, error) {
		c, err := discord.Connect(ctx, discord.Config{
			Token:        token,
			ReadyTimeout: dc.ReadyTimeout,
			Status:       dc.Status,
			SampleRate:   a.cfg.Audio.SampleRate,
		}, discord.WithRecorder(a.metrics))
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

// resolveBuiltin maps the configured built-in input name to a device ID.
func (a *App) resolveBuiltin() int {
	r, ok := a.engine.(inputResolver)
	if !ok {
		return audio.DeviceDefault
	}
	return r.ResolveInput(*a.builtin.Load())
}

// Controller returns the session controller.
func (a *App) Controller() *session.Controller { return a.ctrl }

// Feed returns the status feed.
func (a *App) Feed() *status.Feed { return a.feed }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP, reads operator commands and watches the config file until
// ctx is cancelled or the operator quits. A stored token is used to connect
// automatically.
func (a *App) Run(ctx context.Context) error {
	var watcher *config.Watcher
	if a.cfgPath != "" {
		w, err := config.NewWatcher(a.cfgPath, a.applyReload)
		if err != nil {
			slog.Warn("app: config hot reload disabled", "err", err)
		} else {
			watcher = w
		}
	}

	g, ctx := errgroup.WithContext(ctx)

	if a.cfg.Server.HTTPEnabled() {
		srv := a.newServer(ctx)
		g.Go(func() error { return a.serveHTTP(ctx, srv) })
	}
	if watcher != nil {
		g.Go(func() error { return watcher.Run(ctx) })
	}

	g.Go(func() error {
		a.autoConnect(ctx)
		return a.runConsole(ctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, errQuit) && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// autoConnect connects with the configured or stored token, if any.
func (a *App) autoConnect(ctx context.Context) {
	token := a.cfg.Discord.Token
	if token == "" {
		t, err := a.creds.Load()
		if err != nil {
			if !errors.Is(err, credentials.ErrNotFound) {
				slog.Warn("app: cannot read stored token", "err", err)
			}
			fmt.Fprintln(a.out, "no stored token; enter one with: token <bot token>")
			return
		}
		token = t
	}
	if err := a.ctrl.Connect(ctx, token); err != nil {
		fmt.Fprintf(a.out, "connect failed: %v\n", err)
	}
}

// serveHTTP runs srv until ctx is done.
func (a *App) serveHTTP(ctx context.Context, srv *http.Server) error {
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()

	slog.Info("app: http server listening", "addr", srv.Addr, "tls", a.cfg.Server.TLS != nil)
	var err error
	if tls := a.cfg.Server.TLS; tls != nil {
		err = srv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
	} else {
		err = srv.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return fmt.Errorf("app: http server: %w", err)
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown quits the session: the gateway is closed and the audio engine
// released. Safe to call more than once.
func (a *App) Shutdown() error {
	a.shutdownOnce.Do(func() {
		slog.Info("app: shutting down", "session_id", a.ctrl.SessionID())
		a.shutdownErr = a.ctrl.Quit()
	})
	return a.shutdownErr
}
