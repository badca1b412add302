// Package session implements the pianobridge session controller: the state
// machine that sequences the local audio engine and the voice gateway through
// connect, startup, input toggling and shutdown.
//
// The controller moves through Idle → Connecting → Ready → Running → Stopped.
// Every multi-step sequence runs strictly in order and aborts at the first
// failing step, reporting a distinct status for each step's success and
// failure. A failure never tears down what earlier steps already started;
// the next attempt of the same sequence releases leftovers first.
//
// All exported methods are safe for concurrent use. Sequences are serialised;
// [Controller.State] never blocks on a running sequence.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/MrWong99/pianobridge/internal/observe"
	"github.com/MrWong99/pianobridge/internal/status"
	"github.com/MrWong99/pianobridge/pkg/audio"
	"github.com/MrWong99/pianobridge/pkg/audio/discord"
)

// ErrInvalidState is returned when an operation is not allowed in the
// controller's current state.
var ErrInvalidState = errors.New("session: invalid state")

// Gateway is the voice gateway as driven by the controller.
type Gateway interface {
	DiscoverChannels(ctx context.Context) (map[string]discord.ChannelHandle, error)
	Resolve(label string) (discord.ChannelHandle, error)
	StartUplink(ctx context.Context, h discord.ChannelHandle, src audio.AudioSource) error
	StartDownlink(ctx context.Context, sink audio.AudioSink) error
	Stop() error
	Close() error
}

var _ Gateway = (*discord.Client)(nil)

// Connector logs in with token and returns a ready gateway.
type Connector func(ctx context.Context, token string) (Gateway, error)

// Reporter receives every status the controller emits. [*status.Feed]
// implements it.
type Reporter interface {
	Publish(status.Status)
}

// Recorder receives step and state metrics. [*observe.Metrics] implements it.
type Recorder interface {
	RecordSessionStep(ctx context.Context, step string, ok bool)
	RecordSessionState(ctx context.Context, state int64)
}

type nopReporter struct{}

func (nopReporter) Publish(status.Status) {}

type nopRecorder struct{}

func (nopRecorder) RecordSessionStep(context.Context, string, bool) {}
func (nopRecorder) RecordSessionState(context.Context, int64)       {}

// Config holds the audio format the controller requests from the engine.
type Config struct {
	// SampleRate defaults to 48000.
	SampleRate int

	// Channels defaults to [audio.Channels].
	Channels int
}

// Option configures a [Controller].
type Option func(*Controller)

// WithReporter sets the status destination.
func WithReporter(r Reporter) Option {
	return func(c *Controller) { c.reporter = r }
}

// WithRecorder sets the metrics destination.
func WithRecorder(r Recorder) Option {
	return func(c *Controller) { c.rec = r }
}

// WithTokenSaver sets a func that persists the token after a successful
// connect. Save failures are logged and do not fail the connect.
func WithTokenSaver(save func(token string) error) Option {
	return func(c *Controller) { c.saveToken = save }
}

// WithBuiltinInput sets the func that resolves the built-in capture device
// used by [Controller.Toggle]. Without it the toggle stays on
// [audio.DeviceDefault].
func WithBuiltinInput(resolve func() int) Option {
	return func(c *Controller) { c.builtinInput = resolve }
}

// Controller sequences one audio engine and one gateway connection.
type Controller struct {
	engine       audio.Engine
	connect      Connector
	cfg          Config
	reporter     Reporter
	rec          Recorder
	saveToken    func(string) error
	builtinInput func() int
	id           string

	// seq serialises sequences.
	seq sync.Mutex

	mu     sync.Mutex
	state  State
	engErr error

	// bgCtx outlives individual sequences and is cancelled by Quit.
	bgCtx     context.Context
	bgCancel  context.CancelFunc
	downlinks sync.WaitGroup
	quitOnce  sync.Once
	quitErr   error
}

// NewController returns a controller in [Idle].
func NewController(engine audio.Engine, connect Connector, cfg Config, opts ...Option) *Controller {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 48000
	}
	if cfg.Channels <= 0 {
		cfg.Channels = audio.Channels
	}
	bgCtx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		engine:       engine,
		connect:      connect,
		cfg:          cfg,
		reporter:     nopReporter{},
		rec:          nopRecorder{},
		builtinInput: func() int { return audio.DeviceDefault },
		id:           uuid.NewString(),
		state:        Idle{},
		bgCtx:        bgCtx,
		bgCancel:     cancel,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// SessionID identifies this controller in logs, spans and statuses.
func (c *Controller) SessionID() string { return c.id }

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Labels returns the sorted channel labels while connected.
func (c *Controller) Labels() []string {
	switch st := c.State().(type) {
	case Ready:
		return sortedLabels(st.Channels)
	case Running:
		return sortedLabels(st.Channels)
	default:
		return nil
	}
}

// EngineErr returns the failure of the most recent engine primitive, or nil
// if it succeeded.
func (c *Controller) EngineErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.engErr
}

// InputID returns the capture device in use. ok is false unless Running.
func (c *Controller) InputID() (id int, ok bool) {
	st, ok := c.State().(Running)
	if !ok {
		return 0, false
	}
	return st.InputID, true
}

// Connect logs in with token, discovers channels and moves to [Ready]. It is
// allowed from [Idle] and from [Ready], where it replaces the current
// connection. On failure the controller returns to [Idle] carrying the error.
func (c *Controller) Connect(ctx context.Context, token string) (err error) {
	c.seq.Lock()
	defer c.seq.Unlock()

	var prev Gateway
	switch st := c.State().(type) {
	case Idle:
	case Ready:
		prev = st.Gateway
	default:
		return c.invalid("connect")
	}

	ctx, span := observe.Span(ctx, "session.connect", attribute.String("session.id", c.id))
	defer func() { observe.Finish(span, err) }()

	if prev != nil {
		if err := prev.Close(); err != nil {
			observe.Logger(ctx).Warn("session: close previous gateway", "err", err)
		}
	}

	c.setState(ctx, Connecting{})
	gw, err := c.connect(ctx, token)
	if err != nil {
		c.setState(ctx, Idle{Err: err})
		c.report(ctx, StepConnect, "", err)
		return err
	}
	c.report(ctx, StepConnect, "", nil)

	channels, err := gw.DiscoverChannels(ctx)
	if err != nil {
		if cerr := gw.Close(); cerr != nil {
			observe.Logger(ctx).Warn("session: close gateway after failed discovery", "err", cerr)
		}
		c.setState(ctx, Idle{Err: err})
		c.report(ctx, StepDiscover, "", err)
		return err
	}

	if c.saveToken != nil {
		if err := c.saveToken(token); err != nil {
			observe.Logger(ctx).Warn("session: save token", "err", err)
		}
	}
	c.setState(ctx, Ready{Gateway: gw, Channels: channels})
	c.report(ctx, StepDiscover, fmt.Sprintf("%d voice channels", len(channels)), nil)
	return nil
}

// Start runs the startup sequence against the channel with the given label:
//
//  1. initialise playback and wait until it produces output
//  2. resolve label and start the uplink pulling from the engine
//  3. start the downlink on its own goroutine
//  4. initialise capture on the system default device and wait for recording
//  5. report [Running]
//
// The first failing step aborts the sequence and leaves the controller in
// [Ready].
func (c *Controller) Start(ctx context.Context, label string) (err error) {
	c.seq.Lock()
	defer c.seq.Unlock()

	st, ok := c.State().(Ready)
	if !ok {
		return c.invalid("start")
	}

	ctx, span := observe.Span(ctx, "session.start",
		attribute.String("session.id", c.id),
		attribute.String("channel.label", label))
	defer func() { observe.Finish(span, err) }()

	c.releasePartial(ctx, &st)

	rate, channels := c.cfg.SampleRate, c.cfg.Channels
	if err := c.engineStep(ctx, StepInitOutput, "", c.engine.InitOutput(rate, channels)); err != nil {
		return err
	}
	if err := c.engineStep(ctx, StepAwaitOutput, "", c.engine.AwaitOutputInitialized()); err != nil {
		return err
	}

	h, err := st.Gateway.Resolve(label)
	if err != nil {
		c.report(ctx, StepResolveChannel, "", err)
		return err
	}
	c.report(ctx, StepResolveChannel, label, nil)

	if err := st.Gateway.StartUplink(ctx, h, c.engine); err != nil {
		c.report(ctx, StepStartUplink, label, err)
		return err
	}
	st.mediaOpen = true
	c.setState(ctx, st)
	c.report(ctx, StepStartUplink, label, nil)

	c.startDownlink(st.Gateway)
	c.report(ctx, StepStartDownlink, "", nil)

	if err := c.engineStep(ctx, StepInitInput, inputName(audio.DeviceDefault), c.engine.InitInput(rate, audio.DeviceDefault, channels)); err != nil {
		return err
	}
	st.inputOpen = true
	c.setState(ctx, st)
	if err := c.engineStep(ctx, StepAwaitInput, "", c.engine.AwaitInputInitialized()); err != nil {
		return err
	}

	c.setState(ctx, Running{
		Gateway:  st.Gateway,
		Channels: st.Channels,
		Label:    label,
		InputID:  audio.DeviceDefault,
	})
	c.report(ctx, StepRunning, label, nil)
	return nil
}

// Toggle switches capture between the system default device and the built-in
// input: stop capture, wait until it is closed, open the other device, wait
// for recording. Each sub-step reports on its own and a failure halts the
// toggle without rollback. The input ID changes once the new device opened.
func (c *Controller) Toggle(ctx context.Context) (err error) {
	c.seq.Lock()
	defer c.seq.Unlock()

	st, ok := c.State().(Running)
	if !ok {
		return c.invalid("toggle")
	}

	ctx, span := observe.Span(ctx, "session.toggle", attribute.String("session.id", c.id))
	defer func() { observe.Finish(span, err) }()

	if err := c.engineStep(ctx, StepStopInput, "", c.engine.StopInput()); err != nil {
		return err
	}
	if err := c.engineStep(ctx, StepAwaitInputStopped, "", c.engine.AwaitInputStopped()); err != nil {
		return err
	}

	next := audio.DeviceDefault
	if st.InputID == audio.DeviceDefault {
		next = c.builtinInput()
	}
	if err := c.engineStep(ctx, StepSwitchInput, inputName(next), c.engine.InitInput(c.cfg.SampleRate, next, c.cfg.Channels)); err != nil {
		return err
	}
	st.InputID = next
	c.setState(ctx, st)

	return c.engineStep(ctx, StepResumeInput, "", c.engine.AwaitInputInitialized())
}

// Stop closes the gateway's media path and moves to [Stopped]. The audio
// engine keeps running until [Controller.Quit].
func (c *Controller) Stop(ctx context.Context) (err error) {
	c.seq.Lock()
	defer c.seq.Unlock()

	st, ok := c.State().(Running)
	if !ok {
		return c.invalid("stop")
	}

	ctx, span := observe.Span(ctx, "session.stop", attribute.String("session.id", c.id))
	defer func() { observe.Finish(span, err) }()

	if err := st.Gateway.Stop(); err != nil {
		c.report(ctx, StepStop, "", err)
		return err
	}
	c.setState(ctx, Stopped{gateway: st.Gateway})
	c.report(ctx, StepStop, st.Label, nil)
	return nil
}

// Quit shuts the engine down and closes the gateway connection, from any
// state. It waits for the downlink goroutine to exit. Later calls return the
// first call's result.
func (c *Controller) Quit() error {
	c.quitOnce.Do(func() {
		// Unblocks a downlink that ignores Close.
		c.bgCancel()

		c.seq.Lock()
		defer c.seq.Unlock()

		ctx := context.Background()
		var gw Gateway
		switch st := c.State().(type) {
		case Ready:
			gw = st.Gateway
		case Running:
			gw = st.Gateway
		case Stopped:
			gw = st.gateway
		}
		if gw != nil {
			c.quitErr = gw.Close()
		}
		c.downlinks.Wait()
		c.engine.Shutdown()

		c.setState(ctx, Stopped{})
		c.report(ctx, StepQuit, "", c.quitErr)
	})
	return c.quitErr
}

// startDownlink runs the gateway's receive loop until the media path ends.
func (c *Controller) startDownlink(gw Gateway) {
	c.downlinks.Add(1)
	go func() {
		defer c.downlinks.Done()
		err := gw.StartDownlink(c.bgCtx, c.engine)
		if err == nil || errors.Is(err, context.Canceled) {
			slog.Debug("session: downlink ended", "session_id", c.id)
			return
		}
		c.report(c.bgCtx, StepStartDownlink, "", err)
	}()
}

// releasePartial undoes what an aborted startup left behind.
func (c *Controller) releasePartial(ctx context.Context, st *Ready) {
	log := observe.Logger(ctx)
	if st.inputOpen {
		if !c.engine.StopInput() || !c.engine.AwaitInputStopped() {
			log.Warn("session: release capture from aborted start")
		}
		st.inputOpen = false
	}
	if st.mediaOpen {
		if err := st.Gateway.Stop(); err != nil {
			log.Warn("session: release media path from aborted start", "err", err)
		}
		st.mediaOpen = false
	}
}

// engineStep reports the result of an engine primitive and converts false to
// a [*audio.LocalEngineError].
func (c *Controller) engineStep(ctx context.Context, step Step, detail string, ok bool) error {
	var err error
	if !ok {
		err = &audio.LocalEngineError{Op: step.op()}
	}
	c.mu.Lock()
	c.engErr = err
	c.mu.Unlock()
	c.report(ctx, step, detail, err)
	return err
}

func (c *Controller) setState(ctx context.Context, st State) {
	c.mu.Lock()
	c.state = st
	c.mu.Unlock()
	c.rec.RecordSessionState(ctx, int64(st.Kind()))
}

func (c *Controller) invalid(op string) error {
	return fmt.Errorf("%w: cannot %s while %s", ErrInvalidState, op, c.State().Kind())
}

// report logs, counts and publishes the outcome of one step.
func (c *Controller) report(ctx context.Context, step Step, detail string, err error) {
	ok := err == nil
	msg := step.message(ok)
	if detail != "" {
		msg += ": " + detail
	}
	var engErr *audio.LocalEngineError
	if err != nil && !errors.As(err, &engErr) {
		msg += ": " + err.Error()
	}

	c.rec.RecordSessionStep(ctx, string(step), ok)
	log := observe.Logger(ctx, "session_id", c.id, "step", string(step))
	if ok {
		log.Info("session: " + msg)
	} else {
		log.Warn("session: "+msg, "err", err)
	}
	c.reporter.Publish(status.Status{
		SessionID: c.id,
		State:     c.State().Kind().String(),
		Step:      string(step),
		OK:        ok,
		Message:   msg,
	})
}

// inputName describes a capture device ID for status messages.
func inputName(id int) string {
	if id == audio.DeviceDefault {
		return "system default"
	}
	return fmt.Sprintf("device %d", id)
}

// Step names one reported step of a controller sequence.
type Step string

const (
	StepConnect           Step = "connect"
	StepDiscover          Step = "discover_channels"
	StepInitOutput        Step = "init_output"
	StepAwaitOutput       Step = "await_output"
	StepResolveChannel    Step = "resolve_channel"
	StepStartUplink       Step = "start_uplink"
	StepStartDownlink     Step = "start_downlink"
	StepInitInput         Step = "init_input"
	StepAwaitInput        Step = "await_input"
	StepRunning           Step = "running"
	StepStopInput         Step = "stop_input"
	StepAwaitInputStopped Step = "await_input_stopped"
	StepSwitchInput       Step = "switch_input"
	StepResumeInput       Step = "resume_input"
	StepStop              Step = "stop"
	StepQuit              Step = "quit"
)

// stepMessages holds the success and failure text of every step.
var stepMessages = map[Step][2]string{
	StepConnect:           {"connected", "failed to connect"},
	StepDiscover:          {"ready", "failed to list voice channels"},
	StepInitOutput:        {"output initialized", "failed to initialize output"},
	StepAwaitOutput:       {"output started", "output did not start"},
	StepResolveChannel:    {"channel resolved", "channel not found"},
	StepStartUplink:       {"joined voice channel", "failed to join voice channel"},
	StepStartDownlink:     {"receiving voice", "voice receive ended"},
	StepInitInput:         {"input initialized", "failed to initialize input"},
	StepAwaitInput:        {"recording started", "recording did not start"},
	StepRunning:           {"running", "not running"},
	StepStopInput:         {"stopping input", "failed to stop input"},
	StepAwaitInputStopped: {"input closed", "input did not close"},
	StepSwitchInput:       {"input switched", "failed to switch input"},
	StepResumeInput:       {"resumed", "switched input did not start"},
	StepStop:              {"stopped", "failed to stop"},
	StepQuit:              {"shut down", "shutdown incomplete"},
}

func (s Step) message(ok bool) string {
	m, found := stepMessages[s]
	if !found {
		return string(s)
	}
	if ok {
		return m[0]
	}
	return m[1]
}

// op names the engine primitive behind s, e.g. "init output".
func (s Step) op() string {
	return strings.ReplaceAll(string(s), "_", " ")
}
