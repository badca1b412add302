// Package mock provides in-memory test doubles for the local audio engine
// ([audio.Engine]) and the voice gateway used by the session controller.
//
// All mocks are safe for concurrent use. They record every call so that tests
// can assert on call counts, arguments and ordering, and they expose exported
// fields that tests set to control results.
//
// Typical usage:
//
//	log := &mock.CallLog{}
//	eng := mock.NewEngine(log)
//	eng.InitOutputResult = false // make startup fail at step 1
//	gw := mock.NewGateway(log)
//	// ... drive the controller ...
//	if gw.CallCountStartUplink != 0 { ... }
package mock

import (
	"context"
	"maps"
	"sync"

	"github.com/MrWong99/pianobridge/pkg/audio"
	"github.com/MrWong99/pianobridge/pkg/audio/discord"
)

// ─── CallLog ─────────────────────────────────────────────────────────────────

// CallLog records method names across several mocks in call order.
type CallLog struct {
	mu    sync.Mutex
	calls []string
}

// Add appends name to the log. A nil log ignores the call.
func (l *CallLog) Add(name string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, name)
}

// Calls returns a copy of the recorded names.
func (l *CallLog) Calls() []string {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

// ─── Engine ──────────────────────────────────────────────────────────────────

// Compile-time interface assertion.
var _ audio.Engine = (*Engine)(nil)

// Engine is a mock implementation of [audio.Engine].
// Set the exported Result fields before use; inspect the CallCount* fields after.
type Engine struct {
	mu  sync.Mutex
	log *CallLog

	InitOutputResult             bool
	AwaitOutputInitializedResult bool
	InitInputResult              bool
	AwaitInputInitializedResult  bool
	StopInputResult              bool
	AwaitInputStoppedResult      bool

	// PullFill is written into every sample of a PullPCM buffer.
	PullFill int16

	CallCountInitOutput             int
	CallCountAwaitOutputInitialized int
	CallCountInitInput              int
	CallCountAwaitInputInitialized  int
	CallCountStopInput              int
	CallCountAwaitInputStopped      int
	CallCountPullPCM                int
	CallCountPushPCM                int
	CallCountShutdown               int

	// InitInputDeviceIDs holds the deviceID argument of each InitInput call.
	InitInputDeviceIDs []int

	// Pushed holds every buffer passed to PushPCM.
	Pushed [][]int16
}

// NewEngine returns an Engine whose primitives all succeed. log may be nil.
func NewEngine(log *CallLog) *Engine {
	return &Engine{
		log:                          log,
		InitOutputResult:             true,
		AwaitOutputInitializedResult: true,
		InitInputResult:              true,
		AwaitInputInitializedResult:  true,
		StopInputResult:              true,
		AwaitInputStoppedResult:      true,
	}
}

// InitOutput implements [audio.Engine].
func (e *Engine) InitOutput(_, _ int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.CallCountInitOutput++
	e.log.Add("InitOutput")
	return e.InitOutputResult
}

// AwaitOutputInitialized implements [audio.Engine].
func (e *Engine) AwaitOutputInitialized() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.CallCountAwaitOutputInitialized++
	e.log.Add("AwaitOutputInitialized")
	return e.AwaitOutputInitializedResult
}

// InitInput implements [audio.Engine].
func (e *Engine) InitInput(_, deviceID, _ int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.CallCountInitInput++
	e.InitInputDeviceIDs = append(e.InitInputDeviceIDs, deviceID)
	e.log.Add("InitInput")
	return e.InitInputResult
}

// AwaitInputInitialized implements [audio.Engine].
func (e *Engine) AwaitInputInitialized() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.CallCountAwaitInputInitialized++
	e.log.Add("AwaitInputInitialized")
	return e.AwaitInputInitializedResult
}

// StopInput implements [audio.Engine].
func (e *Engine) StopInput() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.CallCountStopInput++
	e.log.Add("StopInput")
	return e.StopInputResult
}

// AwaitInputStopped implements [audio.Engine].
func (e *Engine) AwaitInputStopped() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.CallCountAwaitInputStopped++
	e.log.Add("AwaitInputStopped")
	return e.AwaitInputStoppedResult
}

// PullPCM implements [audio.AudioSource]. It fills buf with PullFill.
func (e *Engine) PullPCM(buf []int16) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.CallCountPullPCM++
	for i := range buf {
		buf[i] = e.PullFill
	}
}

// PushPCM implements [audio.AudioSink]. It records a copy of pcm.
func (e *Engine) PushPCM(pcm []int16) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.CallCountPushPCM++
	e.Pushed = append(e.Pushed, append([]int16(nil), pcm...))
}

// Shutdown implements [audio.Engine].
func (e *Engine) Shutdown() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.CallCountShutdown++
	e.log.Add("Shutdown")
}

// Set runs fn with the mock locked, for changing results mid-test.
func (e *Engine) Set(fn func(e *Engine)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(e)
}

// Snapshot runs fn with the mock locked, for reading counters mid-test.
func (e *Engine) Snapshot(fn func(e *Engine)) { e.Set(fn) }

// ─── Gateway ─────────────────────────────────────────────────────────────────

// Gateway is a mock voice gateway client with the method set of
// *discord.Client used by the session controller.
type Gateway struct {
	mu  sync.Mutex
	log *CallLog

	// Channels is returned by DiscoverChannels and consulted by Resolve.
	Channels map[string]discord.ChannelHandle

	DiscoverErr error
	UplinkErr   error
	DownlinkErr error
	StopErr     error
	CloseErr    error

	CallCountDiscoverChannels int
	CallCountResolve          int
	CallCountStartUplink      int
	CallCountStartDownlink    int
	CallCountStop             int
	CallCountClose            int

	// UplinkHandle is the handle passed to the last StartUplink call.
	UplinkHandle discord.ChannelHandle

	// Source and Sink are the callbacks registered by the last calls.
	Source audio.AudioSource
	Sink   audio.AudioSink

	// DownlinkStarted is closed when StartDownlink is first entered.
	DownlinkStarted chan struct{}

	stopped     chan struct{}
	startedOnce sync.Once
	stopOnce    sync.Once
}

// NewGateway returns a Gateway with no channels. log may be nil.
func NewGateway(log *CallLog) *Gateway {
	return &Gateway{
		log:             log,
		Channels:        map[string]discord.ChannelHandle{},
		DownlinkStarted: make(chan struct{}),
		stopped:         make(chan struct{}),
	}
}

// DiscoverChannels returns a copy of Channels, or DiscoverErr.
func (g *Gateway) DiscoverChannels(_ context.Context) (map[string]discord.ChannelHandle, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.CallCountDiscoverChannels++
	g.log.Add("DiscoverChannels")
	if g.DiscoverErr != nil {
		return nil, g.DiscoverErr
	}
	return maps.Clone(g.Channels), nil
}

// Resolve looks label up in Channels.
func (g *Gateway) Resolve(label string) (discord.ChannelHandle, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.CallCountResolve++
	g.log.Add("Resolve")
	h, ok := g.Channels[label]
	if !ok {
		return discord.ChannelHandle{}, &discord.ChannelNotFoundError{Label: label}
	}
	return h, nil
}

// StartUplink records h and src and returns UplinkErr.
func (g *Gateway) StartUplink(_ context.Context, h discord.ChannelHandle, src audio.AudioSource) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.CallCountStartUplink++
	g.log.Add("StartUplink")
	if g.UplinkErr != nil {
		return g.UplinkErr
	}
	g.UplinkHandle = h
	g.Source = src
	return nil
}

// StartDownlink records sink, then blocks until Stop or Close is called or ctx
// is done. A non-nil DownlinkErr is returned immediately instead.
func (g *Gateway) StartDownlink(ctx context.Context, sink audio.AudioSink) error {
	g.mu.Lock()
	g.CallCountStartDownlink++
	g.log.Add("StartDownlink")
	err := g.DownlinkErr
	if err == nil {
		g.Sink = sink
	}
	g.mu.Unlock()
	g.startedOnce.Do(func() { close(g.DownlinkStarted) })

	if err != nil {
		return err
	}
	select {
	case <-g.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop releases a blocked StartDownlink and returns StopErr.
func (g *Gateway) Stop() error {
	g.mu.Lock()
	g.CallCountStop++
	g.log.Add("Stop")
	err := g.StopErr
	g.mu.Unlock()
	g.stopOnce.Do(func() { close(g.stopped) })
	return err
}

// Close releases a blocked StartDownlink and returns CloseErr.
func (g *Gateway) Close() error {
	g.mu.Lock()
	g.CallCountClose++
	g.log.Add("Close")
	err := g.CloseErr
	g.mu.Unlock()
	g.stopOnce.Do(func() { close(g.stopped) })
	return err
}

// Set runs fn with the mock locked, for changing results mid-test.
func (g *Gateway) Set(fn func(g *Gateway)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	fn(g)
}

// Snapshot runs fn with the mock locked, for reading counters mid-test.
func (g *Gateway) Snapshot(fn func(g *Gateway)) { g.Set(fn) }
