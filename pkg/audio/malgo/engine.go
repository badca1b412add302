// Package malgo implements [audio.Engine] on top of miniaudio via
// gen2brain/malgo. It owns one playback and at most one capture device, and
// decouples their callbacks from the voice relay through bounded sample
// queues:
//
//	capture callback ──► uplink queue ──► PullPCM (voice uplink)
//	                 └─► loopback queue ─┐
//	PushPCM (voice downlink) ──► downlink queue ──┴─► playback callback (mixed)
//
// Device start and stop are asynchronous; the Await* methods block until the
// device has delivered its first callback or finished stopping, bounded by
// [Config.AwaitTimeout].
package malgo

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	ma "github.com/gen2brain/malgo"

	"github.com/MrWong99/pianobridge/pkg/audio"
)

// Compile-time interface assertion.
var _ audio.Engine = (*Engine)(nil)

const (
	// DefaultAwaitTimeout bounds Await* calls when Config.AwaitTimeout is zero.
	DefaultAwaitTimeout = 2 * time.Second

	// DefaultMaxQueue bounds each queue when Config.MaxQueue is zero.
	DefaultMaxQueue = 500 * time.Millisecond
)

// Config configures an [Engine].
type Config struct {
	// Backends restricts miniaudio to the listed backends, in priority
	// order. Empty lets miniaudio choose.
	Backends []ma.Backend

	// AwaitTimeout bounds each Await* call.
	AwaitTimeout time.Duration

	// MaxQueue is the most audio any queue may buffer before the oldest
	// samples are dropped.
	MaxQueue time.Duration

	// Monitor mixes captured audio into local playback.
	Monitor bool
}

// signal is a one-shot event that can be fired from a device callback.
type signal struct {
	ch   chan struct{}
	once sync.Once
}

func newSignal() *signal { return &signal{ch: make(chan struct{})} }

func (s *signal) fire() { s.once.Do(func() { close(s.ch) }) }

// wait blocks until s fires or timeout elapses.
func (s *signal) wait(timeout time.Duration) bool {
	if s == nil {
		return false
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-s.ch:
		return true
	case <-t.C:
		return false
	}
}

// Engine is a miniaudio-backed local audio engine.
//
// Engine is safe for concurrent use.
type Engine struct {
	cfg     Config
	mctx    *ma.AllocatedContext
	monitor atomic.Bool

	uplink   *Queue
	loopback *Queue
	downlink *Queue

	mu         sync.Mutex
	out        *ma.Device
	in         *ma.Device
	outStarted *signal
	inStarted  *signal
	inStopped  *signal
	shutdown   bool

	shutdownOnce sync.Once

	// Playback callback scratch, touched only by the playback thread.
	mixBuf []int16
	monBuf []int16

	// Capture callback scratch, touched only by the capture thread.
	capBuf []int16
}

// New initialises a miniaudio context. Devices are opened later by
// [Engine.InitOutput] and [Engine.InitInput].
func New(cfg Config) (*Engine, error) {
	e := newEngine(cfg)
	mctx, err := ma.InitContext(cfg.Backends, ma.ContextConfig{}, func(msg string) {
		slog.Debug("malgo: backend", "msg", strings.TrimSpace(msg))
	})
	if err != nil {
		return nil, fmt.Errorf("malgo: init context: %w", err)
	}
	e.mctx = mctx
	return e, nil
}

// newEngine builds an Engine without a miniaudio context.
func newEngine(cfg Config) *Engine {
	if cfg.AwaitTimeout <= 0 {
		cfg.AwaitTimeout = DefaultAwaitTimeout
	}
	if cfg.MaxQueue <= 0 {
		cfg.MaxQueue = DefaultMaxQueue
	}
	e := &Engine{
		cfg:      cfg,
		uplink:   NewQueue(0),
		loopback: NewQueue(0),
		downlink: NewQueue(0),
	}
	e.monitor.Store(cfg.Monitor)
	return e
}

// SetMonitor switches loopback monitoring on a running engine.
func (e *Engine) SetMonitor(on bool) {
	if e.monitor.Swap(on) == on {
		return
	}
	if !on {
		e.loopback.Reset()
	}
	slog.Info("malgo: monitor switched", "enabled", on)
}

// queueLimit converts MaxQueue to a sample count.
func (e *Engine) queueLimit(sampleRate, channels int) int {
	return int(int64(sampleRate) * int64(channels) * int64(e.cfg.MaxQueue) / int64(time.Second))
}

// InitOutput opens and starts the playback device.
func (e *Engine) InitOutput(sampleRate, channels int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.shutdown || e.mctx == nil {
		slog.Error("malgo: init output on closed engine")
		return false
	}
	if e.out != nil {
		e.out.Uninit()
		e.out = nil
	}

	dc := ma.DefaultDeviceConfig(ma.Playback)
	dc.SampleRate = uint32(sampleRate)
	dc.PeriodSizeInFrames = uint32(audio.FrameSize(sampleRate))
	dc.Playback.Format = ma.FormatS16
	dc.Playback.Channels = uint32(channels)
	dc.Alsa.NoMMap = 1

	started := newSignal()
	dev, err := ma.InitDevice(e.mctx.Context, dc, ma.DeviceCallbacks{
		Data: func(out, _ []byte, _ uint32) {
			e.fillPlayback(out)
			started.fire()
		},
	})
	if err != nil {
		slog.Error("malgo: init playback device", "sample_rate", sampleRate, "channels", channels, "err", err)
		return false
	}
	if int(dev.SampleRate()) != sampleRate || int(dev.PlaybackChannels()) != channels {
		slog.Error("malgo: playback device mismatch",
			"want_rate", sampleRate, "got_rate", dev.SampleRate(),
			"want_channels", channels, "got_channels", dev.PlaybackChannels())
		dev.Uninit()
		return false
	}

	limit := e.queueLimit(sampleRate, channels)
	e.downlink.SetLimit(limit)
	e.loopback.SetLimit(limit)

	if err := dev.Start(); err != nil {
		slog.Error("malgo: start playback device", "err", err)
		dev.Uninit()
		return false
	}
	e.out = dev
	e.outStarted = started
	slog.Info("malgo: playback started", "sample_rate", sampleRate, "channels", channels)
	return true
}

// AwaitOutputInitialized blocks until the playback device has requested its
// first buffer.
func (e *Engine) AwaitOutputInitialized() bool {
	e.mu.Lock()
	s := e.outStarted
	e.mu.Unlock()
	return s.wait(e.cfg.AwaitTimeout)
}

// InitInput opens and starts the capture device identified by deviceID, or the
// backend default for [audio.DeviceDefault]. It fails while another capture
// device is open.
func (e *Engine) InitInput(sampleRate, deviceID, channels int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.shutdown || e.mctx == nil {
		slog.Error("malgo: init input on closed engine")
		return false
	}
	if e.in != nil {
		slog.Error("malgo: capture device already open")
		return false
	}
	// A previous stop may still be closing the device.
	if e.inStopped != nil && !e.inStopped.wait(e.cfg.AwaitTimeout) {
		slog.Error("malgo: previous capture device did not close")
		return false
	}

	dc := ma.DefaultDeviceConfig(ma.Capture)
	dc.SampleRate = uint32(sampleRate)
	dc.PeriodSizeInFrames = uint32(audio.FrameSize(sampleRate))
	dc.Capture.Format = ma.FormatS16
	dc.Capture.Channels = uint32(channels)
	dc.Alsa.NoMMap = 1
	if deviceID != audio.DeviceDefault {
		id, err := e.captureDeviceID(deviceID)
		if err != nil {
			slog.Error("malgo: resolve capture device", "device_id", deviceID, "err", err)
			return false
		}
		dc.Capture.DeviceID = id.Pointer()
	}

	started := newSignal()
	dev, err := ma.InitDevice(e.mctx.Context, dc, ma.DeviceCallbacks{
		Data: func(_, in []byte, _ uint32) {
			e.onCapture(in)
			started.fire()
		},
	})
	if err != nil {
		slog.Error("malgo: init capture device", "device_id", deviceID, "err", err)
		return false
	}
	if int(dev.SampleRate()) != sampleRate || int(dev.CaptureChannels()) != channels {
		slog.Error("malgo: capture device mismatch",
			"want_rate", sampleRate, "got_rate", dev.SampleRate(),
			"want_channels", channels, "got_channels", dev.CaptureChannels())
		dev.Uninit()
		return false
	}

	e.uplink.SetLimit(e.queueLimit(sampleRate, channels))

	if err := dev.Start(); err != nil {
		slog.Error("malgo: start capture device", "device_id", deviceID, "err", err)
		dev.Uninit()
		return false
	}
	e.in = dev
	e.inStarted = started
	e.inStopped = nil
	slog.Info("malgo: capture started", "device_id", deviceID, "sample_rate", sampleRate, "channels", channels)
	return true
}

// AwaitInputInitialized blocks until the capture device has delivered its
// first buffer.
func (e *Engine) AwaitInputInitialized() bool {
	e.mu.Lock()
	s := e.inStarted
	e.mu.Unlock()
	return s.wait(e.cfg.AwaitTimeout)
}

// StopInput begins closing the capture device. Stopping with no device open
// succeeds immediately.
func (e *Engine) StopInput() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	stopped := newSignal()
	e.inStopped = stopped
	e.inStarted = nil

	dev := e.in
	e.in = nil
	if dev == nil {
		stopped.fire()
		return true
	}

	go func() {
		if err := dev.Stop(); err != nil {
			slog.Warn("malgo: stop capture device", "err", err)
		}
		dev.Uninit()
		e.loopback.Reset()
		stopped.fire()
		slog.Info("malgo: capture stopped")
	}()
	return true
}

// AwaitInputStopped blocks until the capture device is closed.
func (e *Engine) AwaitInputStopped() bool {
	e.mu.Lock()
	s := e.inStopped
	e.mu.Unlock()
	if s == nil {
		// Nothing was ever stopped, so nothing is pending.
		return true
	}
	return s.wait(e.cfg.AwaitTimeout)
}

// PullPCM implements [audio.AudioSource] by draining the uplink queue.
func (e *Engine) PullPCM(buf []int16) {
	e.uplink.Dequeue(buf)
}

// PushPCM implements [audio.AudioSink] by feeding the playback queue.
func (e *Engine) PushPCM(pcm []int16) {
	e.downlink.Enqueue(pcm)
}

// Shutdown closes every device and the miniaudio context.
func (e *Engine) Shutdown() {
	e.shutdownOnce.Do(func() {
		e.mu.Lock()
		in, out := e.in, e.out
		pending := e.inStopped
		e.in, e.out = nil, nil
		e.shutdown = true
		e.mu.Unlock()

		if pending != nil {
			pending.wait(e.cfg.AwaitTimeout)
		}
		if in != nil {
			_ = in.Stop()
			in.Uninit()
		}
		if out != nil {
			_ = out.Stop()
			out.Uninit()
		}
		if e.mctx != nil {
			if err := e.mctx.Uninit(); err != nil {
				slog.Warn("malgo: uninit context", "err", err)
			}
			e.mctx.Free()
		}
		slog.Info("malgo: engine shut down")
	})
}

// fillPlayback writes the mix of downlink and monitor audio into out.
func (e *Engine) fillPlayback(out []byte) {
	n := len(out) / 2
	if cap(e.mixBuf) < n {
		e.mixBuf = make([]int16, n)
		e.monBuf = make([]int16, n)
	}
	mix := e.mixBuf[:n]
	e.downlink.Dequeue(mix)
	if e.monitor.Load() {
		mon := e.monBuf[:n]
		if e.loopback.Dequeue(mon) > 0 {
			audio.MixInto(mix, mon)
		}
	}
	audio.PutInt16s(out, mix)
}

// onCapture queues one captured buffer for the uplink and the monitor.
func (e *Engine) onCapture(in []byte) {
	n := len(in) / 2
	if cap(e.capBuf) < n {
		e.capBuf = make([]int16, n)
	}
	pcm := e.capBuf[:n]
	audio.ReadInt16s(pcm, in)
	e.uplink.Enqueue(pcm)
	if e.monitor.Load() {
		e.loopback.Enqueue(pcm)
	}
}
