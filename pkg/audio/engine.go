// Package audio defines the data model shared by the pianobridge audio path:
// PCM frame sizing, sample conversion helpers, and the interfaces that connect
// a local audio device engine to the remote voice gateway.
//
// The primary abstractions are:
//
//   - [Engine]: the local capture/playback engine. Its primitives report
//     success as a plain bool; callers decide how to surface failures.
//   - [AudioSource]: pulls exactly one PCM frame for the uplink.
//   - [AudioSink]: accepts one decoded PCM frame from the downlink.
//
// Engine implementations live in sub-packages (e.g., audio/malgo). The
// interfaces are intentionally narrow so the session controller can be tested
// with the in-memory doubles from audio/mock.
package audio

import "fmt"

// DeviceDefault is the input device identifier that lets the platform pick
// the capture device on its own.
const DeviceDefault = -1

// AudioSource provides PCM for the uplink direction. PullPCM must fill buf
// completely, zero-padding when fewer samples are available. It is invoked on
// the transport's send path once per frame and must not block beyond a
// bounded buffer read.
type AudioSource interface {
	PullPCM(buf []int16)
}

// AudioSink consumes decoded PCM for the downlink direction. The slice is
// owned by the sink after the call returns.
type AudioSink interface {
	PushPCM(pcm []int16)
}

// SourceFunc adapts a plain function to [AudioSource].
type SourceFunc func(buf []int16)

// PullPCM implements [AudioSource].
func (f SourceFunc) PullPCM(buf []int16) { f(buf) }

// SinkFunc adapts a plain function to [AudioSink].
type SinkFunc func(pcm []int16)

// PushPCM implements [AudioSink].
func (f SinkFunc) PushPCM(pcm []int16) { f(pcm) }

// Engine is the local audio I/O boundary. The Init* and Stop* primitives
// start an asynchronous operation and report whether it was accepted; the
// matching Await* primitive blocks until the operation is confirmed (or
// failed). An Engine also acts as the uplink [AudioSource] (capture queue) and
// the downlink [AudioSink] (playback queue).
//
// Implementations must be safe for concurrent use: the PCM methods are called
// from transport goroutines while the lifecycle primitives run on the
// session's sequencing goroutine.
type Engine interface {
	AudioSource
	AudioSink

	// InitOutput opens and starts the playback path.
	InitOutput(sampleRate, channels int) bool

	// AwaitOutputInitialized blocks until playback is producing output.
	AwaitOutputInitialized() bool

	// InitInput opens and starts the capture path on deviceID, or on the
	// platform's choice when deviceID is [DeviceDefault].
	InitInput(sampleRate, deviceID, channels int) bool

	// AwaitInputInitialized blocks until recording has begun.
	AwaitInputInitialized() bool

	// StopInput requests the capture path to stop.
	StopInput() bool

	// AwaitInputStopped blocks until the capture path is stopped and closed.
	AwaitInputStopped() bool

	// Shutdown releases every device. It is safe to call more than once.
	Shutdown()
}

// LocalEngineError reports that an [Engine] primitive returned false.
type LocalEngineError struct {
	// Op names the failed primitive (e.g., "init output", "await input stopped").
	Op string
}

// Error implements the error interface.
func (e *LocalEngineError) Error() string {
	return fmt.Sprintf("audio: local engine %s failed", e.Op)
}
