package discord

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned by media operations when no voice channel
	// has been joined, or after the client was closed.
	ErrNotConnected = errors.New("discord: not connected")

	// ErrUplinkActive is returned by [Client.StartUplink] when a media path
	// already exists. Call [Client.Stop] first.
	ErrUplinkActive = errors.New("discord: uplink already active")

	// ErrDownlinkActive is returned by [Client.StartDownlink] when a consumer
	// is already registered on the current media path.
	ErrDownlinkActive = errors.New("discord: downlink already active")

	// ErrReadyTimeout is wrapped in a [ConnectError] when the gateway never
	// reports readiness within the configured timeout.
	ErrReadyTimeout = errors.New("discord: timed out waiting for ready")
)

// ConnectError reports a failed login, readiness wait, or voice handshake.
// It is not retried automatically.
type ConnectError struct {
	// Op is the phase that failed ("open", "await ready", "join voice", ...).
	Op  string
	Err error
}

// Error implements the error interface.
func (e *ConnectError) Error() string {
	return fmt.Sprintf("discord: connect: %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying cause.
func (e *ConnectError) Unwrap() error { return e.Err }

// ChannelNotFoundError is returned when a label no longer maps to a voice
// channel.
type ChannelNotFoundError struct {
	Label string
}

// Error implements the error interface.
func (e *ChannelNotFoundError) Error() string {
	return fmt.Sprintf("discord: channel %q not found", e.Label)
}
