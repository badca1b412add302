package session

import (
	"maps"
	"slices"

	"github.com/MrWong99/pianobridge/pkg/audio/discord"
)

// Kind enumerates the controller states.
type Kind int

const (
	KindIdle Kind = iota
	KindConnecting
	KindReady
	KindRunning
	KindStopped
)

// String returns the lower-case state name.
func (k Kind) String() string {
	switch k {
	case KindIdle:
		return "idle"
	case KindConnecting:
		return "connecting"
	case KindReady:
		return "ready"
	case KindRunning:
		return "running"
	case KindStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// State is the controller's current state. The concrete types carry only the
// data that is valid in that state: [Idle], [Connecting], [Ready], [Running]
// and [Stopped].
type State interface {
	Kind() Kind
	isState()
}

// Idle waits for credentials. Err holds the reason the last connection
// attempt failed, if any.
type Idle struct {
	Err error
}

// Connecting is the login handshake in progress.
type Connecting struct{}

// Ready holds a connected gateway and its discovered channels.
type Ready struct {
	Gateway  Gateway
	Channels map[string]discord.ChannelHandle

	// mediaOpen and inputOpen record what an aborted startup left running,
	// so the next attempt can release it first.
	mediaOpen bool
	inputOpen bool
}

// Running relays audio to and from Label using capture device InputID.
type Running struct {
	Gateway  Gateway
	Channels map[string]discord.ChannelHandle
	Label    string
	InputID  int
}

// Stopped is terminal. A new controller is needed to connect again.
type Stopped struct {
	// gateway stays connected until Quit closes it.
	gateway Gateway
}

func (Idle) Kind() Kind       { return KindIdle }
func (Connecting) Kind() Kind { return KindConnecting }
func (Ready) Kind() Kind      { return KindReady }
func (Running) Kind() Kind    { return KindRunning }
func (Stopped) Kind() Kind    { return KindStopped }

func (Idle) isState()       {}
func (Connecting) isState() {}
func (Ready) isState()      {}
func (Running) isState()    {}
func (Stopped) isState()    {}

// sortedLabels returns the keys of m in lexical order.
func sortedLabels(m map[string]discord.ChannelHandle) []string {
	return slices.Sorted(maps.Keys(m))
}
