package malgo

import (
	"fmt"
	"strings"

	ma "github.com/gen2brain/malgo"

	"github.com/MrWong99/pianobridge/pkg/audio"
)

// Device describes one capture device. ID is its index in the enumeration
// and is what [Engine.InitInput] accepts.
type Device struct {
	ID      int
	Name    string
	Default bool
}

// String implements fmt.Stringer.
func (d Device) String() string {
	if d.Default {
		return fmt.Sprintf("%d: %s (default)", d.ID, d.Name)
	}
	return fmt.Sprintf("%d: %s", d.ID, d.Name)
}

// CaptureDevices lists the capture devices of the engine's backend.
func (e *Engine) CaptureDevices() ([]Device, error) {
	infos, err := e.captureInfos()
	if err != nil {
		return nil, err
	}
	devs := make([]Device, len(infos))
	for i := range infos {
		devs[i] = Device{
			ID:      i,
			Name:    infos[i].Name(),
			Default: infos[i].IsDefault != 0,
		}
	}
	return devs, nil
}

// ResolveInput returns the ID of the first capture device whose name contains
// substr (case-insensitive), or [audio.DeviceDefault] when substr is empty,
// nothing matches, or enumeration fails.
func (e *Engine) ResolveInput(substr string) int {
	if substr == "" {
		return audio.DeviceDefault
	}
	devs, err := e.CaptureDevices()
	if err != nil {
		return audio.DeviceDefault
	}
	return resolveInput(devs, substr)
}

func resolveInput(devs []Device, substr string) int {
	needle := strings.ToLower(substr)
	for _, d := range devs {
		if strings.Contains(strings.ToLower(d.Name), needle) {
			return d.ID
		}
	}
	return audio.DeviceDefault
}

func (e *Engine) captureInfos() ([]ma.DeviceInfo, error) {
	if e.mctx == nil {
		return nil, fmt.Errorf("malgo: engine shut down")
	}
	infos, err := e.mctx.Devices(ma.Capture)
	if err != nil {
		return nil, fmt.Errorf("malgo: enumerate capture devices: %w", err)
	}
	return infos, nil
}

// captureDeviceID maps an enumeration index to a malgo device ID.
func (e *Engine) captureDeviceID(id int) (ma.DeviceID, error) {
	infos, err := e.captureInfos()
	if err != nil {
		return ma.DeviceID{}, err
	}
	if id < 0 || id >= len(infos) {
		return ma.DeviceID{}, fmt.Errorf("malgo: capture device %d out of range (have %d)", id, len(infos))
	}
	return infos[id].ID, nil
}

// Backends maps configuration names to miniaudio backends.
var Backends = map[string]ma.Backend{
	"alsa":       ma.BackendAlsa,
	"pulseaudio": ma.BackendPulseaudio,
	"jack":       ma.BackendJack,
	"oss":        ma.BackendOss,
	"coreaudio":  ma.BackendCoreaudio,
	"wasapi":     ma.BackendWasapi,
	"dsound":     ma.BackendDsound,
	"aaudio":     ma.BackendAaudio,
	"opensl":     ma.BackendOpensl,
	"null":       ma.BackendNull,
}

// ParseBackends converts backend names to miniaudio backends.
func ParseBackends(names []string) ([]ma.Backend, error) {
	out := make([]ma.Backend, 0, len(names))
	for _, n := range names {
		b, ok := Backends[strings.ToLower(n)]
		if !ok {
			return nil, fmt.Errorf("malgo: unknown backend %q", n)
		}
		out = append(out, b)
	}
	return out, nil
}
