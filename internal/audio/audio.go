// Package audio abstracts microphone capture devices. Backends deliver fixed
// format 16-bit little-endian PCM through a DataCallback invoked from the
// device's own thread.
package audio

import "errors"

// ErrDeviceStopped is reported through a DataCallback when the backend stops
// delivering audio without being asked to.
var ErrDeviceStopped = errors.New("capture device stopped unexpectedly")

// DataCallback receives one hardware block. status is non-nil when the backend
// reports a condition such as an overflow; data may be empty in that case.
// Implementations must return promptly.
type DataCallback func(data []byte, frameCount uint32, status error)

type CaptureConfig struct {
	SampleRate uint32
	Channels   uint32
	BlockSize  uint32 // frames per callback
}

type DeviceInfo struct {
	ID   string // opaque platform-specific identifier
	Name string
}

type Context interface {
	Devices() ([]DeviceInfo, error)
	NewCapture(device *DeviceInfo, config CaptureConfig, callback DataCallback) (CaptureDevice, error)
	Close()
}

type CaptureDevice interface {
	Start() error
	Stop()
	Close()
}

// FindDevice returns the device with the given id, or nil when id is empty so
// the backend picks its default input.
func FindDevice(ctx Context, id string) (*DeviceInfo, error) {
	if id == "" {
		return nil, nil
	}
	devices, err := ctx.Devices()
	if err != nil {
		return nil, err
	}
	for i := range devices {
		if devices[i].ID == id || devices[i].Name == id {
			return &devices[i], nil
		}
	}
	return nil, errors.New("capture device not found: " + id)
}
