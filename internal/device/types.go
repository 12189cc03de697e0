package device

import (
	"context"
	"errors"
	"time"
)

// Kind identifies the class of a capture device.
type Kind string

const (
	// KindVideoInput is a camera-style video source.
	KindVideoInput Kind = "videoinput"
)

// Device describes one capture source. The device set is established
// once at enumeration time and is immutable except for liveness.
type Device struct {
	// ID uniquely identifies the device (e.g. /dev/video0).
	ID string `json:"id"`

	// Label is a human-readable device name.
	Label string `json:"label"`

	// Kind is the device class.
	Kind Kind `json:"kind"`
}

// Enumeration and stream errors. All of these are non-fatal to an
// experiment: callers downgrade to an empty device list or synthetic
// capture and continue.
var (
	ErrPermissionDenied = errors.New("device: permission denied")
	ErrNoDeviceFound    = errors.New("device: no capture device found")
	ErrUnsupported      = errors.New("device: capture not supported on this host")
	ErrStreamEnded      = errors.New("device: stream ended")
)

// Frame is one decoded RGB frame pulled from a live stream.
type Frame struct {
	Width      int
	Height     int
	Data       []byte // packed RGB, 3 bytes per pixel
	CapturedAt time.Time
}

// StreamConfig is the negotiated stream geometry. Width and Height are
// the preferred values; a backend may deliver a different resolution.
type StreamConfig struct {
	Width  int
	Height int
}

// Stream is one open capture stream. Exclusively owned by the role
// that opened it; never shared between roles.
type Stream interface {
	// Frame returns the most recent decoded frame, waiting up to the
	// context deadline for one to arrive. Returns ErrStreamEnded once
	// the stream has terminated.
	Frame(ctx context.Context) (*Frame, error)

	// Alive reports whether the stream is still delivering frames.
	Alive() bool

	// Dimensions returns the negotiated width and height, which may be
	// zero until the first frame arrives.
	Dimensions() (width, height int)

	// Close stops the stream and releases the hardware. Idempotent.
	Close() error
}

// Backend provides device enumeration and stream acquisition.
type Backend interface {
	// RequestAccess acquires a transient capture grant. The grant is
	// only held for the duration of enumeration.
	RequestAccess(ctx context.Context) error

	// ListDevices enumerates available capture devices.
	ListDevices(ctx context.Context) ([]Device, error)

	// Open acquires a live stream from the given device. Opening a
	// device that is already open elsewhere produces an independent
	// stream handle.
	Open(ctx context.Context, deviceID string, cfg StreamConfig) (Stream, error)
}
