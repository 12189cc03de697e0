package device

import (
	"context"
	"sync"
	"time"
)

// MockBackend is a scriptable in-memory Backend for tests and for
// hosts with no capture hardware.
type MockBackend struct {
	mu sync.Mutex

	// Devices is the device list returned by ListDevices.
	Devices []Device

	// AccessErr, if set, is returned by RequestAccess.
	AccessErr error

	// ListErr, if set, is returned by ListDevices.
	ListErr error

	// OpenErr, if set, is returned by Open.
	OpenErr error

	opened    []*MockStream
	openCalls int
}

// NewMockBackend creates a backend exposing the given devices.
func NewMockBackend(devices ...Device) *MockBackend {
	return &MockBackend{Devices: devices}
}

func (b *MockBackend) RequestAccess(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.AccessErr != nil {
		return b.AccessErr
	}
	if len(b.Devices) == 0 {
		return ErrNoDeviceFound
	}
	return nil
}

func (b *MockBackend) ListDevices(_ context.Context) ([]Device, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ListErr != nil {
		return nil, b.ListErr
	}
	if len(b.Devices) == 0 {
		return nil, ErrNoDeviceFound
	}
	out := make([]Device, len(b.Devices))
	copy(out, b.Devices)
	return out, nil
}

func (b *MockBackend) Open(_ context.Context, deviceID string, cfg StreamConfig) (Stream, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.openCalls++
	if b.OpenErr != nil {
		return nil, b.OpenErr
	}
	found := false
	for _, d := range b.Devices {
		if d.ID == deviceID {
			found = true
			break
		}
	}
	if !found {
		return nil, ErrNoDeviceFound
	}
	s := NewMockStream(deviceID, cfg.Width, cfg.Height)
	b.opened = append(b.opened, s)
	return s, nil
}

// SetOpenErr scripts the error returned by subsequent Open calls.
func (b *MockBackend) SetOpenErr(err error) {
	b.mu.Lock()
	b.OpenErr = err
	b.mu.Unlock()
}

// OpenCalls returns how many times Open has been invoked, counting
// failed attempts.
func (b *MockBackend) OpenCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.openCalls
}

// Opened returns every stream this backend has handed out, in order.
func (b *MockBackend) Opened() []*MockStream {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*MockStream, len(b.opened))
	copy(out, b.opened)
	return out
}

// MockStream is a Stream whose liveness and frames are controlled by
// the test.
type MockStream struct {
	mu sync.Mutex

	deviceID string
	width    int
	height   int
	latest   *Frame
	ended    bool
	closed   bool
}

// NewMockStream creates a live mock stream pre-loaded with one solid
// gray frame at the given geometry.
func NewMockStream(deviceID string, width, height int) *MockStream {
	data := make([]byte, width*height*3)
	for i := range data {
		data[i] = 0x7f
	}
	return &MockStream{
		deviceID: deviceID,
		width:    width,
		height:   height,
		latest: &Frame{
			Width:      width,
			Height:     height,
			Data:       data,
			CapturedAt: time.Now(),
		},
	}
}

// End simulates the live track ending (hardware unplugged, etc.).
func (s *MockStream) End() {
	s.mu.Lock()
	s.ended = true
	s.mu.Unlock()
}

// SetFrame replaces the latest frame.
func (s *MockStream) SetFrame(f *Frame) {
	s.mu.Lock()
	s.latest = f
	s.mu.Unlock()
}

// Closed reports whether Close has been called.
func (s *MockStream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *MockStream) Frame(ctx context.Context) (*Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended || s.closed {
		return nil, ErrStreamEnded
	}
	return s.latest, nil
}

func (s *MockStream) Alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.ended && !s.closed
}

func (s *MockStream) Dimensions() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.width, s.height
}

func (s *MockStream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
