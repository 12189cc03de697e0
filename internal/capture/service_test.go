package capture

import (
	"bytes"
	"context"
	"image/jpeg"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ipfsnut/nstplusd/internal/device"
	"github.com/ipfsnut/nstplusd/internal/stream"
)

func newStreams(t *testing.T, backend device.Backend) *stream.Manager {
	t.Helper()
	m, err := stream.NewManager(&stream.Config{
		Width:          640,
		Height:         480,
		HealthInterval: time.Second,
		RestartDelays:  []time.Duration{time.Millisecond},
	}, backend, zaptest.NewLogger(t))
	require.NoError(t, err)
	return m
}

func newService(t *testing.T, streams *stream.Manager) *Service {
	t.Helper()
	cfg := DefaultConfig()
	cfg.FrameTimeout = 100 * time.Millisecond
	s, err := NewService(cfg, streams, zaptest.NewLogger(t))
	require.NoError(t, err)
	return s
}

func TestNewService_RequiresStreams(t *testing.T) {
	_, err := NewService(nil, nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stream manager is required")
}

func TestCapture_LiveStream(t *testing.T) {
	backend := device.NewMockBackend(device.Device{ID: "cam0", Kind: device.KindVideoInput})
	streams := newStreams(t, backend)
	_, err := streams.Attach(context.Background(), stream.RoleMain, "cam0")
	require.NoError(t, err)

	svc := newService(t, streams)
	art := svc.Capture(context.Background(), stream.RoleMain)

	require.NotNil(t, art)
	assert.False(t, art.IsSynthetic)
	assert.Equal(t, "cam0", art.SourceID)
	assert.NotEmpty(t, art.ID)

	img, err := jpeg.Decode(bytes.NewReader(art.Image))
	require.NoError(t, err)
	assert.Equal(t, 640, img.Bounds().Dx())
	assert.Equal(t, 480, img.Bounds().Dy())
}

func TestCapture_ReturnsPromptlyOnLiveStream(t *testing.T) {
	backend := device.NewMockBackend(device.Device{ID: "cam0", Kind: device.KindVideoInput})
	streams := newStreams(t, backend)
	_, err := streams.Attach(context.Background(), stream.RoleMain, "cam0")
	require.NoError(t, err)

	svc := newService(t, streams)

	// Capture holds the role lock for its whole duration; it must not
	// call back into the manager for the same role while it does.
	done := make(chan *Artifact, 1)
	go func() {
		done <- svc.Capture(context.Background(), stream.RoleMain)
	}()

	select {
	case art := <-done:
		require.NotNil(t, art)
		assert.Equal(t, "cam0", art.SourceID)
	case <-time.After(2 * time.Second):
		t.Fatal("capture did not complete on a healthy live stream")
	}

	// The role lock is released afterwards.
	h, err := streams.Handle(stream.RoleMain)
	require.NoError(t, err)
	assert.Equal(t, stream.StateLive, h.State)
}

func TestCapture_NotAttachedYieldsNil(t *testing.T) {
	streams := newStreams(t, device.NewMockBackend())
	svc := newService(t, streams)

	assert.Nil(t, svc.Capture(context.Background(), stream.RoleMain))
}

func TestCapture_EndedStreamYieldsNil(t *testing.T) {
	backend := device.NewMockBackend(device.Device{ID: "cam0", Kind: device.KindVideoInput})
	streams := newStreams(t, backend)
	_, err := streams.Attach(context.Background(), stream.RoleMain, "cam0")
	require.NoError(t, err)
	backend.Opened()[0].End()

	svc := newService(t, streams)
	assert.Nil(t, svc.Capture(context.Background(), stream.RoleMain))
}

func TestCaptureSynthetic_Marked(t *testing.T) {
	streams := newStreams(t, device.NewMockBackend())
	svc := newService(t, streams)

	art := svc.CaptureSynthetic(stream.RoleSecondary, "equipment view")
	require.NotNil(t, art)
	assert.True(t, art.IsSynthetic)
	assert.Empty(t, art.SourceID)

	img, err := jpeg.Decode(bytes.NewReader(art.Image))
	require.NoError(t, err)
	assert.Equal(t, 640, img.Bounds().Dx())
	assert.Equal(t, 480, img.Bounds().Dy())
}

func TestCaptureBoth_ZeroDevices(t *testing.T) {
	streams := newStreams(t, device.NewMockBackend())
	svc := newService(t, streams)

	pair := svc.CaptureBoth(context.Background(), "participant", "equipment")

	require.NotNil(t, pair.Main)
	require.NotNil(t, pair.Secondary)
	assert.True(t, pair.Main.IsSynthetic)
	assert.True(t, pair.Secondary.IsSynthetic)
}

func TestCaptureBoth_OneDevice(t *testing.T) {
	backend := device.NewMockBackend(device.Device{ID: "cam0", Kind: device.KindVideoInput})
	streams := newStreams(t, backend)
	// A sole device is always bound to main.
	_, err := streams.Attach(context.Background(), stream.RoleMain, "cam0")
	require.NoError(t, err)

	svc := newService(t, streams)
	pair := svc.CaptureBoth(context.Background(), "participant", "equipment")

	require.NotNil(t, pair.Main)
	require.NotNil(t, pair.Secondary)
	assert.False(t, pair.Main.IsSynthetic)
	assert.True(t, pair.Secondary.IsSynthetic)
}

func TestCaptureBoth_BothLive(t *testing.T) {
	backend := device.NewMockBackend(
		device.Device{ID: "cam0", Kind: device.KindVideoInput},
		device.Device{ID: "cam1", Kind: device.KindVideoInput},
	)
	streams := newStreams(t, backend)
	_, err := streams.Attach(context.Background(), stream.RoleMain, "cam0")
	require.NoError(t, err)
	_, err = streams.Attach(context.Background(), stream.RoleSecondary, "cam1")
	require.NoError(t, err)

	svc := newService(t, streams)
	pair := svc.CaptureBoth(context.Background(), "participant", "equipment")

	require.NotNil(t, pair.Main)
	require.NotNil(t, pair.Secondary)
	assert.False(t, pair.Main.IsSynthetic)
	assert.False(t, pair.Secondary.IsSynthetic)
}

func TestRenderPlaceholder_Deterministic(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	a := renderPlaceholder(320, 240, "label", at)
	b := renderPlaceholder(320, 240, "label", at)
	assert.Equal(t, a.Pix, b.Pix)

	c := renderPlaceholder(320, 240, "other", at)
	assert.NotEqual(t, a.Pix, c.Pix)
}
