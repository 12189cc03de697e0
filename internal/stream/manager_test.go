package stream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ipfsnut/nstplusd/internal/device"
)

func testConfig() *Config {
	return &Config{
		Width:          640,
		Height:         480,
		HealthInterval: 10 * time.Millisecond,
		RestartDelays:  []time.Duration{5 * time.Millisecond, 5 * time.Millisecond},
	}
}

func twoCameraBackend() *device.MockBackend {
	return device.NewMockBackend(
		device.Device{ID: "/dev/video0", Label: "video0", Kind: device.KindVideoInput},
		device.Device{ID: "/dev/video2", Label: "video2", Kind: device.KindVideoInput},
	)
}

func TestNewManager_RequiresBackend(t *testing.T) {
	_, err := NewManager(nil, nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backend is required")
}

func TestEnumerateDevices(t *testing.T) {
	backend := twoCameraBackend()
	m, err := NewManager(testConfig(), backend, zaptest.NewLogger(t))
	require.NoError(t, err)

	devices, err := m.EnumerateDevices(context.Background())
	require.NoError(t, err)
	assert.Len(t, devices, 2)
}

func TestEnumerateDevices_FailureIsNonFatal(t *testing.T) {
	backend := device.NewMockBackend()
	backend.AccessErr = device.ErrPermissionDenied
	m, err := NewManager(testConfig(), backend, zaptest.NewLogger(t))
	require.NoError(t, err)

	devices, err := m.EnumerateDevices(context.Background())
	assert.ErrorIs(t, err, device.ErrPermissionDenied)
	assert.Empty(t, devices)

	// Manager stays usable after a denied enumeration.
	_, err = m.Handle(RoleMain)
	require.NoError(t, err)
}

func TestAttach_TransitionsToLive(t *testing.T) {
	m, err := NewManager(testConfig(), twoCameraBackend(), zaptest.NewLogger(t))
	require.NoError(t, err)

	h, err := m.Attach(context.Background(), RoleMain, "/dev/video0")
	require.NoError(t, err)
	assert.Equal(t, StateLive, h.State)
	assert.Equal(t, "/dev/video0", h.DeviceID)
}

func TestAttach_ReattachClosesPrevious(t *testing.T) {
	backend := twoCameraBackend()
	m, err := NewManager(testConfig(), backend, zaptest.NewLogger(t))
	require.NoError(t, err)

	_, err = m.Attach(context.Background(), RoleMain, "/dev/video0")
	require.NoError(t, err)
	_, err = m.Attach(context.Background(), RoleMain, "/dev/video0")
	require.NoError(t, err)

	opened := backend.Opened()
	require.Len(t, opened, 2)
	assert.True(t, opened[0].Closed())
	assert.False(t, opened[1].Closed())
}

func TestAttach_UnknownDevice(t *testing.T) {
	m, err := NewManager(testConfig(), twoCameraBackend(), zaptest.NewLogger(t))
	require.NoError(t, err)

	_, err = m.Attach(context.Background(), RoleMain, "/dev/video9")
	require.Error(t, err)

	h, err := m.Handle(RoleMain)
	require.NoError(t, err)
	assert.Equal(t, StateInactive, h.State)
}

func TestDetach_ReleasesHandle(t *testing.T) {
	backend := twoCameraBackend()
	m, err := NewManager(testConfig(), backend, zaptest.NewLogger(t))
	require.NoError(t, err)

	var detached []Role
	var mu sync.Mutex
	m.SetListener(Listener{
		Detached: func(role Role) {
			mu.Lock()
			detached = append(detached, role)
			mu.Unlock()
		},
	})

	_, err = m.Attach(context.Background(), RoleMain, "/dev/video0")
	require.NoError(t, err)
	require.NoError(t, m.Detach(RoleMain))

	h, err := m.Handle(RoleMain)
	require.NoError(t, err)
	assert.Equal(t, StateInactive, h.State)
	assert.Empty(t, h.DeviceID)
	assert.True(t, backend.Opened()[0].Closed())

	// Idempotent: second detach fires no extra event.
	require.NoError(t, m.Detach(RoleMain))
	mu.Lock()
	assert.Equal(t, []Role{RoleMain}, detached)
	mu.Unlock()
}

func TestHealthCheck(t *testing.T) {
	backend := twoCameraBackend()
	m, err := NewManager(testConfig(), backend, zaptest.NewLogger(t))
	require.NoError(t, err)

	assert.False(t, m.HealthCheck(RoleMain).Alive)

	_, err = m.Attach(context.Background(), RoleMain, "/dev/video0")
	require.NoError(t, err)
	assert.True(t, m.HealthCheck(RoleMain).Alive)

	backend.Opened()[0].End()
	assert.False(t, m.HealthCheck(RoleMain).Alive)
}

func TestAcquire_SerializesAgainstRestart(t *testing.T) {
	backend := twoCameraBackend()
	m, err := NewManager(testConfig(), backend, zaptest.NewLogger(t))
	require.NoError(t, err)

	_, err = m.Attach(context.Background(), RoleMain, "/dev/video0")
	require.NoError(t, err)

	s, h, release, err := m.Acquire(RoleMain)
	require.NoError(t, err)
	require.NotNil(t, s)

	// The snapshot arrives with the stream so a capture never has to
	// call back into the manager while it holds the role.
	assert.Equal(t, "/dev/video0", h.DeviceID)
	assert.Equal(t, StateLive, h.State)
	release()

	_, _, _, err = m.Acquire(RoleSecondary)
	assert.ErrorIs(t, err, ErrNotAttached)
}

func TestRestart_BoundedAttemptsThenPersistentFailure(t *testing.T) {
	backend := twoCameraBackend()
	m, err := NewManager(testConfig(), backend, zaptest.NewLogger(t))
	require.NoError(t, err)

	failed := make(chan Role, 1)
	m.SetListener(Listener{
		PersistentFailure: func(role Role, err error) {
			failed <- role
		},
	})

	_, err = m.Attach(context.Background(), RoleMain, "/dev/video0")
	require.NoError(t, err)
	callsAfterAttach := backend.OpenCalls()

	m.Start(context.Background())
	defer m.Teardown()

	// Kill the live stream and make every reopen fail.
	backend.SetOpenErr(errors.New("device unplugged"))
	backend.Opened()[0].End()

	select {
	case role := <-failed:
		assert.Equal(t, RoleMain, role)
	case <-time.After(2 * time.Second):
		t.Fatal("persistent failure never signalled")
	}

	// Exactly two automatic restart attempts, no restart loop.
	assert.Equal(t, callsAfterAttach+2, backend.OpenCalls())

	h, err := m.Handle(RoleMain)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, h.State)

	// No further attempts after the failure signal.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, callsAfterAttach+2, backend.OpenCalls())
}

func TestRestart_RecoversWhenDeviceReturns(t *testing.T) {
	backend := twoCameraBackend()
	m, err := NewManager(testConfig(), backend, zaptest.NewLogger(t))
	require.NoError(t, err)

	_, err = m.Attach(context.Background(), RoleMain, "/dev/video0")
	require.NoError(t, err)

	m.Start(context.Background())
	defer m.Teardown()

	backend.Opened()[0].End()

	require.Eventually(t, func() bool {
		h, err := m.Handle(RoleMain)
		return err == nil && h.State == StateLive && m.HealthCheck(RoleMain).Alive
	}, 2*time.Second, 10*time.Millisecond)
}

func TestTeardown_DetachesAllRoles(t *testing.T) {
	backend := twoCameraBackend()
	m, err := NewManager(testConfig(), backend, zaptest.NewLogger(t))
	require.NoError(t, err)

	_, err = m.Attach(context.Background(), RoleMain, "/dev/video0")
	require.NoError(t, err)
	_, err = m.Attach(context.Background(), RoleSecondary, "/dev/video2")
	require.NoError(t, err)

	m.Start(context.Background())
	m.Teardown()

	for _, s := range backend.Opened() {
		assert.True(t, s.Closed())
	}
}

func TestTeardown_WhileTickerFiring(t *testing.T) {
	// Teardown clears m.ticker before the health goroutine has
	// necessarily observed cancellation; the goroutine must keep its
	// own ticker reference or this dereferences nil.
	for i := 0; i < 20; i++ {
		backend := twoCameraBackend()
		cfg := testConfig()
		cfg.HealthInterval = time.Millisecond
		m, err := NewManager(cfg, backend, zaptest.NewLogger(t))
		require.NoError(t, err)

		_, err = m.Attach(context.Background(), RoleMain, "/dev/video0")
		require.NoError(t, err)

		m.Start(context.Background())
		time.Sleep(2 * time.Millisecond)
		m.Teardown()
	}
}
