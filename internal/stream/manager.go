package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/ipfsnut/nstplusd/internal/device"
	"github.com/ipfsnut/nstplusd/internal/retry"
)

const instrumentationName = "github.com/ipfsnut/nstplusd/internal/stream"

// Config configures the stream manager.
type Config struct {
	// Width and Height are the preferred stream geometry (negotiable).
	Width  int
	Height int

	// HealthInterval is the period of the liveness ticker.
	HealthInterval time.Duration

	// RestartDelays is the bounded restart schedule applied when a
	// live stream dies. Two entries means two automatic attempts
	// before a persistent-failure signal.
	RestartDelays []time.Duration
}

// DefaultConfig returns sensible defaults: 720p preferred, 5s health
// polling, and restart attempts after 2s and 10s.
func DefaultConfig() *Config {
	return &Config{
		Width:          1280,
		Height:         720,
		HealthInterval: 5 * time.Second,
		RestartDelays:  []time.Duration{2 * time.Second, 10 * time.Second},
	}
}

// Manager owns the stream handle for each role.
type Manager struct {
	config  *Config
	backend device.Backend
	logger  *zap.Logger

	meter          metric.Meter
	restartCounter metric.Int64Counter
	failureCounter metric.Int64Counter

	listenerMu sync.RWMutex
	listener   Listener

	roles map[Role]*roleState

	runMu  sync.Mutex
	cancel context.CancelFunc
	ticker *time.Ticker
	wg     sync.WaitGroup
}

// roleState holds one role's binding. mu serializes restart against
// in-flight capture reads for the same role.
type roleState struct {
	mu sync.Mutex

	deviceID        string
	state           State
	stream          device.Stream
	lastHealthCheck time.Time

	restarting bool
}

// NewManager creates a stream manager over the given backend.
func NewManager(cfg *Config, backend device.Backend, logger *zap.Logger) (*Manager, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if backend == nil {
		return nil, errors.New("device backend is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	m := &Manager{
		config:  cfg,
		backend: backend,
		logger:  logger,
		meter:   otel.Meter(instrumentationName),
		roles:   make(map[Role]*roleState, len(Roles)),
	}
	for _, role := range Roles {
		m.roles[role] = &roleState{state: StateInactive}
	}
	m.initMetrics()
	return m, nil
}

func (m *Manager) initMetrics() {
	var err error

	m.restartCounter, err = m.meter.Int64Counter(
		"nstplusd.stream.restarts_total",
		metric.WithDescription("Total number of automatic stream restart attempts"),
		metric.WithUnit("{restart}"),
	)
	if err != nil {
		m.logger.Warn("failed to create restart counter", zap.Error(err))
	}

	m.failureCounter, err = m.meter.Int64Counter(
		"nstplusd.stream.persistent_failures_total",
		metric.WithDescription("Total number of persistent stream failures"),
		metric.WithUnit("{failure}"),
	)
	if err != nil {
		m.logger.Warn("failed to create failure counter", zap.Error(err))
	}
}

// SetListener registers lifecycle callbacks. Replaces any previous
// listener.
func (m *Manager) SetListener(l Listener) {
	m.listenerMu.Lock()
	m.listener = l
	m.listenerMu.Unlock()
}

// EnumerateDevices requests a transient capture grant, lists devices,
// and releases the grant. Enumeration failure is non-fatal: callers
// receive an empty list alongside the typed error and continue in
// synthetic mode.
func (m *Manager) EnumerateDevices(ctx context.Context) ([]device.Device, error) {
	if err := m.backend.RequestAccess(ctx); err != nil {
		m.logger.Warn("capture access not granted, continuing without devices", zap.Error(err))
		return nil, err
	}
	devices, err := m.backend.ListDevices(ctx)
	if err != nil {
		m.logger.Warn("device enumeration failed, continuing without devices", zap.Error(err))
		return nil, err
	}
	m.logger.Info("enumerated capture devices", zap.Int("count", len(devices)))
	return devices, nil
}

// Attach binds a device to a role, stopping any existing handle for
// that role first. Re-attaching the same device restarts cleanly.
func (m *Manager) Attach(ctx context.Context, role Role, deviceID string) (Handle, error) {
	rs, ok := m.roles[role]
	if !ok {
		return Handle{}, ErrUnknownRole
	}

	rs.mu.Lock()

	if rs.stream != nil {
		if err := rs.stream.Close(); err != nil {
			m.logger.Warn("failed to close previous stream",
				zap.String("role", string(role)), zap.Error(err))
		}
		rs.stream = nil
	}

	rs.deviceID = deviceID
	rs.state = StateStarting

	s, err := m.backend.Open(ctx, deviceID, device.StreamConfig{
		Width:  m.config.Width,
		Height: m.config.Height,
	})
	if err != nil {
		rs.state = StateInactive
		rs.deviceID = ""
		rs.mu.Unlock()
		return Handle{}, fmt.Errorf("attach %s: %w", role, err)
	}

	rs.stream = s
	rs.state = StateLive
	rs.lastHealthCheck = time.Now()
	handle := m.snapshotLocked(role, rs)
	rs.mu.Unlock()

	m.logger.Info("attached stream",
		zap.String("role", string(role)),
		zap.String("device_id", deviceID))

	m.notifyAttached(role, deviceID)
	return handle, nil
}

// Detach stops the role's stream and clears the binding. Idempotent;
// must be called on every exit path so no hardware lock is orphaned.
func (m *Manager) Detach(role Role) error {
	rs, ok := m.roles[role]
	if !ok {
		return ErrUnknownRole
	}

	rs.mu.Lock()
	hadStream := rs.stream != nil
	if rs.stream != nil {
		if err := rs.stream.Close(); err != nil {
			m.logger.Warn("failed to close stream on detach",
				zap.String("role", string(role)), zap.Error(err))
		}
		rs.stream = nil
	}
	rs.deviceID = ""
	rs.state = StateInactive
	rs.mu.Unlock()

	if hadStream {
		m.logger.Info("detached stream", zap.String("role", string(role)))
		m.notifyDetached(role)
	}
	return nil
}

// HealthCheck probes the role's stream. Alive iff a stream is bound
// and still delivering.
func (m *Manager) HealthCheck(role Role) Health {
	rs, ok := m.roles[role]
	if !ok {
		return Health{}
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.lastHealthCheck = time.Now()
	alive := rs.stream != nil && rs.stream.Alive()
	return Health{Alive: alive}
}

// Handle returns a snapshot of the role's current binding.
func (m *Manager) Handle(role Role) (Handle, error) {
	rs, ok := m.roles[role]
	if !ok {
		return Handle{}, ErrUnknownRole
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return m.snapshotLocked(role, rs), nil
}

// Acquire returns the role's live stream and a snapshot of its
// binding, together with a release function. The role's lock is held
// until release is called, which serializes automatic restart against
// an in-flight capture read; callers must not call back into the
// manager for the same role before releasing.
func (m *Manager) Acquire(role Role) (device.Stream, Handle, func(), error) {
	rs, ok := m.roles[role]
	if !ok {
		return nil, Handle{}, nil, ErrUnknownRole
	}
	rs.mu.Lock()
	if rs.stream == nil || (rs.state != StateLive && rs.state != StateDegraded) {
		rs.mu.Unlock()
		return nil, Handle{}, nil, ErrNotAttached
	}
	return rs.stream, m.snapshotLocked(role, rs), rs.mu.Unlock, nil
}

// Start launches the health ticker. Safe to call once per manager.
func (m *Manager) Start(ctx context.Context) {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.cancel != nil {
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	ticker := time.NewTicker(m.config.HealthInterval)
	m.ticker = ticker

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		// Local ticker reference: Teardown clears m.ticker while this
		// goroutine may still be mid-iteration.
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.checkRoles(ctx)
			}
		}
	}()
}

// checkRoles probes every attached role and kicks off recovery for
// dead streams. A capture in progress does not suppress the restart
// decision; the restart itself serializes on the role lock.
func (m *Manager) checkRoles(ctx context.Context) {
	for _, role := range Roles {
		rs := m.roles[role]

		rs.mu.Lock()
		rs.lastHealthCheck = time.Now()
		expectedLive := rs.state == StateLive && rs.stream != nil
		dead := expectedLive && !rs.stream.Alive()
		if dead && !rs.restarting {
			rs.state = StateDegraded
			rs.restarting = true
			deviceID := rs.deviceID
			rs.mu.Unlock()

			m.logger.Warn("stream not alive, scheduling restart",
				zap.String("role", string(role)),
				zap.String("device_id", deviceID))

			m.wg.Add(1)
			go func(role Role, deviceID string) {
				defer m.wg.Done()
				m.restart(ctx, role, deviceID)
			}(role, deviceID)
			continue
		}
		rs.mu.Unlock()
	}
}

// restart runs the bounded restart schedule for a role. On success the
// role returns to Live; on exhaustion it is marked Failed and the
// persistent-failure signal fires.
func (m *Manager) restart(ctx context.Context, role Role, deviceID string) {
	rs := m.roles[role]

	policy := retry.Policy{Delays: m.config.RestartDelays}
	// Skip the immediate attempt: the stream just died, so every
	// attempt waits for its scheduled delay.
	attempt := 0
	err := policy.Run(ctx, func(ctx context.Context) error {
		attempt++
		if attempt == 1 {
			return errors.New("stream dead, waiting for first restart delay")
		}

		if m.restartCounter != nil {
			m.restartCounter.Add(ctx, 1, metric.WithAttributes(
				attribute.String("role", string(role)),
			))
		}

		rs.mu.Lock()
		defer rs.mu.Unlock()

		// Detached while waiting: abandon recovery.
		if rs.state == StateInactive || rs.deviceID != deviceID {
			return nil
		}

		rs.state = StateStarting
		if rs.stream != nil {
			_ = rs.stream.Close()
			rs.stream = nil
		}

		s, err := m.backend.Open(ctx, deviceID, device.StreamConfig{
			Width:  m.config.Width,
			Height: m.config.Height,
		})
		if err != nil {
			rs.state = StateDegraded
			m.logger.Warn("stream restart attempt failed",
				zap.String("role", string(role)),
				zap.Int("attempt", attempt-1),
				zap.Error(err))
			return err
		}

		rs.stream = s
		rs.state = StateLive
		m.logger.Info("stream restarted",
			zap.String("role", string(role)),
			zap.String("device_id", deviceID))
		return nil
	})

	rs.mu.Lock()
	rs.restarting = false
	abandoned := rs.state == StateInactive || rs.deviceID != deviceID
	if err != nil && !abandoned {
		rs.state = StateFailed
	}
	rs.mu.Unlock()

	if err != nil && !abandoned && !errors.Is(err, context.Canceled) {
		if m.failureCounter != nil {
			m.failureCounter.Add(ctx, 1, metric.WithAttributes(
				attribute.String("role", string(role)),
			))
		}
		m.logger.Error("stream persistently failed, capture degrades to synthetic",
			zap.String("role", string(role)),
			zap.Error(err))
		m.notifyPersistentFailure(role, err)
	}
}

// Teardown detaches every role and stops the health ticker.
func (m *Manager) Teardown() {
	m.runMu.Lock()
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	if m.ticker != nil {
		m.ticker.Stop()
		m.ticker = nil
	}
	m.runMu.Unlock()

	m.wg.Wait()

	for _, role := range Roles {
		_ = m.Detach(role)
	}
}

func (m *Manager) snapshotLocked(role Role, rs *roleState) Handle {
	return Handle{
		Role:            role,
		DeviceID:        rs.deviceID,
		State:           rs.state,
		LastHealthCheck: rs.lastHealthCheck,
	}
}

func (m *Manager) notifyAttached(role Role, deviceID string) {
	m.listenerMu.RLock()
	fn := m.listener.Attached
	m.listenerMu.RUnlock()
	if fn != nil {
		fn(role, deviceID)
	}
}

func (m *Manager) notifyDetached(role Role) {
	m.listenerMu.RLock()
	fn := m.listener.Detached
	m.listenerMu.RUnlock()
	if fn != nil {
		fn(role)
	}
}

func (m *Manager) notifyPersistentFailure(role Role, err error) {
	m.listenerMu.RLock()
	fn := m.listener.PersistentFailure
	m.listenerMu.RUnlock()
	if fn != nil {
		fn(role, err)
	}
}
