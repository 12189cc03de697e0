package stream

import (
	"errors"
	"time"
)

// Role is a logical capture slot, independent of which physical device
// is bound to it.
type Role string

const (
	// RoleMain is the participant-facing camera.
	RoleMain Role = "main"
	// RoleSecondary is the equipment-view camera.
	RoleSecondary Role = "secondary"
)

// Roles lists every role the manager tracks.
var Roles = []Role{RoleMain, RoleSecondary}

// State is the lifecycle state of a role's stream handle.
type State string

const (
	StateInactive State = "inactive"
	StateStarting State = "starting"
	StateLive     State = "live"
	StateDegraded State = "degraded"
	StateFailed   State = "failed"
)

var (
	// ErrNotAttached is returned when a role has no bound device.
	ErrNotAttached = errors.New("stream: role not attached")

	// ErrUnknownRole is returned for roles the manager does not track.
	ErrUnknownRole = errors.New("stream: unknown role")
)

// Handle is a point-in-time snapshot of a role's stream binding.
type Handle struct {
	Role            Role      `json:"role"`
	DeviceID        string    `json:"device_id"`
	State           State     `json:"state"`
	LastHealthCheck time.Time `json:"last_health_check"`
}

// Health is the result of a liveness probe.
type Health struct {
	Alive bool `json:"alive"`
}

// Listener receives stream lifecycle notifications. Callbacks fire
// synchronously from the manager; implementations must not call back
// into the manager for the same role.
type Listener struct {
	// Attached fires when a role binds a device and reaches Live.
	Attached func(role Role, deviceID string)

	// Detached fires when a role's binding is released.
	Detached func(role Role)

	// PersistentFailure fires after the bounded restart schedule is
	// exhausted for a role.
	PersistentFailure func(role Role, err error)
}
