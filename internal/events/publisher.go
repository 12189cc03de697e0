// Package events publishes session lifecycle events for external
// observers. Publication is best-effort and never blocks experiment
// progress; a daemon without a broker configured uses the no-op
// publisher.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Subjects for session lifecycle events. The session ID is appended
// as the final token.
const (
	SubjectRegistered    = "nstplus.session.registered"
	SubjectResponse      = "nstplus.session.response"
	SubjectCaptureStored = "nstplus.session.capture"
	SubjectTaskComplete  = "nstplus.session.task_complete"
)

// Publisher emits session events.
type Publisher interface {
	Publish(ctx context.Context, subject, sessionID string, payload any)
}

// NopPublisher discards every event.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, string, string, any) {}

// NATSPublisher emits events onto a NATS connection.
type NATSPublisher struct {
	conn   *nats.Conn
	logger *zap.Logger
}

// NewNATSPublisher wraps an existing NATS connection.
func NewNATSPublisher(conn *nats.Conn, logger *zap.Logger) (*NATSPublisher, error) {
	if conn == nil {
		return nil, fmt.Errorf("nats connection is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATSPublisher{conn: conn, logger: logger}, nil
}

// envelope is the wire form of one event.
type envelope struct {
	SessionID string    `json:"session_id"`
	EmittedAt time.Time `json:"emitted_at"`
	Payload   any       `json:"payload,omitempty"`
}

// Publish sends one event. Failures are logged and swallowed: event
// delivery must never stall a trial.
func (p *NATSPublisher) Publish(_ context.Context, subject, sessionID string, payload any) {
	data, err := json.Marshal(envelope{
		SessionID: sessionID,
		EmittedAt: time.Now(),
		Payload:   payload,
	})
	if err != nil {
		p.logger.Warn("failed to encode event", zap.String("subject", subject), zap.Error(err))
		return
	}
	if err := p.conn.Publish(subject+"."+sessionID, data); err != nil {
		p.logger.Warn("failed to publish event", zap.String("subject", subject), zap.Error(err))
	}
}
