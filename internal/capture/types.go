package capture

import (
	"time"

	"github.com/ipfsnut/nstplusd/internal/stream"
)

// Artifact is one captured still image. At most one artifact is
// produced per capture request per role.
type Artifact struct {
	// ID uniquely identifies the artifact.
	ID string `json:"id"`

	// Role is the capture slot the artifact came from.
	Role stream.Role `json:"role"`

	// SourceID is the device the frame was read from; empty for
	// synthetic artifacts.
	SourceID string `json:"source_id,omitempty"`

	// Image is the JPEG-encoded frame.
	Image []byte `json:"-"`

	// Width and Height are the encoded image geometry.
	Width  int `json:"width"`
	Height int `json:"height"`

	// CapturedAt is when the frame was grabbed or generated.
	CapturedAt time.Time `json:"captured_at"`

	// IsSynthetic marks a generated placeholder standing in for a
	// missing live capture. Downstream consumers must be able to
	// distinguish real from synthetic data.
	IsSynthetic bool `json:"is_synthetic"`
}

// Pair holds the two artifacts of a dual capture. Either side may be
// nil when that role's capture failed outright.
type Pair struct {
	Main      *Artifact `json:"main,omitempty"`
	Secondary *Artifact `json:"secondary,omitempty"`
}
