package capture

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/jpeg"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/ipfsnut/nstplusd/internal/stream"
)

const instrumentationName = "github.com/ipfsnut/nstplusd/internal/capture"

// Config configures frame capture.
type Config struct {
	// FrameTimeout bounds the wait for a live frame with valid
	// dimensions.
	FrameTimeout time.Duration

	// JPEGQuality is the fixed encode quality.
	JPEGQuality int

	// DefaultWidth and DefaultHeight are used when a stream never
	// reports valid dimensions, and for synthetic placeholders.
	DefaultWidth  int
	DefaultHeight int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		FrameTimeout:  2500 * time.Millisecond,
		JPEGQuality:   80,
		DefaultWidth:  640,
		DefaultHeight: 480,
	}
}

// Service produces still-image artifacts from role streams.
type Service struct {
	config  *Config
	streams *stream.Manager
	logger  *zap.Logger

	meter          metric.Meter
	captureCounter metric.Int64Counter
	failureCounter metric.Int64Counter
}

// NewService creates a capture service over the given stream manager.
func NewService(cfg *Config, streams *stream.Manager, logger *zap.Logger) (*Service, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if streams == nil {
		return nil, errors.New("stream manager is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Service{
		config:  cfg,
		streams: streams,
		logger:  logger,
		meter:   otel.Meter(instrumentationName),
	}
	s.initMetrics()
	return s, nil
}

func (s *Service) initMetrics() {
	var err error

	s.captureCounter, err = s.meter.Int64Counter(
		"nstplusd.capture.captures_total",
		metric.WithDescription("Total number of frame captures"),
		metric.WithUnit("{capture}"),
	)
	if err != nil {
		s.logger.Warn("failed to create capture counter", zap.Error(err))
	}

	s.failureCounter, err = s.meter.Int64Counter(
		"nstplusd.capture.failures_total",
		metric.WithDescription("Total number of failed frame captures"),
		metric.WithUnit("{failure}"),
	)
	if err != nil {
		s.logger.Warn("failed to create capture failure counter", zap.Error(err))
	}
}

// Capture grabs one still image from the role's live stream. Returns
// nil on any failure: a bad frame is a data-quality event, never an
// experiment-halting error.
func (s *Service) Capture(ctx context.Context, role stream.Role) *Artifact {
	src, handle, release, err := s.streams.Acquire(role)
	if err != nil {
		s.recordFailure(ctx, role, "not_attached")
		return nil
	}
	defer release()

	frameCtx, cancel := context.WithTimeout(ctx, s.config.FrameTimeout)
	defer cancel()

	frame, err := src.Frame(frameCtx)
	if err != nil {
		s.logger.Warn("frame grab failed, dropping capture",
			zap.String("role", string(role)),
			zap.Error(err))
		s.recordFailure(ctx, role, "frame_timeout")
		return nil
	}

	width, height := frame.Width, frame.Height
	if width <= 0 || height <= 0 {
		// Dimensions never arrived; encode at the documented default
		// geometry rather than failing.
		width, height = s.config.DefaultWidth, s.config.DefaultHeight
	}

	img := rgbToImage(frame.Data, width, height)
	encoded, err := s.encode(img)
	if err != nil {
		s.logger.Warn("frame encode failed, dropping capture",
			zap.String("role", string(role)),
			zap.Error(err))
		s.recordFailure(ctx, role, "encode_failure")
		return nil
	}

	s.recordCapture(ctx, role, false)
	return &Artifact{
		ID:         uuid.New().String(),
		Role:       role,
		SourceID:   handle.DeviceID,
		Image:      encoded,
		Width:      width,
		Height:     height,
		CapturedAt: frame.CapturedAt,
	}
}

// CaptureSynthetic generates a deterministic placeholder embedding the
// label and a timestamp, flagged synthetic.
func (s *Service) CaptureSynthetic(role stream.Role, label string) *Artifact {
	now := time.Now()
	img := renderPlaceholder(s.config.DefaultWidth, s.config.DefaultHeight, label, now)
	encoded, err := s.encode(img)
	if err != nil {
		// Placeholder rendering is deterministic; an encode failure
		// here means the raster itself is broken.
		s.logger.Error("synthetic placeholder encode failed",
			zap.String("role", string(role)),
			zap.Error(err))
		return nil
	}

	s.recordCapture(context.Background(), role, true)
	return &Artifact{
		ID:          uuid.New().String(),
		Role:        role,
		Image:       encoded,
		Width:       s.config.DefaultWidth,
		Height:      s.config.DefaultHeight,
		CapturedAt:  now,
		IsSynthetic: true,
	}
}

// CaptureBoth captures the main and secondary roles concurrently.
// Each side is independently real or synthetic: a role without a
// usable stream degrades to a synthetic placeholder, and each
// sub-capture carries its own timeout so the pair never blocks
// indefinitely.
func (s *Service) CaptureBoth(ctx context.Context, mainLabel, secondaryLabel string) Pair {
	var pair Pair
	var wg sync.WaitGroup

	capture := func(role stream.Role, label string, out **Artifact) {
		defer wg.Done()
		if s.roleLive(role) {
			*out = s.Capture(ctx, role)
			return
		}
		*out = s.CaptureSynthetic(role, label)
	}

	wg.Add(2)
	go capture(stream.RoleMain, mainLabel, &pair.Main)
	go capture(stream.RoleSecondary, secondaryLabel, &pair.Secondary)
	wg.Wait()

	return pair
}

func (s *Service) roleLive(role stream.Role) bool {
	h, err := s.streams.Handle(role)
	if err != nil {
		return false
	}
	return h.State == stream.StateLive || h.State == stream.StateDegraded
}

func (s *Service) encode(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: s.config.JPEGQuality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (s *Service) recordCapture(ctx context.Context, role stream.Role, synthetic bool) {
	if s.captureCounter != nil {
		s.captureCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("role", string(role)),
			attribute.Bool("synthetic", synthetic),
		))
	}
}

func (s *Service) recordFailure(ctx context.Context, role stream.Role, reason string) {
	if s.failureCounter != nil {
		s.failureCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("role", string(role)),
			attribute.String("reason", reason),
		))
	}
}

// rgbToImage wraps packed RGB bytes in an image.RGBA. Short data is
// padded with black so a truncated frame still encodes.
func rgbToImage(data []byte, width, height int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			src := (y*width + x) * 3
			dst := img.PixOffset(x, y)
			if src+2 < len(data) {
				img.Pix[dst] = data[src]
				img.Pix[dst+1] = data[src+1]
				img.Pix[dst+2] = data[src+2]
			}
			img.Pix[dst+3] = 0xff
		}
	}
	return img
}
