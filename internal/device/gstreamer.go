package device

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"
	"go.uber.org/zap"
)

// busPollInterval keeps bus monitoring responsive to shutdown without
// busy-waiting.
const busPollInterval = 50 * time.Millisecond

// GStreamerBackend opens V4L2 devices through a GStreamer pipeline.
//
// Pipeline structure:
//
//	v4l2src → videoconvert → videoscale → capsfilter(RGB,WxH) → appsink
//
// The appsink keeps only the latest frame (max-buffers=1, drop=true); a
// slow consumer never backs up the hardware.
type GStreamerBackend struct {
	logger *zap.Logger

	initOnce sync.Once
}

// NewGStreamerBackend creates a V4L2 backend.
func NewGStreamerBackend(logger *zap.Logger) *GStreamerBackend {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GStreamerBackend{logger: logger}
}

// RequestAccess verifies the process can open at least one video node.
// The descriptor is closed immediately; the grant is transient.
func (b *GStreamerBackend) RequestAccess(_ context.Context) error {
	nodes, err := videoNodes()
	if err != nil {
		return ErrUnsupported
	}
	if len(nodes) == 0 {
		return ErrNoDeviceFound
	}
	denied := 0
	for _, node := range nodes {
		f, err := os.Open(node)
		if err != nil {
			if os.IsPermission(err) {
				denied++
			}
			continue
		}
		f.Close()
		return nil
	}
	if denied > 0 {
		return ErrPermissionDenied
	}
	return ErrNoDeviceFound
}

// ListDevices enumerates /dev/video* nodes.
func (b *GStreamerBackend) ListDevices(_ context.Context) ([]Device, error) {
	nodes, err := videoNodes()
	if err != nil {
		return nil, ErrUnsupported
	}
	if len(nodes) == 0 {
		return nil, ErrNoDeviceFound
	}
	devices := make([]Device, 0, len(nodes))
	for _, node := range nodes {
		devices = append(devices, Device{
			ID:    node,
			Label: filepath.Base(node),
			Kind:  KindVideoInput,
		})
	}
	return devices, nil
}

// Open builds and starts a capture pipeline for the given device node.
func (b *GStreamerBackend) Open(_ context.Context, deviceID string, cfg StreamConfig) (Stream, error) {
	b.initOnce.Do(func() { gst.Init(nil) })

	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return nil, fmt.Errorf("create pipeline: %w", err)
	}

	src, err := gst.NewElement("v4l2src")
	if err != nil {
		return nil, ErrUnsupported
	}
	src.SetProperty("device", deviceID)

	converter, err := gst.NewElement("videoconvert")
	if err != nil {
		return nil, fmt.Errorf("create videoconvert: %w", err)
	}

	scaler, err := gst.NewElement("videoscale")
	if err != nil {
		return nil, fmt.Errorf("create videoscale: %w", err)
	}

	capsfilter, err := gst.NewElement("capsfilter")
	if err != nil {
		return nil, fmt.Errorf("create capsfilter: %w", err)
	}
	capsStr := fmt.Sprintf("video/x-raw,format=RGB,width=%d,height=%d", cfg.Width, cfg.Height)
	capsfilter.SetProperty("caps", gst.NewCapsFromString(capsStr))

	appsink, err := app.NewAppSink()
	if err != nil {
		return nil, fmt.Errorf("create appsink: %w", err)
	}
	appsink.SetProperty("sync", false)
	appsink.SetProperty("max-buffers", 1)
	appsink.SetProperty("drop", true)

	pipeline.AddMany(src, converter, scaler, capsfilter, appsink.Element)
	if err := gst.ElementLinkMany(src, converter, scaler, capsfilter, appsink.Element); err != nil {
		return nil, fmt.Errorf("link pipeline elements: %w", err)
	}

	s := &gstStream{
		deviceID: deviceID,
		pipeline: pipeline,
		appsink:  appsink,
		logger:   b.logger.With(zap.String("device", deviceID)),
		done:     make(chan struct{}),
	}
	s.frameCond = sync.NewCond(&s.mu)

	appsink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: s.onNewSample,
	})

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		pipeline.SetState(gst.StateNull)
		return nil, fmt.Errorf("start pipeline: %w", err)
	}

	go s.monitorBus()

	b.logger.Info("opened capture stream",
		zap.String("device", deviceID),
		zap.Int("width", cfg.Width),
		zap.Int("height", cfg.Height))

	return s, nil
}

// gstStream is one open V4L2 stream. The latest frame overwrites the
// previous one; consumers never see a backlog.
type gstStream struct {
	deviceID string
	pipeline *gst.Pipeline
	appsink  *app.Sink
	logger   *zap.Logger

	mu        sync.Mutex
	frameCond *sync.Cond
	latest    *Frame
	width     int
	height    int
	ended     bool
	closed    bool

	done chan struct{}
}

// onNewSample copies the current sample out of the appsink buffer and
// publishes it as the latest frame. The buffer is owned by GStreamer
// and must not escape this callback.
func (s *gstStream) onNewSample(sink *app.Sink) gst.FlowReturn {
	sample := sink.PullSample()
	if sample == nil {
		return gst.FlowOK
	}
	buffer := sample.GetBuffer()
	if buffer == nil {
		return gst.FlowOK
	}
	mapInfo := buffer.Map(gst.MapRead)
	data := mapInfo.Bytes()
	if len(data) == 0 {
		buffer.Unmap()
		return gst.FlowOK
	}
	frameData := make([]byte, len(data))
	copy(frameData, data)
	buffer.Unmap()

	s.mu.Lock()
	if s.width == 0 && s.height == 0 {
		// Infer geometry from the first frame: packed RGB is 3 bytes
		// per pixel, and the pipeline caps fix the aspect ratio.
		s.width, s.height = inferDimensions(len(frameData))
	}
	s.latest = &Frame{
		Width:      s.width,
		Height:     s.height,
		Data:       frameData,
		CapturedAt: time.Now(),
	}
	s.frameCond.Broadcast()
	s.mu.Unlock()

	return gst.FlowOK
}

// monitorBus watches the pipeline bus and marks the stream ended on
// EOS or a pipeline error.
func (s *gstStream) monitorBus() {
	bus := s.pipeline.GetPipelineBus()
	for {
		select {
		case <-s.done:
			return
		default:
		}

		msg := bus.TimedPop(busPollInterval)
		if msg == nil {
			continue
		}
		switch msg.Type() {
		case gst.MessageEOS:
			s.logger.Warn("capture stream ended")
			s.markEnded()
			return
		case gst.MessageError:
			gerr := msg.ParseError()
			s.logger.Error("capture pipeline error",
				zap.String("error", gerr.Error()),
				zap.String("debug", gerr.DebugString()))
			s.markEnded()
			return
		}
	}
}

func (s *gstStream) markEnded() {
	s.mu.Lock()
	s.ended = true
	s.frameCond.Broadcast()
	s.mu.Unlock()
}

// Frame returns the latest decoded frame, waiting for one if none has
// arrived yet. A context deadline bounds the wait.
func (s *gstStream) Frame(ctx context.Context) (*Frame, error) {
	// Wake the cond wait when the context expires. The wait loop below
	// re-checks ctx.Err on every wakeup.
	stop := context.AfterFunc(ctx, func() {
		s.mu.Lock()
		s.frameCond.Broadcast()
		s.mu.Unlock()
	})
	defer stop()

	s.mu.Lock()
	defer s.mu.Unlock()
	for s.latest == nil {
		if s.ended || s.closed {
			return nil, ErrStreamEnded
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		s.frameCond.Wait()
	}
	if s.ended || s.closed {
		return nil, ErrStreamEnded
	}
	return s.latest, nil
}

func (s *gstStream) Alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.ended && !s.closed
}

func (s *gstStream) Dimensions() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.width, s.height
}

// Close stops the pipeline and releases the device. Idempotent.
func (s *gstStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.frameCond.Broadcast()
	s.mu.Unlock()

	close(s.done)
	if err := s.pipeline.SetState(gst.StateNull); err != nil {
		return fmt.Errorf("stop pipeline: %w", err)
	}
	return nil
}

// videoNodes lists V4L2 device nodes in stable order.
func videoNodes() ([]string, error) {
	nodes, err := filepath.Glob("/dev/video*")
	if err != nil {
		return nil, err
	}
	sort.Strings(nodes)
	return nodes, nil
}

// inferDimensions maps a packed RGB byte count back to a frame
// geometry, assuming a 16:9 frame. Only used when caps negotiation
// delivered something other than the requested size.
func inferDimensions(byteLen int) (int, int) {
	pixels := byteLen / 3
	// height = sqrt(pixels * 9 / 16)
	h := 1
	for h*h < pixels*9/16 {
		h++
	}
	w := pixels / h
	return w, h
}
