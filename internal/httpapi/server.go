// Package httpapi provides the HTTP API for nstplusd.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/ipfsnut/nstplusd/internal/queue"
	"github.com/ipfsnut/nstplusd/internal/results"
	"github.com/ipfsnut/nstplusd/internal/session"
	"github.com/ipfsnut/nstplusd/internal/stream"
)

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
}

// Server exposes session, capture, and camera operations over HTTP.
type Server struct {
	echo     *echo.Echo
	logger   *zap.Logger
	config   *Config
	sessions *session.Service
	results  *results.Service
	streams  *stream.Manager
	queue    *queue.Queue
	policy   queue.Policy
}

// NewServer creates the HTTP server. streams and q may be nil when
// the daemon runs headless (no camera endpoints registered).
func NewServer(sessions *session.Service, res *results.Service, streams *stream.Manager, q *queue.Queue, policy queue.Policy, logger *zap.Logger, cfg *Config) (*Server, error) {
	if sessions == nil {
		return nil, fmt.Errorf("session service cannot be nil")
	}
	if res == nil {
		return nil, fmt.Errorf("results service cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{Host: "localhost", Port: 8080}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			duration := time.Since(start)

			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", duration),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return err
		}
	})

	metrics := NewHTTPMetrics(logger)
	e.Use(metrics.MetricsMiddleware())

	s := &Server{
		echo:     e,
		logger:   logger,
		config:   cfg,
		sessions: sessions,
		results:  res,
		streams:  streams,
		queue:    q,
		policy:   policy,
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)

	v1 := s.echo.Group("/api/v1")

	v1.POST("/sessions", s.handleRegister)
	v1.GET("/sessions", s.handleListSessions)
	v1.GET("/sessions/:id", s.handleGetSession)
	v1.POST("/sessions/:id/trials", s.handleAppendTrial)
	v1.POST("/sessions/:id/responses", s.handleAppendResponse)
	v1.POST("/sessions/:id/captures", s.handleUploadCapture)
	v1.GET("/sessions/:id/captures/:artifactId/image", s.handleCaptureImage)
	v1.POST("/sessions/:id/complete", s.handleMarkComplete)
	v1.GET("/sessions/:id/results", s.handleResults)
	v1.GET("/sessions/:id/export", s.handleExport)

	if s.streams != nil {
		v1.GET("/devices", s.handleListDevices)
		v1.GET("/streams", s.handleStreamStatus)
		v1.POST("/streams/:role/attach", s.handleAttach)
		v1.DELETE("/streams/:role", s.handleDetach)
	}
}

// Echo exposes the underlying router so the daemon can mount extra
// handlers (metrics endpoint).
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}

// httpError maps service errors onto HTTP status codes. Validation
// failures surface to the caller; the session stays usable.
func httpError(err error) error {
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, session.ErrInvalidPosition),
		errors.Is(err, session.ErrUnknownTrial),
		errors.Is(err, session.ErrDigitMismatch):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, session.ErrDuplicateCapture),
		errors.Is(err, session.ErrDuplicateResponse):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, queue.ErrQueueSaturated):
		return echo.NewHTTPError(http.StatusTooManyRequests, err.Error())
	case errors.Is(err, results.ErrChecksumMismatch):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, stream.ErrUnknownRole), errors.Is(err, stream.ErrNotAttached):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
