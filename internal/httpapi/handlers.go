package httpapi

import (
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/ipfsnut/nstplusd/internal/capture"
	"github.com/ipfsnut/nstplusd/internal/queue"
	"github.com/ipfsnut/nstplusd/internal/session"
	"github.com/ipfsnut/nstplusd/internal/stream"
)

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status  string                       `json:"status"`
	Cameras map[stream.Role]stream.State `json:"cameras,omitempty"`
}

func (s *Server) handleHealth(c echo.Context) error {
	resp := HealthResponse{Status: "ok"}
	if s.streams != nil {
		resp.Cameras = make(map[stream.Role]stream.State, len(stream.Roles))
		for _, role := range stream.Roles {
			handle, err := s.streams.Handle(role)
			if err != nil {
				resp.Cameras[role] = stream.StateInactive
				continue
			}
			resp.Cameras[role] = handle.State
		}
	}
	return c.JSON(http.StatusOK, resp)
}

// RegisterRequest is the request body for POST /api/v1/sessions.
type RegisterRequest struct {
	ParticipantID string             `json:"participant_id"`
	KeyMapping    session.KeyMapping `json:"key_mapping"`
}

func (s *Server) handleRegister(c echo.Context) error {
	var req RegisterRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.ParticipantID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "participant_id is required")
	}
	if req.KeyMapping.Odd == "" || req.KeyMapping.Even == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "key_mapping.odd and key_mapping.even are required")
	}

	state, err := s.sessions.Register(c.Request().Context(), req.ParticipantID, req.KeyMapping)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, state)
}

func (s *Server) handleListSessions(c echo.Context) error {
	states, err := s.sessions.List(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, states)
}

func (s *Server) handleGetSession(c echo.Context) error {
	state, err := s.sessions.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, state)
}

func (s *Server) handleAppendTrial(c echo.Context) error {
	var trial session.Trial
	if err := c.Bind(&trial); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := s.sessions.AppendTrial(c.Request().Context(), c.Param("id"), trial); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusCreated)
}

// AppendResponseResult reports whether the response event scheduled a
// capture.
type AppendResponseResult struct {
	Ordinal          int  `json:"ordinal"`
	CaptureScheduled bool `json:"capture_scheduled"`
}

func (s *Server) handleAppendResponse(c echo.Context) error {
	var event session.ResponseEvent
	if err := c.Bind(&event); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	sessionID := c.Param("id")

	ordinal, err := s.sessions.AppendResponse(c.Request().Context(), sessionID, event)
	if err != nil {
		return httpError(err)
	}

	result := AppendResponseResult{Ordinal: ordinal}
	if s.queue != nil && s.policy.ShouldCapture(ordinal) {
		err := s.queue.Enqueue(queue.Request{
			SessionID:          sessionID,
			TrialNumber:        event.TrialNumber,
			Position:           event.Position,
			TriggeringResponse: event.Response,
			RequestedAt:        time.Now(),
		})
		if err != nil {
			// A saturated or closed queue costs one capture, never
			// the response event itself.
			s.logger.Warn("capture request not enqueued",
				zap.String("session_id", sessionID),
				zap.Int("trial", event.TrialNumber),
				zap.Error(err))
		} else {
			result.CaptureScheduled = true
		}
	}
	return c.JSON(http.StatusCreated, result)
}

// handleUploadCapture accepts a multipart payload with participantId,
// trial and position fields plus optional mainPhoto and
// secondaryPhoto files. Idempotent-safe for the caller to retry: a
// duplicate (trial, position) yields 409 without storing anything.
func (s *Server) handleUploadCapture(c echo.Context) error {
	sessionID := c.Param("id")

	participantID := c.FormValue("participantId")
	trialNumber, err := intFormValue(c, "trial")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "trial must be an integer")
	}
	position, err := intFormValue(c, "position")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "position must be an integer")
	}

	state, err := s.sessions.Get(c.Request().Context(), sessionID)
	if err != nil {
		return httpError(err)
	}
	if participantID != "" && participantID != state.ParticipantID {
		return echo.NewHTTPError(http.StatusBadRequest, "participantId does not match session")
	}

	pair := capture.Pair{}
	if pair.Main, err = formArtifact(c, "mainPhoto", stream.RoleMain); err != nil {
		return err
	}
	if pair.Secondary, err = formArtifact(c, "secondaryPhoto", stream.RoleSecondary); err != nil {
		return err
	}
	if pair.Main == nil && pair.Secondary == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "at least one of mainPhoto, secondaryPhoto is required")
	}

	if err := s.sessions.StoreCapture(c.Request().Context(), sessionID, trialNumber, position, pair); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusCreated)
}

func (s *Server) handleCaptureImage(c echo.Context) error {
	data, err := s.sessions.CaptureImage(c.Param("id"), c.Param("artifactId"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "capture image not found")
	}
	return c.Blob(http.StatusOK, "image/jpeg", data)
}

// CompleteRequest is the request body for POST /sessions/:id/complete.
type CompleteRequest struct {
	Task     session.TaskType  `json:"task"`
	Metadata map[string]string `json:"metadata"`
}

// CompleteResponse reports the recomputed session status.
type CompleteResponse struct {
	Status session.Status `json:"status"`
}

func (s *Server) handleMarkComplete(c echo.Context) error {
	var req CompleteRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	switch req.Task {
	case session.TaskNeutral, session.TaskNST, session.TaskGrip:
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "unknown task type")
	}

	status, err := s.sessions.MarkTaskComplete(c.Request().Context(), c.Param("id"), req.Task, req.Metadata)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, CompleteResponse{Status: status})
}

func (s *Server) handleResults(c echo.Context) error {
	view, err := s.results.FullResults(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, view)
}

// AttachRequest is the request body for POST /streams/:role/attach.
type AttachRequest struct {
	DeviceID string `json:"device_id"`
}

func (s *Server) handleListDevices(c echo.Context) error {
	devices, err := s.streams.EnumerateDevices(c.Request().Context())
	if err != nil {
		// Enumeration failures are non-fatal; report the empty list
		// with the reason attached.
		s.logger.Warn("device enumeration failed", zap.Error(err))
		return c.JSON(http.StatusOK, echo.Map{"devices": []any{}, "error": err.Error()})
	}
	return c.JSON(http.StatusOK, echo.Map{"devices": devices})
}

func (s *Server) handleStreamStatus(c echo.Context) error {
	out := make(map[stream.Role]any, len(stream.Roles))
	for _, role := range stream.Roles {
		handle, err := s.streams.Handle(role)
		if err != nil {
			out[role] = echo.Map{"state": stream.StateInactive}
			continue
		}
		out[role] = echo.Map{
			"state":             handle.State,
			"device_id":         handle.DeviceID,
			"last_health_check": handle.LastHealthCheck,
			"alive":             s.streams.HealthCheck(role).Alive,
		}
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleAttach(c echo.Context) error {
	role, err := parseRole(c.Param("role"))
	if err != nil {
		return httpError(err)
	}
	var req AttachRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.DeviceID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "device_id is required")
	}

	handle, err := s.streams.Attach(c.Request().Context(), role, req.DeviceID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, handle)
}

func (s *Server) handleDetach(c echo.Context) error {
	role, err := parseRole(c.Param("role"))
	if err != nil {
		return httpError(err)
	}
	if err := s.streams.Detach(role); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func parseRole(raw string) (stream.Role, error) {
	for _, role := range stream.Roles {
		if string(role) == raw {
			return role, nil
		}
	}
	return "", stream.ErrUnknownRole
}

func intFormValue(c echo.Context, field string) (int, error) {
	var n int
	if err := echo.FormFieldBinder(c).Int(field, &n).BindError(); err != nil {
		return 0, err
	}
	return n, nil
}

// formArtifact reads one optional multipart file into an artifact.
func formArtifact(c echo.Context, field string, role stream.Role) (*capture.Artifact, error) {
	fh, err := c.FormFile(field)
	if err != nil {
		if err == http.ErrMissingFile {
			return nil, nil
		}
		return nil, echo.NewHTTPError(http.StatusBadRequest, "invalid "+field)
	}

	f, err := fh.Open()
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "cannot read "+field)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "cannot read "+field)
	}

	return &capture.Artifact{
		ID:          uuid.New().String(),
		Role:        role,
		Image:       data,
		CapturedAt:  time.Now(),
		IsSynthetic: c.FormValue(field+"Synthetic") == "true",
	}, nil
}
