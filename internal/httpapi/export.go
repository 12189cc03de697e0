package httpapi

import (
	"archive/zip"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/ipfsnut/nstplusd/internal/session"
)

// handleExport packages a session's results view and capture images
// into a zip archive. The archive contains results.json plus one
// captures/<artifact-id>.jpg per stored image; blobs that cannot be
// read are skipped rather than failing the export.
func (s *Server) handleExport(c echo.Context) error {
	sessionID := c.Param("id")

	view, err := s.results.FullResults(c.Request().Context(), sessionID)
	if err != nil {
		return httpError(err)
	}

	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "application/zip")
	res.Header().Set(echo.HeaderContentDisposition,
		fmt.Sprintf(`attachment; filename="session-%s.zip"`, sessionID))
	res.WriteHeader(http.StatusOK)

	zw := zip.NewWriter(res)
	defer zw.Close()

	w, err := zw.Create("results.json")
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(view); err != nil {
		return err
	}

	for _, trial := range view.Trials {
		for _, pos := range trial.Positions {
			if pos.Capture == nil {
				continue
			}
			for _, ref := range []*session.ArtifactRef{pos.Capture.Main, pos.Capture.Secondary} {
				if ref == nil {
					continue
				}
				id := ref.ID
				data, err := s.sessions.CaptureImage(sessionID, id)
				if err != nil {
					s.logger.Warn("skipping unreadable capture image",
						zap.String("session_id", sessionID),
						zap.String("artifact_id", id),
						zap.Error(err))
					continue
				}
				w, err := zw.Create("captures/" + id + ".jpg")
				if err != nil {
					return err
				}
				if _, err := w.Write(data); err != nil {
					return err
				}
			}
		}
	}
	return nil
}
