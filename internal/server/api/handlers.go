package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/labstack/echo/v4"

	"dropit/internal/server/auth"
	"dropit/internal/server/database"
	"dropit/internal/server/lifecycle"
	"dropit/internal/server/service"
)

const (
	// AdminTokenHeader carries the admin token issued at upload time.
	AdminTokenHeader = "X-Admin-Token"
	// StatusTrailer reports the post-fetch status after the body was sent.
	StatusTrailer = "X-Drop-Status"

	// multipartOverhead is the slack allowed above the largest accepted file.
	multipartOverhead = 1 << 20
)

// HealthChecker reports whether a backing store is reachable.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Handler contains the HTTP handlers for the dropit API.
type Handler struct {
	svc    *service.DropService
	health HealthChecker // nil for the in-memory store
}

// NewHandler creates a new handler with the given service dependency.
func NewHandler(svc *service.DropService, health HealthChecker) *Handler {
	return &Handler{svc: svc, health: health}
}

// HandleUpload handles POST /api/upload.
// Accepts a multipart form with a "file" field and an optional "downloads" field.
func (h *Handler) HandleUpload(c echo.Context) error {
	req := c.Request()
	req.Body = http.MaxBytesReader(c.Response(), req.Body, h.svc.MaxUploadSize()+multipartOverhead)

	fileHeader, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return mapServiceError(c, lifecycle.ErrNoMatchingThreshold)
		}
		return c.JSON(http.StatusBadRequest, echo.Map{
			"error": "file is required (use form field 'file')",
		})
	}

	downloads := 0
	if raw := c.FormValue("downloads"); raw != "" {
		downloads, err = strconv.Atoi(raw)
		if err != nil || downloads < 0 {
			return c.JSON(http.StatusBadRequest, echo.Map{
				"error": "downloads must be a non-negative integer",
			})
		}
	}

	src, err := fileHeader.Open()
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{
			"error": "failed to read uploaded file",
		})
	}
	defer src.Close()

	result, err := h.svc.Upload(req.Context(), service.UploadRequest{
		Origin:    auth.Origin(c),
		Filename:  fileHeader.Filename,
		Size:      fileHeader.Size,
		Data:      src,
		Downloads: downloads,
	})
	if err != nil {
		return mapServiceError(c, err)
	}

	return c.JSON(http.StatusCreated, result)
}

// HandleDownload handles GET /:alias.
// Streams the file as an attachment, then accounts the fetch. The resulting
// status is sent as the X-Drop-Status trailer.
func (h *Handler) HandleDownload(c echo.Context) error {
	ctx := c.Request().Context()

	dl, err := h.svc.Download(ctx, c.Param("alias"))
	if err != nil {
		return mapServiceError(c, err)
	}
	defer dl.Body.Close()

	res := c.Response()
	res.Header().Set(echo.HeaderContentType, echo.MIMEOctetStream)
	res.Header().Set(echo.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q", dl.Filename))
	res.Header().Set("Trailer", StatusTrailer)
	res.WriteHeader(http.StatusOK)

	if _, err := io.Copy(res, dl.Body); err != nil {
		// Not accounted: the client did not receive the whole file.
		slog.Warn("download interrupted", "upload_id", dl.ID, "error", err)
		return nil
	}

	// The client is served; account even if it hangs up now.
	outcome, err := h.svc.FinishDownload(context.WithoutCancel(ctx), dl.ID)
	if err != nil {
		slog.Error("failed to account download", "upload_id", dl.ID, "error", err)
		return nil
	}
	res.Header().Set(StatusTrailer, outcome.String())
	return nil
}

// HandleInfo handles GET /api/info/:alias.
// Returns upload metadata without serving the file.
func (h *Handler) HandleInfo(c echo.Context) error {
	info, err := h.svc.GetInfo(c.Request().Context(), c.Param("alias"))
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, info)
}

// HandleRevoke handles DELETE /:alias.
func (h *Handler) HandleRevoke(c echo.Context) error {
	err := h.svc.Revoke(c.Request().Context(), c.Param("alias"), c.Request().Header.Get(AdminTokenHeader))
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{
		"message": "upload deleted successfully",
	})
}

// HandleSetDownloads handles PATCH /:alias/downloads/:count.
// A count of 0 removes the download limit.
func (h *Handler) HandleSetDownloads(c echo.Context) error {
	count, err := strconv.Atoi(c.Param("count"))
	if err != nil || count < 0 {
		return c.JSON(http.StatusBadRequest, echo.Map{
			"error": "count must be a non-negative integer",
		})
	}

	err = h.svc.SetDownloads(c.Request().Context(), c.Param("alias"), c.Request().Header.Get(AdminTokenHeader), count)
	if err != nil {
		return mapServiceError(c, err)
	}

	resp := echo.Map{"downloads_remaining": count}
	if count == 0 {
		resp["downloads_remaining"] = nil
	}
	return c.JSON(http.StatusOK, resp)
}

// HandleRotateAlias handles PATCH /:alias/alias/:kind, kind being short or long.
func (h *Handler) HandleRotateAlias(c echo.Context) error {
	var kind database.AliasKind
	switch c.Param("kind") {
	case "short":
		kind = database.AliasShort
	case "long":
		kind = database.AliasLong
	default:
		return c.JSON(http.StatusBadRequest, echo.Map{
			"error": "alias kind must be 'short' or 'long'",
		})
	}

	change, err := h.svc.RotateAlias(c.Request().Context(), c.Param("alias"), c.Request().Header.Get(AdminTokenHeader), kind)
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, change)
}

// HandleHealth handles GET /health.
// Returns the health status of the server, including database connectivity.
func (h *Handler) HandleHealth(c echo.Context) error {
	status := "healthy"
	dbStatus := "in-memory"

	if h.health != nil {
		dbStatus = "connected"
		if err := h.health.HealthCheck(c.Request().Context()); err != nil {
			status = "degraded"
			dbStatus = fmt.Sprintf("error: %v", err)
		}
	}

	return c.JSON(http.StatusOK, echo.Map{
		"status":   status,
		"database": dbStatus,
	})
}

// HandleStats handles GET /api/stats.
// Returns aggregate server statistics.
func (h *Handler) HandleStats(c echo.Context) error {
	stats, err := h.svc.GetStats(c.Request().Context())
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{
			"error": "failed to retrieve stats",
		})
	}

	return c.JSON(http.StatusOK, echo.Map{
		"total_uploads":      stats.TotalUploads,
		"active_uploads":     stats.ActiveUploads,
		"storage_used_bytes": stats.StorageUsed,
		"storage_used_human": humanize.IBytes(uint64(stats.StorageUsed)),
	})
}

// mapServiceError translates service-layer errors into appropriate HTTP responses.
func mapServiceError(c echo.Context, err error) error {
	var admission *lifecycle.AdmissionError
	switch {
	case errors.As(err, &admission):
		status := http.StatusRequestEntityTooLarge
		if admission.Reason == lifecycle.OriginFileCountExceeded {
			status = http.StatusTooManyRequests
		}
		return c.JSON(status, echo.Map{
			"error":  admission.Error(),
			"reason": admission.Reason.String(),
		})
	case errors.Is(err, lifecycle.ErrRecordNotFound):
		return c.JSON(http.StatusNotFound, echo.Map{"error": "upload not found"})
	case errors.Is(err, lifecycle.ErrUnauthorized):
		return c.JSON(http.StatusForbidden, echo.Map{"error": "invalid admin token"})
	case errors.Is(err, lifecycle.ErrNoMatchingThreshold):
		return c.JSON(http.StatusRequestEntityTooLarge, echo.Map{
			"error": "file exceeds maximum allowed size",
		})
	case errors.Is(err, service.ErrEmptyUpload), errors.Is(err, service.ErrSizeMismatch):
		return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
	case errors.Is(err, lifecycle.ErrAliasGenerationExhausted):
		return c.JSON(http.StatusServiceUnavailable, echo.Map{
			"error": "could not allocate an alias, try again later",
		})
	default:
		slog.Error("request failed", "path", c.Path(), "error", err)
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal server error"})
	}
}
