package evaluation

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/cds/cds/internal/platform/telemetry"
)

type Handler struct {
	svc     *Service
	metrics *telemetry.Collector
}

func NewHandler(svc *Service, metrics *telemetry.Collector) *Handler {
	return &Handler{svc: svc, metrics: metrics}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/cds/evaluate", h.Evaluate)
	api.POST("/cds/invalidate", h.Invalidate)
	api.GET("/cds/metrics", h.metrics.SnapshotHandler())
}

type evaluateRequest struct {
	PatientID string `json:"patient_id"`
	HookType  string `json:"hook_type"`
}

func (h *Handler) Evaluate(c echo.Context) error {
	var req evaluateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	patientID, err := uuid.Parse(req.PatientID)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid patient_id")
	}
	hook := HookType(req.HookType)
	if !hook.Valid() {
		return echo.NewHTTPError(http.StatusBadRequest, "unknown hook_type")
	}

	resp, err := h.svc.Evaluate(c.Request().Context(), patientID, hook)
	if err != nil {
		switch {
		case errors.Is(err, ErrPatientNotFound):
			return echo.NewHTTPError(http.StatusNotFound, "patient not found")
		case errors.Is(err, ErrDataSourceUnavailable):
			return echo.NewHTTPError(http.StatusServiceUnavailable, "clinical data source unavailable")
		default:
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
	}
	return c.JSON(http.StatusOK, resp)
}

type invalidateRequest struct {
	PatientID string `json:"patient_id"`
}

func (h *Handler) Invalidate(c echo.Context) error {
	var req invalidateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	patientID, err := uuid.Parse(req.PatientID)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid patient_id")
	}
	if err := h.svc.Invalidate(c.Request().Context(), patientID); err != nil {
		// The caller may retry; TTL expiry bounds staleness either way.
		return echo.NewHTTPError(http.StatusServiceUnavailable, "cache invalidation failed")
	}
	return c.NoContent(http.StatusNoContent)
}
