package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/mauv0809/snapval/internal/db"
	"github.com/mauv0809/snapval/internal/models"
	"github.com/mauv0809/snapval/internal/pipeline"
	"github.com/mauv0809/snapval/internal/snapshot"
)

// Runner runs the valuation stage for one snapshot.
type Runner interface {
	RunValuation(ctx context.Context, snapshotID string, params pipeline.Params) (pipeline.Summary, error)
}

// StatusReader reports what is stored for a snapshot.
type StatusReader interface {
	GetSnapshotStatus(ctx context.Context, snapshotID string) (models.SnapshotStatus, error)
}

// ValuationHandler handles the snapshot admin endpoints.
type ValuationHandler struct {
	runner   Runner
	status   StatusReader
	defaults pipeline.Params
	log      logrus.FieldLogger
}

// NewValuationHandler creates a new valuation handler. defaults supply the
// persistence, clamping and fallback rate when a request leaves them out.
func NewValuationHandler(runner Runner, status StatusReader, defaults pipeline.Params, log logrus.FieldLogger) *ValuationHandler {
	return &ValuationHandler{
		runner:   runner,
		status:   status,
		defaults: defaults,
		log:      log,
	}
}

// ValuationResponse is the JSON response of a valuation run.
type ValuationResponse struct {
	Success bool              `json:"success"`
	Message string            `json:"message"`
	Summary *pipeline.Summary `json:"summary,omitempty"`
	Elapsed string            `json:"elapsed,omitempty"`
}

// RunValuation handles POST /admin/snapshots/:id/valuation
// Query params:
// - persistence: 0..1 (optional)
// - clamp: clamp negative residual income, true/false (optional)
func (h *ValuationHandler) RunValuation(c echo.Context) error {
	ctx := c.Request().Context()
	start := time.Now()
	sid := c.Param("id")

	params := h.defaults
	if v := c.QueryParam("persistence"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return c.JSON(http.StatusBadRequest, ValuationResponse{
				Success: false,
				Message: fmt.Sprintf("Invalid persistence %q", v),
			})
		}
		params.Persistence = f
	}
	if v := c.QueryParam("clamp"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return c.JSON(http.StatusBadRequest, ValuationResponse{
				Success: false,
				Message: fmt.Sprintf("Invalid clamp %q", v),
			})
		}
		params.ClampNegativeResidual = b
	}

	log := h.log.WithField("snapshot_id", sid)
	log.Info("Starting valuation run")

	sum, err := h.runner.RunValuation(ctx, sid, params)
	if err != nil {
		log.WithError(err).Error("Valuation run failed")
		return c.JSON(statusFor(err), ValuationResponse{
			Success: false,
			Message: fmt.Sprintf("Valuation failed: %v", err),
		})
	}

	elapsed := time.Since(start)
	return c.JSON(http.StatusOK, ValuationResponse{
		Success: true,
		Message: fmt.Sprintf("Valued %d rows of snapshot %s", sum.RowsUpserted, sum.SnapshotID),
		Summary: &sum,
		Elapsed: elapsed.String(),
	})
}

// Status handles GET /admin/snapshots/:id/status
// Returns stored row counts and the discount rate in force.
func (h *ValuationHandler) Status(c echo.Context) error {
	ctx := c.Request().Context()
	sid := c.Param("id")

	st, err := h.status.GetSnapshotStatus(ctx, sid)
	if errors.Is(err, db.ErrNotFound) {
		return c.JSON(http.StatusNotFound, map[string]interface{}{
			"success": false,
			"message": fmt.Sprintf("Snapshot %s not found", sid),
		})
	}
	if err != nil {
		h.log.WithError(err).WithField("snapshot_id", sid).Error("Reading snapshot status failed")
		return c.JSON(http.StatusInternalServerError, map[string]interface{}{
			"success": false,
			"message": fmt.Sprintf("Failed to read status: %v", err),
		})
	}
	return c.JSON(http.StatusOK, st)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, pipeline.ErrInvalidParams):
		return http.StatusBadRequest
	case errors.Is(err, snapshot.ErrNoDiscountRate):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
