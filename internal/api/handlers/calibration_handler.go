package handlers

import (
	"errors"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/session-intent/backend/internal/calibration"
	"github.com/session-intent/backend/internal/metrics"
	"github.com/session-intent/backend/internal/middleware/validation"
	"github.com/session-intent/backend/pkg/logger"
)

type CalibrationHandler struct {
	registry *calibration.Registry
	defaults calibration.Options
}

func NewCalibrationHandler(registry *calibration.Registry, defaults calibration.Options) *CalibrationHandler {
	return &CalibrationHandler{
		registry: registry,
		defaults: defaults,
	}
}

type createRequest struct {
	Increasing    *bool    `json:"increasing"`
	YMin          *float64 `json:"y_min"`
	YMax          *float64 `json:"y_max"`
	Approximation *int     `json:"approximation"`
}

func (h *CalibrationHandler) Create(c *fiber.Ctx) error {
	var req createRequest
	if len(c.Body()) > 0 {
		if err := json.Unmarshal(c.Body(), &req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Invalid request body",
			})
		}
	}

	opts := h.defaults
	if req.Increasing != nil {
		opts.Increasing = *req.Increasing
	}
	if req.YMin != nil {
		opts.YMin = req.YMin
	}
	if req.YMax != nil {
		opts.YMax = req.YMax
	}
	if req.Approximation != nil {
		opts.Approximation = *req.Approximation
	}
	if opts.YMin != nil && opts.YMax != nil && *opts.YMin > *opts.YMax {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "y_min must not exceed y_max",
		})
	}

	entry, err := h.registry.Create(opts)
	if err != nil {
		logger.Warn("Calibrator registry full", zap.Int("calibrators", h.registry.Len()))
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": "Calibrator limit reached, delete a calibrator and retry",
		})
	}
	logger.Info("Calibrator created", zap.String("id", entry.ID), zap.Bool("increasing", opts.Increasing))

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"id":    entry.ID,
		"state": entry.Calibrator.State().String(),
	})
}

func (h *CalibrationHandler) Get(c *fiber.Ctx) error {
	entry, err := h.registry.Get(c.Params("id"))
	if err != nil {
		return notFound(c)
	}

	resp := fiber.Map{
		"id":         entry.ID,
		"state":      entry.Calibrator.State().String(),
		"samples":    entry.Calibrator.Samples(),
		"created_at": entry.CreatedAt.Unix(),
	}
	if knots, err := entry.Calibrator.Knots(); err == nil {
		lo, hi, _ := entry.Calibrator.Domain()
		resp["knots"] = knots
		resp["domain"] = []float64{lo, hi}
	}
	return c.JSON(resp)
}

// SubmitBatch folds one batch into the calibrator; the batch flagged final completes the fit.
func (h *CalibrationHandler) SubmitBatch(c *fiber.Ctx) error {
	entry, err := h.registry.Get(c.Params("id"))
	if err != nil {
		return notFound(c)
	}
	batch, ok := c.Locals(validation.LocalsBatch).(*validation.Batch)
	if !ok {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	err = entry.Calibrator.FitBatch(batch.Scores, batch.Labels, batch.Final)
	switch {
	case errors.Is(err, calibration.ErrAlreadyFitted):
		metrics.CalibratorFits.WithLabelValues("conflict").Inc()
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error": "Calibrator is already fitted",
		})
	case errors.Is(err, calibration.ErrEmptyInput):
		metrics.CalibratorFits.WithLabelValues("rejected").Inc()
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{
			"error": "No samples to fit",
		})
	case err != nil:
		metrics.CalibratorFits.WithLabelValues("rejected").Inc()
		logger.Warn("Calibration batch rejected", zap.String("id", entry.ID), zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	metrics.CalibratorFits.WithLabelValues("accepted").Inc()
	state := entry.Calibrator.State()
	if state == calibration.StateFitted {
		logger.Info("Calibrator fitted", zap.String("id", entry.ID), zap.Int("samples", entry.Calibrator.Samples()))
	}

	return c.JSON(fiber.Map{
		"id":      entry.ID,
		"state":   state.String(),
		"samples": entry.Calibrator.Samples(),
	})
}

func (h *CalibrationHandler) Predict(c *fiber.Ctx) error {
	entry, err := h.registry.Get(c.Params("id"))
	if err != nil {
		return notFound(c)
	}
	batch, ok := c.Locals(validation.LocalsBatch).(*validation.Batch)
	if !ok {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	values, err := entry.Calibrator.PredictAll(batch.Scores)
	if errors.Is(err, calibration.ErrNotFitted) {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error": "Calibrator is not fitted",
		})
	}
	if err != nil {
		logger.Error("Failed to predict", zap.String("id", entry.ID), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to predict",
		})
	}

	for _, v := range values {
		metrics.CalibratedScore.Observe(v)
	}
	return c.JSON(fiber.Map{
		"id":         entry.ID,
		"calibrated": values,
	})
}

func (h *CalibrationHandler) Delete(c *fiber.Ctx) error {
	if !h.registry.Delete(c.Params("id")) {
		return notFound(c)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func notFound(c *fiber.Ctx) error {
	return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
		"error": "Calibrator not found",
	})
}
