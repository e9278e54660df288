package handlers

import (
	"errors"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/session-intent/backend/internal/evaluation"
	"github.com/session-intent/backend/internal/middleware/validation"
	"github.com/session-intent/backend/pkg/logger"
)

type EvaluationHandler struct{}

func NewEvaluationHandler() *EvaluationHandler {
	return &EvaluationHandler{}
}

func (h *EvaluationHandler) Threshold(c *fiber.Ctx) error {
	req, ok := c.Locals(validation.LocalsThreshold).(*validation.ThresholdRequest)
	if !ok {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	threshold, recall, err := evaluation.OptimalThreshold(req.Labels, req.Scores, req.TargetPrecision)
	if errors.Is(err, evaluation.ErrNoPositives) || errors.Is(err, evaluation.ErrTargetUnreached) {
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
	if err != nil {
		logger.Error("Failed to compute threshold", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to compute threshold",
		})
	}

	return c.JSON(fiber.Map{
		"threshold":        threshold,
		"recall":           recall,
		"target_precision": req.TargetPrecision,
	})
}

func (h *EvaluationHandler) Conversions(c *fiber.Ctx) error {
	var req struct {
		Outcomes   []evaluation.Outcome `json:"outcomes"`
		Scores     []float64            `json:"scores"`
		Thresholds []float64            `json:"thresholds"`
	}
	if err := json.Unmarshal(c.Body(), &req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	report, err := evaluation.ConversionReport(req.Outcomes, req.Scores, req.Thresholds)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	return c.JSON(fiber.Map{
		"report": report,
	})
}
