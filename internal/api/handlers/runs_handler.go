package handlers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/session-intent/backend/internal/storage/models"
	"github.com/session-intent/backend/pkg/logger"
)

// RunStore is the read side of the day store.
type RunStore interface {
	ListRuns(ctx context.Context, limit int) ([]models.PipelineRun, error)
	LoadFeatureRows(ctx context.Context, service models.Service, date string) ([]models.FeatureRow, error)
}

type RunsHandler struct {
	store RunStore
}

func NewRunsHandler(store RunStore) *RunsHandler {
	return &RunsHandler{store: store}
}

func (h *RunsHandler) ListRuns(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 20)
	if limit <= 0 || limit > 500 {
		limit = 20
	}

	runs, err := h.store.ListRuns(c.Context(), limit)
	if err != nil {
		logger.Error("Failed to list runs", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to list runs",
		})
	}

	return c.JSON(fiber.Map{
		"runs": runs,
	})
}

func (h *RunsHandler) FeatureRows(c *fiber.Ctx) error {
	date := c.Params("date")
	if _, err := time.Parse("2006-01-02", date); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "date must be YYYY-MM-DD",
		})
	}
	service := models.Service(c.Query("service", string(models.ServiceRide)))
	if service != models.ServiceRide && service != models.ServiceFood {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "service must be rh or food",
		})
	}

	rows, err := h.store.LoadFeatureRows(c.Context(), service, date)
	if err != nil {
		logger.Error("Failed to load feature rows", zap.String("date", date), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to load feature rows",
		})
	}

	return c.JSON(fiber.Map{
		"valid_date": date,
		"service":    service,
		"rows":       rows,
	})
}
