package handlers

import (
	"time"

	"github.com/gofiber/fiber/v2"
)

// Register mounts every /api/v1 route. runs may be nil when no store is configured.
func Register(api fiber.Router, calibrators *CalibrationHandler, eval *EvaluationHandler, runs *RunsHandler) {
	api.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "healthy",
			"time":   time.Now().Unix(),
		})
	})

	api.Post("/calibrators", calibrators.Create)
	api.Get("/calibrators/:id", calibrators.Get)
	api.Delete("/calibrators/:id", calibrators.Delete)
	api.Post("/calibrators/:id/batches", calibrators.SubmitBatch)
	api.Post("/calibrators/:id/predict", calibrators.Predict)

	api.Post("/evaluation/threshold", eval.Threshold)
	api.Post("/evaluation/conversions", eval.Conversions)

	if runs != nil {
		api.Get("/runs", runs.ListRuns)
		api.Get("/features/:date", runs.FeatureRows)
	}
}
