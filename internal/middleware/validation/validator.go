package validation

import (
	"math"
	"strings"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// LocalsBatch holds the decoded *Batch of a calibration request.
	LocalsBatch = "calibration_batch"
	// LocalsThreshold holds the decoded *ThresholdRequest of an evaluation request.
	LocalsThreshold = "threshold_request"
)

type Config struct {
	MaxRows             int
	AllowedContentTypes []string
	Logger              *zap.Logger
}

// Batch is the body of a calibrator fit or predict call. Labels are absent on predict.
type Batch struct {
	Scores []float64 `json:"scores"`
	Labels []float64 `json:"labels,omitempty"`
	Final  bool      `json:"final"`
}

type ThresholdRequest struct {
	Labels          []bool    `json:"labels"`
	Scores          []float64 `json:"scores"`
	TargetPrecision float64   `json:"target_precision"`
}

func Middleware(cfg Config) fiber.Handler {
	if cfg.MaxRows == 0 {
		cfg.MaxRows = 200000
	}
	if len(cfg.AllowedContentTypes) == 0 {
		cfg.AllowedContentTypes = []string{"application/json"}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return func(c *fiber.Ctx) error {
		if c.Method() == "POST" || c.Method() == "PUT" {
			contentType := c.Get("Content-Type")
			if contentType != "" {
				allowed := false
				for _, allowedType := range cfg.AllowedContentTypes {
					if strings.Contains(contentType, allowedType) {
						allowed = true
						break
					}
				}
				if !allowed {
					return c.Status(fiber.StatusUnsupportedMediaType).JSON(fiber.Map{
						"error": "Unsupported content type",
					})
				}
			}
		}

		path := c.Path()

		if strings.HasPrefix(path, "/api/v1/calibrators/") {
			id := strings.SplitN(strings.TrimPrefix(path, "/api/v1/calibrators/"), "/", 2)[0]
			if _, err := uuid.Parse(id); err != nil {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
					"error": "Invalid calibrator id",
				})
			}
		}

		isBatch := strings.HasSuffix(path, "/batches")
		if isBatch || strings.HasSuffix(path, "/predict") {
			var req Batch
			if err := json.Unmarshal(c.Body(), &req); err != nil {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
					"error": "Invalid JSON format",
				})
			}

			if len(req.Scores) > cfg.MaxRows {
				cfg.Logger.Warn("Oversized calibration request",
					zap.String("ip", c.IP()),
					zap.Int("rows", len(req.Scores)),
				)
				return c.Status(fiber.StatusRequestEntityTooLarge).JSON(fiber.Map{
					"error": "Batch exceeds maximum row count",
				})
			}

			if isBatch && len(req.Scores) != len(req.Labels) {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
					"error": "Scores and labels must have the same length",
				})
			}

			if !allFinite(req.Scores) || !allFinite(req.Labels) {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
					"error": "Scores and labels must be finite numbers",
				})
			}

			c.Locals(LocalsBatch, &req)
		}

		if path == "/api/v1/evaluation/threshold" {
			var req ThresholdRequest
			if err := json.Unmarshal(c.Body(), &req); err != nil {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
					"error": "Invalid JSON format",
				})
			}

			if len(req.Scores) == 0 || len(req.Scores) != len(req.Labels) {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
					"error": "Scores and labels are required and must have the same length",
				})
			}

			if len(req.Scores) > cfg.MaxRows {
				return c.Status(fiber.StatusRequestEntityTooLarge).JSON(fiber.Map{
					"error": "Request exceeds maximum row count",
				})
			}

			if req.TargetPrecision <= 0 || req.TargetPrecision > 1 {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
					"error": "target_precision must be within (0, 1]",
				})
			}

			c.Locals(LocalsThreshold, &req)
		}

		return c.Next()
	}
}

func allFinite(values []float64) bool {
	for _, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
