package handlers

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/session-intent/backend/internal/calibration"
	"github.com/session-intent/backend/internal/middleware/validation"
	"github.com/session-intent/backend/internal/storage/models"
)

type stubStore struct {
	rows []models.FeatureRow
}

func (s *stubStore) ListRuns(ctx context.Context, limit int) ([]models.PipelineRun, error) {
	return []models.PipelineRun{{ID: "r1", ValidDate: "2024-03-10", Service: models.ServiceRide}}, nil
}

func (s *stubStore) LoadFeatureRows(ctx context.Context, service models.Service, date string) ([]models.FeatureRow, error) {
	return s.rows, nil
}

func newTestApp() *fiber.App {
	return newTestAppWithLimit(8)
}

func newTestAppWithLimit(maxCalibrators int) *fiber.App {
	app := fiber.New()
	app.Use(validation.Middleware(validation.Config{MaxRows: 100}))
	Register(app.Group("/api/v1"),
		NewCalibrationHandler(calibration.NewRegistry(maxCalibrators), calibration.DefaultOptions()),
		NewEvaluationHandler(),
		NewRunsHandler(&stubStore{rows: []models.FeatureRow{{SessionID: "a"}}}),
	)
	return app
}

func do(t *testing.T, app *fiber.App, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")

	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	out := map[string]any{}
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &out))
	}
	return resp.StatusCode, out
}

func TestCalibratorLifecycle(t *testing.T) {
	app := newTestApp()

	status, body := do(t, app, http.MethodPost, "/api/v1/calibrators", map[string]any{"increasing": true})
	require.Equal(t, http.StatusCreated, status)
	id := body["id"].(string)
	assert.Equal(t, "unfitted", body["state"])

	status, _ = do(t, app, http.MethodPost, "/api/v1/calibrators/"+id+"/predict", map[string]any{"scores": []float64{0.5}})
	assert.Equal(t, http.StatusConflict, status)

	status, body = do(t, app, http.MethodPost, "/api/v1/calibrators/"+id+"/batches", map[string]any{
		"scores": []float64{0.1, 0.4}, "labels": []float64{0, 0},
	})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "accumulating", body["state"])

	status, body = do(t, app, http.MethodPost, "/api/v1/calibrators/"+id+"/batches", map[string]any{
		"scores": []float64{0.6, 0.9}, "labels": []float64{1, 1}, "final": true,
	})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "fitted", body["state"])
	assert.Equal(t, float64(4), body["samples"])

	status, body = do(t, app, http.MethodPost, "/api/v1/calibrators/"+id+"/predict", map[string]any{"scores": []float64{0, 0.5, 1}})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, []any{0.0, 0.5, 1.0}, body["calibrated"])

	status, _ = do(t, app, http.MethodPost, "/api/v1/calibrators/"+id+"/batches", map[string]any{
		"scores": []float64{0.2}, "labels": []float64{1}, "final": true,
	})
	assert.Equal(t, http.StatusConflict, status)

	status, body = do(t, app, http.MethodGet, "/api/v1/calibrators/"+id, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, body["knots"], 4)

	status, _ = do(t, app, http.MethodDelete, "/api/v1/calibrators/"+id, nil)
	assert.Equal(t, http.StatusNoContent, status)
	status, _ = do(t, app, http.MethodGet, "/api/v1/calibrators/"+id, nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestCalibratorLimit(t *testing.T) {
	app := newTestAppWithLimit(1)

	status, body := do(t, app, http.MethodPost, "/api/v1/calibrators", nil)
	require.Equal(t, http.StatusCreated, status)
	id := body["id"].(string)

	status, _ = do(t, app, http.MethodPost, "/api/v1/calibrators/"+id+"/batches", map[string]any{
		"scores": []float64{0.2, 0.8}, "labels": []float64{0, 1},
	})
	require.Equal(t, http.StatusOK, status)

	status, body = do(t, app, http.MethodPost, "/api/v1/calibrators", nil)
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Contains(t, body["error"], "limit")

	status, body = do(t, app, http.MethodGet, "/api/v1/calibrators/"+id, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "accumulating", body["state"])

	status, _ = do(t, app, http.MethodDelete, "/api/v1/calibrators/"+id, nil)
	require.Equal(t, http.StatusNoContent, status)
	status, _ = do(t, app, http.MethodPost, "/api/v1/calibrators", nil)
	assert.Equal(t, http.StatusCreated, status)
}

func TestCalibratorValidation(t *testing.T) {
	app := newTestApp()

	status, _ := do(t, app, http.MethodPost, "/api/v1/calibrators/not-a-uuid/batches", map[string]any{"scores": []float64{1}, "labels": []float64{1}})
	assert.Equal(t, http.StatusBadRequest, status)

	status, body := do(t, app, http.MethodPost, "/api/v1/calibrators", nil)
	require.Equal(t, http.StatusCreated, status)
	id := body["id"].(string)

	status, _ = do(t, app, http.MethodPost, "/api/v1/calibrators/"+id+"/batches", map[string]any{"scores": []float64{1, 2}, "labels": []float64{1}})
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = do(t, app, http.MethodPost, "/api/v1/calibrators/"+id+"/batches", map[string]any{"final": true})
	assert.Equal(t, http.StatusUnprocessableEntity, status)

	status, _ = do(t, app, http.MethodPost, "/api/v1/calibrators/"+id+"/batches", map[string]any{
		"scores": make([]float64, 101), "labels": make([]float64, 101),
	})
	assert.Equal(t, http.StatusRequestEntityTooLarge, status)

	status, _ = do(t, app, http.MethodPost, "/api/v1/calibrators", map[string]any{"y_min": 0.9, "y_max": 0.1})
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestThreshold(t *testing.T) {
	app := newTestApp()

	status, body := do(t, app, http.MethodPost, "/api/v1/evaluation/threshold", map[string]any{
		"labels":           []bool{true, true, false, true},
		"scores":           []float64{0.9, 0.8, 0.7, 0.6},
		"target_precision": 0.75,
	})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, 0.6, body["threshold"])
	assert.Equal(t, 1.0, body["recall"])

	status, _ = do(t, app, http.MethodPost, "/api/v1/evaluation/threshold", map[string]any{
		"labels": []bool{false}, "scores": []float64{0.9}, "target_precision": 0.5,
	})
	assert.Equal(t, http.StatusUnprocessableEntity, status)

	status, _ = do(t, app, http.MethodPost, "/api/v1/evaluation/threshold", map[string]any{
		"labels": []bool{true}, "scores": []float64{0.9}, "target_precision": 1.5,
	})
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestConversions(t *testing.T) {
	app := newTestApp()

	status, body := do(t, app, http.MethodPost, "/api/v1/evaluation/conversions", map[string]any{
		"outcomes":   []map[string]bool{{"target": true, "is_freq": true, "rh": true}, {"target": false}},
		"scores":     []float64{0.9, 0.2},
		"thresholds": []float64{0.5},
	})
	require.Equal(t, http.StatusOK, status)
	report := body["report"].([]any)
	require.Len(t, report, 1)
	assert.Equal(t, 0.5, report[0].(map[string]any)["sa_coverage"])
}

func TestRunsAndFeatures(t *testing.T) {
	app := newTestApp()

	status, body := do(t, app, http.MethodGet, "/api/v1/runs?limit=5", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, body["runs"], 1)

	status, body = do(t, app, http.MethodGet, "/api/v1/features/2024-03-10?service=food", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, body["rows"], 1)

	status, _ = do(t, app, http.MethodGet, "/api/v1/features/yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = do(t, app, http.MethodGet, "/api/v1/health", nil)
	assert.Equal(t, http.StatusOK, status)
}
