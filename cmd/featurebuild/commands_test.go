package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/session-intent/backend/internal/calibration"
)

func writeLines(t *testing.T, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scores.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0644))
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append(args, "--no-color", "--log-level", "error"))
	err := root.Execute()
	return out.String(), err
}

func TestCalibrateCommand(t *testing.T) {
	input := writeLines(t,
		`{"score":0.1,"label":0}`,
		`{"score":0.4,"label":0}`,
		``,
		`{"score":0.6,"label":1}`,
		`{"score":0.9,"target":true}`,
	)
	output := filepath.Join(t.TempDir(), "knots.json")

	stdout, err := run(t, "calibrate", "--input", input, "--output", output, "--batch-size", "2")
	require.NoError(t, err)
	assert.Contains(t, stdout, "Fitted 4 knot(s) from 4 sample(s)")

	data, err := os.ReadFile(output)
	require.NoError(t, err)
	var knots []calibration.Knot
	require.NoError(t, json.Unmarshal(data, &knots))
	assert.Equal(t, []calibration.Knot{{X: 0.1, Y: 0}, {X: 0.4, Y: 0}, {X: 0.6, Y: 1}, {X: 0.9, Y: 1}}, knots)
}

func TestCalibrateCommandRejectsBadInput(t *testing.T) {
	_, err := run(t, "calibrate", "--input", writeLines(t, `{"score":`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 1")

	_, err = run(t, "calibrate", "--input", filepath.Join(t.TempDir(), "missing.jsonl"))
	assert.Error(t, err)
}

func TestEvaluateCommand(t *testing.T) {
	input := writeLines(t,
		`{"score":0.9,"target":true,"is_freq":true,"rh":true}`,
		`{"score":0.8,"target":true}`,
		`{"score":0.7,"target":false}`,
		`{"score":0.6,"target":true}`,
	)

	stdout, err := run(t, "evaluate", "--input", input, "--target-precision", "0.75", "--thresholds", "0.5,0.75")
	require.NoError(t, err)
	assert.Contains(t, stdout, "Conversion report")
	assert.Contains(t, stdout, "     0.50")
	assert.Contains(t, stdout, "Threshold 0.6000 reaches precision 0.75 at recall 1.0000")
}

func TestEvaluateCommandUnreachableTarget(t *testing.T) {
	input := writeLines(t, `{"score":0.9,"target":false}`, `{"score":0.1,"target":true}`)

	stdout, err := run(t, "evaluate", "--input", input, "--target-precision", "0.9")
	require.NoError(t, err)
	assert.Contains(t, stdout, "No operating threshold")
}

func TestParseRange(t *testing.T) {
	start, end, err := parseRange("2024-03-01", "")
	require.NoError(t, err)
	assert.Equal(t, start, end)

	_, _, err = parseRange("2024-03-05", "2024-03-01")
	assert.Error(t, err)

	_, _, err = parseRange("March", "")
	assert.Error(t, err)
}

func TestRecordLabel(t *testing.T) {
	one := 1.0
	assert.Equal(t, 1.0, record{Y: &one}.Label())
	assert.Equal(t, 1.0, record{Target: true}.Label())
	assert.Equal(t, 0.0, record{}.Label())
	assert.True(t, record{Y: &one}.Outcome().Target)
}
