package main

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"github.com/goccy/go-json"

	"github.com/session-intent/backend/internal/evaluation"
)

// record is one scored session. Label may be given as a number or derived from target.
type record struct {
	Score  float64  `json:"score"`
	Y      *float64 `json:"label,omitempty"`
	Target bool     `json:"target"`
	IsFreq bool     `json:"is_freq"`
	RH     bool     `json:"rh"`
}

func (r record) Label() float64 {
	if r.Y != nil {
		return *r.Y
	}
	if r.Target {
		return 1
	}
	return 0
}

func (r record) Outcome() evaluation.Outcome {
	return evaluation.Outcome{Target: r.Target || r.Label() > 0, IsFreq: r.IsFreq, RH: r.RH}
}

func readRecords(path string) ([]record, error) {
	var in io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open %s: %w", path, err)
		}
		defer f.Close()
		in = f
	}
	return decodeRecords(in)
}

func decodeRecords(in io.Reader) ([]record, error) {
	var records []record
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var r record
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		records = append(records, r)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read records: %w", err)
	}
	return records, nil
}
