package evaluation

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/session-intent/backend/internal/storage/models"
	"github.com/session-intent/backend/pkg/logger"
)

var (
	ErrLengthMismatch  = errors.New("outcomes and scores differ in length")
	ErrNoPositives     = errors.New("labels contain no positive example")
	ErrTargetUnreached = errors.New("no threshold reaches the target precision")
)

var DefaultThresholds = []float64{0.4, 0.5, 0.6, 0.7, 0.8, 0.9}

// Outcome is the labelled part of a scored session.
type Outcome struct {
	Target bool `json:"target"`
	IsFreq bool `json:"is_freq"`
	RH     bool `json:"rh"`
}

func OutcomeFromRow(row models.FeatureRow, target bool) Outcome {
	return Outcome{Target: target, IsFreq: row.IsFreq, RH: row.RH}
}

type ThresholdStats struct {
	Threshold        float64 `json:"threshold"`
	Sessions         int     `json:"sessions"`
	RHSessions       int     `json:"rh_sessions"`
	RelevantSessions int     `json:"relevant_sessions"`
	CorrectSessions  int     `json:"sessions_true_pred"`
	RelevantCorrect  int     `json:"relevant_sessions_true_pred"`
	RHCorrect        int     `json:"rh_sessions_true_pred"`
	SACoverage       float64 `json:"sa_coverage"`
	RHCoverage       float64 `json:"rh_coverage"`
	Relevance        float64 `json:"relevance"`
}

// ConversionReport counts, for each threshold, the sessions scored strictly above it and how
// many of them were predicted correctly. Coverage is relative to all sessions (or all booking
// sessions); relevance is the share of above-threshold sessions that were correct and frequent.
func ConversionReport(outcomes []Outcome, scores []float64, thresholds []float64) ([]ThresholdStats, error) {
	if len(outcomes) != len(scores) {
		return nil, fmt.Errorf("%w: %d outcomes, %d scores", ErrLengthMismatch, len(outcomes), len(scores))
	}
	if len(thresholds) == 0 {
		thresholds = DefaultThresholds
	}

	allRH := 0
	for _, o := range outcomes {
		if o.RH {
			allRH++
		}
	}

	report := make([]ThresholdStats, 0, len(thresholds))
	for _, t := range thresholds {
		st := ThresholdStats{Threshold: t}
		for i, o := range outcomes {
			if scores[i] <= t {
				continue
			}
			// Above the threshold the prediction is positive, so it is correct iff the target is.
			correct := o.Target
			st.Sessions++
			if o.RH {
				st.RHSessions++
			}
			if o.IsFreq {
				st.RelevantSessions++
			}
			if correct {
				st.CorrectSessions++
				if o.IsFreq {
					st.RelevantCorrect++
				}
				if o.RH {
					st.RHCorrect++
				}
			}
		}
		st.SACoverage = ratio(st.Sessions, len(outcomes))
		st.RHCoverage = ratio(st.RHSessions, allRH)
		st.Relevance = ratio(st.RelevantCorrect, st.Sessions)
		report = append(report, st)
	}

	logger.Debug("Conversion report computed",
		zap.Int("sessions", len(outcomes)),
		zap.Int("thresholds", len(report)),
	)
	return report, nil
}

// OptimalThreshold walks the precision/recall curve over every distinct score, predicting
// positive at score >= threshold, and returns the threshold with the highest recall among
// those whose precision reaches targetPrecision. Equal recall keeps the lowest threshold.
func OptimalThreshold(labels []bool, scores []float64, targetPrecision float64) (float64, float64, error) {
	if len(labels) != len(scores) {
		return 0, 0, fmt.Errorf("%w: %d labels, %d scores", ErrLengthMismatch, len(labels), len(scores))
	}

	positives := 0
	idx := make([]int, len(scores))
	for i := range idx {
		idx[i] = i
		if labels[i] {
			positives++
		}
	}
	if positives == 0 {
		return 0, 0, ErrNoPositives
	}
	sort.Slice(idx, func(a, b int) bool { return scores[idx[a]] > scores[idx[b]] })

	var (
		tp, fp     int
		found      bool
		bestThresh float64
		bestRecall float64
	)
	for pos := 0; pos < len(idx); {
		s := scores[idx[pos]]
		for pos < len(idx) && scores[idx[pos]] == s {
			if labels[idx[pos]] {
				tp++
			} else {
				fp++
			}
			pos++
		}
		precision := float64(tp) / float64(tp+fp)
		recall := float64(tp) / float64(positives)
		if precision >= targetPrecision && (!found || recall >= bestRecall) {
			found = true
			bestThresh, bestRecall = s, recall
		}
	}
	if !found {
		return 0, 0, fmt.Errorf("%w: target %.2f", ErrTargetUnreached, targetPrecision)
	}
	return bestThresh, bestRecall, nil
}

// GenerateReport renders a conversion report as a plain-text table.
func GenerateReport(report []ThresholdStats) string {
	var b strings.Builder
	b.WriteString("threshold  sa_coverage  rh_coverage  relevance\n")
	for _, st := range report {
		fmt.Fprintf(&b, "%9.2f  %11.4f  %11.4f  %9.4f\n", st.Threshold, st.SACoverage, st.RHCoverage, st.Relevance)
	}
	return b.String()
}

func ratio(num, den int) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}
