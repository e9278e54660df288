package calibration

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
)

var (
	ErrNotFitted      = errors.New("calibrator is not fitted")
	ErrAlreadyFitted  = errors.New("calibrator is already fitted")
	ErrEmptyInput     = errors.New("no scores to fit")
	ErrLengthMismatch = errors.New("scores and labels differ in length")
	ErrInvalidScore   = errors.New("scores and labels must be finite")
)

type State int

const (
	StateUnfitted State = iota
	StateAccumulating
	StateFitted
)

func (s State) String() string {
	switch s {
	case StateUnfitted:
		return "unfitted"
	case StateAccumulating:
		return "accumulating"
	case StateFitted:
		return "fitted"
	default:
		return "unknown"
	}
}

const maxApproximation = 10

type Options struct {
	Increasing bool
	YMin       *float64
	YMax       *float64
	// Approximation rounds scores to this many decimals before fitting; negative disables it.
	Approximation int
}

func DefaultOptions() Options {
	return Options{Increasing: true, Approximation: -1}
}

type Knot struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type aggregate struct {
	sum   float64
	count float64
}

// Calibrator fits a monotone piecewise-linear map from raw score to calibrated value.
// Batches are folded into a per-score (sum, count) pool, so batched and one-shot fits
// over the same data agree exactly.
type Calibrator struct {
	mu    sync.Mutex
	opts  Options
	state State
	pool  map[float64]aggregate
	seen  int
	knots []Knot
	xMin  float64
	xMax  float64
}

func New(opts Options) *Calibrator {
	if opts.Approximation > maxApproximation {
		opts.Approximation = maxApproximation
	}
	if opts.Approximation < -1 {
		opts.Approximation = -1
	}
	return &Calibrator{opts: opts, pool: make(map[float64]aggregate)}
}

func (c *Calibrator) Options() Options {
	return c.opts
}

func (c *Calibrator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Fit replaces any previous state with a fit over scores and labels.
func (c *Calibrator) Fit(scores, labels []float64) error {
	if err := validate(scores, labels); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.pool = make(map[float64]aggregate)
	c.seen = 0
	c.accumulate(scores, labels)
	c.build()
	return nil
}

// FitBatch folds one batch into the pool. The batch flagged final builds the fit.
func (c *Calibrator) FitBatch(scores, labels []float64, final bool) error {
	if len(scores) != len(labels) {
		return fmt.Errorf("%w: %d scores, %d labels", ErrLengthMismatch, len(scores), len(labels))
	}
	if len(scores) > 0 {
		if err := validate(scores, labels); err != nil {
			return err
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateFitted {
		return ErrAlreadyFitted
	}
	c.accumulate(scores, labels)
	if len(c.pool) == 0 {
		if final {
			return ErrEmptyInput
		}
		return nil
	}
	c.state = StateAccumulating

	if final {
		c.build()
	}
	return nil
}

// FitBatched splits the data into batches of batchSize and submits them in order.
func (c *Calibrator) FitBatched(scores, labels []float64, batchSize int) error {
	if batchSize <= 0 || batchSize >= len(scores) {
		return c.Fit(scores, labels)
	}
	if err := validate(scores, labels); err != nil {
		return err
	}
	for start := 0; start < len(scores); start += batchSize {
		end := start + batchSize
		if end > len(scores) {
			end = len(scores)
		}
		if err := c.FitBatch(scores[start:end], labels[start:end], end == len(scores)); err != nil {
			return err
		}
	}
	return nil
}

// Reset discards the pool and the fit.
func (c *Calibrator) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pool = make(map[float64]aggregate)
	c.seen = 0
	c.knots = nil
	c.state = StateUnfitted
}

func (c *Calibrator) Predict(x float64) (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateFitted {
		return 0, ErrNotFitted
	}
	return c.interpolate(x), nil
}

func (c *Calibrator) PredictAll(xs []float64) ([]float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateFitted {
		return nil, ErrNotFitted
	}
	out := make([]float64, len(xs))
	for i, x := range xs {
		out[i] = c.interpolate(x)
	}
	return out, nil
}

func (c *Calibrator) Knots() ([]Knot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateFitted {
		return nil, ErrNotFitted
	}
	out := make([]Knot, len(c.knots))
	copy(out, c.knots)
	return out, nil
}

// Domain returns the observed training range that inputs are clipped to.
func (c *Calibrator) Domain() (float64, float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateFitted {
		return 0, 0, ErrNotFitted
	}
	return c.xMin, c.xMax, nil
}

// Samples is the number of (score, label) pairs folded into the fit so far.
func (c *Calibrator) Samples() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seen
}

func (c *Calibrator) accumulate(scores, labels []float64) {
	for i, s := range scores {
		s = c.quantize(s)
		a := c.pool[s]
		a.sum += labels[i]
		a.count++
		c.pool[s] = a
	}
	c.seen += len(scores)
}

func (c *Calibrator) quantize(x float64) float64 {
	if c.opts.Approximation < 0 {
		return x
	}
	p := math.Pow(10, float64(c.opts.Approximation))
	return math.Round(x*p) / p
}

func (c *Calibrator) build() {
	xs := make([]float64, 0, len(c.pool))
	for x := range c.pool {
		xs = append(xs, x)
	}
	sort.Float64s(xs)

	means := make([]float64, len(xs))
	for i, x := range xs {
		a := c.pool[x]
		means[i] = a.sum / a.count
	}

	fitted := PoolAdjacentViolators(means, c.opts.Increasing)

	c.knots = make([]Knot, len(xs))
	for i, x := range xs {
		c.knots[i] = Knot{X: x, Y: clip(fitted[i], c.opts.YMin, c.opts.YMax)}
	}
	c.xMin, c.xMax = xs[0], xs[len(xs)-1]
	c.state = StateFitted
}

func (c *Calibrator) interpolate(x float64) float64 {
	if len(c.knots) == 1 {
		return c.knots[0].Y
	}
	x = math.Max(c.xMin, math.Min(c.xMax, x))

	// Index of the last knot at or below x, kept inside [0, n-2].
	i := sort.Search(len(c.knots), func(i int) bool { return c.knots[i].X > x }) - 1
	if i < 0 {
		i = 0
	}
	if i > len(c.knots)-2 {
		i = len(c.knots) - 2
	}

	lo, hi := c.knots[i], c.knots[i+1]
	slope := (hi.Y - lo.Y) / (hi.X - lo.X)
	return lo.Y + slope*(x-lo.X)
}

// PoolAdjacentViolators returns the closest monotone sequence to y under squared error,
// nondecreasing when increasing is true and nonincreasing otherwise. Every input has unit weight.
func PoolAdjacentViolators(y []float64, increasing bool) []float64 {
	type block struct {
		sum   float64
		count int
	}
	sign := 1.0
	if !increasing {
		sign = -1
	}

	blocks := make([]block, 0, len(y))
	for _, v := range y {
		blocks = append(blocks, block{sum: sign * v, count: 1})
		for len(blocks) > 1 {
			last := blocks[len(blocks)-1]
			prev := blocks[len(blocks)-2]
			if prev.sum/float64(prev.count) <= last.sum/float64(last.count) {
				break
			}
			blocks = blocks[:len(blocks)-2]
			blocks = append(blocks, block{sum: prev.sum + last.sum, count: prev.count + last.count})
		}
	}

	out := make([]float64, 0, len(y))
	for _, b := range blocks {
		mean := sign * b.sum / float64(b.count)
		for i := 0; i < b.count; i++ {
			out = append(out, mean)
		}
	}
	return out
}

func clip(v float64, lo, hi *float64) float64 {
	if lo != nil && v < *lo {
		v = *lo
	}
	if hi != nil && v > *hi {
		v = *hi
	}
	return v
}

func validate(scores, labels []float64) error {
	if len(scores) != len(labels) {
		return fmt.Errorf("%w: %d scores, %d labels", ErrLengthMismatch, len(scores), len(labels))
	}
	if len(scores) == 0 {
		return ErrEmptyInput
	}
	for i := range scores {
		if math.IsNaN(scores[i]) || math.IsInf(scores[i], 0) || math.IsNaN(labels[i]) || math.IsInf(labels[i], 0) {
			return fmt.Errorf("%w: row %d", ErrInvalidScore, i)
		}
	}
	return nil
}
