package headpose

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/Bumply/bitirme/internal/logx"
)

// Phase is the calibration routine state.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseWaiting
	PhaseCollecting
	PhaseCommitted
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseWaiting:
		return "waiting"
	case PhaseCollecting:
		return "collecting"
	case PhaseCommitted:
		return "committed"
	case PhaseFailed:
		return "failed"
	}
	return "unknown"
}

// Calibrator captures a neutral-pose baseline. The subject holds still
// through a settle window, then raw angle samples are collected and a
// trimmed mean is committed as the new baseline. No face for the whole
// collection window fails the round and keeps the previous baseline.
type Calibrator struct {
	est        *Estimator
	trim       float64
	minSamples int
	log        *slog.Logger

	mu           sync.Mutex
	phase        Phase
	collectFrom  time.Time
	collectUntil time.Time
	yaws         []float64
	pitches      []float64
}

// NewCalibrator wires a calibrator to the estimator that owns the baseline.
func NewCalibrator(est *Estimator, trim float64, minSamples int) *Calibrator {
	if minSamples < 3 {
		minSamples = 3
	}
	return &Calibrator{
		est:        est,
		trim:       trim,
		minSamples: minSamples,
		log:        logx.Component("calibration"),
	}
}

// Begin starts a calibration round: a settle window of hold, then a
// collection window of collect. Restarting an active round is allowed.
func (c *Calibrator) Begin(hold, collect time.Duration, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.phase = PhaseWaiting
	c.collectFrom = now.Add(hold)
	c.collectUntil = c.collectFrom.Add(collect)
	c.yaws = c.yaws[:0]
	c.pitches = c.pitches[:0]
	c.log.Info("calibration started", "hold", hold, "collect", collect)
}

// Observe feeds one raw (absolute) angle measurement into the routine.
// valid=false marks a frame with no face. Returns the phase after the
// observation so callers can notice commit/fail edges.
func (c *Calibrator) Observe(rawYaw, rawPitch float64, valid bool, now time.Time) Phase {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.phase {
	case PhaseWaiting:
		if !now.Before(c.collectFrom) {
			c.phase = PhaseCollecting
		}
	case PhaseCollecting:
		// handled below
	default:
		return c.phase
	}

	if c.phase == PhaseCollecting {
		if valid {
			c.yaws = append(c.yaws, rawYaw)
			c.pitches = append(c.pitches, rawPitch)
		}
		if !now.Before(c.collectUntil) {
			c.finish(now)
		}
	}
	return c.phase
}

// finish commits or fails the round. Caller holds the lock.
func (c *Calibrator) finish(now time.Time) {
	if len(c.yaws) < c.minSamples {
		c.phase = PhaseFailed
		c.log.Warn("calibration failed: not enough face samples",
			"got", len(c.yaws), "need", c.minSamples)
		return
	}

	b := Baseline{
		NeutralYaw:   trimmedMean(c.yaws, c.trim),
		NeutralPitch: trimmedMean(c.pitches, c.trim),
		CapturedAt:   now,
	}
	c.est.Commit(b)
	c.phase = PhaseCommitted
	c.log.Info("calibration committed",
		"neutral_yaw", b.NeutralYaw,
		"neutral_pitch", b.NeutralPitch,
		"samples", len(c.yaws))
}

// Phase returns the current routine state.
func (c *Calibrator) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// Active reports whether a round is waiting or collecting.
func (c *Calibrator) Active() bool {
	p := c.Phase()
	return p == PhaseWaiting || p == PhaseCollecting
}

// trimmedMean drops the top and bottom frac of the sorted values and
// averages the rest, rejecting blink/jitter outliers.
func trimmedMean(xs []float64, frac float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sorted := make([]float64, len(xs))
	copy(sorted, xs)
	sort.Float64s(sorted)

	k := int(float64(len(sorted)) * frac)
	if 2*k >= len(sorted) {
		k = (len(sorted) - 1) / 2
	}
	return stat.Mean(sorted[k:len(sorted)-k], nil)
}
