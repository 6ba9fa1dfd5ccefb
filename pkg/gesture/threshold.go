package gesture

import (
	"sync"
	"time"
)

// ThresholdPhase is the threshold calibration state.
type ThresholdPhase int

const (
	ThresholdIdle ThresholdPhase = iota
	ThresholdRaise
	ThresholdSettle
	ThresholdLower
	ThresholdDone
	ThresholdFailed
)

func (p ThresholdPhase) String() string {
	switch p {
	case ThresholdIdle:
		return "idle"
	case ThresholdRaise:
		return "raise"
	case ThresholdSettle:
		return "settle"
	case ThresholdLower:
		return "lower"
	case ThresholdDone:
		return "done"
	case ThresholdFailed:
		return "failed"
	}
	return "unknown"
}

// settleWindow gives the user time to relax between the two captures.
const settleWindow = 2 * time.Second

// ThresholdConfig tunes the calibration routine.
type ThresholdConfig struct {
	RaisedWindow  time.Duration // brows held raised
	LoweredWindow time.Duration // brows relaxed
	MinRange      float64       // required raised-lowered separation
	Placement     float64       // threshold position inside the range
	MaxRetries    int
}

// DefaultThresholdConfig returns the deployed routine timing.
func DefaultThresholdConfig() ThresholdConfig {
	return ThresholdConfig{
		RaisedWindow:  3 * time.Second,
		LoweredWindow: time.Second,
		MinRange:      20,
		Placement:     0.7,
		MaxRetries:    3,
	}
}

// ThresholdCalibrator derives a per-user firing threshold: it captures the
// smoothed signal with brows raised, then relaxed, and places the threshold
// a fraction of the way up that range. Implausible captures restart the
// round.
type ThresholdCalibrator struct {
	det *Detector
	cfg ThresholdConfig

	mu          sync.Mutex
	phase       ThresholdPhase
	phaseUntil  time.Time
	raised      float64
	lowered     float64
	retries     int
	instruction string
}

// NewThresholdCalibrator wires the routine to the detector it will tune.
func NewThresholdCalibrator(det *Detector, cfg ThresholdConfig) *ThresholdCalibrator {
	return &ThresholdCalibrator{
		det:         det,
		cfg:         cfg,
		instruction: "",
	}
}

// Begin starts a calibration round.
func (t *ThresholdCalibrator) Begin(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.retries = 0
	t.restart(now)
}

// restart resets the captures. Caller holds the lock.
func (t *ThresholdCalibrator) restart(now time.Time) {
	t.phase = ThresholdRaise
	t.phaseUntil = now.Add(t.cfg.RaisedWindow)
	t.raised = 0
	t.lowered = 0
	t.instruction = "Raise your eyebrows"
}

// Observe feeds the detector's current smoothed signal into the routine.
func (t *ThresholdCalibrator) Observe(signal float64, now time.Time) ThresholdPhase {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch t.phase {
	case ThresholdRaise:
		if !now.Before(t.phaseUntil) {
			t.raised = signal
			t.phase = ThresholdSettle
			t.phaseUntil = now.Add(settleWindow)
			t.instruction = "Lower your eyebrows"
		}
	case ThresholdSettle:
		if !now.Before(t.phaseUntil) {
			t.phase = ThresholdLower
			t.phaseUntil = now.Add(t.cfg.LoweredWindow)
		}
	case ThresholdLower:
		if !now.Before(t.phaseUntil) {
			t.lowered = signal
			t.finish(now)
		}
	}
	return t.phase
}

// finish validates the captures and commits or retries. Caller holds the
// lock.
func (t *ThresholdCalibrator) finish(now time.Time) {
	valid := t.lowered < t.raised && t.raised-t.lowered >= t.cfg.MinRange
	if !valid {
		t.retries++
		if t.retries > t.cfg.MaxRetries {
			t.phase = ThresholdFailed
			t.instruction = "Calibration failed"
			t.det.log.Warn("gesture threshold calibration failed",
				"raised", t.raised, "lowered", t.lowered, "retries", t.retries-1)
			return
		}
		t.det.log.Warn("gesture threshold capture implausible, retrying",
			"raised", t.raised, "lowered", t.lowered)
		t.restart(now)
		return
	}

	threshold := t.lowered + (t.raised-t.lowered)*t.cfg.Placement
	t.det.SetThreshold(threshold)
	t.phase = ThresholdDone
	t.instruction = "Calibration complete"
	t.det.log.Info("gesture threshold calibrated",
		"raised", t.raised, "lowered", t.lowered, "threshold", threshold)
}

// Phase returns the routine state.
func (t *ThresholdCalibrator) Phase() ThresholdPhase {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.phase
}

// Active reports whether a round is in progress.
func (t *ThresholdCalibrator) Active() bool {
	p := t.Phase()
	return p == ThresholdRaise || p == ThresholdSettle || p == ThresholdLower
}

// Instruction returns the operator prompt for the current phase.
func (t *ThresholdCalibrator) Instruction() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.instruction
}
