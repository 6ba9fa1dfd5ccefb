// Package gesture detects the brow-raise enable gesture from face
// landmarks.
//
// The tracked signal is the face-height to brow-gap ratio, compensated for
// head pitch/yaw so tilting the head does not read as a raise. The detector
// is edge-triggered: the smoothed signal must stay above threshold for the
// hold duration to fire once, then drop below threshold to arm again.
package gesture

import (
	"log/slog"
	"math"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/Bumply/bitirme/internal/logx"
	"github.com/Bumply/bitirme/pkg/facemesh"
)

// Event is a discrete gesture detection.
type Event int

const (
	None Event = iota
	EnableToggle
)

func (e Event) String() string {
	if e == EnableToggle {
		return "enable_toggle"
	}
	return "none"
}

// Compensation coefficients, tuned on the deployed chair.
const (
	pitchUpComp   = 3.0
	pitchDownComp = 2.5
	yawComp       = 3.5
	yawCompMin    = 10.0

	// Arrival-time sample weights: deviation from the running mean maps to
	// 1/(1-dev), clamped; near-unity deviation falls back to neutral.
	weightDevLimit = 0.95
	weightMin      = 0.1
	weightMax      = 10.0

	maxPlausibleRatio = 1000.0
)

// Config holds detector tuning.
type Config struct {
	WindowSize int
	Threshold  float64
	Hold       time.Duration

	// Guard limits; samples outside them carry no signal.
	MaxPitchJump  float64
	MaxYawJump    float64
	MaxAbsPitch   float64
	MaxAbsYaw     float64
	MinFaceHeight float64
	MinBrowGap    float64
}

// DefaultConfig returns the deployed tuning.
func DefaultConfig() Config {
	return Config{
		WindowSize:    10,
		Threshold:     400,
		Hold:          2 * time.Second,
		MaxPitchJump:  3.0,
		MaxYawJump:    4.0,
		MaxAbsPitch:   25.0,
		MaxAbsYaw:     30.0,
		MinFaceHeight: 5.0,
		MinBrowGap:    1.0,
	}
}

// Detector tracks the brow signal over a rolling window.
type Detector struct {
	cfg Config
	log *slog.Logger

	mu        sync.Mutex
	threshold float64
	ratios    []float64
	weights   []float64
	signal    float64

	lastPitch float64
	lastYaw   float64
	hasLast   bool

	above      bool
	aboveSince time.Time
	armed      bool

	fired      uint64
	suppressed uint64
}

// New creates a detector.
func New(cfg Config) *Detector {
	return &Detector{
		cfg:       cfg,
		log:       logx.Component("gesture"),
		threshold: cfg.Threshold,
		armed:     true,
	}
}

// Update consumes one landmark set with its pose angles and reports a
// gesture event. Implausible geometry and fast head motion are no-signal
// samples, never errors.
func (d *Detector) Update(lm facemesh.Landmarks, yaw, pitch float64, now time.Time) Event {
	d.mu.Lock()
	defer d.mu.Unlock()

	ratio, ok := d.measure(lm, yaw, pitch)
	if !ok {
		d.suppressed++
		return d.noSignal()
	}

	d.push(ratio)
	return d.evaluate(now)
}

// measure derives the compensated brow ratio, or false for a no-signal
// sample.
func (d *Detector) measure(lm facemesh.Landmarks, yaw, pitch float64) (float64, bool) {
	if !lm.Valid() {
		return 0, false
	}
	if math.Abs(pitch) > 90 || math.Abs(yaw) > 90 {
		return 0, false
	}

	faceHeight := lm.FaceHeight()
	if faceHeight < d.cfg.MinFaceHeight {
		return 0, false
	}

	// Measure the brow on the side turned toward the camera.
	browGap := lm.BrowGap(yaw < 0)
	if browGap < d.cfg.MinBrowGap {
		return 0, false
	}

	ratio := faceHeight / browGap * 100
	if ratio <= 0 || ratio > maxPlausibleRatio {
		return 0, false
	}

	// A fast-moving head distorts the ratio; skip the frame.
	if d.hasLast {
		if math.Abs(pitch-d.lastPitch) > d.cfg.MaxPitchJump ||
			math.Abs(yaw-d.lastYaw) > d.cfg.MaxYawJump {
			d.lastPitch, d.lastYaw = pitch, yaw
			return 0, false
		}
	}
	d.lastPitch, d.lastYaw = pitch, yaw
	d.hasLast = true

	if math.Abs(pitch) > d.cfg.MaxAbsPitch || math.Abs(yaw) > d.cfg.MaxAbsYaw {
		return 0, false
	}

	// Tilting up compresses the brow gap more than tilting down.
	if pitch > 0 {
		ratio -= pitch * pitchUpComp
	} else {
		ratio -= pitch * pitchDownComp
	}
	if math.Abs(yaw) > yawCompMin {
		ratio -= math.Abs(yaw) * yawComp
	}

	if math.IsNaN(ratio) || math.IsInf(ratio, 0) {
		return 0, false
	}
	return ratio, true
}

// push adds a sample to the window and refreshes the smoothed signal.
// Each sample's weight is fixed at arrival from its deviation against the
// window mean of that moment.
func (d *Detector) push(ratio float64) {
	d.ratios = append(d.ratios, ratio)

	if len(d.ratios) < d.cfg.WindowSize {
		d.signal = ratio
		return
	}

	m := stat.Mean(d.ratios, nil)
	w := 1.0
	if m != 0 {
		dev := math.Abs(m-ratio) / math.Abs(m)
		if dev < weightDevLimit {
			w = 1 / (1 - dev)
		}
		w = math.Min(math.Max(w, weightMin), weightMax)
	}
	d.weights = append(d.weights, w)

	if len(d.weights) == len(d.ratios) {
		d.signal = stat.Mean(d.ratios, d.weights)
		d.weights = d.weights[1:]
	} else {
		d.signal = m
	}
	d.ratios = d.ratios[1:]
}

// evaluate applies threshold, hold duration, and the edge trigger.
func (d *Detector) evaluate(now time.Time) Event {
	if d.signal > d.threshold {
		if !d.above {
			d.above = true
			d.aboveSince = now
		}
		if d.armed && now.Sub(d.aboveSince) >= d.cfg.Hold {
			d.armed = false
			d.fired++
			d.log.Info("brow raise confirmed", "signal", d.signal, "threshold", d.threshold)
			return EnableToggle
		}
		return None
	}

	return d.noSignal()
}

// noSignal treats the sample as below threshold: the hold resets and the
// trigger arms again. Caller holds the lock.
func (d *Detector) noSignal() Event {
	d.above = false
	d.armed = true
	return None
}

// Signal returns the current smoothed ratio.
func (d *Detector) Signal() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.signal
}

// Threshold returns the active firing threshold.
func (d *Detector) Threshold() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.threshold
}

// SetThreshold installs a new firing threshold, normally from the
// calibration routine.
func (d *Detector) SetThreshold(v float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.threshold = v
	d.log.Info("gesture threshold updated", "threshold", v)
}

// Fired returns how many gestures have been confirmed since start.
func (d *Detector) Fired() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fired
}
