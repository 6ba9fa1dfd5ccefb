package headpose

import (
	"math"
	"testing"
	"time"
)

func calClock() time.Time {
	return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
}

func TestCalibratorRejectsOutliers(t *testing.T) {
	est := NewEstimator(1.0)
	cal := NewCalibrator(est, 0.2, 5)

	now := calClock()
	cal.Begin(0, time.Second, now)

	// Eight steady readings and two spikes (a blink, a detector glitch).
	yaws := []float64{2, 2, 2, 2, -50, 2, 2, 50, 2, 2}
	for _, y := range yaws {
		now = now.Add(100 * time.Millisecond)
		cal.Observe(y, 1, true, now)
	}

	if cal.Phase() != PhaseCommitted {
		t.Fatalf("phase = %v, want committed", cal.Phase())
	}
	b, ok := est.Baseline()
	if !ok {
		t.Fatal("no baseline committed")
	}
	if math.Abs(b.NeutralYaw-2) > 1e-9 {
		t.Errorf("neutral yaw = %v, want 2 (outliers trimmed)", b.NeutralYaw)
	}
	if math.Abs(b.NeutralPitch-1) > 1e-9 {
		t.Errorf("neutral pitch = %v, want 1", b.NeutralPitch)
	}
}

func TestCalibratorFailsWithoutFace(t *testing.T) {
	est := NewEstimator(1.0)
	cal := NewCalibrator(est, 0.2, 5)

	now := calClock()
	cal.Begin(0, time.Second, now)
	for i := 0; i < 12; i++ {
		now = now.Add(100 * time.Millisecond)
		cal.Observe(0, 0, false, now)
	}

	if cal.Phase() != PhaseFailed {
		t.Fatalf("phase = %v, want failed", cal.Phase())
	}
	if est.Calibrated() {
		t.Error("failed first calibration must not commit a baseline")
	}
}

func TestCalibratorKeepsPreviousBaselineOnFailure(t *testing.T) {
	est := NewEstimator(1.0)
	est.Commit(Baseline{NeutralYaw: 4, NeutralPitch: -1, CapturedAt: calClock()})

	cal := NewCalibrator(est, 0.2, 5)
	now := calClock()
	cal.Begin(0, time.Second, now)
	for i := 0; i < 12; i++ {
		now = now.Add(100 * time.Millisecond)
		cal.Observe(0, 0, false, now)
	}

	if cal.Phase() != PhaseFailed {
		t.Fatalf("phase = %v, want failed", cal.Phase())
	}
	b, ok := est.Baseline()
	if !ok || b.NeutralYaw != 4 || b.NeutralPitch != -1 {
		t.Errorf("baseline = %+v ok=%v, want previous baseline intact", b, ok)
	}
}

func TestCalibratorHoldWindow(t *testing.T) {
	est := NewEstimator(1.0)
	cal := NewCalibrator(est, 0.2, 3)

	now := calClock()
	cal.Begin(2*time.Second, time.Second, now)

	// Samples during the settle window must not be collected.
	phase := cal.Observe(10, 10, true, now.Add(500*time.Millisecond))
	if phase != PhaseWaiting {
		t.Fatalf("phase = %v, want waiting during hold", phase)
	}

	// Past the hold the routine collects; these neutral samples commit.
	for i := 0; i <= 10; i++ {
		cal.Observe(1, 0, true, now.Add(2*time.Second).Add(time.Duration(i)*100*time.Millisecond))
	}

	if cal.Phase() != PhaseCommitted {
		t.Fatalf("phase = %v, want committed", cal.Phase())
	}
	b, _ := est.Baseline()
	if math.Abs(b.NeutralYaw-1) > 1e-9 {
		t.Errorf("neutral yaw = %v, want 1 (settle-window sample excluded)", b.NeutralYaw)
	}
}

func TestCalibratorRestart(t *testing.T) {
	est := NewEstimator(1.0)
	cal := NewCalibrator(est, 0.2, 3)

	now := calClock()
	cal.Begin(0, time.Second, now)
	cal.Observe(9, 9, true, now.Add(100*time.Millisecond))

	// Restart discards the partial collection.
	cal.Begin(0, time.Second, now.Add(200*time.Millisecond))
	for i := 1; i <= 10; i++ {
		cal.Observe(2, 2, true, now.Add(200*time.Millisecond).Add(time.Duration(i)*100*time.Millisecond))
	}

	b, ok := est.Baseline()
	if !ok {
		t.Fatal("no baseline committed")
	}
	if math.Abs(b.NeutralYaw-2) > 1e-9 {
		t.Errorf("neutral yaw = %v, want 2 (pre-restart sample discarded)", b.NeutralYaw)
	}
}

func TestTrimmedMean(t *testing.T) {
	cases := []struct {
		name string
		xs   []float64
		frac float64
		want float64
	}{
		{"no trim", []float64{1, 2, 3}, 0, 2},
		{"trims extremes", []float64{0, 10, 10, 10, 100}, 0.2, 10},
		{"single value", []float64{5}, 0.2, 5},
		{"two values heavy trim", []float64{4, 6}, 0.4, 5},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := trimmedMean(tc.xs, tc.frac); math.Abs(got-tc.want) > 1e-9 {
				t.Errorf("trimmedMean(%v, %v) = %v, want %v", tc.xs, tc.frac, got, tc.want)
			}
		})
	}
}
