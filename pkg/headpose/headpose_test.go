package headpose

import (
	"math"
	"testing"
	"time"

	"github.com/Bumply/bitirme/pkg/facemesh"
)

// synthMesh projects the reference model through a rotation and an
// arbitrary scale/offset, producing the landmark set a camera would see.
func synthMesh(r [3][3]float64) facemesh.Landmarks {
	lm := make(facemesh.Landmarks, facemesh.LandmarkCount)
	for i, idx := range poseIndexes {
		p := referenceModel[i]
		x := r[0][0]*p[0] + r[0][1]*p[1] + r[0][2]*p[2]
		y := r[1][0]*p[0] + r[1][1]*p[1] + r[1][2]*p[2]
		z := r[2][0]*p[0] + r[2][1]*p[1] + r[2][2]*p[2]
		lm[idx] = facemesh.Point{X: x*120 + 320, Y: y*120 + 240, Z: z * 120}
	}
	return lm
}

func identityRot() [3][3]float64 {
	return [3][3]float64{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}
}

// yawRight rotates the head so the face turns toward the user's right.
func yawRight(deg float64) [3][3]float64 {
	a := deg * math.Pi / 180
	return [3][3]float64{
		{math.Cos(a), 0, -math.Sin(a)},
		{0, 1, 0},
		{math.Sin(a), 0, math.Cos(a)},
	}
}

// pitchUp rotates the head so the face tilts upward.
func pitchUp(deg float64) [3][3]float64 {
	b := deg * math.Pi / 180
	return [3][3]float64{
		{1, 0, 0},
		{0, math.Cos(b), math.Sin(b)},
		{0, -math.Sin(b), math.Cos(b)},
	}
}

func TestFitNeutral(t *testing.T) {
	est := NewEstimator(1.0)
	yaw, pitch, ok := est.Fit(synthMesh(identityRot()))
	if !ok {
		t.Fatal("fit failed on neutral mesh")
	}
	if math.Abs(yaw) > 1e-6 || math.Abs(pitch) > 1e-6 {
		t.Errorf("neutral pose gave yaw=%v pitch=%v, want ~0", yaw, pitch)
	}
}

func TestFitKnownRotations(t *testing.T) {
	est := NewEstimator(1.0)

	cases := []struct {
		name      string
		rot       [3][3]float64
		wantYaw   float64
		wantPitch float64
	}{
		{"yaw right 20", yawRight(20), 20, 0},
		{"yaw left 15", yawRight(-15), -15, 0},
		{"pitch up 10", pitchUp(10), 0, 10},
		{"pitch down 8", pitchUp(-8), 0, -8},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			yaw, pitch, ok := est.Fit(synthMesh(tc.rot))
			if !ok {
				t.Fatal("fit failed")
			}
			if math.Abs(yaw-tc.wantYaw) > 0.5 {
				t.Errorf("yaw = %v, want %v", yaw, tc.wantYaw)
			}
			if math.Abs(pitch-tc.wantPitch) > 0.5 {
				t.Errorf("pitch = %v, want %v", pitch, tc.wantPitch)
			}
		})
	}
}

func TestFitDeterministic(t *testing.T) {
	est := NewEstimator(1.0)
	lm := synthMesh(yawRight(12))

	y1, p1, _ := est.Fit(lm)
	y2, p2, _ := est.Fit(lm)
	if y1 != y2 || p1 != p2 {
		t.Errorf("same input fit twice gave (%v,%v) then (%v,%v)", y1, p1, y2, p2)
	}
}

func TestFitRejectsBadGeometry(t *testing.T) {
	est := NewEstimator(1.0)

	if _, _, ok := est.Fit(nil); ok {
		t.Error("nil landmarks should not fit")
	}
	if _, _, ok := est.Fit(make(facemesh.Landmarks, 10)); ok {
		t.Error("partial mesh should not fit")
	}

	// All pose points collapsed to one pixel: zero spread.
	lm := make(facemesh.Landmarks, facemesh.LandmarkCount)
	for i := range lm {
		lm[i] = facemesh.Point{X: 320, Y: 240}
	}
	if _, _, ok := est.Fit(lm); ok {
		t.Error("degenerate geometry should not fit")
	}
}

func TestAngleCoefficientScales(t *testing.T) {
	base := NewEstimator(1.0)
	scaled := NewEstimator(2.0)
	lm := synthMesh(yawRight(10))

	y1, _, _ := base.Fit(lm)
	y2, _, _ := scaled.Fit(lm)
	if math.Abs(y2-2*y1) > 1e-9 {
		t.Errorf("coefficient 2.0: yaw %v, want %v", y2, 2*y1)
	}
}

func TestCalibrationRoundTrip(t *testing.T) {
	est := NewEstimator(1.0)
	cal := NewCalibrator(est, 0.2, 5)

	// The user's resting pose is slightly off straight ahead.
	lm := synthMesh(yawRight(3))

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	cal.Begin(0, time.Second, now)
	for i := 0; i < 10; i++ {
		now = now.Add(100 * time.Millisecond)
		rawYaw, rawPitch, ok := est.Fit(lm)
		if !ok {
			t.Fatal("fit failed during calibration")
		}
		cal.Observe(rawYaw, rawPitch, true, now)
	}

	if got := cal.Phase(); got != PhaseCommitted {
		t.Fatalf("phase = %v, want committed", got)
	}
	if !est.Calibrated() {
		t.Fatal("estimator should hold a baseline")
	}

	// The same pose fed back through the estimator reads as neutral.
	s := est.Sample(lm, 1, now)
	if !s.Valid {
		t.Fatal("sample invalid")
	}
	if math.Abs(s.Yaw) > 0.01 || math.Abs(s.Pitch) > 0.01 {
		t.Errorf("post-calibration sample yaw=%v pitch=%v, want ~0", s.Yaw, s.Pitch)
	}
}

func TestSampleWithoutFace(t *testing.T) {
	est := NewEstimator(1.0)
	s := est.Sample(nil, 7, time.Now())
	if s.Valid {
		t.Error("no landmarks should produce an invalid sample")
	}
	if s.Seq != 7 {
		t.Errorf("seq = %d, want 7", s.Seq)
	}
}
