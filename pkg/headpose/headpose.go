// Package headpose turns face landmarks into head yaw/pitch angles
// relative to a calibrated neutral pose.
//
// Angles use the mirrored camera view: positive yaw means the user turned
// right, positive pitch means the user looked up. The estimation step is
// deterministic and pure; the only shared state is the committed baseline,
// swapped atomically so concurrent readers never see a partial update.
package headpose

import (
	"math"
	"sync/atomic"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/Bumply/bitirme/pkg/facemesh"
)

// Sample is one pose measurement, relative to the committed baseline.
type Sample struct {
	Yaw        float64 // degrees, positive = turned right
	Pitch      float64 // degrees, positive = looking up
	Valid      bool
	Seq        uint64
	CapturedAt time.Time

	// Landmarks carries the mesh that produced this sample so the gesture
	// path works from the same detection. Nil when Valid is false.
	Landmarks facemesh.Landmarks
}

// Baseline is the committed neutral pose. All samples are expressed
// relative to it.
type Baseline struct {
	NeutralYaw   float64
	NeutralPitch float64
	CapturedAt   time.Time
}

// poseIndexes are the six stable outline landmarks used for the fit.
var poseIndexes = [6]int{
	facemesh.LeftEyeOuter,
	facemesh.RightEyeOuter,
	facemesh.NoseTip,
	facemesh.MouthLeft,
	facemesh.MouthRight,
	facemesh.Chin,
}

// referenceModel is the neutral 3D face the observed landmarks are aligned
// against. Frame: X right, Y down, Z away from the camera; units are
// arbitrary because the fit normalizes scale.
var referenceModel = [6][3]float64{
	{-0.50, -0.35, 0.00},  // left eye outer corner
	{0.50, -0.35, 0.00},   // right eye outer corner
	{0.00, 0.00, -0.30},   // nose tip
	{-0.30, 0.35, -0.05},  // mouth left corner
	{0.30, 0.35, -0.05},   // mouth right corner
	{0.00, 0.75, -0.10},   // chin
}

// Estimator fits head orientation from landmark geometry.
type Estimator struct {
	coefficient float64
	baseline    atomic.Pointer[Baseline]
}

// NewEstimator creates an estimator. coefficient scales the extracted
// angles; 1.0 reports geometric degrees.
func NewEstimator(coefficient float64) *Estimator {
	if coefficient <= 0 {
		coefficient = 1.0
	}
	return &Estimator{coefficient: coefficient}
}

// Fit computes absolute yaw/pitch in degrees from a landmark set.
// ok is false when the set is incomplete or geometrically degenerate.
func (e *Estimator) Fit(lm facemesh.Landmarks) (yaw, pitch float64, ok bool) {
	if !lm.Valid() {
		return 0, 0, false
	}

	var obs [6][3]float64
	for i, idx := range poseIndexes {
		p := lm.Pt(idx)
		obs[i] = [3]float64{p.X, p.Y, p.Z}
	}

	r, ok := rigidRotation(obs, referenceModel)
	if !ok {
		return 0, 0, false
	}

	// Face-forward in the neutral model points at the camera:
	// f = R·(0,0,-1), the negated third column of the rotation.
	f := [3]float64{-r.At(0, 2), -r.At(1, 2), -r.At(2, 2)}

	yaw = math.Atan2(f[0], -f[2]) * 180 / math.Pi
	pitch = math.Atan2(-f[1], math.Hypot(f[0], f[2])) * 180 / math.Pi

	return yaw * e.coefficient, pitch * e.coefficient, true
}

// Sample produces a baseline-relative pose sample for one frame.
func (e *Estimator) Sample(lm facemesh.Landmarks, seq uint64, at time.Time) Sample {
	rawYaw, rawPitch, ok := e.Fit(lm)
	if !ok {
		return Sample{Seq: seq, CapturedAt: at}
	}
	yaw, pitch := rawYaw, rawPitch
	if b := e.baseline.Load(); b != nil {
		yaw -= b.NeutralYaw
		pitch -= b.NeutralPitch
	}
	return Sample{
		Yaw:        yaw,
		Pitch:      pitch,
		Valid:      true,
		Seq:        seq,
		CapturedAt: at,
		Landmarks:  lm,
	}
}

// Commit atomically installs a new baseline.
func (e *Estimator) Commit(b Baseline) {
	e.baseline.Store(&b)
}

// Baseline returns the committed baseline, if any.
func (e *Estimator) Baseline() (Baseline, bool) {
	b := e.baseline.Load()
	if b == nil {
		return Baseline{}, false
	}
	return *b, true
}

// Calibrated reports whether a baseline has ever been committed.
func (e *Estimator) Calibrated() bool {
	return e.baseline.Load() != nil
}

// rigidRotation solves the orthogonal Procrustes problem: the rotation
// aligning the reference point set onto the observed set, scale and
// translation removed. Reflections are rejected so a mirrored fit cannot
// pass as a rotation.
func rigidRotation(obs, ref [6][3]float64) (*mat.Dense, bool) {
	obsC, obsScale := center(obs)
	refC, refScale := center(ref)
	if obsScale < 1e-9 || refScale < 1e-9 {
		return nil, false
	}

	// Cross-covariance H = ref^T · obs over normalized points.
	h := mat.NewDense(3, 3, nil)
	for i := 0; i < 6; i++ {
		for r := 0; r < 3; r++ {
			for c := 0; c < 3; c++ {
				h.Set(r, c, h.At(r, c)+refC[i][r]/refScale*obsC[i][c]/obsScale)
			}
		}
	}

	var svd mat.SVD
	if !svd.Factorize(h, mat.SVDFull) {
		return nil, false
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	var vut mat.Dense
	vut.Mul(&v, u.T())
	d := 1.0
	if mat.Det(&vut) < 0 {
		d = -1.0
	}

	sign := mat.NewDiagDense(3, []float64{1, 1, d})
	var r mat.Dense
	r.Product(&v, sign, u.T())
	return &r, true
}

// center subtracts the centroid and returns the RMS spread.
func center(pts [6][3]float64) ([6][3]float64, float64) {
	var cx, cy, cz float64
	for _, p := range pts {
		cx += p[0]
		cy += p[1]
		cz += p[2]
	}
	cx /= 6
	cy /= 6
	cz /= 6

	var out [6][3]float64
	var sum float64
	for i, p := range pts {
		out[i] = [3]float64{p[0] - cx, p[1] - cy, p[2] - cz}
		sum += out[i][0]*out[i][0] + out[i][1]*out[i][1] + out[i][2]*out[i][2]
	}
	return out, math.Sqrt(sum / 6)
}
