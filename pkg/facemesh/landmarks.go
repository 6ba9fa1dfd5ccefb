// Package facemesh extracts dense facial landmarks from camera frames.
//
// The landmark model is an external collaborator: callers depend only on
// the Landmarker contract and the point topology, never on the backing
// network. "No face in frame" is a data state, not an error.
package facemesh

import "math"

// LandmarkCount is the size of the dense face mesh.
const LandmarkCount = 468

// Mesh topology indexes used by the pipeline. The numbering follows the
// standard 468-point face mesh.
const (
	NoseTip       = 1
	Chin          = 199
	LeftEyeOuter  = 33
	RightEyeOuter = 263
	MouthLeft     = 61
	MouthRight    = 291

	MouthUpper   = 13
	FaceTop      = 10
	LeftBrowTop  = 105
	LeftFaceTop  = 103
	RightBrowTop = 334
	RightFaceTop = 332
)

// Point is one landmark in frame pixel coordinates. Z is relative depth
// in the same scale as X, negative toward the camera.
type Point struct {
	X, Y, Z float64
}

// Landmarks is a full mesh for one detected face.
type Landmarks []Point

// Valid reports whether the set carries a complete mesh.
func (l Landmarks) Valid() bool {
	return len(l) == LandmarkCount
}

// Pt returns the landmark at index i. Callers index with the topology
// constants above; out-of-range access on an invalid set is a bug in the
// caller, so this panics like any slice access.
func (l Landmarks) Pt(i int) Point {
	return l[i]
}

// Distance returns the 2D euclidean distance between two landmarks.
func Distance(a, b Point) float64 {
	dx := a.X - b.X
	dy := a.Y - b.Y
	return math.Hypot(dx, dy)
}

// FaceHeight is the midline distance from the upper lip to the top of the
// face, the size normalizer for gesture ratios.
func (l Landmarks) FaceHeight() float64 {
	return Distance(l.Pt(MouthUpper), l.Pt(FaceTop))
}

// BrowGap returns the brow-to-forehead distance on one side of the face.
// Side is chosen by the caller from the current yaw so the measured brow
// is the one facing the camera.
func (l Landmarks) BrowGap(left bool) float64 {
	if left {
		return Distance(l.Pt(LeftBrowTop), l.Pt(LeftFaceTop))
	}
	return Distance(l.Pt(RightBrowTop), l.Pt(RightFaceTop))
}
