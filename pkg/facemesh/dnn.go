package facemesh

import (
	"fmt"
	"image"
	"os"
	"sync"

	"gocv.io/x/gocv"
)

const (
	detectorInputSize = 320
	meshInputSize     = 192
	cropMargin        = 0.25
)

// DNNConfig holds model paths and detection thresholds.
type DNNConfig struct {
	DetectorModelPath string // YuNet face detector ONNX
	MeshModelPath     string // dense face mesh ONNX
	ScoreThreshold    float64
	NMSThreshold      float64
}

// DefaultDNNConfig returns production defaults.
func DefaultDNNConfig() DNNConfig {
	return DNNConfig{
		DetectorModelPath: "models/face_detection_yunet.onnx",
		MeshModelPath:     "models/face_landmarks.onnx",
		ScoreThreshold:    0.7,
		NMSThreshold:      0.3,
	}
}

// DNN implements Landmarker with a two-stage pipeline: a YuNet face
// detector finds the dominant face box, then the mesh network regresses
// 468 landmarks from the cropped face.
type DNN struct {
	mu       sync.Mutex // protects inference
	detector gocv.FaceDetectorYN
	mesh     gocv.Net
	cfg      DNNConfig
}

// NewDNN loads both models.
func NewDNN(cfg DNNConfig) (*DNN, error) {
	if _, err := os.Stat(cfg.DetectorModelPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("detector model not found: %s", cfg.DetectorModelPath)
	}
	if _, err := os.Stat(cfg.MeshModelPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("mesh model not found: %s", cfg.MeshModelPath)
	}

	detector := gocv.NewFaceDetectorYNWithParams(
		cfg.DetectorModelPath,
		"", // no config file for ONNX
		image.Pt(detectorInputSize, detectorInputSize),
		float32(cfg.ScoreThreshold),
		float32(cfg.NMSThreshold),
		5000,
		int(gocv.NetBackendDefault),
		int(gocv.NetTargetCPU),
	)

	mesh := gocv.ReadNetFromONNX(cfg.MeshModelPath)
	if mesh.Empty() {
		detector.Close()
		return nil, fmt.Errorf("failed to load mesh model from %s", cfg.MeshModelPath)
	}
	mesh.SetPreferableBackend(gocv.NetBackendDefault)
	mesh.SetPreferableTarget(gocv.NetTargetCPU)

	return &DNN{
		detector: detector,
		mesh:     mesh,
		cfg:      cfg,
	}, nil
}

// Landmarks implements Landmarker.
func (d *DNN) Landmarks(jpeg []byte) (Landmarks, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	img, err := gocv.IMDecode(jpeg, gocv.IMReadColor)
	if err != nil {
		return nil, false, fmt.Errorf("decode image: %w", err)
	}
	defer img.Close()

	if img.Empty() {
		return nil, false, fmt.Errorf("empty image")
	}

	rect, found := d.detectFace(img)
	if !found {
		return nil, false, nil
	}

	lm, err := d.regressMesh(img, rect)
	if err != nil {
		return nil, false, err
	}
	return lm, true, nil
}

// detectFace runs YuNet and returns the best face box as a square crop
// rectangle with margin, clamped to the image.
func (d *DNN) detectFace(img gocv.Mat) (image.Rectangle, bool) {
	imgW := img.Cols()
	imgH := img.Rows()

	d.detector.SetInputSize(image.Pt(imgW, imgH))

	faces := gocv.NewMat()
	defer faces.Close()
	d.detector.Detect(img, &faces)

	// YuNet output rows are 15 columns: 0-3 box x,y,w,h in pixels,
	// 4-13 five landmark pairs, 14 score.
	maxArea := 0.0
	for r := 0; r < faces.Rows(); r++ {
		area := float64(faces.GetFloatAt(r, 2)) * float64(faces.GetFloatAt(r, 3))
		if area > maxArea {
			maxArea = area
		}
	}

	bestScore := -1.0
	var best image.Rectangle
	for r := 0; r < faces.Rows(); r++ {
		x := float64(faces.GetFloatAt(r, 0))
		y := float64(faces.GetFloatAt(r, 1))
		w := float64(faces.GetFloatAt(r, 2))
		h := float64(faces.GetFloatAt(r, 3))
		conf := float64(faces.GetFloatAt(r, 14))

		score := conf*0.7 + (w*h/maxArea)*0.3
		if score > bestScore {
			bestScore = score
			best = image.Rect(int(x), int(y), int(x+w), int(y+h))
		}
	}
	if bestScore < 0 {
		return image.Rectangle{}, false
	}

	// Square crop with margin keeps the mesh net's aspect assumptions.
	side := best.Dx()
	if best.Dy() > side {
		side = best.Dy()
	}
	side = int(float64(side) * (1 + 2*cropMargin))
	cx := best.Min.X + best.Dx()/2
	cy := best.Min.Y + best.Dy()/2
	crop := image.Rect(cx-side/2, cy-side/2, cx+side/2, cy+side/2).
		Intersect(image.Rect(0, 0, imgW, imgH))

	if crop.Dx() < 2 || crop.Dy() < 2 {
		return image.Rectangle{}, false
	}
	return crop, true
}

// regressMesh runs the landmark network on the face crop and maps points
// back to frame coordinates.
func (d *DNN) regressMesh(img gocv.Mat, crop image.Rectangle) (Landmarks, error) {
	region := img.Region(crop)
	defer region.Close()

	blob := gocv.BlobFromImage(region, 1.0/255.0,
		image.Pt(meshInputSize, meshInputSize),
		gocv.NewScalar(0, 0, 0, 0), true, false)
	defer blob.Close()

	d.mesh.SetInput(blob, "")
	out := d.mesh.Forward("")
	defer out.Close()

	data, err := out.DataPtrFloat32()
	if err != nil {
		return nil, fmt.Errorf("read mesh output: %w", err)
	}
	if len(data) < LandmarkCount*3 {
		return nil, fmt.Errorf("mesh output has %d values, want %d", len(data), LandmarkCount*3)
	}

	// Coordinates come out in crop pixel space at the net input size.
	sx := float64(crop.Dx()) / meshInputSize
	sy := float64(crop.Dy()) / meshInputSize

	lm := make(Landmarks, LandmarkCount)
	for i := 0; i < LandmarkCount; i++ {
		lm[i] = Point{
			X: float64(crop.Min.X) + float64(data[i*3])*sx,
			Y: float64(crop.Min.Y) + float64(data[i*3+1])*sy,
			Z: float64(data[i*3+2]) * sx,
		}
	}
	return lm, nil
}

// Close releases both networks.
func (d *DNN) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.detector.Close()
	return d.mesh.Close()
}
