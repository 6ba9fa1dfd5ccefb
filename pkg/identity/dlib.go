package identity

import (
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Kagami/go-face"

	"github.com/Bumply/bitirme/internal/logx"
)

// Config holds the verifier setup.
type Config struct {
	// ModelDir holds dlib's shape predictor and ResNet model files.
	ModelDir string
	// UserImagesDir holds one subdirectory per enrolled user with JPEG
	// photos inside.
	UserImagesDir string
	// Tolerance is the maximum embedding distance that still counts as
	// the same person.
	Tolerance float64
}

// DefaultConfig returns the deployed verifier setup.
func DefaultConfig() Config {
	return Config{
		ModelDir:      "models/dlib",
		UserImagesDir: "users",
		Tolerance:     0.5,
	}
}

// Dlib verifies identities against dlib ResNet face embeddings. Each
// enrolled user is registered as one averaged descriptor; classification
// goes through the recognizer's own threshold matcher.
type Dlib struct {
	cfg Config
	log *slog.Logger

	mu      sync.Mutex
	rec     *face.Recognizer
	users   []string          // category index -> user id
	gallery []face.Descriptor // category index -> averaged descriptor
}

// NewDlib loads the dlib models and enrolls every user photo found under
// cfg.UserImagesDir.
func NewDlib(cfg Config) (*Dlib, error) {
	rec, err := face.NewRecognizer(cfg.ModelDir)
	if err != nil {
		return nil, fmt.Errorf("identity: load models from %s: %w", cfg.ModelDir, err)
	}

	d := &Dlib{cfg: cfg, log: logx.Component("identity"), rec: rec}
	if err := d.enroll(); err != nil {
		rec.Close()
		return nil, err
	}
	return d, nil
}

// enroll builds the per-user gallery and registers it with the recognizer.
func (d *Dlib) enroll() error {
	shots, err := scanUserImages(d.cfg.UserImagesDir)
	if err != nil {
		return err
	}

	perUser := map[string][]face.Descriptor{}
	for _, s := range shots {
		f, err := d.rec.RecognizeSingleFile(s.path)
		if err != nil {
			return fmt.Errorf("identity: enroll %s: %w", s.path, err)
		}
		if f == nil {
			d.log.Warn("enrollment photo has no single face, skipped", "path", s.path)
			continue
		}
		perUser[s.user] = append(perUser[s.user], f.Descriptor)
	}
	if len(perUser) == 0 {
		return fmt.Errorf("identity: no usable enrollment photos under %s", d.cfg.UserImagesDir)
	}

	for user := range perUser {
		d.users = append(d.users, user)
	}
	sort.Strings(d.users)

	cats := make([]int32, len(d.users))
	for i, user := range d.users {
		d.gallery = append(d.gallery, averageDescriptors(perUser[user]))
		cats[i] = int32(i)
	}
	d.rec.SetSamples(d.gallery, cats)

	d.log.Info("user gallery enrolled", "users", len(d.users), "photos", len(shots))
	return nil
}

// Identify matches the frame against the gallery. A frame without exactly
// one face yields the zero Identity. A face matching no enrolled user
// yields an unauthorized Identity carrying the nearest distance.
func (d *Dlib) Identify(jpeg []byte) (Identity, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.rec == nil {
		return Identity{}, ErrClosed
	}

	f, err := d.rec.RecognizeSingle(jpeg)
	if err != nil {
		return Identity{}, fmt.Errorf("identity: recognize: %w", err)
	}
	if f == nil {
		return Identity{}, nil
	}

	id := Identity{SeenAt: time.Now()}
	_, id.Distance = bestMatch(d.users, d.gallery, f.Descriptor)

	if idx := d.rec.ClassifyThreshold(f.Descriptor, float32(d.cfg.Tolerance)); idx >= 0 && idx < len(d.users) {
		id.UserID = d.users[idx]
		id.Distance = descriptorDistance(d.gallery[idx], f.Descriptor)
	}
	return id, nil
}

// Users lists the enrolled user IDs.
func (d *Dlib) Users() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.users))
	copy(out, d.users)
	return out
}

// Close releases the dlib models.
func (d *Dlib) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.rec != nil {
		d.rec.Close()
		d.rec = nil
	}
	return nil
}

// bestMatch returns the nearest enrolled user and its embedding distance.
// An empty gallery returns +Inf.
func bestMatch(users []string, gallery []face.Descriptor, desc face.Descriptor) (string, float64) {
	user := ""
	best := math.Inf(1)
	for i, g := range gallery {
		if dist := descriptorDistance(g, desc); dist < best {
			best = dist
			user = users[i]
		}
	}
	return user, best
}

// descriptorDistance is the Euclidean distance between two embeddings.
func descriptorDistance(a, b face.Descriptor) float64 {
	var sum float64
	for i := range a {
		diff := float64(a[i] - b[i])
		sum += diff * diff
	}
	return math.Sqrt(sum)
}

// averageDescriptors folds a user's enrollment photos into one embedding.
func averageDescriptors(ds []face.Descriptor) face.Descriptor {
	var avg face.Descriptor
	if len(ds) == 0 {
		return avg
	}
	for _, d := range ds {
		for i, v := range d {
			avg[i] += v
		}
	}
	n := float32(len(ds))
	for i := range avg {
		avg[i] /= n
	}
	return avg
}

// userImage is one enrollment photo on disk.
type userImage struct {
	user string
	path string
}

// scanUserImages lists the JPEG photos under dir, one subdirectory per
// user. dlib only decodes JPEG, so other files are skipped.
func scanUserImages(dir string) ([]userImage, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("identity: read user images dir: %w", err)
	}

	var shots []userImage
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		user := e.Name()
		imgs, err := os.ReadDir(filepath.Join(dir, user))
		if err != nil {
			return nil, fmt.Errorf("identity: read user dir %s: %w", user, err)
		}
		for _, img := range imgs {
			if img.IsDir() {
				continue
			}
			switch strings.ToLower(filepath.Ext(img.Name())) {
			case ".jpg", ".jpeg":
				shots = append(shots, userImage{user: user, path: filepath.Join(dir, user, img.Name())})
			}
		}
	}
	return shots, nil
}
