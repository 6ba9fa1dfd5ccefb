// Package camera provides the frame source for the drive pipeline.
//
// Frames leave this package as JPEG bytes so downstream stages can share
// them read-only across goroutines without tracking native Mat lifetimes.
package camera

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"gocv.io/x/gocv"

	"github.com/Bumply/bitirme/internal/logx"
)

// ErrClosed is returned by Capture after Close.
var ErrClosed = errors.New("camera: closed")

// Frame is one captured image. Immutable once produced; the JPEG slice is
// shared by reference and must not be written by consumers.
type Frame struct {
	Seq        uint64
	CapturedAt time.Time
	Width      int
	Height     int
	JPEG       []byte
}

// Config holds frame source settings.
type Config struct {
	DeviceID       int
	Width          int
	Height         int
	FPS            int
	FlipHorizontal bool
	JPEGQuality    int

	// MaxConsecutiveFailures read misses trigger a device reopen.
	MaxConsecutiveFailures int
	ReopenMaxRetries       int
	ReopenBaseDelay        time.Duration
	ReopenMaxDelay         time.Duration
}

// DefaultConfig returns settings for a USB webcam at VGA resolution.
func DefaultConfig() Config {
	return Config{
		DeviceID:               0,
		Width:                  640,
		Height:                 480,
		FPS:                    30,
		FlipHorizontal:         true,
		JPEGQuality:            85,
		MaxConsecutiveFailures: 30,
		ReopenMaxRetries:       5,
		ReopenBaseDelay:        time.Second,
		ReopenMaxDelay:         30 * time.Second,
	}
}

// Stats counts source activity since Open.
type Stats struct {
	Frames  uint64
	Misses  uint64
	Reopens uint64
}

// Source wraps a camera device and yields validated frames.
type Source struct {
	cfg Config
	log *slog.Logger

	mu     sync.Mutex
	cap    *gocv.VideoCapture
	img    gocv.Mat
	flip   gocv.Mat
	seq    uint64
	closed bool
	stats  Stats
}

// Open opens the camera device and verifies it delivers frames.
func Open(cfg Config) (*Source, error) {
	s := &Source{
		cfg:  cfg,
		log:  logx.Component("camera"),
		img:  gocv.NewMat(),
		flip: gocv.NewMat(),
	}
	if err := s.open(); err != nil {
		s.img.Close()
		s.flip.Close()
		return nil, err
	}
	return s, nil
}

func (s *Source) open() error {
	cap, err := gocv.OpenVideoCapture(s.cfg.DeviceID)
	if err != nil {
		return fmt.Errorf("open camera %d: %w", s.cfg.DeviceID, err)
	}
	cap.Set(gocv.VideoCaptureFrameWidth, float64(s.cfg.Width))
	cap.Set(gocv.VideoCaptureFrameHeight, float64(s.cfg.Height))
	if s.cfg.FPS > 0 {
		cap.Set(gocv.VideoCaptureFPS, float64(s.cfg.FPS))
	}

	// A device can open and still deliver nothing; fail fast here.
	probe := gocv.NewMat()
	defer probe.Close()
	if ok := cap.Read(&probe); !ok || probe.Empty() {
		cap.Close()
		return fmt.Errorf("camera %d opened but returned no frame", s.cfg.DeviceID)
	}

	s.cap = cap
	s.log.Info("camera ready",
		"device", s.cfg.DeviceID,
		"width", int(cap.Get(gocv.VideoCaptureFrameWidth)),
		"height", int(cap.Get(gocv.VideoCaptureFrameHeight)))
	return nil
}

// Capture reads a single frame. A read miss returns (Frame{}, false, nil):
// no frame this cycle, not an error.
func (s *Source) Capture() (Frame, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return Frame{}, false, ErrClosed
	}
	if s.cap == nil {
		return Frame{}, false, errors.New("camera: device not open")
	}

	if ok := s.cap.Read(&s.img); !ok || s.img.Empty() {
		s.stats.Misses++
		return Frame{}, false, nil
	}

	src := &s.img
	if s.cfg.FlipHorizontal {
		gocv.Flip(s.img, &s.flip, 1)
		src = &s.flip
	}

	buf, err := gocv.IMEncodeWithParams(gocv.JPEGFileExt, *src,
		[]int{gocv.IMWriteJpegQuality, s.cfg.JPEGQuality})
	if err != nil {
		return Frame{}, false, fmt.Errorf("encode frame: %w", err)
	}
	// The buffer is backed by native memory; copy before releasing it.
	jpeg := make([]byte, len(buf.GetBytes()))
	copy(jpeg, buf.GetBytes())
	buf.Close()

	s.seq++
	s.stats.Frames++
	return Frame{
		Seq:        s.seq,
		CapturedAt: time.Now(),
		Width:      src.Cols(),
		Height:     src.Rows(),
		JPEG:       jpeg,
	}, true, nil
}

// Run captures frames until ctx is cancelled, handing each one to emit.
// emit must not block; queue policy belongs to the caller. Consecutive
// read misses past the configured budget trigger a device reopen with
// exponential backoff; exhausting the reopen budget is fatal and returns
// an error for the orchestrator to escalate.
func (s *Source) Run(ctx context.Context, emit func(Frame)) error {
	misses := 0
	lastMissLog := time.Time{}

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		frame, ok, err := s.Capture()
		if err != nil {
			if errors.Is(err, ErrClosed) {
				return nil
			}
			return err
		}
		if !ok {
			misses++
			if time.Since(lastMissLog) > 5*time.Second {
				s.log.Warn("frame read miss", "consecutive", misses)
				lastMissLog = time.Now()
			}
			if misses >= s.cfg.MaxConsecutiveFailures {
				if err := s.reopen(ctx); err != nil {
					return err
				}
				misses = 0
			}
			continue
		}

		misses = 0
		emit(frame)
	}
}

// reopen closes and reopens the device with exponential backoff.
func (s *Source) reopen(ctx context.Context) error {
	s.mu.Lock()
	if s.cap != nil {
		s.cap.Close()
		s.cap = nil
	}
	s.stats.Reopens++
	s.mu.Unlock()

	delay := s.cfg.ReopenBaseDelay
	for attempt := 1; attempt <= s.cfg.ReopenMaxRetries; attempt++ {
		s.log.Warn("reopening camera", "attempt", attempt, "delay", delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}

		s.mu.Lock()
		err := s.open()
		s.mu.Unlock()
		if err == nil {
			return nil
		}
		s.log.Error("camera reopen failed", "attempt", attempt, "error", err)

		delay *= 2
		if delay > s.cfg.ReopenMaxDelay {
			delay = s.cfg.ReopenMaxDelay
		}
	}
	return fmt.Errorf("camera %d: gone after %d reopen attempts", s.cfg.DeviceID, s.cfg.ReopenMaxRetries)
}

// Stats returns a copy of the source counters.
func (s *Source) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Close releases the device. Safe to call more than once.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.img.Close()
	s.flip.Close()
	if s.cap != nil {
		err := s.cap.Close()
		s.cap = nil
		return err
	}
	return nil
}
