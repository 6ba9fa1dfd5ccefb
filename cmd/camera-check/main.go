// camera-check grabs a burst of frames from the configured camera and
// reports the achieved rate. Bring-up tool for new hardware.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/Bumply/bitirme/internal/config"
	"github.com/Bumply/bitirme/internal/logx"
	"github.com/Bumply/bitirme/pkg/camera"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration")
	frames := flag.Int("frames", 30, "number of frames to grab")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "camera-check: %v\n", err)
		os.Exit(1)
	}
	logx.Init(cfg.LogLevel, cfg.Env)

	if err := check(cfg, *frames); err != nil {
		fmt.Fprintf(os.Stderr, "camera-check: %v\n", err)
		os.Exit(1)
	}
}

func check(cfg *config.Config, frames int) error {
	if frames < 2 {
		frames = 2
	}

	cam, err := camera.Open(camera.Config{
		DeviceID:               cfg.Camera.DeviceID,
		Width:                  cfg.Camera.Width,
		Height:                 cfg.Camera.Height,
		FPS:                    cfg.Camera.FPS,
		FlipHorizontal:         cfg.Camera.FlipHorizontal,
		JPEGQuality:            cfg.Camera.JPEGQuality,
		MaxConsecutiveFailures: cfg.Camera.MaxConsecutiveFailures,
		ReopenMaxRetries:       cfg.Camera.ReopenMaxRetries,
		ReopenBaseDelay:        cfg.Camera.ReopenBaseDelay(),
		ReopenMaxDelay:         cfg.Camera.ReopenMaxDelay(),
	})
	if err != nil {
		return err
	}
	defer cam.Close()

	fmt.Printf("camera %d open, grabbing %d frames\n", cfg.Camera.DeviceID, frames)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		got         int
		first, last time.Time
		width       int
		height      int
		totalBytes  int
	)
	err = cam.Run(ctx, func(f camera.Frame) {
		if got == 0 {
			first = f.CapturedAt
		}
		got++
		last = f.CapturedAt
		width, height = f.Width, f.Height
		totalBytes += len(f.JPEG)
		if got >= frames {
			cancel()
		}
	})
	if err != nil {
		return err
	}
	if got < 2 {
		return fmt.Errorf("grabbed %d frames, need at least 2", got)
	}

	elapsed := last.Sub(first)
	fps := float64(got-1) / elapsed.Seconds()
	stats := cam.Stats()

	fmt.Printf("grabbed %d frames in %v\n", got, elapsed.Round(time.Millisecond))
	fmt.Printf("resolution %dx%d, average frame %d KB\n", width, height, totalBytes/got/1024)
	fmt.Printf("achieved %.1f fps (configured %d), misses %d, reopens %d\n",
		fps, cfg.Camera.FPS, stats.Misses, stats.Reopens)
	return nil
}
