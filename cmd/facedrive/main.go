// facedrive is the wheelchair control daemon. It reads the camera,
// extracts head pose and the enable gesture, runs the control policy,
// and drives the chair over the serial link, with an operator HTTP
// surface on the side.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Bumply/bitirme/internal/config"
	"github.com/Bumply/bitirme/internal/logx"
	"github.com/Bumply/bitirme/internal/telemetry"
	"github.com/Bumply/bitirme/pkg/actuator"
	"github.com/Bumply/bitirme/pkg/camera"
	"github.com/Bumply/bitirme/pkg/control"
	"github.com/Bumply/bitirme/pkg/facemesh"
	"github.com/Bumply/bitirme/pkg/gesture"
	"github.com/Bumply/bitirme/pkg/headpose"
	"github.com/Bumply/bitirme/pkg/identity"
	"github.com/Bumply/bitirme/pkg/pipeline"
	"github.com/Bumply/bitirme/pkg/web"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration")
	logLevel := flag.String("log-level", "", "override the configured log level")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "facedrive: %v\n", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	logx.Init(cfg.LogLevel, cfg.Env)

	if err := run(cfg); err != nil {
		logx.Error("facedrive exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	log := logx.Component("main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Telemetry opens first and closes last so teardown is recorded too.
	var store *telemetry.Store
	if cfg.Telemetry.Enabled {
		s, err := telemetry.Open(telemetry.Config{
			Path:                  cfg.Telemetry.Path,
			CommandSampleInterval: commandSampleInterval(cfg.Telemetry.CommandSampleHz),
		})
		if err != nil {
			return fmt.Errorf("telemetry: %w", err)
		}
		defer s.Close()
		store = s
		log.Info("telemetry session started", "path", cfg.Telemetry.Path, "session", s.Session())
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
		return fmt.Errorf("camera: %w", err)
	}
	defer cam.Close()

	mesh, err := facemesh.NewDNN(facemesh.DNNConfig{
		DetectorModelPath: cfg.Mesh.DetectorModelPath,
		MeshModelPath:     cfg.Mesh.MeshModelPath,
		ScoreThreshold:    cfg.Mesh.ScoreThreshold,
		NMSThreshold:      cfg.Mesh.NMSThreshold,
	})
	if err != nil {
		return fmt.Errorf("facemesh: %w", err)
	}
	defer mesh.Close()

	est := headpose.NewEstimator(cfg.Pose.AngleCoefficient)
	calib := headpose.NewCalibrator(est, cfg.Pose.TrimFraction, cfg.Pose.CalibrationMinSamples)

	det := gesture.New(gesture.Config{
		WindowSize:    cfg.Gesture.WindowSize,
		Threshold:     cfg.Gesture.Threshold,
		Hold:          cfg.Gesture.Hold(),
		MaxPitchJump:  cfg.Gesture.MaxPitchJump,
		MaxYawJump:    cfg.Gesture.MaxYawJump,
		MaxAbsPitch:   cfg.Gesture.MaxAbsPitch,
		MaxAbsYaw:     cfg.Gesture.MaxAbsYaw,
		MinFaceHeight: cfg.Gesture.MinHeadHeight,
		MinBrowGap:    cfg.Gesture.MinBrowDistance,
	})
	thrCfg := gesture.DefaultThresholdConfig()
	thrCfg.RaisedWindow = cfg.Gesture.CalibrationRaised()
	thrCfg.LoweredWindow = cfg.Gesture.CalibrationLowered()
	thrCfg.MinRange = cfg.Gesture.CalibrationMinRange
	thrCfg.Placement = cfg.Gesture.CalibrationPlacement
	thr := gesture.NewThresholdCalibrator(det, thrCfg)

	var verifier identity.Verifier
	if cfg.Identity.Enabled {
		dlib, err := identity.NewDlib(identity.Config{
			ModelDir:      cfg.Identity.ModelDir,
			UserImagesDir: cfg.Identity.UserImagesDir,
			Tolerance:     cfg.Identity.Tolerance,
		})
		if err != nil {
			return fmt.Errorf("identity: %w", err)
		}
		defer dlib.Close()
		verifier = dlib
	}

	policy := control.New(control.Config{
		MinControlPitch: cfg.Control.MinControlPitch,
		MaxControlPitch: cfg.Control.MaxControlPitch,
		MinControlYaw:   cfg.Control.MinControlYaw,
		MaxControlYaw:   cfg.Control.MaxControlYaw,
		MaxSpeedPercent: cfg.Control.MaxSpeedPercent,
		FaceLostGrace:   cfg.Control.FaceLostGrace(),
		SpeedSlew:       cfg.Control.SpeedSlewPerCycle,
		SteeringSlew:    cfg.Control.SteeringSlewPerCycle,
		GateMotion:      cfg.Identity.GateMotion,
	})

	linkCfg := actuator.Config{
		Port:                cfg.Actuator.Port,
		Baud:                cfg.Actuator.Baud,
		CommandInterval:     cfg.Actuator.CommandInterval(),
		Keepalive:           cfg.Actuator.Keepalive(),
		Watchdog:            cfg.Actuator.Watchdog(),
		HandshakeTimeout:    cfg.Actuator.HandshakeTimeout(),
		ReconnectMaxRetries: cfg.Actuator.ReconnectMaxRetries,
		ReconnectBaseDelay:  cfg.Actuator.ReconnectBaseDelay(),
		ReconnectMaxDelay:   cfg.Actuator.ReconnectMaxDelay(),
		HomeOnConnect:       cfg.Actuator.HomeOnConnect,
		StopRepeatsOnClose:  cfg.Actuator.StopRepeatsOnClose,
	}
	if linkCfg.Port == "" {
		port, err := actuator.DetectPort(linkCfg)
		if err != nil {
			return err
		}
		log.Info("drive controller detected", "port", port)
		linkCfg.Port = port
	}
	link, err := actuator.OpenSerial(linkCfg)
	if err != nil {
		return err
	}
	defer link.Close()

	deps := pipeline.Deps{
		Camera:     cam,
		Mesh:       mesh,
		Estimator:  est,
		Calibrator: calib,
		Detector:   det,
		Threshold:  thr,
		Verifier:   verifier,
		Policy:     policy,
		Link:       link,
	}
	if store != nil {
		deps.Recorder = store
	}

	identityEvery := 0
	if cfg.Identity.Enabled {
		identityEvery = cfg.Identity.FrameInterval
	}
	pipe, err := pipeline.New(pipeline.Config{
		CyclePeriod:        cfg.Control.CyclePeriod(),
		IdentityEvery:      identityEvery,
		CalibrationHold:    cfg.Pose.CalibrationHold(),
		CalibrationCollect: cfg.Pose.CalibrationCollect(),
	}, deps)
	if err != nil {
		return err
	}

	var webErr chan error
	if cfg.Web.Enabled {
		webCfg := web.DefaultConfig()
		webCfg.ListenAddr = cfg.Web.ListenAddr
		var events web.EventSource
		if store != nil {
			events = store
		}
		srv := web.NewServer(webCfg, pipe, events)
		webErr = make(chan error, 1)
		go func() { webErr <- srv.Run(ctx) }()
	}

	log.Info("facedrive running",
		"camera", cfg.Camera.DeviceID,
		"port", linkCfg.Port,
		"identity", cfg.Identity.Enabled,
		"web", cfg.Web.Enabled)

	err = pipe.Run(ctx)

	if webErr != nil {
		if werr := <-webErr; werr != nil {
			log.Warn("web server shutdown", "error", werr)
		}
	}
	return err
}

func commandSampleInterval(hz int) time.Duration {
	if hz <= 0 {
		return time.Second
	}
	return time.Second / time.Duration(hz)
}
