// Package config loads and validates the facedrive configuration.
//
// Values come from three layers: compiled defaults, an optional YAML file,
// and FACEDRIVE_* environment variables for the deployment-sensitive
// fields. The resulting Config is built once in main and passed to every
// component constructor; nothing reads configuration ambiently.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full daemon configuration.
type Config struct {
	LogLevel string `yaml:"log_level"`
	Env      string `yaml:"env"`

	Camera    Camera    `yaml:"camera"`
	Mesh      Mesh      `yaml:"mesh"`
	Pose      Pose      `yaml:"pose"`
	Gesture   Gesture   `yaml:"gesture"`
	Identity  Identity  `yaml:"identity"`
	Control   Control   `yaml:"control"`
	Actuator  Actuator  `yaml:"actuator"`
	Telemetry Telemetry `yaml:"telemetry"`
	Web       Web       `yaml:"web"`
}

// Camera configures the frame source.
type Camera struct {
	DeviceID       int  `yaml:"device_id"`
	Width          int  `yaml:"width"`
	Height         int  `yaml:"height"`
	FPS            int  `yaml:"fps"`
	FlipHorizontal bool `yaml:"flip_horizontal"`
	JPEGQuality    int  `yaml:"jpeg_quality"`

	// Read-failure budget before the device is reopened.
	MaxConsecutiveFailures int `yaml:"max_consecutive_failures"`
	ReopenMaxRetries       int `yaml:"reopen_max_retries"`
	ReopenBaseDelayMS      int `yaml:"reopen_base_delay_ms"`
	ReopenMaxDelayMS       int `yaml:"reopen_max_delay_ms"`
}

// Mesh configures the landmark extractor models.
type Mesh struct {
	DetectorModelPath string  `yaml:"detector_model_path"`
	MeshModelPath     string  `yaml:"mesh_model_path"`
	ScoreThreshold    float64 `yaml:"score_threshold"`
	NMSThreshold      float64 `yaml:"nms_threshold"`
}

// Pose configures angle estimation and neutral-pose calibration.
type Pose struct {
	AngleCoefficient          float64 `yaml:"angle_coefficient"`
	CalibrationHoldSeconds    float64 `yaml:"calibration_hold_seconds"`
	CalibrationCollectSeconds float64 `yaml:"calibration_collect_seconds"`
	CalibrationMinSamples     int     `yaml:"calibration_min_samples"`
	TrimFraction              float64 `yaml:"trim_fraction"`
}

// Gesture configures the brow-raise detector.
type Gesture struct {
	WindowSize  int     `yaml:"window_size"`
	Threshold   float64 `yaml:"threshold"`
	HoldSeconds float64 `yaml:"hold_seconds"`

	// Plausibility guards: samples outside these limits carry no signal.
	MaxPitchJump    float64 `yaml:"max_pitch_jump"`
	MaxYawJump      float64 `yaml:"max_yaw_jump"`
	MaxAbsPitch     float64 `yaml:"max_abs_pitch"`
	MaxAbsYaw       float64 `yaml:"max_abs_yaw"`
	MinHeadHeight   float64 `yaml:"min_head_height"`
	MinBrowDistance float64 `yaml:"min_brow_distance"`

	// Threshold calibration routine.
	CalibrationRaisedSeconds  float64 `yaml:"calibration_raised_seconds"`
	CalibrationLoweredSeconds float64 `yaml:"calibration_lowered_seconds"`
	CalibrationMinRange       float64 `yaml:"calibration_min_range"`
	CalibrationPlacement      float64 `yaml:"calibration_placement"`
}

// Identity configures the face recognition worker.
type Identity struct {
	Enabled       bool    `yaml:"enabled"`
	ModelDir      string  `yaml:"model_dir"`
	UserImagesDir string  `yaml:"user_images_dir"`
	Tolerance     float64 `yaml:"tolerance"`
	FrameInterval int     `yaml:"frame_interval"`
	GateMotion    bool    `yaml:"gate_motion"`
}

// Control configures the motion mapping and the policy state machine.
type Control struct {
	MinControlPitch float64 `yaml:"min_control_pitch"`
	MaxControlPitch float64 `yaml:"max_control_pitch"`
	MinControlYaw   float64 `yaml:"min_control_yaw"`
	MaxControlYaw   float64 `yaml:"max_control_yaw"`
	MaxSpeedPercent int     `yaml:"max_speed_percent"`

	FaceLostGraceSeconds float64 `yaml:"face_lost_grace_seconds"`

	// Per-cycle output change limits, in command units.
	SpeedSlewPerCycle    int `yaml:"speed_slew_per_cycle"`
	SteeringSlewPerCycle int `yaml:"steering_slew_per_cycle"`

	CycleHz int `yaml:"cycle_hz"`
}

// Actuator configures the serial link to the drive controller.
type Actuator struct {
	Port string `yaml:"port"`
	Baud int    `yaml:"baud"`

	CommandIntervalMS  int `yaml:"command_interval_ms"`
	KeepaliveMS        int `yaml:"keepalive_ms"`
	WatchdogMS         int `yaml:"watchdog_ms"`
	HandshakeTimeoutMS int `yaml:"handshake_timeout_ms"`

	ReconnectMaxRetries  int `yaml:"reconnect_max_retries"`
	ReconnectBaseDelayMS int `yaml:"reconnect_base_delay_ms"`
	ReconnectMaxDelayMS  int `yaml:"reconnect_max_delay_ms"`

	HomeOnConnect      bool `yaml:"home_on_connect"`
	StopRepeatsOnClose int  `yaml:"stop_repeats_on_close"`
}

// Telemetry configures the session/event store.
type Telemetry struct {
	Enabled         bool   `yaml:"enabled"`
	Path            string `yaml:"path"`
	CommandSampleHz int    `yaml:"command_sample_hz"`
}

// Web configures the operator HTTP surface.
type Web struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
}

// Default returns a configuration that is safe to run unmodified:
// conservative speed limits, gating off, auto-detected serial port.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Camera: Camera{
			DeviceID:               0,
			Width:                  640,
			Height:                 480,
			FPS:                    30,
			FlipHorizontal:         true,
			JPEGQuality:            85,
			MaxConsecutiveFailures: 30,
			ReopenMaxRetries:       5,
			ReopenBaseDelayMS:      1000,
			ReopenMaxDelayMS:       30000,
		},
		Mesh: Mesh{
			DetectorModelPath: "models/face_detection_yunet.onnx",
			MeshModelPath:     "models/face_landmarks.onnx",
			ScoreThreshold:    0.7,
			NMSThreshold:      0.3,
		},
		Pose: Pose{
			AngleCoefficient:          1.0,
			CalibrationHoldSeconds:    5.0,
			CalibrationCollectSeconds: 3.0,
			CalibrationMinSamples:     15,
			TrimFraction:              0.2,
		},
		Gesture: Gesture{
			WindowSize:                10,
			Threshold:                 400,
			HoldSeconds:               2.0,
			MaxPitchJump:              3.0,
			MaxYawJump:                4.0,
			MaxAbsPitch:               25.0,
			MaxAbsYaw:                 30.0,
			MinHeadHeight:             5.0,
			MinBrowDistance:           1.0,
			CalibrationRaisedSeconds:  3.0,
			CalibrationLoweredSeconds: 1.0,
			CalibrationMinRange:       20.0,
			CalibrationPlacement:      0.7,
		},
		Identity: Identity{
			Enabled:       true,
			ModelDir:      "models/dlib",
			UserImagesDir: "user_images",
			Tolerance:     0.5,
			FrameInterval: 30,
			GateMotion:    false,
		},
		Control: Control{
			MinControlPitch:      5,
			MaxControlPitch:      15,
			MinControlYaw:        5,
			MaxControlYaw:        25,
			MaxSpeedPercent:      20,
			FaceLostGraceSeconds: 2.0,
			SpeedSlewPerCycle:    10,
			SteeringSlewPerCycle: 15,
			CycleHz:              20,
		},
		Actuator: Actuator{
			Port:                 "",
			Baud:                 115200,
			CommandIntervalMS:    50,
			KeepaliveMS:          100,
			WatchdogMS:           400,
			HandshakeTimeoutMS:   1000,
			ReconnectMaxRetries:  5,
			ReconnectBaseDelayMS: 1000,
			ReconnectMaxDelayMS:  30000,
			HomeOnConnect:        true,
			StopRepeatsOnClose:   3,
		},
		Telemetry: Telemetry{
			Enabled:         true,
			Path:            "facedrive.db",
			CommandSampleHz: 1,
		},
		Web: Web{
			Enabled:    true,
			ListenAddr: ":8080",
		},
	}
}

// Load reads the YAML file at path (missing file is fine, defaults apply),
// applies environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case os.IsNotExist(err):
		// run on defaults
	default:
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	cfg.applyEnv()

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, fmt.Errorf("invalid config: %v", errs)
	}
	return cfg, nil
}

// applyEnv overrides the deployment-sensitive fields from FACEDRIVE_* vars.
func (c *Config) applyEnv() {
	if v := os.Getenv("FACEDRIVE_ENV"); v != "" {
		c.Env = v
	}
	if v := os.Getenv("FACEDRIVE_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("FACEDRIVE_SERIAL_PORT"); v != "" {
		c.Actuator.Port = v
	}
	if v := os.Getenv("FACEDRIVE_CAMERA_ID"); v != "" {
		if id, err := strconv.Atoi(v); err == nil {
			c.Camera.DeviceID = id
		}
	}
	if v := os.Getenv("FACEDRIVE_DB_PATH"); v != "" {
		c.Telemetry.Path = v
	}
	if v := os.Getenv("FACEDRIVE_LISTEN_ADDR"); v != "" {
		c.Web.ListenAddr = v
	}
}

// Validate returns a list of problems, empty when the config is usable.
func (c *Config) Validate() []string {
	var errs []string

	if c.Camera.Width <= 0 || c.Camera.Height <= 0 {
		errs = append(errs, "camera: width and height must be positive")
	}
	if c.Camera.FPS <= 0 {
		errs = append(errs, "camera: fps must be positive")
	}
	if c.Camera.JPEGQuality < 1 || c.Camera.JPEGQuality > 100 {
		errs = append(errs, "camera: jpeg_quality must be in [1,100]")
	}

	if c.Mesh.ScoreThreshold <= 0 || c.Mesh.ScoreThreshold > 1 {
		errs = append(errs, "mesh: score_threshold must be in (0,1]")
	}

	if c.Pose.AngleCoefficient <= 0 {
		errs = append(errs, "pose: angle_coefficient must be positive")
	}
	if c.Pose.CalibrationCollectSeconds <= 0 {
		errs = append(errs, "pose: calibration_collect_seconds must be positive")
	}
	if c.Pose.CalibrationMinSamples < 3 {
		errs = append(errs, "pose: calibration_min_samples must be at least 3")
	}
	if c.Pose.TrimFraction < 0 || c.Pose.TrimFraction >= 0.5 {
		errs = append(errs, "pose: trim_fraction must be in [0,0.5)")
	}

	if c.Gesture.WindowSize < 2 {
		errs = append(errs, "gesture: window_size must be at least 2")
	}
	if c.Gesture.Threshold <= 0 {
		errs = append(errs, "gesture: threshold must be positive")
	}
	if c.Gesture.HoldSeconds <= 0 {
		errs = append(errs, "gesture: hold_seconds must be positive")
	}
	if c.Gesture.CalibrationPlacement <= 0 || c.Gesture.CalibrationPlacement >= 1 {
		errs = append(errs, "gesture: calibration_placement must be in (0,1)")
	}

	if c.Identity.Enabled {
		if c.Identity.Tolerance <= 0 {
			errs = append(errs, "identity: tolerance must be positive")
		}
		if c.Identity.FrameInterval < 1 {
			errs = append(errs, "identity: frame_interval must be at least 1")
		}
	}
	if c.Identity.GateMotion && !c.Identity.Enabled {
		errs = append(errs, "identity: gate_motion requires enabled")
	}

	if c.Control.MinControlPitch < 0 || c.Control.MaxControlPitch <= c.Control.MinControlPitch {
		errs = append(errs, "control: require 0 <= min_control_pitch < max_control_pitch")
	}
	if c.Control.MinControlYaw < 0 || c.Control.MaxControlYaw <= c.Control.MinControlYaw {
		errs = append(errs, "control: require 0 <= min_control_yaw < max_control_yaw")
	}
	if c.Control.MaxSpeedPercent < 0 || c.Control.MaxSpeedPercent > 100 {
		errs = append(errs, "control: max_speed_percent must be in [0,100]")
	}
	if c.Control.FaceLostGraceSeconds <= 0 {
		errs = append(errs, "control: face_lost_grace_seconds must be positive")
	}
	if c.Control.CycleHz < 1 || c.Control.CycleHz > 100 {
		errs = append(errs, "control: cycle_hz must be in [1,100]")
	}

	if c.Actuator.Baud <= 0 {
		errs = append(errs, "actuator: baud must be positive")
	}
	if c.Actuator.WatchdogMS <= c.Actuator.KeepaliveMS {
		errs = append(errs, "actuator: watchdog_ms must exceed keepalive_ms")
	}
	if c.Actuator.CommandIntervalMS <= 0 {
		errs = append(errs, "actuator: command_interval_ms must be positive")
	}
	if c.Actuator.StopRepeatsOnClose < 1 {
		errs = append(errs, "actuator: stop_repeats_on_close must be at least 1")
	}

	if c.Telemetry.Enabled && c.Telemetry.Path == "" {
		errs = append(errs, "telemetry: path required when enabled")
	}
	if c.Web.Enabled && c.Web.ListenAddr == "" {
		errs = append(errs, "web: listen_addr required when enabled")
	}

	return errs
}

// Duration helpers. YAML keeps human-scale values in seconds and link
// timings in milliseconds; everything downstream works in time.Duration.

func seconds(s float64) time.Duration { return time.Duration(s * float64(time.Second)) }
func millis(ms int) time.Duration     { return time.Duration(ms) * time.Millisecond }

func (p Pose) CalibrationHold() time.Duration    { return seconds(p.CalibrationHoldSeconds) }
func (p Pose) CalibrationCollect() time.Duration { return seconds(p.CalibrationCollectSeconds) }

func (g Gesture) Hold() time.Duration               { return seconds(g.HoldSeconds) }
func (g Gesture) CalibrationRaised() time.Duration  { return seconds(g.CalibrationRaisedSeconds) }
func (g Gesture) CalibrationLowered() time.Duration { return seconds(g.CalibrationLoweredSeconds) }

func (c Control) FaceLostGrace() time.Duration { return seconds(c.FaceLostGraceSeconds) }
func (c Control) CyclePeriod() time.Duration   { return time.Second / time.Duration(c.CycleHz) }

func (a Actuator) CommandInterval() time.Duration  { return millis(a.CommandIntervalMS) }
func (a Actuator) Keepalive() time.Duration        { return millis(a.KeepaliveMS) }
func (a Actuator) Watchdog() time.Duration         { return millis(a.WatchdogMS) }
func (a Actuator) HandshakeTimeout() time.Duration { return millis(a.HandshakeTimeoutMS) }
func (a Actuator) ReconnectBaseDelay() time.Duration {
	return millis(a.ReconnectBaseDelayMS)
}
func (a Actuator) ReconnectMaxDelay() time.Duration { return millis(a.ReconnectMaxDelayMS) }

func (c Camera) ReopenBaseDelay() time.Duration { return millis(c.ReopenBaseDelayMS) }
func (c Camera) ReopenMaxDelay() time.Duration  { return millis(c.ReopenMaxDelayMS) }
