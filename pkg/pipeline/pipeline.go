// Package pipeline owns the workers and queues that turn camera frames
// into drive commands: camera capture, landmark extraction with pose and
// gesture interpretation, identity checks at a slow cadence, and the
// fixed-rate control loop feeding the actuator link.
//
// Every queue is a latest-wins Mailbox; a slow stage costs freshness,
// never backpressure on the stage above it.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/Bumply/bitirme/internal/logx"
	"github.com/Bumply/bitirme/pkg/actuator"
	"github.com/Bumply/bitirme/pkg/camera"
	"github.com/Bumply/bitirme/pkg/control"
	"github.com/Bumply/bitirme/pkg/facemesh"
	"github.com/Bumply/bitirme/pkg/gesture"
	"github.com/Bumply/bitirme/pkg/headpose"
	"github.com/Bumply/bitirme/pkg/identity"
)

// ErrStopped reports a take from a closed mailbox.
var ErrStopped = errors.New("pipeline: stopped")

// FrameSource produces frames until its context ends. camera.Source is
// the hardware implementation; tests inject scripted ones.
type FrameSource interface {
	Run(ctx context.Context, emit func(camera.Frame)) error
}

// Recorder receives telemetry writes. Implementations must not block the
// calling worker.
type Recorder interface {
	Event(kind, detail string)
	Command(cmd control.Command, at time.Time)
}

// NopRecorder discards all telemetry.
type NopRecorder struct{}

func (NopRecorder) Event(string, string)               {}
func (NopRecorder) Command(control.Command, time.Time) {}

// Config holds the orchestration tuning.
type Config struct {
	// CyclePeriod is the control loop period.
	CyclePeriod time.Duration
	// PoseStaleAfter invalidates a pose sample the perception worker has
	// not refreshed, so a stalled extractor reads as a lost face.
	PoseStaleAfter time.Duration
	// IdentityEvery runs the identity check every Nth frame. Zero
	// disables the worker even when a verifier is present.
	IdentityEvery int

	CalibrationHold    time.Duration
	CalibrationCollect time.Duration
}

// DefaultConfig returns the deployed orchestration tuning.
func DefaultConfig() Config {
	return Config{
		CyclePeriod:        50 * time.Millisecond,
		PoseStaleAfter:     250 * time.Millisecond,
		IdentityEvery:      30,
		CalibrationHold:    5 * time.Second,
		CalibrationCollect: 3 * time.Second,
	}
}

// Deps are the stages the pipeline drives. All but Verifier and Recorder
// are required.
type Deps struct {
	Camera     FrameSource
	Mesh       facemesh.Landmarker
	Estimator  *headpose.Estimator
	Calibrator *headpose.Calibrator
	Detector   *gesture.Detector
	Threshold  *gesture.ThresholdCalibrator
	Verifier   identity.Verifier
	Policy     *control.Policy
	Link       actuator.Link
	Recorder   Recorder
}

// Pipeline wires the stages together and owns their goroutines.
type Pipeline struct {
	cfg Config
	log *slog.Logger

	cam    FrameSource
	mesh   facemesh.Landmarker
	est    *headpose.Estimator
	calib  *headpose.Calibrator
	det    *gesture.Detector
	thr    *gesture.ThresholdCalibrator
	verify identity.Verifier
	policy *control.Policy
	link   actuator.Link
	rec    Recorder

	frames   *Mailbox[camera.Frame]
	idFrames *Mailbox[camera.Frame]
	poses    *Mailbox[headpose.Sample]

	mu         sync.Mutex
	startedAt  time.Time
	toggle     bool
	obstacle   bool
	linkFatal  bool
	ident      identity.Identity
	lastSample headpose.Sample
	lastCmd    control.Command

	wg sync.WaitGroup
}

// New assembles a pipeline. Run may be called once.
func New(cfg Config, d Deps) (*Pipeline, error) {
	switch {
	case d.Camera == nil:
		return nil, errors.New("pipeline: frame source required")
	case d.Mesh == nil:
		return nil, errors.New("pipeline: landmarker required")
	case d.Estimator == nil || d.Calibrator == nil:
		return nil, errors.New("pipeline: pose estimator and calibrator required")
	case d.Detector == nil || d.Threshold == nil:
		return nil, errors.New("pipeline: gesture detector and calibrator required")
	case d.Policy == nil:
		return nil, errors.New("pipeline: control policy required")
	case d.Link == nil:
		return nil, errors.New("pipeline: actuator link required")
	}
	if d.Recorder == nil {
		d.Recorder = NopRecorder{}
	}
	if cfg.CyclePeriod <= 0 {
		cfg.CyclePeriod = DefaultConfig().CyclePeriod
	}
	if cfg.PoseStaleAfter <= 0 {
		cfg.PoseStaleAfter = DefaultConfig().PoseStaleAfter
	}

	return &Pipeline{
		cfg:      cfg,
		log:      logx.Component("pipeline"),
		cam:      d.Camera,
		mesh:     d.Mesh,
		est:      d.Estimator,
		calib:    d.Calibrator,
		det:      d.Detector,
		thr:      d.Threshold,
		verify:   d.Verifier,
		policy:   d.Policy,
		link:     d.Link,
		rec:      d.Recorder,
		frames:   NewMailbox[camera.Frame](),
		idFrames: NewMailbox[camera.Frame](),
		poses:    NewMailbox[headpose.Sample](),
	}, nil
}

// Run drives the pipeline until ctx ends, then joins every worker and
// leaves the chair stationary.
func (p *Pipeline) Run(ctx context.Context) error {
	p.mu.Lock()
	p.startedAt = time.Now()
	p.mu.Unlock()
	p.rec.Event("session", "pipeline started")
	p.log.Info("pipeline running",
		"cycle", p.cfg.CyclePeriod, "identity_every", p.cfg.IdentityEvery)

	p.wg.Add(4)
	go p.cameraWorker(ctx)
	go p.perceptionWorker(ctx)
	go p.linkWorker(ctx)
	go p.controlWorker(ctx)
	if p.verify != nil && p.cfg.IdentityEvery > 0 {
		p.wg.Add(1)
		go p.identityWorker(ctx)
	}

	<-ctx.Done()
	p.frames.Close()
	p.idFrames.Close()
	p.poses.Close()
	p.wg.Wait()

	if err := p.link.Send(control.Command{Stop: true}); err != nil && !errors.Is(err, actuator.ErrNotConnected) {
		p.log.Warn("final stop not delivered", "error", err)
	}
	p.rec.Event("session", "pipeline stopped")
	p.log.Info("pipeline stopped")
	return nil
}

// cameraWorker feeds frames into the perception and identity mailboxes.
// A camera that dies past its reopen budget latches an emergency stop.
func (p *Pipeline) cameraWorker(ctx context.Context) {
	defer p.wg.Done()
	err := p.cam.Run(ctx, func(f camera.Frame) {
		p.frames.Put(f)
		if p.verify != nil && p.cfg.IdentityEvery > 0 && f.Seq%uint64(p.cfg.IdentityEvery) == 0 {
			p.idFrames.Put(f)
		}
	})
	if err != nil && ctx.Err() == nil {
		p.log.Error("camera failed", "error", err)
		p.policy.EmergencyStop("camera failed")
		p.rec.Event("escalation", "camera failed: "+err.Error())
	}
}

// perceptionWorker turns each frame into a pose sample and a gesture
// update, and feeds the two calibration routines while they run.
func (p *Pipeline) perceptionWorker(ctx context.Context) {
	defer p.wg.Done()
	prevCalib := p.calib.Phase()
	prevThr := p.thr.Phase()

	for {
		f, err := p.frames.Take(ctx)
		if err != nil {
			return
		}
		now := time.Now()

		lm, found, err := p.mesh.Landmarks(f.JPEG)
		if err != nil {
			p.log.Warn("landmark extraction failed", "seq", f.Seq, "error", err)
			found = false
		}

		var s headpose.Sample
		if found {
			s = p.est.Sample(lm, f.Seq, f.CapturedAt)
		} else {
			s = headpose.Sample{Seq: f.Seq, CapturedAt: f.CapturedAt}
		}

		if p.calib.Active() {
			rawYaw, rawPitch, ok := 0.0, 0.0, false
			if found {
				rawYaw, rawPitch, ok = p.est.Fit(lm)
			}
			phase := p.calib.Observe(rawYaw, rawPitch, ok, now)
			if phase != prevCalib {
				switch phase {
				case headpose.PhaseCommitted:
					p.rec.Event("calibration", "baseline committed")
				case headpose.PhaseFailed:
					p.rec.Event("calibration", "round failed")
				}
			}
			prevCalib = phase
		}

		ev := gesture.None
		if s.Valid {
			ev = p.det.Update(s.Landmarks, s.Yaw, s.Pitch, now)
		} else {
			p.det.Update(nil, 0, 0, now)
		}
		if p.thr.Active() {
			phase := p.thr.Observe(p.det.Signal(), now)
			if phase != prevThr {
				switch phase {
				case gesture.ThresholdDone:
					p.rec.Event("gesture_calibration", "threshold committed")
				case gesture.ThresholdFailed:
					p.rec.Event("gesture_calibration", "round failed")
				}
			}
			prevThr = phase
			ev = gesture.None
		}
		if p.calib.Active() {
			// The operator is following a calibration prompt, not asking
			// to drive.
			ev = gesture.None
		}
		if ev == gesture.EnableToggle {
			p.requestToggle()
			p.rec.Event("gesture", "enable toggle")
		}

		p.poses.Put(s)
		p.mu.Lock()
		p.lastSample = s
		p.mu.Unlock()
	}
}

// identityWorker verifies sampled frames against the enrolled gallery.
func (p *Pipeline) identityWorker(ctx context.Context) {
	defer p.wg.Done()
	for {
		f, err := p.idFrames.Take(ctx)
		if err != nil {
			return
		}
		id, err := p.verify.Identify(f.JPEG)
		if err != nil {
			if errors.Is(err, identity.ErrClosed) {
				return
			}
			p.log.Warn("identity check failed", "seq", f.Seq, "error", err)
			continue
		}

		p.mu.Lock()
		changed := id.UserID != p.ident.UserID
		p.ident = id
		p.mu.Unlock()

		if changed {
			if id.Authorized() {
				p.log.Info("user recognized", "user", id.UserID, "distance", id.Distance)
				p.rec.Event("identity", "recognized "+id.UserID)
			} else {
				p.log.Info("enrolled user no longer in frame")
				p.rec.Event("identity", "lost")
			}
		}
	}
}

// linkWorker tracks firmware obstacle events and unrecoverable link
// failures.
func (p *Pipeline) linkWorker(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-p.link.Events():
			if !ok {
				return
			}
			p.mu.Lock()
			p.obstacle = e.Kind == actuator.ObstacleDetected
			p.mu.Unlock()
			p.rec.Event("obstacle", e.Kind.String())
		case err := <-p.link.Fatal():
			p.mu.Lock()
			p.linkFatal = true
			p.mu.Unlock()
			p.log.Error("actuator link unrecoverable", "error", err)
			p.rec.Event("link", "fatal: "+err.Error())
		}
	}
}

// controlWorker runs the fixed-rate policy loop against the latest
// available inputs and puts every resulting command on the wire.
func (p *Pipeline) controlWorker(ctx context.Context) {
	defer p.wg.Done()
	t := time.NewTicker(p.cfg.CyclePeriod)
	defer t.Stop()

	var pose headpose.Sample
	lastSendWarn := time.Time{}
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		now := time.Now()

		if s, ok := p.poses.TryTake(); ok {
			pose = s
		}
		eff := pose
		if eff.Valid && now.Sub(eff.CapturedAt) > p.cfg.PoseStaleAfter {
			eff = headpose.Sample{Seq: pose.Seq, CapturedAt: pose.CapturedAt}
		}

		p.mu.Lock()
		in := control.Inputs{
			Pose:       eff,
			Toggle:     p.toggle,
			Calibrated: p.est.Calibrated(),
			Identity:   p.ident,
			Obstacle:   p.obstacle,
			LinkDown:   !p.link.Connected(),
			LinkFault:  p.linkFatal,
		}
		p.toggle = false
		p.mu.Unlock()

		prev := p.policy.State()
		cmd := p.policy.Step(in, now)
		if st := p.policy.State(); st != prev {
			p.rec.Event("state", prev.String()+" -> "+st.String())
		}

		err := p.link.Send(cmd)
		switch {
		case err == nil:
			p.rec.Command(cmd, now)
		case errors.Is(err, actuator.ErrCommandRange):
			p.log.Error("command rejected at the actuator boundary",
				"speed", cmd.Speed, "steering", cmd.Steering)
			p.policy.EmergencyStop("command out of range")
			p.rec.Event("escalation", "command out of range")
		case errors.Is(err, actuator.ErrNotConnected):
			// The link is redialing; LinkDown reaches the policy on the
			// next cycle.
		default:
			if time.Since(lastSendWarn) > 5*time.Second {
				p.log.Warn("command not delivered", "error", err)
				lastSendWarn = time.Now()
			}
		}

		p.mu.Lock()
		p.lastCmd = cmd
		p.mu.Unlock()
	}
}

func (p *Pipeline) requestToggle() {
	p.mu.Lock()
	p.toggle = true
	p.mu.Unlock()
}

// Calibrate starts a neutral-pose calibration round. An enabled chair is
// toggled off first.
func (p *Pipeline) Calibrate() {
	if p.policy.State() == control.Enabled {
		p.requestToggle()
	}
	p.calib.Begin(p.cfg.CalibrationHold, p.cfg.CalibrationCollect, time.Now())
	p.rec.Event("calibration", "round started")
}

// CalibrateGesture starts the brow threshold routine. An enabled chair is
// toggled off first.
func (p *Pipeline) CalibrateGesture() {
	if p.policy.State() == control.Enabled {
		p.requestToggle()
	}
	p.thr.Begin(time.Now())
	p.rec.Event("gesture_calibration", "round started")
}

// EmergencyStop latches the policy into EmergencyStopped.
func (p *Pipeline) EmergencyStop() {
	p.policy.EmergencyStop("operator request")
	p.rec.Event("estop", "operator request")
}

// Reset clears an emergency stop back to Disabled.
func (p *Pipeline) Reset() {
	p.mu.Lock()
	p.linkFatal = false
	p.mu.Unlock()
	p.policy.Reset()
	p.rec.Event("estop", "reset")
}
