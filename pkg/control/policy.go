// Package control owns the motion state machine. It turns calibrated pose
// samples, gesture events, and identity results into range-clamped motion
// commands, and it is the only component allowed to decide that the chair
// may move.
package control

import (
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/Bumply/bitirme/internal/logx"
	"github.com/Bumply/bitirme/pkg/headpose"
	"github.com/Bumply/bitirme/pkg/identity"
)

// State is the policy position.
type State int

const (
	Disabled State = iota
	Enabled
	FaceLostGrace
	EmergencyStopped
)

func (s State) String() string {
	switch s {
	case Disabled:
		return "disabled"
	case Enabled:
		return "enabled"
	case FaceLostGrace:
		return "face_lost_grace"
	case EmergencyStopped:
		return "emergency_stopped"
	}
	return "unknown"
}

// Config holds the motion mapping and safety tuning.
type Config struct {
	// Dead zones and full-scale angles in degrees relative to the
	// calibration baseline. Pitch above the dead zone drives forward,
	// yaw beyond its dead zone steers.
	MinControlPitch float64
	MaxControlPitch float64
	MinControlYaw   float64
	MaxControlYaw   float64

	// MaxSpeedPercent caps forward speed.
	MaxSpeedPercent int

	// FaceLostGrace bounds how long a lost face may return before the
	// chair requires a fresh enable gesture.
	FaceLostGrace time.Duration

	// Per-cycle slew limits keep command transitions smooth.
	SpeedSlew    int
	SteeringSlew int

	// GateMotion requires the latest identity to match an enrolled user
	// for the chair to be or stay enabled.
	GateMotion bool
}

// DefaultConfig returns the deployed tuning.
func DefaultConfig() Config {
	return Config{
		MinControlPitch: 5,
		MaxControlPitch: 15,
		MinControlYaw:   5,
		MaxControlYaw:   25,
		MaxSpeedPercent: 20,
		FaceLostGrace:   2 * time.Second,
		SpeedSlew:       10,
		SteeringSlew:    15,
	}
}

// Inputs is everything the policy reads on one cycle: the latest pose
// sample, a pending gesture toggle, the latest identity result, and link
// health. The policy reads latest-available values and never requires
// frame-aligned joins.
type Inputs struct {
	Pose       headpose.Sample
	Toggle     bool
	Calibrated bool
	Identity   identity.Identity

	// Obstacle mirrors the firmware's obstacle state; while set, forward
	// speed is forced to zero.
	Obstacle bool
	// LinkDown means the actuator link is reconnecting; commands cannot
	// reach the chair.
	LinkDown bool
	// LinkFault means the link gave up; the policy latches into
	// EmergencyStopped.
	LinkFault bool
}

// Policy is the control state machine. Step drives it once per control
// cycle; EmergencyStop and Reset are the operator entry points.
type Policy struct {
	cfg Config
	log *slog.Logger

	mu         sync.Mutex
	state      State
	faceLostAt time.Time
	last       Command
}

// New creates a policy in Disabled.
func New(cfg Config) *Policy {
	return &Policy{
		cfg:  cfg,
		log:  logx.Component("control"),
		last: Command{Stop: true},
	}
}

// Step advances the state machine one cycle and returns the command to
// send. Every returned command satisfies 0 <= Speed <= MaxSpeedPercent and
// -100 <= Steering <= 100.
func (p *Policy) Step(in Inputs, now time.Time) Command {
	p.mu.Lock()
	defer p.mu.Unlock()

	if in.LinkFault {
		p.setState(EmergencyStopped, "actuator link fault")
	}

	switch p.state {
	case Enabled:
		return p.stepEnabled(in, now)
	case FaceLostGrace:
		return p.stepGrace(in, now)
	case Disabled:
		if in.Toggle {
			if reason := p.enableBlocked(in); reason != "" {
				p.log.Warn("enable gesture rejected", "reason", reason)
			} else {
				p.setState(Enabled, "enable gesture")
			}
		}
		return p.halt()
	}
	return p.halt()
}

// enableBlocked reports why the chair may not enable, or empty when it may.
func (p *Policy) enableBlocked(in Inputs) string {
	if !in.Calibrated {
		return "no committed calibration baseline"
	}
	if p.cfg.GateMotion && !in.Identity.Authorized() {
		return "identity not authorized"
	}
	if in.LinkDown {
		return "actuator link down"
	}
	return ""
}

func (p *Policy) stepEnabled(in Inputs, now time.Time) Command {
	if in.Toggle {
		p.setState(Disabled, "disable gesture")
		return p.halt()
	}
	if p.cfg.GateMotion && !in.Identity.Authorized() {
		p.setState(Disabled, "identity not authorized")
		return p.halt()
	}
	if !in.Pose.Valid || in.LinkDown {
		p.faceLostAt = now
		if in.LinkDown {
			p.setState(FaceLostGrace, "link down")
		} else {
			p.setState(FaceLostGrace, "face lost")
		}
		return p.halt()
	}

	target := p.mapPose(in.Pose)
	cmd := p.slew(target)
	if in.Obstacle {
		cmd.Speed = 0
	}
	p.last = cmd
	return cmd
}

// stepGrace keeps the chair stopped while waiting for the face (or link)
// to come back. No coasting: the conservative reading of the grace window.
func (p *Policy) stepGrace(in Inputs, now time.Time) Command {
	if in.Toggle {
		p.setState(Disabled, "disable gesture")
		return p.halt()
	}
	if in.Pose.Valid && !in.LinkDown {
		p.setState(Enabled, "face reacquired")
		return p.halt()
	}
	if now.Sub(p.faceLostAt) >= p.cfg.FaceLostGrace {
		p.setState(Disabled, "grace window elapsed")
	}
	return p.halt()
}

// halt records and returns the stop command. Caller holds the lock.
func (p *Policy) halt() Command {
	p.last = Command{Stop: true}
	return p.last
}

// mapPose converts a calibrated pose into the target command: linear
// scaling from the dead zone up to the full-scale angle.
func (p *Policy) mapPose(s headpose.Sample) Command {
	var cmd Command

	if s.Pitch > p.cfg.MinControlPitch {
		span := p.cfg.MaxControlPitch - p.cfg.MinControlPitch
		frac := (s.Pitch - p.cfg.MinControlPitch) / span
		if frac > 1 {
			frac = 1
		}
		cmd.Speed = int(math.Round(frac * float64(p.cfg.MaxSpeedPercent)))
	}

	if mag := math.Abs(s.Yaw); mag > p.cfg.MinControlYaw {
		span := p.cfg.MaxControlYaw - p.cfg.MinControlYaw
		frac := (mag - p.cfg.MinControlYaw) / span
		if frac > 1 {
			frac = 1
		}
		steer := int(math.Round(frac * 100))
		if s.Yaw < 0 {
			steer = -steer
		}
		cmd.Steering = steer
	}
	return cmd
}

// slew bounds the per-cycle change against the last command, then applies
// the hard range clamps. The actuator must never see an out-of-range
// value.
func (p *Policy) slew(target Command) Command {
	cur := p.last
	if cur.Stop {
		cur = Command{}
	}

	next := Command{
		Speed:    stepToward(cur.Speed, target.Speed, p.cfg.SpeedSlew),
		Steering: stepToward(cur.Steering, target.Steering, p.cfg.SteeringSlew),
	}
	next.Speed = clamp(next.Speed, 0, p.cfg.MaxSpeedPercent)
	next.Steering = clamp(next.Steering, -100, 100)
	return next
}

// EmergencyStop latches the policy into EmergencyStopped until Reset.
func (p *Policy) EmergencyStop(reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.setState(EmergencyStopped, reason)
	p.last = Command{Stop: true}
}

// Reset leaves EmergencyStopped for Disabled. Operator action; a fresh
// enable gesture is still required before motion.
func (p *Policy) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == EmergencyStopped {
		p.setState(Disabled, "operator reset")
	}
}

// State returns the current policy state.
func (p *Policy) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// setState logs and applies a transition. Caller holds the lock.
func (p *Policy) setState(s State, reason string) {
	if p.state == s {
		return
	}
	p.log.Info("control state changed", "from", p.state.String(), "to", s.String(), "reason", reason)
	p.state = s
}
