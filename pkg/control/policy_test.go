package control

import (
	"math/rand"
	"testing"
	"time"

	"github.com/Bumply/bitirme/pkg/headpose"
	"github.com/Bumply/bitirme/pkg/identity"
)

func controlClock() time.Time {
	return time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
}

func validPose(yaw, pitch float64) headpose.Sample {
	return headpose.Sample{Yaw: yaw, Pitch: pitch, Valid: true}
}

// enable toggles a calibrated, authorized policy into Enabled.
func enable(t *testing.T, p *Policy, now time.Time) {
	t.Helper()
	cmd := p.Step(Inputs{
		Toggle:     true,
		Calibrated: true,
		Identity:   identity.Identity{UserID: "alice"},
	}, now)
	if p.State() != Enabled {
		t.Fatalf("state after enable toggle = %v, want enabled", p.State())
	}
	if !cmd.Stop {
		t.Fatal("transition cycle must still emit stop")
	}
}

func checkRange(t *testing.T, cmd Command, maxSpeed int) {
	t.Helper()
	if cmd.Speed < 0 || cmd.Speed > maxSpeed {
		t.Fatalf("speed %d outside [0,%d]", cmd.Speed, maxSpeed)
	}
	if cmd.Steering < -100 || cmd.Steering > 100 {
		t.Fatalf("steering %d outside [-100,100]", cmd.Steering)
	}
	if cmd.Stop && (cmd.Speed != 0 || cmd.Steering != 0) {
		t.Fatalf("stop command carries motion: %+v", cmd)
	}
}

func TestCommandRangeInvariant(t *testing.T) {
	cfg := DefaultConfig()
	p := New(cfg)
	rng := rand.New(rand.NewSource(42))
	now := controlClock()

	p.Step(Inputs{Toggle: true, Calibrated: true}, now)

	for i := 0; i < 5000; i++ {
		now = now.Add(50 * time.Millisecond)
		in := Inputs{
			Pose: headpose.Sample{
				Yaw:   rng.Float64()*720 - 360,
				Pitch: rng.Float64()*720 - 360,
				Valid: rng.Intn(20) != 0,
			},
			Calibrated: true,
			Toggle:     rng.Intn(100) == 0,
			Obstacle:   rng.Intn(10) == 0,
			LinkDown:   rng.Intn(50) == 0,
			LinkFault:  rng.Intn(500) == 0,
		}
		if rng.Intn(200) == 0 {
			p.EmergencyStop("test")
		}
		if rng.Intn(97) == 0 {
			p.Reset()
		}
		checkRange(t, p.Step(in, now), cfg.MaxSpeedPercent)
	}
}

func TestColdStartScenario(t *testing.T) {
	p := New(DefaultConfig())
	now := controlClock()

	// No committed baseline: the enable gesture is rejected.
	cmd := p.Step(Inputs{Toggle: true, Calibrated: false}, now)
	if p.State() != Disabled || !cmd.Stop {
		t.Fatalf("uncalibrated toggle: state %v cmd %+v, want disabled stop", p.State(), cmd)
	}

	// Baseline committed, toggle again: enabled.
	now = now.Add(50 * time.Millisecond)
	enable(t, p, now)

	// Head turned right past the dead zone, neutral pitch: steering only.
	in := Inputs{Pose: validPose(20, 0), Calibrated: true}
	var first, last Command
	for i := 0; i < 10; i++ {
		now = now.Add(50 * time.Millisecond)
		last = p.Step(in, now)
		if i == 0 {
			first = last
		}
		if last.Speed != 0 {
			t.Fatalf("cycle %d speed = %d, want 0 at neutral pitch", i, last.Speed)
		}
	}
	if first.Steering <= 0 {
		t.Errorf("first motion cycle steering = %d, want > 0", first.Steering)
	}
	// (20-5)/(25-5) of full scale.
	if last.Steering != 75 {
		t.Errorf("settled steering = %d, want 75", last.Steering)
	}
}

func TestFaceLostStopsAndDisables(t *testing.T) {
	cfg := DefaultConfig()
	p := New(cfg)
	now := controlClock()
	enable(t, p, now)

	// Ramp up to full speed first.
	for i := 0; i < 4; i++ {
		now = now.Add(50 * time.Millisecond)
		p.Step(Inputs{Pose: validPose(0, 15), Calibrated: true}, now)
	}

	// Face gone past the grace window: stop on every cycle, then disabled.
	in := Inputs{Pose: headpose.Sample{}, Calibrated: true}
	for i := 0; i < 45; i++ {
		now = now.Add(50 * time.Millisecond)
		cmd := p.Step(in, now)
		if !cmd.Stop {
			t.Fatalf("cycle %d after face loss emitted motion: %+v", i, cmd)
		}
	}
	if p.State() != Disabled {
		t.Fatalf("state after grace = %v, want disabled", p.State())
	}

	// Face back: still disabled, still stopped, until a fresh gesture.
	now = now.Add(50 * time.Millisecond)
	cmd := p.Step(Inputs{Pose: validPose(0, 15), Calibrated: true}, now)
	if !cmd.Stop || p.State() != Disabled {
		t.Errorf("face return re-enabled motion: state %v cmd %+v", p.State(), cmd)
	}
}

func TestFaceReacquiredWithinGrace(t *testing.T) {
	p := New(DefaultConfig())
	now := controlClock()
	enable(t, p, now)

	// Half the grace window without a face.
	in := Inputs{Calibrated: true}
	for i := 0; i < 20; i++ {
		now = now.Add(50 * time.Millisecond)
		if cmd := p.Step(in, now); !cmd.Stop {
			t.Fatalf("grace cycle %d emitted motion: %+v", i, cmd)
		}
	}
	if p.State() != FaceLostGrace {
		t.Fatalf("state = %v, want face_lost_grace", p.State())
	}

	// Face returns inside the window: enabled again, motion resumes.
	now = now.Add(50 * time.Millisecond)
	p.Step(Inputs{Pose: validPose(0, 15), Calibrated: true}, now)
	if p.State() != Enabled {
		t.Fatalf("state after reacquire = %v, want enabled", p.State())
	}
	now = now.Add(50 * time.Millisecond)
	if cmd := p.Step(Inputs{Pose: validPose(0, 15), Calibrated: true}, now); cmd.Speed == 0 {
		t.Error("motion did not resume after reacquire")
	}
}

func TestIdentityGating(t *testing.T) {
	cfg := DefaultConfig()
	cfg.GateMotion = true
	p := New(cfg)
	now := controlClock()

	// Unknown identity blocks the enable gesture.
	p.Step(Inputs{Toggle: true, Calibrated: true}, now)
	if p.State() != Disabled {
		t.Fatalf("ungated enable with unknown identity: state %v", p.State())
	}

	// Authorized identity enables.
	now = now.Add(50 * time.Millisecond)
	enable(t, p, now)

	// Identity turning unknown while enabled stops immediately.
	now = now.Add(50 * time.Millisecond)
	cmd := p.Step(Inputs{Pose: validPose(0, 15), Calibrated: true}, now)
	if !cmd.Stop || p.State() != Disabled {
		t.Errorf("unknown identity while gated: state %v cmd %+v, want disabled stop", p.State(), cmd)
	}
}

func TestIdentityGatingOff(t *testing.T) {
	p := New(DefaultConfig())
	now := controlClock()

	// Gating off: a zero identity never blocks.
	p.Step(Inputs{Toggle: true, Calibrated: true}, now)
	if p.State() != Enabled {
		t.Fatalf("state = %v, want enabled without gating", p.State())
	}
	now = now.Add(50 * time.Millisecond)
	if cmd := p.Step(Inputs{Pose: validPose(0, 15), Calibrated: true}, now); cmd.Speed == 0 {
		t.Error("motion blocked with gating off")
	}
}

func TestToggleDisables(t *testing.T) {
	p := New(DefaultConfig())
	now := controlClock()
	enable(t, p, now)

	now = now.Add(50 * time.Millisecond)
	cmd := p.Step(Inputs{Pose: validPose(0, 15), Calibrated: true, Toggle: true}, now)
	if !cmd.Stop || p.State() != Disabled {
		t.Errorf("toggle while enabled: state %v cmd %+v, want disabled stop", p.State(), cmd)
	}
}

func TestObstacleForcesZeroSpeed(t *testing.T) {
	p := New(DefaultConfig())
	now := controlClock()
	enable(t, p, now)

	in := Inputs{Pose: validPose(20, 15), Calibrated: true}
	for i := 0; i < 4; i++ {
		now = now.Add(50 * time.Millisecond)
		p.Step(in, now)
	}

	// Obstacle: speed drops to zero at once, steering stays available.
	in.Obstacle = true
	now = now.Add(50 * time.Millisecond)
	cmd := p.Step(in, now)
	if cmd.Speed != 0 {
		t.Fatalf("speed = %d during obstacle, want 0", cmd.Speed)
	}
	if cmd.Steering <= 0 {
		t.Errorf("steering = %d during obstacle, want > 0", cmd.Steering)
	}

	// Cleared: speed ramps back under the slew limit.
	in.Obstacle = false
	now = now.Add(50 * time.Millisecond)
	cmd = p.Step(in, now)
	if cmd.Speed != 10 {
		t.Errorf("first speed after clear = %d, want 10", cmd.Speed)
	}
}

func TestSlewLimits(t *testing.T) {
	cfg := DefaultConfig()
	p := New(cfg)
	now := controlClock()
	enable(t, p, now)

	in := Inputs{Pose: validPose(25, 15), Calibrated: true}
	prev := Command{}
	var cmd Command
	for i := 0; i < 12; i++ {
		now = now.Add(50 * time.Millisecond)
		cmd = p.Step(in, now)
		if d := cmd.Speed - prev.Speed; d > cfg.SpeedSlew || d < -cfg.SpeedSlew {
			t.Fatalf("cycle %d speed jumped %d, limit %d", i, d, cfg.SpeedSlew)
		}
		if d := cmd.Steering - prev.Steering; d > cfg.SteeringSlew || d < -cfg.SteeringSlew {
			t.Fatalf("cycle %d steering jumped %d, limit %d", i, d, cfg.SteeringSlew)
		}
		prev = cmd
	}
	if cmd.Speed != cfg.MaxSpeedPercent || cmd.Steering != 100 {
		t.Errorf("settled command = %+v, want full scale", cmd)
	}
}

func TestEmergencyStopLatches(t *testing.T) {
	p := New(DefaultConfig())
	now := controlClock()
	enable(t, p, now)

	p.EmergencyStop("operator")
	if p.State() != EmergencyStopped {
		t.Fatalf("state = %v, want emergency_stopped", p.State())
	}

	// Neither pose nor gesture leaves the latched state.
	now = now.Add(50 * time.Millisecond)
	cmd := p.Step(Inputs{Pose: validPose(0, 15), Calibrated: true, Toggle: true}, now)
	if !cmd.Stop || p.State() != EmergencyStopped {
		t.Fatalf("estop did not latch: state %v cmd %+v", p.State(), cmd)
	}

	p.Reset()
	if p.State() != Disabled {
		t.Fatalf("state after reset = %v, want disabled", p.State())
	}
	now = now.Add(50 * time.Millisecond)
	enable(t, p, now)
}

func TestResetOnlyLeavesEmergency(t *testing.T) {
	p := New(DefaultConfig())
	now := controlClock()
	enable(t, p, now)

	p.Reset()
	if p.State() != Enabled {
		t.Errorf("reset changed state to %v while enabled", p.State())
	}
}

func TestLinkFaultEscalates(t *testing.T) {
	p := New(DefaultConfig())
	now := controlClock()
	enable(t, p, now)

	now = now.Add(50 * time.Millisecond)
	cmd := p.Step(Inputs{Pose: validPose(0, 15), Calibrated: true, LinkFault: true}, now)
	if !cmd.Stop || p.State() != EmergencyStopped {
		t.Fatalf("link fault: state %v cmd %+v, want emergency stop", p.State(), cmd)
	}

	// Fault latches even after the flag clears.
	now = now.Add(50 * time.Millisecond)
	if p.Step(Inputs{Pose: validPose(0, 15), Calibrated: true}, now); p.State() != EmergencyStopped {
		t.Error("emergency state did not latch after link fault cleared")
	}
}

func TestLinkDownEntersGrace(t *testing.T) {
	p := New(DefaultConfig())
	now := controlClock()
	enable(t, p, now)

	// Link reconnecting: treated like a lost face.
	in := Inputs{Pose: validPose(0, 15), Calibrated: true, LinkDown: true}
	now = now.Add(50 * time.Millisecond)
	if cmd := p.Step(in, now); !cmd.Stop || p.State() != FaceLostGrace {
		t.Fatalf("link down: state %v cmd %+v, want grace stop", p.State(), cmd)
	}

	// Recovered within the window.
	now = now.Add(50 * time.Millisecond)
	p.Step(Inputs{Pose: validPose(0, 15), Calibrated: true}, now)
	if p.State() != Enabled {
		t.Errorf("state after link recovery = %v, want enabled", p.State())
	}
}

func TestMapPoseBoundaries(t *testing.T) {
	cases := []struct {
		name      string
		yaw       float64
		pitch     float64
		wantSpeed int
		wantSteer int
	}{
		{"neutral", 0, 0, 0, 0},
		{"pitch at dead zone edge", 0, 5, 0, 0},
		{"pitch mid scale", 0, 10, 10, 0},
		{"pitch full scale", 0, 15, 20, 0},
		{"pitch past full scale", 0, 90, 20, 0},
		{"yaw inside dead zone", 4.9, 0, 0, 0},
		{"yaw mid scale", 15, 0, 0, 50},
		{"yaw full left", -25, 0, 0, -100},
		{"yaw full right", 25, 0, 0, 100},
		{"yaw past full scale", 90, 0, 0, 100},
		{"looking down", -15, -10, 0, -50},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.SpeedSlew, cfg.SteeringSlew = 1000, 1000
			p := New(cfg)
			now := controlClock()
			enable(t, p, now)

			cmd := p.Step(Inputs{Pose: validPose(tc.yaw, tc.pitch), Calibrated: true}, now.Add(50*time.Millisecond))
			if cmd.Speed != tc.wantSpeed || cmd.Steering != tc.wantSteer {
				t.Errorf("command = %+v, want speed %d steering %d", cmd, tc.wantSpeed, tc.wantSteer)
			}
		})
	}
}
