package pipeline

import "time"

// Snapshot is the operator-facing view of the pipeline, safe to take from
// any goroutine.
type Snapshot struct {
	At        time.Time `json:"at"`
	StartedAt time.Time `json:"started_at"`

	State      string `json:"state"`
	Calibrated bool   `json:"calibrated"`

	Calibration        string `json:"calibration"`
	GestureCalibration string `json:"gesture_calibration"`
	GestureInstruction string `json:"gesture_instruction,omitempty"`

	GestureSignal    float64 `json:"gesture_signal"`
	GestureThreshold float64 `json:"gesture_threshold"`

	PoseValid bool    `json:"pose_valid"`
	Yaw       float64 `json:"yaw"`
	Pitch     float64 `json:"pitch"`

	User     string `json:"user,omitempty"`
	Obstacle bool   `json:"obstacle"`

	LinkConnected bool `json:"link_connected"`
	Speed         int  `json:"speed"`
	Steering      int  `json:"steering"`
	Stopped       bool `json:"stopped"`

	FrameDrops    uint64 `json:"frame_drops"`
	PoseDrops     uint64 `json:"pose_drops"`
	CommandsSent  uint64 `json:"commands_sent"`
	WatchdogStops uint64 `json:"watchdog_stops"`
	Reconnects    uint64 `json:"reconnects"`
}

// Snapshot captures the current pipeline state for the web surface.
func (p *Pipeline) Snapshot() Snapshot {
	st := p.link.Stats()
	connected := p.link.Connected()

	p.mu.Lock()
	defer p.mu.Unlock()
	return Snapshot{
		At:                 time.Now(),
		StartedAt:          p.startedAt,
		State:              p.policy.State().String(),
		Calibrated:         p.est.Calibrated(),
		Calibration:        p.calib.Phase().String(),
		GestureCalibration: p.thr.Phase().String(),
		GestureInstruction: p.thr.Instruction(),
		GestureSignal:      p.det.Signal(),
		GestureThreshold:   p.det.Threshold(),
		PoseValid:          p.lastSample.Valid,
		Yaw:                p.lastSample.Yaw,
		Pitch:              p.lastSample.Pitch,
		User:               p.ident.UserID,
		Obstacle:           p.obstacle,
		LinkConnected:      connected,
		Speed:              p.lastCmd.Speed,
		Steering:           p.lastCmd.Steering,
		Stopped:            p.lastCmd.Stop,
		FrameDrops:         p.frames.Dropped(),
		PoseDrops:          p.poses.Dropped(),
		CommandsSent:       st.Sent,
		WatchdogStops:      st.WatchdogStops,
		Reconnects:         st.Reconnects,
	}
}
