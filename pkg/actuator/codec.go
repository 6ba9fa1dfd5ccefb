// Package actuator drives the chair's motor controller over a serial
// line.
//
// Wire contract with the firmware, which must not change:
//
//	host -> controller  "S:<speed>,P:<steering>\n"  motion frame
//	host -> controller  "CHK\n"                     handshake probe
//	host -> controller  "Home\n"                    recenter steering
//	controller -> host  "OK"                        handshake answer
//	controller -> host  "OD" / "OC"                 obstacle detected / cleared
//
// The controller runs its own watchdog and stops the motors after 400ms
// without a frame; the link keeps a second, host-side watchdog on top.
package actuator

import (
	"errors"
	"fmt"
	"time"

	"github.com/Bumply/bitirme/pkg/control"
)

var (
	// ErrNotConnected means the serial link is down; commands cannot
	// reach the chair.
	ErrNotConnected = errors.New("actuator: link not connected")

	// ErrCommandRange means a command violated the protocol range. The
	// policy clamps upstream, so seeing this is a bug worth halting for.
	ErrCommandRange = errors.New("actuator: command out of range")
)

const (
	probeFrame = "CHK\n"
	homeFrame  = "Home\n"

	ackLine          = "OK"
	obstacleDetected = "OD"
	obstacleCleared  = "OC"

	maxProtocolSpeed = 100
	maxProtocolSteer = 100
)

// EncodeCommand serializes a motion command to the firmware frame. A stop
// encodes as zero speed and steering.
func EncodeCommand(cmd control.Command) ([]byte, error) {
	if cmd.Stop {
		cmd.Speed, cmd.Steering = 0, 0
	}
	if cmd.Speed < 0 || cmd.Speed > maxProtocolSpeed ||
		cmd.Steering < -maxProtocolSteer || cmd.Steering > maxProtocolSteer {
		return nil, fmt.Errorf("%w: speed %d steering %d", ErrCommandRange, cmd.Speed, cmd.Steering)
	}
	return fmt.Appendf(nil, "S:%d,P:%d\n", cmd.Speed, cmd.Steering), nil
}

// EventKind is a firmware-originated notification.
type EventKind int

const (
	ObstacleDetected EventKind = iota
	ObstacleCleared
)

func (k EventKind) String() string {
	switch k {
	case ObstacleDetected:
		return "obstacle_detected"
	case ObstacleCleared:
		return "obstacle_cleared"
	}
	return "unknown"
}

// Event is one firmware notification with its arrival time.
type Event struct {
	Kind EventKind
	At   time.Time
}

// parseEvent maps a firmware line to an event. Handshake answers and
// unknown chatter are not events.
func parseEvent(line string, now time.Time) (Event, bool) {
	switch line {
	case obstacleDetected:
		return Event{Kind: ObstacleDetected, At: now}, true
	case obstacleCleared:
		return Event{Kind: ObstacleCleared, At: now}, true
	}
	return Event{}, false
}
