package control

// Command is one motion order for the actuator, produced once per control
// cycle. A stop command always carries zero speed and steering.
type Command struct {
	Speed    int // forward speed percent
	Steering int // -100 full left .. 100 full right
	Stop     bool
}

// clamp bounds v to [lo, hi].
func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// stepToward moves cur toward want by at most maxStep.
func stepToward(cur, want, maxStep int) int {
	d := want - cur
	if d > maxStep {
		d = maxStep
	}
	if d < -maxStep {
		d = -maxStep
	}
	return cur + d
}
