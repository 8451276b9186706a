package pathgen

import "math"

// MotorProfile describes one axis's step geometry and kinematics, enough to
// compute how long a commanded move of a given number of degrees takes.
type MotorProfile struct {
	StepsPerRotation int
	Acceleration     float64 // steps/s^2
	MaxSpeed         float64 // steps/s
}

// Optimizer reorders a set of scan points to minimize total motor travel
// time, using a nearest-neighbor heuristic on a move-time metric rather than
// straight-line distance. This is a direct port of optimization.py's
// PathOptimizer: the rotor and turntable move concurrently for any given
// step, so the cost of a move is the slower of the two axes, not their sum.
type Optimizer struct {
	Rotor     MotorProfile
	Turntable MotorProfile
}

// NewOptimizer builds an Optimizer from the two axis profiles.
func NewOptimizer(rotor, turntable MotorProfile) *Optimizer {
	return &Optimizer{Rotor: rotor, Turntable: turntable}
}

// Optimize reorders points via a greedy nearest-neighbor walk starting from
// start, where "nearest" is measured in movement time rather than angular
// distance. An empty input returns nil. The original slice is left
// untouched; a new reordered slice is returned.
func (o *Optimizer) Optimize(points []PathPoint, start PolarPoint3D) []PathPoint {
	if len(points) == 0 {
		return nil
	}
	remaining := make([]PathPoint, len(points))
	copy(remaining, points)

	ordered := make([]PathPoint, 0, len(points))
	current := start
	for len(remaining) > 0 {
		bestIdx := 0
		bestTime := o.MoveTime(current, remaining[0].Point)
		for i := 1; i < len(remaining); i++ {
			t := o.MoveTime(current, remaining[i].Point)
			if t < bestTime {
				bestTime = t
				bestIdx = i
			}
		}
		ordered = append(ordered, remaining[bestIdx])
		current = remaining[bestIdx].Point
		remaining = append(remaining[:bestIdx], remaining[bestIdx+1:]...)
	}
	return ordered
}

// EstimateDuration returns the total motor time to visit points in order
// starting from start, and the per-step move times alongside it.
func (o *Optimizer) EstimateDuration(points []PathPoint, start PolarPoint3D) (float64, []float64) {
	current := start
	total := 0.0
	steps := make([]float64, 0, len(points))
	for _, p := range points {
		t := o.MoveTime(current, p.Point)
		steps = append(steps, t)
		total += t
		current = p.Point
	}
	return total, steps
}

// MoveTime is the time to move from one point to another: the rotor (theta)
// travels directly, the turntable (fi) takes the shorter of the two
// wraparound directions, and since both axes move concurrently the move
// completes only when the slower of the two finishes.
func (o *Optimizer) MoveTime(from, to PolarPoint3D) float64 {
	rotorDeg := math.Abs(to.Theta - from.Theta)
	fiDiff := math.Abs(to.Fi - from.Fi)
	turntableDeg := math.Min(fiDiff, 360-fiDiff)

	rotorTime := movementTimeDegrees(rotorDeg, o.Rotor)
	turntableTime := movementTimeDegrees(turntableDeg, o.Turntable)
	return math.Max(rotorTime, turntableTime)
}

// movementTimeDegrees computes the time to travel degrees of angle under a
// trapezoidal velocity profile (accelerate, cruise, decelerate), falling
// back to a triangular profile (no cruise phase) when the move is too short
// to reach max speed.
func movementTimeDegrees(degrees float64, m MotorProfile) float64 {
	if degrees <= 0 {
		return 0
	}
	steps := int(math.Abs(degrees) * float64(m.StepsPerRotation) / 360)
	if steps == 0 {
		return 0
	}

	accelTime := m.MaxSpeed / m.Acceleration
	accelSteps := int(0.5 * m.Acceleration * accelTime * accelTime)

	if 2*accelSteps > steps {
		// Triangular profile: never reaches max speed.
		half := steps / 2
		if half < 1 {
			half = 1
		}
		peakTime := math.Sqrt(2 * float64(half) / m.Acceleration)
		return 2 * peakTime
	}

	constSteps := steps - 2*accelSteps
	constTime := 0.0
	if constSteps > 0 {
		constTime = float64(constSteps) / m.MaxSpeed
	}
	return accelTime + constTime + accelTime
}
