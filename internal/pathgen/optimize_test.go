package pathgen_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"openscan3/internal/pathgen"
)

func testOptimizer() *pathgen.Optimizer {
	profile := pathgen.MotorProfile{
		StepsPerRotation: 3200,
		Acceleration:     500,
		MaxSpeed:         200,
	}
	return pathgen.NewOptimizer(profile, profile)
}

func TestMoveTimeZeroForSamePoint(t *testing.T) {
	o := testOptimizer()
	p := pathgen.PolarPoint3D{Theta: 45, Fi: 10, R: 1}
	assert.Equal(t, 0.0, o.MoveTime(p, p))
}

func TestMoveTimeUsesShorterTurntableWraparound(t *testing.T) {
	o := testOptimizer()
	from := pathgen.PolarPoint3D{Theta: 90, Fi: 350, R: 1}
	to := pathgen.PolarPoint3D{Theta: 90, Fi: 10, R: 1}

	direct := o.MoveTime(from, to)

	twentyDegrees := pathgen.PolarPoint3D{Theta: 90, Fi: 350 - 20, R: 1}
	plain := o.MoveTime(from, twentyDegrees)

	assert.Equal(t, plain, direct, "350->10 crosses 0 and must cost the same as a plain 20 degree move, not a 340 degree one")
}

func TestMoveTimeIsMaxOfBothAxes(t *testing.T) {
	o := testOptimizer()
	from := pathgen.PolarPoint3D{Theta: 0, Fi: 0, R: 1}
	to := pathgen.PolarPoint3D{Theta: 90, Fi: 1, R: 1}

	both := o.MoveTime(from, to)
	rotorOnly := o.MoveTime(from, pathgen.PolarPoint3D{Theta: 90, Fi: 0, R: 1})

	assert.InDelta(t, rotorOnly, both, 0.01, "turntable moving 1 degree should not change the cost of a 90 degree rotor move")
}

func TestOptimizeVisitsEveryPointExactlyOnce(t *testing.T) {
	o := testOptimizer()
	points := pathgen.GenerateFibonacciSphere(12, 0, 180)

	ordered := o.Optimize(points, pathgen.HomePosition)
	require.Len(t, ordered, len(points))

	seen := make(map[int]bool)
	for _, p := range ordered {
		seen[p.OriginalIndex] = true
	}
	assert.Len(t, seen, len(points))
}

func TestOptimizeEmptyInput(t *testing.T) {
	o := testOptimizer()
	assert.Nil(t, o.Optimize(nil, pathgen.HomePosition))
}

func TestEstimateDurationMatchesOrderedSteps(t *testing.T) {
	o := testOptimizer()
	points := pathgen.GenerateFibonacciSphere(5, 0, 90)

	total, steps := o.EstimateDuration(points, pathgen.HomePosition)
	require.Len(t, steps, len(points))

	sum := 0.0
	for _, s := range steps {
		sum += s
	}
	assert.InDelta(t, sum, total, 0.0001)
}
