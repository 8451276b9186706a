// Package pathgen generates and optimizes the sequence of motor positions a
// scan visits. The geometry itself (Fibonacci-sphere point placement) is
// treated as a pure function per the source's "path geometry math is not a
// correctness requirement" scope; the motor-cost-aware optimizer ported from
// optimization.py is the part worth getting right, since it is what
// determines actual scan duration.
package pathgen

import "math"

// PolarPoint3D is a scan position in spherical coordinates: theta is the
// camera rotor angle, fi is the turntable angle, r is a normalized radius
// carried through for completeness (motor cost only depends on angles).
type PolarPoint3D struct {
	Theta float64 `json:"theta"`
	Fi    float64 `json:"fi"`
	R     float64 `json:"r"`
}

// PathPoint pairs a position with its index in the unoptimized sequence, so
// optimized execution order can still be mapped back to the scan-setting
// position that produced it (used for output filenames).
type PathPoint struct {
	Point         PolarPoint3D
	OriginalIndex int
}

// HomePosition is the safe parking point motors return to after a scan.
var HomePosition = PolarPoint3D{Theta: 90, Fi: 90, R: 1}

// GenerateFibonacciSphere lays out numPoints positions roughly evenly across
// a sphere restricted to [minTheta, maxTheta], using the standard golden-angle
// spiral construction. r is fixed at 1 for all points (a normalized scan
// radius is a camera-distance concern the motor layer does not need).
func GenerateFibonacciSphere(numPoints int, minTheta, maxTheta float64) []PathPoint {
	if numPoints <= 0 {
		return nil
	}
	points := make([]PathPoint, 0, numPoints)

	const goldenAngle = math.Pi * (3 - 2.2360679774997896) // pi*(3-sqrt(5))
	thetaSpan := maxTheta - minTheta
	if thetaSpan < 0 {
		thetaSpan = 0
	}

	for i := 0; i < numPoints; i++ {
		frac := (float64(i) + 0.5) / float64(numPoints)
		theta := minTheta + frac*thetaSpan
		fi := math.Mod(float64(i)*goldenAngle*180/math.Pi, 360)
		if fi < 0 {
			fi += 360
		}
		points = append(points, PathPoint{
			Point:         PolarPoint3D{Theta: theta, Fi: fi, R: 1},
			OriginalIndex: i,
		})
	}
	return points
}
