package control

import (
	"math"

	"github.com/golang/geo/r2"
)

// Pose is the vehicle's position on the field (inches) and its heading in
// degrees. Heading is counter-clockwise positive and always lies in [0, 360).
type Pose struct {
	Position r2.Point
	Heading  float64
}

// NewPose builds a Pose with the heading normalized into [0, 360).
func NewPose(x, y, headingDeg float64) Pose {
	return Pose{
		Position: r2.Point{X: x, Y: y},
		Heading:  NormalizeHeading(headingDeg),
	}
}

// NormalizeHeading wraps any angle in degrees into [0, 360).
// -10 becomes 350 and 370 becomes 10.
func NormalizeHeading(deg float64) float64 {
	h := math.Mod(deg, 360)
	if h < 0 {
		h += 360
	}
	// math.Mod(-1e-15, 360) + 360 rounds to exactly 360
	if h >= 360 {
		h = 0
	}
	return h
}

// HeadingRadians returns the heading in radians.
func (p Pose) HeadingRadians() float64 {
	return p.Heading * math.Pi / 180
}

// Flipped returns the same pose facing the opposite direction.
func (p Pose) Flipped() Pose {
	return Pose{Position: p.Position, Heading: NormalizeHeading(p.Heading + 180)}
}

// ToRobotFrame expresses a field point in this pose's body frame
// (x forward, y to the left).
func (p Pose) ToRobotFrame(pt r2.Point) r2.Point {
	d := pt.Sub(p.Position)
	sin, cos := math.Sincos(p.HeadingRadians())
	return r2.Point{
		X: d.X*cos + d.Y*sin,
		Y: -d.X*sin + d.Y*cos,
	}
}

// HeadingError returns target-current wrapped into (-180, 180].
func HeadingError(target, current float64) float64 {
	e := NormalizeHeading(target) - NormalizeHeading(current)
	if e > 180 {
		e -= 360
	} else if e <= -180 {
		e += 360
	}
	return e
}
