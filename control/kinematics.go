package control

import "math"

const kinematicsEpsilon = 1e-9

// BodyVelocity is a body-frame command: forward speed (in/s) and angular
// velocity (rad/s, positive turns left).
type BodyVelocity struct {
	Forward float64
	Angular float64
}

// WheelVelocities holds signed left/right wheel speeds in in/s.
type WheelVelocities struct {
	Left  float64
	Right float64
}

// Kinematics converts between body-frame and wheel-frame velocities for a
// differential drivetrain.
type Kinematics struct {
	TrackWidth    float64 `yaml:"track_width"`    // effective wheelbase, inches
	ScrubFactor   float64 `yaml:"scrub_factor"`   // >1 for skid-steer scrub; 1 for ideal wheels
	WheelDiameter float64 `yaml:"wheel_diameter"` // inches
	CountsPerRev  float64 `yaml:"counts_per_rev"` // encoder counts per wheel revolution
}

func (k Kinematics) scrub() float64 {
	if k.ScrubFactor <= 0 {
		return 1
	}
	return k.ScrubFactor
}

// Inverse maps a body-frame command to wheel speeds.
func (k Kinematics) Inverse(v BodyVelocity) WheelVelocities {
	if almostZero(v.Angular) {
		return WheelVelocities{Left: v.Forward, Right: v.Forward}
	}
	delta := k.TrackWidth * v.Angular / (2 * k.scrub())
	return WheelVelocities{Left: v.Forward - delta, Right: v.Forward + delta}
}

// Forward maps wheel speeds back to a body-frame command.
func (k Kinematics) Forward(w WheelVelocities) BodyVelocity {
	return BodyVelocity{
		Forward: (w.Left + w.Right) / 2,
		Angular: (w.Right - w.Left) * k.scrub() / k.TrackWidth,
	}
}

// InchesPerSecondToRPM converts a linear wheel speed to wheel RPM using the
// wheel circumference.
func (k Kinematics) InchesPerSecondToRPM(ips float64) float64 {
	return ips / (k.WheelDiameter * math.Pi) * 60
}

// RPMToNative converts RPM to the motor controller's velocity unit,
// encoder counts per 100 ms.
func (k Kinematics) RPMToNative(rpm float64) float64 {
	return rpm * k.CountsPerRev / 600
}

// CountsToInches converts an encoder position to distance travelled.
func (k Kinematics) CountsToInches(counts float64) float64 {
	return counts * (k.WheelDiameter * math.Pi) / k.CountsPerRev
}

// ClampWheelVelocities scales both wheels by max/larger when the faster
// wheel exceeds max, which keeps the commanded curvature.
func ClampWheelVelocities(w WheelVelocities, max float64) WheelVelocities {
	larger := math.Max(math.Abs(w.Left), math.Abs(w.Right))
	if larger <= max || larger == 0 {
		return w
	}
	scale := max / larger
	out := WheelVelocities{Left: w.Left * scale, Right: w.Right * scale}
	// pin the larger wheel so it lands on max exactly
	if math.Abs(w.Left) >= math.Abs(w.Right) {
		out.Left = signum(w.Left) * max
	}
	if math.Abs(w.Right) >= math.Abs(w.Left) {
		out.Right = signum(w.Right) * max
	}
	return out
}
