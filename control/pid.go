package control

import "math"

// PIDConfig holds heading-lock PID parameters
type PIDConfig struct {
	Kp            float64 `yaml:"kp"`
	Ki            float64 `yaml:"ki"`
	Kd            float64 `yaml:"kd"`
	Tolerance     float64 `yaml:"tolerance_deg"`
	OutputLimit   float64 `yaml:"output_limit"`
	IntegralLimit float64 `yaml:"integral_limit"`
}

// HeadingPID is a discrete PID controller whose input is a heading in
// [0, 360). Error is computed the short way around the circle, so a target
// of 350 seen from 10 is -20, not 340.
type HeadingPID struct {
	cfg PIDConfig

	// State
	setpoint    float64
	integral    float64
	prevError   float64
	initialized bool
}

// NewHeadingPID creates a heading controller with given configuration
func NewHeadingPID(cfg PIDConfig) *HeadingPID {
	return &HeadingPID{cfg: cfg}
}

// SetSetpoint changes the target heading. The setpoint is normalized.
func (pid *HeadingPID) SetSetpoint(heading float64) {
	pid.setpoint = NormalizeHeading(heading)
}

// Setpoint returns the current target heading.
func (pid *HeadingPID) Setpoint() float64 { return pid.setpoint }

// Reset clears the PID state
func (pid *HeadingPID) Reset() {
	pid.integral = 0
	pid.prevError = 0
	pid.initialized = false
}

// OnTarget reports whether the last error is within tolerance.
func (pid *HeadingPID) OnTarget() bool {
	return pid.initialized && math.Abs(pid.prevError) <= pid.cfg.Tolerance
}

// Update computes the rotation command for the measured heading over dt
// seconds. The output is limited to ±OutputLimit.
func (pid *HeadingPID) Update(heading float64, dt float64) float64 {
	err := HeadingError(pid.setpoint, heading)

	if !pid.initialized {
		pid.prevError = err
		pid.initialized = true
	}

	p := pid.cfg.Kp * err

	if dt > 0 {
		pid.integral += err * dt
	}
	if pid.cfg.IntegralLimit > 0 {
		pid.integral = ClampFloat(pid.integral, -pid.cfg.IntegralLimit, pid.cfg.IntegralLimit)
	}
	i := pid.cfg.Ki * pid.integral

	var d float64
	if dt > 0 {
		d = pid.cfg.Kd * (err - pid.prevError) / dt
	}
	pid.prevError = err

	out := p + i + d
	if pid.cfg.OutputLimit > 0 {
		out = ClampFloat(out, -pid.cfg.OutputLimit, pid.cfg.OutputLimit)
	}
	return out
}
