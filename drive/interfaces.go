package drive

import "diffdrive-core/control"

// PoseProvider is the vehicle's position estimator and wheel encoders.
// Reads must not block.
type PoseProvider interface {
	LatestPose() control.Pose
	// WheelPositions returns the raw left/right encoder positions in counts.
	WheelPositions() (left, right float64)
}

// Actuators is the motor controller sink. Calls must not block.
type Actuators interface {
	// DriveOpenLoop commands a body-frame percent output; rotation is
	// counter-clockwise positive.
	DriveOpenLoop(forward, strafe, rotation float64) error
	// DriveVelocity commands closed-loop wheel velocities in native units
	// (encoder counts per 100 ms).
	DriveVelocity(left, right float64) error
	Configure(cfg ActuatorConfig) error
}

// Axes are normalized human inputs in [-1, 1]. Rotation is counter-clockwise
// positive.
type Axes struct {
	Forward  float64
	Strafe   float64
	Rotation float64
}

// InputProvider is the human-input device.
type InputProvider interface {
	Axes() Axes
	// LowGear reports the gear-select signal.
	LowGear() bool
}

// ControlMode is the motor controller's output mode.
type ControlMode int

const (
	ModePercentOutput ControlMode = iota
	ModeVelocity
)

func (m ControlMode) String() string {
	switch m {
	case ModePercentOutput:
		return "percent_output"
	case ModeVelocity:
		return "velocity"
	default:
		return "unknown"
	}
}

// NeutralMode is what the motor controllers do at zero output.
type NeutralMode int

const (
	NeutralCoast NeutralMode = iota
	NeutralBrake
)

// VelocityGains are the motor controller's closed-loop velocity gains.
type VelocityGains struct {
	KF    float64 `yaml:"kf"`
	KP    float64 `yaml:"kp"`
	KI    float64 `yaml:"ki"`
	KD    float64 `yaml:"kd"`
	IZone float64 `yaml:"izone"`
}

// ActuatorConfig selects the motor controller mode for both sides.
type ActuatorConfig struct {
	Mode    ControlMode
	Neutral NeutralMode
	Left    VelocityGains
	Right   VelocityGains
	// FollowersLinked slaves each rear controller to the front one on its side.
	FollowersLinked bool
	// ResetSensors zeroes the encoder positions.
	ResetSensors bool
}
