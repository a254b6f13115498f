package drive

import (
	"time"

	"github.com/pkg/errors"

	"diffdrive-core/control"
)

// Config holds drivetrain geometry, teleop shaping and path-following limits.
type Config struct {
	Period     time.Duration      `yaml:"period"`
	Kinematics control.Kinematics `yaml:"kinematics"`

	Deadband      float64 `yaml:"deadband"`
	ForwardScale  float64 `yaml:"forward_scale"`
	StrafeScale   float64 `yaml:"strafe_scale"`
	RotationScale float64 `yaml:"rotation_scale"`
	// Low gear multipliers for the forward and strafe axes.
	LowGearForward float64 `yaml:"low_gear_forward"`
	LowGearStrafe  float64 `yaml:"low_gear_strafe"`

	PathFollowing PathFollowingConfig `yaml:"path_following"`
	HeadingLock   control.PIDConfig   `yaml:"heading_lock"`

	LeftGains  VelocityGains `yaml:"left_gains"`
	RightGains VelocityGains `yaml:"right_gains"`
}

// PathFollowingConfig configures the pure-pursuit follower and the wheel
// velocity clamp.
type PathFollowingConfig struct {
	Lookahead   float64 `yaml:"lookahead"`    // inches
	MaxAccel    float64 `yaml:"max_accel"`    // in/s²
	MaxVelocity float64 `yaml:"max_velocity"` // in/s, per wheel
	Tolerance   float64 `yaml:"tolerance"`    // inches
	MinSpeed    float64 `yaml:"min_speed"`    // in/s
}

// DefaultConfig returns settings for a 6" wheel, 26" track drivetrain with
// 4096 CPR encoders.
func DefaultConfig() Config {
	return Config{
		Period: 10 * time.Millisecond,
		Kinematics: control.Kinematics{
			TrackWidth:    26,
			ScrubFactor:   1,
			WheelDiameter: 6,
			CountsPerRev:  4096,
		},
		Deadband:       0.1,
		ForwardScale:   1,
		StrafeScale:    1,
		RotationScale:  1,
		LowGearForward: 0.5,
		LowGearStrafe:  0.5,
		PathFollowing: PathFollowingConfig{
			Lookahead:   24,
			MaxAccel:    120,
			MaxVelocity: 120,
			Tolerance:   0.25,
			MinSpeed:    control.DefaultMinSpeed,
		},
		HeadingLock: control.PIDConfig{
			Kp:          0.02,
			Ki:          0,
			Kd:          0.001,
			Tolerance:   2,
			OutputLimit: 0.6,
		},
		LeftGains:  VelocityGains{KF: 0.25, KP: 0.4},
		RightGains: VelocityGains{KF: 0.25, KP: 0.4},
	}
}

// Validate rejects non-physical values.
func (c Config) Validate() error {
	if c.Period <= 0 {
		return errors.Errorf("drive period must be positive, got %s", c.Period)
	}
	k := c.Kinematics
	if k.TrackWidth <= 0 || k.WheelDiameter <= 0 || k.CountsPerRev <= 0 {
		return errors.Errorf("invalid kinematics: track_width=%.3f wheel_diameter=%.3f counts_per_rev=%.0f",
			k.TrackWidth, k.WheelDiameter, k.CountsPerRev)
	}
	if c.Deadband < 0 || c.Deadband >= 1 {
		return errors.Errorf("deadband must be in [0, 1), got %.3f", c.Deadband)
	}
	pf := c.PathFollowing
	if pf.Lookahead <= 0 {
		return errors.Errorf("path_following.lookahead must be positive, got %.3f", pf.Lookahead)
	}
	if pf.MaxVelocity <= 0 {
		return errors.Errorf("path_following.max_velocity must be positive, got %.3f", pf.MaxVelocity)
	}
	if pf.MaxAccel < 0 || pf.Tolerance < 0 {
		return errors.New("path_following.max_accel and tolerance must not be negative")
	}
	return nil
}

func (c Config) pursuitParams() control.PursuitParams {
	return control.PursuitParams{
		Lookahead: c.PathFollowing.Lookahead,
		MaxAccel:  c.PathFollowing.MaxAccel,
		Period:    c.Period,
		Tolerance: c.PathFollowing.Tolerance,
		MinSpeed:  c.PathFollowing.MinSpeed,
	}
}
