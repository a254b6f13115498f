package control

import (
	"math"
	"time"

	"github.com/pkg/errors"
)

// PursuitParams configures a PurePursuit follower.
type PursuitParams struct {
	Lookahead float64       // fixed lookahead added to the distance from path, inches
	MaxAccel  float64       // in/s², 0 disables acceleration limiting
	Period    time.Duration // nominal update period, used for the first update
	Tolerance float64       // remaining length at which the path is done, inches
	MinSpeed  float64       // speed floor while the path is not done, in/s
}

// DefaultMinSpeed keeps the vehicle moving when the acceleration cap near the
// end of the path would otherwise stall it short of the tolerance.
const DefaultMinSpeed = 4.0

// PurePursuit follows a Path by steering toward a point a lookahead distance
// ahead on the path. It is not safe for concurrent use; the drive controller
// serializes access to it.
type PurePursuit struct {
	params   PursuitParams
	path     *pathProgress
	reversed bool

	lastCommand BodyVelocity
	lastTime    time.Time
	started     bool
}

// NewPurePursuit creates a follower for path. reversed drives the path
// backwards without changing waypoint order.
func NewPurePursuit(params PursuitParams, path Path, reversed bool) (*PurePursuit, error) {
	if path.Len() == 0 {
		return nil, ErrEmptyPath
	}
	if params.Lookahead <= 0 {
		return nil, errors.Errorf("lookahead must be positive, got %.3f", params.Lookahead)
	}
	if params.Period <= 0 {
		return nil, errors.Errorf("period must be positive, got %s", params.Period)
	}
	if params.MinSpeed <= 0 {
		params.MinSpeed = DefaultMinSpeed
	}
	return &PurePursuit{
		params:   params,
		path:     newPathProgress(path),
		reversed: reversed,
	}, nil
}

// Reversed reports whether the path is driven backwards.
func (pp *PurePursuit) Reversed() bool { return pp.reversed }

// Remaining returns the undriven path length in inches.
func (pp *PurePursuit) Remaining() float64 { return pp.path.remaining() }

// Done reports whether the vehicle is within tolerance of the end of the path.
func (pp *PurePursuit) Done() bool {
	return pp.path.remaining() <= pp.params.Tolerance
}

// Update advances progress along the path from pose and returns the body
// command for this tick. Once Done it returns a zero command.
func (pp *PurePursuit) Update(pose Pose, now time.Time) BodyVelocity {
	if pp.reversed {
		pose = pose.Flipped()
	}

	distFromPath := pp.path.update(pose.Position)
	if pp.Done() {
		pp.record(BodyVelocity{}, now)
		return BodyVelocity{}
	}

	target, speed := pp.path.lookahead(pp.params.Lookahead + distFromPath)
	if pp.reversed {
		speed = -speed
	}

	dt := pp.params.Period.Seconds()
	if pp.started {
		if elapsed := now.Sub(pp.lastTime).Seconds(); elapsed > 0 {
			dt = elapsed
		}
	}

	if pp.params.MaxAccel > 0 {
		accel := ClampFloat((speed-pp.lastCommand.Forward)/dt, -pp.params.MaxAccel, pp.params.MaxAccel)
		speed = pp.lastCommand.Forward + accel*dt

		// slow down in time to stop at the end
		maxAllowed := math.Sqrt(2 * pp.params.MaxAccel * pp.path.remaining())
		if math.Abs(speed) > maxAllowed {
			speed = maxAllowed * signum(speed)
		}
	}
	if math.Abs(speed) < pp.params.MinSpeed {
		speed = pp.params.MinSpeed
		if pp.reversed {
			speed = -speed
		}
	}

	// curvature of the arc tangent to the heading through the lookahead point
	local := pose.ToRobotFrame(target)
	var curvature float64
	if d2 := local.X*local.X + local.Y*local.Y; d2 > kinematicsEpsilon {
		curvature = 2 * local.Y / d2
	}

	cmd := BodyVelocity{Forward: speed, Angular: math.Abs(speed) * curvature}
	pp.record(cmd, now)
	return cmd
}

func (pp *PurePursuit) record(cmd BodyVelocity, now time.Time) {
	pp.lastCommand = cmd
	pp.lastTime = now
	pp.started = true
}
