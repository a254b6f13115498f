package hardware

import (
	"context"
	"math"
	"sync"
	"time"

	"diffdrive-core/control"
	"diffdrive-core/drive"
	"diffdrive-core/timeutil"
)

// SimDrive is a kinematic differential-drive plant. It implements both
// drive.Actuators and drive.PoseProvider; wheel speeds follow commands
// instantly and Advance integrates the pose.
type SimDrive struct {
	mu sync.Mutex

	kin control.Kinematics
	// open-loop full scale, in/s at ±1
	maxSpeed float64

	pose        control.Pose
	leftCounts  float64
	rightCounts float64
	wheels      control.WheelVelocities

	cfg        drive.ActuatorConfig
	configured int
	openLoop   drive.Axes
}

// NewSimDrive places the simulated vehicle at start.
func NewSimDrive(kin control.Kinematics, maxSpeed float64, start control.Pose) *SimDrive {
	return &SimDrive{kin: kin, maxSpeed: maxSpeed, pose: start}
}

// DriveOpenLoop maps percent output to wheel speeds. Strafe is ignored.
func (s *SimDrive) DriveOpenLoop(forward, strafe, rotation float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.openLoop = drive.Axes{Forward: forward, Strafe: strafe, Rotation: rotation}
	// strafe has no effect on a differential plant
	l := control.ClampFloat(forward-rotation, -1, 1)
	r := control.ClampFloat(forward+rotation, -1, 1)
	s.wheels = control.WheelVelocities{Left: l * s.maxSpeed, Right: r * s.maxSpeed}
	return nil
}

// DriveVelocity takes native units, as the motor controllers do.
func (s *SimDrive) DriveVelocity(left, right float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wheels = control.WheelVelocities{Left: s.nativeToIPS(left), Right: s.nativeToIPS(right)}
	return nil
}

func (s *SimDrive) Configure(cfg drive.ActuatorConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
	s.configured++
	s.wheels = control.WheelVelocities{}
	if cfg.ResetSensors {
		s.leftCounts, s.rightCounts = 0, 0
	}
	return nil
}

func (s *SimDrive) nativeToIPS(native float64) float64 {
	rpm := native * 600 / s.kin.CountsPerRev
	return rpm / 60 * s.kin.WheelDiameter * math.Pi
}

func (s *SimDrive) ipsToCounts(ips float64) float64 {
	return ips / (s.kin.WheelDiameter * math.Pi) * s.kin.CountsPerRev
}

// Advance integrates the current wheel speeds over dt.
func (s *SimDrive) Advance(dt time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sec := dt.Seconds()
	body := s.kin.Forward(s.wheels)
	th := s.pose.HeadingRadians()
	// midpoint heading for the arc
	mid := th + body.Angular*sec/2
	x := s.pose.Position.X + body.Forward*math.Cos(mid)*sec
	y := s.pose.Position.Y + body.Forward*math.Sin(mid)*sec
	s.pose = control.NewPose(x, y, (th+body.Angular*sec)*180/math.Pi)

	s.leftCounts += s.ipsToCounts(s.wheels.Left * sec)
	s.rightCounts += s.ipsToCounts(s.wheels.Right * sec)
}

// Run advances the plant every period until ctx is cancelled.
func (s *SimDrive) Run(ctx context.Context, clock timeutil.Clock, period time.Duration) {
	ticker := clock.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			s.Advance(period)
		}
	}
}

func (s *SimDrive) LatestPose() control.Pose {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pose
}

func (s *SimDrive) WheelPositions() (float64, float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.leftCounts, s.rightCounts
}

// Wheels returns the last commanded wheel speeds in in/s.
func (s *SimDrive) Wheels() control.WheelVelocities {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wheels
}

// LastConfig returns the last actuator configuration and how many times
// Configure was called.
func (s *SimDrive) LastConfig() (drive.ActuatorConfig, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg, s.configured
}

// LastOpenLoop returns the last open-loop command.
func (s *SimDrive) LastOpenLoop() drive.Axes {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.openLoop
}
