package drive

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"

	"diffdrive-core/control"
	"diffdrive-core/telemetry"
	"diffdrive-core/timeutil"
)

// ErrInvariant marks a programming error inside the control loop, such as
// path following without a follower. Run stops on it.
var ErrInvariant = errors.New("drive controller invariant violated")

// State is the drive control state.
type State int

const (
	OpenLoop State = iota
	PathFollowing
)

func (s State) String() string {
	switch s {
	case OpenLoop:
		return "Open Loop"
	case PathFollowing:
		return "Path following"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Settings are the operator-facing toggles. The controller swaps them as a
// whole and reads one snapshot per tick.
type Settings struct {
	Enabled  bool
	Reversed bool
	// LowGear forces low gear in addition to the input device's gear signal.
	LowGear     bool
	HeadingLock bool
	// HeadingTarget is the heading-lock setpoint in degrees. NaN holds the
	// heading the controller last resynced to.
	HeadingTarget float64
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the logger.
func WithLogger(l hclog.Logger) Option { return func(c *Controller) { c.log = l } }

// WithTelemetry sets the per-tick telemetry sink.
func WithTelemetry(s telemetry.Sink) Option { return func(c *Controller) { c.sink = s } }

// WithMetrics sets the Prometheus metrics.
func WithMetrics(m *telemetry.Metrics) Option { return func(c *Controller) { c.metrics = m } }

// WithClock sets the clock driving Run.
func WithClock(clk timeutil.Clock) Option { return func(c *Controller) { c.clock = clk } }

// Controller is the fixed-rate drivetrain state machine. One instance owns
// the drivetrain; it is shared by reference with the periodic task and the
// autonomous scheduler.
type Controller struct {
	cfg     Config
	pose    PoseProvider
	act     Actuators
	input   InputProvider
	sink    telemetry.Sink
	metrics *telemetry.Metrics
	log     hclog.Logger
	clock   timeutil.Clock

	settings atomic.Pointer[Settings]
	override atomic.Pointer[Axes]

	mu       sync.Mutex
	state    State
	follower *control.PurePursuit
	// velocityMode is true while the actuators are configured for
	// closed-loop velocity.
	velocityMode bool
	// neutralSent is true once a disabled tick has zeroed the actuators.
	neutralSent bool

	// owned by the tick
	headingPID *control.HeadingPID
	lastTick   time.Time
}

// New builds a controller in OpenLoop, enabled, with heading lock off.
func New(cfg Config, pose PoseProvider, act Actuators, input InputProvider, opts ...Option) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if pose == nil || act == nil || input == nil {
		return nil, errors.New("drive controller needs a pose provider, actuators and an input provider")
	}
	c := &Controller{
		cfg:        cfg,
		pose:       pose,
		act:        act,
		input:      input,
		sink:       telemetry.Discard{},
		log:        hclog.NewNullLogger(),
		clock:      timeutil.RealClock{},
		state:      OpenLoop,
		headingPID: control.NewHeadingPID(cfg.HeadingLock),
	}
	for _, o := range opts {
		o(c)
	}
	c.settings.Store(&Settings{Enabled: true, HeadingTarget: math.NaN()})
	return c, nil
}

// Config returns the controller's configuration.
func (c *Controller) Config() Config { return c.cfg }

// Settings returns the current settings snapshot.
func (c *Controller) Settings() Settings { return *c.settings.Load() }

// UpdateSettings applies fn to a copy of the current settings and swaps it in.
func (c *Controller) UpdateSettings(fn func(*Settings)) {
	for {
		old := c.settings.Load()
		next := *old
		fn(&next)
		if c.settings.CompareAndSwap(old, &next) {
			return
		}
	}
}

// SetEnabled gates actuator output. The first tick after disabling sends one
// zero command so the motor controllers do not hold their last setpoint.
func (c *Controller) SetEnabled(en bool) { c.UpdateSettings(func(s *Settings) { s.Enabled = en }) }

// SetReversed swaps front and back for operator driving.
func (c *Controller) SetReversed(r bool) { c.UpdateSettings(func(s *Settings) { s.Reversed = r }) }

// SetLowGear forces low gear regardless of the input device.
func (c *Controller) SetLowGear(low bool) { c.UpdateSettings(func(s *Settings) { s.LowGear = low }) }

// EnableTo sets the heading-lock target and turns the lock on or off.
func (c *Controller) EnableTo(heading float64, enabled bool) {
	c.UpdateSettings(func(s *Settings) {
		s.HeadingTarget = control.NormalizeHeading(heading)
		s.HeadingLock = enabled
	})
}

// LockHeading turns the lock on or off, holding the current heading.
func (c *Controller) LockHeading(enabled bool) {
	c.UpdateSettings(func(s *Settings) {
		s.HeadingTarget = math.NaN()
		s.HeadingLock = enabled
	})
}

// SetOperatorInput replaces human input in the open-loop branch until
// ClearOperatorInput. The axes are used as given, without shaping.
func (c *Controller) SetOperatorInput(a Axes) { c.override.Store(&a) }

// ClearOperatorInput hands the open-loop branch back to the input device.
func (c *Controller) ClearOperatorInput() { c.override.Store(nil) }

// State returns the current control state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ConfigureTeleop puts the motor controllers in zeroed percent output and
// resets the sensors.
func (c *Controller) ConfigureTeleop() error {
	err := c.act.Configure(ActuatorConfig{
		Mode:         ModePercentOutput,
		Neutral:      NeutralBrake,
		ResetSensors: true,
	})
	if err != nil {
		return errors.Wrap(err, "configure teleop")
	}
	c.mu.Lock()
	c.velocityMode = false
	c.mu.Unlock()
	return nil
}

func (c *Controller) closedLoopConfig() ActuatorConfig {
	return ActuatorConfig{
		Mode:            ModeVelocity,
		Neutral:         NeutralBrake,
		Left:            c.cfg.LeftGains,
		Right:           c.cfg.RightGains,
		FollowersLinked: true,
		ResetSensors:    true,
	}
}

// BeginPath starts following path. Coming from OpenLoop the actuators are
// reconfigured for closed-loop velocity; an active path is replaced.
// Nothing changes if the follower or the actuators reject the request.
func (c *Controller) BeginPath(path control.Path, reversed bool) error {
	follower, err := control.NewPurePursuit(c.cfg.pursuitParams(), path, reversed)
	if err != nil {
		return errors.Wrap(err, "begin path")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != PathFollowing {
		if err := c.act.Configure(c.closedLoopConfig()); err != nil {
			return errors.Wrap(err, "configure closed-loop velocity")
		}
		c.velocityMode = true
	}
	c.follower = follower
	c.setState(PathFollowing, "begin path")
	c.log.Info("following path", "waypoints", path.Len(), "reversed", reversed, "remaining_in", follower.Remaining())

	c.followPath(c.pose.LatestPose(), c.clock.Now())
	return nil
}

// Stop abandons path following. The next tick runs the open-loop branch.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setState(OpenLoop, "stop")
}

// IsFinishedPath is true when no path is active or the active one is done.
func (c *Controller) IsFinishedPath() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state != PathFollowing || (c.follower != nil && c.follower.Done())
}

func (c *Controller) setState(s State, reason string) {
	if c.state == s {
		return
	}
	c.log.Debug("drive state transition", "from", c.state, "to", s, "reason", reason)
	c.state = s
	c.metrics.Transition(s.String())
}

// Tick runs one control period. It panics with ErrInvariant on a broken
// internal state; Run recovers it.
func (c *Controller) Tick(now time.Time) {
	started := c.clock.Now()
	s := c.settings.Load()
	pose := c.pose.LatestPose()

	c.mu.Lock()
	defer c.mu.Unlock()

	dt := c.cfg.Period.Seconds()
	if !c.lastTick.IsZero() {
		if elapsed := now.Sub(c.lastTick).Seconds(); elapsed > 0 {
			dt = elapsed
		}
	}
	c.lastTick = now

	if !s.Enabled {
		if !c.neutralSent {
			c.neutral()
			c.neutralSent = true
		}
	} else {
		c.neutralSent = false
		switch c.state {
		case PathFollowing:
			if c.follower == nil {
				panic(errors.Wrap(ErrInvariant, "path following with no active follower"))
			}
			if c.follower.Done() {
				c.setState(OpenLoop, "path done")
				c.log.Info("path complete")
			} else {
				c.followPath(pose, now)
			}
		case OpenLoop:
			c.openLoop(s, pose, dt)
		default:
			panic(errors.Wrapf(ErrInvariant, "unknown drive state %d", int(c.state)))
		}
	}

	c.emitTelemetry(pose, now)
	c.metrics.ObserveTick(c.state.String(), c.clock.Since(started))
}

// neutral zeroes the actuators in whichever mode they are configured for.
func (c *Controller) neutral() {
	if c.velocityMode {
		if err := c.act.DriveVelocity(0, 0); err != nil {
			c.actuatorError("neutral velocity", err)
		}
	} else if err := c.act.DriveOpenLoop(0, 0, 0); err != nil {
		c.actuatorError("neutral open loop", err)
	}
	c.log.Info("drive disabled, actuators zeroed", "velocity_mode", c.velocityMode)
}

// shapeInput applies the deadband curve, per-axis scale, reversal and low gear.
func (c *Controller) shapeInput(raw Axes, reversed, lowGear bool) Axes {
	a := Axes{
		Forward:  control.Deadband(raw.Forward, c.cfg.Deadband) * c.cfg.ForwardScale,
		Strafe:   control.Deadband(raw.Strafe, c.cfg.Deadband) * c.cfg.StrafeScale,
		Rotation: control.Deadband(raw.Rotation, c.cfg.Deadband) * c.cfg.RotationScale,
	}
	if reversed {
		a.Forward = -a.Forward
		a.Strafe = -a.Strafe
	}
	if lowGear {
		a.Forward *= c.cfg.LowGearForward
		a.Strafe *= c.cfg.LowGearStrafe
	}
	return a
}

func (c *Controller) openLoop(s *Settings, pose control.Pose, dt float64) {
	var a Axes
	if ov := c.override.Load(); ov != nil {
		a = *ov
	} else {
		a = c.shapeInput(c.input.Axes(), s.Reversed, s.LowGear || c.input.LowGear())
	}

	if s.HeadingLock {
		if !math.IsNaN(s.HeadingTarget) {
			c.headingPID.SetSetpoint(s.HeadingTarget)
		}
		a.Rotation = c.headingPID.Update(pose.Heading, dt)
	} else {
		// resynced every tick while unlocked
		c.headingPID.SetSetpoint(pose.Heading)
		c.headingPID.Reset()
	}

	if err := c.act.DriveOpenLoop(a.Forward, a.Strafe, a.Rotation); err != nil {
		c.actuatorError("open loop", err)
	}
}

func (c *Controller) followPath(pose control.Pose, now time.Time) {
	cmd := c.follower.Update(pose, now)
	k := c.cfg.Kinematics
	w := control.ClampWheelVelocities(k.Inverse(cmd), c.cfg.PathFollowing.MaxVelocity)
	left := k.RPMToNative(k.InchesPerSecondToRPM(w.Left))
	right := k.RPMToNative(k.InchesPerSecondToRPM(w.Right))

	c.log.Trace("path command", "forward", cmd.Forward, "angular", cmd.Angular,
		"left_ips", w.Left, "right_ips", w.Right, "remaining_in", c.follower.Remaining())

	if err := c.act.DriveVelocity(left, right); err != nil {
		c.actuatorError("velocity", err)
	}
}

func (c *Controller) actuatorError(what string, err error) {
	c.metrics.ActuatorError()
	c.log.Warn("actuator command failed", "command", what, "error", err)
}

func (c *Controller) emitTelemetry(pose control.Pose, now time.Time) {
	left, right := c.pose.WheelPositions()
	k := c.cfg.Kinematics
	c.sink.Emit(telemetry.Frame{
		Timestamp:     now,
		Heading:       pose.Heading,
		LeftEncoder:   left,
		RightEncoder:  right,
		LeftDistance:  k.CountsToInches(left),
		RightDistance: k.CountsToInches(right),
		ControlMode:   c.state.String(),
	})
}

// Run ticks the controller every Period until ctx is cancelled. An invariant
// violation inside a tick ends Run with an error wrapping ErrInvariant.
func (c *Controller) Run(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			perr, ok := r.(error)
			if !ok || !errors.Is(perr, ErrInvariant) {
				perr = errors.Wrapf(ErrInvariant, "panic in control tick: %v", r)
			}
			c.log.Error("control loop stopped", "error", perr)
			err = perr
		}
	}()

	c.log.Info("control loop started", "period", c.cfg.Period)
	ticker := c.clock.NewTicker(c.cfg.Period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.log.Info("control loop stopped", "reason", ctx.Err())
			return ctx.Err()
		case now := <-ticker.C():
			c.Tick(now)
		}
	}
}
