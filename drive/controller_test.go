package drive

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"diffdrive-core/control"
	"diffdrive-core/telemetry"
	"diffdrive-core/timeutil"
)

type fakePose struct {
	mu          sync.Mutex
	pose        control.Pose
	left, right float64
}

func (f *fakePose) LatestPose() control.Pose {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pose
}

func (f *fakePose) WheelPositions() (float64, float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.left, f.right
}

func (f *fakePose) set(p control.Pose) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pose = p
}

type velocityCmd struct{ left, right float64 }

type fakeActuators struct {
	mu           sync.Mutex
	openLoop     []Axes
	velocity     []velocityCmd
	configs      []ActuatorConfig
	configureErr error
}

func (f *fakeActuators) DriveOpenLoop(forward, strafe, rotation float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.openLoop = append(f.openLoop, Axes{Forward: forward, Strafe: strafe, Rotation: rotation})
	return nil
}

func (f *fakeActuators) DriveVelocity(left, right float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.velocity = append(f.velocity, velocityCmd{left, right})
	return nil
}

func (f *fakeActuators) Configure(cfg ActuatorConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.configureErr != nil {
		return f.configureErr
	}
	f.configs = append(f.configs, cfg)
	return nil
}

func (f *fakeActuators) counts() (openLoop, velocity, configs int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.openLoop), len(f.velocity), len(f.configs)
}

func (f *fakeActuators) lastOpenLoop() Axes {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.openLoop[len(f.openLoop)-1]
}

type fakeInput struct {
	mu      sync.Mutex
	axes    Axes
	lowGear bool
}

func (f *fakeInput) Axes() Axes {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.axes
}

func (f *fakeInput) LowGear() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lowGear
}

type recordingSink struct {
	mu     sync.Mutex
	frames []telemetry.Frame
}

func (r *recordingSink) Emit(f telemetry.Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, f)
}

func (r *recordingSink) last() telemetry.Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.frames[len(r.frames)-1]
}

type harness struct {
	c     *Controller
	pose  *fakePose
	act   *fakeActuators
	input *fakeInput
	sink  *recordingSink
	clock *timeutil.MockClock
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		pose:  &fakePose{pose: control.NewPose(0, 0, 0)},
		act:   &fakeActuators{},
		input: &fakeInput{},
		sink:  &recordingSink{},
		clock: timeutil.NewMockClock(time.Unix(1000, 0)),
	}
	c, err := New(cfg, h.pose, h.act, h.input, WithTelemetry(h.sink), WithClock(h.clock))
	require.NoError(t, err)
	h.c = c
	return h
}

// tick advances the mock clock one period and runs one tick.
func (h *harness) tick() {
	h.clock.Advance(h.c.cfg.Period)
	h.c.Tick(h.clock.Now())
}

func straightPath(t *testing.T, length, speed float64) control.Path {
	t.Helper()
	p, err := control.NewPath([]control.Waypoint{
		control.NewWaypoint(0, 0, speed),
		control.NewWaypoint(length, 0, speed),
	})
	require.NoError(t, err)
	return p
}

func TestNew_RejectsBadConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Period = 0
	_, err := New(cfg, &fakePose{}, &fakeActuators{}, &fakeInput{})
	assert.Error(t, err)

	_, err = New(DefaultConfig(), nil, &fakeActuators{}, &fakeInput{})
	assert.Error(t, err)
}

func TestController_StartsOpenLoop(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	assert.Equal(t, OpenLoop, h.c.State())
	assert.True(t, h.c.IsFinishedPath())
	assert.True(t, h.c.Settings().Enabled)
	assert.Equal(t, "Open Loop", OpenLoop.String())
	assert.Equal(t, "Path following", PathFollowing.String())
}

func TestController_BeginPath(t *testing.T) {
	cfg := DefaultConfig()
	h := newHarness(t, cfg)

	require.NoError(t, h.c.BeginPath(straightPath(t, 100, 60), false))
	assert.Equal(t, PathFollowing, h.c.State())
	assert.False(t, h.c.IsFinishedPath())

	_, velocity, configs := h.act.counts()
	assert.Equal(t, 1, velocity, "begin path issues the first command immediately")
	require.Equal(t, 1, configs)
	got := h.act.configs[0]
	assert.Equal(t, ModeVelocity, got.Mode)
	assert.True(t, got.FollowersLinked)
	assert.Equal(t, cfg.LeftGains, got.Left)
	assert.Equal(t, cfg.RightGains, got.Right)

	// replacing an active path keeps the actuator configuration
	require.NoError(t, h.c.BeginPath(straightPath(t, 50, 60), true))
	_, _, configs = h.act.counts()
	assert.Equal(t, 1, configs)
	assert.Equal(t, PathFollowing, h.c.State())
}

func TestController_BeginPathRejected(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	err := h.c.BeginPath(control.Path{}, false)
	assert.ErrorIs(t, err, control.ErrEmptyPath)
	assert.Equal(t, OpenLoop, h.c.State())
	_, _, configs := h.act.counts()
	assert.Zero(t, configs)

	h.act.configureErr = errors.New("bus off")
	err = h.c.BeginPath(straightPath(t, 100, 60), false)
	assert.Error(t, err)
	assert.Equal(t, OpenLoop, h.c.State())
	assert.True(t, h.c.IsFinishedPath())
}

func TestController_StopReturnsToOpenLoop(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	require.NoError(t, h.c.BeginPath(straightPath(t, 100, 60), false))

	h.c.Stop()
	assert.Equal(t, OpenLoop, h.c.State())
	assert.True(t, h.c.IsFinishedPath())

	_, velocityBefore, _ := h.act.counts()
	h.tick()
	openLoop, velocity, _ := h.act.counts()
	assert.Equal(t, 1, openLoop)
	assert.Equal(t, velocityBefore, velocity)
}

func TestController_PathDoneTransitionsWithoutCommand(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	require.NoError(t, h.c.BeginPath(straightPath(t, 10, 60), false))
	assert.False(t, h.c.IsFinishedPath())

	// vehicle arrives at the end of the path
	h.pose.set(control.NewPose(10, 0, 0))
	h.tick()
	assert.True(t, h.c.IsFinishedPath(), "follower reports done after seeing the final pose")
	assert.Equal(t, PathFollowing, h.c.State())

	openBefore, velBefore, _ := h.act.counts()
	h.tick()
	assert.Equal(t, OpenLoop, h.c.State())
	openAfter, velAfter, _ := h.act.counts()
	assert.Equal(t, velBefore, velAfter)
	assert.Equal(t, openBefore, openAfter, "the transition tick issues no command")

	h.tick()
	openAfter, _, _ = h.act.counts()
	assert.Equal(t, openBefore+1, openAfter)
}

func TestController_PathFollowingClampsWheelSpeed(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PathFollowing.MaxAccel = 0
	cfg.PathFollowing.MaxVelocity = 10
	h := newHarness(t, cfg)

	require.NoError(t, h.c.BeginPath(straightPath(t, 100, 120), false))
	k := cfg.Kinematics
	want := k.RPMToNative(k.InchesPerSecondToRPM(10))

	h.act.mu.Lock()
	defer h.act.mu.Unlock()
	require.Len(t, h.act.velocity, 1)
	assert.Equal(t, want, h.act.velocity[0].left)
	assert.Equal(t, want, h.act.velocity[0].right)
}

func TestController_OpenLoopShaping(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.input.axes = Axes{Forward: 0.5, Strafe: 0.05, Rotation: -1}

	h.tick()
	got := h.act.lastOpenLoop()
	assert.Equal(t, 0.25, got.Forward)
	assert.Equal(t, 0.0, got.Strafe)
	assert.Equal(t, -1.0, got.Rotation)

	h.c.SetReversed(true)
	h.tick()
	got = h.act.lastOpenLoop()
	assert.Equal(t, -0.25, got.Forward)
	assert.Equal(t, -1.0, got.Rotation, "reversal leaves rotation alone")

	h.input.lowGear = true
	h.tick()
	assert.Equal(t, -0.125, h.act.lastOpenLoop().Forward)

	h.input.lowGear = false
	h.c.SetLowGear(true)
	h.c.SetReversed(false)
	h.tick()
	assert.Equal(t, 0.125, h.act.lastOpenLoop().Forward)
}

func TestController_HeadingLock(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HeadingLock = control.PIDConfig{Kp: 0.02, OutputLimit: 1}
	h := newHarness(t, cfg)
	h.input.axes = Axes{Forward: 1, Rotation: 0.8}
	h.pose.set(control.NewPose(0, 0, 80))

	h.c.EnableTo(90, true)
	h.tick()
	assert.InDelta(t, 0.2, h.act.lastOpenLoop().Rotation, 1e-9)
	assert.Equal(t, 1.0, h.act.lastOpenLoop().Forward)

	// wraparound: 350 -> 10 turns left through 0
	h.pose.set(control.NewPose(0, 0, 350))
	h.c.EnableTo(10, true)
	h.tick()
	assert.InDelta(t, 0.4, h.act.lastOpenLoop().Rotation, 1e-9)

	h.c.EnableTo(10, false)
	h.tick()
	assert.InDelta(t, 0.64, h.act.lastOpenLoop().Rotation, 1e-9, "manual rotation when unlocked")
}

func TestController_HeadingLockResyncsWhileDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HeadingLock = control.PIDConfig{Kp: 0.02, OutputLimit: 1}
	h := newHarness(t, cfg)

	h.pose.set(control.NewPose(0, 0, 45))
	h.tick()
	assert.Equal(t, 45.0, h.c.headingPID.Setpoint())

	h.pose.set(control.NewPose(0, 0, 120))
	h.tick()
	assert.Equal(t, 120.0, h.c.headingPID.Setpoint())

	// locking without a target holds the resynced heading
	h.c.LockHeading(true)
	h.pose.set(control.NewPose(0, 0, 115))
	h.tick()
	assert.InDelta(t, 0.1, h.act.lastOpenLoop().Rotation, 1e-9)
	assert.Equal(t, 120.0, h.c.headingPID.Setpoint())
}

func TestController_OperatorOverride(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.input.axes = Axes{Forward: 1}

	h.c.SetOperatorInput(Axes{Forward: 0.3, Rotation: 0.05})
	h.tick()
	assert.Equal(t, Axes{Forward: 0.3, Rotation: 0.05}, h.act.lastOpenLoop())

	h.c.ClearOperatorInput()
	h.tick()
	assert.Equal(t, Axes{Forward: 1}, h.act.lastOpenLoop())
}

func TestController_DisabledSendsOneNeutralCommand(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.c.SetEnabled(false)
	h.input.axes = Axes{Forward: 1}

	for i := 0; i < 3; i++ {
		h.tick()
	}
	openLoop, velocity, _ := h.act.counts()
	assert.Equal(t, 1, openLoop)
	assert.Zero(t, velocity)
	assert.Equal(t, Axes{}, h.act.lastOpenLoop())
	assert.Len(t, h.sink.frames, 3)

	h.c.SetEnabled(true)
	h.tick()
	openLoop, _, _ = h.act.counts()
	assert.Equal(t, 2, openLoop)
	assert.Equal(t, 1.0, h.act.lastOpenLoop().Forward)
}

func TestController_StopThenDisableZeroesVelocity(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	require.NoError(t, h.c.BeginPath(straightPath(t, 200, 60), false))
	h.tick()
	_, velocity, _ := h.act.counts()
	require.Equal(t, 2, velocity)

	h.c.Stop()
	h.c.SetEnabled(false)
	for i := 0; i < 5; i++ {
		h.tick()
	}
	openLoop, velocity, _ := h.act.counts()
	assert.Zero(t, openLoop)
	require.Equal(t, 3, velocity)
	h.act.mu.Lock()
	assert.Equal(t, velocityCmd{}, h.act.velocity[2])
	h.act.mu.Unlock()
}

func TestController_Telemetry(t *testing.T) {
	cfg := DefaultConfig()
	h := newHarness(t, cfg)
	h.pose.set(control.NewPose(3, 4, 370))
	h.pose.left, h.pose.right = 4096, -2048

	h.tick()
	f := h.sink.last()
	assert.Equal(t, h.clock.Now(), f.Timestamp)
	assert.InDelta(t, 10, f.Heading, 1e-9)
	assert.Equal(t, 4096.0, f.LeftEncoder)
	assert.InDelta(t, 6*math.Pi, f.LeftDistance, 1e-9)
	assert.InDelta(t, -3*math.Pi, f.RightDistance, 1e-9)
	assert.Equal(t, "Open Loop", f.ControlMode)

	require.NoError(t, h.c.BeginPath(straightPath(t, 100, 60), false))
	h.tick()
	assert.Equal(t, "Path following", h.sink.last().ControlMode)
}

func TestController_RunStopsOnCancel(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- h.c.Run(ctx) }()

	require.Eventually(t, func() bool {
		h.clock.Advance(h.c.cfg.Period)
		openLoop, _, _ := h.act.counts()
		return openLoop >= 3
	}, time.Second, time.Millisecond)

	cancel()
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestController_RunReportsInvariantViolation(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.c.mu.Lock()
	h.c.state = PathFollowing
	h.c.mu.Unlock()

	errc := make(chan error, 1)
	go func() { errc <- h.c.Run(context.Background()) }()

	var err error
	require.Eventually(t, func() bool {
		h.clock.Advance(h.c.cfg.Period)
		select {
		case err = <-errc:
			return true
		default:
			return false
		}
	}, time.Second, time.Millisecond)
	assert.ErrorIs(t, err, ErrInvariant)

	// the tick released the lock while unwinding
	assert.Equal(t, PathFollowing, h.c.State())
}

func TestController_ConcurrentCallers(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	path := straightPath(t, 100, 60)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				switch (i + j) % 4 {
				case 0:
					_ = h.c.BeginPath(path, false)
				case 1:
					h.c.IsFinishedPath()
				case 2:
					h.c.Stop()
				default:
					h.c.SetReversed(j%2 == 0)
				}
			}
		}(i)
	}
	for j := 0; j < 100; j++ {
		h.c.Tick(time.Unix(2000, int64(j)*int64(time.Millisecond)))
	}
	wg.Wait()

	s := h.c.State()
	assert.True(t, s == OpenLoop || s == PathFollowing)
}
