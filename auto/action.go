// Package auto sequences timed autonomous actions against the drivetrain.
//
// Actions are grouped; a group runs its actions one after another or all
// together and is bounded by a timeout. Groups queue in FIFO order and a
// single Drain call consumes them.
package auto

import (
	"time"

	"github.com/hashicorp/go-hclog"

	"diffdrive-core/control"
	"diffdrive-core/drive"
	"diffdrive-core/timeutil"
)

// Action is one autonomous step. Start is called once, then Step once per
// scheduler period until Finished reports true or the group times out.
// Cleanup is called exactly once for every started action.
type Action interface {
	Start()
	Step()
	Finished() bool
	Cleanup()
}

// Drivetrain is the part of drive.Controller the actions use.
type Drivetrain interface {
	BeginPath(path control.Path, reversed bool) error
	IsFinishedPath() bool
	Stop()
	SetOperatorInput(a drive.Axes)
	ClearOperatorInput()
	EnableTo(heading float64, enabled bool)
}

var _ Drivetrain = (*drive.Controller)(nil)

// FollowPath drives a path with the controller's pure-pursuit follower.
type FollowPath struct {
	drive    Drivetrain
	path     control.Path
	reversed bool
	log      hclog.Logger

	failed bool
}

// NewFollowPath drives path once started; reversed drives it backwards.
func NewFollowPath(d Drivetrain, path control.Path, reversed bool, log hclog.Logger) *FollowPath {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &FollowPath{drive: d, path: path, reversed: reversed, log: log}
}

// Start begins the path. A rejected path finishes the action immediately.
func (f *FollowPath) Start() {
	if err := f.drive.BeginPath(f.path, f.reversed); err != nil {
		f.log.Error("drive path rejected", "error", err)
		f.failed = true
	}
}

func (f *FollowPath) Step() {}

func (f *FollowPath) Finished() bool { return f.failed || f.drive.IsFinishedPath() }

func (f *FollowPath) Cleanup() {
	if !f.failed {
		f.drive.Stop()
	}
}

// Failed reports whether the controller refused the path.
func (f *FollowPath) Failed() bool { return f.failed }

// Wait does nothing for a fixed duration.
type Wait struct {
	clock    timeutil.Clock
	duration time.Duration
	started  time.Time
}

// NewWait finishes d after it starts.
func NewWait(clock timeutil.Clock, d time.Duration) *Wait {
	return &Wait{clock: clock, duration: d}
}

func (w *Wait) Start()         { w.started = w.clock.Now() }
func (w *Wait) Step()          {}
func (w *Wait) Finished() bool { return w.clock.Since(w.started) >= w.duration }
func (w *Wait) Cleanup()       {}

// DriveOpenLoop holds fixed open-loop axes for a duration by overriding
// the operator input.
type DriveOpenLoop struct {
	drive    Drivetrain
	clock    timeutil.Clock
	axes     drive.Axes
	duration time.Duration
	started  time.Time
}

// NewDriveOpenLoop holds axes as the operator input for duration.
func NewDriveOpenLoop(d Drivetrain, clock timeutil.Clock, axes drive.Axes, duration time.Duration) *DriveOpenLoop {
	return &DriveOpenLoop{drive: d, clock: clock, axes: axes, duration: duration}
}

func (o *DriveOpenLoop) Start() {
	o.started = o.clock.Now()
	o.drive.SetOperatorInput(o.axes)
}

func (o *DriveOpenLoop) Step() {}

func (o *DriveOpenLoop) Finished() bool { return o.clock.Since(o.started) >= o.duration }

// Cleanup zeroes the drive before handing control back to the input device.
func (o *DriveOpenLoop) Cleanup() {
	o.drive.SetOperatorInput(drive.Axes{})
	o.drive.ClearOperatorInput()
}

// HeadingLock sets the heading-lock target. It finishes on its first step.
type HeadingLock struct {
	drive   Drivetrain
	heading float64
	enabled bool
}

// NewHeadingLock sets the heading-lock target and state, then finishes.
func NewHeadingLock(d Drivetrain, heading float64, enabled bool) *HeadingLock {
	return &HeadingLock{drive: d, heading: heading, enabled: enabled}
}

func (h *HeadingLock) Start()         { h.drive.EnableTo(h.heading, h.enabled) }
func (h *HeadingLock) Step()          {}
func (h *HeadingLock) Finished() bool { return true }
func (h *HeadingLock) Cleanup()       {}

// Func runs a callback once on Start.
type Func func()

func (f Func) Start() {
	if f != nil {
		f()
	}
}
func (Func) Step()          {}
func (Func) Finished() bool { return true }
func (Func) Cleanup()       {}
