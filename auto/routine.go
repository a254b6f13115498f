package auto

import (
	"encoding/json"
	"os"
	"time"

	"github.com/pkg/errors"

	"diffdrive-core/control"
	"diffdrive-core/drive"
)

// Routine is an autonomous sequence loaded from JSON.
type Routine struct {
	Name           string `json:"name"`
	Description    string `json:"description,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	Steps          []Step `json:"steps"`
}

// Step kinds.
const (
	StepDrivePath   = "drive_path"
	StepWait        = "wait"
	StepOpenLoop    = "open_loop"
	StepHeadingLock = "heading_lock"
	StepParallel    = "parallel"
)

// Step is one entry of a routine. Fields apply by Kind.
type Step struct {
	Kind    string `json:"kind"`
	Comment string `json:"comment,omitempty"`
	Timeout string `json:"timeout,omitempty"`

	// drive_path
	Reversed  bool           `json:"reversed,omitempty"`
	Waypoints []RoutinePoint `json:"waypoints,omitempty"`

	// wait, open_loop
	Duration string `json:"duration,omitempty"`

	// open_loop
	Forward  float64 `json:"forward,omitempty"`
	Strafe   float64 `json:"strafe,omitempty"`
	Rotation float64 `json:"rotation,omitempty"`

	// heading_lock
	Heading float64 `json:"heading,omitempty"`
	Enabled *bool   `json:"enabled,omitempty"`

	// parallel
	Steps []Step `json:"steps,omitempty"`
}

// RoutinePoint is a waypoint in inches with a speed in in/s.
type RoutinePoint struct {
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Speed float64 `json:"speed"`
}

const defaultStepTimeout = 15 * time.Second

// LoadRoutine reads and validates a routine file.
func LoadRoutine(path string) (Routine, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Routine{}, errors.Wrap(err, "read routine")
	}
	return ParseRoutine(data)
}

// ParseRoutine decodes and validates a routine.
func ParseRoutine(data []byte) (Routine, error) {
	var r Routine
	if err := json.Unmarshal(data, &r); err != nil {
		return Routine{}, errors.Wrap(err, "unmarshal routine")
	}
	if err := r.Validate(); err != nil {
		return Routine{}, err
	}
	return r, nil
}

// Validate checks every step without building actions.
func (r Routine) Validate() error {
	if len(r.Steps) == 0 {
		return errors.Errorf("routine %q has no steps", r.Name)
	}
	if err := checkTimeout(r.DefaultTimeout); err != nil {
		return errors.Wrap(err, "default_timeout")
	}
	for i, st := range r.Steps {
		if err := st.validate(false); err != nil {
			return errors.Wrapf(err, "routine %q step %d (%s)", r.Name, i, st.Kind)
		}
	}
	return nil
}

func (st Step) validate(nested bool) error {
	switch st.Kind {
	case StepDrivePath:
		if len(st.Waypoints) == 0 {
			return errors.Wrap(control.ErrEmptyPath, "drive_path")
		}
	case StepWait, StepOpenLoop:
		d, err := parseDuration(st.Duration, 0)
		if err != nil {
			return errors.Wrap(err, "duration")
		}
		if d <= 0 {
			return errors.Errorf("%s needs a positive duration", st.Kind)
		}
		if st.Kind == StepOpenLoop {
			for _, v := range []float64{st.Forward, st.Strafe, st.Rotation} {
				if v < -1 || v > 1 {
					return errors.Errorf("open_loop axes must be in [-1, 1], got %g", v)
				}
			}
		}
	case StepHeadingLock:
	case StepParallel:
		if nested {
			return errors.New("parallel steps cannot nest")
		}
		if len(st.Steps) == 0 {
			return errors.Wrap(ErrNoActions, "parallel")
		}
		for i, sub := range st.Steps {
			if err := sub.validate(true); err != nil {
				return errors.Wrapf(err, "parallel step %d (%s)", i, sub.Kind)
			}
		}
	default:
		return errors.Errorf("unknown step kind %q", st.Kind)
	}
	if err := checkTimeout(st.Timeout); err != nil {
		return errors.Wrap(err, "timeout")
	}
	return nil
}

// checkTimeout accepts an unset timeout or a positive one.
func checkTimeout(s string) error {
	d, err := parseDuration(s, 0)
	if err != nil {
		return err
	}
	if s != "" && d <= 0 {
		return errors.Wrapf(ErrInvalidTimeout, "got %s", s)
	}
	return nil
}

// Enqueue builds every group first and queues them only if all are valid.
func (r Routine) Enqueue(s *Scheduler) error {
	if err := r.Validate(); err != nil {
		return err
	}
	def, _ := parseDuration(r.DefaultTimeout, defaultStepTimeout)

	groups := make([]*Group, 0, len(r.Steps))
	for i, st := range r.Steps {
		g, err := r.buildGroup(s, st, def)
		if err != nil {
			return errors.Wrapf(err, "routine %q step %d", r.Name, i)
		}
		groups = append(groups, g)
	}
	for _, g := range groups {
		if err := s.EnqueueGroup(g); err != nil {
			return err
		}
	}
	s.log.Info("routine queued", "routine", r.Name, "groups", len(groups))
	return nil
}

func (r Routine) buildGroup(s *Scheduler, st Step, def time.Duration) (*Group, error) {
	if st.Kind == StepParallel {
		actions := make([]Action, 0, len(st.Steps))
		for _, sub := range st.Steps {
			a, err := buildAction(s, sub)
			if err != nil {
				return nil, err
			}
			actions = append(actions, a)
		}
		timeout, _ := parseDuration(st.Timeout, def)
		return NewGroup(groupName(r.Name, st), actions, timeout, false)
	}

	a, err := buildAction(s, st)
	if err != nil {
		return nil, err
	}
	fallback := def
	if st.Kind == StepDrivePath {
		fallback = s.cfg.DrivePathTimeout
	}
	timeout, _ := parseDuration(st.Timeout, fallback)
	return NewGroup(groupName(r.Name, st), []Action{a}, timeout, true)
}

func groupName(routine string, st Step) string {
	if st.Comment != "" {
		return routine + "/" + st.Comment
	}
	return routine + "/" + st.Kind
}

func buildAction(s *Scheduler, st Step) (Action, error) {
	switch st.Kind {
	case StepDrivePath:
		wps := make([]control.Waypoint, len(st.Waypoints))
		for i, p := range st.Waypoints {
			wps[i] = control.NewWaypoint(p.X, p.Y, p.Speed)
		}
		path, err := control.NewPath(wps)
		if err != nil {
			return nil, err
		}
		return NewFollowPath(s.drive, path, st.Reversed, s.log.Named("follow_path")), nil
	case StepWait:
		d, _ := parseDuration(st.Duration, 0)
		return NewWait(s.clock, d), nil
	case StepOpenLoop:
		d, _ := parseDuration(st.Duration, 0)
		axes := drive.Axes{Forward: st.Forward, Strafe: st.Strafe, Rotation: st.Rotation}
		return NewDriveOpenLoop(s.drive, s.clock, axes, d), nil
	case StepHeadingLock:
		enabled := true
		if st.Enabled != nil {
			enabled = *st.Enabled
		}
		return NewHeadingLock(s.drive, st.Heading, enabled), nil
	default:
		return nil, errors.Errorf("step kind %q cannot be an action", st.Kind)
	}
}

// parseDuration returns def for an empty string.
func parseDuration(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, errors.Errorf("negative duration %s", s)
	}
	return d, nil
}
