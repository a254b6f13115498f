package auto

import (
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

var (
	ErrNoActions      = errors.New("command group needs at least one action")
	ErrNilAction      = errors.New("command group contains a nil action")
	ErrInvalidTimeout = errors.New("command group timeout must be positive")
)

// Group is a set of actions run sequentially or in parallel under one
// timeout that bounds the whole group.
type Group struct {
	ID         uuid.UUID
	Name       string
	Actions    []Action
	Timeout    time.Duration
	Sequential bool
}

// NewGroup validates the action set. The slice is copied.
func NewGroup(name string, actions []Action, timeout time.Duration, sequential bool) (*Group, error) {
	g := &Group{
		ID:         uuid.New(),
		Name:       name,
		Actions:    append([]Action(nil), actions...),
		Timeout:    timeout,
		Sequential: sequential,
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}

// Validate reports an empty action set, a nil action or a non-positive
// timeout.
func (g *Group) Validate() error {
	if len(g.Actions) == 0 {
		return ErrNoActions
	}
	for i, a := range g.Actions {
		if a == nil {
			return errors.Wrapf(ErrNilAction, "action %d", i)
		}
	}
	if g.Timeout <= 0 {
		return errors.Wrapf(ErrInvalidTimeout, "got %s", g.Timeout)
	}
	return nil
}

// Outcome is how a group ended.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeTimedOut  Outcome = "timed_out"
	OutcomeCancelled Outcome = "cancelled"
)

// groupRunner steps one group. It is owned by the draining goroutine.
type groupRunner struct {
	g        *Group
	start    time.Time
	next     int // sequential: index of the running action
	started  []bool
	finished []bool
	pending  int
}

func newGroupRunner(g *Group) *groupRunner {
	return &groupRunner{
		g:        g,
		started:  make([]bool, len(g.Actions)),
		finished: make([]bool, len(g.Actions)),
		pending:  len(g.Actions),
	}
}

// begin starts the first action, or every action of a parallel group.
func (r *groupRunner) begin(now time.Time) {
	r.start = now
	if r.g.Sequential {
		r.startAction(0)
		return
	}
	for i := range r.g.Actions {
		r.startAction(i)
	}
}

func (r *groupRunner) startAction(i int) {
	r.started[i] = true
	r.g.Actions[i].Start()
}

func (r *groupRunner) finishAction(i int) {
	r.finished[i] = true
	r.pending--
	r.g.Actions[i].Cleanup()
}

// step advances the group by one period. It returns the outcome once the
// group is over.
func (r *groupRunner) step(now time.Time) (Outcome, bool) {
	if r.g.Sequential {
		i := r.next
		if !r.started[i] {
			r.startAction(i)
		}
		a := r.g.Actions[i]
		a.Step()
		if a.Finished() {
			r.finishAction(i)
			r.next++
		}
	} else {
		for i, a := range r.g.Actions {
			if r.finished[i] {
				continue
			}
			a.Step()
			if a.Finished() {
				r.finishAction(i)
			}
		}
	}

	if r.pending == 0 {
		return OutcomeCompleted, true
	}
	if now.Sub(r.start) >= r.g.Timeout {
		r.force()
		return OutcomeTimedOut, true
	}
	return "", false
}

// force cleans up every started action that has not finished.
func (r *groupRunner) force() {
	for i := range r.g.Actions {
		if r.started[i] && !r.finished[i] {
			r.finishAction(i)
		}
	}
}
