package auto

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"

	"diffdrive-core/control"
	"diffdrive-core/telemetry"
	"diffdrive-core/timeutil"
)

// Config sets the scheduler's stepping rate and the timeout given to
// drive-path groups.
type Config struct {
	Period           time.Duration `yaml:"period"`
	DrivePathTimeout time.Duration `yaml:"drive_path_timeout"`
}

// DefaultConfig steps groups every 20ms and gives drive paths 15s.
func DefaultConfig() Config {
	return Config{
		Period:           20 * time.Millisecond,
		DrivePathTimeout: 15 * time.Second,
	}
}

// Validate rejects a non-positive period or drive-path timeout.
func (c Config) Validate() error {
	if c.Period <= 0 {
		return errors.Errorf("auto period must be positive, got %s", c.Period)
	}
	if c.DrivePathTimeout <= 0 {
		return errors.Errorf("auto drive_path_timeout must be positive, got %s", c.DrivePathTimeout)
	}
	return nil
}

// Option configures a Scheduler.
type Option func(*Scheduler)

func WithLogger(l hclog.Logger) Option        { return func(s *Scheduler) { s.log = l } }
func WithMetrics(m *telemetry.Metrics) Option { return func(s *Scheduler) { s.metrics = m } }
func WithClock(clk timeutil.Clock) Option     { return func(s *Scheduler) { s.clock = clk } }

// Scheduler queues command groups and runs them one at a time.
type Scheduler struct {
	cfg     Config
	drive   Drivetrain
	queue   Queue
	clock   timeutil.Clock
	log     hclog.Logger
	metrics *telemetry.Metrics
}

// New builds a scheduler for d with an empty queue.
func New(d Drivetrain, cfg Config, opts ...Option) (*Scheduler, error) {
	if d == nil {
		return nil, errors.New("scheduler needs a drivetrain")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Scheduler{
		cfg:   cfg,
		drive: d,
		clock: timeutil.RealClock{},
		log:   hclog.NewNullLogger(),
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Clock returns the clock timed actions should use.
func (s *Scheduler) Clock() timeutil.Clock { return s.clock }

// Drivetrain returns the drivetrain the actions command.
func (s *Scheduler) Drivetrain() Drivetrain { return s.drive }

// Pending returns the number of queued groups.
func (s *Scheduler) Pending() int { return s.queue.Len() }

// EnqueueDrivePath queues a single path-following action.
func (s *Scheduler) EnqueueDrivePath(path control.Path, reversed bool) error {
	if path.Len() == 0 {
		return errors.Wrap(control.ErrEmptyPath, "enqueue drive path")
	}
	a := NewFollowPath(s.drive, path, reversed, s.log.Named("follow_path"))
	g, err := NewGroup("drive_path", []Action{a}, s.cfg.DrivePathTimeout, true)
	if err != nil {
		return errors.Wrap(err, "enqueue drive path")
	}
	s.push(g)
	return nil
}

// EnqueueSequential queues a single action bounded by timeout.
func (s *Scheduler) EnqueueSequential(action Action, timeout time.Duration) error {
	if action == nil {
		return errors.Wrap(ErrNoActions, "enqueue sequential")
	}
	g, err := NewGroup("sequential", []Action{action}, timeout, true)
	if err != nil {
		return errors.Wrap(err, "enqueue sequential")
	}
	s.push(g)
	return nil
}

// EnqueueParallel queues actions that start together. The group ends when
// all of them finish or timeout elapses.
func (s *Scheduler) EnqueueParallel(actions []Action, timeout time.Duration) error {
	g, err := NewGroup("parallel", actions, timeout, false)
	if err != nil {
		return errors.Wrap(err, "enqueue parallel")
	}
	s.push(g)
	return nil
}

// EnqueueGroup queues a prebuilt group after the same checks NewGroup
// makes. A group without an ID is given one.
func (s *Scheduler) EnqueueGroup(g *Group) error {
	if g == nil {
		return errors.Wrap(ErrNoActions, "enqueue group")
	}
	if err := g.Validate(); err != nil {
		return errors.Wrapf(err, "enqueue group %q", g.Name)
	}
	if g.ID == uuid.Nil {
		g.ID = uuid.New()
	}
	s.push(g)
	return nil
}

func (s *Scheduler) push(g *Group) {
	n := s.queue.Push(g)
	s.metrics.QueueDepth(n)
	s.log.Debug("group queued", "group", g.Name, "id", g.ID, "actions", len(g.Actions),
		"sequential", g.Sequential, "timeout", g.Timeout, "depth", n)
}

// Drain runs queued groups in FIFO order, stepping the active group every
// Period. It returns nil once the queue is empty. Cancelling ctx cleans up
// the active group and returns ctx.Err().
func (s *Scheduler) Drain(ctx context.Context) error {
	ticker := s.clock.NewTicker(s.cfg.Period)
	defer ticker.Stop()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		g, ok := s.queue.Pop()
		if !ok {
			return nil
		}
		s.metrics.QueueDepth(s.queue.Len())
		if err := s.runGroup(ctx, g, ticker); err != nil {
			return err
		}
	}
}

func (s *Scheduler) runGroup(ctx context.Context, g *Group, ticker timeutil.Ticker) error {
	r := newGroupRunner(g)
	started := s.clock.Now()
	r.begin(started)
	s.log.Info("group started", "group", g.Name, "id", g.ID)

	for {
		select {
		case <-ctx.Done():
			r.force()
			s.finished(g, OutcomeCancelled, started)
			return ctx.Err()
		case now := <-ticker.C():
			if outcome, done := r.step(now); done {
				s.finished(g, outcome, started)
				return nil
			}
		}
	}
}

func (s *Scheduler) finished(g *Group, outcome Outcome, started time.Time) {
	elapsed := s.clock.Since(started)
	s.metrics.GroupFinished(string(outcome), elapsed)
	if outcome == OutcomeCompleted {
		s.log.Info("group finished", "group", g.Name, "id", g.ID, "elapsed", elapsed)
		return
	}
	s.log.Warn("group ended early", "group", g.Name, "id", g.ID, "outcome", outcome,
		"elapsed", elapsed, "timeout", g.Timeout)
}
