package hardware

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
	"go.einride.tech/can"

	"diffdrive-core/control"
	"diffdrive-core/drive"
	"diffdrive-core/telemetry"
	"diffdrive-core/utils"
)

// Frame names expected in the CAN map.
const (
	FrameOpenLoop   = "DRIVE_OPEN_LOOP_CMD"
	FrameVelocity   = "DRIVE_VELOCITY_CMD"
	FrameConfig     = "DRIVE_CONFIG_CMD"
	FrameGainsLeft  = "DRIVE_GAINS_LEFT"
	FrameGainsRight = "DRIVE_GAINS_RIGHT"
	FramePose       = "DRIVE_POSE_STATE"
	FrameEncoders   = "DRIVE_ENCODER_STATE"
)

// ErrTxBusy is returned when the transmit queue is full and a command was
// dropped.
var ErrTxBusy = errors.New("can transmit queue full")

// configureFrames is the number of frames one Configure call queues.
const configureFrames = 3

func requireFrames(cmap *utils.CANMap, dir utils.Direction, names ...string) error {
	for _, n := range names {
		fd, err := cmap.FrameByName(n)
		if err != nil {
			return err
		}
		if fd.Direction != dir {
			return errors.Errorf("frame %s must be %s, map says %s", n, dir, fd.Direction)
		}
	}
	return nil
}

// CANActuators encodes drive commands into frames and hands them to a
// transmit goroutine. Commands never block the caller.
type CANActuators struct {
	cmap    *utils.CANMap
	txMu    sync.Mutex // serializes producers so a batch is queued whole
	tx      chan can.Frame
	log     hclog.Logger
	metrics *telemetry.Metrics
	sent    atomic.Uint64
	dropped atomic.Uint64
}

// NewCANActuators checks that cmap defines every command frame. buffer is
// the transmit queue length and must hold at least one Configure batch.
func NewCANActuators(cmap *utils.CANMap, buffer int, log hclog.Logger, m *telemetry.Metrics) (*CANActuators, error) {
	if err := requireFrames(cmap, utils.DirectionTX,
		FrameOpenLoop, FrameVelocity, FrameConfig, FrameGainsLeft, FrameGainsRight); err != nil {
		return nil, errors.Wrap(err, "can actuators")
	}
	if buffer < configureFrames {
		return nil, errors.Errorf("can actuators: buffer must be at least %d, got %d", configureFrames, buffer)
	}
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &CANActuators{
		cmap:    cmap,
		tx:      make(chan can.Frame, buffer),
		log:     log,
		metrics: m,
	}, nil
}

// DriveOpenLoop queues a percent-output command in [-1,1] per axis.
func (a *CANActuators) DriveOpenLoop(forward, strafe, rotation float64) error {
	return a.send(command{FrameOpenLoop, map[string]float64{
		"forward":  forward,
		"strafe":   strafe,
		"rotation": rotation,
	}})
}

// DriveVelocity queues a closed-loop wheel velocity command in native units.
func (a *CANActuators) DriveVelocity(left, right float64) error {
	return a.send(command{FrameVelocity, map[string]float64{
		"left_velocity":  left,
		"right_velocity": right,
	}})
}

// Configure queues the mode frame followed by both gain frames. Either all
// three are queued or none is, so the motor controllers never switch mode
// without their gains.
func (a *CANActuators) Configure(cfg drive.ActuatorConfig) error {
	return a.send(
		command{FrameConfig, map[string]float64{
			"control_mode":     float64(cfg.Mode),
			"neutral_mode":     float64(cfg.Neutral),
			"followers_linked": boolToFloat(cfg.FollowersLinked),
			"reset_sensors":    boolToFloat(cfg.ResetSensors),
			"left_izone":       cfg.Left.IZone,
			"right_izone":      cfg.Right.IZone,
		}},
		command{FrameGainsLeft, gainValues(cfg.Left)},
		command{FrameGainsRight, gainValues(cfg.Right)},
	)
}

type command struct {
	frame  string
	values map[string]float64
}

func gainValues(g drive.VelocityGains) map[string]float64 {
	return map[string]float64{"kf": g.KF, "kp": g.KP, "ki": g.KI, "kd": g.KD}
}

// send encodes every command, then queues the whole batch or drops it.
// Only Run receives from tx, so free space can only grow while txMu is held.
func (a *CANActuators) send(cmds ...command) error {
	frames := make([]can.Frame, len(cmds))
	for i, c := range cmds {
		f, err := a.cmap.EncodeFrame(c.frame, c.values)
		if err != nil {
			return errors.Wrapf(err, "encode %s", c.frame)
		}
		frames[i] = f
	}

	a.txMu.Lock()
	defer a.txMu.Unlock()
	if cap(a.tx)-len(a.tx) < len(frames) {
		a.dropped.Add(uint64(len(frames)))
		return errors.Wrap(ErrTxBusy, cmds[0].frame)
	}
	for _, f := range frames {
		a.tx <- f
	}
	return nil
}

// Stats returns frames written and commands dropped so far.
func (a *CANActuators) Stats() (sent, dropped uint64) {
	return a.sent.Load(), a.dropped.Load()
}

// Run writes queued frames until ctx is cancelled. Write failures are
// logged and counted; the frame is not retried.
func (a *CANActuators) Run(ctx context.Context, w utils.CANWriter) error {
	a.log.Info("can tx started")
	for {
		select {
		case <-ctx.Done():
			sent, dropped := a.Stats()
			a.log.Info("can tx stopped", "frames_sent", sent, "dropped", dropped)
			return ctx.Err()
		case f := <-a.tx:
			if err := w.WriteFrame(ctx, f); err != nil {
				if ctx.Err() != nil {
					continue
				}
				a.metrics.ActuatorError()
				a.log.Warn("can transmit failed", "id", hclog.Fmt("0x%X", f.ID), "error", err)
				continue
			}
			a.sent.Add(1)
			a.log.Trace("can tx", "id", hclog.Fmt("0x%X", f.ID), "data", hclog.Fmt("% X", f.Data[:f.Length]))
		}
	}
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

type wheelCounts struct{ left, right float64 }

// CANSensors decodes pose and encoder state frames into snapshots that the
// control loop reads without blocking.
type CANSensors struct {
	cmap     *utils.CANMap
	log      hclog.Logger
	pose     atomic.Pointer[control.Pose]
	wheels   atomic.Pointer[wheelCounts]
	received atomic.Uint64
}

// NewCANSensors checks that cmap defines both state frames.
func NewCANSensors(cmap *utils.CANMap, log hclog.Logger) (*CANSensors, error) {
	if err := requireFrames(cmap, utils.DirectionRX, FramePose, FrameEncoders); err != nil {
		return nil, errors.Wrap(err, "can sensors")
	}
	if log == nil {
		log = hclog.NewNullLogger()
	}
	s := &CANSensors{cmap: cmap, log: log}
	s.pose.Store(&control.Pose{})
	s.wheels.Store(&wheelCounts{})
	return s, nil
}

func (s *CANSensors) LatestPose() control.Pose { return *s.pose.Load() }

func (s *CANSensors) WheelPositions() (float64, float64) {
	w := s.wheels.Load()
	return w.left, w.right
}

// Received returns the number of state frames applied.
func (s *CANSensors) Received() uint64 { return s.received.Load() }

// Handle applies one frame. Frames not in the map are ignored.
func (s *CANSensors) Handle(f can.Frame) error {
	fd, ok := s.cmap.ByID[f.ID]
	if !ok || fd.Direction != utils.DirectionRX {
		return nil
	}
	name, v, err := s.cmap.DecodeFrame(f)
	if err != nil {
		return err
	}
	switch name {
	case FramePose:
		p := control.NewPose(v["pos_x"], v["pos_y"], v["heading"])
		s.pose.Store(&p)
	case FrameEncoders:
		s.wheels.Store(&wheelCounts{left: v["left_counts"], right: v["right_counts"]})
	default:
		return nil
	}
	s.received.Add(1)
	return nil
}

// Run reads frames until ctx is cancelled or the bus fails.
func (s *CANSensors) Run(ctx context.Context, r utils.CANReader) error {
	s.log.Info("can rx started")
	for {
		f, err := r.ReadFrame(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errors.Wrap(err, "can rx")
		}
		if err := s.Handle(f); err != nil {
			s.log.Warn("bad state frame", "id", hclog.Fmt("0x%X", f.ID), "error", err)
		}
	}
}

var (
	_ drive.Actuators    = (*CANActuators)(nil)
	_ drive.PoseProvider = (*CANSensors)(nil)
)
