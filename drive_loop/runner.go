package main

import (
	"context"
	"net/http"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"diffdrive-core/auto"
	"diffdrive-core/config"
	"diffdrive-core/control"
	"diffdrive-core/drive"
	"diffdrive-core/hardware"
	"diffdrive-core/telemetry"
	"diffdrive-core/timeutil"
	"diffdrive-core/utils"
)

// RunnerConfig is the loaded config plus command-line choices.
type RunnerConfig struct {
	Config      config.Config
	RoutinePath string
	Sim         bool
}

// Runner owns the drivetrain controller and everything feeding it.
type Runner struct {
	cfg     RunnerConfig
	log     hclog.Logger
	metrics *telemetry.Metrics

	ctrl    *drive.Controller
	sched   *auto.Scheduler
	routine *auto.Routine
	pose    drive.PoseProvider

	sim       *hardware.SimDrive
	actuators *hardware.CANActuators
	sensors   *hardware.CANSensors
	writer    utils.CANWriter
	reader    utils.CANReader

	mqttClient mqtt.Client
	publisher  *telemetry.MQTTPublisher
}

// NewRunner connects the plant and telemetry and builds the controller and
// scheduler. Nothing runs until Run.
func NewRunner(ctx context.Context, cfg RunnerConfig, log hclog.Logger) (*Runner, error) {
	r := &Runner{cfg: cfg, log: log, metrics: telemetry.NewMetrics()}
	c := cfg.Config

	var sink telemetry.Sink = telemetry.Discard{}
	var input drive.InputProvider = hardware.IdleInput{}
	if c.Telemetry.MQTT.Broker != "" {
		pub, client, err := telemetry.DialMQTT(c.Telemetry.MQTT, log.Named("mqtt"), r.metrics)
		if err != nil {
			return nil, errors.Wrap(err, "telemetry")
		}
		r.publisher, r.mqttClient, sink = pub, client, pub

		remote := hardware.NewRemoteInput(c.Input, timeutil.RealClock{}, log.Named("input"))
		if err := remote.Subscribe(client, c.Input.Topic); err != nil {
			r.Close()
			return nil, err
		}
		input = remote
	}

	var (
		pose drive.PoseProvider
		act  drive.Actuators
	)
	if cfg.Sim {
		start := control.NewPose(c.Sim.StartX, c.Sim.StartY, c.Sim.StartHeading)
		r.sim = hardware.NewSimDrive(c.Drive.Kinematics, c.Sim.MaxWheelSpeed, start)
		pose, act = r.sim, r.sim
	} else {
		if err := r.openCAN(ctx); err != nil {
			r.Close()
			return nil, err
		}
		pose, act = r.sensors, r.actuators
	}

	ctrl, err := drive.New(c.Drive, pose, act, input,
		drive.WithLogger(log.Named("drive")),
		drive.WithTelemetry(sink),
		drive.WithMetrics(r.metrics),
	)
	if err != nil {
		r.Close()
		return nil, errors.Wrap(err, "drive controller")
	}
	r.ctrl = ctrl
	r.pose = pose

	sched, err := auto.New(ctrl, c.Auto, auto.WithLogger(log.Named("auto")), auto.WithMetrics(r.metrics))
	if err != nil {
		r.Close()
		return nil, errors.Wrap(err, "scheduler")
	}
	r.sched = sched

	if cfg.RoutinePath != "" {
		routine, err := auto.LoadRoutine(cfg.RoutinePath)
		if err != nil {
			r.Close()
			return nil, err
		}
		r.routine = &routine
	}
	return r, nil
}

func (r *Runner) openCAN(ctx context.Context) error {
	c := r.cfg.Config.CAN
	cmap, err := utils.LoadCANMap(c.MapPath)
	if err != nil {
		return errors.Wrap(err, "load can map")
	}
	r.actuators, err = hardware.NewCANActuators(cmap, c.TxBuffer, r.log.Named("can_tx"), r.metrics)
	if err != nil {
		return err
	}
	r.sensors, err = hardware.NewCANSensors(cmap, r.log.Named("can_rx"))
	if err != nil {
		return err
	}
	r.writer, err = utils.NewSocketCANWriter(ctx, c.Interface)
	if err != nil {
		return err
	}
	r.reader, err = utils.NewSocketCANReader(ctx, c.Interface)
	return err
}

// Close releases the CAN sockets and the MQTT connection.
func (r *Runner) Close() {
	if r.reader != nil {
		_ = r.reader.Close()
		if sr, ok := r.reader.(*utils.SocketCANReader); ok && sr.Dropped() > 0 {
			r.log.Warn("can rx frames dropped", "count", sr.Dropped())
		}
	}
	if r.writer != nil {
		_ = r.writer.Close()
	}
	if r.mqttClient != nil {
		r.mqttClient.Disconnect(250)
	}
}

// Run starts every component and blocks until ctx is cancelled or one of
// them fails.
func (r *Runner) Run(ctx context.Context) error {
	c := r.cfg.Config
	plant := "can:" + c.CAN.Interface
	if r.sim != nil {
		plant = "sim"
	}
	r.log.Info("starting drive loop", "plant", plant, "period", c.Drive.Period,
		"api", c.Telemetry.MetricsAddr, "mqtt", c.Telemetry.MQTT.Broker != "")

	g, ctx := errgroup.WithContext(ctx)

	if r.sim != nil {
		g.Go(func() error {
			r.sim.Run(ctx, timeutil.RealClock{}, c.Drive.Period)
			return nil
		})
	} else {
		g.Go(func() error { return ignoreCancel(r.actuators.Run(ctx, r.writer)) })
		g.Go(func() error { return ignoreCancel(r.sensors.Run(ctx, r.reader)) })
	}
	if r.publisher != nil {
		g.Go(func() error {
			r.publisher.Run(ctx)
			return nil
		})
	}
	if c.Telemetry.MetricsAddr != "" {
		g.Go(func() error { return r.serveAPI(ctx, c.Telemetry.MetricsAddr) })
	}

	if err := r.ctrl.ConfigureTeleop(); err != nil {
		r.log.Warn("initial actuator configuration failed", "error", err)
	}
	g.Go(func() error { return ignoreCancel(r.ctrl.Run(ctx)) })

	if r.routine != nil {
		g.Go(func() error { return r.runRoutine(ctx) })
	}

	return g.Wait()
}

// runRoutine queues the routine, drains it and hands the drivetrain back
// to teleop.
func (r *Runner) runRoutine(ctx context.Context) error {
	if err := r.routine.Enqueue(r.sched); err != nil {
		return errors.Wrap(err, "enqueue routine")
	}
	started := time.Now()
	if err := r.sched.Drain(ctx); err != nil {
		return ignoreCancel(err)
	}
	r.log.Info("autonomous routine complete", "routine", r.routine.Name, "elapsed", time.Since(started))

	r.ctrl.Stop()
	r.ctrl.LockHeading(false)
	if err := r.ctrl.ConfigureTeleop(); err != nil {
		r.log.Warn("teleop configuration failed", "error", err)
	}
	return nil
}

func (r *Runner) serveAPI(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: r.newRouter(), ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdown)
	}()

	r.log.Info("serving status api", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "status api")
	}
	return nil
}

func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
