package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"

	"diffdrive-core/config"
	"diffdrive-core/utils"
)

func main() {
	var (
		cfgPath     = flag.String("config", "config/robot.yaml", "Robot configuration YAML")
		routinePath = flag.String("routine", "", "Autonomous routine JSON; empty runs teleop only")
		iface       = flag.String("iface", "", "SocketCAN interface name (overrides config)")
		mapPath     = flag.String("map", "", "Path to can_map.csv (overrides config)")
		sim         = flag.Bool("sim", false, "Drive a simulated plant instead of the CAN bus")
		metricsAddr = flag.String("metrics-addr", "", "status API and Prometheus listen address (overrides config)")
		logLevel    = flag.String("log", "", "trace|debug|info|warn|error (overrides config)")
		logFile     = flag.String("log-file", "drive_loop.log", "Log file, appended to")
	)
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fatal("load config", err)
	}
	if *iface != "" {
		cfg.CAN.Interface = *iface
	}
	if *mapPath != "" {
		cfg.CAN.MapPath = *mapPath
	}
	if *metricsAddr != "" {
		cfg.Telemetry.MetricsAddr = *metricsAddr
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	level, err := utils.ParseLevel(cfg.LogLevel)
	if err != nil {
		fatal("log level", err)
	}
	log, err := utils.NewFileLogger(*logFile, level, true)
	if err != nil {
		fatal("open "+*logFile, err)
	}
	defer log.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runner, err := NewRunner(ctx, RunnerConfig{
		Config:      cfg,
		RoutinePath: *routinePath,
		Sim:         *sim,
	}, log)
	if err != nil {
		log.Error("startup failed", "error", err)
		os.Exit(1)
	}
	defer runner.Close()

	if err := runner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("run failed", "error", err)
		os.Exit(1)
	}
}

func fatal(what string, err error) {
	_, _ = os.Stderr.WriteString("ERROR: " + what + ": " + err.Error() + "\n")
	os.Exit(1)
}
