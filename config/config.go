// Package config loads the robot configuration file.
package config

import (
	"bytes"
	"io"
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"diffdrive-core/auto"
	"diffdrive-core/drive"
	"diffdrive-core/hardware"
	"diffdrive-core/telemetry"
	"diffdrive-core/utils"
)

// Config is the top-level robot configuration.
type Config struct {
	LogLevel  string          `yaml:"log_level"`
	Drive     drive.Config    `yaml:"drive"`
	Auto      auto.Config     `yaml:"auto"`
	CAN       CANConfig       `yaml:"can"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	// Input is the operator command topic on the telemetry broker.
	Input hardware.RemoteInputConfig `yaml:"input"`
	Sim   SimConfig                  `yaml:"sim"`
}

// CANConfig selects the bus and the frame map.
type CANConfig struct {
	Interface string `yaml:"interface"`
	MapPath   string `yaml:"map_path"`
	// TxBuffer is the number of frames queued for transmission before
	// commands are dropped.
	TxBuffer int `yaml:"tx_buffer"`
}

// TelemetryConfig selects where telemetry and metrics go.
type TelemetryConfig struct {
	MQTT        telemetry.MQTTConfig `yaml:"mqtt"`
	MetricsAddr string               `yaml:"metrics_addr"`
}

// SimConfig configures the simulated drivetrain.
type SimConfig struct {
	MaxWheelSpeed float64 `yaml:"max_wheel_speed"` // in/s at full open-loop output
	StartX        float64 `yaml:"start_x"`
	StartY        float64 `yaml:"start_y"`
	StartHeading  float64 `yaml:"start_heading"`
}

// Default returns a complete configuration for a simulated or vcan0 robot.
func Default() Config {
	return Config{
		LogLevel: "info",
		Drive:    drive.DefaultConfig(),
		Auto:     auto.DefaultConfig(),
		CAN: CANConfig{
			Interface: "vcan0",
			MapPath:   "config/can/can_map.csv",
			TxBuffer:  32,
		},
		Telemetry: TelemetryConfig{
			MQTT: telemetry.MQTTConfig{
				Topic:        "diffdrive/telemetry",
				Buffer:       64,
				PublishEvery: 5,
			},
			MetricsAddr: ":9102",
		},
		Input: hardware.RemoteInputConfig{
			Topic:      "diffdrive/input",
			StaleAfter: 250 * time.Millisecond,
		},
		Sim: SimConfig{MaxWheelSpeed: 150},
	}
}

// Load reads path over the defaults, so a file only needs the values it
// changes. Unknown keys are rejected.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrap(err, "read config")
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, errors.Wrapf(err, "config %s", path)
	}
	return cfg, nil
}

// Parse overlays a YAML document on Default and validates the result.
// Unknown keys are rejected.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, errors.Wrap(err, "decode yaml")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks every section and returns the first problem found.
func (c Config) Validate() error {
	if _, err := utils.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	if err := c.Drive.Validate(); err != nil {
		return errors.Wrap(err, "drive")
	}
	if err := c.Auto.Validate(); err != nil {
		return err
	}
	if c.CAN.TxBuffer < 3 {
		return errors.Errorf("can.tx_buffer must hold a configure batch of 3 frames, got %d", c.CAN.TxBuffer)
	}
	mq := c.Telemetry.MQTT
	if mq.Broker != "" && mq.Topic == "" {
		return errors.New("telemetry.mqtt.topic is required when a broker is set")
	}
	if mq.Buffer < 0 || mq.PublishEvery < 0 {
		return errors.New("telemetry.mqtt buffer and publish_every must not be negative")
	}
	if c.Input.StaleAfter < 0 {
		return errors.Errorf("input.stale_after must not be negative, got %s", c.Input.StaleAfter)
	}
	if c.Sim.MaxWheelSpeed <= 0 {
		return errors.Errorf("sim.max_wheel_speed must be positive, got %.3f", c.Sim.MaxWheelSpeed)
	}
	return nil
}
