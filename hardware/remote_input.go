package hardware

import (
	"encoding/json"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"

	"diffdrive-core/control"
	"diffdrive-core/drive"
	"diffdrive-core/timeutil"
)

// RemoteInputConfig selects the MQTT topic carrying operator commands.
type RemoteInputConfig struct {
	Topic string `yaml:"topic"`
	// StaleAfter zeroes the axes when no command arrived for this long.
	StaleAfter time.Duration `yaml:"stale_after"`
}

type subscriber interface {
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
}

// RemoteCommand is the JSON payload of one operator command.
type RemoteCommand struct {
	Forward  float64 `json:"forward"`
	Strafe   float64 `json:"strafe"`
	Rotation float64 `json:"rotation"`
	LowGear  bool    `json:"low_gear"`
}

type remoteSample struct {
	cmd RemoteCommand
	at  time.Time
}

// RemoteInput is a drive.InputProvider fed by operator commands over MQTT.
type RemoteInput struct {
	clock      timeutil.Clock
	staleAfter time.Duration
	log        hclog.Logger
	latest     atomic.Pointer[remoteSample]
}

// NewRemoteInput starts with no command, which reads as zero input.
func NewRemoteInput(cfg RemoteInputConfig, clock timeutil.Clock, log hclog.Logger) *RemoteInput {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &RemoteInput{clock: clock, staleAfter: cfg.StaleAfter, log: log}
}

// Subscribe registers the input on topic.
func (r *RemoteInput) Subscribe(c subscriber, topic string) error {
	tok := c.Subscribe(topic, 0, func(_ mqtt.Client, msg mqtt.Message) {
		if err := r.Handle(msg.Payload()); err != nil {
			r.log.Warn("bad operator command", "topic", msg.Topic(), "error", err)
		}
	})
	if !tok.WaitTimeout(5 * time.Second) {
		return errors.Errorf("mqtt subscribe %s: timeout", topic)
	}
	return errors.Wrapf(tok.Error(), "mqtt subscribe %s", topic)
}

// Handle stores one JSON command. Axes are clamped to [-1, 1].
func (r *RemoteInput) Handle(payload []byte) error {
	var cmd RemoteCommand
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return errors.Wrap(err, "decode operator command")
	}
	cmd.Forward = control.ClampFloat(cmd.Forward, -1, 1)
	cmd.Strafe = control.ClampFloat(cmd.Strafe, -1, 1)
	cmd.Rotation = control.ClampFloat(cmd.Rotation, -1, 1)
	r.latest.Store(&remoteSample{cmd: cmd, at: r.clock.Now()})
	return nil
}

func (r *RemoteInput) fresh() (RemoteCommand, bool) {
	s := r.latest.Load()
	if s == nil {
		return RemoteCommand{}, false
	}
	if r.staleAfter > 0 && r.clock.Since(s.at) > r.staleAfter {
		return RemoteCommand{}, false
	}
	return s.cmd, true
}

func (r *RemoteInput) Axes() drive.Axes {
	cmd, ok := r.fresh()
	if !ok {
		return drive.Axes{}
	}
	return drive.Axes{Forward: cmd.Forward, Strafe: cmd.Strafe, Rotation: cmd.Rotation}
}

func (r *RemoteInput) LowGear() bool {
	cmd, _ := r.fresh()
	return cmd.LowGear
}

// IdleInput is an input device that never moves.
type IdleInput struct{}

func (IdleInput) Axes() drive.Axes { return drive.Axes{} }
func (IdleInput) LowGear() bool    { return false }

var (
	_ drive.InputProvider = (*RemoteInput)(nil)
	_ drive.InputProvider = IdleInput{}
)
