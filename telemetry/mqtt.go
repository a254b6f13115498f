package telemetry

import (
	"context"
	"encoding/json"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
)

// MQTTConfig holds the broker connection for telemetry publishing.
type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	Topic    string `yaml:"topic"`
	ClientID string `yaml:"client_id"`
	Buffer   int    `yaml:"buffer"`
	// PublishEvery decimates frames: only every Nth frame is published.
	PublishEvery int `yaml:"publish_every"`
}

// publisher is the subset of mqtt.Client used for publishing.
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTPublisher is a Sink that queues frames on a buffered channel and
// publishes them as JSON from its own goroutine. Emit drops the frame when
// the buffer is full.
type MQTTPublisher struct {
	client publisher
	topic  string
	every  int
	frames chan Frame
	log    hclog.Logger
	m      *Metrics

	seen uint64
}

// DialMQTT connects to the broker and returns a ready publisher.
func DialMQTT(cfg MQTTConfig, log hclog.Logger, m *Metrics) (*MQTTPublisher, mqtt.Client, error) {
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "diffdrive-" + uuid.NewString()
	}
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectTimeout(5 * time.Second)

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		return nil, nil, errors.Errorf("mqtt connect to %s timed out", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, nil, errors.Wrapf(err, "mqtt connect to %s", cfg.Broker)
	}
	return NewMQTTPublisher(client, cfg, log, m), client, nil
}

// NewMQTTPublisher wraps an already connected client.
func NewMQTTPublisher(client publisher, cfg MQTTConfig, log hclog.Logger, m *Metrics) *MQTTPublisher {
	buf := cfg.Buffer
	if buf <= 0 {
		buf = 100
	}
	every := cfg.PublishEvery
	if every <= 0 {
		every = 1
	}
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &MQTTPublisher{
		client: client,
		topic:  cfg.Topic,
		every:  every,
		frames: make(chan Frame, buf),
		log:    log,
		m:      m,
	}
}

// Emit queues a frame without blocking. It is called from the control task
// only.
func (p *MQTTPublisher) Emit(f Frame) {
	p.seen++
	if (p.seen-1)%uint64(p.every) != 0 {
		return
	}
	select {
	case p.frames <- f:
	default:
		// Channel full, skip
		p.m.TelemetryDropped()
	}
}

// Run publishes queued frames until ctx is cancelled.
func (p *MQTTPublisher) Run(ctx context.Context) {
	p.log.Debug("telemetry publisher started", "topic", p.topic)
	defer p.log.Debug("telemetry publisher stopped")

	for {
		select {
		case <-ctx.Done():
			return
		case f := <-p.frames:
			payload, err := json.Marshal(f)
			if err != nil {
				p.log.Warn("marshal telemetry frame", "error", err)
				continue
			}
			token := p.client.Publish(p.topic, 0, false, payload)
			if token.WaitTimeout(time.Second) && token.Error() != nil {
				p.log.Warn("publish telemetry", "error", token.Error())
				p.m.TelemetryDropped()
			}
		}
	}
}
