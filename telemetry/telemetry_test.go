package telemetry

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeToken struct{ err error }

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t *fakeToken) Error() error { return t.err }

type fakeClient struct {
	mu       sync.Mutex
	payloads [][]byte
	topics   []string
	err      error
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.topics = append(c.topics, topic)
	c.payloads = append(c.payloads, payload.([]byte))
	return &fakeToken{err: c.err}
}

func (c *fakeClient) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.payloads)
}

func TestMQTTPublisher_EmitNeverBlocks(t *testing.T) {
	m := NewMetrics()
	p := NewMQTTPublisher(&fakeClient{}, MQTTConfig{Topic: "robot/drive", Buffer: 2}, nil, m)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			p.Emit(Frame{Heading: float64(i)})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Emit blocked with nobody draining")
	}
	assert.Equal(t, 8.0, testutil.ToFloat64(m.telemetryDropped))
}

func TestMQTTPublisher_PublishesJSON(t *testing.T) {
	client := &fakeClient{}
	p := NewMQTTPublisher(client, MQTTConfig{Topic: "robot/drive", PublishEvery: 2}, nil, nil)

	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	for i := 0; i < 4; i++ {
		p.Emit(Frame{Timestamp: ts, Heading: float64(i), ControlMode: "Open Loop"})
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	require.Eventually(t, func() bool { return client.count() == 2 }, time.Second, 5*time.Millisecond)

	client.mu.Lock()
	defer client.mu.Unlock()
	assert.Equal(t, []string{"robot/drive", "robot/drive"}, client.topics)

	var got Frame
	require.NoError(t, json.Unmarshal(client.payloads[1], &got))
	assert.Equal(t, 2.0, got.Heading)
	assert.Equal(t, "Open Loop", got.ControlMode)
	assert.True(t, ts.Equal(got.Timestamp))
}

func TestMQTTPublisher_PublishErrorCounted(t *testing.T) {
	m := NewMetrics()
	client := &fakeClient{err: errors.New("broker gone")}
	p := NewMQTTPublisher(client, MQTTConfig{Topic: "t"}, nil, m)
	p.Emit(Frame{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.telemetryDropped) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	m.ObserveTick("Open Loop", time.Millisecond)
	m.Transition("Path following")
	m.ActuatorError()
	m.TelemetryDropped()
	m.GroupFinished("completed", time.Second)
	m.QueueDepth(3)
}

func TestFanout(t *testing.T) {
	a := NewMQTTPublisher(&fakeClient{}, MQTTConfig{Buffer: 4}, nil, nil)
	b := NewMQTTPublisher(&fakeClient{}, MQTTConfig{Buffer: 4}, nil, nil)
	Fanout{a, Discard{}, b}.Emit(Frame{Heading: 1})
	assert.Len(t, a.frames, 1)
	assert.Len(t, b.frames, 1)
}
