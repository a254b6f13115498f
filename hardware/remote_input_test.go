package hardware

import (
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"diffdrive-core/drive"
	"diffdrive-core/timeutil"
)

type doneToken struct{ err error }

func (t *doneToken) Wait() bool                     { return true }
func (t *doneToken) WaitTimeout(time.Duration) bool { return true }
func (t *doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t *doneToken) Error() error { return t.err }

type fakeSubscriber struct {
	topic   string
	handler mqtt.MessageHandler
}

func (s *fakeSubscriber) Subscribe(topic string, _ byte, cb mqtt.MessageHandler) mqtt.Token {
	s.topic, s.handler = topic, cb
	return &doneToken{}
}

type fakeMessage struct {
	mqtt.Message
	topic   string
	payload []byte
}

func (m fakeMessage) Topic() string   { return m.topic }
func (m fakeMessage) Payload() []byte { return m.payload }

func TestRemoteInput_ClampsAndExpires(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	in := NewRemoteInput(RemoteInputConfig{StaleAfter: 200 * time.Millisecond}, clock, nil)

	assert.Equal(t, drive.Axes{}, in.Axes(), "no command yet")

	require.NoError(t, in.Handle([]byte(`{"forward": 0.5, "strafe": -3, "rotation": 0.25, "low_gear": true}`)))
	assert.Equal(t, drive.Axes{Forward: 0.5, Strafe: -1, Rotation: 0.25}, in.Axes())
	assert.True(t, in.LowGear())

	clock.Advance(200 * time.Millisecond)
	assert.Equal(t, 0.5, in.Axes().Forward)

	clock.Advance(time.Millisecond)
	assert.Equal(t, drive.Axes{}, in.Axes())
	assert.False(t, in.LowGear())

	assert.Error(t, in.Handle([]byte("forward=1")))
}

func TestRemoteInput_SubscribeRoutesMessages(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	in := NewRemoteInput(RemoteInputConfig{}, clock, nil)
	sub := &fakeSubscriber{}

	require.NoError(t, in.Subscribe(sub, "diffdrive/input"))
	assert.Equal(t, "diffdrive/input", sub.topic)
	require.NotNil(t, sub.handler)

	sub.handler(nil, fakeMessage{topic: "diffdrive/input", payload: []byte(`{"rotation": -0.75}`)})
	assert.Equal(t, -0.75, in.Axes().Rotation)

	// malformed payloads are logged and leave the last command in place
	sub.handler(nil, fakeMessage{topic: "diffdrive/input", payload: []byte(`{`)})
	assert.Equal(t, -0.75, in.Axes().Rotation)
}
