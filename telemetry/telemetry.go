package telemetry

import "time"

// Sink receives one Frame per control tick. Implementations must not block
// and must not report failures back to the caller.
type Sink interface {
	Emit(Frame)
}

// Frame is the per-tick drivetrain snapshot.
type Frame struct {
	Timestamp     time.Time `json:"timestamp"`
	Heading       float64   `json:"heading"`       // degrees, [0, 360)
	LeftEncoder   float64   `json:"leftEncoder"`   // counts
	RightEncoder  float64   `json:"rightEncoder"`  // counts
	LeftDistance  float64   `json:"leftDistance"`  // inches
	RightDistance float64   `json:"rightDistance"` // inches
	ControlMode   string    `json:"controlMode"`
}

// Discard drops every frame.
type Discard struct{}

func (Discard) Emit(Frame) {}

// Fanout emits to several sinks in order.
type Fanout []Sink

// Emit hands fr to every sink in order.
func (f Fanout) Emit(fr Frame) {
	for _, s := range f {
		s.Emit(fr)
	}
}
