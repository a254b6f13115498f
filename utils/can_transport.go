package utils

import (
	"context"
	"net"
	"sync/atomic"

	"github.com/pkg/errors"
	"go.einride.tech/can"
	"go.einride.tech/can/pkg/socketcan"
)

// CANWriter transmits frames.
type CANWriter interface {
	WriteFrame(ctx context.Context, frame can.Frame) error
	Close() error
}

// CANReader receives frames.
type CANReader interface {
	ReadFrame(ctx context.Context) (can.Frame, error)
	Close() error
}

// ErrReceiveFailed is returned when the socket stops delivering frames.
var ErrReceiveFailed = errors.New("can receive failed")

type SocketCANWriter struct {
	conn net.Conn
	tx   *socketcan.Transmitter
}

// NewSocketCANWriter opens a raw CAN socket on iface for transmit.
func NewSocketCANWriter(ctx context.Context, iface string) (*SocketCANWriter, error) {
	conn, err := socketcan.DialContext(ctx, "can", iface)
	if err != nil {
		return nil, errors.Wrapf(err, "socketcan dial %s", iface)
	}
	return &SocketCANWriter{
		conn: conn,
		tx:   socketcan.NewTransmitter(conn),
	}, nil
}

func (w *SocketCANWriter) WriteFrame(ctx context.Context, frame can.Frame) error {
	return w.tx.TransmitFrame(ctx, frame)
}

func (w *SocketCANWriter) Close() error {
	if w.conn != nil {
		return w.conn.Close()
	}
	return nil
}

// frameSource is the subset of socketcan.Receiver the reader consumes.
type frameSource interface {
	Receive() bool
	HasErrorFrame() bool
	Frame() can.Frame
	Err() error
}

// rxBuffer is the number of received frames held for ReadFrame.
const rxBuffer = 64

// SocketCANReader owns a single receive goroutine so that cancelled reads
// do not leak blocked receivers. Frames arriving while the buffer is full
// are dropped, so the goroutine exits as soon as the socket is closed.
type SocketCANReader struct {
	conn    net.Conn
	frames  chan can.Frame
	done    chan struct{}
	err     error
	dropped atomic.Uint64
}

// NewSocketCANReader opens a raw CAN socket on iface and starts receiving.
func NewSocketCANReader(ctx context.Context, iface string) (*SocketCANReader, error) {
	conn, err := socketcan.DialContext(ctx, "can", iface)
	if err != nil {
		return nil, errors.Wrapf(err, "socketcan dial %s", iface)
	}
	r := newSocketCANReader(conn, rxBuffer)
	go r.receive(socketcan.NewReceiver(conn))
	return r, nil
}

func newSocketCANReader(conn net.Conn, buffer int) *SocketCANReader {
	return &SocketCANReader{
		conn:   conn,
		frames: make(chan can.Frame, buffer),
		done:   make(chan struct{}),
	}
}

func (r *SocketCANReader) receive(src frameSource) {
	defer close(r.done)
	for src.Receive() {
		if src.HasErrorFrame() {
			continue
		}
		select {
		case r.frames <- src.Frame():
		default:
			r.dropped.Add(1)
		}
	}
	r.err = src.Err()
	if r.err == nil {
		r.err = ErrReceiveFailed
	}
}

// Dropped returns the number of frames discarded because nobody was reading.
func (r *SocketCANReader) Dropped() uint64 { return r.dropped.Load() }

// ReadFrame blocks until a frame arrives or either the socket or ctx ends.
func (r *SocketCANReader) ReadFrame(ctx context.Context) (can.Frame, error) {
	select {
	case <-ctx.Done():
		return can.Frame{}, ctx.Err()
	case f := <-r.frames:
		return f, nil
	case <-r.done:
		// frames buffered before the socket failed are still delivered
		select {
		case f := <-r.frames:
			return f, nil
		default:
			return can.Frame{}, errors.Wrap(r.err, "socketcan")
		}
	}
}

// Close closes the socket, which ends the receive goroutine.
func (r *SocketCANReader) Close() error {
	if r.conn != nil {
		return r.conn.Close()
	}
	return nil
}
