package utils

import (
	"math"

	"github.com/pkg/errors"
	"go.einride.tech/can"
)

// EncodeFrame packs physical signal values into a frame payload. Missing
// signals take their default; values are clamped to the signal range.
func (m *CANMap) EncodeFrame(frameName string, values map[string]float64) (can.Frame, error) {
	fd, err := m.FrameByName(frameName)
	if err != nil {
		return can.Frame{}, err
	}
	if fd.DLC <= 0 || fd.DLC > 8 {
		return can.Frame{}, errors.Errorf("frame %s has invalid DLC %d", fd.Name, fd.DLC)
	}

	var payload uint64
	for _, s := range fd.Signals {
		v, ok := values[s.Name]
		if !ok {
			v = s.Default
		}
		v = clamp(v, s.Min, s.Max)

		raw := int64(math.Round((v - s.Offset) / s.Factor))
		raw = clampRaw(raw, s.BitLength, s.Signed)
		payload = setBits(payload, s.StartBit, s.BitLength, uint64(raw))
	}

	f := can.Frame{ID: fd.ID, Length: uint8(fd.DLC)}
	for i := 0; i < fd.DLC; i++ {
		f.Data[i] = byte(payload >> (8 * i))
	}
	return f, nil
}

// DecodeFrame unpacks a received frame into physical signal values.
func (m *CANMap) DecodeFrame(f can.Frame) (string, map[string]float64, error) {
	fd, err := m.FrameByID(f.ID)
	if err != nil {
		return "", nil, err
	}
	if int(f.Length) < fd.DLC {
		return "", nil, errors.Errorf("frame 0x%X expects DLC %d, got %d", f.ID, fd.DLC, f.Length)
	}

	var payload uint64
	for i := 0; i < fd.DLC && i < 8; i++ {
		payload |= uint64(f.Data[i]) << (8 * i)
	}

	out := make(map[string]float64, len(fd.Signals))
	for _, s := range fd.Signals {
		raw := signExtend(getBits(payload, s.StartBit, s.BitLength), s.BitLength, s.Signed)
		out[s.Name] = float64(raw)*s.Factor + s.Offset
	}
	return fd.Name, out, nil
}
