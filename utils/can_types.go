package utils

import "sort"

// Direction of a frame relative to this process.
type Direction string

const (
	DirectionTX Direction = "tx"
	DirectionRX Direction = "rx"
)

// SignalDef is one signal row of the CAN map.
type SignalDef struct {
	Name       string
	StartBit   int
	BitLength  int
	Signed     bool
	Factor     float64
	Offset     float64
	Min        float64
	Max        float64
	Default    float64
	Unit       string
	Comment    string
	Endianness string // only "little" supported
}

// FrameDef groups the signals sharing one frame ID.
type FrameDef struct {
	ID        uint32
	Name      string
	DLC       int
	Direction Direction
	CycleMS   int
	Signals   []SignalDef
}

// Signal returns the named signal definition.
func (fd *FrameDef) Signal(name string) (SignalDef, bool) {
	for _, s := range fd.Signals {
		if s.Name == name {
			return s, true
		}
	}
	return SignalDef{}, false
}

// CANMap indexes the frame definitions loaded from can_map.csv.
type CANMap struct {
	ByID   map[uint32]*FrameDef
	ByName map[string]*FrameDef
}

// FrameNames returns the frame names in sorted order.
func (m *CANMap) FrameNames() []string {
	out := make([]string, 0, len(m.ByName))
	for k := range m.ByName {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
