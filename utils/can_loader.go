package utils

import (
	"encoding/csv"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

var requiredColumns = []string{
	"direction", "frame_id", "frame_name", "cycle_ms", "dlc",
	"signal_name", "start_bit", "bit_length", "endianness",
	"signed", "factor", "offset", "min", "max", "default", "unit", "comment",
}

// LoadCANMap reads a frame map from a CSV file, one row per signal.
func LoadCANMap(csvPath string) (*CANMap, error) {
	f, err := os.Open(csvPath)
	if err != nil {
		return nil, errors.Wrap(err, "open can map")
	}
	defer f.Close()

	m, err := ParseCANMap(f)
	if err != nil {
		return nil, errors.Wrapf(err, "parse %s", csvPath)
	}
	return m, nil
}

// ParseCANMap reads a frame map from CSV.
func ParseCANMap(in io.Reader) (*CANMap, error) {
	r := csv.NewReader(in)
	r.TrimLeadingSpace = true
	r.Comment = '#'

	header, err := r.Read()
	if err != nil {
		return nil, errors.Wrap(err, "read header")
	}
	idx := make(map[string]int, len(header))
	for i, h := range header {
		idx[strings.TrimSpace(h)] = i
	}
	for _, k := range requiredColumns {
		if _, ok := idx[k]; !ok {
			return nil, errors.Errorf("missing required column %q", k)
		}
	}

	m := &CANMap{
		ByID:   map[uint32]*FrameDef{},
		ByName: map[string]*FrameDef{},
	}

	for line := 2; ; line++ {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, errors.Wrapf(err, "line %d", line)
		}
		p := rowParser{rec: rec, idx: idx}

		frameID := p.frameID()
		frameName := p.str("frame_name")
		dir := Direction(strings.ToLower(p.str("direction")))
		cycleMS := p.integer("cycle_ms")
		dlc := p.integer("dlc")

		sig := SignalDef{
			Name:       p.str("signal_name"),
			StartBit:   p.integer("start_bit"),
			BitLength:  p.integer("bit_length"),
			Endianness: p.str("endianness"),
			Signed:     p.boolean("signed"),
			Factor:     p.float("factor"),
			Offset:     p.float("offset"),
			Min:        p.float("min"),
			Max:        p.float("max"),
			Default:    p.float("default"),
			Unit:       p.str("unit"),
			Comment:    p.str("comment"),
		}
		if p.err != nil {
			return nil, errors.Wrapf(p.err, "line %d", line)
		}
		if err := validateRow(frameName, frameID, dir, dlc, sig); err != nil {
			return nil, errors.Wrapf(err, "line %d", line)
		}

		fd, ok := m.ByID[frameID]
		if !ok {
			if _, dup := m.ByName[frameName]; dup {
				return nil, errors.Errorf("line %d: frame name %s reused for id 0x%X", line, frameName, frameID)
			}
			fd = &FrameDef{
				ID:        frameID,
				Name:      frameName,
				DLC:       dlc,
				Direction: dir,
				CycleMS:   cycleMS,
			}
			m.ByID[frameID] = fd
			m.ByName[frameName] = fd
		}
		if fd.DLC != dlc {
			return nil, errors.Errorf("line %d: frame %s (0x%X) has inconsistent DLC (%d vs %d)", line, frameName, frameID, fd.DLC, dlc)
		}
		if _, dup := fd.Signal(sig.Name); dup {
			return nil, errors.Errorf("line %d: frame %s declares signal %s twice", line, frameName, sig.Name)
		}
		fd.Signals = append(fd.Signals, sig)
	}

	for _, fd := range m.ByID {
		sort.Slice(fd.Signals, func(i, j int) bool { return fd.Signals[i].StartBit < fd.Signals[j].StartBit })
		if err := checkOverlap(fd); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func validateRow(frameName string, frameID uint32, dir Direction, dlc int, sig SignalDef) error {
	if dir != DirectionTX && dir != DirectionRX {
		return errors.Errorf("frame %s: direction must be tx or rx, got %q", frameName, dir)
	}
	if dlc <= 0 || dlc > 8 {
		return errors.Errorf("frame %s (0x%X): invalid dlc %d", frameName, frameID, dlc)
	}
	if sig.Endianness != "" && sig.Endianness != "little" {
		return errors.Errorf("frame %s signal %s: unsupported endianness %q", frameName, sig.Name, sig.Endianness)
	}
	if sig.BitLength <= 0 || sig.BitLength > 64 {
		return errors.Errorf("frame %s signal %s: invalid bit_length %d", frameName, sig.Name, sig.BitLength)
	}
	if sig.StartBit < 0 || sig.StartBit+sig.BitLength > dlc*8 {
		return errors.Errorf("frame %s signal %s: bits %d..%d outside %d-byte payload",
			frameName, sig.Name, sig.StartBit, sig.StartBit+sig.BitLength-1, dlc)
	}
	if sig.Factor == 0 {
		return errors.Errorf("frame %s signal %s: factor must be non-zero", frameName, sig.Name)
	}
	return nil
}

// checkOverlap expects signals sorted by start bit.
func checkOverlap(fd *FrameDef) error {
	for i := 1; i < len(fd.Signals); i++ {
		prev, cur := fd.Signals[i-1], fd.Signals[i]
		if prev.StartBit+prev.BitLength > cur.StartBit {
			return errors.Errorf("frame %s: signals %s and %s overlap", fd.Name, prev.Name, cur.Name)
		}
	}
	return nil
}

// FrameByName looks up a frame definition by name.
func (m *CANMap) FrameByName(name string) (*FrameDef, error) {
	fd, ok := m.ByName[name]
	if !ok {
		return nil, errors.Errorf("unknown frame %q (available: %v)", name, m.FrameNames())
	}
	return fd, nil
}

// FrameByID looks up a frame definition by CAN ID.
func (m *CANMap) FrameByID(id uint32) (*FrameDef, error) {
	fd, ok := m.ByID[id]
	if !ok {
		return nil, errors.Errorf("unknown frame id 0x%X", id)
	}
	return fd, nil
}

// rowParser records the first conversion error of a CSV record.
type rowParser struct {
	rec []string
	idx map[string]int
	err error
}

func (p *rowParser) str(col string) string {
	i := p.idx[col]
	if i >= len(p.rec) {
		return ""
	}
	return strings.TrimSpace(p.rec[i])
}

func (p *rowParser) integer(col string) int {
	v, err := strconv.Atoi(p.str(col))
	p.fail(col, err)
	return v
}

func (p *rowParser) float(col string) float64 {
	s := p.str(col)
	if s == "" {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	p.fail(col, err)
	return v
}

func (p *rowParser) boolean(col string) bool {
	switch strings.ToLower(p.str(col)) {
	case "true", "1", "yes":
		return true
	default:
		return false
	}
}

func (p *rowParser) frameID() uint32 {
	s := p.str("frame_id")
	base := 10
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		base = 16
		s = s[2:]
	}
	u, err := strconv.ParseUint(s, base, 32)
	p.fail("frame_id", err)
	return uint32(u)
}

func (p *rowParser) fail(col string, err error) {
	if err != nil && p.err == nil {
		p.err = errors.Wrapf(err, "column %s", col)
	}
}
