package utils

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.einride.tech/can"
)

const header = "direction,frame_id,frame_name,cycle_ms,dlc,signal_name,start_bit,bit_length,endianness,signed,factor,offset,min,max,default,unit,comment\n"

func parse(t *testing.T, rows string) *CANMap {
	t.Helper()
	m, err := ParseCANMap(strings.NewReader(header + rows))
	require.NoError(t, err)
	return m
}

func TestParseCANMap_GroupsSignalsByFrame(t *testing.T) {
	m := parse(t, ""+
		"tx,0x100,CMD,10,4,b,16,16,little,true,0.5,0,-100,100,0,,\n"+
		"tx,0x100,CMD,10,4,a,0,8,little,false,1,0,0,255,7,,\n"+
		"rx,512,STATE,20,2,s,0,12,,true,1,0,0,0,0,,\n")

	assert.Equal(t, []string{"CMD", "STATE"}, m.FrameNames())
	fd, err := m.FrameByName("CMD")
	require.NoError(t, err)
	assert.Equal(t, uint32(0x100), fd.ID)
	assert.Equal(t, DirectionTX, fd.Direction)
	require.Len(t, fd.Signals, 2)
	assert.Equal(t, "a", fd.Signals[0].Name, "signals sorted by start bit")

	st, err := m.FrameByID(512)
	require.NoError(t, err)
	assert.Equal(t, DirectionRX, st.Direction)

	_, err = m.FrameByName("NOPE")
	assert.Error(t, err)
	_, err = m.FrameByID(0x999)
	assert.Error(t, err)
}

func TestParseCANMap_RejectsBadRows(t *testing.T) {
	cases := map[string]string{
		"bad direction":    "up,0x100,CMD,10,8,a,0,8,little,false,1,0,0,0,0,,\n",
		"bad frame id":     "tx,0xZZ,CMD,10,8,a,0,8,little,false,1,0,0,0,0,,\n",
		"bad dlc":          "tx,0x100,CMD,10,9,a,0,8,little,false,1,0,0,0,0,,\n",
		"bad number":       "tx,0x100,CMD,10,8,a,0,eight,little,false,1,0,0,0,0,,\n",
		"big endian":       "tx,0x100,CMD,10,8,a,0,8,big,false,1,0,0,0,0,,\n",
		"zero factor":      "tx,0x100,CMD,10,8,a,0,8,little,false,0,0,0,0,0,,\n",
		"outside payload":  "tx,0x100,CMD,10,2,a,8,16,little,false,1,0,0,0,0,,\n",
		"overlap":          "tx,0x100,CMD,10,8,a,0,8,little,false,1,0,0,0,0,,\ntx,0x100,CMD,10,8,b,4,8,little,false,1,0,0,0,0,,\n",
		"duplicate signal": "tx,0x100,CMD,10,8,a,0,8,little,false,1,0,0,0,0,,\ntx,0x100,CMD,10,8,a,8,8,little,false,1,0,0,0,0,,\n",
		"inconsistent dlc": "tx,0x100,CMD,10,8,a,0,8,little,false,1,0,0,0,0,,\ntx,0x100,CMD,10,4,b,8,8,little,false,1,0,0,0,0,,\n",
		"name reused":      "tx,0x100,CMD,10,8,a,0,8,little,false,1,0,0,0,0,,\ntx,0x101,CMD,10,8,b,0,8,little,false,1,0,0,0,0,,\n",
	}
	for name, rows := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseCANMap(strings.NewReader(header + rows))
			assert.Error(t, err)
		})
	}

	_, err := ParseCANMap(strings.NewReader("direction,frame_id\n"))
	assert.Error(t, err, "missing columns")
}

func TestCodec_RoundTripsSignedAndScaledValues(t *testing.T) {
	m := parse(t, ""+
		"tx,0x200,CMD,10,8,vel,0,32,little,true,0.01,0,-50000,50000,0,,\n"+
		"tx,0x200,CMD,10,8,pct,32,16,little,true,0.0001,0,-1,1,0,,\n"+
		"tx,0x200,CMD,10,8,flag,48,1,little,false,1,0,0,1,0,,\n"+
		"tx,0x200,CMD,10,8,temp,56,8,little,false,1,-40,-40,215,25,,\n")

	f, err := m.EncodeFrame("CMD", map[string]float64{"vel": -1234.56, "pct": 0.3333, "flag": 1})
	require.NoError(t, err)
	assert.Equal(t, uint32(0x200), f.ID)
	assert.Equal(t, uint8(8), f.Length)

	name, v, err := m.DecodeFrame(f)
	require.NoError(t, err)
	assert.Equal(t, "CMD", name)
	assert.InDelta(t, -1234.56, v["vel"], 0.005)
	assert.InDelta(t, 0.3333, v["pct"], 1e-4)
	assert.Equal(t, 1.0, v["flag"])
	assert.Equal(t, 25.0, v["temp"], "missing signals take their default")
}

func TestCodec_ClampsToSignalRange(t *testing.T) {
	m := parse(t, "tx,0x200,CMD,10,2,pct,0,16,little,true,0.0001,0,-1,1,0,,\n")

	f, err := m.EncodeFrame("CMD", map[string]float64{"pct": 7})
	require.NoError(t, err)
	_, v, err := m.DecodeFrame(f)
	require.NoError(t, err)
	assert.InDelta(t, 1, v["pct"], 1e-9)

	f, err = m.EncodeFrame("CMD", map[string]float64{"pct": -7})
	require.NoError(t, err)
	_, v, err = m.DecodeFrame(f)
	require.NoError(t, err)
	assert.InDelta(t, -1, v["pct"], 1e-9)
}

func TestCodec_RejectsShortFrames(t *testing.T) {
	m := parse(t, "rx,0x300,STATE,10,4,a,0,32,little,true,1,0,0,0,0,,\n")
	_, _, err := m.DecodeFrame(can.Frame{ID: 0x300, Length: 2})
	assert.Error(t, err)
	_, _, err = m.DecodeFrame(can.Frame{ID: 0x301, Length: 4})
	assert.Error(t, err)
	_, err = m.EncodeFrame("MISSING", nil)
	assert.Error(t, err)
}

func TestBits(t *testing.T) {
	p := setBits(0, 4, 8, 0xAB)
	assert.Equal(t, uint64(0xAB0), p)
	assert.Equal(t, uint64(0xAB), getBits(p, 4, 8))
	assert.Equal(t, uint64(0xFFFFFFFFFFFFFFFF), getBits(^uint64(0), 0, 64))

	assert.Equal(t, int64(-1), signExtend(0xFF, 8, true))
	assert.Equal(t, int64(255), signExtend(0xFF, 8, false))
	assert.Equal(t, int64(-128), clampRaw(-1000, 8, true))
	assert.Equal(t, int64(0), clampRaw(-5, 8, false))
}

func TestParseLevel(t *testing.T) {
	lvl, err := ParseLevel("WARN")
	require.NoError(t, err)
	assert.Equal(t, "warn", lvl.String())

	_, err = ParseLevel("loud")
	assert.Error(t, err)
}
