package jbd

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func generalPayload(temps ...uint16) []byte {
	p := make([]byte, 23)
	be := binary.BigEndian
	be.PutUint16(p[0:], 1325)   // 13.25V
	be.PutUint16(p[2:], 0xFF38) // -2.00A
	be.PutUint16(p[4:], 8000)   // 80Ah
	be.PutUint16(p[6:], 10000)  // 100Ah
	be.PutUint16(p[8:], 42)
	be.PutUint16(p[12:], 0x8001)
	be.PutUint16(p[14:], 0x0002)
	be.PutUint16(p[16:], 0x0004)
	p[18] = 0x21
	p[19] = 80
	p[20] = 0x02
	p[21] = 4
	p[22] = byte(len(temps))
	for _, t := range temps {
		p = be.AppendUint16(p, t)
	}
	return p
}

func TestRequests(t *testing.T) {
	require.Equal(t, []byte{0xdd, 0xa5, 0x03, 0x00, 0xff, 0xfd, 0x77}, RequestGeneralInfo)
	require.Equal(t, []byte{0xdd, 0xa5, 0x04, 0x00, 0xff, 0xfc, 0x77}, RequestCellInfo)
}

func TestEncodeParseFrame(t *testing.T) {
	payload := []byte{0x0c, 0xe4, 0x0c, 0xe5}
	b := Encode(CmdCellInfo, 0, payload)
	require.Len(t, b, FrameLen(len(payload)))

	f, err := ParseFrame(b)
	require.NoError(t, err)
	require.Equal(t, byte(CmdCellInfo), f.Cmd)
	require.True(t, f.OK())
	require.Equal(t, payload, f.Payload)
}

func TestParseFrameErrors(t *testing.T) {
	good := Encode(CmdGeneralInfo, 0, []byte{1, 2, 3})

	badChk := append([]byte{}, good...)
	badChk[len(badChk)-2]++
	badStop := append([]byte{}, good...)
	badStop[len(badStop)-1] = 0x00

	tests := map[string][]byte{
		"short":    {0xdd, 0x03},
		"checksum": badChk,
		"stop":     badStop,
		"length":   good[:len(good)-1],
	}
	for name, b := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseFrame(b)
			var de *DecodeError
			require.True(t, errors.As(err, &de), "got %v", err)
		})
	}
}

func TestDecodeGeneral(t *testing.T) {
	g, err := DecodeGeneral(generalPayload(2981, 3031), DecodeOptions{DefaultCapacity: 50})
	require.NoError(t, err)
	assert.InDelta(t, 13.25, g.Voltage, 1e-9)
	assert.InDelta(t, -2.0, g.Current, 1e-9)
	assert.InDelta(t, 80.0, g.CapacityRemain, 1e-9)
	assert.InDelta(t, 100.0, g.Capacity, 1e-9)
	assert.Equal(t, 42, g.Cycles)
	assert.Equal(t, "2.1", g.Version)
	assert.Equal(t, 80.0, g.SOC)
	assert.False(t, g.ChargeFET)
	assert.True(t, g.DischargeFET)
	assert.Equal(t, 4, g.CellCount)
	require.Len(t, g.Temperatures, 2)
	assert.InDelta(t, 25.0, g.Temperatures[0], 1e-9)
	assert.InDelta(t, 30.0, g.Temperatures[1], 1e-9)
	assert.Zero(t, g.MissingTemps)

	assert.Equal(t, []bool{true, false, false, false}, g.Balancing(4))
	bal := g.Balancing(18)
	assert.True(t, bal[15])
	assert.False(t, bal[16])
	assert.True(t, bal[17])
}

func TestDecodeGeneralOptions(t *testing.T) {
	p := generalPayload(2981, 2981)
	binary.BigEndian.PutUint16(p[6:], 0)
	g, err := DecodeGeneral(p, DecodeOptions{InvertCurrent: true, DefaultCapacity: 50})
	require.NoError(t, err)
	assert.InDelta(t, 2.0, g.Current, 1e-9)
	assert.Equal(t, 50.0, g.Capacity)
}

func TestDecodeGeneralShort(t *testing.T) {
	_, err := DecodeGeneral(generalPayload(2981), DecodeOptions{})
	var de *DecodeError
	require.True(t, errors.As(err, &de))
}

func TestDecodeGeneralMissingTemps(t *testing.T) {
	p := generalPayload(2981, 2981)
	p[22] = 4
	g, err := DecodeGeneral(p, DecodeOptions{})
	require.NoError(t, err)
	require.Len(t, g.Temperatures, 2)
	require.Equal(t, 2, g.MissingTemps)
}

func TestDecodeCells(t *testing.T) {
	p := []byte{0x0c, 0xe4, 0x0c, 0xe5, 0x00, 0x00, 0x0d, 0x05}
	cv, err := DecodeCells(p, 4)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{3.300, 3.301, 0, 3.333}, cv.Volts, 1e-9)
	assert.Equal(t, []bool{false, false, true, false}, cv.Invalid)
}

func TestDecodeCellsShortPayload(t *testing.T) {
	// Four cells declared, three present.
	cv, err := DecodeCells([]byte{0x0c, 0xe4, 0x0c, 0xe5, 0x0c, 0xe6}, 4)
	require.Error(t, err)
	require.Nil(t, cv.Volts)

	_, err = DecodeCells(nil, 0)
	require.Error(t, err)
}
