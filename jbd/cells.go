package jbd

import "encoding/binary"

// CellVoltages is the decoded 0x04 response. Invalid marks cells whose word
// was implausible (0 or 0xFFFF); their voltage is 0.
type CellVoltages struct {
	Volts   []float64
	Invalid []bool
}

// DecodeCells decodes count big-endian millivolt words. It fails as a whole
// when the payload is short so that no partial vector is ever returned.
func DecodeCells(p []byte, count int) (CellVoltages, error) {
	if count <= 0 {
		return CellVoltages{}, decodeErrorf(CmdCellInfo, "cell count %d", count)
	}
	if len(p) < 2*count {
		return CellVoltages{}, decodeErrorf(CmdCellInfo, "cell payload %d bytes, need %d for %d cells", len(p), 2*count, count)
	}
	cv := CellVoltages{
		Volts:   make([]float64, count),
		Invalid: make([]bool, count),
	}
	for i := 0; i < count; i++ {
		raw := binary.BigEndian.Uint16(p[2*i:])
		if raw == 0 || raw == 0xFFFF {
			cv.Invalid[i] = true
			continue
		}
		cv.Volts[i] = float64(raw) / 1000
	}
	return cv, nil
}
