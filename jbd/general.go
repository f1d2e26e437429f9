package jbd

import (
	"encoding/binary"
	"fmt"
)

const (
	MinGeneralPayload = 27

	kelvinOffset = 273.1
)

// General is the decoded "basic information" (0x03) response.
type General struct {
	Voltage        float64
	Current        float64
	CapacityRemain float64
	Capacity       float64
	Cycles         int
	Production     uint16
	BalanceLow     uint16
	BalanceHigh    uint16
	Protection     uint16
	Version        string
	SOC            float64
	ChargeFET      bool
	DischargeFET   bool
	CellCount      int
	Temperatures   []float64
	// MissingTemps counts declared sensors whose words were not in the payload.
	MissingTemps int
}

type DecodeOptions struct {
	// InvertCurrent multiplies the current sign by -1 when set.
	InvertCurrent bool
	// DefaultCapacity is used when the BMS reports a capacity of zero.
	DefaultCapacity float64
}

// DecodeGeneral decodes a 0x03 payload.
func DecodeGeneral(p []byte, opts DecodeOptions) (General, error) {
	if len(p) < MinGeneralPayload {
		return General{}, decodeErrorf(CmdGeneralInfo, "general payload too short: %d < %d", len(p), MinGeneralPayload)
	}
	be := binary.BigEndian
	g := General{
		Voltage:        float64(be.Uint16(p[0:])) / 100,
		Current:        float64(int16(be.Uint16(p[2:]))) / 100,
		CapacityRemain: float64(be.Uint16(p[4:])) / 100,
		Capacity:       float64(be.Uint16(p[6:])) / 100,
		Cycles:         int(be.Uint16(p[8:])),
		Production:     be.Uint16(p[10:]),
		BalanceLow:     be.Uint16(p[12:]),
		BalanceHigh:    be.Uint16(p[14:]),
		Protection:     be.Uint16(p[16:]),
		Version:        fmt.Sprintf("%d.%d", p[18]>>4, p[18]&0x0F),
		SOC:            float64(p[19]),
		ChargeFET:      p[20]&0x01 != 0,
		DischargeFET:   p[20]&0x02 != 0,
		CellCount:      int(p[21]),
	}
	if opts.InvertCurrent {
		g.Current = -g.Current
	}
	if g.Capacity == 0 {
		g.Capacity = opts.DefaultCapacity
	}

	sensors := int(p[22])
	for t := 0; t < sensors; t++ {
		off := 23 + 2*t
		if off+2 > len(p) {
			g.MissingTemps = sensors - t
			break
		}
		raw := float64(be.Uint16(p[off:]))
		g.Temperatures = append(g.Temperatures, raw/10-kelvinOffset)
	}
	return g, nil
}

// Balancing reports the balancer state of each of n cells. Cells 0-15 come
// from the low word, 16 and up from the high word.
func (g General) Balancing(n int) []bool {
	out := make([]bool, n)
	for i := range out {
		if i < 16 {
			out[i] = g.BalanceLow&(1<<uint(i)) != 0
		} else if i < 32 {
			out[i] = g.BalanceHigh&(1<<uint(i-16)) != 0
		}
	}
	return out
}
