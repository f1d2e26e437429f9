package battery

import (
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Cell is one reading from a BMS. Voltage is only meaningful when Valid.
type Cell struct {
	Voltage   float64 `json:"voltage"`
	Valid     bool    `json:"valid"`
	Balancing bool    `json:"balancing"`
}

// Cells is the ordered cell vector of a pack. Aggregates always hold a Clone
// so that a later refresh of the source never changes them.
type Cells []Cell

type CellStats struct {
	Min      float64
	Max      float64
	Avg      float64
	Spread   float64
	MinIndex int
	MaxIndex int
	Count    int
}

func (c Cells) Clone() Cells {
	if c == nil {
		return nil
	}
	out := make(Cells, len(c))
	copy(out, c)
	return out
}

// Voltage returns the voltage of cell i, false when out of range or invalid.
func (c Cells) Voltage(i int) (float64, bool) {
	if i < 0 || i >= len(c) || !c[i].Valid {
		return 0, false
	}
	return c[i].Voltage, true
}

// Voltages returns the valid voltages in cell order.
func (c Cells) Voltages() []float64 {
	v := make([]float64, 0, len(c))
	for _, cell := range c {
		if cell.Valid {
			v = append(v, cell.Voltage)
		}
	}
	return v
}

func (c Cells) Sum() float64 {
	return floats.Sum(c.Voltages())
}

func (c Cells) AnyBalancing() bool {
	for _, cell := range c {
		if cell.Balancing {
			return true
		}
	}
	return false
}

// Stats computes min, max, avg and spread over the valid cells. The indexes
// refer to positions in c. It returns false when no cell is valid.
func (c Cells) Stats() (CellStats, bool) {
	v := c.Voltages()
	if len(v) == 0 {
		return CellStats{}, false
	}
	idx := make([]int, 0, len(v))
	for i, cell := range c {
		if cell.Valid {
			idx = append(idx, i)
		}
	}
	minI, maxI := floats.MinIdx(v), floats.MaxIdx(v)
	s := CellStats{
		Min:      v[minI],
		Max:      v[maxI],
		Avg:      stat.Mean(v, nil),
		MinIndex: idx[minI],
		MaxIndex: idx[maxI],
		Count:    len(v),
	}
	s.Spread = s.Max - s.Min
	return s, true
}
