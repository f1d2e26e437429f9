// Package battery holds the data model shared by physical and virtual
// batteries: snapshots, cell vectors, protection severities and the charge
// control algorithm.
package battery

import (
	"context"
	"math"
	"time"
)

// Battery is implemented by a single BMS link and by a virtual aggregate of
// several of them.
type Battery interface {
	ID() string
	// Settings performs the initial handshake. It returns false when no data
	// arrived in time; the battery keeps trying in the background.
	Settings(ctx context.Context) bool
	// Refresh updates the snapshot from the latest data and reports whether
	// the battery is online.
	Refresh() bool
	Snapshot() Snapshot
	Stop(timeout time.Duration) error
}

// Snapshot is a point-in-time copy of a battery. It never shares memory with
// the battery that produced it.
type Snapshot struct {
	ID     string    `json:"id"`
	Online bool      `json:"online"`
	At     time.Time `json:"updated_at"`

	Voltage        float64 `json:"voltage"`
	Current        float64 `json:"current"`
	SOC            float64 `json:"soc"`
	Capacity       float64 `json:"capacity"`
	CapacityRemain float64 `json:"capacity_remain"`
	Cycles         int     `json:"cycles"`
	Version        string  `json:"version,omitempty"`

	CellCount    int       `json:"cell_count"`
	Cells        Cells     `json:"cells"`
	ChargeFET    bool      `json:"charge_fet"`
	DischargeFET bool      `json:"discharge_fet"`
	Temperatures []float64 `json:"temperatures"`

	Protection Protection `json:"protection"`

	MinBatteryVoltage       float64 `json:"min_battery_voltage"`
	MaxBatteryVoltage       float64 `json:"max_battery_voltage"`
	MaxChargeCurrent        float64 `json:"max_charge_current"`
	MaxDischargeCurrent     float64 `json:"max_discharge_current"`
	HasControl              bool    `json:"has_control"`
	ControlVoltage          float64 `json:"control_voltage"`
	ControlChargeCurrent    float64 `json:"control_charge_current"`
	ControlDischargeCurrent float64 `json:"control_discharge_current"`
	AllowCharge             bool    `json:"allow_charge"`
	AllowDischarge          bool    `json:"allow_discharge"`
}

func (s Snapshot) Clone() Snapshot {
	s.Cells = s.Cells.Clone()
	if s.Temperatures != nil {
		s.Temperatures = append([]float64(nil), s.Temperatures...)
	}
	return s
}

// Temp1 is the first temperature sensor.
func (s Snapshot) Temp1() (float64, bool) {
	if len(s.Temperatures) < 1 {
		return 0, false
	}
	return s.Temperatures[0], true
}

// Temp2 is the second temperature sensor.
func (s Snapshot) Temp2() (float64, bool) {
	if len(s.Temperatures) < 2 {
		return 0, false
	}
	return s.Temperatures[1], true
}

func (s Snapshot) MinTemp() (float64, bool) {
	if len(s.Temperatures) == 0 {
		return 0, false
	}
	m := s.Temperatures[0]
	for _, t := range s.Temperatures[1:] {
		if t < m {
			m = t
		}
	}
	return m, true
}

func (s Snapshot) MaxTemp() (float64, bool) {
	if len(s.Temperatures) == 0 {
		return 0, false
	}
	m := s.Temperatures[0]
	for _, t := range s.Temperatures[1:] {
		if t > m {
			m = t
		}
	}
	return m, true
}

// AvgTemp is the mean of the first two sensors.
func (s Snapshot) AvgTemp() (float64, bool) {
	t1, ok1 := s.Temp1()
	t2, ok2 := s.Temp2()
	switch {
	case ok1 && ok2:
		return (t1 + t2) / 2, true
	case ok1:
		return t1, true
	}
	return 0, false
}

// TimeToSOC estimates how long the present current takes to move the state
// of charge to target. It is false when the battery is moving away from the
// target or already there.
func (s Snapshot) TimeToSOC(target float64) (time.Duration, bool) {
	if s.Current == 0 || s.Capacity <= 0 || s.SOC == target {
		return 0, false
	}
	perSecond := math.Abs(s.Current/(s.Capacity/100)) / 3600
	diff := s.SOC - target
	if s.Current > 0 {
		diff = target - s.SOC
	}
	if diff <= 0 {
		return 0, false
	}
	return time.Duration(diff / perSecond * float64(time.Second)).Round(time.Second), true
}

func (s Snapshot) Power() float64 {
	return s.Voltage * s.Current
}

func (s Snapshot) ConsumedAh() float64 {
	return s.Capacity - s.CapacityRemain
}
