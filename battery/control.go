package battery

import (
	"math"
	"sync"
	"time"
)

// Controller computes the charge voltage and the charge/discharge current
// limits for one battery. It keeps the time spent at max voltage between
// calls, so each battery needs its own Controller.
type Controller struct {
	limits Limits
	nowFn  func() time.Time

	mu              sync.Mutex
	allowMaxVoltage bool
	maxVoltageStart time.Time
}

func NewController(l Limits) *Controller {
	return &Controller{
		limits:          l,
		nowFn:           time.Now,
		allowMaxVoltage: true,
	}
}

func (c *Controller) Limits() Limits {
	return c.limits
}

// Apply runs both the voltage and current control on s.
func (c *Controller) Apply(s *Snapshot) {
	c.ChargeVoltage(s)
	c.ChargeCurrent(s)
}

// ChargeVoltage sets s.ControlVoltage. While max voltage is allowed the
// target is the max cell voltage times the cell count less a penalty for
// every cell above the first penalty breakpoint. After MaxVoltageTime at that
// level the target drops to float until the SOC falls below SOCLevelToReset.
func (c *Controller) ChargeVoltage(s *Snapshot) {
	l := c.limits
	s.HasControl = true
	if !l.CVCMEnable {
		s.ControlVoltage = s.MaxBatteryVoltage
		return
	}

	var voltageSum, penalty float64
	for _, cell := range s.Cells {
		if !cell.Valid {
			continue
		}
		voltageSum += cell.Voltage
		if len(l.PenaltyAtCellVoltage) > 0 && cell.Voltage > l.PenaltyAtCellVoltage[0] {
			penalty += LinearRelationship(cell.Voltage, l.PenaltyAtCellVoltage, l.PenaltyBatteryVoltage)
		}
	}
	cells := float64(s.CellCount)

	c.mu.Lock()
	now := c.nowFn()
	if c.maxVoltageStart.IsZero() {
		if l.MaxCellVoltage*cells <= voltageSum && c.allowMaxVoltage {
			c.maxVoltageStart = now
		} else if s.SOC < l.SOCLevelToReset && !c.allowMaxVoltage {
			c.allowMaxVoltage = true
		}
	} else if now.Sub(c.maxVoltageStart) > l.MaxVoltageTime {
		c.maxVoltageStart = time.Time{}
		c.allowMaxVoltage = false
	}
	allow := c.allowMaxVoltage
	c.mu.Unlock()

	if allow {
		s.ControlVoltage = math.Max(l.MaxCellVoltage*cells-penalty, s.MinBatteryVoltage)
	} else {
		s.ControlVoltage = l.FloatCellVoltage * cells
	}
}

// ChargeCurrent sets the control currents to the lowest of the static
// maximum and every enabled limiter, and the allow flags from the result.
func (c *Controller) ChargeCurrent(s *Snapshot) {
	l := c.limits
	s.HasControl = true

	charge := []float64{s.MaxChargeCurrent}
	if l.CCCMCVEnable {
		charge = append(charge, c.chargeByCellVoltage(s))
	}
	if l.CCCMTEnable {
		charge = append(charge, c.chargeByTemperature(s))
	}
	if l.CCCMSOCEnable {
		charge = append(charge, c.chargeBySOC(s))
	}

	discharge := []float64{s.MaxDischargeCurrent}
	if l.DCCMCVEnable {
		discharge = append(discharge, c.dischargeByCellVoltage(s))
	}
	if l.DCCMTEnable {
		discharge = append(discharge, c.dischargeByTemperature(s))
	}
	if l.DCCMSOCEnable {
		discharge = append(discharge, c.dischargeBySOC(s))
	}

	s.ControlChargeCurrent = minOf(charge)
	s.ControlDischargeCurrent = minOf(discharge)
	s.AllowCharge = s.ControlChargeCurrent > 0
	s.AllowDischarge = s.ControlDischargeCurrent > 0
}

func minOf(v []float64) float64 {
	m := v[0]
	for _, x := range v[1:] {
		m = math.Min(m, x)
	}
	return m
}

func (c *Controller) relationship(v float64, in, out []float64, returnLower bool) float64 {
	if c.limits.LinearLimitation {
		return LinearRelationship(v, in, out)
	}
	return StepRelationship(v, in, out, returnLower)
}

func (c *Controller) chargeByCellVoltage(s *Snapshot) float64 {
	st, ok := s.Cells.Stats()
	if !ok {
		return s.MaxChargeCurrent
	}
	return c.relationship(st.Max, c.limits.CellVoltagesCharging,
		scale(c.limits.ChargeCurrentCVFraction, s.MaxChargeCurrent), false)
}

func (c *Controller) dischargeByCellVoltage(s *Snapshot) float64 {
	st, ok := s.Cells.Stats()
	if !ok {
		return s.MaxDischargeCurrent
	}
	return c.relationship(st.Min, c.limits.CellVoltagesDischarging,
		scale(c.limits.DischargeCurrentCVFraction, s.MaxDischargeCurrent), true)
}

// Temperature limits use the worse of the hottest and coldest sensor.
func (c *Controller) byTemperature(s *Snapshot, max float64, in, fractions []float64, returnLower bool) float64 {
	lo, ok := s.MinTemp()
	if !ok {
		return max
	}
	hi, _ := s.MaxTemp()
	out := scale(fractions, max)
	return math.Min(
		c.relationship(lo, in, out, returnLower),
		c.relationship(hi, in, out, returnLower),
	)
}

func (c *Controller) chargeByTemperature(s *Snapshot) float64 {
	return c.byTemperature(s, s.MaxChargeCurrent, c.limits.TempLimitsCharging, c.limits.ChargeCurrentTFraction, false)
}

func (c *Controller) dischargeByTemperature(s *Snapshot) float64 {
	return c.byTemperature(s, s.MaxDischargeCurrent, c.limits.TempLimitsDischarging, c.limits.DischargeCurrentTFraction, true)
}

// chargeBySOC reduces the charge current as the pack gets full: above
// LIMIT1 the first fraction applies, above LIMIT2 the second and so on.
func (c *Controller) chargeBySOC(s *Snapshot) float64 {
	lim := c.limits.CCSOCLimits
	cur := scale(c.limits.CCSOCCurrentFraction, s.MaxChargeCurrent)
	if len(lim) != 3 || len(cur) != 3 {
		return s.MaxChargeCurrent
	}
	if c.limits.LinearLimitation {
		if s.SOC <= lim[2] {
			return s.MaxChargeCurrent
		}
		return LinearRelationship(s.SOC, lim, cur)
	}
	for i := range lim {
		if s.SOC > lim[i] {
			return cur[i]
		}
	}
	return s.MaxChargeCurrent
}

// dischargeBySOC reduces the discharge current as the pack empties.
func (c *Controller) dischargeBySOC(s *Snapshot) float64 {
	lim := c.limits.DCSOCLimits
	cur := scale(c.limits.DCSOCCurrentFraction, s.MaxDischargeCurrent)
	if len(lim) != 3 || len(cur) != 3 {
		return s.MaxDischargeCurrent
	}
	if c.limits.LinearLimitation {
		if s.SOC >= lim[2] {
			return s.MaxDischargeCurrent
		}
		return LinearRelationship(s.SOC, lim, cur)
	}
	for i := range lim {
		if s.SOC < lim[i] {
			return cur[i]
		}
	}
	return s.MaxDischargeCurrent
}
