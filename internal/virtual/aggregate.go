package virtual

import (
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/TheCacophonyProject/bms-controller/battery"
)

// aggregate builds a new snapshot from the online members. It does not
// touch the controller, so the same input always gives the same output.
func aggregate(snaps []battery.Snapshot, series bool, cfg Config, l battery.Limits) Snapshot {
	next := Snapshot{Series: series, Active: len(snaps)}
	s := &next.Snapshot
	s.Online = true

	var voltages, currents, capacities, socs []float64
	var capRemain, socWeights []float64
	for _, m := range snaps {
		voltages = append(voltages, m.Voltage)
		currents = append(currents, m.Current)
		if m.Capacity > 0 {
			capacities = append(capacities, m.Capacity)
		}
		// A parallel member without a known capacity cannot weigh its SOC.
		if series || m.Capacity > 0 {
			socs = append(socs, m.SOC)
			socWeights = append(socWeights, m.Capacity)
		}
		capRemain = append(capRemain, m.CapacityRemain)
		s.Cycles = max(s.Cycles, m.Cycles)
		s.Protection = s.Protection.Merge(m.Protection)
		if m.At.After(s.At) {
			s.At = m.At
		}
	}

	s.ChargeFET, s.DischargeFET = series, series
	for _, m := range snaps {
		if series {
			s.ChargeFET = s.ChargeFET && m.ChargeFET
			s.DischargeFET = s.DischargeFET && m.DischargeFET
		} else {
			s.ChargeFET = s.ChargeFET || m.ChargeFET
			s.DischargeFET = s.DischargeFET || m.DischargeFET
		}
	}

	if series {
		s.Voltage = sum(voltages)
		s.Current = sum(currents) / float64(len(currents))
		if len(capacities) > 0 {
			s.Capacity = minimum(capacities)
		}
		s.CapacityRemain = minimum(capRemain)
		if len(socs) > 0 {
			s.SOC = minimum(socs)
		}
		for _, m := range snaps {
			s.CellCount += m.CellCount
			s.Cells = append(s.Cells, m.Cells.Clone()...)
		}
	} else {
		s.Voltage = sum(voltages) / float64(len(voltages))
		s.Current = sum(currents)
		s.Capacity = sum(capacities)
		s.CapacityRemain = sum(capRemain)
		s.SOC = weightedSOC(socs, socWeights)
		for _, m := range snaps {
			if m.CellCount > 0 {
				s.CellCount = m.CellCount
				break
			}
		}
		// Parallel members share a cell layout; the first one with data
		// stands for the bank.
		for _, m := range snaps {
			if len(m.Cells) > 0 {
				s.Cells = m.Cells.Clone()
				break
			}
		}
		detectImbalance(&next, voltages, currents, socs, cfg)
	}

	s.Temperatures = temperatures(snaps)

	if s.CellCount > 0 {
		s.MaxBatteryVoltage = l.MaxCellVoltage * float64(s.CellCount)
		s.MinBatteryVoltage = l.MinCellVoltage * float64(s.CellCount)
	}

	if next.VoltageImbalance || next.CurrentImbalance || next.SOCImbalance {
		s.Protection.CellImbalance = max(s.Protection.CellImbalance, battery.Warning)
	}
	return next
}

// weightedSOC weighs each SOC by its pack's capacity. Without any weight
// it falls back to the plain mean.
func weightedSOC(socs, weights []float64) float64 {
	if len(socs) == 0 {
		return 0
	}
	total := sum(weights)
	if total <= 0 {
		return sum(socs) / float64(len(socs))
	}
	return floats.Dot(socs, weights) / total
}

func detectImbalance(next *Snapshot, voltages, currents, socs []float64, cfg Config) {
	if len(voltages) > 1 {
		spread := maximum(voltages) - minimum(voltages)
		if spread > cfg.VoltageImbalanceThreshold {
			next.VoltageImbalance = true
			log.Warnf("Voltage imbalance between parallel batteries: %.3fV", spread)
		}
	}
	if len(currents) > 1 {
		hi, lo := maximum(currents), minimum(currents)
		if hi > cfg.CurrentImbalanceMin && math.Abs(hi-lo)/hi > cfg.CurrentImbalanceRatio {
			next.CurrentImbalance = true
			log.Warnf("Current imbalance between parallel batteries: min=%.1fA, max=%.1fA", lo, hi)
		}
	}
	if cfg.SOCImbalanceDetection && len(socs) > 1 {
		spread := maximum(socs) - minimum(socs)
		if spread > cfg.SOCImbalanceThreshold {
			next.SOCImbalance = true
			log.Warnf("SOC imbalance between parallel batteries: %.1f%%", spread)
		}
	}
}

// control fills in the charge voltage and current limits of next.
// v.mu must be held.
func (v *Virtual) control(next *Snapshot, snaps []battery.Snapshot) {
	s := &next.Snapshot
	s.HasControl = true

	switch {
	case len(s.Cells) == 0:
		log.Warn("No cell data available for voltage management")
		s.ControlVoltage = s.MaxBatteryVoltage
	case !v.series && (next.VoltageImbalance || next.SOCImbalance):
		s.ControlVoltage = math.Max(s.Voltage, s.MinBatteryVoltage)
		adjustment := v.cfg.CellVoltageStep * float64(s.CellCount)
		if s.ControlVoltage > s.MinBatteryVoltage+adjustment {
			s.ControlVoltage -= adjustment
			log.Infof("Reducing charge voltage due to imbalance: %.2fV", s.ControlVoltage)
		}
	default:
		v.ctrl.ChargeVoltage(s)
	}

	if v.series {
		v.ctrl.ChargeCurrent(s)
		return
	}

	var charge, discharge []float64
	for _, m := range snaps {
		if m.HasControl {
			charge = append(charge, m.ControlChargeCurrent)
			discharge = append(discharge, m.ControlDischargeCurrent)
		} else {
			charge = append(charge, m.MaxChargeCurrent)
			discharge = append(discharge, m.MaxDischargeCurrent)
		}
	}
	s.ControlChargeCurrent = s.MaxChargeCurrent
	s.ControlDischargeCurrent = s.MaxDischargeCurrent
	if len(charge) > 0 {
		s.ControlChargeCurrent = sum(charge)
		s.ControlDischargeCurrent = sum(discharge)
	}

	if len(charge) > 1 {
		hi, lo := maximum(charge), minimum(charge)
		if hi > 0 && (hi-lo)/hi > v.cfg.ControlImbalanceRatio {
			next.CurrentImbalance = true
			log.Warnf("Charge current imbalance: min=%.1fA, max=%.1fA", lo, hi)
			if next.VoltageImbalance {
				s.ControlChargeCurrent *= v.cfg.ImbalanceDerate
				log.Infof("Reducing charge current due to imbalance: %.1fA", s.ControlChargeCurrent)
			}
		}
	}
	s.AllowCharge = s.ControlChargeCurrent > 0
	s.AllowDischarge = s.ControlDischargeCurrent > 0
}
