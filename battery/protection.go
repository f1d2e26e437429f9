package battery

// Severity of a protection field: 0 ok, 1 warning, 2 alarm.
type Severity int

const (
	OK      Severity = 0
	Warning Severity = 1
	Alarm   Severity = 2
)

// Protection bits as reported in the JBD basic information response.
const (
	BitCellOvervoltage = 1 << iota
	BitCellUndervoltage
	BitPackOvervoltage
	BitPackUndervoltage
	BitChargeOvertemp
	BitChargeUndertemp
	BitDischargeOvertemp
	BitDischargeUndertemp
	BitChargeOvercurrent
	BitDischargeOvercurrent
	BitShortCircuit
	BitFrontEndError
	BitSoftwareLock
)

type Protection struct {
	VoltageHigh       Severity `json:"voltage_high"`
	VoltageLow        Severity `json:"voltage_low"`
	VoltageCellHigh   Severity `json:"voltage_cell_high"`
	VoltageCellLow    Severity `json:"voltage_cell_low"`
	CurrentOver       Severity `json:"current_over"`
	CurrentUnder      Severity `json:"current_under"`
	TempHighCharge    Severity `json:"temp_high_charge"`
	TempLowCharge     Severity `json:"temp_low_charge"`
	TempHighDischarge Severity `json:"temp_high_discharge"`
	TempLowDischarge  Severity `json:"temp_low_discharge"`
	SOCLow            Severity `json:"soc_low"`
	CellImbalance     Severity `json:"cell_imbalance"`
	InternalFailure   Severity `json:"internal_failure"`
}

type SOCThresholds struct {
	Warning float64 `mapstructure:"soc-low-warning"`
	Alarm   float64 `mapstructure:"soc-low-alarm"`
}

func sev(set bool, s Severity) Severity {
	if set {
		return s
	}
	return OK
}

// DecodeProtection maps the 13 protection bits and the state of charge onto
// severities. The result depends only on its inputs, so a severity can only
// drop when the bit behind it clears.
func DecodeProtection(bits uint16, soc float64, t SOCThresholds) Protection {
	has := func(mask uint16) bool { return bits&mask != 0 }
	p := Protection{
		VoltageCellHigh:   sev(has(BitCellOvervoltage), Alarm),
		VoltageCellLow:    sev(has(BitCellUndervoltage), Alarm),
		VoltageHigh:       sev(has(BitPackOvervoltage), Alarm),
		VoltageLow:        sev(has(BitPackUndervoltage), Alarm),
		TempHighCharge:    sev(has(BitChargeOvertemp), Warning),
		TempLowCharge:     sev(has(BitChargeUndertemp), Warning),
		TempHighDischarge: sev(has(BitDischargeOvertemp), Warning),
		TempLowDischarge:  sev(has(BitDischargeUndertemp), Warning),
		CurrentOver:       sev(has(BitChargeOvercurrent), Warning),
		CurrentUnder:      sev(has(BitDischargeOvercurrent), Warning),
		CellImbalance:     sev(has(BitCellOvervoltage|BitCellUndervoltage), Alarm),
		InternalFailure:   sev(has(BitShortCircuit|BitFrontEndError|BitSoftwareLock), Alarm),
	}
	switch {
	case soc < t.Alarm:
		p.SOCLow = Alarm
	case soc < t.Warning:
		p.SOCLow = Warning
	}
	return p
}

func maxSev(a, b Severity) Severity {
	if b > a {
		return b
	}
	return a
}

// Merge returns the per-field maximum of p and o.
func (p Protection) Merge(o Protection) Protection {
	return Protection{
		VoltageHigh:       maxSev(p.VoltageHigh, o.VoltageHigh),
		VoltageLow:        maxSev(p.VoltageLow, o.VoltageLow),
		VoltageCellHigh:   maxSev(p.VoltageCellHigh, o.VoltageCellHigh),
		VoltageCellLow:    maxSev(p.VoltageCellLow, o.VoltageCellLow),
		CurrentOver:       maxSev(p.CurrentOver, o.CurrentOver),
		CurrentUnder:      maxSev(p.CurrentUnder, o.CurrentUnder),
		TempHighCharge:    maxSev(p.TempHighCharge, o.TempHighCharge),
		TempLowCharge:     maxSev(p.TempLowCharge, o.TempLowCharge),
		TempHighDischarge: maxSev(p.TempHighDischarge, o.TempHighDischarge),
		TempLowDischarge:  maxSev(p.TempLowDischarge, o.TempLowDischarge),
		SOCLow:            maxSev(p.SOCLow, o.SOCLow),
		CellImbalance:     maxSev(p.CellImbalance, o.CellImbalance),
		InternalFailure:   maxSev(p.InternalFailure, o.InternalFailure),
	}
}

// Worst is the highest severity of any field.
func (p Protection) Worst() Severity {
	w := OK
	for _, s := range []Severity{
		p.VoltageHigh, p.VoltageLow, p.VoltageCellHigh, p.VoltageCellLow,
		p.CurrentOver, p.CurrentUnder, p.TempHighCharge, p.TempLowCharge,
		p.TempHighDischarge, p.TempLowDischarge, p.SOCLow, p.CellImbalance,
		p.InternalFailure,
	} {
		w = maxSev(w, s)
	}
	return w
}
