package battery

import (
	"fmt"
	"time"
)

// Limits configures the charge control algorithm. Current fractions are
// multiplied by the battery's own maximum current.
type Limits struct {
	LinearLimitation bool `mapstructure:"linear-limitation"`

	MaxChargeCurrent    float64 `mapstructure:"max-charge-current"`
	MaxDischargeCurrent float64 `mapstructure:"max-discharge-current"`

	MinCellVoltage   float64       `mapstructure:"min-cell-voltage"`
	MaxCellVoltage   float64       `mapstructure:"max-cell-voltage"`
	FloatCellVoltage float64       `mapstructure:"float-cell-voltage"`
	MaxVoltageTime   time.Duration `mapstructure:"max-voltage-time"`
	SOCLevelToReset  float64       `mapstructure:"soc-level-to-reset"`

	CVCMEnable    bool `mapstructure:"cvcm-enable"`
	CCCMCVEnable  bool `mapstructure:"cccm-cv-enable"`
	DCCMCVEnable  bool `mapstructure:"dccm-cv-enable"`
	CCCMTEnable   bool `mapstructure:"cccm-t-enable"`
	DCCMTEnable   bool `mapstructure:"dccm-t-enable"`
	CCCMSOCEnable bool `mapstructure:"cccm-soc-enable"`
	DCCMSOCEnable bool `mapstructure:"dccm-soc-enable"`

	CellVoltagesCharging       []float64 `mapstructure:"cell-voltages-while-charging"`
	ChargeCurrentCVFraction    []float64 `mapstructure:"max-charge-current-cv-fraction"`
	CellVoltagesDischarging    []float64 `mapstructure:"cell-voltages-while-discharging"`
	DischargeCurrentCVFraction []float64 `mapstructure:"max-discharge-current-cv-fraction"`

	TempLimitsCharging        []float64 `mapstructure:"temperature-limits-while-charging"`
	ChargeCurrentTFraction    []float64 `mapstructure:"max-charge-current-t-fraction"`
	TempLimitsDischarging     []float64 `mapstructure:"temperature-limits-while-discharging"`
	DischargeCurrentTFraction []float64 `mapstructure:"max-discharge-current-t-fraction"`

	PenaltyAtCellVoltage  []float64 `mapstructure:"penalty-at-cell-voltage"`
	PenaltyBatteryVoltage []float64 `mapstructure:"penalty-battery-voltage"`

	// Charge current steps, LIMIT1 first (98%, 95%, 91% by default).
	CCSOCLimits          []float64 `mapstructure:"cc-soc-limits"`
	CCSOCCurrentFraction []float64 `mapstructure:"cc-soc-current-fraction"`
	// Discharge current steps, LIMIT1 first (10%, 20%, 30% by default).
	DCSOCLimits          []float64 `mapstructure:"dc-soc-limits"`
	DCSOCCurrentFraction []float64 `mapstructure:"dc-soc-current-fraction"`

	SOC SOCThresholds `mapstructure:",squash"`
}

func DefaultLimits() Limits {
	return Limits{
		LinearLimitation:    false,
		MaxChargeCurrent:    50,
		MaxDischargeCurrent: 60,

		MinCellVoltage:   2.9,
		MaxCellVoltage:   3.45,
		FloatCellVoltage: 3.375,
		MaxVoltageTime:   900 * time.Second,
		SOCLevelToReset:  90,

		CVCMEnable:    true,
		CCCMCVEnable:  true,
		DCCMCVEnable:  true,
		CCCMTEnable:   true,
		DCCMTEnable:   true,
		CCCMSOCEnable: true,
		DCCMSOCEnable: true,

		CellVoltagesCharging:       []float64{3.55, 3.50, 3.45, 3.30},
		ChargeCurrentCVFraction:    []float64{0, 0.05, 0.5, 1},
		CellVoltagesDischarging:    []float64{2.70, 2.80, 2.90, 3.10},
		DischargeCurrentCVFraction: []float64{0, 0.1, 0.5, 1},

		TempLimitsCharging:        []float64{0, 2, 5, 10, 15, 20, 35, 40, 55},
		ChargeCurrentTFraction:    []float64{0, 0.1, 0.2, 0.4, 0.8, 1, 1, 0.4, 0},
		TempLimitsDischarging:     []float64{-20, 0, 5, 10, 15, 45, 55},
		DischargeCurrentTFraction: []float64{0, 0.2, 0.3, 0.4, 1, 1, 0},

		PenaltyAtCellVoltage:  []float64{3.45, 3.55, 3.6},
		PenaltyBatteryVoltage: []float64{0.01, 1.0, 2.0},

		CCSOCLimits:          []float64{98, 95, 91},
		CCSOCCurrentFraction: []float64{0.1, 0.3, 0.5},
		DCSOCLimits:          []float64{10, 20, 30},
		DCSOCCurrentFraction: []float64{0.1, 0.3, 0.5},

		SOC: SOCThresholds{Warning: 20, Alarm: 10},
	}
}

// Validate checks that paired breakpoint lists line up and the voltages are
// ordered.
func (l Limits) Validate() error {
	pairs := []struct {
		name    string
		in, out []float64
	}{
		{"cell-voltages-while-charging", l.CellVoltagesCharging, l.ChargeCurrentCVFraction},
		{"cell-voltages-while-discharging", l.CellVoltagesDischarging, l.DischargeCurrentCVFraction},
		{"temperature-limits-while-charging", l.TempLimitsCharging, l.ChargeCurrentTFraction},
		{"temperature-limits-while-discharging", l.TempLimitsDischarging, l.DischargeCurrentTFraction},
		{"penalty-at-cell-voltage", l.PenaltyAtCellVoltage, l.PenaltyBatteryVoltage},
		{"cc-soc-limits", l.CCSOCLimits, l.CCSOCCurrentFraction},
		{"dc-soc-limits", l.DCSOCLimits, l.DCSOCCurrentFraction},
	}
	for _, p := range pairs {
		if len(p.in) == 0 || len(p.in) != len(p.out) {
			return fmt.Errorf("%s: %d breakpoints but %d values", p.name, len(p.in), len(p.out))
		}
	}
	if len(l.CCSOCLimits) != 3 || len(l.DCSOCLimits) != 3 {
		return fmt.Errorf("soc limits need exactly 3 steps")
	}
	if l.MinCellVoltage <= 0 || l.MinCellVoltage >= l.MaxCellVoltage {
		return fmt.Errorf("min-cell-voltage %.3f must be positive and below max-cell-voltage %.3f", l.MinCellVoltage, l.MaxCellVoltage)
	}
	if l.MaxChargeCurrent < 0 || l.MaxDischargeCurrent < 0 {
		return fmt.Errorf("max currents must not be negative")
	}
	if l.SOC.Alarm > l.SOC.Warning {
		return fmt.Errorf("soc-low-alarm %.0f is above soc-low-warning %.0f", l.SOC.Alarm, l.SOC.Warning)
	}
	return nil
}

func scale(fractions []float64, max float64) []float64 {
	out := make([]float64, len(fractions))
	for i, f := range fractions {
		out[i] = f * max
	}
	return out
}
