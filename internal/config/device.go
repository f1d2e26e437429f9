package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cast"
	"github.com/spf13/viper"

	"github.com/TheCacophonyProject/bms-controller/battery"
)

// Keys accepted in a per-battery file. The upper case INI names are read
// from the DEFAULT section.
var (
	chargeKeys    = []string{"max-charge-current", "default.max_battery_charge_current"}
	dischargeKeys = []string{"max-discharge-current", "default.max_battery_discharge_current"}
)

// LoadDevice applies a per-battery file to base. Only the maximum charge and
// discharge currents can be overridden. Files without an extension are read
// as INI.
func LoadDevice(path string, base battery.Limits) (battery.Limits, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if filepath.Ext(path) == "" {
		v.SetConfigType("ini")
	}
	if err := v.ReadInConfig(); err != nil {
		return base, &ConfigError{Section: path, Err: err}
	}

	out := base
	var err error
	if out.MaxChargeCurrent, err = lookupCurrent(v, chargeKeys, base.MaxChargeCurrent); err != nil {
		return base, &ConfigError{Section: path, Err: err}
	}
	if out.MaxDischargeCurrent, err = lookupCurrent(v, dischargeKeys, base.MaxDischargeCurrent); err != nil {
		return base, &ConfigError{Section: path, Err: err}
	}
	log.Infof("Applied limits from %s: charge %.1fA, discharge %.1fA", path, out.MaxChargeCurrent, out.MaxDischargeCurrent)
	return out, nil
}

func lookupCurrent(v *viper.Viper, keys []string, def float64) (float64, error) {
	for _, k := range keys {
		if !v.IsSet(k) {
			continue
		}
		f, err := cast.ToFloat64E(strings.TrimSpace(cast.ToString(v.Get(k))))
		if err != nil {
			return def, fmt.Errorf("%s: %w", k, err)
		}
		if f < 0 {
			return def, fmt.Errorf("%s: %.1f is negative", k, f)
		}
		return f, nil
	}
	return def, nil
}
