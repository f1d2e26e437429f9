package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheCacophonyProject/bms-controller/battery"
	"github.com/TheCacophonyProject/bms-controller/internal/link"
)

func writeConfig(t *testing.T, dir, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ConfigFileName), []byte(content), 0644))
}

func TestLoadMissingFile(t *testing.T) {
	c, err := Load(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, Default(), c)

	c, err = Load(filepath.Join(t.TempDir(), "missing"))
	require.NoError(t, err)
	assert.Equal(t, Default(), c)
}

func TestLoadWithoutOwnSections(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "[windows]\nstart-recording = \"-30m\"\n")
	c, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, Default(), c)
}

func TestLoadOverrides(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `
[thermal-recorder]
use-low-power-mode = true

[bms-controller.limits]
max-charge-current = 70
cc-soc-limits = [99, 97, 93]
soc-low-warning = 25

[bms-controller.link]
poll-interval = "2s"
watchdog-action = "reboot"

[bms-controller.virtual]
soc-imbalance-detection = false

[bms-controller.cell-monitor]
alert-threshold = 0.15
sample-interval = "30s"

[bms-controller.dbus]
time-to-soc-points = [100, 0]

[bms-controller.mqtt]
enabled = true
broker = "tcp://broker:1883"
`)
	c, err := Load(dir)
	require.NoError(t, err)

	def := Default()
	assert.Equal(t, 70.0, c.Limits.MaxChargeCurrent)
	assert.Equal(t, def.Limits.MaxDischargeCurrent, c.Limits.MaxDischargeCurrent)
	assert.Equal(t, []float64{99, 97, 93}, c.Limits.CCSOCLimits)
	assert.Equal(t, 25.0, c.Limits.SOC.Warning)
	assert.Equal(t, def.Limits.SOC.Alarm, c.Limits.SOC.Alarm)
	assert.Equal(t, 2*time.Second, c.Link.PollInterval)
	assert.Equal(t, link.WatchdogReboot, c.Link.WatchdogAction)
	assert.Equal(t, def.Link.ReconnectDelay, c.Link.ReconnectDelay)
	assert.False(t, c.Virtual.SOCImbalanceDetection)
	assert.Equal(t, 0.15, c.CellMonitor.AlertThreshold)
	assert.Equal(t, 30*time.Second, c.CellMonitor.SampleInterval)
	assert.Equal(t, []int{100, 0}, c.DBus.TimeToSOCPoints)
	assert.True(t, c.MQTT.Enabled)
	assert.Equal(t, "tcp://broker:1883", c.MQTT.Broker)
	assert.Equal(t, def.Metrics, c.Metrics)
}

func TestLoadShorterListReplacesDefault(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `
[bms-controller.limits]
penalty-at-cell-voltage = [3.5]
penalty-battery-voltage = [0.5]
`)
	c, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, []float64{3.5}, c.Limits.PenaltyAtCellVoltage)
	assert.Equal(t, []float64{0.5}, c.Limits.PenaltyBatteryVoltage)
}

func TestLoadInvalidSectionFallsBack(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `
[bms-controller]
metrics = "on"

[bms-controller.limits]
min-cell-voltage = 4.0

[bms-controller.link]
watchdog-action = "explode"

[bms-controller.virtual]
voltage-imbalance-threshold = "not-a-number"

[bms-controller.cell-monitor]
alert-threshold = 0.5
unknown-key = 1

[bms-controller.dbus]
time-to-go-soc = 20
`)
	c, err := Load(dir)
	require.Error(t, err)

	def := Default()
	assert.Equal(t, def.Limits, c.Limits)
	assert.Equal(t, def.Link, c.Link)
	assert.Equal(t, def.Virtual, c.Virtual)
	assert.Equal(t, def.CellMonitor, c.CellMonitor)
	assert.Equal(t, 20.0, c.DBus.TimeToGoSOC)

	var ce *ConfigError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, def.Metrics, c.Metrics)
	for _, s := range []string{"limits", "link", "virtual", "cell-monitor", "metrics"} {
		assert.Contains(t, err.Error(), `"`+s+`"`)
	}
	assert.NotContains(t, err.Error(), `"dbus"`)
}

func TestLoadUnreadableFile(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "[bms-controller.limits\nmax-charge-current = ")
	c, err := Load(dir)
	var ce *ConfigError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, Default(), c)
}

func TestLoadDevice(t *testing.T) {
	dir := t.TempDir()
	base := battery.DefaultLimits()

	ini := filepath.Join(dir, "battery1")
	require.NoError(t, os.WriteFile(ini, []byte("[DEFAULT]\nMAX_BATTERY_CHARGE_CURRENT = 35\n"), 0644))
	l, err := LoadDevice(ini, base)
	require.NoError(t, err)
	assert.Equal(t, 35.0, l.MaxChargeCurrent)
	assert.Equal(t, base.MaxDischargeCurrent, l.MaxDischargeCurrent)

	yml := filepath.Join(dir, "battery2.yaml")
	require.NoError(t, os.WriteFile(yml, []byte("max-charge-current: 20\nmax-discharge-current: 25\n"), 0644))
	l, err = LoadDevice(yml, base)
	require.NoError(t, err)
	assert.Equal(t, 20.0, l.MaxChargeCurrent)
	assert.Equal(t, 25.0, l.MaxDischargeCurrent)

	bad := filepath.Join(dir, "battery3.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("max-charge-current: lots\n"), 0644))
	l, err = LoadDevice(bad, base)
	require.Error(t, err)
	assert.Equal(t, base, l)

	l, err = LoadDevice(filepath.Join(dir, "missing.yaml"), base)
	require.Error(t, err)
	assert.Equal(t, base, l)
}

func TestDiff(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "[bms-controller.link]\npoll-interval = \"2s\"\n")
	c, err := Load(dir)
	require.NoError(t, err)

	diff, err := Diff(c, dir)
	require.NoError(t, err)
	assert.Empty(t, diff)

	writeConfig(t, dir, "[bms-controller.link]\npoll-interval = \"3s\"\n")
	diff, err = Diff(c, dir)
	require.NoError(t, err)
	assert.Contains(t, diff, "PollInterval")
}
