package btbattery

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheCacophonyProject/bms-controller/battery"
	"github.com/TheCacophonyProject/bms-controller/internal/config"
)

func TestParseDevice(t *testing.T) {
	tests := []struct {
		in   string
		want Device
		err  bool
	}{
		{in: "a4:c1:38:0a:1b:2c", want: Device{ID: "A4:C1:38:0A:1B:2C"}},
		{in: "a4:c1:38:0a:1b:2c:/etc/bms/one.ini", want: Device{ID: "A4:C1:38:0A:1B:2C", ConfigPath: "/etc/bms/one.ini"}},
		{in: "A4:C1:38:0A:1B:2C:c:weird", want: Device{ID: "A4:C1:38:0A:1B:2C", ConfigPath: "c:weird"}},
		{in: "/dev/ttyUSB0", want: Device{ID: "/dev/ttyUSB0", Serial: true}},
		{in: "/dev/ttyUSB0:/etc/bms/two.yaml", want: Device{ID: "/dev/ttyUSB0", ConfigPath: "/etc/bms/two.yaml", Serial: true}},
		{in: "A4:C1:38:0A:1B:2C:", err: true},
		{in: "/dev/ttyUSB0:", err: true},
		{in: "  ", err: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			d, err := ParseDevice(tt.in)
			if tt.err {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, d)
		})
	}
}

func TestParseDevices(t *testing.T) {
	_, err := ParseDevices(nil)
	require.ErrorIs(t, err, errNoDevices)

	devices, err := ParseDevices([]string{
		"00:00:00:00:00:01", "00:00:00:00:00:02", "00:00:00:00:00:01",
		"00:00:00:00:00:03", "00:00:00:00:00:04", "00:00:00:00:00:05",
	})
	require.NoError(t, err)
	require.Len(t, devices, MaxDevices)
	assert.Equal(t, "00:00:00:00:00:04", devices[3].ID)

	_, err = ParseDevices([]string{"00:00:00:00:00:01", "/dev/ttyUSB0:"})
	require.Error(t, err)
}

func TestProcArgs(t *testing.T) {
	args, err := procArgs([]string{"-p", "--config-dir", "/tmp/conf", "00:00:00:00:00:01", "00:00:00:00:00:02"})
	require.NoError(t, err)
	assert.True(t, args.Parallel)
	assert.Equal(t, "/tmp/conf", args.ConfigDir)
	assert.Equal(t, []string{"00:00:00:00:00:01", "00:00:00:00:00:02"}, args.Addresses)

	args, err = procArgs([]string{"00:00:00:00:00:01"})
	require.NoError(t, err)
	assert.False(t, args.Parallel)
	assert.Equal(t, config.DefaultConfigDir, args.ConfigDir)
	assert.Equal(t, "info", args.LogLevel)
}

type fakeBattery struct {
	mu       sync.Mutex
	id       string
	snap     battery.Snapshot
	online   bool
	panics   bool
	stopped  bool
	settings bool
}

func newFake(id string, voltage float64) *fakeBattery {
	return &fakeBattery{
		id:       id,
		online:   true,
		settings: true,
		snap: battery.Snapshot{
			ID:                  id,
			Online:              true,
			Voltage:             voltage,
			Current:             5,
			SOC:                 70,
			Capacity:            100,
			CapacityRemain:      70,
			CellCount:           4,
			ChargeFET:           true,
			DischargeFET:        true,
			MaxChargeCurrent:    50,
			MaxDischargeCurrent: 60,
			Cells: battery.Cells{
				{Voltage: voltage / 4, Valid: true},
				{Voltage: voltage / 4, Valid: true},
				{Voltage: voltage / 4, Valid: true},
				{Voltage: voltage / 4, Valid: true},
			},
		},
	}
}

func (f *fakeBattery) ID() string { return f.id }

func (f *fakeBattery) Settings(context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snap.Online = f.settings
	return f.settings
}

func (f *fakeBattery) Refresh() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panics {
		panic("refresh failed")
	}
	f.snap.Online = f.online
	return f.online
}

func (f *fakeBattery) Snapshot() battery.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap.Clone()
}

func (f *fakeBattery) Stop(time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
	return nil
}

func testConfig(t *testing.T) *config.Config {
	cfg := config.Default()
	cfg.CellMonitor.HistoryFile = filepath.Join(t.TempDir(), "history.json")
	return cfg
}

func treeValue(t *testing.T, c *Coordinator, path string) interface{} {
	t.Helper()
	v, ok := c.batteryTree.Value(path)
	require.True(t, ok, path)
	return v
}

func TestCoordinatorSingle(t *testing.T) {
	b := newFake("A4:C1:38:0A:1B:2C", 13.2)
	c, err := NewCoordinator(testConfig(t), []battery.Battery{b}, true, "1.0")
	require.NoError(t, err)
	assert.Same(t, b, c.Battery().(*fakeBattery))
	assert.Equal(t, "com.victronenergy.battery.A4C1380A1B2C", c.ServiceName())
	assert.Nil(t, c.virt)

	require.True(t, c.Settings(context.Background()))
	require.True(t, c.Tick())
	assert.Equal(t, 1, treeValue(t, c, "/Connected"))
	assert.Equal(t, 13.2, treeValue(t, c, "/Dc/0/Voltage"))
	assert.Equal(t, "BluetoothBattery(JBD)", treeValue(t, c, "/ProductName"))

	b.mu.Lock()
	b.online = false
	b.mu.Unlock()
	assert.False(t, c.Tick())
	assert.Equal(t, 0, treeValue(t, c, "/Connected"))
	assert.Nil(t, treeValue(t, c, "/Dc/0/Voltage"))

	require.NoError(t, c.Shutdown(time.Second))
	assert.True(t, b.stopped)
	require.NoError(t, c.Shutdown(time.Second))
}

func TestCoordinatorVirtual(t *testing.T) {
	a := newFake("00:00:00:00:00:01", 13.2)
	b := newFake("00:00:00:00:00:02", 13.2)
	c, err := NewCoordinator(testConfig(t), []battery.Battery{a, b}, false, "1.0")
	require.NoError(t, err)
	assert.Equal(t, "com.victronenergy.battery.virtual_parallel", c.ServiceName())

	require.True(t, c.Settings(context.Background()))
	require.True(t, c.Tick())
	assert.Equal(t, "Virtual Battery (parallel)", treeValue(t, c, "/ProductName"))
	assert.Equal(t, 10.0, treeValue(t, c, "/Dc/0/Current"))
	assert.Equal(t, 2, treeValue(t, c, "/Parallel/ActiveBatteries"))

	// A panicking member is excluded, the other keeps the bank online.
	b.mu.Lock()
	b.panics = true
	b.mu.Unlock()
	require.True(t, c.Tick())
	assert.Equal(t, 1, treeValue(t, c, "/Parallel/ActiveBatteries"))
	assert.Equal(t, 1, treeValue(t, c, "/System/NrOfModulesOffline"))

	require.NoError(t, c.Shutdown(time.Second))
	assert.True(t, a.stopped)
	assert.True(t, b.stopped)
}

func TestCoordinatorSettingsFail(t *testing.T) {
	b := newFake("00:00:00:00:00:01", 13.2)
	b.settings = false
	c, err := NewCoordinator(testConfig(t), []battery.Battery{b}, true, "1.0")
	require.NoError(t, err)
	assert.False(t, c.Settings(context.Background()))
}

func TestCoordinatorCellMonitor(t *testing.T) {
	b := newFake("00:00:00:00:00:01", 13.2)
	b.snap.Cells[0].Voltage = 3.6
	cfg := testConfig(t)
	c, err := NewCoordinator(cfg, []battery.Battery{b}, true, "1.0")
	require.NoError(t, err)
	require.True(t, c.Settings(context.Background()))

	c.Monitor().Start()
	require.Eventually(t, func() bool {
		return c.Monitor().AlertCount() > 0
	}, 2*time.Second, 10*time.Millisecond)
	c.Tick()

	v, ok := c.monitorTree.Value("/CellMonitor/Alerts/Count")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	require.NoError(t, c.Shutdown(time.Second))
	assert.FileExists(t, cfg.CellMonitor.HistoryFile)
}

func TestCoordinatorLoop(t *testing.T) {
	b := newFake("00:00:00:00:00:01", 13.2)
	c, err := NewCoordinator(testConfig(t), []battery.Battery{b}, true, "1.0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Loop(ctx, 5*time.Millisecond)
		close(done)
	}()
	require.Eventually(t, func() bool {
		v, _ := c.batteryTree.Value("/Connected")
		return v == 1
	}, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("loop did not stop")
	}
}

func TestNewCoordinatorNoMembers(t *testing.T) {
	_, err := NewCoordinator(testConfig(t), nil, true, "1.0")
	assert.True(t, errors.Is(err, errNoDevices))
}
