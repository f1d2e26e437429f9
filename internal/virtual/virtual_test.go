package virtual

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheCacophonyProject/bms-controller/battery"
)

type fakeBattery struct {
	mu      sync.Mutex
	id      string
	snap    battery.Snapshot
	fail    bool
	panics  bool
	stopErr error
	stopped bool
}

func (f *fakeBattery) ID() string { return f.id }

func (f *fakeBattery) Settings(ctx context.Context) bool { return f.Refresh() }

func (f *fakeBattery) Refresh() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panics {
		panic("bad battery")
	}
	return !f.fail && f.snap.Online
}

func (f *fakeBattery) Snapshot() battery.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap.Clone()
}

func (f *fakeBattery) Stop(timeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
	return f.stopErr
}

func (f *fakeBattery) set(fn func(s *battery.Snapshot)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(&f.snap)
}

func cells(v ...float64) battery.Cells {
	c := make(battery.Cells, len(v))
	for i, x := range v {
		c[i] = battery.Cell{Voltage: x, Valid: true}
	}
	return c
}

func member(id string, voltage float64) *fakeBattery {
	return &fakeBattery{id: id, snap: battery.Snapshot{
		ID:                  id,
		Online:              true,
		At:                  time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		Voltage:             voltage,
		Current:             2,
		SOC:                 60,
		Capacity:            100,
		CapacityRemain:      60,
		Cycles:              10,
		CellCount:           4,
		Cells:               cells(3.30, 3.30, 3.31, 3.29),
		ChargeFET:           true,
		DischargeFET:        true,
		Temperatures:        []float64{21, 23},
		MaxChargeCurrent:    50,
		MaxDischargeCurrent: 60,
	}}
}

func newVirtual(t *testing.T, series bool, members ...*fakeBattery) *Virtual {
	bs := make([]battery.Battery, len(members))
	for i, m := range members {
		bs[i] = m
	}
	v, err := New(bs, series, DefaultConfig(), battery.DefaultLimits())
	require.NoError(t, err)
	return v
}

func TestNewRejectsEmptyAndNested(t *testing.T) {
	_, err := New(nil, true, DefaultConfig(), battery.DefaultLimits())
	require.ErrorIs(t, err, ErrNoMembers)

	inner := newVirtual(t, true, member("a", 13.2))
	_, err = New([]battery.Battery{inner}, false, DefaultConfig(), battery.DefaultLimits())
	require.ErrorIs(t, err, ErrNested)
}

func TestIDs(t *testing.T) {
	assert.Equal(t, "virtual_series", newVirtual(t, true, member("a", 1)).ID())
	assert.Equal(t, "virtual_parallel", newVirtual(t, false, member("a", 1)).ID())
}

func TestSeriesAggregation(t *testing.T) {
	a, b, c := member("a", 13.1), member("b", 13.25), member("c", 13.4)
	b.set(func(s *battery.Snapshot) {
		s.Capacity = 80
		s.CapacityRemain = 40
		s.SOC = 50
		s.Cycles = 30
		s.Current = 4
		s.DischargeFET = false
		s.Temperatures = []float64{30, 25}
	})
	v := newVirtual(t, true, a, b, c)
	require.True(t, v.Refresh())

	st := v.State()
	assert.True(t, st.Online)
	assert.True(t, st.Series)
	assert.InDelta(t, 13.1+13.25+13.4, st.Voltage, 1e-9)
	assert.InDelta(t, 8.0/3, st.Current, 1e-9)
	assert.Equal(t, 80.0, st.Capacity)
	assert.Equal(t, 40.0, st.CapacityRemain)
	assert.Equal(t, 50.0, st.SOC)
	assert.Equal(t, 30, st.Cycles)
	assert.Equal(t, 12, st.CellCount)
	assert.Len(t, st.Cells, 12)
	assert.True(t, st.ChargeFET)
	assert.False(t, st.DischargeFET)
	assert.Equal(t, []float64{30, 25}, st.Temperatures)
	assert.InDelta(t, 3.45*12, st.MaxBatteryVoltage, 1e-9)
	assert.InDelta(t, 2.9*12, st.MinBatteryVoltage, 1e-9)
	assert.Equal(t, 3, st.Active)
	assert.Equal(t, 3, st.Total)
	assert.False(t, st.VoltageImbalance)

	// Cells are copies.
	a.set(func(s *battery.Snapshot) { s.Cells[0].Voltage = 4.0 })
	assert.Equal(t, 3.30, v.State().Cells[0].Voltage)
}

func TestSeriesCapacityIsMinimum(t *testing.T) {
	a, b := member("a", 13.2), member("b", 13.2)
	b.set(func(s *battery.Snapshot) { s.Capacity = 80 })
	v := newVirtual(t, true, a, b)
	require.True(t, v.Refresh())
	assert.Equal(t, 80.0, v.Snapshot().Capacity)
}

func TestParallelAggregation(t *testing.T) {
	a, b := member("a", 13.2), member("b", 13.3)
	b.set(func(s *battery.Snapshot) {
		s.Capacity = 80
		s.SOC = 64
		s.Current = 3
		s.ChargeFET = false
		s.Cycles = 20
	})
	v := newVirtual(t, false, a, b)
	require.True(t, v.Refresh())

	st := v.State()
	assert.False(t, st.Series)
	assert.InDelta(t, 13.25, st.Voltage, 1e-9)
	assert.InDelta(t, 5, st.Current, 1e-9)
	assert.Equal(t, 180.0, st.Capacity)
	assert.Equal(t, 120.0, st.CapacityRemain)
	assert.InDelta(t, (60*100+64*80)/180.0, st.SOC, 1e-9)
	assert.Equal(t, 20, st.Cycles)
	assert.Equal(t, 4, st.CellCount)
	assert.Len(t, st.Cells, 4)
	assert.True(t, st.ChargeFET)
	assert.False(t, st.VoltageImbalance)
	assert.False(t, st.SOCImbalance)
	assert.False(t, st.CurrentImbalance)
}

func TestParallelSOCWeightedByCapacity(t *testing.T) {
	a, b := member("a", 13.2), member("b", 13.2)
	a.set(func(s *battery.Snapshot) {
		s.Capacity = 300
		s.SOC = 90
	})
	b.set(func(s *battery.Snapshot) { s.SOC = 50 })
	v := newVirtual(t, false, a, b)
	require.True(t, v.Refresh())
	assert.InDelta(t, 80, v.State().SOC, 1e-9)
}

func TestWeightedSOC(t *testing.T) {
	assert.InDelta(t, 80, weightedSOC([]float64{90, 50}, []float64{300, 100}), 1e-9)
	assert.InDelta(t, 70, weightedSOC([]float64{90, 50}, []float64{0, 0}), 1e-9)
	assert.Equal(t, 0.0, weightedSOC(nil, nil))
}

func TestParallelSOCIgnoresUnknownCapacity(t *testing.T) {
	a, b := member("a", 13.2), member("b", 13.2)
	b.set(func(s *battery.Snapshot) {
		s.Capacity = 0
		s.SOC = 5
	})
	v := newVirtual(t, false, a, b)
	require.True(t, v.Refresh())
	st := v.State()
	assert.Equal(t, 60.0, st.SOC)
	assert.False(t, st.SOCImbalance)
}

func TestParallelVoltageImbalance(t *testing.T) {
	v := newVirtual(t, false, member("a", 13.2), member("b", 13.8))
	require.True(t, v.Refresh())

	st := v.State()
	assert.True(t, st.VoltageImbalance)
	assert.Equal(t, battery.Warning, st.Protection.CellImbalance)
	// Mean voltage less 50mV per cell.
	assert.InDelta(t, 13.5-0.2, st.ControlVoltage, 1e-9)
}

func TestParallelCurrentAndSOCImbalance(t *testing.T) {
	a, b := member("a", 13.2), member("b", 13.2)
	a.set(func(s *battery.Snapshot) { s.Current = 10 })
	b.set(func(s *battery.Snapshot) {
		s.Current = 4
		s.SOC = 75
	})
	v := newVirtual(t, false, a, b)
	require.True(t, v.Refresh())
	st := v.State()
	assert.True(t, st.CurrentImbalance)
	assert.True(t, st.SOCImbalance)
	assert.False(t, st.VoltageImbalance)

	cfg := DefaultConfig()
	cfg.SOCImbalanceDetection = false
	v, err := New([]battery.Battery{a, b}, false, cfg, battery.DefaultLimits())
	require.NoError(t, err)
	require.True(t, v.Refresh())
	assert.False(t, v.State().SOCImbalance)
}

func TestParallelChargeCurrentDerate(t *testing.T) {
	a, b := member("a", 13.2), member("b", 13.8)
	a.set(func(s *battery.Snapshot) {
		s.HasControl = true
		s.ControlChargeCurrent = 50
		s.ControlDischargeCurrent = 60
	})
	b.set(func(s *battery.Snapshot) {
		s.HasControl = true
		s.ControlChargeCurrent = 20
		s.ControlDischargeCurrent = 60
	})
	v := newVirtual(t, false, a, b)
	require.True(t, v.Refresh())

	st := v.State()
	assert.True(t, st.CurrentImbalance)
	assert.InDelta(t, 70*0.7, st.ControlChargeCurrent, 1e-9)
	assert.InDelta(t, 120, st.ControlDischargeCurrent, 1e-9)
	assert.True(t, st.AllowCharge)
	assert.True(t, st.AllowDischarge)
}

func TestParallelChargeCurrentWithoutDerate(t *testing.T) {
	a, b := member("a", 13.2), member("b", 13.25)
	a.set(func(s *battery.Snapshot) {
		s.HasControl = true
		s.ControlChargeCurrent = 50
	})
	v := newVirtual(t, false, a, b)
	require.True(t, v.Refresh())

	// b has no control values so its static maximum counts.
	st := v.State()
	assert.False(t, st.CurrentImbalance)
	assert.InDelta(t, 100, st.ControlChargeCurrent, 1e-9)
	assert.InDelta(t, 60, st.ControlDischargeCurrent, 1e-9)
}

func TestOfflineMemberIsExcluded(t *testing.T) {
	a, b := member("a", 13.2), member("b", 13.6)
	b.set(func(s *battery.Snapshot) { s.Online = false })
	v := newVirtual(t, false, a, b)
	require.True(t, v.Refresh())

	st := v.State()
	assert.Equal(t, 1, st.Active)
	assert.Equal(t, 1, v.ActiveCount())
	assert.Equal(t, 2, st.Total)
	assert.InDelta(t, 13.2, st.Voltage, 1e-9)
	assert.False(t, st.VoltageImbalance)
}

func TestPanickingMemberIsIsolated(t *testing.T) {
	a, b := member("a", 13.2), member("b", 13.2)
	b.panics = true
	v := newVirtual(t, true, a, b)
	require.True(t, v.Refresh())
	assert.Equal(t, 1, v.ActiveCount())
	assert.InDelta(t, 13.2, v.Snapshot().Voltage, 1e-9)
}

func TestNoActiveMembersFreezesValues(t *testing.T) {
	a, b := member("a", 13.2), member("b", 13.4)
	v := newVirtual(t, true, a, b)
	require.True(t, v.Refresh())
	before := v.State()

	a.set(func(s *battery.Snapshot) { s.Online = false })
	b.set(func(s *battery.Snapshot) { s.Online = false })
	require.False(t, v.Refresh())

	st := v.State()
	assert.False(t, st.Online)
	assert.Equal(t, 0, st.Active)
	assert.InDelta(t, before.Voltage, st.Voltage, 1e-9)
	assert.Equal(t, before.Cells, st.Cells)

	a.set(func(s *battery.Snapshot) { s.Online = true })
	require.True(t, v.Refresh())
	assert.True(t, v.State().Online)
	assert.InDelta(t, 13.2, v.State().Voltage, 1e-9)
}

func TestRefreshIsIdempotent(t *testing.T) {
	for _, series := range []bool{true, false} {
		v := newVirtual(t, series, member("a", 13.2), member("b", 13.8), member("c", 13.3))
		require.True(t, v.Refresh())
		first := v.State()
		require.True(t, v.Refresh())
		require.Equal(t, first, v.State())
	}
}

func TestSettingsInitialLimits(t *testing.T) {
	a, b := member("a", 13.2), member("b", 13.2)
	b.set(func(s *battery.Snapshot) {
		s.MaxChargeCurrent = 30
		s.MaxDischargeCurrent = 40
	})

	v := newVirtual(t, true, a, b)
	require.True(t, v.Settings(context.Background()))
	st := v.State()
	assert.Equal(t, 30.0, st.MaxChargeCurrent)
	assert.Equal(t, 40.0, st.MaxDischargeCurrent)

	v = newVirtual(t, false, a, b)
	require.True(t, v.Settings(context.Background()))
	st = v.State()
	assert.Equal(t, 80.0, st.MaxChargeCurrent)
	assert.Equal(t, 100.0, st.MaxDischargeCurrent)

	a.fail = true
	b.fail = true
	v = newVirtual(t, false, a, b)
	require.False(t, v.Settings(context.Background()))
	assert.False(t, v.State().Online)
}

func TestCellAccess(t *testing.T) {
	a, b := member("a", 13.2), member("b", 13.2)
	a.set(func(s *battery.Snapshot) { s.Cells[2].Balancing = true })
	b.set(func(s *battery.Snapshot) { s.Online = false })
	v := newVirtual(t, true, a, b)

	c, ok := v.CellVoltage(0, 2)
	require.True(t, ok)
	assert.Equal(t, 3.31, c)
	assert.True(t, v.CellBalancing(0, 2))
	assert.False(t, v.CellBalancing(0, 1))

	_, ok = v.CellVoltage(0, 4)
	assert.False(t, ok)
	_, ok = v.CellVoltage(1, 0)
	assert.False(t, ok)
	_, ok = v.CellVoltage(2, 0)
	assert.False(t, ok)
	assert.False(t, v.CellBalancing(5, 0))
}

func TestStopJoinsMemberErrors(t *testing.T) {
	a, b := member("a", 13.2), member("b", 13.2)
	b.stopErr = errors.New("stuck")
	v := newVirtual(t, true, a, b)

	err := v.Stop(time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stuck")
	assert.True(t, a.stopped)
	assert.True(t, b.stopped)
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
	cfg := DefaultConfig()
	cfg.ImbalanceDerate = 1.5
	require.Error(t, cfg.Validate())
	cfg = DefaultConfig()
	cfg.CurrentImbalanceRatio = 0
	require.Error(t, cfg.Validate())
}
