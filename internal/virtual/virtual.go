// Package virtual combines several physical batteries into one logical
// battery wired either in series or in parallel.
package virtual

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/TheCacophonyProject/bms-controller/battery"
	"github.com/TheCacophonyProject/bms-controller/internal/logging"
)

var log = logging.NewLogger("info")

func SetLogger(l *logging.Logger) {
	log = l
}

var (
	ErrNoMembers = errors.New("virtual battery needs at least one member")
	ErrNested    = errors.New("a virtual battery cannot contain another virtual battery")
	// ErrNoActiveMembers is logged when no member reported data. The last
	// good values are kept.
	ErrNoActiveMembers = errors.New("no active member batteries")
)

type Config struct {
	SOCImbalanceDetection     bool    `mapstructure:"soc-imbalance-detection"`
	SOCImbalanceThreshold     float64 `mapstructure:"soc-imbalance-threshold"`
	VoltageImbalanceThreshold float64 `mapstructure:"voltage-imbalance-threshold"`
	CurrentImbalanceMin       float64 `mapstructure:"current-imbalance-min"`
	CurrentImbalanceRatio     float64 `mapstructure:"current-imbalance-ratio"`
	// ControlImbalanceRatio is the spread of member charge limits above
	// which the summed limit is derated by ImbalanceDerate.
	ControlImbalanceRatio float64 `mapstructure:"control-imbalance-ratio"`
	ImbalanceDerate       float64 `mapstructure:"imbalance-derate"`
	// CellVoltageStep is the per cell charge voltage reduction applied to an
	// imbalanced parallel bank.
	CellVoltageStep float64 `mapstructure:"cell-voltage-step"`
}

func DefaultConfig() Config {
	return Config{
		SOCImbalanceDetection:     true,
		SOCImbalanceThreshold:     10,
		VoltageImbalanceThreshold: 0.3,
		CurrentImbalanceMin:       5.0,
		CurrentImbalanceRatio:     0.2,
		ControlImbalanceRatio:     0.3,
		ImbalanceDerate:           0.7,
		CellVoltageStep:           0.05,
	}
}

func (c Config) Validate() error {
	if c.SOCImbalanceThreshold < 0 || c.VoltageImbalanceThreshold < 0 || c.CurrentImbalanceMin < 0 {
		return errors.New("imbalance thresholds must not be negative")
	}
	if c.CurrentImbalanceRatio <= 0 || c.ControlImbalanceRatio <= 0 {
		return errors.New("imbalance ratios must be positive")
	}
	if c.ImbalanceDerate <= 0 || c.ImbalanceDerate > 1 {
		return fmt.Errorf("imbalance-derate %.2f must be in (0, 1]", c.ImbalanceDerate)
	}
	if c.CellVoltageStep < 0 {
		return errors.New("cell-voltage-step must not be negative")
	}
	return nil
}

// Snapshot is the aggregate view. It is rebuilt from scratch on every
// refresh.
type Snapshot struct {
	battery.Snapshot
	Series           bool `json:"series"`
	VoltageImbalance bool `json:"voltage_imbalance"`
	CurrentImbalance bool `json:"current_imbalance"`
	SOCImbalance     bool `json:"soc_imbalance"`
	Active           int  `json:"active"`
	Total            int  `json:"total"`
}

func (s Snapshot) Clone() Snapshot {
	s.Snapshot = s.Snapshot.Clone()
	return s
}

type Virtual struct {
	series  bool
	members []battery.Battery
	cfg     Config
	ctrl    *battery.Controller

	mu           sync.Mutex
	state        Snapshot
	haveLimits   bool
	maxCharge    float64
	maxDischarge float64
}

var _ battery.Battery = (*Virtual)(nil)

// New builds a virtual battery over members in the given order. Members are
// shared, not owned; other components may read them too.
func New(members []battery.Battery, series bool, cfg Config, limits battery.Limits) (*Virtual, error) {
	if len(members) == 0 {
		return nil, ErrNoMembers
	}
	for _, m := range members {
		if _, ok := m.(*Virtual); ok {
			return nil, ErrNested
		}
	}
	v := &Virtual{
		series:  series,
		members: append([]battery.Battery(nil), members...),
		cfg:     cfg,
		ctrl:    battery.NewController(limits),
	}
	v.state.ID = v.ID()
	v.state.Series = series
	v.state.Total = len(members)
	return v, nil
}

func (v *Virtual) ID() string {
	if v.series {
		return "virtual_series"
	}
	return "virtual_parallel"
}

func (v *Virtual) Series() bool {
	return v.series
}

func (v *Virtual) Members() []battery.Battery {
	return append([]battery.Battery(nil), v.members...)
}

// Snapshot returns the aggregate as a plain battery snapshot.
func (v *Virtual) Snapshot() battery.Snapshot {
	return v.State().Snapshot
}

// State returns the aggregate including topology and imbalance flags.
func (v *Virtual) State() Snapshot {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state.Clone()
}

func (v *Virtual) ActiveCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state.Active
}

// Settings runs every member handshake concurrently, then performs the
// first aggregation and sets the initial current limits.
func (v *Virtual) Settings(ctx context.Context) bool {
	log.Info("Getting settings for virtual battery members...")
	ok := make([]bool, len(v.members))
	var wg sync.WaitGroup
	for i, m := range v.members {
		wg.Add(1)
		go func(i int, m battery.Battery) {
			defer wg.Done()
			ok[i] = guard(m.ID(), "settings", func() bool { return m.Settings(ctx) })
		}(i, m)
	}
	wg.Wait()

	snaps := v.collect(ok)
	if len(snaps) == 0 {
		log.Error("Failed to get settings from any member battery")
		v.markOffline()
		return false
	}

	v.mu.Lock()
	v.setInitialLimits()
	v.mu.Unlock()
	return v.commit(snaps)
}

// Refresh refreshes every member, then rebuilds the aggregate from the ones
// that reported data. With no active member the virtual battery goes offline
// and keeps its last values.
func (v *Virtual) Refresh() bool {
	ok := make([]bool, len(v.members))
	for i, m := range v.members {
		ok[i] = guard(m.ID(), "refresh", m.Refresh)
		if !ok[i] {
			log.Warnf("Failed to refresh data from battery %s, excluding it", m.ID())
		}
	}
	snaps := v.collect(ok)
	if len(snaps) == 0 {
		log.Warn(ErrNoActiveMembers)
		v.markOffline()
		return false
	}

	v.mu.Lock()
	if !v.haveLimits {
		v.setInitialLimits()
	}
	v.mu.Unlock()
	return v.commit(snaps)
}

// guard keeps one misbehaving member from taking down the whole tick.
func guard(id, op string, fn func() bool) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("Error during %s of battery %s: %v", op, id, r)
			ok = false
		}
	}()
	return fn()
}

func (v *Virtual) collect(ok []bool) []battery.Snapshot {
	var snaps []battery.Snapshot
	for i, m := range v.members {
		if !ok[i] {
			continue
		}
		s := m.Snapshot()
		if !s.Online {
			continue
		}
		snaps = append(snaps, s)
	}
	return snaps
}

func (v *Virtual) markOffline() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.state.Online = false
	v.state.Active = 0
}

// setInitialLimits derives the static current limits from every member:
// the smallest member limits a series string, a parallel bank adds them.
// v.mu must be held.
func (v *Virtual) setInitialLimits() {
	l := v.ctrl.Limits()
	var charge, discharge []float64
	for _, m := range v.members {
		s := m.Snapshot()
		if s.MaxChargeCurrent > 0 {
			charge = append(charge, s.MaxChargeCurrent)
		}
		if s.MaxDischargeCurrent > 0 {
			discharge = append(discharge, s.MaxDischargeCurrent)
		}
	}
	combine := sum
	if v.series {
		combine = minimum
	}
	v.maxCharge = l.MaxChargeCurrent
	if len(charge) > 0 {
		v.maxCharge = combine(charge)
	}
	v.maxDischarge = l.MaxDischargeCurrent
	if len(discharge) > 0 {
		v.maxDischarge = combine(discharge)
	}
	v.haveLimits = true
	v.state.MaxChargeCurrent = v.maxCharge
	v.state.MaxDischargeCurrent = v.maxDischarge
	v.state.ControlChargeCurrent = v.maxCharge
	v.state.ControlDischargeCurrent = v.maxDischarge
}

// commit computes a fresh aggregate and replaces the state only once it is
// complete.
func (v *Virtual) commit(snaps []battery.Snapshot) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	next := aggregate(snaps, v.series, v.cfg, v.ctrl.Limits())
	next.ID = v.ID()
	next.Total = len(v.members)
	next.MaxChargeCurrent = v.maxCharge
	next.MaxDischargeCurrent = v.maxDischarge
	v.control(&next, snaps)
	v.state = next
	log.Debugf("Aggregated %d/%d batteries: %d cells, %.2fV, %.2fA, %.1f%% SOC",
		next.Active, next.Total, next.CellCount, next.Voltage, next.Current, next.SOC)
	return true
}

func sum(v []float64) float64 {
	var s float64
	for _, x := range v {
		s += x
	}
	return s
}

func minimum(v []float64) float64 {
	m := v[0]
	for _, x := range v[1:] {
		m = math.Min(m, x)
	}
	return m
}

func maximum(v []float64) float64 {
	m := v[0]
	for _, x := range v[1:] {
		m = math.Max(m, x)
	}
	return m
}

// temperatures returns the hottest reading and, with two or more readings,
// the second hottest.
func temperatures(snaps []battery.Snapshot) []float64 {
	var readings []float64
	for _, s := range snaps {
		if t, ok := s.Temp1(); ok {
			readings = append(readings, t)
		}
		if t, ok := s.Temp2(); ok {
			readings = append(readings, t)
		}
	}
	if len(readings) == 0 {
		return nil
	}
	sort.Sort(sort.Reverse(sort.Float64Slice(readings)))
	if len(readings) == 1 {
		return readings[:1]
	}
	return readings[:2]
}

// CellVoltage returns cell c of member b, false if either is out of range or
// the member is offline.
func (v *Virtual) CellVoltage(b, c int) (float64, bool) {
	if b < 0 || b >= len(v.members) {
		return 0, false
	}
	s := v.members[b].Snapshot()
	if !s.Online {
		return 0, false
	}
	return s.Cells.Voltage(c)
}

// CellBalancing reports whether cell c of member b is balancing.
func (v *Virtual) CellBalancing(b, c int) bool {
	if b < 0 || b >= len(v.members) {
		return false
	}
	s := v.members[b].Snapshot()
	if !s.Online || c < 0 || c >= len(s.Cells) {
		return false
	}
	return s.Cells[c].Balancing
}

// Stop stops every member concurrently and waits at most timeout overall.
func (v *Virtual) Stop(timeout time.Duration) error {
	errs := make(chan error, len(v.members))
	for _, m := range v.members {
		go func(m battery.Battery) { errs <- m.Stop(timeout) }(m)
	}
	deadline := time.After(timeout)
	var all []error
	for range v.members {
		select {
		case err := <-errs:
			if err != nil {
				all = append(all, err)
			}
		case <-deadline:
			return errors.Join(append(all, fmt.Errorf("members did not stop within %s", timeout))...)
		}
	}
	return errors.Join(all...)
}
