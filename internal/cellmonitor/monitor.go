/*
bms-controller - JBD battery management system monitoring over BLE.
Copyright (C) 2024, The Cacophony Project

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package cellmonitor keeps a sampled voltage history for every cell of
// every physical battery and raises alerts when the cells in a battery
// drift apart.
package cellmonitor

import (
	"errors"
	"fmt"
	"io/fs"
	"math"
	"sort"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/TheCacophonyProject/bms-controller/battery"
	"github.com/TheCacophonyProject/bms-controller/internal/logging"
)

var log = logging.NewLogger("info")

func SetLogger(l *logging.Logger) {
	log = l
}

const (
	MinSampleInterval = 10 * time.Second
	MinAlertThreshold = 0.01

	maxAlerts    = 100
	recentAlerts = 10
	errorBackoff = 10 * time.Second

	AlertImbalance = "imbalance"
)

type Config struct {
	SampleInterval time.Duration `mapstructure:"sample-interval"`
	AlertThreshold float64       `mapstructure:"alert-threshold"`
	SaveInterval   time.Duration `mapstructure:"save-interval"`
	MaxHistoryAge  time.Duration `mapstructure:"max-history-age"`
	HistoryFile    string        `mapstructure:"history-file"`
	EventAlerts    bool          `mapstructure:"event-alerts"`
	EventInterval  time.Duration `mapstructure:"event-interval"`
}

func DefaultConfig() Config {
	return Config{
		SampleInterval: 60 * time.Second,
		AlertThreshold: 0.2,
		SaveInterval:   time.Hour,
		MaxHistoryAge:  7 * 24 * time.Hour,
		HistoryFile:    "/var/lib/bms-controller/cell-history.json",
		EventAlerts:    true,
		EventInterval:  6 * time.Hour,
	}
}

func (c Config) Validate() error {
	if c.SaveInterval <= 0 {
		return errors.New("save-interval must be positive")
	}
	if c.MaxHistoryAge <= 0 {
		return errors.New("max-history-age must be positive")
	}
	if c.EventInterval < 0 {
		return errors.New("event-interval must not be negative")
	}
	return nil
}

// Alert is raised for every battery whose cell spread is above the
// threshold when alerts are checked.
type Alert struct {
	Type      string    `json:"type"`
	BatteryID string    `json:"battery_id"`
	Spread    float64   `json:"spread"`
	Min       float64   `json:"min"`
	Max       float64   `json:"max"`
	Timestamp time.Time `json:"timestamp"`
}

func (a Alert) String() string {
	return fmt.Sprintf("Battery %s: Cell imbalance spread=%.3fV (min=%.3fV, max=%.3fV)",
		a.BatteryID, a.Spread, a.Min, a.Max)
}

// AlertSink is told about every new alert.
type AlertSink interface {
	SendAlert(Alert) error
}

// Source lists the physical batteries to sample.
type Source interface {
	Members() []battery.Battery
}

// BatteryCells is the monitor's view of one physical battery.
type BatteryCells struct {
	id         string
	cells      battery.Cells
	history    []*Ring
	stats      battery.CellStats
	haveStats  bool
	lastUpdate time.Time
}

func newBatteryCells(id string, count int) *BatteryCells {
	b := &BatteryCells{id: id}
	b.resize(count)
	return b
}

// resize keeps the history of cells that still exist.
func (b *BatteryCells) resize(count int) {
	cells := make(battery.Cells, count)
	copy(cells, b.cells)
	b.cells = cells
	history := make([]*Ring, count)
	copy(history, b.history)
	for i := range history {
		if history[i] == nil {
			history[i] = NewRing(HistoryCapacity)
		}
	}
	b.history = history
}

// update copies the current cell readings and samples every valid cell
// whose last sample is at least interval old. Statistics cover only the
// cells valid in s; with none valid the previous statistics stay. It
// reports whether any cell was valid.
func (b *BatteryCells) update(s battery.Snapshot, now time.Time, interval time.Duration) bool {
	n := min(len(b.cells), len(s.Cells))
	current := make(battery.Cells, len(b.cells))
	updated := false
	for i := 0; i < n; i++ {
		c := s.Cells[i]
		if !c.Valid {
			continue
		}
		b.cells[i] = c
		current[i] = c
		last, ok := b.history[i].Last()
		if !ok || now.Sub(last.Timestamp) >= interval {
			b.history[i].Push(Record{Voltage: c.Voltage, Timestamp: now})
		}
		updated = true
	}
	if st, ok := current.Stats(); ok {
		b.stats = st
		b.haveStats = true
		b.lastUpdate = now
	}
	return updated
}

// BatteryStats is the reported state of one battery.
type BatteryStats struct {
	ID         string        `json:"battery_id"`
	CellCount  int           `json:"cell_count"`
	Valid      bool          `json:"valid"`
	Min        float64       `json:"min_voltage"`
	Max        float64       `json:"max_voltage"`
	Avg        float64       `json:"avg_voltage"`
	Spread     float64       `json:"voltage_spread"`
	LastUpdate time.Time     `json:"last_update"`
	Cells      battery.Cells `json:"cells"`
}

func (b *BatteryCells) statsCopy() BatteryStats {
	s := BatteryStats{
		ID:         b.id,
		CellCount:  len(b.cells),
		Valid:      b.haveStats,
		LastUpdate: b.lastUpdate,
		Cells:      b.cells.Clone(),
	}
	if b.haveStats {
		s.Min, s.Max, s.Avg, s.Spread = b.stats.Min, b.stats.Max, b.stats.Avg, b.stats.Spread
	}
	return s
}

type Overall struct {
	Valid     bool    `json:"valid"`
	Min       float64 `json:"min_voltage"`
	Max       float64 `json:"max_voltage"`
	Avg       float64 `json:"avg_voltage"`
	MaxSpread float64 `json:"max_spread"`
}

// Data is what CellData returns.
type Data struct {
	Timestamp    time.Time               `json:"timestamp"`
	Overall      Overall                 `json:"overall_stats"`
	Batteries    map[string]BatteryStats `json:"batteries"`
	RecentAlerts []Alert                 `json:"recent_alerts"`
}

type Monitor struct {
	source Source
	store  Store
	cfg    Config
	nowFn  func() time.Time

	mu             sync.Mutex
	batteries      map[string]*BatteryCells
	alerts         []Alert
	sinks          []AlertSink
	sampleInterval time.Duration
	alertThreshold float64

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
}

// New creates a monitor sampling the members of source. store may be nil,
// in which case history is not persisted.
func New(source Source, store Store, cfg Config) *Monitor {
	m := &Monitor{
		source:    source,
		store:     store,
		cfg:       cfg,
		nowFn:     time.Now,
		batteries: map[string]*BatteryCells{},
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	m.sampleInterval = max(cfg.SampleInterval, MinSampleInterval)
	m.alertThreshold = math.Max(cfg.AlertThreshold, MinAlertThreshold)
	return m
}

func (m *Monitor) AddSink(s AlertSink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sinks = append(m.sinks, s)
}

// UpdateAll samples the given snapshots. Batteries without cell data are
// skipped and batteries that are no longer reported are dropped along with
// their in-memory history.
func (m *Monitor) UpdateAll(snaps []battery.Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.nowFn()
	seen := map[string]bool{}
	for _, s := range snaps {
		if len(s.Cells) == 0 {
			continue
		}
		seen[s.ID] = true
		count := s.CellCount
		if count <= 0 {
			count = len(s.Cells)
		}
		b, ok := m.batteries[s.ID]
		if !ok {
			log.Infof("Adding new physical battery to cell monitor: %s", s.ID)
			b = newBatteryCells(s.ID, count)
			m.batteries[s.ID] = b
		} else if len(b.cells) != count {
			log.Infof("Battery %s now reports %d cells, was %d", s.ID, count, len(b.cells))
			b.resize(count)
		}
		if b.update(s, now, m.sampleInterval) && !s.Online {
			log.Debugf("Updated cell data for offline battery: %s", s.ID)
		}
	}
	for id := range m.batteries {
		if !seen[id] {
			log.Infof("Removing inactive battery from cell monitor: %s", id)
			delete(m.batteries, id)
		}
	}
}

// CheckAlerts raises an alert for each battery whose spread is above the
// threshold and passes the new alerts to the sinks.
func (m *Monitor) CheckAlerts() []Alert {
	m.mu.Lock()
	now := m.nowFn()
	var fresh []Alert
	for _, id := range m.sortedIDs() {
		b := m.batteries[id]
		if !b.haveStats || b.stats.Spread <= m.alertThreshold {
			continue
		}
		a := Alert{
			Type:      AlertImbalance,
			BatteryID: id,
			Spread:    b.stats.Spread,
			Min:       b.stats.Min,
			Max:       b.stats.Max,
			Timestamp: now,
		}
		log.Warnf("Cell imbalance detected in battery %s: spread=%.3fV (min=%.3fV, max=%.3fV)",
			id, a.Spread, a.Min, a.Max)
		fresh = append(fresh, a)
	}
	m.addAlerts(fresh)
	sinks := append([]AlertSink(nil), m.sinks...)
	m.mu.Unlock()

	for _, a := range fresh {
		for _, s := range sinks {
			if err := s.SendAlert(a); err != nil {
				log.Errorf("Error sending cell imbalance alert: %v", err)
			}
		}
	}
	return fresh
}

// addAlerts keeps the newest maxAlerts. m.mu must be held.
func (m *Monitor) addAlerts(a []Alert) {
	m.alerts = append(m.alerts, a...)
	if over := len(m.alerts) - maxAlerts; over > 0 {
		m.alerts = append([]Alert(nil), m.alerts[over:]...)
	}
}

// Alerts returns every retained alert, oldest first.
func (m *Monitor) Alerts() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Alert(nil), m.alerts...)
}

func (m *Monitor) AlertCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.alerts)
}

// recent returns up to n alerts, newest first. m.mu must be held.
func (m *Monitor) recent(n int) []Alert {
	out := make([]Alert, 0, min(n, len(m.alerts)))
	for i := len(m.alerts) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, m.alerts[i])
	}
	return out
}

func (m *Monitor) sortedIDs() []string {
	ids := make([]string, 0, len(m.batteries))
	for id := range m.batteries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// BatteryIDs returns the monitored battery ids in sorted order.
func (m *Monitor) BatteryIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sortedIDs()
}

// CellData returns statistics for the battery with the given id, or for all
// batteries when id is empty or unknown.
func (m *Monitor) CellData(id string) Data {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := Data{
		Timestamp:    m.nowFn(),
		Batteries:    map[string]BatteryStats{},
		RecentAlerts: m.recent(recentAlerts),
	}
	ids := m.sortedIDs()
	if _, ok := m.batteries[id]; ok {
		ids = []string{id}
	}

	var all []float64
	for _, bid := range ids {
		b := m.batteries[bid]
		d.Batteries[bid] = b.statsCopy()
		if !b.haveStats {
			continue
		}
		if !d.Overall.Valid {
			d.Overall = Overall{Valid: true, Min: b.stats.Min, Max: b.stats.Max}
		}
		d.Overall.Min = math.Min(d.Overall.Min, b.stats.Min)
		d.Overall.Max = math.Max(d.Overall.Max, b.stats.Max)
		d.Overall.MaxSpread = math.Max(d.Overall.MaxSpread, b.stats.Spread)
		for _, c := range b.cells {
			if c.Valid {
				all = append(all, c.Voltage)
			}
		}
	}
	if len(all) > 0 {
		d.Overall.Avg = stat.Mean(all, nil)
	}
	return d
}

// CellHistory returns the samples of one cell, oldest first.
func (m *Monitor) CellHistory(id string, cell int) []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batteries[id]
	if !ok || cell < 0 || cell >= len(b.history) {
		return nil
	}
	return b.history[cell].Records()
}

// SetAlertThreshold sets the spread in volts that raises an alert. Values
// below MinAlertThreshold are raised to it. The applied value is returned.
func (m *Monitor) SetAlertThreshold(v float64) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alertThreshold = math.Max(v, MinAlertThreshold)
	return m.alertThreshold
}

func (m *Monitor) AlertThreshold() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.alertThreshold
}

// SetSampleInterval sets the minimum time between samples of a cell. Values
// below MinSampleInterval are raised to it. The applied value is returned.
func (m *Monitor) SetSampleInterval(d time.Duration) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sampleInterval = max(d, MinSampleInterval)
	return m.sampleInterval
}

func (m *Monitor) SampleInterval() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sampleInterval
}

// Start runs the sampling loop until Stop is called.
func (m *Monitor) Start() {
	m.startOnce.Do(func() {
		log.Info("Cell voltage monitoring started")
		go m.run()
	})
}

// Stop ends the loop, waits for it for at most timeout and saves the
// history one last time.
func (m *Monitor) Stop(timeout time.Duration) error {
	var err error
	m.stopOnce.Do(func() {
		close(m.stop)
		// Never started, nothing to wait for.
		m.startOnce.Do(func() { close(m.done) })
		select {
		case <-m.done:
		case <-time.After(timeout):
			err = fmt.Errorf("cell monitor did not stop within %s", timeout)
			return
		}
		if saveErr := m.Save(); saveErr != nil {
			log.Errorf("Error saving cell history data: %v", saveErr)
		}
		log.Info("Cell voltage monitoring stopped")
	})
	return err
}

func (m *Monitor) run() {
	defer close(m.done)
	nextSave := m.nowFn().Add(m.cfg.SaveInterval)
	for {
		wait := m.SampleInterval()
		if err := m.cycle(); err != nil {
			log.Errorf("Error in cell monitor loop: %v", err)
			wait = errorBackoff
		}
		if now := m.nowFn(); !now.Before(nextSave) {
			if err := m.Save(); err != nil {
				log.Errorf("Error saving cell history data: %v", err)
			}
			nextSave = now.Add(m.cfg.SaveInterval)
		}
		select {
		case <-m.stop:
			return
		case <-time.After(wait):
		}
	}
}

// cycle samples every member and checks alerts. A panic in either is turned
// into an error so the loop keeps going.
func (m *Monitor) cycle() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("cell monitor cycle: %v", r)
		}
	}()
	members := m.source.Members()
	snaps := make([]battery.Snapshot, 0, len(members))
	for _, b := range members {
		snaps = append(snaps, b.Snapshot())
	}
	m.UpdateAll(snaps)
	m.CheckAlerts()
	return nil
}

// LoadHistory restores the history from the store. A missing or stale
// snapshot leaves the monitor empty.
func (m *Monitor) LoadHistory() error {
	if m.store == nil {
		return nil
	}
	data, err := m.store.Load()
	if errors.Is(err, fs.ErrNotExist) {
		log.Info("No saved cell history")
		return nil
	}
	if err != nil {
		return err
	}
	return m.Load(data)
}

// Save writes the history to the store.
func (m *Monitor) Save() error {
	if m.store == nil {
		return nil
	}
	data, err := m.Marshal()
	if err != nil {
		return err
	}
	if err := m.store.Save(data); err != nil {
		return err
	}
	log.Infof("Cell history data saved to %s", m.store)
	return nil
}
