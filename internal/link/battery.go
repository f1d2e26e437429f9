package link

import (
	"context"
	"sync"
	"time"

	"github.com/TheCacophonyProject/bms-controller/battery"
	"github.com/TheCacophonyProject/bms-controller/jbd"
)

// staleFactor times the poll interval is how old data may get before a
// refresh warns about it.
const staleFactor = 3

// Battery is a single physical JBD pack behind a Link.
type Battery struct {
	id     string
	link   *Link
	cfg    Config
	limits battery.Limits
	ctrl   *battery.Controller
	nowFn  func() time.Time

	mu       sync.Mutex
	snap     battery.Snapshot
	general  jbd.General
	haveGen  bool
	tripped  time.Time
	settings bool
}

var _ battery.Battery = (*Battery)(nil)

// NewBattery wraps t. limits should already carry any per-battery current
// overrides.
func NewBattery(id string, t Transport, cfg Config, limits battery.Limits) *Battery {
	b := &Battery{
		id:     id,
		link:   New(t, cfg),
		cfg:    cfg,
		limits: limits,
		ctrl:   battery.NewController(limits),
		nowFn:  time.Now,
		snap: battery.Snapshot{
			ID:                  id,
			MaxChargeCurrent:    limits.MaxChargeCurrent,
			MaxDischargeCurrent: limits.MaxDischargeCurrent,
		},
	}
	b.link.OnWatchdog(b.markOffline)
	return b
}

func (b *Battery) ID() string {
	return b.id
}

func (b *Battery) Link() *Link {
	return b.link
}

// Start launches the link worker.
func (b *Battery) Start() {
	b.link.Start()
}

func (b *Battery) Stop(timeout time.Duration) error {
	return b.link.Stop(timeout)
}

func (b *Battery) Snapshot() battery.Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snap.Clone()
}

func (b *Battery) markOffline() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tripped = b.nowFn()
	b.snap.Online = false
}

// Settings waits for the first general info response. On timeout the
// battery is marked offline but the link keeps retrying.
func (b *Battery) Settings(ctx context.Context) bool {
	b.link.Start()
	deadline := b.nowFn().Add(b.cfg.HandshakeTimeout)
	ticker := time.NewTicker(b.cfg.HandshakePoll)
	defer ticker.Stop()
	for {
		b.mu.Lock()
		ok := b.readGeneral()
		b.mu.Unlock()
		if ok {
			break
		}
		if !b.nowFn().Before(deadline) {
			log.Errorf("Timeout waiting for initial general data from %s", b.id)
			b.markOffline()
			return false
		}
		select {
		case <-ctx.Done():
			log.Errorf("Gave up waiting for initial data from %s: %v", b.id, ctx.Err())
			b.markOffline()
			return false
		case <-ticker.C:
		}
	}
	log.Infof("Initial general data received for %s", b.id)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.settings = true
	b.snap.MaxChargeCurrent = b.limits.MaxChargeCurrent
	b.snap.MaxDischargeCurrent = b.limits.MaxDischargeCurrent
	b.readCells()
	b.snap.Online = true
	b.snap.At = b.nowFn()
	b.ctrl.Apply(&b.snap)
	return true
}

// Refresh decodes the latest frames. The battery is online when either
// frame decodes; a decode failure keeps the previous values.
func (b *Battery) Refresh() bool {
	if !b.link.Running() {
		log.Errorf("Communication worker for %s is not running", b.id)
		b.markOffline()
		return false
	}
	gen, cells := b.link.Latest()
	now := b.nowFn()
	maxAge := staleFactor * b.cfg.PollInterval
	if age(now, gen) > maxAge || age(now, cells) > maxAge {
		log.Warnf("Stale data for %s: general=%s, cell=%s (max %s)", b.id, fmtAge(now, gen), fmtAge(now, cells), maxAge)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	genOK := b.readGeneral()
	cellOK := b.readCells()
	online := genOK || cellOK
	if !b.tripped.IsZero() {
		if newest(gen, cells).After(b.tripped) {
			b.tripped = time.Time{}
		} else {
			online = false
		}
	}
	b.snap.Online = online
	b.snap.At = now
	if online {
		b.ctrl.Apply(&b.snap)
	}
	return online
}

func age(now time.Time, m *Message) time.Duration {
	if m == nil {
		return time.Duration(1<<63 - 1)
	}
	return now.Sub(m.At)
}

func fmtAge(now time.Time, m *Message) string {
	if m == nil {
		return "never"
	}
	return now.Sub(m.At).Round(100 * time.Millisecond).String()
}

func newest(a, b *Message) time.Time {
	var t time.Time
	if a != nil {
		t = a.At
	}
	if b != nil && b.At.After(t) {
		t = b.At
	}
	return t
}

// readGeneral decodes the latest general frame into the snapshot. b.mu must
// be held.
func (b *Battery) readGeneral() bool {
	msg, _ := b.link.Latest()
	if msg == nil {
		return false
	}
	g, err := jbd.DecodeGeneral(msg.Frame.Payload, jbd.DecodeOptions{
		InvertCurrent:   b.cfg.InvertCurrent,
		DefaultCapacity: b.cfg.DefaultCapacity,
	})
	if err != nil {
		log.Warnf("%s: %v", b.id, err)
		return false
	}
	if g.MissingTemps > 0 {
		log.Warnf("%s: %d temperature sensors missing from payload", b.id, g.MissingTemps)
	}
	b.general = g
	b.haveGen = true

	s := &b.snap
	s.Voltage = g.Voltage
	s.Current = g.Current
	s.CapacityRemain = g.CapacityRemain
	s.Capacity = g.Capacity
	s.Cycles = g.Cycles
	s.Version = g.Version
	s.SOC = g.SOC
	s.ChargeFET = g.ChargeFET
	s.DischargeFET = g.DischargeFET
	s.Temperatures = g.Temperatures
	s.Protection = battery.DecodeProtection(g.Protection, g.SOC, b.limits.SOC)
	if g.CellCount != s.CellCount {
		s.CellCount = g.CellCount
		s.Cells = make(battery.Cells, g.CellCount)
	}
	s.MaxBatteryVoltage = b.limits.MaxCellVoltage * float64(g.CellCount)
	s.MinBatteryVoltage = b.limits.MinCellVoltage * float64(g.CellCount)

	// Cells are replaced, never edited, so older snapshots stay intact.
	bal := g.Balancing(s.CellCount)
	cells := s.Cells.Clone()
	for i := range cells {
		cells[i].Balancing = bal[i]
	}
	s.Cells = cells
	return true
}

// readCells decodes the latest cell frame. It needs the cell count from a
// general frame. b.mu must be held.
func (b *Battery) readCells() bool {
	_, msg := b.link.Latest()
	if msg == nil || !b.haveGen {
		return false
	}
	cv, err := jbd.DecodeCells(msg.Frame.Payload, b.snap.CellCount)
	if err != nil {
		log.Warnf("%s: %v", b.id, err)
		return false
	}
	bal := b.general.Balancing(len(cv.Volts))
	cells := make(battery.Cells, len(cv.Volts))
	for i, v := range cv.Volts {
		if cv.Invalid[i] {
			log.Warnf("%s: cell %d reported an invalid voltage", b.id, i+1)
		}
		cells[i] = battery.Cell{Voltage: v, Valid: !cv.Invalid[i], Balancing: bal[i]}
	}
	b.snap.Cells = cells
	return true
}
