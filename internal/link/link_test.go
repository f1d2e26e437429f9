package link

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/TheCacophonyProject/bms-controller/battery"
	"github.com/TheCacophonyProject/bms-controller/jbd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTransport struct {
	mu          sync.Mutex
	notify      func([]byte)
	connects    int
	connectErrs int
	failWrites  int
	closes      int
	writes      [][]byte
	respond     bool
	general     []byte
	cells       []byte
	fragment    int
}

func (f *fakeTransport) String() string { return "AA:BB:CC:DD:EE:FF" }

func (f *fakeTransport) Connect(ctx context.Context, notify func([]byte)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if f.connectErrs > 0 {
		f.connectErrs--
		return &TransportError{Op: "connect", Addr: f.String(), Err: errors.New("no such device")}
	}
	f.notify = notify
	return nil
}

func (f *fakeTransport) Write(b []byte) error {
	f.mu.Lock()
	if f.failWrites > 0 {
		f.failWrites--
		f.mu.Unlock()
		return errors.New("broken pipe")
	}
	f.writes = append(f.writes, append([]byte(nil), b...))
	var frame []byte
	switch b[2] {
	case jbd.CmdGeneralInfo:
		frame = f.general
	case jbd.CmdCellInfo:
		frame = f.cells
	}
	notify, respond, size := f.notify, f.respond, f.fragment
	f.mu.Unlock()

	if !respond || frame == nil || notify == nil {
		return nil
	}
	if size <= 0 {
		size = len(frame)
	}
	for len(frame) > 0 {
		n := size
		if n > len(frame) {
			n = len(frame)
		}
		notify(frame[:n])
		frame = frame[n:]
	}
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	f.notify = nil
	return nil
}

func (f *fakeTransport) set(fn func(f *fakeTransport)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeTransport) count() (connects, closes, writes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects, f.closes, len(f.writes)
}

func testConfig() Config {
	c := DefaultConfig()
	c.PollInterval = 20 * time.Millisecond
	c.CommandDelay = time.Millisecond
	c.NotifyWait = 5 * time.Millisecond
	c.ReconnectDelay = 5 * time.Millisecond
	c.HandshakeTimeout = time.Second
	c.HandshakePoll = 5 * time.Millisecond
	c.WatchdogTimeout = 0
	return c
}

// generalFrame is a 4 cell pack at 13.2V, 80% SOC with one sensor at 25C.
func generalFrame(protection uint16) []byte {
	p := make([]byte, 23)
	be := binary.BigEndian
	be.PutUint16(p[0:], 1320)
	be.PutUint16(p[2:], 500)
	be.PutUint16(p[4:], 8000)
	be.PutUint16(p[6:], 10000)
	be.PutUint16(p[8:], 7)
	be.PutUint16(p[12:], 0x0002)
	be.PutUint16(p[16:], protection)
	p[18] = 0x10
	p[19] = 80
	p[20] = 0x03
	p[21] = 4
	p[22] = 2
	p = be.AppendUint16(p, 2981)
	p = be.AppendUint16(p, 2991)
	return jbd.Encode(jbd.CmdGeneralInfo, 0, p)
}

func cellFrame(mv ...uint16) []byte {
	var p []byte
	for _, v := range mv {
		p = binary.BigEndian.AppendUint16(p, v)
	}
	return jbd.Encode(jbd.CmdCellInfo, 0, p)
}

func respondingTransport() *fakeTransport {
	return &fakeTransport{
		respond:  true,
		general:  generalFrame(0),
		cells:    cellFrame(3300, 3310, 3290, 3300),
		fragment: 20,
	}
}

func TestLinkPollsAndStoresLatest(t *testing.T) {
	ft := respondingTransport()
	l := New(ft, testConfig())
	l.Start()

	require.Eventually(t, func() bool {
		g, c := l.Latest()
		return g != nil && c != nil
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, Connected, l.State())
	require.True(t, l.Running())

	g, _ := l.Latest()
	require.Equal(t, byte(jbd.CmdGeneralInfo), g.Frame.Cmd)
	require.Len(t, g.Frame.Payload, 27)

	require.NoError(t, l.Stop(time.Second))
	require.False(t, l.Running())
	require.Equal(t, Disconnected, l.State())
	_, closes, _ := ft.count()
	require.Equal(t, 1, closes)
}

func TestLinkRetriesConnect(t *testing.T) {
	ft := respondingTransport()
	ft.connectErrs = 2
	l := New(ft, testConfig())
	l.Start()
	defer l.Stop(time.Second)

	require.Eventually(t, func() bool { return l.State() == Connected }, time.Second, time.Millisecond)
	connects, _, _ := ft.count()
	require.Equal(t, 3, connects)
}

func TestLinkReconnectsAfterWriteFailure(t *testing.T) {
	ft := respondingTransport()
	ft.failWrites = 1
	l := New(ft, testConfig())
	l.Start()
	defer l.Stop(time.Second)

	require.Eventually(t, func() bool {
		g, _ := l.Latest()
		return g != nil
	}, time.Second, 5*time.Millisecond)
	connects, closes, _ := ft.count()
	require.GreaterOrEqual(t, connects, 2)
	require.GreaterOrEqual(t, closes, 1)
}

func TestLinkWatchdogLogMode(t *testing.T) {
	ft := &fakeTransport{}
	cfg := testConfig()
	cfg.WatchdogTimeout = 20 * time.Millisecond
	l := New(ft, cfg)
	var fired atomic.Int32
	l.OnWatchdog(func() { fired.Add(1) })
	l.rebootFn = func() { t.Error("reboot called in log mode") }
	l.Start()
	defer l.Stop(time.Second)

	require.Eventually(t, func() bool { return fired.Load() >= 2 }, time.Second, 5*time.Millisecond)
	require.True(t, l.Running())
	connects, _, _ := ft.count()
	require.Equal(t, 1, connects)
}

func TestLinkWatchdogRebootMode(t *testing.T) {
	ft := &fakeTransport{}
	cfg := testConfig()
	cfg.WatchdogTimeout = 20 * time.Millisecond
	cfg.WatchdogAction = WatchdogReboot
	l := New(ft, cfg)
	var reboots atomic.Int32
	l.rebootFn = func() { reboots.Add(1) }
	l.Start()
	defer l.Stop(time.Second)

	require.Eventually(t, func() bool { return reboots.Load() >= 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		connects, _, _ := ft.count()
		return connects >= 2
	}, time.Second, 5*time.Millisecond)
}

func TestLinkStopBeforeStart(t *testing.T) {
	l := New(&fakeTransport{}, testConfig())
	require.NoError(t, l.Stop(time.Millisecond))
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
	c := DefaultConfig()
	c.WatchdogAction = "explode"
	require.Error(t, c.Validate())
	c = DefaultConfig()
	c.PollInterval = 0
	require.Error(t, c.Validate())
}

func TestBatterySettingsAndRefresh(t *testing.T) {
	ft := respondingTransport()
	b := NewBattery("AA:BB:CC:DD:EE:FF", ft, testConfig(), battery.DefaultLimits())
	defer b.Stop(time.Second)

	require.True(t, b.Settings(context.Background()))
	require.Eventually(t, b.Refresh, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(b.Snapshot().Cells.Voltages()) == 4 }, time.Second, 5*time.Millisecond)
	require.True(t, b.Refresh())

	s := b.Snapshot()
	assert.True(t, s.Online)
	assert.InDelta(t, 13.2, s.Voltage, 1e-9)
	assert.InDelta(t, 5.0, s.Current, 1e-9)
	assert.Equal(t, 80.0, s.SOC)
	assert.Equal(t, 4, s.CellCount)
	assert.InDeltaSlice(t, []float64{3.30, 3.31, 3.29, 3.30}, s.Cells.Voltages(), 1e-9)
	assert.True(t, s.Cells[1].Balancing)
	assert.False(t, s.Cells[0].Balancing)
	assert.InDelta(t, 13.8, s.MaxBatteryVoltage, 1e-9)
	assert.InDelta(t, 11.6, s.MinBatteryVoltage, 1e-9)
	assert.Equal(t, 50.0, s.MaxChargeCurrent)
	assert.True(t, s.HasControl)
	assert.True(t, s.AllowCharge)
	require.Len(t, s.Temperatures, 2)
	assert.InDelta(t, 26.0, s.Temperatures[1], 1e-9)
}

func TestBatteryProtectionFromBits(t *testing.T) {
	ft := respondingTransport()
	ft.general = generalFrame(battery.BitPackOvervoltage | battery.BitShortCircuit)
	b := NewBattery("x", ft, testConfig(), battery.DefaultLimits())
	defer b.Stop(time.Second)

	require.True(t, b.Settings(context.Background()))
	p := b.Snapshot().Protection
	assert.Equal(t, battery.Alarm, p.VoltageHigh)
	assert.Equal(t, battery.Alarm, p.InternalFailure)
	assert.Equal(t, battery.OK, p.SOCLow)
}

func TestBatterySettingsTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.HandshakeTimeout = 30 * time.Millisecond
	b := NewBattery("x", &fakeTransport{}, cfg, battery.DefaultLimits())
	defer b.Stop(time.Second)

	require.False(t, b.Settings(context.Background()))
	require.False(t, b.Snapshot().Online)
	require.True(t, b.Link().Running())
}

func TestBatteryKeepsValuesOnDecodeError(t *testing.T) {
	ft := respondingTransport()
	b := NewBattery("x", ft, testConfig(), battery.DefaultLimits())
	defer b.Stop(time.Second)
	require.True(t, b.Settings(context.Background()))
	require.Eventually(t, func() bool { return b.Refresh() && len(b.Snapshot().Cells.Voltages()) == 4 }, time.Second, 5*time.Millisecond)

	// A valid frame with a truncated payload.
	short := jbd.Encode(jbd.CmdGeneralInfo, 0, make([]byte, 10))
	ft.set(func(f *fakeTransport) { f.general = short })
	require.Eventually(t, func() bool {
		g, _ := b.Link().Latest()
		return g != nil && len(g.Frame.Payload) == 10
	}, time.Second, 5*time.Millisecond)

	require.True(t, b.Refresh(), "cell frame still decodes")
	require.InDelta(t, 13.2, b.Snapshot().Voltage, 1e-9)
}

func TestBatteryWatchdogMarksOffline(t *testing.T) {
	ft := respondingTransport()
	b := NewBattery("x", ft, testConfig(), battery.DefaultLimits())
	defer b.Stop(time.Second)
	require.True(t, b.Settings(context.Background()))

	ft.set(func(f *fakeTransport) { f.respond = false })
	time.Sleep(30 * time.Millisecond)
	b.markOffline()
	require.False(t, b.Refresh())
	require.False(t, b.Snapshot().Online)

	ft.set(func(f *fakeTransport) { f.respond = true })
	require.Eventually(t, b.Refresh, time.Second, 5*time.Millisecond)
}

func TestBatteryRefreshWithoutWorker(t *testing.T) {
	b := NewBattery("x", respondingTransport(), testConfig(), battery.DefaultLimits())
	require.False(t, b.Refresh())
}
