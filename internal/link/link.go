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

// Package link maintains the connection to one JBD BMS: reconnects, polls,
// reassembles fragmented responses and watches for a stalled link.
package link

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/TheCacophonyProject/bms-controller/internal/logging"
	"github.com/TheCacophonyProject/bms-controller/jbd"
)

var log = logging.NewLogger("info")

func SetLogger(l *logging.Logger) {
	log = l
}

type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

const (
	// WatchdogLog marks the battery offline and keeps the link running.
	WatchdogLog = "log"
	// WatchdogReboot reboots the whole host. Never the default.
	WatchdogReboot = "reboot"
)

type Config struct {
	PollInterval     time.Duration `mapstructure:"poll-interval"`
	CommandDelay     time.Duration `mapstructure:"command-delay"`
	NotifyWait       time.Duration `mapstructure:"notify-wait"`
	ReconnectDelay   time.Duration `mapstructure:"reconnect-delay"`
	HandshakeTimeout time.Duration `mapstructure:"handshake-timeout"`
	HandshakePoll    time.Duration `mapstructure:"handshake-poll"`
	WatchdogTimeout  time.Duration `mapstructure:"watchdog-timeout"`
	WatchdogAction   string        `mapstructure:"watchdog-action"`
	StopTimeout      time.Duration `mapstructure:"stop-timeout"`
	InvertCurrent    bool          `mapstructure:"invert-current"`
	DefaultCapacity  float64       `mapstructure:"battery-capacity"`
	SerialBaud       int           `mapstructure:"serial-baud"`
}

func DefaultConfig() Config {
	return Config{
		PollInterval:     5 * time.Second,
		CommandDelay:     500 * time.Millisecond,
		NotifyWait:       time.Second,
		ReconnectDelay:   5 * time.Second,
		HandshakeTimeout: 30 * time.Second,
		HandshakePoll:    time.Second,
		WatchdogTimeout:  30 * time.Second,
		WatchdogAction:   WatchdogLog,
		StopTimeout:      5 * time.Second,
		DefaultCapacity:  50,
		SerialBaud:       DefaultSerialBaud,
	}
}

func (c Config) Validate() error {
	if c.PollInterval <= 0 || c.NotifyWait <= 0 || c.ReconnectDelay <= 0 || c.HandshakePoll <= 0 {
		return errors.New("poll-interval, notify-wait, reconnect-delay and handshake-poll must be positive")
	}
	if c.CommandDelay < 0 || c.HandshakeTimeout < 0 || c.StopTimeout < 0 {
		return errors.New("command-delay, handshake-timeout and stop-timeout must not be negative")
	}
	if c.WatchdogAction != WatchdogLog && c.WatchdogAction != WatchdogReboot {
		return fmt.Errorf("unknown watchdog-action %q", c.WatchdogAction)
	}
	if c.DefaultCapacity < 0 {
		return errors.New("battery-capacity must not be negative")
	}
	return nil
}

// Message is the latest completed frame of one type.
type Message struct {
	Frame jbd.Frame
	At    time.Time
}

var errStopped = errors.New("link stopped")

// Link runs the receive/poll loop for one BMS in its own goroutine. Decoded
// frames are handed over through a single latest-message slot; a newer frame
// replaces an older one that was never read.
type Link struct {
	cfg       Config
	transport Transport
	reasm     *jbd.Reassembler
	notifyCh  chan []byte

	// onWatchdog is called when the watchdog fires in log mode.
	onWatchdog func()
	nowFn      func() time.Time
	rebootFn   func()

	state   atomic.Int32
	running atomic.Bool

	mu         sync.Mutex
	general    *Message
	cells      *Message
	lastNotify time.Time

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
}

func New(t Transport, cfg Config) *Link {
	l := &Link{
		cfg:       cfg,
		transport: t,
		reasm:     jbd.NewReassembler(),
		notifyCh:  make(chan []byte, 32),
		nowFn:     time.Now,
		rebootFn:  reboot,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	l.reasm.Handle(jbd.CmdGeneralInfo, l.store)
	l.reasm.Handle(jbd.CmdCellInfo, l.store)
	if cfg.WatchdogAction == WatchdogReboot && cfg.WatchdogTimeout > 0 {
		log.Warnf("DANGER: watchdog for %s will REBOOT the host after %s without data", t, cfg.WatchdogTimeout)
	}
	return l
}

func (l *Link) String() string {
	return l.transport.String()
}

// OnWatchdog sets the hook called when the watchdog fires in log mode.
func (l *Link) OnWatchdog(fn func()) {
	l.onWatchdog = fn
}

func (l *Link) State() State {
	return State(l.state.Load())
}

func (l *Link) setState(s State) {
	if old := State(l.state.Swap(int32(s))); old != s {
		log.Debugf("%s: %s -> %s", l, old, s)
	}
}

// Running reports whether the background worker is alive.
func (l *Link) Running() bool {
	return l.running.Load()
}

// Latest returns copies of the most recent general and cell frames.
func (l *Link) Latest() (general, cells *Message) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return copyMessage(l.general), copyMessage(l.cells)
}

func copyMessage(m *Message) *Message {
	if m == nil {
		return nil
	}
	c := *m
	c.Frame.Payload = append([]byte(nil), m.Frame.Payload...)
	return &c
}

func (l *Link) store(f jbd.Frame) {
	if !f.OK() {
		log.Warnf("%s: BMS returned status 0x%02x for command 0x%02x", l, f.Status, f.Cmd)
		return
	}
	m := &Message{Frame: f, At: l.nowFn()}
	l.mu.Lock()
	defer l.mu.Unlock()
	switch f.Cmd {
	case jbd.CmdGeneralInfo:
		l.general = m
	case jbd.CmdCellInfo:
		l.cells = m
	}
}

// notify is called by the transport for each notification.
func (l *Link) notify(b []byte) {
	l.mu.Lock()
	l.lastNotify = l.nowFn()
	l.mu.Unlock()

	data := append([]byte(nil), b...)
	select {
	case l.notifyCh <- data:
	default:
		log.Warnf("%s: notification queue full, dropping %d bytes", l, len(b))
	}
}

func (l *Link) resetWatchdog() {
	l.mu.Lock()
	l.lastNotify = l.nowFn()
	l.mu.Unlock()
}

// Start launches the worker. Calling it again has no effect.
func (l *Link) Start() {
	l.startOnce.Do(func() {
		l.running.Store(true)
		go l.run()
	})
}

// Stop signals the worker and waits up to timeout for it to close the
// transport and exit.
func (l *Link) Stop(timeout time.Duration) error {
	l.stopOnce.Do(func() { close(l.stop) })
	if !l.running.Load() {
		return nil
	}
	select {
	case <-l.done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("%s: worker did not stop within %s", l, timeout)
	}
}

// wait sleeps for d and returns false if the link was stopped meanwhile.
func (l *Link) wait(d time.Duration) bool {
	if d <= 0 {
		select {
		case <-l.stop:
			return false
		default:
			return true
		}
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-l.stop:
		return false
	case <-t.C:
		return true
	}
}

func (l *Link) run() {
	defer func() {
		l.setState(Disconnected)
		l.running.Store(false)
		close(l.done)
		log.Infof("%s: worker stopped", l)
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-l.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		select {
		case <-l.stop:
			return
		default:
		}

		l.setState(Connecting)
		log.Infof("Connecting to %s", l)
		if err := l.transport.Connect(ctx, l.notify); err != nil {
			l.setState(Disconnected)
			log.Errorf("Connection failed to %s: %v", l, err)
			if !l.wait(l.cfg.ReconnectDelay) {
				return
			}
			continue
		}
		log.Infof("Connected to %s", l)
		l.reasm.Reset()
		l.resetWatchdog()
		l.setState(Connected)

		err := l.poll()
		if cerr := l.transport.Close(); cerr != nil {
			log.Warnf("Error during disconnect from %s: %v", l, cerr)
		}
		l.setState(Disconnected)
		if errors.Is(err, errStopped) {
			return
		}
		log.Warnf("%s: %v, reconnecting", l, err)
		if !l.wait(l.cfg.ReconnectDelay) {
			return
		}
	}
}

// poll runs while connected. It only returns on a transport error or stop.
func (l *Link) poll() error {
	var lastPoll time.Time
	timer := time.NewTimer(l.cfg.NotifyWait)
	defer timer.Stop()
	for {
		now := l.nowFn()
		if lastPoll.IsZero() || now.Sub(lastPoll) >= l.cfg.PollInterval {
			if err := l.sendRequests(); err != nil {
				return err
			}
			lastPoll = now
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(l.cfg.NotifyWait)
		select {
		case <-l.stop:
			return errStopped
		case b := <-l.notifyCh:
			l.feed(b)
		case <-timer.C:
		}

		if err := l.checkWatchdog(); err != nil {
			return err
		}
	}
}

func (l *Link) sendRequests() error {
	log.Debugf("Polling data from %s", l)
	if err := l.write(jbd.RequestGeneralInfo); err != nil {
		return err
	}
	if !l.wait(l.cfg.CommandDelay) {
		return errStopped
	}
	return l.write(jbd.RequestCellInfo)
}

func (l *Link) write(b []byte) error {
	if err := l.transport.Write(b); err != nil {
		var te *TransportError
		if errors.As(err, &te) {
			return err
		}
		return &TransportError{Op: "write", Addr: l.String(), Err: err}
	}
	return nil
}

func (l *Link) feed(b []byte) {
	log.Debugf("%s: notification (%d): % x", l, len(b), b)
	err := l.reasm.Feed(b)
	var de *jbd.DecodeError
	switch {
	case err == nil:
	case errors.As(err, &de):
		log.Warnf("%s: dropped message: %v", l, err)
	default:
		log.Debugf("%s: %v", l, err)
	}
}

// WatchdogError describes a fired watchdog.
type WatchdogError struct {
	Addr    string
	Elapsed time.Duration
	Limit   time.Duration
}

func (e *WatchdogError) Error() string {
	return fmt.Sprintf("watchdog triggered for %s: no data for %s (limit %s)", e.Addr, e.Elapsed.Round(100*time.Millisecond), e.Limit)
}

// checkWatchdog fires the configured action when no notification arrived
// within WatchdogTimeout. The timer restarts after firing.
func (l *Link) checkWatchdog() error {
	if l.cfg.WatchdogTimeout <= 0 {
		return nil
	}
	now := l.nowFn()
	l.mu.Lock()
	elapsed := now.Sub(l.lastNotify)
	if elapsed <= l.cfg.WatchdogTimeout {
		l.mu.Unlock()
		return nil
	}
	l.lastNotify = now
	l.mu.Unlock()

	werr := &WatchdogError{Addr: l.String(), Elapsed: elapsed, Limit: l.cfg.WatchdogTimeout}
	log.Error(werr)
	switch l.cfg.WatchdogAction {
	case WatchdogReboot:
		log.Error("Watchdog action: REBOOTING SYSTEM")
		log.Flush()
		l.rebootFn()
		return werr
	case WatchdogLog:
		log.Error("Watchdog action: marking battery offline (no reboot configured)")
		if l.onWatchdog != nil {
			l.onWatchdog()
		}
	default:
		log.Errorf("Unknown watchdog action configured: %s", l.cfg.WatchdogAction)
	}
	return nil
}

func reboot() {
	if err := exec.Command("sh", "-c", "sync; sleep 1; reboot").Run(); err != nil {
		log.Errorf("Reboot command failed: %v", err)
	}
	os.Exit(1)
}
