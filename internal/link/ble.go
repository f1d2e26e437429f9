package link

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"tinygo.org/x/bluetooth"
)

// JBD BLE module: one service with a notify characteristic for responses
// and a write characteristic for requests.
var (
	bmsServiceUUID = mustParseUUID("0000ff00-0000-1000-8000-00805f9b34fb")
	bmsNotifyUUID  = mustParseUUID("0000ff01-0000-1000-8000-00805f9b34fb")
	bmsWriteUUID   = mustParseUUID("0000ff02-0000-1000-8000-00805f9b34fb")
)

const scanTimeout = 20 * time.Second

func mustParseUUID(s string) bluetooth.UUID {
	u, err := bluetooth.ParseUUID(s)
	if err != nil {
		panic(err)
	}
	return u
}

var (
	adapterOnce sync.Once
	adapterErr  error
	// Only one scan can run on an adapter at a time.
	scanMu sync.Mutex
)

func enableAdapter() error {
	adapterOnce.Do(func() {
		adapterErr = bluetooth.DefaultAdapter.Enable()
	})
	return adapterErr
}

// BLETransport talks to a JBD BMS through its BLE UART module.
type BLETransport struct {
	addr string

	mu        sync.Mutex
	device    *bluetooth.Device
	writeChar bluetooth.DeviceCharacteristic
}

func NewBLETransport(addr string) *BLETransport {
	return &BLETransport{addr: strings.ToUpper(addr)}
}

func (t *BLETransport) String() string {
	return t.addr
}

func (t *BLETransport) Connect(ctx context.Context, notify func([]byte)) error {
	if err := enableAdapter(); err != nil {
		return &TransportError{Op: "enable adapter", Addr: t.addr, Err: err}
	}
	device, err := t.scanAndConnect(ctx)
	if err != nil {
		return &TransportError{Op: "connect", Addr: t.addr, Err: err}
	}
	ok := false
	defer func() {
		if !ok {
			device.Disconnect()
		}
	}()

	srvs, err := device.DiscoverServices([]bluetooth.UUID{bmsServiceUUID})
	if err != nil || len(srvs) == 0 {
		return &TransportError{Op: "discover services", Addr: t.addr, Err: orNotFound(err, "service ff00")}
	}
	chars, err := srvs[0].DiscoverCharacteristics([]bluetooth.UUID{bmsNotifyUUID, bmsWriteUUID})
	if err != nil {
		return &TransportError{Op: "discover characteristics", Addr: t.addr, Err: err}
	}
	var notifyChar, writeChar bluetooth.DeviceCharacteristic
	var haveNotify, haveWrite bool
	for _, c := range chars {
		switch c.UUID() {
		case bmsNotifyUUID:
			notifyChar, haveNotify = c, true
		case bmsWriteUUID:
			writeChar, haveWrite = c, true
		}
	}
	if !haveNotify || !haveWrite {
		return &TransportError{Op: "discover characteristics", Addr: t.addr, Err: errors.New("ff01/ff02 not found")}
	}
	if err := notifyChar.EnableNotifications(notify); err != nil {
		return &TransportError{Op: "enable notifications", Addr: t.addr, Err: err}
	}

	t.mu.Lock()
	t.device = &device
	t.writeChar = writeChar
	t.mu.Unlock()
	ok = true
	return nil
}

func orNotFound(err error, what string) error {
	if err != nil {
		return err
	}
	return fmt.Errorf("%s not found", what)
}

func (t *BLETransport) scanAndConnect(ctx context.Context) (bluetooth.Device, error) {
	scanMu.Lock()
	defer scanMu.Unlock()

	adapter := bluetooth.DefaultAdapter
	found := make(chan bluetooth.ScanResult, 1)
	scanErr := make(chan error, 1)
	go func() {
		scanErr <- adapter.Scan(func(a *bluetooth.Adapter, result bluetooth.ScanResult) {
			if strings.EqualFold(result.Address.String(), t.addr) {
				a.StopScan()
				select {
				case found <- result:
				default:
				}
			}
		})
	}()

	select {
	case result := <-found:
		log.Infof("Found %s (%s), connecting", t.addr, result.LocalName())
		return adapter.Connect(result.Address, bluetooth.ConnectionParams{})
	case err := <-scanErr:
		if err == nil {
			err = errors.New("scan stopped")
		}
		return bluetooth.Device{}, err
	case <-time.After(scanTimeout):
		_ = adapter.StopScan()
		return bluetooth.Device{}, fmt.Errorf("timeout scanning for %s", t.addr)
	case <-ctx.Done():
		_ = adapter.StopScan()
		return bluetooth.Device{}, ctx.Err()
	}
}

func (t *BLETransport) Write(b []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.device == nil {
		return &TransportError{Op: "write", Addr: t.addr, Err: errors.New("not connected")}
	}
	if _, err := t.writeChar.WriteWithoutResponse(b); err != nil {
		return &TransportError{Op: "write", Addr: t.addr, Err: err}
	}
	return nil
}

func (t *BLETransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.device == nil {
		return nil
	}
	err := t.device.Disconnect()
	t.device = nil
	return err
}
