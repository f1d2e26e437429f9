package btbattery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/TheCacophonyProject/bms-controller/battery"
	"github.com/TheCacophonyProject/bms-controller/internal/cellmonitor"
	"github.com/TheCacophonyProject/bms-controller/internal/config"
	"github.com/TheCacophonyProject/bms-controller/internal/telemetry"
	"github.com/TheCacophonyProject/bms-controller/internal/vedbus"
	"github.com/TheCacophonyProject/bms-controller/internal/virtual"
)

const processName = "bms-controller"

type memberSource []battery.Battery

func (s memberSource) Members() []battery.Battery {
	return s
}

// Coordinator owns everything the daemon drives: the published battery
// (one pack or a virtual aggregate), the cell monitor and the outputs.
type Coordinator struct {
	cfg     *config.Config
	bat     battery.Battery
	virt    *virtual.Virtual
	members []battery.Battery
	monitor *cellmonitor.Monitor

	batteryTree *vedbus.Tree
	monitorTree *vedbus.Tree
	pub         *vedbus.BatteryPublisher
	cellPub     *vedbus.CellMonitorPublisher

	services []*vedbus.Service
	mqtt     *telemetry.MQTTSink
	metrics  *telemetry.Metrics

	stopOnce sync.Once
}

// NewCoordinator wraps a single member as is and more than one in a
// virtual battery.
func NewCoordinator(cfg *config.Config, members []battery.Battery, series bool, version string) (*Coordinator, error) {
	if len(members) == 0 {
		return nil, errNoDevices
	}
	c := &Coordinator{
		cfg:         cfg,
		members:     members,
		batteryTree: vedbus.NewTree(),
		monitorTree: vedbus.NewTree(),
	}

	info := vedbus.DeviceInfo{
		ProcessName:     processName,
		ProcessVersion:  version,
		FirmwareVersion: version,
		HardwareVersion: "1.0",
		DeviceInstance:  cfg.DBus.DeviceInstance,
	}
	parallel := false
	if len(members) == 1 {
		c.bat = members[0]
		info.Connection = "Bluetooth " + c.bat.ID()
		info.ProductName = "BluetoothBattery(JBD)"
		info.CustomName = info.ProductName
	} else {
		v, err := virtual.New(members, series, cfg.Virtual, cfg.Limits)
		if err != nil {
			return nil, err
		}
		c.virt = v
		c.bat = v
		kind := "series"
		if !series {
			kind = "parallel"
			parallel = true
		}
		info.Connection = "Virtual Battery"
		info.ProductName = fmt.Sprintf("Virtual Battery (%s)", kind)
		info.CustomName = fmt.Sprintf("Virtual %s Battery", kind)
	}
	c.pub = vedbus.NewBatteryPublisher(c.batteryTree, info, vedbus.PublisherOptions{
		TimeToSOCPoints: cfg.DBus.TimeToSOCPoints,
		TimeToGoSOC:     cfg.DBus.TimeToGoSOC,
		Parallel:        parallel,
	})

	var store cellmonitor.Store
	if cfg.CellMonitor.HistoryFile != "" {
		store = cellmonitor.FileStore{Path: cfg.CellMonitor.HistoryFile}
	}
	c.monitor = cellmonitor.New(memberSource(members), store, cfg.CellMonitor)
	c.cellPub = vedbus.NewCellMonitorPublisher(c.monitorTree, c.monitor, vedbus.DeviceInfo{
		ProcessName:     processName,
		ProcessVersion:  version,
		FirmwareVersion: version,
		HardwareVersion: "1.0",
		DeviceInstance:  cfg.DBus.CellMonitorInstance,
	})
	return c, nil
}

func (c *Coordinator) Battery() battery.Battery {
	return c.bat
}

func (c *Coordinator) Monitor() *cellmonitor.Monitor {
	return c.monitor
}

// ServiceName is the bus name of the published battery.
func (c *Coordinator) ServiceName() string {
	return vedbus.ServiceName(c.bat.ID())
}

// Settings runs the initial handshake of every member.
func (c *Coordinator) Settings(ctx context.Context) bool {
	return c.bat.Settings(ctx)
}

// AttachDBus exports the battery and cell monitor trees on the system bus.
func (c *Coordinator) AttachDBus() error {
	for _, s := range []struct {
		name string
		tree *vedbus.Tree
	}{
		{c.ServiceName(), c.batteryTree},
		{vedbus.CellMonitorService, c.monitorTree},
	} {
		svc, err := vedbus.NewService(s.name, s.tree)
		if err != nil {
			return fmt.Errorf("creating service %s: %w", s.name, err)
		}
		log.Infof("DBUS service created: %s", s.name)
		c.services = append(c.services, svc)
	}
	return nil
}

// AttachMQTT publishes snapshots and alerts to sink from now on.
func (c *Coordinator) AttachMQTT(sink *telemetry.MQTTSink) {
	c.mqtt = sink
	c.monitor.AddSink(sink)
}

func (c *Coordinator) AttachMetrics(m *telemetry.Metrics) {
	c.metrics = m
}

// refresh isolates a panicking battery so the tick loop keeps running.
func (c *Coordinator) refresh() (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("Error refreshing %s: %v", c.bat.ID(), r)
			ok = false
		}
	}()
	return c.bat.Refresh()
}

// Tick refreshes the battery and publishes the result everywhere. An
// offline battery is published too so its paths go invalid.
func (c *Coordinator) Tick() bool {
	ok := c.refresh()
	if !ok {
		log.Debug("Failed to refresh battery data")
	}

	if c.virt != nil {
		vs := c.virt.State()
		c.pub.PublishVirtual(vs)
		if c.metrics != nil {
			c.metrics.ObserveVirtual(vs)
		}
		if c.mqtt != nil {
			if err := c.mqtt.PublishVirtual(vs); err != nil {
				log.Warnf("MQTT: %v", err)
			}
		}
	} else {
		s := c.bat.Snapshot()
		c.pub.Publish(s)
		if c.metrics != nil {
			c.metrics.Observe(s)
		}
	}

	// Physical members go out on their own topics.
	for _, m := range c.members {
		s := m.Snapshot()
		if c.metrics != nil && c.virt != nil {
			c.metrics.Observe(s)
		}
		if c.mqtt != nil {
			if err := c.mqtt.PublishSnapshot(s); err != nil {
				log.Warnf("MQTT: %v", err)
			}
		}
	}

	c.cellPub.Update()
	if c.metrics != nil {
		c.metrics.ObserveAlerts(c.monitor.AlertCount())
	}
	return ok
}

// Loop ticks every interval until ctx is done.
func (c *Coordinator) Loop(ctx context.Context, interval time.Duration) {
	log.Infof("Starting battery polling every %s", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	c.Tick()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Tick()
		}
	}
}

// Shutdown stops the cell monitor (saving its history), every member and
// the outputs. Each step is bounded by timeout.
func (c *Coordinator) Shutdown(timeout time.Duration) error {
	var errs []error
	c.stopOnce.Do(func() {
		log.Info("Stopping cell monitor...")
		if err := c.monitor.Stop(timeout); err != nil {
			errs = append(errs, err)
		}
		log.Info("Stopping battery instance...")
		if err := c.bat.Stop(timeout); err != nil {
			errs = append(errs, err)
		}
		for _, s := range c.services {
			if err := s.Close(); err != nil {
				errs = append(errs, fmt.Errorf("closing %s: %w", s.Name(), err))
			}
		}
		if c.mqtt != nil {
			c.mqtt.Close()
		}
		log.Info("Shutdown complete")
	})
	return errors.Join(errs...)
}
