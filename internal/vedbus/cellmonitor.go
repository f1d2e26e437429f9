package vedbus

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/TheCacophonyProject/bms-controller/internal/cellmonitor"
)

const CellMonitorService = ServicePrefix + "cellmonitor"

// CellMonitorPublisher exposes the cell monitor statistics and its two
// settings. Writes to the settings are clamped by the monitor.
type CellMonitorPublisher struct {
	tree      *Tree
	mon       *cellmonitor.Monitor
	batteries map[string]bool
}

var batteryStatPaths = []string{"MinVoltage", "MaxVoltage", "AvgVoltage", "VoltageSpread"}

func NewCellMonitorPublisher(tree *Tree, mon *cellmonitor.Monitor, info DeviceInfo) *CellMonitorPublisher {
	p := &CellMonitorPublisher{tree: tree, mon: mon, batteries: map[string]bool{}}
	tree.Add("/Mgmt/ProcessName", info.ProcessName, ItemOptions{})
	tree.Add("/Mgmt/ProcessVersion", info.ProcessVersion, ItemOptions{})
	tree.Add("/Mgmt/Connection", "Cell Monitor", ItemOptions{})
	tree.Add("/DeviceInstance", info.DeviceInstance, ItemOptions{})
	tree.Add("/ProductId", 0, ItemOptions{})
	tree.Add("/ProductName", "Battery Cell Monitor", ItemOptions{})
	tree.Add("/FirmwareVersion", info.FirmwareVersion, ItemOptions{})
	tree.Add("/HardwareVersion", info.HardwareVersion, ItemOptions{})
	tree.Add("/Connected", 1, ItemOptions{})
	tree.Add("/CustomName", "Cell Monitor", ItemOptions{Writable: true})

	tree.Add("/Settings/SampleInterval", int(mon.SampleInterval()/time.Second), ItemOptions{
		Writable: true,
		OnChange: p.sampleIntervalChanged,
		Format:   Units(0, "s"),
	})
	tree.Add("/Settings/AlertThreshold", mon.AlertThreshold(), ItemOptions{
		Writable: true,
		OnChange: p.alertThresholdChanged,
		Format:   Units(3, "V"),
	})

	for _, s := range []string{"MinVoltage", "MaxVoltage", "AvgVoltage", "MaxSpread"} {
		tree.Add("/CellMonitor/Statistics/"+s, nil, volts3)
	}
	tree.Add("/CellMonitor/Statistics/LastUpdate", 0, plain)
	tree.Add("/CellMonitor/Alerts/Count", 0, plain)
	tree.Add("/CellMonitor/Alerts/Latest", "", plain)
	tree.Add("/CellMonitor/BatteryCount", 0, plain)
	tree.Add("/CellMonitor/Data", "{}", plain)
	return p
}

func (p *CellMonitorPublisher) sampleIntervalChanged(path string, v interface{}) (interface{}, bool) {
	f, ok := ToFloat(v)
	if !ok {
		return nil, false
	}
	applied := p.mon.SetSampleInterval(time.Duration(f) * time.Second)
	log.Infof("Sample interval changed to %s", applied)
	return int(applied / time.Second), true
}

func (p *CellMonitorPublisher) alertThresholdChanged(path string, v interface{}) (interface{}, bool) {
	f, ok := ToFloat(v)
	if !ok {
		return nil, false
	}
	applied := p.mon.SetAlertThreshold(f)
	log.Infof("Alert threshold changed to %.3fV", applied)
	return applied, true
}

func batteryBase(id string) string {
	return "/CellMonitor/Batteries/" + strings.ReplaceAll(id, ":", "_")
}

func (p *CellMonitorPublisher) addBattery(id string) {
	base := batteryBase(id)
	p.tree.Add(base+"/CellCount", 0, plain)
	for _, s := range batteryStatPaths {
		p.tree.Add(base+"/"+s, nil, volts3)
	}
	p.tree.Add(base+"/LastUpdate", 0, plain)
	p.tree.Add(base+"/CellVoltages", "[]", plain)
	p.tree.Add(base+"/Balancing", "[]", plain)
	p.batteries[id] = true
}

func unix(t time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	return float64(t.UnixNano()) / 1e9
}

func statValue(v float64, valid bool) interface{} {
	if !valid {
		return nil
	}
	return v
}

func mustJSON(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		log.Errorf("Encoding cell monitor data: %v", err)
		return ""
	}
	return string(b)
}

// Update publishes the current monitor state.
func (p *CellMonitorPublisher) Update() {
	d := p.mon.CellData("")
	t := p.tree
	t.Publish("/Settings/SampleInterval", int(p.mon.SampleInterval()/time.Second))
	t.Publish("/Settings/AlertThreshold", p.mon.AlertThreshold())
	o := d.Overall
	t.Publish("/CellMonitor/Statistics/MinVoltage", statValue(o.Min, o.Valid))
	t.Publish("/CellMonitor/Statistics/MaxVoltage", statValue(o.Max, o.Valid))
	t.Publish("/CellMonitor/Statistics/AvgVoltage", statValue(o.Avg, o.Valid))
	t.Publish("/CellMonitor/Statistics/MaxSpread", statValue(o.MaxSpread, o.Valid))
	t.Publish("/CellMonitor/Statistics/LastUpdate", unix(d.Timestamp))
	t.Publish("/CellMonitor/BatteryCount", len(d.Batteries))
	t.Publish("/CellMonitor/Alerts/Count", p.mon.AlertCount())
	if len(d.RecentAlerts) > 0 {
		a := d.RecentAlerts[0]
		t.Publish("/CellMonitor/Alerts/Latest", fmt.Sprintf("Battery %s: Imbalance %.3fV (min=%.3fV, max=%.3fV)",
			a.BatteryID, a.Spread, a.Min, a.Max))
	}
	t.Publish("/CellMonitor/Data", mustJSON(d))

	for id, b := range d.Batteries {
		if !p.batteries[id] {
			p.addBattery(id)
		}
		base := batteryBase(id)
		t.Publish(base+"/CellCount", b.CellCount)
		t.Publish(base+"/MinVoltage", statValue(b.Min, b.Valid))
		t.Publish(base+"/MaxVoltage", statValue(b.Max, b.Valid))
		t.Publish(base+"/AvgVoltage", statValue(b.Avg, b.Valid))
		t.Publish(base+"/VoltageSpread", statValue(b.Spread, b.Valid))
		t.Publish(base+"/LastUpdate", unix(b.LastUpdate))
		volts := make([]*float64, len(b.Cells))
		balancing := make([]bool, len(b.Cells))
		for i, c := range b.Cells {
			if c.Valid {
				v := c.Voltage
				volts[i] = &v
			}
			balancing[i] = c.Balancing
		}
		t.Publish(base+"/CellVoltages", mustJSON(volts))
		t.Publish(base+"/Balancing", mustJSON(balancing))
	}

	// Batteries no longer monitored keep their paths but lose their values.
	for id := range p.batteries {
		if _, ok := d.Batteries[id]; ok {
			continue
		}
		base := batteryBase(id)
		for _, s := range batteryStatPaths {
			t.Publish(base+"/"+s, nil)
		}
		t.Publish(base+"/CellCount", 0)
		t.Publish(base+"/CellVoltages", "[]")
		t.Publish(base+"/Balancing", "[]")
	}
}
