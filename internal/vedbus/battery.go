package vedbus

import (
	"fmt"
	"math"

	"github.com/TheCacophonyProject/bms-controller/battery"
	"github.com/TheCacophonyProject/bms-controller/internal/virtual"
)

// DeviceInfo holds the management and product paths of a battery service.
type DeviceInfo struct {
	ProcessName     string
	ProcessVersion  string
	Connection      string
	ProductName     string
	CustomName      string
	FirmwareVersion string
	HardwareVersion string
	DeviceInstance  int
}

type PublisherOptions struct {
	// TimeToSOCPoints are the SOC levels published under /TimeToSoC.
	TimeToSOCPoints []int
	// TimeToGoSOC is the SOC level /TimeToGo counts down to.
	TimeToGoSOC float64
	// Parallel adds the /Parallel paths of a parallel virtual battery.
	Parallel bool
}

func DefaultTimeToSOCPoints() []int {
	return []int{100, 95, 90, 85, 75, 50, 25, 20, 10, 0}
}

// BatteryPublisher maps battery snapshots onto the Victron battery paths.
type BatteryPublisher struct {
	tree  *Tree
	opts  PublisherOptions
	cells int
}

var (
	volts2  = ItemOptions{Writable: true, Format: Units(2, "V")}
	volts3  = ItemOptions{Writable: true, Format: Units(3, "V")}
	amps2   = ItemOptions{Writable: true, Format: Units(2, "A")}
	amphour = ItemOptions{Writable: true, Format: Units(0, "Ah")}
	watts   = ItemOptions{Writable: true, Format: Units(0, "W")}
	plain   = ItemOptions{Writable: true}
	yesNo   = ItemOptions{Writable: true, Format: YesNo}
)

// numericPaths are invalidated while the battery is offline.
var numericPaths = []string{
	"/Soc", "/Dc/0/Voltage", "/Dc/0/Current", "/Dc/0/Power", "/Dc/0/Temperature",
	"/Capacity", "/InstalledCapacity", "/ConsumedAmphours",
	"/System/MinCellTemperature", "/System/MaxCellTemperature",
	"/System/MinCellVoltage", "/System/MaxCellVoltage",
	"/System/MinVoltageCellId", "/System/MaxVoltageCellId",
	"/System/NrOfCellsPerBattery", "/History/ChargeCycles", "/Balancing",
	"/Voltages/Sum", "/Voltages/Diff", "/TimeToGo",
	"/Alarms/LowVoltage", "/Alarms/HighVoltage", "/Alarms/LowCellVoltage",
	"/Alarms/HighCellVoltage", "/Alarms/LowSoc", "/Alarms/HighChargeCurrent",
	"/Alarms/HighDischargeCurrent", "/Alarms/CellImbalance", "/Alarms/InternalFailure",
	"/Alarms/HighChargeTemperature", "/Alarms/LowChargeTemperature",
	"/Alarms/HighTemperature", "/Alarms/LowTemperature",
}

func NewBatteryPublisher(tree *Tree, info DeviceInfo, opts PublisherOptions) *BatteryPublisher {
	p := &BatteryPublisher{tree: tree, opts: opts}
	add := func(path string, v interface{}, o ItemOptions) {
		if err := tree.Add(path, v, o); err != nil {
			log.Errorf("Adding %s: %v", path, err)
		}
	}

	add("/Mgmt/ProcessName", info.ProcessName, ItemOptions{})
	add("/Mgmt/ProcessVersion", info.ProcessVersion, ItemOptions{})
	add("/Mgmt/Connection", info.Connection, ItemOptions{})
	add("/DeviceInstance", info.DeviceInstance, ItemOptions{})
	add("/ProductId", 0, ItemOptions{})
	add("/ProductName", info.ProductName, ItemOptions{})
	add("/FirmwareVersion", info.FirmwareVersion, ItemOptions{})
	add("/HardwareVersion", info.HardwareVersion, ItemOptions{})
	add("/Connected", 0, ItemOptions{})
	add("/CustomName", info.CustomName, ItemOptions{Writable: true})

	add("/Info/BatteryLowVoltage", nil, plain)
	add("/Info/MaxChargeVoltage", nil, volts2)
	add("/Info/MaxChargeCurrent", nil, amps2)
	add("/Info/MaxDischargeCurrent", nil, amps2)
	add("/System/NrOfCellsPerBattery", nil, plain)
	add("/System/NrOfModulesOnline", 0, plain)
	add("/System/NrOfModulesOffline", 1, plain)
	add("/System/NrOfModulesBlockingCharge", nil, plain)
	add("/System/NrOfModulesBlockingDischarge", nil, plain)
	add("/Capacity", nil, ItemOptions{Writable: true, Format: Units(2, "Ah")})
	add("/InstalledCapacity", nil, amphour)
	add("/ConsumedAmphours", nil, amphour)

	add("/Soc", nil, plain)
	add("/Dc/0/Voltage", nil, volts2)
	add("/Dc/0/Current", nil, amps2)
	add("/Dc/0/Power", nil, watts)
	add("/Dc/0/Temperature", nil, plain)

	add("/System/MinCellTemperature", nil, plain)
	add("/System/MaxCellTemperature", nil, plain)
	add("/System/MaxCellVoltage", nil, volts3)
	add("/System/MaxVoltageCellId", nil, plain)
	add("/System/MinCellVoltage", nil, volts3)
	add("/System/MinVoltageCellId", nil, plain)
	add("/History/ChargeCycles", nil, plain)
	add("/Balancing", nil, plain)
	add("/Io/AllowToCharge", 0, plain)
	add("/Io/AllowToDischarge", 0, plain)

	for _, a := range []string{
		"LowVoltage", "HighVoltage", "LowCellVoltage", "HighCellVoltage", "LowSoc",
		"HighChargeCurrent", "HighDischargeCurrent", "CellImbalance", "InternalFailure",
		"HighChargeTemperature", "LowChargeTemperature", "HighTemperature", "LowTemperature",
	} {
		add("/Alarms/"+a, nil, plain)
	}

	add("/Voltages/Sum", nil, volts2)
	add("/Voltages/Diff", nil, volts3)
	for _, n := range opts.TimeToSOCPoints {
		add(fmt.Sprintf("/TimeToSoC/%d", n), nil, plain)
	}
	add("/TimeToGo", nil, plain)

	if opts.Parallel {
		add("/Parallel/VoltageImbalance", 0, yesNo)
		add("/Parallel/CurrentImbalance", 0, yesNo)
		add("/Parallel/SocImbalance", 0, yesNo)
		add("/Parallel/TotalBatteries", 0, plain)
		add("/Parallel/ActiveBatteries", 0, plain)
	}
	return p
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}

func optional(v float64, ok bool) interface{} {
	if !ok {
		return nil
	}
	return v
}

func flag(b bool) int {
	if b {
		return 1
	}
	return 0
}

// ensureCells adds the per cell paths up to n.
func (p *BatteryPublisher) ensureCells(n int) {
	for i := p.cells + 1; i <= n; i++ {
		p.tree.Add(fmt.Sprintf("/Voltages/Cell%d", i), nil, volts3)
		p.tree.Add(fmt.Sprintf("/Balances/Cell%d", i), nil, plain)
	}
	p.cells = max(p.cells, n)
}

// Publish updates every path from s. An offline battery reports
// /Connected 0 and invalid measurements rather than stale ones.
func (p *BatteryPublisher) Publish(s battery.Snapshot) {
	t := p.tree
	if !s.Online {
		t.Publish("/Connected", 0)
		t.Publish("/System/NrOfModulesOnline", 0)
		t.Publish("/System/NrOfModulesOffline", 1)
		t.Publish("/Io/AllowToCharge", 0)
		t.Publish("/Io/AllowToDischarge", 0)
		for _, path := range numericPaths {
			t.Publish(path, nil)
		}
		for _, n := range p.opts.TimeToSOCPoints {
			t.Publish(fmt.Sprintf("/TimeToSoC/%d", n), nil)
		}
		for i := 1; i <= p.cells; i++ {
			t.Publish(fmt.Sprintf("/Voltages/Cell%d", i), nil)
			t.Publish(fmt.Sprintf("/Balances/Cell%d", i), nil)
		}
		return
	}

	t.Publish("/Connected", 1)
	t.Publish("/System/NrOfModulesOnline", 1)
	t.Publish("/System/NrOfModulesOffline", 0)
	t.Publish("/System/NrOfCellsPerBattery", s.CellCount)
	t.Publish("/Soc", round(s.SOC, 2))
	t.Publish("/Dc/0/Voltage", round(s.Voltage, 2))
	t.Publish("/Dc/0/Current", round(s.Current, 2))
	t.Publish("/Dc/0/Power", round(s.Power(), 2))
	t.Publish("/Dc/0/Temperature", optional(s.AvgTemp()))
	t.Publish("/Capacity", s.CapacityRemain)
	t.Publish("/InstalledCapacity", s.Capacity)
	t.Publish("/ConsumedAmphours", s.ConsumedAh())
	t.Publish("/History/ChargeCycles", s.Cycles)

	allowCharge := s.ChargeFET && (!s.HasControl || s.AllowCharge)
	allowDischarge := s.DischargeFET && (!s.HasControl || s.AllowDischarge)
	t.Publish("/Io/AllowToCharge", flag(allowCharge))
	t.Publish("/Io/AllowToDischarge", flag(allowDischarge))
	t.Publish("/System/NrOfModulesBlockingCharge", flag(!allowCharge))
	t.Publish("/System/NrOfModulesBlockingDischarge", flag(!s.DischargeFET))
	t.Publish("/System/MinCellTemperature", optional(s.MinTemp()))
	t.Publish("/System/MaxCellTemperature", optional(s.MaxTemp()))

	t.Publish("/Info/BatteryLowVoltage", s.MinBatteryVoltage)
	if s.HasControl {
		t.Publish("/Info/MaxChargeVoltage", s.ControlVoltage)
		t.Publish("/Info/MaxChargeCurrent", s.ControlChargeCurrent)
		t.Publish("/Info/MaxDischargeCurrent", s.ControlDischargeCurrent)
	} else {
		t.Publish("/Info/MaxChargeVoltage", s.MaxBatteryVoltage)
		t.Publish("/Info/MaxChargeCurrent", s.MaxChargeCurrent)
		t.Publish("/Info/MaxDischargeCurrent", s.MaxDischargeCurrent)
	}

	pr := s.Protection
	t.Publish("/Alarms/LowVoltage", int(pr.VoltageLow))
	t.Publish("/Alarms/HighVoltage", int(pr.VoltageHigh))
	t.Publish("/Alarms/LowCellVoltage", int(pr.VoltageCellLow))
	t.Publish("/Alarms/HighCellVoltage", int(pr.VoltageCellHigh))
	t.Publish("/Alarms/LowSoc", int(pr.SOCLow))
	t.Publish("/Alarms/HighChargeCurrent", int(pr.CurrentOver))
	t.Publish("/Alarms/HighDischargeCurrent", int(pr.CurrentUnder))
	t.Publish("/Alarms/CellImbalance", int(pr.CellImbalance))
	t.Publish("/Alarms/InternalFailure", int(pr.InternalFailure))
	t.Publish("/Alarms/HighChargeTemperature", int(pr.TempHighCharge))
	t.Publish("/Alarms/LowChargeTemperature", int(pr.TempLowCharge))
	t.Publish("/Alarms/HighTemperature", int(pr.TempHighDischarge))
	t.Publish("/Alarms/LowTemperature", int(pr.TempLowDischarge))

	p.publishCells(s)
	p.publishTimeToSOC(s)
}

func (p *BatteryPublisher) publishCells(s battery.Snapshot) {
	t := p.tree
	p.ensureCells(len(s.Cells))
	for i := 1; i <= p.cells; i++ {
		var v, b interface{}
		if i <= len(s.Cells) {
			c := s.Cells[i-1]
			if c.Valid {
				v = c.Voltage
			}
			b = flag(c.Balancing)
		}
		t.Publish(fmt.Sprintf("/Voltages/Cell%d", i), v)
		t.Publish(fmt.Sprintf("/Balances/Cell%d", i), b)
	}
	t.Publish("/Balancing", flag(s.Cells.AnyBalancing()))

	st, ok := s.Cells.Stats()
	if !ok {
		for _, path := range []string{"/Voltages/Sum", "/Voltages/Diff", "/System/MinCellVoltage",
			"/System/MaxCellVoltage", "/System/MinVoltageCellId", "/System/MaxVoltageCellId"} {
			t.Publish(path, nil)
		}
		return
	}
	t.Publish("/Voltages/Sum", round(s.Cells.Sum(), 3))
	t.Publish("/Voltages/Diff", round(st.Spread, 3))
	t.Publish("/System/MinCellVoltage", st.Min)
	t.Publish("/System/MaxCellVoltage", st.Max)
	t.Publish("/System/MinVoltageCellId", fmt.Sprintf("C%d", st.MinIndex+1))
	t.Publish("/System/MaxVoltageCellId", fmt.Sprintf("C%d", st.MaxIndex+1))
}

func (p *BatteryPublisher) publishTimeToSOC(s battery.Snapshot) {
	seconds := func(target float64) interface{} {
		d, ok := s.TimeToSOC(target)
		if !ok {
			return nil
		}
		return int(d.Seconds())
	}
	for _, n := range p.opts.TimeToSOCPoints {
		p.tree.Publish(fmt.Sprintf("/TimeToSoC/%d", n), seconds(float64(n)))
	}
	p.tree.Publish("/TimeToGo", seconds(p.opts.TimeToGoSOC))
}

// PublishVirtual publishes an aggregate, including the module counts and
// for a parallel bank the imbalance flags.
func (p *BatteryPublisher) PublishVirtual(v virtual.Snapshot) {
	p.Publish(v.Snapshot)
	t := p.tree
	t.Publish("/System/NrOfModulesOnline", v.Active)
	t.Publish("/System/NrOfModulesOffline", v.Total-v.Active)
	if p.opts.Parallel {
		t.Publish("/Parallel/VoltageImbalance", flag(v.VoltageImbalance))
		t.Publish("/Parallel/CurrentImbalance", flag(v.CurrentImbalance))
		t.Publish("/Parallel/SocImbalance", flag(v.SOCImbalance))
		t.Publish("/Parallel/TotalBatteries", v.Total)
		t.Publish("/Parallel/ActiveBatteries", v.Active)
	}
}
