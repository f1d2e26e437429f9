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

package btbattery

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	arg "github.com/alexflint/go-arg"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/TheCacophonyProject/bms-controller/battery"
	"github.com/TheCacophonyProject/bms-controller/internal/cellmonitor"
	"github.com/TheCacophonyProject/bms-controller/internal/config"
	"github.com/TheCacophonyProject/bms-controller/internal/link"
	"github.com/TheCacophonyProject/bms-controller/internal/logging"
	"github.com/TheCacophonyProject/bms-controller/internal/telemetry"
	"github.com/TheCacophonyProject/bms-controller/internal/vedbus"
	"github.com/TheCacophonyProject/bms-controller/internal/virtual"
	"github.com/TheCacophonyProject/bms-controller/serialhelper"
)

var (
	version = "<not set>"
	log     = logging.NewLogger("info")
)

type Args struct {
	Addresses []string `arg:"positional,required" help:"BMS addresses: MAC, MAC:config, /dev/ttyUSB0 or /dev/ttyUSB0:config"`
	Series    bool     `arg:"-s,--series" help:"batteries are connected in series (default)"`
	Parallel  bool     `arg:"-p,--parallel" help:"batteries are connected in parallel"`
	config.ConfigArgs
	logging.LogArgs
}

func (Args) Version() string {
	return version
}

var defaultArgs = Args{}

func procArgs(input []string) (Args, error) {
	args := defaultArgs

	parser, err := arg.NewParser(arg.Config{}, &args)
	if err != nil {
		return Args{}, err
	}
	err = parser.Parse(input)
	if errors.Is(err, arg.ErrHelp) {
		parser.WriteHelp(os.Stdout)
		os.Exit(0)
	}
	if errors.Is(err, arg.ErrVersion) {
		fmt.Println(version)
		os.Exit(0)
	}
	return args, err
}

func setLoggers(l *logging.Logger) {
	log = l
	config.SetLogger(l)
	link.SetLogger(l)
	virtual.SetLogger(l)
	cellmonitor.SetLogger(l)
	vedbus.SetLogger(l)
	telemetry.SetLogger(l)
	serialhelper.SetLogger(l)
}

// newLinkBattery builds the physical battery for d. A per-battery file that
// cannot be read leaves the shared limits in place.
func newLinkBattery(d Device, cfg *config.Config) *link.Battery {
	limits := cfg.Limits
	if d.ConfigPath != "" {
		l, err := config.LoadDevice(d.ConfigPath, limits)
		if err != nil {
			log.Errorf("Custom config for %s: %v", d.ID, err)
		} else {
			limits = l
		}
	}
	var t link.Transport
	if d.Serial {
		t = link.NewSerialTransport(d.ID, cfg.Link.SerialBaud)
	} else {
		t = link.NewBLETransport(d.ID)
	}
	return link.NewBattery(d.ID, t, cfg.Link, limits)
}

func Run(inputArgs []string, ver string) error {
	version = ver
	args, err := procArgs(inputArgs)
	if err != nil {
		return fmt.Errorf("failed to parse args: %v", err)
	}
	setLoggers(logging.NewLogger(args.LogLevel))
	log.Infof("Running version: %s", version)

	devices, err := ParseDevices(args.Addresses)
	if err != nil {
		return err
	}

	cfg, err := config.Load(args.ConfigDir)
	if err != nil {
		log.Warnf("Config problems, using defaults where needed: %v", err)
	}
	cfg.LogSettings()

	series := !args.Parallel
	members := make([]battery.Battery, 0, len(devices))
	for _, d := range devices {
		members = append(members, newLinkBattery(d, cfg))
	}
	if len(members) > 1 {
		kind := "series"
		if !series {
			kind = "parallel"
		}
		log.Infof("Creating virtual battery with %d components in %s mode", len(members), kind)
	}
	c, err := NewCoordinator(cfg, members, series, version)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	defer func() {
		if err := c.Shutdown(cfg.Link.StopTimeout); err != nil {
			log.Errorf("Error during shutdown: %v", err)
		}
	}()

	if err := c.Monitor().LoadHistory(); err != nil {
		log.Errorf("Error loading cell history data: %v", err)
	}
	if !c.Settings(ctx) {
		return errors.New("failed to get initial battery settings")
	}

	if cfg.DBus.Enabled {
		if err := c.AttachDBus(); err != nil {
			return err
		}
	}
	if cfg.MQTT.Enabled {
		sink, err := telemetry.NewMQTTSink(cfg.MQTT)
		if err != nil {
			log.Errorf("MQTT disabled: %v", err)
		} else {
			c.AttachMQTT(sink)
		}
	}
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		m, err := telemetry.NewMetrics(reg)
		if err != nil {
			return err
		}
		c.AttachMetrics(m)
		go func() {
			if err := telemetry.Serve(ctx, cfg.Metrics.Address, reg); err != nil {
				log.Error(err)
			}
		}()
	}
	if cfg.CellMonitor.EventAlerts {
		c.Monitor().AddSink(cellmonitor.NewEventAlertSink(cfg.CellMonitor.EventInterval))
	}
	c.Monitor().Start()

	go func() {
		if err := config.CheckChanges(ctx, cfg, args.ConfigDir); err != nil {
			log.Errorf("Not watching config file: %v", err)
		}
	}()

	c.Loop(ctx, cfg.DBus.PublishInterval)
	log.Info("Received signal, shutting down...")
	return nil
}
