// Package config loads the bms-controller sections of the shared Cacophony
// config file. Every section starts from its defaults; a section that fails
// to decode or validate is reported and replaced by its defaults so the
// daemon can still start.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	goconfig "github.com/TheCacophonyProject/go-config"
	"github.com/mitchellh/mapstructure"

	"github.com/TheCacophonyProject/bms-controller/battery"
	"github.com/TheCacophonyProject/bms-controller/internal/cellmonitor"
	"github.com/TheCacophonyProject/bms-controller/internal/link"
	"github.com/TheCacophonyProject/bms-controller/internal/logging"
	"github.com/TheCacophonyProject/bms-controller/internal/telemetry"
	"github.com/TheCacophonyProject/bms-controller/internal/vedbus"
	"github.com/TheCacophonyProject/bms-controller/internal/virtual"
)

var log = logging.NewLogger("info")

func SetLogger(l *logging.Logger) {
	log = l
}

const (
	DefaultConfigDir = goconfig.DefaultConfigDir
	ConfigFileName   = goconfig.ConfigFileName
	// SectionPrefix holds every bms-controller table in the shared file.
	SectionPrefix = "bms-controller"
)

// ConfigArgs is embedded in a subcommand's go-arg struct.
type ConfigArgs struct {
	ConfigDir string `arg:"-c,--config-dir" default:"/etc/cacophony" help:"configuration folder"`
}

type DBus struct {
	Enabled             bool          `mapstructure:"enabled"`
	DeviceInstance      int           `mapstructure:"device-instance"`
	CellMonitorInstance int           `mapstructure:"cell-monitor-instance"`
	PublishInterval     time.Duration `mapstructure:"publish-interval"`
	TimeToSOCPoints     []int         `mapstructure:"time-to-soc-points"`
	TimeToGoSOC         float64       `mapstructure:"time-to-go-soc"`
}

func DefaultDBus() DBus {
	return DBus{
		Enabled:             true,
		DeviceInstance:      1,
		CellMonitorInstance: 100,
		PublishInterval:     time.Second,
		TimeToSOCPoints:     vedbus.DefaultTimeToSOCPoints(),
		TimeToGoSOC:         10,
	}
}

func (d DBus) Validate() error {
	if d.PublishInterval <= 0 {
		return errors.New("publish-interval must be positive")
	}
	for _, p := range d.TimeToSOCPoints {
		if p < 0 || p > 100 {
			return fmt.Errorf("time-to-soc point %d is outside 0-100", p)
		}
	}
	if d.TimeToGoSOC < 0 || d.TimeToGoSOC > 100 {
		return fmt.Errorf("time-to-go-soc %.0f is outside 0-100", d.TimeToGoSOC)
	}
	return nil
}

type Config struct {
	Limits      battery.Limits          `mapstructure:"limits"`
	Link        link.Config             `mapstructure:"link"`
	Virtual     virtual.Config          `mapstructure:"virtual"`
	CellMonitor cellmonitor.Config      `mapstructure:"cell-monitor"`
	DBus        DBus                    `mapstructure:"dbus"`
	MQTT        telemetry.MQTTConfig    `mapstructure:"mqtt"`
	Metrics     telemetry.MetricsConfig `mapstructure:"metrics"`
}

func Default() *Config {
	return &Config{
		Limits:      battery.DefaultLimits(),
		Link:        link.DefaultConfig(),
		Virtual:     virtual.DefaultConfig(),
		CellMonitor: cellmonitor.DefaultConfig(),
		DBus:        DefaultDBus(),
		MQTT:        telemetry.DefaultMQTTConfig(),
		Metrics:     telemetry.DefaultMetricsConfig(),
	}
}

// ConfigError is a section of the file that could not be used.
type ConfigError struct {
	Section string
	Err     error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config section %q: %v, using defaults", e.Section, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

type validator interface {
	Validate() error
}

// decode overlays raw onto out, which holds the defaults. Lists in raw
// replace the default list rather than merging with it.
func decode(raw interface{}, out interface{}) error {
	d, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
		WeaklyTypedInput: true,
		ZeroFields:       true,
		ErrorUnused:      true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	return d.Decode(raw)
}

// section reads SectionPrefix.name into a copy of def and validates it.
// On failure def is returned with a ConfigError.
func section[T validator](conf *goconfig.Config, name string, def T) (T, error) {
	var raw map[string]interface{}
	if err := conf.Unmarshal(SectionPrefix+"."+name, &raw); err != nil {
		return def, &ConfigError{Section: name, Err: err}
	}
	if raw == nil {
		return def, nil
	}
	out := def
	if err := decode(raw, &out); err != nil {
		return def, &ConfigError{Section: name, Err: err}
	}
	if err := out.Validate(); err != nil {
		return def, &ConfigError{Section: name, Err: err}
	}
	return out, nil
}

// Load reads ConfigFileName from dir. A missing file gives the defaults.
// The returned config is always usable; the error joins every ConfigError
// met along the way.
func Load(dir string) (*Config, error) {
	conf, err := goconfig.New(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			log.Infof("No config file in %s, using defaults", dir)
			return Default(), nil
		}
		return Default(), &ConfigError{Section: ConfigFileName, Err: err}
	}
	return fromConfig(conf)
}

func fromConfig(conf *goconfig.Config) (*Config, error) {
	def := Default()
	c := &Config{}
	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	var err error
	c.Limits, err = section(conf, "limits", def.Limits)
	collect(err)
	c.Link, err = section(conf, "link", def.Link)
	collect(err)
	c.Virtual, err = section(conf, "virtual", def.Virtual)
	collect(err)
	c.CellMonitor, err = section(conf, "cell-monitor", def.CellMonitor)
	collect(err)
	c.DBus, err = section(conf, "dbus", def.DBus)
	collect(err)
	c.MQTT, err = section(conf, "mqtt", def.MQTT)
	collect(err)
	c.Metrics, err = section(conf, "metrics", def.Metrics)
	collect(err)
	return c, errors.Join(errs...)
}

// LogSettings writes the settings that change how the daemon behaves.
func (c *Config) LogSettings() {
	l := c.Limits
	log.Infof("Cell voltage min %.3fV max %.3fV float %.3fV", l.MinCellVoltage, l.MaxCellVoltage, l.FloatCellVoltage)
	log.Infof("Max charge current %.1fA, max discharge current %.1fA", l.MaxChargeCurrent, l.MaxDischargeCurrent)
	log.Infof("Charge voltage control: %t, linear limitation: %t", l.CVCMEnable, l.LinearLimitation)
	log.Infof("Poll interval %s, watchdog %s (%s)", c.Link.PollInterval, c.Link.WatchdogTimeout, c.Link.WatchdogAction)
	if c.Link.WatchdogAction == link.WatchdogReboot {
		log.Warn("Watchdog action is REBOOT: a stalled link will reboot the system")
	}
	log.Infof("Cell monitor sample interval %s, alert threshold %.3fV", c.CellMonitor.SampleInterval, c.CellMonitor.AlertThreshold)
}
