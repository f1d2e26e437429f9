package btbattery

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

// MaxDevices is how many packs one daemon drives.
const MaxDevices = 4

// Device is one address given on the command line.
type Device struct {
	// ID is the upper case MAC address or the serial device path.
	ID string
	// ConfigPath is an optional per-battery limits file.
	ConfigPath string
	Serial     bool
}

var errNoDevices = errors.New("no battery addresses provided")

// ParseDevice accepts MAC, MAC:config, /dev/tty.. and /dev/tty..:config.
// A MAC has five colons, so the config path starts after the sixth.
func ParseDevice(s string) (Device, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Device{}, errors.New("empty address")
	}
	if strings.HasPrefix(s, "/dev/") {
		path, cfg, found := strings.Cut(s, ":")
		if found && cfg == "" {
			return Device{}, fmt.Errorf("invalid address:config format %q", s)
		}
		return Device{ID: path, ConfigPath: cfg, Serial: true}, nil
	}
	if strings.Count(s, ":") <= 5 {
		return Device{ID: strings.ToUpper(s)}, nil
	}
	parts := strings.SplitN(s, ":", 7)
	d := Device{ID: strings.ToUpper(strings.Join(parts[:6], ":")), ConfigPath: parts[6]}
	if d.ConfigPath == "" {
		return Device{}, fmt.Errorf("invalid address:config format %q", s)
	}
	return d, nil
}

// ParseDevices parses every address. More than MaxDevices are cut down with
// a warning; none at all is an error.
func ParseDevices(addrs []string) ([]Device, error) {
	var devices []Device
	seen := map[string]bool{}
	for _, a := range addrs {
		d, err := ParseDevice(a)
		if err != nil {
			return nil, err
		}
		if seen[d.ID] {
			log.Warnf("Ignoring duplicate address %s", d.ID)
			continue
		}
		seen[d.ID] = true
		if d.ConfigPath != "" {
			if _, err := os.Stat(d.ConfigPath); err != nil {
				log.Warnf("Config file '%s' does not exist, will use defaults", d.ConfigPath)
			} else {
				log.Infof("Found custom config for %s: %s", d.ID, d.ConfigPath)
			}
		}
		devices = append(devices, d)
	}
	if len(devices) == 0 {
		return nil, errNoDevices
	}
	if len(devices) > MaxDevices {
		log.Warnf("%d batteries given, only the first %d are used", len(devices), MaxDevices)
		devices = devices[:MaxDevices]
	}
	return devices, nil
}
