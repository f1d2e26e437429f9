package config

import (
	"context"
	"os"
	"path/filepath"

	"github.com/google/go-cmp/cmp"
	"github.com/rjeczalik/notify"
)

var exit = os.Exit

// Diff reloads the config from dir and compares it with conf.
func Diff(conf *Config, dir string) (string, error) {
	next, err := Load(dir)
	if err != nil {
		return "", err
	}
	return cmp.Diff(conf, next), nil
}

// CheckChanges watches the config file. When a rewrite changes the config
// the process exits so systemd restarts it with the new values.
func CheckChanges(ctx context.Context, conf *Config, dir string) error {
	path := filepath.Join(dir, ConfigFileName)
	fsEvents := make(chan notify.EventInfo, 1)
	if err := notify.Watch(path, fsEvents, notify.InCloseWrite, notify.InMovedTo); err != nil {
		return err
	}
	defer notify.Stop(fsEvents)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-fsEvents:
		}
		diff, err := Diff(conf, dir)
		if err != nil {
			log.Errorf("Error reloading config: %v", err)
			continue
		}
		log.Debugf("Config diff: %s", diff)
		if diff != "" {
			log.Info("Config changed. Exiting to allow systemctl to restart service.")
			log.Flush()
			exit(0)
			return nil
		}
		log.Info("No relevant changes detected in config file.")
	}
}
