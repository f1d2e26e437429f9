// Package cellreport prints the saved cell history without talking to any
// BMS, so it can run while the daemon holds the batteries.
package cellreport

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	arg "github.com/alexflint/go-arg"

	"github.com/TheCacophonyProject/bms-controller/battery"
	"github.com/TheCacophonyProject/bms-controller/internal/cellmonitor"
	"github.com/TheCacophonyProject/bms-controller/internal/logging"
)

var (
	version = "<not set>"
	log     = logging.NewLogger("info")
)

type Args struct {
	HistoryFile string        `arg:"--history-file" help:"cell history written by the daemon"`
	MaxAge      time.Duration `arg:"--max-age" default:"8760h" help:"ignore history saved longer ago than this"`
	Threshold   float64       `arg:"--threshold" help:"also list batteries whose spread is above this voltage"`
	logging.LogArgs
}

func (Args) Version() string {
	return version
}

func procArgs(input []string) (Args, error) {
	args := Args{HistoryFile: cellmonitor.DefaultConfig().HistoryFile}
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

type noMembers struct{}

func (noMembers) Members() []battery.Battery { return nil }

// Render loads the history in store and writes the report to w.
func Render(store cellmonitor.Store, args Args, w io.Writer) error {
	cfg := cellmonitor.DefaultConfig()
	cfg.MaxHistoryAge = args.MaxAge
	if args.Threshold > 0 {
		cfg.AlertThreshold = args.Threshold
	}
	m := cellmonitor.New(noMembers{}, store, cfg)
	if err := m.LoadHistory(); err != nil {
		return err
	}
	if len(m.BatteryIDs()) == 0 {
		return fmt.Errorf("no cell history in %s", store)
	}
	if _, err := io.WriteString(w, m.Report()); err != nil {
		return err
	}
	if args.Threshold <= 0 {
		return nil
	}
	alerts := m.CheckAlerts()
	fmt.Fprintf(w, "\nBatteries above %.3fV spread: %d\n", m.AlertThreshold(), len(alerts))
	for _, a := range alerts {
		fmt.Fprintf(w, "  %s\n", a)
	}
	return nil
}

func Run(inputArgs []string, ver string) error {
	version = ver
	args, err := procArgs(inputArgs)
	if err != nil {
		return fmt.Errorf("failed to parse args: %v", err)
	}
	log = logging.NewLogger(args.LogLevel)
	cellmonitor.SetLogger(log)
	return Render(cellmonitor.FileStore{Path: args.HistoryFile}, args, os.Stdout)
}
