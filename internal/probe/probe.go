// Package probe asks one BMS for its general and cell information once and
// prints the decoded result. It is meant for checking wiring and addresses
// before the daemon is set up.
package probe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	arg "github.com/alexflint/go-arg"

	"github.com/TheCacophonyProject/bms-controller/battery"
	"github.com/TheCacophonyProject/bms-controller/internal/link"
	"github.com/TheCacophonyProject/bms-controller/internal/logging"
	"github.com/TheCacophonyProject/bms-controller/jbd"
	"github.com/TheCacophonyProject/bms-controller/serialhelper"
)

var (
	version = "<not set>"
	log     = logging.NewLogger("info")
)

type Args struct {
	Address       string        `arg:"positional,required" help:"BLE MAC address or serial device of the BMS"`
	Baud          int           `arg:"--baud" default:"9600" help:"serial baud rate"`
	Timeout       time.Duration `arg:"--timeout" default:"30s" help:"how long to wait for the BMS"`
	InvertCurrent bool          `arg:"--invert-current" help:"flip the sign of the reported current"`
	logging.LogArgs
}

func (Args) Version() string {
	return version
}

func procArgs(input []string) (Args, error) {
	args := Args{}
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

// Exchanger sends one request and returns the response frame.
type Exchanger interface {
	Exchange(ctx context.Context, cmd byte) (jbd.Frame, error)
	Close() error
}

func newReassembler(frames chan<- jbd.Frame) *jbd.Reassembler {
	r := jbd.NewReassembler()
	for _, cmd := range []byte{jbd.CmdGeneralInfo, jbd.CmdCellInfo} {
		r.Handle(cmd, func(f jbd.Frame) {
			select {
			case frames <- f:
			default:
			}
		})
	}
	return r
}

// serialExchanger opens the port for every request.
type serialExchanger struct {
	path string
	baud int
}

func (s serialExchanger) Exchange(_ context.Context, cmd byte) (jbd.Frame, error) {
	data, err := serialhelper.SendReceive(s.path, s.baud, jbd.Request(cmd))
	if err != nil {
		return jbd.Frame{}, err
	}
	frames := make(chan jbd.Frame, 1)
	if err := newReassembler(frames).Feed(data); err != nil {
		return jbd.Frame{}, err
	}
	select {
	case f := <-frames:
		return f, nil
	default:
		return jbd.Frame{}, fmt.Errorf("incomplete response from %s: % x", s.path, data)
	}
}

func (s serialExchanger) Close() error {
	return nil
}

// transportExchanger keeps one connection open and reassembles the
// notifications into frames.
type transportExchanger struct {
	t       link.Transport
	frames  chan jbd.Frame
	timeout time.Duration
}

func dialTransport(ctx context.Context, t link.Transport, timeout time.Duration) (*transportExchanger, error) {
	e := &transportExchanger{t: t, frames: make(chan jbd.Frame, 4), timeout: timeout}
	r := newReassembler(e.frames)
	err := t.Connect(ctx, func(b []byte) {
		if err := r.Feed(b); err != nil {
			log.Debugf("Dropped notification: %v", err)
		}
	})
	if err != nil {
		return nil, err
	}
	return e, nil
}

func (e *transportExchanger) Exchange(ctx context.Context, cmd byte) (jbd.Frame, error) {
	for len(e.frames) > 0 {
		<-e.frames
	}
	if err := e.t.Write(jbd.Request(cmd)); err != nil {
		return jbd.Frame{}, err
	}
	timeout := time.After(e.timeout)
	for {
		select {
		case f := <-e.frames:
			if f.Cmd == cmd {
				return f, nil
			}
		case <-timeout:
			return jbd.Frame{}, fmt.Errorf("no response to 0x%02x from %s within %s", cmd, e.t, e.timeout)
		case <-ctx.Done():
			return jbd.Frame{}, ctx.Err()
		}
	}
}

func (e *transportExchanger) Close() error {
	return e.t.Close()
}

func request(ctx context.Context, ex Exchanger, cmd byte) (jbd.Frame, error) {
	f, err := ex.Exchange(ctx, cmd)
	if err != nil {
		return f, err
	}
	if !f.OK() {
		return f, fmt.Errorf("BMS refused request 0x%02x with status 0x%02x", cmd, f.Status)
	}
	return f, nil
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

// Probe reads general and cell information through ex and writes a summary
// to w.
func Probe(ctx context.Context, ex Exchanger, opts jbd.DecodeOptions, soc battery.SOCThresholds, w io.Writer) error {
	f, err := request(ctx, ex, jbd.CmdGeneralInfo)
	if err != nil {
		return fmt.Errorf("general info: %w", err)
	}
	g, err := jbd.DecodeGeneral(f.Payload, opts)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Firmware:   %s\n", g.Version)
	fmt.Fprintf(w, "Voltage:    %.2fV\n", g.Voltage)
	fmt.Fprintf(w, "Current:    %.2fA\n", g.Current)
	fmt.Fprintf(w, "SOC:        %.0f%%\n", g.SOC)
	fmt.Fprintf(w, "Capacity:   %.2fAh of %.2fAh\n", g.CapacityRemain, g.Capacity)
	fmt.Fprintf(w, "Cycles:     %d\n", g.Cycles)
	fmt.Fprintf(w, "FETs:       charge %s, discharge %s\n", onOff(g.ChargeFET), onOff(g.DischargeFET))
	temps := make([]string, len(g.Temperatures))
	for i, t := range g.Temperatures {
		temps[i] = fmt.Sprintf("%.1fC", t)
	}
	fmt.Fprintf(w, "Temps:      %s\n", strings.Join(temps, ", "))
	p := battery.DecodeProtection(g.Protection, g.SOC, soc)
	fmt.Fprintf(w, "Protection: 0x%04x (worst severity %d)\n", g.Protection, p.Worst())

	f, err = request(ctx, ex, jbd.CmdCellInfo)
	if err != nil {
		return fmt.Errorf("cell info: %w", err)
	}
	cells, err := jbd.DecodeCells(f.Payload, g.CellCount)
	if err != nil {
		return err
	}
	balancing := g.Balancing(len(cells.Volts))
	for i, v := range cells.Volts {
		state := ""
		if cells.Invalid[i] {
			state = " invalid"
		} else if balancing[i] {
			state = " balancing"
		}
		fmt.Fprintf(w, "Cell %2d:    %.3fV%s\n", i+1, v, state)
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
	link.SetLogger(log)
	serialhelper.SetLogger(log)

	ctx, cancel := context.WithTimeout(context.Background(), args.Timeout)
	defer cancel()

	var ex Exchanger
	if strings.HasPrefix(args.Address, "/dev/") {
		ex = serialExchanger{path: args.Address, baud: args.Baud}
	} else {
		log.Infof("Connecting to %s", strings.ToUpper(args.Address))
		ex, err = dialTransport(ctx, link.NewBLETransport(args.Address), 5*time.Second)
		if err != nil {
			return err
		}
	}
	defer ex.Close()

	def := link.DefaultConfig()
	opts := jbd.DecodeOptions{InvertCurrent: args.InvertCurrent, DefaultCapacity: def.DefaultCapacity}
	return Probe(ctx, ex, opts, battery.DefaultLimits().SOC, os.Stdout)
}
