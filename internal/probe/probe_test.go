package probe

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheCacophonyProject/bms-controller/battery"
	"github.com/TheCacophonyProject/bms-controller/jbd"
)

func generalPayload() []byte {
	p := make([]byte, 23)
	be := binary.BigEndian
	be.PutUint16(p[0:], 1325)  // 13.25V
	be.PutUint16(p[2:], 250)   // 2.50A
	be.PutUint16(p[4:], 8000)  // 80Ah
	be.PutUint16(p[6:], 10000) // 100Ah
	be.PutUint16(p[8:], 42)
	be.PutUint16(p[12:], 0x0001)
	be.PutUint16(p[16:], 0x0004)
	p[18] = 0x21
	p[19] = 80
	p[20] = 0x03
	p[21] = 4
	p[22] = 2
	p = be.AppendUint16(p, 2961) // 23.0C
	p = be.AppendUint16(p, 2981) // 25.0C
	return p
}

func cellPayload() []byte {
	var p []byte
	for _, mv := range []uint16{3310, 3305, 0xFFFF, 3320} {
		p = binary.BigEndian.AppendUint16(p, mv)
	}
	return p
}

type fakeExchanger struct {
	frames map[byte]jbd.Frame
	err    error
}

func (f fakeExchanger) Exchange(_ context.Context, cmd byte) (jbd.Frame, error) {
	return f.frames[cmd], f.err
}

func (f fakeExchanger) Close() error { return nil }

func TestProbe(t *testing.T) {
	ex := fakeExchanger{frames: map[byte]jbd.Frame{
		jbd.CmdGeneralInfo: {Cmd: jbd.CmdGeneralInfo, Payload: generalPayload()},
		jbd.CmdCellInfo:    {Cmd: jbd.CmdCellInfo, Payload: cellPayload()},
	}}
	var out bytes.Buffer
	require.NoError(t, Probe(context.Background(), ex, jbd.DecodeOptions{}, battery.DefaultLimits().SOC, &out))

	s := out.String()
	assert.Contains(t, s, "Firmware:   2.1\n")
	assert.Contains(t, s, "Voltage:    13.25V\n")
	assert.Contains(t, s, "Current:    2.50A\n")
	assert.Contains(t, s, "FETs:       charge on, discharge on\n")
	assert.Contains(t, s, "Temps:      23.0C, 25.0C\n")
	assert.Contains(t, s, "Protection: 0x0004 (worst severity 2)\n")
	assert.Contains(t, s, "Cell  1:    3.310V balancing\n")
	assert.Contains(t, s, "Cell  3:    0.000V invalid\n")
	assert.Contains(t, s, "Cell  4:    3.320V\n")
}

func TestProbeErrors(t *testing.T) {
	var out bytes.Buffer
	soc := battery.DefaultLimits().SOC

	err := Probe(context.Background(), fakeExchanger{err: errors.New("no route")}, jbd.DecodeOptions{}, soc, &out)
	require.ErrorContains(t, err, "general info: no route")

	refused := fakeExchanger{frames: map[byte]jbd.Frame{
		jbd.CmdGeneralInfo: {Cmd: jbd.CmdGeneralInfo, Status: 0x80},
	}}
	require.ErrorContains(t, Probe(context.Background(), refused, jbd.DecodeOptions{}, soc, &out), "status 0x80")

	short := fakeExchanger{frames: map[byte]jbd.Frame{
		jbd.CmdGeneralInfo: {Cmd: jbd.CmdGeneralInfo, Payload: generalPayload()},
		jbd.CmdCellInfo:    {Cmd: jbd.CmdCellInfo, Payload: cellPayload()[:4]},
	}}
	var de *jbd.DecodeError
	require.ErrorAs(t, Probe(context.Background(), short, jbd.DecodeOptions{}, soc, &out), &de)
}

// loopback answers each request with the matching frame, split in two
// notifications the way a BLE module sends it.
type loopback struct {
	mu      sync.Mutex
	notify  func([]byte)
	replies map[byte][]byte
	closed  bool
}

func (l *loopback) Connect(_ context.Context, notify func([]byte)) error {
	l.notify = notify
	return nil
}

func (l *loopback) Write(b []byte) error {
	reply, ok := l.replies[b[2]]
	if !ok {
		return nil
	}
	go func() {
		l.notify(reply[:5])
		l.notify(reply[5:])
	}()
	return nil
}

func (l *loopback) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

func (l *loopback) String() string { return "loopback" }

func TestTransportExchanger(t *testing.T) {
	lb := &loopback{replies: map[byte][]byte{
		jbd.CmdGeneralInfo: jbd.Encode(jbd.CmdGeneralInfo, 0, generalPayload()),
		jbd.CmdCellInfo:    jbd.Encode(jbd.CmdCellInfo, 0, cellPayload()),
	}}
	ex, err := dialTransport(context.Background(), lb, time.Second)
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, Probe(context.Background(), ex, jbd.DecodeOptions{}, battery.DefaultLimits().SOC, &out))
	assert.Contains(t, out.String(), "Cell  4:    3.320V\n")

	delete(lb.replies, jbd.CmdCellInfo)
	ex.timeout = 20 * time.Millisecond
	_, err = ex.Exchange(context.Background(), jbd.CmdCellInfo)
	require.ErrorContains(t, err, "no response")

	require.NoError(t, ex.Close())
	assert.True(t, lb.closed)
}
