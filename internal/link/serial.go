package link

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/TheCacophonyProject/bms-controller/serialhelper"
)

const (
	DefaultSerialBaud = 9600

	serialReadTimeout = 100 * time.Millisecond
)

// openPort is replaced in tests.
var openPort = func(path string, baud int) (io.ReadWriteCloser, error) {
	return serialhelper.Open(path, baud, serialReadTimeout, 3, time.Second)
}

// SerialTransport speaks the same framing over the BMS UART port. Each read
// is handed on as one notification.
type SerialTransport struct {
	path string
	baud int

	mu   sync.Mutex
	port io.ReadWriteCloser
	done chan struct{}
}

func NewSerialTransport(path string, baud int) *SerialTransport {
	if baud <= 0 {
		baud = DefaultSerialBaud
	}
	return &SerialTransport{path: path, baud: baud}
}

func (t *SerialTransport) String() string {
	return t.path
}

func (t *SerialTransport) Connect(ctx context.Context, notify func([]byte)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	port, err := openPort(t.path, t.baud)
	if err != nil {
		return &TransportError{Op: "open", Addr: t.path, Err: err}
	}
	done := make(chan struct{})
	t.mu.Lock()
	t.port = port
	t.done = done
	t.mu.Unlock()

	go func() {
		buf := make([]byte, 256)
		for {
			select {
			case <-done:
				return
			default:
			}
			n, err := port.Read(buf)
			if n > 0 {
				b := make([]byte, n)
				copy(b, buf[:n])
				notify(b)
			}
			if err != nil && !errors.Is(err, io.EOF) {
				select {
				case <-done:
				default:
					log.Debugf("Read from %s: %v", t.path, err)
				}
				return
			}
		}
	}()
	return nil
}

func (t *SerialTransport) Write(b []byte) error {
	t.mu.Lock()
	port := t.port
	t.mu.Unlock()
	if port == nil {
		return &TransportError{Op: "write", Addr: t.path, Err: errors.New("not open")}
	}
	if _, err := port.Write(b); err != nil {
		return &TransportError{Op: "write", Addr: t.path, Err: err}
	}
	return nil
}

func (t *SerialTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.port == nil {
		return nil
	}
	close(t.done)
	err := t.port.Close()
	t.port = nil
	return err
}
