// Package serialhelper takes an exclusive lock on a serial device before
// opening it, so two processes never talk to the same BMS at once.
package serialhelper

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/TheCacophonyProject/bms-controller/internal/logging"
	"github.com/tarm/serial"
)

var log = logging.NewLogger("info")

const cmdlineFile = "/boot/firmware/cmdline.txt"

func SetLogger(l *logging.Logger) {
	log = l
}

type SerialUnavailableError struct {
	msg string
}

func (e *SerialUnavailableError) Error() string {
	return e.msg
}

func NewSerialUnavailableError(msg string) error {
	return &SerialUnavailableError{msg: msg}
}

// SerialInUseFromTerminal reports whether the kernel console is bound to the
// primary UART.
func SerialInUseFromTerminal(path string) bool {
	if path != "/dev/serial0" && path != "/dev/ttyAMA0" && path != "/dev/ttyS0" {
		return false
	}
	b, err := os.ReadFile(cmdlineFile)
	if err != nil {
		log.Debugf("Error when reading %s: %s", cmdlineFile, err)
		return false
	}
	return strings.Contains(string(b), "console=serial0")
}

// GetSerial will try to get a file lock on the serial device.
// defer ReleaseSerial(serialFile) should be called to release the lock and close the serial file.
func GetSerial(path string, retries int, wait time.Duration) (*os.File, error) {
	if SerialInUseFromTerminal(path) {
		return nil, NewSerialUnavailableError("serial is in use by the terminal console")
	}

	serialFile, err := os.OpenFile(path, os.O_RDWR, 0666)
	if err != nil {
		return nil, err
	}
	lockAcquired := false
	defer func() {
		if !lockAcquired {
			serialFile.Close()
		}
	}()

	i := retries
	for {
		err = syscall.Flock(int(serialFile.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
		if err == nil {
			lockAcquired = true
			break
		}

		var errno syscall.Errno
		if !errors.As(err, &errno) || errno != syscall.EWOULDBLOCK {
			return nil, err
		}
		log.Printf("%s is locked. Checking locking process...", path)
		process, err := getLockingProcess(path)
		if err != nil {
			log.Printf("Error checking locking process: %v", err)
		} else if process == "" {
			log.Printf("No active process found holding the lock. Forcing lock acquisition...")
			if err := syscall.Flock(int(serialFile.Fd()), syscall.LOCK_UN); err != nil {
				return nil, fmt.Errorf("failed to force unlock: %v", err)
			}
			continue
		} else {
			log.Printf("%s is locked by process: %s", path, process)
		}

		if i > 0 {
			log.Printf("%s is locked by another process. Retrying %d more times in %s...", path, i, wait)
			time.Sleep(wait)
			i--
		} else {
			return nil, NewSerialUnavailableError(fmt.Sprintf("failed to get lock on %s, might be in use by other process", path))
		}
	}
	return serialFile, nil
}

func getLockingProcess(serialPath string) (string, error) {
	cmd := exec.Command("fuser", serialPath)
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output
	err := cmd.Run()
	if err != nil {
		var exitError *exec.ExitError
		if errors.As(err, &exitError) && exitError.ExitCode() == 1 {
			// Exit code 1 from `fuser` means no process is using the file
			return "", nil
		}
		return "", fmt.Errorf("failed to execute fuser: %v", err)
	}
	return strings.TrimSpace(output.String()), nil
}

func ReleaseSerial(serialFile *os.File) error {
	err := syscall.Flock(int(serialFile.Fd()), syscall.LOCK_UN)
	serialFile.Close()
	return err
}

// Port is an open serial port that also holds the device lock.
type Port struct {
	io.ReadWriteCloser
	lock *os.File
}

func (p *Port) Close() error {
	err := p.ReadWriteCloser.Close()
	if lerr := ReleaseSerial(p.lock); err == nil {
		err = lerr
	}
	return err
}

// Open locks path and opens it at baud. Reads return after readTimeout with
// whatever has arrived.
func Open(path string, baud int, readTimeout time.Duration, retries int, wait time.Duration) (*Port, error) {
	lock, err := GetSerial(path, retries, wait)
	if err != nil {
		return nil, err
	}
	c := &serial.Config{Name: path, Baud: baud, ReadTimeout: readTimeout}
	sp, err := serial.OpenPort(c)
	if err != nil {
		ReleaseSerial(lock)
		return nil, err
	}
	return &Port{ReadWriteCloser: sp, lock: lock}, nil
}

// SendReceive writes data and returns what is read back within a second.
func SendReceive(path string, baud int, data []byte) ([]byte, error) {
	p, err := Open(path, baud, 5*time.Second, 3, time.Second)
	if err != nil {
		return nil, err
	}
	defer p.Close()

	n, err := p.Write(data)
	if err != nil {
		return nil, err
	}
	if n != len(data) {
		return nil, fmt.Errorf("wrote %d bytes, expected %d", n, len(data))
	}
	time.Sleep(time.Second)
	buf := make([]byte, 256)
	n, err = p.Read(buf)
	log.Debugf("Received %d bytes: % x", n, buf[:n])
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return buf[:n], nil
}
