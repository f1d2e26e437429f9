// Package jbd implements the framing used by JBD battery management systems
// over BLE and UART.
package jbd

import (
	"encoding/binary"
	"fmt"
)

const (
	StartByte = 0xDD
	StopByte  = 0x77

	ReadRequest  = 0xA5
	WriteRequest = 0x5A

	CmdGeneralInfo = 0x03
	CmdCellInfo    = 0x04
	CmdVersion     = 0x05

	headerLen = 4
	footerLen = 3
)

var (
	RequestGeneralInfo = Request(CmdGeneralInfo)
	RequestCellInfo    = Request(CmdCellInfo)
)

// DecodeError is returned for frames or payloads that are short, malformed
// or fail the checksum.
type DecodeError struct {
	Cmd byte
	msg string
}

func (e *DecodeError) Error() string {
	if e.Cmd == 0 {
		return "jbd decode: " + e.msg
	}
	return fmt.Sprintf("jbd decode (cmd 0x%02x): %s", e.Cmd, e.msg)
}

func decodeErrorf(cmd byte, format string, a ...interface{}) error {
	return &DecodeError{Cmd: cmd, msg: fmt.Sprintf(format, a...)}
}

// Frame is a response from the BMS.
type Frame struct {
	Cmd     byte
	Status  byte
	Payload []byte
}

// OK reports whether the BMS accepted the request.
func (f Frame) OK() bool {
	return f.Status == 0
}

// Checksum is 0x10000 minus the byte sum of b. For a frame, b runs from the
// byte after the command up to the end of the payload.
func Checksum(b []byte) uint16 {
	var sum uint16
	for _, v := range b {
		sum += uint16(v)
	}
	return -sum
}

// FrameLen is the total frame length for a payload of n bytes.
func FrameLen(n int) int {
	return headerLen + n + footerLen
}

// Request builds a read request for cmd, e.g. dd a5 03 00 ff fd 77.
func Request(cmd byte) []byte {
	body := []byte{cmd, 0x00}
	chk := Checksum(body)
	return []byte{StartByte, ReadRequest, cmd, 0x00, byte(chk >> 8), byte(chk), StopByte}
}

// Encode builds a response frame the way the BMS would send it.
func Encode(cmd, status byte, payload []byte) []byte {
	out := make([]byte, 0, FrameLen(len(payload)))
	out = append(out, StartByte, cmd, status, byte(len(payload)))
	out = append(out, payload...)
	chk := Checksum(out[2:])
	out = binary.BigEndian.AppendUint16(out, chk)
	return append(out, StopByte)
}

// ParseFrame validates a complete response frame and returns its contents.
func ParseFrame(b []byte) (Frame, error) {
	if len(b) < headerLen+footerLen {
		return Frame{}, decodeErrorf(0, "frame too short: %d bytes", len(b))
	}
	cmd := b[1]
	if b[0] != StartByte {
		return Frame{}, decodeErrorf(cmd, "bad start byte 0x%02x", b[0])
	}
	n := int(b[3])
	if len(b) != FrameLen(n) {
		return Frame{}, decodeErrorf(cmd, "length %d does not match declared payload %d", len(b), n)
	}
	if b[len(b)-1] != StopByte {
		return Frame{}, decodeErrorf(cmd, "bad stop byte 0x%02x", b[len(b)-1])
	}
	want := Checksum(b[2 : headerLen+n])
	got := binary.BigEndian.Uint16(b[headerLen+n:])
	if want != got {
		return Frame{}, decodeErrorf(cmd, "checksum 0x%04x, expected 0x%04x", got, want)
	}
	payload := make([]byte, n)
	copy(payload, b[headerLen:headerLen+n])
	return Frame{Cmd: cmd, Status: b[2], Payload: payload}, nil
}
