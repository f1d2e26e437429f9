package jbd

import (
	"errors"
	"sync"
)

var ErrNoMessageInProgress = errors.New("continuation fragment with no message in progress")

type partial struct {
	buf      []byte
	expected int
}

// Reassembler rebuilds responses that the BMS splits across several BLE
// notifications. Only a notification that begins with a known start marker
// (DD 03 or DD 04) opens a message; anything else continues the message that
// is currently in progress. One in-progress flag is shared by all message
// types, so the two responses must not interleave mid-fragment.
type Reassembler struct {
	mu         sync.Mutex
	handlers   map[byte]func(Frame)
	inProgress byte
	parts      map[byte]*partial
}

func NewReassembler() *Reassembler {
	return &Reassembler{
		handlers: map[byte]func(Frame){},
		parts:    map[byte]*partial{},
	}
}

// Handle registers fn for completed frames of cmd. Registering a command also
// makes its start marker recognised.
func (r *Reassembler) Handle(cmd byte, fn func(Frame)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[cmd] = fn
}

// InProgress returns the command being reassembled, or 0.
func (r *Reassembler) InProgress() byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inProgress
}

// Reset drops any partial message, used after a reconnect.
func (r *Reassembler) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inProgress = 0
	r.parts = map[byte]*partial{}
}

// Feed consumes one notification. Completed frames are passed to their
// handler before Feed returns. The returned error describes a dropped
// fragment or message and never leaves the reassembler in a bad state.
func (r *Reassembler) Feed(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	r.mu.Lock()

	var cmd byte
	if len(data) >= 2 && data[0] == StartByte {
		if _, ok := r.handlers[data[1]]; ok {
			cmd = data[1]
		}
	}

	var p *partial
	if cmd != 0 {
		// Last start wins. Any incomplete message is discarded.
		p = &partial{expected: -1}
		r.parts = map[byte]*partial{cmd: p}
		r.inProgress = cmd
	} else {
		if r.inProgress == 0 {
			r.mu.Unlock()
			return ErrNoMessageInProgress
		}
		cmd = r.inProgress
		p = r.parts[cmd]
	}

	p.buf = append(p.buf, data...)
	if p.expected < 0 && len(p.buf) >= headerLen {
		p.expected = FrameLen(int(p.buf[3]))
	}
	if p.expected < 0 || len(p.buf) < p.expected {
		r.mu.Unlock()
		return nil
	}

	buf := p.buf
	delete(r.parts, cmd)
	r.inProgress = 0
	handler := r.handlers[cmd]
	r.mu.Unlock()

	if len(buf) > p.expected {
		return decodeErrorf(cmd, "message overran declared length: %d > %d", len(buf), p.expected)
	}
	frame, err := ParseFrame(buf)
	if err != nil {
		return err
	}
	if handler != nil {
		handler(frame)
	}
	return nil
}
