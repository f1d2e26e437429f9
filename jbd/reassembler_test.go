package jbd

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func collect(r *Reassembler) *[]Frame {
	var got []Frame
	r.Handle(CmdGeneralInfo, func(f Frame) { got = append(got, f) })
	r.Handle(CmdCellInfo, func(f Frame) { got = append(got, f) })
	return &got
}

func split(b []byte, sizes ...int) [][]byte {
	var out [][]byte
	for _, n := range sizes {
		out = append(out, b[:n])
		b = b[n:]
	}
	if len(b) > 0 {
		out = append(out, b)
	}
	return out
}

func TestReassemblerFragments(t *testing.T) {
	frame := Encode(CmdGeneralInfo, 0, generalPayload(2981, 2981, 2981))
	require.Len(t, frame, 36)

	tests := map[string][][]byte{
		"one":  split(frame),
		"two":  split(frame, 20),
		"five": split(frame, 3, 1, 12, 9),
		"tiny": split(frame, 2, 1, 1, 1),
	}
	for name, parts := range tests {
		t.Run(name, func(t *testing.T) {
			r := NewReassembler()
			got := collect(r)
			for _, p := range parts {
				require.NoError(t, r.Feed(p))
			}
			require.Len(t, *got, 1)
			require.Equal(t, frame[4:len(frame)-3], (*got)[0].Payload)
			require.Zero(t, r.InProgress())
		})
	}
}

func TestReassemblerContinuationWithoutStart(t *testing.T) {
	r := NewReassembler()
	got := collect(r)
	err := r.Feed([]byte{0x01, 0x02, 0x03})
	require.True(t, errors.Is(err, ErrNoMessageInProgress))
	require.Empty(t, *got)
}

func TestReassemblerLastStartWins(t *testing.T) {
	general := Encode(CmdGeneralInfo, 0, generalPayload(2981))
	cells := Encode(CmdCellInfo, 0, []byte{0x0c, 0xe4, 0x0c, 0xe5})

	r := NewReassembler()
	got := collect(r)
	require.NoError(t, r.Feed(general[:10]))
	require.Equal(t, byte(CmdGeneralInfo), r.InProgress())
	require.NoError(t, r.Feed(cells[:5]))
	require.Equal(t, byte(CmdCellInfo), r.InProgress())
	require.NoError(t, r.Feed(cells[5:]))

	require.Len(t, *got, 1)
	require.Equal(t, byte(CmdCellInfo), (*got)[0].Cmd)
}

func TestReassemblerChecksumMismatch(t *testing.T) {
	frame := Encode(CmdCellInfo, 0, []byte{0x0c, 0xe4})
	frame[len(frame)-2] ^= 0xFF

	r := NewReassembler()
	got := collect(r)
	err := r.Feed(frame)
	var de *DecodeError
	require.True(t, errors.As(err, &de))
	require.Empty(t, *got)
	require.Zero(t, r.InProgress())
}

func TestReassemblerOverrun(t *testing.T) {
	frame := Encode(CmdCellInfo, 0, []byte{0x0c, 0xe4})
	r := NewReassembler()
	got := collect(r)
	require.NoError(t, r.Feed(frame[:4]))
	err := r.Feed(append(frame[4:], 0x00, 0x00))
	require.Error(t, err)
	require.Empty(t, *got)

	// The next message still decodes.
	require.NoError(t, r.Feed(frame))
	require.Len(t, *got, 1)
}

func TestReassemblerUnknownCommandIsContinuation(t *testing.T) {
	r := NewReassembler()
	got := collect(r)
	err := r.Feed(Encode(CmdVersion, 0, []byte("v1")))
	require.ErrorIs(t, err, ErrNoMessageInProgress)
	require.Empty(t, *got)
}
