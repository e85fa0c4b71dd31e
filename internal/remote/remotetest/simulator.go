// Package remotetest provides an in-memory remote.Controller that behaves like
// the patched decoder firmware, for testing code that drives it.
package remotetest

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/GMMan/aud32-decoder-client/internal/protocol"
	"github.com/GMMan/aud32-decoder-client/internal/remote"
)

// Simulator emulates the decoder loop: every time execution reaches the
// call-in point, the context left by the previous handler call is executed,
// its command reset to idle and its result code written, then the handler runs.
type Simulator struct {
	Layout protocol.Layout

	// InitResult is the result code reported for init calls
	InitResult int32
	// DecodeResults maps a zero-based decode call index to its result code; missing entries succeed
	DecodeResults map[int]int32
	// OutputByte fills every decoded output frame
	OutputByte byte
	// ExtraBuffers is added to the num_buffers reported by successful decode
	// calls, up to protocol.BufferCount
	ExtraBuffers int
	// MaxStops bounds Run so that a handler which never requests exit fails the test
	MaxStops int

	// Commands lists every command executed, in order
	Commands []int32
	// InitParams holds the params of each init call
	InitParams [][]byte
	// DecodeFrames holds num_buffers of each decode call
	DecodeFrames []int
	// DecodeInputs holds the input region of each decode call
	DecodeInputs [][]byte
	// ExitRequests counts RequestExit calls
	ExitRequests int
	// Removed lists every breakpoint removal
	Removed []uint32

	mem         []byte
	breakpoints map[uint32]bool
	exit        bool
	decodeCalls int
}

// NewSimulator returns a simulator whose context memory is zeroed (command idle)
func NewSimulator(layout protocol.Layout) *Simulator {
	return &Simulator{
		Layout:        layout,
		DecodeResults: make(map[int]int32),
		MaxStops:      10000,
		mem:           make([]byte, layout.ContextSize),
		breakpoints:   make(map[uint32]bool),
	}
}

// HasBreakpoint reports whether a breakpoint is installed at addr
func (s *Simulator) HasBreakpoint(addr uint32) bool {
	return s.breakpoints[addr]
}

// Memory returns the simulated context region
func (s *Simulator) Memory() []byte {
	return s.mem
}

func (s *Simulator) SetBreakpoint(ctx context.Context, addr uint32) error {
	s.breakpoints[addr] = true
	return nil
}

func (s *Simulator) RemoveBreakpoint(ctx context.Context, addr uint32) error {
	delete(s.breakpoints, addr)
	s.Removed = append(s.Removed, addr)
	return nil
}

func (s *Simulator) RequestExit() {
	s.exit = true
	s.ExitRequests++
}

func (s *Simulator) Run(ctx context.Context, h remote.CallInHandler) error {
	s.exit = false

	for stop := 0; stop < s.MaxStops; stop++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !s.breakpoints[s.Layout.CallInAddress] {
			return remote.ErrNoBreakpoints
		}

		s.execute()

		if err := h.HandleCallIn(ctx); err != nil {
			return err
		}
		if s.exit {
			s.exit = false
			return nil
		}
	}

	return fmt.Errorf("simulator: handler did not request exit after %d stops", s.MaxStops)
}

func (s *Simulator) WriteMemory(ctx context.Context, addr uint32, data []byte) error {
	offset, err := s.offset(addr, len(data))
	if err != nil {
		return err
	}
	copy(s.mem[offset:], data)
	return nil
}

func (s *Simulator) ReadMemory(ctx context.Context, addr uint32, length int) ([]byte, error) {
	offset, err := s.offset(addr, length)
	if err != nil {
		return nil, err
	}
	out := make([]byte, length)
	copy(out, s.mem[offset:])
	return out, nil
}

func (s *Simulator) offset(addr uint32, length int) (int, error) {
	if addr < s.Layout.ContextAddress || uint64(addr)+uint64(length) > uint64(s.Layout.ContextAddress)+uint64(s.Layout.ContextSize) {
		return 0, fmt.Errorf("simulator: access 0x%08x+0x%x outside context region", addr, length)
	}
	return int(addr - s.Layout.ContextAddress), nil
}

func (s *Simulator) execute() {
	cmd := int32(binary.LittleEndian.Uint32(s.mem[0:4]))

	var rc int32
	switch cmd {
	case protocol.CmdInit:
		s.InitParams = append(s.InitParams, clone(s.mem[protocol.HeaderSize:protocol.InitContextSize]))
		rc = s.InitResult

	case protocol.CmdDecode:
		params := s.mem[protocol.HeaderSize:]
		frames := int(binary.LittleEndian.Uint32(params[0:4]))
		s.DecodeFrames = append(s.DecodeFrames, frames)
		s.DecodeInputs = append(s.DecodeInputs, clone(params[4:4+protocol.InBufferCapacity]))

		rc = s.DecodeResults[s.decodeCalls]
		s.decodeCalls++

		if rc == 0 {
			produced := min(frames+s.ExtraBuffers, protocol.BufferCount)
			out := s.mem[protocol.DecodeContextSize:]
			for i := 0; i < produced*protocol.OutFrameSize && i < len(out); i++ {
				out[i] = s.OutputByte
			}
			binary.LittleEndian.PutUint32(params[0:4], uint32(produced))
		}

	default:
		return
	}

	s.Commands = append(s.Commands, cmd)
	binary.LittleEndian.PutUint32(s.mem[0:4], uint32(protocol.CmdIdle))
	binary.LittleEndian.PutUint32(s.mem[4:8], uint32(rc))
}

func clone(b []byte) []byte {
	return append([]byte(nil), b...)
}
