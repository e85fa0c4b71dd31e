package remote

import (
	"context"
	"errors"
)

// CallInHandler is invoked synchronously each time the target halts at a
// call-in breakpoint. The target stays halted until HandleCallIn returns.
type CallInHandler interface {
	HandleCallIn(ctx context.Context) error
}

// Controller drives a halted-and-resumed remote target
type Controller interface {
	// SetBreakpoint installs a breakpoint at addr
	SetBreakpoint(ctx context.Context, addr uint32) error
	// RemoveBreakpoint removes the breakpoint at addr
	RemoveBreakpoint(ctx context.Context, addr uint32) error
	// Run resumes the target and calls h at every breakpoint stop. It returns
	// when h fails, when RequestExit was called during h, or on a transport error.
	Run(ctx context.Context, h CallInHandler) error
	// WriteMemory writes data to target memory at addr
	WriteMemory(ctx context.Context, addr uint32, data []byte) error
	// ReadMemory reads length bytes of target memory at addr
	ReadMemory(ctx context.Context, addr uint32, length int) ([]byte, error)
	// RequestExit makes Run return after the current handler call, leaving
	// the target halted where it stopped
	RequestExit()
}

var (
	ErrTargetExited   = errors.New("target exited")
	ErrNoBreakpoints  = errors.New("no breakpoints installed")
	ErrNotImplemented = errors.New("command not supported by stub")
)
