package converter

import (
	"time"

	"github.com/GMMan/aud32-decoder-client/internal/container"
)

// State is the protocol state of the converter
type State int

const (
	StateIdle State = iota
	StateAwaitingInit
	StateAwaitingInitResult
	StateAwaitingDecodeResult
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingInit:
		return "awaiting_init"
	case StateAwaitingInitResult:
		return "awaiting_init_result"
	case StateAwaitingDecodeResult:
		return "awaiting_decode_result"
	default:
		return "unknown"
	}
}

// phase is the converter's current state together with the data that is only
// valid in that state. Every non-idle phase owns the live session.
type phase interface {
	state() State
}

type idlePhase struct{}

type awaitingInit struct {
	sess *session
}

type awaitingInitResult struct {
	sess *session
}

type awaitingDecodeResult struct {
	sess  *session
	batch int // frames submitted in the outstanding decode call
}

func (idlePhase) state() State            { return StateIdle }
func (awaitingInit) state() State         { return StateAwaitingInit }
func (awaitingInitResult) state() State   { return StateAwaitingInitResult }
func (awaitingDecodeResult) state() State { return StateAwaitingDecodeResult }

// sessionOf returns the live session of p, nil when idle
func sessionOf(p phase) *session {
	switch p := p.(type) {
	case awaitingInit:
		return p.sess
	case awaitingInitResult:
		return p.sess
	case awaitingDecodeResult:
		return p.sess
	default:
		return nil
	}
}

// session is the per-file conversion state
type session struct {
	file    *container.File
	outPath string
	pcm     []byte

	submitted uint32 // frames handed to the decoder
	packets   int    // call-ins handled
	exchanges int    // contexts traced
	started   time.Time
}
