package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Command codes understood by the remote decoder
const (
	CmdIdle   int32 = 0
	CmdInit   int32 = 1
	CmdDecode int32 = 2
)

// Context layout constants. These must match the patched decoder firmware.
const (
	// ContextMagic is the canary the remote side checks in every outgoing context
	ContextMagic uint32 = 0x12345678

	HeaderSize = 8 // command:4 + magic/result:4

	// BufferCount is the maximum number of frames per decode call
	BufferCount = 80
	// BytesPerInputBuffer is the input budget reserved per frame slot
	BytesPerInputBuffer = 50
	// InBufferCapacity is the fixed size of the decode input region
	InBufferCapacity = BufferCount * BytesPerInputBuffer

	// OldSamplesCount is the number of 16-bit continuation samples passed to init
	OldSamplesCount = 160
	OldSamplesSize  = OldSamplesCount * 2

	// SamplesPerFrame is the number of PCM samples the decoder emits per input frame
	SamplesPerFrame = 320
	OutFrameSize    = SamplesPerFrame * 2

	InitParamsSize    = 12 + OldSamplesSize       // sample_rate + bit_rate + has_old_samples + old samples
	DecodeParamsSize  = 4 + InBufferCapacity      // num_buffers + input buffer
	InitContextSize   = HeaderSize + InitParamsSize
	DecodeContextSize = HeaderSize + DecodeParamsSize

	// OutBufferSize is the decoded output region that follows the input region
	OutBufferSize = BufferCount * OutFrameSize
)

// Default addresses for the patched core1 ROM image
const (
	DefaultCallInAddress  uint32 = 0x1d2ac
	DefaultContextAddress uint32 = 0x20000800
	DefaultContextSize    uint32 = 0xd7ac // from the patch's map file
)

var (
	ErrTooManyFrames   = errors.New("too many frames for one decode call")
	ErrInputTooLarge   = errors.New("input buffer is too large")
	ErrContextTooShort = errors.New("context too short")
	ErrMalformedResult = errors.New("malformed decode result")
)

// SizeError reports a packed context whose size differs from what the remote
// side expects. It indicates a version mismatch and is never recoverable.
type SizeError struct {
	Command int32
	Want    int
	Got     int
}

func (e *SizeError) Error() string {
	return fmt.Sprintf("protocol size mismatch for %s: expected %d bytes, got %d",
		CommandName(e.Command), e.Want, e.Got)
}

// Layout describes where the call-in point and the shared context live on the target
type Layout struct {
	CallInAddress  uint32
	ContextAddress uint32
	ContextSize    uint32
}

// DefaultLayout returns the layout of the stock patched firmware
func DefaultLayout() Layout {
	return Layout{
		CallInAddress:  DefaultCallInAddress,
		ContextAddress: DefaultContextAddress,
		ContextSize:    DefaultContextSize,
	}
}

// Validate checks that the context region can hold every context this client
// writes plus the full decoded output region.
func (l Layout) Validate() error {
	minSize := DecodeContextSize + OutBufferSize
	if int(l.ContextSize) < minSize {
		return fmt.Errorf("context size 0x%x too small: need at least 0x%x bytes", l.ContextSize, minSize)
	}
	if uint64(l.ContextAddress)+uint64(l.ContextSize) > 1<<32 {
		return fmt.Errorf("context region 0x%x+0x%x overflows the address space", l.ContextAddress, l.ContextSize)
	}
	return nil
}

// MakeContext prepends the command header to params
func MakeContext(cmd int32, params []byte) []byte {
	ctx := make([]byte, HeaderSize+len(params))
	binary.LittleEndian.PutUint32(ctx[0:4], uint32(cmd))
	binary.LittleEndian.PutUint32(ctx[4:8], ContextMagic)
	copy(ctx[HeaderSize:], params)
	return ctx
}

// MakeInitParams packs the init parameters. A nil oldSamples sends a zeroed
// block with the has_old_samples flag cleared.
func MakeInitParams(sampleRate, bitRate int32, oldSamples []byte) ([]byte, error) {
	var hasOldSamples uint32
	if oldSamples != nil {
		if len(oldSamples) != OldSamplesSize {
			return nil, &SizeError{Command: CmdInit, Want: OldSamplesSize, Got: len(oldSamples)}
		}
		hasOldSamples = 1
	}

	params := make([]byte, InitParamsSize)
	binary.LittleEndian.PutUint32(params[0:4], uint32(sampleRate))
	binary.LittleEndian.PutUint32(params[4:8], uint32(bitRate))
	binary.LittleEndian.PutUint32(params[8:12], hasOldSamples)
	copy(params[12:], oldSamples)

	return params, nil
}

// MakeDecodeParams packs the frame count and the input frames, zero padded to
// InBufferCapacity.
func MakeDecodeParams(numFrames int, input []byte) ([]byte, error) {
	if numFrames < 0 || numFrames > BufferCount {
		return nil, fmt.Errorf("%w: %d (maximum %d)", ErrTooManyFrames, numFrames, BufferCount)
	}

	if len(input) > InBufferCapacity {
		return nil, fmt.Errorf("%w: %d bytes (capacity %d)", ErrInputTooLarge, len(input), InBufferCapacity)
	}

	params := make([]byte, DecodeParamsSize)
	binary.LittleEndian.PutUint32(params[0:4], uint32(numFrames))
	copy(params[4:], input)

	return params, nil
}

// CheckContextSize verifies that an outgoing init or decode context has the
// exact size the remote side expects
func CheckContextSize(cmd int32, ctx []byte) error {
	var want int
	switch cmd {
	case CmdInit:
		want = InitContextSize
	case CmdDecode:
		want = DecodeContextSize
	default:
		return nil
	}

	if len(ctx) != want {
		return &SizeError{Command: cmd, Want: want, Got: len(ctx)}
	}
	return nil
}

// ExtractCommand returns the command field echoed by the remote side
func ExtractCommand(ctx []byte) (int32, error) {
	if len(ctx) < HeaderSize {
		return 0, fmt.Errorf("%w: expected at least %d bytes, got %d", ErrContextTooShort, HeaderSize, len(ctx))
	}
	return int32(binary.LittleEndian.Uint32(ctx[0:4])), nil
}

// ExtractResultCode returns the signed result code of a returned context
func ExtractResultCode(ctx []byte) (int32, error) {
	if len(ctx) < HeaderSize {
		return 0, fmt.Errorf("%w: expected at least %d bytes, got %d", ErrContextTooShort, HeaderSize, len(ctx))
	}
	return int32(binary.LittleEndian.Uint32(ctx[4:8])), nil
}

// ExtractParams returns everything after the context header
func ExtractParams(ctx []byte) ([]byte, error) {
	if len(ctx) < HeaderSize {
		return nil, fmt.Errorf("%w: expected at least %d bytes, got %d", ErrContextTooShort, HeaderSize, len(ctx))
	}
	return ctx[HeaderSize:], nil
}

// ExtractNumBuffers returns the number of frames the decoder produced
func ExtractNumBuffers(params []byte) (int32, error) {
	if len(params) < 4 {
		return 0, fmt.Errorf("%w: decode params too short: %d bytes", ErrMalformedResult, len(params))
	}
	return int32(binary.LittleEndian.Uint32(params[0:4])), nil
}

// ExtractOutBuffer returns the decoded output region, which the remote side
// places right after the input region of the decode params.
func ExtractOutBuffer(params []byte, inCapacity int) ([]byte, error) {
	offset := 4 + inCapacity
	if len(params) < offset {
		return nil, fmt.Errorf("%w: decode params too short: need %d bytes, got %d",
			ErrMalformedResult, offset, len(params))
	}
	return params[offset:], nil
}

// DecodedOutput extracts the PCM produced by one decode call, truncated to
// num_buffers frames.
func DecodedOutput(params []byte) ([]byte, error) {
	numBuffers, err := ExtractNumBuffers(params)
	if err != nil {
		return nil, err
	}
	if numBuffers < 0 || numBuffers > BufferCount {
		return nil, fmt.Errorf("%w: num_buffers %d out of range [0, %d]", ErrMalformedResult, numBuffers, BufferCount)
	}

	out, err := ExtractOutBuffer(params, InBufferCapacity)
	if err != nil {
		return nil, err
	}

	size := int(numBuffers) * OutFrameSize
	if len(out) < size {
		return nil, fmt.Errorf("%w: output region holds %d bytes, need %d", ErrMalformedResult, len(out), size)
	}

	return out[:size], nil
}

// CommandName returns a human-readable command name
func CommandName(cmd int32) string {
	switch cmd {
	case CmdIdle:
		return "idle"
	case CmdInit:
		return "init"
	case CmdDecode:
		return "decode"
	default:
		return fmt.Sprintf("unknown(%d)", cmd)
	}
}
