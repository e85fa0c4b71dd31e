package container

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/GMMan/aud32-decoder-client/internal/protocol"
)

// Format constants
const (
	Magic uint16 = 0x5541 // "AU"

	MagicSize           = 2
	HeaderSize          = 0x20
	SecondaryHeaderSize = 0x20
	OldSamplesSize      = protocol.OldSamplesSize // block passed to the decoder at init

	// NoSecondaryHeader is the secondary-header marker value meaning "absent"
	NoSecondaryHeader uint16 = 0xFFFF
)

// ErrEndOfFrames is returned when more frames are requested than the header declares
var ErrEndOfFrames = errors.New("all frames have been read")

// FormatErrorKind classifies container format errors.
type FormatErrorKind int

const (
	// BadMagic indicates the file does not start with the Audio32 tag.
	BadMagic FormatErrorKind = iota
	// TruncatedHeader indicates the header or a fixed block after it is incomplete.
	TruncatedHeader
	// TruncatedTail indicates the end-samples block could not be read.
	TruncatedTail
	// TruncatedFrame indicates a frame ended before its declared size.
	TruncatedFrame
)

func (k FormatErrorKind) String() string {
	switch k {
	case BadMagic:
		return "bad magic"
	case TruncatedHeader:
		return "truncated header"
	case TruncatedTail:
		return "truncated tail"
	case TruncatedFrame:
		return "truncated frame"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// FormatError reports a malformed Audio32 file.
type FormatError struct {
	Kind FormatErrorKind
	Msg  string
	Err  error
}

func (e *FormatError) Error() string {
	msg := "audio32: " + e.Kind.String()
	if e.Msg != "" {
		msg += ": " + e.Msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *FormatError) Unwrap() error {
	return e.Err
}

// Is matches any FormatError of the same kind, so the Err* values below work with errors.Is.
func (e *FormatError) Is(target error) bool {
	t, ok := target.(*FormatError)
	return ok && t.Kind == e.Kind
}

var (
	ErrBadMagic        = &FormatError{Kind: BadMagic}
	ErrTruncatedHeader = &FormatError{Kind: TruncatedHeader}
	ErrTruncatedTail   = &FormatError{Kind: TruncatedTail}
	ErrTruncatedFrame  = &FormatError{Kind: TruncatedFrame}
)

// Header is the fixed 32-byte Audio32 header that follows the magic.
// Field order and widths are the on-disk layout.
type Header struct {
	SampleRate      uint16
	BitRate         uint16
	Channels        uint16
	FrameCount      uint32
	FileLength      uint32
	MultiFrame      uint16
	TrailingSamples uint16
	MultiBuffer     uint16
	PCMChunkSize    uint16
	Record          uint16
	HeaderLength    uint16
	Type            uint16
	StopCode        uint16
	SecondaryHeader uint16
}

// File is an opened Audio32 file. Header data and the optional old/end sample
// blocks are read when the file is opened; frames are read on demand.
type File struct {
	Header

	Path string

	// SecondaryHeaderData holds the raw secondary header, nil when absent. Its contents are not interpreted.
	SecondaryHeaderData []byte
	// InitOldSamples holds the continuation samples for decoder init, nil unless MultiFrame == 1.
	InitOldSamples []byte
	// EndSamples holds the trailing PCM samples from the end of the file, nil unless MultiFrame == 1.
	EndSamples []byte

	r          io.ReadSeeker
	closer     io.Closer
	frameIndex uint32
	closed     bool
}

// Open opens and parses the Audio32 file at path. The caller must Close it.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}

	file, err := Parse(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	file.Path = path
	file.closer = f
	return file, nil
}

// Parse reads an Audio32 stream positioned at its first byte. If r implements
// io.Closer it is not closed by File.Close; use Open for that.
func Parse(r io.ReadSeeker) (*File, error) {
	var magic uint16
	if err := binary.Read(r, binary.LittleEndian, &magic); err != nil {
		return nil, &FormatError{Kind: TruncatedHeader, Msg: "reading magic", Err: err}
	}
	if magic != Magic {
		return nil, &FormatError{Kind: BadMagic, Msg: fmt.Sprintf("got 0x%04x, expected 0x%04x", magic, Magic)}
	}

	file := &File{r: r}
	if err := binary.Read(r, binary.LittleEndian, &file.Header); err != nil {
		return nil, &FormatError{Kind: TruncatedHeader, Msg: "reading header", Err: err}
	}

	if file.SecondaryHeader != NoSecondaryHeader {
		file.SecondaryHeaderData = make([]byte, SecondaryHeaderSize)
		if _, err := io.ReadFull(r, file.SecondaryHeaderData); err != nil {
			return nil, &FormatError{Kind: TruncatedHeader, Msg: "reading secondary header", Err: err}
		}
	}

	if file.MultiFrame == 1 {
		file.InitOldSamples = make([]byte, OldSamplesSize)
		if _, err := io.ReadFull(r, file.InitOldSamples); err != nil {
			return nil, &FormatError{Kind: TruncatedHeader, Msg: "reading initial old samples", Err: err}
		}

		endSamples, err := readTail(r, int64(file.TrailingSamples)*2)
		if err != nil {
			return nil, err
		}
		file.EndSamples = endSamples
	}

	return file, nil
}

// readTail reads size bytes ending at EOF and restores the read cursor
func readTail(r io.ReadSeeker, size int64) ([]byte, error) {
	offset, err := r.Seek(0, io.SeekCurrent)
	if err != nil {
		return nil, fmt.Errorf("failed to get read position: %w", err)
	}

	if _, err := r.Seek(-size, io.SeekEnd); err != nil {
		return nil, &FormatError{Kind: TruncatedTail, Msg: fmt.Sprintf("seeking to %d bytes before end", size), Err: err}
	}

	tail := make([]byte, size)
	if _, err := io.ReadFull(r, tail); err != nil {
		return nil, &FormatError{Kind: TruncatedTail, Msg: "reading end samples", Err: err}
	}

	if _, err := r.Seek(offset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("failed to restore read position: %w", err)
	}

	return tail, nil
}

// FrameSize returns the size in bytes of one compressed frame
func (f *File) FrameSize() int {
	return int(f.BitRate) * 10 / 400
}

// HasOldSamples reports whether the file carries continuation samples
func (f *File) HasOldSamples() bool {
	return f.MultiFrame == 1
}

// FramesRead returns how many frames have been handed out so far
func (f *File) FramesRead() uint32 {
	return f.frameIndex
}

// FramesRemaining returns how many frames are still available
func (f *File) FramesRemaining() uint32 {
	return f.FrameCount - f.frameIndex
}

// NextFrame reads the next compressed frame
func (f *File) NextFrame() ([]byte, error) {
	if f.closed {
		return nil, os.ErrClosed
	}

	if f.frameIndex >= f.FrameCount {
		return nil, fmt.Errorf("%w: frame %d of %d", ErrEndOfFrames, f.frameIndex+1, f.FrameCount)
	}

	frame := make([]byte, f.FrameSize())
	if _, err := io.ReadFull(f.r, frame); err != nil {
		return nil, &FormatError{Kind: TruncatedFrame, Msg: fmt.Sprintf("frame %d", f.frameIndex), Err: err}
	}

	f.frameIndex++
	return frame, nil
}

// Close releases the underlying file. Calling Close more than once is safe.
func (f *File) Close() error {
	if f.closed {
		return nil
	}
	f.closed = true

	if f.closer != nil {
		return f.closer.Close()
	}
	return nil
}

// Closed reports whether Close has been called
func (f *File) Closed() bool {
	return f.closed
}
