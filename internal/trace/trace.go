package trace

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

const (
	// LengthPrefixSize is the size of the big-endian frame length prefix
	LengthPrefixSize = 4
	// MaxPayloadSize bounds a single record; contexts are well under 64 KiB
	MaxPayloadSize = 1 << 20
)

// Direction of a context transfer, seen from the host
type Direction string

const (
	DirectionWrite Direction = "write"
	DirectionRead  Direction = "read"
)

// Exchange is one context written to or read back from the target
type Exchange struct {
	Seq       int       `msgpack:"seq" json:"seq"`
	Direction Direction `msgpack:"direction" json:"direction"`
	File      string    `msgpack:"file" json:"file"`
	Command   string    `msgpack:"command" json:"command"`
	Address   uint32    `msgpack:"address" json:"address"`
	Data      []byte    `msgpack:"data" json:"-"`
	Time      time.Time `msgpack:"time" json:"time"`
}

// ErrorKind classifies trace decoding errors
type ErrorKind int

const (
	// ErrorPartial indicates a truncated record
	ErrorPartial ErrorKind = iota
	// ErrorTooLarge indicates a record exceeding MaxPayloadSize
	ErrorTooLarge
	// ErrorDecode indicates a msgpack decoding error
	ErrorDecode
)

// FrameError is returned for malformed trace files
type FrameError struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *FrameError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *FrameError) Unwrap() error {
	return e.Err
}

// Recorder appends exchanges to a trace stream. It is safe for concurrent use.
type Recorder struct {
	mu     sync.Mutex
	w      *bufio.Writer
	closer io.Closer
}

// Create creates (or truncates) a trace file at path
func Create(path string) (*Recorder, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace file: %w", err)
	}

	r := NewRecorder(f)
	r.closer = f
	return r, nil
}

// NewRecorder records to w. Close flushes but does not close w.
func NewRecorder(w io.Writer) *Recorder {
	return &Recorder{w: bufio.NewWriter(w)}
}

// Record appends one exchange
func (r *Recorder) Record(e Exchange) error {
	frame, err := EncodeFrame(e)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.w.Write(frame); err != nil {
		return fmt.Errorf("failed to write trace record: %w", err)
	}
	return nil
}

// Close flushes buffered records and closes the underlying file if the
// recorder owns one
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	err := r.w.Flush()
	if r.closer != nil {
		if cerr := r.closer.Close(); err == nil {
			err = cerr
		}
		r.closer = nil
	}
	return err
}

// EncodeFrame encodes e as a length-prefixed msgpack frame
func EncodeFrame(e Exchange) ([]byte, error) {
	payload, err := msgpack.Marshal(&e)
	if err != nil {
		return nil, fmt.Errorf("failed to encode exchange: %w", err)
	}
	if len(payload) > MaxPayloadSize {
		return nil, &FrameError{
			Kind: ErrorTooLarge,
			Msg:  fmt.Sprintf("payload size %d exceeds maximum %d", len(payload), MaxPayloadSize),
		}
	}

	frame := make([]byte, LengthPrefixSize+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[LengthPrefixSize:], payload)
	return frame, nil
}

// Reader reads exchanges back from a trace stream
type Reader struct {
	r io.Reader
}

// NewReader creates a reader over r
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r)}
}

// Next returns the next exchange, or io.EOF at a clean end of stream
func (r *Reader) Next() (*Exchange, error) {
	var lengthBuf [LengthPrefixSize]byte
	if _, err := io.ReadFull(r.r, lengthBuf[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, &FrameError{Kind: ErrorPartial, Msg: "failed to read length prefix", Err: err}
	}

	size := binary.BigEndian.Uint32(lengthBuf[:])
	if size > MaxPayloadSize {
		return nil, &FrameError{
			Kind: ErrorTooLarge,
			Msg:  fmt.Sprintf("payload size %d exceeds maximum %d", size, MaxPayloadSize),
		}
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r.r, payload); err != nil {
		return nil, &FrameError{Kind: ErrorPartial, Msg: "failed to read payload", Err: err}
	}

	var e Exchange
	if err := msgpack.Unmarshal(payload, &e); err != nil {
		return nil, &FrameError{Kind: ErrorDecode, Msg: "failed to decode exchange", Err: err}
	}
	return &e, nil
}

// ReadAll reads every exchange in r
func ReadAll(r io.Reader) ([]Exchange, error) {
	reader := NewReader(r)

	var out []Exchange
	for {
		e, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, *e)
	}
}
