// Package containertest builds synthetic Audio32 files for tests.
package containertest

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/GMMan/aud32-decoder-client/internal/container"
)

// Fixture describes a synthetic Audio32 file
type Fixture struct {
	Header container.Header

	// SecondaryHeader is written when Header.SecondaryHeader != container.NoSecondaryHeader.
	// Zero bytes are used when it is nil.
	SecondaryHeader []byte
	// OldSamples is written when Header.MultiFrame == 1. Zero bytes are used when it is nil.
	OldSamples []byte
	// EndSamples is appended after the frames when Header.MultiFrame == 1.
	EndSamples []byte
	// FrameByte returns the fill byte of frame i. Frames are filled with i+1 when nil.
	FrameByte func(i int) byte
}

// Mono8k returns a minimal header: 8 kHz mono, 16 kbit/s, frameCount frames, no optional blocks
func Mono8k(frameCount uint32) container.Header {
	return container.Header{
		SampleRate:      8000,
		BitRate:         1600, // 40-byte frames
		Channels:        1,
		FrameCount:      frameCount,
		SecondaryHeader: container.NoSecondaryHeader,
	}
}

// Build encodes fx as an Audio32 file
func Build(fx Fixture) []byte {
	var buf bytes.Buffer

	binary.Write(&buf, binary.LittleEndian, container.Magic)
	binary.Write(&buf, binary.LittleEndian, fx.Header)

	if fx.Header.SecondaryHeader != container.NoSecondaryHeader {
		block := make([]byte, container.SecondaryHeaderSize)
		copy(block, fx.SecondaryHeader)
		buf.Write(block)
	}

	if fx.Header.MultiFrame == 1 {
		block := make([]byte, container.OldSamplesSize)
		copy(block, fx.OldSamples)
		buf.Write(block)
	}

	frameSize := int(fx.Header.BitRate) * 10 / 400
	for i := 0; i < int(fx.Header.FrameCount); i++ {
		fill := byte(i + 1)
		if fx.FrameByte != nil {
			fill = fx.FrameByte(i)
		}
		buf.Write(bytes.Repeat([]byte{fill}, frameSize))
	}

	if fx.Header.MultiFrame == 1 {
		buf.Write(fx.EndSamples)
	}

	return buf.Bytes()
}

// WriteFile writes fx to dir/name and returns the path
func WriteFile(t testing.TB, dir, name string, fx Fixture) string {
	t.Helper()

	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, Build(fx), 0644); err != nil {
		t.Fatalf("failed to write test container %s: %v", path, err)
	}
	return path
}
