package trace

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func sampleExchanges() []Exchange {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	return []Exchange{
		{Seq: 1, Direction: DirectionWrite, File: "a.a32", Command: "init", Address: 0x20000800, Data: []byte{1, 0, 0, 0, 0x78, 0x56, 0x34, 0x12}, Time: now},
		{Seq: 2, Direction: DirectionRead, File: "a.a32", Command: "init", Address: 0x20000800, Data: make([]byte, 340), Time: now.Add(time.Millisecond)},
		{Seq: 3, Direction: DirectionWrite, File: "a.a32", Command: "decode", Address: 0x20000800, Data: bytes.Repeat([]byte{0xAB}, 4012), Time: now.Add(2 * time.Millisecond)},
	}
}

func TestRecordAndReadBack(t *testing.T) {
	var buf bytes.Buffer
	rec := NewRecorder(&buf)

	want := sampleExchanges()
	for _, e := range want {
		if err := rec.Record(e); err != nil {
			t.Fatalf("Record failed: %v", err)
		}
	}
	if err := rec.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	got, err := ReadAll(&buf)
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("Expected %d exchanges, got %d", len(want), len(got))
	}

	for i := range want {
		if got[i].Seq != want[i].Seq || got[i].Direction != want[i].Direction ||
			got[i].Command != want[i].Command || got[i].Address != want[i].Address ||
			got[i].File != want[i].File {
			t.Errorf("Exchange %d: expected %+v, got %+v", i, want[i], got[i])
		}
		if !bytes.Equal(got[i].Data, want[i].Data) {
			t.Errorf("Exchange %d: data mismatch", i)
		}
		if !got[i].Time.Equal(want[i].Time) {
			t.Errorf("Exchange %d: expected time %v, got %v", i, want[i].Time, got[i].Time)
		}
	}
}

func TestCreateFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.trace")

	rec, err := Create(path)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := rec.Record(sampleExchanges()[0]); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if err := rec.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	got, err := ReadAll(f)
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("Expected 1 exchange, got %d", len(got))
	}
}

func TestReaderErrors(t *testing.T) {
	valid, err := EncodeFrame(sampleExchanges()[0])
	if err != nil {
		t.Fatalf("EncodeFrame failed: %v", err)
	}

	oversized := make([]byte, LengthPrefixSize)
	binary.BigEndian.PutUint32(oversized, MaxPayloadSize+1)

	garbage := make([]byte, LengthPrefixSize+1)
	binary.BigEndian.PutUint32(garbage, 1)
	garbage[LengthPrefixSize] = 0xc1 // never used in msgpack

	tests := []struct {
		name string
		data []byte
		kind ErrorKind
	}{
		{"partial prefix", valid[:2], ErrorPartial},
		{"partial payload", valid[:len(valid)-1], ErrorPartial},
		{"too large", oversized, ErrorTooLarge},
		{"undecodable", garbage, ErrorDecode},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewReader(bytes.NewReader(tt.data)).Next()

			var frameErr *FrameError
			if !errors.As(err, &frameErr) {
				t.Fatalf("Expected FrameError, got %v", err)
			}
			if frameErr.Kind != tt.kind {
				t.Errorf("Expected kind %d, got %d", tt.kind, frameErr.Kind)
			}
		})
	}
}

func TestReaderCleanEOF(t *testing.T) {
	if _, err := NewReader(bytes.NewReader(nil)).Next(); !errors.Is(err, io.EOF) {
		t.Errorf("Expected io.EOF on empty stream, got %v", err)
	}
}
