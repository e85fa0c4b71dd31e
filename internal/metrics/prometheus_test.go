package metrics

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordMethods(t *testing.T) {
	m := newMetrics(prometheus.NewRegistry())

	m.RecordCommand("init")
	m.RecordCommand("decode")
	m.RecordCommand("decode")
	m.RecordDecoderError("decode")
	m.RecordBatch(80)
	m.RecordBatch(20)
	m.RecordDecoded(640)
	m.RecordContextTransfer("write", 4012)
	m.RecordContextTransfer("read", 4012)
	m.RecordConversion(true, time.Second)
	m.RecordConversion(false, time.Second)
	m.RecordSkipped()

	tests := []struct {
		name     string
		got      float64
		expected float64
	}{
		{"init commands", testutil.ToFloat64(m.CommandsSent.WithLabelValues("init")), 1},
		{"decode commands", testutil.ToFloat64(m.CommandsSent.WithLabelValues("decode")), 2},
		{"decode errors", testutil.ToFloat64(m.DecoderErrors.WithLabelValues("decode")), 1},
		{"frames submitted", testutil.ToFloat64(m.FramesSubmitted), 100},
		{"decoded bytes", testutil.ToFloat64(m.DecodedBytes), 640},
		{"bytes written", testutil.ToFloat64(m.ContextBytes.WithLabelValues("write")), 4012},
		{"files converted", testutil.ToFloat64(m.FilesConverted), 1},
		{"files failed", testutil.ToFloat64(m.FilesFailed), 1},
		{"files skipped", testutil.ToFloat64(m.FilesSkipped), 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.expected {
				t.Errorf("Expected %v, got %v", tt.expected, tt.got)
			}
		})
	}

	if n := testutil.CollectAndCount(m.BatchFrames); n != 1 {
		t.Errorf("Expected 1 batch histogram series, got %d", n)
	}
}

func TestNilMetricsAreNoOps(t *testing.T) {
	var m *Metrics

	m.RecordCommand("init")
	m.RecordDecoderError("init")
	m.RecordBatch(1)
	m.RecordDecoded(1)
	m.RecordContextTransfer("write", 1)
	m.RecordConversion(true, time.Second)
	m.RecordSkipped()
	m.RecordHTTPRequest("GET", "/health", "200", 0.1)
}

func TestWriteTextfile(t *testing.T) {
	m := NewMetrics()
	m.RecordConversion(true, 2*time.Second)

	path := filepath.Join(t.TempDir(), "a32conv.prom")
	if err := m.WriteTextfile(path); err != nil {
		t.Fatalf("WriteTextfile failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "a32_files_converted_total 1") {
		t.Errorf("Expected converted counter in textfile, got:\n%s", data)
	}
}
