package remote

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

const testCallIn = 0x1d2ac

// fakeStub serves a minimal subset of the GDB remote protocol over a pipe.
// Continuing stops at testCallIn while a breakpoint is installed there.
type fakeStub struct {
	conn net.Conn
	rd   *bufio.Reader

	mu          sync.Mutex
	mem         map[uint32]byte
	breakpoints map[uint32]bool
	pc          uint32
	received    []string
	corruptNext bool
	consoleText string
}

func newFakeStub(conn net.Conn) *fakeStub {
	return &fakeStub{
		conn:        conn,
		rd:          bufio.NewReader(conn),
		mem:         make(map[uint32]byte),
		breakpoints: make(map[uint32]bool),
	}
}

func (s *fakeStub) serve() {
	for {
		pkt, err := s.readPacket()
		if err != nil {
			return
		}
		if _, err := s.conn.Write([]byte{'+'}); err != nil {
			return
		}

		s.mu.Lock()
		s.received = append(s.received, pkt)
		replies := s.handle(pkt)
		s.mu.Unlock()

		for _, reply := range replies {
			if err := s.writePacket(reply); err != nil {
				return
			}
		}
	}
}

func (s *fakeStub) readPacket() (string, error) {
	for {
		b, err := s.rd.ReadByte()
		if err != nil {
			return "", err
		}
		if b == '$' {
			break
		}
	}
	body, err := s.rd.ReadString('#')
	if err != nil {
		return "", err
	}
	var sum [2]byte
	if _, err := io.ReadFull(s.rd, sum[:]); err != nil {
		return "", err
	}
	return body[:len(body)-1], nil
}

func (s *fakeStub) writePacket(payload string) error {
	s.mu.Lock()
	corrupt := s.corruptNext
	s.corruptNext = false
	s.mu.Unlock()

	for {
		sum := checksum(payload)
		if corrupt {
			sum++
			corrupt = false
		}
		if _, err := fmt.Fprintf(s.conn, "$%s#%02x", payload, sum); err != nil {
			return err
		}
		ack, err := s.rd.ReadByte()
		if err != nil {
			return err
		}
		if ack == '+' {
			return nil
		}
	}
}

func (s *fakeStub) handle(pkt string) []string {
	switch {
	case pkt == "?":
		return []string{"S05"}
	case pkt == "c":
		var out []string
		if s.consoleText != "" {
			out = append(out, "O"+hex.EncodeToString([]byte(s.consoleText)))
		}
		if s.breakpoints[testCallIn] {
			s.pc = testCallIn
			return append(out, "T05")
		}
		return append(out, "W00")
	case pkt == "s":
		s.pc += 2
		return []string{"T05"}
	case strings.HasPrefix(pkt, "p"):
		if pkt != "pf" {
			return []string{"E01"}
		}
		var raw [4]byte
		binary.LittleEndian.PutUint32(raw[:], s.pc)
		return []string{hex.EncodeToString(raw[:])}
	case strings.HasPrefix(pkt, "Z0,"), strings.HasPrefix(pkt, "z0,"):
		fields := strings.Split(pkt[3:], ",")
		addr, _ := strconv.ParseUint(fields[0], 16, 32)
		s.breakpoints[uint32(addr)] = pkt[0] == 'Z'
		return []string{"OK"}
	case strings.HasPrefix(pkt, "m"):
		fields := strings.Split(pkt[1:], ",")
		addr, _ := strconv.ParseUint(fields[0], 16, 32)
		length, _ := strconv.ParseUint(fields[1], 16, 32)
		if addr >= 0x80000000 {
			return []string{"E14"}
		}
		data := make([]byte, length)
		for i := range data {
			data[i] = s.mem[uint32(addr)+uint32(i)]
		}
		return []string{hex.EncodeToString(data)}
	case strings.HasPrefix(pkt, "M"):
		header, payload, _ := strings.Cut(pkt[1:], ":")
		fields := strings.Split(header, ",")
		addr, _ := strconv.ParseUint(fields[0], 16, 32)
		data, err := hex.DecodeString(payload)
		if err != nil {
			return []string{"E01"}
		}
		for i, b := range data {
			s.mem[uint32(addr)+uint32(i)] = b
		}
		return []string{"OK"}
	default:
		return []string{""}
	}
}

func (s *fakeStub) packets(prefix string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, p := range s.received {
		if strings.HasPrefix(p, prefix) {
			out = append(out, p)
		}
	}
	return out
}

func newTestClient(t *testing.T, maxPacket int) (*GDBClient, *fakeStub) {
	t.Helper()

	clientConn, stubConn := net.Pipe()
	stub := newFakeStub(stubConn)
	go stub.serve()

	cfg := DefaultGDBConfig()
	cfg.MaxPacketSize = maxPacket
	cfg.CommandTimeout = 2 * time.Second
	cfg.ResumeTimeout = 2 * time.Second

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	client := NewGDBClient(clientConn, cfg, logger)

	t.Cleanup(func() {
		client.Close()
		stubConn.Close()
	})

	return client, stub
}

type handlerFunc func(ctx context.Context) error

func (f handlerFunc) HandleCallIn(ctx context.Context) error { return f(ctx) }

func TestDecodeRunLength(t *testing.T) {
	tests := []struct {
		name        string
		input       string
		expected    string
		expectError bool
	}{
		{"no encoding", "0123", "0123", false},
		{"three more zeros", "0* ", "0000", false},
		{"repeat in middle", "ab*\"c", "abbbbbbc", false},
		{"leading star", "*a", "", true},
		{"trailing star", "a*", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := decodeRunLength(tt.input)
			if tt.expectError {
				if err == nil {
					t.Errorf("Expected error but got none")
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if got != tt.expected {
				t.Errorf("Expected %q, got %q", tt.expected, got)
			}
		})
	}
}

func TestEncodePacket(t *testing.T) {
	tests := []struct {
		payload  string
		expected string
	}{
		{"?", "$?#3f"},
		{"c", "$c#63"},
		{"OK", "$OK#9a"},
		{"", "$#00"},
	}

	for _, tt := range tests {
		t.Run(tt.payload, func(t *testing.T) {
			if got := string(encodePacket(tt.payload)); got != tt.expected {
				t.Errorf("Expected %s, got %s", tt.expected, got)
			}
		})
	}
}

func TestReplyClassification(t *testing.T) {
	tests := []struct {
		reply   string
		stop    bool
		console bool
		errored bool
	}{
		{"T05", true, false, false},
		{"S05", true, false, false},
		{"T05thread:01;", true, false, false},
		{"OK", false, false, false},
		{"O48690a", false, true, false},
		{"E01", false, false, true},
		{"E1", false, false, false},
		{"EZZ", false, false, false},
		{"00112233", false, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.reply, func(t *testing.T) {
			if got := isStopReply(tt.reply); got != tt.stop {
				t.Errorf("isStopReply(%q) = %v, want %v", tt.reply, got, tt.stop)
			}
			if got := isConsoleOutput(tt.reply); got != tt.console {
				t.Errorf("isConsoleOutput(%q) = %v, want %v", tt.reply, got, tt.console)
			}
			if got := isErrorReply(tt.reply); got != tt.errored {
				t.Errorf("isErrorReply(%q) = %v, want %v", tt.reply, got, tt.errored)
			}
		})
	}
}

func TestHandshake(t *testing.T) {
	client, _ := newTestClient(t, 64)

	if err := client.Handshake(context.Background()); err != nil {
		t.Fatalf("Handshake failed: %v", err)
	}
}

func TestMemoryRoundTripChunked(t *testing.T) {
	client, stub := newTestClient(t, 16)
	ctx := context.Background()

	data := make([]byte, 50)
	for i := range data {
		data[i] = byte(i * 3)
	}

	if err := client.WriteMemory(ctx, 0x20000800, data); err != nil {
		t.Fatalf("WriteMemory failed: %v", err)
	}
	if writes := stub.packets("M"); len(writes) != 4 {
		t.Errorf("Expected 4 write packets for 50 bytes in 16-byte chunks, got %d", len(writes))
	}

	got, err := client.ReadMemory(ctx, 0x20000800, len(data))
	if err != nil {
		t.Fatalf("ReadMemory failed: %v", err)
	}
	if string(got) != string(data) {
		t.Errorf("Read back %x, want %x", got, data)
	}

	reads := stub.packets("m")
	if len(reads) != 4 {
		t.Fatalf("Expected 4 read packets, got %d", len(reads))
	}
	if reads[3] != "m20000830,2" {
		t.Errorf("Expected final read m20000830,2, got %s", reads[3])
	}
}

func TestReadMemoryStubError(t *testing.T) {
	client, _ := newTestClient(t, 64)

	_, err := client.ReadMemory(context.Background(), 0x90000000, 4)
	if err == nil {
		t.Fatal("Expected error reading unmapped memory")
	}

	var stubErr *StubError
	if !errors.As(err, &stubErr) {
		t.Fatalf("Expected StubError, got %T: %v", err, err)
	}
	if stubErr.Code != 0x14 {
		t.Errorf("Expected code 0x14, got 0x%02x", stubErr.Code)
	}
}

func TestChecksumRetransmit(t *testing.T) {
	client, stub := newTestClient(t, 64)

	stub.mu.Lock()
	stub.corruptNext = true
	stub.mu.Unlock()

	if err := client.Handshake(context.Background()); err != nil {
		t.Fatalf("Handshake should survive a corrupted reply: %v", err)
	}
}

func TestBreakpoints(t *testing.T) {
	client, stub := newTestClient(t, 64)
	ctx := context.Background()

	if err := client.SetBreakpoint(ctx, testCallIn); err != nil {
		t.Fatalf("SetBreakpoint failed: %v", err)
	}
	if got := stub.packets("Z0"); len(got) != 1 || got[0] != "Z0,1d2ac,2" {
		t.Errorf("Expected Z0,1d2ac,2, got %v", got)
	}

	if err := client.RemoveBreakpoint(ctx, testCallIn); err != nil {
		t.Fatalf("RemoveBreakpoint failed: %v", err)
	}
	if got := stub.packets("z0"); len(got) != 1 || got[0] != "z0,1d2ac,2" {
		t.Errorf("Expected z0,1d2ac,2, got %v", got)
	}

	if err := client.Run(ctx, handlerFunc(func(context.Context) error { return nil })); !errors.Is(err, ErrNoBreakpoints) {
		t.Errorf("Expected ErrNoBreakpoints, got %v", err)
	}
}

func TestRunDispatchesStops(t *testing.T) {
	client, stub := newTestClient(t, 64)
	ctx := context.Background()

	stub.mu.Lock()
	stub.consoleText = "decoder ready\n"
	stub.mu.Unlock()

	if err := client.SetBreakpoint(ctx, testCallIn); err != nil {
		t.Fatalf("SetBreakpoint failed: %v", err)
	}

	calls := 0
	err := client.Run(ctx, handlerFunc(func(ctx context.Context) error {
		calls++
		if calls == 3 {
			client.RequestExit()
		}
		return nil
	}))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if calls != 3 {
		t.Errorf("Expected 3 handler calls, got %d", calls)
	}
	if steps := stub.packets("s"); len(steps) != 2 {
		t.Errorf("Expected 2 single-steps over the breakpoint, got %d", len(steps))
	}
	if continues := stub.packets("c"); len(continues) != 3 {
		t.Errorf("Expected 3 continues, got %d", len(continues))
	}
}

func TestRunHandlerError(t *testing.T) {
	client, _ := newTestClient(t, 64)
	ctx := context.Background()

	if err := client.SetBreakpoint(ctx, testCallIn); err != nil {
		t.Fatalf("SetBreakpoint failed: %v", err)
	}

	boom := errors.New("boom")
	err := client.Run(ctx, handlerFunc(func(context.Context) error { return boom }))
	if !errors.Is(err, boom) {
		t.Errorf("Expected handler error, got %v", err)
	}
}

func TestRunTargetExited(t *testing.T) {
	client, _ := newTestClient(t, 64)
	ctx := context.Background()

	if err := client.SetBreakpoint(ctx, 0x1000); err != nil {
		t.Fatalf("SetBreakpoint failed: %v", err)
	}

	err := client.Run(ctx, handlerFunc(func(context.Context) error { return nil }))
	if !errors.Is(err, ErrTargetExited) {
		t.Errorf("Expected ErrTargetExited, got %v", err)
	}
}

func TestCancelledContext(t *testing.T) {
	client, _ := newTestClient(t, 64)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := client.ReadMemory(ctx, 0, 4); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}
