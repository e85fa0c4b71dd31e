package remote

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"
)

// maxRetransmits is how many times a nak'd packet is resent
const maxRetransmits = 3

// GDBConfig contains GDB remote stub connection settings
type GDBConfig struct {
	Address        string
	DialTimeout    time.Duration
	CommandTimeout time.Duration
	ResumeTimeout  time.Duration
	PCRegister     int // register number of the program counter (15 on ARM)
	BreakpointKind int // Z0 kind field (2 = Thumb)
	MaxPacketSize  int // maximum memory bytes per m/M packet
}

// DefaultGDBConfig returns settings for QEMU's gdbstub started with -s
func DefaultGDBConfig() GDBConfig {
	return GDBConfig{
		Address:        "localhost:1234",
		DialTimeout:    5 * time.Second,
		CommandTimeout: 5 * time.Second,
		ResumeTimeout:  2 * time.Minute,
		PCRegister:     15,
		BreakpointKind: 2,
		MaxPacketSize:  1024,
	}
}

// StubError is an "Exx" error reply from the stub
type StubError struct {
	Command string
	Code    int
}

func (e *StubError) Error() string {
	return fmt.Sprintf("stub returned E%02x for %s", e.Code, e.Command)
}

// UnexpectedStopError reports a halt that did not happen at an installed breakpoint
type UnexpectedStopError struct {
	PC    uint32
	Reply string
}

func (e *UnexpectedStopError) Error() string {
	return fmt.Sprintf("target stopped at 0x%08x outside any breakpoint (%s)", e.PC, e.Reply)
}

// GDBClient controls a target through the GDB Remote Serial Protocol.
// It is not safe for concurrent use.
type GDBClient struct {
	cfg    GDBConfig
	conn   net.Conn
	rd     *bufio.Reader
	logger *slog.Logger

	breakpoints map[uint32]struct{}
	exit        bool
}

// DialGDB connects to a GDB stub and confirms it responds
func DialGDB(ctx context.Context, cfg GDBConfig, logger *slog.Logger) (*GDBClient, error) {
	dialer := net.Dialer{Timeout: cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to GDB stub at %s: %w", cfg.Address, err)
	}

	client := NewGDBClient(conn, cfg, logger)
	if err := client.Handshake(ctx); err != nil {
		conn.Close()
		return nil, err
	}

	logger.Info("Connected to GDB stub", slog.String("address", cfg.Address))
	return client, nil
}

// NewGDBClient wraps an established connection
func NewGDBClient(conn net.Conn, cfg GDBConfig, logger *slog.Logger) *GDBClient {
	if cfg.MaxPacketSize <= 0 {
		cfg.MaxPacketSize = DefaultGDBConfig().MaxPacketSize
	}

	return &GDBClient{
		cfg:         cfg,
		conn:        conn,
		rd:          bufio.NewReader(conn),
		logger:      logger,
		breakpoints: make(map[uint32]struct{}),
	}
}

// Handshake asks for the halt reason, which the stub answers with a stop reply
func (c *GDBClient) Handshake(ctx context.Context) error {
	reply, err := c.command(ctx, "?")
	if err != nil {
		return fmt.Errorf("handshake failed: %w", err)
	}
	if !isStopReply(reply) {
		return fmt.Errorf("handshake failed: unexpected halt reason %q", reply)
	}
	return nil
}

// Close closes the connection without detaching, leaving the target halted
func (c *GDBClient) Close() error {
	return c.conn.Close()
}

// SetBreakpoint installs a software breakpoint
func (c *GDBClient) SetBreakpoint(ctx context.Context, addr uint32) error {
	if err := c.insertBreakpoint(ctx, addr); err != nil {
		return err
	}
	c.breakpoints[addr] = struct{}{}
	return nil
}

// RemoveBreakpoint removes a software breakpoint
func (c *GDBClient) RemoveBreakpoint(ctx context.Context, addr uint32) error {
	if err := c.deleteBreakpoint(ctx, addr); err != nil {
		return err
	}
	delete(c.breakpoints, addr)
	return nil
}

// RequestExit makes Run return once the current handler call finishes
func (c *GDBClient) RequestExit() {
	c.exit = true
}

// Run resumes the target and dispatches every breakpoint stop to h
func (c *GDBClient) Run(ctx context.Context, h CallInHandler) error {
	c.exit = false

	for {
		if len(c.breakpoints) == 0 {
			return ErrNoBreakpoints
		}

		if err := c.stepOverBreakpoint(ctx); err != nil {
			return err
		}

		reply, err := c.resume(ctx, "c")
		if err != nil {
			return err
		}

		pc, err := c.readPC(ctx)
		if err != nil {
			return err
		}

		if _, ok := c.breakpoints[pc]; !ok {
			return &UnexpectedStopError{PC: pc, Reply: reply}
		}

		if err := h.HandleCallIn(ctx); err != nil {
			return err
		}

		if c.exit {
			c.exit = false
			return nil
		}
	}
}

// ReadMemory reads target memory in chunks of at most MaxPacketSize bytes
func (c *GDBClient) ReadMemory(ctx context.Context, addr uint32, length int) ([]byte, error) {
	out := make([]byte, 0, length)

	for len(out) < length {
		chunk := min(length-len(out), c.cfg.MaxPacketSize)
		at := addr + uint32(len(out))

		reply, err := c.command(ctx, fmt.Sprintf("m%x,%x", at, chunk))
		if err != nil {
			return nil, fmt.Errorf("failed to read memory at 0x%08x: %w", at, err)
		}

		data, err := hex.DecodeString(reply)
		if err != nil {
			return nil, fmt.Errorf("malformed memory reply at 0x%08x: %w", at, err)
		}
		if len(data) == 0 {
			return nil, fmt.Errorf("empty memory reply at 0x%08x", at)
		}
		if len(data) > chunk {
			data = data[:chunk]
		}

		out = append(out, data...)
	}

	return out, nil
}

// WriteMemory writes target memory in chunks of at most MaxPacketSize bytes
func (c *GDBClient) WriteMemory(ctx context.Context, addr uint32, data []byte) error {
	for offset := 0; offset < len(data); {
		chunk := min(len(data)-offset, c.cfg.MaxPacketSize)
		at := addr + uint32(offset)

		reply, err := c.command(ctx, fmt.Sprintf("M%x,%x:%s", at, chunk, hex.EncodeToString(data[offset:offset+chunk])))
		if err != nil {
			return fmt.Errorf("failed to write memory at 0x%08x: %w", at, err)
		}
		if reply != "OK" {
			return fmt.Errorf("unexpected reply %q to memory write at 0x%08x", reply, at)
		}

		offset += chunk
	}

	return nil
}

func (c *GDBClient) insertBreakpoint(ctx context.Context, addr uint32) error {
	reply, err := c.command(ctx, fmt.Sprintf("Z0,%x,%x", addr, c.cfg.BreakpointKind))
	if err != nil {
		return fmt.Errorf("failed to set breakpoint at 0x%08x: %w", addr, err)
	}
	return checkOK(reply, "Z0")
}

func (c *GDBClient) deleteBreakpoint(ctx context.Context, addr uint32) error {
	reply, err := c.command(ctx, fmt.Sprintf("z0,%x,%x", addr, c.cfg.BreakpointKind))
	if err != nil {
		return fmt.Errorf("failed to remove breakpoint at 0x%08x: %w", addr, err)
	}
	return checkOK(reply, "z0")
}

// stepOverBreakpoint single-steps past a breakpoint at the current PC so that
// continuing does not immediately stop on it again
func (c *GDBClient) stepOverBreakpoint(ctx context.Context) error {
	pc, err := c.readPC(ctx)
	if err != nil {
		return err
	}
	if _, ok := c.breakpoints[pc]; !ok {
		return nil
	}

	if err := c.deleteBreakpoint(ctx, pc); err != nil {
		return err
	}
	if _, err := c.resume(ctx, "s"); err != nil {
		return err
	}
	return c.insertBreakpoint(ctx, pc)
}

// readPC reads the program counter, falling back to 'g' for stubs without 'p'
func (c *GDBClient) readPC(ctx context.Context) (uint32, error) {
	reply, err := c.command(ctx, fmt.Sprintf("p%x", c.cfg.PCRegister))
	if err != nil {
		return 0, fmt.Errorf("failed to read PC: %w", err)
	}

	if reply == "" {
		regs, err := c.command(ctx, "g")
		if err != nil {
			return 0, fmt.Errorf("failed to read registers: %w", err)
		}
		offset := c.cfg.PCRegister * 8
		if len(regs) < offset+8 {
			return 0, fmt.Errorf("register dump too short for register %d", c.cfg.PCRegister)
		}
		reply = regs[offset : offset+8]
	}

	raw, err := hex.DecodeString(reply)
	if err != nil || len(raw) < 4 {
		return 0, fmt.Errorf("malformed PC value %q", reply)
	}

	// Target registers are little-endian
	return binary.LittleEndian.Uint32(raw[:4]), nil
}

// resume sends an execution packet and waits for the resulting stop reply
func (c *GDBClient) resume(ctx context.Context, packet string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	c.conn.SetDeadline(c.deadline(ctx, c.cfg.CommandTimeout))
	if err := c.sendPacket(packet); err != nil {
		return "", fmt.Errorf("failed to send %q: %w", packet, err)
	}

	c.conn.SetDeadline(c.deadline(ctx, c.cfg.ResumeTimeout))
	stop := context.AfterFunc(ctx, func() {
		c.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	for {
		reply, err := c.readPacket()
		if err != nil {
			if ctx.Err() != nil {
				stop()
				c.interrupt()
				return "", ctx.Err()
			}
			return "", fmt.Errorf("waiting for target to stop: %w", err)
		}

		switch {
		case isConsoleOutput(reply):
			c.logConsoleOutput(reply[1:])
		case isStopReply(reply):
			return reply, nil
		case strings.HasPrefix(reply, "W") || strings.HasPrefix(reply, "X"):
			return reply, fmt.Errorf("%w: %s", ErrTargetExited, reply)
		default:
			return "", fmt.Errorf("unexpected reply %q while target running", reply)
		}
	}
}

// interrupt halts a running target after the caller's context was cancelled
func (c *GDBClient) interrupt() {
	c.conn.SetDeadline(time.Now().Add(c.cfg.CommandTimeout))

	if _, err := c.conn.Write([]byte{0x03}); err != nil {
		c.logger.Warn("Failed to interrupt target", slog.String("error", err.Error()))
		return
	}

	reply, err := c.readPacket()
	if err != nil {
		c.logger.Warn("No stop reply after interrupt", slog.String("error", err.Error()))
		return
	}
	c.logger.Debug("Target interrupted", slog.String("reply", reply))
}

// command sends a packet and returns the stub's reply
func (c *GDBClient) command(ctx context.Context, payload string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	c.conn.SetDeadline(c.deadline(ctx, c.cfg.CommandTimeout))

	if err := c.sendPacket(payload); err != nil {
		return "", fmt.Errorf("failed to send %q: %w", abbreviate(payload), err)
	}

	reply, err := c.readPacket()
	if err != nil {
		return "", fmt.Errorf("failed to read reply to %q: %w", abbreviate(payload), err)
	}

	c.logger.Debug("GDB exchange",
		slog.String("sent", abbreviate(payload)),
		slog.String("reply", abbreviate(reply)),
	)

	if isErrorReply(reply) {
		code, _ := strconv.ParseUint(reply[1:], 16, 8)
		return "", &StubError{Command: abbreviate(payload), Code: int(code)}
	}

	return reply, nil
}

func (c *GDBClient) sendPacket(payload string) error {
	packet := encodePacket(payload)

	for attempt := 0; attempt <= maxRetransmits; attempt++ {
		if _, err := c.conn.Write(packet); err != nil {
			return err
		}

		ack, err := c.rd.ReadByte()
		if err != nil {
			return err
		}

		switch ack {
		case '+':
			return nil
		case '-':
			c.logger.Debug("Packet nak'd, retransmitting", slog.Int("attempt", attempt+1))
		default:
			return fmt.Errorf("unexpected byte 0x%02x while waiting for ack", ack)
		}
	}

	return fmt.Errorf("packet not acknowledged after %d attempts", maxRetransmits+1)
}

// readPacket reads one packet, acking it and naking checksum failures
func (c *GDBClient) readPacket() (string, error) {
	for {
		b, err := c.rd.ReadByte()
		if err != nil {
			return "", err
		}
		if b != '$' {
			continue
		}

		body, err := c.rd.ReadString('#')
		if err != nil {
			return "", err
		}
		body = body[:len(body)-1]

		var sum [2]byte
		if _, err := io.ReadFull(c.rd, sum[:]); err != nil {
			return "", err
		}

		want, err := strconv.ParseUint(string(sum[:]), 16, 8)
		if err != nil || byte(want) != checksum(body) {
			c.logger.Warn("Bad packet checksum, requesting retransmit", slog.String("packet", abbreviate(body)))
			if _, err := c.conn.Write([]byte{'-'}); err != nil {
				return "", err
			}
			continue
		}

		if _, err := c.conn.Write([]byte{'+'}); err != nil {
			return "", err
		}

		return decodeRunLength(body)
	}
}

func (c *GDBClient) logConsoleOutput(encoded string) {
	text, err := hex.DecodeString(encoded)
	if err != nil {
		c.logger.Debug("Malformed console output packet", slog.String("packet", encoded))
		return
	}
	c.logger.Info("Target output", slog.String("text", strings.TrimRight(string(text), "\r\n")))
}

func (c *GDBClient) deadline(ctx context.Context, timeout time.Duration) time.Time {
	d := time.Now().Add(timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(d) {
		d = ctxDeadline
	}
	return d
}

func checksum(body string) byte {
	var sum byte
	for i := 0; i < len(body); i++ {
		sum += body[i]
	}
	return sum
}

func encodePacket(payload string) []byte {
	return []byte(fmt.Sprintf("$%s#%02x", payload, checksum(payload)))
}

// decodeRunLength expands "c*n" sequences: the character before '*' is
// repeated n-29 more times
func decodeRunLength(body string) (string, error) {
	if !strings.Contains(body, "*") {
		return body, nil
	}

	var b strings.Builder
	var last byte
	for i := 0; i < len(body); i++ {
		ch := body[i]
		if ch != '*' {
			b.WriteByte(ch)
			last = ch
			continue
		}

		if b.Len() == 0 || i+1 >= len(body) {
			return "", fmt.Errorf("malformed run-length encoding in %q", abbreviate(body))
		}
		count := int(body[i+1]) - 29
		if count < 0 {
			return "", fmt.Errorf("malformed run-length count in %q", abbreviate(body))
		}
		for j := 0; j < count; j++ {
			b.WriteByte(last)
		}
		i++
	}

	return b.String(), nil
}

func isStopReply(reply string) bool {
	return len(reply) >= 3 && (reply[0] == 'T' || reply[0] == 'S')
}

func isConsoleOutput(reply string) bool {
	return len(reply) > 1 && reply[0] == 'O' && reply != "OK"
}

func isErrorReply(reply string) bool {
	if len(reply) != 3 || reply[0] != 'E' {
		return false
	}
	_, err := strconv.ParseUint(reply[1:], 16, 8)
	return err == nil
}

func checkOK(reply, command string) error {
	switch reply {
	case "OK":
		return nil
	case "":
		return fmt.Errorf("%s: %w", command, ErrNotImplemented)
	default:
		return fmt.Errorf("unexpected reply %q to %s", reply, command)
	}
}

// abbreviate shortens long packets (memory transfers) for logs and errors
func abbreviate(s string) string {
	const limit = 48
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..." + strconv.Itoa(len(s)) + " bytes"
}
