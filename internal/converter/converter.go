package converter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/GMMan/aud32-decoder-client/internal/audio"
	"github.com/GMMan/aud32-decoder-client/internal/container"
	"github.com/GMMan/aud32-decoder-client/internal/metrics"
	"github.com/GMMan/aud32-decoder-client/internal/protocol"
	"github.com/GMMan/aud32-decoder-client/internal/remote"
	"github.com/GMMan/aud32-decoder-client/internal/trace"
)

var (
	// ErrBusy is returned by Start while another conversion is live
	ErrBusy = errors.New("a conversion is already in progress")
	// ErrIncomplete is returned when the controller stops before the conversion finished
	ErrIncomplete = errors.New("controller stopped before the conversion finished")
)

// DecoderError is a non-zero result code reported by the remote decoder
type DecoderError struct {
	Command int32
	Code    int32
}

func (e *DecoderError) Error() string {
	return fmt.Sprintf("decoder %s failed with result code %d", protocol.CommandName(e.Command), e.Code)
}

// Tracer receives every context written to or read from the target
type Tracer interface {
	Record(e trace.Exchange) error
}

// Result describes a finished conversion
type Result struct {
	Input    string
	Output   string
	Frames   uint32
	Samples  int
	Duration time.Duration // audio duration
	Packets  int
	Elapsed  time.Duration
}

// Option configures a Converter
type Option func(*Converter)

// WithMetrics records RPC and conversion metrics
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Converter) {
		c.metrics = m
	}
}

// WithTracer records every context exchange
func WithTracer(t Tracer) Option {
	return func(c *Converter) {
		c.tracer = t
	}
}

// Converter drives the remote decoder through one file at a time. It is
// driven by the controller calling HandleCallIn and is not safe for
// concurrent use.
type Converter struct {
	ctrl    remote.Controller
	layout  protocol.Layout
	logger  *slog.Logger
	metrics *metrics.Metrics
	tracer  Tracer

	phase  phase
	result *Result
}

// New creates an idle converter
func New(ctrl remote.Controller, layout protocol.Layout, logger *slog.Logger, opts ...Option) (*Converter, error) {
	if err := layout.Validate(); err != nil {
		return nil, fmt.Errorf("invalid protocol layout: %w", err)
	}

	c := &Converter{
		ctrl:   ctrl,
		layout: layout,
		logger: logger,
		phase:  idlePhase{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// State returns the current protocol state
func (c *Converter) State() State {
	return c.phase.state()
}

// Probe reads the context header from the live target and checks that it
// holds a known command, which catches a wrong context address early
func (c *Converter) Probe(ctx context.Context) error {
	header, err := c.ctrl.ReadMemory(ctx, c.layout.ContextAddress, protocol.HeaderSize)
	if err != nil {
		return fmt.Errorf("failed to read context header: %w", err)
	}

	cmd, err := protocol.ExtractCommand(header)
	if err != nil {
		return err
	}

	switch cmd {
	case protocol.CmdIdle, protocol.CmdInit, protocol.CmdDecode:
	default:
		return fmt.Errorf("context at 0x%08x does not look like a decoder context (command %d)",
			c.layout.ContextAddress, cmd)
	}

	c.logger.Debug("Decoder context probed",
		slog.String("address", fmt.Sprintf("0x%08x", c.layout.ContextAddress)),
		slog.String("command", protocol.CommandName(cmd)),
	)
	return nil
}

// Convert converts inPath to a WAV file at outPath and blocks until the
// conversion finishes or fails
func (c *Converter) Convert(ctx context.Context, inPath, outPath string) (*Result, error) {
	started := time.Now()

	if err := c.Start(ctx, inPath, outPath); err != nil {
		c.metrics.RecordConversion(false, time.Since(started))
		return nil, err
	}

	runErr := c.ctrl.Run(ctx, c)

	if sess := sessionOf(c.phase); sess != nil {
		if err := c.finalize(ctx, sess); err != nil {
			c.logger.Warn("Cleanup after aborted conversion failed", slog.String("error", err.Error()))
		}
		if runErr == nil {
			runErr = ErrIncomplete
		}
	}

	if runErr != nil {
		c.metrics.RecordConversion(false, time.Since(started))
		return nil, fmt.Errorf("conversion of %s failed: %w", inPath, runErr)
	}

	result := c.result
	c.result = nil
	if result == nil {
		c.metrics.RecordConversion(false, time.Since(started))
		return nil, fmt.Errorf("conversion of %s failed: %w", inPath, ErrIncomplete)
	}

	c.metrics.RecordConversion(true, time.Since(started))
	return result, nil
}

// Start opens inPath, installs the call-in breakpoint and arms the converter.
// The conversion then proceeds as the controller reports call-ins.
func (c *Converter) Start(ctx context.Context, inPath, outPath string) error {
	if _, idle := c.phase.(idlePhase); !idle {
		return ErrBusy
	}

	file, err := container.Open(inPath)
	if err != nil {
		return err
	}

	if err := checkFile(file); err != nil {
		file.Close()
		return fmt.Errorf("cannot convert %s: %w", inPath, err)
	}

	if err := c.ctrl.SetBreakpoint(ctx, c.layout.CallInAddress); err != nil {
		file.Close()
		return fmt.Errorf("failed to set call-in breakpoint: %w", err)
	}

	c.result = nil
	c.phase = awaitingInit{sess: &session{
		file:    file,
		outPath: outPath,
		started: time.Now(),
	}}

	c.logger.Info("Starting conversion",
		slog.String("input", inPath),
		slog.String("output", outPath),
		slog.Int("sample_rate", int(file.SampleRate)),
		slog.Int("bit_rate", int(file.BitRate)),
		slog.Int("channels", int(file.Channels)),
		slog.Uint64("frames", uint64(file.FrameCount)),
		slog.Bool("multi_frame", file.HasOldSamples()),
	)
	return nil
}

// checkFile rejects files the decoder loop could not complete
func checkFile(f *container.File) error {
	if f.Channels == 0 {
		return fmt.Errorf("channel count is zero")
	}

	format := audio.Format{Channels: int(f.Channels), SampleRate: int(f.SampleRate) / int(f.Channels)}
	if err := format.Validate(); err != nil {
		return err
	}

	if f.FrameCount > 0 && f.FrameSize() > protocol.InBufferCapacity {
		return fmt.Errorf("frame size %d exceeds decode buffer capacity %d", f.FrameSize(), protocol.InBufferCapacity)
	}
	return nil
}

// HandleCallIn performs one state transition. It is called by the controller
// each time the target reaches the call-in point.
func (c *Converter) HandleCallIn(ctx context.Context) error {
	var (
		sess *session
		next phase
		err  error
	)

	switch p := c.phase.(type) {
	case idlePhase:
		return nil
	case awaitingInit:
		sess = p.sess
		next, err = c.sendInit(ctx, sess)
	case awaitingInitResult:
		sess = p.sess
		next, err = c.handleInitResult(ctx, sess)
	case awaitingDecodeResult:
		sess = p.sess
		next, err = c.handleDecodeResult(ctx, sess, p.batch)
	}

	sess.packets++

	if _, done := next.(idlePhase); err == nil && !done {
		c.phase = next
		return nil
	}

	cleanupErr := c.finalize(ctx, sess)
	if err != nil {
		c.logger.Error("Conversion failed",
			slog.String("input", sess.file.Path),
			slog.Int("packets", sess.packets),
			slog.String("error", err.Error()),
		)
		if cleanupErr != nil {
			c.logger.Warn("Cleanup after failed conversion failed", slog.String("error", cleanupErr.Error()))
		}
		return err
	}
	return cleanupErr
}

func (c *Converter) sendInit(ctx context.Context, sess *session) (phase, error) {
	f := sess.file

	params, err := protocol.MakeInitParams(int32(f.SampleRate), int32(f.BitRate)*10, f.InitOldSamples)
	if err != nil {
		return nil, err
	}

	if err := c.writeContext(ctx, sess, protocol.CmdInit, params); err != nil {
		return nil, err
	}
	return awaitingInitResult{sess: sess}, nil
}

func (c *Converter) handleInitResult(ctx context.Context, sess *session) (phase, error) {
	if _, err := c.readResult(ctx, sess, protocol.CmdInit, protocol.InitContextSize); err != nil {
		return nil, err
	}

	// A file without frames still gets one empty decode call
	return c.submitBatch(ctx, sess)
}

func (c *Converter) handleDecodeResult(ctx context.Context, sess *session, batch int) (phase, error) {
	params, err := c.readResult(ctx, sess, protocol.CmdDecode, protocol.DecodeContextSize+batch*protocol.OutFrameSize)
	if err != nil {
		return nil, err
	}

	numBuffers, err := protocol.ExtractNumBuffers(params)
	if err != nil {
		return nil, err
	}
	if extra := int(numBuffers) - batch; extra > 0 && numBuffers <= protocol.BufferCount {
		if params, err = c.readExtraOutput(ctx, params, batch, extra); err != nil {
			return nil, err
		}
	}

	out, err := protocol.DecodedOutput(params)
	if err != nil {
		return nil, err
	}
	sess.pcm = append(sess.pcm, out...)
	c.metrics.RecordDecoded(len(out))

	if sess.file.FramesRemaining() > 0 {
		return c.submitBatch(ctx, sess)
	}
	return idlePhase{}, c.complete(sess)
}

// submitBatch reads the next batch of frames and sends it to the decoder
func (c *Converter) submitBatch(ctx context.Context, sess *session) (phase, error) {
	f := sess.file
	frameSize := f.FrameSize()

	n := planBatch(f.FramesRemaining(), frameSize)
	if n == 0 && f.FramesRemaining() > 0 {
		return nil, fmt.Errorf("no frame of %d bytes fits the decode buffer", frameSize)
	}

	input := make([]byte, 0, n*frameSize)
	for i := 0; i < n; i++ {
		frame, err := f.NextFrame()
		if err != nil {
			return nil, fmt.Errorf("failed to read frame %d: %w", f.FramesRead(), err)
		}
		input = append(input, frame...)
	}

	params, err := protocol.MakeDecodeParams(n, input)
	if err != nil {
		return nil, err
	}

	if err := c.writeContext(ctx, sess, protocol.CmdDecode, params); err != nil {
		return nil, err
	}

	sess.submitted += uint32(n)
	c.metrics.RecordBatch(n)

	c.logger.Debug("Submitted decode batch",
		slog.Int("frames", n),
		slog.Uint64("submitted", uint64(sess.submitted)),
		slog.Uint64("total", uint64(f.FrameCount)),
	)
	return awaitingDecodeResult{sess: sess, batch: n}, nil
}

// readExtraOutput fetches the output frames the decoder produced beyond the
// submitted batch, which the first read did not cover
func (c *Converter) readExtraOutput(ctx context.Context, params []byte, batch, extra int) ([]byte, error) {
	addr := c.layout.ContextAddress + uint32(protocol.DecodeContextSize+batch*protocol.OutFrameSize)

	data, err := c.ctrl.ReadMemory(ctx, addr, extra*protocol.OutFrameSize)
	if err != nil {
		return nil, fmt.Errorf("failed to read extra decode output: %w", err)
	}
	c.metrics.RecordContextTransfer(string(trace.DirectionRead), len(data))

	c.logger.Debug("Decoder produced more frames than submitted",
		slog.Int("submitted", batch),
		slog.Int("extra", extra),
	)
	return append(params, data...), nil
}

// planBatch returns how many frames of frameSize bytes go into the next
// decode call: as many as remain, fit the input buffer, and fit the
// decoder's buffer count.
func planBatch(remaining uint32, frameSize int) int {
	n := 0
	for uint32(n) < remaining && n < protocol.BufferCount && (n+1)*frameSize <= protocol.InBufferCapacity {
		n++
	}
	return n
}

// complete appends the end samples and writes the WAV file
func (c *Converter) complete(sess *session) error {
	f := sess.file

	if f.HasOldSamples() {
		sess.pcm = append(sess.pcm, f.EndSamples...)
	}

	format := audio.Format{Channels: int(f.Channels), SampleRate: int(f.SampleRate) / int(f.Channels)}
	if err := audio.WriteWAVFile(sess.outPath, sess.pcm, format); err != nil {
		return fmt.Errorf("failed to write %s: %w", sess.outPath, err)
	}

	samples := len(sess.pcm) / 2
	duration := time.Duration(float64(samples/format.Channels) / float64(format.SampleRate) * float64(time.Second))

	c.result = &Result{
		Input:    f.Path,
		Output:   sess.outPath,
		Frames:   sess.submitted,
		Samples:  samples,
		Duration: duration,
		Packets:  sess.packets + 1,
		Elapsed:  time.Since(sess.started),
	}

	c.logger.Info("Conversion complete",
		slog.String("input", f.Path),
		slog.String("output", sess.outPath),
		slog.Int("samples", samples),
		slog.Duration("audio_duration", duration),
		slog.Int("packets", c.result.Packets),
		slog.Duration("elapsed", c.result.Elapsed),
	)
	return nil
}

// finalize tears the session down. It runs exactly once per session, on
// success and on every failure path.
func (c *Converter) finalize(ctx context.Context, sess *session) error {
	// Cleanup must reach the target even when the caller gave up
	ctx = context.WithoutCancel(ctx)

	var errs []error
	if err := c.ctrl.RemoveBreakpoint(ctx, c.layout.CallInAddress); err != nil {
		errs = append(errs, fmt.Errorf("failed to remove call-in breakpoint: %w", err))
	}

	// Halt instead of letting the target run on from the call-in point: a
	// graceful resume here leaves the decoder frozen when the next file starts.
	c.ctrl.RequestExit()

	if err := sess.file.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close %s: %w", sess.file.Path, err))
	}

	c.phase = idlePhase{}
	return errors.Join(errs...)
}

func (c *Converter) writeContext(ctx context.Context, sess *session, cmd int32, params []byte) error {
	data := protocol.MakeContext(cmd, params)
	if err := protocol.CheckContextSize(cmd, data); err != nil {
		return err
	}

	if err := c.ctrl.WriteMemory(ctx, c.layout.ContextAddress, data); err != nil {
		return fmt.Errorf("failed to write %s context: %w", protocol.CommandName(cmd), err)
	}

	c.metrics.RecordCommand(protocol.CommandName(cmd))
	c.metrics.RecordContextTransfer(string(trace.DirectionWrite), len(data))
	c.record(sess, trace.DirectionWrite, cmd, data)
	return nil
}

// readResult reads size bytes of the returned context and checks its result
// code. The echoed command is not checked: the decoder resets it to idle.
func (c *Converter) readResult(ctx context.Context, sess *session, cmd int32, size int) ([]byte, error) {
	data, err := c.ctrl.ReadMemory(ctx, c.layout.ContextAddress, size)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s result: %w", protocol.CommandName(cmd), err)
	}

	c.metrics.RecordContextTransfer(string(trace.DirectionRead), len(data))
	c.record(sess, trace.DirectionRead, cmd, data)

	code, err := protocol.ExtractResultCode(data)
	if err != nil {
		return nil, err
	}
	if code != 0 {
		c.metrics.RecordDecoderError(protocol.CommandName(cmd))
		return nil, &DecoderError{Command: cmd, Code: code}
	}

	return protocol.ExtractParams(data)
}

func (c *Converter) record(sess *session, dir trace.Direction, cmd int32, data []byte) {
	if c.tracer == nil {
		return
	}

	sess.exchanges++
	err := c.tracer.Record(trace.Exchange{
		Seq:       sess.exchanges,
		Direction: dir,
		File:      sess.file.Path,
		Command:   protocol.CommandName(cmd),
		Address:   c.layout.ContextAddress,
		Data:      data,
		Time:      time.Now(),
	})
	if err != nil {
		c.logger.Warn("Failed to record context exchange", slog.String("error", err.Error()))
	}
}
