package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"github.com/GMMan/aud32-decoder-client/internal/batch"
	"github.com/GMMan/aud32-decoder-client/internal/config"
	"github.com/GMMan/aud32-decoder-client/internal/converter"
	"github.com/GMMan/aud32-decoder-client/internal/metrics"
	"github.com/GMMan/aud32-decoder-client/internal/remote"
	"github.com/GMMan/aud32-decoder-client/internal/server"
	"github.com/GMMan/aud32-decoder-client/internal/trace"
)

func convertCommand() *cli.Command {
	return &cli.Command{
		Name:      "convert",
		Usage:     "Convert every file of a directory to WAV",
		ArgsUsage: "<src_dir> <dest_dir>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "target",
				Aliases: []string{"t"},
				Usage:   "GDB stub address (overrides target.address)",
			},
			&cli.BoolFlag{
				Name:  "continue-on-error",
				Usage: "Keep converting after a file fails",
			},
			&cli.BoolFlag{
				Name:  "no-overwrite",
				Usage: "Skip inputs whose output already exists",
			},
			&cli.StringFlag{
				Name:  "trace-dir",
				Usage: "Record every context exchange to a trace file in this directory",
			},
			&cli.StringFlag{
				Name:  "metrics-file",
				Usage: "Write Prometheus metrics in text format to this file when the batch ends",
			},
			&cli.StringFlag{
				Name:  "http-addr",
				Usage: "Serve status and metrics on host:port while the batch runs",
			},
		},
		Action: convertAction,
	}
}

func convertAction(c *cli.Context) error {
	if c.NArg() != 2 {
		return cli.Exit("source and destination directories are required", 1)
	}
	srcDir, destDir := c.Args().Get(0), c.Args().Get(1)

	cfg, err := loadConfig(c)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	if err := applyConvertFlags(c, cfg); err != nil {
		return cli.Exit(err.Error(), 1)
	}
	if err := cfg.Validate(); err != nil {
		return cli.Exit(fmt.Sprintf("invalid configuration: %v", err), 1)
	}

	logger := initLogger(cfg.Logging)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runID := uuid.NewString()
	m := metrics.NewMetrics()
	opts := []converter.Option{converter.WithMetrics(m)}

	if cfg.Trace.Enabled {
		if err := os.MkdirAll(cfg.Trace.Dir, 0755); err != nil {
			return cli.Exit(fmt.Sprintf("failed to create trace directory: %v", err), 1)
		}
		path := filepath.Join(cfg.Trace.Dir, runID+".trace")
		rec, err := trace.Create(path)
		if err != nil {
			return cli.Exit(err.Error(), 1)
		}
		defer func() {
			if err := rec.Close(); err != nil {
				logger.Warn("Failed to close trace file", slog.String("error", err.Error()))
			}
		}()
		opts = append(opts, converter.WithTracer(rec))
		logger.Info("Tracing context exchanges", slog.String("path", path))
	}

	client, err := remote.DialGDB(ctx, gdbConfig(cfg.Target), logger)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	defer client.Close()

	conv, err := converter.New(client, cfg.Protocol.Layout(), logger, opts...)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	if err := conv.Probe(ctx); err != nil {
		return cli.Exit(fmt.Sprintf("decoder probe failed: %v", err), 1)
	}

	runner := batch.NewRunner(conv, batch.Options{
		RunID:           runID,
		OutputExtension: cfg.Batch.OutputExtension,
		ContinueOnError: cfg.Batch.ContinueOnError,
		Overwrite:       cfg.Batch.Overwrite,
	}, logger, m)

	if cfg.HTTP.Enabled {
		srv := server.NewHTTPServer(cfg.HTTP, logger, cfg, runner, m)
		if err := srv.Start(); err != nil {
			return cli.Exit(err.Error(), 1)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Stop(shutdownCtx); err != nil {
				logger.Warn("HTTP server shutdown failed", slog.String("error", err.Error()))
			}
		}()
	}

	summary, runErr := runner.Run(ctx, srcDir, destDir)

	if cfg.Metrics.Textfile != "" {
		if err := m.WriteTextfile(cfg.Metrics.Textfile); err != nil {
			logger.Warn("Failed to write metrics textfile",
				slog.String("path", cfg.Metrics.Textfile),
				slog.String("error", err.Error()),
			)
		}
	}

	if runErr != nil {
		return cli.Exit(fmt.Sprintf("batch failed: %v", runErr), 1)
	}

	fmt.Printf("%d converted, %d failed, %d skipped\n", summary.Converted, summary.Failed, summary.Skipped)
	if err := summary.Err(); err != nil {
		return cli.Exit(err.Error(), 2)
	}
	return nil
}

// applyConvertFlags folds command line overrides into the loaded configuration
func applyConvertFlags(c *cli.Context, cfg *config.Config) error {
	if target := c.String("target"); target != "" {
		cfg.Target.Address = target
	}
	if c.IsSet("continue-on-error") {
		cfg.Batch.ContinueOnError = c.Bool("continue-on-error")
	}
	if c.Bool("no-overwrite") {
		cfg.Batch.Overwrite = false
	}
	if dir := c.String("trace-dir"); dir != "" {
		cfg.Trace.Enabled = true
		cfg.Trace.Dir = dir
	}
	if path := c.String("metrics-file"); path != "" {
		cfg.Metrics.Textfile = path
	}
	if addr := c.String("http-addr"); addr != "" {
		host, portStr, err := net.SplitHostPort(addr)
		if err != nil {
			return fmt.Errorf("invalid --http-addr %q: %w", addr, err)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return fmt.Errorf("invalid --http-addr port %q: %w", portStr, err)
		}
		if host == "" {
			host = "0.0.0.0"
		}
		cfg.HTTP.Enabled = true
		cfg.HTTP.Address = host
		cfg.HTTP.Port = port
	}
	return nil
}

func gdbConfig(t config.TargetConfig) remote.GDBConfig {
	return remote.GDBConfig{
		Address:        t.Address,
		DialTimeout:    t.GetDialTimeoutDuration(),
		CommandTimeout: t.GetCommandTimeoutDuration(),
		ResumeTimeout:  t.GetResumeTimeoutDuration(),
		PCRegister:     t.PCRegister,
		BreakpointKind: t.BreakpointKind,
		MaxPacketSize:  t.MaxPacketSize,
	}
}
