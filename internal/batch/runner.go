package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/GMMan/aud32-decoder-client/internal/converter"
	"github.com/GMMan/aud32-decoder-client/internal/metrics"
)

// ErrNoInputs is returned when the source directory holds no regular files
var ErrNoInputs = errors.New("no input files found")

// Converter converts a single file
type Converter interface {
	Convert(ctx context.Context, inPath, outPath string) (*converter.Result, error)
}

// Options controls a batch run
type Options struct {
	// RunID identifies the run in logs and traces; a random UUID when empty
	RunID           string
	OutputExtension string
	ContinueOnError bool
	Overwrite       bool
}

// FileStatus is the outcome of one file
type FileStatus string

const (
	FileConverted FileStatus = "converted"
	FileFailed    FileStatus = "failed"
	FileSkipped   FileStatus = "skipped"
)

// FileResult records what happened to one input file
type FileResult struct {
	Input   string        `json:"input"`
	Output  string        `json:"output"`
	Status  FileStatus    `json:"status"`
	Error   string        `json:"error,omitempty"`
	Samples int           `json:"samples,omitempty"`
	Elapsed time.Duration `json:"elapsed_ns"`
}

// Summary describes a finished batch
type Summary struct {
	RunID     string       `json:"run_id"`
	Source    string       `json:"source"`
	Dest      string       `json:"dest"`
	Started   time.Time    `json:"started"`
	Finished  time.Time    `json:"finished"`
	Files     []FileResult `json:"files"`
	Converted int          `json:"converted"`
	Failed    int          `json:"failed"`
	Skipped   int          `json:"skipped"`
}

// Status is a point-in-time view of the runner, safe to read from other goroutines
type Status struct {
	RunID     string    `json:"run_id,omitempty"`
	State     string    `json:"state"`
	Current   string    `json:"current,omitempty"`
	Total     int       `json:"total"`
	Converted int       `json:"converted"`
	Failed    int       `json:"failed"`
	Skipped   int       `json:"skipped"`
	Started   time.Time `json:"started"`
}

// Runner converts every file of a directory, one at a time, through a single converter
type Runner struct {
	conv    Converter
	opts    Options
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu     sync.RWMutex
	status Status
}

// NewRunner creates a batch runner
func NewRunner(conv Converter, opts Options, logger *slog.Logger, m *metrics.Metrics) *Runner {
	if opts.OutputExtension == "" {
		opts.OutputExtension = ".wav"
	}

	return &Runner{
		conv:    conv,
		opts:    opts,
		logger:  logger,
		metrics: m,
		status:  Status{State: "idle"},
	}
}

// Status returns a snapshot of the current run
func (r *Runner) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status
}

// Run converts every regular file in srcDir, sorted by name, into destDir.
// Without ContinueOnError the first failure stops the batch and is returned
// along with the partial summary.
func (r *Runner) Run(ctx context.Context, srcDir, destDir string) (*Summary, error) {
	inputs, err := listInputs(srcDir)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(destDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	runID := r.opts.RunID
	if runID == "" {
		runID = uuid.NewString()
	}

	summary := &Summary{
		RunID:   runID,
		Source:  srcDir,
		Dest:    destDir,
		Started: time.Now(),
	}

	r.update(func(s *Status) {
		*s = Status{RunID: runID, State: "running", Total: len(inputs), Started: summary.Started}
	})
	defer r.update(func(s *Status) {
		s.State = "finished"
		s.Current = ""
	})

	r.logger.Info("Starting batch",
		slog.String("run_id", runID),
		slog.String("source", srcDir),
		slog.String("dest", destDir),
		slog.Int("files", len(inputs)),
	)

	var runErr error
	for _, name := range inputs {
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}

		result, err := r.convertOne(ctx, srcDir, destDir, name)
		summary.add(result)
		r.update(func(s *Status) {
			s.Current = ""
			s.Converted, s.Failed, s.Skipped = summary.Converted, summary.Failed, summary.Skipped
		})

		if result.Status == FileFailed && !r.opts.ContinueOnError {
			runErr = err
			break
		}
	}

	summary.Finished = time.Now()

	r.logger.Info("Batch finished",
		slog.String("run_id", runID),
		slog.Int("converted", summary.Converted),
		slog.Int("failed", summary.Failed),
		slog.Int("skipped", summary.Skipped),
		slog.Duration("elapsed", summary.Finished.Sub(summary.Started)),
	)

	return summary, runErr
}

func (r *Runner) convertOne(ctx context.Context, srcDir, destDir, name string) (FileResult, error) {
	inPath := filepath.Join(srcDir, name)
	outPath := filepath.Join(destDir, strings.TrimSuffix(name, filepath.Ext(name))+r.opts.OutputExtension)

	result := FileResult{Input: inPath, Output: outPath}

	if !r.opts.Overwrite {
		if _, err := os.Stat(outPath); err == nil {
			r.logger.Info("Output exists, skipping", slog.String("output", outPath))
			r.metrics.RecordSkipped()
			result.Status = FileSkipped
			return result, nil
		}
	}

	r.update(func(s *Status) { s.Current = name })
	started := time.Now()

	converted, err := r.conv.Convert(ctx, inPath, outPath)
	result.Elapsed = time.Since(started)
	if err != nil {
		r.logger.Error("Failed to convert file",
			slog.String("input", inPath),
			slog.String("error", err.Error()),
		)
		result.Status = FileFailed
		result.Error = err.Error()
		return result, err
	}

	result.Status = FileConverted
	result.Samples = converted.Samples
	return result, nil
}

func (r *Runner) update(fn func(s *Status)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(&r.status)
}

func (s *Summary) add(result FileResult) {
	s.Files = append(s.Files, result)
	switch result.Status {
	case FileConverted:
		s.Converted++
	case FileFailed:
		s.Failed++
	case FileSkipped:
		s.Skipped++
	}
}

// Err reports whether any file failed
func (s *Summary) Err() error {
	if s.Failed == 0 {
		return nil
	}
	return fmt.Errorf("%d of %d files failed", s.Failed, len(s.Files))
}

// listInputs returns the names of the regular files in dir, sorted
func listInputs(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read source directory: %w", err)
	}

	var names []string
	for _, entry := range entries {
		if entry.Type().IsRegular() {
			names = append(names, entry.Name())
		}
	}

	if len(names) == 0 {
		return nil, fmt.Errorf("%w in %s", ErrNoInputs, dir)
	}
	return names, nil
}
