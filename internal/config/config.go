package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/GMMan/aud32-decoder-client/internal/protocol"
)

// Config represents the complete converter configuration
type Config struct {
	Target   TargetConfig   `yaml:"target"`
	Protocol ProtocolConfig `yaml:"protocol"`
	Batch    BatchConfig    `yaml:"batch"`
	HTTP     HTTPConfig     `yaml:"http"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Trace    TraceConfig    `yaml:"trace"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// TargetConfig contains the GDB stub connection settings
type TargetConfig struct {
	Address        string  `yaml:"address"`
	DialTimeout    float64 `yaml:"dial_timeout"`    // seconds
	CommandTimeout float64 `yaml:"command_timeout"` // seconds
	ResumeTimeout  float64 `yaml:"resume_timeout"`  // seconds
	PCRegister     int     `yaml:"pc_register"`
	BreakpointKind int     `yaml:"breakpoint_kind"`
	MaxPacketSize  int     `yaml:"max_packet_size"` // bytes of memory per m/M packet
}

// ProtocolConfig contains the decoder firmware's memory layout. YAML hex
// literals such as 0x20000800 are accepted.
type ProtocolConfig struct {
	CallInAddress  uint32 `yaml:"call_in_address"`
	ContextAddress uint32 `yaml:"context_address"`
	ContextSize    uint32 `yaml:"context_size"`
}

// BatchConfig contains directory conversion settings
type BatchConfig struct {
	OutputExtension string `yaml:"output_extension"`
	ContinueOnError bool   `yaml:"continue_on_error"`
	Overwrite       bool   `yaml:"overwrite"`
}

// HTTPConfig contains status server configuration
type HTTPConfig struct {
	Port    int    `yaml:"port"`
	Address string `yaml:"address"`
	Enabled bool   `yaml:"enabled"`
}

// MetricsConfig contains metrics export configuration
type MetricsConfig struct {
	// Textfile is written at the end of every batch when set
	Textfile string `yaml:"textfile"`
}

// TraceConfig contains context exchange tracing configuration
type TraceConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Default returns the configuration used when no file is given: a local
// QEMU gdbstub and the stock patched firmware layout
func Default() *Config {
	layout := protocol.DefaultLayout()

	return &Config{
		Target: TargetConfig{
			Address:        "localhost:1234",
			DialTimeout:    5,
			CommandTimeout: 5,
			ResumeTimeout:  120,
			PCRegister:     15,
			BreakpointKind: 2,
			MaxPacketSize:  1024,
		},
		Protocol: ProtocolConfig{
			CallInAddress:  layout.CallInAddress,
			ContextAddress: layout.ContextAddress,
			ContextSize:    layout.ContextSize,
		},
		Batch: BatchConfig{
			OutputExtension: ".wav",
			ContinueOnError: false,
			Overwrite:       true,
		},
		HTTP: HTTPConfig{
			Port:    9090,
			Address: "127.0.0.1",
			Enabled: false,
		},
		Trace: TraceConfig{
			Dir: "traces",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
	}
}

// Load reads and parses the configuration file. Keys missing from the file
// keep their default values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.Target.Validate(); err != nil {
		return fmt.Errorf("target config: %w", err)
	}

	if err := c.Protocol.Validate(); err != nil {
		return fmt.Errorf("protocol config: %w", err)
	}

	if err := c.Batch.Validate(); err != nil {
		return fmt.Errorf("batch config: %w", err)
	}

	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}

	if err := c.Trace.Validate(); err != nil {
		return fmt.Errorf("trace config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates target configuration
func (t *TargetConfig) Validate() error {
	if t.Address == "" {
		return fmt.Errorf("address cannot be empty")
	}

	if t.DialTimeout <= 0 {
		return fmt.Errorf("dial_timeout must be positive, got %f", t.DialTimeout)
	}

	if t.CommandTimeout <= 0 {
		return fmt.Errorf("command_timeout must be positive, got %f", t.CommandTimeout)
	}

	if t.ResumeTimeout <= 0 {
		return fmt.Errorf("resume_timeout must be positive, got %f", t.ResumeTimeout)
	}

	if t.PCRegister < 0 || t.PCRegister > 255 {
		return fmt.Errorf("pc_register must be between 0 and 255, got %d", t.PCRegister)
	}

	if t.BreakpointKind < 0 {
		return fmt.Errorf("breakpoint_kind cannot be negative, got %d", t.BreakpointKind)
	}

	if t.MaxPacketSize < 16 {
		return fmt.Errorf("max_packet_size must be at least 16 bytes, got %d", t.MaxPacketSize)
	}

	return nil
}

// Validate validates the memory layout
func (p *ProtocolConfig) Validate() error {
	if p.CallInAddress == 0 {
		return fmt.Errorf("call_in_address cannot be zero")
	}

	return p.Layout().Validate()
}

// Layout returns the protocol layout described by the configuration
func (p *ProtocolConfig) Layout() protocol.Layout {
	return protocol.Layout{
		CallInAddress:  p.CallInAddress,
		ContextAddress: p.ContextAddress,
		ContextSize:    p.ContextSize,
	}
}

// Validate validates batch configuration
func (b *BatchConfig) Validate() error {
	if !strings.HasPrefix(b.OutputExtension, ".") || len(b.OutputExtension) < 2 {
		return fmt.Errorf("output_extension must start with '.', got '%s'", b.OutputExtension)
	}

	if strings.ContainsAny(b.OutputExtension, `/\`) {
		return fmt.Errorf("output_extension cannot contain path separators, got '%s'", b.OutputExtension)
	}

	return nil
}

// Validate validates HTTP configuration
func (h *HTTPConfig) Validate() error {
	if h.Enabled {
		if h.Port < 1 || h.Port > 65535 {
			return fmt.Errorf("http port must be between 1 and 65535, got %d", h.Port)
		}

		if h.Address == "" {
			return fmt.Errorf("http address cannot be empty when HTTP is enabled")
		}
	}

	return nil
}

// Validate validates trace configuration
func (t *TraceConfig) Validate() error {
	if t.Enabled && t.Dir == "" {
		return fmt.Errorf("dir cannot be empty when tracing is enabled")
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	// Anything other than stdout or stderr is a file path
	if l.Output == "" {
		return fmt.Errorf("output cannot be empty")
	}

	return nil
}

// GetDialTimeoutDuration returns the dial timeout as a time.Duration
func (t *TargetConfig) GetDialTimeoutDuration() time.Duration {
	return time.Duration(t.DialTimeout * float64(time.Second))
}

// GetCommandTimeoutDuration returns the per-packet timeout as a time.Duration
func (t *TargetConfig) GetCommandTimeoutDuration() time.Duration {
	return time.Duration(t.CommandTimeout * float64(time.Second))
}

// GetResumeTimeoutDuration returns how long the target may run between stops
func (t *TargetConfig) GetResumeTimeoutDuration() time.Duration {
	return time.Duration(t.ResumeTimeout * float64(time.Second))
}

// GetAddress returns the HTTP listen address
func (h *HTTPConfig) GetAddress() string {
	return fmt.Sprintf("%s:%d", h.Address, h.Port)
}
