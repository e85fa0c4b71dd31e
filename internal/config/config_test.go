package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("Default config is invalid: %v", err)
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name        string
		modify      func(c *Config)
		expectError bool
		errorMsg    string
	}{
		{
			name:        "valid configuration",
			modify:      func(c *Config) {},
			expectError: false,
		},
		{
			name:        "empty target address",
			modify:      func(c *Config) { c.Target.Address = "" },
			expectError: true,
			errorMsg:    "address cannot be empty",
		},
		{
			name:        "zero resume timeout",
			modify:      func(c *Config) { c.Target.ResumeTimeout = 0 },
			expectError: true,
			errorMsg:    "resume_timeout must be positive",
		},
		{
			name:        "tiny packets",
			modify:      func(c *Config) { c.Target.MaxPacketSize = 4 },
			expectError: true,
			errorMsg:    "max_packet_size",
		},
		{
			name:        "context too small",
			modify:      func(c *Config) { c.Protocol.ContextSize = 0x1000 },
			expectError: true,
			errorMsg:    "protocol config",
		},
		{
			name:        "zero call-in address",
			modify:      func(c *Config) { c.Protocol.CallInAddress = 0 },
			expectError: true,
			errorMsg:    "call_in_address",
		},
		{
			name:        "extension without dot",
			modify:      func(c *Config) { c.Batch.OutputExtension = "wav" },
			expectError: true,
			errorMsg:    "output_extension",
		},
		{
			name: "invalid http port",
			modify: func(c *Config) {
				c.HTTP.Enabled = true
				c.HTTP.Port = 70000
			},
			expectError: true,
			errorMsg:    "http port must be between 1 and 65535",
		},
		{
			name:        "disabled http ignores port",
			modify:      func(c *Config) { c.HTTP.Port = 0 },
			expectError: false,
		},
		{
			name: "trace without dir",
			modify: func(c *Config) {
				c.Trace.Enabled = true
				c.Trace.Dir = ""
			},
			expectError: true,
			errorMsg:    "dir cannot be empty",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := Default()
			tt.modify(config)

			err := config.Validate()

			if tt.expectError {
				if err == nil {
					t.Errorf("Expected error but got none")
				} else if tt.errorMsg != "" && !strings.Contains(err.Error(), tt.errorMsg) {
					t.Errorf("Expected error to contain '%s', got '%s'", tt.errorMsg, err.Error())
				}
			} else if err != nil {
				t.Errorf("Expected no error but got: %v", err)
			}
		})
	}
}

func TestConfigLoad(t *testing.T) {
	tempDir := t.TempDir()

	tests := []struct {
		name        string
		configYAML  string
		expectError bool
		errorMsg    string
	}{
		{
			name: "valid config file",
			configYAML: `
target:
  address: "10.0.0.5:3333"
  dial_timeout: 2
  command_timeout: 1.5
  resume_timeout: 60
  pc_register: 15
  breakpoint_kind: 2
  max_packet_size: 512
protocol:
  call_in_address: 0x1d2ac
  context_address: 0x20000800
  context_size: 0xd7ac
batch:
  output_extension: ".wav"
  continue_on_error: true
  overwrite: false
logging:
  level: "debug"
  format: "json"
  output: "stdout"
`,
			expectError: false,
		},
		{
			name: "partial file keeps defaults",
			configYAML: `
batch:
  continue_on_error: true
`,
			expectError: false,
		},
		{
			name: "invalid YAML syntax",
			configYAML: `
target:
  address: "localhost:1234"
  dial_timeout: invalid_number
`,
			expectError: true,
			errorMsg:    "failed to parse",
		},
		{
			name: "empty address",
			configYAML: `
target:
  address: ""
`,
			expectError: true,
			errorMsg:    "address cannot be empty",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			configPath := filepath.Join(tempDir, "config.yaml")
			if err := os.WriteFile(configPath, []byte(tt.configYAML), 0644); err != nil {
				t.Fatalf("Failed to create test config file: %v", err)
			}

			config, err := Load(configPath)

			if tt.expectError {
				if err == nil {
					t.Errorf("Expected error but got none")
				} else if tt.errorMsg != "" && !strings.Contains(err.Error(), tt.errorMsg) {
					t.Errorf("Expected error to contain '%s', got '%s'", tt.errorMsg, err.Error())
				}
			} else {
				if err != nil {
					t.Errorf("Expected no error but got: %v", err)
				} else if config == nil {
					t.Errorf("Expected config to be loaded but got nil")
				}
			}
		})
	}
}

func TestConfigLoadValues(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	yamlData := `
target:
  address: "qemu:1234"
protocol:
  call_in_address: 0x1d2b0
  context_address: 0x20001000
  context_size: 0xe000
batch:
  continue_on_error: true
`
	if err := os.WriteFile(configPath, []byte(yamlData), 0644); err != nil {
		t.Fatal(err)
	}

	config, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	layout := config.Protocol.Layout()
	if layout.CallInAddress != 0x1d2b0 || layout.ContextAddress != 0x20001000 || layout.ContextSize != 0xe000 {
		t.Errorf("Hex addresses not parsed: %+v", layout)
	}
	if config.Target.Address != "qemu:1234" {
		t.Errorf("Expected address qemu:1234, got %s", config.Target.Address)
	}
	if config.Target.PCRegister != 15 {
		t.Errorf("Expected default pc_register 15, got %d", config.Target.PCRegister)
	}
	if !config.Batch.ContinueOnError {
		t.Errorf("Expected continue_on_error to be set")
	}
	if config.Batch.OutputExtension != ".wav" {
		t.Errorf("Expected default extension .wav, got %s", config.Batch.OutputExtension)
	}
}

func TestConfigLoadNonexistentFile(t *testing.T) {
	_, err := Load("nonexistent.yaml")
	if err == nil {
		t.Fatalf("Expected error for nonexistent file but got none")
	}
	if !strings.Contains(err.Error(), "failed to read config file") {
		t.Errorf("Expected error about reading file, got: %v", err)
	}
}

func TestDurationHelpers(t *testing.T) {
	target := TargetConfig{
		DialTimeout:    2.5,
		CommandTimeout: 0.5,
		ResumeTimeout:  120,
	}

	if target.GetDialTimeoutDuration() != 2500*time.Millisecond {
		t.Errorf("Expected 2.5 seconds, got %v", target.GetDialTimeoutDuration())
	}

	if target.GetCommandTimeoutDuration() != 500*time.Millisecond {
		t.Errorf("Expected 0.5 seconds, got %v", target.GetCommandTimeoutDuration())
	}

	if target.GetResumeTimeoutDuration() != 2*time.Minute {
		t.Errorf("Expected 2 minutes, got %v", target.GetResumeTimeoutDuration())
	}

	http := HTTPConfig{Address: "0.0.0.0", Port: 9090}
	if http.GetAddress() != "0.0.0.0:9090" {
		t.Errorf("Expected 0.0.0.0:9090, got %s", http.GetAddress())
	}
}

func TestLoggingConfigValidation(t *testing.T) {
	tests := []struct {
		name   string
		config LoggingConfig
		valid  bool
	}{
		{
			name: "valid json to stdout",
			config: LoggingConfig{
				Level:  "info",
				Format: "json",
				Output: "stdout",
			},
			valid: true,
		},
		{
			name: "valid text to file",
			config: LoggingConfig{
				Level:  "debug",
				Format: "text",
				Output: "/var/log/a32conv.log",
			},
			valid: true,
		},
		{
			name: "invalid log level",
			config: LoggingConfig{
				Level:  "trace",
				Format: "json",
				Output: "stdout",
			},
			valid: false,
		},
		{
			name: "invalid format",
			config: LoggingConfig{
				Level:  "info",
				Format: "xml",
				Output: "stdout",
			},
			valid: false,
		},
		{
			name: "empty output",
			config: LoggingConfig{
				Level:  "info",
				Format: "text",
			},
			valid: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.valid && err != nil {
				t.Errorf("Expected valid config but got error: %v", err)
			}
			if !tt.valid && err == nil {
				t.Errorf("Expected invalid config but got no error")
			}
		})
	}
}
