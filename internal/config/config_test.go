package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func validConfig() Config {
	return Config{
		Source: SourceConfig{
			Type:       "audiofolder",
			Root:       "/data/audio",
			SampleRate: 16000,
		},
		Pipeline: PipelineConfig{
			ShuffleSeed:   42,
			ShuffleBuffer: 1000,
			DecodeThreads: 4,
		},
		Output: OutputConfig{
			Dir:        "/data/out",
			Prefix:     "train",
			Format:     "jsonl",
			NumShards:  4,
			NumWorkers: 2,
		},
		Checkpoint: CheckpointConfig{
			Path:      "/data/out/checkpoint.json",
			SaveEvery: 100,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Address: ":9090",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name        string
		mutate      func(*Config)
		expectError bool
		errorMsg    string
	}{
		{
			name:        "valid configuration",
			mutate:      func(c *Config) {},
			expectError: false,
		},
		{
			name: "unknown source type",
			mutate: func(c *Config) {
				c.Source.Type = "parquet"
			},
			expectError: true,
			errorMsg:    "type must be",
		},
		{
			name: "audiofolder without root",
			mutate: func(c *Config) {
				c.Source.Root = ""
			},
			expectError: true,
			errorMsg:    "root cannot be empty",
		},
		{
			name: "webdataset without roots",
			mutate: func(c *Config) {
				c.Source.Type = "webdataset"
				c.Source.Roots = nil
			},
			expectError: true,
			errorMsg:    "roots cannot be empty",
		},
		{
			name: "webdataset with roots",
			mutate: func(c *Config) {
				c.Source.Type = "webdataset"
				c.Source.Roots = []string{"/data/shards"}
			},
			expectError: false,
		},
		{
			name: "negative sample rate",
			mutate: func(c *Config) {
				c.Source.SampleRate = -1
			},
			expectError: true,
			errorMsg:    "sample_rate cannot be negative",
		},
		{
			name: "negative shuffle buffer",
			mutate: func(c *Config) {
				c.Pipeline.ShuffleBuffer = -1
			},
			expectError: true,
			errorMsg:    "shuffle_buffer cannot be negative",
		},
		{
			name: "negative skip",
			mutate: func(c *Config) {
				c.Pipeline.Skip = -5
			},
			expectError: true,
			errorMsg:    "skip cannot be negative",
		},
		{
			name: "rank out of range",
			mutate: func(c *Config) {
				c.Pipeline.WorldSize = 4
				c.Pipeline.Rank = 4
			},
			expectError: true,
			errorMsg:    "rank must be in",
		},
		{
			name: "valid distributed split",
			mutate: func(c *Config) {
				c.Pipeline.WorldSize = 4
				c.Pipeline.Rank = 3
			},
			expectError: false,
		},
		{
			name: "missing output dir",
			mutate: func(c *Config) {
				c.Output.Dir = ""
			},
			expectError: true,
			errorMsg:    "dir cannot be empty",
		},
		{
			name: "bad output format",
			mutate: func(c *Config) {
				c.Output.Format = "xml"
			},
			expectError: true,
			errorMsg:    "format must be",
		},
		{
			name: "zero output shards",
			mutate: func(c *Config) {
				c.Output.NumShards = 0
			},
			expectError: true,
			errorMsg:    "num_shards must be at least 1",
		},
		{
			name: "checkpoint without save interval",
			mutate: func(c *Config) {
				c.Checkpoint.SaveEvery = 0
			},
			expectError: true,
			errorMsg:    "save_every must be at least 1",
		},
		{
			name: "checkpointing disabled needs no interval",
			mutate: func(c *Config) {
				c.Checkpoint.Path = ""
				c.Checkpoint.SaveEvery = 0
			},
			expectError: false,
		},
		{
			name: "metrics enabled without address",
			mutate: func(c *Config) {
				c.Metrics.Address = ""
			},
			expectError: true,
			errorMsg:    "address cannot be empty",
		},
		{
			name: "metrics disabled needs no address",
			mutate: func(c *Config) {
				c.Metrics.Enabled = false
				c.Metrics.Address = ""
			},
			expectError: false,
		},
		{
			name: "bad log level",
			mutate: func(c *Config) {
				c.Logging.Level = "verbose"
			},
			expectError: true,
			errorMsg:    "level must be one of",
		},
		{
			name: "bad log output",
			mutate: func(c *Config) {
				c.Logging.Output = "syslog"
			},
			expectError: true,
			errorMsg:    "output must be",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := validConfig()
			tt.mutate(&config)
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
source:
  type: "audiofolder"
  root: "/data/audio"
  sample_rate: 16000
pipeline:
  shuffle_seed: 42
  shuffle_buffer: 1000
  decode_audio: true
  decode_threads: 4
output:
  dir: "/data/out"
  prefix: "train"
  format: "jsonl"
  num_shards: 4
  num_workers: 2
checkpoint:
  path: "/data/out/checkpoint.json"
  save_every: 100
metrics:
  enabled: false
logging:
  level: "info"
  format: "json"
  output: "stdout"
`,
			expectError: false,
		},
		{
			name: "invalid YAML syntax",
			configYAML: `
source:
  type: "audiofolder"
  sample_rate: not_a_number
`,
			expectError: true,
			errorMsg:    "failed to parse",
		},
		{
			name: "missing required fields",
			configYAML: `
source:
  type: "audiofolder"
  # missing root
`,
			expectError: true,
			errorMsg:    "root cannot be empty",
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

func TestConfigLoadNonexistentFile(t *testing.T) {
	_, err := Load("nonexistent.yaml")
	if err == nil {
		t.Errorf("Expected error for nonexistent file but got none")
	}
	if !strings.Contains(err.Error(), "failed to read config file") {
		t.Errorf("Expected error about reading file, got: %v", err)
	}
}

func TestConfigLoadParsesValues(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	configYAML := `
source:
  type: "webdataset"
  roots: ["/a", "/b"]
  pending_cap: 64
pipeline:
  take: 500
  rank: 1
  world_size: 2
output:
  dir: "/out"
  prefix: "val"
  format: "csv"
  num_shards: 1
  num_workers: 1
logging:
  level: "debug"
  format: "text"
  output: "stderr"
`
	if err := os.WriteFile(configPath, []byte(configYAML), 0644); err != nil {
		t.Fatalf("Failed to create test config file: %v", err)
	}

	config, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(config.Source.Roots) != 2 || config.Source.Roots[1] != "/b" {
		t.Errorf("Unexpected roots: %v", config.Source.Roots)
	}
	if config.Source.PendingCap != 64 {
		t.Errorf("Expected pending_cap 64, got %d", config.Source.PendingCap)
	}
	if config.Pipeline.Take != 500 {
		t.Errorf("Expected take 500, got %d", config.Pipeline.Take)
	}
	if config.Pipeline.Rank != 1 || config.Pipeline.WorldSize != 2 {
		t.Errorf("Unexpected split: rank %d world %d", config.Pipeline.Rank, config.Pipeline.WorldSize)
	}
	if config.Output.Format != "csv" {
		t.Errorf("Expected csv format, got %s", config.Output.Format)
	}
}
