package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config represents the complete pipeline configuration
type Config struct {
	Source     SourceConfig     `yaml:"source"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
	Output     OutputConfig     `yaml:"output"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// SourceConfig selects and configures the dataset loader
type SourceConfig struct {
	Type string `yaml:"type"` // "audiofolder" or "webdataset"

	// audiofolder
	Root       string   `yaml:"root"`
	Extensions []string `yaml:"extensions"`
	EnableTags bool     `yaml:"enable_tags"`
	SampleRate int      `yaml:"sample_rate"`

	// webdataset
	Roots      []string `yaml:"roots"`
	PendingCap int      `yaml:"pending_cap"`
}

// PipelineConfig contains the streaming transformations applied in order
type PipelineConfig struct {
	ShuffleSeed   int64 `yaml:"shuffle_seed"`
	ShuffleBuffer int   `yaml:"shuffle_buffer"` // 0 disables shuffling
	Skip          int   `yaml:"skip"`
	Take          int   `yaml:"take"` // 0 means everything
	Repeat        int   `yaml:"repeat"`
	DecodeAudio   bool  `yaml:"decode_audio"`
	DecodeThreads int   `yaml:"decode_threads"`

	// Worker sharding for distributed runs
	Rank      int `yaml:"rank"`
	WorldSize int `yaml:"world_size"` // 0 disables splitting
}

// OutputConfig contains export configuration
type OutputConfig struct {
	Dir        string `yaml:"dir"`
	Prefix     string `yaml:"prefix"`
	Format     string `yaml:"format"` // "jsonl" or "csv"
	NumShards  int    `yaml:"num_shards"`
	NumWorkers int    `yaml:"num_workers"`
}

// CheckpointConfig controls state persistence across runs
type CheckpointConfig struct {
	Path      string `yaml:"path"`       // empty disables checkpointing
	SaveEvery int    `yaml:"save_every"` // rows between saves
}

// MetricsConfig contains the Prometheus endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// Validate performs validation of the whole configuration
func (c *Config) Validate() error {
	if err := c.Source.Validate(); err != nil {
		return fmt.Errorf("source config: %w", err)
	}

	if err := c.Pipeline.Validate(); err != nil {
		return fmt.Errorf("pipeline config: %w", err)
	}

	if err := c.Output.Validate(); err != nil {
		return fmt.Errorf("output config: %w", err)
	}

	if err := c.Checkpoint.Validate(); err != nil {
		return fmt.Errorf("checkpoint config: %w", err)
	}

	if err := c.Metrics.Validate(); err != nil {
		return fmt.Errorf("metrics config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates the source configuration
func (s *SourceConfig) Validate() error {
	switch s.Type {
	case "audiofolder":
		if s.Root == "" {
			return fmt.Errorf("root cannot be empty for audiofolder sources")
		}
	case "webdataset":
		if len(s.Roots) == 0 {
			return fmt.Errorf("roots cannot be empty for webdataset sources")
		}
	default:
		return fmt.Errorf("type must be 'audiofolder' or 'webdataset', got '%s'", s.Type)
	}

	if s.SampleRate < 0 {
		return fmt.Errorf("sample_rate cannot be negative, got %d", s.SampleRate)
	}

	if s.PendingCap < 0 {
		return fmt.Errorf("pending_cap cannot be negative, got %d", s.PendingCap)
	}

	return nil
}

// Validate validates the pipeline configuration
func (p *PipelineConfig) Validate() error {
	if p.ShuffleBuffer < 0 {
		return fmt.Errorf("shuffle_buffer cannot be negative, got %d", p.ShuffleBuffer)
	}

	if p.Skip < 0 {
		return fmt.Errorf("skip cannot be negative, got %d", p.Skip)
	}

	if p.Take < 0 {
		return fmt.Errorf("take cannot be negative, got %d", p.Take)
	}

	if p.Repeat < 0 {
		return fmt.Errorf("repeat cannot be negative, got %d", p.Repeat)
	}

	if p.DecodeThreads < 0 {
		return fmt.Errorf("decode_threads cannot be negative, got %d", p.DecodeThreads)
	}

	if p.WorldSize > 0 && (p.Rank < 0 || p.Rank >= p.WorldSize) {
		return fmt.Errorf("rank must be in [0, %d), got %d", p.WorldSize, p.Rank)
	}

	return nil
}

// Validate validates the output configuration
func (o *OutputConfig) Validate() error {
	if o.Dir == "" {
		return fmt.Errorf("dir cannot be empty")
	}

	if o.Prefix == "" {
		return fmt.Errorf("prefix cannot be empty")
	}

	validFormats := map[string]bool{"jsonl": true, "csv": true}
	if !validFormats[o.Format] {
		return fmt.Errorf("format must be 'jsonl' or 'csv', got '%s'", o.Format)
	}

	if o.NumShards < 1 {
		return fmt.Errorf("num_shards must be at least 1, got %d", o.NumShards)
	}

	if o.NumWorkers < 1 {
		return fmt.Errorf("num_workers must be at least 1, got %d", o.NumWorkers)
	}

	return nil
}

// Validate validates the checkpoint configuration
func (c *CheckpointConfig) Validate() error {
	if c.Path != "" && c.SaveEvery < 1 {
		return fmt.Errorf("save_every must be at least 1 when checkpointing is enabled, got %d", c.SaveEvery)
	}

	return nil
}

// Validate validates the metrics configuration
func (m *MetricsConfig) Validate() error {
	if m.Enabled && m.Address == "" {
		return fmt.Errorf("address cannot be empty when metrics are enabled")
	}

	return nil
}

// Validate validates the logging configuration
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

	validOutputs := map[string]bool{"stdout": true, "stderr": true}
	if !validOutputs[l.Output] {
		return fmt.Errorf("output must be 'stdout' or 'stderr', got '%s'", l.Output)
	}

	return nil
}
