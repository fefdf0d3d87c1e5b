// Package config provides configuration loading and validation for the
// datasets export tool. It handles YAML-based configuration with
// per-section struct validation.
package config
