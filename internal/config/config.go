// Package config defines the engine configuration, its TOML file format,
// and the parsers for the user/model/filter list files.
package config

import (
	"os"
	"path/filepath"
)

// Defaults for numeric and boolean settings. Exported consumers should not
// hardcode these; they are applied by DefaultConfig.
const (
	DefaultMaxConcurrentDownloads = 3
	DefaultMaxUserImages          = 1000
	DefaultMaxAttempts            = 5
	DefaultModelAPIRPS            = 0.5
	DefaultImageAPIRPS            = 2.0
	DefaultMaxConcurrentAPI       = 4
	DefaultAPIBaseURL             = "https://civitai.com/api/v1"
	TestOutputRoot                = "./test_downloads"
)

// Config is the full engine configuration, decoded from TOML and overridden
// by environment variables and CLI flags in that order.
type Config struct {
	APIToken            string `toml:"api_token"`
	APIBaseURL          string `toml:"api_base_url"`
	OutputRoot          string `toml:"output_root"`
	TestMode            bool   `toml:"test_mode"`
	MaxConcurrent       int    `toml:"max_concurrent_downloads"`
	ParallelMode        bool   `toml:"parallel_mode"`
	SkipExisting        bool   `toml:"skip_existing"`
	BaseModelFilterPath string `toml:"base_model_filter_path"`
	MaxUserImages       int    `toml:"max_user_images"`

	Inputs InputsConfig `toml:"inputs"`
	Rate   RateConfig   `toml:"rate"`
	Retry  RetryConfig  `toml:"retry"`
	Resume ResumeConfig `toml:"resume"`
}

// InputsConfig lists the work sources: user handles and model identifiers.
// Entries may be full civitai.com URLs; they are normalized on use.
type InputsConfig struct {
	Users  []string `toml:"users"`
	Models []string `toml:"models"`
}

// RateConfig holds the Rate Governor ceilings per logical channel.
type RateConfig struct {
	ModelAPIRPS      float64 `toml:"model_api_rps"`
	ImageAPIRPS      float64 `toml:"image_api_rps"`
	MaxConcurrentAPI int     `toml:"max_concurrent_api"`
}

// RetryConfig controls the per-task retry policy.
type RetryConfig struct {
	MaxAttempts int `toml:"max_attempts"`
}

// ResumeConfig controls crash/resume behavior.
type ResumeConfig struct {
	Enabled bool `toml:"enabled"`
}

// DefaultConfig returns a Config populated with all default values.
func DefaultConfig() *Config {
	return &Config{
		APIBaseURL:    DefaultAPIBaseURL,
		OutputRoot:    defaultOutputRoot(),
		MaxConcurrent: DefaultMaxConcurrentDownloads,
		ParallelMode:  true,
		MaxUserImages: DefaultMaxUserImages,
		Rate: RateConfig{
			ModelAPIRPS:      DefaultModelAPIRPS,
			ImageAPIRPS:      DefaultImageAPIRPS,
			MaxConcurrentAPI: DefaultMaxConcurrentAPI,
		},
		Retry:  RetryConfig{MaxAttempts: DefaultMaxAttempts},
		Resume: ResumeConfig{Enabled: true},
	}
}

// defaultOutputRoot returns the OS-appropriate default destination root.
// Falls back to a relative directory when the home directory is unknown.
func defaultOutputRoot() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./civitai"
	}

	return filepath.Join(home, "civitai")
}

// EffectiveRoot returns the destination root after applying test_mode.
func (c *Config) EffectiveRoot() string {
	if c.TestMode {
		return TestOutputRoot
	}

	return c.OutputRoot
}

// TagMappings maps canonical tag categories to their keyword sets. The
// Path Planner uses this table to slot a model under its category
// directory. Exact tag match wins over substring keyword match.
func TagMappings() map[string][]string {
	return map[string][]string{
		"CONCEPT":    {"concept", "concepts", "technique"},
		"CHARACTER":  {"character", "characters", "person", "celebrity"},
		"STYLE":      {"style", "styles", "art style", "artist"},
		"POSE":       {"pose", "poses", "position", "posing"},
		"CLOTHING":   {"clothing", "outfit", "clothes", "dress"},
		"OBJECT":     {"object", "objects", "item", "tool"},
		"BACKGROUND": {"background", "scene", "location", "environment"},
		"ANIMAL":     {"animal", "animals", "creature"},
		"VEHICLE":    {"vehicle", "car", "airplane", "ship"},
	}
}
