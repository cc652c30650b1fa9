package config

import (
	"errors"
	"fmt"
)

// Validate checks all configuration values and returns all errors found.
// It accumulates every error rather than stopping at the first, so users
// see a complete report and can fix all issues in one pass.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.MaxConcurrent < 1 {
		errs = append(errs, fmt.Errorf("max_concurrent_downloads: must be >= 1, got %d", cfg.MaxConcurrent))
	}

	if cfg.MaxUserImages < 0 {
		errs = append(errs, fmt.Errorf("max_user_images: must be >= 0, got %d", cfg.MaxUserImages))
	}

	if cfg.Rate.ModelAPIRPS <= 0 {
		errs = append(errs, fmt.Errorf("rate.model_api_rps: must be > 0, got %v", cfg.Rate.ModelAPIRPS))
	}

	if cfg.Rate.ImageAPIRPS <= 0 {
		errs = append(errs, fmt.Errorf("rate.image_api_rps: must be > 0, got %v", cfg.Rate.ImageAPIRPS))
	}

	if cfg.Rate.MaxConcurrentAPI < 1 {
		errs = append(errs, fmt.Errorf("rate.max_concurrent_api: must be >= 1, got %d", cfg.Rate.MaxConcurrentAPI))
	}

	if cfg.Retry.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("retry.max_attempts: must be >= 1, got %d", cfg.Retry.MaxAttempts))
	}

	if cfg.APIBaseURL == "" {
		errs = append(errs, errors.New("api_base_url: must not be empty"))
	}

	if cfg.OutputRoot == "" && !cfg.TestMode {
		errs = append(errs, errors.New("output_root: must not be empty"))
	}

	return errors.Join(errs...)
}
