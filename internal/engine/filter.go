package engine

import (
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/civitai-downloader/civitai-go/internal/config"
)

// BaseModelFilter is the optional whitelist gate over version base
// models. A nil filter or an empty pattern list admits everything and
// counts nothing. Matching is case-insensitive substring: pattern
// "Pony" admits "Pony Diffusion V6 XL". Versions with no declared base
// model are rejected when the filter is active.
type BaseModelFilter struct {
	patterns []string

	accepted atomic.Int64
	rejected atomic.Int64
}

// NewBaseModelFilter builds a filter from whitelist patterns. Blank
// patterns are dropped.
func NewBaseModelFilter(patterns []string) *BaseModelFilter {
	cleaned := make([]string, 0, len(patterns))

	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p != "" {
			cleaned = append(cleaned, strings.ToLower(p))
		}
	}

	return &BaseModelFilter{patterns: cleaned}
}

// LoadBaseModelFilter reads a whitelist file (one pattern per line,
// blank lines and # comments ignored). An empty path yields an inactive
// filter.
func LoadBaseModelFilter(path string, logger *slog.Logger) (*BaseModelFilter, error) {
	if path == "" {
		return NewBaseModelFilter(nil), nil
	}

	patterns, err := config.ParseListFile(path)
	if err != nil {
		return nil, err
	}

	logger.Info("base model filter active",
		slog.String("path", path),
		slog.Int("patterns", len(patterns)),
	)

	return NewBaseModelFilter(patterns), nil
}

// Active reports whether the filter has any patterns.
func (f *BaseModelFilter) Active() bool {
	return f != nil && len(f.patterns) > 0
}

// Admit evaluates a version's base model against the whitelist and
// records the decision in the filter stats.
func (f *BaseModelFilter) Admit(baseModel string) bool {
	if !f.Active() {
		return true
	}

	lower := strings.ToLower(strings.TrimSpace(baseModel))
	if lower == "" {
		f.rejected.Add(1)
		return false
	}

	for _, p := range f.patterns {
		if strings.Contains(lower, p) {
			f.accepted.Add(1)
			return true
		}
	}

	f.rejected.Add(1)

	return false
}

// Stats returns the running accepted/rejected counters.
func (f *BaseModelFilter) Stats() (accepted, rejected int64) {
	if f == nil {
		return 0, 0
	}

	return f.accepted.Load(), f.rejected.Load()
}
