package config

import (
	"bufio"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
)

// ParseListFile reads a UTF-8 text file with one entry per line. Blank
// lines and lines whose first non-space character is '#' are ignored.
// Used for the user list, model list, and base-model filter list, which
// all share this shape.
func ParseListFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening list file %s: %w", path, err)
	}
	defer f.Close()

	var entries []string

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		entries = append(entries, line)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading list file %s: %w", path, err)
	}

	return entries, nil
}

// NormalizeUserEntry reduces a user list entry to a bare handle. Accepts
// bare handles and civitai.com profile URLs ("https://civitai.com/user/x").
func NormalizeUserEntry(entry string) (string, error) {
	entry = strings.TrimSpace(entry)
	if entry == "" {
		return "", fmt.Errorf("empty user entry")
	}

	if !strings.Contains(entry, "/") {
		return entry, nil
	}

	u, err := url.Parse(entry)
	if err != nil {
		return "", fmt.Errorf("parsing user entry %q: %w", entry, err)
	}

	segments := splitPath(u.Path)
	for i, seg := range segments {
		if seg == "user" && i+1 < len(segments) {
			return segments[i+1], nil
		}
	}

	return "", fmt.Errorf("user entry %q: no /user/<handle> segment", entry)
}

// NormalizeModelEntry reduces a model list entry to a numeric model id.
// Accepts bare ids and civitai.com model URLs
// ("https://civitai.com/models/12345/some-slug").
func NormalizeModelEntry(entry string) (int64, error) {
	entry = strings.TrimSpace(entry)
	if entry == "" {
		return 0, fmt.Errorf("empty model entry")
	}

	if id, err := strconv.ParseInt(entry, 10, 64); err == nil {
		return id, nil
	}

	u, err := url.Parse(entry)
	if err != nil {
		return 0, fmt.Errorf("parsing model entry %q: %w", entry, err)
	}

	segments := splitPath(u.Path)
	for i, seg := range segments {
		if seg == "models" && i+1 < len(segments) {
			id, idErr := strconv.ParseInt(segments[i+1], 10, 64)
			if idErr != nil {
				return 0, fmt.Errorf("model entry %q: non-numeric id %q", entry, segments[i+1])
			}

			return id, nil
		}
	}

	return 0, fmt.Errorf("model entry %q: no /models/<id> segment", entry)
}

// splitPath splits a URL path into non-empty segments.
func splitPath(p string) []string {
	var segments []string

	for _, seg := range strings.Split(p, "/") {
		if seg != "" {
			segments = append(segments, seg)
		}
	}

	return segments
}
