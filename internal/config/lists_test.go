package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseListFile_SkipsBlanksAndComments(t *testing.T) {
	path := filepath.Join(t.TempDir(), "list.txt")
	require.NoError(t, os.WriteFile(path, []byte(
		"alice\n\n# a comment\n  bob  \n#another\ncarol\n"), 0o644))

	entries, err := ParseListFile(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob", "carol"}, entries)
}

func TestParseListFile_Missing(t *testing.T) {
	_, err := ParseListFile(filepath.Join(t.TempDir(), "nope.txt"))
	assert.Error(t, err)
}

func TestNormalizeUserEntry(t *testing.T) {
	tests := []struct {
		name    string
		entry   string
		want    string
		wantErr bool
	}{
		{name: "bare handle", entry: "alice", want: "alice"},
		{name: "profile url", entry: "https://civitai.com/user/bob", want: "bob"},
		{name: "profile url with section", entry: "https://civitai.com/user/carol/models", want: "carol"},
		{name: "whitespace", entry: "  dave  ", want: "dave"},
		{name: "empty", entry: "", wantErr: true},
		{name: "url without user segment", entry: "https://civitai.com/models/1", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeUserEntry(tt.entry)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNormalizeModelEntry(t *testing.T) {
	tests := []struct {
		name    string
		entry   string
		want    int64
		wantErr bool
	}{
		{name: "bare id", entry: "12345", want: 12345},
		{name: "model url", entry: "https://civitai.com/models/257749/pony-diffusion-v6-xl", want: 257749},
		{name: "model url no slug", entry: "https://civitai.com/models/42", want: 42},
		{name: "empty", entry: "", wantErr: true},
		{name: "non numeric id", entry: "https://civitai.com/models/abc", wantErr: true},
		{name: "user url", entry: "https://civitai.com/user/alice", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeModelEntry(tt.entry)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
