package engine

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBaseModelFilter_SubstringWhitelist(t *testing.T) {
	f := NewBaseModelFilter([]string{"Illustrious", "Pony"})

	assert.False(t, f.Admit("SDXL 1.0"))
	assert.True(t, f.Admit("Pony Diffusion V6 XL"))
	assert.True(t, f.Admit("Illustrious"))

	accepted, rejected := f.Stats()
	assert.Equal(t, int64(2), accepted)
	assert.Equal(t, int64(1), rejected)
}

func TestBaseModelFilter_CaseInsensitive(t *testing.T) {
	f := NewBaseModelFilter([]string{"pony"})

	assert.True(t, f.Admit("PONY DIFFUSION"))
}

func TestBaseModelFilter_EmptyBaseModelRejectedWhenActive(t *testing.T) {
	f := NewBaseModelFilter([]string{"Pony"})

	assert.False(t, f.Admit(""))
	assert.False(t, f.Admit("   "))

	_, rejected := f.Stats()
	assert.Equal(t, int64(2), rejected)
}

func TestBaseModelFilter_InactiveAdmitsEverything(t *testing.T) {
	f := NewBaseModelFilter(nil)

	assert.False(t, f.Active())
	assert.True(t, f.Admit("anything"))
	assert.True(t, f.Admit(""))

	accepted, rejected := f.Stats()
	assert.Zero(t, accepted)
	assert.Zero(t, rejected)
}

func TestBaseModelFilter_NilAdmits(t *testing.T) {
	var f *BaseModelFilter

	assert.False(t, f.Active())
	assert.True(t, f.Admit("SDXL 1.0"))

	accepted, rejected := f.Stats()
	assert.Zero(t, accepted)
	assert.Zero(t, rejected)
}

func TestBaseModelFilter_BlankPatternsDropped(t *testing.T) {
	f := NewBaseModelFilter([]string{"", "  ", "Pony"})

	assert.True(t, f.Active())
	assert.True(t, f.Admit("Pony V6"))
	assert.False(t, f.Admit("SD 1.5"))
}

func TestLoadBaseModelFilter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "whitelist.txt")
	require.NoError(t, os.WriteFile(path, []byte("# preferred bases\nIllustrious\n\nPony\n"), 0o644))

	f, err := LoadBaseModelFilter(path, discardLogger())
	require.NoError(t, err)

	assert.True(t, f.Active())
	assert.True(t, f.Admit("Illustrious XL"))
	assert.False(t, f.Admit("SD 1.5"))
}

func TestLoadBaseModelFilter_EmptyPathInactive(t *testing.T) {
	f, err := LoadBaseModelFilter("", discardLogger())
	require.NoError(t, err)

	assert.False(t, f.Active())
}

func TestLoadBaseModelFilter_MissingFile(t *testing.T) {
	_, err := LoadBaseModelFilter(filepath.Join(t.TempDir(), "nope.txt"), discardLogger())
	assert.Error(t, err)
}
