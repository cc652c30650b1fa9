package planner

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/civitai-downloader/civitai-go/internal/civitai"
	"github.com/civitai-downloader/civitai-go/internal/config"
)

func testPlanner() *Planner {
	return New("/root", config.TagMappings())
}

func TestClassify(t *testing.T) {
	p := testPlanner()

	tests := []struct {
		name string
		tags []string
		want string
	}{
		{name: "no tags", tags: nil, want: "MISC"},
		{name: "exact category name", tags: []string{"style"}, want: "STYLE"},
		{name: "exact beats keyword", tags: []string{"clothing", "anime"}, want: "CLOTHING"},
		{name: "keyword substring", tags: []string{"pony characters"}, want: "CHARACTER"},
		{name: "case insensitive", tags: []string{"STYLE"}, want: "STYLE"},
		{name: "no match", tags: []string{"landscape", "anime"}, want: "MISC"},
		{name: "vehicle keyword", tags: []string{"sports car"}, want: "VEHICLE"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, p.Classify(tt.tags))
		})
	}
}

func TestClassify_Deterministic(t *testing.T) {
	p := testPlanner()

	// Tags matching several categories must always pick the same one.
	tags := []string{"anime style outfit"}

	first := p.Classify(tags)
	for i := 0; i < 50; i++ {
		assert.Equal(t, first, p.Classify(tags))
	}
}

func TestModelDir_Layout(t *testing.T) {
	p := testPlanner()

	m := &civitai.Model{
		Name:    "My Model",
		Tags:    []string{"style"},
		Creator: civitai.Creator{Username: "alice"},
	}
	v := &civitai.Version{Name: "v1.0", BaseModel: "Pony"}

	got := p.ModelDir(m, v)
	want := filepath.Join("/root", "models", "Pony", "STYLE", "alice_My Model_v1.0")
	assert.Equal(t, want, got)
}

func TestModelDir_MissingFields(t *testing.T) {
	p := testPlanner()

	m := &civitai.Model{}
	v := &civitai.Version{}

	got := p.ModelDir(m, v)
	want := filepath.Join("/root", "models", "Unknown", "MISC", "Unknown_Unknown_Unknown")
	assert.Equal(t, want, got)
}

func TestUserImagesDir(t *testing.T) {
	p := testPlanner()

	assert.Equal(t, filepath.Join("/root", "images", "bob"), p.UserImagesDir("bob"))
	assert.Equal(t, filepath.Join("/root", "images", "a_b"), p.UserImagesDir("a/b"))
}

func TestStateAndQuarantineDirs(t *testing.T) {
	p := testPlanner()

	assert.Equal(t, filepath.Join("/root", ".state"), p.StateDir())
	assert.Equal(t, filepath.Join("/root", "corrupted", "task-1"), p.QuarantineDir("task-1"))
}

func TestSanitize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "clean", in: "model.safetensors", want: "model.safetensors"},
		{name: "invalid chars", in: `a<b>c:d"e/f\g|h?i*j`, want: "a_b_c_d_e_f_g_h_i_j"},
		{name: "control chars", in: "a\x00b\x1fc", want: "a_b_c"},
		{name: "trailing dots", in: "name...", want: "name"},
		{name: "surrounding spaces", in: "  name  ", want: "name"},
		{name: "empty", in: "", want: "_"},
		{name: "only invalid", in: "...", want: "_"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Sanitize(tt.in))
		})
	}
}

func TestSanitize_TruncatesPreservingExtension(t *testing.T) {
	long := strings.Repeat("x", 300) + ".safetensors"

	got := Sanitize(long)
	assert.Len(t, []rune(got), 200)
	assert.True(t, strings.HasSuffix(got, ".safetensors"))
}

func TestSanitize_TruncatesPlainSegment(t *testing.T) {
	got := Sanitize(strings.Repeat("y", 500))
	assert.Len(t, []rune(got), 200)
}

func TestInfoFileName(t *testing.T) {
	assert.Equal(t, "model.civitai.info", InfoFileName("model.safetensors"))
}

func TestPreviewFileName(t *testing.T) {
	assert.Equal(t, "model.preview.png",
		PreviewFileName("model.safetensors", "https://img.host/a/b.png", 0))
	assert.Equal(t, "model.preview.2.png",
		PreviewFileName("model.safetensors", "https://img.host/a/b.png", 1))
	assert.Equal(t, "model.preview.3.jpeg",
		PreviewFileName("model.safetensors", "https://img.host/a/b", 2))
}

func TestGalleryFileName(t *testing.T) {
	assert.Equal(t, "42.png", GalleryFileName(42, "https://img.host/a.png?width=450"))
	assert.Equal(t, "7.jpeg", GalleryFileName(7, "https://img.host/noext"))
}

func TestImageExt(t *testing.T) {
	assert.Equal(t, ".webp", ImageExt("https://h/p/x.webp"))
	assert.Equal(t, ".mp4", ImageExt("https://h/p/x.MP4"))
	assert.Equal(t, ".jpeg", ImageExt("https://h/p/x.exe"))
	assert.Equal(t, ".jpeg", ImageExt("not a url at all"))
}

func TestStem(t *testing.T) {
	assert.Equal(t, "model", Stem("model.safetensors"))
	assert.Equal(t, "archive.tar", Stem("archive.tar.gz"))
	assert.Equal(t, "noext", Stem("noext"))
}
