package metadata

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civitai-downloader/civitai-go/internal/civitai"
)

func testModel() (*civitai.Model, *civitai.Version) {
	m := &civitai.Model{
		ID:          10,
		Name:        "Great Model",
		Type:        "LORA",
		NSFWLevel:   1,
		Description: "<p>An <b>excellent</b> model.</p>",
		Creator:     civitai.Creator{Username: "alice"},
		Raw:         json.RawMessage(`{"id": 10}`),
	}

	v := &civitai.Version{
		ID:           100,
		ModelID:      10,
		Name:         "v2",
		BaseModel:    "Pony",
		TrainedWords: []string{"foo", "bar"},
		DownloadURL:  "https://civitai.com/api/download/models/100",
		Files: []civitai.File{{
			Name:     "great.safetensors",
			SizeKB:   2048,
			Primary:  true,
			Metadata: civitai.FileMetadata{Format: "SafeTensor"},
			Hashes:   map[string]string{"SHA256": "DEADBEEF"},
		}},
		Stats: civitai.VersionStats{DownloadCount: 12345, Rating: 4.5, ThumbsUpCount: 678},
		Raw:   json.RawMessage(`{"id": 100, "name": "v2"}`),
	}

	m.Versions = []civitai.Version{*v}

	return m, v
}

func fixedMaterializer() *Materializer {
	return &Materializer{nowFunc: func() time.Time {
		return time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	}}
}

func TestRenderSummary(t *testing.T) {
	m, v := testModel()

	got := fixedMaterializer().RenderSummary(m, v)

	assert.Contains(t, got, "# Great Model")
	assert.Contains(t, got, "**Creator**: alice")
	assert.Contains(t, got, "**Type**: LORA")
	assert.Contains(t, got, "**Base model**: Pony")
	assert.Contains(t, got, "**Trigger words**: foo, bar")
	assert.Contains(t, got, "**Version**: v2")
	assert.Contains(t, got, "**File size**: 2.0 MiB")
	assert.Contains(t, got, "**File format**: SafeTensor")
	assert.Contains(t, got, "**Model hash**: DEADBEEF")
	assert.Contains(t, got, "**Downloads**: 12,345")
	assert.Contains(t, got, "**Thumbs up**: 678")
	assert.Contains(t, got, "An excellent model.")
	assert.NotContains(t, got, "<p>")
	assert.Contains(t, got, "**Fetched at**: 2026-08-25 12:00:00")
	assert.Contains(t, got, "**Web URL**: https://civitai.com/models/10?modelVersionId=100")
	assert.Contains(t, got, "**SHA256**: deadbeef")
}

func TestRenderSummary_MissingFields(t *testing.T) {
	m := &civitai.Model{}
	v := &civitai.Version{}

	got := fixedMaterializer().RenderSummary(m, v)

	assert.Contains(t, got, "# Unknown")
	assert.Contains(t, got, "**Creator**: Unknown")
	assert.Contains(t, got, "**Trigger words**: none")
	assert.Contains(t, got, "No description available")
}

func TestWriteSidecars(t *testing.T) {
	m, v := testModel()
	dir := filepath.Join(t.TempDir(), "model-dir")

	require.NoError(t, fixedMaterializer().WriteSidecars(dir, m, v))

	summary, err := os.ReadFile(filepath.Join(dir, "description.md"))
	require.NoError(t, err)
	assert.Contains(t, string(summary), "# Great Model")

	info, err := os.ReadFile(filepath.Join(dir, "great.civitai.info"))
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(info, &decoded))
	assert.Equal(t, float64(100), decoded["id"])
	assert.Equal(t, "v2", decoded["name"])
}

func TestWriteSidecars_FallsBackToModelRaw(t *testing.T) {
	m, v := testModel()
	v.Raw = nil

	dir := t.TempDir()
	require.NoError(t, fixedMaterializer().WriteSidecars(dir, m, v))

	info, err := os.ReadFile(filepath.Join(dir, "great.civitai.info"))
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(info, &decoded))
	assert.Equal(t, float64(10), decoded["id"])
}

func TestWriteUserImagesMetadata(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "images", "alice")

	images := []civitai.Image{
		{ID: 1, URL: "https://img/1.png", Width: 512, Height: 768},
		{ID: 2, URL: "https://img/2.png"},
	}

	require.NoError(t, WriteUserImagesMetadata(dir, images))

	data, err := os.ReadFile(filepath.Join(dir, "images_metadata.json"))
	require.NoError(t, err)

	var decoded []civitai.Image
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Len(t, decoded, 2)
	assert.Equal(t, int64(1), decoded[0].ID)
}

func TestWriteFileAtomic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.txt")

	require.NoError(t, WriteFileAtomic(path, []byte("hello")))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	// No temp file left behind.
	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))

	// Overwrite works.
	require.NoError(t, WriteFileAtomic(path, []byte("replaced")))

	data, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "replaced", string(data))
}
