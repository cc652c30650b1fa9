package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civitai-downloader/civitai-go/internal/civitai"
	"github.com/civitai-downloader/civitai-go/internal/config"
	"github.com/civitai-downloader/civitai-go/internal/planner"
	"github.com/civitai-downloader/civitai-go/internal/taskstore"
)

type downloaderFixture struct {
	dl      *Downloader
	store   *taskstore.Store
	planner *planner.Planner
	root    string
}

func newDownloaderFixture(t *testing.T, baseURL string, skipExisting bool) *downloaderFixture {
	t.Helper()

	root := t.TempDir()

	store, err := taskstore.Open(filepath.Join(t.TempDir(), "tasks.db"), discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	client := civitai.NewClient(baseURL, http.DefaultClient, "", "test-agent", discardLogger())

	events := NewEmitter()
	t.Cleanup(events.Close)

	plan := planner.New(root, config.TagMappings())

	return &downloaderFixture{
		dl:      NewDownloader(client, store, plan, civitai.NewTimeoutTracker(), events, skipExisting, discardLogger()),
		store:   store,
		planner: plan,
		root:    root,
	}
}

func fileTask(t *testing.T, p DownloadPayload) *taskstore.Task {
	t.Helper()

	task, err := newTask(taskstore.KindModelFile, p.RemoteID, p.Dest(), p)
	require.NoError(t, err)

	return task
}

func digestOf(data []byte) string {
	sum := sha256.Sum256(data)

	return hex.EncodeToString(sum[:])
}

func TestDownloader_FullDownload(t *testing.T) {
	content := []byte(strings.Repeat("model weights ", 1000))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(content)
	}))
	defer srv.Close()

	fix := newDownloaderFixture(t, srv.URL, false)

	p := DownloadPayload{
		URL:       srv.URL + "/file",
		Dir:       filepath.Join(fix.root, "models"),
		FileName:  "model.safetensors",
		SizeBytes: int64(len(content)),
		SHA256:    digestOf(content),
		RemoteID:  "1:model.safetensors",
	}

	require.NoError(t, fix.dl.Execute(context.Background(), fileTask(t, p)))

	got, err := os.ReadFile(p.Dest())
	require.NoError(t, err)
	assert.Equal(t, content, got)

	// The temp file must be gone after publish.
	_, err = os.Stat(p.Dest() + tmpSuffix)
	assert.True(t, os.IsNotExist(err))

	// The digest index records the published file.
	path, size, err := fix.store.LookupFile(context.Background(), p.SHA256)
	require.NoError(t, err)
	assert.Equal(t, p.Dest(), path)
	assert.Equal(t, int64(len(content)), size)
}

func TestDownloader_ResumesPartial(t *testing.T) {
	content := []byte(strings.Repeat("0123456789", 500))
	split := int64(1200)

	var gotRange string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotRange = r.Header.Get("Range")
		w.WriteHeader(http.StatusPartialContent)
		w.Write(content[split:])
	}))
	defer srv.Close()

	fix := newDownloaderFixture(t, srv.URL, false)

	p := DownloadPayload{
		URL:       srv.URL + "/file",
		Dir:       filepath.Join(fix.root, "models"),
		FileName:  "model.safetensors",
		SizeBytes: int64(len(content)),
		SHA256:    digestOf(content),
		RemoteID:  "2:model.safetensors",
	}

	require.NoError(t, os.MkdirAll(p.Dir, 0o755))
	require.NoError(t, os.WriteFile(p.Dest()+tmpSuffix, content[:split], 0o644))

	require.NoError(t, fix.dl.Execute(context.Background(), fileTask(t, p)))

	assert.Equal(t, "bytes=1200-", gotRange)

	got, err := os.ReadFile(p.Dest())
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestDownloader_RestartsWhenRangeIgnored(t *testing.T) {
	content := []byte(strings.Repeat("abcdef", 600))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Plain 200 with the whole body, ignoring any Range header.
		w.Write(content)
	}))
	defer srv.Close()

	fix := newDownloaderFixture(t, srv.URL, false)

	p := DownloadPayload{
		URL:       srv.URL + "/file",
		Dir:       filepath.Join(fix.root, "models"),
		FileName:  "model.safetensors",
		SizeBytes: int64(len(content)),
		SHA256:    digestOf(content),
		RemoteID:  "3:model.safetensors",
	}

	require.NoError(t, os.MkdirAll(p.Dir, 0o755))
	require.NoError(t, os.WriteFile(p.Dest()+tmpSuffix, content[:100], 0o644))

	require.NoError(t, fix.dl.Execute(context.Background(), fileTask(t, p)))

	got, err := os.ReadFile(p.Dest())
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestDownloader_QuarantinesOnDigestMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("corrupted content"))
	}))
	defer srv.Close()

	fix := newDownloaderFixture(t, srv.URL, false)

	p := DownloadPayload{
		URL:      srv.URL + "/file",
		Dir:      filepath.Join(fix.root, "models"),
		FileName: "model.safetensors",
		SHA256:   strings.Repeat("ab", 32),
		RemoteID: "4:model.safetensors",
	}

	task := fileTask(t, p)

	err := fix.dl.Execute(context.Background(), task)
	require.Error(t, err)
	assert.Equal(t, civitai.ClassIntegrity, civitai.Classify(err))

	// Destination never appears; the attempt lands in quarantine.
	assert.False(t, fileExists(p.Dest()))

	qfile := filepath.Join(fix.planner.QuarantineDir(task.ID), "model.safetensors.attempt1")
	assert.True(t, fileExists(qfile))
}

func TestDownloader_SkipsExistingByName(t *testing.T) {
	fix := newDownloaderFixture(t, "http://unreachable.invalid", true)

	p := DownloadPayload{
		URL:      "http://unreachable.invalid/file",
		Dir:      filepath.Join(fix.root, "models"),
		FileName: "model.safetensors",
		SHA256:   strings.Repeat("cd", 32),
		RemoteID: "5:model.safetensors",
	}

	require.NoError(t, os.MkdirAll(p.Dir, 0o755))
	require.NoError(t, os.WriteFile(p.Dest(), []byte("whatever"), 0o644))

	err := fix.dl.Execute(context.Background(), fileTask(t, p))

	_, ok := asSkip(err)
	assert.True(t, ok)
}

func TestDownloader_VerifiesExistingDigest(t *testing.T) {
	content := []byte("already downloaded")

	fix := newDownloaderFixture(t, "http://unreachable.invalid", false)

	p := DownloadPayload{
		URL:      "http://unreachable.invalid/file",
		Dir:      filepath.Join(fix.root, "models"),
		FileName: "model.safetensors",
		SHA256:   digestOf(content),
		RemoteID: "6:model.safetensors",
	}

	require.NoError(t, os.MkdirAll(p.Dir, 0o755))
	require.NoError(t, os.WriteFile(p.Dest(), content, 0o644))

	err := fix.dl.Execute(context.Background(), fileTask(t, p))

	se, ok := asSkip(err)
	require.True(t, ok)
	assert.Contains(t, se.reason, "matching digest")
}

func TestDownloader_LinksDuplicateDigest(t *testing.T) {
	content := []byte("shared weights")
	digest := digestOf(content)

	fix := newDownloaderFixture(t, "http://unreachable.invalid", false)

	original := filepath.Join(fix.root, "models", "first", "model.safetensors")
	require.NoError(t, os.MkdirAll(filepath.Dir(original), 0o755))
	require.NoError(t, os.WriteFile(original, content, 0o644))
	require.NoError(t, fix.store.RecordFile(context.Background(), digest, original, int64(len(content))))

	p := DownloadPayload{
		URL:      "http://unreachable.invalid/file",
		Dir:      filepath.Join(fix.root, "models", "second"),
		FileName: "model.safetensors",
		SHA256:   digest,
		RemoteID: "7:model.safetensors",
	}

	err := fix.dl.Execute(context.Background(), fileTask(t, p))

	_, ok := asSkip(err)
	require.True(t, ok)

	got, err := os.ReadFile(p.Dest())
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestPartialSize(t *testing.T) {
	dir := t.TempDir()

	missing := filepath.Join(dir, "missing.tmp")
	assert.Zero(t, partialSize(missing, 100))

	tmp := filepath.Join(dir, "file.tmp")
	require.NoError(t, os.WriteFile(tmp, []byte("12345"), 0o644))

	assert.Equal(t, int64(5), partialSize(tmp, 100))
	// Larger than declared: unusable.
	assert.Zero(t, partialSize(tmp, 3))
	// Unknown declared size: still resumable.
	assert.Equal(t, int64(5), partialSize(tmp, 0))
}

func TestThroughputMbps(t *testing.T) {
	assert.Zero(t, throughputMbps(1000, 0))
	assert.InDelta(t, 8.0, throughputMbps(1_000_000, 1_000_000_000), 1e-9)
}
