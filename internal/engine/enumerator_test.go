package engine

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civitai-downloader/civitai-go/internal/civitai"
	"github.com/civitai-downloader/civitai-go/internal/config"
	"github.com/civitai-downloader/civitai-go/internal/planner"
	"github.com/civitai-downloader/civitai-go/internal/taskstore"
)

type enumeratorFixture struct {
	enum  *Enumerator
	store *taskstore.Store
	root  string
}

func newEnumeratorFixture(t *testing.T, baseURL string) *enumeratorFixture {
	t.Helper()

	root := t.TempDir()

	store, err := taskstore.Open(filepath.Join(t.TempDir(), "tasks.db"), discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	client := civitai.NewClient(baseURL, http.DefaultClient, "", "test-agent", discardLogger())
	plan := planner.New(root, config.TagMappings())

	return &enumeratorFixture{
		enum:  NewEnumerator(client, store, plan, 100, discardLogger()),
		store: store,
		root:  root,
	}
}

func enumeratorServer(t *testing.T) *httptest.Server {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/models":
			assert.Equal(t, "alice", r.URL.Query().Get("username"))
			fmt.Fprint(w, `{"items": [{"id": 1, "name": "a"}, {"id": 2, "name": "b"}],
				"metadata": {"currentPage": 1, "totalPages": 1}}`)
		case "/images":
			assert.Equal(t, "alice", r.URL.Query().Get("username"))
			fmt.Fprint(w, `{"items": [{"id": 7, "url": "https://img.host/7.png"}], "metadata": {}}`)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)

	return srv
}

func TestEnumerator_QueuesModelsAndUserImages(t *testing.T) {
	srv := enumeratorServer(t)
	fix := newEnumeratorFixture(t, srv.URL)

	require.NoError(t, fix.enum.Run(context.Background(), []string{"alice"}, []int64{42}))

	pending, err := fix.store.ListByStatus(context.Background(), taskstore.StatusPending)
	require.NoError(t, err)
	require.Len(t, pending, 4)

	var fetches, images int
	for _, task := range pending {
		switch task.Kind {
		case taskstore.KindMetadataFetch:
			fetches++
		case taskstore.KindUserImage:
			images++

			var p DownloadPayload
			require.NoError(t, decodePayload(task, &p))
			assert.Equal(t, "https://img.host/7.png", p.URL)
			assert.Equal(t, filepath.Join(fix.root, "images", "alice"), p.Dir)
			assert.Equal(t, "7.png", p.FileName)
		}
	}

	// The direct id plus the user's two published models.
	assert.Equal(t, 3, fetches)
	assert.Equal(t, 1, images)

	// The image metadata snapshot is written during enumeration.
	assert.True(t, fileExists(filepath.Join(fix.root, "images", "alice", "images_metadata.json")))
}

func TestEnumerator_RerunIsIdempotent(t *testing.T) {
	srv := enumeratorServer(t)
	fix := newEnumeratorFixture(t, srv.URL)

	require.NoError(t, fix.enum.Run(context.Background(), []string{"alice"}, []int64{42}))
	require.NoError(t, fix.enum.Run(context.Background(), []string{"alice"}, []int64{42}))

	counts, err := fix.store.CountByStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, counts.Total())
}

func TestEnumerator_DuplicateModelIDCollapses(t *testing.T) {
	srv := enumeratorServer(t)
	fix := newEnumeratorFixture(t, srv.URL)

	// Model 1 is named directly and also published by alice.
	require.NoError(t, fix.enum.Run(context.Background(), []string{"alice"}, []int64{1}))

	pending, err := fix.store.ListByStatus(context.Background(), taskstore.StatusPending)
	require.NoError(t, err)

	var fetches int
	for _, task := range pending {
		if task.Kind == taskstore.KindMetadataFetch {
			fetches++
		}
	}

	assert.Equal(t, 2, fetches)
}
