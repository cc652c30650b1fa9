package engine

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/civitai-downloader/civitai-go/internal/civitai"
	"github.com/civitai-downloader/civitai-go/internal/metadata"
	"github.com/civitai-downloader/civitai-go/internal/planner"
	"github.com/civitai-downloader/civitai-go/internal/ratelimit"
	"github.com/civitai-downloader/civitai-go/internal/taskstore"
)

// galleryLimit caps how many gallery images are queued per model.
const galleryLimit = 50

// MetadataFetcher executes metadata-fetch tasks on the model pipeline:
// fetch the version tree, gate versions through the base-model filter,
// write sidecars, and expand the admitted versions into file tasks.
type MetadataFetcher struct {
	client       *civitai.Client
	store        *taskstore.Store
	planner      *planner.Planner
	materializer *metadata.Materializer
	filter       *BaseModelFilter
	governor     *ratelimit.Governor
	logger       *slog.Logger
}

// NewMetadataFetcher wires a fetcher.
func NewMetadataFetcher(client *civitai.Client, store *taskstore.Store, plan *planner.Planner, mat *metadata.Materializer, filter *BaseModelFilter, governor *ratelimit.Governor, logger *slog.Logger) *MetadataFetcher {
	if logger == nil {
		logger = slog.Default()
	}

	return &MetadataFetcher{
		client:       client,
		store:        store,
		planner:      plan,
		materializer: mat,
		filter:       filter,
		governor:     governor,
		logger:       logger,
	}
}

// Execute runs one metadata-fetch task. A shared API slot bounds how
// many of these run concurrently across the model pipeline workers.
func (f *MetadataFetcher) Execute(ctx context.Context, task *taskstore.Task) error {
	var p MetadataPayload
	if err := decodePayload(task, &p); err != nil {
		return err
	}

	if err := f.governor.AcquireSlot(ctx); err != nil {
		return err
	}
	defer f.governor.ReleaseSlot()

	model, err := f.client.GetModel(ctx, p.ModelID)
	if err != nil {
		return err
	}

	if unavailable(model.Mode) {
		return skip(fmt.Sprintf("model %d is %s", model.ID, model.Mode))
	}

	admitted := 0

	for i := range model.Versions {
		version := &model.Versions[i]

		if !f.filter.Admit(version.BaseModel) {
			f.logger.Debug("version rejected by base model filter",
				slog.Int64("version_id", version.ID),
				slog.String("base_model", version.BaseModel),
			)

			continue
		}

		if err := f.expandVersion(ctx, model, version, admitted == 0); err != nil {
			return err
		}

		admitted++
	}

	if admitted == 0 {
		return skip(fmt.Sprintf("model %d has no admitted versions", model.ID))
	}

	f.logger.Info("model expanded",
		slog.Int64("model_id", model.ID),
		slog.String("name", model.Name),
		slog.Int("versions", admitted),
	)

	return nil
}

// expandVersion writes the sidecars for one admitted version and queues
// its binaries, previews, and (for the newest admitted version) gallery
// images.
func (f *MetadataFetcher) expandVersion(ctx context.Context, model *civitai.Model, version *civitai.Version, withGallery bool) error {
	dir := f.planner.ModelDir(model, version)

	if err := f.materializer.WriteSidecars(dir, model, version); err != nil {
		return err
	}

	if err := f.enqueueFiles(ctx, version, dir); err != nil {
		return err
	}

	if err := f.enqueuePreviews(ctx, version, dir); err != nil {
		return err
	}

	if withGallery {
		return f.enqueueGallery(ctx, model.ID, dir)
	}

	return nil
}

func (f *MetadataFetcher) enqueueFiles(ctx context.Context, version *civitai.Version, dir string) error {
	for i := range version.Files {
		file := &version.Files[i]

		fileURL := file.DownloadURL
		if fileURL == "" {
			fileURL = version.DownloadURL
		}

		if fileURL == "" {
			f.logger.Warn("file has no download url",
				slog.Int64("version_id", version.ID),
				slog.String("file", file.Name),
			)

			continue
		}

		name := planner.FileName(file.Name)
		remoteID := fmt.Sprintf("%d:%s", version.ID, file.Name)

		t, err := newTask(taskstore.KindModelFile, remoteID, dir, &DownloadPayload{
			URL:       fileURL,
			Dir:       dir,
			FileName:  name,
			SizeBytes: file.SizeBytes(),
			SHA256:    file.SHA256(),
			RemoteID:  remoteID,
		})
		if err != nil {
			return err
		}

		if _, err := f.store.Enqueue(ctx, t); err != nil {
			return err
		}
	}

	return nil
}

func (f *MetadataFetcher) enqueuePreviews(ctx context.Context, version *civitai.Version, dir string) error {
	stemSource := previewStemSource(version)

	for idx := range version.Images {
		img := &version.Images[idx]
		if img.URL == "" {
			continue
		}

		t, err := newTask(taskstore.KindPreviewImage, formatID(img.ID), dir, &DownloadPayload{
			URL:      img.URL,
			Dir:      dir,
			FileName: planner.PreviewFileName(stemSource, img.URL, idx),
			RemoteID: formatID(img.ID),
		})
		if err != nil {
			return err
		}

		if _, err := f.store.Enqueue(ctx, t); err != nil {
			return err
		}
	}

	return nil
}

func (f *MetadataFetcher) enqueueGallery(ctx context.Context, modelID int64, dir string) error {
	galleryDir := filepath.Join(dir, planner.GalleryDirName)

	return f.client.ModelImages(ctx, modelID, galleryLimit, func(img *civitai.Image) error {
		if img.URL == "" {
			return nil
		}

		t, err := newTask(taskstore.KindGalleryImage, formatID(img.ID), galleryDir, &DownloadPayload{
			URL:      img.URL,
			Dir:      galleryDir,
			FileName: planner.GalleryFileName(img.ID, img.URL),
			RemoteID: formatID(img.ID),
		})
		if err != nil {
			return err
		}

		_, enqErr := f.store.Enqueue(ctx, t)

		return enqErr
	})
}

// previewStemSource picks the file name previews derive their stem from:
// the primary binary, or the version id when the version ships no files.
func previewStemSource(version *civitai.Version) string {
	if file := version.PrimaryFile(); file != nil && file.Name != "" {
		return file.Name
	}

	return fmt.Sprintf("version_%d", version.ID)
}

// unavailable reports whether a model mode means it cannot be fetched.
func unavailable(mode string) bool {
	switch strings.ToLower(mode) {
	case "archived", "takendown":
		return true
	default:
		return false
	}
}
