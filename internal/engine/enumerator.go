package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/civitai-downloader/civitai-go/internal/civitai"
	"github.com/civitai-downloader/civitai-go/internal/metadata"
	"github.com/civitai-downloader/civitai-go/internal/planner"
	"github.com/civitai-downloader/civitai-go/internal/taskstore"
)

// Enumerator walks the configured inputs (user handles and model ids)
// and persists the resulting work in the task store before any download
// starts. Duplicate models across inputs collapse through the dedupe
// key, so a model named both directly and via its creator is fetched
// once.
type Enumerator struct {
	client        *civitai.Client
	store         *taskstore.Store
	planner       *planner.Planner
	logger        *slog.Logger
	maxUserImages int
}

// NewEnumerator wires an enumerator.
func NewEnumerator(client *civitai.Client, store *taskstore.Store, plan *planner.Planner, maxUserImages int, logger *slog.Logger) *Enumerator {
	if logger == nil {
		logger = slog.Default()
	}

	return &Enumerator{
		client:        client,
		store:         store,
		planner:       plan,
		logger:        logger,
		maxUserImages: maxUserImages,
	}
}

// Run enumerates all inputs. Model ids are enqueued directly; each user
// handle expands into the user's full model list plus their posted
// images.
func (e *Enumerator) Run(ctx context.Context, users []string, models []int64) error {
	for _, id := range models {
		if err := e.enqueueModel(ctx, id); err != nil {
			return err
		}
	}

	for _, username := range users {
		if err := e.enumerateUser(ctx, username); err != nil {
			return fmt.Errorf("engine: enumerating user %s: %w", username, err)
		}
	}

	return nil
}

// enqueueModel persists one metadata-fetch task for a model id. The
// version tree is expanded later, on the model pipeline, so enumeration
// stays cheap.
func (e *Enumerator) enqueueModel(ctx context.Context, modelID int64) error {
	t, err := newTask(taskstore.KindMetadataFetch, formatID(modelID), "",
		&MetadataPayload{ModelID: modelID})
	if err != nil {
		return err
	}

	created, err := e.store.Enqueue(ctx, t)
	if err != nil {
		return err
	}

	if created {
		e.logger.Info("model queued", slog.Int64("model_id", modelID))
	}

	return nil
}

// enumerateUser queues every model the user published, then their
// posted images up to the configured cap.
func (e *Enumerator) enumerateUser(ctx context.Context, username string) error {
	e.logger.Info("enumerating user", slog.String("username", username))

	modelCount := 0

	err := e.client.UserModels(ctx, username, func(m *civitai.Model) error {
		modelCount++
		return e.enqueueModel(ctx, m.ID)
	})
	if err != nil {
		return err
	}

	e.logger.Info("user models enumerated",
		slog.String("username", username),
		slog.Int("models", modelCount),
	)

	return e.enumerateUserImages(ctx, username)
}

// enumerateUserImages queues the user's posted images and writes the
// images_metadata.json snapshot alongside them.
func (e *Enumerator) enumerateUserImages(ctx context.Context, username string) error {
	dir := e.planner.UserImagesDir(username)

	var images []civitai.Image

	err := e.client.UserImages(ctx, username, e.maxUserImages, func(img *civitai.Image) error {
		images = append(images, *img)

		t, taskErr := newTask(taskstore.KindUserImage, formatID(img.ID), dir, &DownloadPayload{
			URL:      img.URL,
			Dir:      dir,
			FileName: planner.GalleryFileName(img.ID, img.URL),
			RemoteID: formatID(img.ID),
		})
		if taskErr != nil {
			return taskErr
		}

		_, enqErr := e.store.Enqueue(ctx, t)

		return enqErr
	})
	if err != nil {
		return err
	}

	if len(images) == 0 {
		return nil
	}

	if err := metadata.WriteUserImagesMetadata(dir, images); err != nil {
		return err
	}

	e.logger.Info("user images enumerated",
		slog.String("username", username),
		slog.Int("images", len(images)),
	)

	return nil
}
