package engine

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/civitai-downloader/civitai-go/internal/ratelimit"
	"github.com/civitai-downloader/civitai-go/internal/taskstore"
)

// MetadataPayload is the payload of a metadata-fetch task: a model whose
// version tree still needs fetching and expanding into file tasks.
type MetadataPayload struct {
	ModelID int64 `json:"model_id"`
}

// DownloadPayload is the payload of every file task kind. Dir and
// FileName are pre-planned at enqueue time so the download engine never
// consults remote metadata.
type DownloadPayload struct {
	URL       string `json:"url"`
	Dir       string `json:"dir"`
	FileName  string `json:"file_name"`
	SizeBytes int64  `json:"size_bytes,omitempty"`
	SHA256    string `json:"sha256,omitempty"`
	RemoteID  string `json:"remote_id"`
}

// Dest returns the final destination path.
func (p *DownloadPayload) Dest() string {
	return filepath.Join(p.Dir, p.FileName)
}

func encodePayload(v any) (json.RawMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("engine: encoding payload: %w", err)
	}

	return data, nil
}

func decodePayload(t *taskstore.Task, v any) error {
	if err := json.Unmarshal(t.Payload, v); err != nil {
		return fmt.Errorf("engine: decoding %s payload for task %s: %w", t.Kind, t.ID, err)
	}

	return nil
}

// newTask builds a pending task with a fresh id and the idempotency key
// derived from (kind, remote id, destination).
func newTask(kind taskstore.Kind, remoteID, targetPath string, payload any) (*taskstore.Task, error) {
	data, err := encodePayload(payload)
	if err != nil {
		return nil, err
	}

	return &taskstore.Task{
		ID:        newTaskID(),
		Kind:      kind,
		DedupeKey: taskstore.DedupeKey(kind, remoteID, targetPath),
		Payload:   data,
		Status:    taskstore.StatusPending,
	}, nil
}

// channelFor maps a task kind to its rate-accounting channel. File kinds
// map to file channels, which carry no token bucket; their admission is
// the pipeline permit.
func channelFor(kind taskstore.Kind) ratelimit.Channel {
	switch kind {
	case taskstore.KindMetadataFetch:
		return ratelimit.ChannelModelAPI
	case taskstore.KindModelFile:
		return ratelimit.ChannelModelFile
	default:
		return ratelimit.ChannelImageFile
	}
}

// apiChannelFor maps a task kind to the API channel its transport calls
// run on, for throttle feedback after 429/503.
func apiChannelFor(kind taskstore.Kind) ratelimit.Channel {
	switch kind {
	case taskstore.KindMetadataFetch, taskstore.KindModelFile:
		return ratelimit.ChannelModelAPI
	default:
		return ratelimit.ChannelImageAPI
	}
}

func formatID(id int64) string {
	return strconv.FormatInt(id, 10)
}
