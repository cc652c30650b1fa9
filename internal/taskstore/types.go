// Package taskstore is the durable, crash-safe record of every unit of
// work and its lifecycle. It is the single source of truth for resume: a
// crash at any point replays from here with exactly-once effect.
package taskstore

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind identifies what a task downloads or fetches.
type Kind string

const (
	KindMetadataFetch Kind = "metadata-fetch"
	KindModelFile     Kind = "model-file"
	KindPreviewImage  Kind = "preview-image"
	KindGalleryImage  Kind = "gallery-image"
	KindUserImage     Kind = "user-image"
)

// ModelKinds and ImageKinds partition tasks across the two scheduler
// pipelines.
var (
	ModelKinds = []Kind{KindMetadataFetch, KindModelFile}
	ImageKinds = []Kind{KindPreviewImage, KindGalleryImage, KindUserImage}
)

// Status is the task lifecycle state. pending → in-flight → {done, failed,
// quarantined, skipped}; failed may re-enter pending via the retry policy;
// done, quarantined, and skipped are terminal.
type Status string

const (
	StatusPending     Status = "pending"
	StatusInFlight    Status = "in-flight"
	StatusDone        Status = "done"
	StatusFailed      Status = "failed"
	StatusQuarantined Status = "quarantined"
	StatusSkipped     Status = "skipped"
)

// Terminal reports whether a status ends the task's lifecycle for good.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusQuarantined || s == StatusSkipped
}

// Task is one durable unit of work. Payload is opaque JSON owned by the
// engine; the store never interprets it.
type Task struct {
	ID        string
	Kind      Kind
	DedupeKey string
	Payload   json.RawMessage
	Status    Status
	Attempts  int

	// IntegrityAttempts counts successive digest-mismatch failures. A
	// requeue for any other class resets it to zero.
	IntegrityAttempts int

	ErrorClass   string
	ErrorMessage string
	NotBefore    time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// DedupeKey builds the idempotency key for Enqueue: identical (kind,
// remote id, target path) triples collapse to one task across runs and
// inputs.
func DedupeKey(kind Kind, remoteID, targetPath string) string {
	return fmt.Sprintf("%s|%s|%s", kind, remoteID, targetPath)
}

// Counts summarizes the store by status, for resume logging and the
// status command.
type Counts struct {
	Pending     int
	InFlight    int
	Done        int
	Failed      int
	Quarantined int
	Skipped     int
}

// Total returns the number of tasks across all statuses.
func (c Counts) Total() int {
	return c.Pending + c.InFlight + c.Done + c.Failed + c.Quarantined + c.Skipped
}

// Remaining returns the number of tasks still eligible for work.
func (c Counts) Remaining() int {
	return c.Pending + c.InFlight
}
