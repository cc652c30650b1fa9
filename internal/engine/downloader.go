package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/civitai-downloader/civitai-go/internal/civitai"
	"github.com/civitai-downloader/civitai-go/internal/planner"
	"github.com/civitai-downloader/civitai-go/internal/taskstore"
)

const (
	tmpSuffix = ".tmp"

	// copyChunk is the streaming buffer size; progressInterval is how
	// many bytes pass between progress events.
	copyChunk        = 32 * 1024
	progressInterval = 1 << 20
)

// Downloader executes one file task end to end: temp file, range
// resume, streamed digest, atomic publish, quarantine on mismatch. It
// is single-writer per destination because task claiming is atomic.
type Downloader struct {
	client   *civitai.Client
	store    *taskstore.Store
	planner  *planner.Planner
	timeouts *civitai.TimeoutTracker
	events   *Emitter
	logger   *slog.Logger

	// skipExisting trusts any existing destination by name alone; when
	// off, an existing file is re-verified against the declared digest.
	skipExisting bool
}

// NewDownloader wires a download executor.
func NewDownloader(client *civitai.Client, store *taskstore.Store, plan *planner.Planner, timeouts *civitai.TimeoutTracker, events *Emitter, skipExisting bool, logger *slog.Logger) *Downloader {
	if logger == nil {
		logger = slog.Default()
	}

	return &Downloader{
		client:       client,
		store:        store,
		planner:      plan,
		timeouts:     timeouts,
		events:       events,
		skipExisting: skipExisting,
		logger:       logger,
	}
}

// Execute runs one download attempt. Retry scheduling happens above, in
// the scheduler, off the returned error's class.
func (d *Downloader) Execute(ctx context.Context, task *taskstore.Task) error {
	var p DownloadPayload
	if err := decodePayload(task, &p); err != nil {
		return err
	}

	dest := p.Dest()

	if fileExists(dest) {
		if d.skipExisting || p.SHA256 == "" {
			return skip("destination already exists")
		}

		match, verr := verifyDigest(dest, p.SHA256)
		if verr == nil && match {
			return skip("destination already exists with matching digest")
		}

		// Wrong or unreadable content: re-download over it.
		d.logger.Warn("existing file fails verification, re-downloading",
			slog.String("path", dest))

		os.Remove(dest)
	}

	if linked, err := d.linkDuplicate(ctx, &p, dest); err != nil {
		return err
	} else if linked {
		return skip("duplicate digest, linked existing file")
	}

	if err := os.MkdirAll(p.Dir, 0o755); err != nil {
		return fmt.Errorf("engine: creating %s: %w", p.Dir, err)
	}

	err := d.transfer(ctx, task, &p, dest)
	d.timeouts.Record(civitai.Classify(err) == civitai.ClassTimeout)

	return err
}

// transfer performs the network attempt and publishes the file.
func (d *Downloader) transfer(ctx context.Context, task *taskstore.Task, p *DownloadPayload, dest string) error {
	tmp := dest + tmpSuffix
	offset := partialSize(tmp, p.SizeBytes)

	hasher := sha256.New()

	if offset > 0 {
		if err := hashPrefix(tmp, offset, hasher); err != nil {
			// Unreadable partial: start over.
			d.logger.Warn("discarding unreadable partial file",
				slog.String("path", tmp), slog.String("error", err.Error()))

			os.Remove(tmp)

			offset = 0
			hasher = sha256.New()
		}
	}

	deadline := d.timeouts.TotalTimeout(p.SizeBytes)

	tctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	d.events.Emit(Event{
		Type:           EventDownloadStarted,
		TaskID:         task.ID,
		Kind:           string(task.Kind),
		URL:            p.URL,
		Destination:    dest,
		BytesCompleted: offset,
		BytesTotal:     p.SizeBytes,
		Attempt:        task.Attempts + 1,
	})

	start := time.Now()

	total, err := d.stream(tctx, task, p, tmp, offset, hasher)
	if err != nil {
		return err
	}

	if p.SHA256 != "" {
		want := strings.ToLower(strings.TrimSpace(p.SHA256))
		got := hex.EncodeToString(hasher.Sum(nil))

		if got != want {
			d.quarantine(task, p, tmp)

			return fmt.Errorf("engine: %s: digest %s, declared %s: %w",
				dest, got, want, civitai.ErrIntegrity)
		}
	}

	if err := os.Rename(tmp, dest); err != nil {
		return fmt.Errorf("engine: publishing %s: %w", dest, err)
	}

	if p.SHA256 != "" {
		if err := d.store.RecordFile(ctx, p.SHA256, dest, total); err != nil {
			d.logger.Warn("recording file digest failed", slog.String("error", err.Error()))
		}
	}

	elapsed := time.Since(start)
	fetched := total - offset

	d.events.Emit(Event{
		Type:           EventDownloadCompleted,
		TaskID:         task.ID,
		Kind:           string(task.Kind),
		Destination:    dest,
		Bytes:          total,
		DurationS:      elapsed.Seconds(),
		ThroughputMbps: throughputMbps(fetched, elapsed),
	})

	d.logger.Info("download complete",
		slog.String("path", dest),
		slog.Int64("bytes", total),
		slog.Duration("elapsed", elapsed.Round(time.Millisecond)),
	)

	return nil
}

// stream opens the HTTP body at offset and copies it into tmp while
// hashing. Returns the total byte count of the on-disk file.
func (d *Downloader) stream(ctx context.Context, task *taskstore.Task, p *DownloadPayload, tmp string, offset int64, hasher hash.Hash) (int64, error) {
	if p.SizeBytes > 0 && offset == p.SizeBytes {
		// Partial is already complete; only verification remains.
		return offset, nil
	}

	fs, err := d.client.OpenFile(ctx, p.URL, offset)
	if err != nil {
		return 0, err
	}
	defer fs.Body.Close()

	if offset > 0 && !fs.Resumed {
		// Server ignored the range; the transfer restarts from zero.
		d.logger.Debug("range not honored, restarting transfer", slog.String("path", tmp))

		offset = 0
		hasher.Reset()
	}

	fh, err := openPartial(tmp, offset)
	if err != nil {
		return 0, err
	}

	mw := io.MultiWriter(fh, hasher)
	buf := make([]byte, copyChunk)
	total := offset
	lastEmit := offset

	for {
		n, readErr := fs.Body.Read(buf)

		if n > 0 {
			if _, writeErr := mw.Write(buf[:n]); writeErr != nil {
				fh.Close()
				return total, fmt.Errorf("engine: writing %s: %w", tmp, writeErr)
			}

			total += int64(n)

			if total-lastEmit >= progressInterval {
				lastEmit = total

				d.events.Emit(Event{
					Type:           EventDownloadProgress,
					TaskID:         task.ID,
					BytesCompleted: total,
					BytesTotal:     p.SizeBytes,
				})
			}
		}

		if readErr == io.EOF {
			break
		}

		if readErr != nil {
			fh.Close()
			return total, fmt.Errorf("engine: reading %s: %w", p.URL, readErr)
		}
	}

	if err := fh.Sync(); err != nil {
		fh.Close()
		return total, fmt.Errorf("engine: syncing %s: %w", tmp, err)
	}

	if err := fh.Close(); err != nil {
		return total, fmt.Errorf("engine: closing %s: %w", tmp, err)
	}

	return total, nil
}

// linkDuplicate checks the digest index for an already-published copy of
// this content and hard-links it into place, falling back to a byte
// copy across filesystems.
func (d *Downloader) linkDuplicate(ctx context.Context, p *DownloadPayload, dest string) (bool, error) {
	if p.SHA256 == "" {
		return false, nil
	}

	existing, _, err := d.store.LookupFile(ctx, p.SHA256)
	if err != nil {
		return false, err
	}

	if existing == "" || existing == dest || !fileExists(existing) {
		return false, nil
	}

	if err := os.MkdirAll(p.Dir, 0o755); err != nil {
		return false, fmt.Errorf("engine: creating %s: %w", p.Dir, err)
	}

	if err := os.Link(existing, dest); err != nil {
		if err := copyFile(existing, dest); err != nil {
			return false, fmt.Errorf("engine: copying duplicate %s: %w", existing, err)
		}
	}

	d.logger.Info("reused existing file for duplicate digest",
		slog.String("source", existing),
		slog.String("dest", dest),
	)

	return true, nil
}

// quarantine moves the corrupt temp file into corrupted/<task-id>/,
// keeping one file per failed attempt for forensic review.
func (d *Downloader) quarantine(task *taskstore.Task, p *DownloadPayload, tmp string) {
	qdir := d.planner.QuarantineDir(task.ID)

	if err := os.MkdirAll(qdir, 0o755); err != nil {
		d.logger.Error("creating quarantine dir failed", slog.String("error", err.Error()))
		os.Remove(tmp)

		return
	}

	name := fmt.Sprintf("%s.attempt%d", p.FileName, task.Attempts+1)
	if err := os.Rename(tmp, filepath.Join(qdir, name)); err != nil {
		d.logger.Error("quarantining file failed", slog.String("error", err.Error()))
		os.Remove(tmp)

		return
	}

	d.logger.Warn("file quarantined",
		slog.String("task_id", task.ID),
		slog.String("file", name),
	)
}

// verifyDigest re-hashes an on-disk file against a declared sha256.
func verifyDigest(path, declared string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return false, err
	}

	got := hex.EncodeToString(hasher.Sum(nil))

	return got == strings.ToLower(strings.TrimSpace(declared)), nil
}

// partialSize returns the resumable length of an existing temp file.
// Partials larger than the declared size are unusable and report zero.
func partialSize(tmp string, declared int64) int64 {
	info, err := os.Stat(tmp)
	if err != nil || info.IsDir() {
		return 0
	}

	size := info.Size()
	if declared > 0 && size > declared {
		return 0
	}

	return size
}

// hashPrefix feeds the first offset bytes of an existing partial into
// the digest, so a resumed transfer still verifies end to end.
func hashPrefix(tmp string, offset int64, hasher hash.Hash) error {
	f, err := os.Open(tmp)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = io.CopyN(hasher, f, offset)

	return err
}

// openPartial opens the temp file for writing at offset, truncating
// when the transfer starts from zero.
func openPartial(tmp string, offset int64) (*os.File, error) {
	flags := os.O_CREATE | os.O_WRONLY
	if offset == 0 {
		flags |= os.O_TRUNC
	}

	fh, err := os.OpenFile(tmp, flags, 0o644)
	if err != nil {
		return nil, fmt.Errorf("engine: opening %s: %w", tmp, err)
	}

	if offset > 0 {
		if _, err := fh.Seek(offset, io.SeekStart); err != nil {
			fh.Close()
			return nil, fmt.Errorf("engine: seeking %s: %w", tmp, err)
		}

		if err := fh.Truncate(offset); err != nil {
			fh.Close()
			return nil, fmt.Errorf("engine: truncating %s: %w", tmp, err)
		}
	}

	return fh, nil
}

func throughputMbps(bytes int64, elapsed time.Duration) float64 {
	if elapsed <= 0 {
		return 0
	}

	return float64(bytes) * 8 / 1e6 / elapsed.Seconds()
}

func fileExists(path string) bool {
	info, err := os.Stat(path)

	return err == nil && !info.IsDir()
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)

		return err
	}

	return out.Close()
}
