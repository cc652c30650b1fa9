package taskstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver, registers as "sqlite".
)

// Checkpoint cadence: a .bak rotation happens every checkpointTransitions
// state transitions or checkpointInterval, whichever comes first.
const (
	checkpointTransitions = 50
	checkpointInterval    = 5 * time.Second
	backupSuffix          = ".bak"
)

// Store is the durable task store. All writes are serialized through a
// single mutex; SQLite runs with synchronous=FULL so a committed
// transition survives power loss.
type Store struct {
	db     *sql.DB
	path   string
	logger *slog.Logger

	// Single-writer guard. Claim atomicity depends on it.
	mu sync.Mutex

	taskStmts taskStatements
	fileStmts fileStatements

	transitions     int
	lastCheckpoint  time.Time
	checkpointEvery time.Duration

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	nowFunc func() time.Time
}

// Statement groups to avoid a flat list of fields.
type taskStatements struct {
	insert, get, setStatus, complete, requeue, release, resumeInFlight, countByStatus *sql.Stmt
}

type fileStatements struct {
	record, lookup *sql.Stmt
}

// Open opens (or creates) the task store at path, applying migrations. If
// the primary file fails its integrity check, the .bak copy is restored
// automatically before opening.
func Open(path string, logger *slog.Logger) (*Store, error) {
	return open(path, logger, checkpointInterval)
}

func open(path string, logger *slog.Logger, interval time.Duration) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("opening task store", "path", path)

	db, err := openVerified(path, logger)
	if err != nil {
		return nil, err
	}

	if err := runMigrations(context.Background(), db, logger); err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{
		db:              db,
		path:            path,
		logger:          logger,
		lastCheckpoint:  time.Now(),
		checkpointEvery: interval,
		done:            make(chan struct{}),
		nowFunc:         time.Now,
	}

	if err := s.prepareStatements(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("prepare statements: %w", err)
	}

	s.wg.Add(1)

	go s.checkpointLoop()

	return s, nil
}

// openVerified opens the database, falling back to the backup copy when
// the primary is corrupted.
func openVerified(path string, logger *slog.Logger) (*sql.DB, error) {
	db, err := openAndCheck(path)
	if err == nil {
		return db, nil
	}

	if path == ":memory:" {
		return nil, err
	}

	logger.Warn("primary task store failed integrity check, trying backup",
		"path", path, "error", err.Error())

	bak := path + backupSuffix
	if _, statErr := os.Stat(bak); statErr != nil {
		return nil, fmt.Errorf("task store corrupt and no backup present: %w", err)
	}

	if copyErr := copyFile(bak, path); copyErr != nil {
		return nil, fmt.Errorf("restoring task store backup: %w", copyErr)
	}

	db, err = openAndCheck(path)
	if err != nil {
		return nil, fmt.Errorf("task store backup also corrupt: %w", err)
	}

	logger.Info("task store restored from backup", "path", path)

	return db, nil
}

// openAndCheck opens a database file and runs pragmas plus a quick
// integrity check.
func openAndCheck(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if path == ":memory:" {
		// Every pooled connection would otherwise get its own empty
		// in-memory database.
		db.SetMaxOpenConns(1)
	}

	// DELETE journal mode keeps the store a single consolidated file, which
	// the .bak rotation depends on.
	pragmas := []string{
		"PRAGMA journal_mode = DELETE",
		"PRAGMA synchronous = FULL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}

	for _, p := range pragmas {
		if _, err := db.ExecContext(context.Background(), p); err != nil {
			db.Close()
			return nil, fmt.Errorf("set pragma %q: %w", p, err)
		}
	}

	var result string
	if err := db.QueryRowContext(context.Background(), "PRAGMA quick_check").Scan(&result); err != nil {
		db.Close()
		return nil, fmt.Errorf("integrity check: %w", err)
	}

	if result != "ok" {
		db.Close()
		return nil, fmt.Errorf("integrity check failed: %s", result)
	}

	return db, nil
}

// copyFile replaces dst with a copy of src.
func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}

	return os.WriteFile(dst, data, 0o644)
}

// --- SQL ---

const (
	sqlTaskColumns = `id, kind, dedupe_key, payload, status, attempts,
		integrity_attempts, error_class, error_message, not_before, created_at, updated_at`

	sqlInsertTask = `INSERT INTO tasks (` + sqlTaskColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(dedupe_key) DO NOTHING`

	sqlGetTask = `SELECT ` + sqlTaskColumns + ` FROM tasks WHERE id = ?`

	sqlSetStatus = `UPDATE tasks SET status = ?, updated_at = ? WHERE id = ?`

	sqlCompleteTask = `UPDATE tasks
		SET status = ?, error_class = ?, error_message = ?, updated_at = ?
		WHERE id = ? AND status = 'in-flight'`

	sqlRequeueTask = `UPDATE tasks
		SET status = 'pending', attempts = attempts + 1,
		    integrity_attempts = CASE WHEN ? = 'integrity'
		        THEN integrity_attempts + 1 ELSE 0 END,
		    error_class = ?, error_message = ?, not_before = ?, updated_at = ?
		WHERE id = ? AND status = 'in-flight'`

	sqlReleaseTask = `UPDATE tasks
		SET status = 'pending', updated_at = ?
		WHERE id = ? AND status = 'in-flight'`

	sqlResumeInFlight = `UPDATE tasks
		SET status = 'pending', updated_at = ?
		WHERE status = 'in-flight'`

	sqlCountByStatus = `SELECT status, COUNT(*) FROM tasks GROUP BY status`

	sqlRecordFile = `INSERT INTO files (sha256, path, size, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(sha256) DO UPDATE SET path = excluded.path`

	sqlLookupFile = `SELECT path, size FROM files WHERE sha256 = ?`
)

// stmtDef maps a SQL string to the prepared statement pointer it should
// populate.
type stmtDef struct {
	dest **sql.Stmt
	sql  string
	name string
}

func (s *Store) prepareStatements(ctx context.Context) error {
	defs := []stmtDef{
		{&s.taskStmts.insert, sqlInsertTask, "insertTask"},
		{&s.taskStmts.get, sqlGetTask, "getTask"},
		{&s.taskStmts.setStatus, sqlSetStatus, "setStatus"},
		{&s.taskStmts.complete, sqlCompleteTask, "completeTask"},
		{&s.taskStmts.requeue, sqlRequeueTask, "requeueTask"},
		{&s.taskStmts.release, sqlReleaseTask, "releaseTask"},
		{&s.taskStmts.resumeInFlight, sqlResumeInFlight, "resumeInFlight"},
		{&s.taskStmts.countByStatus, sqlCountByStatus, "countByStatus"},
		{&s.fileStmts.record, sqlRecordFile, "recordFile"},
		{&s.fileStmts.lookup, sqlLookupFile, "lookupFile"},
	}

	for i := range defs {
		stmt, err := s.db.PrepareContext(ctx, defs[i].sql)
		if err != nil {
			return fmt.Errorf("prepare %s: %w", defs[i].name, err)
		}

		*defs[i].dest = stmt
	}

	return nil
}

// --- Task operations ---

// Enqueue inserts a task if no task with the same dedupe key exists.
// Returns true when a new row was created. Terminal duplicates stay
// terminal; re-running enumeration over completed work is a no-op.
func (s *Store) Enqueue(ctx context.Context, t *Task) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowFunc()

	res, err := s.taskStmts.insert.ExecContext(ctx,
		t.ID, string(t.Kind), t.DedupeKey, string(t.Payload),
		string(StatusPending), 0, 0, "", "",
		t.NotBefore.UnixNano(), now.UnixNano(), now.UnixNano(),
	)
	if err != nil {
		return false, fmt.Errorf("enqueue task %s: %w", t.ID, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("enqueue task %s: rows affected: %w", t.ID, err)
	}

	if affected > 0 {
		s.logger.Debug("task enqueued", "id", t.ID, "kind", t.Kind)
	}

	return affected > 0, nil
}

// Claim atomically marks up to limit eligible pending tasks of the given
// kinds as in-flight and returns them, FIFO by (created_at, id). Two
// concurrent claimers can never receive the same task: the select+update
// runs in one transaction under the writer mutex.
func (s *Store) Claim(ctx context.Context, kinds []Kind, limit int) ([]*Task, error) {
	if limit < 1 || len(kinds) == 0 {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowFunc()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim tx: %w", err)
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(kinds)), ",")
	query := `SELECT ` + sqlTaskColumns + ` FROM tasks
		WHERE status = 'pending' AND not_before <= ? AND kind IN (` + placeholders + `)
		ORDER BY created_at, id LIMIT ?`

	args := make([]any, 0, len(kinds)+2)
	args = append(args, now.UnixNano())

	for _, k := range kinds {
		args = append(args, string(k))
	}

	args = append(args, limit)

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("select claimable: %w", err)
	}

	tasks, err := scanTaskRows(rows)
	if err != nil {
		tx.Rollback()
		return nil, err
	}

	stmt := tx.StmtContext(ctx, s.taskStmts.setStatus)
	for _, t := range tasks {
		if _, execErr := stmt.ExecContext(ctx, string(StatusInFlight), now.UnixNano(), t.ID); execErr != nil {
			tx.Rollback()
			return nil, fmt.Errorf("mark in-flight %s: %w", t.ID, execErr)
		}

		t.Status = StatusInFlight
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}

	s.noteTransitionLocked(len(tasks))

	return tasks, nil
}

// Complete moves an in-flight task to a terminal (or failed) status.
// At most one terminal transition per task: the guard on status =
// 'in-flight' makes a second Complete a no-op.
func (s *Store) Complete(ctx context.Context, id string, status Status, errClass, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.taskStmts.complete.ExecContext(ctx,
		string(status), errClass, errMsg, s.nowFunc().UnixNano(), id)
	if err != nil {
		return fmt.Errorf("complete task %s: %w", id, err)
	}

	s.logger.Debug("task completed", "id", id, "status", status, "class", errClass)
	s.noteTransitionLocked(1)

	return nil
}

// Requeue returns an in-flight task to pending with an incremented
// attempt counter and a not-before delay. Integrity failures extend the
// integrity streak; any other class resets it.
func (s *Store) Requeue(ctx context.Context, id string, delay time.Duration, errClass, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowFunc()
	notBefore := now.Add(delay).UnixNano()

	_, err := s.taskStmts.requeue.ExecContext(ctx, errClass, errClass, errMsg, notBefore, now.UnixNano(), id)
	if err != nil {
		return fmt.Errorf("requeue task %s: %w", id, err)
	}

	s.logger.Debug("task requeued", "id", id, "delay", delay, "class", errClass)
	s.noteTransitionLocked(1)

	return nil
}

// Release returns an in-flight task to pending without charging an
// attempt. Used on cancellation/shutdown.
func (s *Store) Release(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.taskStmts.release.ExecContext(ctx, s.nowFunc().UnixNano(), id)
	if err != nil {
		return fmt.Errorf("release task %s: %w", id, err)
	}

	s.noteTransitionLocked(1)

	return nil
}

// Resume moves all in-flight tasks back to pending. Called once at
// startup; in-flight rows can only exist after a crash.
func (s *Store) Resume(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.taskStmts.resumeInFlight.ExecContext(ctx, s.nowFunc().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("resume in-flight tasks: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("resume: rows affected: %w", err)
	}

	if affected > 0 {
		s.logger.Info("recovered in-flight tasks from previous run", "count", affected)
	}

	return affected, nil
}

// Get returns a task by id, or (nil, nil) when absent.
func (s *Store) Get(ctx context.Context, id string) (*Task, error) {
	t, err := scanTask(s.taskStmts.get.QueryRowContext(ctx, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}

	return t, nil
}

// GetByDedupeKey returns a task by its idempotency key, or (nil, nil).
func (s *Store) GetByDedupeKey(ctx context.Context, key string) (*Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqlTaskColumns+` FROM tasks WHERE dedupe_key = ?`, key)

	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("get task by dedupe key: %w", err)
	}

	return t, nil
}

// ListByStatus returns all tasks in the given status, FIFO.
func (s *Store) ListByStatus(ctx context.Context, status Status) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqlTaskColumns+` FROM tasks WHERE status = ? ORDER BY created_at, id`,
		string(status))
	if err != nil {
		return nil, fmt.Errorf("list tasks by status %s: %w", status, err)
	}
	defer rows.Close()

	return scanTaskRows(rows)
}

// RetryFailed revives all failed tasks to pending. Used by the
// --retry-failed flag on a subsequent invocation.
func (s *Store) RetryFailed(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = 'pending', not_before = 0, updated_at = ?
		 WHERE status = 'failed'`, s.nowFunc().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("retry failed tasks: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("retry failed: rows affected: %w", err)
	}

	return affected, nil
}

// CountByStatus returns store-wide task counts.
func (s *Store) CountByStatus(ctx context.Context) (Counts, error) {
	rows, err := s.taskStmts.countByStatus.QueryContext(ctx)
	if err != nil {
		return Counts{}, fmt.Errorf("count tasks: %w", err)
	}
	defer rows.Close()

	var c Counts

	for rows.Next() {
		var status string
		var n int

		if err := rows.Scan(&status, &n); err != nil {
			return Counts{}, fmt.Errorf("scan count row: %w", err)
		}

		switch Status(status) {
		case StatusPending:
			c.Pending = n
		case StatusInFlight:
			c.InFlight = n
		case StatusDone:
			c.Done = n
		case StatusFailed:
			c.Failed = n
		case StatusQuarantined:
			c.Quarantined = n
		case StatusSkipped:
			c.Skipped = n
		}
	}

	if err := rows.Err(); err != nil {
		return Counts{}, fmt.Errorf("iterate count rows: %w", err)
	}

	return c, nil
}

// --- File digest index ---

// RecordFile registers a published file under its sha256 digest.
func (s *Store) RecordFile(ctx context.Context, sha256, path string, size int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.fileStmts.record.ExecContext(ctx,
		strings.ToLower(sha256), path, size, s.nowFunc().UnixNano())
	if err != nil {
		return fmt.Errorf("record file %s: %w", sha256, err)
	}

	return nil
}

// LookupFile returns the on-disk path and size of a previously published
// file with the given digest, or ("", 0, nil) when unknown.
func (s *Store) LookupFile(ctx context.Context, sha256 string) (string, int64, error) {
	var path string
	var size int64

	err := s.fileStmts.lookup.QueryRowContext(ctx, strings.ToLower(sha256)).Scan(&path, &size)
	if errors.Is(err, sql.ErrNoRows) {
		return "", 0, nil
	}

	if err != nil {
		return "", 0, fmt.Errorf("lookup file %s: %w", sha256, err)
	}

	return path, size, nil
}

// --- Checkpointing ---

// noteTransitionLocked counts state transitions and rotates the backup
// when the cadence threshold is reached. Caller holds s.mu.
func (s *Store) noteTransitionLocked(n int) {
	s.transitions += n

	if s.transitions >= checkpointTransitions || time.Since(s.lastCheckpoint) >= s.checkpointEvery {
		if err := s.checkpointLocked(); err != nil {
			s.logger.Warn("checkpoint failed", "error", err.Error())
		}
	}
}

// checkpointLoop rotates the backup on the interval cadence even when no
// further transitions arrive to trip noteTransitionLocked. Stops at
// Close.
func (s *Store) checkpointLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.checkpointEvery)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.mu.Lock()

			if s.transitions > 0 && time.Since(s.lastCheckpoint) >= s.checkpointEvery {
				if err := s.checkpointLocked(); err != nil {
					s.logger.Warn("checkpoint failed", "error", err.Error())
				}
			}

			s.mu.Unlock()
		}
	}
}

// Checkpoint forces a backup rotation immediately.
func (s *Store) Checkpoint() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.checkpointLocked()
}

// checkpointLocked rotates tasks.db.bak via VACUUM INTO, which produces a
// consistent snapshot without closing the live connection.
func (s *Store) checkpointLocked() error {
	s.transitions = 0
	s.lastCheckpoint = time.Now()

	if s.path == ":memory:" {
		return nil
	}

	bak := s.path + backupSuffix
	if err := os.Remove(bak); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("rotate backup: %w", err)
	}

	if _, err := s.db.ExecContext(context.Background(), "VACUUM INTO ?", bak); err != nil {
		return fmt.Errorf("vacuum into backup: %w", err)
	}

	s.logger.Debug("task store checkpoint complete", "backup", bak)

	return nil
}

// Close stops the checkpoint loop, takes a final checkpoint, and closes
// the database.
func (s *Store) Close() error {
	s.logger.Info("closing task store")

	s.stopOnce.Do(func() { close(s.done) })
	s.wg.Wait()

	if err := s.Checkpoint(); err != nil {
		s.logger.Warn("final checkpoint failed", "error", err.Error())
	}

	s.closeStatements()

	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}

	return nil
}

func (s *Store) closeStatements() {
	stmts := []*sql.Stmt{
		s.taskStmts.insert, s.taskStmts.get, s.taskStmts.setStatus,
		s.taskStmts.complete, s.taskStmts.requeue, s.taskStmts.release,
		s.taskStmts.resumeInFlight, s.taskStmts.countByStatus,
		s.fileStmts.record, s.fileStmts.lookup,
	}

	for _, stmt := range stmts {
		if stmt != nil {
			stmt.Close()
		}
	}
}

// --- Scanning helpers ---

func scanTask(row interface{ Scan(...any) error }) (*Task, error) {
	t := &Task{}

	var kind, status, payload string
	var notBefore, createdAt, updatedAt int64

	err := row.Scan(
		&t.ID, &kind, &t.DedupeKey, &payload, &status, &t.Attempts,
		&t.IntegrityAttempts, &t.ErrorClass, &t.ErrorMessage, &notBefore, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	t.Kind = Kind(kind)
	t.Status = Status(status)
	t.Payload = []byte(payload)
	t.NotBefore = time.Unix(0, notBefore)
	t.CreatedAt = time.Unix(0, createdAt)
	t.UpdatedAt = time.Unix(0, updatedAt)

	return t, nil
}

func scanTaskRows(rows *sql.Rows) ([]*Task, error) {
	defer rows.Close()

	var tasks []*Task

	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task row: %w", err)
		}

		tasks = append(tasks, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate task rows: %w", err)
	}

	return tasks, nil
}
