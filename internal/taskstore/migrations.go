package taskstore

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
)

// Embed migration SQL files for schema versioning.
//
//go:embed migrations/*.sql
var migrationsFS embed.FS

// schemaVersion is the current expected schema version.
const schemaVersion = 2

// runMigrations applies embedded SQL migrations in order. Uses a simple
// migration runner instead of golang-migrate to avoid driver compatibility
// issues with the pure-Go SQLite driver.
func runMigrations(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	var currentVersion int

	if err := db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&currentVersion); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	if currentVersion >= schemaVersion {
		logger.Debug("schema up to date", "version", currentVersion)
		return nil
	}

	for v := currentVersion + 1; v <= schemaVersion; v++ {
		if err := applyMigration(ctx, db, logger, v); err != nil {
			return err
		}
	}

	return nil
}

// applyMigration runs a single numbered up-migration inside a transaction.
func applyMigration(ctx context.Context, db *sql.DB, logger *slog.Logger, version int) error {
	matches, err := fs.Glob(migrationsFS, fmt.Sprintf("migrations/%06d_*.up.sql", version))
	if err != nil || len(matches) != 1 {
		return fmt.Errorf("locate migration %d: %v (found %d)", version, err, len(matches))
	}

	filename := matches[0]

	migrationSQL, err := fs.ReadFile(migrationsFS, filename)
	if err != nil {
		return fmt.Errorf("read migration %d: %w", version, err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx %d: %w", version, err)
	}

	if _, execErr := tx.ExecContext(ctx, string(migrationSQL)); execErr != nil {
		rollbackErr := tx.Rollback()
		return fmt.Errorf("exec migration %d: %w (rollback: %v)", version, execErr, rollbackErr)
	}

	// Stamp the new version. PRAGMA cannot be parameterized.
	versionSQL := fmt.Sprintf("PRAGMA user_version = %d", version)
	if _, execErr := tx.ExecContext(ctx, versionSQL); execErr != nil {
		rollbackErr := tx.Rollback()
		return fmt.Errorf("stamp version %d: %w (rollback: %v)", version, execErr, rollbackErr)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %d: %w", version, err)
	}

	logger.Info("applied migration", "version", version, "file", filepath.Base(filename))

	return nil
}
