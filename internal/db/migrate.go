package db

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/kimhsiao/rocade/internal/errors"
	"github.com/kimhsiao/rocade/internal/logging"
)

//go:embed migrations/*.sql
var embeddedMigrations embed.FS

// Migration represents a database schema migration.
type Migration struct {
	Version     int
	AppliedAt   time.Time
	Description string
	Checksum    string
}

// migrationFile is a versioned script found in the migration filesystem.
type migrationFile struct {
	version     int
	description string
	up          string
	down        string
}

// Migrator handles database schema migrations.
type Migrator struct {
	db   *sql.DB
	fsys fs.FS
	dir  string
}

// NewMigrator creates a Migrator over the migrations embedded in the binary.
func NewMigrator(db *sql.DB) *Migrator {
	return &Migrator{db: db, fsys: embeddedMigrations, dir: "migrations"}
}

// NewMigratorFS creates a Migrator reading scripts from dir inside fsys.
func NewMigratorFS(db *sql.DB, fsys fs.FS, dir string) *Migrator {
	return &Migrator{db: db, fsys: fsys, dir: dir}
}

// Initialize creates the schema_migrations table if it doesn't exist.
func (m *Migrator) Initialize(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY CHECK(version > 0),
		applied_at INTEGER NOT NULL CHECK(applied_at > 0),
		description TEXT NOT NULL CHECK(length(description) > 0),
		checksum TEXT NOT NULL CHECK(length(checksum) = 64)
	);`
	if _, err := m.db.ExecContext(ctx, query); err != nil {
		return apperrors.Wrap(apperrors.ErrMigration, "failed to create migration ledger", err)
	}
	return nil
}

// CurrentVersion returns the highest applied schema version, 0 for a fresh database.
func (m *Migrator) CurrentVersion(ctx context.Context) (int, error) {
	var version int
	err := m.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	return version, err
}

// GetAppliedMigrations returns all applied migrations.
func (m *Migrator) GetAppliedMigrations(ctx context.Context) ([]Migration, error) {
	rows, err := m.db.QueryContext(ctx, "SELECT version, applied_at, description, checksum FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var migrations []Migration
	for rows.Next() {
		var mig Migration
		var appliedAt int64
		if err := rows.Scan(&mig.Version, &appliedAt, &mig.Description, &mig.Checksum); err != nil {
			return nil, err
		}
		mig.AppliedAt = time.Unix(appliedAt, 0)
		migrations = append(migrations, mig)
	}
	return migrations, rows.Err()
}

// scan lists migration scripts sorted by version.
// File names follow V<version>__<description>.up.sql / .down.sql.
func (m *Migrator) scan() ([]migrationFile, error) {
	entries, err := fs.ReadDir(m.fsys, m.dir)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrMigration, "failed to read migrations directory", err)
	}

	byVersion := make(map[int]*migrationFile)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()

		var stem string
		var isUp bool
		switch {
		case strings.HasSuffix(name, ".up.sql"):
			stem, isUp = strings.TrimSuffix(name, ".up.sql"), true
		case strings.HasSuffix(name, ".down.sql"):
			stem = strings.TrimSuffix(name, ".down.sql")
		default:
			continue
		}

		parts := strings.SplitN(stem, "__", 2)
		if len(parts) < 2 || !strings.HasPrefix(parts[0], "V") {
			continue
		}
		version, err := strconv.Atoi(strings.TrimPrefix(parts[0], "V"))
		if err != nil || version <= 0 {
			continue
		}

		mf, ok := byVersion[version]
		if !ok {
			mf = &migrationFile{version: version, description: parts[1]}
			byVersion[version] = mf
		}
		if isUp {
			mf.up = name
		} else {
			mf.down = name
		}
	}

	files := make([]migrationFile, 0, len(byVersion))
	for _, mf := range byVersion {
		if mf.up == "" {
			return nil, apperrors.Newf(apperrors.ErrMigration, "migration V%d has no up script", mf.version)
		}
		files = append(files, *mf)
	}
	sort.Slice(files, func(i, j int) bool {
		return files[i].version < files[j].version
	})
	return files, nil
}

func (m *Migrator) read(name string) ([]byte, error) {
	return fs.ReadFile(m.fsys, path.Join(m.dir, name))
}

func checksum(content []byte) string {
	hash := sha256.Sum256(content)
	return hex.EncodeToString(hash[:])
}

// Up applies all pending migrations in ascending version order.
// Running it against an up-to-date database changes nothing.
func (m *Migrator) Up(ctx context.Context) error {
	if err := m.Initialize(ctx); err != nil {
		return err
	}

	applied, err := m.GetAppliedMigrations(ctx)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrMigration, "failed to get applied migrations", err)
	}
	appliedVersions := make(map[int]bool)
	for _, mig := range applied {
		appliedVersions[mig.Version] = true
	}

	files, err := m.scan()
	if err != nil {
		return err
	}

	for _, mf := range files {
		if appliedVersions[mf.version] {
			continue
		}
		if err := m.applyMigration(ctx, mf); err != nil {
			return apperrors.Wrap(apperrors.ErrMigration, fmt.Sprintf("failed to apply migration V%d", mf.version), err)
		}
		logging.Info("applied migration", map[string]interface{}{
			"version":     mf.version,
			"description": mf.description,
		})
	}

	return nil
}

// applyMigration runs one up script and its ledger row in a single transaction.
func (m *Migrator) applyMigration(ctx context.Context, mf migrationFile) error {
	content, err := m.read(mf.up)
	if err != nil {
		return fmt.Errorf("failed to read migration file: %w", err)
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, string(content)); err != nil {
		return fmt.Errorf("failed to execute migration SQL: %w", err)
	}

	query := `INSERT INTO schema_migrations (version, applied_at, description, checksum)
			  VALUES (?, ?, ?, ?)`
	if _, err := tx.ExecContext(ctx, query, mf.version, time.Now().Unix(), mf.description, checksum(content)); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}

	return tx.Commit()
}

// Verify compares the ledger against the available scripts and reports
// applied migrations whose script changed or disappeared since they ran.
func (m *Migrator) Verify(ctx context.Context) error {
	applied, err := m.GetAppliedMigrations(ctx)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrMigration, "failed to get applied migrations", err)
	}
	files, err := m.scan()
	if err != nil {
		return err
	}
	byVersion := make(map[int]migrationFile, len(files))
	for _, mf := range files {
		byVersion[mf.version] = mf
	}

	var drift []string
	for _, mig := range applied {
		mf, ok := byVersion[mig.Version]
		if !ok {
			drift = append(drift, fmt.Sprintf("V%d missing", mig.Version))
			continue
		}
		content, err := m.read(mf.up)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrMigration, "failed to read migration file", err)
		}
		if checksum(content) != mig.Checksum {
			drift = append(drift, fmt.Sprintf("V%d checksum mismatch", mig.Version))
		}
	}
	if len(drift) > 0 {
		return apperrors.Newf(apperrors.ErrMigration, "applied migrations drifted: %s", strings.Join(drift, ", "))
	}
	return nil
}

// Down rolls back the last applied migration.
func (m *Migrator) Down(ctx context.Context) error {
	current, err := m.CurrentVersion(ctx)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrMigration, "failed to read schema version", err)
	}
	if current == 0 {
		return apperrors.New(apperrors.ErrMigration, "no migrations to rollback")
	}

	files, err := m.scan()
	if err != nil {
		return err
	}
	var down string
	for _, mf := range files {
		if mf.version == current {
			down = mf.down
		}
	}
	if down == "" {
		return apperrors.Newf(apperrors.ErrMigration, "no rollback migration found for version %d", current)
	}

	content, err := m.read(down)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrMigration, "failed to read rollback migration", err)
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrMigration, "failed to begin transaction", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, string(content)); err != nil {
		return apperrors.Wrap(apperrors.ErrMigration, "failed to execute rollback SQL", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM schema_migrations WHERE version = ?", current); err != nil {
		return apperrors.Wrap(apperrors.ErrMigration, "failed to remove migration record", err)
	}

	if err := tx.Commit(); err != nil {
		return apperrors.Wrap(apperrors.ErrMigration, "failed to commit rollback", err)
	}
	logging.Info("rolled back migration", map[string]interface{}{"version": current})
	return nil
}
