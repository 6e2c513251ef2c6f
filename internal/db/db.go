// Package db provides the SQLite store for the game library: connection
// setup, embedded schema migrations and the repository.
package db

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"modernc.org/sqlite"

	apperrors "github.com/kimhsiao/rocade/internal/errors"
	"github.com/kimhsiao/rocade/internal/logging"
)

// Pragmas are applied by the driver to every new connection in the pool,
// so foreign key enforcement never depends on which connection runs a query.
const connPragmas = "_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"

func init() {
	// casefold(x) lower-cases with Unicode rules; SQLite's lower() only folds ASCII.
	sqlite.MustRegisterDeterministicScalarFunction("casefold", 1,
		func(ctx *sqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
			switch v := args[0].(type) {
			case nil:
				return nil, nil
			case string:
				return strings.ToLower(v), nil
			case []byte:
				return strings.ToLower(string(v)), nil
			default:
				return v, nil
			}
		})
}

// DB wraps the sql.DB opened on the library database file.
type DB struct {
	*sql.DB
	path string
}

// Open opens (creating if needed) the SQLite database at path.
// The special path ":memory:" yields a private in-memory database limited
// to one connection, since every in-memory connection is a separate database.
func Open(path string) (*DB, error) {
	dsn := "file::memory:?" + connPragmas
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to create data directory", err)
		}
		dsn = "file:" + filepath.ToSlash(path) + "?" + connPragmas
	}

	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to open database", err)
	}
	if path == ":memory:" {
		sqlDB.SetMaxOpenConns(1)
	}

	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to connect to database", err)
	}

	var fkEnabled int
	if err := sqlDB.QueryRow("PRAGMA foreign_keys").Scan(&fkEnabled); err != nil || fkEnabled != 1 {
		sqlDB.Close()
		if err == nil {
			err = fmt.Errorf("foreign_keys = %d", fkEnabled)
		}
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "foreign key enforcement unavailable", err)
	}

	return &DB{DB: sqlDB, path: path}, nil
}

// Init opens the database at path and brings its schema up to date.
// It is the single entry point callers use before building a Repository.
func Init(ctx context.Context, path string) (*DB, error) {
	database, err := Open(path)
	if err != nil {
		return nil, err
	}

	m := NewMigrator(database.DB)
	if err := m.Up(ctx); err != nil {
		database.Close()
		return nil, err
	}

	version, _ := m.CurrentVersion(ctx)
	logging.Info("database ready", map[string]interface{}{
		"path":           path,
		"schema_version": version,
	})
	return database, nil
}

// Path returns the file the database was opened on.
func (db *DB) Path() string {
	return db.path
}

// Close closes the database connection pool.
func (db *DB) Close() error {
	return db.DB.Close()
}
