package db

import (
	"context"

	"github.com/kimhsiao/rocade/internal/models"
)

// GameReader serves the read side of the command surface.
type GameReader interface {
	// List returns games matching the filter, ordered by name.
	List(ctx context.Context, filter GameFilter) ([]*models.Game, error)

	// Get returns a game by local id.
	Get(ctx context.Context, id int64) (*models.Game, error)

	// StoreID returns the storefront identifier linked to a game.
	StoreID(ctx context.Context, gameID int64) (string, error)

	Count(ctx context.Context) (int, error)
}

// GameWriter persists complete games.
type GameWriter interface {
	// UpsertCompleteGame writes a game and its relations atomically.
	UpsertCompleteGame(ctx context.Context, rec *models.MetadataRecord) (int64, bool, error)
}

// SyncRunRepository stores refresh summaries.
type SyncRunRepository interface {
	RecordSyncRun(ctx context.Context, run *models.SyncRun) error
	LastSyncRun(ctx context.Context) (*models.SyncRun, error)
}

// LibraryRepository combines everything the sync engine and the command surface need.
type LibraryRepository interface {
	GameReader
	GameWriter
	SyncRunRepository
}

// Ensure *Repository implements the interfaces at compile time.
var (
	_ GameReader        = (*Repository)(nil)
	_ GameWriter        = (*Repository)(nil)
	_ SyncRunRepository = (*Repository)(nil)
	_ LibraryRepository = (*Repository)(nil)
)
