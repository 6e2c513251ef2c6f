package db

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	apperrors "github.com/kimhsiao/rocade/internal/errors"
	"github.com/kimhsiao/rocade/internal/models"
	"github.com/kimhsiao/rocade/internal/similarity"
)

// Write steps of UpsertCompleteGame, in execution order.
const (
	StepGame       = "game"
	StepCover      = "cover"
	StepArtworks   = "artworks"
	StepGenres     = "genres"
	StepDevelopers = "developers"
	StepPublishers = "publishers"
	StepStore      = "store"
)

// Repository provides persistence for the game library.
type Repository struct {
	db *sql.DB

	// Prepared statements for the point lookups, keyed by query text.
	stmtCache sync.Map // map[string]*sql.Stmt

	stepHook func(step string) error
	now      func() time.Time
}

// NewRepository creates a new Repository instance.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db, now: time.Now}
}

// SetStepHook installs fn to run before each write step of UpsertCompleteGame,
// inside its transaction. A non-nil error from fn aborts the upsert.
func (r *Repository) SetStepHook(fn func(step string) error) {
	r.stepHook = fn
}

func (r *Repository) step(name string) error {
	if r.stepHook == nil {
		return nil
	}
	return r.stepHook(name)
}

// PrepareStmt gets or creates a prepared statement from cache.
func (r *Repository) PrepareStmt(ctx context.Context, query string) (*sql.Stmt, error) {
	if stmt, ok := r.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}

	stmt, err := r.db.PrepareContext(ctx, query)
	if err != nil {
		return nil, mapError(err, "failed to prepare statement")
	}

	// Another goroutine may have won the race; keep theirs.
	actual, loaded := r.stmtCache.LoadOrStore(query, stmt)
	if loaded {
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}
	return stmt, nil
}

// Close closes all cached prepared statements.
// The underlying *sql.DB is owned by the caller and stays open.
func (r *Repository) Close() error {
	var firstErr error
	r.stmtCache.Range(func(key, value interface{}) bool {
		if err := value.(*sql.Stmt).Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		r.stmtCache.Delete(key)
		return true
	})
	return firstErr
}

// mapError classifies a driver error into the application taxonomy.
func mapError(err error, message string) error {
	if err == nil {
		return nil
	}
	var appErr *apperrors.AppError
	if stderrors.As(err, &appErr) {
		return err
	}
	if stderrors.Is(err, sql.ErrNoRows) {
		return apperrors.Wrap(apperrors.ErrNotFound, message, err)
	}
	var se *sqlite.Error
	if stderrors.As(err, &se) && se.Code()&0xff == sqlite3.SQLITE_CONSTRAINT {
		return apperrors.Wrap(apperrors.ErrConstraint, message, err)
	}
	return apperrors.Wrap(apperrors.ErrDatabase, message, err)
}

// =====================================================
// Read Operations
// =====================================================

// gameSelect returns one row per game. One-to-one relations come from left
// joins; one-to-many relations are aggregated per game into JSON arrays so
// the joins never multiply rows. A game with no relations still appears.
const gameSelect = `
SELECT g.id, g.igdb_id, g.name, g.summary, g.storyline, g.release_date,
       cv.cover_id,
       gs.store_id,
       (SELECT json_group_array(a.artwork_id) FROM artworks a WHERE a.game_id = g.id),
       (SELECT json_group_array(DISTINCT ge.name) FROM belongs_to bt
            JOIN genres ge ON ge.id = bt.genre_id WHERE bt.game_id = g.id),
       (SELECT json_group_array(DISTINCT c.name) FROM developed_by d
            JOIN companies c ON c.id = d.company_id WHERE d.game_id = g.id),
       (SELECT json_group_array(DISTINCT c.name) FROM published_by p
            JOIN companies c ON c.id = p.company_id WHERE p.game_id = g.id)
FROM games g
LEFT JOIN covers cv ON cv.game_id = g.id
LEFT JOIN games_store gs ON gs.game_id = g.id`

const gameOrder = " ORDER BY g.name COLLATE NOCASE, g.id"

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanGame(row rowScanner) (*models.Game, error) {
	var g models.Game
	var summary, storyline, cover, storeID sql.NullString
	var releaseDate sql.NullInt64
	var artworks, genres, developers, publishers sql.NullString
	if err := row.Scan(&g.ID, &g.ExternalID, &g.Name, &summary, &storyline, &releaseDate,
		&cover, &storeID, &artworks, &genres, &developers, &publishers); err != nil {
		return nil, err
	}

	if summary.Valid {
		g.Summary = &summary.String
	}
	if storyline.Valid {
		g.Storyline = &storyline.String
	}
	if releaseDate.Valid {
		g.ReleaseDate = &releaseDate.Int64
	}
	if cover.Valid {
		g.Cover = &cover.String
	}
	if storeID.Valid {
		g.StoreID = &storeID.String
	}

	var err error
	if g.Artworks, err = decodeNames(artworks, false); err != nil {
		return nil, err
	}
	if g.Genres, err = decodeNames(genres, true); err != nil {
		return nil, err
	}
	if g.Developers, err = decodeNames(developers, true); err != nil {
		return nil, err
	}
	if g.Publishers, err = decodeNames(publishers, true); err != nil {
		return nil, err
	}
	return &g, nil
}

// decodeNames turns an aggregated JSON array into a slice, never nil.
func decodeNames(raw sql.NullString, sorted bool) ([]string, error) {
	out := []string{}
	if !raw.Valid || raw.String == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(raw.String), &out); err != nil {
		return nil, fmt.Errorf("failed to decode aggregated relation: %w", err)
	}
	if out == nil {
		out = []string{}
	}
	if sorted {
		sort.Strings(out)
	}
	return out, nil
}

func (r *Repository) queryGames(ctx context.Context, query string, args ...interface{}) ([]*models.Game, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapError(err, "failed to list games")
	}
	defer rows.Close()

	games := []*models.Game{}
	for rows.Next() {
		g, err := scanGame(rows)
		if err != nil {
			return nil, mapError(err, "failed to scan game")
		}
		games = append(games, g)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(err, "failed to list games")
	}
	return games, nil
}

// Get returns one fully resolved game by local id.
func (r *Repository) Get(ctx context.Context, id int64) (*models.Game, error) {
	stmt, err := r.PrepareStmt(ctx, gameSelect+" WHERE g.id = ?")
	if err != nil {
		return nil, err
	}
	g, err := scanGame(stmt.QueryRowContext(ctx, id))
	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.Newf(apperrors.ErrNotFound, "game %d not found", id)
		}
		return nil, mapError(err, "failed to get game")
	}
	return g, nil
}

// GetByExternalID returns one fully resolved game by its metadata-source id.
func (r *Repository) GetByExternalID(ctx context.Context, externalID int64) (*models.Game, error) {
	g, err := scanGame(r.db.QueryRowContext(ctx, gameSelect+" WHERE g.igdb_id = ?", externalID))
	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.Newf(apperrors.ErrNotFound, "game with igdb id %d not found", externalID)
		}
		return nil, mapError(err, "failed to get game")
	}
	return g, nil
}

// List returns the games matching filter ordered by name.
//
// With a name and Fuzzy set, the substring query runs first; only when it
// matches no game at all, whatever the page, are the candidate names (ids
// and names only) re-ranked by trigram similarity and the matching rows
// loaded, best match first. Limit and Offset page either result.
func (r *Repository) List(ctx context.Context, filter GameFilter) ([]*models.Game, error) {
	fb := filter.builder()
	name := strings.TrimSpace(filter.Name)
	if name != "" {
		fb.Name(name)
	}

	games, err := r.listWhere(ctx, fb, filter.Limit, filter.Offset)
	if err != nil {
		return nil, err
	}
	if len(games) > 0 || name == "" || !filter.Fuzzy {
		return games, nil
	}
	if filter.Offset > 0 {
		// An empty page past the substring matches is not a miss.
		found, err := r.anyWhere(ctx, fb)
		if err != nil {
			return nil, err
		}
		if found {
			return games, nil
		}
	}
	return r.listFuzzy(ctx, filter, name)
}

// anyWhere reports whether any game matches fb, ignoring paging.
func (r *Repository) anyWhere(ctx context.Context, fb *FilterBuilder) (bool, error) {
	query := "SELECT EXISTS (SELECT 1 FROM games g LEFT JOIN games_store gs ON gs.game_id = g.id"
	where, args := fb.Build()
	if where != "" {
		query += " WHERE " + where
	}
	query += ")"
	var found bool
	if err := r.db.QueryRowContext(ctx, query, args...).Scan(&found); err != nil {
		return false, mapError(err, "failed to match games")
	}
	return found, nil
}

func (r *Repository) listWhere(ctx context.Context, fb *FilterBuilder, limit, offset int) ([]*models.Game, error) {
	query := gameSelect
	where, args := fb.Build()
	if where != "" {
		query += " WHERE " + where
	}
	query += gameOrder
	switch {
	case limit > 0:
		query += " LIMIT ? OFFSET ?"
		args = append(args, limit, offset)
	case offset > 0:
		// SQLite only takes OFFSET after a LIMIT; -1 means no limit.
		query += " LIMIT -1 OFFSET ?"
		args = append(args, offset)
	}
	return r.queryGames(ctx, query, args...)
}

func (r *Repository) listFuzzy(ctx context.Context, filter GameFilter, name string) ([]*models.Game, error) {
	query := "SELECT g.id, g.name FROM games g LEFT JOIN games_store gs ON gs.game_id = g.id"
	where, args := filter.builder().Build()
	if where != "" {
		query += " WHERE " + where
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapError(err, "failed to load candidate names")
	}
	var ids []int64
	var names []string
	for rows.Next() {
		var id int64
		var n string
		if err := rows.Scan(&id, &n); err != nil {
			rows.Close()
			return nil, mapError(err, "failed to scan candidate")
		}
		ids = append(ids, id)
		names = append(names, n)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, mapError(err, "failed to load candidate names")
	}

	ranked := similarity.NewMatcher(filter.Threshold).Rank(name, names)
	if filter.Offset > 0 {
		if filter.Offset >= len(ranked) {
			return []*models.Game{}, nil
		}
		ranked = ranked[filter.Offset:]
	}
	if filter.Limit > 0 && len(ranked) > filter.Limit {
		ranked = ranked[:filter.Limit]
	}
	if len(ranked) == 0 {
		return []*models.Game{}, nil
	}

	matched := make([]interface{}, len(ranked))
	position := make(map[int64]int, len(ranked))
	for i, s := range ranked {
		matched[i] = ids[s.Index]
		position[ids[s.Index]] = i
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(matched)), ", ")
	games, err := r.queryGames(ctx, gameSelect+" WHERE g.id IN ("+placeholders+")", matched...)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(games, func(i, j int) bool {
		return position[games[i].ID] < position[games[j].ID]
	})
	return games, nil
}

// Count returns the number of games in the library.
func (r *Repository) Count(ctx context.Context) (int, error) {
	stmt, err := r.PrepareStmt(ctx, "SELECT COUNT(*) FROM games")
	if err != nil {
		return 0, err
	}
	var n int
	if err := stmt.QueryRowContext(ctx).Scan(&n); err != nil {
		return 0, mapError(err, "failed to count games")
	}
	return n, nil
}

// StoreID returns the storefront identifier linked to a game.
func (r *Repository) StoreID(ctx context.Context, gameID int64) (string, error) {
	stmt, err := r.PrepareStmt(ctx, "SELECT store_id FROM games_store WHERE game_id = ?")
	if err != nil {
		return "", err
	}
	var storeID string
	if err := stmt.QueryRowContext(ctx, gameID).Scan(&storeID); err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return "", apperrors.Newf(apperrors.ErrNotFound, "game %d has no store id", gameID)
		}
		return "", mapError(err, "failed to get store id")
	}
	return storeID, nil
}

// =====================================================
// Write Operations
// =====================================================

// UpsertCompleteGame writes a game and all of its relations in one
// transaction, keyed by the record's external id. Relation rows are
// replaced by the record's contents. Any failure rolls everything back,
// leaving a new game absent and an existing game in its prior state.
// created reports whether the game did not exist before.
func (r *Repository) UpsertCompleteGame(ctx context.Context, rec *models.MetadataRecord) (id int64, created bool, err error) {
	if rec == nil || rec.ExternalID <= 0 {
		return 0, false, apperrors.New(apperrors.ErrInvalid, "record has no external id")
	}
	if strings.TrimSpace(rec.Name) == "" {
		return 0, false, apperrors.Newf(apperrors.ErrInvalid, "record %d has no name", rec.ExternalID)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, mapError(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	if err := r.step(StepGame); err != nil {
		return 0, false, err
	}
	var existing int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM games WHERE igdb_id = ?", rec.ExternalID).Scan(&existing); err != nil {
		return 0, false, mapError(err, "failed to look up game")
	}
	now := r.now().Unix()
	err = tx.QueryRowContext(ctx, `
		INSERT INTO games (igdb_id, name, summary, storyline, release_date, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(igdb_id) DO UPDATE SET
			name = excluded.name,
			summary = excluded.summary,
			storyline = excluded.storyline,
			release_date = excluded.release_date,
			updated_at = excluded.updated_at
		RETURNING id`,
		rec.ExternalID, rec.Name, nullString(rec.Summary), nullString(rec.Storyline),
		nullInt64(rec.ReleaseDate), now, now,
	).Scan(&id)
	if err != nil {
		return 0, false, mapError(err, "failed to upsert game")
	}

	if err := r.step(StepCover); err != nil {
		return 0, false, err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM covers WHERE game_id = ?", id); err != nil {
		return 0, false, mapError(err, "failed to clear cover")
	}
	if rec.Cover != nil && *rec.Cover != "" {
		if _, err := tx.ExecContext(ctx, "INSERT INTO covers (game_id, cover_id) VALUES (?, ?)", id, *rec.Cover); err != nil {
			return 0, false, mapError(err, "failed to insert cover")
		}
	}

	if err := r.step(StepArtworks); err != nil {
		return 0, false, err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM artworks WHERE game_id = ?", id); err != nil {
		return 0, false, mapError(err, "failed to clear artworks")
	}
	for _, artwork := range rec.Artworks {
		if artwork == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO artworks (game_id, artwork_id) VALUES (?, ?) ON CONFLICT(game_id, artwork_id) DO NOTHING",
			id, artwork); err != nil {
			return 0, false, mapError(err, "failed to insert artwork")
		}
	}

	if err := r.step(StepGenres); err != nil {
		return 0, false, err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM belongs_to WHERE game_id = ?", id); err != nil {
		return 0, false, mapError(err, "failed to clear genres")
	}
	for _, genre := range rec.Genres {
		genre = strings.TrimSpace(genre)
		if genre == "" {
			continue
		}
		var genreID int64
		// DO UPDATE rather than DO NOTHING so RETURNING yields the existing row.
		if err := tx.QueryRowContext(ctx,
			"INSERT INTO genres (name) VALUES (?) ON CONFLICT(name) DO UPDATE SET name = excluded.name RETURNING id",
			genre).Scan(&genreID); err != nil {
			return 0, false, mapError(err, "failed to upsert genre")
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO belongs_to (game_id, genre_id) VALUES (?, ?) ON CONFLICT DO NOTHING",
			id, genreID); err != nil {
			return 0, false, mapError(err, "failed to link genre")
		}
	}

	if err := r.step(StepDevelopers); err != nil {
		return 0, false, err
	}
	if err := replaceCompanies(ctx, tx, "developed_by", id, rec.Developers); err != nil {
		return 0, false, err
	}

	if err := r.step(StepPublishers); err != nil {
		return 0, false, err
	}
	if err := replaceCompanies(ctx, tx, "published_by", id, rec.Publishers); err != nil {
		return 0, false, err
	}

	if err := r.step(StepStore); err != nil {
		return 0, false, err
	}
	if rec.StoreID != nil && *rec.StoreID != "" {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO games_store (game_id, store_id) VALUES (?, ?)
			ON CONFLICT(game_id) DO UPDATE SET store_id = excluded.store_id`,
			id, *rec.StoreID); err != nil {
			return 0, false, mapError(err, "failed to upsert store id")
		}
	} else if _, err := tx.ExecContext(ctx, "DELETE FROM games_store WHERE game_id = ?", id); err != nil {
		return 0, false, mapError(err, "failed to clear store id")
	}

	if err := tx.Commit(); err != nil {
		return 0, false, mapError(err, "failed to commit game")
	}
	return id, existing == 0, nil
}

// replaceCompanies rewrites one role table (developed_by or published_by) for a game.
func replaceCompanies(ctx context.Context, tx *sql.Tx, table string, gameID int64, companies []models.Company) error {
	if _, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE game_id = ?", gameID); err != nil {
		return mapError(err, "failed to clear "+table)
	}
	for _, c := range companies {
		if c.ExternalID <= 0 {
			continue
		}
		var companyID int64
		if err := tx.QueryRowContext(ctx, `
			INSERT INTO companies (igdb_id, name) VALUES (?, ?)
			ON CONFLICT(igdb_id) DO UPDATE SET name = excluded.name
			RETURNING id`,
			c.ExternalID, c.Name).Scan(&companyID); err != nil {
			return mapError(err, "failed to upsert company")
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO "+table+" (game_id, company_id) VALUES (?, ?) ON CONFLICT DO NOTHING",
			gameID, companyID); err != nil {
			return mapError(err, "failed to link company")
		}
	}
	return nil
}

// Delete removes a game; its relation rows cascade. Sync never calls this.
func (r *Repository) Delete(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, "DELETE FROM games WHERE id = ?", id)
	if err != nil {
		return mapError(err, "failed to delete game")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.Newf(apperrors.ErrNotFound, "game %d not found", id)
	}
	return nil
}

// =====================================================
// Sync Run Operations
// =====================================================

// RecordSyncRun stores the summary of a finished refresh.
func (r *Repository) RecordSyncRun(ctx context.Context, run *models.SyncRun) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sync_runs (run_id, status, started_at, finished_at, inserted, updated, failed)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Status, run.StartedAt, run.FinishedAt, run.Inserted, run.Updated, run.Failed)
	return mapError(err, "failed to record sync run")
}

// LastSyncRun returns the most recent refresh, or NOT_FOUND before the first one.
func (r *Repository) LastSyncRun(ctx context.Context) (*models.SyncRun, error) {
	var run models.SyncRun
	err := r.db.QueryRowContext(ctx, `
		SELECT run_id, status, started_at, finished_at, inserted, updated, failed
		FROM sync_runs ORDER BY started_at DESC, rowid DESC LIMIT 1`,
	).Scan(&run.ID, &run.Status, &run.StartedAt, &run.FinishedAt, &run.Inserted, &run.Updated, &run.Failed)
	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.New(apperrors.ErrNotFound, "no library refresh has run yet")
		}
		return nil, mapError(err, "failed to get last sync run")
	}
	return &run, nil
}

func nullString(s *string) interface{} {
	if s == nil {
		return nil
	}
	return *s
}

func nullInt64(v *int64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}
