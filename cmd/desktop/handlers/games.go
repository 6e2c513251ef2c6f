package handlers

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/kimhsiao/rocade/internal/db"
	"github.com/kimhsiao/rocade/internal/errors"
	"github.com/kimhsiao/rocade/internal/logging"
	"github.com/kimhsiao/rocade/internal/models"
)

// maxPageSize caps the limit query parameter.
const maxPageSize = 500

// InstallChecker reports whether a storefront title is installed locally.
type InstallChecker interface {
	IsInstalled(storeID string) bool
}

// Installer delegates install and uninstall to the storefront client.
type Installer interface {
	InstallChecker
	Install(ctx context.Context, storeID string) error
	Uninstall(ctx context.Context, storeID string) error
}

// GamesHandler serves library reads and storefront actions.
type GamesHandler struct {
	repo      db.GameReader
	installer Installer
	threshold float64
}

// NewGamesHandler creates a new GamesHandler. A nil installer leaves
// is_installed unset and rejects install actions.
func NewGamesHandler(repo db.GameReader, installer Installer, fuzzyThreshold float64) *GamesHandler {
	return &GamesHandler{repo: repo, installer: installer, threshold: fuzzyThreshold}
}

// ListGames handles GET /api/games
//
// Query parameters: name, fuzzy, genres (comma separated), released_from and
// released_to (YYYY-MM-DD), store_linked, limit, offset.
func (h *GamesHandler) ListGames(w http.ResponseWriter, r *http.Request) {
	filter, err := h.parseFilter(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	games, err := h.repo.List(r.Context(), filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if games == nil {
		games = []*models.Game{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"items":  games,
		"count":  len(games),
		"limit":  filter.Limit,
		"offset": filter.Offset,
	})
}

func (h *GamesHandler) parseFilter(r *http.Request) (db.GameFilter, error) {
	q := r.URL.Query()
	filter := db.GameFilter{
		Name:      q.Get("name"),
		Threshold: h.threshold,
	}

	var err error
	if filter.Fuzzy, err = boolParam(q.Get("fuzzy"), "fuzzy"); err != nil {
		return filter, err
	}
	if raw := q.Get("genres"); raw != "" {
		filter.Genres = db.GenresFromCommaString(raw)
	}
	if filter.ReleasedFrom, err = dateParam(q.Get("released_from"), "released_from"); err != nil {
		return filter, err
	}
	if filter.ReleasedTo, err = dateParam(q.Get("released_to"), "released_to"); err != nil {
		return filter, err
	}
	if !filter.ReleasedTo.IsZero() {
		// Inclusive of the whole day.
		filter.ReleasedTo = filter.ReleasedTo.Add(24*time.Hour - time.Second)
		if filter.ReleasedFrom.After(filter.ReleasedTo) {
			return filter, errors.New(errors.ErrInvalid, "released_from is after released_to")
		}
	}
	if raw := q.Get("store_linked"); raw != "" {
		linked, err := boolParam(raw, "store_linked")
		if err != nil {
			return filter, err
		}
		filter.StoreLinked = &linked
	}
	if filter.Limit, err = intParam(q.Get("limit"), "limit"); err != nil {
		return filter, err
	}
	if filter.Limit > maxPageSize {
		filter.Limit = maxPageSize
	}
	if filter.Offset, err = intParam(q.Get("offset"), "offset"); err != nil {
		return filter, err
	}
	return filter, nil
}

// GetGame handles GET /api/games/{id}
func (h *GamesHandler) GetGame(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(mux.Vars(r)["id"], "id")
	if err != nil {
		writeError(w, r, err)
		return
	}

	game, err := h.repo.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}

	if h.installer != nil {
		installed := game.StoreID != nil && h.installer.IsInstalled(*game.StoreID)
		game.IsInstalled = &installed
	}
	writeJSON(w, http.StatusOK, game)
}

// InstallGame handles POST /api/games/{id}/install
func (h *GamesHandler) InstallGame(w http.ResponseWriter, r *http.Request) {
	h.gameAction(w, r, "install")
}

// UninstallGame handles POST /api/games/{id}/uninstall
func (h *GamesHandler) UninstallGame(w http.ResponseWriter, r *http.Request) {
	h.gameAction(w, r, "uninstall")
}

// InstallStoreTitle handles POST /api/store/{store_id}/install
func (h *GamesHandler) InstallStoreTitle(w http.ResponseWriter, r *http.Request) {
	h.storeAction(w, r, mux.Vars(r)["store_id"], "install")
}

// UninstallStoreTitle handles POST /api/store/{store_id}/uninstall
func (h *GamesHandler) UninstallStoreTitle(w http.ResponseWriter, r *http.Request) {
	h.storeAction(w, r, mux.Vars(r)["store_id"], "uninstall")
}

func (h *GamesHandler) gameAction(w http.ResponseWriter, r *http.Request, action string) {
	id, err := pathID(mux.Vars(r)["id"], "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	storeID, err := h.repo.StoreID(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.storeAction(w, r, storeID, action)
}

func (h *GamesHandler) storeAction(w http.ResponseWriter, r *http.Request, storeID, action string) {
	if h.installer == nil {
		writeError(w, r, errors.New(errors.ErrConfigMissing, "no storefront client configured"))
		return
	}

	var err error
	if action == "install" {
		err = h.installer.Install(r.Context(), storeID)
	} else {
		err = h.installer.Uninstall(r.Context(), storeID)
	}
	if err != nil {
		writeError(w, r, err)
		return
	}

	logging.Info("storefront action requested", map[string]interface{}{
		"action":   action,
		"store_id": storeID,
	})
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"store_id": storeID,
		"action":   action,
		"status":   "requested",
	})
}

func boolParam(raw, name string) (bool, error) {
	if raw == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return false, errors.Newf(errors.ErrInvalid, "%s must be a boolean, got %q", name, raw)
	}
	return v, nil
}

func intParam(raw, name string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, errors.Newf(errors.ErrInvalid, "%s must be a non-negative integer, got %q", name, raw)
	}
	return v, nil
}

func dateParam(raw, name string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return time.Time{}, errors.Newf(errors.ErrInvalid, "%s must be a YYYY-MM-DD date, got %q", name, raw)
	}
	return t, nil
}
