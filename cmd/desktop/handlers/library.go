package handlers

import (
	"context"
	"net/http"

	"github.com/kimhsiao/rocade/internal/db"
	"github.com/kimhsiao/rocade/internal/errors"
	"github.com/kimhsiao/rocade/internal/models"
	syncpkg "github.com/kimhsiao/rocade/internal/sync"
	"github.com/kimhsiao/rocade/internal/sync/scheduler"
)

// Refresher runs library refreshes.
type Refresher interface {
	SyncNow(ctx context.Context) (*syncpkg.SyncResult, error)
	TriggerSync() bool
	GetStatus() scheduler.SchedulerStatus
}

// LibraryReader is what the status endpoint reads.
type LibraryReader interface {
	Count(ctx context.Context) (int, error)
	LastSyncRun(ctx context.Context) (*models.SyncRun, error)
}

var _ LibraryReader = (*db.Repository)(nil)

// LibraryHandler handles refresh and status requests.
type LibraryHandler struct {
	refresher Refresher
	repo      LibraryReader
}

// NewLibraryHandler creates a new LibraryHandler.
func NewLibraryHandler(refresher Refresher, repo LibraryReader) *LibraryHandler {
	return &LibraryHandler{refresher: refresher, repo: repo}
}

// Refresh handles POST /api/library/refresh
//
// The refresh runs to completion and its summary is returned. With
// ?async=true it is started in the background and 202 is returned.
// A refresh already in flight yields 409 SYNC_IN_PROGRESS. A refresh that
// aborts partway answers with the error envelope plus the partial summary
// under "result".
func (h *LibraryHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	async, err := boolParam(r.URL.Query().Get("async"), "async")
	if err != nil {
		writeError(w, r, err)
		return
	}

	if async {
		if !h.refresher.TriggerSync() {
			writeError(w, r, errors.New(errors.ErrSyncInProgress, "a library refresh is already running"))
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
		return
	}

	// A closed client connection does not abandon the refresh.
	result, err := h.refresher.SyncNow(context.WithoutCancel(r.Context()))
	if err != nil {
		if result != nil {
			writeErrorResult(w, r, err, result)
			return
		}
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// Status handles GET /api/library/status
func (h *LibraryHandler) Status(w http.ResponseWriter, r *http.Request) {
	count, err := h.repo.Count(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}

	var lastRun *models.SyncRun
	run, err := h.repo.LastSyncRun(r.Context())
	switch {
	case err == nil:
		lastRun = run
	case !errors.Is(err, errors.ErrNotFound):
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"games":     count,
		"last_run":  lastRun,
		"scheduler": h.refresher.GetStatus(),
	})
}
