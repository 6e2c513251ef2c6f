// Package sync refreshes the local library from the storefront and metadata sources.
package sync

import (
	"context"
	"sync"
	"time"

	"github.com/kimhsiao/rocade/internal/assets"
	apperrors "github.com/kimhsiao/rocade/internal/errors"
	"github.com/kimhsiao/rocade/internal/igdb"
	"github.com/kimhsiao/rocade/internal/logging"
	"github.com/kimhsiao/rocade/internal/models"
	"github.com/kimhsiao/rocade/internal/uuid"
)

// SyncStatus is the state of the engine.
type SyncStatus string

const (
	SyncStatusIdle             SyncStatus = "idle"
	SyncStatusFetchingOwned    SyncStatus = "fetching_owned"
	SyncStatusFetchingMetadata SyncStatus = "fetching_metadata"
	SyncStatusUpserting        SyncStatus = "upserting"
	SyncStatusDone             SyncStatus = "done"
	SyncStatusPartialFailure   SyncStatus = "partial_failure"
	SyncStatusFailed           SyncStatus = "failed"
)

// Running reports whether s is one of the in-flight states.
func (s SyncStatus) Running() bool {
	switch s {
	case SyncStatusFetchingOwned, SyncStatusFetchingMetadata, SyncStatusUpserting:
		return true
	}
	return false
}

// OwnedGamesSource lists the storefront ids the user owns.
type OwnedGamesSource interface {
	OwnedGameIDs(ctx context.Context) ([]uint64, error)
}

// MetadataSource resolves storefront ids to metadata records, handing them
// over one batch at a time. The report is returned even when err is set.
type MetadataSource interface {
	EachBatch(ctx context.Context, storeIDs []uint64, fn igdb.BatchFunc) (*igdb.FetchReport, error)
}

// GameStore persists what a sync produces.
type GameStore interface {
	UpsertCompleteGame(ctx context.Context, rec *models.MetadataRecord) (int64, bool, error)
	RecordSyncRun(ctx context.Context, run *models.SyncRun) error
}

// ImagePrefetcher warms the image cache after a run.
type ImagePrefetcher interface {
	Prefetch(ctx context.Context, kind assets.Kind, imageIDs []string) assets.PrefetchResult
}

// RecordFailure describes one record that did not make it into the library.
type RecordFailure struct {
	ExternalID int64               `json:"igdb_id,omitempty"`
	StoreID    string              `json:"store_id,omitempty"`
	Name       string              `json:"name,omitempty"`
	Code       apperrors.ErrorCode `json:"code"`
	Message    string              `json:"message"`
}

// SyncResult summarizes one run.
type SyncResult struct {
	RunID     string          `json:"run_id"`
	Status    SyncStatus      `json:"status"`
	Inserted  int             `json:"inserted"`
	Updated   int             `json:"updated"`
	Failed    int             `json:"failed"`
	Failures  []RecordFailure `json:"errors"`
	Unmatched int             `json:"unmatched"`
	StartTime time.Time       `json:"started_at"`
	EndTime   time.Time       `json:"finished_at"`
	Duration  time.Duration   `json:"-"`
}

// SyncEngine runs library refreshes. At most one runs at a time.
type SyncEngine struct {
	owned    OwnedGamesSource
	metadata MetadataSource
	store    GameStore
	images   ImagePrefetcher

	mu         sync.Mutex
	status     SyncStatus
	running    bool
	lastResult *SyncResult
	lastErr    error
	handler    SyncEventHandler
	now        func() time.Time
}

// NewSyncEngine creates a new SyncEngine.
func NewSyncEngine(owned OwnedGamesSource, metadata MetadataSource, store GameStore) *SyncEngine {
	return &SyncEngine{
		owned:    owned,
		metadata: metadata,
		store:    store,
		status:   SyncStatusIdle,
		now:      time.Now,
	}
}

// SetImagePrefetcher enables cover prefetching after each run.
func (e *SyncEngine) SetImagePrefetcher(p ImagePrefetcher) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.images = p
}

// SetEventHandler sets the receiver of sync events. Nil disables events.
func (e *SyncEngine) SetEventHandler(handler SyncEventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handler = handler
}

// Status returns the current sync status.
func (e *SyncEngine) Status() SyncStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// LastResult returns the result of the most recent finished run, or nil.
func (e *SyncEngine) LastResult() *SyncResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastResult
}

// LastError returns the top-level error of the most recent run.
func (e *SyncEngine) LastError() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastErr
}

func (e *SyncEngine) setStatus(s SyncStatus) {
	e.mu.Lock()
	e.status = s
	e.mu.Unlock()
}

// acquire marks the engine busy, or fails when a run is already in flight.
func (e *SyncEngine) acquire() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return apperrors.New(apperrors.ErrSyncInProgress, "a library refresh is already running")
	}
	e.running = true
	e.lastErr = nil
	return nil
}

func (e *SyncEngine) release(result *SyncResult, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.running = false
	e.status = result.Status
	e.lastResult = result
	e.lastErr = err
}

// Sync performs one full refresh: owned ids, then metadata batches, each
// upserted record by record before the next batch is fetched. Per-record
// failures are collected in the result. Only a failed owned-id or metadata
// fetch, or cancellation, returns an error; games stored before it stay. The
// result is returned in every case except a rejected concurrent call.
func (e *SyncEngine) Sync(ctx context.Context) (*SyncResult, error) {
	if err := e.acquire(); err != nil {
		return nil, err
	}
	return e.execute(ctx)
}

// Start claims the engine before returning, so two quick calls never both
// succeed, then runs the refresh on its own goroutine.
func (e *SyncEngine) Start(ctx context.Context, done func(*SyncResult, error)) error {
	if err := e.acquire(); err != nil {
		return err
	}
	go func() {
		result, err := e.execute(ctx)
		if done != nil {
			done(result, err)
		}
	}()
	return nil
}

// execute runs one refresh on an engine already claimed by acquire.
func (e *SyncEngine) execute(ctx context.Context) (*SyncResult, error) {
	result := &SyncResult{
		RunID:     uuid.NewRunID(),
		StartTime: e.now(),
		Failures:  []RecordFailure{},
	}
	log := logging.Get().WithRun(result.RunID)
	log.Info("library refresh started")
	e.emitEvent(SyncEvent{Type: SyncEventStarted, RunID: result.RunID})

	err := e.run(ctx, result)

	result.EndTime = e.now()
	result.Duration = result.EndTime.Sub(result.StartTime)
	result.Failed = len(result.Failures)
	result.Status = finalStatus(result, err)

	e.record(ctx, result)
	e.release(result, err)

	if err != nil {
		log.ErrorWithCode("library refresh failed", string(apperrors.CodeOf(err)), err)
		e.emitEvent(SyncEvent{
			Type:    SyncEventFailed,
			RunID:   result.RunID,
			Code:    apperrors.CodeOf(err),
			Message: err.Error(),
			Result:  result,
		})
		return result, err
	}

	log.Info("library refresh finished", map[string]interface{}{
		"status":      string(result.Status),
		"inserted":    result.Inserted,
		"updated":     result.Updated,
		"failed":      result.Failed,
		"duration_ms": result.Duration.Milliseconds(),
	})
	e.emitEvent(SyncEvent{Type: SyncEventCompleted, RunID: result.RunID, Result: result})
	return result, nil
}

func (e *SyncEngine) run(ctx context.Context, result *SyncResult) error {
	log := logging.Get().WithRun(result.RunID)

	e.setStatus(SyncStatusFetchingOwned)
	ids, err := e.owned.OwnedGameIDs(ctx)
	if err != nil {
		return err
	}
	log.Debug("owned games fetched", map[string]interface{}{"count": len(ids)})
	if len(ids) == 0 {
		return nil
	}

	if err := ctx.Err(); err != nil {
		return cancelled(err)
	}

	e.setStatus(SyncStatusFetchingMetadata)
	var covers []string
	completed := 0
	report, err := e.metadata.EachBatch(ctx, ids, func(records []models.MetadataRecord, total int) error {
		e.setStatus(SyncStatusUpserting)
		defer e.setStatus(SyncStatusFetchingMetadata)
		for i := range records {
			if err := ctx.Err(); err != nil {
				return cancelled(err)
			}
			if cover := e.upsert(ctx, result, &records[i]); cover != "" {
				covers = append(covers, cover)
			}
			completed++
			e.emitEvent(SyncEvent{
				Type:      SyncEventProgress,
				RunID:     result.RunID,
				Completed: completed,
				Total:     total,
				Message:   records[i].Name,
			})
		}
		return nil
	})
	if report != nil {
		for _, s := range report.Skipped {
			result.Failures = append(result.Failures, RecordFailure{
				ExternalID: s.ExternalID,
				StoreID:    s.StoreID,
				Code:       apperrors.CodeOf(s.Err),
				Message:    s.Err.Error(),
			})
		}
		result.Unmatched = len(report.Unmatched)
		if result.Unmatched > 0 {
			log.Info("owned games unknown to the metadata source", map[string]interface{}{
				"count": result.Unmatched,
			})
		}
	}

	// Games stored before a failed batch stay, and so do their covers.
	e.prefetch(ctx, covers)
	return err
}

// upsert stores one record and counts the outcome in result. It returns the
// cover image id of a stored game.
func (e *SyncEngine) upsert(ctx context.Context, result *SyncResult, rec *models.MetadataRecord) string {
	_, created, err := e.store.UpsertCompleteGame(ctx, rec)
	if err != nil {
		f := RecordFailure{
			ExternalID: rec.ExternalID,
			Name:       rec.Name,
			Code:       apperrors.CodeOf(err),
			Message:    err.Error(),
		}
		if rec.StoreID != nil {
			f.StoreID = *rec.StoreID
		}
		result.Failures = append(result.Failures, f)
		logging.Get().WithRun(result.RunID).Warn("game upsert failed", map[string]interface{}{
			"game":  rec.String(),
			"error": err.Error(),
		})
		return ""
	}
	if created {
		result.Inserted++
	} else {
		result.Updated++
	}
	if rec.Cover != nil {
		return *rec.Cover
	}
	return ""
}

func (e *SyncEngine) prefetch(ctx context.Context, covers []string) {
	e.mu.Lock()
	images := e.images
	e.mu.Unlock()
	if images == nil || len(covers) == 0 {
		return
	}
	images.Prefetch(ctx, assets.KindCover, covers)
}

// record persists the run summary. It survives cancellation of ctx so an
// abandoned run is still logged.
func (e *SyncEngine) record(ctx context.Context, result *SyncResult) {
	run := &models.SyncRun{
		ID:         result.RunID,
		Status:     string(result.Status),
		StartedAt:  result.StartTime.Unix(),
		FinishedAt: result.EndTime.Unix(),
		Inserted:   result.Inserted,
		Updated:    result.Updated,
		Failed:     result.Failed,
	}
	if err := e.store.RecordSyncRun(context.WithoutCancel(ctx), run); err != nil {
		logging.Error("failed to record sync run", err, map[string]interface{}{"run_id": result.RunID})
	}
}

// finalStatus maps a finished run to done, partial_failure or failed.
// A run that stored nothing counts as failed; an aborted run that stored
// some games is a partial failure.
func finalStatus(result *SyncResult, err error) SyncStatus {
	stored := result.Inserted + result.Updated
	switch {
	case err != nil && stored == 0:
		return SyncStatusFailed
	case err != nil:
		return SyncStatusPartialFailure
	case result.Failed == 0:
		return SyncStatusDone
	case stored == 0:
		return SyncStatusFailed
	default:
		return SyncStatusPartialFailure
	}
}

func cancelled(err error) error {
	return apperrors.Wrap(apperrors.ErrSyncFailed, "library refresh cancelled", err)
}
