// Package sync tests for sync engine functionality.
package sync

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/kimhsiao/rocade/internal/assets"
	"github.com/kimhsiao/rocade/internal/db"
	apperrors "github.com/kimhsiao/rocade/internal/errors"
	"github.com/kimhsiao/rocade/internal/igdb"
	"github.com/kimhsiao/rocade/internal/models"
	"github.com/kimhsiao/rocade/internal/uuid"
)

// testEventHandler is a test implementation of SyncEventHandler.
type testEventHandler struct {
	mu     sync.Mutex
	events []SyncEvent
}

func (h *testEventHandler) OnSyncEvent(event SyncEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, event)
}

func (h *testEventHandler) types() []SyncEventType {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]SyncEventType, len(h.events))
	for i, e := range h.events {
		out[i] = e.Type
	}
	return out
}

type ownedFunc func(ctx context.Context) ([]uint64, error)

func (f ownedFunc) OwnedGameIDs(ctx context.Context) ([]uint64, error) { return f(ctx) }

func ownedIDs(ids ...uint64) ownedFunc {
	return func(context.Context) ([]uint64, error) { return ids, nil }
}

// fakeMetadata turns every requested store id into a record, except the
// ids listed in malformed, which are reported as skipped. Records are
// delivered in batches of batchSize (all at once when zero); with failAt
// set, fetching that batch (1-based) fails with err instead.
type fakeMetadata struct {
	malformed map[uint64]bool
	err       error
	batchSize int
	failAt    int
	calls     int
}

func (m *fakeMetadata) EachBatch(ctx context.Context, ids []uint64, fn igdb.BatchFunc) (*igdb.FetchReport, error) {
	m.calls++
	report := &igdb.FetchReport{}
	if m.err != nil && m.failAt == 0 {
		return report, m.err
	}
	var records []models.MetadataRecord
	for _, id := range ids {
		if m.malformed[id] {
			report.Skipped = append(report.Skipped, igdb.SkippedRecord{
				ExternalID: int64(id) + 100000,
				StoreID:    strconv.FormatUint(id, 10),
				Err:        apperrors.New(apperrors.ErrMalformedRecord, "game has no name"),
			})
			continue
		}
		records = append(records, record(id))
	}

	size := m.batchSize
	if size <= 0 {
		size = len(records)
	}
	total := len(ids)
	for n := 1; len(records) > 0; n++ {
		if n == m.failAt {
			return report, m.err
		}
		batch := records[:min(size, len(records))]
		records = records[len(batch):]
		if err := fn(batch, total); err != nil {
			return report, err
		}
	}
	return report, nil
}

func record(storeID uint64) models.MetadataRecord {
	return models.MetadataRecord{
		ExternalID: int64(storeID) + 100000,
		Name:       fmt.Sprintf("Game %d", storeID),
		Cover:      models.StringPtr(fmt.Sprintf("co%d", storeID)),
		Genres:     []string{"Indie"},
		Developers: []models.Company{{ExternalID: 7, Name: "Studio"}},
		StoreID:    models.StringPtr(strconv.FormatUint(storeID, 10)),
	}
}

func newRepo(t *testing.T) *db.Repository {
	t.Helper()
	database, err := db.Init(context.Background(), filepath.Join(t.TempDir(), "rocade.db"))
	if err != nil {
		t.Fatalf("db.Init() failed: %v", err)
	}
	repo := db.NewRepository(database.DB)
	t.Cleanup(func() {
		repo.Close()
		database.Close()
	})
	return repo
}

func countGames(t *testing.T, repo *db.Repository) int {
	t.Helper()
	n, err := repo.Count(context.Background())
	if err != nil {
		t.Fatalf("Count() failed: %v", err)
	}
	return n
}

// TestNewSyncEngine verifies engine creation.
func TestNewSyncEngine(t *testing.T) {
	engine := NewSyncEngine(nil, nil, nil)

	if engine.Status() != SyncStatusIdle {
		t.Errorf("status = %v, want SyncStatusIdle", engine.Status())
	}
	if engine.LastResult() != nil {
		t.Error("LastResult() should be nil initially")
	}
	if engine.LastError() != nil {
		t.Error("LastError() should be nil initially")
	}
}

// TestSync_threeOwnedGames runs a first refresh against an empty database,
// then repeats it.
func TestSync_threeOwnedGames(t *testing.T) {
	repo := newRepo(t)
	engine := NewSyncEngine(ownedIDs(10, 20, 30), &fakeMetadata{}, repo)
	ctx := context.Background()

	result, err := engine.Sync(ctx)
	if err != nil {
		t.Fatalf("Sync() failed: %v", err)
	}
	if result.Inserted != 3 || result.Updated != 0 || result.Failed != 0 {
		t.Errorf("result = %+v, want {inserted:3, updated:0, failed:0}", result)
	}
	if result.Status != SyncStatusDone {
		t.Errorf("Status = %v, want done", result.Status)
	}
	if !uuid.IsRunID(result.RunID) {
		t.Errorf("RunID = %q is not a uuid", result.RunID)
	}
	if result.Failures == nil {
		t.Error("Failures should be an empty list, not nil")
	}
	if engine.Status() != SyncStatusDone {
		t.Errorf("engine status = %v, want done", engine.Status())
	}

	// A re-sync updates in place and never duplicates rows.
	again, err := engine.Sync(ctx)
	if err != nil {
		t.Fatalf("second Sync() failed: %v", err)
	}
	if again.Inserted != 0 || again.Updated != 3 {
		t.Errorf("second result = %+v, want {inserted:0, updated:3}", again)
	}
	if n := countGames(t, repo); n != 3 {
		t.Errorf("games = %d, want 3", n)
	}

	run, err := repo.LastSyncRun(ctx)
	if err != nil {
		t.Fatalf("LastSyncRun() failed: %v", err)
	}
	if run.ID != again.RunID || run.Updated != 3 || run.Status != "done" {
		t.Errorf("recorded run = %+v", run)
	}
}

// TestSync_partialFailureIsolation drops record #50 of 200 as malformed.
func TestSync_partialFailureIsolation(t *testing.T) {
	repo := newRepo(t)
	ids := make([]uint64, 200)
	for i := range ids {
		ids[i] = uint64(i + 1)
	}
	meta := &fakeMetadata{malformed: map[uint64]bool{50: true}}
	engine := NewSyncEngine(ownedIDs(ids...), meta, repo)

	result, err := engine.Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync() failed: %v", err)
	}
	if result.Inserted != 199 || result.Failed != 1 {
		t.Errorf("result = inserted %d failed %d, want 199 and 1", result.Inserted, result.Failed)
	}
	if result.Status != SyncStatusPartialFailure {
		t.Errorf("Status = %v, want partial_failure", result.Status)
	}
	if len(result.Failures) != 1 {
		t.Fatalf("Failures = %+v, want exactly one", result.Failures)
	}
	f := result.Failures[0]
	if f.StoreID != "50" || f.Code != apperrors.ErrMalformedRecord {
		t.Errorf("failure = %+v, want store 50 MALFORMED_RECORD", f)
	}
	if n := countGames(t, repo); n != 199 {
		t.Errorf("games = %d, want 199", n)
	}
}

// rejectingStore fails upserts for the listed external ids.
type rejectingStore struct {
	*db.Repository
	reject map[int64]bool
}

func (s *rejectingStore) UpsertCompleteGame(ctx context.Context, rec *models.MetadataRecord) (int64, bool, error) {
	if s.reject[rec.ExternalID] {
		return 0, false, apperrors.New(apperrors.ErrConstraint, "constraint failed")
	}
	return s.Repository.UpsertCompleteGame(ctx, rec)
}

func TestSync_upsertFailureIsolated(t *testing.T) {
	repo := newRepo(t)
	store := &rejectingStore{Repository: repo, reject: map[int64]bool{100002: true}}
	engine := NewSyncEngine(ownedIDs(1, 2, 3), &fakeMetadata{}, store)

	result, err := engine.Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync() failed: %v", err)
	}
	if result.Inserted != 2 || result.Failed != 1 {
		t.Errorf("result = %+v, want 2 inserted 1 failed", result)
	}
	f := result.Failures[0]
	if f.ExternalID != 100002 || f.Name != "Game 2" || f.StoreID != "2" || f.Code != apperrors.ErrConstraint {
		t.Errorf("failure = %+v", f)
	}
}

func TestSync_everyRecordFailed(t *testing.T) {
	repo := newRepo(t)
	meta := &fakeMetadata{malformed: map[uint64]bool{1: true, 2: true}}
	engine := NewSyncEngine(ownedIDs(1, 2), meta, repo)

	result, err := engine.Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync() failed: %v", err)
	}
	if result.Status != SyncStatusFailed || result.Failed != 2 {
		t.Errorf("result = %+v, want failed with 2 failures", result)
	}
}

func TestSync_emptyLibrary(t *testing.T) {
	repo := newRepo(t)
	meta := &fakeMetadata{}
	engine := NewSyncEngine(ownedIDs(), meta, repo)

	result, err := engine.Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync() failed: %v", err)
	}
	if result.Status != SyncStatusDone || result.Inserted+result.Updated+result.Failed != 0 {
		t.Errorf("result = %+v, want an empty done run", result)
	}
	if meta.calls != 0 {
		t.Errorf("metadata fetched %d times for an empty library", meta.calls)
	}
}

func TestSync_ownedFetchAborts(t *testing.T) {
	repo := newRepo(t)
	meta := &fakeMetadata{}
	owned := ownedFunc(func(context.Context) ([]uint64, error) {
		return nil, apperrors.New(apperrors.ErrConnectivity, "steam unreachable")
	})
	engine := NewSyncEngine(owned, meta, repo)

	result, err := engine.Sync(context.Background())
	if !apperrors.Is(err, apperrors.ErrConnectivity) {
		t.Fatalf("Sync() error = %v, want CONNECTIVITY", err)
	}
	if result == nil || result.Status != SyncStatusFailed {
		t.Fatalf("result = %+v, want a failed run", result)
	}
	if meta.calls != 0 {
		t.Error("metadata should not be fetched after the owned-id fetch fails")
	}
	if engine.LastError() == nil {
		t.Error("LastError() should hold the abort cause")
	}

	run, err := repo.LastSyncRun(context.Background())
	if err != nil {
		t.Fatalf("LastSyncRun() failed: %v", err)
	}
	if run.Status != "failed" {
		t.Errorf("recorded status = %q, want failed", run.Status)
	}
}

func TestSync_metadataFailure(t *testing.T) {
	repo := newRepo(t)
	meta := &fakeMetadata{err: apperrors.RateLimited("slow down", 2*time.Second)}
	engine := NewSyncEngine(ownedIDs(1), meta, repo)

	result, err := engine.Sync(context.Background())
	if !apperrors.Is(err, apperrors.ErrRateLimited) {
		t.Errorf("Sync() error = %v, want RATE_LIMITED", err)
	}
	if result == nil || result.Status != SyncStatusFailed {
		t.Errorf("result = %+v, want a failed run", result)
	}
	if n := countGames(t, repo); n != 0 {
		t.Errorf("games = %d, want 0", n)
	}
}

// TestSync_metadataFailureKeepsEarlierBatches fails the third of three
// batches and expects the first two to be stored.
func TestSync_metadataFailureKeepsEarlierBatches(t *testing.T) {
	repo := newRepo(t)
	ids := make([]uint64, 1200)
	for i := range ids {
		ids[i] = uint64(i + 1)
	}
	meta := &fakeMetadata{
		err:       apperrors.RateLimited("igdb rate limit exceeded", 0),
		batchSize: 500,
		failAt:    3,
	}
	engine := NewSyncEngine(ownedIDs(ids...), meta, repo)
	images := &recordingPrefetcher{}
	engine.SetImagePrefetcher(images)

	result, err := engine.Sync(context.Background())
	if !apperrors.Is(err, apperrors.ErrRateLimited) {
		t.Fatalf("Sync() error = %v, want RATE_LIMITED", err)
	}
	if result == nil {
		t.Fatal("result should be returned with the error")
	}
	if result.Inserted != 1000 || result.Status != SyncStatusPartialFailure {
		t.Errorf("result = inserted %d status %s, want 1000 partial_failure", result.Inserted, result.Status)
	}
	if n := countGames(t, repo); n != 1000 {
		t.Errorf("games = %d, want 1000", n)
	}
	if len(images.ids) != 1000 {
		t.Errorf("prefetched %d covers, want 1000", len(images.ids))
	}

	run, err := repo.LastSyncRun(context.Background())
	if err != nil {
		t.Fatalf("LastSyncRun() failed: %v", err)
	}
	if run.Status != "partial_failure" || run.Inserted != 1000 {
		t.Errorf("recorded run = %+v", run)
	}
}

func TestFinalStatus(t *testing.T) {
	failure := apperrors.New(apperrors.ErrConnectivity, "offline")
	tests := []struct {
		name   string
		result SyncResult
		err    error
		want   SyncStatus
	}{
		{"clean", SyncResult{Inserted: 2}, nil, SyncStatusDone},
		{"empty", SyncResult{}, nil, SyncStatusDone},
		{"some failed", SyncResult{Updated: 1, Failed: 1}, nil, SyncStatusPartialFailure},
		{"all failed", SyncResult{Failed: 2}, nil, SyncStatusFailed},
		{"aborted early", SyncResult{}, failure, SyncStatusFailed},
		{"aborted midway", SyncResult{Inserted: 3}, failure, SyncStatusPartialFailure},
	}
	for _, tt := range tests {
		if got := finalStatus(&tt.result, tt.err); got != tt.want {
			t.Errorf("%s: finalStatus() = %s, want %s", tt.name, got, tt.want)
		}
	}
}

// TestSync_rejectsConcurrent verifies a second call fails fast while a run
// is in flight.
func TestSync_rejectsConcurrent(t *testing.T) {
	repo := newRepo(t)
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	owned := ownedFunc(func(context.Context) ([]uint64, error) {
		once.Do(func() { close(started) })
		<-release
		return []uint64{1}, nil
	})
	engine := NewSyncEngine(owned, &fakeMetadata{}, repo)

	done := make(chan error, 1)
	go func() {
		_, err := engine.Sync(context.Background())
		done <- err
	}()
	<-started

	if !engine.Status().Running() {
		t.Errorf("Status() = %v, want a running state", engine.Status())
	}
	if _, err := engine.Sync(context.Background()); !apperrors.Is(err, apperrors.ErrSyncInProgress) {
		t.Errorf("concurrent Sync() error = %v, want SYNC_IN_PROGRESS", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first Sync() failed: %v", err)
	}
	if _, err := engine.Sync(context.Background()); err != nil {
		t.Errorf("Sync() after completion failed: %v", err)
	}
}

func TestStart_claimsBeforeReturning(t *testing.T) {
	repo := newRepo(t)
	release := make(chan struct{})
	owned := ownedFunc(func(context.Context) ([]uint64, error) {
		<-release
		return []uint64{1}, nil
	})
	engine := NewSyncEngine(owned, &fakeMetadata{}, repo)

	results := make(chan *SyncResult, 1)
	err := engine.Start(context.Background(), func(r *SyncResult, err error) {
		if err != nil {
			t.Errorf("background run failed: %v", err)
		}
		results <- r
	})
	if err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	if err := engine.Start(context.Background(), nil); !apperrors.Is(err, apperrors.ErrSyncInProgress) {
		t.Errorf("second Start() error = %v, want SYNC_IN_PROGRESS", err)
	}

	close(release)
	select {
	case r := <-results:
		if r.Inserted != 1 {
			t.Errorf("result = %+v, want 1 inserted", r)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("done was never called")
	}
}

// cancellingStore cancels the run after a number of successful upserts.
type cancellingStore struct {
	*db.Repository
	after  int
	cancel context.CancelFunc
	n      int
}

func (s *cancellingStore) UpsertCompleteGame(ctx context.Context, rec *models.MetadataRecord) (int64, bool, error) {
	id, created, err := s.Repository.UpsertCompleteGame(ctx, rec)
	s.n++
	if s.n == s.after {
		s.cancel()
	}
	return id, created, err
}

func TestSync_cancellationKeepsCommitted(t *testing.T) {
	repo := newRepo(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := &cancellingStore{Repository: repo, after: 2, cancel: cancel}
	engine := NewSyncEngine(ownedIDs(1, 2, 3, 4, 5), &fakeMetadata{}, store)

	result, err := engine.Sync(ctx)
	if !apperrors.Is(err, apperrors.ErrSyncFailed) {
		t.Fatalf("Sync() error = %v, want SYNC_FAILED", err)
	}
	if result.Inserted != 2 {
		t.Errorf("Inserted = %d, want 2", result.Inserted)
	}
	if n := countGames(t, repo); n != 2 {
		t.Errorf("games = %d, want the 2 committed before cancellation", n)
	}

	// The summary is recorded even though ctx is done.
	run, err := repo.LastSyncRun(context.Background())
	if err != nil || run.ID != result.RunID {
		t.Errorf("LastSyncRun() = %+v, %v", run, err)
	}
}

func TestSync_events(t *testing.T) {
	repo := newRepo(t)
	engine := NewSyncEngine(ownedIDs(1, 2), &fakeMetadata{}, repo)
	handler := &testEventHandler{}
	engine.SetEventHandler(handler)

	if _, err := engine.Sync(context.Background()); err != nil {
		t.Fatalf("Sync() failed: %v", err)
	}

	want := []SyncEventType{SyncEventStarted, SyncEventProgress, SyncEventProgress, SyncEventCompleted}
	got := handler.types()
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	last := handler.events[len(handler.events)-1]
	if last.Result == nil || last.Result.Inserted != 2 {
		t.Errorf("completed event result = %+v", last.Result)
	}
	progress := handler.events[2]
	if progress.Completed != 2 || progress.Total != 2 {
		t.Errorf("progress = %d/%d, want 2/2", progress.Completed, progress.Total)
	}
}

func TestSync_failedEvent(t *testing.T) {
	repo := newRepo(t)
	owned := ownedFunc(func(context.Context) ([]uint64, error) {
		return nil, apperrors.New(apperrors.ErrConnectivity, "offline")
	})
	engine := NewSyncEngine(owned, &fakeMetadata{}, repo)
	handler := &testEventHandler{}
	engine.SetEventHandler(handler)

	engine.Sync(context.Background())

	got := handler.types()
	if len(got) != 2 || got[1] != SyncEventFailed {
		t.Fatalf("events = %v, want started then failed", got)
	}
	if handler.events[1].Code != apperrors.ErrConnectivity {
		t.Errorf("failed event code = %s", handler.events[1].Code)
	}
}

type recordingPrefetcher struct {
	kind assets.Kind
	ids  []string
}

func (p *recordingPrefetcher) Prefetch(ctx context.Context, kind assets.Kind, ids []string) assets.PrefetchResult {
	p.kind = kind
	p.ids = append(p.ids, ids...)
	return assets.PrefetchResult{Downloaded: len(ids)}
}

func TestSync_prefetchesCovers(t *testing.T) {
	repo := newRepo(t)
	store := &rejectingStore{Repository: repo, reject: map[int64]bool{100002: true}}
	engine := NewSyncEngine(ownedIDs(1, 2, 3), &fakeMetadata{}, store)
	images := &recordingPrefetcher{}
	engine.SetImagePrefetcher(images)

	if _, err := engine.Sync(context.Background()); err != nil {
		t.Fatalf("Sync() failed: %v", err)
	}
	if images.kind != assets.KindCover {
		t.Errorf("kind = %q, want covers", images.kind)
	}
	if fmt.Sprint(images.ids) != "[co1 co3]" {
		t.Errorf("prefetched = %v, want covers of the stored games only", images.ids)
	}
}

// TestEmitEvent verifies event emission with timestamp.
func TestEmitEvent(t *testing.T) {
	engine := NewSyncEngine(nil, nil, nil)
	handler := &testEventHandler{}
	engine.SetEventHandler(handler)

	engine.emitEvent(SyncEvent{Type: SyncEventStarted, Message: "Test"})

	if len(handler.events) != 1 {
		t.Fatalf("events count = %d, want 1", len(handler.events))
	}
	if handler.events[0].Message != "Test" {
		t.Errorf("event message = %q, want 'Test'", handler.events[0].Message)
	}
	if handler.events[0].Timestamp.IsZero() {
		t.Error("event timestamp should be set automatically")
	}
}

// TestEmitEvent_preservesTimestamp verifies existing timestamps are preserved.
func TestEmitEvent_preservesTimestamp(t *testing.T) {
	engine := NewSyncEngine(nil, nil, nil)
	handler := &testEventHandler{}
	engine.SetEventHandler(handler)

	testTime := time.Now().Add(-1 * time.Hour)
	engine.emitEvent(SyncEvent{Type: SyncEventStarted, Timestamp: testTime})

	if !handler.events[0].Timestamp.Equal(testTime) {
		t.Errorf("timestamp was not preserved, got %v, want %v", handler.events[0].Timestamp, testTime)
	}
}

// TestEmitEvent_nilHandler verifies nil handler doesn't cause panic.
func TestEmitEvent_nilHandler(t *testing.T) {
	engine := NewSyncEngine(nil, nil, nil)
	engine.SetEventHandler(nil)
	engine.emitEvent(SyncEvent{Type: SyncEventStarted})
}

func TestSyncEventHandlerFunc(t *testing.T) {
	var got SyncEventType
	engine := NewSyncEngine(nil, nil, nil)
	engine.SetEventHandler(SyncEventHandlerFunc(func(e SyncEvent) { got = e.Type }))
	engine.emitEvent(SyncEvent{Type: SyncEventProgress})
	if got != SyncEventProgress {
		t.Errorf("handler got %q", got)
	}
}

func TestSyncStatus_Running(t *testing.T) {
	tests := map[SyncStatus]bool{
		SyncStatusIdle:             false,
		SyncStatusFetchingOwned:    true,
		SyncStatusFetchingMetadata: true,
		SyncStatusUpserting:        true,
		SyncStatusDone:             false,
		SyncStatusPartialFailure:   false,
		SyncStatusFailed:           false,
	}
	for status, want := range tests {
		if got := status.Running(); got != want {
			t.Errorf("%s.Running() = %v, want %v", status, got, want)
		}
	}
}
