// Package scheduler tests for library refresh scheduling.
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kimhsiao/rocade/internal/errors"
	syncpkg "github.com/kimhsiao/rocade/internal/sync"
)

// fakeEngine counts runs and can block inside Sync until released.
type fakeEngine struct {
	mu      sync.Mutex
	status  syncpkg.SyncStatus
	running bool
	block   chan struct{}
	calls   int32
	err     error
}

func (e *fakeEngine) acquire() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return errors.New(errors.ErrSyncInProgress, "busy")
	}
	e.running = true
	return nil
}

func (e *fakeEngine) Sync(ctx context.Context) (*syncpkg.SyncResult, error) {
	if err := e.acquire(); err != nil {
		return nil, err
	}
	return e.run(ctx)
}

// Start claims the engine but, like the real one, only reports a running
// status once the background run gets going.
func (e *fakeEngine) Start(ctx context.Context, done func(*syncpkg.SyncResult, error)) error {
	if err := e.acquire(); err != nil {
		return err
	}
	go func() { done(e.run(ctx)) }()
	return nil
}

func (e *fakeEngine) run(ctx context.Context) (*syncpkg.SyncResult, error) {
	e.mu.Lock()
	e.status = syncpkg.SyncStatusUpserting
	block := e.block
	e.mu.Unlock()

	atomic.AddInt32(&e.calls, 1)
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.running = false
	e.status = syncpkg.SyncStatusDone
	if e.err != nil {
		e.status = syncpkg.SyncStatusFailed
		return &syncpkg.SyncResult{Status: syncpkg.SyncStatusFailed}, e.err
	}
	return &syncpkg.SyncResult{RunID: "run", Status: syncpkg.SyncStatusDone, Inserted: 1}, nil
}

func (e *fakeEngine) SetEventHandler(syncpkg.SyncEventHandler) {}

func (e *fakeEngine) Status() syncpkg.SyncStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status == "" {
		return syncpkg.SyncStatusIdle
	}
	return e.status
}

func (e *fakeEngine) LastResult() *syncpkg.SyncResult { return nil }
func (e *fakeEngine) LastError() error                { return nil }

func (e *fakeEngine) count() int { return int(atomic.LoadInt32(&e.calls)) }

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

// TestDefaultSchedulerConfig verifies default configuration.
func TestDefaultSchedulerConfig(t *testing.T) {
	config := DefaultSchedulerConfig()
	if config.Schedule != "" {
		t.Errorf("Schedule = %q, want periodic refresh disabled", config.Schedule)
	}
	if config.Timeout != 30*time.Minute {
		t.Errorf("Timeout = %v, want 30m", config.Timeout)
	}
}

func TestNewScheduler_schedules(t *testing.T) {
	tests := []struct {
		spec    string
		wantErr bool
	}{
		{"", false},
		{"0 4 * * *", false},
		{"@every 6h", false},
		{"@daily", false},
		{"every day", true},
		{"61 * * * *", true},
	}
	for _, tt := range tests {
		t.Run(tt.spec, func(t *testing.T) {
			_, err := NewScheduler(&fakeEngine{}, &SchedulerConfig{Schedule: tt.spec})
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewScheduler(%q) error = %v, wantErr %v", tt.spec, err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, errors.ErrInvalid) {
				t.Errorf("error code = %s, want %s", errors.CodeOf(err), errors.ErrInvalid)
			}
		})
	}
}

func TestScheduler_StartStop(t *testing.T) {
	s, err := NewScheduler(&fakeEngine{}, &SchedulerConfig{Schedule: "@every 1h"})
	if err != nil {
		t.Fatalf("NewScheduler() failed: %v", err)
	}

	s.Start(context.Background())
	s.Start(context.Background())
	if !s.IsRunning() {
		t.Fatal("scheduler should be running after Start()")
	}
	status := s.GetStatus()
	if status.NextRun == nil || status.NextRun.Before(time.Now()) {
		t.Errorf("NextRun = %v, want a future time", status.NextRun)
	}

	s.Stop()
	s.Stop()
	if s.IsRunning() {
		t.Error("scheduler should be stopped after Stop()")
	}
	if s.GetStatus().NextRun != nil {
		t.Error("a stopped scheduler has no next run")
	}
}

// TestScheduler_periodic verifies the cron job fires the engine.
func TestScheduler_periodic(t *testing.T) {
	engine := &fakeEngine{}
	s, err := NewScheduler(engine, &SchedulerConfig{Schedule: "@every 1s"})
	if err != nil {
		t.Fatalf("NewScheduler() failed: %v", err)
	}
	s.Start(context.Background())
	defer s.Stop()

	waitFor(t, func() bool { return engine.count() >= 1 })
	waitFor(t, func() bool { return s.GetStatus().LastSyncTime != nil })
}

func TestScheduler_TriggerSync(t *testing.T) {
	engine := &fakeEngine{block: make(chan struct{})}
	s, _ := NewScheduler(engine, nil)

	if s.TriggerSync() {
		t.Fatal("TriggerSync() should refuse while the scheduler is stopped")
	}

	s.Start(context.Background())
	if !s.TriggerSync() {
		t.Fatal("TriggerSync() = false, want true")
	}
	waitFor(t, func() bool { return engine.Status().Running() })

	if s.TriggerSync() {
		t.Error("TriggerSync() should refuse while a refresh is in progress")
	}
	if !s.GetStatus().SyncInProgress {
		t.Error("GetStatus().SyncInProgress = false during a refresh")
	}

	close(engine.block)
	s.Stop()
	if engine.count() != 1 {
		t.Errorf("engine ran %d times, want 1", engine.count())
	}
}

// TestScheduler_TriggerSyncBackToBack verifies only one of two immediate
// triggers starts a refresh.
func TestScheduler_TriggerSyncBackToBack(t *testing.T) {
	engine := &fakeEngine{block: make(chan struct{})}
	s, _ := NewScheduler(engine, nil)
	s.Start(context.Background())

	first, second := s.TriggerSync(), s.TriggerSync()
	if !first || second {
		t.Errorf("TriggerSync() = %v then %v, want true then false", first, second)
	}

	close(engine.block)
	s.Stop()
	if engine.count() != 1 {
		t.Errorf("engine ran %d times, want 1", engine.count())
	}
}

func TestScheduler_SyncNow(t *testing.T) {
	engine := &fakeEngine{}
	s, _ := NewScheduler(engine, nil)

	result, err := s.SyncNow(context.Background())
	if err != nil {
		t.Fatalf("SyncNow() failed: %v", err)
	}
	if result.Inserted != 1 {
		t.Errorf("result = %+v", result)
	}
	if s.GetStatus().LastSyncTime == nil {
		t.Error("LastSyncTime should be set after SyncNow()")
	}
}

func TestScheduler_SyncNowInProgress(t *testing.T) {
	engine := &fakeEngine{block: make(chan struct{})}
	s, _ := NewScheduler(engine, nil)

	done := make(chan struct{})
	go func() {
		s.SyncNow(context.Background())
		close(done)
	}()
	waitFor(t, func() bool { return engine.Status().Running() })

	_, err := s.SyncNow(context.Background())
	if !errors.Is(err, errors.ErrSyncInProgress) {
		t.Errorf("SyncNow() error = %v, want SYNC_IN_PROGRESS", err)
	}
	close(engine.block)
	<-done
}

func TestScheduler_SyncNowFailure(t *testing.T) {
	engine := &fakeEngine{err: errors.New(errors.ErrConnectivity, "offline")}
	s, _ := NewScheduler(engine, nil)

	result, err := s.SyncNow(context.Background())
	if !errors.Is(err, errors.ErrConnectivity) {
		t.Errorf("SyncNow() error = %v, want CONNECTIVITY", err)
	}
	if result == nil || result.Status != syncpkg.SyncStatusFailed {
		t.Errorf("result = %+v, want a failed run", result)
	}
}

// TestScheduler_StopCancelsRun verifies Stop cancels an in-flight refresh.
func TestScheduler_StopCancelsRun(t *testing.T) {
	engine := &fakeEngine{block: make(chan struct{})}
	s, _ := NewScheduler(engine, nil)
	s.Start(context.Background())

	s.TriggerSync()
	waitFor(t, func() bool { return engine.Status().Running() })

	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(3 * time.Second):
		t.Fatal("Stop() did not return while a refresh was blocked")
	}
}
