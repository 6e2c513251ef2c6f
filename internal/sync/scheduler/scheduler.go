// Package scheduler runs library refreshes on a cron schedule.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/kimhsiao/rocade/internal/errors"
	"github.com/kimhsiao/rocade/internal/logging"
	syncpkg "github.com/kimhsiao/rocade/internal/sync"
)

// Scheduler triggers the sync engine on a schedule and on demand.
type Scheduler struct {
	engine   syncpkg.Syncer
	cron     *cron.Cron
	schedule cron.Schedule
	spec     string
	timeout  time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu           sync.RWMutex
	isRunning    bool
	lastSyncTime time.Time
}

// SchedulerConfig holds scheduler configuration.
type SchedulerConfig struct {
	// Schedule is a standard five-field cron spec or a descriptor such as
	// "@every 6h". Empty disables periodic refreshes.
	Schedule string
	// Timeout bounds one refresh.
	Timeout time.Duration
}

// DefaultSchedulerConfig returns default scheduler configuration.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		Schedule: "",
		Timeout:  30 * time.Minute,
	}
}

// NewScheduler creates a new Scheduler. An unparsable schedule is rejected.
func NewScheduler(engine syncpkg.Syncer, config *SchedulerConfig) (*Scheduler, error) {
	if config == nil {
		config = DefaultSchedulerConfig()
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultSchedulerConfig().Timeout
	}

	s := &Scheduler{
		engine:  engine,
		spec:    config.Schedule,
		timeout: config.Timeout,
	}
	if config.Schedule != "" {
		schedule, err := cron.ParseStandard(config.Schedule)
		if err != nil {
			return nil, errors.Wrap(errors.ErrInvalid, "invalid sync schedule "+config.Schedule, err)
		}
		s.schedule = schedule
	}
	return s, nil
}

// Start registers the periodic job and starts the cron runner.
// Without a schedule only manual triggers are served.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isRunning {
		return
	}
	s.isRunning = true
	s.ctx, s.cancel = context.WithCancel(ctx)

	if s.schedule == nil {
		logging.Info("periodic library refresh disabled", nil)
		return
	}

	s.cron = cron.New(cron.WithChain(
		cron.Recover(cron.PrintfLogger(logging.Get())),
		cron.SkipIfStillRunning(cron.PrintfLogger(logging.Get())),
	))
	ctx = s.ctx
	s.cron.Schedule(s.schedule, cron.FuncJob(func() {
		s.wg.Add(1)
		defer s.wg.Done()
		s.runSync(ctx)
	}))
	s.cron.Start()

	logging.Info("library refresh scheduler started", map[string]interface{}{"schedule": s.spec})
}

// Stop stops the scheduler and waits for an in-flight refresh to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	c := s.cron
	s.cron = nil
	s.cancel()
	s.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
	s.wg.Wait()

	logging.Info("library refresh scheduler stopped", nil)
}

// runSync executes one refresh. Rejections because another run is in
// flight are logged at debug level only.
func (s *Scheduler) runSync(ctx context.Context) {
	syncCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	result, err := s.engine.Sync(syncCtx)
	if errors.Is(err, errors.ErrSyncInProgress) {
		logging.Debug("library refresh already in progress, skipping", nil)
		return
	}
	s.finish(result, err)
}

func (s *Scheduler) finish(result *syncpkg.SyncResult, err error) {
	s.mu.Lock()
	s.lastSyncTime = time.Now()
	s.mu.Unlock()

	if err != nil {
		logging.ErrorWithCode("scheduled library refresh failed", string(errors.CodeOf(err)), err,
			map[string]interface{}{"schedule": s.spec})
		return
	}
	logging.Info("scheduled library refresh completed", map[string]interface{}{
		"run_id":   result.RunID,
		"status":   string(result.Status),
		"inserted": result.Inserted,
		"updated":  result.Updated,
		"failed":   result.Failed,
	})
}

// TriggerSync starts a refresh in the background.
// Returns false if a refresh is already in progress or the scheduler is stopped.
// The engine is claimed before TriggerSync returns.
func (s *Scheduler) TriggerSync() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.isRunning {
		return false
	}
	syncCtx, cancel := context.WithTimeout(s.ctx, s.timeout)
	s.wg.Add(1)
	err := s.engine.Start(syncCtx, func(result *syncpkg.SyncResult, err error) {
		defer s.wg.Done()
		defer cancel()
		s.finish(result, err)
	})
	if err != nil {
		cancel()
		s.wg.Done()
		if !errors.Is(err, errors.ErrSyncInProgress) {
			logging.Error("failed to start library refresh", err)
		}
		return false
	}
	return true
}

// SyncNow runs a refresh and waits for it. A refresh already in flight
// makes it fail with SYNC_IN_PROGRESS.
func (s *Scheduler) SyncNow(ctx context.Context) (*syncpkg.SyncResult, error) {
	syncCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	result, err := s.engine.Sync(syncCtx)
	if errors.Is(err, errors.ErrSyncInProgress) {
		return nil, err
	}

	s.mu.Lock()
	s.lastSyncTime = time.Now()
	s.mu.Unlock()

	return result, err
}

// SchedulerStatus is a snapshot of the scheduler.
type SchedulerStatus struct {
	IsRunning      bool       `json:"is_running"`
	Schedule       string     `json:"schedule,omitempty"`
	NextRun        *time.Time `json:"next_run,omitempty"`
	LastSyncTime   *time.Time `json:"last_sync_time,omitempty"`
	SyncInProgress bool       `json:"sync_in_progress"`
	EngineStatus   string     `json:"engine_status"`
}

// GetStatus returns the current status of the scheduler.
func (s *Scheduler) GetStatus() SchedulerStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	engineStatus := s.engine.Status()
	status := SchedulerStatus{
		IsRunning:      s.isRunning,
		Schedule:       s.spec,
		SyncInProgress: engineStatus.Running(),
		EngineStatus:   string(engineStatus),
	}
	if !s.lastSyncTime.IsZero() {
		last := s.lastSyncTime
		status.LastSyncTime = &last
	}
	if s.isRunning && s.schedule != nil {
		next := s.schedule.Next(time.Now())
		status.NextRun = &next
	}
	return status
}

// IsRunning returns whether the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}
