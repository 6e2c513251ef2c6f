package sync

import (
	"context"
	"time"

	apperrors "github.com/kimhsiao/rocade/internal/errors"
)

// Syncer is the engine surface used by the scheduler and the command layer.
type Syncer interface {
	// Sync performs a full refresh. A concurrent call fails with SYNC_IN_PROGRESS.
	Sync(ctx context.Context) (*SyncResult, error)

	// Start claims the engine and runs a refresh in the background, calling
	// done with its outcome. It fails with SYNC_IN_PROGRESS, without calling
	// done, when a run is already in flight.
	Start(ctx context.Context, done func(*SyncResult, error)) error

	// SetEventHandler sets the event handler for sync notifications.
	SetEventHandler(handler SyncEventHandler)

	Status() SyncStatus

	// LastResult returns the most recent finished run, or nil.
	LastResult() *SyncResult

	LastError() error
}

var _ Syncer = (*SyncEngine)(nil)

// SyncEventType names a sync notification.
type SyncEventType string

const (
	SyncEventStarted   SyncEventType = "sync.started"
	SyncEventProgress  SyncEventType = "sync.progress"
	SyncEventCompleted SyncEventType = "sync.completed"
	SyncEventFailed    SyncEventType = "sync.failed"
)

// SyncEvent is emitted as a run advances.
type SyncEvent struct {
	Type      SyncEventType
	RunID     string
	Message   string
	Code      apperrors.ErrorCode
	Completed int
	Total     int
	// Result is set on completed and failed events.
	Result    *SyncResult
	Timestamp time.Time
}

// SyncEventHandler receives sync events. Calls are made from the syncing
// goroutine, so implementations must not block.
type SyncEventHandler interface {
	OnSyncEvent(event SyncEvent)
}

// SyncEventHandlerFunc adapts a function to SyncEventHandler.
type SyncEventHandlerFunc func(event SyncEvent)

// OnSyncEvent calls f(event).
func (f SyncEventHandlerFunc) OnSyncEvent(event SyncEvent) {
	f(event)
}

func (e *SyncEngine) emitEvent(event SyncEvent) {
	e.mu.Lock()
	handler := e.handler
	e.mu.Unlock()

	if handler == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = e.now()
	}
	handler.OnSyncEvent(event)
}
