package orchestrator

import (
	"context"
	"sync"
	"time"

	mstream "github.com/haowjy/meridian-stream-go"

	"raven/internal/domain/models/llm"
	"raven/internal/service/llm/streaming"
)

// Run statuses
const (
	StatusRunning   = "running"
	StatusComplete  = "complete"
	StatusError     = "error"
	StatusCancelled = "cancelled"
)

// Run is the live state of one orchestration run.
//
// Lifecycle:
//  1. Dispatcher creates the run and places it in its conversation slot
//  2. The mstream work function executes gather, the step loop and finish
//  3. The run reaches a terminal status and leaves its slot
//  4. Cleanup drops it from the registry after the retention period
type Run struct {
	ID             string
	Key            string
	ConversationID string
	AuthorID       string
	StartedAt      time.Time

	ctx    context.Context
	cancel context.CancelFunc
	stream *mstream.Stream
	events *streaming.EventLog
	done   chan struct{}

	mu         sync.RWMutex
	status     string
	err        error
	finishedAt time.Time
}

func newRun(parent context.Context, id, conversationID, authorID string, events *streaming.EventLog) *Run {
	ctx, cancel := context.WithCancel(parent)
	return &Run{
		ID:             id,
		Key:            llm.PendingKey(conversationID, authorID),
		ConversationID: conversationID,
		AuthorID:       authorID,
		StartedAt:      time.Now(),
		ctx:            ctx,
		cancel:         cancel,
		events:         events,
		done:           make(chan struct{}),
		status:         StatusRunning,
	}
}

// Cancel signals the run to stop at its next suspension point.
// Safe to call multiple times.
func (r *Run) Cancel() {
	r.cancel()
	if r.stream != nil {
		// Callers may hold the slot lock the work function is waiting for
		go r.stream.Cancel()
	}

	r.mu.Lock()
	if r.status == StatusRunning {
		r.status = StatusCancelled
	}
	r.mu.Unlock()
}

// Cancelled reports whether Cancel was called or the parent context ended.
func (r *Run) Cancelled() bool {
	return r.ctx.Err() != nil
}

// Done is closed once the run's work function has returned.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// Events returns the run's event log.
func (r *Run) Events() *streaming.EventLog {
	return r.events
}

// Status returns one of the Status constants.
func (r *Run) Status() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status
}

// Err returns the failure of an errored run.
func (r *Run) Err() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.err
}

// RunSnapshot is the externally visible state of a run.
type RunSnapshot struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversation_id"`
	AuthorID       string     `json:"author_id"`
	Status         string     `json:"status"`
	Error          string     `json:"error,omitempty"`
	StartedAt      time.Time  `json:"started_at"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
}

// Snapshot copies the run's current state.
func (r *Run) Snapshot() RunSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snap := RunSnapshot{
		ID:             r.ID,
		ConversationID: r.ConversationID,
		AuthorID:       r.AuthorID,
		Status:         r.status,
		StartedAt:      r.StartedAt,
	}
	if r.err != nil {
		snap.Error = r.err.Error()
	}
	if !r.finishedAt.IsZero() {
		finished := r.finishedAt
		snap.FinishedAt = &finished
	}
	return snap
}

// finish records the terminal status. A cancelled run stays cancelled.
func (r *Run) finish(status string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status == StatusRunning || status == StatusCancelled {
		r.status = status
	}
	r.err = err
	r.finishedAt = time.Now()
}

func (r *Run) terminalSince() (time.Time, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	select {
	case <-r.done:
		return r.finishedAt, true
	default:
		return time.Time{}, false
	}
}

// RunRegistry tracks runs by ID and the single live run of every
// conversation+author slot.
//
// Slot changes for one key are serialised with Lock; unrelated keys never contend.
type RunRegistry struct {
	mu    sync.RWMutex
	runs  map[string]*Run // runID -> run, kept for the retention period
	slots map[string]*Run // pending key -> live run
	last  map[string]*Run // pending key -> most recently started run

	locksMu sync.Mutex
	locks   map[string]*keyLock // Present only while held or awaited

	cleanupInterval time.Duration
	retentionPeriod time.Duration // How long finished runs stay reachable by ID
}

// NewRunRegistry creates a registry. Call StartCleanup to expire finished runs.
func NewRunRegistry(cleanupInterval, retentionPeriod time.Duration) *RunRegistry {
	return &RunRegistry{
		runs:            make(map[string]*Run),
		slots:           make(map[string]*Run),
		last:            make(map[string]*Run),
		locks:           make(map[string]*keyLock),
		cleanupInterval: cleanupInterval,
		retentionPeriod: retentionPeriod,
	}
}

// keyLock is the slot lock of one key. refs counts holders and waiters.
type keyLock struct {
	mu   sync.Mutex
	refs int
}

// Lock acquires the slot lock of key and returns its release function. The
// lock is dropped from the registry once nobody holds or awaits it.
func (r *RunRegistry) Lock(key string) func() {
	r.locksMu.Lock()
	l, ok := r.locks[key]
	if !ok {
		l = &keyLock{}
		r.locks[key] = l
	}
	l.refs++
	r.locksMu.Unlock()

	l.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Unlock()

			r.locksMu.Lock()
			l.refs--
			if l.refs == 0 {
				delete(r.locks, key)
			}
			r.locksMu.Unlock()
		})
	}
}

// lockCount returns the number of keys with a held or awaited slot lock.
func (r *RunRegistry) lockCount() int {
	r.locksMu.Lock()
	defer r.locksMu.Unlock()
	return len(r.locks)
}

// Replace installs run as the live run of its key and returns the previous occupant.
// Callers hold the key lock.
func (r *RunRegistry) Replace(run *Run) *Run {
	r.mu.Lock()
	defer r.mu.Unlock()

	previous := r.slots[run.Key]
	r.slots[run.Key] = run
	r.last[run.Key] = run
	r.runs[run.ID] = run
	return previous
}

// Slot returns the live run of key, nil when the slot is empty.
func (r *RunRegistry) Slot(key string) *Run {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.slots[key]
}

// Owns reports whether run still occupies its slot.
func (r *RunRegistry) Owns(run *Run) bool {
	return r.Slot(run.Key) == run
}

// Release empties the slot of run if it still owns it.
// Callers hold the key lock.
func (r *RunRegistry) Release(run *Run) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.slots[run.Key] != run {
		return false
	}
	delete(r.slots, run.Key)
	return true
}

// Last returns the most recently started run of key, live or finished.
func (r *RunRegistry) Last(key string) *Run {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.last[key]
}

// Get retrieves a run by ID. Returns nil if unknown or expired.
func (r *RunRegistry) Get(runID string) *Run {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.runs[runID]
}

// Active returns the number of occupied slots.
func (r *RunRegistry) Active() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.slots)
}

// Count returns the number of runs reachable by ID, live or retained.
func (r *RunRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.runs)
}

// StartCleanup removes finished runs after the retention period until ctx ends.
func (r *RunRegistry) StartCleanup(ctx context.Context) {
	ticker := time.NewTicker(r.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.cleanup(time.Now())
		}
	}
}

func (r *RunRegistry) cleanup(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, run := range r.runs {
		finishedAt, done := run.terminalSince()
		if !done || now.Sub(finishedAt) <= r.retentionPeriod {
			continue
		}
		if r.slots[run.Key] == run {
			continue
		}
		delete(r.runs, id)
		if r.last[run.Key] == run {
			delete(r.last, run.Key)
		}
		removed++
	}
	return removed
}
