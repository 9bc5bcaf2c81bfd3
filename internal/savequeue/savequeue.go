// Package savequeue coalesces entity position changes and persists them in
// debounced batches.
//
// A Saver holds at most one pending update per entity id; queuing an id that
// is already pending replaces its value. A single idle timer is re-armed on
// every Queue call, so a continuous drag produces no persistence traffic until
// the pointer settles. When the timer fires, or FlushNow is called, the whole
// pending set is swapped out and sent as one Persister call. Flushes never
// overlap: updates queued while a flush is in flight form the next batch.
package savequeue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"seatplan/layout-server/internal/model"
)

const (
	DefaultDelay   = 500 * time.Millisecond
	DefaultTimeout = 5 * time.Second
)

var (
	// ErrClosed is returned by Queue after Close.
	ErrClosed = errors.New("save queue closed")
	// ErrInvalidUpdate is returned for updates without an id or with an unknown kind.
	ErrInvalidUpdate = errors.New("invalid position update")
)

// Persister durably applies a batch of position updates as one unit.
type Persister interface {
	SavePositions(ctx context.Context, updates []model.PositionUpdate) error
}

// PersisterFunc adapts a function to Persister.
type PersisterFunc func(ctx context.Context, updates []model.PositionUpdate) error

func (f PersisterFunc) SavePositions(ctx context.Context, updates []model.PositionUpdate) error {
	return f(ctx, updates)
}

// Timer is a cancellable scheduled task.
type Timer interface {
	Stop() bool
}

// Scheduler arms timers. The zero configuration uses time.AfterFunc.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type wallScheduler struct{}

func (wallScheduler) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Status is the observable save state of a queue.
type Status struct {
	Saving    bool       `json:"saving"`
	LastSaved *time.Time `json:"last_saved,omitempty"`
	Pending   int        `json:"pending"`
	LastError string     `json:"last_error,omitempty"`
	Dropped   int        `json:"dropped"`
}

// Option configures a Saver.
type Option func(*Saver)

// WithDelay sets the idle window before a flush.
func WithDelay(d time.Duration) Option {
	return func(s *Saver) {
		if d > 0 {
			s.delay = d
		}
	}
}

// WithTimeout bounds each persistence call.
func WithTimeout(d time.Duration) Option {
	return func(s *Saver) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithScheduler replaces the wall-clock scheduler.
func WithScheduler(sched Scheduler) Option {
	return func(s *Saver) {
		if sched != nil {
			s.scheduler = sched
		}
	}
}

// WithLogger sets the logger used for flush failures.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Saver) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock overrides the time source used for LastSaved.
func WithClock(now func() time.Time) Option {
	return func(s *Saver) {
		if now != nil {
			s.now = now
		}
	}
}

// WithRequeueOnFailure puts a failed batch back into the pending set. Ids that
// were queued again while the batch was in flight keep their newer value.
func WithRequeueOnFailure(enabled bool) Option {
	return func(s *Saver) {
		s.requeue = enabled
	}
}

// WithStatusHook is called after every status transition, outside the queue lock.
func WithStatusHook(fn func(Status)) Option {
	return func(s *Saver) {
		s.onStatus = fn
	}
}

// WithSavedHook is called with each batch that was persisted successfully.
func WithSavedHook(fn func([]model.PositionUpdate, time.Time)) Option {
	return func(s *Saver) {
		s.onSaved = fn
	}
}

type entry struct {
	update model.PositionUpdate
	seq    uint64
}

// Saver is a debounced, coalescing batch saver. It is safe for concurrent use.
type Saver struct {
	persister Persister
	scheduler Scheduler
	logger    *slog.Logger
	now       func() time.Time
	delay     time.Duration
	timeout   time.Duration
	requeue   bool
	onStatus  func(Status)
	onSaved   func([]model.PositionUpdate, time.Time)

	// flushMu keeps at most one persistence call in flight.
	flushMu sync.Mutex

	mu        sync.Mutex
	pending   map[string]entry
	seq       uint64
	timer     Timer
	timerGen  uint64
	saving    bool
	lastSaved time.Time
	lastErr   string
	dropped   int
	closed    bool
}

// New constructs a Saver that writes through p.
func New(p Persister, opts ...Option) *Saver {
	s := &Saver{
		persister: p,
		scheduler: wallScheduler{},
		logger:    slog.Default(),
		now:       time.Now,
		delay:     DefaultDelay,
		timeout:   DefaultTimeout,
		pending:   make(map[string]entry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Queue records u as the pending value for u.ID and restarts the idle timer.
func (s *Saver) Queue(u model.PositionUpdate) error {
	if u.ID == "" || !u.Kind.Valid() {
		return fmt.Errorf("%w: id=%q kind=%q", ErrInvalidUpdate, u.ID, u.Kind)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if prev, ok := s.pending[u.ID]; ok {
		s.pending[u.ID] = entry{update: u, seq: prev.seq}
	} else {
		s.seq++
		s.pending[u.ID] = entry{update: u, seq: s.seq}
	}
	s.armLocked()
	st := s.statusLocked()
	s.mu.Unlock()

	s.notify(st)
	return nil
}

// FlushNow cancels the idle timer and sends whatever is pending immediately.
// A flush already in flight is not interrupted; FlushNow waits for it and then
// sends the remaining updates. The persistence error, if any, is returned
// after it has been logged and recorded in Status.
func (s *Saver) FlushNow(ctx context.Context) error {
	s.mu.Lock()
	s.cancelLocked()
	s.mu.Unlock()
	return s.flush(ctx, 0, false)
}

// Abandon rejects further Queue calls and drops every pending update without
// persisting anything. A flush already in flight still completes. It returns
// the number of updates dropped.
func (s *Saver) Abandon() int {
	s.mu.Lock()
	s.closed = true
	s.cancelLocked()
	n := len(s.pending)
	s.pending = make(map[string]entry)
	st := s.statusLocked()
	s.mu.Unlock()

	s.notify(st)
	return n
}

// Close flushes pending updates and rejects further Queue calls.
func (s *Saver) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return s.FlushNow(ctx)
}

// Status returns the current save state.
func (s *Saver) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked()
}

// Pending returns a copy of the pending updates in queue order.
func (s *Saver) Pending() []model.PositionUpdate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ordered(s.pending)
}

func (s *Saver) armLocked() {
	s.cancelLocked()
	gen := s.timerGen
	s.timer = s.scheduler.AfterFunc(s.delay, func() { s.fire(gen) })
}

func (s *Saver) cancelLocked() {
	s.timerGen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Saver) fire(gen uint64) {
	_ = s.flush(context.Background(), gen, true)
}

// flush sends the pending set. A timer-driven flush carries the generation it
// was armed with and is skipped if a Queue, FlushNow or Abandon superseded it,
// including while it waited for an earlier flush to finish.
func (s *Saver) flush(ctx context.Context, gen uint64, fromTimer bool) error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	s.mu.Lock()
	if fromTimer {
		if gen != s.timerGen {
			s.mu.Unlock()
			return nil
		}
		s.timer = nil
	}
	batch := ordered(s.pending)
	if len(batch) == 0 {
		s.mu.Unlock()
		return nil
	}
	taken := s.pending
	s.pending = make(map[string]entry)
	s.saving = true
	st := s.statusLocked()
	s.mu.Unlock()
	s.notify(st)

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	err := s.persister.SavePositions(callCtx, batch)
	cancel()

	s.mu.Lock()
	s.saving = false
	var savedAt time.Time
	if err != nil {
		s.lastErr = err.Error()
		if s.requeue {
			for id, e := range taken {
				if _, newer := s.pending[id]; !newer {
					s.pending[id] = e
				}
			}
			if !s.closed {
				s.armLocked()
			}
		} else {
			s.dropped += len(batch)
		}
	} else {
		savedAt = s.now()
		s.lastSaved = savedAt
		s.lastErr = ""
	}
	st = s.statusLocked()
	s.mu.Unlock()
	s.notify(st)

	if err != nil {
		s.logger.Error("failed to save positions", "count", len(batch), "requeued", s.requeue, "error", err)
		return fmt.Errorf("save positions: %w", err)
	}

	s.logger.Debug("saved positions", "count", len(batch))
	if s.onSaved != nil {
		s.onSaved(batch, savedAt)
	}
	return nil
}

func (s *Saver) statusLocked() Status {
	st := Status{
		Saving:    s.saving,
		Pending:   len(s.pending),
		LastError: s.lastErr,
		Dropped:   s.dropped,
	}
	if !s.lastSaved.IsZero() {
		at := s.lastSaved
		st.LastSaved = &at
	}
	return st
}

func (s *Saver) notify(st Status) {
	if s.onStatus != nil {
		s.onStatus(st)
	}
}

func ordered(pending map[string]entry) []model.PositionUpdate {
	entries := make([]entry, 0, len(pending))
	for _, e := range pending {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })

	out := make([]model.PositionUpdate, len(entries))
	for i, e := range entries {
		out[i] = e.update
	}
	return out
}
