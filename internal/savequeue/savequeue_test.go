package savequeue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"seatplan/layout-server/internal/model"
)

// fakeScheduler records armed timers and fires them on demand.
type fakeScheduler struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

type fakeTimer struct {
	mu      sync.Mutex
	d       time.Duration
	f       func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	was := !t.stopped
	t.stopped = true
	return was
}

func (s *fakeScheduler) AfterFunc(d time.Duration, f func()) Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &fakeTimer{d: d, f: f}
	s.timers = append(s.timers, t)
	return t
}

// fire runs every timer that has not been stopped.
func (s *fakeScheduler) fire() int {
	s.mu.Lock()
	var live []*fakeTimer
	for _, t := range s.timers {
		t.mu.Lock()
		if !t.stopped {
			t.stopped = true
			live = append(live, t)
		}
		t.mu.Unlock()
	}
	s.mu.Unlock()

	for _, t := range live {
		t.f()
	}
	return len(live)
}

// latest returns the most recently armed timer.
func (s *fakeScheduler) latest() *fakeTimer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timers[len(s.timers)-1]
}

func (s *fakeScheduler) armed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.timers {
		t.mu.Lock()
		if !t.stopped {
			n++
		}
		t.mu.Unlock()
	}
	return n
}

type recordingPersister struct {
	mu    sync.Mutex
	calls [][]model.PositionUpdate
	err   error
}

func (p *recordingPersister) SavePositions(_ context.Context, updates []model.PositionUpdate) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	batch := make([]model.PositionUpdate, len(updates))
	copy(batch, updates)
	p.calls = append(p.calls, batch)
	return p.err
}

func (p *recordingPersister) Calls() [][]model.PositionUpdate {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func table(id string, x, y float64) model.PositionUpdate {
	return model.PositionUpdate{ID: id, PosX: x, PosY: y, Kind: model.KindTable}
}

func newTestSaver(p Persister, opts ...Option) (*Saver, *fakeScheduler) {
	sched := &fakeScheduler{}
	opts = append([]Option{WithScheduler(sched)}, opts...)
	return New(p, opts...), sched
}

func TestQueue_CoalescesSameID(t *testing.T) {
	p := &recordingPersister{}
	s, sched := newTestSaver(p)

	require.NoError(t, s.Queue(table("t1", 1, 1)))
	require.NoError(t, s.Queue(table("t1", 2, 2)))
	require.NoError(t, s.Queue(table("t1", 3, 4)))

	assert.Equal(t, 1, sched.armed())
	assert.Equal(t, 1, sched.fire())

	calls := p.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, []model.PositionUpdate{table("t1", 3, 4)}, calls[0])
}

func TestQueue_BatchesDistinctIDsIntoOneCall(t *testing.T) {
	p := &recordingPersister{}
	s, sched := newTestSaver(p)

	ids := []string{"a", "b", "c", "d"}
	for i, id := range ids {
		require.NoError(t, s.Queue(table(id, float64(i), 0)))
	}
	sched.fire()

	calls := p.Calls()
	require.Len(t, calls, 1)
	require.Len(t, calls[0], len(ids))
	for i, id := range ids {
		assert.Equal(t, id, calls[0][i].ID, "batch keeps first-queued order")
	}
}

func TestQueue_RearmsSingleTimerWithDelay(t *testing.T) {
	s, sched := newTestSaver(&recordingPersister{}, WithDelay(250*time.Millisecond))

	require.NoError(t, s.Queue(table("a", 0, 0)))
	require.NoError(t, s.Queue(table("b", 0, 0)))

	assert.Equal(t, 1, sched.armed())
	assert.Len(t, sched.timers, 2)
	assert.Equal(t, 250*time.Millisecond, sched.timers[1].d)
}

func TestQueue_RejectsInvalid(t *testing.T) {
	s, _ := newTestSaver(&recordingPersister{})

	assert.ErrorIs(t, s.Queue(model.PositionUpdate{Kind: model.KindTable}), ErrInvalidUpdate)
	assert.ErrorIs(t, s.Queue(model.PositionUpdate{ID: "x", Kind: "chair"}), ErrInvalidUpdate)
}

func TestFlush_EmptyQueueNeverCallsPersister(t *testing.T) {
	p := &recordingPersister{}
	s, sched := newTestSaver(p)

	require.NoError(t, s.FlushNow(context.Background()))
	assert.Zero(t, sched.fire())
	require.NoError(t, s.flush(context.Background(), 0, false))

	assert.Empty(t, p.Calls())
}

func TestFlushNow_PersistsBeforeTimer(t *testing.T) {
	p := &recordingPersister{}
	s, sched := newTestSaver(p)

	require.NoError(t, s.Queue(table("t1", 10, 20)))
	require.NoError(t, s.FlushNow(context.Background()))

	calls := p.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, table("t1", 10, 20), calls[0][0])

	assert.Zero(t, sched.fire(), "FlushNow cancels the idle timer")
	assert.Len(t, p.Calls(), 1)
}

func TestStaleTimerCallbackIsIgnored(t *testing.T) {
	p := &recordingPersister{}
	s, sched := newTestSaver(p)

	require.NoError(t, s.Queue(table("t1", 1, 1)))
	stale := sched.timers[0].f
	require.NoError(t, s.Queue(table("t2", 1, 1)))

	// A callback that lost the race with Stop must not flush early.
	stale()
	assert.Empty(t, p.Calls())

	sched.fire()
	require.Len(t, p.Calls(), 1)
	assert.Len(t, p.Calls()[0], 2)
}

func TestStatus_TracksSaveLifecycle(t *testing.T) {
	p := &recordingPersister{}
	at := time.Date(2026, 6, 20, 15, 0, 0, 0, time.UTC)

	var mu sync.Mutex
	var seen []Status
	s, sched := newTestSaver(p,
		WithClock(func() time.Time { return at }),
		WithStatusHook(func(st Status) {
			mu.Lock()
			seen = append(seen, st)
			mu.Unlock()
		}),
	)

	require.NoError(t, s.Queue(table("t1", 1, 1)))
	assert.Equal(t, 1, s.Status().Pending)
	sched.fire()

	st := s.Status()
	assert.False(t, st.Saving)
	require.NotNil(t, st.LastSaved)
	assert.Equal(t, at, *st.LastSaved)
	assert.Zero(t, st.Pending)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 3)
	assert.True(t, seen[1].Saving)
	assert.False(t, seen[2].Saving)
}

func TestFlushFailure_ClearsSavingAndDrops(t *testing.T) {
	p := &recordingPersister{err: errors.New("connection reset")}
	s, sched := newTestSaver(p)

	require.NoError(t, s.Queue(table("t1", 1, 1)))
	require.NoError(t, s.Queue(table("t2", 1, 1)))
	sched.fire()

	st := s.Status()
	assert.False(t, st.Saving)
	assert.Equal(t, "connection reset", st.LastError)
	assert.Equal(t, 2, st.Dropped)
	assert.Zero(t, st.Pending)
	assert.Zero(t, sched.armed())

	p.mu.Lock()
	p.err = nil
	p.mu.Unlock()

	require.NoError(t, s.Queue(table("t3", 1, 1)))
	require.NoError(t, s.FlushNow(context.Background()))
	assert.Empty(t, s.Status().LastError)
}

func TestFlushNow_ReturnsPersistenceError(t *testing.T) {
	p := &recordingPersister{err: errors.New("boom")}
	s, _ := newTestSaver(p)

	require.NoError(t, s.Queue(table("t1", 1, 1)))
	err := s.FlushNow(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestRequeueOnFailure_KeepsNewerValues(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	var calls [][]model.PositionUpdate
	var mu sync.Mutex
	fail := true

	p := PersisterFunc(func(_ context.Context, updates []model.PositionUpdate) error {
		mu.Lock()
		calls = append(calls, append([]model.PositionUpdate(nil), updates...))
		shouldFail := fail
		mu.Unlock()
		if shouldFail {
			close(started)
			<-release
			return errors.New("offline")
		}
		return nil
	})
	s, sched := newTestSaver(p, WithRequeueOnFailure(true))

	require.NoError(t, s.Queue(table("a", 1, 1)))
	require.NoError(t, s.Queue(table("b", 1, 1)))

	done := make(chan struct{})
	go func() {
		sched.fire()
		close(done)
	}()
	<-started

	require.NoError(t, s.Queue(table("a", 9, 9)))
	mu.Lock()
	fail = false
	mu.Unlock()
	close(release)
	<-done

	assert.ElementsMatch(t, []model.PositionUpdate{table("a", 9, 9), table("b", 1, 1)}, s.Pending())
	assert.Zero(t, s.Status().Dropped)
	assert.Equal(t, "offline", s.Status().LastError)

	sched.fire()
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, calls, 2)
	assert.ElementsMatch(t, []model.PositionUpdate{table("a", 9, 9), table("b", 1, 1)}, calls[1])
}

func TestUpdatesDuringInFlightFlushGoToNextBatch(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 2)
	var mu sync.Mutex
	var calls [][]model.PositionUpdate

	p := PersisterFunc(func(_ context.Context, updates []model.PositionUpdate) error {
		mu.Lock()
		calls = append(calls, append([]model.PositionUpdate(nil), updates...))
		first := len(calls) == 1
		mu.Unlock()
		started <- struct{}{}
		if first {
			<-release
		}
		return nil
	})
	s, sched := newTestSaver(p)

	require.NoError(t, s.Queue(table("t1", 1, 1)))

	done := make(chan struct{})
	go func() {
		sched.fire()
		close(done)
	}()
	<-started

	require.NoError(t, s.Queue(table("t1", 5, 5)))
	assert.True(t, s.Status().Saving)
	assert.Equal(t, 1, s.Status().Pending)

	close(release)
	<-done
	sched.fire()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, calls, 2)
	assert.Equal(t, []model.PositionUpdate{table("t1", 1, 1)}, calls[0])
	assert.Equal(t, []model.PositionUpdate{table("t1", 5, 5)}, calls[1])
}

func TestTimerSupersededWhileWaitingForFlushDoesNotSendEarly(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 3)
	var mu sync.Mutex
	var calls [][]model.PositionUpdate

	p := PersisterFunc(func(_ context.Context, updates []model.PositionUpdate) error {
		mu.Lock()
		calls = append(calls, append([]model.PositionUpdate(nil), updates...))
		first := len(calls) == 1
		mu.Unlock()
		started <- struct{}{}
		if first {
			<-release
		}
		return nil
	})
	s, sched := newTestSaver(p)

	require.NoError(t, s.Queue(table("t1", 1, 1)))
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		sched.fire()
	}()
	<-started

	// The second timer fires while the first batch is still being written
	// and parks behind it.
	require.NoError(t, s.Queue(table("t1", 2, 2)))
	second := sched.latest()
	go func() {
		defer wg.Done()
		second.f()
	}()
	time.Sleep(20 * time.Millisecond)

	// Further input restarts the idle window, so the parked callback is stale.
	require.NoError(t, s.Queue(table("t1", 3, 3)))
	close(release)
	wg.Wait()

	mu.Lock()
	require.Len(t, calls, 1)
	mu.Unlock()
	assert.Equal(t, 1, s.Status().Pending)

	assert.Equal(t, 1, sched.fire())
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, calls, 2)
	assert.Equal(t, []model.PositionUpdate{table("t1", 3, 3)}, calls[1])
}

func TestSavedHookReceivesBatch(t *testing.T) {
	var got []model.PositionUpdate
	s, sched := newTestSaver(&recordingPersister{}, WithSavedHook(func(b []model.PositionUpdate, _ time.Time) {
		got = b
	}))

	require.NoError(t, s.Queue(table("t1", 1, 2)))
	sched.fire()
	assert.Equal(t, []model.PositionUpdate{table("t1", 1, 2)}, got)
}

func TestAbandon_DropsPendingAndRejects(t *testing.T) {
	p := &recordingPersister{}
	s, sched := newTestSaver(p)

	require.NoError(t, s.Queue(table("t1", 1, 1)))
	require.NoError(t, s.Queue(table("t2", 1, 1)))
	assert.Equal(t, 2, s.Abandon())

	assert.ErrorIs(t, s.Queue(table("t3", 1, 1)), ErrClosed)
	assert.Zero(t, sched.fire())
	require.NoError(t, s.FlushNow(context.Background()))
	require.NoError(t, s.Close(context.Background()))
	assert.Empty(t, p.Calls())
	assert.Zero(t, s.Status().Pending)
}

func TestStatus_OmitsLastSavedUntilFirstSave(t *testing.T) {
	s, sched := newTestSaver(&recordingPersister{})

	b, err := json.Marshal(s.Status())
	require.NoError(t, err)
	assert.NotContains(t, string(b), "last_saved")

	require.NoError(t, s.Queue(table("t1", 1, 1)))
	sched.fire()
	b, err = json.Marshal(s.Status())
	require.NoError(t, err)
	assert.Contains(t, string(b), `"last_saved":`)
}

func TestClose_FlushesAndRejects(t *testing.T) {
	p := &recordingPersister{}
	s, _ := newTestSaver(p)

	require.NoError(t, s.Queue(table("t1", 1, 1)))
	require.NoError(t, s.Close(context.Background()))
	require.Len(t, p.Calls(), 1)

	assert.ErrorIs(t, s.Queue(table("t1", 2, 2)), ErrClosed)
}

func TestWallSchedulerFlushesAfterIdle(t *testing.T) {
	saved := make(chan []model.PositionUpdate, 1)
	p := PersisterFunc(func(_ context.Context, updates []model.PositionUpdate) error {
		saved <- updates
		return nil
	})
	s := New(p, WithDelay(10*time.Millisecond))

	require.NoError(t, s.Queue(table("t1", 4, 2)))

	select {
	case got := <-saved:
		assert.Equal(t, []model.PositionUpdate{table("t1", 4, 2)}, got)
	case <-time.After(2 * time.Second):
		t.Fatal("idle flush did not fire")
	}
}
