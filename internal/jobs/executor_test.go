package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dealgate/dealer-sync-server/internal/dealers"
	"github.com/dealgate/dealer-sync-server/internal/lock"
	"github.com/dealgate/dealer-sync-server/internal/notify"
	"github.com/dealgate/dealer-sync-server/internal/runs"
)

// fakeRunStore is an in-memory runs.Store tracking transitions.
type fakeRunStore struct {
	mu   sync.Mutex
	rows map[uuid.UUID]*runs.Run

	getErr          error
	markRunningErr  error
	markCompleteErr error
}

func newFakeRunStore(rs ...*runs.Run) *fakeRunStore {
	s := &fakeRunStore{rows: make(map[uuid.UUID]*runs.Run)}
	for _, r := range rs {
		s.rows[r.ID] = r
	}
	return s
}

func (s *fakeRunStore) Create(_ context.Context, params runs.CreateParams) (*runs.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.rows {
		if r.ProcessType == params.ProcessType && r.LoadID == params.LoadID && r.Status.Active() {
			return nil, runs.ErrActiveRunExists
		}
	}
	run := &runs.Run{
		ID:              uuid.New(),
		ProcessType:     params.ProcessType,
		LoadID:          params.LoadID,
		LoadTimestamp:   params.LoadTimestamp,
		UpstreamEventID: params.UpstreamEventID,
		Status:          runs.StatusPending,
	}
	s.rows[run.ID] = run
	return run, nil
}

func (s *fakeRunStore) GetByID(_ context.Context, id uuid.UUID) (*runs.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return nil, s.getErr
	}
	run, ok := s.rows[id]
	if !ok {
		return nil, runs.ErrNotFound
	}
	copied := *run
	return &copied, nil
}

func (s *fakeRunStore) FindActive(_ context.Context, processType, loadID string) (*runs.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.rows {
		if r.ProcessType == processType && r.LoadID == loadID && r.Status.Active() {
			copied := *r
			return &copied, nil
		}
	}
	return nil, runs.ErrNotFound
}

func (s *fakeRunStore) List(context.Context, string, string, int) ([]*runs.Run, error) {
	return nil, nil
}

func (s *fakeRunStore) MarkRunning(_ context.Context, id, jobID uuid.UUID, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.markRunningErr != nil {
		return s.markRunningErr
	}
	run, ok := s.rows[id]
	if !ok {
		return runs.ErrNotFound
	}
	if run.Status != runs.StatusPending {
		return runs.ErrIllegalTransition
	}
	run.Status = runs.StatusRunning
	run.JobID = &jobID
	return nil
}

func (s *fakeRunStore) MarkCompleted(_ context.Context, id uuid.UUID, targetCount int, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.markCompleteErr != nil {
		return s.markCompleteErr
	}
	run, ok := s.rows[id]
	if !ok {
		return runs.ErrNotFound
	}
	if run.Status != runs.StatusRunning {
		return runs.ErrIllegalTransition
	}
	run.Status = runs.StatusCompleted
	run.TargetCount = &targetCount
	return nil
}

func (s *fakeRunStore) MarkFailed(_ context.Context, id uuid.UUID, reason, detail, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.rows[id]
	if !ok {
		return runs.ErrNotFound
	}
	if run.Status.Terminal() {
		return runs.ErrIllegalTransition
	}
	run.Status = runs.StatusFailed
	run.FailureReason = &reason
	run.FailureDetail = &detail
	return nil
}

func (s *fakeRunStore) get(id uuid.UUID) *runs.Run {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rows[id]
}

// fakeDirectory returns a fixed target list.
type fakeDirectory struct {
	targets []dealers.Dealer
	err     error
}

func (d *fakeDirectory) ListActive(context.Context) ([]dealers.Dealer, error) {
	return d.targets, d.err
}

// fakeNotifier records deliveries and can fail, block, or panic per dealer.
type fakeNotifier struct {
	mu        sync.Mutex
	delivered []string

	failFor  map[string]bool
	panicFor string
	block    time.Duration

	inFlight    int
	maxInFlight int
}

func (n *fakeNotifier) Notify(_ context.Context, dealer dealers.Dealer, _ notify.Notification) error {
	n.mu.Lock()
	n.inFlight++
	if n.inFlight > n.maxInFlight {
		n.maxInFlight = n.inFlight
	}
	n.mu.Unlock()

	if n.block > 0 {
		time.Sleep(n.block)
	}

	n.mu.Lock()
	n.inFlight--
	n.delivered = append(n.delivered, dealer.Name)
	n.mu.Unlock()

	if dealer.Name == n.panicFor {
		panic("notifier exploded")
	}
	if n.failFor[dealer.Name] {
		return errors.New("delivery failed")
	}
	return nil
}

func (n *fakeNotifier) deliveredCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.delivered)
}

// fakeLockService tracks release and renew calls.
type fakeLockService struct {
	mu       sync.Mutex
	released []string
	renewals int
}

func (s *fakeLockService) TryAcquire(context.Context, string, time.Duration) (*lock.Lease, error) {
	return nil, errors.New("not used")
}

func (s *fakeLockService) IsActive(context.Context, string) (bool, error) { return false, nil }

func (s *fakeLockService) Release(_ context.Context, lease *lock.Lease) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.released = append(s.released, lease.Token)
	return nil
}

func (s *fakeLockService) Renew(context.Context, *lock.Lease, time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.renewals++
	return nil
}

func (s *fakeLockService) ForceRelease(context.Context, string) error { return nil }

func (s *fakeLockService) releasedTokens() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.released...)
}

func someDealers(names ...string) []dealers.Dealer {
	out := make([]dealers.Dealer, 0, len(names))
	for _, n := range names {
		out = append(out, dealers.Dealer{ID: uuid.New(), Name: n, WebhookURL: "https://" + n + ".example.com"})
	}
	return out
}

func runningRun() *runs.Run {
	return &runs.Run{
		ID:            uuid.New(),
		ProcessType:   "ProductList",
		LoadID:        "L1",
		LoadTimestamp: time.Now().Add(-time.Hour),
		Status:        runs.StatusRunning,
	}
}

func jobFor(run *runs.Run) *Job {
	return &Job{
		ID:        uuid.New(),
		RunID:     run.ID,
		Status:    StatusPicked,
		LockKey:   run.ProcessType,
		LockToken: "tok-1",
	}
}

func TestExecutor_Execute(t *testing.T) {
	t.Parallel()

	t.Run("notifies all dealers and completes the run", func(t *testing.T) {
		t.Parallel()

		run := runningRun()
		store := newFakeRunStore(run)
		notifier := &fakeNotifier{}
		locks := &fakeLockService{}

		e := NewExecutor(store, &fakeDirectory{targets: someDealers("a", "b", "c")}, notifier, locks)
		err := e.Execute(context.Background(), jobFor(run))
		require.NoError(t, err)

		assert.Equal(t, 3, notifier.deliveredCount())
		final := store.get(run.ID)
		assert.Equal(t, runs.StatusCompleted, final.Status)
		require.NotNil(t, final.TargetCount)
		assert.Equal(t, 3, *final.TargetCount)
		assert.Equal(t, []string{"tok-1"}, locks.releasedTokens())
	})

	t.Run("picks up a still-pending run before executing", func(t *testing.T) {
		t.Parallel()

		run := runningRun()
		run.Status = runs.StatusPending
		store := newFakeRunStore(run)

		e := NewExecutor(store, &fakeDirectory{targets: someDealers("a")}, &fakeNotifier{}, &fakeLockService{})
		require.NoError(t, e.Execute(context.Background(), jobFor(run)))

		assert.Equal(t, runs.StatusCompleted, store.get(run.ID).Status)
	})

	t.Run("individual dealer failures do not fail the run", func(t *testing.T) {
		t.Parallel()

		run := runningRun()
		store := newFakeRunStore(run)
		notifier := &fakeNotifier{failFor: map[string]bool{"b": true}}

		e := NewExecutor(store, &fakeDirectory{targets: someDealers("a", "b", "c")}, notifier, &fakeLockService{})
		require.NoError(t, e.Execute(context.Background(), jobFor(run)))

		final := store.get(run.ID)
		assert.Equal(t, runs.StatusCompleted, final.Status)
		require.NotNil(t, final.TargetCount)
		assert.Equal(t, 3, *final.TargetCount)
	})

	t.Run("terminal run skips execution but still releases the lock", func(t *testing.T) {
		t.Parallel()

		run := runningRun()
		run.Status = runs.StatusCompleted
		store := newFakeRunStore(run)
		notifier := &fakeNotifier{}
		locks := &fakeLockService{}

		e := NewExecutor(store, &fakeDirectory{targets: someDealers("a")}, notifier, locks)
		require.NoError(t, e.Execute(context.Background(), jobFor(run)))

		assert.Zero(t, notifier.deliveredCount())
		assert.Equal(t, runs.StatusCompleted, store.get(run.ID).Status)
		assert.Equal(t, []string{"tok-1"}, locks.releasedTokens())
	})

	t.Run("target resolution failure fails the run and releases the lock", func(t *testing.T) {
		t.Parallel()

		run := runningRun()
		store := newFakeRunStore(run)
		locks := &fakeLockService{}

		e := NewExecutor(store, &fakeDirectory{err: errors.New("directory down")}, &fakeNotifier{}, locks)
		err := e.Execute(context.Background(), jobFor(run))
		require.Error(t, err)

		final := store.get(run.ID)
		assert.Equal(t, runs.StatusFailed, final.Status)
		require.NotNil(t, final.FailureReason)
		assert.Equal(t, "TargetResolutionFailure", *final.FailureReason)
		assert.Equal(t, []string{"tok-1"}, locks.releasedTokens())
	})

	t.Run("panic is recovered, run fails, lock released", func(t *testing.T) {
		t.Parallel()

		run := runningRun()
		store := newFakeRunStore(run)
		locks := &fakeLockService{}
		notifier := &fakeNotifier{panicFor: "a"}

		e := NewExecutor(store, &fakeDirectory{targets: someDealers("a")}, notifier, locks,
			WithParallelism(1))
		err := e.Execute(context.Background(), jobFor(run))
		require.Error(t, err)

		final := store.get(run.ID)
		assert.Equal(t, runs.StatusFailed, final.Status)
		require.NotNil(t, final.FailureReason)
		assert.Equal(t, "UnhandledExecutionFailure", *final.FailureReason)
		assert.Equal(t, []string{"tok-1"}, locks.releasedTokens())
	})

	t.Run("fan-out respects the parallelism bound", func(t *testing.T) {
		t.Parallel()

		run := runningRun()
		store := newFakeRunStore(run)
		notifier := &fakeNotifier{block: 20 * time.Millisecond}

		e := NewExecutor(store,
			&fakeDirectory{targets: someDealers("a", "b", "c", "d", "e", "f")},
			notifier, &fakeLockService{},
			WithParallelism(2))
		require.NoError(t, e.Execute(context.Background(), jobFor(run)))

		assert.Equal(t, 6, notifier.deliveredCount())
		assert.LessOrEqual(t, notifier.maxInFlight, 2)
	})

	t.Run("unknown run is dropped without error", func(t *testing.T) {
		t.Parallel()

		store := newFakeRunStore()
		locks := &fakeLockService{}
		e := NewExecutor(store, &fakeDirectory{}, &fakeNotifier{}, locks)

		job := &Job{ID: uuid.New(), RunID: uuid.New(), LockKey: "ProductList", LockToken: "tok-x"}
		require.NoError(t, e.Execute(context.Background(), job))
		assert.Equal(t, []string{"tok-x"}, locks.releasedTokens())
	})

	t.Run("renews the lock while the job runs", func(t *testing.T) {
		t.Parallel()

		run := runningRun()
		store := newFakeRunStore(run)
		locks := &fakeLockService{}
		notifier := &fakeNotifier{block: 120 * time.Millisecond}

		e := NewExecutor(store, &fakeDirectory{targets: someDealers("a")}, notifier, locks,
			WithLockLease(time.Second, 25*time.Millisecond))
		require.NoError(t, e.Execute(context.Background(), jobFor(run)))

		locks.mu.Lock()
		renewals := locks.renewals
		locks.mu.Unlock()
		assert.Positive(t, renewals)
	})

	t.Run("runs without a lock service", func(t *testing.T) {
		t.Parallel()

		run := runningRun()
		store := newFakeRunStore(run)
		notifier := &fakeNotifier{}

		e := NewExecutor(store, &fakeDirectory{targets: someDealers("a", "b")}, notifier, nil,
			WithLockLease(time.Second, 10*time.Millisecond))
		require.NoError(t, e.Execute(context.Background(), jobFor(run)))

		assert.Equal(t, 2, notifier.deliveredCount())
		assert.Equal(t, runs.StatusCompleted, store.get(run.ID).Status)
	})
}

func TestExecutor_RetryableFailures(t *testing.T) {
	t.Parallel()

	t.Run("run lookup error is retryable", func(t *testing.T) {
		t.Parallel()

		run := runningRun()
		store := newFakeRunStore(run)
		store.getErr = errors.New("connection reset")

		e := NewExecutor(store, &fakeDirectory{targets: someDealers("a")}, &fakeNotifier{}, &fakeLockService{})
		err := e.Execute(context.Background(), jobFor(run))
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrRetryable)
	})

	t.Run("promotion error is retryable", func(t *testing.T) {
		t.Parallel()

		run := runningRun()
		run.Status = runs.StatusPending
		store := newFakeRunStore(run)
		store.markRunningErr = errors.New("write timeout")

		e := NewExecutor(store, &fakeDirectory{targets: someDealers("a")}, &fakeNotifier{}, &fakeLockService{})
		err := e.Execute(context.Background(), jobFor(run))
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrRetryable)
		assert.Equal(t, runs.StatusPending, store.get(run.ID).Status)
	})

	t.Run("completion error is retryable and a redelivery finishes the run", func(t *testing.T) {
		t.Parallel()

		run := runningRun()
		store := newFakeRunStore(run)
		store.markCompleteErr = errors.New("write timeout")
		notifier := &fakeNotifier{}

		e := NewExecutor(store, &fakeDirectory{targets: someDealers("a")}, notifier, &fakeLockService{})
		job := jobFor(run)

		err := e.Execute(context.Background(), job)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrRetryable)
		assert.Equal(t, runs.StatusRunning, store.get(run.ID).Status)

		store.mu.Lock()
		store.markCompleteErr = nil
		store.mu.Unlock()
		require.NoError(t, e.Execute(context.Background(), job))
		assert.Equal(t, runs.StatusCompleted, store.get(run.ID).Status)
	})

	t.Run("target resolution failure is terminal, not retryable", func(t *testing.T) {
		t.Parallel()

		run := runningRun()
		store := newFakeRunStore(run)

		e := NewExecutor(store, &fakeDirectory{err: errors.New("directory down")}, &fakeNotifier{}, &fakeLockService{})
		err := e.Execute(context.Background(), jobFor(run))
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrRetryable)
		assert.Equal(t, runs.StatusFailed, store.get(run.ID).Status)
	})
}
