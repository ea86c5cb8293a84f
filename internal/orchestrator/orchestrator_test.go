package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dealgate/dealer-sync-server/internal/jobs"
	"github.com/dealgate/dealer-sync-server/internal/lock"
	"github.com/dealgate/dealer-sync-server/internal/process"
	"github.com/dealgate/dealer-sync-server/internal/runs"
	"github.com/dealgate/dealer-sync-server/internal/upstream"
)

// fakeLocks is an in-memory lock.Service with real mutual exclusion.
type fakeLocks struct {
	mu       sync.Mutex
	held     map[string]string
	acquires int
	releases int

	acquireErr error
	probeErr   error
}

func newFakeLocks() *fakeLocks {
	return &fakeLocks{held: make(map[string]string)}
}

func (f *fakeLocks) TryAcquire(_ context.Context, processType string, _ time.Duration) (*lock.Lease, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.acquireErr != nil {
		return nil, f.acquireErr
	}
	f.acquires++
	if _, taken := f.held[processType]; taken {
		return nil, lock.ErrNotAcquired
	}
	token := uuid.NewString()
	f.held[processType] = token
	return &lock.Lease{ProcessType: processType, Token: token}, nil
}

func (f *fakeLocks) IsActive(_ context.Context, processType string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.probeErr != nil {
		return false, f.probeErr
	}
	_, taken := f.held[processType]
	return taken, nil
}

func (f *fakeLocks) Release(ctx context.Context, lease *lock.Lease) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.held[lease.ProcessType] == lease.Token {
		delete(f.held, lease.ProcessType)
		f.releases++
	}
	return nil
}

func (f *fakeLocks) Renew(context.Context, *lock.Lease, time.Duration) error { return nil }

func (f *fakeLocks) ForceRelease(_ context.Context, processType string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.held, processType)
	return nil
}

func (f *fakeLocks) isHeld(processType string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, taken := f.held[processType]
	return taken
}

// fakeStore is an in-memory runs.Store enforcing the active-pair uniqueness
// the partial unique index provides in Postgres.
type fakeStore struct {
	mu   sync.Mutex
	rows map[uuid.UUID]*runs.Run

	createErr      error
	findActiveErr  error
	markRunningErr error
}

func newFakeStore(rs ...*runs.Run) *fakeStore {
	s := &fakeStore{rows: make(map[uuid.UUID]*runs.Run)}
	for _, r := range rs {
		s.rows[r.ID] = r
	}
	return s
}

func (s *fakeStore) Create(_ context.Context, params runs.CreateParams) (*runs.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return nil, s.createErr
	}
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
		CreatedBy:       params.CreatedBy,
	}
	s.rows[run.ID] = run
	return run, nil
}

func (s *fakeStore) GetByID(_ context.Context, id uuid.UUID) (*runs.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.rows[id]
	if !ok {
		return nil, runs.ErrNotFound
	}
	copied := *run
	return &copied, nil
}

func (s *fakeStore) FindActive(_ context.Context, processType, loadID string) (*runs.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.findActiveErr != nil {
		return nil, s.findActiveErr
	}
	for _, r := range s.rows {
		if r.ProcessType == processType && r.LoadID == loadID && r.Status.Active() {
			copied := *r
			return &copied, nil
		}
	}
	return nil, runs.ErrNotFound
}

func (s *fakeStore) List(context.Context, string, string, int) ([]*runs.Run, error) {
	return nil, nil
}

func (s *fakeStore) MarkRunning(_ context.Context, id, jobID uuid.UUID, _ string) error {
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

func (s *fakeStore) MarkCompleted(_ context.Context, id uuid.UUID, targetCount int, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.rows[id]
	if !ok {
		return runs.ErrNotFound
	}
	run.Status = runs.StatusCompleted
	run.TargetCount = &targetCount
	return nil
}

func (s *fakeStore) MarkFailed(_ context.Context, id uuid.UUID, reason, detail, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.rows[id]
	if !ok {
		return runs.ErrNotFound
	}
	run.Status = runs.StatusFailed
	run.FailureReason = &reason
	run.FailureDetail = &detail
	return nil
}

func (s *fakeStore) get(id uuid.UUID) *runs.Run {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rows[id]
}

// fakeGateway serves load events from a map keyed by processType/loadID.
type fakeGateway struct {
	events map[string]*upstream.LoadEvent
	err    error
}

func gwKey(processType, loadID string) string { return processType + "/" + loadID }

func (g *fakeGateway) Lookup(_ context.Context, processType, loadID string) (*upstream.LoadEvent, error) {
	if g.err != nil {
		return nil, g.err
	}
	event, ok := g.events[gwKey(processType, loadID)]
	if !ok {
		return nil, upstream.ErrNotFound
	}
	return event, nil
}

// fakeQueue records enqueued jobs.
type fakeQueue struct {
	mu       sync.Mutex
	enqueued []*jobs.Job
	err      error
}

func (q *fakeQueue) Enqueue(_ context.Context, runID uuid.UUID, lease *lock.Lease) (*jobs.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return nil, q.err
	}
	job := &jobs.Job{
		ID:        uuid.New(),
		RunID:     runID,
		Status:    jobs.StatusQueued,
		LockKey:   lease.ProcessType,
		LockToken: lease.Token,
	}
	q.enqueued = append(q.enqueued, job)
	return job, nil
}

func (q *fakeQueue) PickNext(context.Context) (*jobs.Job, error) { return nil, jobs.ErrNoJobs }
func (q *fakeQueue) MarkDone(context.Context, uuid.UUID) error   { return nil }
func (q *fakeQueue) ReclaimExpired(context.Context, time.Duration) (int64, error) {
	return 0, nil
}
func (q *fakeQueue) Depth(context.Context) (int64, error) { return 0, nil }

func (q *fakeQueue) jobsEnqueued() []*jobs.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]*jobs.Job(nil), q.enqueued...)
}

type fixture struct {
	orch    *Orchestrator
	locks   *fakeLocks
	store   *fakeStore
	gateway *fakeGateway
	queue   *fakeQueue
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		locks: newFakeLocks(),
		store: newFakeStore(),
		gateway: &fakeGateway{events: map[string]*upstream.LoadEvent{
			gwKey("ProductList", "L1"): {
				ID:            uuid.New(),
				ProcessType:   "ProductList",
				LoadID:        "L1",
				LoadTimestamp: time.Now().Add(-time.Hour),
			},
		}},
		queue: &fakeQueue{},
	}
	registry := process.NewStaticRegistry([]string{"ProductList", "PriceList"}, []string{"DealerMaster"})
	f.orch = New(registry, f.locks, f.store, f.gateway, f.queue)
	return f
}

func validRequest() Request {
	return Request{ProcessType: "ProductList", LoadID: "L1", RequestedBy: "tester"}
}

func TestStartSync_Admits(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	accepted, err := f.orch.StartSync(context.Background(), validRequest())
	require.NoError(t, err)
	require.NotNil(t, accepted)
	assert.Equal(t, runs.StatusRunning, accepted.Status)

	enqueued := f.queue.jobsEnqueued()
	require.Len(t, enqueued, 1)
	assert.Equal(t, accepted.JobID, enqueued[0].ID)
	assert.Equal(t, accepted.RunID, enqueued[0].RunID)
	assert.Equal(t, "ProductList", enqueued[0].LockKey)
	assert.NotEmpty(t, enqueued[0].LockToken)

	run := f.store.get(accepted.RunID)
	require.NotNil(t, run)
	assert.Equal(t, runs.StatusRunning, run.Status)
	require.NotNil(t, run.JobID)
	assert.Equal(t, accepted.JobID, *run.JobID)

	// The lock is handed off to the job, not released with the response.
	assert.True(t, f.locks.isHeld("ProductList"))
}

func TestStartSync_Validation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		req  Request
	}{
		{name: "missing process type", req: Request{LoadID: "L1"}},
		{name: "missing load id", req: Request{ProcessType: "ProductList"}},
		{name: "blank fields", req: Request{ProcessType: "  ", LoadID: "\t"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t)
			_, err := f.orch.StartSync(context.Background(), tt.req)
			oerr := AsError(err)
			require.NotNil(t, oerr)
			assert.Equal(t, ReasonValidation, oerr.Reason)
			assert.Zero(t, f.locks.acquires, "validation must fail before any lock work")
		})
	}
}

func TestStartSync_UnsupportedProcessType(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	_, err := f.orch.StartSync(context.Background(), Request{ProcessType: "DealerMaster", LoadID: "L1"})
	oerr := AsError(err)
	require.NotNil(t, oerr)
	assert.Equal(t, ReasonUnsupportedProcessType, oerr.Reason)
	assert.Equal(t, []string{"PriceList", "ProductList"}, oerr.Implemented)
	assert.Contains(t, oerr.Known, "DealerMaster")
	assert.Zero(t, f.locks.acquires, "registry gate must run before lock work")
}

func TestStartSync_NoLockBackend(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	registry := process.NewStaticRegistry([]string{"ProductList"}, nil)
	orch := New(registry, nil, f.store, f.gateway, f.queue)

	_, err := orch.StartSync(context.Background(), validRequest())
	oerr := AsError(err)
	require.NotNil(t, oerr)
	assert.Equal(t, ReasonLockBackendUnavailable, oerr.Reason)
}

func TestStartSync_LockDenied(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	_, err := f.locks.TryAcquire(context.Background(), "ProductList", time.Minute)
	require.NoError(t, err)

	_, err = f.orch.StartSync(context.Background(), validRequest())
	oerr := AsError(err)
	require.NotNil(t, oerr)
	assert.Equal(t, ReasonLockDenied, oerr.Reason)
	assert.Empty(t, f.queue.jobsEnqueued())
}

func TestStartSync_LockBackendDown(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.locks.acquireErr = lock.ErrUnavailable

	_, err := f.orch.StartSync(context.Background(), validRequest())
	oerr := AsError(err)
	require.NotNil(t, oerr)
	assert.Equal(t, ReasonLockBackendUnavailable, oerr.Reason)
	assert.ErrorIs(t, err, lock.ErrUnavailable)
}

func TestStartSync_ReleasesLockOnEveryRejection(t *testing.T) {
	t.Parallel()

	t.Run("upstream not found", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		_, err := f.orch.StartSync(context.Background(), Request{ProcessType: "ProductList", LoadID: "missing"})
		oerr := AsError(err)
		require.NotNil(t, oerr)
		assert.Equal(t, ReasonUpstreamNotFound, oerr.Reason)
		assert.False(t, f.locks.isHeld("ProductList"))
	})

	t.Run("client gone before the rejection lands", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		// A disconnected client must not leave the lock held until TTL.
		_, err := f.orch.StartSync(ctx, Request{ProcessType: "ProductList", LoadID: "missing"})
		oerr := AsError(err)
		require.NotNil(t, oerr)
		assert.Equal(t, ReasonUpstreamNotFound, oerr.Reason)
		assert.False(t, f.locks.isHeld("ProductList"))
	})

	t.Run("already synchronized", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		f.gateway.events[gwKey("ProductList", "L1")].FullySynchronized = true

		_, err := f.orch.StartSync(context.Background(), validRequest())
		oerr := AsError(err)
		require.NotNil(t, oerr)
		assert.Equal(t, ReasonAlreadySynchronized, oerr.Reason)
		assert.False(t, f.locks.isHeld("ProductList"))
	})

	t.Run("active run exists", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		existing, err := f.store.Create(context.Background(), runs.CreateParams{
			ProcessType: "ProductList", LoadID: "L1", LoadTimestamp: time.Now(), UpstreamEventID: uuid.New(),
		})
		require.NoError(t, err)

		_, err = f.orch.StartSync(context.Background(), validRequest())
		oerr := AsError(err)
		require.NotNil(t, oerr)
		assert.Equal(t, ReasonActiveRunExists, oerr.Reason)
		require.NotNil(t, oerr.ConflictRunID)
		assert.Equal(t, existing.ID, *oerr.ConflictRunID)
		assert.False(t, f.locks.isHeld("ProductList"))
	})

	t.Run("enqueue failure", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		f.queue.err = errors.New("queue insert failed")

		_, err := f.orch.StartSync(context.Background(), validRequest())
		oerr := AsError(err)
		require.NotNil(t, oerr)
		assert.Equal(t, ReasonEnqueueFailure, oerr.Reason)
		assert.False(t, f.locks.isHeld("ProductList"))

		// The created row must be rolled forward to FAILED, not left PENDING.
		var run *runs.Run
		for _, r := range f.store.rows {
			run = r
		}
		require.NotNil(t, run)
		assert.Equal(t, runs.StatusFailed, run.Status)
		require.NotNil(t, run.FailureReason)
		assert.Equal(t, "EnqueueFailure", *run.FailureReason)
	})

	t.Run("lock is acquirable again after rejection", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		_, err := f.orch.StartSync(context.Background(), Request{ProcessType: "ProductList", LoadID: "missing"})
		require.Error(t, err)

		lease, err := f.locks.TryAcquire(context.Background(), "ProductList", time.Minute)
		require.NoError(t, err)
		assert.NotNil(t, lease)
	})
}

func TestStartSync_CreateRace(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.store.findActiveErr = runs.ErrNotFound // window where the probe misses
	f.store.createErr = runs.ErrActiveRunExists

	_, err := f.orch.StartSync(context.Background(), validRequest())
	oerr := AsError(err)
	require.NotNil(t, oerr)
	assert.Equal(t, ReasonActiveRunExists, oerr.Reason)
	assert.False(t, f.locks.isHeld("ProductList"))
}

func TestStartSync_MarkRunningFailureDoesNotReject(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.store.markRunningErr = errors.New("write timeout")

	accepted, err := f.orch.StartSync(context.Background(), validRequest())
	require.NoError(t, err)
	require.NotNil(t, accepted)
	// The response reports the state the run is actually in; the executor
	// promotes it once the job starts.
	assert.Equal(t, runs.StatusPending, accepted.Status)
	assert.Equal(t, runs.StatusPending, f.store.get(accepted.RunID).Status)
	assert.True(t, f.locks.isHeld("ProductList"))
}

func TestStartSync_MutualExclusion(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	const n = 10
	results := make(chan error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.orch.StartSync(context.Background(), validRequest())
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var admitted, denied int
	for err := range results {
		if err == nil {
			admitted++
			continue
		}
		oerr := AsError(err)
		require.NotNil(t, oerr)
		assert.Contains(t, []Reason{ReasonLockDenied, ReasonActiveRunExists}, oerr.Reason)
		denied++
	}
	assert.Equal(t, 1, admitted, "exactly one concurrent request may be admitted")
	assert.Equal(t, n-1, denied)
}

func TestStartSync_ReRunAfterTerminal(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	first, err := f.orch.StartSync(context.Background(), validRequest())
	require.NoError(t, err)

	// While the first run is active, the same request conflicts.
	_, err = f.orch.StartSync(context.Background(), validRequest())
	oerr := AsError(err)
	require.NotNil(t, oerr)
	assert.Equal(t, ReasonLockDenied, oerr.Reason)

	// Simulate the job finishing: terminal run, lock released.
	require.NoError(t, f.store.MarkCompleted(context.Background(), first.RunID, 3, "job-executor"))
	enqueued := f.queue.jobsEnqueued()[0]
	require.NoError(t, f.locks.Release(context.Background(),
		lock.Adopt(enqueued.LockKey, enqueued.LockToken)))

	second, err := f.orch.StartSync(context.Background(), validRequest())
	require.NoError(t, err)
	assert.NotEqual(t, first.RunID, second.RunID, "re-run creates a new row, preserving history")
}

func TestLockStatus(t *testing.T) {
	t.Parallel()

	t.Run("reflects lock state", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)

		active, err := f.orch.LockStatus(context.Background(), "ProductList")
		require.NoError(t, err)
		assert.False(t, active)

		_, err = f.locks.TryAcquire(context.Background(), "ProductList", time.Minute)
		require.NoError(t, err)

		active, err = f.orch.LockStatus(context.Background(), "ProductList")
		require.NoError(t, err)
		assert.True(t, active)
	})

	t.Run("unknown process type is rejected", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		_, err := f.orch.LockStatus(context.Background(), "Bogus")
		oerr := AsError(err)
		require.NotNil(t, oerr)
		assert.Equal(t, ReasonUnsupportedProcessType, oerr.Reason)
	})

	t.Run("backend probe failure", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		f.locks.probeErr = lock.ErrUnavailable

		_, err := f.orch.LockStatus(context.Background(), "ProductList")
		oerr := AsError(err)
		require.NotNil(t, oerr)
		assert.Equal(t, ReasonLockBackendUnavailable, oerr.Reason)
	})
}
