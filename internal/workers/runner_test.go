package workers

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lendfabric/backend/internal/queue"
)

type fakeJobStore struct {
	mu         sync.Mutex
	pending    []*queue.Job
	completed  []int64
	results    []any
	failed     []int64
	failDelays []time.Duration

	// ctx.Err() observed inside Complete/Fail.
	finalizeErrs []error
}

func (f *fakeJobStore) Dequeue(_ context.Context, _, _ string) (*queue.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.pending) == 0 {
		return nil, nil
	}
	job := f.pending[0]
	f.pending = f.pending[1:]
	job.Attempts++
	return job, nil
}

func (f *fakeJobStore) Complete(ctx context.Context, jobID int64, result any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, jobID)
	f.results = append(f.results, result)
	f.finalizeErrs = append(f.finalizeErrs, ctx.Err())
	return nil
}

func (f *fakeJobStore) Fail(ctx context.Context, jobID int64, _ string, _ bool, delay time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = append(f.failed, jobID)
	f.failDelays = append(f.failDelays, delay)
	f.finalizeErrs = append(f.finalizeErrs, ctx.Err())
	return nil
}

func (f *fakeJobStore) push(job *queue.Job) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending = append(f.pending, job)
}

func (f *fakeJobStore) completedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.completed)
}

type scriptedHandler struct {
	queueName string
	fail      map[int64]error
	handled   []int64
}

func (h *scriptedHandler) Queue() string               { return h.queueName }
func (h *scriptedHandler) PollInterval() time.Duration { return 5 * time.Millisecond }

func (h *scriptedHandler) Handle(_ context.Context, job *queue.Job) (any, error) {
	h.handled = append(h.handled, job.ID)
	if err := h.fail[job.ID]; err != nil {
		return nil, err
	}
	return map[string]any{"ok": true}, nil
}

func testJob(id int64) *queue.Job {
	return &queue.Job{
		ID: id, QueueName: "risk_evaluation", MaxAttempts: 3,
		Payload: json.RawMessage(`{}`),
	}
}

func TestRetryBackoffGrowsPerAttempt(t *testing.T) {
	assert.Equal(t, time.Minute, retryBackoff(0))
	assert.Equal(t, time.Minute, retryBackoff(1))
	assert.Equal(t, 2*time.Minute, retryBackoff(2))
	assert.Equal(t, 3*time.Minute, retryBackoff(3))
}

func TestRunnerDrainsQueue(t *testing.T) {
	store := &fakeJobStore{pending: []*queue.Job{testJob(1), testJob(2), testJob(3)}}
	handler := &scriptedHandler{queueName: "risk_evaluation"}
	r := NewRunner(store, handler, nil)

	require.NoError(t, r.drainOnce(context.Background()))

	assert.Equal(t, []int64{1, 2, 3}, handler.handled)
	assert.Equal(t, []int64{1, 2, 3}, store.completed)
	assert.Empty(t, store.failed)
}

func TestRunnerFailsJobWithBackoff(t *testing.T) {
	store := &fakeJobStore{pending: []*queue.Job{testJob(7)}}
	handler := &scriptedHandler{
		queueName: "risk_evaluation",
		fail:      map[int64]error{7: errors.New("provider down")},
	}
	r := NewRunner(store, handler, nil)

	require.NoError(t, r.drainOnce(context.Background()))

	assert.Empty(t, store.completed)
	assert.Equal(t, []int64{7}, store.failed)
	// First attempt failed, so the retry waits one minute.
	assert.Equal(t, []time.Duration{time.Minute}, store.failDelays)
}

type cancellingHandler struct {
	cancel context.CancelFunc
}

func (h *cancellingHandler) Queue() string               { return "risk_evaluation" }
func (h *cancellingHandler) PollInterval() time.Duration { return 5 * time.Millisecond }

func (h *cancellingHandler) Handle(_ context.Context, _ *queue.Job) (any, error) {
	h.cancel()
	return map[string]any{"ok": true}, nil
}

func TestRunnerFinalizesJobAfterShutdown(t *testing.T) {
	store := &fakeJobStore{pending: []*queue.Job{testJob(9)}}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := NewRunner(store, &cancellingHandler{cancel: cancel}, nil)

	require.NoError(t, r.drainOnce(ctx))

	require.Equal(t, []int64{9}, store.completed)
	require.Len(t, store.finalizeErrs, 1)
	assert.NoError(t, store.finalizeErrs[0],
		"completion write must not ride the cancelled run context")
}

func TestRunnerStopsOnContextCancel(t *testing.T) {
	store := &fakeJobStore{}
	handler := &scriptedHandler{queueName: "audit"}
	r := NewRunner(store, handler, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err := r.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRunnerPicksUpLateJobs(t *testing.T) {
	store := &fakeJobStore{}
	handler := &scriptedHandler{queueName: "audit"}
	r := NewRunner(store, handler, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	store.push(testJob(42))

	require.Eventually(t, func() bool { return store.completedCount() == 1 },
		time.Second, 5*time.Millisecond)
	cancel()
	<-done
	assert.Equal(t, []int64{42}, store.completed)
}
