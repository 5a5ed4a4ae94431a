package ledger

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"btc-wallet-intel/internal/domain/service"
	"btc-wallet-intel/internal/infrastructure/config"
	"btc-wallet-intel/internal/infrastructure/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeExecutor struct {
	mu       sync.Mutex
	executed []Job
	times    []time.Time
	ends     []time.Time

	// how long each job takes
	latency time.Duration

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
	closed      atomic.Bool

	// when set, Execute signals started and blocks until release is closed
	started chan struct{}
	release chan struct{}

	fail error
}

func (f *fakeExecutor) Execute(ctx context.Context, job Job) (*Result, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		current := f.maxInFlight.Load()
		if n <= current || f.maxInFlight.CompareAndSwap(current, n) {
			break
		}
	}

	f.mu.Lock()
	f.executed = append(f.executed, job)
	f.times = append(f.times, time.Now())
	f.mu.Unlock()

	if f.started != nil {
		f.started <- struct{}{}
		<-f.release
	}
	if f.latency > 0 {
		time.Sleep(f.latency)
	}
	f.mu.Lock()
	f.ends = append(f.ends, time.Now())
	f.mu.Unlock()

	if f.fail != nil {
		return nil, f.fail
	}
	return &Result{Height: job.Height}, nil
}

func (f *fakeExecutor) CloseIdleConnections() {
	f.closed.Store(true)
}

func newTestQueue(executor Executor, delay time.Duration) *FetchQueue {
	return NewFetchQueue(executor, &config.LedgerConfig{RequestDelay: delay, QueueSize: 100}, logger.NewNopLogger())
}

func TestFetchQueue_RunsJobsInOrderOneAtATime(t *testing.T) {
	executor := &fakeExecutor{}
	queue := newTestQueue(executor, 0)
	queue.Start()
	defer queue.Close(context.Background())

	ctx := context.Background()
	var handles []*Handle
	for i := int64(1); i <= 5; i++ {
		handle, err := queue.Submit(ctx, BlockHashJob(i))
		require.NoError(t, err)
		assert.NotEmpty(t, handle.ID)
		handles = append(handles, handle)
	}

	for i, handle := range handles {
		result, err := handle.Await(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(i+1), result.Height)
	}

	executor.mu.Lock()
	defer executor.mu.Unlock()
	require.Len(t, executor.executed, 5)
	for i, job := range executor.executed {
		assert.Equal(t, int64(i+1), job.Height)
	}
	assert.Equal(t, int32(1), executor.maxInFlight.Load())
}

func TestFetchQueue_ConcurrentCallers(t *testing.T) {
	executor := &fakeExecutor{}
	queue := newTestQueue(executor, 0)
	queue.Start()
	defer queue.Close(context.Background())

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			height, err := queue.GetLatestHeight(context.Background())
			assert.NoError(t, err)
			assert.Equal(t, int64(0), height)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), executor.maxInFlight.Load())
	assert.Equal(t, 0, queue.Len())
}

func TestFetchQueue_HonorsMinimumDelay(t *testing.T) {
	executor := &fakeExecutor{}
	delay := 40 * time.Millisecond
	queue := newTestQueue(executor, delay)
	queue.Start()
	defer queue.Close(context.Background())

	for i := int64(0); i < 3; i++ {
		_, err := queue.GetBlockHash(context.Background(), i)
		require.NoError(t, err)
	}

	executor.mu.Lock()
	defer executor.mu.Unlock()
	require.Len(t, executor.times, 3)
	for i := 1; i < len(executor.times); i++ {
		gap := executor.times[i].Sub(executor.times[i-1])
		assert.GreaterOrEqual(t, gap, delay-5*time.Millisecond)
	}
}

func TestFetchQueue_DelayFollowsSlowJobs(t *testing.T) {
	delay := 60 * time.Millisecond
	executor := &fakeExecutor{latency: 2 * delay}
	queue := newTestQueue(executor, delay)
	queue.Start()
	defer queue.Close(context.Background())

	ctx := context.Background()
	first, err := queue.Submit(ctx, BlockHashJob(1))
	require.NoError(t, err)
	second, err := queue.Submit(ctx, BlockHashJob(2))
	require.NoError(t, err)

	_, err = first.Await(ctx)
	require.NoError(t, err)
	_, err = second.Await(ctx)
	require.NoError(t, err)

	executor.mu.Lock()
	defer executor.mu.Unlock()
	require.Len(t, executor.times, 2)
	require.Len(t, executor.ends, 2)
	idle := executor.times[1].Sub(executor.ends[0])
	assert.GreaterOrEqual(t, idle, delay-5*time.Millisecond)
}

func TestFetchQueue_PropagatesFetchFailure(t *testing.T) {
	executor := &fakeExecutor{fail: &service.FetchError{Op: "block_hash", Height: 7, Status: 500}}
	queue := newTestQueue(executor, 0)
	queue.Start()
	defer queue.Close(context.Background())

	_, err := queue.GetBlockHash(context.Background(), 7)
	require.Error(t, err)
	assert.True(t, errors.Is(err, service.ErrFetchFailed))
}

func TestFetchQueue_RejectsUnalignedBlockPage(t *testing.T) {
	queue := newTestQueue(&fakeExecutor{}, 0)

	_, err := queue.GetBlockTxPage(context.Background(), "hash", 10)
	assert.Error(t, err)
}

func TestFetchQueue_SkipsCanceledJobs(t *testing.T) {
	executor := &fakeExecutor{}
	queue := newTestQueue(executor, 0)

	ctx, cancel := context.WithCancel(context.Background())
	handle, err := queue.Submit(ctx, LatestHeightJob())
	require.NoError(t, err)
	cancel()

	queue.Start()
	defer queue.Close(context.Background())

	_, err = handle.Await(context.Background())
	assert.ErrorIs(t, err, context.Canceled)

	executor.mu.Lock()
	defer executor.mu.Unlock()
	assert.Empty(t, executor.executed)
}

func TestFetchQueue_Close(t *testing.T) {
	executor := &fakeExecutor{
		started: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	queue := newTestQueue(executor, 0)
	queue.Start()

	ctx := context.Background()
	inFlight, err := queue.Submit(ctx, BlockHashJob(1))
	require.NoError(t, err)
	<-executor.started

	queued1, err := queue.Submit(ctx, BlockHashJob(2))
	require.NoError(t, err)
	queued2, err := queue.Submit(ctx, BlockHashJob(3))
	require.NoError(t, err)

	closeErr := make(chan error, 1)
	go func() {
		closeErr <- queue.Close(ctx)
	}()

	_, err = queued1.Await(ctx)
	assert.ErrorIs(t, err, service.ErrQueueClosed)
	_, err = queued2.Await(ctx)
	assert.ErrorIs(t, err, service.ErrQueueClosed)

	_, err = queue.Submit(ctx, BlockHashJob(4))
	assert.ErrorIs(t, err, service.ErrQueueClosed)

	close(executor.release)

	result, err := inFlight.Await(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), result.Height)

	require.NoError(t, <-closeErr)
	assert.True(t, executor.closed.Load())

	executor.mu.Lock()
	defer executor.mu.Unlock()
	assert.Len(t, executor.executed, 1)
}

func TestFetchQueue_CloseBeforeStart(t *testing.T) {
	executor := &fakeExecutor{}
	queue := newTestQueue(executor, 0)

	handle, err := queue.Submit(context.Background(), LatestBlocksJob())
	require.NoError(t, err)

	require.NoError(t, queue.Close(context.Background()))
	_, err = handle.Await(context.Background())
	assert.ErrorIs(t, err, service.ErrQueueClosed)
	assert.True(t, executor.closed.Load())

	// closing twice is a no-op
	assert.NoError(t, queue.Close(context.Background()))
}
