package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"btc-wallet-intel/internal/domain/entity"
	"btc-wallet-intel/internal/domain/service"
	"btc-wallet-intel/internal/infrastructure/config"
	"btc-wallet-intel/internal/infrastructure/logger"
	"btc-wallet-intel/internal/infrastructure/metrics"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Executor performs ledger jobs
type Executor interface {
	Execute(ctx context.Context, job Job) (*Result, error)
	CloseIdleConnections()
}

// Handle is the pending result of a submitted job
type Handle struct {
	ID  string
	Job Job

	ctx    context.Context
	done   chan struct{}
	result *Result
	err    error
}

// Await blocks until the job resolves or ctx is done
func (h *Handle) Await(ctx context.Context) (*Result, error) {
	select {
	case <-h.done:
		return h.result, h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (h *Handle) resolve(result *Result, err error) {
	h.result = result
	h.err = err
	close(h.done)
}

// FetchQueue serializes ledger jobs through a single worker that pauses for
// the request delay after each job
type FetchQueue struct {
	executor   Executor
	delay      time.Duration
	maxPending int
	logger     *logger.Logger

	mu      sync.Mutex
	pending []*Handle
	closed  bool
	started bool

	notify chan struct{}
	stop   context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

var _ service.LedgerService = (*FetchQueue)(nil)

// NewFetchQueue creates a new fetch queue. Call Start to begin processing.
func NewFetchQueue(executor Executor, cfg *config.LedgerConfig, logger *logger.Logger) *FetchQueue {
	stop, cancel := context.WithCancel(context.Background())

	return &FetchQueue{
		executor:   executor,
		delay:      cfg.RequestDelay,
		maxPending: cfg.QueueSize,
		logger:     logger.WithComponent("fetch-queue"),
		notify:     make(chan struct{}, 1),
		stop:       stop,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
}

// Start launches the worker goroutine
func (q *FetchQueue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started || q.closed {
		return
	}
	q.started = true
	go q.run()
	q.logger.Info("Fetch queue started", zap.Duration("request_delay", q.delay))
}

// Submit enqueues a job. The job is skipped if ctx is done before it runs.
func (q *FetchQueue) Submit(ctx context.Context, job Job) (*Handle, error) {
	handle := &Handle{
		ID:   uuid.NewString(),
		Job:  job,
		ctx:  ctx,
		done: make(chan struct{}),
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, service.ErrQueueClosed
	}
	if q.maxPending > 0 && len(q.pending) >= q.maxPending {
		q.mu.Unlock()
		return nil, &service.FetchError{Op: string(job.Kind), Err: errors.New("fetch queue is full")}
	}
	q.pending = append(q.pending, handle)
	depth := len(q.pending)
	q.mu.Unlock()

	metrics.LedgerQueueDepth(depth)
	select {
	case q.notify <- struct{}{}:
	default:
	}
	return handle, nil
}

// Close stops the worker after its current job, resolves every queued job
// with ErrQueueClosed and releases the HTTP client
func (q *FetchQueue) Close(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	pending := q.pending
	q.pending = nil
	started := q.started
	q.mu.Unlock()

	q.cancel()
	for _, handle := range pending {
		handle.resolve(nil, service.ErrQueueClosed)
		metrics.LedgerRequest(string(handle.Job.Kind), "closed")
	}
	metrics.LedgerQueueDepth(0)

	var err error
	if started {
		select {
		case <-q.done:
		case <-ctx.Done():
			err = ctx.Err()
		}
	}
	q.executor.CloseIdleConnections()
	q.logger.Info("Fetch queue closed", zap.Int("dropped_jobs", len(pending)))
	return err
}

// Len returns the number of jobs waiting to run
func (q *FetchQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *FetchQueue) run() {
	defer close(q.done)

	for {
		handle, ok := q.next()
		if !ok {
			return
		}

		if err := handle.ctx.Err(); err != nil {
			handle.resolve(nil, err)
			continue
		}
		result, err := q.executor.Execute(handle.ctx, handle.Job)
		metrics.LedgerRequest(string(handle.Job.Kind), outcome(result, err))
		if err != nil {
			q.logger.Warn("Ledger job failed",
				zap.String("job_id", handle.ID),
				zap.String("job", handle.Job.String()),
				zap.Error(err))
		}
		handle.resolve(result, err)

		if !q.pause() {
			return
		}
	}
}

// pause waits out the request delay after a job. It returns false once the
// queue is closed.
func (q *FetchQueue) pause() bool {
	if q.delay <= 0 {
		return q.stop.Err() == nil
	}
	timer := time.NewTimer(q.delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-q.stop.Done():
		return false
	}
}

// next pops the oldest job, blocking until one is queued or the queue stops
func (q *FetchQueue) next() (*Handle, bool) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, false
		}
		if len(q.pending) > 0 {
			handle := q.pending[0]
			q.pending[0] = nil
			q.pending = q.pending[1:]
			depth := len(q.pending)
			q.mu.Unlock()
			metrics.LedgerQueueDepth(depth)
			return handle, true
		}
		q.mu.Unlock()

		select {
		case <-q.notify:
		case <-q.stop.Done():
			return nil, false
		}
	}
}

func outcome(result *Result, err error) string {
	switch {
	case err == nil && result != nil && result.BlockTxPage != nil && result.BlockTxPage.Exhausted():
		return "empty"
	case err == nil:
		return "ok"
	case errors.Is(err, service.ErrAddressNotFound):
		return "not_found"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "failed"
	}
}

func (q *FetchQueue) do(ctx context.Context, job Job) (*Result, error) {
	handle, err := q.Submit(ctx, job)
	if err != nil {
		return nil, err
	}
	return handle.Await(ctx)
}

// GetAddressSummary fetches the address counters and its newest transactions
func (q *FetchQueue) GetAddressSummary(ctx context.Context, address string) (*entity.AddressSummary, error) {
	result, err := q.do(ctx, AddressSummaryJob(address))
	if err != nil {
		return nil, err
	}
	return result.Summary, nil
}

// GetAddressTxPage fetches the page of confirmed transactions older than afterTxID
func (q *FetchQueue) GetAddressTxPage(ctx context.Context, address, afterTxID string) ([]*entity.Transaction, error) {
	result, err := q.do(ctx, AddressTxPageJob(address, afterTxID))
	if err != nil {
		return nil, err
	}
	return result.Transactions, nil
}

// GetLatestBlocks fetches the most recent block headers
func (q *FetchQueue) GetLatestBlocks(ctx context.Context) ([]*entity.Block, error) {
	result, err := q.do(ctx, LatestBlocksJob())
	if err != nil {
		return nil, err
	}
	return result.Blocks, nil
}

// GetLatestHeight fetches the tip height
func (q *FetchQueue) GetLatestHeight(ctx context.Context) (int64, error) {
	result, err := q.do(ctx, LatestHeightJob())
	if err != nil {
		return 0, err
	}
	return result.Height, nil
}

// GetBlockHash resolves a height to its block hash
func (q *FetchQueue) GetBlockHash(ctx context.Context, height int64) (string, error) {
	result, err := q.do(ctx, BlockHashJob(height))
	if err != nil {
		return "", err
	}
	return result.BlockHash, nil
}

// GetBlockTxPage fetches one page of a block's transactions
func (q *FetchQueue) GetBlockTxPage(ctx context.Context, blockHash string, startIndex int) (*entity.BlockTxPage, error) {
	if startIndex%entity.BlockTxPageSize != 0 {
		return nil, fmt.Errorf("start index %d is not a multiple of %d", startIndex, entity.BlockTxPageSize)
	}
	result, err := q.do(ctx, BlockTxPageJob(blockHash, startIndex))
	if err != nil {
		return nil, err
	}
	return result.BlockTxPage, nil
}
