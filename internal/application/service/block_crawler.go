package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"btc-wallet-intel/internal/domain/entity"
	"btc-wallet-intel/internal/domain/repository"
	"btc-wallet-intel/internal/domain/service"
	"btc-wallet-intel/internal/infrastructure/config"
	"btc-wallet-intel/internal/infrastructure/logger"
	"btc-wallet-intel/internal/infrastructure/metrics"

	"github.com/looplab/fsm"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Crawler states
const (
	CrawlerStateIdle       = "idle"
	CrawlerStateCatchingUp = "catching_up"
	CrawlerStateTipReached = "tip_reached"
	CrawlerStateWaiting    = "waiting"
)

const (
	eventCatchUp  = "catch_up"
	eventReachTip = "reach_tip"
	eventWait     = "wait"
	eventStop     = "stop"
)

// BlockCrawler walks the chain block by block and re-derives every address
// a block touches
type BlockCrawler struct {
	ledger       service.LedgerService
	cache        repository.AddressCacheRepository
	synchronizer *AddressSynchronizer
	wallets      *WalletApplicationService
	config       *config.CrawlerConfig
	logger       *logger.Logger

	machine *fsm.FSM

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}

	root   context.Context
	cancel context.CancelFunc

	lastProcessed   atomic.Int64
	latestHeight    atomic.Int64
	newestBlockTime atomic.Int64
}

// NewBlockCrawler creates a new block crawler in the idle state
func NewBlockCrawler(
	ledger service.LedgerService,
	cache repository.AddressCacheRepository,
	synchronizer *AddressSynchronizer,
	wallets *WalletApplicationService,
	cfg *config.CrawlerConfig,
	logger *logger.Logger,
) *BlockCrawler {
	root, cancel := context.WithCancel(context.Background())
	c := &BlockCrawler{
		ledger:       ledger,
		cache:        cache,
		synchronizer: synchronizer,
		wallets:      wallets,
		config:       cfg,
		logger:       logger.WithComponent("block-crawler"),
		root:         root,
		cancel:       cancel,
	}
	c.machine = c.newStateMachine()
	metrics.CrawlerState(CrawlerStateIdle)
	return c
}

func (c *BlockCrawler) newStateMachine() *fsm.FSM {
	return fsm.NewFSM(
		CrawlerStateIdle,
		fsm.Events{
			{
				Name: eventCatchUp,
				Src:  []string{CrawlerStateIdle, CrawlerStateTipReached, CrawlerStateWaiting},
				Dst:  CrawlerStateCatchingUp,
			},
			{
				Name: eventReachTip,
				Src:  []string{CrawlerStateCatchingUp},
				Dst:  CrawlerStateTipReached,
			},
			{
				Name: eventWait,
				Src:  []string{CrawlerStateTipReached},
				Dst:  CrawlerStateWaiting,
			},
			{
				Name: eventStop,
				Src:  []string{CrawlerStateCatchingUp, CrawlerStateTipReached, CrawlerStateWaiting},
				Dst:  CrawlerStateIdle,
			},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				metrics.CrawlerState(e.Dst)
				c.logger.Debug("Crawler state changed",
					zap.String("from", e.Src),
					zap.String("to", e.Dst))
			},
		},
	)
}

// Start loads the persisted cursor and launches the crawl loop.
// It fails with ErrCrawlerRunning while a previous loop is still active.
func (c *BlockCrawler) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running || c.loopActive() {
		return service.ErrCrawlerRunning
	}
	if c.root.Err() != nil {
		return fmt.Errorf("crawler is shut down: %w", c.root.Err())
	}

	height, err := c.cache.GetLastProcessedHeight(ctx)
	if errors.Is(err, repository.ErrNotFound) {
		height = c.config.StartHeight
	} else if err != nil {
		return fmt.Errorf("failed to load last processed height: %w", err)
	}
	c.lastProcessed.Store(height)
	metrics.CrawlerHeight(height)

	c.running = true
	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	go c.run(c.root, c.stop, c.done)

	c.logger.Info("Block crawler started", zap.Int64("last_processed_height", height))
	return nil
}

// Stop asks the loop to exit at its next iteration boundary. In-flight
// fetches complete first.
func (c *BlockCrawler) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return
	}
	c.running = false
	close(c.stop)
	c.logger.Info("Block crawler stopping")
}

// Shutdown stops the loop, cancels in-flight work and waits for the loop to exit
func (c *BlockCrawler) Shutdown(ctx context.Context) error {
	c.Stop()
	c.cancel()

	c.mu.Lock()
	done := c.done
	c.mu.Unlock()
	if done == nil {
		return nil
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status returns a snapshot of the crawler
func (c *BlockCrawler) Status() service.CrawlerStatus {
	c.mu.Lock()
	running := c.running
	c.mu.Unlock()

	return service.CrawlerStatus{
		Running:             running,
		State:               c.machine.Current(),
		LastProcessedHeight: c.lastProcessed.Load(),
		LatestHeight:        c.latestHeight.Load(),
	}
}

// loopActive must be called with mu held
func (c *BlockCrawler) loopActive() bool {
	if c.done == nil {
		return false
	}
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

func (c *BlockCrawler) run(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	defer c.transition(context.Background(), eventStop)

	for alive(ctx, stop) {
		if err := c.step(ctx, stop); err != nil {
			if ctx.Err() != nil {
				break
			}
			c.logger.Error("Crawler iteration failed, backing off",
				zap.String("state", c.machine.Current()),
				zap.Int64("last_processed_height", c.lastProcessed.Load()),
				zap.Duration("backoff", c.config.RetryBackoff),
				zap.Error(err))
			sleep(ctx, stop, c.config.RetryBackoff)
		}
	}

	c.logger.Info("Block crawler stopped", zap.Int64("last_processed_height", c.lastProcessed.Load()))
}

// step runs one state's work. Panics are turned into errors so a bad block
// or address never kills the loop.
func (c *BlockCrawler) step(ctx context.Context, stop <-chan struct{}) (err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Recovered from crawler panic", zap.Any("panic", r), zap.Stack("stack"))
			err = fmt.Errorf("crawler panic: %v", r)
		}
	}()

	switch c.machine.Current() {
	case CrawlerStateTipReached:
		return c.checkTip(ctx)
	case CrawlerStateWaiting:
		c.wait(ctx, stop)
		if alive(ctx, stop) {
			c.transition(ctx, eventCatchUp)
		}
		return nil
	default:
		return c.catchUp(ctx, stop)
	}
}

// catchUp processes blocks in order until the local height reaches the
// ledger's tip. A failed block is left for the next attempt.
func (c *BlockCrawler) catchUp(ctx context.Context, stop <-chan struct{}) error {
	c.transition(ctx, eventCatchUp)

	latest, err := c.ledger.GetLatestHeight(ctx)
	if err != nil {
		return fmt.Errorf("failed to get latest height: %w", err)
	}
	c.latestHeight.Store(latest)

	for c.lastProcessed.Load() < latest {
		if !alive(ctx, stop) {
			return nil
		}

		height := c.lastProcessed.Load() + 1
		if err := c.processBlock(ctx, height); err != nil {
			metrics.CrawlerBlock("failed")
			return fmt.Errorf("failed to process block %d: %w", height, err)
		}
		metrics.CrawlerBlock("ok")
	}

	c.transition(ctx, eventReachTip)
	return nil
}

// checkTip confirms no listed block is above the local height before waiting
func (c *BlockCrawler) checkTip(ctx context.Context) error {
	blocks, err := c.ledger.GetLatestBlocks(ctx)
	if err != nil {
		return fmt.Errorf("failed to get latest blocks: %w", err)
	}

	last := c.lastProcessed.Load()
	var newest int64
	for _, block := range blocks {
		if block.Height > last {
			c.logger.Info("Tip moved while checking, catching up",
				zap.Int64("block_height", block.Height),
				zap.Int64("last_processed_height", last))
			c.transition(ctx, eventCatchUp)
			return nil
		}
		newest = max(newest, block.Timestamp)
	}

	c.newestBlockTime.Store(newest)
	c.transition(ctx, eventWait)
	return nil
}

// wait sleeps until a block interval has passed since the newest known
// block, but never less than the retry backoff
func (c *BlockCrawler) wait(ctx context.Context, stop <-chan struct{}) {
	next := time.Unix(c.newestBlockTime.Load(), 0).Add(c.config.BlockInterval)
	delay := max(time.Until(next), c.config.RetryBackoff)

	c.logger.Debug("Waiting for next block", zap.Duration("delay", delay))
	sleep(ctx, stop, delay)
}

// processBlock pages through a block, reconciles every address it touches
// and then advances the global cursor to its height
func (c *BlockCrawler) processBlock(ctx context.Context, height int64) error {
	hash, err := c.ledger.GetBlockHash(ctx, height)
	if err != nil {
		return err
	}

	touched := make(map[string][]*entity.Transaction)
	var order []string
	pages := 0
	for start := 0; ; start += entity.BlockTxPageSize {
		page, err := c.ledger.GetBlockTxPage(ctx, hash, start)
		if err != nil {
			return err
		}
		if page.Exhausted() {
			break
		}
		pages++
		for _, tx := range page.Transactions {
			for _, address := range tx.Addresses() {
				if _, ok := touched[address]; !ok {
					order = append(order, address)
				}
				touched[address] = append(touched[address], tx)
			}
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(c.config.Concurrency, 1))
	for _, address := range order {
		txs := touched[address]
		g.Go(func() error {
			return c.reconcile(gctx, address, height, txs)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if err := c.cache.SetLastProcessedHeight(ctx, height); err != nil {
		return fmt.Errorf("%w: %v", service.ErrStoreWriteFailed, err)
	}
	c.lastProcessed.Store(height)
	metrics.CrawlerHeight(height)

	c.logger.Info("Processed block",
		zap.Int64("height", height),
		zap.String("hash", hash),
		zap.Int("pages", pages),
		zap.Int("addresses", len(order)))
	return nil
}

// reconcile re-derives one address for a block unless its marker shows it
// was already done
func (c *BlockCrawler) reconcile(ctx context.Context, address string, height int64, txs []*entity.Transaction) error {
	started := time.Now()

	marker, err := c.cache.GetAddressProcessedHeight(ctx, address)
	if err != nil {
		return err
	}
	if marker >= height {
		metrics.WalletSync("crawler", "skipped", started)
		return nil
	}

	entry, err := c.synchronizer.MergeBlock(ctx, address, txs)
	switch {
	case errors.Is(err, service.ErrTooManyTransactions), errors.Is(err, service.ErrAddressNotFound):
		c.logger.Warn("Skipping address",
			zap.String("address", address),
			zap.Int64("height", height),
			zap.Error(err))
		metrics.WalletSync("crawler", "skipped", started)
		return c.mark(ctx, address, height)
	case err != nil:
		metrics.WalletSync("crawler", "error", started)
		return fmt.Errorf("failed to sync %s: %w", address, err)
	}

	if err := c.wallets.Persist(ctx, c.wallets.Aggregate(entry)); err != nil {
		metrics.WalletSync("crawler", "error", started)
		return fmt.Errorf("failed to persist %s: %w", address, err)
	}
	metrics.WalletSync("crawler", "ok", started)
	return c.mark(ctx, address, height)
}

func (c *BlockCrawler) mark(ctx context.Context, address string, height int64) error {
	if err := c.cache.SetAddressProcessedHeight(ctx, address, height); err != nil {
		return fmt.Errorf("%w: %v", service.ErrStoreWriteFailed, err)
	}
	return nil
}

func (c *BlockCrawler) transition(ctx context.Context, event string) {
	if !c.machine.Can(event) {
		return
	}
	if err := c.machine.Event(ctx, event); err != nil {
		c.logger.Warn("Crawler state transition failed", zap.String("event", event), zap.Error(err))
	}
}

func alive(ctx context.Context, stop <-chan struct{}) bool {
	select {
	case <-ctx.Done():
		return false
	case <-stop:
		return false
	default:
		return true
	}
}

func sleep(ctx context.Context, stop <-chan struct{}, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-ctx.Done():
	case <-stop:
	}
}

var _ service.CrawlerService = (*BlockCrawler)(nil)
