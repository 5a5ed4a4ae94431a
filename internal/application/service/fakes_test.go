package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"btc-wallet-intel/internal/domain/entity"
	"btc-wallet-intel/internal/domain/repository"
	"btc-wallet-intel/internal/domain/service"
	"btc-wallet-intel/internal/infrastructure/config"
	"btc-wallet-intel/internal/infrastructure/logger"

	"github.com/btcsuite/btcd/chaincfg"
)

const (
	addrAlice = "bc1qar0srrr7xfkvy5l643lydnw9re59gtzzwf5mdq"
	addrBob   = "1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa"
	addrCarol = "3J98t1WpEZ73CNmQviecrnyiWrnqRhWNLy"
)

type leg struct {
	address string
	value   int64
}

// newTx builds a transaction; height 0 means unconfirmed
func newTx(txid string, height int64, fee int64, inputs, outputs []leg) *entity.Transaction {
	tx := &entity.Transaction{
		TxID:   txid,
		Fee:    fee,
		Status: &entity.TxStatus{},
	}
	if height > 0 {
		tx.Status = &entity.TxStatus{Confirmed: true, BlockHeight: height, BlockTime: 1_600_000_000 + height*600}
	}
	for _, in := range inputs {
		address := in.address
		tx.Vin = append(tx.Vin, entity.TxInput{
			TxID:    "prev-" + txid,
			Prevout: &entity.TxOutput{ScriptPubKeyAddress: &address, Value: in.value},
		})
	}
	for _, out := range outputs {
		address := out.address
		tx.Vout = append(tx.Vout, entity.TxOutput{ScriptPubKeyAddress: &address, Value: out.value})
	}
	return tx
}

func blockHash(height int64) string {
	return fmt.Sprintf("%064d", height)
}

// fakeLedger serves canned ledger responses and records the calls it sees
type fakeLedger struct {
	mu sync.Mutex

	summaries    map[string]*entity.AddressSummary
	pages        map[string][]*entity.Transaction // keyed by address + "/" + anchor txid
	latestHeight int64
	latestBlocks []*entity.Block
	blocks       map[int64][]*entity.Transaction
	failOnce     map[string]error // keyed by "page/<hash>/<start>"

	// when set, GetAddressSummary signals summaryEntered and blocks until
	// summaryGate is closed
	summaryEntered chan struct{}
	summaryGate    chan struct{}

	summaryCalls []string
	pageCalls    []string
	blockCalls   []int
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		summaries: make(map[string]*entity.AddressSummary),
		pages:     make(map[string][]*entity.Transaction),
		blocks:    make(map[int64][]*entity.Transaction),
		failOnce:  make(map[string]error),
	}
}

// setHistory registers the newest-first history of an address, split into
// pages the way the ledger serves them
func (l *fakeLedger) setHistory(address string, txs []*entity.Transaction, pageSize int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	first := txs[:min(pageSize, len(txs))]
	l.summaries[address] = &entity.AddressSummary{
		Address:      address,
		ChainStats:   &entity.AddressStats{TxCount: int64(len(txs))},
		MempoolStats: &entity.AddressStats{},
		Transactions: first,
	}
	for start := pageSize; start <= len(txs); start += pageSize {
		anchor := txs[start-1].TxID
		l.pages[address+"/"+anchor] = txs[start:min(start+pageSize, len(txs))]
	}
}

func (l *fakeLedger) GetAddressSummary(ctx context.Context, address string) (*entity.AddressSummary, error) {
	if l.summaryGate != nil {
		l.summaryEntered <- struct{}{}
		<-l.summaryGate
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.summaryCalls = append(l.summaryCalls, address)
	summary, ok := l.summaries[address]
	if !ok {
		return nil, fmt.Errorf("%w: %s", service.ErrAddressNotFound, address)
	}
	copied := *summary
	return &copied, nil
}

func (l *fakeLedger) GetAddressTxPage(_ context.Context, address, afterTxID string) ([]*entity.Transaction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.pageCalls = append(l.pageCalls, afterTxID)
	return l.pages[address+"/"+afterTxID], nil
}

func (l *fakeLedger) GetLatestBlocks(context.Context) ([]*entity.Block, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.latestBlocks, nil
}

func (l *fakeLedger) GetLatestHeight(context.Context) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.latestHeight, nil
}

func (l *fakeLedger) GetBlockHash(_ context.Context, height int64) (string, error) {
	return blockHash(height), nil
}

func (l *fakeLedger) GetBlockTxPage(_ context.Context, hash string, startIndex int) (*entity.BlockTxPage, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.blockCalls = append(l.blockCalls, startIndex)
	key := fmt.Sprintf("page/%s/%d", hash, startIndex)
	if err, ok := l.failOnce[key]; ok {
		delete(l.failOnce, key)
		return nil, err
	}

	page := &entity.BlockTxPage{BlockHash: hash, StartIndex: startIndex}
	for height, txs := range l.blocks {
		if blockHash(height) != hash || startIndex >= len(txs) {
			continue
		}
		page.Transactions = txs[startIndex:min(startIndex+entity.BlockTxPageSize, len(txs))]
	}
	return page, nil
}

func (l *fakeLedger) blockPageCalls() []int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]int(nil), l.blockCalls...)
}

func (l *fakeLedger) summaryCallCount(address string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := 0
	for _, a := range l.summaryCalls {
		if a == address {
			n++
		}
	}
	return n
}

// fakeCache is an in-memory AddressCacheRepository with the same $max
// semantics as the Mongo one
type fakeCache struct {
	mu sync.Mutex

	entries       map[string]*entity.AddressCacheEntry
	markers       map[string]int64
	height        *int64
	heightHistory []int64
	saveErr       error
}

func newFakeCache() *fakeCache {
	return &fakeCache{
		entries: make(map[string]*entity.AddressCacheEntry),
		markers: make(map[string]int64),
	}
}

func (c *fakeCache) GetAddress(_ context.Context, address string) (*entity.AddressCacheEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[address]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copied := *entry
	copied.Transactions = append([]*entity.Transaction(nil), entry.Transactions...)
	return &copied, nil
}

func (c *fakeCache) SaveAddress(_ context.Context, entry *entity.AddressCacheEntry) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.saveErr != nil {
		return c.saveErr
	}
	copied := *entry
	copied.Transactions = append([]*entity.Transaction(nil), entry.Transactions...)
	c.entries[entry.Address] = &copied
	return nil
}

func (c *fakeCache) GetAddressProcessedHeight(_ context.Context, address string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	marker, ok := c.markers[address]
	if !ok {
		return entity.AddressNeverProcessed, nil
	}
	return marker, nil
}

func (c *fakeCache) SetAddressProcessedHeight(_ context.Context, address string, height int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if current, ok := c.markers[address]; !ok || height > current {
		c.markers[address] = height
	}
	return nil
}

func (c *fakeCache) GetLastProcessedHeight(context.Context) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.height == nil {
		return 0, repository.ErrNotFound
	}
	return *c.height, nil
}

func (c *fakeCache) SetLastProcessedHeight(_ context.Context, height int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.height == nil || height > *c.height {
		c.height = &height
	}
	c.heightHistory = append(c.heightHistory, *c.height)
	return nil
}

func (c *fakeCache) ResetLastProcessedHeight(_ context.Context, height int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.height = &height
	return nil
}

func (c *fakeCache) marker(address string) (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	marker, ok := c.markers[address]
	return marker, ok
}

// fakeWalletRepo is an in-memory WalletRepository
type fakeWalletRepo struct {
	mu sync.Mutex

	wallets     map[string]*entity.WalletData
	connections map[string]*entity.ConnectedWallets
	upserts     map[string]int
	getCalls    int
}

func newFakeWalletRepo() *fakeWalletRepo {
	return &fakeWalletRepo{
		wallets:     make(map[string]*entity.WalletData),
		connections: make(map[string]*entity.ConnectedWallets),
		upserts:     make(map[string]int),
	}
}

func (r *fakeWalletRepo) UpsertWallet(_ context.Context, wallet *entity.WalletData) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	copied := *wallet
	r.wallets[wallet.Address] = &copied
	r.upserts[wallet.Address]++
	return nil
}

func (r *fakeWalletRepo) GetWallet(_ context.Context, address string) (*entity.WalletData, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.getCalls++
	wallet, ok := r.wallets[address]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copied := *wallet
	return &copied, nil
}

func (r *fakeWalletRepo) UpsertCounterparties(_ context.Context, connections *entity.ConnectedWallets) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.connections[connections.WalletAddress] = connections
	return nil
}

func (r *fakeWalletRepo) GetCounterparties(_ context.Context, address string) (*entity.ConnectedWallets, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	connections, ok := r.connections[address]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return connections, nil
}

func (r *fakeWalletRepo) PruneStubs(context.Context) (int64, error) {
	return 0, nil
}

func (r *fakeWalletRepo) upsertCount(address string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.upserts[address]
}

type fakePublisher struct {
	mu        sync.Mutex
	published []string
}

func (p *fakePublisher) PublishWalletUpdated(_ context.Context, wallet *entity.WalletData) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, wallet.Address)
	return nil
}

func (p *fakePublisher) addresses() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.published...)
}

type fakeClassifier struct {
	label int64
	err   error
}

func (c fakeClassifier) Classify(context.Context, *entity.WalletData) (int64, error) {
	return c.label, c.err
}

// harness wires the application services on top of the fakes
type harness struct {
	ledger       *fakeLedger
	cache        *fakeCache
	wallets      *fakeWalletRepo
	publisher    *fakePublisher
	synchronizer *AddressSynchronizer
	service      *WalletApplicationService
	crawler      *BlockCrawler
}

func newHarness(t *testing.T, classifier service.Classifier) *harness {
	t.Helper()

	cfg := &config.Config{
		Ledger: config.LedgerConfig{
			MaxTransactions: 1000,
			PageSize:        entity.BlockTxPageSize,
		},
		Crawler: config.CrawlerConfig{
			RetryBackoff:  time.Millisecond,
			BlockInterval: time.Hour,
			Concurrency:   4,
		},
		Wallet: config.WalletConfig{
			FreshnessTTL: time.Minute,
		},
	}
	log := logger.NewNopLogger()

	h := &harness{
		ledger:    newFakeLedger(),
		cache:     newFakeCache(),
		wallets:   newFakeWalletRepo(),
		publisher: &fakePublisher{},
	}
	h.synchronizer = NewAddressSynchronizer(h.ledger, h.cache, &cfg.Ledger, log)
	h.service = NewWalletApplicationService(h.synchronizer, h.wallets, classifier, h.publisher, &chaincfg.MainNetParams, cfg, log)
	h.crawler = NewBlockCrawler(h.ledger, h.cache, h.synchronizer, h.service, &cfg.Crawler, log)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = h.crawler.Shutdown(ctx)
		h.service.Close()
	})
	return h
}

// history builds n confirmed transactions for address, newest first
func history(address string, n int) []*entity.Transaction {
	txs := make([]*entity.Transaction, 0, n)
	for i := n; i >= 1; i-- {
		txid := fmt.Sprintf("%s-%03d", strings.ToLower(address[:6]), i)
		txs = append(txs, newTx(txid, int64(100+i), 100,
			[]leg{{addrCarol, 10_000}},
			[]leg{{address, 9_900}}))
	}
	return txs
}
