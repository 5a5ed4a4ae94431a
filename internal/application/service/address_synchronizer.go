package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"btc-wallet-intel/internal/domain/entity"
	"btc-wallet-intel/internal/domain/repository"
	"btc-wallet-intel/internal/domain/service"
	"btc-wallet-intel/internal/infrastructure/config"
	"btc-wallet-intel/internal/infrastructure/logger"

	"go.uber.org/zap"
)

// AddressSynchronizer keeps the raw cache of an address in step with the ledger
type AddressSynchronizer struct {
	ledger          service.LedgerService
	cache           repository.AddressCacheRepository
	maxTransactions int
	pageSize        int
	logger          *logger.Logger
	now             func() time.Time
}

// NewAddressSynchronizer creates a new address synchronizer
func NewAddressSynchronizer(
	ledger service.LedgerService,
	cache repository.AddressCacheRepository,
	cfg *config.LedgerConfig,
	logger *logger.Logger,
) *AddressSynchronizer {
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = entity.BlockTxPageSize
	}
	return &AddressSynchronizer{
		ledger:          ledger,
		cache:           cache,
		maxTransactions: cfg.MaxTransactions,
		pageSize:        pageSize,
		logger:          logger.WithComponent("address-synchronizer"),
		now:             time.Now,
	}
}

// FullSync fetches the complete transaction history of an address, newest
// first. Nothing is written to the cache.
func (s *AddressSynchronizer) FullSync(ctx context.Context, address string) (*entity.AddressCacheEntry, error) {
	summary, err := s.ledger.GetAddressSummary(ctx, address)
	if err != nil {
		return nil, err
	}
	if err := s.checkCap(address, summary); err != nil {
		return nil, err
	}

	txs, _, err := s.collect(ctx, address, summary, "")
	if err != nil {
		return nil, err
	}

	entry := s.newEntry(summary, txs)
	s.logger.Debug("Fetched address history",
		zap.String("address", address),
		zap.Int("transactions", len(txs)))
	return entry, nil
}

// Sync refreshes the cached history of an address and saves it. Cached
// addresses only fetch the pages newer than their cursor.
func (s *AddressSynchronizer) Sync(ctx context.Context, address string) (*entity.AddressCacheEntry, error) {
	cached, err := s.cache.GetAddress(ctx, address)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("failed to read address cache: %w", err)
	}

	var entry *entity.AddressCacheEntry
	if cached == nil || cached.LastSeenTxID == "" {
		entry, err = s.FullSync(ctx, address)
	} else {
		entry, err = s.incrementalSync(ctx, cached)
	}
	if err != nil {
		return nil, err
	}

	if err := s.save(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// MergeBlock folds the transactions of a newly processed block into a cached
// address without refetching it. Uncached addresses get a full sync instead.
func (s *AddressSynchronizer) MergeBlock(ctx context.Context, address string, txs []*entity.Transaction) (*entity.AddressCacheEntry, error) {
	entry, err := s.cache.GetAddress(ctx, address)
	if errors.Is(err, repository.ErrNotFound) {
		return s.Sync(ctx, address)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read address cache: %w", err)
	}

	applied := 0
	for _, tx := range txs {
		if entry.ApplyBlockTransaction(tx) {
			applied++
		}
	}
	if s.maxTransactions > 0 && len(entry.Transactions) > s.maxTransactions {
		return nil, fmt.Errorf("%w: %s has %d cached transactions", service.ErrTooManyTransactions, address, len(entry.Transactions))
	}
	if applied == 0 {
		return entry, nil
	}

	entry.UpdatedAt = s.now().UTC()
	if err := s.save(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

func (s *AddressSynchronizer) incrementalSync(ctx context.Context, cached *entity.AddressCacheEntry) (*entity.AddressCacheEntry, error) {
	summary, err := s.ledger.GetAddressSummary(ctx, cached.Address)
	if err != nil {
		return nil, err
	}
	if err := s.checkCap(cached.Address, summary); err != nil {
		return nil, err
	}

	fresh, reachedCursor, err := s.collect(ctx, cached.Address, summary, cached.LastSeenTxID)
	if err != nil {
		return nil, err
	}
	if !reachedCursor {
		// cursor vanished from the ledger's history, the fresh pages are the whole history
		s.logger.Warn("Cursor not found while paging, replacing cached history",
			zap.String("address", cached.Address),
			zap.String("cursor", cached.LastSeenTxID))
		return s.newEntry(summary, fresh), nil
	}

	seen := make(map[string]struct{}, len(fresh))
	merged := make([]*entity.Transaction, 0, len(fresh)+len(cached.Transactions))
	for _, tx := range fresh {
		seen[tx.TxID] = struct{}{}
		merged = append(merged, tx)
	}
	for _, tx := range cached.Transactions {
		// cached mempool entries are superseded by the fresh first page
		if !tx.IsConfirmed() {
			continue
		}
		if _, ok := seen[tx.TxID]; ok {
			continue
		}
		merged = append(merged, tx)
	}
	if s.maxTransactions > 0 && len(merged) > s.maxTransactions {
		return nil, fmt.Errorf("%w: %s has %d transactions", service.ErrTooManyTransactions, cached.Address, len(merged))
	}

	s.logger.Debug("Refreshed address history",
		zap.String("address", cached.Address),
		zap.Int("new_transactions", len(fresh)),
		zap.Int("transactions", len(merged)))
	return s.newEntry(summary, merged), nil
}

// collect walks the address pages newest-first starting with the summary's
// page, stopping at a short page or at the stopAt transaction, which is not
// included. It reports whether stopAt was reached.
func (s *AddressSynchronizer) collect(ctx context.Context, address string, summary *entity.AddressSummary, stopAt string) ([]*entity.Transaction, bool, error) {
	seen := make(map[string]struct{})
	var txs []*entity.Transaction

	page := summary.Transactions
	more := summary.ChainStats.TxCount > int64(s.pageSize)
	for {
		for _, tx := range page {
			if stopAt != "" && tx.TxID == stopAt {
				return txs, true, nil
			}
			if _, ok := seen[tx.TxID]; ok {
				continue
			}
			seen[tx.TxID] = struct{}{}
			txs = append(txs, tx)
		}
		if s.maxTransactions > 0 && len(txs) > s.maxTransactions {
			return nil, false, fmt.Errorf("%w: %s", service.ErrTooManyTransactions, address)
		}
		if !more || len(page) == 0 {
			return txs, false, nil
		}

		anchor := page[len(page)-1].TxID
		next, err := s.ledger.GetAddressTxPage(ctx, address, anchor)
		if err != nil {
			return nil, false, err
		}
		page = next
		more = len(page) >= s.pageSize
	}
}

func (s *AddressSynchronizer) checkCap(address string, summary *entity.AddressSummary) error {
	total := summary.ChainStats.TxCount + summary.MempoolStats.TxCount
	if s.maxTransactions > 0 && total > int64(s.maxTransactions) {
		return fmt.Errorf("%w: %s has %d transactions", service.ErrTooManyTransactions, address, total)
	}
	return nil
}

func (s *AddressSynchronizer) newEntry(summary *entity.AddressSummary, txs []*entity.Transaction) *entity.AddressCacheEntry {
	entry := &entity.AddressCacheEntry{
		Address:      summary.Address,
		ChainStats:   *summary.ChainStats,
		MempoolStats: *summary.MempoolStats,
		UpdatedAt:    s.now().UTC(),
		Transactions: txs,
	}
	entry.LastSeenTxID = entry.NewestConfirmedTxID()
	return entry
}

func (s *AddressSynchronizer) save(ctx context.Context, entry *entity.AddressCacheEntry) error {
	if err := s.cache.SaveAddress(ctx, entry); err != nil {
		s.logger.Error("Failed to save address cache", zap.String("address", entry.Address), zap.Error(err))
		return fmt.Errorf("%w: %v", service.ErrStoreWriteFailed, err)
	}
	return nil
}
