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
	"btc-wallet-intel/internal/infrastructure/metrics"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/jellydator/ttlcache/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// WalletApplicationService implements WalletService interface
type WalletApplicationService struct {
	synchronizer   *AddressSynchronizer
	wallets        repository.WalletRepository
	classifier     service.Classifier
	publisher      service.WalletEventPublisher
	params         *chaincfg.Params
	fresh          *ttlcache.Cache[string, *entity.WalletData]
	group          singleflight.Group
	includeMempool bool
	syncTimeout    time.Duration
	logger         *logger.Logger
	now            func() time.Time
}

// NewWalletApplicationService creates a new wallet application service
func NewWalletApplicationService(
	synchronizer *AddressSynchronizer,
	wallets repository.WalletRepository,
	classifier service.Classifier,
	publisher service.WalletEventPublisher,
	params *chaincfg.Params,
	cfg *config.Config,
	logger *logger.Logger,
) *WalletApplicationService {
	if classifier == nil {
		classifier = service.NopClassifier{}
	}

	var fresh *ttlcache.Cache[string, *entity.WalletData]
	if cfg.Wallet.FreshnessTTL > 0 {
		fresh = ttlcache.New[string, *entity.WalletData](
			ttlcache.WithTTL[string, *entity.WalletData](cfg.Wallet.FreshnessTTL),
			ttlcache.WithDisableTouchOnHit[string, *entity.WalletData](),
		)
	}

	return &WalletApplicationService{
		synchronizer:   synchronizer,
		wallets:        wallets,
		classifier:     classifier,
		publisher:      publisher,
		params:         params,
		fresh:          fresh,
		includeMempool: cfg.Crawler.IncludeMempool,
		syncTimeout:    cfg.Wallet.SyncTimeout,
		logger:         logger.WithComponent("wallet-service"),
		now:            time.Now,
	}
}

// SyncOrFetch returns the stored wallet vector when it is populated, otherwise
// syncs the address from the ledger and rewrites its graph node.
// Concurrent requests for one address share a single sync.
func (s *WalletApplicationService) SyncOrFetch(ctx context.Context, address string, force bool) (*entity.WalletData, error) {
	if err := s.validateAddress(address); err != nil {
		return nil, err
	}

	if !force {
		if wallet := s.cached(address); wallet != nil {
			return wallet, nil
		}

		started := s.now()
		wallet, err := s.wallets.GetWallet(ctx, address)
		switch {
		case err == nil && wallet.IsPopulated:
			metrics.WalletSync("graph", "hit", started)
			s.remember(wallet)
			return wallet, nil
		case err != nil && !errors.Is(err, repository.ErrNotFound):
			s.logger.Warn("Failed to read wallet from graph, syncing instead",
				zap.String("address", address),
				zap.Error(err))
		}
	}

	// the shared sync outlives any single caller; a caller that goes away
	// only stops waiting for it
	ch := s.group.DoChan(address, func() (interface{}, error) {
		syncCtx := context.WithoutCancel(ctx)
		if s.syncTimeout > 0 {
			var cancel context.CancelFunc
			syncCtx, cancel = context.WithTimeout(syncCtx, s.syncTimeout)
			defer cancel()
		}
		return s.refresh(syncCtx, address)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared {
			s.logger.Debug("Joined in-flight wallet sync", zap.String("address", address))
		}
		return res.Val.(*entity.WalletData), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// GetCounterparties returns the edges stored for a wallet
func (s *WalletApplicationService) GetCounterparties(ctx context.Context, address string) (*entity.ConnectedWallets, error) {
	if err := s.validateAddress(address); err != nil {
		return nil, err
	}
	return s.wallets.GetCounterparties(ctx, address)
}

// Persist classifies the aggregate and writes the wallet node and its edges.
// The crawler shares this path with on-demand syncs.
func (s *WalletApplicationService) Persist(ctx context.Context, aggregate *service.WalletAggregate) error {
	wallet := aggregate.Wallet

	label, err := s.classifier.Classify(ctx, wallet)
	if err != nil {
		s.logger.Warn("Failed to classify wallet",
			zap.String("address", wallet.Address),
			zap.Error(err))
		label = entity.Unclassified
	}
	wallet.ClassInference = label

	if err := s.wallets.UpsertWallet(ctx, wallet); err != nil {
		return fmt.Errorf("%w: %v", service.ErrStoreWriteFailed, err)
	}
	if err := s.wallets.UpsertCounterparties(ctx, aggregate.Connections); err != nil {
		return fmt.Errorf("%w: %v", service.ErrStoreWriteFailed, err)
	}

	if s.publisher != nil {
		if err := s.publisher.PublishWalletUpdated(ctx, wallet); err != nil {
			s.logger.Warn("Failed to publish wallet update",
				zap.String("address", wallet.Address),
				zap.Error(err))
		}
	}

	s.remember(wallet)
	return nil
}

// Aggregate builds the wallet vector of a synced cache entry
func (s *WalletApplicationService) Aggregate(entry *entity.AddressCacheEntry) *service.WalletAggregate {
	return service.AggregateWallet(entry.Address, entry.Transactions, s.includeMempool, s.now())
}

// Close stops the freshness cache janitor
func (s *WalletApplicationService) Close() {
	if s.fresh != nil {
		s.fresh.Stop()
	}
}

// StartJanitor runs the freshness cache expiry loop until Close
func (s *WalletApplicationService) StartJanitor() {
	if s.fresh != nil {
		go s.fresh.Start()
	}
}

func (s *WalletApplicationService) refresh(ctx context.Context, address string) (*entity.WalletData, error) {
	started := s.now()
	s.logger.Info("Syncing wallet", zap.String("address", address))

	entry, err := s.synchronizer.Sync(ctx, address)
	if err != nil {
		metrics.WalletSync("ledger", "error", started)
		s.logger.Error("Failed to sync wallet",
			zap.String("address", address),
			zap.Error(err))
		return nil, err
	}

	aggregate := s.Aggregate(entry)
	if err := s.Persist(ctx, aggregate); err != nil {
		metrics.WalletSync("ledger", "error", started)
		return nil, err
	}

	metrics.WalletSync("ledger", "ok", started)
	s.logger.Info("Synced wallet",
		zap.String("address", address),
		zap.Int64("total_txs", aggregate.Wallet.TotalTxs),
		zap.Int("inbound", len(aggregate.Connections.InboundConnections)),
		zap.Int("outbound", len(aggregate.Connections.OutboundConnections)),
		zap.Duration("duration", s.now().Sub(started)))
	return aggregate.Wallet, nil
}

func (s *WalletApplicationService) validateAddress(address string) error {
	decoded, err := btcutil.DecodeAddress(address, s.params)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", service.ErrInvalidAddress, address, err)
	}
	if !decoded.IsForNet(s.params) {
		return fmt.Errorf("%w: %s is not a %s address", service.ErrInvalidAddress, address, s.params.Name)
	}
	return nil
}

func (s *WalletApplicationService) cached(address string) *entity.WalletData {
	if s.fresh == nil {
		return nil
	}
	item := s.fresh.Get(address)
	if item == nil {
		return nil
	}
	metrics.WalletSync("memory", "hit", s.now())
	return item.Value()
}

func (s *WalletApplicationService) remember(wallet *entity.WalletData) {
	if s.fresh == nil {
		return
	}
	s.fresh.Set(wallet.Address, wallet, ttlcache.DefaultTTL)
}

var _ service.WalletService = (*WalletApplicationService)(nil)
