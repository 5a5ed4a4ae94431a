package service

import (
	"context"

	"btc-wallet-intel/internal/domain/entity"
)

// WalletService defines the on-demand wallet operations
type WalletService interface {
	// SyncOrFetch returns the wallet vector, syncing it from the ledger when the
	// stored copy is missing, a stub, or force is set
	SyncOrFetch(ctx context.Context, address string, force bool) (*entity.WalletData, error)

	// GetCounterparties returns the inbound and outbound edges of a wallet
	GetCounterparties(ctx context.Context, address string) (*entity.ConnectedWallets, error)
}

// CrawlerStatus is a point-in-time view of the block crawler
type CrawlerStatus struct {
	Running             bool   `json:"running"`
	State               string `json:"state"`
	LastProcessedHeight int64  `json:"last_processed_height"`
	LatestHeight        int64  `json:"latest_height"`
}

// CrawlerService defines the crawler controls
type CrawlerService interface {
	Start(ctx context.Context) error
	Stop()
	Status() CrawlerStatus
}

// WalletEventPublisher announces wallets whose graph node was rewritten
type WalletEventPublisher interface {
	PublishWalletUpdated(ctx context.Context, wallet *entity.WalletData) error
}
