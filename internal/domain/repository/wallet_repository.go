package repository

import (
	"context"

	"btc-wallet-intel/internal/domain/entity"
)

// WalletRepository defines the interface for the wallet graph store
type WalletRepository interface {
	// UpsertWallet overwrites every property of the wallet node, creating it if needed
	UpsertWallet(ctx context.Context, wallet *entity.WalletData) error

	// GetWallet retrieves a wallet node by address. Returns ErrNotFound if absent.
	GetWallet(ctx context.Context, address string) (*entity.WalletData, error)

	// UpsertCounterparties merges one directed edge per counterparty, creating
	// stub nodes for counterparties not yet in the graph
	UpsertCounterparties(ctx context.Context, connections *entity.ConnectedWallets) error

	// GetCounterparties reads the edges touching a wallet from both endpoints
	GetCounterparties(ctx context.Context, address string) (*entity.ConnectedWallets, error)

	// PruneStubs deletes stub wallets that have no relationships left
	PruneStubs(ctx context.Context) (int64, error)
}
