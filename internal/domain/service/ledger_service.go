package service

import (
	"context"

	"btc-wallet-intel/internal/domain/entity"
)

// LedgerService defines the typed operations of the external ledger API.
// Every call goes through the rate-limited fetch queue.
type LedgerService interface {
	// GetAddressSummary fetches the address counters together with the newest
	// page of its transactions
	GetAddressSummary(ctx context.Context, address string) (*entity.AddressSummary, error)

	// GetAddressTxPage fetches up to one page of confirmed transactions older
	// than afterTxID, newest-first
	GetAddressTxPage(ctx context.Context, address, afterTxID string) ([]*entity.Transaction, error)

	// GetLatestBlocks returns the most recent block headers, newest first
	GetLatestBlocks(ctx context.Context) ([]*entity.Block, error)

	// GetLatestHeight returns the tip height
	GetLatestHeight(ctx context.Context) (int64, error)

	// GetBlockHash resolves a height to a block hash
	GetBlockHash(ctx context.Context, height int64) (string, error)

	// GetBlockTxPage returns the transactions of a block starting at startIndex.
	// An empty page means the block has no more transactions.
	GetBlockTxPage(ctx context.Context, blockHash string, startIndex int) (*entity.BlockTxPage, error)
}
