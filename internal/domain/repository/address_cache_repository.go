package repository

import (
	"context"

	"btc-wallet-intel/internal/domain/entity"
)

// AddressCacheRepository defines the interface for the raw transaction cache
// and the crawler's processing cursors
type AddressCacheRepository interface {
	// GetAddress returns the cached entry with its transactions newest-first.
	// Returns ErrNotFound if the address was never fetched.
	GetAddress(ctx context.Context, address string) (*entity.AddressCacheEntry, error)

	// SaveAddress replaces the cached entry and its transaction list
	SaveAddress(ctx context.Context, entry *entity.AddressCacheEntry) error

	// GetAddressProcessedHeight returns the per-address crawler marker,
	// entity.AddressNeverProcessed when unset
	GetAddressProcessedHeight(ctx context.Context, address string) (int64, error)

	// SetAddressProcessedHeight records that the address was reconciled at height
	SetAddressProcessedHeight(ctx context.Context, address string, height int64) error

	// GetLastProcessedHeight returns the global crawler cursor
	GetLastProcessedHeight(ctx context.Context) (int64, error)

	// SetLastProcessedHeight advances the global crawler cursor. Lower values
	// than the stored one are ignored.
	SetLastProcessedHeight(ctx context.Context, height int64) error

	// ResetLastProcessedHeight overwrites the global cursor unconditionally
	ResetLastProcessedHeight(ctx context.Context, height int64) error
}
