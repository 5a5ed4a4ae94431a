package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"btc-wallet-intel/internal/domain/entity"
	"btc-wallet-intel/internal/domain/repository"
	"btc-wallet-intel/internal/infrastructure/logger"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

// MongoAddressCacheRepository implements AddressCacheRepository on Mongo.
// Address counters live in `addresses`, one document per cached transaction
// in `address_transactions`, the global cursor in `metadata`.
type MongoAddressCacheRepository struct {
	client *MongoClient
	logger *logger.Logger
}

// addressTransactionDocument stores one cached transaction of an address.
// Position 0 is the newest transaction.
type addressTransactionDocument struct {
	Address     string              `bson:"address"`
	TxID        string              `bson:"txid"`
	Position    int                 `bson:"position"`
	BlockTime   int64               `bson:"block_time"`
	Transaction *entity.Transaction `bson:"tx"`
}

type processedHeightDocument struct {
	LastProcessedHeight *int64 `bson:"last_processed_height"`
}

type metadataDocument struct {
	Height int64 `bson:"height"`
}

// NewMongoAddressCacheRepository creates a new address cache repository
func NewMongoAddressCacheRepository(client *MongoClient, logger *logger.Logger) repository.AddressCacheRepository {
	return &MongoAddressCacheRepository{
		client: client,
		logger: logger.WithComponent("address-cache-repository"),
	}
}

// GetAddress returns the cached entry and its transactions newest-first
func (r *MongoAddressCacheRepository) GetAddress(ctx context.Context, address string) (*entity.AddressCacheEntry, error) {
	var entry entity.AddressCacheEntry
	err := r.client.Collection(addressesCollection).FindOne(ctx, bson.M{"_id": address}).Decode(&entry)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get address: %w", err)
	}
	// documents created only by a crawler marker carry no cache data
	if entry.UpdatedAt.IsZero() {
		return nil, repository.ErrNotFound
	}

	cursor, err := r.client.Collection(addressTransactionsCollection).Find(ctx,
		bson.M{"address": address},
		options.Find().SetSort(bson.D{{Key: "position", Value: 1}}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query address transactions: %w", err)
	}

	var docs []addressTransactionDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode address transactions: %w", err)
	}

	entry.Transactions = make([]*entity.Transaction, 0, len(docs))
	for _, doc := range docs {
		entry.Transactions = append(entry.Transactions, doc.Transaction)
	}
	return &entry, nil
}

// SaveAddress replaces the cached counters and transaction list of an address
func (r *MongoAddressCacheRepository) SaveAddress(ctx context.Context, entry *entity.AddressCacheEntry) error {
	if entry.UpdatedAt.IsZero() {
		entry.UpdatedAt = time.Now().UTC()
	}

	txids := make([]string, 0, len(entry.Transactions))
	if len(entry.Transactions) > 0 {
		models := make([]mongo.WriteModel, 0, len(entry.Transactions))
		for i, tx := range entry.Transactions {
			var blockTime int64
			if tx.Status != nil {
				blockTime = tx.Status.BlockTime
			}
			doc := addressTransactionDocument{
				Address:     entry.Address,
				TxID:        tx.TxID,
				Position:    i,
				BlockTime:   blockTime,
				Transaction: tx,
			}
			models = append(models, mongo.NewReplaceOneModel().
				SetFilter(bson.M{"address": entry.Address, "txid": tx.TxID}).
				SetReplacement(doc).
				SetUpsert(true))
			txids = append(txids, tx.TxID)
		}

		_, err := r.client.Collection(addressTransactionsCollection).BulkWrite(ctx, models,
			options.BulkWrite().SetOrdered(false))
		if err != nil {
			r.logger.Error("Failed to write address transactions",
				zap.String("address", entry.Address),
				zap.Int("count", len(models)),
				zap.Error(err))
			return fmt.Errorf("failed to write address transactions: %w", err)
		}
	}

	_, err := r.client.Collection(addressTransactionsCollection).DeleteMany(ctx, bson.M{
		"address": entry.Address,
		"txid":    bson.M{"$nin": txids},
	})
	if err != nil {
		return fmt.Errorf("failed to delete stale address transactions: %w", err)
	}

	update := bson.M{
		"$set": bson.M{
			"chain_stats":    entry.ChainStats,
			"mempool_stats":  entry.MempoolStats,
			"last_seen_txid": entry.LastSeenTxID,
			"updated_at":     entry.UpdatedAt,
		},
		"$setOnInsert": bson.M{
			"last_processed_height": entity.AddressNeverProcessed,
		},
	}
	_, err = r.client.Collection(addressesCollection).UpdateOne(ctx,
		bson.M{"_id": entry.Address}, update, options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to save address: %w", err)
	}

	r.logger.Debug("Saved address cache",
		zap.String("address", entry.Address),
		zap.Int("transactions", len(entry.Transactions)))
	return nil
}

// GetAddressProcessedHeight returns the per-address crawler marker
func (r *MongoAddressCacheRepository) GetAddressProcessedHeight(ctx context.Context, address string) (int64, error) {
	var doc processedHeightDocument
	err := r.client.Collection(addressesCollection).FindOne(ctx,
		bson.M{"_id": address},
		options.FindOne().SetProjection(bson.M{"last_processed_height": 1}),
	).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return entity.AddressNeverProcessed, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get address processed height: %w", err)
	}
	if doc.LastProcessedHeight == nil {
		return entity.AddressNeverProcessed, nil
	}
	return *doc.LastProcessedHeight, nil
}

// SetAddressProcessedHeight raises the per-address crawler marker
func (r *MongoAddressCacheRepository) SetAddressProcessedHeight(ctx context.Context, address string, height int64) error {
	_, err := r.client.Collection(addressesCollection).UpdateOne(ctx,
		bson.M{"_id": address},
		bson.M{"$max": bson.M{"last_processed_height": height}},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("failed to set address processed height: %w", err)
	}
	return nil
}

// GetLastProcessedHeight returns the global crawler cursor
func (r *MongoAddressCacheRepository) GetLastProcessedHeight(ctx context.Context) (int64, error) {
	var doc metadataDocument
	err := r.client.Collection(metadataCollection).FindOne(ctx, bson.M{"_id": lastProcessedHeightID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return 0, repository.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get last processed height: %w", err)
	}
	return doc.Height, nil
}

// SetLastProcessedHeight advances the global crawler cursor, never lowering it
func (r *MongoAddressCacheRepository) SetLastProcessedHeight(ctx context.Context, height int64) error {
	_, err := r.client.Collection(metadataCollection).UpdateOne(ctx,
		bson.M{"_id": lastProcessedHeightID},
		bson.M{"$max": bson.M{"height": height}},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("failed to set last processed height: %w", err)
	}
	return nil
}

// ResetLastProcessedHeight overwrites the global crawler cursor
func (r *MongoAddressCacheRepository) ResetLastProcessedHeight(ctx context.Context, height int64) error {
	_, err := r.client.Collection(metadataCollection).UpdateOne(ctx,
		bson.M{"_id": lastProcessedHeightID},
		bson.M{"$set": bson.M{"height": height}},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("failed to reset last processed height: %w", err)
	}
	r.logger.Info("Reset last processed height", zap.Int64("height", height))
	return nil
}
