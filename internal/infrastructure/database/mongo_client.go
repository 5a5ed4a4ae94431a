package database

import (
	"context"
	"fmt"

	"btc-wallet-intel/internal/infrastructure/config"
	"btc-wallet-intel/internal/infrastructure/logger"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.uber.org/zap"
)

const (
	addressesCollection           = "addresses"
	addressTransactionsCollection = "address_transactions"
	metadataCollection            = "metadata"

	lastProcessedHeightID = "last_processed_block_height"
)

// MongoClient handles the raw cache database connection
type MongoClient struct {
	client *mongo.Client
	config *config.MongoConfig
	logger *logger.Logger
}

// NewMongoClient creates a new Mongo client
func NewMongoClient(cfg *config.MongoConfig, logger *logger.Logger) *MongoClient {
	return &MongoClient{
		config: cfg,
		logger: logger.WithComponent("mongo-client"),
	}
}

// Connect connects to Mongo and verifies the primary is reachable
func (m *MongoClient) Connect(ctx context.Context) error {
	m.logger.Info("Connecting to Mongo", zap.String("database", m.config.Database))

	client, err := mongo.Connect(ctx, options.Client().
		ApplyURI(m.config.URI).
		SetConnectTimeout(m.config.ConnectTimeout))
	if err != nil {
		m.logger.Error("Failed to create Mongo client", zap.Error(err))
		return fmt.Errorf("failed to create Mongo client: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, m.config.ConnectTimeout)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		m.logger.Error("Failed to ping Mongo", zap.Error(err))
		return fmt.Errorf("failed to ping Mongo: %w", err)
	}

	m.client = client
	m.logger.Info("Successfully connected to Mongo")
	return nil
}

// SetupDatabase creates the cache indexes and seeds the global crawler cursor
// if it does not exist yet
func (m *MongoClient) SetupDatabase(ctx context.Context, startHeight int64) error {
	txs := m.Collection(addressTransactionsCollection)
	indexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "address", Value: 1}, {Key: "txid", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("address_txid"),
		},
		{
			Keys:    bson.D{{Key: "address", Value: 1}, {Key: "position", Value: 1}},
			Options: options.Index().SetName("address_position"),
		},
		{
			Keys:    bson.D{{Key: "address", Value: 1}, {Key: "block_time", Value: -1}},
			Options: options.Index().SetName("address_block_time"),
		},
	}
	if _, err := txs.Indexes().CreateMany(ctx, indexes); err != nil {
		return fmt.Errorf("failed to create transaction indexes: %w", err)
	}

	_, err := m.Collection(metadataCollection).UpdateOne(ctx,
		bson.M{"_id": lastProcessedHeightID},
		bson.M{"$setOnInsert": bson.M{"height": startHeight}},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("failed to seed last processed height: %w", err)
	}

	m.logger.Info("Database setup completed", zap.Int64("start_height", startHeight))
	return nil
}

// Close disconnects from Mongo
func (m *MongoClient) Close(ctx context.Context) error {
	if m.client != nil {
		m.logger.Info("Closing Mongo connection")
		return m.client.Disconnect(ctx)
	}
	return nil
}

// Collection returns a collection of the configured database
func (m *MongoClient) Collection(name string) *mongo.Collection {
	return m.client.Database(m.config.Database).Collection(name)
}

// IsConnected checks if Mongo answers a ping
func (m *MongoClient) IsConnected(ctx context.Context) bool {
	if m.client == nil {
		return false
	}
	return m.client.Ping(ctx, readpref.Primary()) == nil
}
