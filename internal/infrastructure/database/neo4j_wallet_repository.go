package database

import (
	"context"
	"fmt"
	"time"

	"btc-wallet-intel/internal/domain/entity"
	"btc-wallet-intel/internal/domain/repository"
	"btc-wallet-intel/internal/infrastructure/logger"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"
)

// Neo4JWalletRepository implements WalletRepository interface.
// Wallets are (:Wallet {address}) nodes; value flows from the source to the
// target of a TRANSACTED_WITH relationship.
type Neo4JWalletRepository struct {
	client *Neo4JClient
	logger *logger.Logger
}

// NewNeo4JWalletRepository creates a new Neo4J wallet repository
func NewNeo4JWalletRepository(client *Neo4JClient, logger *logger.Logger) repository.WalletRepository {
	return &Neo4JWalletRepository{
		client: client,
		logger: logger.WithComponent("neo4j-wallet-repo"),
	}
}

// UpsertWallet overwrites every property of the wallet node
func (r *Neo4JWalletRepository) UpsertWallet(ctx context.Context, wallet *entity.WalletData) error {
	props, err := wallet.Properties()
	if err != nil {
		return err
	}

	session := r.client.NewSession(ctx)
	defer session.Close(ctx)

	query := `
		MERGE (w:Wallet {address: $address})
		SET w = $props
	`

	params := map[string]interface{}{
		"address": wallet.Address,
		"props":   props,
	}

	_, err = session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, query, params)
		if err != nil {
			return nil, err
		}
		return result.Consume(ctx)
	})
	if err != nil {
		return fmt.Errorf("failed to upsert wallet: %w", err)
	}

	return nil
}

// GetWallet retrieves a wallet by address
func (r *Neo4JWalletRepository) GetWallet(ctx context.Context, address string) (*entity.WalletData, error) {
	session := r.client.NewSession(ctx)
	defer session.Close(ctx)

	query := `
		MATCH (w:Wallet {address: $address})
		RETURN w
	`

	props, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, query, map[string]interface{}{"address": address})
		if err != nil {
			return nil, err
		}
		if !result.Next(ctx) {
			return nil, result.Err()
		}
		value, ok := result.Record().Get("w")
		if !ok {
			return nil, fmt.Errorf("wallet record has no node")
		}
		node, ok := value.(neo4j.Node)
		if !ok {
			return nil, fmt.Errorf("unexpected wallet value %T", value)
		}
		return node.Props, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get wallet: %w", err)
	}
	if props == nil {
		return nil, repository.ErrNotFound
	}

	return entity.WalletDataFromProperties(props.(map[string]any))
}

// UpsertCounterparties merges the inbound and outbound edges of a wallet.
// Counterparties missing from the graph are created as stubs.
func (r *Neo4JWalletRepository) UpsertCounterparties(ctx context.Context, connections *entity.ConnectedWallets) error {
	session := r.client.NewSession(ctx)
	defer session.Close(ctx)

	inboundQuery := `
		MERGE (w:Wallet {address: $address})
		ON CREATE SET w.is_populated = false, w.last_updated = $now, w.class_inference = -1
		WITH w
		UNWIND $edges AS edge
		MERGE (cp:Wallet {address: edge.address})
		ON CREATE SET cp.is_populated = false, cp.last_updated = $now, cp.class_inference = -1
		MERGE (cp)-[r:TRANSACTED_WITH]->(w)
		SET r.num_transactions = edge.num_transactions,
			r.amount_transacted = edge.amount_transacted
	`

	outboundQuery := `
		MERGE (w:Wallet {address: $address})
		ON CREATE SET w.is_populated = false, w.last_updated = $now, w.class_inference = -1
		WITH w
		UNWIND $edges AS edge
		MERGE (cp:Wallet {address: edge.address})
		ON CREATE SET cp.is_populated = false, cp.last_updated = $now, cp.class_inference = -1
		MERGE (w)-[r:TRANSACTED_WITH]->(cp)
		SET r.num_transactions = edge.num_transactions,
			r.amount_transacted = edge.amount_transacted
	`

	now := time.Now().Unix()
	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		for _, batch := range []struct {
			query string
			edges map[string]*entity.CounterpartyEdge
		}{
			{inboundQuery, connections.InboundConnections},
			{outboundQuery, connections.OutboundConnections},
		} {
			if len(batch.edges) == 0 {
				continue
			}
			result, err := tx.Run(ctx, batch.query, map[string]interface{}{
				"address": connections.WalletAddress,
				"now":     now,
				"edges":   edgeParams(batch.edges),
			})
			if err != nil {
				return nil, err
			}
			if _, err := result.Consume(ctx); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("failed to upsert counterparties: %w", err)
	}

	r.logger.Debug("Upserted counterparties",
		zap.String("address", connections.WalletAddress),
		zap.Int("inbound", len(connections.InboundConnections)),
		zap.Int("outbound", len(connections.OutboundConnections)))
	return nil
}

// GetCounterparties reads the TRANSACTED_WITH edges pointing to and from a wallet
func (r *Neo4JWalletRepository) GetCounterparties(ctx context.Context, address string) (*entity.ConnectedWallets, error) {
	session := r.client.NewSession(ctx)
	defer session.Close(ctx)

	query := `
		MATCH (w:Wallet {address: $address})
		RETURN
			[(src:Wallet)-[r:TRANSACTED_WITH]->(w) |
				{address: src.address, num_transactions: r.num_transactions, amount_transacted: r.amount_transacted}] AS inbound,
			[(w)-[r:TRANSACTED_WITH]->(dst:Wallet) |
				{address: dst.address, num_transactions: r.num_transactions, amount_transacted: r.amount_transacted}] AS outbound
	`

	result, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		records, err := tx.Run(ctx, query, map[string]interface{}{"address": address})
		if err != nil {
			return nil, err
		}
		if !records.Next(ctx) {
			return nil, records.Err()
		}
		record := records.Record()
		inbound, _ := record.Get("inbound")
		outbound, _ := record.Get("outbound")

		connections := entity.NewConnectedWallets(address)
		connections.InboundConnections = edgesFromValue(inbound)
		connections.OutboundConnections = edgesFromValue(outbound)
		return connections, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get counterparties: %w", err)
	}
	if result == nil {
		return nil, repository.ErrNotFound
	}

	return result.(*entity.ConnectedWallets), nil
}

// PruneStubs deletes stub wallets that have no relationships left
func (r *Neo4JWalletRepository) PruneStubs(ctx context.Context) (int64, error) {
	session := r.client.NewSession(ctx)
	defer session.Close(ctx)

	query := `
		MATCH (w:Wallet)
		WHERE w.is_populated = false AND NOT (w)--()
		DELETE w
		RETURN count(*) AS deleted
	`

	deleted, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, query, nil)
		if err != nil {
			return nil, err
		}
		record, err := result.Single(ctx)
		if err != nil {
			return nil, err
		}
		value, _ := record.Get("deleted")
		return toInt64(value), nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to prune stub wallets: %w", err)
	}

	r.logger.Info("Pruned stub wallets", zap.Int64("deleted", deleted.(int64)))
	return deleted.(int64), nil
}

func edgeParams(edges map[string]*entity.CounterpartyEdge) []map[string]interface{} {
	params := make([]map[string]interface{}, 0, len(edges))
	for address, edge := range edges {
		params = append(params, map[string]interface{}{
			"address":           address,
			"num_transactions":  edge.NumTransactions,
			"amount_transacted": edge.AmountTransacted,
		})
	}
	return params
}

func edgesFromValue(value any) map[string]*entity.CounterpartyEdge {
	edges := make(map[string]*entity.CounterpartyEdge)
	items, ok := value.([]any)
	if !ok {
		return edges
	}
	for _, item := range items {
		fields, ok := item.(map[string]any)
		if !ok {
			continue
		}
		address, ok := fields["address"].(string)
		if !ok || address == "" {
			continue
		}
		edges[address] = &entity.CounterpartyEdge{
			NumTransactions:  toInt64(fields["num_transactions"]),
			AmountTransacted: toFloat64(fields["amount_transacted"]),
		}
	}
	return edges
}

func toInt64(value any) int64 {
	switch v := value.(type) {
	case int64:
		return v
	case float64:
		return int64(v)
	default:
		return 0
	}
}

func toFloat64(value any) float64 {
	switch v := value.(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	default:
		return 0
	}
}
