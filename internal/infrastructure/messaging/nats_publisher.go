package messaging

import (
	"context"
	"encoding/json"
	"fmt"

	"btc-wallet-intel/internal/domain/entity"
	"btc-wallet-intel/internal/domain/service"
	"btc-wallet-intel/internal/infrastructure/logger"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// NATSPublisher announces rewritten wallets on <prefix>.updated
type NATSPublisher struct {
	client *NATSClient
	logger *logger.Logger
}

// NewNATSPublisher creates a new wallet event publisher
func NewNATSPublisher(client *NATSClient, logger *logger.Logger) service.WalletEventPublisher {
	return &NATSPublisher{
		client: client,
		logger: logger.WithComponent("nats-publisher"),
	}
}

// PublishWalletUpdated sends the wallet vector as JSON. It is a no-op while
// NATS is disabled or disconnected.
func (p *NATSPublisher) PublishWalletUpdated(ctx context.Context, wallet *entity.WalletData) error {
	if !p.client.Enabled() || p.client.conn == nil {
		return nil
	}

	data, err := json.Marshal(wallet)
	if err != nil {
		return fmt.Errorf("failed to marshal wallet update: %w", err)
	}

	subject := p.client.Subject("updated")
	if p.client.js != nil {
		if _, err := p.client.js.Publish(subject, data, nats.Context(ctx)); err == nil {
			return nil
		}
		p.logger.Debug("JetStream publish failed, falling back to core NATS", zap.String("subject", subject))
	}

	if err := p.client.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish wallet update: %w", err)
	}
	return nil
}
