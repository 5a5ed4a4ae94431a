package messaging

import (
	"context"
	"fmt"

	"btc-wallet-intel/internal/infrastructure/config"
	"btc-wallet-intel/internal/infrastructure/logger"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// NATSClient owns the NATS connection shared by the consumer and publisher
type NATSClient struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	config *config.NATSConfig
	logger *logger.Logger
}

// NewNATSClient creates a new NATS client
func NewNATSClient(cfg *config.NATSConfig, logger *logger.Logger) *NATSClient {
	return &NATSClient{
		config: cfg,
		logger: logger.WithComponent("nats-client"),
	}
}

// Connect connects to the NATS server. JetStream is only set up when a stream is configured.
func (c *NATSClient) Connect(ctx context.Context) error {
	if !c.config.Enabled {
		c.logger.Info("NATS is disabled, skipping connection")
		return nil
	}

	c.logger.Info("Connecting to NATS server", zap.String("url", c.config.URL))

	opts := []nats.Option{
		nats.Name("btc-wallet-intel"),
		nats.Timeout(c.config.ConnectTimeout),
		nats.ReconnectWait(c.config.ReconnectDelay),
		nats.MaxReconnects(c.config.ReconnectAttempts),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			c.logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			c.logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			c.logger.Info("NATS connection closed")
		}),
	}

	conn, err := nats.Connect(c.config.URL, opts...)
	if err != nil {
		c.logger.Error("Failed to connect to NATS", zap.Error(err))
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	c.conn = conn

	if c.config.StreamName != "" {
		js, err := conn.JetStream()
		if err != nil {
			c.logger.Warn("JetStream not available, using core NATS", zap.Error(err))
		} else {
			c.js = js
		}
	}

	c.logger.Info("Successfully connected to NATS", zap.Bool("jetstream", c.js != nil))
	return nil
}

// Close closes the connection
func (c *NATSClient) Close() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

// IsConnected checks if the connection is up
func (c *NATSClient) IsConnected() bool {
	return c.conn != nil && c.conn.IsConnected()
}

// Enabled reports whether NATS is configured on
func (c *NATSClient) Enabled() bool {
	return c.config.Enabled
}

// Subject joins the configured prefix and a suffix
func (c *NATSClient) Subject(suffix string) string {
	return fmt.Sprintf("%s.%s", c.config.SubjectPrefix, suffix)
}
