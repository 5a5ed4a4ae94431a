package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"btc-wallet-intel/internal/infrastructure/config"
	"btc-wallet-intel/internal/infrastructure/logger"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// SyncRequest asks for an on-demand wallet sync
type SyncRequest struct {
	Address string `json:"address"`
	Force   bool   `json:"force"`
}

// NATSConsumer receives sync requests on <prefix>.sync
type NATSConsumer struct {
	client    *NATSClient
	sub       *nats.Subscription
	config    *config.NATSConfig
	logger    *logger.Logger
	msgChan   chan *SyncRequest
	isRunning atomic.Bool
	jetStream bool
	pullDone  chan struct{}
}

// NewNATSConsumer creates a new NATS consumer
func NewNATSConsumer(client *NATSClient, cfg *config.NATSConfig, logger *logger.Logger) *NATSConsumer {
	return &NATSConsumer{
		client:  client,
		config:  cfg,
		logger:  logger.WithComponent("nats-consumer"),
		msgChan: make(chan *SyncRequest, max(cfg.MaxPendingMessages, 1)),
	}
}

// Subscribe starts receiving sync requests. A JetStream pull subscription
// is used when the client has JetStream, core NATS otherwise.
func (n *NATSConsumer) Subscribe(ctx context.Context) error {
	if !n.client.Enabled() {
		return nil
	}
	if n.client.conn == nil {
		return errors.New("NATS client is not connected")
	}

	if n.client.js != nil {
		err := n.setupJetStreamSubscription()
		if err == nil {
			return nil
		}
		n.logger.Warn("Failed to bind JetStream consumer, falling back to core NATS", zap.Error(err))
	}
	return n.setupCoreNATSSubscription()
}

func (n *NATSConsumer) setupJetStreamSubscription() error {
	subject := n.client.Subject("sync")
	durable := n.config.ConsumerGroup

	sub, err := n.client.js.PullSubscribe(subject, durable, nats.BindStream(n.config.StreamName))
	if err != nil {
		return err
	}

	n.sub = sub
	n.jetStream = true
	n.isRunning.Store(true)
	n.pullDone = make(chan struct{})
	go n.processJetStreamMessages()

	n.logger.Info("Subscribed to JetStream sync requests",
		zap.String("subject", subject),
		zap.String("stream", n.config.StreamName),
		zap.String("consumer", durable))
	return nil
}

func (n *NATSConsumer) processJetStreamMessages() {
	defer close(n.pullDone)

	for n.isRunning.Load() {
		msgs, err := n.sub.Fetch(10, nats.MaxWait(5*time.Second))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) {
				continue
			}
			if !n.isRunning.Load() {
				break
			}
			n.logger.Error("Failed to fetch messages", zap.Error(err))
			continue
		}

		for _, msg := range msgs {
			n.handleMessage(msg)
		}
	}
}

func (n *NATSConsumer) setupCoreNATSSubscription() error {
	subject := n.client.Subject("sync")
	queueGroup := n.config.ConsumerGroup

	sub, err := n.client.conn.QueueSubscribe(subject, queueGroup, n.handleMessage)
	if err != nil {
		n.logger.Error("Failed to subscribe to subject", zap.Error(err))
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	n.sub = sub
	n.isRunning.Store(true)

	n.logger.Info("Subscribed to core NATS sync requests",
		zap.String("subject", subject),
		zap.String("queue_group", queueGroup))
	return nil
}

// handleMessage decodes a sync request and hands it to the workers.
// Requests are dropped when the channel is full.
func (n *NATSConsumer) handleMessage(msg *nats.Msg) {
	if !n.isRunning.Load() {
		return
	}

	request, err := decodeSyncRequest(msg.Data)
	if err != nil {
		n.logger.Error("Failed to decode sync request", zap.Error(err))
		if n.jetStream {
			msg.Term()
		} else if msg.Reply != "" {
			msg.Respond([]byte("ERROR: " + err.Error()))
		}
		return
	}

	select {
	case n.msgChan <- request:
		n.logger.Debug("Queued sync request",
			zap.String("address", request.Address),
			zap.Bool("force", request.Force))
		if n.jetStream {
			msg.Ack()
		}
	default:
		n.logger.Warn("Sync request channel is full, dropping request", zap.String("address", request.Address))
		if n.jetStream {
			msg.Nak()
		}
	}
}

func decodeSyncRequest(data []byte) (*SyncRequest, error) {
	var request SyncRequest
	if err := json.Unmarshal(data, &request); err != nil {
		return nil, fmt.Errorf("failed to unmarshal sync request: %w", err)
	}
	request.Address = strings.TrimSpace(request.Address)
	if request.Address == "" {
		return nil, errors.New("sync request is missing address")
	}
	return &request, nil
}

// Disconnect stops the subscription and closes the request channel
func (n *NATSConsumer) Disconnect() error {
	n.isRunning.Store(false)

	if n.sub != nil {
		if err := n.sub.Unsubscribe(); err != nil {
			n.logger.Warn("Failed to unsubscribe", zap.Error(err))
		}
	}
	if n.pullDone != nil {
		<-n.pullDone
	}
	n.sub = nil
	close(n.msgChan)
	n.logger.Info("Stopped consuming sync requests")
	return nil
}

// IsConnected checks if the subscription is live
func (n *NATSConsumer) IsConnected() bool {
	return n.isRunning.Load() && n.client.IsConnected()
}

// GetMessageChannel returns the sync request channel
func (n *NATSConsumer) GetMessageChannel() <-chan *SyncRequest {
	return n.msgChan
}
