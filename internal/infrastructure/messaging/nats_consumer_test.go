package messaging

import (
	"context"
	"testing"
	"time"

	"btc-wallet-intel/internal/domain/entity"
	"btc-wallet-intel/internal/infrastructure/config"
	"btc-wallet-intel/internal/infrastructure/logger"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestConsumer(pending int) *NATSConsumer {
	cfg := &config.NATSConfig{SubjectPrefix: "wallets", MaxPendingMessages: pending}
	consumer := NewNATSConsumer(NewNATSClient(cfg, logger.NewNopLogger()), cfg, logger.NewNopLogger())
	consumer.isRunning.Store(true)
	return consumer
}

func TestDecodeSyncRequest(t *testing.T) {
	request, err := decodeSyncRequest([]byte(`{"address":" 1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa ","force":true}`))
	require.NoError(t, err)
	assert.Equal(t, "1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa", request.Address)
	assert.True(t, request.Force)

	_, err = decodeSyncRequest([]byte(`{"force":true}`))
	assert.Error(t, err)

	_, err = decodeSyncRequest([]byte(`not json`))
	assert.Error(t, err)
}

func TestHandleMessage(t *testing.T) {
	consumer := newTestConsumer(1)

	consumer.handleMessage(&nats.Msg{Subject: "wallets.sync", Data: []byte(`{"address":"a"}`)})
	consumer.handleMessage(&nats.Msg{Subject: "wallets.sync", Data: []byte(`{"address":"b"}`)})
	consumer.handleMessage(&nats.Msg{Subject: "wallets.sync", Data: []byte(`{}`)})

	select {
	case request := <-consumer.GetMessageChannel():
		assert.Equal(t, "a", request.Address)
		assert.False(t, request.Force)
	case <-time.After(time.Second):
		t.Fatal("expected a queued request")
	}
	select {
	case request := <-consumer.GetMessageChannel():
		t.Fatalf("unexpected request %+v, full channel should drop", request)
	default:
	}
}

func TestHandleMessageAfterDisconnect(t *testing.T) {
	consumer := newTestConsumer(4)
	require.NoError(t, consumer.Disconnect())

	consumer.handleMessage(&nats.Msg{Subject: "wallets.sync", Data: []byte(`{"address":"a"}`)})

	_, open := <-consumer.GetMessageChannel()
	assert.False(t, open)
}

func TestDisabledClient(t *testing.T) {
	cfg := &config.NATSConfig{SubjectPrefix: "wallets"}
	client := NewNATSClient(cfg, logger.NewNopLogger())

	require.NoError(t, client.Connect(context.Background()))
	assert.False(t, client.IsConnected())
	assert.Equal(t, "wallets.updated", client.Subject("updated"))

	consumer := NewNATSConsumer(client, cfg, logger.NewNopLogger())
	require.NoError(t, consumer.Subscribe(context.Background()))
	assert.False(t, consumer.IsConnected())

	publisher := NewNATSPublisher(client, logger.NewNopLogger())
	assert.NoError(t, publisher.PublishWalletUpdated(context.Background(), entity.NewStubWallet("a", time.Now())))
}
