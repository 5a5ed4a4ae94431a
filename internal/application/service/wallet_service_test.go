package service

import (
	"context"
	"errors"
	"sync"
	"testing"

	"btc-wallet-intel/internal/domain/entity"
	"btc-wallet-intel/internal/domain/service"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyncOrFetchInvalidAddress(t *testing.T) {
	h := newHarness(t, nil)

	for _, address := range []string{"", "not-an-address", "tb1qw508d6qejxtdg4y5r3zarvary0c5xw7kxpjzsx"} {
		_, err := h.service.SyncOrFetch(context.Background(), address, false)
		assert.True(t, errors.Is(err, service.ErrInvalidAddress), address)
	}
	assert.Empty(t, h.ledger.summaryCalls)
}

func TestSyncOrFetchSyncsAndPersists(t *testing.T) {
	h := newHarness(t, fakeClassifier{label: 3})
	ctx := context.Background()

	h.ledger.setHistory(addrAlice, []*entity.Transaction{
		newTx("t2", 120, 1_000, []leg{{addrAlice, 100_000}}, []leg{{addrBob, 60_000}, {addrAlice, 39_000}}),
		newTx("t1", 110, 500, []leg{{addrCarol, 200_000}}, []leg{{addrAlice, 100_000}, {addrCarol, 99_500}}),
	}, 25)

	wallet, err := h.service.SyncOrFetch(ctx, addrAlice, false)
	require.NoError(t, err)

	assert.True(t, wallet.IsPopulated)
	assert.Equal(t, int64(3), wallet.ClassInference)
	assert.Equal(t, int64(2), wallet.TotalTxs)
	assert.Equal(t, int64(110), wallet.FirstBlockAppearedIn)

	stored, err := h.wallets.GetWallet(ctx, addrAlice)
	require.NoError(t, err)
	assert.Equal(t, wallet.Address, stored.Address)

	connections, err := h.service.GetCounterparties(ctx, addrAlice)
	require.NoError(t, err)
	assert.Contains(t, connections.InboundConnections, addrCarol)
	assert.Contains(t, connections.OutboundConnections, addrBob)

	assert.Equal(t, []string{addrAlice}, h.publisher.addresses())
}

func TestSyncOrFetchServesFreshCopy(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.ledger.setHistory(addrAlice, history(addrAlice, 2), 25)

	_, err := h.service.SyncOrFetch(ctx, addrAlice, false)
	require.NoError(t, err)
	_, err = h.service.SyncOrFetch(ctx, addrAlice, false)
	require.NoError(t, err)

	assert.Equal(t, 1, h.ledger.summaryCallCount(addrAlice))
	assert.Equal(t, 1, h.wallets.upsertCount(addrAlice))
}

func TestSyncOrFetchForceBypassesCache(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.ledger.setHistory(addrAlice, history(addrAlice, 2), 25)

	_, err := h.service.SyncOrFetch(ctx, addrAlice, false)
	require.NoError(t, err)
	_, err = h.service.SyncOrFetch(ctx, addrAlice, true)
	require.NoError(t, err)

	assert.Equal(t, 2, h.ledger.summaryCallCount(addrAlice))
	assert.Equal(t, 2, h.wallets.upsertCount(addrAlice))
}

func TestSyncOrFetchReadsPopulatedGraphNode(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	stored := entity.NewStubWallet(addrBob, h.service.now())
	stored.IsPopulated = true
	stored.TotalTxs = 7
	require.NoError(t, h.wallets.UpsertWallet(ctx, stored))

	wallet, err := h.service.SyncOrFetch(ctx, addrBob, false)
	require.NoError(t, err)
	assert.Equal(t, int64(7), wallet.TotalTxs)
	assert.Zero(t, h.ledger.summaryCallCount(addrBob))
}

func TestSyncOrFetchResyncsStub(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	require.NoError(t, h.wallets.UpsertWallet(ctx, entity.NewStubWallet(addrAlice, h.service.now())))
	h.ledger.setHistory(addrAlice, history(addrAlice, 2), 25)

	wallet, err := h.service.SyncOrFetch(ctx, addrAlice, false)
	require.NoError(t, err)
	assert.True(t, wallet.IsPopulated)
	assert.Equal(t, 1, h.ledger.summaryCallCount(addrAlice))
}

func TestSyncOrFetchSurfacesLedgerErrors(t *testing.T) {
	h := newHarness(t, nil)

	_, err := h.service.SyncOrFetch(context.Background(), addrAlice, false)
	assert.True(t, errors.Is(err, service.ErrAddressNotFound))

	h.synchronizer.maxTransactions = 1
	h.ledger.setHistory(addrAlice, history(addrAlice, 2), 25)
	_, err = h.service.SyncOrFetch(context.Background(), addrAlice, true)
	assert.True(t, errors.Is(err, service.ErrTooManyTransactions))
	assert.Zero(t, h.wallets.upsertCount(addrAlice))
}

func TestSyncOrFetchClassifierFailureKeepsUnclassified(t *testing.T) {
	h := newHarness(t, fakeClassifier{err: errors.New("model offline")})
	h.ledger.setHistory(addrAlice, history(addrAlice, 2), 25)

	wallet, err := h.service.SyncOrFetch(context.Background(), addrAlice, false)
	require.NoError(t, err)
	assert.Equal(t, entity.Unclassified, wallet.ClassInference)
}

func TestSyncOrFetchConcurrentCallers(t *testing.T) {
	h := newHarness(t, nil)
	h.ledger.setHistory(addrAlice, history(addrAlice, 5), 25)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.service.SyncOrFetch(context.Background(), addrAlice, false)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	stored, err := h.wallets.GetWallet(context.Background(), addrAlice)
	require.NoError(t, err)
	assert.Equal(t, int64(5), stored.TotalTxs)
}

func TestSyncOrFetchCallerLeavesSharedSync(t *testing.T) {
	h := newHarness(t, nil)
	h.ledger.setHistory(addrAlice, history(addrAlice, 3), 25)
	h.ledger.summaryEntered = make(chan struct{}, 1)
	h.ledger.summaryGate = make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := h.service.SyncOrFetch(ctx, addrAlice, true)
		firstErr <- err
	}()
	<-h.ledger.summaryEntered

	second := make(chan *entity.WalletData, 1)
	secondErr := make(chan error, 1)
	go func() {
		wallet, err := h.service.SyncOrFetch(context.Background(), addrAlice, true)
		second <- wallet
		secondErr <- err
	}()

	cancel()
	assert.ErrorIs(t, <-firstErr, context.Canceled)

	close(h.ledger.summaryGate)
	require.NoError(t, <-secondErr)
	wallet := <-second
	require.NotNil(t, wallet)
	assert.Equal(t, int64(3), wallet.TotalTxs)

	stored, err := h.wallets.GetWallet(context.Background(), addrAlice)
	require.NoError(t, err)
	assert.True(t, stored.IsPopulated)
}
