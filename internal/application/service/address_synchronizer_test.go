package service

import (
	"context"
	"errors"
	"testing"

	"btc-wallet-intel/internal/domain/entity"
	"btc-wallet-intel/internal/domain/service"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func txIDs(txs []*entity.Transaction) []string {
	ids := make([]string, 0, len(txs))
	for _, tx := range txs {
		ids = append(ids, tx.TxID)
	}
	return ids
}

func TestFullSyncPaginates(t *testing.T) {
	h := newHarness(t, nil)
	txs := history(addrAlice, 60)
	h.ledger.setHistory(addrAlice, txs, 25)

	entry, err := h.synchronizer.FullSync(context.Background(), addrAlice)
	require.NoError(t, err)

	assert.Equal(t, txIDs(txs), txIDs(entry.Transactions))
	assert.Len(t, entry.Transactions, 60)
	assert.Equal(t, []string{txs[24].TxID, txs[49].TxID}, h.ledger.pageCalls)
	assert.Equal(t, txs[0].TxID, entry.LastSeenTxID)

	_, err = h.cache.GetAddress(context.Background(), addrAlice)
	assert.Error(t, err, "full sync alone does not write the cache")
}

func TestFullSyncSinglePage(t *testing.T) {
	h := newHarness(t, nil)
	txs := history(addrAlice, 25)
	h.ledger.setHistory(addrAlice, txs, 25)

	entry, err := h.synchronizer.FullSync(context.Background(), addrAlice)
	require.NoError(t, err)

	assert.Len(t, entry.Transactions, 25)
	assert.Empty(t, h.ledger.pageCalls)
}

func TestFullSyncExactPageMultiple(t *testing.T) {
	h := newHarness(t, nil)
	txs := history(addrAlice, 50)
	h.ledger.setHistory(addrAlice, txs, 25)

	entry, err := h.synchronizer.FullSync(context.Background(), addrAlice)
	require.NoError(t, err)

	assert.Equal(t, txIDs(txs), txIDs(entry.Transactions))
	assert.Len(t, h.ledger.pageCalls, 2, "a full second page asks for one more")
}

func TestFullSyncCap(t *testing.T) {
	h := newHarness(t, nil)
	h.synchronizer.maxTransactions = 40
	h.ledger.setHistory(addrAlice, history(addrAlice, 60), 25)

	_, err := h.synchronizer.FullSync(context.Background(), addrAlice)
	assert.True(t, errors.Is(err, service.ErrTooManyTransactions))
	assert.Empty(t, h.ledger.pageCalls, "the summary counters are enough to reject")
}

func TestFullSyncAddressNotFound(t *testing.T) {
	h := newHarness(t, nil)

	_, err := h.synchronizer.FullSync(context.Background(), addrAlice)
	assert.True(t, errors.Is(err, service.ErrAddressNotFound))
}

func TestSyncIncremental(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	older := history(addrAlice, 30)
	h.ledger.setHistory(addrAlice, older, 25)
	first, err := h.synchronizer.Sync(ctx, addrAlice)
	require.NoError(t, err)
	require.Len(t, first.Transactions, 30)

	mempool := newTx("alice-mempool", 0, 50, []leg{{addrAlice, 1_000}}, []leg{{addrBob, 950}})
	newer := []*entity.Transaction{
		newTx("alice-new-2", 202, 100, []leg{{addrBob, 5_000}}, []leg{{addrAlice, 4_900}}),
		newTx("alice-new-1", 201, 100, []leg{{addrBob, 5_000}}, []leg{{addrAlice, 4_900}}),
	}
	full := append(append([]*entity.Transaction{mempool}, newer...), older...)
	h.ledger.setHistory(addrAlice, full, 25)
	h.ledger.summaries[addrAlice].MempoolStats.TxCount = 1
	h.ledger.summaries[addrAlice].ChainStats.TxCount = 32
	h.ledger.pageCalls = nil

	second, err := h.synchronizer.Sync(ctx, addrAlice)
	require.NoError(t, err)

	assert.Equal(t, txIDs(full), txIDs(second.Transactions))
	assert.Empty(t, h.ledger.pageCalls, "cursor was found on the first page")
	assert.Equal(t, "alice-new-2", second.LastSeenTxID)

	cached, err := h.cache.GetAddress(ctx, addrAlice)
	require.NoError(t, err)
	assert.Len(t, cached.Transactions, 33)
	assert.Equal(t, int64(1), cached.MempoolStats.TxCount)
}

func TestSyncDropsStaleMempool(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	confirmed := history(addrAlice, 3)
	pending := newTx("alice-pending", 0, 50, []leg{{addrAlice, 1_000}}, []leg{{addrBob, 950}})
	h.ledger.setHistory(addrAlice, append([]*entity.Transaction{pending}, confirmed...), 25)
	_, err := h.synchronizer.Sync(ctx, addrAlice)
	require.NoError(t, err)

	h.ledger.setHistory(addrAlice, confirmed, 25)
	entry, err := h.synchronizer.Sync(ctx, addrAlice)
	require.NoError(t, err)

	assert.Equal(t, txIDs(confirmed), txIDs(entry.Transactions))
}

func TestSyncStoreFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.ledger.setHistory(addrAlice, history(addrAlice, 3), 25)
	h.cache.saveErr = errors.New("disk full")

	_, err := h.synchronizer.Sync(context.Background(), addrAlice)
	assert.True(t, errors.Is(err, service.ErrStoreWriteFailed))
}

func TestMergeBlock(t *testing.T) {
	ctx := context.Background()

	t.Run("cached address is patched without refetching", func(t *testing.T) {
		h := newHarness(t, nil)
		h.ledger.setHistory(addrAlice, history(addrAlice, 3), 25)
		_, err := h.synchronizer.Sync(ctx, addrAlice)
		require.NoError(t, err)

		tx := newTx("alice-block", 300, 200, []leg{{addrAlice, 9_000}}, []leg{{addrBob, 8_800}})
		entry, err := h.synchronizer.MergeBlock(ctx, addrAlice, []*entity.Transaction{tx})
		require.NoError(t, err)

		assert.Equal(t, 1, h.ledger.summaryCallCount(addrAlice))
		assert.Equal(t, "alice-block", entry.Transactions[0].TxID)
		assert.Len(t, entry.Transactions, 4)
		assert.Equal(t, int64(1), entry.ChainStats.SpentTxoCount)

		cached, err := h.cache.GetAddress(ctx, addrAlice)
		require.NoError(t, err)
		assert.Equal(t, "alice-block", cached.LastSeenTxID)
	})

	t.Run("replayed block changes nothing", func(t *testing.T) {
		h := newHarness(t, nil)
		txs := history(addrAlice, 3)
		h.ledger.setHistory(addrAlice, txs, 25)
		before, err := h.synchronizer.Sync(ctx, addrAlice)
		require.NoError(t, err)

		after, err := h.synchronizer.MergeBlock(ctx, addrAlice, txs[:1])
		require.NoError(t, err)
		assert.Equal(t, txIDs(before.Transactions), txIDs(after.Transactions))
		assert.Equal(t, before.ChainStats, after.ChainStats)
	})

	t.Run("uncached address gets a full sync", func(t *testing.T) {
		h := newHarness(t, nil)
		txs := history(addrAlice, 3)
		h.ledger.setHistory(addrAlice, txs, 25)

		entry, err := h.synchronizer.MergeBlock(ctx, addrAlice, txs[:1])
		require.NoError(t, err)
		assert.Len(t, entry.Transactions, 3)
		assert.Equal(t, 1, h.ledger.summaryCallCount(addrAlice))
	})
}
