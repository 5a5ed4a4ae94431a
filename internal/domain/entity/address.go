package entity

import (
	"errors"
	"time"
)

// AddressNeverProcessed marks an address the crawler has not reconciled yet.
// It is lower than any real block height.
const AddressNeverProcessed int64 = -1

// AddressStats holds the funded/spent output counters reported by the ledger
type AddressStats struct {
	FundedTxoCount int64 `json:"funded_txo_count" bson:"funded_txo_count"`
	FundedTxoSum   int64 `json:"funded_txo_sum" bson:"funded_txo_sum"`
	SpentTxoCount  int64 `json:"spent_txo_count" bson:"spent_txo_count"`
	SpentTxoSum    int64 `json:"spent_txo_sum" bson:"spent_txo_sum"`
	TxCount        int64 `json:"tx_count" bson:"tx_count"`
}

func (s *AddressStats) add(other AddressStats) {
	s.FundedTxoCount += other.FundedTxoCount
	s.FundedTxoSum += other.FundedTxoSum
	s.SpentTxoCount += other.SpentTxoCount
	s.SpentTxoSum += other.SpentTxoSum
	s.TxCount += other.TxCount
}

// sub removes other, never going below zero
func (s *AddressStats) sub(other AddressStats) {
	s.FundedTxoCount = max(s.FundedTxoCount-other.FundedTxoCount, 0)
	s.FundedTxoSum = max(s.FundedTxoSum-other.FundedTxoSum, 0)
	s.SpentTxoCount = max(s.SpentTxoCount-other.SpentTxoCount, 0)
	s.SpentTxoSum = max(s.SpentTxoSum-other.SpentTxoSum, 0)
	s.TxCount = max(s.TxCount-other.TxCount, 0)
}

// AddressSummary is the ledger's view of an address. The fetch queue attaches
// the newest page of transactions to it.
type AddressSummary struct {
	Address      string         `json:"address"`
	ChainStats   *AddressStats  `json:"chain_stats"`
	MempoolStats *AddressStats  `json:"mempool_stats"`
	Transactions []*Transaction `json:"-"`
}

// Validate checks the required summary fields
func (s *AddressSummary) Validate() error {
	if s.Address == "" {
		return errors.New("address summary is missing address")
	}
	if s.ChainStats == nil || s.MempoolStats == nil {
		return errors.New("address summary is missing chain or mempool stats")
	}
	return nil
}

// AddressCacheEntry is the raw per-address cache: counters, transactions
// newest-first and the pagination cursor
type AddressCacheEntry struct {
	Address      string         `json:"address" bson:"_id"`
	ChainStats   AddressStats   `json:"chain_stats" bson:"chain_stats"`
	MempoolStats AddressStats   `json:"mempool_stats" bson:"mempool_stats"`
	LastSeenTxID string         `json:"last_seen_txid" bson:"last_seen_txid"`
	UpdatedAt    time.Time      `json:"updated_at" bson:"updated_at"`
	Transactions []*Transaction `json:"transactions" bson:"-"`
}

// HasTransaction reports whether txid is already cached
func (e *AddressCacheEntry) HasTransaction(txid string) bool {
	for _, tx := range e.Transactions {
		if tx.TxID == txid {
			return true
		}
	}
	return false
}

// NewestConfirmedTxID returns the id of the most recent confirmed transaction
func (e *AddressCacheEntry) NewestConfirmedTxID() string {
	for _, tx := range e.Transactions {
		if tx.IsConfirmed() {
			return tx.TxID
		}
	}
	return ""
}

// ApplyBlockTransaction prepends a newly confirmed transaction and adds its
// outputs to the chain counters. Transactions already cached are ignored so
// replaying a block is a no-op. A cached mempool copy of the same transaction
// is replaced and its outputs move from the mempool counters to the chain ones.
func (e *AddressCacheEntry) ApplyBlockTransaction(tx *Transaction) bool {
	for i, cached := range e.Transactions {
		if cached.TxID != tx.TxID {
			continue
		}
		if cached.IsConfirmed() {
			return false
		}
		e.MempoolStats.sub(cached.StatsFor(e.Address))
		e.Transactions = append(e.Transactions[:i:i], e.Transactions[i+1:]...)
		break
	}

	stats := tx.StatsFor(e.Address)
	// a block transaction is listed for the address even when only a
	// non-standard output links them
	stats.TxCount = 1
	e.ChainStats.add(stats)

	e.Transactions = append([]*Transaction{tx}, e.Transactions...)
	e.LastSeenTxID = tx.TxID
	return true
}
