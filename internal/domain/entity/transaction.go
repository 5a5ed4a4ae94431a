package entity

import (
	"errors"
	"fmt"
)

// SatoshisToBTC converts raw satoshi values to BTC units
const SatoshisToBTC = 1e-8

// Transaction represents a Bitcoin transaction as returned by the ledger API
type Transaction struct {
	TxID     string     `json:"txid" bson:"txid"`
	Version  int32      `json:"version" bson:"version"`
	LockTime uint32     `json:"locktime" bson:"locktime"`
	Vin      []TxInput  `json:"vin" bson:"vin"`
	Vout     []TxOutput `json:"vout" bson:"vout"`
	Size     int64      `json:"size" bson:"size"`
	Weight   int64      `json:"weight" bson:"weight"`
	Fee      int64      `json:"fee" bson:"fee"`
	Status   *TxStatus  `json:"status" bson:"status"`
}

// TxInput references the previous output being spent
type TxInput struct {
	TxID       string    `json:"txid" bson:"txid"`
	Vout       uint32    `json:"vout" bson:"vout"`
	Prevout    *TxOutput `json:"prevout,omitempty" bson:"prevout,omitempty"`
	IsCoinbase bool      `json:"is_coinbase" bson:"is_coinbase"`
	Sequence   uint32    `json:"sequence" bson:"sequence"`
}

// TxOutput is a transaction output. Non-standard scripts carry no address.
type TxOutput struct {
	ScriptPubKeyType    string  `json:"scriptpubkey_type" bson:"scriptpubkey_type"`
	ScriptPubKeyAddress *string `json:"scriptpubkey_address,omitempty" bson:"scriptpubkey_address,omitempty"`
	Value               int64   `json:"value" bson:"value"`
}

// TxStatus is the confirmation status of a transaction
type TxStatus struct {
	Confirmed   bool   `json:"confirmed" bson:"confirmed"`
	BlockHeight int64  `json:"block_height,omitempty" bson:"block_height,omitempty"`
	BlockHash   string `json:"block_hash,omitempty" bson:"block_hash,omitempty"`
	BlockTime   int64  `json:"block_time,omitempty" bson:"block_time,omitempty"`
}

// Validate checks the fields the pipeline relies on
func (t *Transaction) Validate() error {
	if t.TxID == "" {
		return errors.New("transaction is missing txid")
	}
	if t.Status == nil {
		return fmt.Errorf("transaction %s is missing status", t.TxID)
	}
	if t.Status.Confirmed && t.Status.BlockHeight <= 0 {
		return fmt.Errorf("confirmed transaction %s has no block height", t.TxID)
	}
	for i, out := range t.Vout {
		if out.Value < 0 {
			return fmt.Errorf("transaction %s output %d has negative value", t.TxID, i)
		}
	}
	for i, in := range t.Vin {
		if in.Prevout != nil && in.Prevout.Value < 0 {
			return fmt.Errorf("transaction %s input %d has negative prevout value", t.TxID, i)
		}
	}
	return nil
}

// IsConfirmed reports whether the transaction is included in a block
func (t *Transaction) IsConfirmed() bool {
	return t.Status != nil && t.Status.Confirmed
}

// BlockHeight returns the confirming block height, or 0 for mempool transactions
func (t *Transaction) BlockHeight() int64 {
	if !t.IsConfirmed() {
		return 0
	}
	return t.Status.BlockHeight
}

// InputValues sums spent prevout values per address.
// An address spending several outputs in one transaction appears once.
func (t *Transaction) InputValues() map[string]int64 {
	values := make(map[string]int64, len(t.Vin))
	for _, in := range t.Vin {
		if in.Prevout == nil || in.Prevout.ScriptPubKeyAddress == nil {
			continue
		}
		values[*in.Prevout.ScriptPubKeyAddress] += in.Prevout.Value
	}
	return values
}

// OutputValues sums output values per address
func (t *Transaction) OutputValues() map[string]int64 {
	values := make(map[string]int64, len(t.Vout))
	for _, out := range t.Vout {
		if out.ScriptPubKeyAddress == nil {
			continue
		}
		values[*out.ScriptPubKeyAddress] += out.Value
	}
	return values
}

// StatsFor counts the outputs the transaction funds and spends for address,
// one per txo, the way the ledger's address counters do
func (t *Transaction) StatsFor(address string) AddressStats {
	var stats AddressStats
	for _, in := range t.Vin {
		if in.Prevout == nil || in.Prevout.ScriptPubKeyAddress == nil || *in.Prevout.ScriptPubKeyAddress != address {
			continue
		}
		stats.SpentTxoCount++
		stats.SpentTxoSum += in.Prevout.Value
	}
	for _, out := range t.Vout {
		if out.ScriptPubKeyAddress == nil || *out.ScriptPubKeyAddress != address {
			continue
		}
		stats.FundedTxoCount++
		stats.FundedTxoSum += out.Value
	}
	if stats.SpentTxoCount > 0 || stats.FundedTxoCount > 0 {
		stats.TxCount = 1
	}
	return stats
}

// Addresses returns every distinct address touched by the transaction,
// inputs first, in order of appearance
func (t *Transaction) Addresses() []string {
	seen := make(map[string]struct{})
	var addresses []string
	add := func(addr *string) {
		if addr == nil {
			return
		}
		if _, ok := seen[*addr]; ok {
			return
		}
		seen[*addr] = struct{}{}
		addresses = append(addresses, *addr)
	}
	for _, in := range t.Vin {
		if in.Prevout != nil {
			add(in.Prevout.ScriptPubKeyAddress)
		}
	}
	for _, out := range t.Vout {
		add(out.ScriptPubKeyAddress)
	}
	return addresses
}
