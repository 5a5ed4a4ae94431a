package entity

import "errors"

// BlockTxPageSize is the stride used when paging through a block's transactions
const BlockTxPageSize = 25

// Block is a block header as listed by the ledger API
type Block struct {
	ID                string `json:"id"`
	Height            int64  `json:"height"`
	Version           int32  `json:"version"`
	Timestamp         int64  `json:"timestamp"`
	TxCount           int64  `json:"tx_count"`
	Size              int64  `json:"size"`
	Weight            int64  `json:"weight"`
	MerkleRoot        string `json:"merkle_root"`
	PreviousBlockHash string `json:"previousblockhash"`
	MedianTime        int64  `json:"mediantime"`
}

// Validate checks the required header fields
func (b *Block) Validate() error {
	if b.ID == "" {
		return errors.New("block is missing id")
	}
	if b.Height < 0 || b.Timestamp <= 0 {
		return errors.New("block has invalid height or timestamp")
	}
	return nil
}

// BlockTxPage is one page of a block's transactions. An empty page marks the
// end of the block.
type BlockTxPage struct {
	BlockHash    string
	StartIndex   int
	Transactions []*Transaction
}

// Exhausted reports whether the ledger signalled there are no more transactions
func (p *BlockTxPage) Exhausted() bool {
	return len(p.Transactions) == 0
}
