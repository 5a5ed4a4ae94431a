package ledger

import (
	"fmt"

	"btc-wallet-intel/internal/domain/entity"
)

// JobKind identifies a ledger API operation
type JobKind string

const (
	JobAddressSummary JobKind = "address_summary"
	JobAddressTxPage  JobKind = "address_tx_page"
	JobLatestBlocks   JobKind = "latest_blocks"
	JobLatestHeight   JobKind = "latest_height"
	JobBlockHash      JobKind = "block_hash"
	JobBlockTxPage    JobKind = "block_tx_page"
)

// Job describes one ledger request. Only the fields of its kind are set.
type Job struct {
	Kind       JobKind
	Address    string
	AfterTxID  string
	Height     int64
	BlockHash  string
	StartIndex int
}

// Result holds the decoded payload of a job
type Result struct {
	Summary      *entity.AddressSummary
	Transactions []*entity.Transaction
	Blocks       []*entity.Block
	Height       int64
	BlockHash    string
	BlockTxPage  *entity.BlockTxPage
}

func AddressSummaryJob(address string) Job {
	return Job{Kind: JobAddressSummary, Address: address}
}

func AddressTxPageJob(address, afterTxID string) Job {
	return Job{Kind: JobAddressTxPage, Address: address, AfterTxID: afterTxID}
}

func LatestBlocksJob() Job {
	return Job{Kind: JobLatestBlocks}
}

func LatestHeightJob() Job {
	return Job{Kind: JobLatestHeight}
}

func BlockHashJob(height int64) Job {
	return Job{Kind: JobBlockHash, Height: height}
}

func BlockTxPageJob(blockHash string, startIndex int) Job {
	return Job{Kind: JobBlockTxPage, BlockHash: blockHash, StartIndex: startIndex}
}

// String is used in logs
func (j Job) String() string {
	switch j.Kind {
	case JobAddressSummary:
		return fmt.Sprintf("%s(%s)", j.Kind, j.Address)
	case JobAddressTxPage:
		return fmt.Sprintf("%s(%s, after=%s)", j.Kind, j.Address, j.AfterTxID)
	case JobBlockHash:
		return fmt.Sprintf("%s(%d)", j.Kind, j.Height)
	case JobBlockTxPage:
		return fmt.Sprintf("%s(%s, %d)", j.Kind, j.BlockHash, j.StartIndex)
	default:
		return string(j.Kind)
	}
}
