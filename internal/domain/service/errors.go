package service

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrFetchFailed marks a ledger request that returned a non-success status
	// or an undecodable payload. Callers should retry later.
	ErrFetchFailed = errors.New("ledger fetch failed")

	// ErrQueueClosed is returned for jobs submitted to or pending in a closed fetch queue
	ErrQueueClosed = errors.New("fetch queue closed")

	// ErrTooManyTransactions is returned when an address exceeds the per-sync transaction cap
	ErrTooManyTransactions = errors.New("address has too many transactions")

	// ErrAddressNotFound is returned when the ledger has no record of an address
	ErrAddressNotFound = errors.New("address not found")

	// ErrStoreWriteFailed wraps cache or graph write errors
	ErrStoreWriteFailed = errors.New("store write failed")

	// ErrInvalidAddress is returned for strings that do not decode as an address
	ErrInvalidAddress = errors.New("invalid address")

	// ErrCrawlerRunning is returned when starting a crawler that has not finished its previous run
	ErrCrawlerRunning = errors.New("crawler already running")
)

// FetchError carries the context of a failed ledger request
type FetchError struct {
	Op      string
	Address string
	Height  int64
	Hash    string
	Status  int
	Err     error
}

func (e *FetchError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s failed", e.Op)
	if e.Address != "" {
		fmt.Fprintf(&b, " address=%s", e.Address)
	}
	if e.Height > 0 {
		fmt.Fprintf(&b, " height=%d", e.Height)
	}
	if e.Hash != "" {
		fmt.Fprintf(&b, " hash=%s", e.Hash)
	}
	if e.Status != 0 {
		fmt.Fprintf(&b, " status=%d", e.Status)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Is makes every FetchError match ErrFetchFailed
func (e *FetchError) Is(target error) bool {
	return target == ErrFetchFailed
}
