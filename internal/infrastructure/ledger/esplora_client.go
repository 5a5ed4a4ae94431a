package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"btc-wallet-intel/internal/domain/entity"
	"btc-wallet-intel/internal/domain/service"
	"btc-wallet-intel/internal/infrastructure/config"
	"btc-wallet-intel/internal/infrastructure/logger"

	"go.uber.org/zap"
)

const blockOutOfRange = "start index out of range"

// EsploraClient talks to an Esplora-compatible ledger API
type EsploraClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *logger.Logger
}

// NewEsploraClient creates a new ledger API client
func NewEsploraClient(cfg *config.LedgerConfig, logger *logger.Logger) *EsploraClient {
	return &EsploraClient{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{Timeout: cfg.RequestTimeout},
		logger:     logger.WithComponent("esplora-client"),
	}
}

// Execute performs the HTTP request(s) of a single job
func (c *EsploraClient) Execute(ctx context.Context, job Job) (*Result, error) {
	switch job.Kind {
	case JobAddressSummary:
		summary, err := c.getAddressSummary(ctx, job.Address)
		if err != nil {
			return nil, err
		}
		return &Result{Summary: summary, Transactions: summary.Transactions}, nil
	case JobAddressTxPage:
		txs, err := c.getAddressTxs(ctx, job.Address, job.AfterTxID)
		if err != nil {
			return nil, err
		}
		return &Result{Transactions: txs}, nil
	case JobLatestBlocks:
		blocks, err := c.getLatestBlocks(ctx)
		if err != nil {
			return nil, err
		}
		return &Result{Blocks: blocks}, nil
	case JobLatestHeight:
		height, err := c.getTipHeight(ctx)
		if err != nil {
			return nil, err
		}
		return &Result{Height: height}, nil
	case JobBlockHash:
		hash, err := c.getBlockHash(ctx, job.Height)
		if err != nil {
			return nil, err
		}
		return &Result{BlockHash: hash}, nil
	case JobBlockTxPage:
		page, err := c.getBlockTxPage(ctx, job.BlockHash, job.StartIndex)
		if err != nil {
			return nil, err
		}
		return &Result{BlockTxPage: page}, nil
	default:
		return nil, fmt.Errorf("unknown job kind %q", job.Kind)
	}
}

// CloseIdleConnections releases pooled connections of the HTTP client
func (c *EsploraClient) CloseIdleConnections() {
	c.httpClient.CloseIdleConnections()
}

func (c *EsploraClient) getAddressSummary(ctx context.Context, address string) (*entity.AddressSummary, error) {
	op := string(JobAddressSummary)
	path := "/address/" + url.PathEscape(address)

	status, body, err := c.get(ctx, path)
	if err != nil {
		return nil, &service.FetchError{Op: op, Address: address, Err: err}
	}
	if status == http.StatusBadRequest || status == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", service.ErrAddressNotFound, address)
	}
	if status != http.StatusOK {
		return nil, &service.FetchError{Op: op, Address: address, Status: status}
	}

	var summary entity.AddressSummary
	if err := json.Unmarshal(body, &summary); err != nil {
		return nil, &service.FetchError{Op: op, Address: address, Err: err}
	}
	if err := summary.Validate(); err != nil {
		return nil, &service.FetchError{Op: op, Address: address, Err: err}
	}

	txs, err := c.getAddressTxs(ctx, address, "")
	if err != nil {
		return nil, err
	}
	summary.Transactions = txs
	return &summary, nil
}

func (c *EsploraClient) getAddressTxs(ctx context.Context, address, afterTxID string) ([]*entity.Transaction, error) {
	op := string(JobAddressTxPage)
	path := "/address/" + url.PathEscape(address) + "/txs"
	if afterTxID != "" {
		path += "/chain/" + url.PathEscape(afterTxID)
	}

	status, body, err := c.get(ctx, path)
	if err != nil {
		return nil, &service.FetchError{Op: op, Address: address, Err: err}
	}
	if status == http.StatusBadRequest || status == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", service.ErrAddressNotFound, address)
	}
	if status != http.StatusOK {
		return nil, &service.FetchError{Op: op, Address: address, Status: status}
	}

	txs, err := decodeTransactions(body)
	if err != nil {
		return nil, &service.FetchError{Op: op, Address: address, Err: err}
	}
	return txs, nil
}

func (c *EsploraClient) getLatestBlocks(ctx context.Context) ([]*entity.Block, error) {
	op := string(JobLatestBlocks)

	status, body, err := c.get(ctx, "/blocks")
	if err != nil {
		return nil, &service.FetchError{Op: op, Err: err}
	}
	if status != http.StatusOK {
		return nil, &service.FetchError{Op: op, Status: status}
	}

	var blocks []*entity.Block
	if err := json.Unmarshal(body, &blocks); err != nil {
		return nil, &service.FetchError{Op: op, Err: err}
	}
	for _, block := range blocks {
		if block == nil {
			return nil, &service.FetchError{Op: op, Err: fmt.Errorf("null block in list")}
		}
		if err := block.Validate(); err != nil {
			return nil, &service.FetchError{Op: op, Err: err}
		}
	}
	return blocks, nil
}

func (c *EsploraClient) getTipHeight(ctx context.Context) (int64, error) {
	op := string(JobLatestHeight)

	status, body, err := c.get(ctx, "/blocks/tip/height")
	if err != nil {
		return 0, &service.FetchError{Op: op, Err: err}
	}
	if status != http.StatusOK {
		return 0, &service.FetchError{Op: op, Status: status}
	}

	height, err := strconv.ParseInt(strings.TrimSpace(string(body)), 10, 64)
	if err != nil {
		return 0, &service.FetchError{Op: op, Err: err}
	}
	return height, nil
}

func (c *EsploraClient) getBlockHash(ctx context.Context, height int64) (string, error) {
	op := string(JobBlockHash)

	status, body, err := c.get(ctx, "/block-height/"+strconv.FormatInt(height, 10))
	if err != nil {
		return "", &service.FetchError{Op: op, Height: height, Err: err}
	}
	if status != http.StatusOK {
		return "", &service.FetchError{Op: op, Height: height, Status: status}
	}

	hash := strings.TrimSpace(string(body))
	if len(hash) != 64 {
		return "", &service.FetchError{Op: op, Height: height, Err: fmt.Errorf("malformed block hash %q", hash)}
	}
	return hash, nil
}

func (c *EsploraClient) getBlockTxPage(ctx context.Context, blockHash string, startIndex int) (*entity.BlockTxPage, error) {
	op := string(JobBlockTxPage)
	path := fmt.Sprintf("/block/%s/txs/%d", url.PathEscape(blockHash), startIndex)

	status, body, err := c.get(ctx, path)
	if err != nil {
		return nil, &service.FetchError{Op: op, Hash: blockHash, Err: err}
	}
	page := &entity.BlockTxPage{BlockHash: blockHash, StartIndex: startIndex}
	if (status == http.StatusNotFound || status == http.StatusBadRequest) &&
		strings.Contains(string(body), blockOutOfRange) {
		c.logger.Debug("Reached end of block transactions",
			zap.String("hash", blockHash),
			zap.Int("start_index", startIndex))
		return page, nil
	}
	if status != http.StatusOK {
		return nil, &service.FetchError{Op: op, Hash: blockHash, Status: status}
	}

	txs, err := decodeTransactions(body)
	if err != nil {
		return nil, &service.FetchError{Op: op, Hash: blockHash, Err: err}
	}
	page.Transactions = txs
	return page, nil
}

func (c *EsploraClient) get(ctx context.Context, path string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("failed to read response body: %w", err)
	}

	c.logger.Debug("Ledger response",
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Int("bytes", len(body)))

	return resp.StatusCode, body, nil
}

func decodeTransactions(body []byte) ([]*entity.Transaction, error) {
	var txs []*entity.Transaction
	if err := json.Unmarshal(body, &txs); err != nil {
		return nil, err
	}
	for i, tx := range txs {
		if tx == nil {
			return nil, fmt.Errorf("null transaction at index %d", i)
		}
		if err := tx.Validate(); err != nil {
			return nil, err
		}
	}
	return txs, nil
}
