package entity

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-viper/mapstructure/v2"
)

// Unclassified is the class_inference value of a wallet the model has not scored
const Unclassified int64 = -1

// WalletData is the derived feature vector of a Bitcoin wallet. Amounts are in
// BTC, block statistics in blocks.
type WalletData struct {
	Address              string `json:"address"`
	NumTxsAsSender       int64  `json:"num_txs_as_sender"`
	NumTxsAsReceiver     int64  `json:"num_txs_as_receiver"`
	FirstBlockAppearedIn int64  `json:"first_block_appeared_in"`
	LastBlockAppearedIn  int64  `json:"last_block_appeared_in"`
	LifetimeInBlocks     int64  `json:"lifetime_in_blocks"`
	TotalTxs             int64  `json:"total_txs"`
	FirstSentBlock       int64  `json:"first_sent_block"`
	FirstReceivedBlock   int64  `json:"first_received_block"`

	BtcTransactedTotal  float64 `json:"btc_transacted_total"`
	BtcTransactedMin    float64 `json:"btc_transacted_min"`
	BtcTransactedMax    float64 `json:"btc_transacted_max"`
	BtcTransactedMean   float64 `json:"btc_transacted_mean"`
	BtcTransactedMedian float64 `json:"btc_transacted_median"`

	BtcSentTotal  float64 `json:"btc_sent_total"`
	BtcSentMin    float64 `json:"btc_sent_min"`
	BtcSentMax    float64 `json:"btc_sent_max"`
	BtcSentMean   float64 `json:"btc_sent_mean"`
	BtcSentMedian float64 `json:"btc_sent_median"`

	BtcReceivedTotal  float64 `json:"btc_received_total"`
	BtcReceivedMin    float64 `json:"btc_received_min"`
	BtcReceivedMax    float64 `json:"btc_received_max"`
	BtcReceivedMean   float64 `json:"btc_received_mean"`
	BtcReceivedMedian float64 `json:"btc_received_median"`

	FeesTotal  float64 `json:"fees_total"`
	FeesMin    float64 `json:"fees_min"`
	FeesMax    float64 `json:"fees_max"`
	FeesMean   float64 `json:"fees_mean"`
	FeesMedian float64 `json:"fees_median"`

	FeesAsShareTotal  float64 `json:"fees_as_share_total"`
	FeesAsShareMin    float64 `json:"fees_as_share_min"`
	FeesAsShareMax    float64 `json:"fees_as_share_max"`
	FeesAsShareMean   float64 `json:"fees_as_share_mean"`
	FeesAsShareMedian float64 `json:"fees_as_share_median"`

	BlocksBtwnTxsTotal  int64   `json:"blocks_btwn_txs_total"`
	BlocksBtwnTxsMin    int64   `json:"blocks_btwn_txs_min"`
	BlocksBtwnTxsMax    int64   `json:"blocks_btwn_txs_max"`
	BlocksBtwnTxsMean   float64 `json:"blocks_btwn_txs_mean"`
	BlocksBtwnTxsMedian float64 `json:"blocks_btwn_txs_median"`

	BlocksBtwnInputTxsTotal  int64   `json:"blocks_btwn_input_txs_total"`
	BlocksBtwnInputTxsMin    int64   `json:"blocks_btwn_input_txs_min"`
	BlocksBtwnInputTxsMax    int64   `json:"blocks_btwn_input_txs_max"`
	BlocksBtwnInputTxsMean   float64 `json:"blocks_btwn_input_txs_mean"`
	BlocksBtwnInputTxsMedian float64 `json:"blocks_btwn_input_txs_median"`

	BlocksBtwnOutputTxsTotal  int64   `json:"blocks_btwn_output_txs_total"`
	BlocksBtwnOutputTxsMin    int64   `json:"blocks_btwn_output_txs_min"`
	BlocksBtwnOutputTxsMax    int64   `json:"blocks_btwn_output_txs_max"`
	BlocksBtwnOutputTxsMean   float64 `json:"blocks_btwn_output_txs_mean"`
	BlocksBtwnOutputTxsMedian float64 `json:"blocks_btwn_output_txs_median"`

	NumAddrTransactedMultiple int64   `json:"num_addr_transacted_multiple"`
	TransactedWAddressTotal   int64   `json:"transacted_w_address_total"`
	TransactedWAddressMin     int64   `json:"transacted_w_address_min"`
	TransactedWAddressMax     int64   `json:"transacted_w_address_max"`
	TransactedWAddressMean    float64 `json:"transacted_w_address_mean"`
	TransactedWAddressMedian  float64 `json:"transacted_w_address_median"`

	ClassInference int64 `json:"class_inference"`
	LastUpdated    int64 `json:"last_updated"`
	IsPopulated    bool  `json:"is_populated"`
}

// NewStubWallet returns the placeholder record of an address that was only
// seen as a counterparty. None of its statistics are meaningful.
func NewStubWallet(address string, createdAt time.Time) *WalletData {
	return &WalletData{
		Address:        address,
		ClassInference: Unclassified,
		LastUpdated:    createdAt.Unix(),
		IsPopulated:    false,
	}
}

// Properties flattens the wallet into a property map suitable for a graph node.
// Every property keeps the Go type of its field, so a float statistic stays a
// float on every node even when its value is integral.
func (w *WalletData) Properties() (map[string]any, error) {
	props := make(map[string]any)
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName: "json",
		Result:  &props,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create property decoder: %w", err)
	}
	if err := decoder.Decode(w); err != nil {
		return nil, fmt.Errorf("failed to flatten wallet data: %w", err)
	}
	return props, nil
}

// WalletDataFromProperties rebuilds a wallet from graph node properties.
// Stub nodes only carry address, is_populated and last_updated.
func WalletDataFromProperties(props map[string]any) (*WalletData, error) {
	raw, err := json.Marshal(props)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal wallet properties: %w", err)
	}

	wallet := &WalletData{ClassInference: Unclassified}
	if err := json.Unmarshal(raw, wallet); err != nil {
		return nil, fmt.Errorf("failed to decode wallet properties: %w", err)
	}
	if !wallet.IsPopulated {
		return NewStubWallet(wallet.Address, time.Unix(wallet.LastUpdated, 0)), nil
	}
	return wallet, nil
}

// CounterpartyEdge is the running relation between a wallet and one counterparty
type CounterpartyEdge struct {
	NumTransactions  int64   `json:"num_transactions"`
	AmountTransacted float64 `json:"amount_transacted"`
}

// ConnectedWallets groups a wallet's counterparties by direction of value flow.
// Inbound counterparties sent funds towards the wallet, outbound ones received
// funds from it.
type ConnectedWallets struct {
	WalletAddress       string                       `json:"wallet_address"`
	InboundConnections  map[string]*CounterpartyEdge `json:"inbound_connections"`
	OutboundConnections map[string]*CounterpartyEdge `json:"outbound_connections"`
}

// NewConnectedWallets returns an empty counterparty set for address
func NewConnectedWallets(address string) *ConnectedWallets {
	return &ConnectedWallets{
		WalletAddress:       address,
		InboundConnections:  make(map[string]*CounterpartyEdge),
		OutboundConnections: make(map[string]*CounterpartyEdge),
	}
}
