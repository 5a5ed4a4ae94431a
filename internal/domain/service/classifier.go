package service

import (
	"context"

	"btc-wallet-intel/internal/domain/entity"
)

// Classifier scores a wallet feature vector and returns its class label
type Classifier interface {
	Classify(ctx context.Context, wallet *entity.WalletData) (int64, error)
}

// FeatureNames is the ordered input of the wallet classifier
var FeatureNames = []string{
	"num_txs_as_sender",
	"num_txs_as_receiver",
	"lifetime_in_blocks",
	"total_txs",
	"btc_transacted_total",
	"btc_transacted_min",
	"btc_transacted_max",
	"btc_transacted_mean",
	"btc_transacted_median",
	"btc_sent_total",
	"btc_sent_min",
	"btc_sent_max",
	"btc_sent_mean",
	"btc_sent_median",
	"btc_received_total",
	"btc_received_min",
	"btc_received_max",
	"btc_received_mean",
	"btc_received_median",
	"fees_total",
	"fees_min",
	"fees_max",
	"fees_mean",
	"fees_median",
	"fees_as_share_total",
	"fees_as_share_min",
	"fees_as_share_max",
	"fees_as_share_mean",
	"fees_as_share_median",
	"num_addr_transacted_multiple",
}

// Features projects the wallet onto FeatureNames, in order
func Features(w *entity.WalletData) []float64 {
	return []float64{
		float64(w.NumTxsAsSender),
		float64(w.NumTxsAsReceiver),
		float64(w.LifetimeInBlocks),
		float64(w.TotalTxs),
		w.BtcTransactedTotal,
		w.BtcTransactedMin,
		w.BtcTransactedMax,
		w.BtcTransactedMean,
		w.BtcTransactedMedian,
		w.BtcSentTotal,
		w.BtcSentMin,
		w.BtcSentMax,
		w.BtcSentMean,
		w.BtcSentMedian,
		w.BtcReceivedTotal,
		w.BtcReceivedMin,
		w.BtcReceivedMax,
		w.BtcReceivedMean,
		w.BtcReceivedMedian,
		w.FeesTotal,
		w.FeesMin,
		w.FeesMax,
		w.FeesMean,
		w.FeesMedian,
		w.FeesAsShareTotal,
		w.FeesAsShareMin,
		w.FeesAsShareMax,
		w.FeesAsShareMean,
		w.FeesAsShareMedian,
		float64(w.NumAddrTransactedMultiple),
	}
}

// NopClassifier leaves every wallet unclassified
type NopClassifier struct{}

// Classify always returns entity.Unclassified
func (NopClassifier) Classify(context.Context, *entity.WalletData) (int64, error) {
	return entity.Unclassified, nil
}
