package service

import (
	"slices"
	"time"

	"btc-wallet-intel/internal/domain/entity"
)

// WalletAggregate is everything derived from one address's transactions
type WalletAggregate struct {
	Wallet      *entity.WalletData
	Connections *entity.ConnectedWallets
}

// AggregateWallet derives the feature vector and counterparty edges of address
// from its transactions, newest first. Mempool transactions are ignored unless
// includeMempool is set, and never contribute block statistics.
func AggregateWallet(address string, txs []*entity.Transaction, includeMempool bool, now time.Time) *WalletAggregate {
	acc := newWalletAccumulator(address)
	for _, tx := range txs {
		if tx == nil {
			continue
		}
		if !tx.IsConfirmed() && !includeMempool {
			continue
		}
		acc.add(tx)
	}

	return &WalletAggregate{
		Wallet:      acc.wallet(int64(len(txs)), now),
		Connections: acc.connections(),
	}
}

type edgeTotals struct {
	transactions int64
	sats         int64
}

// blockGaps appends the distance to the previously observed height
type blockGaps struct {
	last   int64
	seen   bool
	series []int64
}

func (g *blockGaps) observe(height int64) {
	if g.seen {
		gap := height - g.last
		if gap < 0 {
			gap = -gap
		}
		g.series = append(g.series, gap)
	}
	g.last = height
	g.seen = true
}

type walletAccumulator struct {
	address string

	numSender   int64
	numReceiver int64

	firstBlock    int64
	lastBlock     int64
	firstSent     int64
	firstReceived int64

	transacted []int64
	sent       []int64
	received   []int64
	fees       []int64
	feeShares  []float64

	anyGaps      blockGaps
	senderGaps   blockGaps
	receiverGaps blockGaps

	inbound  map[string]*edgeTotals
	outbound map[string]*edgeTotals

	// every counterparty seen, and distinct counterparties per transaction
	counterparties     map[string]struct{}
	counterpartyCounts []int64
}

func newWalletAccumulator(address string) *walletAccumulator {
	return &walletAccumulator{
		address:         address,
		inbound:         make(map[string]*edgeTotals),
		outbound:        make(map[string]*edgeTotals),
		counterparties:  make(map[string]struct{}),
	}
}

func (a *walletAccumulator) add(tx *entity.Transaction) {
	inputs := tx.InputValues()
	outputs := tx.OutputValues()

	sent, isSender := inputs[a.address]
	received, isReceiver := outputs[a.address]

	if isSender {
		a.numSender++
		a.sent = append(a.sent, sent)
		a.fees = append(a.fees, tx.Fee)
		if sent > 0 {
			a.feeShares = append(a.feeShares, float64(tx.Fee)/float64(sent))
		}
	}
	if isReceiver {
		a.numReceiver++
		a.received = append(a.received, received)
	}
	net := received - sent
	if net < 0 {
		net = -net
	}
	a.transacted = append(a.transacted, net)

	txCounterparties := make(map[string]struct{})
	// co-spending with other inputs only counts when the subject also received
	if !isSender || isReceiver {
		for addr, value := range inputs {
			if addr == a.address {
				continue
			}
			addEdge(a.inbound, addr, value)
			txCounterparties[addr] = struct{}{}
		}
	}
	if isSender {
		for addr, value := range outputs {
			if addr == a.address {
				continue
			}
			addEdge(a.outbound, addr, value)
			txCounterparties[addr] = struct{}{}
		}
	}
	for addr := range txCounterparties {
		a.counterparties[addr] = struct{}{}
	}
	a.counterpartyCounts = append(a.counterpartyCounts, int64(len(txCounterparties)))

	if !tx.IsConfirmed() {
		return
	}
	height := tx.BlockHeight()
	a.firstBlock = minHeight(a.firstBlock, height)
	a.lastBlock = max(a.lastBlock, height)
	a.anyGaps.observe(height)
	if isSender {
		a.firstSent = minHeight(a.firstSent, height)
		a.senderGaps.observe(height)
	}
	if isReceiver {
		a.firstReceived = minHeight(a.firstReceived, height)
		a.receiverGaps.observe(height)
	}
}

func (a *walletAccumulator) wallet(totalTxs int64, now time.Time) *entity.WalletData {
	transacted := summarize(a.transacted)
	sent := summarize(a.sent)
	received := summarize(a.received)
	fees := summarize(a.fees)
	shares := summarize(a.feeShares)
	gaps := summarize(a.anyGaps.series)
	senderGaps := summarize(a.senderGaps.series)
	receiverGaps := summarize(a.receiverGaps.series)
	counterparties := summarize(a.counterpartyCounts)

	// transactions that touched more than one counterparty
	var multiple int64
	for _, n := range a.counterpartyCounts {
		if n > 1 {
			multiple++
		}
	}

	btcTransacted := transacted.scaled(entity.SatoshisToBTC)
	btcSent := sent.scaled(entity.SatoshisToBTC)
	btcReceived := received.scaled(entity.SatoshisToBTC)
	btcFees := fees.scaled(entity.SatoshisToBTC)

	return &entity.WalletData{
		Address:              a.address,
		NumTxsAsSender:       a.numSender,
		NumTxsAsReceiver:     a.numReceiver,
		FirstBlockAppearedIn: a.firstBlock,
		LastBlockAppearedIn:  a.lastBlock,
		LifetimeInBlocks:     a.lastBlock - a.firstBlock,
		TotalTxs:             totalTxs,
		FirstSentBlock:       a.firstSent,
		FirstReceivedBlock:   a.firstReceived,

		BtcTransactedTotal:  btcTransacted.total,
		BtcTransactedMin:    btcTransacted.min,
		BtcTransactedMax:    btcTransacted.max,
		BtcTransactedMean:   btcTransacted.mean,
		BtcTransactedMedian: btcTransacted.median,

		BtcSentTotal:  btcSent.total,
		BtcSentMin:    btcSent.min,
		BtcSentMax:    btcSent.max,
		BtcSentMean:   btcSent.mean,
		BtcSentMedian: btcSent.median,

		BtcReceivedTotal:  btcReceived.total,
		BtcReceivedMin:    btcReceived.min,
		BtcReceivedMax:    btcReceived.max,
		BtcReceivedMean:   btcReceived.mean,
		BtcReceivedMedian: btcReceived.median,

		FeesTotal:  btcFees.total,
		FeesMin:    btcFees.min,
		FeesMax:    btcFees.max,
		FeesMean:   btcFees.mean,
		FeesMedian: btcFees.median,

		// mean and median are ratios of the reduced series, not reductions of per-tx ratios
		FeesAsShareTotal:  ratio(fees.total, sent.total),
		FeesAsShareMin:    shares.min,
		FeesAsShareMax:    shares.max,
		FeesAsShareMean:   ratio(fees.mean, sent.mean),
		FeesAsShareMedian: ratio(fees.median, sent.median),

		BlocksBtwnTxsTotal:  int64(gaps.total),
		BlocksBtwnTxsMin:    int64(gaps.min),
		BlocksBtwnTxsMax:    int64(gaps.max),
		BlocksBtwnTxsMean:   gaps.mean,
		BlocksBtwnTxsMedian: gaps.median,

		BlocksBtwnInputTxsTotal:  int64(senderGaps.total),
		BlocksBtwnInputTxsMin:    int64(senderGaps.min),
		BlocksBtwnInputTxsMax:    int64(senderGaps.max),
		BlocksBtwnInputTxsMean:   senderGaps.mean,
		BlocksBtwnInputTxsMedian: senderGaps.median,

		BlocksBtwnOutputTxsTotal:  int64(receiverGaps.total),
		BlocksBtwnOutputTxsMin:    int64(receiverGaps.min),
		BlocksBtwnOutputTxsMax:    int64(receiverGaps.max),
		BlocksBtwnOutputTxsMean:   receiverGaps.mean,
		BlocksBtwnOutputTxsMedian: receiverGaps.median,

		NumAddrTransactedMultiple: multiple,
		TransactedWAddressTotal:   int64(len(a.counterparties)),
		TransactedWAddressMin:     int64(counterparties.min),
		TransactedWAddressMax:     int64(counterparties.max),
		TransactedWAddressMean:    counterparties.mean,
		TransactedWAddressMedian:  counterparties.median,

		ClassInference: entity.Unclassified,
		LastUpdated:    now.Unix(),
		IsPopulated:    true,
	}
}

func (a *walletAccumulator) connections() *entity.ConnectedWallets {
	connections := entity.NewConnectedWallets(a.address)
	for addr, edge := range a.inbound {
		connections.InboundConnections[addr] = edge.toEntity()
	}
	for addr, edge := range a.outbound {
		connections.OutboundConnections[addr] = edge.toEntity()
	}
	return connections
}

func (e *edgeTotals) toEntity() *entity.CounterpartyEdge {
	return &entity.CounterpartyEdge{
		NumTransactions:  e.transactions,
		AmountTransacted: float64(e.sats) * entity.SatoshisToBTC,
	}
}

func addEdge(edges map[string]*edgeTotals, addr string, sats int64) {
	edge, ok := edges[addr]
	if !ok {
		edge = &edgeTotals{}
		edges[addr] = edge
	}
	edge.transactions++
	edge.sats += sats
}

// minHeight treats 0 as unset
func minHeight(current, height int64) int64 {
	if current == 0 || height < current {
		return height
	}
	return current
}

func ratio(numerator, denominator float64) float64 {
	if denominator == 0 {
		return 0
	}
	return numerator / denominator
}

type summary struct {
	total  float64
	min    float64
	max    float64
	mean   float64
	median float64
}

// summarize reduces a series. The median is the upper median and an empty
// series reduces to all zeros.
func summarize[T int64 | float64](series []T) summary {
	if len(series) == 0 {
		return summary{}
	}

	sorted := slices.Clone(series)
	slices.Sort(sorted)

	var total float64
	for _, v := range sorted {
		total += float64(v)
	}
	n := len(sorted)
	return summary{
		total:  total,
		min:    float64(sorted[0]),
		max:    float64(sorted[n-1]),
		mean:   total / float64(n),
		median: float64(sorted[n/2]),
	}
}

func (s summary) scaled(factor float64) summary {
	return summary{
		total:  s.total * factor,
		min:    s.min * factor,
		max:    s.max * factor,
		mean:   s.mean * factor,
		median: s.median * factor,
	}
}
