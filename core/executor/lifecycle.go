package executor

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/oklog/ulid/v2"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"github.com/AvaProtocol/ap-bundler/core/chainio/aa"
	"github.com/AvaProtocol/ap-bundler/core/mempool"
	"github.com/AvaProtocol/ap-bundler/core/walletpool"
	"github.com/AvaProtocol/ap-bundler/metrics"
	"github.com/AvaProtocol/ap-bundler/pkg/eip1559"
	"github.com/AvaProtocol/ap-bundler/pkg/logger"
)

const (
	replaceReasonGasPrice = "gas_price"
	replaceReasonStuck    = "stuck"

	receiptLookupConcurrency = 8
)

type LifecycleConfig struct {
	EntryPoint common.Address
	// StuckReplaceAfter is how long a transaction may sit unreplaced before
	// it is replaced even though its fees are still competitive.
	StuckReplaceAfter time.Duration
	// MaxPotentiallyIncluded consecutive potentially included replacements
	// drop the record.
	MaxPotentiallyIncluded int
	ReceiptRetries         int
	ReceiptBackoff         time.Duration
}

func (c *LifecycleConfig) applyDefaults() {
	if c.StuckReplaceAfter == 0 {
		c.StuckReplaceAfter = 5 * time.Minute
	}
	if c.MaxPotentiallyIncluded == 0 {
		c.MaxPotentiallyIncluded = 3
	}
	if c.ReceiptRetries == 0 {
		c.ReceiptRetries = 3
	}
	if c.ReceiptBackoff == 0 {
		c.ReceiptBackoff = 200 * time.Millisecond
	}
}

type inclusionState int

const (
	statePending inclusionState = iota
	stateIncluded
	stateReverted
)

type inclusion struct {
	state   inclusionState
	txHash  common.Hash
	receipt *types.Receipt
}

// LifecycleManager follows submitted bundle transactions. It only listens to
// new heads while at least one record is outstanding.
type LifecycleManager struct {
	config  LifecycleConfig
	client  ChainClient
	builder *BundleBuilder
	mempool *mempool.Mempool
	pool    *walletpool.Pool
	logger  logger.Logger
	metrics metrics.MetricsGenerator
	now     func() time.Time

	// mu guards records and orders record changes with subscription changes.
	mu      sync.Mutex
	records map[ulid.ULID]*TransactionRecord

	busy atomic.Bool

	subMu     sync.Mutex
	ctx       context.Context
	sub       ethereum.Subscription
	stopWatch context.CancelFunc
}

func NewLifecycleManager(config LifecycleConfig, client ChainClient, builder *BundleBuilder, mp *mempool.Mempool, pool *walletpool.Pool, log logger.Logger, m metrics.MetricsGenerator) *LifecycleManager {
	config.applyDefaults()

	return &LifecycleManager{
		config:  config,
		client:  client,
		builder: builder,
		mempool: mp,
		pool:    pool,
		logger:  logger.Component(log, "lifecycle"),
		metrics: m,
		now:     time.Now,
		records: make(map[ulid.ULID]*TransactionRecord),
	}
}

// Start enables block watching, bound to ctx.
func (l *LifecycleManager) Start(ctx context.Context) {
	l.subMu.Lock()
	l.ctx = ctx
	l.subMu.Unlock()

	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.records) > 0 {
		l.watch()
	}
}

func (l *LifecycleManager) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.unwatch()
}

// Track takes ownership of a freshly submitted record and its wallet.
func (l *LifecycleManager) Track(record *TransactionRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.records[record.ID] = record
	l.watch()
}

// Records returns the outstanding records, oldest first.
func (l *LifecycleManager) Records() []*TransactionRecord {
	l.mu.Lock()
	defer l.mu.Unlock()

	records := lo.Values(l.records)
	sort.Slice(records, func(i, j int) bool { return records[i].ID.Compare(records[j].ID) < 0 })
	return records
}

func (l *LifecycleManager) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}

func (l *LifecycleManager) Watching() bool {
	l.subMu.Lock()
	defer l.subMu.Unlock()
	return l.sub != nil
}

// watch must be called with mu held.
func (l *LifecycleManager) watch() {
	l.subMu.Lock()
	defer l.subMu.Unlock()

	if l.sub != nil || l.ctx == nil {
		return
	}

	headers := make(chan *types.Header, 16)
	sub, err := l.client.SubscribeNewHead(l.ctx, headers)
	if err != nil {
		l.logger.Error("cannot subscribe to new heads", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(l.ctx)
	l.sub = sub
	l.stopWatch = cancel
	l.logger.Debug("watching blocks")

	go l.loop(ctx, sub, headers)
}

// unwatch must be called with mu held.
func (l *LifecycleManager) unwatch() {
	l.subMu.Lock()
	defer l.subMu.Unlock()

	if l.sub == nil {
		return
	}

	l.sub.Unsubscribe()
	l.stopWatch()
	l.sub = nil
	l.stopWatch = nil
	l.logger.Debug("stopped watching blocks")
}

func (l *LifecycleManager) loop(ctx context.Context, sub ethereum.Subscription, headers <-chan *types.Header) {
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-sub.Err():
			if err == nil {
				// closed by Unsubscribe
				return
			}
			l.logger.Warn("new head subscription dropped", "error", err)

			l.mu.Lock()
			l.subMu.Lock()
			if l.sub == sub {
				l.sub = nil
				l.stopWatch()
				l.stopWatch = nil
			}
			l.subMu.Unlock()
			if len(l.records) > 0 {
				l.watch()
			}
			l.mu.Unlock()
			return
		case header := <-headers:
			// handled off the loop so a slow block is skipped, not queued
			go l.handleBlock(l.baseContext(), header)
		}
	}
}

func (l *LifecycleManager) baseContext() context.Context {
	l.subMu.Lock()
	defer l.subMu.Unlock()
	if l.ctx == nil {
		return context.Background()
	}
	return l.ctx
}

// handleBlock reconciles every record against the chain. It returns false
// when the block was skipped because the previous one is still in progress.
func (l *LifecycleManager) handleBlock(ctx context.Context, header *types.Header) bool {
	if !l.busy.CompareAndSwap(false, true) {
		l.logger.Debug("previous block still in progress, skipping", "block", blockNumber(header))
		return false
	}
	defer l.busy.Store(false)

	l.mu.Lock()
	if len(l.records) == 0 {
		l.unwatch()
		l.mu.Unlock()
		return true
	}
	records := lo.Values(l.records)
	l.mu.Unlock()

	statuses := make([]inclusion, len(records))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(receiptLookupConcurrency)
	for i, record := range records {
		i, record := i, record
		g.Go(func() error {
			statuses[i] = l.inclusionStatus(gctx, record)
			return nil
		})
	}
	_ = g.Wait()

	pending := make([]*TransactionRecord, 0, len(records))
	for i, record := range records {
		switch statuses[i].state {
		case stateIncluded:
			l.onIncluded(record, statuses[i])
		case stateReverted:
			l.onReverted(record, statuses[i])
		default:
			pending = append(pending, record)
		}
	}

	if len(pending) == 0 {
		return true
	}

	network, err := eip1559.SuggestFee(ctx, l.client)
	if err != nil {
		l.logger.Warn("cannot fetch network fees, replacements postponed", "error", err)
		return true
	}

	now := l.now()
	for _, record := range pending {
		switch {
		case record.Fees.Below(network):
			l.replace(ctx, record, network, replaceReasonGasPrice)
		case now.Sub(record.LastReplaced) >= l.config.StuckReplaceAfter:
			l.replace(ctx, record, network, replaceReasonStuck)
		}
	}

	return true
}

// inclusionStatus checks every hash of the record. A successful receipt wins
// over a reverted one.
func (l *LifecycleManager) inclusionStatus(ctx context.Context, record *TransactionRecord) inclusion {
	var reverted *inclusion

	for _, hash := range record.Hashes() {
		receipt, err := l.receipt(ctx, hash)
		if err != nil {
			l.logger.Debug("receipt lookup failed, treating as pending", "tx_hash", hash.Hex(), "error", err)
			continue
		}
		if receipt == nil {
			continue
		}

		if receipt.Status == types.ReceiptStatusSuccessful {
			return inclusion{state: stateIncluded, txHash: hash, receipt: receipt}
		}
		if reverted == nil {
			reverted = &inclusion{state: stateReverted, txHash: hash, receipt: receipt}
		}
	}

	if reverted != nil {
		return *reverted
	}
	return inclusion{state: statePending}
}

// receipt returns nil without error while the transaction is not mined.
func (l *LifecycleManager) receipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	var lastErr error

	for attempt := 0; attempt < l.config.ReceiptRetries; attempt++ {
		receipt, err := l.client.TransactionReceipt(ctx, hash)
		if err == nil {
			return receipt, nil
		}
		if errors.Is(err, ethereum.NotFound) {
			return nil, nil
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.config.ReceiptBackoff * time.Duration(attempt+1)):
		}
	}

	return nil, lastErr
}

func (l *LifecycleManager) onIncluded(record *TransactionRecord, inc inclusion) {
	results, err := aa.ParseUserOperationEvents(l.config.EntryPoint, inc.receipt.Logs)
	if err != nil {
		l.logger.Warn("cannot decode user operation events", "tx_hash", inc.txHash.Hex(), "error", err)
	}

	receipts := make(map[common.Hash]*mempool.UserOpReceipt, len(results))
	reverted := 0
	for _, info := range record.UserOps {
		result, ok := results[info.UserOpHash]
		if !ok {
			continue
		}
		if !result.Success {
			reverted++
		}
		receipts[info.UserOpHash] = l.userOpReceipt(result, inc)
	}

	l.mempool.MarkIncluded(record.UserOps, inc.txHash, receipts)
	for range record.UserOps {
		l.metrics.IncUserOpsOnChain("included")
	}
	l.metrics.ObserveInclusionDuration(l.now().Sub(record.FirstSubmitted))

	l.logger.Info("✅ bundle included",
		"tx_hash", inc.txHash.Hex(),
		"block", blockNumberOf(inc.receipt),
		"ops", len(record.UserOps),
		"reverted_ops", reverted,
		"executor", record.Executor.Address.Hex())

	l.resolve(record)
}

func (l *LifecycleManager) userOpReceipt(result *aa.UserOperationResult, inc inclusion) *mempool.UserOpReceipt {
	return &mempool.UserOpReceipt{
		UserOpHash:      result.UserOpHash,
		EntryPoint:      l.config.EntryPoint,
		Sender:          result.Sender,
		Nonce:           (*hexutil.Big)(result.Nonce),
		Paymaster:       result.Paymaster,
		ActualGasCost:   (*hexutil.Big)(result.ActualGasCost),
		ActualGasUsed:   (*hexutil.Big)(result.ActualGasUsed),
		Success:         result.Success,
		Reason:          result.RevertReason,
		TransactionHash: inc.txHash,
		BlockHash:       inc.receipt.BlockHash,
		BlockNumber:     (*hexutil.Big)(inc.receipt.BlockNumber),
	}
}

func (l *LifecycleManager) onReverted(record *TransactionRecord, inc inclusion) {
	l.mempool.MarkReverted(record.UserOps, inc.txHash)
	for range record.UserOps {
		l.metrics.IncUserOpsOnChain("reverted")
	}

	l.logger.Warn("bundle reverted on chain",
		"tx_hash", inc.txHash.Hex(),
		"block", blockNumberOf(inc.receipt),
		"user_op_hashes", record.UserOpHashes(),
		"executor", record.Executor.Address.Hex())

	l.resolve(record)
}

func (l *LifecycleManager) replace(ctx context.Context, record *TransactionRecord, network *eip1559.Fees, reason string) {
	result := l.builder.Replace(ctx, record, network)
	l.metrics.IncReplacedTransactions(reason, string(result.Status))

	switch result.Status {
	case ReplaceReplaced:
		l.drop(result.Dropped)
		l.mempool.MarkSubmitted(result.Record.UserOps, result.Record.TransactionHash)

		l.mu.Lock()
		l.records[record.ID] = result.Record
		l.mu.Unlock()

	case ReplacePotentiallyAlreadyIncluded:
		l.mu.Lock()
		record.TimesPotentiallyIncluded++
		times := record.TimesPotentiallyIncluded
		l.mu.Unlock()

		l.logger.Info("replacement potentially already included", "tx_hash", record.TransactionHash.Hex(), "times", times)
		if times >= l.config.MaxPotentiallyIncluded {
			l.drop(rejectAll(record.UserOps, reasonMaxPotentiallyIncluded))
			l.resolve(record)
		}

	case ReplaceFailed:
		failed := lo.SliceToMap(result.Dropped, func(f FailedUserOp) (common.Hash, bool) { return f.Info.UserOpHash, true })
		rest := lo.Filter(record.UserOps, func(info *mempool.UserOpInfo, _ int) bool { return !failed[info.UserOpHash] })

		l.drop(result.Dropped)
		l.drop(rejectAll(rest, result.Reason))
		l.logger.Warn("replacement failed, bundle dropped", "tx_hash", record.TransactionHash.Hex(), "reason", result.Reason)
		l.resolve(record)

	case ReplaceSkipped:
		l.logger.Debug("replacement skipped", "tx_hash", record.TransactionHash.Hex(), "reason", result.Reason)
	}
}

func (l *LifecycleManager) drop(failed []FailedUserOp) {
	for _, f := range failed {
		l.mempool.MarkRejected([]*mempool.UserOpInfo{f.Info}, f.Reason)
		l.metrics.IncUserOpsOnChain("dropped")
	}
}

// resolve forgets record and hands its wallet back to the pool.
func (l *LifecycleManager) resolve(record *TransactionRecord) {
	l.mu.Lock()
	delete(l.records, record.ID)
	l.mu.Unlock()

	l.pool.Release(record.Executor)
}

func blockNumber(header *types.Header) uint64 {
	if header == nil || header.Number == nil {
		return 0
	}
	return header.Number.Uint64()
}

func blockNumberOf(receipt *types.Receipt) uint64 {
	if receipt == nil || receipt.BlockNumber == nil {
		return 0
	}
	return receipt.BlockNumber.Uint64()
}
