package executor

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AvaProtocol/ap-bundler/core/chainio/aa"
	"github.com/AvaProtocol/ap-bundler/core/mempool"
	"github.com/AvaProtocol/ap-bundler/pkg/eip1559"
)

var head = &types.Header{Number: big.NewInt(101)}

// submitBundle runs ops through the scheduler path, leaving the record
// tracked by the lifecycle manager.
func submitBundle(t *testing.T, h *harness, ops ...*mempool.UserOpInfo) *TransactionRecord {
	result := h.scheduler.execute(context.Background(), h.acquire(t), ops)
	require.Equal(t, BundleSuccess, result.Status)
	return result.Record
}

func userOperationEvent(t *testing.T, hash common.Hash, sender common.Address, success bool) *types.Log {
	event := aa.EntryPointABI().Events["UserOperationEvent"]
	data, err := event.Inputs.NonIndexed().Pack(big.NewInt(0), success, big.NewInt(1000), big.NewInt(90000))
	require.NoError(t, err)

	return &types.Log{
		Address: testEntryPoint,
		Topics:  []common.Hash{event.ID, hash, common.BytesToHash(sender.Bytes()), {}},
		Data:    data,
	}
}

func underprice(record *TransactionRecord) {
	record.Fees = &eip1559.Fees{MaxFeePerGas: big.NewInt(1 * gwei), MaxPriorityFeePerGas: big.NewInt(1)}
}

func TestLifecycleIncluded(t *testing.T) {
	h := newHarness(t, &fakeSimulator{}, 1)
	infos := h.checkout(t, newUserOp(senderA, 0, 30*gwei), newUserOp(senderB, 0, 20*gwei))
	record := submitBundle(t, h, infos...)

	assert.True(t, h.lifecycle.Watching())
	assert.Equal(t, 1, h.lifecycle.Count())
	assert.Equal(t, 0, h.pool.Available())
	assert.Equal(t, mempool.StatusSubmitted, h.mempool.Status(infos[0].UserOpHash).Status)

	h.chain.setReceipt(record.TransactionHash, types.ReceiptStatusSuccessful,
		userOperationEvent(t, infos[0].UserOpHash, senderA, true),
		userOperationEvent(t, infos[1].UserOpHash, senderB, false),
	)

	require.True(t, h.lifecycle.handleBlock(h.ctx, head))

	ok := h.mempool.Status(infos[0].UserOpHash)
	assert.Equal(t, mempool.StatusIncluded, ok.Status)
	require.NotNil(t, ok.TransactionHash)
	assert.Equal(t, record.TransactionHash, *ok.TransactionHash)
	assert.Empty(t, ok.Reason)

	failed := h.mempool.Status(infos[1].UserOpHash)
	assert.Equal(t, mempool.StatusIncluded, failed.Status)
	assert.Equal(t, "execution reverted", failed.Reason)

	receipt := h.mempool.Receipt(infos[0].UserOpHash)
	require.NotNil(t, receipt)
	assert.True(t, receipt.Success)
	assert.Equal(t, senderA, receipt.Sender)
	assert.Equal(t, testEntryPoint, receipt.EntryPoint)
	assert.Equal(t, record.TransactionHash, receipt.TransactionHash)
	assert.Equal(t, int64(1000), receipt.ActualGasCost.ToInt().Int64())
	assert.Equal(t, int64(90000), receipt.ActualGasUsed.ToInt().Int64())
	assert.Equal(t, int64(101), receipt.BlockNumber.ToInt().Int64())
	require.NotNil(t, h.mempool.Receipt(infos[1].UserOpHash))
	assert.False(t, h.mempool.Receipt(infos[1].UserOpHash).Success)

	assert.Equal(t, 0, h.lifecycle.Count())
	assert.Equal(t, 1, h.pool.Available())

	// nothing left to follow, stop listening to blocks
	require.True(t, h.lifecycle.handleBlock(h.ctx, head))
	assert.False(t, h.lifecycle.Watching())
}

func TestLifecycleResumesWatchingOnNewRecord(t *testing.T) {
	h := newHarness(t, &fakeSimulator{}, 1)
	assert.False(t, h.lifecycle.Watching())

	record := submitBundle(t, h, h.checkout(t, newUserOp(senderA, 0, 30*gwei))...)
	assert.True(t, h.lifecycle.Watching())

	h.chain.setReceipt(record.TransactionHash, types.ReceiptStatusSuccessful)
	h.lifecycle.handleBlock(h.ctx, head)
	h.lifecycle.handleBlock(h.ctx, head)
	assert.False(t, h.lifecycle.Watching())

	submitBundle(t, h, h.checkout(t, newUserOp(senderB, 0, 30*gwei))...)
	assert.True(t, h.lifecycle.Watching())
	assert.Len(t, h.chain.subs, 2)
}

func TestLifecycleReverted(t *testing.T) {
	h := newHarness(t, &fakeSimulator{}, 1)
	infos := h.checkout(t, newUserOp(senderA, 0, 30*gwei))
	record := submitBundle(t, h, infos...)

	h.chain.setReceipt(record.TransactionHash, types.ReceiptStatusFailed)
	require.True(t, h.lifecycle.handleBlock(h.ctx, head))

	status := h.mempool.Status(infos[0].UserOpHash)
	assert.Equal(t, mempool.StatusReverted, status.Status)
	assert.Equal(t, record.TransactionHash, *status.TransactionHash)
	assert.Equal(t, 1, h.pool.Available())
	assert.Equal(t, 0, h.lifecycle.Count())
}

func TestLifecyclePendingLeavesRecord(t *testing.T) {
	h := newHarness(t, &fakeSimulator{}, 1)
	submitBundle(t, h, h.checkout(t, newUserOp(senderA, 0, 30*gwei))...)

	require.True(t, h.lifecycle.handleBlock(h.ctx, head))
	assert.Equal(t, 1, h.lifecycle.Count())
	assert.Len(t, h.chain.sentTxs(), 1)
	assert.Equal(t, 0, h.pool.Available())
}

func TestLifecycleReplacesUnderpriced(t *testing.T) {
	h := newHarness(t, &fakeSimulator{}, 1)
	infos := h.checkout(t, newUserOp(senderA, 0, 30*gwei))
	record := submitBundle(t, h, infos...)
	oldHash := record.TransactionHash

	underprice(record)
	require.True(t, h.lifecycle.handleBlock(h.ctx, head))

	sent := h.chain.sentTxs()
	require.Len(t, sent, 2)
	assert.Equal(t, h.chain.networkFees(t).MaxFeePerGas, sent[1].GasFeeCap())

	records := h.lifecycle.Records()
	require.Len(t, records, 1)
	assert.Equal(t, sent[1].Hash(), records[0].TransactionHash)
	assert.Equal(t, []common.Hash{oldHash}, records[0].PreviousTransactionHashes)

	status := h.mempool.Status(infos[0].UserOpHash)
	assert.Equal(t, mempool.StatusSubmitted, status.Status)
	assert.Equal(t, sent[1].Hash(), *status.TransactionHash)
	assert.Equal(t, 0, h.pool.Available())

	// the original transaction gets mined after all
	h.chain.setReceipt(oldHash, types.ReceiptStatusSuccessful)
	require.True(t, h.lifecycle.handleBlock(h.ctx, head))
	status = h.mempool.Status(infos[0].UserOpHash)
	assert.Equal(t, mempool.StatusIncluded, status.Status)
	assert.Equal(t, oldHash, *status.TransactionHash)
	assert.Equal(t, 1, h.pool.Available())
}

func TestLifecycleSuccessfulReceiptWins(t *testing.T) {
	h := newHarness(t, &fakeSimulator{}, 1)
	infos := h.checkout(t, newUserOp(senderA, 0, 30*gwei))
	record := submitBundle(t, h, infos...)
	oldHash := record.TransactionHash

	underprice(record)
	require.True(t, h.lifecycle.handleBlock(h.ctx, head))
	newHash := h.lifecycle.Records()[0].TransactionHash

	h.chain.setReceipt(newHash, types.ReceiptStatusFailed)
	h.chain.setReceipt(oldHash, types.ReceiptStatusSuccessful)
	require.True(t, h.lifecycle.handleBlock(h.ctx, head))

	status := h.mempool.Status(infos[0].UserOpHash)
	assert.Equal(t, mempool.StatusIncluded, status.Status)
	assert.Equal(t, oldHash, *status.TransactionHash)
}

func TestLifecycleReplacesStuck(t *testing.T) {
	h := newHarness(t, &fakeSimulator{}, 1)
	record := submitBundle(t, h, h.checkout(t, newUserOp(senderA, 0, 30*gwei))...)

	h.lifecycle.now = func() time.Time { return record.LastReplaced.Add(4 * time.Minute) }
	require.True(t, h.lifecycle.handleBlock(h.ctx, head))
	assert.Len(t, h.chain.sentTxs(), 1)

	h.lifecycle.now = func() time.Time { return record.LastReplaced.Add(5 * time.Minute) }
	require.True(t, h.lifecycle.handleBlock(h.ctx, head))

	sent := h.chain.sentTxs()
	require.Len(t, sent, 2)
	assert.Equal(t, record.Nonce, sent[1].Nonce())
	// fees were still competitive, the stuck replacement bumps them by 10%
	assert.Equal(t, eip1559.BumpFee(record.Fees.MaxFeePerGas, nil), sent[1].GasFeeCap())
}

func TestLifecycleDropsAfterRepeatedPotentiallyIncluded(t *testing.T) {
	sim := &fakeSimulator{}
	h := newHarness(t, sim, 1)
	infos := h.checkout(t, newUserOp(senderA, 0, 30*gwei))
	record := submitBundle(t, h, infos...)

	sim.fail = func(*mempool.UserOpInfo) string { return "AA25 invalid account nonce" }
	underprice(record)

	for i := 1; i <= 2; i++ {
		require.True(t, h.lifecycle.handleBlock(h.ctx, head))
		assert.Equal(t, i, record.TimesPotentiallyIncluded)
		assert.Equal(t, 1, h.lifecycle.Count())
		assert.Equal(t, 0, h.pool.Available())
	}

	require.True(t, h.lifecycle.handleBlock(h.ctx, head))
	assert.Equal(t, 0, h.lifecycle.Count())
	assert.Equal(t, 1, h.pool.Available())

	status := h.mempool.Status(infos[0].UserOpHash)
	assert.Equal(t, mempool.StatusRejected, status.Status)
	assert.Equal(t, reasonMaxPotentiallyIncluded, status.Reason)
	assert.Equal(t, 3, sim.callCount()-1)
}

func TestLifecycleReplaceFailureDropsOps(t *testing.T) {
	sim := &fakeSimulator{}
	h := newHarness(t, sim, 1)
	infos := h.checkout(t, newUserOp(senderA, 0, 30*gwei))
	record := submitBundle(t, h, infos...)

	sim.fail = func(*mempool.UserOpInfo) string { return "AA23 reverted" }
	underprice(record)

	require.True(t, h.lifecycle.handleBlock(h.ctx, head))
	assert.Equal(t, 0, h.lifecycle.Count())
	assert.Equal(t, 1, h.pool.Available())

	status := h.mempool.Status(infos[0].UserOpHash)
	assert.Equal(t, mempool.StatusRejected, status.Status)
	assert.Equal(t, "AA23 reverted", status.Reason)
}

func TestLifecycleKeepsRecordOnTransientReplaceFailure(t *testing.T) {
	sim := &fakeSimulator{}
	h := newHarness(t, sim, 1)
	infos := h.checkout(t, newUserOp(senderA, 0, 30*gwei))
	record := submitBundle(t, h, infos...)

	sim.err = ErrSimulationTransient
	underprice(record)

	require.True(t, h.lifecycle.handleBlock(h.ctx, head))
	assert.Equal(t, 1, h.lifecycle.Count())
	assert.Equal(t, 0, h.pool.Available())
	assert.Equal(t, mempool.StatusSubmitted, h.mempool.Status(infos[0].UserOpHash).Status)

	h.chain.setReceipt(record.TransactionHash, types.ReceiptStatusSuccessful)
	require.True(t, h.lifecycle.handleBlock(h.ctx, head))

	status := h.mempool.Status(infos[0].UserOpHash)
	assert.Equal(t, mempool.StatusIncluded, status.Status)
	assert.Equal(t, record.TransactionHash, *status.TransactionHash)
	assert.Equal(t, 1, h.pool.Available())
}

func TestReplaceSkippedWhenContextDone(t *testing.T) {
	sim := &fakeSimulator{err: context.Canceled}
	h := newHarness(t, &fakeSimulator{}, 1)
	record := submitBundle(t, h, h.checkout(t, newUserOp(senderA, 0, 30*gwei))...)
	h.builder.simulator = sim

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	result := h.builder.Replace(ctx, record, h.chain.networkFees(t))
	assert.Equal(t, ReplaceSkipped, result.Status)
}

func TestLifecycleSkipsBlockWhileBusy(t *testing.T) {
	h := newHarness(t, &fakeSimulator{}, 1)
	submitBundle(t, h, h.checkout(t, newUserOp(senderA, 0, 30*gwei))...)

	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	h.chain.mu.Lock()
	h.chain.receiptHook = func(common.Hash) {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release
	}
	h.chain.mu.Unlock()

	done := make(chan bool)
	go func() { done <- h.lifecycle.handleBlock(h.ctx, head) }()

	<-entered
	assert.False(t, h.lifecycle.handleBlock(h.ctx, head))

	close(release)
	assert.True(t, <-done)
}
