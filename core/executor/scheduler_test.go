package executor

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AvaProtocol/ap-bundler/core/mempool"
	"github.com/AvaProtocol/ap-bundler/metrics"
)

func TestExecuteSubmitsSurvivorsAndRejectsTheRest(t *testing.T) {
	h := newHarness(t, nil, 1)
	h.chain.estimate = func(msg ethereum.CallMsg) (uint64, error) {
		if batchSize(t, msg.Data) == 2 {
			return 0, failedOpError(t, 1, "AA23")
		}
		return 400_000, nil
	}

	infos := h.checkout(t, newUserOp(senderA, 0, 30*gwei), newUserOp(senderB, 0, 20*gwei))
	result := h.scheduler.execute(context.Background(), h.acquire(t), infos)
	require.Equal(t, BundleSuccess, result.Status)

	submitted := h.mempool.Status(infos[0].UserOpHash)
	assert.Equal(t, mempool.StatusSubmitted, submitted.Status)
	assert.Equal(t, result.Record.TransactionHash, *submitted.TransactionHash)

	rejected := h.mempool.Status(infos[1].UserOpHash)
	assert.Equal(t, mempool.StatusRejected, rejected.Status)
	assert.Equal(t, "AA23", rejected.Reason)

	assert.Equal(t, 1, h.lifecycle.Count())
	assert.Equal(t, 0, h.pool.Available())
}

func TestExecuteReleasesWalletUnlessSubmitted(t *testing.T) {
	tests := []struct {
		name   string
		sim    *fakeSimulator
		status mempool.Status
		reason string
		count  int
	}{
		{"resubmit", &fakeSimulator{err: ErrSimulationTransient}, mempool.StatusNotSubmitted, "", 1},
		{"failure", &fakeSimulator{err: ErrSimulationUnattributable}, mempool.StatusRejected, reasonInternalFailure, 0},
		{
			"potentially already included",
			&fakeSimulator{fail: func(*mempool.UserOpInfo) string { return "AA25 invalid account nonce" }},
			mempool.StatusRejected, reasonPotentiallyIncluded, 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, tt.sim, 1)
			infos := h.checkout(t, newUserOp(senderA, 0, 30*gwei))

			h.scheduler.execute(context.Background(), h.acquire(t), infos)

			status := h.mempool.Status(infos[0].UserOpHash)
			assert.Equal(t, tt.status, status.Status)
			assert.Equal(t, tt.reason, status.Reason)
			assert.Equal(t, tt.count, h.mempool.Count())
			assert.Equal(t, 1, h.pool.Available())
			assert.Equal(t, 0, h.lifecycle.Count())
			assert.Empty(t, h.chain.sentTxs())
		})
	}
}

func TestTickStopsWhenWalletsRunOut(t *testing.T) {
	h := newHarness(t, &fakeSimulator{}, 2)
	scheduler, err := NewScheduler(SchedulerConfig{MaxBundleSize: 1}, h.mempool, h.pool, h.builder, h.lifecycle, nil, metrics.NewTestMetrics())
	require.NoError(t, err)

	h.admit(t, newUserOp(senderA, 0, 30*gwei), newUserOp(senderB, 0, 20*gwei), newUserOp(senderC, 0, 10*gwei))

	scheduler.tick(h.ctx)
	scheduler.inflight.Wait()

	assert.Equal(t, 2, h.lifecycle.Count())
	assert.Equal(t, 0, h.pool.Available())
	// lowest fee waits for a wallet
	assert.Equal(t, 1, h.mempool.Count())
	assert.Len(t, h.chain.sentTxs(), 2)
}

func TestTickWithEmptyMempool(t *testing.T) {
	h := newHarness(t, &fakeSimulator{}, 1)

	h.scheduler.tick(h.ctx)
	h.scheduler.inflight.Wait()

	assert.Equal(t, 1, h.pool.Available())
	assert.Empty(t, h.chain.sentTxs())
}

func TestBundleNow(t *testing.T) {
	h := newHarness(t, &fakeSimulator{}, 1)

	_, err := h.scheduler.BundleNow(h.ctx)
	assert.ErrorIs(t, err, ErrNothingToBundle)
	assert.Equal(t, 1, h.pool.Available())

	h.admit(t, newUserOp(senderA, 0, 30*gwei))
	hash, err := h.scheduler.BundleNow(h.ctx)
	require.NoError(t, err)

	sent := h.chain.sentTxs()
	require.Len(t, sent, 1)
	assert.Equal(t, sent[0].Hash(), hash)
}

func TestBundleNowReportsFailure(t *testing.T) {
	h := newHarness(t, &fakeSimulator{err: ErrSimulationUnattributable}, 1)
	h.admit(t, newUserOp(senderA, 0, 30*gwei))

	_, err := h.scheduler.BundleNow(h.ctx)
	assert.ErrorContains(t, err, "failure")
	assert.Equal(t, 1, h.pool.Available())
}

func TestSchedulerRunsOnInterval(t *testing.T) {
	h := newHarness(t, &fakeSimulator{}, 1)
	require.NoError(t, h.scheduler.Start(h.ctx))
	t.Cleanup(func() { _ = h.scheduler.Stop() })

	hashes := h.admit(t, newUserOp(senderA, 0, 30*gwei))

	assert.Eventually(t, func() bool {
		return h.mempool.Status(hashes[0]).Status == mempool.StatusSubmitted
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, h.lifecycle.Count())
}
