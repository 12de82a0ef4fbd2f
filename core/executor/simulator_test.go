package executor

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AvaProtocol/ap-bundler/core/mempool"
	"github.com/AvaProtocol/ap-bundler/pkg/eip1559"
)

func simulationRequest(infos []*mempool.UserOpInfo) *SimulationRequest {
	return &SimulationRequest{
		Executor:    common.HexToAddress("0x01"),
		Beneficiary: common.HexToAddress("0x01"),
		UserOps:     infos,
		Fees: &eip1559.Fees{
			MaxFeePerGas:         big.NewInt(20 * gwei),
			MaxPriorityFeePerGas: big.NewInt(1 * gwei),
		},
	}
}

func TestSimulatorStripsFailedOp(t *testing.T) {
	h := newHarness(t, nil, 1)
	infos := h.checkout(t, newUserOp(senderA, 0, 30*gwei), newUserOp(senderB, 0, 20*gwei))

	h.chain.estimate = func(msg ethereum.CallMsg) (uint64, error) {
		if batchSize(t, msg.Data) == 2 {
			return 0, failedOpError(t, 1, "AA23 reverted (or OOG)")
		}
		return 400_000, nil
	}

	sim := NewEntryPointSimulator(h.chain, testEntryPoint, nil)
	result, err := sim.SimulateBatch(context.Background(), simulationRequest(infos))
	require.NoError(t, err)

	require.Len(t, result.Surviving, 1)
	assert.Equal(t, infos[0].UserOpHash, result.Surviving[0].UserOpHash)
	require.Len(t, result.Failed, 1)
	assert.Equal(t, infos[1].UserOpHash, result.Failed[0].Info.UserOpHash)
	assert.Equal(t, "AA23 reverted (or OOG)", result.Failed[0].Reason)
	assert.Equal(t, uint64(400_000), result.GasLimit)
	assert.Len(t, h.chain.estimateCalls, 2)
}

func TestSimulatorEveryOpFails(t *testing.T) {
	h := newHarness(t, nil, 1)
	infos := h.checkout(t, newUserOp(senderA, 0, 30*gwei), newUserOp(senderB, 0, 20*gwei))

	h.chain.estimate = func(msg ethereum.CallMsg) (uint64, error) {
		return 0, failedOpError(t, 0, "AA25 invalid account nonce")
	}

	sim := NewEntryPointSimulator(h.chain, testEntryPoint, nil)
	result, err := sim.SimulateBatch(context.Background(), simulationRequest(infos))
	require.NoError(t, err)
	assert.Empty(t, result.Surviving)
	assert.Len(t, result.Failed, 2)
}

func TestSimulatorOutOfGasRetriesWithFixedLimit(t *testing.T) {
	h := newHarness(t, nil, 1)
	infos := h.checkout(t, newUserOp(senderA, 0, 30*gwei))

	var limits []uint64
	h.chain.estimate = func(msg ethereum.CallMsg) (uint64, error) {
		limits = append(limits, msg.Gas)
		if len(limits) < 3 {
			return 0, failedOpError(t, 0, "AA95 out of gas")
		}
		return 1_000_000, nil
	}

	sim := NewEntryPointSimulator(h.chain, testEntryPoint, nil)
	result, err := sim.SimulateBatch(context.Background(), simulationRequest(infos))
	require.NoError(t, err)
	assert.Len(t, result.Surviving, 1)
	assert.Equal(t, []uint64{0, 30_000_000, 33_000_000}, limits)
}

func TestSimulatorOutOfGasGivesUp(t *testing.T) {
	h := newHarness(t, nil, 1)
	infos := h.checkout(t, newUserOp(senderA, 0, 30*gwei))

	h.chain.estimate = func(msg ethereum.CallMsg) (uint64, error) {
		return 0, failedOpError(t, 0, "AA95 out of gas")
	}

	sim := NewEntryPointSimulator(h.chain, testEntryPoint, nil)
	_, err := sim.SimulateBatch(context.Background(), simulationRequest(infos))
	assert.ErrorIs(t, err, ErrSimulationUnattributable)
	assert.Len(t, h.chain.estimateCalls, maxSimulationRetry+1)
}

func TestSimulatorRaisesFeesBelowBaseFee(t *testing.T) {
	h := newHarness(t, nil, 1)
	infos := h.checkout(t, newUserOp(senderA, 0, 30*gwei))

	h.chain.estimate = func(msg ethereum.CallMsg) (uint64, error) {
		if msg.GasFeeCap.Cmp(big.NewInt(25*gwei)) < 0 {
			return 0, errors.New("max fee per gas less than block base fee")
		}
		return 300_000, nil
	}

	sim := NewEntryPointSimulator(h.chain, testEntryPoint, nil)
	result, err := sim.SimulateBatch(context.Background(), simulationRequest(infos))
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(25*gwei), result.Fees.MaxFeePerGas)
	assert.Equal(t, big.NewInt(1_250_000_000), result.Fees.MaxPriorityFeePerGas)
}

func TestSimulatorFeesNeverHighEnough(t *testing.T) {
	h := newHarness(t, nil, 1)
	infos := h.checkout(t, newUserOp(senderA, 0, 30*gwei))

	h.chain.estimate = func(msg ethereum.CallMsg) (uint64, error) {
		return 0, errors.New("fee cap less than block base fee")
	}

	sim := NewEntryPointSimulator(h.chain, testEntryPoint, nil)
	_, err := sim.SimulateBatch(context.Background(), simulationRequest(infos))
	assert.ErrorIs(t, err, ErrSimulationTransient)
}

func TestSimulatorUnattributableRevert(t *testing.T) {
	h := newHarness(t, nil, 1)
	infos := h.checkout(t, newUserOp(senderA, 0, 30*gwei))

	tests := []struct {
		name string
		err  error
	}{
		{"plain error", errors.New("execution reverted")},
		{"revert string", &rpcDataError{data: "0x08c379a0"}},
		{"index outside batch", failedOpError(t, 4, "AA23 reverted")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h.chain.estimate = func(msg ethereum.CallMsg) (uint64, error) { return 0, tt.err }

			sim := NewEntryPointSimulator(h.chain, testEntryPoint, nil)
			_, err := sim.SimulateBatch(context.Background(), simulationRequest(infos))
			assert.ErrorIs(t, err, ErrSimulationUnattributable)
		})
	}
}

func TestGasFloor(t *testing.T) {
	h := newHarness(t, nil, 1)
	infos := h.checkout(t, newUserOp(senderA, 0, 30*gwei), newUserOp(senderB, 0, 30*gwei))

	// each op declares 50000 + 100000 + 5000
	assert.Equal(t, uint64(100_000+310_000), withGasFloor(100_000, infos))
	assert.Equal(t, uint64(500_000), withGasFloor(500_000, infos))
}
