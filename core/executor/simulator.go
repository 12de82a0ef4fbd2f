package executor

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/getsentry/sentry-go"
	"github.com/samber/lo"

	"github.com/AvaProtocol/ap-bundler/core/chainio/aa"
	"github.com/AvaProtocol/ap-bundler/core/mempool"
	"github.com/AvaProtocol/ap-bundler/pkg/eip1559"
	"github.com/AvaProtocol/ap-bundler/pkg/erc4337/userop"
	"github.com/AvaProtocol/ap-bundler/pkg/logger"
)

const (
	outOfGasStartLimit = 30_000_000
	maxSimulationRetry = 5
)

// SimulationRequest is one batch priced from Executor at Nonce.
type SimulationRequest struct {
	Executor    common.Address
	Beneficiary common.Address
	UserOps     []*mempool.UserOpInfo
	Nonce       uint64
	Fees        *eip1559.Fees
}

type FailedUserOp struct {
	Info   *mempool.UserOpInfo
	Reason string
}

// SimulationResult splits a batch into the operations that can be submitted
// together and the ones that were stripped out along the way.
type SimulationResult struct {
	Surviving []*mempool.UserOpInfo
	Failed    []FailedUserOp
	GasLimit  uint64
	// Fees may be raised above the requested ones when the node refused them.
	Fees *eip1559.Fees
}

// Simulator prices a batch. A returned error concerns the whole batch:
// ErrSimulationTransient when it should be retried later, anything else when
// it must be discarded.
type Simulator interface {
	SimulateBatch(ctx context.Context, req *SimulationRequest) (*SimulationResult, error)
}

// EntryPointSimulator simulates handleOps through eth_estimateGas, stripping
// the operation named by each FailedOp revert until the rest goes through.
type EntryPointSimulator struct {
	client     ChainClient
	entryPoint common.Address
	logger     logger.Logger
}

func NewEntryPointSimulator(client ChainClient, entryPoint common.Address, log logger.Logger) *EntryPointSimulator {
	return &EntryPointSimulator{
		client:     client,
		entryPoint: entryPoint,
		logger:     logger.Component(log, "simulator"),
	}
}

func (s *EntryPointSimulator) SimulateBatch(ctx context.Context, req *SimulationRequest) (*SimulationResult, error) {
	result := &SimulationResult{Fees: req.Fees.Copy()}
	ops := append([]*mempool.UserOpInfo{}, req.UserOps...)

	var fixedGas uint64
	retries := 0

	for len(ops) > 0 {
		data, err := aa.PackHandleOps(userOps(ops), req.Beneficiary)
		if err != nil {
			return nil, fmt.Errorf("pack handleOps: %w", err)
		}

		gas, err := s.client.EstimateGas(ctx, ethereum.CallMsg{
			From:      req.Executor,
			To:        &s.entryPoint,
			Gas:       fixedGas,
			GasFeeCap: result.Fees.MaxFeePerGas,
			GasTipCap: result.Fees.MaxPriorityFeePerGas,
			Data:      data,
		})
		if err == nil {
			result.Surviving = ops
			result.GasLimit = withGasFloor(gas, ops)
			return result, nil
		}

		if revert, rerr := aa.RevertData(err); rerr == nil {
			if failed, ferr := aa.DecodeFailedOp(revert); ferr == nil {
				if strings.Contains(failed.Reason, "AA95") {
					retries++
					if retries > maxSimulationRetry {
						return nil, s.fatal(req, fmt.Errorf("%w: out of gas after %d retries", ErrSimulationUnattributable, maxSimulationRetry))
					}
					fixedGas = nextOutOfGasLimit(fixedGas)
					s.logger.Debug("batch ran out of gas, retrying with fixed limit", "gas", fixedGas, "retry", retries)
					continue
				}

				if failed.OpIndex < 0 || failed.OpIndex >= len(ops) {
					return nil, s.fatal(req, fmt.Errorf("%w: FailedOp index %d outside batch of %d", ErrSimulationUnattributable, failed.OpIndex, len(ops)))
				}

				s.logger.Info("user op failed simulation", "user_op_hash", ops[failed.OpIndex].UserOpHash.Hex(), "reason", failed.Reason)
				result.Failed = append(result.Failed, FailedUserOp{Info: ops[failed.OpIndex], Reason: failed.Reason})
				ops = append(ops[:failed.OpIndex:failed.OpIndex], ops[failed.OpIndex+1:]...)
				continue
			}
		}

		if isFeeCapTooLow(err.Error()) {
			retries++
			if retries > maxSimulationRetry {
				return nil, fmt.Errorf("%w: %v", ErrSimulationTransient, err)
			}
			result.Fees = result.Fees.Scale(125)
			s.logger.Debug("fee cap below base fee, raising fees", "max_fee_per_gas", eip1559.ToGwei(result.Fees.MaxFeePerGas), "retry", retries)
			continue
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %v", ErrSimulationTransient, err)
		}

		return nil, s.fatal(req, fmt.Errorf("%w: %v", ErrSimulationUnattributable, err))
	}

	return result, nil
}

func (s *EntryPointSimulator) fatal(req *SimulationRequest, err error) error {
	s.logger.Error("unexpected simulation failure", "executor", req.Executor.Hex(), "ops", len(req.UserOps), "error", err)
	sentry.CaptureException(err)
	return err
}

func nextOutOfGasLimit(current uint64) uint64 {
	if current == 0 {
		return outOfGasStartLimit
	}
	return current * 110 / 100
}

// withGasFloor guards against estimates that ignore the gas the operations
// declared for themselves.
func withGasFloor(estimate uint64, ops []*mempool.UserOpInfo) uint64 {
	floor := new(big.Int)
	for _, info := range ops {
		floor.Add(floor, info.UserOp.GasFloor())
	}
	if !floor.IsUint64() {
		return estimate
	}
	if estimate < floor.Uint64() {
		return estimate + floor.Uint64()
	}
	return estimate
}

func userOps(infos []*mempool.UserOpInfo) []*userop.UserOperation {
	return lo.Map(infos, func(info *mempool.UserOpInfo, _ int) *userop.UserOperation { return info.UserOp })
}
