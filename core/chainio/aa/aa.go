// Package aa packs and decodes the EntryPoint v0.6 calls, errors and events
// the bundler relies on.
package aa

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/AvaProtocol/ap-bundler/pkg/erc4337/userop"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"
)

var (
	entryPointABI = mustParseABI(entryPointABIJSON)

	ErrNoRevertData = errors.New("no revert data")
	ErrNotFailedOp  = errors.New("revert data is not FailedOp")
)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Errorf("Invalid entrypoint ABI: %w", err))
	}
	return parsed
}

// EntryPointABI returns the parsed EntryPoint interface.
func EntryPointABI() abi.ABI {
	return entryPointABI
}

// field names match the tuple components so the abi encoder can map them
type packedUserOperation struct {
	Sender               common.Address
	Nonce                *big.Int
	InitCode             []byte
	CallData             []byte
	CallGasLimit         *big.Int
	VerificationGasLimit *big.Int
	PreVerificationGas   *big.Int
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
	PaymasterAndData     []byte
	Signature            []byte
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}

func orEmpty(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}

// PackHandleOps builds the calldata of handleOps(ops, beneficiary).
func PackHandleOps(ops []*userop.UserOperation, beneficiary common.Address) ([]byte, error) {
	packed := make([]packedUserOperation, 0, len(ops))
	for _, op := range ops {
		packed = append(packed, packedUserOperation{
			Sender:               op.Sender,
			Nonce:                orZero(op.Nonce),
			InitCode:             orEmpty(op.InitCode),
			CallData:             orEmpty(op.CallData),
			CallGasLimit:         orZero(op.CallGasLimit),
			VerificationGasLimit: orZero(op.VerificationGasLimit),
			PreVerificationGas:   orZero(op.PreVerificationGas),
			MaxFeePerGas:         orZero(op.MaxFeePerGas),
			MaxPriorityFeePerGas: orZero(op.MaxPriorityFeePerGas),
			PaymasterAndData:     orEmpty(op.PaymasterAndData),
			Signature:            orEmpty(op.Signature),
		})
	}

	return entryPointABI.Pack("handleOps", packed, beneficiary)
}

// PackGetNonce builds the calldata of getNonce(sender, key).
func PackGetNonce(sender common.Address, key *big.Int) ([]byte, error) {
	return entryPointABI.Pack("getNonce", sender, orZero(key))
}

func UnpackGetNonce(data []byte) (*big.Int, error) {
	out, err := entryPointABI.Unpack("getNonce", data)
	if err != nil {
		return nil, err
	}
	return out[0].(*big.Int), nil
}

// FailedOp is the EntryPoint revert naming the offending operation of a batch.
type FailedOp struct {
	OpIndex int
	Reason  string
}

func (f *FailedOp) Error() string {
	return fmt.Sprintf("FailedOp(%d, %q)", f.OpIndex, f.Reason)
}

// PackFailedOp encodes a FailedOp revert payload.
func PackFailedOp(opIndex int, reason string) ([]byte, error) {
	failedOp := entryPointABI.Errors["FailedOp"]
	args, err := failedOp.Inputs.Pack(big.NewInt(int64(opIndex)), reason)
	if err != nil {
		return nil, err
	}
	return append(common.CopyBytes(failedOp.ID[:4]), args...), nil
}

// DecodeFailedOp decodes revert data produced by the FailedOp error.
func DecodeFailedOp(data []byte) (*FailedOp, error) {
	failedOp := entryPointABI.Errors["FailedOp"]
	if len(data) < 4 || !bytes.Equal(data[:4], failedOp.ID[:4]) {
		return nil, ErrNotFailedOp
	}

	values, err := failedOp.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, fmt.Errorf("decode FailedOp: %w", err)
	}

	index := values[0].(*big.Int)
	if !index.IsInt64() {
		return nil, fmt.Errorf("decode FailedOp: op index %s out of range", index)
	}

	return &FailedOp{
		OpIndex: int(index.Int64()),
		Reason:  values[1].(string),
	}, nil
}

// RevertData extracts the revert payload attached to a JSON-RPC error.
func RevertData(err error) ([]byte, error) {
	var dataErr rpc.DataError
	if !errors.As(err, &dataErr) {
		return nil, ErrNoRevertData
	}

	switch data := dataErr.ErrorData().(type) {
	case string:
		return hexutil.Decode(data)
	case []byte:
		return data, nil
	default:
		return nil, ErrNoRevertData
	}
}

// DecodeRevertReason renders revert data in a human readable form.
func DecodeRevertReason(data []byte) string {
	if failed, err := DecodeFailedOp(data); err == nil {
		return failed.Reason
	}
	if reason, err := abi.UnpackRevert(data); err == nil {
		return reason
	}
	return hexutil.Encode(data)
}

// UserOperationResult is the outcome of one operation as logged by the EntryPoint.
type UserOperationResult struct {
	UserOpHash    common.Hash
	Sender        common.Address
	Paymaster     common.Address
	Nonce         *big.Int
	Success       bool
	ActualGasCost *big.Int
	ActualGasUsed *big.Int
	RevertReason  string
}

// ParseUserOperationEvents collects the UserOperationEvent and
// UserOperationRevertReason logs emitted by entryPoint, keyed by userOpHash.
// Logs from other contracts are ignored.
func ParseUserOperationEvents(entryPoint common.Address, logs []*types.Log) (map[common.Hash]*UserOperationResult, error) {
	eventID := entryPointABI.Events["UserOperationEvent"].ID
	revertID := entryPointABI.Events["UserOperationRevertReason"].ID

	results := make(map[common.Hash]*UserOperationResult)
	reasons := make(map[common.Hash]string)

	for _, log := range logs {
		if log == nil || log.Address != entryPoint || len(log.Topics) == 0 {
			continue
		}

		switch log.Topics[0] {
		case eventID:
			if len(log.Topics) < 4 {
				return nil, fmt.Errorf("UserOperationEvent in tx %s has %d topics", log.TxHash.Hex(), len(log.Topics))
			}
			values, err := entryPointABI.Unpack("UserOperationEvent", log.Data)
			if err != nil {
				return nil, fmt.Errorf("decode UserOperationEvent: %w", err)
			}
			results[log.Topics[1]] = &UserOperationResult{
				UserOpHash:    log.Topics[1],
				Sender:        common.BytesToAddress(log.Topics[2].Bytes()),
				Paymaster:     common.BytesToAddress(log.Topics[3].Bytes()),
				Nonce:         values[0].(*big.Int),
				Success:       values[1].(bool),
				ActualGasCost: values[2].(*big.Int),
				ActualGasUsed: values[3].(*big.Int),
			}
		case revertID:
			if len(log.Topics) < 2 {
				continue
			}
			values, err := entryPointABI.Unpack("UserOperationRevertReason", log.Data)
			if err != nil {
				return nil, fmt.Errorf("decode UserOperationRevertReason: %w", err)
			}
			reasons[log.Topics[1]] = DecodeRevertReason(values[1].([]byte))
		}
	}

	for hash, reason := range reasons {
		if result, ok := results[hash]; ok {
			result.RevertReason = reason
		}
	}

	return results, nil
}
