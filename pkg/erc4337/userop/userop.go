// Package userop holds the EntryPoint v0.6 UserOperation model used across the bundler.
package userop

import (
	"encoding/json"
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

const nonceSequenceBits = 64

// UserOperation represents an EIP-4337 style transaction for a smart contract account.
type UserOperation struct {
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

// wire form, quantities and bytes are hex encoded as in JSON-RPC
type userOperationJSON struct {
	Sender               common.Address `json:"sender"`
	Nonce                *hexutil.Big   `json:"nonce"`
	InitCode             hexutil.Bytes  `json:"initCode"`
	CallData             hexutil.Bytes  `json:"callData"`
	CallGasLimit         *hexutil.Big   `json:"callGasLimit"`
	VerificationGasLimit *hexutil.Big   `json:"verificationGasLimit"`
	PreVerificationGas   *hexutil.Big   `json:"preVerificationGas"`
	MaxFeePerGas         *hexutil.Big   `json:"maxFeePerGas"`
	MaxPriorityFeePerGas *hexutil.Big   `json:"maxPriorityFeePerGas"`
	PaymasterAndData     hexutil.Bytes  `json:"paymasterAndData"`
	Signature            hexutil.Bytes  `json:"signature"`
}

func (op *UserOperation) MarshalJSON() ([]byte, error) {
	return json.Marshal(userOperationJSON{
		Sender:               op.Sender,
		Nonce:                (*hexutil.Big)(safeBig(op.Nonce)),
		InitCode:             op.InitCode,
		CallData:             op.CallData,
		CallGasLimit:         (*hexutil.Big)(safeBig(op.CallGasLimit)),
		VerificationGasLimit: (*hexutil.Big)(safeBig(op.VerificationGasLimit)),
		PreVerificationGas:   (*hexutil.Big)(safeBig(op.PreVerificationGas)),
		MaxFeePerGas:         (*hexutil.Big)(safeBig(op.MaxFeePerGas)),
		MaxPriorityFeePerGas: (*hexutil.Big)(safeBig(op.MaxPriorityFeePerGas)),
		PaymasterAndData:     op.PaymasterAndData,
		Signature:            op.Signature,
	})
}

func (op *UserOperation) UnmarshalJSON(data []byte) error {
	var raw userOperationJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	missing := []string{}
	for name, v := range map[string]*hexutil.Big{
		"nonce":                raw.Nonce,
		"callGasLimit":         raw.CallGasLimit,
		"verificationGasLimit": raw.VerificationGasLimit,
		"preVerificationGas":   raw.PreVerificationGas,
		"maxFeePerGas":         raw.MaxFeePerGas,
		"maxPriorityFeePerGas": raw.MaxPriorityFeePerGas,
	} {
		if v == nil {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("userop: missing fields %v", missing)
	}

	*op = UserOperation{
		Sender:               raw.Sender,
		Nonce:                raw.Nonce.ToInt(),
		InitCode:             raw.InitCode,
		CallData:             raw.CallData,
		CallGasLimit:         raw.CallGasLimit.ToInt(),
		VerificationGasLimit: raw.VerificationGasLimit.ToInt(),
		PreVerificationGas:   raw.PreVerificationGas.ToInt(),
		MaxFeePerGas:         raw.MaxFeePerGas.ToInt(),
		MaxPriorityFeePerGas: raw.MaxPriorityFeePerGas.ToInt(),
		PaymasterAndData:     raw.PaymasterAndData,
		Signature:            raw.Signature,
	}
	return nil
}

// NonceKey returns the high 192 bits of the nonce. Operations sharing a key
// must execute in sequence order.
func (op *UserOperation) NonceKey() *big.Int {
	n := toUint256(op.Nonce)
	return n.Rsh(n, nonceSequenceBits).ToBig()
}

// NonceSequence returns the low 64 bits of the nonce.
func (op *UserOperation) NonceSequence() uint64 {
	return toUint256(op.Nonce).Uint64()
}

// SlotID identifies the backlog slot of the operation, one per (sender, nonce key).
func (op *UserOperation) SlotID() string {
	return fmt.Sprintf("%s-%s", op.Sender.Hex(), op.NonceKey().Text(16))
}

// IsDeployment reports whether the operation carries an initCode and so
// deploys the sender account.
func (op *UserOperation) IsDeployment() bool {
	return len(op.InitCode) > 0
}

// Paymaster returns the fee sponsor encoded in the first 20 bytes of
// paymasterAndData, or the zero address when there is none.
func (op *UserOperation) Paymaster() common.Address {
	if len(op.PaymasterAndData) < common.AddressLength {
		return common.Address{}
	}
	return common.BytesToAddress(op.PaymasterAndData[:common.AddressLength])
}

// GasFloor is the minimum gas the EntryPoint reserves for the inner call of this op.
func (op *UserOperation) GasFloor() *big.Int {
	floor := new(big.Int).Add(safeBig(op.CallGasLimit), safeBig(op.VerificationGasLimit))
	return floor.Add(floor, big.NewInt(5000))
}

// Hash computes the userOpHash the EntryPoint emits in UserOperationEvent.
func (op *UserOperation) Hash(entryPoint common.Address, chainID *big.Int) common.Hash {
	packed := make([]byte, 0, 32*10)
	packed = append(packed, common.LeftPadBytes(op.Sender.Bytes(), 32)...)
	packed = append(packed, word(op.Nonce)...)
	packed = append(packed, crypto.Keccak256(op.InitCode)...)
	packed = append(packed, crypto.Keccak256(op.CallData)...)
	packed = append(packed, word(op.CallGasLimit)...)
	packed = append(packed, word(op.VerificationGasLimit)...)
	packed = append(packed, word(op.PreVerificationGas)...)
	packed = append(packed, word(op.MaxFeePerGas)...)
	packed = append(packed, word(op.MaxPriorityFeePerGas)...)
	packed = append(packed, crypto.Keccak256(op.PaymasterAndData)...)

	enc := make([]byte, 0, 32*3)
	enc = append(enc, crypto.Keccak256(packed)...)
	enc = append(enc, common.LeftPadBytes(entryPoint.Bytes(), 32)...)
	enc = append(enc, word(chainID)...)

	return crypto.Keccak256Hash(enc)
}

func word(v *big.Int) []byte {
	return common.BigToHash(safeBig(v)).Bytes()
}

func safeBig(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}

func toUint256(v *big.Int) *uint256.Int {
	// nonces are uint256 on chain, wider values are truncated
	n, _ := uint256.FromBig(safeBig(v))
	return n
}
