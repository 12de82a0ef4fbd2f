package aa

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
)

type ContractCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// NonceReader reads account nonces from the EntryPoint.
type NonceReader struct {
	caller     ContractCaller
	entryPoint common.Address
}

func NewNonceReader(caller ContractCaller, entryPoint common.Address) *NonceReader {
	return &NonceReader{caller: caller, entryPoint: entryPoint}
}

// GetNonce returns the full nonce, key and sequence, the EntryPoint expects
// next from sender for key.
func (r *NonceReader) GetNonce(ctx context.Context, sender common.Address, key *big.Int) (*big.Int, error) {
	data, err := PackGetNonce(sender, key)
	if err != nil {
		return nil, err
	}

	entryPoint := r.entryPoint
	out, err := r.caller.CallContract(ctx, ethereum.CallMsg{To: &entryPoint, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("getNonce(%s, %s): %w", sender.Hex(), orZero(key).String(), err)
	}
	return UnpackGetNonce(out)
}
