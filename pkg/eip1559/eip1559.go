package eip1559

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
)

// FeeSource is the part of ethclient.Client needed to price a transaction.
type FeeSource interface {
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
}

// Fees is an EIP-1559 fee pair.
type Fees struct {
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
}

func SuggestFee(ctx context.Context, client FeeSource) (*Fees, error) {
	tipCap, err := client.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, err
	}

	header, err := client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, err
	}

	// Add 13% buffer to tip so we keep up with short term tip movement
	maxPriorityFeePerGas := ScalePercent(tipCap, 113)

	var maxFeePerGas *big.Int
	if header.BaseFee != nil {
		// 2x baseFee leaves room for the base fee to double before inclusion
		maxFeePerGas = new(big.Int).Add(
			new(big.Int).Mul(header.BaseFee, big.NewInt(2)),
			maxPriorityFeePerGas,
		)
	} else {
		// Legacy (pre-EIP-1559) chain
		maxFeePerGas = new(big.Int).Set(maxPriorityFeePerGas)
	}

	return &Fees{
		MaxFeePerGas:         maxFeePerGas,
		MaxPriorityFeePerGas: maxPriorityFeePerGas,
	}, nil
}

// BumpFee returns max(network, 1.1 * old), rounded up so the result always
// clears a node's 10% replacement rule.
func BumpFee(old, network *big.Int) *big.Int {
	bumped := new(big.Int).Mul(old, big.NewInt(11))
	bumped.Add(bumped, big.NewInt(9))
	bumped.Div(bumped, big.NewInt(10))

	if network != nil && network.Cmp(bumped) > 0 {
		return new(big.Int).Set(network)
	}
	return bumped
}

// Bump applies BumpFee to both fields.
func (f *Fees) Bump(network *Fees) *Fees {
	return &Fees{
		MaxFeePerGas:         BumpFee(f.MaxFeePerGas, network.MaxFeePerGas),
		MaxPriorityFeePerGas: BumpFee(f.MaxPriorityFeePerGas, network.MaxPriorityFeePerGas),
	}
}

// Below reports whether either field is lower than the network estimate.
func (f *Fees) Below(network *Fees) bool {
	return f.MaxFeePerGas.Cmp(network.MaxFeePerGas) < 0 ||
		f.MaxPriorityFeePerGas.Cmp(network.MaxPriorityFeePerGas) < 0
}

// Scale returns both fields scaled by percent.
func (f *Fees) Scale(percent int64) *Fees {
	return &Fees{
		MaxFeePerGas:         ScalePercent(f.MaxFeePerGas, percent),
		MaxPriorityFeePerGas: ScalePercent(f.MaxPriorityFeePerGas, percent),
	}
}

func (f *Fees) Copy() *Fees {
	return &Fees{
		MaxFeePerGas:         new(big.Int).Set(f.MaxFeePerGas),
		MaxPriorityFeePerGas: new(big.Int).Set(f.MaxPriorityFeePerGas),
	}
}

// ScalePercent returns v * percent / 100.
func ScalePercent(v *big.Int, percent int64) *big.Int {
	out := new(big.Int).Mul(v, big.NewInt(percent))
	return out.Div(out, big.NewInt(100))
}

// MeetsBump reports whether candidate pays at least 110% of old.
func MeetsBump(candidate, old *big.Int) bool {
	return new(big.Int).Mul(candidate, big.NewInt(10)).Cmp(new(big.Int).Mul(old, big.NewInt(11))) >= 0
}

// ToGwei formats a wei amount for logs.
func ToGwei(wei *big.Int) string {
	if wei == nil {
		return "0"
	}
	return decimal.NewFromBigInt(wei, -9).String()
}
