package mempool

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/AvaProtocol/ap-bundler/pkg/erc4337/userop"
)

const DefaultMaxNonceGap = 10

var (
	ErrNonceTooLow = errors.New("nonce below the account nonce")
	ErrNonceTooFar = errors.New("nonce too far ahead of the account nonce")

	// ErrValidatorUnavailable marks a validator that could not reach a verdict.
	// Admission fails with it instead of rejecting the operation.
	ErrValidatorUnavailable = errors.New("validator unavailable")
)

type NonceReader interface {
	GetNonce(ctx context.Context, sender common.Address, key *big.Int) (*big.Int, error)
}

// NonceValidator refuses operations whose nonce sequence the account already
// used, or that sit more than maxGap sequences ahead of the account nonce.
type NonceValidator struct {
	reader NonceReader
	maxGap uint64
}

func NewNonceValidator(reader NonceReader, maxGap uint64) *NonceValidator {
	if maxGap == 0 {
		maxGap = DefaultMaxNonceGap
	}
	return &NonceValidator{reader: reader, maxGap: maxGap}
}

func (v *NonceValidator) Validate(ctx context.Context, op *userop.UserOperation) error {
	current, err := v.reader.GetNonce(ctx, op.Sender, op.NonceKey())
	if err != nil {
		return fmt.Errorf("%w: cannot read account nonce: %v", ErrValidatorUnavailable, err)
	}

	expected := (&userop.UserOperation{Nonce: current}).NonceSequence()
	seq := op.NonceSequence()

	if seq < expected {
		return reject(ErrNonceTooLow, fmt.Sprintf("AA25 invalid account nonce: sequence %d is below the account nonce %d", seq, expected))
	}
	if seq-expected > v.maxGap {
		return reject(ErrNonceTooFar, fmt.Sprintf("AA25 invalid account nonce: sequence %d is more than %d ahead of the account nonce %d", seq, v.maxGap, expected))
	}
	return nil
}
