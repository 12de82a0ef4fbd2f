package walletpool

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/Layr-Labs/eigensdk-go/signerv2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// Wallet is an executor identity used to sign and send bundle transactions.
type Wallet struct {
	Address common.Address

	key      *ecdsa.PrivateKey
	signerFn signerv2.SignerFn
}

func NewWallet(key *ecdsa.PrivateKey, chainID *big.Int) (*Wallet, error) {
	signerFn, address, err := signerv2.SignerFromConfig(signerv2.Config{PrivateKey: key}, chainID)
	if err != nil {
		return nil, fmt.Errorf("cannot create signer: %w", err)
	}

	return &Wallet{
		Address:  address,
		key:      key,
		signerFn: signerFn,
	}, nil
}

// FromPrivateKeyHex parses a hex key, with or without 0x prefix.
func FromPrivateKeyHex(privateKeyHex string, chainID *big.Int) (*Wallet, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid executor private key: %w", err)
	}

	return NewWallet(key, chainID)
}

func (w *Wallet) SignTx(ctx context.Context, tx *types.Transaction) (*types.Transaction, error) {
	sign, err := w.signerFn(ctx, w.Address)
	if err != nil {
		return nil, err
	}

	return sign(w.Address, tx)
}

func (w *Wallet) String() string {
	return w.Address.Hex()
}
