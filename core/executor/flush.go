package executor

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/core/types"

	"github.com/AvaProtocol/ap-bundler/core/walletpool"
	"github.com/AvaProtocol/ap-bundler/pkg/logger"
)

const flushGasLimit = 21_000

// FlushStuckTransactions unblocks executors left with pending transactions
// by a previous run: every nonce between the latest and the pending one gets
// a zero value self transfer priced at 5x the suggested gas price. Errors are
// logged and the flush moves on.
func FlushStuckTransactions(ctx context.Context, client ChainClient, wallets []*walletpool.Wallet, log logger.Logger) {
	log = logger.Component(log, "flush")

	gasPrice, err := client.SuggestGasPrice(ctx)
	if err != nil {
		log.Error("cannot fetch gas price, skip flushing stuck transactions", "error", err)
		return
	}
	gasPrice = new(big.Int).Mul(gasPrice, big.NewInt(5))

	for _, wallet := range wallets {
		latest, err := client.NonceAt(ctx, wallet.Address, nil)
		if err != nil {
			log.Error("cannot fetch latest nonce", "executor", wallet.Address.Hex(), "error", err)
			continue
		}
		pending, err := client.PendingNonceAt(ctx, wallet.Address)
		if err != nil {
			log.Error("cannot fetch pending nonce", "executor", wallet.Address.Hex(), "error", err)
			continue
		}

		if pending <= latest {
			continue
		}

		log.Info("flushing stuck transactions", "executor", wallet.Address.Hex(), "from_nonce", latest, "to_nonce", pending)
		for nonce := latest; nonce < pending; nonce++ {
			to := wallet.Address
			tx := types.NewTx(&types.LegacyTx{
				Nonce:    nonce,
				GasPrice: gasPrice,
				Gas:      flushGasLimit,
				To:       &to,
				Value:    big.NewInt(0),
			})

			signed, err := wallet.SignTx(ctx, tx)
			if err != nil {
				log.Error("cannot sign flush transaction", "executor", wallet.Address.Hex(), "nonce", nonce, "error", err)
				continue
			}
			if err := client.SendTransaction(ctx, signed); err != nil {
				log.Warn("flush transaction rejected", "executor", wallet.Address.Hex(), "nonce", nonce, "error", err)
				continue
			}
			log.Info("flush transaction sent", "executor", wallet.Address.Hex(), "nonce", nonce, "tx_hash", signed.Hash().Hex())
		}
	}
}
