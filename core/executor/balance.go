package executor

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	gocron "github.com/go-co-op/gocron/v2"
	"github.com/shopspring/decimal"

	"github.com/AvaProtocol/ap-bundler/core/walletpool"
	"github.com/AvaProtocol/ap-bundler/metrics"
	"github.com/AvaProtocol/ap-bundler/pkg/eip1559"
	"github.com/AvaProtocol/ap-bundler/pkg/logger"
)

const transferGasLimit = 21_000

type BalanceConfig struct {
	ChainID *big.Int
	// MinBalance in wei, executors below it are reported and refilled
	MinBalance *big.Int
	Interval   time.Duration
}

// BalanceMonitor keeps track of executor balances. When a utility wallet is
// set it tops executors below MinBalance up to 120% of it.
type BalanceMonitor struct {
	config  BalanceConfig
	client  ChainClient
	wallets []*walletpool.Wallet
	utility *walletpool.Wallet
	logger  logger.Logger
	metrics metrics.MetricsGenerator

	mu        sync.Mutex
	scheduler gocron.Scheduler
	// refill transaction not yet mined, per executor
	pending map[common.Address]common.Hash
}

func NewBalanceMonitor(config BalanceConfig, client ChainClient, wallets []*walletpool.Wallet, utility *walletpool.Wallet, log logger.Logger, m metrics.MetricsGenerator) *BalanceMonitor {
	if config.Interval <= 0 {
		config.Interval = time.Minute
	}

	return &BalanceMonitor{
		config:  config,
		client:  client,
		wallets: wallets,
		utility: utility,
		logger:  logger.Component(log, "balance"),
		metrics: m,
		pending: make(map[common.Address]common.Hash),
	}
}

func (b *BalanceMonitor) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.scheduler != nil {
		return nil
	}

	scheduler, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		return fmt.Errorf("failed to create balance scheduler: %w", err)
	}

	_, err = scheduler.NewJob(
		gocron.DurationJob(b.config.Interval),
		gocron.NewTask(func(ctx context.Context) {
			if err := b.Check(ctx); err != nil {
				b.logger.Error("executor balance check failed", "error", err)
			}
		}, ctx),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithName("balance"),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		return fmt.Errorf("failed to schedule balance check: %w", err)
	}

	scheduler.Start()
	b.scheduler = scheduler
	b.logger.Info("balance monitor started", "interval", b.config.Interval.String(), "min_balance", toEther(b.config.MinBalance).String(), "refill", b.utility != nil)
	return nil
}

func (b *BalanceMonitor) Stop() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.scheduler == nil {
		return nil
	}
	err := b.scheduler.Shutdown()
	b.scheduler = nil
	return err
}

// Check reads every executor balance once and refills the ones below the
// minimum. A refill is sent only when the utility wallet can cover all of
// them with a 10% margin.
func (b *BalanceMonitor) Check(ctx context.Context) error {
	missing := make(map[common.Address]*big.Int)
	target := new(big.Int).Div(new(big.Int).Mul(b.config.MinBalance, big.NewInt(6)), big.NewInt(5))

	for _, wallet := range b.wallets {
		balance, err := b.client.BalanceAt(ctx, wallet.Address, nil)
		if err != nil {
			b.logger.Warn("cannot read executor balance", "executor", wallet.Address.Hex(), "error", err)
			continue
		}

		inEther := toEther(balance)
		b.metrics.SetExecutorBalance(wallet.Address.Hex(), inEther.InexactFloat64())

		if balance.Cmp(b.config.MinBalance) >= 0 {
			continue
		}
		b.logger.Warn("executor balance low", "executor", wallet.Address.Hex(), "balance_ether", inEther.String(), "min_ether", toEther(b.config.MinBalance).String())

		if b.refillPending(ctx, wallet.Address) {
			continue
		}
		missing[wallet.Address] = new(big.Int).Sub(target, balance)
	}

	if len(missing) == 0 || b.utility == nil {
		return nil
	}
	return b.refill(ctx, missing)
}

// refillPending reports whether an earlier refill of executor is still unmined.
func (b *BalanceMonitor) refillPending(ctx context.Context, executor common.Address) bool {
	b.mu.Lock()
	txHash, ok := b.pending[executor]
	b.mu.Unlock()
	if !ok {
		return false
	}

	_, err := b.client.TransactionReceipt(ctx, txHash)
	if errors.Is(err, ethereum.NotFound) {
		return true
	}
	if err != nil {
		b.logger.Debug("cannot read refill receipt", "tx_hash", txHash.Hex(), "error", err)
		return true
	}

	b.mu.Lock()
	delete(b.pending, executor)
	b.mu.Unlock()
	return false
}

func (b *BalanceMonitor) refill(ctx context.Context, missing map[common.Address]*big.Int) error {
	total := new(big.Int)
	for _, amount := range missing {
		total.Add(total, amount)
	}

	available, err := b.client.BalanceAt(ctx, b.utility.Address, nil)
	if err != nil {
		return fmt.Errorf("cannot read utility balance: %w", err)
	}
	required := new(big.Int).Div(new(big.Int).Mul(total, big.NewInt(11)), big.NewInt(10))
	if available.Cmp(required) < 0 {
		b.logger.Error("utility wallet cannot refill executors",
			"utility", b.utility.Address.Hex(),
			"balance_ether", toEther(available).String(),
			"required_ether", toEther(required).String())
		return nil
	}

	fees, err := eip1559.SuggestFee(ctx, b.client)
	if err != nil {
		return fmt.Errorf("cannot fetch fees: %w", err)
	}
	nonce, err := b.client.PendingNonceAt(ctx, b.utility.Address)
	if err != nil {
		return fmt.Errorf("cannot fetch utility nonce: %w", err)
	}

	for _, wallet := range b.wallets {
		amount, ok := missing[wallet.Address]
		if !ok {
			continue
		}

		to := wallet.Address
		tx := types.NewTx(&types.DynamicFeeTx{
			ChainID:   b.config.ChainID,
			Nonce:     nonce,
			GasTipCap: fees.MaxPriorityFeePerGas,
			GasFeeCap: fees.MaxFeePerGas,
			Gas:       transferGasLimit,
			To:        &to,
			Value:     amount,
		})

		signed, err := b.utility.SignTx(ctx, tx)
		if err != nil {
			return fmt.Errorf("cannot sign refill: %w", err)
		}
		if err := b.client.SendTransaction(ctx, signed); err != nil {
			b.logger.Error("refill transaction rejected", "executor", to.Hex(), "error", err)
			continue
		}
		nonce++

		b.mu.Lock()
		b.pending[to] = signed.Hash()
		b.mu.Unlock()
		b.logger.Info("executor refill sent", "executor", to.Hex(), "amount_ether", toEther(amount).String(), "tx_hash", signed.Hash().Hex())
	}
	return nil
}

func toEther(wei *big.Int) decimal.Decimal {
	return decimal.NewFromBigInt(wei, -18)
}
