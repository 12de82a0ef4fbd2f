// Package bundler wires the mempool, the wallet pool and the executor into a
// running node with an http surface.
package bundler

import (
	"context"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	sdklogging "github.com/Layr-Labs/eigensdk-go/logging"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/AvaProtocol/ap-bundler/core/backup"
	"github.com/AvaProtocol/ap-bundler/core/chainio/aa"
	"github.com/AvaProtocol/ap-bundler/core/config"
	"github.com/AvaProtocol/ap-bundler/core/executor"
	"github.com/AvaProtocol/ap-bundler/core/mempool"
	"github.com/AvaProtocol/ap-bundler/core/walletpool"
	"github.com/AvaProtocol/ap-bundler/metrics"
	"github.com/AvaProtocol/ap-bundler/storage"
	"github.com/AvaProtocol/ap-bundler/version"
)

type BundlerStatus string

const (
	initStatus     BundlerStatus = "init"
	runningStatus  BundlerStatus = "running"
	shutdownStatus BundlerStatus = "shutdown"
)

func RunWithConfig(configPath string) error {
	nodeConfig, err := config.NewConfig(configPath)
	if err != nil {
		panic(fmt.Errorf("failed to parse config file: %s\nMake sure it is exist and a valid yaml file %w", configPath, err))
	}

	bundler, err := NewBundler(nodeConfig)
	if err != nil {
		panic(fmt.Errorf("cannot initialize bundler from config: %w", err))
	}

	return bundler.Start(context.Background())
}

// Bundler is a single bundler node.
type Bundler struct {
	logger sdklogging.Logger
	config *config.Config
	status atomic.Value

	client  executor.ChainClient
	chainID *big.Int

	db       storage.Storage
	backup   *backup.Service
	registry *prometheus.Registry
	metrics  *metrics.BundlerMetrics

	pool        *walletpool.Pool
	statusStore *mempool.StatusStore
	mempool     *mempool.Mempool
	builder     *executor.BundleBuilder
	lifecycle   *executor.LifecycleManager
	scheduler   *executor.Scheduler
	balances    *executor.BalanceMonitor

	http          *echo.Echo
	sentryEnabled bool
	stopOnce      sync.Once
}

func NewBundler(c *config.Config) (*Bundler, error) {
	registry := prometheus.NewRegistry()
	if err := registry.Register(collectors.NewGoCollector()); err != nil {
		return nil, err
	}
	if err := registry.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})); err != nil {
		return nil, err
	}

	b := &Bundler{
		logger:   c.Logger,
		config:   c,
		registry: registry,
		metrics:  metrics.NewBundlerMetrics(registry),
	}
	b.setStatus(initStatus)
	return b, nil
}

func (b *Bundler) setStatus(status BundlerStatus) {
	b.status.Store(status)
}

func (b *Bundler) Status() BundlerStatus {
	return b.status.Load().(BundlerStatus)
}

// rpcClient sends requests over http and subscribes to new heads over websocket.
type rpcClient struct {
	*ethclient.Client
	ws *ethclient.Client
}

func (c *rpcClient) SubscribeNewHead(ctx context.Context, ch chan<- *types.Header) (ethereum.Subscription, error) {
	return c.ws.SubscribeNewHead(ctx, ch)
}

// initialize the rpc connections and the chain id
func (b *Bundler) init(ctx context.Context) error {
	httpClient, err := ethclient.DialContext(ctx, b.config.EthHttpRpcUrl)
	if err != nil {
		return fmt.Errorf("cannot dial %s: %w", b.config.EthHttpRpcUrl, err)
	}

	wsClient, err := ethclient.DialContext(ctx, b.config.EthWsRpcUrl)
	if err != nil {
		return fmt.Errorf("cannot dial %s: %w", b.config.EthWsRpcUrl, err)
	}

	chainID, err := httpClient.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("cannot get chain id: %w", err)
	}
	if b.config.ChainID != nil && b.config.ChainID.Cmp(chainID) != 0 {
		return fmt.Errorf("configured chain id %s does not match rpc chain id %s", b.config.ChainID, chainID)
	}
	b.chainID = chainID

	return b.setup(&rpcClient{Client: httpClient, ws: wsClient})
}

// setup builds every component on top of client. chainID must be known.
func (b *Bundler) setup(client executor.ChainClient) error {
	c := b.config
	b.client = client

	aa.SetEntrypointAddress(c.EntryPointAddress)

	wallets := make([]*walletpool.Wallet, 0, len(c.ExecutorKeys))
	for _, key := range c.ExecutorKeys {
		wallet, err := walletpool.NewWallet(key, b.chainID)
		if err != nil {
			return err
		}
		wallets = append(wallets, wallet)
	}
	b.pool = walletpool.New(wallets, c.MaxExecutors, b.logger, b.metrics)

	store, err := b.newOutstandingStore(&mempool.StoreConfig{
		MaxQueuedOps:      c.MaxQueuedOps,
		MaxParallelOps:    c.MaxParallelOps,
		QueueByPaymaster:  c.QueueByPaymaster,
		IgnoredPaymasters: c.IgnoredPaymasters,
	})
	if err != nil {
		return err
	}

	b.statusStore, err = mempool.NewStatusStore(c.StatusTTL, b.logger)
	if err != nil {
		return fmt.Errorf("cannot initialize status store: %w", err)
	}

	b.mempool = mempool.New(&mempool.Config{
		EntryPoint: aa.EntrypointAddress,
		ChainID:    b.chainID,
		Validator:  mempool.NewNonceValidator(aa.NewNonceReader(client, aa.EntrypointAddress), c.MaxNonceGap),
	}, store, mempool.NewProcessingTracker(), b.statusStore, b.logger, b.metrics)

	simulator := executor.NewEntryPointSimulator(client, aa.EntrypointAddress, b.logger)
	b.builder = executor.NewBundleBuilder(executor.BuilderConfig{
		EntryPoint:  aa.EntrypointAddress,
		ChainID:     b.chainID,
		Beneficiary: c.Beneficiary,
		GasPadding:  c.GasPadding,
	}, client, simulator, b.logger)

	b.lifecycle = executor.NewLifecycleManager(executor.LifecycleConfig{
		EntryPoint:             aa.EntrypointAddress,
		StuckReplaceAfter:      c.StuckReplaceAfter,
		MaxPotentiallyIncluded: c.MaxPotentiallyIncluded,
	}, client, b.builder, b.mempool, b.pool, b.logger, b.metrics)

	b.scheduler, err = executor.NewScheduler(executor.SchedulerConfig{
		BundleInterval: c.BundleInterval,
		MaxBundleSize:  c.MaxBundleSize,
	}, b.mempool, b.pool, b.builder, b.lifecycle, b.logger, b.metrics)
	if err != nil {
		return err
	}

	if c.MinExecutorBalance != nil {
		var utility *walletpool.Wallet
		if c.UtilityKey != nil {
			if utility, err = walletpool.NewWallet(c.UtilityKey, b.chainID); err != nil {
				return fmt.Errorf("invalid utility wallet: %w", err)
			}
		}
		b.balances = executor.NewBalanceMonitor(executor.BalanceConfig{
			ChainID:    b.chainID,
			MinBalance: c.MinExecutorBalance,
			Interval:   c.BalanceCheckInterval,
		}, client, b.pool.All(), utility, b.logger, b.metrics)
	}
	return nil
}

func (b *Bundler) newOutstandingStore(storeConfig *mempool.StoreConfig) (mempool.OutstandingStore, error) {
	if b.config.Store != config.StoreBadger {
		return mempool.NewMemoryStore(storeConfig, b.logger), nil
	}

	db, err := storage.NewWithPath(b.config.DbPath)
	if err != nil {
		return nil, fmt.Errorf("cannot open storage at %s: %w", b.config.DbPath, err)
	}
	if err := db.Setup(); err != nil {
		return nil, err
	}
	b.db = db
	if b.config.BackupDir != "" {
		b.backup = backup.NewService(b.logger, db, b.config.BackupDir)
	}

	store := mempool.NewBadgerStore(db, b.config.StorePrefix, b.chainID, b.config.EntryPointAddress, storeConfig, b.logger)
	if n, err := store.Count(); err == nil && n > 0 {
		b.logger.Info("resuming persisted user operations", "count", n)
	}
	return store, nil
}

func (b *Bundler) Start(ctx context.Context) error {
	b.logger.Infof("Starting bundler %s", version.Get())
	b.sentryEnabled = b.initSentry()
	defer sentryFlushSafely(2 * time.Second)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := b.init(ctx); err != nil {
		return err
	}
	b.logger.Info("✅ connected to chain", "chain_id", b.chainID.String(), "entrypoint", aa.EntrypointAddress.Hex(), "executors", b.pool.Size())

	if b.config.FlushStuckOnStart {
		b.logger.Infof("Flushing stuck executor transactions")
		executor.FlushStuckTransactions(ctx, b.client, b.pool.All(), b.logger)
	}

	if b.backup != nil {
		if err := b.backup.StartPeriodicBackup(ctx, b.config.BackupInterval); err != nil {
			return err
		}
	}

	b.lifecycle.Start(ctx)

	if b.balances != nil {
		if err := b.balances.Start(ctx); err != nil {
			return err
		}
	}

	b.logger.Infof("Starting bundle scheduler")
	if err := b.scheduler.Start(ctx); err != nil {
		return err
	}

	b.logger.Infof("Starting http server")
	b.startHttpServer(ctx)
	b.setStatus(runningStatus)

	// Setup wait signal
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigs:
	case <-ctx.Done():
	}

	b.logger.Infof("Shutting down...")
	b.Stop()
	return nil
}

// Stop shuts components down in reverse start order. In flight transactions
// stay on chain and persisted user operations are picked up on the next start.
func (b *Bundler) Stop() {
	b.stopOnce.Do(b.stop)
}

func (b *Bundler) stop() {
	b.setStatus(shutdownStatus)

	if b.http != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := b.http.Shutdown(ctx); err != nil {
			b.logger.Warn("http server shutdown failed", "error", err)
		}
		cancel()
	}

	if b.scheduler != nil {
		if err := b.scheduler.Stop(); err != nil {
			b.logger.Warn("bundle scheduler shutdown failed", "error", err)
		}
	}
	if b.balances != nil {
		if err := b.balances.Stop(); err != nil {
			b.logger.Warn("balance monitor shutdown failed", "error", err)
		}
	}
	if b.lifecycle != nil {
		if n := b.lifecycle.Count(); n > 0 {
			b.logger.Warn("stopping with unresolved bundle transactions", "count", n)
		}
		b.lifecycle.Stop()
	}
	if b.backup != nil && b.backup.Running() {
		if err := b.backup.StopPeriodicBackup(); err != nil {
			b.logger.Warn("backup shutdown failed", "error", err)
		}
	}
	if b.statusStore != nil {
		_ = b.statusStore.Close()
	}
	if b.db != nil {
		if err := b.db.Close(); err != nil {
			b.logger.Error("cannot close storage", "error", err)
		}
	}
}

func (b *Bundler) IsShutdown() bool {
	return b.Status() == shutdownStatus
}
