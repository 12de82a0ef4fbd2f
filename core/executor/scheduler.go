package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	gocron "github.com/go-co-op/gocron/v2"

	"github.com/AvaProtocol/ap-bundler/core/mempool"
	"github.com/AvaProtocol/ap-bundler/core/walletpool"
	"github.com/AvaProtocol/ap-bundler/metrics"
	"github.com/AvaProtocol/ap-bundler/pkg/logger"
)

type SchedulerConfig struct {
	BundleInterval time.Duration
	MaxBundleSize  int
}

// Scheduler runs bundling attempts on a fixed interval. A tick is skipped
// while the previous one still runs, and a tick ends as soon as no wallet is
// free so operations simply wait in the mempool.
type Scheduler struct {
	config    SchedulerConfig
	mempool   *mempool.Mempool
	pool      *walletpool.Pool
	builder   *BundleBuilder
	lifecycle *LifecycleManager
	logger    logger.Logger
	metrics   metrics.MetricsGenerator

	scheduler gocron.Scheduler
	inflight  sync.WaitGroup
}

func NewScheduler(config SchedulerConfig, mp *mempool.Mempool, pool *walletpool.Pool, builder *BundleBuilder, lifecycle *LifecycleManager, log logger.Logger, m metrics.MetricsGenerator) (*Scheduler, error) {
	if config.BundleInterval <= 0 {
		config.BundleInterval = time.Second
	}
	if config.MaxBundleSize <= 0 {
		config.MaxBundleSize = 10
	}

	scheduler, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		return nil, fmt.Errorf("failed to create bundle scheduler: %w", err)
	}

	return &Scheduler{
		config:    config,
		mempool:   mp,
		pool:      pool,
		builder:   builder,
		lifecycle: lifecycle,
		logger:    logger.Component(log, "scheduler"),
		metrics:   m,
		scheduler: scheduler,
	}, nil
}

func (s *Scheduler) Start(ctx context.Context) error {
	_, err := s.scheduler.NewJob(
		gocron.DurationJob(s.config.BundleInterval),
		gocron.NewTask(s.tick, ctx),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithName("bundle"),
	)
	if err != nil {
		return fmt.Errorf("failed to schedule bundling: %w", err)
	}

	s.scheduler.Start()
	s.logger.Info("🕐 bundle scheduler started", "interval", s.config.BundleInterval.String(), "max_bundle_size", s.config.MaxBundleSize)
	return nil
}

// Stop waits for in-flight bundling attempts to finish.
func (s *Scheduler) Stop() error {
	err := s.scheduler.Shutdown()
	s.inflight.Wait()
	if err != nil {
		return fmt.Errorf("failed to shutdown bundle scheduler: %w", err)
	}
	return nil
}

func (s *Scheduler) tick(ctx context.Context) {
	for s.mempool.Count() > 0 {
		wallet, ok := s.pool.TryAcquire()
		if !ok {
			return
		}

		infos, err := s.mempool.TakeBatch(s.config.MaxBundleSize)
		if err != nil {
			s.logger.Error("cannot take a batch from the mempool", "error", err)
			s.pool.Release(wallet)
			return
		}
		if len(infos) == 0 {
			s.pool.Release(wallet)
			return
		}

		s.inflight.Add(1)
		go func() {
			defer s.inflight.Done()
			s.execute(ctx, wallet, infos)
		}()
	}
}

// BundleNow bundles one batch right away, waiting for a wallet if needed.
func (s *Scheduler) BundleNow(ctx context.Context) (common.Hash, error) {
	wallet, err := s.pool.Acquire(ctx)
	if err != nil {
		return common.Hash{}, err
	}

	infos, err := s.mempool.TakeBatch(s.config.MaxBundleSize)
	if err != nil {
		s.pool.Release(wallet)
		return common.Hash{}, err
	}
	if len(infos) == 0 {
		s.pool.Release(wallet)
		return common.Hash{}, ErrNothingToBundle
	}

	result := s.execute(ctx, wallet, infos)
	if result.Status != BundleSuccess {
		return common.Hash{}, fmt.Errorf("bundle %s: %s", result.Status, result.Reason)
	}
	return result.Record.TransactionHash, nil
}

// execute runs the builder and settles the batch and the wallet according to
// the result. On success the wallet moves to the lifecycle manager.
func (s *Scheduler) execute(ctx context.Context, wallet *walletpool.Wallet, infos []*mempool.UserOpInfo) *BundleResult {
	result := s.builder.Bundle(ctx, wallet, infos)
	s.metrics.IncBundlesSubmitted(string(result.Status))

	for _, rejected := range result.Rejected {
		s.mempool.MarkRejected([]*mempool.UserOpInfo{rejected.Info}, rejected.Reason)
		s.metrics.IncUserOpsSubmitted("failed")
	}

	switch result.Status {
	case BundleSuccess:
		s.mempool.MarkSubmitted(result.Record.UserOps, result.Record.TransactionHash)
		for range result.Record.UserOps {
			s.metrics.IncUserOpsSubmitted("success")
		}
		s.lifecycle.Track(result.Record)
		return result

	case BundleResubmit:
		s.mempool.Resubmit(withoutRejected(infos, result.Rejected))

	case BundlePotentiallyAlreadyIncluded:
		s.mempool.MarkRejected(withoutRejected(infos, result.Rejected), result.Reason)
	}

	s.pool.Release(wallet)
	return result
}

func withoutRejected(infos []*mempool.UserOpInfo, rejected []FailedUserOp) []*mempool.UserOpInfo {
	if len(rejected) == 0 {
		return infos
	}

	out := make([]*mempool.UserOpInfo, 0, len(infos))
	for _, info := range infos {
		skip := false
		for _, r := range rejected {
			if r.Info.UserOpHash == info.UserOpHash {
				skip = true
				break
			}
		}
		if !skip {
			out = append(out, info)
		}
	}
	return out
}
