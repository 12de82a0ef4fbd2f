// Package walletpool hands out executor wallets to bundling attempts. A wallet
// is held by at most one in-flight bundle transaction and only comes back to
// the pool once that transaction is resolved or abandoned.
package walletpool

import (
	"context"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/samber/lo"
	"golang.org/x/sync/semaphore"

	"github.com/AvaProtocol/ap-bundler/metrics"
	"github.com/AvaProtocol/ap-bundler/pkg/logger"
)

type Pool struct {
	logger  logger.Logger
	metrics metrics.MetricsGenerator

	wallets []*Wallet

	// sem counts available wallets. Its waiters are served in FIFO order.
	sem *semaphore.Weighted

	mu           sync.Mutex
	available    []*Wallet
	availableSet mapset.Set[common.Address]
}

// New creates a pool over wallets, keeping at most maxWallets of them when maxWallets > 0.
func New(wallets []*Wallet, maxWallets int, log logger.Logger, m metrics.MetricsGenerator) *Pool {
	if maxWallets > 0 && len(wallets) > maxWallets {
		wallets = wallets[:maxWallets]
	}

	wallets = lo.UniqBy(wallets, func(w *Wallet) common.Address { return w.Address })

	p := &Pool{
		logger:       logger.Component(log, "walletpool"),
		metrics:      m,
		wallets:      wallets,
		sem:          semaphore.NewWeighted(int64(len(wallets))),
		available:    append([]*Wallet{}, wallets...),
		availableSet: mapset.NewThreadUnsafeSet[common.Address](),
	}
	for _, w := range wallets {
		p.availableSet.Add(w.Address)
	}

	m.SetWalletsTotal(len(wallets))
	m.SetWalletsAvailable(len(wallets))

	return p
}

// Acquire blocks until a wallet is available or ctx is done. Waiters are served first come first served.
func (p *Pool) Acquire(ctx context.Context) (*Wallet, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	return p.take(), nil
}

// TryAcquire returns a wallet only when one is free right now.
func (p *Pool) TryAcquire() (*Wallet, bool) {
	if !p.sem.TryAcquire(1) {
		return nil, false
	}

	return p.take(), true
}

func (p *Pool) take() *Wallet {
	p.mu.Lock()
	defer p.mu.Unlock()

	w := p.available[0]
	p.available = p.available[1:]
	p.availableSet.Remove(w.Address)
	p.metrics.SetWalletsAvailable(len(p.available))

	p.logger.Debug("wallet acquired", "executor", w.Address.Hex(), "available", len(p.available))
	return w
}

// Release returns w to the pool. Releasing a wallet that is already available,
// or that this pool does not own, is a no-op.
func (p *Pool) Release(w *Wallet) {
	if w == nil {
		return
	}

	p.mu.Lock()
	if p.availableSet.Contains(w.Address) || !p.owns(w.Address) {
		p.mu.Unlock()
		return
	}
	p.available = append(p.available, w)
	p.availableSet.Add(w.Address)
	p.metrics.SetWalletsAvailable(len(p.available))
	p.mu.Unlock()

	p.sem.Release(1)
	p.logger.Debug("wallet released", "executor", w.Address.Hex())
}

func (p *Pool) owns(address common.Address) bool {
	return lo.ContainsBy(p.wallets, func(w *Wallet) bool { return w.Address == address })
}

// All returns every wallet managed by the pool, including checked out ones.
func (p *Pool) All() []*Wallet {
	return append([]*Wallet{}, p.wallets...)
}

func (p *Pool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.available)
}

func (p *Pool) Size() int {
	return len(p.wallets)
}
