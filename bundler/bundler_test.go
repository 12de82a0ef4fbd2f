package bundler

import (
	"context"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AvaProtocol/ap-bundler/core/chainio/aa"
	"github.com/AvaProtocol/ap-bundler/core/config"
	"github.com/AvaProtocol/ap-bundler/core/mempool"
	"github.com/AvaProtocol/ap-bundler/core/testutil"
	"github.com/AvaProtocol/ap-bundler/pkg/erc4337/userop"
)

const gwei = 1_000_000_000

type idleSub struct {
	errc chan error
	once sync.Once
}

func (s *idleSub) Unsubscribe()      { s.once.Do(func() { close(s.errc) }) }
func (s *idleSub) Err() <-chan error { return s.errc }

// stubChain accepts every bundle and never mines anything. Every account
// nonce reads as accountNonce.
type stubChain struct {
	mu           sync.Mutex
	sent         []*types.Transaction
	accountNonce int64
}

func (c *stubChain) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return aa.EntryPointABI().Methods["getNonce"].Outputs.Pack(big.NewInt(c.accountNonce))
}

func (c *stubChain) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	return 200_000, nil
}

func (c *stubChain) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, tx)
	return nil
}

func (c *stubChain) sentTxs() []*types.Transaction {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*types.Transaction{}, c.sent...)
}

func (c *stubChain) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	return nil, ethereum.NotFound
}

func (c *stubChain) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return 0, nil
}

func (c *stubChain) NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error) {
	return 0, nil
}

func (c *stubChain) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	return new(big.Int).Mul(big.NewInt(gwei), big.NewInt(gwei)), nil
}

func (c *stubChain) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	return big.NewInt(gwei), nil
}

func (c *stubChain) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(12 * gwei), nil
}

func (c *stubChain) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	return &types.Header{Number: big.NewInt(100), BaseFee: big.NewInt(10 * gwei)}, nil
}

func (c *stubChain) SubscribeNewHead(ctx context.Context, ch chan<- *types.Header) (ethereum.Subscription, error) {
	return &idleSub{errc: make(chan error)}, nil
}

func testConfig(t *testing.T, mutate func(raw *config.ConfigRaw)) *config.Config {
	t.Helper()

	raw := &config.ConfigRaw{
		EthRpcUrl:           "http://localhost:8545",
		EthWsUrl:            "ws://localhost:8546",
		ChainID:             11155111,
		ExecutorPrivateKeys: testutil.ExecutorKeyHexes(1),
	}
	if mutate != nil {
		mutate(raw)
	}

	c, err := config.Parse(raw)
	require.NoError(t, err)
	return c
}

func newTestBundler(t *testing.T, c *config.Config) (*Bundler, *stubChain) {
	t.Helper()

	b, err := NewBundler(c)
	require.NoError(t, err)

	chain := &stubChain{}
	b.chainID = c.ChainID
	require.NoError(t, b.setup(chain))

	ctx, cancel := context.WithCancel(context.Background())
	b.lifecycle.Start(ctx)
	t.Cleanup(func() {
		cancel()
		b.Stop()
	})

	return b, chain
}

func newUserOp(sender common.Address, seq uint64) *userop.UserOperation {
	return &userop.UserOperation{
		Sender:               sender,
		Nonce:                new(big.Int).SetUint64(seq),
		CallData:             []byte{0x01},
		CallGasLimit:         big.NewInt(100_000),
		VerificationGasLimit: big.NewInt(100_000),
		PreVerificationGas:   big.NewInt(50_000),
		MaxFeePerGas:         big.NewInt(30 * gwei),
		MaxPriorityFeePerGas: big.NewInt(2 * gwei),
		Signature:            []byte{0xaa},
	}
}

func TestSetupWithMemoryStore(t *testing.T) {
	b, _ := newTestBundler(t, testConfig(t, nil))

	assert.Nil(t, b.db)
	assert.Equal(t, 1, b.pool.Size())
	assert.Equal(t, initStatus, b.Status())
}

func TestSetupWithBadgerStoreResumesOperations(t *testing.T) {
	dir := t.TempDir()
	c := testConfig(t, func(raw *config.ConfigRaw) {
		raw.Store = config.StoreBadger
		raw.DbPath = dir
	})

	first, _ := newTestBundler(t, c)
	require.NotNil(t, first.db)
	hash, outcome, err := first.mempool.Add(context.Background(), newUserOp(common.HexToAddress("0x01"), 0))
	require.NoError(t, err)
	assert.Equal(t, mempool.OutcomeAdded, outcome)
	first.Stop()
	assert.True(t, first.IsShutdown())

	second, _ := newTestBundler(t, c)
	assert.Equal(t, 1, second.mempool.Count())
	assert.Equal(t, mempool.StatusNotSubmitted, second.mempool.Status(hash).Status)
}

func TestSetupWithBackup(t *testing.T) {
	c := testConfig(t, func(raw *config.ConfigRaw) {
		raw.Store = config.StoreBadger
		raw.DbPath = t.TempDir()
		raw.BackupDir = t.TempDir()
	})

	b, _ := newTestBundler(t, c)
	require.NotNil(t, b.backup)

	path, err := b.backup.PerformBackup(context.Background())
	require.NoError(t, err)
	assert.FileExists(t, path)
}

func TestSetupWithBalanceMonitor(t *testing.T) {
	b, _ := newTestBundler(t, testConfig(t, nil))
	assert.Nil(t, b.balances)

	b, chain := newTestBundler(t, testConfig(t, func(raw *config.ConfigRaw) {
		raw.MinExecutorBalance = "2"
		raw.UtilityPrivateKey = testutil.ExecutorKeyHexes(3)[2]
	}))
	require.NotNil(t, b.balances)

	// stubChain reports 1 ether everywhere, too little for the utility to cover 1.4
	require.NoError(t, b.balances.Check(context.Background()))
	assert.Empty(t, chain.sentTxs())
}

func TestMaxExecutorsLimitsPool(t *testing.T) {
	b, _ := newTestBundler(t, testConfig(t, func(raw *config.ConfigRaw) {
		raw.ExecutorPrivateKeys = testutil.ExecutorKeyHexes(3)
		raw.MaxExecutors = 2
	}))

	assert.Equal(t, 2, b.pool.Size())
}
