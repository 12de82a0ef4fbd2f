package executor

import (
	"context"
	"errors"
	"math/big"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"

	"github.com/AvaProtocol/ap-bundler/core/chainio/aa"
	"github.com/AvaProtocol/ap-bundler/core/mempool"
	"github.com/AvaProtocol/ap-bundler/core/testutil"
	"github.com/AvaProtocol/ap-bundler/core/walletpool"
	"github.com/AvaProtocol/ap-bundler/metrics"
	"github.com/AvaProtocol/ap-bundler/pkg/eip1559"
	"github.com/AvaProtocol/ap-bundler/pkg/erc4337/userop"
)

const gwei = int64(1_000_000_000)

var (
	testEntryPoint = testutil.EntryPointAddress
	testChainID    = big.NewInt(11155111)

	senderA = common.HexToAddress("0x000000000000000000000000000000000000aaaa")
	senderB = common.HexToAddress("0x000000000000000000000000000000000000bbbb")
	senderC = common.HexToAddress("0x000000000000000000000000000000000000cccc")
)

type rpcDataError struct {
	data string
}

func (e *rpcDataError) Error() string          { return "execution reverted" }
func (e *rpcDataError) ErrorData() interface{} { return e.data }

func failedOpError(t *testing.T, index int, reason string) error {
	payload, err := aa.PackFailedOp(index, reason)
	require.NoError(t, err)
	return &rpcDataError{data: hexutil.Encode(payload)}
}

type fakeSub struct {
	errCh chan error
	once  sync.Once
}

func (s *fakeSub) Err() <-chan error { return s.errCh }
func (s *fakeSub) Unsubscribe()      { s.once.Do(func() { close(s.errCh) }) }

type fakeChain struct {
	mu sync.Mutex

	tipCap   *big.Int
	baseFee  *big.Int
	gasPrice *big.Int

	pendingNonce map[common.Address]uint64
	latestNonce  map[common.Address]uint64
	balances     map[common.Address]*big.Int

	estimate      func(msg ethereum.CallMsg) (uint64, error)
	estimateCalls []ethereum.CallMsg

	sendErr func(tx *types.Transaction) error
	sent    []*types.Transaction

	receipts    map[common.Hash]*types.Receipt
	receiptHook func(hash common.Hash)

	subs []*fakeSub
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		tipCap:       big.NewInt(1 * gwei),
		baseFee:      big.NewInt(10 * gwei),
		gasPrice:     big.NewInt(12 * gwei),
		pendingNonce: map[common.Address]uint64{},
		latestNonce:  map[common.Address]uint64{},
		balances:     map[common.Address]*big.Int{},
		receipts:     map[common.Hash]*types.Receipt{},
		estimate: func(ethereum.CallMsg) (uint64, error) {
			return 500_000, nil
		},
	}
}

func (c *fakeChain) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	return nil, errors.New("eth_call is not supported by the fake chain")
}

func (c *fakeChain) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	c.mu.Lock()
	c.estimateCalls = append(c.estimateCalls, msg)
	estimate := c.estimate
	c.mu.Unlock()

	return estimate(msg)
}

func (c *fakeChain) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sendErr != nil {
		if err := c.sendErr(tx); err != nil {
			return err
		}
	}
	c.sent = append(c.sent, tx)
	return nil
}

func (c *fakeChain) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	c.mu.Lock()
	hook := c.receiptHook
	c.mu.Unlock()
	if hook != nil {
		hook(hash)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if receipt, ok := c.receipts[hash]; ok {
		return receipt, nil
	}
	return nil, ethereum.NotFound
}

func (c *fakeChain) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pendingNonce[account], nil
}

func (c *fakeChain) NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.latestNonce[account], nil
}

func (c *fakeChain) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if balance, ok := c.balances[account]; ok {
		return new(big.Int).Set(balance), nil
	}
	return big.NewInt(0), nil
}

func (c *fakeChain) setBalance(account common.Address, wei *big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.balances[account] = new(big.Int).Set(wei)
}

func (c *fakeChain) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return new(big.Int).Set(c.tipCap), nil
}

func (c *fakeChain) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return new(big.Int).Set(c.gasPrice), nil
}

func (c *fakeChain) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return &types.Header{Number: big.NewInt(100), BaseFee: new(big.Int).Set(c.baseFee)}, nil
}

func (c *fakeChain) SubscribeNewHead(ctx context.Context, ch chan<- *types.Header) (ethereum.Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	sub := &fakeSub{errCh: make(chan error, 1)}
	c.subs = append(c.subs, sub)
	return sub, nil
}

func (c *fakeChain) sentTxs() []*types.Transaction {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*types.Transaction{}, c.sent...)
}

func (c *fakeChain) setReceipt(hash common.Hash, status uint64, logs ...*types.Log) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.receipts[hash] = &types.Receipt{
		Status:      status,
		TxHash:      hash,
		BlockNumber: big.NewInt(101),
		Logs:        logs,
	}
}

// networkFees is what eip1559.SuggestFee returns for the fake's current state.
func (c *fakeChain) networkFees(t *testing.T) *eip1559.Fees {
	fees, err := eip1559.SuggestFee(context.Background(), c)
	require.NoError(t, err)
	return fees
}

// fakeSimulator keeps every operation unless fail names it.
type fakeSimulator struct {
	mu    sync.Mutex
	calls []*SimulationRequest

	fail   func(info *mempool.UserOpInfo) string
	err    error
	result func(req *SimulationRequest) *SimulationResult
}

func (s *fakeSimulator) SimulateBatch(ctx context.Context, req *SimulationRequest) (*SimulationResult, error) {
	s.mu.Lock()
	s.calls = append(s.calls, req)
	s.mu.Unlock()

	if s.err != nil {
		return nil, s.err
	}
	if s.result != nil {
		return s.result(req), nil
	}

	result := &SimulationResult{GasLimit: 100_000, Fees: req.Fees.Copy()}
	for _, info := range req.UserOps {
		if s.fail != nil {
			if reason := s.fail(info); reason != "" {
				result.Failed = append(result.Failed, FailedUserOp{Info: info, Reason: reason})
				continue
			}
		}
		result.Surviving = append(result.Surviving, info)
	}
	return result, nil
}

func (s *fakeSimulator) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

type harness struct {
	ctx       context.Context
	chain     *fakeChain
	mempool   *mempool.Mempool
	pool      *walletpool.Pool
	wallets   []*walletpool.Wallet
	builder   *BundleBuilder
	lifecycle *LifecycleManager
	scheduler *Scheduler
}

func newHarness(t *testing.T, simulator Simulator, nWallets int) *harness {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	chain := newFakeChain()
	m := metrics.NewTestMetrics()

	status, err := mempool.NewStatusStore(time.Hour, nil)
	require.NoError(t, err)
	t.Cleanup(func() { status.Close() })

	mp := mempool.New(
		&mempool.Config{EntryPoint: testEntryPoint, ChainID: testChainID},
		mempool.NewMemoryStore(&mempool.StoreConfig{MaxQueuedOps: 10, MaxParallelOps: 10}, nil),
		mempool.NewProcessingTracker(),
		status,
		nil,
		m,
	)

	var wallets []*walletpool.Wallet
	for _, key := range testutil.ExecutorKeyHexes(nWallets) {
		w, err := walletpool.FromPrivateKeyHex(key, testChainID)
		require.NoError(t, err)
		wallets = append(wallets, w)
	}
	pool := walletpool.New(wallets, 0, nil, m)

	if simulator == nil {
		simulator = NewEntryPointSimulator(chain, testEntryPoint, nil)
	}

	builder := NewBundleBuilder(BuilderConfig{EntryPoint: testEntryPoint, ChainID: testChainID}, chain, simulator, nil)
	lifecycle := NewLifecycleManager(LifecycleConfig{
		EntryPoint:     testEntryPoint,
		ReceiptBackoff: time.Millisecond,
	}, chain, builder, mp, pool, nil, m)
	lifecycle.Start(ctx)
	t.Cleanup(lifecycle.Stop)

	scheduler, err := NewScheduler(SchedulerConfig{BundleInterval: 20 * time.Millisecond, MaxBundleSize: 10}, mp, pool, builder, lifecycle, nil, m)
	require.NoError(t, err)

	return &harness{
		ctx:       ctx,
		chain:     chain,
		mempool:   mp,
		pool:      pool,
		wallets:   wallets,
		builder:   builder,
		lifecycle: lifecycle,
		scheduler: scheduler,
	}
}

func newUserOp(sender common.Address, seq uint64, fee int64) *userop.UserOperation {
	return &userop.UserOperation{
		Sender:               sender,
		Nonce:                new(big.Int).SetUint64(seq),
		CallData:             []byte{0x01},
		CallGasLimit:         big.NewInt(50000),
		VerificationGasLimit: big.NewInt(100000),
		PreVerificationGas:   big.NewInt(21000),
		MaxFeePerGas:         big.NewInt(fee),
		MaxPriorityFeePerGas: big.NewInt(fee / 2),
		Signature:            []byte{0x01},
	}
}

// admit adds ops through admission and returns their hashes.
func (h *harness) admit(t *testing.T, ops ...*userop.UserOperation) []common.Hash {
	hashes := make([]common.Hash, 0, len(ops))
	for _, op := range ops {
		hash, _, err := h.mempool.Add(h.ctx, op)
		require.NoError(t, err)
		hashes = append(hashes, hash)
	}
	return hashes
}

// checkout admits ops and takes them as one batch.
func (h *harness) checkout(t *testing.T, ops ...*userop.UserOperation) []*mempool.UserOpInfo {
	h.admit(t, ops...)
	infos, err := h.mempool.TakeBatch(len(ops))
	require.NoError(t, err)
	require.Len(t, infos, len(ops))
	return infos
}

func (h *harness) acquire(t *testing.T) *walletpool.Wallet {
	w, ok := h.pool.TryAcquire()
	require.True(t, ok)
	return w
}

// batchSize decodes how many operations a handleOps calldata carries.
func batchSize(t *testing.T, data []byte) int {
	values, err := aa.EntryPointABI().Methods["handleOps"].Inputs.Unpack(data[4:])
	require.NoError(t, err)
	return reflect.ValueOf(values[0]).Len()
}
