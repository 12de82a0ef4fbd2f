package mempool

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/samber/lo"

	"github.com/AvaProtocol/ap-bundler/metrics"
	"github.com/AvaProtocol/ap-bundler/pkg/eip1559"
	"github.com/AvaProtocol/ap-bundler/pkg/erc4337/userop"
	"github.com/AvaProtocol/ap-bundler/pkg/logger"
)

var (
	ErrValidation             = errors.New("validation failed")
	ErrProcessingConflict     = errors.New("conflicts with an operation being processed")
	ErrReplacementUnderpriced = errors.New("replacement underpriced")
	ErrQueuedLimit            = errors.New("queued limit reached")
	ErrParallelLimit          = errors.New("parallel limit reached")
)

const (
	reasonProcessingConflict   = "AA25 invalid account nonce: User operation is already in mempool and getting processed with same nonce and sender"
	reasonNonceUnderpriced     = "AA25 invalid account nonce: User operation is already in mempool with same nonce and sender"
	reasonDeploymentConflict   = "AA10 sender already constructed: A conflicting userOperation with initCode for this sender is already in the mempool"
	reasonQueuedLimit          = "AA25 invalid account nonce: Maximum number of queued user operations reached for this sender"
	reasonParallelLimit        = "AA25 invalid account nonce: Maximum number of parallel user operations for that is allowed for this sender reached"
	reasonReplacedInMempool    = "replaced by a higher fee user operation"
	reasonReplacementDuplicate = "dropped, a replacement with the same nonce was admitted"
	reasonRemoved              = "removed from the mempool"
	reasonExecutionReverted    = "execution reverted"
)

// RejectError is an admission rejection. Error returns the reason shown to the client.
type RejectError struct {
	Reason string
	Err    error
}

func (e *RejectError) Error() string { return e.Reason }
func (e *RejectError) Unwrap() error { return e.Err }

func reject(err error, reason string) *RejectError {
	return &RejectError{Reason: reason, Err: err}
}

// Validator gives the verdict of the validation layer, nil means valid.
type Validator interface {
	Validate(ctx context.Context, op *userop.UserOperation) error
}

type ValidatorFunc func(ctx context.Context, op *userop.UserOperation) error

func (f ValidatorFunc) Validate(ctx context.Context, op *userop.UserOperation) error {
	return f(ctx, op)
}

// AcceptAll is the validator used when validation happens upstream.
var AcceptAll = ValidatorFunc(func(context.Context, *userop.UserOperation) error { return nil })

type AddOutcome string

const (
	OutcomeAdded  AddOutcome = "added"
	OutcomeQueued AddOutcome = "queued"
)

// Mempool admits user operations and hands them to the executor. Admission
// and check-out share one lock so a processing check can not interleave with
// a pop of the same operation.
type Mempool struct {
	store      OutstandingStore
	processing *ProcessingTracker
	status     *StatusStore
	validator  Validator

	entryPoint common.Address
	chainID    *big.Int

	logger  logger.Logger
	metrics metrics.MetricsGenerator
	now     func() time.Time

	mu sync.Mutex
}

type Config struct {
	EntryPoint common.Address
	ChainID    *big.Int
	Validator  Validator
}

func New(c *Config, store OutstandingStore, processing *ProcessingTracker, status *StatusStore, log logger.Logger, m metrics.MetricsGenerator) *Mempool {
	validator := c.Validator
	if validator == nil {
		validator = AcceptAll
	}

	return &Mempool{
		store:      store,
		processing: processing,
		status:     status,
		validator:  validator,
		entryPoint: c.EntryPoint,
		chainID:    c.ChainID,
		logger:     logger.Component(log, "mempool"),
		metrics:    m,
		now:        time.Now,
	}
}

func (m *Mempool) Hash(op *userop.UserOperation) common.Hash {
	return op.Hash(m.entryPoint, m.chainID)
}

// Add runs admission for op. A *RejectError is returned when op is refused.
func (m *Mempool) Add(ctx context.Context, op *userop.UserOperation) (common.Hash, AddOutcome, error) {
	hash := m.Hash(op)

	if err := m.validator.Validate(ctx, op); err != nil {
		var rejectErr *RejectError
		switch {
		case errors.As(err, &rejectErr):
			return m.rejected(hash, rejectErr)
		case errors.Is(err, ErrValidatorUnavailable):
			return hash, "", err
		default:
			return m.rejected(hash, reject(ErrValidation, err.Error()))
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	known, err := m.store.Contains(hash)
	if err != nil {
		return hash, "", err
	}
	if known || m.processing.IsProcessing(hash) {
		return m.rejected(hash, reject(ErrAlreadyKnown, "Already known"))
	}

	if conflict, _ := m.processing.WouldConflict(op); conflict != NoProcessingConflict {
		return m.rejected(hash, reject(ErrProcessingConflict, reasonProcessingConflict))
	}

	info := &UserOpInfo{
		UserOp:         op,
		UserOpHash:     hash,
		FirstSubmitted: m.now(),
		LastReplaced:   m.now(),
	}

	conflict, err := m.store.PopConflicting(op)
	if err != nil {
		return hash, "", err
	}

	// restore puts a displaced operation back when admission of op fails later on
	restore := func() {
		if conflict == nil || conflict.Info == nil {
			return
		}
		if err := m.store.Add(conflict.Info); err != nil {
			m.logger.Error("cannot restore displaced user op", "user_op_hash", conflict.Info.UserOpHash.Hex(), "error", err)
		}
	}

	if conflict != nil && conflict.Info != nil {
		old := conflict.Info.UserOp
		if !eip1559.MeetsBump(op.MaxFeePerGas, old.MaxFeePerGas) || !eip1559.MeetsBump(op.MaxPriorityFeePerGas, old.MaxPriorityFeePerGas) {
			restore()
			reason := reasonNonceUnderpriced
			if conflict.Reason == ConflictingDeployment {
				reason = reasonDeploymentConflict
			}
			return m.rejected(hash, reject(ErrReplacementUnderpriced, reason))
		}
		info.FirstSubmitted = conflict.Info.FirstSubmitted
	}

	if ok, err := m.store.ValidateQueuedLimit(op); err != nil || !ok {
		restore()
		if err != nil {
			return hash, "", err
		}
		return m.rejected(hash, reject(ErrQueuedLimit, reasonQueuedLimit))
	}

	if ok, err := m.store.ValidateParallelLimit(op); err != nil || !ok {
		restore()
		if err != nil {
			return hash, "", err
		}
		return m.rejected(hash, reject(ErrParallelLimit, reasonParallelLimit))
	}

	if err := m.store.Add(info); err != nil {
		restore()
		if errors.Is(err, ErrAlreadyKnown) || errors.Is(err, ErrNonceExists) {
			return m.rejected(hash, reject(err, reasonNonceUnderpriced))
		}
		return hash, "", fmt.Errorf("cannot add user op: %w", err)
	}

	if conflict != nil && conflict.Info != nil {
		m.status.Set(UserOpStatus{Status: StatusRejected, Reason: reasonReplacedInMempool}, conflict.Info.UserOpHash)
		m.logger.Info("user op replaced in mempool", "old", conflict.Info.UserOpHash.Hex(), "new", hash.Hex(), "reason", string(conflict.Reason))
		if conflict.Reason == ConflictingDeployment {
			m.refreshHeads([]*UserOpInfo{conflict.Info})
		}
	}

	outcome := OutcomeAdded
	queued, err := m.store.GetQueuedUserOps(op)
	if err == nil && lo.ContainsBy(queued, func(q *UserOpInfo) bool { return q.UserOp.Sender == op.Sender }) {
		outcome = OutcomeQueued
	}

	if outcome == OutcomeQueued {
		m.status.Set(UserOpStatus{Status: StatusQueued}, hash)
	} else {
		m.status.Set(UserOpStatus{Status: StatusNotSubmitted}, hash)
	}

	m.metrics.IncUserOpsReceived(string(outcome))
	m.updateGauge()

	m.logger.Debug("user op admitted", "user_op_hash", hash.Hex(), "sender", op.Sender.Hex(), "outcome", string(outcome))
	return hash, outcome, nil
}

func (m *Mempool) rejected(hash common.Hash, err *RejectError) (common.Hash, AddOutcome, error) {
	m.metrics.IncUserOpsReceived("rejected")
	m.logger.Info("user op rejected", "user_op_hash", hash.Hex(), "reason", err.Reason)
	return hash, "", err
}

// TakeBatch checks out up to count ready operations for bundling.
func (m *Mempool) TakeBatch(count int) ([]*UserOpInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	infos, err := m.store.Pop(count)
	if err != nil {
		return nil, err
	}

	m.processing.Add(infos...)
	m.refreshHeads(infos)
	m.updateGauge()
	return infos, nil
}

// refreshHeads moves a queued successor of a removed operation to
// not_submitted once it is the head of its slot.
func (m *Mempool) refreshHeads(removed []*UserOpInfo) {
	for _, info := range removed {
		head, err := m.store.SlotHead(info.UserOp)
		if err != nil {
			m.logger.Warn("cannot read slot head", "sender", info.UserOp.Sender.Hex(), "error", err)
			continue
		}
		if head != nil && m.status.Get(head.UserOpHash).Status == StatusQueued {
			m.status.Set(UserOpStatus{Status: StatusNotSubmitted}, head.UserOpHash)
		}
	}
}

// Resubmit puts checked out operations back into the outstanding store.
func (m *Mempool) Resubmit(infos []*UserOpInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, info := range infos {
		m.processing.Remove(info.UserOpHash)

		if err := m.store.Add(info); err != nil {
			if errors.Is(err, ErrNonceExists) {
				// a replacement for the same nonce came in while info was checked out
				m.status.Set(UserOpStatus{Status: StatusRejected, Reason: reasonReplacementDuplicate}, info.UserOpHash)
				continue
			}
			m.logger.Error("cannot resubmit user op", "user_op_hash", info.UserOpHash.Hex(), "error", err)
			m.status.Set(UserOpStatus{Status: StatusRejected, Reason: err.Error()}, info.UserOpHash)
			continue
		}
		m.status.Set(UserOpStatus{Status: StatusNotSubmitted}, info.UserOpHash)
	}
	m.updateGauge()
}

func (m *Mempool) MarkSubmitted(infos []*UserOpInfo, txHash common.Hash) {
	m.status.Set(UserOpStatus{Status: StatusSubmitted, TransactionHash: &txHash}, hashes(infos)...)
}

// MarkIncluded records the inclusion of infos in txHash. receipts holds what
// the EntryPoint logged per operation, operations without one are still
// reported as included.
func (m *Mempool) MarkIncluded(infos []*UserOpInfo, txHash common.Hash, receipts map[common.Hash]*UserOpReceipt) {
	m.processing.Remove(hashes(infos)...)
	for _, info := range infos {
		status := UserOpStatus{Status: StatusIncluded, TransactionHash: &txHash}
		if receipt, ok := receipts[info.UserOpHash]; ok {
			status.Receipt = receipt
			if !receipt.Success {
				status.Reason = lo.Ternary(receipt.Reason != "", receipt.Reason, reasonExecutionReverted)
			}
		}
		m.status.Set(status, info.UserOpHash)
	}
}

func (m *Mempool) MarkReverted(infos []*UserOpInfo, txHash common.Hash) {
	m.processing.Remove(hashes(infos)...)
	m.status.Set(UserOpStatus{Status: StatusReverted, TransactionHash: &txHash}, hashes(infos)...)
}

func (m *Mempool) MarkRejected(infos []*UserOpInfo, reason string) {
	m.processing.Remove(hashes(infos)...)
	m.status.Set(UserOpStatus{Status: StatusRejected, Reason: reason}, hashes(infos)...)
}

// Status never fails, it degrades to not_found.
func (m *Mempool) Status(hash common.Hash) UserOpStatus {
	if s := m.status.Get(hash); s.Status != StatusNotFound {
		return s
	}

	if ok, err := m.store.Contains(hash); err == nil && ok {
		return UserOpStatus{Status: StatusNotSubmitted}
	}
	if m.processing.IsProcessing(hash) {
		return UserOpStatus{Status: StatusSubmitted}
	}
	return UserOpStatus{Status: StatusNotFound}
}

// Receipt returns the receipt of an included operation, nil while it is
// unknown, pending or expired.
func (m *Mempool) Receipt(hash common.Hash) *UserOpReceipt {
	return m.status.Get(hash).Receipt
}

// QueuedAhead returns what the outstanding operation with hash waits for.
func (m *Mempool) QueuedAhead(hash common.Hash) ([]*UserOpInfo, error) {
	all, err := m.store.Dump()
	if err != nil {
		return nil, err
	}

	info, ok := lo.Find(all, func(i *UserOpInfo) bool { return i.UserOpHash == hash })
	if !ok {
		return nil, nil
	}
	return m.store.GetQueuedUserOps(info.UserOp)
}

// Dump lists the outstanding operations. Checked out operations are not included.
func (m *Mempool) Dump() ([]*UserOpInfo, error) {
	return m.store.Dump()
}

// Remove drops outstanding operations and returns the ones that were present.
func (m *Mempool) Remove(hashes ...common.Hash) ([]*UserOpInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed, err := m.store.Remove(hashes...)
	if err != nil {
		return nil, err
	}
	for _, info := range removed {
		m.status.Set(UserOpStatus{Status: StatusRejected, Reason: reasonRemoved}, info.UserOpHash)
	}
	m.refreshHeads(removed)
	m.updateGauge()
	return removed, nil
}

// Clear drops every outstanding operation and returns how many there were.
func (m *Mempool) Clear() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	all, err := m.store.Dump()
	if err != nil {
		return 0, err
	}
	if err := m.store.Clear(); err != nil {
		return 0, err
	}
	m.status.Set(UserOpStatus{Status: StatusRejected, Reason: reasonRemoved}, hashes(all)...)
	m.updateGauge()

	m.logger.Warn("mempool cleared", "count", len(all))
	return len(all), nil
}

func (m *Mempool) Count() int {
	n, err := m.store.Count()
	if err != nil {
		return 0
	}
	return n
}

func (m *Mempool) updateGauge() {
	if n, err := m.store.Count(); err == nil {
		m.metrics.SetOutstanding(n)
	}
}

func hashes(infos []*UserOpInfo) []common.Hash {
	return lo.Map(infos, func(i *UserOpInfo, _ int) common.Hash { return i.UserOpHash })
}
