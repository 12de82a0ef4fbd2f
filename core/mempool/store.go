// Package mempool keeps user operations from admission until they are handed
// to an executor: the outstanding store with its per-slot backlogs and fee
// ordered ready queue, the tracker of operations checked out for bundling,
// and the status surface clients poll.
package mempool

import (
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/AvaProtocol/ap-bundler/pkg/erc4337/userop"
)

var (
	ErrAlreadyKnown = errors.New("already known")
	ErrNonceExists  = errors.New("an operation with the same sender and nonce is outstanding")
)

// UserOpInfo is a user operation tracked by the bundler.
type UserOpInfo struct {
	UserOp         *userop.UserOperation `json:"userOp"`
	UserOpHash     common.Hash           `json:"userOpHash"`
	FirstSubmitted time.Time             `json:"firstSubmitted"`
	LastReplaced   time.Time             `json:"lastReplaced"`
}

type ConflictReason string

const (
	ConflictingNonce      ConflictReason = "conflicting_nonce"
	ConflictingDeployment ConflictReason = "conflicting_deployment"
)

// Conflict is an outstanding operation displaced by a new submission.
type Conflict struct {
	Reason ConflictReason
	Info   *UserOpInfo
}

// OutstandingStore holds operations that are admitted but not yet handed to an
// executor. Each (sender, nonce key) pair owns a backlog slot sorted by nonce
// sequence. Exactly the head of every non-empty slot sits in the ready queue,
// which hands out operations highest maxFeePerGas first.
type OutstandingStore interface {
	Contains(hash common.Hash) (bool, error)

	// Add inserts operations into their slots. It fails with ErrAlreadyKnown or
	// ErrNonceExists rather than storing a duplicate, in which case nothing of
	// the batch is stored.
	Add(infos ...*UserOpInfo) error

	// Pop removes up to count ready operations. Successors of popped heads
	// become ready once the whole batch has been taken.
	Pop(count int) ([]*UserOpInfo, error)

	// SlotHead returns the lowest sequence operation of the slot of op, nil
	// when the slot is empty.
	SlotHead(op *userop.UserOperation) (*UserOpInfo, error)

	// Remove deletes operations by hash and returns the ones that were present.
	Remove(hashes ...common.Hash) ([]*UserOpInfo, error)

	// PopConflicting removes and returns the operation op would displace: one
	// with the same sender and nonce, or another deployment of the same sender.
	PopConflicting(op *userop.UserOperation) (*Conflict, error)

	ValidateQueuedLimit(op *userop.UserOperation) (bool, error)
	ValidateParallelLimit(op *userop.UserOperation) (bool, error)

	// GetQueuedUserOps returns operations op has to wait for, ascending by
	// nonce sequence.
	GetQueuedUserOps(op *userop.UserOperation) ([]*UserOpInfo, error)

	Dump() ([]*UserOpInfo, error)
	Count() (int, error)
	Clear() error
}

// StoreConfig holds admission limits shared by every store implementation.
type StoreConfig struct {
	MaxQueuedOps   int
	MaxParallelOps int

	// QueueByPaymaster makes operations sponsored by the same paymaster
	// visible to GetQueuedUserOps.
	QueueByPaymaster  bool
	IgnoredPaymasters []common.Address
}

func (c *StoreConfig) sharesPaymaster(op, other *userop.UserOperation) bool {
	if !c.QueueByPaymaster {
		return false
	}

	pm := op.Paymaster()
	if pm == (common.Address{}) || other.Paymaster() != pm {
		return false
	}

	for _, ignored := range c.IgnoredPaymasters {
		if ignored == pm {
			return false
		}
	}
	return true
}

func sameOp(a, b *userop.UserOperation) bool {
	return a.Sender == b.Sender && a.Nonce.Cmp(b.Nonce) == 0
}
