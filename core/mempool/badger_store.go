package mempool

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/big"
	"strconv"
	"strings"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	badger "github.com/dgraph-io/badger/v4"
	"github.com/ethereum/go-ethereum/common"

	"github.com/AvaProtocol/ap-bundler/pkg/erc4337/userop"
	"github.com/AvaProtocol/ap-bundler/pkg/logger"
	"github.com/AvaProtocol/ap-bundler/storage"
)

// BadgerStore is the persisted OutstandingStore. Keys live under
// <prefix>:<chainId>:<entryPoint>:outstanding so several bundlers can share a
// database without seeing each other's operations:
//
//	...:slot:<sender>:<nonceKey>:<sequence>  UserOpInfo json
//	...:ready:<fee>:<inverted insertion seq> slot prefix of the head
//	...:readyslot:<sender>:<nonceKey>        ready key of the slot head
//	...:hash:<userOpHash>                    slot key of the op
//	...:seq                                  insertion counter
//
// Every mutation is one badger transaction, so within a process the single
// head per slot rule holds after each call. Across processes sharing the
// database a pop and an add on the same slot race until badger detects the
// write conflict at commit; the loser is retried once and otherwise returns
// the error, so the head rule is only eventually consistent there.
type BadgerStore struct {
	db     storage.Storage
	config *StoreConfig
	logger logger.Logger
	prefix string

	mu sync.Mutex
}

func NewBadgerStore(db storage.Storage, keyPrefix string, chainID *big.Int, entryPoint common.Address, config *StoreConfig, log logger.Logger) *BadgerStore {
	return &BadgerStore{
		db:     db,
		config: config,
		logger: logger.Component(log, "badger-outstanding"),
		prefix: OutstandingPrefix(keyPrefix, chainID, entryPoint),
	}
}

// OutstandingPrefix is the key namespace of one entrypoint on one chain.
func OutstandingPrefix(keyPrefix string, chainID *big.Int, entryPoint common.Address) string {
	return fmt.Sprintf("%s:%s:%s:outstanding", keyPrefix, chainID.String(), strings.ToLower(entryPoint.Hex()))
}

func slotID(op *userop.UserOperation) string {
	return strings.ToLower(op.Sender.Hex()) + ":" + op.NonceKey().Text(16)
}

func (s *BadgerStore) senderPrefix(sender common.Address) []byte {
	return []byte(s.prefix + ":slot:" + strings.ToLower(sender.Hex()) + ":")
}

func (s *BadgerStore) slotPrefix(op *userop.UserOperation) []byte {
	return []byte(s.prefix + ":slot:" + slotID(op) + ":")
}

func (s *BadgerStore) opKey(op *userop.UserOperation) []byte {
	return []byte(fmt.Sprintf("%s%020d", s.slotPrefix(op), op.NonceSequence()))
}

func (s *BadgerStore) readyPrefix() []byte {
	return []byte(s.prefix + ":ready:")
}

func (s *BadgerStore) readyKey(op *userop.UserOperation, seq uint64) []byte {
	// reverse iteration yields highest fee first, inverting seq keeps earlier inserts first on ties
	return []byte(fmt.Sprintf("%s%064x:%020d", s.readyPrefix(), op.MaxFeePerGas, math.MaxUint64-seq))
}

func (s *BadgerStore) readySlotKey(op *userop.UserOperation) []byte {
	return []byte(s.prefix + ":readyslot:" + slotID(op))
}

func (s *BadgerStore) hashKey(hash common.Hash) []byte {
	return []byte(s.prefix + ":hash:" + hash.Hex())
}

func (s *BadgerStore) allSlotsPrefix() []byte {
	return []byte(s.prefix + ":slot:")
}

func (s *BadgerStore) update(fn func(txn storage.Txn) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.db.Update(fn)
	if errors.Is(err, badger.ErrConflict) {
		s.logger.Warn("outstanding store transaction conflict, retrying")
		err = s.db.Update(fn)
	}
	return err
}

func (s *BadgerStore) view(fn func(txn storage.Txn) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.View(fn)
}

func decodeInfo(data []byte) (*UserOpInfo, error) {
	var info UserOpInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("corrupted outstanding entry: %w", err)
	}
	return &info, nil
}

func (s *BadgerStore) slotHead(txn storage.Txn, prefix []byte) (*storage.KeyValueItem, error) {
	items, err := txn.Scan(prefix, false, 1)
	if err != nil || len(items) == 0 {
		return nil, err
	}
	return items[0], nil
}

func (s *BadgerStore) nextSeq(txn storage.Txn) (uint64, error) {
	key := []byte(s.prefix + ":seq")

	var seq uint64
	data, err := txn.Get(key)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return 0, err
	}
	if err == nil {
		if seq, err = strconv.ParseUint(string(data), 10, 64); err != nil {
			return 0, fmt.Errorf("invalid counter format: %w", err)
		}
	}

	seq++
	return seq, txn.Set(key, []byte(strconv.FormatUint(seq, 10)))
}

func (s *BadgerStore) setReady(txn storage.Txn, head *UserOpInfo) error {
	seq, err := s.nextSeq(txn)
	if err != nil {
		return err
	}

	key := s.readyKey(head.UserOp, seq)
	if err := txn.Set(key, s.slotPrefix(head.UserOp)); err != nil {
		return err
	}
	return txn.Set(s.readySlotKey(head.UserOp), key)
}

func (s *BadgerStore) clearReady(txn storage.Txn, op *userop.UserOperation) error {
	slotKey := s.readySlotKey(op)
	key, err := txn.Get(slotKey)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	if err := txn.Delete(key); err != nil {
		return err
	}
	return txn.Delete(slotKey)
}

// promote makes the current head of the slot of op ready, if there is one.
func (s *BadgerStore) promote(txn storage.Txn, op *userop.UserOperation) error {
	next, err := s.slotHead(txn, s.slotPrefix(op))
	if err != nil || next == nil {
		return err
	}

	info, err := decodeInfo(next.Value)
	if err != nil {
		return err
	}
	return s.setReady(txn, info)
}

func (s *BadgerStore) Contains(hash common.Hash) (bool, error) {
	var found bool
	err := s.view(func(txn storage.Txn) error {
		_, err := txn.Get(s.hashKey(hash))
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		found = err == nil
		return err
	})
	return found, err
}

func (s *BadgerStore) Add(infos ...*UserOpInfo) error {
	return s.update(func(txn storage.Txn) error {
		for _, info := range infos {
			if err := s.add(txn, info); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BadgerStore) add(txn storage.Txn, info *UserOpInfo) error {
	if _, err := txn.Get(s.hashKey(info.UserOpHash)); err == nil {
		return ErrAlreadyKnown
	} else if !errors.Is(err, storage.ErrNotFound) {
		return err
	}

	key := s.opKey(info.UserOp)
	if _, err := txn.Get(key); err == nil {
		return ErrNonceExists
	} else if !errors.Is(err, storage.ErrNotFound) {
		return err
	}

	data, err := json.Marshal(info)
	if err != nil {
		return err
	}
	if err := txn.Set(key, data); err != nil {
		return err
	}
	if err := txn.Set(s.hashKey(info.UserOpHash), key); err != nil {
		return err
	}

	head, err := s.slotHead(txn, s.slotPrefix(info.UserOp))
	if err != nil {
		return err
	}
	if head != nil && bytes.Equal(head.Key, key) {
		if err := s.clearReady(txn, info.UserOp); err != nil {
			return err
		}
		return s.setReady(txn, info)
	}
	return nil
}

func (s *BadgerStore) Pop(count int) ([]*UserOpInfo, error) {
	var result []*UserOpInfo

	err := s.update(func(txn storage.Txn) error {
		result = nil

		ready, err := txn.Scan(s.readyPrefix(), true, count)
		if err != nil {
			return err
		}

		for _, item := range ready {
			head, err := s.slotHead(txn, item.Value)
			if err != nil {
				return err
			}
			if head == nil {
				return fmt.Errorf("ready entry %s points to an empty slot", item.Key)
			}

			info, err := decodeInfo(head.Value)
			if err != nil {
				return err
			}

			for _, k := range [][]byte{head.Key, s.hashKey(info.UserOpHash), item.Key, s.readySlotKey(info.UserOp)} {
				if err := txn.Delete(k); err != nil {
					return err
				}
			}
			result = append(result, info)
		}

		for _, info := range result {
			if err := s.promote(txn, info.UserOp); err != nil {
				return err
			}
		}
		return nil
	})

	return result, err
}

func (s *BadgerStore) SlotHead(op *userop.UserOperation) (*UserOpInfo, error) {
	var head *UserOpInfo
	err := s.view(func(txn storage.Txn) error {
		item, err := s.slotHead(txn, s.slotPrefix(op))
		if err != nil || item == nil {
			return err
		}
		head, err = decodeInfo(item.Value)
		return err
	})
	return head, err
}

func (s *BadgerStore) Remove(hashes ...common.Hash) ([]*UserOpInfo, error) {
	var removed []*UserOpInfo

	err := s.update(func(txn storage.Txn) error {
		removed = nil
		for _, h := range hashes {
			info, err := s.remove(txn, h)
			if err != nil {
				return err
			}
			if info != nil {
				removed = append(removed, info)
			}
		}
		return nil
	})

	return removed, err
}

func (s *BadgerStore) remove(txn storage.Txn, hash common.Hash) (*UserOpInfo, error) {
	key, err := txn.Get(s.hashKey(hash))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	data, err := txn.Get(key)
	if err != nil {
		return nil, err
	}
	info, err := decodeInfo(data)
	if err != nil {
		return nil, err
	}

	head, err := s.slotHead(txn, s.slotPrefix(info.UserOp))
	if err != nil {
		return nil, err
	}
	wasHead := head != nil && bytes.Equal(head.Key, key)

	if err := txn.Delete(key); err != nil {
		return nil, err
	}
	if err := txn.Delete(s.hashKey(hash)); err != nil {
		return nil, err
	}

	if wasHead {
		if err := s.clearReady(txn, info.UserOp); err != nil {
			return nil, err
		}
		if err := s.promote(txn, info.UserOp); err != nil {
			return nil, err
		}
	}
	return info, nil
}

func (s *BadgerStore) senderOps(txn storage.Txn, sender common.Address) ([]*storage.KeyValueItem, error) {
	return txn.Scan(s.senderPrefix(sender), false, 0)
}

func (s *BadgerStore) PopConflicting(op *userop.UserOperation) (*Conflict, error) {
	var conflict *Conflict

	err := s.update(func(txn storage.Txn) error {
		conflict = nil

		if data, err := txn.Get(s.opKey(op)); err == nil {
			existing, err := decodeInfo(data)
			if err != nil {
				return err
			}
			info, err := s.remove(txn, existing.UserOpHash)
			if err != nil {
				return err
			}
			conflict = &Conflict{Reason: ConflictingNonce, Info: info}
			return nil
		} else if !errors.Is(err, storage.ErrNotFound) {
			return err
		}

		if !op.IsDeployment() {
			return nil
		}

		items, err := s.senderOps(txn, op.Sender)
		if err != nil {
			return err
		}
		for _, item := range items {
			existing, err := decodeInfo(item.Value)
			if err != nil {
				return err
			}
			if existing.UserOp.IsDeployment() {
				info, err := s.remove(txn, existing.UserOpHash)
				if err != nil {
					return err
				}
				conflict = &Conflict{Reason: ConflictingDeployment, Info: info}
				return nil
			}
		}
		return nil
	})

	return conflict, err
}

func (s *BadgerStore) ValidateQueuedLimit(op *userop.UserOperation) (bool, error) {
	var count int
	err := s.view(func(txn storage.Txn) error {
		items, err := s.senderOps(txn, op.Sender)
		count = len(items)
		return err
	})
	if err != nil {
		return false, err
	}

	return count+1 <= s.config.MaxQueuedOps, nil
}

func (s *BadgerStore) ValidateParallelLimit(op *userop.UserOperation) (bool, error) {
	keys := mapset.NewThreadUnsafeSet[string](op.NonceKey().Text(16))

	err := s.view(func(txn storage.Txn) error {
		prefix := s.senderPrefix(op.Sender)
		items, err := s.senderOps(txn, op.Sender)
		for _, item := range items {
			rest := strings.TrimPrefix(string(item.Key), string(prefix))
			keys.Add(rest[:strings.Index(rest, ":")])
		}
		return err
	})
	if err != nil {
		return false, err
	}

	return keys.Cardinality() <= s.config.MaxParallelOps, nil
}

func (s *BadgerStore) GetQueuedUserOps(op *userop.UserOperation) ([]*UserOpInfo, error) {
	var queued []*UserOpInfo

	err := s.view(func(txn storage.Txn) error {
		prefix := s.slotPrefix(op)
		if s.config.QueueByPaymaster {
			prefix = s.allSlotsPrefix()
		}

		items, err := txn.Scan(prefix, false, 0)
		if err != nil {
			return err
		}

		for _, item := range items {
			info, err := decodeInfo(item.Value)
			if err != nil {
				return err
			}

			sameSlot := info.UserOp.Sender == op.Sender && info.UserOp.NonceKey().Cmp(op.NonceKey()) == 0
			if sameSlot && info.UserOp.NonceSequence() < op.NonceSequence() {
				queued = append(queued, info)
			} else if !sameSlot && s.config.sharesPaymaster(op, info.UserOp) {
				queued = append(queued, info)
			}
		}
		return nil
	})

	return sortBySequence(queued), err
}

func (s *BadgerStore) Dump() ([]*UserOpInfo, error) {
	var all []*UserOpInfo

	err := s.view(func(txn storage.Txn) error {
		items, err := txn.Scan(s.allSlotsPrefix(), false, 0)
		if err != nil {
			return err
		}
		for _, item := range items {
			info, err := decodeInfo(item.Value)
			if err != nil {
				return err
			}
			all = append(all, info)
		}
		return nil
	})

	return all, err
}

func (s *BadgerStore) Count() (int, error) {
	var count int
	err := s.view(func(txn storage.Txn) error {
		items, err := txn.Scan([]byte(s.prefix+":hash:"), false, 0)
		count = len(items)
		return err
	})
	return count, err
}

func (s *BadgerStore) Clear() error {
	return s.update(func(txn storage.Txn) error {
		items, err := txn.Scan([]byte(s.prefix+":"), false, 0)
		if err != nil {
			return err
		}
		for _, item := range items {
			if err := txn.Delete(item.Key); err != nil {
				return err
			}
		}
		return nil
	})
}

// StoreStats counts the keys of a persisted store.
type StoreStats struct {
	Operations int64
	Ready      int64
	Slots      int64
}

// Stats reads key counts straight from the lsm tree without decoding values.
func (s *BadgerStore) Stats() (*StoreStats, error) {
	stats := &StoreStats{}
	for _, c := range []struct {
		prefix string
		dst    *int64
	}{
		{s.prefix + ":hash:", &stats.Operations},
		{s.prefix + ":ready:", &stats.Ready},
		{s.prefix + ":readyslot:", &stats.Slots},
	} {
		n, err := s.db.CountKeysByPrefix([]byte(c.prefix))
		if err != nil {
			return nil, err
		}
		*c.dst = n
	}
	return stats, nil
}
