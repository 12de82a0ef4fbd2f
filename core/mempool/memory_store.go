package mempool

import (
	"sort"
	"strconv"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/samber/lo"

	"github.com/AvaProtocol/ap-bundler/pkg/erc4337/userop"
	"github.com/AvaProtocol/ap-bundler/pkg/logger"
)

// MemoryStore is the in process OutstandingStore. Its content is lost on restart.
type MemoryStore struct {
	config *StoreConfig
	logger logger.Logger

	mu      sync.Mutex
	slots   map[string]*backlog
	senders map[common.Address]mapset.Set[string]
	hashes  map[common.Hash]*backlog
	ready   readyQueue
	seq     uint64
}

func NewMemoryStore(config *StoreConfig, log logger.Logger) *MemoryStore {
	return &MemoryStore{
		config:  config,
		logger:  logger.Component(log, "memory-outstanding"),
		slots:   make(map[string]*backlog),
		senders: make(map[common.Address]mapset.Set[string]),
		hashes:  make(map[common.Hash]*backlog),
	}
}

func (s *MemoryStore) Contains(hash common.Hash) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.hashes[hash]
	return ok, nil
}

func (s *MemoryStore) Add(infos ...*UserOpInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkAdd(infos); err != nil {
		return err
	}
	for _, info := range infos {
		s.add(info)
	}
	return nil
}

// checkAdd refuses the whole batch when one of infos is a duplicate of a
// stored operation or of another operation in the batch.
func (s *MemoryStore) checkAdd(infos []*UserOpInfo) error {
	batchHashes := mapset.NewThreadUnsafeSet[common.Hash]()
	batchNonces := mapset.NewThreadUnsafeSet[string]()

	for _, info := range infos {
		if _, ok := s.hashes[info.UserOpHash]; ok || !batchHashes.Add(info.UserOpHash) {
			return ErrAlreadyKnown
		}

		op := info.UserOp
		if b, ok := s.slots[op.SlotID()]; ok {
			if _, taken := b.position(op.NonceSequence()); taken {
				return ErrNonceExists
			}
		}
		if !batchNonces.Add(op.SlotID() + ":" + strconv.FormatUint(op.NonceSequence(), 10)) {
			return ErrNonceExists
		}
	}
	return nil
}

func (s *MemoryStore) add(info *UserOpInfo) {
	op := info.UserOp
	id := op.SlotID()
	b, ok := s.slots[id]
	if !ok {
		b = &backlog{id: id, index: -1}
		s.slots[id] = b
		if s.senders[op.Sender] == nil {
			s.senders[op.Sender] = mapset.NewThreadUnsafeSet[string]()
		}
		s.senders[op.Sender].Add(id)
	}

	pos, _ := b.position(op.NonceSequence())
	b.ops = append(b.ops, nil)
	copy(b.ops[pos+1:], b.ops[pos:])
	b.ops[pos] = info
	s.hashes[info.UserOpHash] = b

	if pos == 0 {
		// new head replaces the slot entry in the ready queue
		s.ready.remove(b)
		s.pushReady(b)
	}
}

func (s *MemoryStore) pushReady(b *backlog) {
	s.seq++
	s.ready.push(b, s.seq)
}

func (s *MemoryStore) Pop(count int) ([]*UserOpInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		result   []*UserOpInfo
		promoted []*backlog
	)

	for len(result) < count && s.ready.Len() > 0 {
		b := s.ready.pop()
		info := b.head()
		b.ops = b.ops[1:]
		delete(s.hashes, info.UserOpHash)

		if len(b.ops) > 0 {
			promoted = append(promoted, b)
		} else {
			s.deleteSlot(b, info.UserOp.Sender)
		}

		result = append(result, info)
	}

	for _, b := range promoted {
		s.pushReady(b)
	}

	return result, nil
}

func (s *MemoryStore) deleteSlot(b *backlog, sender common.Address) {
	delete(s.slots, b.id)
	if ids, ok := s.senders[sender]; ok {
		ids.Remove(b.id)
		if ids.Cardinality() == 0 {
			delete(s.senders, sender)
		}
	}
}

func (s *MemoryStore) SlotHead(op *userop.UserOperation) (*UserOpInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.slots[op.SlotID()]
	if !ok || len(b.ops) == 0 {
		return nil, nil
	}
	return b.head(), nil
}

func (s *MemoryStore) Remove(hashes ...common.Hash) ([]*UserOpInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed []*UserOpInfo
	for _, h := range hashes {
		if info := s.remove(h); info != nil {
			removed = append(removed, info)
		} else {
			s.logger.Debug("tried to remove non-existent user op", "user_op_hash", h.Hex())
		}
	}
	return removed, nil
}

func (s *MemoryStore) remove(hash common.Hash) *UserOpInfo {
	b, ok := s.hashes[hash]
	if !ok {
		return nil
	}

	info, idx, _ := lo.FindIndexOf(b.ops, func(i *UserOpInfo) bool { return i.UserOpHash == hash })
	b.ops = append(b.ops[:idx], b.ops[idx+1:]...)
	delete(s.hashes, hash)

	if idx == 0 {
		s.ready.remove(b)
		if len(b.ops) > 0 {
			s.pushReady(b)
		}
	}

	if len(b.ops) == 0 {
		s.deleteSlot(b, info.UserOp.Sender)
	}
	return info
}

func (s *MemoryStore) PopConflicting(op *userop.UserOperation) (*Conflict, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if b, ok := s.slots[op.SlotID()]; ok {
		for _, info := range b.ops {
			if sameOp(info.UserOp, op) {
				return &Conflict{Reason: ConflictingNonce, Info: s.remove(info.UserOpHash)}, nil
			}
		}
	}

	if !op.IsDeployment() {
		return nil, nil
	}

	for _, info := range s.senderOps(op.Sender) {
		if info.UserOp.IsDeployment() {
			return &Conflict{Reason: ConflictingDeployment, Info: s.remove(info.UserOpHash)}, nil
		}
	}
	return nil, nil
}

// senderOps returns every op of sender, slots in id order for determinism.
func (s *MemoryStore) senderOps(sender common.Address) []*UserOpInfo {
	ids, ok := s.senders[sender]
	if !ok {
		return nil
	}

	sorted := ids.ToSlice()
	sort.Strings(sorted)

	var ops []*UserOpInfo
	for _, id := range sorted {
		ops = append(ops, s.slots[id].ops...)
	}
	return ops
}

func (s *MemoryStore) ValidateQueuedLimit(op *userop.UserOperation) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.senderOps(op.Sender))+1 <= s.config.MaxQueuedOps, nil
}

func (s *MemoryStore) ValidateParallelLimit(op *userop.UserOperation) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := mapset.NewThreadUnsafeSet[string](op.SlotID())
	if ids, ok := s.senders[op.Sender]; ok {
		keys = keys.Union(ids)
	}
	return keys.Cardinality() <= s.config.MaxParallelOps, nil
}

func (s *MemoryStore) GetQueuedUserOps(op *userop.UserOperation) ([]*UserOpInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var queued []*UserOpInfo
	if b, ok := s.slots[op.SlotID()]; ok {
		for _, info := range b.ops {
			if info.UserOp.NonceSequence() < op.NonceSequence() {
				queued = append(queued, info)
			}
		}
	}

	if s.config.QueueByPaymaster {
		for _, b := range s.slots {
			if b.id == op.SlotID() {
				continue
			}
			for _, info := range b.ops {
				if s.config.sharesPaymaster(op, info.UserOp) {
					queued = append(queued, info)
				}
			}
		}
	}

	return sortBySequence(queued), nil
}

func (s *MemoryStore) Dump() ([]*UserOpInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var all []*UserOpInfo
	for _, b := range s.slots {
		all = append(all, b.ops...)
	}
	return all, nil
}

func (s *MemoryStore) Count() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.hashes), nil
}

func (s *MemoryStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.slots = make(map[string]*backlog)
	s.senders = make(map[common.Address]mapset.Set[string])
	s.hashes = make(map[common.Hash]*backlog)
	s.ready = nil
	return nil
}

func sortBySequence(infos []*UserOpInfo) []*UserOpInfo {
	sort.SliceStable(infos, func(i, j int) bool {
		return infos[i].UserOp.NonceSequence() < infos[j].UserOp.NonceSequence()
	})
	return infos
}
