package mempool

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/AvaProtocol/ap-bundler/pkg/erc4337/userop"
)

type ProcessingConflict string

const (
	NoProcessingConflict ProcessingConflict = ""
	NonceConflict        ProcessingConflict = "nonce_conflict"
	DeploymentConflict   ProcessingConflict = "deployment_conflict"
)

type processingEntry struct {
	nonceID      string
	sender       common.Address
	isDeployment bool
}

// ProcessingTracker records operations checked out of the outstanding store
// for a bundle that is not resolved on chain yet.
type ProcessingTracker struct {
	mu        sync.Mutex
	tracked   map[common.Hash]processingEntry
	nonces    map[string]common.Hash
	deploying map[common.Address]common.Hash
}

func NewProcessingTracker() *ProcessingTracker {
	return &ProcessingTracker{
		tracked:   make(map[common.Hash]processingEntry),
		nonces:    make(map[string]common.Hash),
		deploying: make(map[common.Address]common.Hash),
	}
}

func nonceID(op *userop.UserOperation) string {
	return fmt.Sprintf("%s:%s", op.Sender.Hex(), op.Nonce.String())
}

func (p *ProcessingTracker) Add(infos ...*UserOpInfo) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, info := range infos {
		entry := processingEntry{
			nonceID:      nonceID(info.UserOp),
			sender:       info.UserOp.Sender,
			isDeployment: info.UserOp.IsDeployment(),
		}
		p.tracked[info.UserOpHash] = entry
		p.nonces[entry.nonceID] = info.UserOpHash
		if entry.isDeployment {
			p.deploying[entry.sender] = info.UserOpHash
		}
	}
}

func (p *ProcessingTracker) Remove(hashes ...common.Hash) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, h := range hashes {
		entry, ok := p.tracked[h]
		if !ok {
			continue
		}

		if p.nonces[entry.nonceID] == h {
			delete(p.nonces, entry.nonceID)
		}
		if entry.isDeployment && p.deploying[entry.sender] == h {
			delete(p.deploying, entry.sender)
		}
		delete(p.tracked, h)
	}
}

func (p *ProcessingTracker) IsProcessing(hash common.Hash) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	_, ok := p.tracked[hash]
	return ok
}

// WouldConflict reports whether admitting op now collides with in-flight work.
func (p *ProcessingTracker) WouldConflict(op *userop.UserOperation) (ProcessingConflict, common.Hash) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if op.IsDeployment() {
		if h, ok := p.deploying[op.Sender]; ok {
			return DeploymentConflict, h
		}
	}

	if h, ok := p.nonces[nonceID(op)]; ok {
		return NonceConflict, h
	}

	return NoProcessingConflict, common.Hash{}
}

func (p *ProcessingTracker) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.tracked)
}
