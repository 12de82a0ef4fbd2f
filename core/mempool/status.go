package mempool

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/allegro/bigcache/v3"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/AvaProtocol/ap-bundler/pkg/logger"
)

type Status string

const (
	StatusNotFound     Status = "not_found"
	StatusNotSubmitted Status = "not_submitted"
	StatusQueued       Status = "queued"
	StatusSubmitted    Status = "submitted"
	StatusIncluded     Status = "included"
	StatusRejected     Status = "rejected"
	StatusReverted     Status = "reverted"
)

type UserOpStatus struct {
	Status          Status         `json:"status"`
	TransactionHash *common.Hash   `json:"transactionHash,omitempty"`
	Reason          string         `json:"reason,omitempty"`
	Receipt         *UserOpReceipt `json:"receipt,omitempty"`
}

// UserOpReceipt is what the EntryPoint reported for an included operation.
type UserOpReceipt struct {
	UserOpHash      common.Hash    `json:"userOpHash"`
	EntryPoint      common.Address `json:"entryPoint"`
	Sender          common.Address `json:"sender"`
	Nonce           *hexutil.Big   `json:"nonce"`
	Paymaster       common.Address `json:"paymaster"`
	ActualGasCost   *hexutil.Big   `json:"actualGasCost"`
	ActualGasUsed   *hexutil.Big   `json:"actualGasUsed"`
	Success         bool           `json:"success"`
	Reason          string         `json:"reason,omitempty"`
	TransactionHash common.Hash    `json:"transactionHash"`
	BlockHash       common.Hash    `json:"blockHash"`
	BlockNumber     *hexutil.Big   `json:"blockNumber"`
}

// StatusStore remembers the last known status of a user operation for a
// limited time after it was last updated.
type StatusStore struct {
	cache  *bigcache.BigCache
	logger logger.Logger
}

func NewStatusStore(ttl time.Duration, log logger.Logger) (*StatusStore, error) {
	cleanWindow := ttl / 4
	if cleanWindow < time.Second {
		// bigcache has a one second resolution
		cleanWindow = time.Second
	}

	cache, err := bigcache.New(context.Background(), bigcache.Config{
		// number of shards (must be a power of 2)
		Shards: 256,

		LifeWindow:  ttl,
		CleanWindow: cleanWindow,

		// rps * lifeWindow, used only in initial memory allocation
		MaxEntriesInWindow: 100 * 60 * 10,

		// max entry size in bytes, used only in initial memory allocation
		MaxEntrySize: 256,

		// value in MB, oldest entries are overridden once reached
		HardMaxCacheSize: 512,
	})
	if err != nil {
		return nil, err
	}

	return &StatusStore{
		cache:  cache,
		logger: logger.Component(log, "status-store"),
	}, nil
}

func (s *StatusStore) Set(status UserOpStatus, hashes ...common.Hash) {
	data, err := json.Marshal(status)
	if err != nil {
		s.logger.Error("cannot encode user op status", "error", err)
		return
	}

	for _, h := range hashes {
		if err := s.cache.Set(h.Hex(), data); err != nil {
			s.logger.Warn("cannot store user op status", "user_op_hash", h.Hex(), "error", err)
		}
	}
}

// Get never fails, unknown or unreadable entries are reported as not_found.
func (s *StatusStore) Get(hash common.Hash) UserOpStatus {
	data, err := s.cache.Get(hash.Hex())
	if err != nil {
		if !errors.Is(err, bigcache.ErrEntryNotFound) {
			s.logger.Warn("cannot read user op status", "user_op_hash", hash.Hex(), "error", err)
		}
		return UserOpStatus{Status: StatusNotFound}
	}

	var status UserOpStatus
	if err := json.Unmarshal(data, &status); err != nil {
		return UserOpStatus{Status: StatusNotFound}
	}
	return status
}

func (s *StatusStore) Close() error {
	return s.cache.Close()
}
