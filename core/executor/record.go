package executor

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/oklog/ulid/v2"
	"github.com/samber/lo"

	"github.com/AvaProtocol/ap-bundler/core/mempool"
	"github.com/AvaProtocol/ap-bundler/core/walletpool"
	"github.com/AvaProtocol/ap-bundler/pkg/eip1559"
)

// TransactionRecord is a submitted bundle transaction together with the
// transactions it replaced. Replacements keep the record ID so a bundle can
// be followed across fee bumps.
type TransactionRecord struct {
	ID ulid.ULID

	TransactionHash           common.Hash
	PreviousTransactionHashes []common.Hash

	Executor *walletpool.Wallet
	UserOps  []*mempool.UserOpInfo

	// transaction request
	Nonce    uint64
	Fees     *eip1559.Fees
	GasLimit uint64
	Data     []byte

	FirstSubmitted time.Time
	LastReplaced   time.Time

	TimesPotentiallyIncluded int
}

// Hashes returns the current transaction hash followed by the replaced ones,
// newest first.
func (r *TransactionRecord) Hashes() []common.Hash {
	return append([]common.Hash{r.TransactionHash}, r.PreviousTransactionHashes...)
}

func (r *TransactionRecord) UserOpHashes() []common.Hash {
	return lo.Map(r.UserOps, func(info *mempool.UserOpInfo, _ int) common.Hash { return info.UserOpHash })
}
