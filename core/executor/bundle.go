package executor

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/getsentry/sentry-go"
	"github.com/oklog/ulid/v2"
	"github.com/samber/lo"

	"github.com/AvaProtocol/ap-bundler/core/chainio/aa"
	"github.com/AvaProtocol/ap-bundler/core/mempool"
	"github.com/AvaProtocol/ap-bundler/core/walletpool"
	"github.com/AvaProtocol/ap-bundler/pkg/eip1559"
	"github.com/AvaProtocol/ap-bundler/pkg/logger"
)

const defaultGasPadding = 10_000

type BundleStatus string

const (
	BundleSuccess                    BundleStatus = "success"
	BundleFailure                    BundleStatus = "failure"
	BundleResubmit                   BundleStatus = "resubmit"
	BundlePotentiallyAlreadyIncluded BundleStatus = "potentially_already_included"
)

// BundleResult is the outcome of one bundling attempt.
type BundleResult struct {
	Status BundleStatus
	// Record is set on success.
	Record *TransactionRecord
	// Rejected lists operations dropped with their reason. On failure it
	// covers the whole batch.
	Rejected []FailedUserOp
	// Reason explains a resubmit or potentially_already_included result.
	Reason string
}

type ReplaceStatus string

const (
	ReplaceReplaced                   ReplaceStatus = "replaced"
	ReplaceFailed                     ReplaceStatus = "failed"
	ReplacePotentiallyAlreadyIncluded ReplaceStatus = "potentially_already_included"
	// ReplaceSkipped leaves the pending transaction as is, the replacement
	// could not be sent this time.
	ReplaceSkipped ReplaceStatus = "skipped"
)

type ReplaceResult struct {
	Status ReplaceStatus
	// Record is the new record when Status is replaced.
	Record *TransactionRecord
	// Dropped are operations of the old record that did not make it into
	// the replacement.
	Dropped []FailedUserOp
	Reason  string
}

type BuilderConfig struct {
	EntryPoint common.Address
	ChainID    *big.Int
	// Beneficiary receives the bundle fees. Zero means the executor itself.
	Beneficiary common.Address
	GasPadding  uint64
}

// BundleBuilder drives simulate, filter and submit for a batch held by a
// reserved wallet. It never releases wallets itself, the caller decides from
// the result.
type BundleBuilder struct {
	client    ChainClient
	simulator Simulator
	config    BuilderConfig
	logger    logger.Logger
	now       func() time.Time
}

func NewBundleBuilder(config BuilderConfig, client ChainClient, simulator Simulator, log logger.Logger) *BundleBuilder {
	if config.GasPadding == 0 {
		config.GasPadding = defaultGasPadding
	}

	return &BundleBuilder{
		client:    client,
		simulator: simulator,
		config:    config,
		logger:    logger.Component(log, "bundle-builder"),
		now:       time.Now,
	}
}

func (b *BundleBuilder) beneficiary(wallet *walletpool.Wallet) common.Address {
	if b.config.Beneficiary != (common.Address{}) {
		return b.config.Beneficiary
	}
	return wallet.Address
}

// Bundle submits infos as one handleOps transaction signed by wallet.
func (b *BundleBuilder) Bundle(ctx context.Context, wallet *walletpool.Wallet, infos []*mempool.UserOpInfo) *BundleResult {
	log := b.logger.With("executor", wallet.Address.Hex())

	fees, err := eip1559.SuggestFee(ctx, b.client)
	if err != nil {
		log.Warn("cannot fetch network fees", "error", err)
		return &BundleResult{Status: BundleResubmit, Reason: reasonNetworkUnavailable}
	}

	nonce, err := b.client.PendingNonceAt(ctx, wallet.Address)
	if err != nil {
		log.Warn("cannot fetch executor nonce", "error", err)
		return &BundleResult{Status: BundleResubmit, Reason: reasonNetworkUnavailable}
	}

	sim, err := b.simulator.SimulateBatch(ctx, &SimulationRequest{
		Executor:    wallet.Address,
		Beneficiary: b.beneficiary(wallet),
		UserOps:     infos,
		Nonce:       nonce,
		Fees:        fees,
	})
	if err != nil {
		if errors.Is(err, ErrSimulationTransient) {
			log.Info("batch simulation deferred", "ops", len(infos), "error", err)
			return &BundleResult{Status: BundleResubmit, Reason: err.Error()}
		}
		return &BundleResult{Status: BundleFailure, Rejected: rejectAll(infos, reasonInternalFailure)}
	}

	if len(sim.Surviving) == 0 {
		if allNonceFailures(sim.Failed) {
			log.Info("every user op failed on nonce, batch potentially already included", "ops", len(infos))
			return &BundleResult{Status: BundlePotentiallyAlreadyIncluded, Reason: reasonPotentiallyIncluded}
		}
		return &BundleResult{Status: BundleFailure, Rejected: sim.Failed}
	}

	tx, err := b.send(ctx, wallet, nonce, sim)
	if err != nil {
		kind := ClassifySubmitError(err)
		log.Warn("bundle submission failed", "kind", kind, "nonce", nonce, "error", err)

		switch {
		case kind == SubmitNonceTooLow:
			return &BundleResult{Status: BundlePotentiallyAlreadyIncluded, Rejected: sim.Failed, Reason: reasonPotentiallyIncluded}
		case kind.Retryable():
			return &BundleResult{Status: BundleResubmit, Rejected: sim.Failed, Reason: string(kind)}
		default:
			sentry.CaptureException(fmt.Errorf("send bundle: %w", err))
			return &BundleResult{
				Status:   BundleFailure,
				Rejected: append(rejectAll(sim.Surviving, reasonInternalFailure), sim.Failed...),
			}
		}
	}

	now := b.now()
	record := &TransactionRecord{
		ID:              ulid.Make(),
		TransactionHash: tx.Hash(),
		Executor:        wallet,
		UserOps:         stampSubmitted(sim.Surviving, now),
		Nonce:           nonce,
		Fees:            sim.Fees,
		GasLimit:        tx.Gas(),
		Data:            tx.Data(),
		FirstSubmitted:  now,
		LastReplaced:    now,
	}

	log.Info("bundle submitted",
		"tx_hash", record.TransactionHash.Hex(),
		"nonce", nonce,
		"ops", len(record.UserOps),
		"dropped", len(sim.Failed),
		"max_fee_per_gas", eip1559.ToGwei(sim.Fees.MaxFeePerGas))

	return &BundleResult{Status: BundleSuccess, Record: record, Rejected: sim.Failed}
}

// Replace resubmits the operations of record at the same nonce with fees
// bumped against network.
func (b *BundleBuilder) Replace(ctx context.Context, record *TransactionRecord, network *eip1559.Fees) *ReplaceResult {
	log := b.logger.With("executor", record.Executor.Address.Hex(), "record", record.ID.String())
	fees := record.Fees.Bump(network)

	sim, err := b.simulator.SimulateBatch(ctx, &SimulationRequest{
		Executor:    record.Executor.Address,
		Beneficiary: b.beneficiary(record.Executor),
		UserOps:     record.UserOps,
		Nonce:       record.Nonce,
		Fees:        fees,
	})
	if err != nil {
		// the old transaction is still pending and may be mined, keep following it
		if errors.Is(err, ErrSimulationTransient) || ctx.Err() != nil {
			log.Info("replacement postponed", "error", err)
			return &ReplaceResult{Status: ReplaceSkipped, Reason: err.Error()}
		}
		log.Warn("replacement simulation failed", "error", err)
		return &ReplaceResult{Status: ReplaceFailed, Reason: reasonUnexpectedSimulationFail}
	}

	if len(sim.Surviving) == 0 {
		if allNonceFailures(sim.Failed) {
			return &ReplaceResult{Status: ReplacePotentiallyAlreadyIncluded, Reason: reasonPotentiallyIncluded}
		}
		return &ReplaceResult{Status: ReplaceFailed, Dropped: sim.Failed, Reason: reasonNoOperationSurvived}
	}

	tx, err := b.send(ctx, record.Executor, record.Nonce, sim)
	if err != nil {
		kind := ClassifySubmitError(err)
		log.Warn("replacement submission failed", "kind", kind, "nonce", record.Nonce, "error", err)

		switch {
		case kind == SubmitNonceTooLow:
			return &ReplaceResult{Status: ReplacePotentiallyAlreadyIncluded, Reason: reasonPotentiallyIncluded}
		case kind.Retryable():
			return &ReplaceResult{Status: ReplaceSkipped, Reason: string(kind)}
		default:
			return &ReplaceResult{Status: ReplaceFailed, Reason: reasonReplacementSendFailed}
		}
	}

	now := b.now()
	replaced := &TransactionRecord{
		ID:                        record.ID,
		TransactionHash:           tx.Hash(),
		PreviousTransactionHashes: record.Hashes(),
		Executor:                  record.Executor,
		UserOps:                   stampReplaced(sim.Surviving, now),
		Nonce:                     record.Nonce,
		Fees:                      sim.Fees,
		GasLimit:                  tx.Gas(),
		Data:                      tx.Data(),
		FirstSubmitted:            record.FirstSubmitted,
		LastReplaced:              now,
	}

	dropped := sim.Failed
	surviving := lo.SliceToMap(sim.Surviving, func(info *mempool.UserOpInfo) (common.Hash, bool) { return info.UserOpHash, true })
	for _, info := range record.UserOps {
		if surviving[info.UserOpHash] {
			continue
		}
		if lo.ContainsBy(dropped, func(f FailedUserOp) bool { return f.Info.UserOpHash == info.UserOpHash }) {
			continue
		}
		dropped = append(dropped, FailedUserOp{Info: info, Reason: reasonMissingInReplacement})
	}

	log.Info("bundle replaced",
		"old_tx_hash", record.TransactionHash.Hex(),
		"tx_hash", replaced.TransactionHash.Hex(),
		"max_fee_per_gas", eip1559.ToGwei(sim.Fees.MaxFeePerGas),
		"dropped", len(dropped))

	return &ReplaceResult{Status: ReplaceReplaced, Record: replaced, Dropped: dropped}
}

func (b *BundleBuilder) send(ctx context.Context, wallet *walletpool.Wallet, nonce uint64, sim *SimulationResult) (*types.Transaction, error) {
	data, err := aa.PackHandleOps(userOps(sim.Surviving), b.beneficiary(wallet))
	if err != nil {
		return nil, err
	}

	entryPoint := b.config.EntryPoint
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   b.config.ChainID,
		Nonce:     nonce,
		GasTipCap: sim.Fees.MaxPriorityFeePerGas,
		GasFeeCap: sim.Fees.MaxFeePerGas,
		Gas:       sim.GasLimit + b.config.GasPadding,
		To:        &entryPoint,
		Value:     big.NewInt(0),
		Data:      data,
	})

	signed, err := wallet.SignTx(ctx, tx)
	if err != nil {
		return nil, fmt.Errorf("sign bundle: %w", err)
	}

	if err := b.client.SendTransaction(ctx, signed); err != nil {
		return nil, err
	}
	return signed, nil
}

func allNonceFailures(failed []FailedUserOp) bool {
	return len(failed) > 0 && lo.EveryBy(failed, func(f FailedUserOp) bool { return isNonceFailure(f.Reason) })
}

func rejectAll(infos []*mempool.UserOpInfo, reason string) []FailedUserOp {
	return lo.Map(infos, func(info *mempool.UserOpInfo, _ int) FailedUserOp {
		return FailedUserOp{Info: info, Reason: reason}
	})
}

func stampSubmitted(infos []*mempool.UserOpInfo, now time.Time) []*mempool.UserOpInfo {
	return lo.Map(infos, func(info *mempool.UserOpInfo, _ int) *mempool.UserOpInfo {
		stamped := *info
		if stamped.FirstSubmitted.IsZero() {
			stamped.FirstSubmitted = now
		}
		stamped.LastReplaced = now
		return &stamped
	})
}

func stampReplaced(infos []*mempool.UserOpInfo, now time.Time) []*mempool.UserOpInfo {
	return lo.Map(infos, func(info *mempool.UserOpInfo, _ int) *mempool.UserOpInfo {
		stamped := *info
		stamped.LastReplaced = now
		return &stamped
	})
}
