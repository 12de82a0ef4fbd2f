package executor

import (
	"errors"
	"strings"
)

var (
	// ErrSimulationTransient means the batch could not be priced right now and
	// should go back to the mempool untouched.
	ErrSimulationTransient = errors.New("simulation failed with a transient error")
	// ErrSimulationUnattributable means a revert could not be pinned on a
	// single operation.
	ErrSimulationUnattributable = errors.New("simulation failed and no operation could be blamed")

	ErrNothingToBundle = errors.New("no user operation is ready to bundle")
)

const (
	reasonInternalFailure          = "INTERNAL FAILURE"
	reasonPotentiallyIncluded      = "potentially already included"
	reasonMissingInReplacement     = "missing in replacement"
	reasonMaxPotentiallyIncluded   = "dropped after repeated potentially included replacements"
	reasonNoOperationSurvived      = "no user operation survived simulation"
	reasonNetworkUnavailable       = "network unavailable"
	reasonReplacementSendFailed    = "replacement could not be sent"
	reasonUnexpectedSimulationFail = "unexpected simulation failure"
)

// SubmitErrorKind classifies an error returned by eth_sendRawTransaction.
type SubmitErrorKind string

const (
	SubmitInsufficientFunds      SubmitErrorKind = "insufficient_funds"
	SubmitReplacementUnderpriced SubmitErrorKind = "replacement_underpriced"
	SubmitNonceTooLow            SubmitErrorKind = "nonce_too_low"
	SubmitFeeCapTooLow           SubmitErrorKind = "fee_cap_too_low"
	SubmitIntrinsicGasTooLow     SubmitErrorKind = "intrinsic_gas_too_low"
	SubmitUnknown                SubmitErrorKind = "unknown"
)

// ClassifySubmitError maps node error messages onto a SubmitErrorKind. Nodes
// only return strings over JSON-RPC so matching is done on the message.
func ClassifySubmitError(err error) SubmitErrorKind {
	if err == nil {
		return ""
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "insufficient funds"):
		return SubmitInsufficientFunds
	case strings.Contains(msg, "replacement transaction underpriced"),
		strings.Contains(msg, "replacement underpriced"),
		strings.Contains(msg, "transaction underpriced"):
		return SubmitReplacementUnderpriced
	case strings.Contains(msg, "nonce too low"):
		return SubmitNonceTooLow
	case isFeeCapTooLow(msg):
		return SubmitFeeCapTooLow
	case strings.Contains(msg, "intrinsic gas too low"):
		return SubmitIntrinsicGasTooLow
	}
	return SubmitUnknown
}

// Retryable reports whether the operations should simply go back to the
// mempool for a later bundling pass.
func (k SubmitErrorKind) Retryable() bool {
	switch k {
	case SubmitInsufficientFunds, SubmitReplacementUnderpriced, SubmitFeeCapTooLow, SubmitIntrinsicGasTooLow:
		return true
	}
	return false
}

func isFeeCapTooLow(msg string) bool {
	msg = strings.ToLower(msg)
	return strings.Contains(msg, "fee cap less than block base fee") ||
		strings.Contains(msg, "max fee per gas less than block base fee") ||
		strings.Contains(msg, "fee cap too low")
}

// isNonceFailure reports whether a simulation revert means the operation
// nonce is already used or the account already deployed, which is what an
// equivalent bundle mined by someone else looks like.
func isNonceFailure(reason string) bool {
	return strings.Contains(reason, "AA25") || strings.Contains(reason, "AA10")
}
