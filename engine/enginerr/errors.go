// Package enginerr defines the typed error kinds the engine's components
// pass across their boundaries (spec.md §7). Components never communicate
// failure by string matching; callers use errors.As/errors.Is against
// these types.
package enginerr

import "fmt"

// ParseError signals a malformed address, decimal amount, or hex value.
// At the TokenTransfer level it marks the row Failed; at the Tx level it
// escalates to InternalError.
type ParseError struct {
	Field string
	Value string
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s %q: %v", e.Field, e.Value, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// RpcTransient marks a timeout, connection reset, or 5xx from the chain
// adapter. It never mutates a row; the caller retries at the next tick.
type RpcTransient struct {
	Op  string
	Err error
}

func (e *RpcTransient) Error() string { return fmt.Sprintf("transient rpc error during %s: %v", e.Op, e.Err) }
func (e *RpcTransient) Unwrap() error { return e.Err }

// TransactionFailedError wraps an eth_call revert or a recognized
// insufficient-funds substring. It becomes InternalError on the Tx.
type TransactionFailedError struct {
	Message           string
	InsufficientFunds bool
}

func (e *TransactionFailedError) Error() string { return e.Message }

// ReceiptMissing signals that the mined nonce moved past ours without our
// hash landing in a receipt within CHECKS_UNTIL_NOT_FOUND polls.
type ReceiptMissing struct{}

func (e *ReceiptMissing) Error() string { return "No receipt" }

// AllowanceRequest is a sentinel, not a failure: it tells the Batcher to
// abandon the current multi-send batch so the ServiceLoop can run the
// approve to completion and retry gather.
type AllowanceRequest struct {
	Owner   string
	Token   string
	Spender string
	ChainID uint64
}

func (e *AllowanceRequest) Error() string {
	return fmt.Sprintf("allowance request: owner=%s token=%s spender=%s chain=%d", e.Owner, e.Token, e.Spender, e.ChainID)
}

// PackedOverflow signals a per-receiver amount that does not fit in the
// packed word's 96-bit amount field (amount >= 2^96).
type PackedOverflow struct {
	Amount string
}

func (e *PackedOverflow) Error() string {
	return fmt.Sprintf("AmountTooLargeForPacked: %s does not fit in 96 bits", e.Amount)
}

// ConfigMissing signals a chain id with no configuration entry.
type ConfigMissing struct {
	ChainID uint64
}

func (e *ConfigMissing) Error() string { return fmt.Sprintf("no configuration for chain %d", e.ChainID) }
