// Package chain defines the opaque ChainClient capability (spec.md §1, "out
// of scope (external collaborators)") and a concrete, go-ethereum-backed
// default implementation plus the multi-provider-per-chain pool (spec.md
// §5, §9 "Random provider selection").
package chain

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// CallRequest is the minimal eth_call / estimateGas shape the engine needs.
type CallRequest struct {
	From     common.Address
	To       *common.Address
	Val      *big.Int
	Data     []byte
}

// SignRequest is what TxExecutor hands to the signing capability.
type SignRequest struct {
	ChainID      uint64
	From         common.Address
	To           *common.Address
	Nonce        uint64
	GasLimit     uint64
	MaxFeePerGas *big.Int
	PriorityFee  *big.Int
	Val          *big.Int
	Data         []byte
}

// Receipt is the subset of a transaction receipt the engine reconciles on.
type Receipt struct {
	Found       bool
	BlockNumber uint64
	Status      uint64 // 1 = success, 0 = failure, per go-ethereum/core/types.Receipt.Status
	GasUsed     uint64
	EffectiveGasPrice *big.Int
}

// ChainClient is the opaque RPC + signing capability per chain id. Spec.md
// §1 treats this as an external collaborator; TxExecutor is written only
// against this interface.
type ChainClient interface {
	ChainID() uint64

	// Call performs eth_call, returning the revert reason as an error when
	// the call would fail on-chain.
	Call(ctx context.Context, req CallRequest) ([]byte, error)

	// EstimateGas performs eth_estimateGas.
	EstimateGas(ctx context.Context, req CallRequest) (uint64, error)

	// LatestNonce returns the latest (mined) account nonce — "getTransactionCount"
	// at the latest block, used once per Tx when first assigning a nonce
	// and again every poll iteration to detect mined progress.
	LatestNonce(ctx context.Context, addr common.Address) (uint64, error)

	// PendingNonce returns the nonce the mempool would assign next,
	// "getTransactionCount" at the pending block — used to detect a
	// dropped broadcast.
	PendingNonce(ctx context.Context, addr common.Address) (uint64, error)

	// SignTransaction produces the signed raw transaction bytes and its
	// hash. Signing is itself an external collaborator (key storage is out
	// of scope); this method is the seam the engine calls through.
	SignTransaction(ctx context.Context, req SignRequest) (raw []byte, hash common.Hash, err error)

	// Broadcast submits a pre-signed raw transaction (sendRawTransaction).
	Broadcast(ctx context.Context, raw []byte) error

	// Receipt fetches a transaction's receipt; Receipt.Found is false if
	// it does not exist yet.
	Receipt(ctx context.Context, hash common.Hash) (Receipt, error)

	// BlockNumber returns the current chain head height.
	BlockNumber(ctx context.Context) (uint64, error)

	// BalanceAt returns the native-coin balance of addr.
	BalanceAt(ctx context.Context, addr common.Address) (*big.Int, error)
}

// ReceiptStatusFailed and ReceiptStatusSuccessful re-export go-ethereum's
// receipt status constants so
// callers outside this package don't need to import core/types directly.
const (
	ReceiptStatusFailed     = types.ReceiptStatusFailed
	ReceiptStatusSuccessful = types.ReceiptStatusSuccessful
)
