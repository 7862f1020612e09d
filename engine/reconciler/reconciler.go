// Package reconciler implements the Reconciler (spec.md §4.5): after
// TxExecutor returns an outcome for a Tx, it propagates that outcome back
// onto the originating TokenTransfer/Allowance rows in one store
// transaction-backed call.
package reconciler

import (
	"context"
	"fmt"

	gethlog "github.com/ethereum/go-ethereum/log"
	"github.com/holiman/uint256"

	"github.com/scx1332/erc20payment-go/engine/executor"
	"github.com/scx1332/erc20payment-go/store"
)

var logger = gethlog.New("module", "reconciler")

// Reconciler applies one executor.Result to the Tx it was produced for.
type Reconciler struct {
	store store.Store
}

func New(s store.Store) *Reconciler {
	return &Reconciler{store: s}
}

// Apply maps outcome back to tx's linked rows, per spec.md §4.5's four cases.
// It returns the number of TokenTransfer rows the outcome was applied to
// (zero for an approve tx, which has no TokenTransfer children), so callers
// can feed the transfers_done/transfers_failed metrics with the real count.
func (r *Reconciler) Apply(ctx context.Context, tx *store.Tx, result executor.Result) (int, error) {
	switch result.Outcome {
	case executor.Confirmed:
		return r.applyConfirmed(ctx, tx)
	case executor.NeedRetry, executor.InternalError:
		return r.applyFailed(ctx, tx, result.Reason)
	case executor.Unknown:
		logger.Info("tx left in flight (Unknown outcome)", "tx_id", tx.ID)
		return 0, nil
	default:
		return 0, fmt.Errorf("reconciler: unrecognized outcome %v", result.Outcome)
	}
}

func (r *Reconciler) applyConfirmed(ctx context.Context, tx *store.Tx) (int, error) {
	if tx.Method == store.MethodERC20Approve {
		allowance, err := r.store.AllowanceByTxID(ctx, tx.ID)
		if err != nil {
			return 0, fmt.Errorf("load linked allowance: %w", err)
		}
		if allowance == nil {
			return 0, fmt.Errorf("reconciler: confirmed approve tx %d has no linked allowance row", tx.ID)
		}
		if err := r.store.ReconcileConfirmedApprove(ctx, tx, allowance.ID); err != nil {
			return 0, fmt.Errorf("reconcile confirmed approve: %w", err)
		}
		logger.Info("approve confirmed", "tx_id", tx.ID, "allowance_id", allowance.ID, "fee_paid", tx.FeePaid)
		return 0, nil
	}

	if !tx.IsTransferMethod() {
		return 0, fmt.Errorf("reconciler: confirmed tx %d has unrecognized method %q", tx.ID, tx.Method)
	}

	transfers, err := r.store.TransfersByTxID(ctx, tx.ID)
	if err != nil {
		return 0, fmt.Errorf("load linked transfers: %w", err)
	}
	if len(transfers) == 0 {
		return 0, fmt.Errorf("reconciler: confirmed transfer tx %d has no linked transfers", tx.ID)
	}

	feePerChild, err := splitFee(tx.FeePaid, len(transfers))
	if err != nil {
		return 0, fmt.Errorf("split fee: %w", err)
	}
	ids := make([]uint64, len(transfers))
	for i, t := range transfers {
		ids[i] = t.ID
	}
	if err := r.store.ReconcileConfirmedTransfer(ctx, tx, feePerChild, ids); err != nil {
		return 0, fmt.Errorf("reconcile confirmed transfer: %w", err)
	}
	logger.Info("transfer tx confirmed", "tx_id", tx.ID, "children", len(ids), "fee_paid", tx.FeePaid)
	return len(ids), nil
}

func (r *Reconciler) applyFailed(ctx context.Context, tx *store.Tx, reason string) (int, error) {
	var transferIDs []uint64
	var allowanceID *uint64

	if tx.Method == store.MethodERC20Approve {
		allowance, err := r.store.AllowanceByTxID(ctx, tx.ID)
		if err != nil {
			return 0, fmt.Errorf("load linked allowance: %w", err)
		}
		if allowance != nil {
			allowanceID = &allowance.ID
		}
	} else {
		transfers, err := r.store.TransfersByTxID(ctx, tx.ID)
		if err != nil {
			return 0, fmt.Errorf("load linked transfers: %w", err)
		}
		transferIDs = make([]uint64, len(transfers))
		for i, t := range transfers {
			transferIDs[i] = t.ID
		}
	}

	if err := r.store.ReconcileFailed(ctx, tx, reason, transferIDs, allowanceID); err != nil {
		return 0, fmt.Errorf("reconcile failed tx: %w", err)
	}
	logger.Warn("tx failed", "tx_id", tx.ID, "reason", reason)
	return len(transferIDs), nil
}

// splitFee implements spec.md §4.5/§9's "even split by integer division;
// remainder is silently lost" fee attribution policy.
func splitFee(feePaid store.Decimal, children int) (store.Decimal, error) {
	total, err := feePaid.Int()
	if err != nil {
		return store.ZeroDecimal, err
	}
	per := new(uint256.Int).Div(total, uint256.NewInt(uint64(children)))
	return store.FromInt(per), nil
}
