// Package executor implements the TxExecutor (spec.md §4.4): it drives one
// persisted Tx row through estimate -> sign -> broadcast -> confirm, with
// resend-on-dropped-mempool and receipt polling.
package executor

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	gethlog "github.com/ethereum/go-ethereum/log"

	"github.com/scx1332/erc20payment-go/chain"
	"github.com/scx1332/erc20payment-go/engine/enginerr"
	"github.com/scx1332/erc20payment-go/store"
)

var logger = gethlog.New("module", "executor")

// checksUntilNotFound is CHECKS_UNTIL_NOT_FOUND from spec.md §4.4: the
// number of consecutive missing-receipt polls, after the mined nonce has
// passed ours, before giving up on ever finding it.
const checksUntilNotFound = 5

// Outcome is what one Run call resolved to.
type Outcome int

const (
	Confirmed Outcome = iota
	NeedRetry
	InternalError
	Unknown
)

func (o Outcome) String() string {
	switch o {
	case Confirmed:
		return "Confirmed"
	case NeedRetry:
		return "NeedRetry"
	case InternalError:
		return "InternalError"
	default:
		return "Unknown"
	}
}

// Result is the outcome plus a human-readable reason for NeedRetry/InternalError.
type Result struct {
	Outcome Outcome
	Reason  string
}

// Policy is the per-chain executor configuration.
type Policy struct {
	ProcessSleep        time.Duration
	TransactionTimeout  time.Duration
	ConfirmationBlocks  uint64
	GasLeftWarningLimit uint64
}

// PolicyLookup resolves a chain's executor policy.
type PolicyLookup func(chainID uint64) (Policy, error)

// Sleeper abstracts the poll-loop delay so tests run instantly.
type Sleeper func(ctx context.Context, d time.Duration)

// defaultSleep waits one poll interval. A fixed-interval backoff.BackOff
// (rather than a bare time.Sleep) keeps the loop's wait subject to
// backoff.WithContext cancellation, the same shape used for a
// retry-with-policy wait elsewhere in the reference clients.
func defaultSleep(ctx context.Context, d time.Duration) {
	b := backoff.WithContext(backoff.NewConstantBackOff(d), ctx)
	wait := b.NextBackOff()
	if wait == backoff.Stop {
		return
	}
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// Clock abstracts time.Now for deterministic tests.
type Clock func() time.Time

// ShouldContinue reports whether the executor should keep running; it
// returns false once the ServiceLoop is shutting down or
// wait_for_confirmation=false, at which point Run returns Unknown at the
// next poll iteration without further mutating the row.
type ShouldContinue func() bool

// Executor drives a single Tx row to a terminal (or Unknown) outcome.
type Executor struct {
	store   store.Store
	chains  *chain.Registry
	policy  PolicyLookup
	now     Clock
	sleep   Sleeper
	keepGoing ShouldContinue
}

func New(s store.Store, chains *chain.Registry, policy PolicyLookup) *Executor {
	return &Executor{
		store:     s,
		chains:    chains,
		policy:    policy,
		now:       time.Now,
		sleep:     defaultSleep,
		keepGoing: func() bool { return true },
	}
}

// Run drives tx through every state it has not yet reached, blocking
// through the poll loop until a terminal outcome or cancellation (Unknown)
// is reached. An elapsed transaction_timeout is logged and polling
// continues.
func (e *Executor) Run(ctx context.Context, tx *store.Tx) (Result, error) {
	policy, err := e.policy(tx.ChainID)
	if err != nil {
		return Result{Outcome: InternalError, Reason: err.Error()}, nil
	}
	client, err := e.chains.Client(tx.ChainID)
	if err != nil {
		return Result{Outcome: InternalError, Reason: err.Error()}, nil
	}

	if tx.FirstProcessed == nil {
		now := e.now()
		tx.FirstProcessed = &now
		if err := e.store.SaveTx(ctx, tx); err != nil {
			return Result{}, fmt.Errorf("persist first_processed: %w", err)
		}
	}

	if now := e.now(); now.Before(tx.FirstProcessed.Add(-10 * time.Second)) {
		return Result{Outcome: NeedRetry, Reason: "Time changed"}, nil
	}

	if tx.Nonce == nil {
		from := addrFromHex(tx.FromAddr)
		nonce, err := client.LatestNonce(ctx, from)
		if err != nil {
			return Result{}, classifyRPCErr("latest_nonce", err)
		}
		tx.Nonce = &nonce
		if err := e.store.SaveTx(ctx, tx); err != nil {
			return Result{}, fmt.Errorf("persist nonce: %w", err)
		}
	}

	if len(tx.SignedRawData) == 0 {
		res, err := e.signAndPersist(ctx, client, tx, policy)
		if err != nil {
			return Result{}, err
		}
		if res != nil {
			return *res, nil
		}
	}

	if tx.BroadcastDate == nil {
		if err := client.Broadcast(ctx, tx.SignedRawData); err != nil {
			return Result{}, classifyRPCErr("broadcast", err)
		}
		now := e.now()
		tx.BroadcastDate = &now
		tx.BroadcastCount++
		if err := e.store.SaveTx(ctx, tx); err != nil {
			return Result{}, fmt.Errorf("persist broadcast: %w", err)
		}
	}

	if tx.ConfirmDate != nil {
		return Result{Outcome: Confirmed}, nil
	}

	return e.pollLoop(ctx, client, tx, policy)
}

func (e *Executor) signAndPersist(ctx context.Context, client chain.ChainClient, tx *store.Tx, policy Policy) (*Result, error) {
	from := addrFromHex(tx.FromAddr)
	to := addrFromHex(tx.ToAddr)

	val, err := tx.Val.Int()
	if err != nil {
		return &Result{Outcome: InternalError, Reason: err.Error()}, nil
	}

	if maxFee, ferr := tx.MaxFeePerGas.Int(); ferr == nil {
		balance, berr := client.BalanceAt(ctx, from)
		if berr == nil {
			warnLimit := new(big.Int).Mul(maxFee.ToBig(), new(big.Int).SetUint64(policy.GasLeftWarningLimit))
			if balance.Cmp(warnLimit) < 0 {
				logger.Warn("low balance relative to gas_left_warning_limit", "tx_id", tx.ID, "from", tx.FromAddr, "chain", tx.ChainID)
			}
		}
	}

	callReq := chain.CallRequest{From: from, To: &to, Val: val.ToBig(), Data: tx.CallData}
	if _, err := client.Call(ctx, callReq); err != nil {
		if tf, ok := err.(*enginerr.TransactionFailedError); ok {
			return &Result{Outcome: InternalError, Reason: tf.Message}, nil
		}
		return nil, classifyRPCErr("eth_call", err)
	}

	gasEstimate, err := client.EstimateGas(ctx, callReq)
	if err != nil {
		return nil, classifyRPCErr("estimate_gas", err)
	}
	gasLimit := gasEstimate + 20000
	tx.GasLimit = &gasLimit

	maxFee, err := tx.MaxFeePerGas.Int()
	if err != nil {
		return &Result{Outcome: InternalError, Reason: err.Error()}, nil
	}
	prio, err := tx.PriorityFee.Int()
	if err != nil {
		return &Result{Outcome: InternalError, Reason: err.Error()}, nil
	}

	signReq := chain.SignRequest{
		ChainID: tx.ChainID, From: from, To: &to, Nonce: *tx.Nonce,
		GasLimit: gasLimit, MaxFeePerGas: maxFee.ToBig(), PriorityFee: prio.ToBig(),
		Val: val.ToBig(), Data: tx.CallData,
	}
	raw, hash, err := client.SignTransaction(ctx, signReq)
	if err != nil {
		return nil, classifyRPCErr("sign", err)
	}
	now := e.now()
	tx.SignedRawData = raw
	tx.TxHash = hash.Hex()
	tx.SignedDate = &now
	if err := e.store.SaveTx(ctx, tx); err != nil {
		return nil, fmt.Errorf("persist signed tx: %w", err)
	}
	return nil, nil
}

func (e *Executor) pollLoop(ctx context.Context, client chain.ChainClient, tx *store.Tx, policy Policy) (Result, error) {
	missing := 0
	deadline := tx.FirstProcessed.Add(policy.TransactionTimeout)

	for {
		if !e.keepGoing() {
			return Result{Outcome: Unknown}, nil
		}
		if ctx.Err() != nil {
			return Result{Outcome: Unknown}, nil
		}
		if policy.TransactionTimeout > 0 && e.now().After(deadline) {
			logger.Warn("transaction_timeout elapsed, continuing to poll", "tx_id", tx.ID)
		}

		latestNonce, err := client.LatestNonce(ctx, addrFromHex(tx.FromAddr))
		if err != nil {
			return Result{}, classifyRPCErr("latest_nonce", err)
		}
		blockNumber, err := client.BlockNumber(ctx)
		if err != nil {
			return Result{}, classifyRPCErr("block_number", err)
		}

		if latestNonce > *tx.Nonce {
			hash := hashFromHex(tx.TxHash)
			receipt, err := client.Receipt(ctx, hash)
			if err != nil {
				return Result{}, classifyRPCErr("receipt", err)
			}
			if receipt.Found {
				missing = 0
				blockNum := receipt.BlockNumber
				status := receipt.Status
				tx.BlockNumber = &blockNum
				tx.ChainStatus = &status
				feePaid := feePaidFromReceipt(receipt)
				tx.FeePaid = feePaid
				if err := e.store.SaveTx(ctx, tx); err != nil {
					return Result{}, fmt.Errorf("persist receipt: %w", err)
				}
				if blockNum+policy.ConfirmationBlocks <= blockNumber {
					now := e.now()
					tx.ConfirmDate = &now
					if err := e.store.SaveTx(ctx, tx); err != nil {
						return Result{}, fmt.Errorf("persist confirm: %w", err)
					}
					return Result{Outcome: Confirmed}, nil
				}
			} else {
				missing++
				if missing >= checksUntilNotFound {
					return Result{Outcome: NeedRetry, Reason: "No receipt"}, nil
				}
			}
		} else {
			pendingNonce, err := client.PendingNonce(ctx, addrFromHex(tx.FromAddr))
			if err != nil {
				return Result{}, classifyRPCErr("pending_nonce", err)
			}
			if pendingNonce <= *tx.Nonce {
				if err := client.Broadcast(ctx, tx.SignedRawData); err != nil {
					return Result{}, classifyRPCErr("resend", err)
				}
				tx.BroadcastCount++
				if err := e.store.SaveTx(ctx, tx); err != nil {
					return Result{}, fmt.Errorf("persist resend: %w", err)
				}
			}
		}

		e.sleep(ctx, policy.ProcessSleep)
	}
}

func addrFromHex(s string) common.Address { return common.HexToAddress(s) }

func hashFromHex(s string) common.Hash { return common.HexToHash(s) }

// feePaidFromReceipt computes gas_used * effective_gas_price as a Decimal,
// the spec.md §4.4 fee formula for a landed receipt.
func feePaidFromReceipt(r chain.Receipt) store.Decimal {
	if r.EffectiveGasPrice == nil {
		return store.ZeroDecimal
	}
	fee := new(big.Int).Mul(new(big.Int).SetUint64(r.GasUsed), r.EffectiveGasPrice)
	return store.Decimal(fee.String())
}

func classifyRPCErr(op string, err error) error {
	if _, ok := err.(*enginerr.RpcTransient); ok {
		return err
	}
	if _, ok := err.(*enginerr.TransactionFailedError); ok {
		return err
	}
	return &enginerr.RpcTransient{Op: op, Err: err}
}
