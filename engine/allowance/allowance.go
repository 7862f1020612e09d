// Package allowance implements the AllowanceManager (spec.md §4.2): it
// ensures an ERC20 owner has granted a spender (the multi-send contract) an
// effectively-infinite allowance before the Batcher is permitted to build a
// multi-send Tx.
package allowance

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	gethlog "github.com/ethereum/go-ethereum/log"
	"github.com/holiman/uint256"

	"github.com/scx1332/erc20payment-go/abiencode"
	"github.com/scx1332/erc20payment-go/chain"
	"github.com/scx1332/erc20payment-go/engine/enginerr"
	"github.com/scx1332/erc20payment-go/engine/txbuilder"
	"github.com/scx1332/erc20payment-go/store"
)

var logger = gethlog.New("module", "allowance")

// MinAllowance is the policy threshold: "effectively infinite" is anything
// at or above 2^255.
var MinAllowance = new(uint256.Int).Lsh(uint256.NewInt(1), 255)

// Status is the AllowanceManager's result.
type Status int

const (
	// Met means the spender already has a sufficient allowance; the
	// caller (Batcher) may proceed to build a multi-send Tx.
	Met Status = iota
	// PendingApprove means an approve Tx was just inserted and the caller
	// must abandon its current batch and let that approve run first.
	PendingApprove
)

// Clock abstracts time.Now so Ensure stays deterministic under test.
type Clock func() time.Time

// Manager implements the ensure(owner, token, spender, chain) contract.
type Manager struct {
	store    store.Store
	chains   *chain.Registry
	now      Clock
	maxFee   func(chainID uint64) *uint256.Int
	prioFee  func(chainID uint64) *uint256.Int
}

// NewManager builds an AllowanceManager. maxFee/prioFee read the per-chain
// EIP-1559 fee config the approve Tx is built with (spec.md Non-goals: no
// fee-market speculation — these are config-sourced, not estimated).
func NewManager(s store.Store, chains *chain.Registry, maxFee, prioFee func(chainID uint64) *uint256.Int) *Manager {
	return &Manager{store: s, chains: chains, now: time.Now, maxFee: maxFee, prioFee: prioFee}
}

// Ensure runs the four-step algorithm from spec.md §4.2. On PendingApprove,
// txID is the id of the just-inserted approve Tx.
func (m *Manager) Ensure(ctx context.Context, owner, token, spender common.Address, chainID uint64) (Status, uint64, error) {
	ownerHex, tokenHex, spenderHex := owner.Hex(), token.Hex(), spender.Hex()

	local, err := m.store.GetAllowance(ctx, ownerHex, tokenHex, spenderHex, chainID)
	if err != nil {
		return 0, 0, fmt.Errorf("load local allowance: %w", err)
	}
	if local != nil && local.ConfirmDate != nil {
		if localAmt, err := local.Allowance.Int(); err == nil && localAmt.Cmp(MinAllowance) >= 0 {
			return Met, 0, nil
		}
	}

	client, err := m.chains.Client(chainID)
	if err != nil {
		return 0, 0, err
	}

	callData, err := abiencode.Erc20Allowance(owner, spender)
	if err != nil {
		return 0, 0, &enginerr.ParseError{Field: "allowance_calldata", Value: spenderHex, Err: err}
	}
	result, err := client.Call(ctx, chain.CallRequest{From: owner, To: &token, Data: callData})
	if err != nil {
		return 0, 0, err
	}
	liveAmountBig, err := abiencode.DecodeErc20Allowance(result)
	if err != nil {
		return 0, 0, &enginerr.ParseError{Field: "allowance_result", Value: tokenHex, Err: err}
	}
	liveAmount, overflow := uint256.FromBig(liveAmountBig)
	if overflow {
		liveAmount = new(uint256.Int).Not(uint256.NewInt(0)) // saturate to max
	}

	if liveAmount.Cmp(MinAllowance) >= 0 {
		if local == nil {
			// No Tx backs this confirmation — it was already sufficient
			// on-chain, so the row is created directly in the confirmed
			// state with no linked approve Tx.
			local = &store.Allowance{Owner: ownerHex, TokenAddr: tokenHex, Spender: spenderHex, ChainID: chainID}
		}
		now := m.now()
		local.Allowance = store.FromInt(liveAmount)
		local.ConfirmDate = &now
		if err := m.store.SaveAllowance(ctx, local); err != nil {
			return 0, 0, fmt.Errorf("upsert confirmed allowance: %w", err)
		}
		return Met, 0, nil
	}

	approveTx, err := txbuilder.BuildErc20Approve(m.now(), owner, token, spender, chainID, m.maxFee(chainID), m.prioFee(chainID))
	if err != nil {
		return 0, 0, err
	}
	newAllowance := &store.Allowance{
		Owner:     ownerHex,
		TokenAddr: tokenHex,
		Spender:   spenderHex,
		ChainID:   chainID,
		Allowance: store.FromInt(txbuilder.MaxUint256),
	}
	if err := m.store.InsertApproveTxWithAllowance(ctx, approveTx, newAllowance); err != nil {
		return 0, 0, fmt.Errorf("insert approve tx: %w", err)
	}
	logger.Info("queued approve transaction", "owner", ownerHex, "token", tokenHex, "spender", spenderHex, "chain", chainID, "tx_id", approveTx.ID)

	return PendingApprove, approveTx.ID, &enginerr.AllowanceRequest{Owner: ownerHex, Token: tokenHex, Spender: spenderHex, ChainID: chainID}
}
