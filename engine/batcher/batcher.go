// Package batcher implements the Batcher (spec.md §4.3): it converts
// queued TokenTransfer rows into the minimum number of parent Tx rows per
// tick, grouping by (from, receiver, chain, token) and using the
// multi-send contract when one is configured, the token is an ERC20, and
// the allowance is met.
package batcher

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	gethlog "github.com/ethereum/go-ethereum/log"
	"github.com/holiman/uint256"

	"github.com/scx1332/erc20payment-go/engine/allowance"
	"github.com/scx1332/erc20payment-go/engine/enginerr"
	"github.com/scx1332/erc20payment-go/engine/txbuilder"
	"github.com/scx1332/erc20payment-go/metrics"
	"github.com/scx1332/erc20payment-go/store"
)

var logger = gethlog.New("module", "batcher")

// ChainPolicy is the per-chain batching configuration the Batcher reads.
// MultiContract is nil when the chain has no multi-send contract
// configured — in that case every ERC20 group becomes one direct
// ERC20.transfer, exactly like the native-coin path, and no allowance is
// ever requested for that chain (there is no spender to approve).
//
// Decided as an Open Question resolution (see DESIGN.md): spec.md §4.3
// condition (ii) gates multi-send use on "a multi-send contract is
// configured for the chain"; when it is not, staging into a MultiKey and
// calling AllowanceManager would have no destination contract to approve
// for, so this repository skips both entirely rather than asking for an
// allowance nothing will ever spend.
type ChainPolicy struct {
	MaxFeePerGas  *uint256.Int
	PriorityFee   *uint256.Int
	MultiContract *common.Address
	MaxAtOnce     int
}

// PolicyLookup resolves a chain's batching policy.
type PolicyLookup func(chainID uint64) (ChainPolicy, error)

// Clock abstracts time.Now for deterministic tests.
type Clock func() time.Time

type groupKey struct {
	From, Receiver, Token string
	ChainID                uint64
}

type multiKey struct {
	From, Token string
	ChainID     uint64
}

type multiEntry struct {
	Receiver    common.Address
	Amount      *uint256.Int
	TransferIDs []uint64
	MinID       uint64
}

// Batcher is the component that runs one gather-tick's worth of batching.
type Batcher struct {
	store     store.Store
	allowance *allowance.Manager
	policy    PolicyLookup
	now       Clock
	metrics   *metrics.Registry
}

func New(s store.Store, am *allowance.Manager, policy PolicyLookup, m *metrics.Registry) *Batcher {
	return &Batcher{store: s, allowance: am, policy: policy, now: time.Now, metrics: m}
}

// failTransfers fails ids with reason and, if a metrics registry is wired
// in, counts them against transfers_failed — the batcher never reaches
// Reconciler for transfers it rejects before a Tx row exists.
func (b *Batcher) failTransfers(ctx context.Context, ids []uint64, reason string) error {
	if err := b.store.FailTransfers(ctx, ids, reason); err != nil {
		return err
	}
	if b.metrics != nil {
		b.metrics.IncTransfersFailed(len(ids))
	}
	return nil
}

// RunTick executes one gather tick. It returns the count of Tx rows
// inserted. If an AllowanceManager call for some MultiKey returns an
// AllowanceRequest, the tick stops there (rows already inserted for
// earlier groups/MultiKeys in this tick stay committed) and the signal is
// returned so ServiceLoop can process the just-queued approve before the
// next gather tick retries the remaining groups (still Queued).
func (b *Batcher) RunTick(ctx context.Context) (int, error) {
	transfers, err := b.store.LoadQueuedTransfers(ctx)
	if err != nil {
		return 0, fmt.Errorf("load queued transfers: %w", err)
	}

	valid := make([]store.TokenTransfer, 0, len(transfers))
	for _, t := range transfers {
		if reason, ok := validateAddresses(t); !ok {
			if err := b.failTransfers(ctx, []uint64{t.ID}, reason); err != nil {
				return 0, fmt.Errorf("fail invalid transfer %d: %w", t.ID, err)
			}
			continue
		}
		valid = append(valid, t)
	}

	groups := make(map[groupKey][]store.TokenTransfer)
	for _, t := range valid {
		k := groupKey{From: t.FromAddr, Receiver: t.ReceiverAddr, Token: t.TokenAddr, ChainID: t.ChainID}
		groups[k] = append(groups[k], t)
	}

	orderedKeys := make([]groupKey, 0, len(groups))
	for k := range groups {
		orderedKeys = append(orderedKeys, k)
	}
	sort.Slice(orderedKeys, func(i, j int) bool {
		return minID(groups[orderedKeys[i]]) < minID(groups[orderedKeys[j]])
	})

	inserted := 0
	multiStaging := make(map[multiKey][]multiEntry)

	for _, k := range orderedKeys {
		group := groups[k]
		if k.Token == "" {
			n, err := b.buildNativeOrDirectErc20(ctx, k, group, "")
			if err != nil {
				return inserted, err
			}
			inserted += n
			continue
		}

		policy, err := b.policy(k.ChainID)
		if err != nil {
			if err := b.failTransfers(ctx, ids(group), err.Error()); err != nil {
				return inserted, fmt.Errorf("fail group on config error: %w", err)
			}
			continue
		}

		if policy.MultiContract == nil {
			n, err := b.buildNativeOrDirectErc20(ctx, k, group, k.Token)
			if err != nil {
				return inserted, err
			}
			inserted += n
			continue
		}

		amount, failed := sumAmounts(group)
		if failed != "" {
			if err := b.failTransfers(ctx, ids(group), failed); err != nil {
				return inserted, fmt.Errorf("fail unparseable group: %w", err)
			}
			continue
		}
		receiver := common.HexToAddress(k.Receiver)
		mk := multiKey{From: k.From, Token: k.Token, ChainID: k.ChainID}
		multiStaging[mk] = append(multiStaging[mk], multiEntry{
			Receiver: receiver, Amount: amount, TransferIDs: ids(group), MinID: minID(group),
		})
	}

	orderedMultiKeys := make([]multiKey, 0, len(multiStaging))
	for mk := range multiStaging {
		orderedMultiKeys = append(orderedMultiKeys, mk)
	}
	sort.Slice(orderedMultiKeys, func(i, j int) bool {
		return minEntryID(multiStaging[orderedMultiKeys[i]]) < minEntryID(multiStaging[orderedMultiKeys[j]])
	})

	for _, mk := range orderedMultiKeys {
		entries := multiStaging[mk]
		sort.Slice(entries, func(i, j int) bool { return entries[i].MinID < entries[j].MinID })

		policy, err := b.policy(mk.ChainID)
		if err != nil {
			return inserted, err // already validated above; defensive only
		}

		owner := common.HexToAddress(mk.From)
		token := common.HexToAddress(mk.Token)
		status, _, err := b.allowance.Ensure(ctx, owner, token, *policy.MultiContract, mk.ChainID)
		if err != nil {
			if status == allowance.PendingApprove {
				logger.Info("abandoning batch pending approve", "owner", mk.From, "token", mk.Token, "chain", mk.ChainID)
				return inserted, err
			}
			var transient *enginerr.RpcTransient
			if errors.As(err, &transient) {
				logger.Warn("allowance check failed transiently, transfers stay queued", "owner", mk.From, "token", mk.Token, "chain", mk.ChainID, "err", err)
				continue
			}
			allIDs := flattenIDs(entries)
			if err := b.failTransfers(ctx, allIDs, err.Error()); err != nil {
				return inserted, fmt.Errorf("fail multikey on allowance error: %w", err)
			}
			continue
		}

		maxAtOnce := policy.MaxAtOnce
		if maxAtOnce <= 0 {
			maxAtOnce = 1
		}
		for start := 0; start < len(entries); start += maxAtOnce {
			end := start + maxAtOnce
			if end > len(entries) {
				end = len(entries)
			}
			chunk := entries[start:end]
			n, err := b.insertMultiChunk(ctx, owner, token, *policy.MultiContract, mk.ChainID, chunk, policy)
			if err != nil {
				return inserted, err
			}
			inserted += n
		}
	}

	return inserted, nil
}

// insertMultiChunk emits either a single direct ERC20.transfer (chunk size
// 1, cheaper in gas) or a multi-send Tx against contract (chunk size >= 2).
func (b *Batcher) insertMultiChunk(ctx context.Context, owner, token, contract common.Address, chainID uint64, chunk []multiEntry, policy ChainPolicy) (int, error) {
	if len(chunk) == 1 {
		e := chunk[0]
		tx, err := txbuilder.BuildErc20Transfer(b.now(), owner, token, e.Receiver, chainID, e.Amount, policy.MaxFeePerGas, policy.PriorityFee)
		if err != nil {
			return 0, fmt.Errorf("build direct erc20 transfer: %w", err)
		}
		if err := b.store.InsertTxLinkingTransfers(ctx, tx, e.TransferIDs); err != nil {
			return 0, fmt.Errorf("insert tx: %w", err)
		}
		return 1, nil
	}

	receivers := make([]common.Address, len(chunk))
	amounts := make([]*uint256.Int, len(chunk))
	var allIDs []uint64
	for i, e := range chunk {
		receivers[i] = e.Receiver
		amounts[i] = e.Amount
		allIDs = append(allIDs, e.TransferIDs...)
	}
	tx, err := txbuilder.BuildMultiSend(b.now(), owner, contract, chainID, receivers, amounts, policy.MaxFeePerGas, policy.PriorityFee, true)
	if err != nil {
		if _, ok := err.(*enginerr.PackedOverflow); ok {
			if ferr := b.failTransfers(ctx, allIDs, err.Error()); ferr != nil {
				return 0, fmt.Errorf("fail overflowing chunk: %w", ferr)
			}
			return 0, nil
		}
		return 0, fmt.Errorf("build multi-send: %w", err)
	}
	if err := b.store.InsertTxLinkingTransfers(ctx, tx, allIDs); err != nil {
		return 0, fmt.Errorf("insert multi-send tx: %w", err)
	}
	return 1, nil
}

// buildNativeOrDirectErc20 handles both the native-coin group path and the
// "no multi-send configured" ERC20 fallback: sum the group's amounts and
// build one Tx to the group's single receiver.
func (b *Batcher) buildNativeOrDirectErc20(ctx context.Context, k groupKey, group []store.TokenTransfer, token string) (int, error) {
	amount, failed := sumAmounts(group)
	if failed != "" {
		if err := b.failTransfers(ctx, ids(group), failed); err != nil {
			return 0, fmt.Errorf("fail unparseable group: %w", err)
		}
		return 0, nil
	}

	policy, err := b.policy(k.ChainID)
	if err != nil {
		if token == "" {
			// native transfers still need fee config even with no chain
			// policy entry at all; treat as a config error for the group.
			if ferr := b.failTransfers(ctx, ids(group), err.Error()); ferr != nil {
				return 0, fmt.Errorf("fail group on config error: %w", ferr)
			}
			return 0, nil
		}
		return 0, err
	}

	from := common.HexToAddress(k.From)
	receiver := common.HexToAddress(k.Receiver)

	var tx *store.Tx
	if token == "" {
		tx = txbuilder.BuildNativeTransfer(b.now(), from, receiver, k.ChainID, amount, policy.MaxFeePerGas, policy.PriorityFee)
	} else {
		tokenAddr := common.HexToAddress(token)
		tx, err = txbuilder.BuildErc20Transfer(b.now(), from, tokenAddr, receiver, k.ChainID, amount, policy.MaxFeePerGas, policy.PriorityFee)
		if err != nil {
			return 0, fmt.Errorf("build direct erc20 transfer: %w", err)
		}
	}
	if err := b.store.InsertTxLinkingTransfers(ctx, tx, ids(group)); err != nil {
		return 0, fmt.Errorf("insert tx: %w", err)
	}
	return 1, nil
}

func validateAddresses(t store.TokenTransfer) (string, bool) {
	from, err := parseNonZeroAddress(t.FromAddr)
	if err != nil {
		return "from_addr is malformed", false
	}
	if from == (common.Address{}) {
		return "from_addr is zero", false
	}
	receiver, err := parseNonZeroAddress(t.ReceiverAddr)
	if err != nil {
		return "receiver_addr is malformed", false
	}
	if receiver == (common.Address{}) {
		return "receiver_addr is zero", false
	}
	return "", true
}

func parseNonZeroAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("malformed address %q", s)
	}
	return common.HexToAddress(s), nil
}

func sumAmounts(group []store.TokenTransfer) (*uint256.Int, string) {
	sum := uint256.NewInt(0)
	for _, t := range group {
		v, err := t.TokenAmount.Int()
		if err != nil {
			return nil, fmt.Sprintf("unparseable token_amount: %v", err)
		}
		sum = new(uint256.Int).Add(sum, v)
	}
	return sum, ""
}

func ids(group []store.TokenTransfer) []uint64 {
	out := make([]uint64, len(group))
	for i, t := range group {
		out[i] = t.ID
	}
	return out
}

func minID(group []store.TokenTransfer) uint64 {
	min := group[0].ID
	for _, t := range group {
		if t.ID < min {
			min = t.ID
		}
	}
	return min
}

func minEntryID(entries []multiEntry) uint64 {
	min := entries[0].MinID
	for _, e := range entries {
		if e.MinID < min {
			min = e.MinID
		}
	}
	return min
}

func flattenIDs(entries []multiEntry) []uint64 {
	var out []uint64
	for _, e := range entries {
		out = append(out, e.TransferIDs...)
	}
	return out
}
