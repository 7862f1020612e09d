// Package txbuilder shapes logical transfers into unsigned Tx rows
// (spec.md §4.1). Every function here is pure: no I/O, no RPC, inputs fully
// determine outputs. The caller supplies `now` so builds stay deterministic
// and testable rather than reaching for time.Now() internally.
package txbuilder

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/scx1332/erc20payment-go/abiencode"
	"github.com/scx1332/erc20payment-go/engine/enginerr"
	"github.com/scx1332/erc20payment-go/store"
)

// MaxUint256 is the "effectively infinite" approve amount (2^256 - 1).
var MaxUint256 = new(uint256.Int).Sub(
	new(uint256.Int).Lsh(uint256.NewInt(1), 256),
	uint256.NewInt(1),
)

// packedAmountLimit is 2^96, the exclusive upper bound a packed word's
// amount field can hold.
var packedAmountLimit = new(uint256.Int).Lsh(uint256.NewInt(1), 96)

func newTx(now time.Time, method string, chainID uint64, from, to common.Address) *store.Tx {
	return &store.Tx{
		Method:         method,
		FromAddr:       from.Hex(),
		ToAddr:         to.Hex(),
		ChainID:        chainID,
		Processing:     true,
		BroadcastCount: 0,
		CreatedDate:    now,
	}
}

// BuildNativeTransfer builds a plain coin transfer: method="transfer",
// call_data=nil, val=amount.
func BuildNativeTransfer(now time.Time, from, to common.Address, chainID uint64, amount, maxFee, prio *uint256.Int) *store.Tx {
	tx := newTx(now, store.MethodTransfer, chainID, from, to)
	tx.Val = store.FromInt(amount)
	tx.MaxFeePerGas = store.FromInt(maxFee)
	tx.PriorityFee = store.FromInt(prio)
	return tx
}

// BuildErc20Transfer builds method="ERC20.transfer": to_addr=token, val=0,
// call_data=encodeCall("transfer", to, amount).
func BuildErc20Transfer(now time.Time, from, token, to common.Address, chainID uint64, amount, maxFee, prio *uint256.Int) (*store.Tx, error) {
	data, err := abiencode.Erc20Transfer(to, amount.ToBig())
	if err != nil {
		return nil, &enginerr.ParseError{Field: "erc20_transfer_calldata", Value: to.Hex(), Err: err}
	}
	tx := newTx(now, store.MethodERC20Transfer, chainID, from, token)
	tx.Val = store.ZeroDecimal
	tx.MaxFeePerGas = store.FromInt(maxFee)
	tx.PriorityFee = store.FromInt(prio)
	tx.CallData = data
	return tx, nil
}

// BuildErc20Approve builds method="ERC20.approve" with amount=2^256-1.
func BuildErc20Approve(now time.Time, from, token, spender common.Address, chainID uint64, maxFee, prio *uint256.Int) (*store.Tx, error) {
	data, err := abiencode.Erc20Approve(spender, MaxUint256.ToBig())
	if err != nil {
		return nil, &enginerr.ParseError{Field: "erc20_approve_calldata", Value: spender.Hex(), Err: err}
	}
	tx := newTx(now, store.MethodERC20Approve, chainID, from, token)
	tx.Val = store.ZeroDecimal
	tx.MaxFeePerGas = store.FromInt(maxFee)
	tx.PriorityFee = store.FromInt(prio)
	tx.CallData = data
	return tx, nil
}

// PackWord packs one (receiver, amount) pair into a 32-byte word: the lower
// 160 bits hold the receiver, the upper 96 bits hold the amount. Returns
// PackedOverflow if amount >= 2^96.
func PackWord(receiver common.Address, amount *uint256.Int) ([32]byte, error) {
	var word [32]byte
	if amount.Cmp(packedAmountLimit) >= 0 {
		return word, &enginerr.PackedOverflow{Amount: amount.Dec()}
	}
	copy(word[12:], receiver.Bytes()) // lower 160 bits = receiver
	shifted := new(uint256.Int).Lsh(amount, 160)
	shiftedBytes := shifted.Bytes32()
	copy(word[:12], shiftedBytes[:12]) // upper 96 bits = amount
	return word, nil
}

// UnpackWord recovers (receiver, amount) from a packed word — the inverse
// of PackWord, used by the pack/unpack boundary tests (spec.md §8).
func UnpackWord(word [32]byte) (common.Address, *uint256.Int) {
	var receiver common.Address
	copy(receiver[:], word[12:32])
	var amtWord [32]byte
	copy(amtWord[:12], word[:12])
	amt := new(uint256.Int).SetBytes(amtWord[:])
	amt.Rsh(amt, 160)
	return receiver, amt
}

// BuildMultiSend builds a multi-send Tx. direct=true selects
// MULTI.golemTransferDirectPacked (contract pulls via allowance and
// transfers atomically); direct=false selects
// MULTI.golemTransferIndirectPacked (the pre-summed total is passed
// alongside the packed words). Fails with PackedOverflow if any amount
// does not fit in 96 bits.
func BuildMultiSend(now time.Time, from, contract common.Address, chainID uint64, receivers []common.Address, amounts []*uint256.Int, maxFee, prio *uint256.Int, direct bool) (*store.Tx, error) {
	if len(receivers) != len(amounts) {
		return nil, &enginerr.ParseError{Field: "multi_send_receivers_amounts", Value: "length mismatch", Err: nil}
	}
	packed := make([][32]byte, len(receivers))
	total := uint256.NewInt(0)
	for i := range receivers {
		w, err := PackWord(receivers[i], amounts[i])
		if err != nil {
			return nil, err
		}
		packed[i] = w
		total = new(uint256.Int).Add(total, amounts[i])
	}

	var data []byte
	var err error
	method := store.MethodMultiDirectPacked
	if direct {
		data, err = abiencode.MultiSendDirect(packed)
	} else {
		method = store.MethodMultiIndirectPacked
		data, err = abiencode.MultiSendIndirect(packed, total.ToBig())
	}
	if err != nil {
		return nil, &enginerr.ParseError{Field: "multi_send_calldata", Value: contract.Hex(), Err: err}
	}

	tx := newTx(now, method, chainID, from, contract)
	tx.Val = store.ZeroDecimal
	tx.MaxFeePerGas = store.FromInt(maxFee)
	tx.PriorityFee = store.FromInt(prio)
	tx.CallData = data
	return tx, nil
}

// gweiFactor is 1e9, the scale between Gwei and wei.
var gweiFactor = big.NewFloat(1e9)

// GweiToU256 converts a Gwei float (as read from config) to wei, rejecting
// x<0, x>1e9, or NaN. gwei_to_u256(x) == floor(x * 1e9) when representable.
func GweiToU256(x float64) (*uint256.Int, error) {
	if x != x { // NaN
		return nil, &enginerr.ParseError{Field: "gwei", Value: "NaN", Err: nil}
	}
	if x < 0 || x > 1e9 {
		return nil, &enginerr.ParseError{Field: "gwei", Value: big.NewFloat(x).String(), Err: nil}
	}
	f := new(big.Float).Mul(big.NewFloat(x), gweiFactor)
	i, _ := f.Int(nil)
	v, overflow := uint256.FromBig(i)
	if overflow {
		return nil, &enginerr.ParseError{Field: "gwei", Value: i.String(), Err: nil}
	}
	return v, nil
}
