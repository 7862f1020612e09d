package reconciler

import (
	"context"
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scx1332/erc20payment-go/engine/enginetest"
	"github.com/scx1332/erc20payment-go/engine/executor"
	"github.com/scx1332/erc20payment-go/store"
)

func TestApplyConfirmedTransferSplitsFeeByIntegerDivision(t *testing.T) {
	s := enginetest.New()
	tx := &store.Tx{Method: store.MethodTransfer, FromAddr: "0xa", ToAddr: "0xb", ChainID: 1, FeePaid: store.FromInt(uint256.NewInt(100))}
	id1 := s.AddTransfer(store.TokenTransfer{FromAddr: "0xa", ReceiverAddr: "0xb", ChainID: 1})
	id2 := s.AddTransfer(store.TokenTransfer{FromAddr: "0xa", ReceiverAddr: "0xb", ChainID: 1})
	id3 := s.AddTransfer(store.TokenTransfer{FromAddr: "0xa", ReceiverAddr: "0xb", ChainID: 1})
	require.NoError(t, s.InsertTxLinkingTransfers(context.Background(), tx, []uint64{id1, id2, id3}))

	r := New(s)
	n, err := r.Apply(context.Background(), tx, executor.Result{Outcome: executor.Confirmed})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	for _, id := range []uint64{id1, id2, id3} {
		v, err := s.Transfers[id].FeePaid.Int()
		require.NoError(t, err)
		assert.Equal(t, uint256.NewInt(33), v) // 100/3 = 33, remainder silently lost
	}
	assert.False(t, s.Txs[tx.ID].Processing)
}

func TestApplyConfirmedApproveCopiesFeeOntoAllowance(t *testing.T) {
	s := enginetest.New()
	tx := &store.Tx{Method: store.MethodERC20Approve, FromAddr: "0xa", ToAddr: "0xtoken", ChainID: 1, FeePaid: store.FromInt(uint256.NewInt(42))}
	allowance := &store.Allowance{Owner: "0xa", TokenAddr: "0xtoken", Spender: "0xspender", ChainID: 1}
	require.NoError(t, s.InsertApproveTxWithAllowance(context.Background(), tx, allowance))

	r := New(s)
	n, err := r.Apply(context.Background(), tx, executor.Result{Outcome: executor.Confirmed})
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	saved := s.Allowances[allowance.ID]
	assert.NotNil(t, saved.ConfirmDate)
	assert.Equal(t, tx.FeePaid, saved.FeePaid)
	assert.False(t, s.Txs[tx.ID].Processing)
}

func TestApplyNeedRetryFailsLinkedTransfers(t *testing.T) {
	s := enginetest.New()
	tx := &store.Tx{Method: store.MethodTransfer, FromAddr: "0xa", ToAddr: "0xb", ChainID: 1}
	id1 := s.AddTransfer(store.TokenTransfer{FromAddr: "0xa", ReceiverAddr: "0xb", ChainID: 1})
	require.NoError(t, s.InsertTxLinkingTransfers(context.Background(), tx, []uint64{id1}))

	r := New(s)
	n, err := r.Apply(context.Background(), tx, executor.Result{Outcome: executor.NeedRetry, Reason: "No receipt"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NotNil(t, s.Transfers[id1].Error)
	assert.Equal(t, "No receipt", *s.Transfers[id1].Error)
	assert.Equal(t, store.ZeroDecimal, s.Transfers[id1].FeePaid)
	assert.False(t, s.Txs[tx.ID].Processing)
}

func TestApplyUnknownLeavesRowsUntouched(t *testing.T) {
	s := enginetest.New()
	tx := &store.Tx{Method: store.MethodTransfer, FromAddr: "0xa", ToAddr: "0xb", ChainID: 1, Processing: true}
	id1 := s.AddTransfer(store.TokenTransfer{FromAddr: "0xa", ReceiverAddr: "0xb", ChainID: 1})
	require.NoError(t, s.InsertTxLinkingTransfers(context.Background(), tx, []uint64{id1}))

	r := New(s)
	n, err := r.Apply(context.Background(), tx, executor.Result{Outcome: executor.Unknown})
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	assert.Nil(t, s.Transfers[id1].Error)
	assert.True(t, s.Txs[tx.ID].Processing)
}
