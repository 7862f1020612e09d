package batcher

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scx1332/erc20payment-go/chain"
	"github.com/scx1332/erc20payment-go/engine/allowance"
	"github.com/scx1332/erc20payment-go/engine/enginetest"
	"github.com/scx1332/erc20payment-go/metrics"
	"github.com/scx1332/erc20payment-go/store"
)

var fixedNow = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return fixedNow }

var (
	owner    = common.HexToAddress("0x1111111111111111111111111111111111111111")
	token    = common.HexToAddress("0x2222222222222222222222222222222222222222")
	multi    = common.HexToAddress("0x3333333333333333333333333333333333333333")
	receiver = common.HexToAddress("0x4444444444444444444444444444444444444444")
)

type fakeAllowanceChain struct {
	chain.ChainClient
	allowanceReturn *uint256.Int
}

func (f *fakeAllowanceChain) Call(ctx context.Context, req chain.CallRequest) ([]byte, error) {
	var out [32]byte
	bz := f.allowanceReturn.Bytes32()
	copy(out[:], bz[:])
	return out[:], nil
}

func newBatcherWithMultiConfigured(t *testing.T, s *enginetest.FakeStore, maxAtOnce int, preMetAllowance bool) *Batcher {
	t.Helper()
	registry := chain.NewRegistry()
	live := uint256.NewInt(0)
	if preMetAllowance {
		live = allowance.MinAllowance
	}
	registry.Register(chain.NewPool(1, &fakeAllowanceChain{allowanceReturn: live}))
	am := allowance.NewManager(s, registry, func(uint64) *uint256.Int { return uint256.NewInt(30) }, func(uint64) *uint256.Int { return uint256.NewInt(2) })
	contract := multi
	policy := func(uint64) (ChainPolicy, error) {
		return ChainPolicy{
			MaxFeePerGas:  uint256.NewInt(30),
			PriorityFee:   uint256.NewInt(2),
			MultiContract: &contract,
			MaxAtOnce:     maxAtOnce,
		}, nil
	}
	b := New(s, am, policy, nil)
	b.now = fixedClock
	return b
}

func newBatcherNoMultiConfigured(s *enginetest.FakeStore) *Batcher {
	policy := func(uint64) (ChainPolicy, error) {
		return ChainPolicy{MaxFeePerGas: uint256.NewInt(30), PriorityFee: uint256.NewInt(2), MultiContract: nil}, nil
	}
	b := New(s, nil, policy, nil)
	b.now = fixedClock
	return b
}

func TestRunTickGroupsNativeTransfersBySender(t *testing.T) {
	s := enginetest.New()
	s.AddTransfer(store.TokenTransfer{FromAddr: owner.Hex(), ReceiverAddr: receiver.Hex(), ChainID: 1, TokenAmount: store.FromInt(uint256.NewInt(100))})
	s.AddTransfer(store.TokenTransfer{FromAddr: owner.Hex(), ReceiverAddr: receiver.Hex(), ChainID: 1, TokenAmount: store.FromInt(uint256.NewInt(50))})

	b := newBatcherNoMultiConfigured(s)
	n, err := b.RunTick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, s.Txs, 1)
	for _, tx := range s.Txs {
		assert.Equal(t, store.MethodTransfer, tx.Method)
		v, _ := tx.Val.Int()
		assert.Equal(t, uint256.NewInt(150), v)
	}
}

func TestRunTickDirectErc20WhenNoMultiSendConfigured(t *testing.T) {
	s := enginetest.New()
	s.AddTransfer(store.TokenTransfer{FromAddr: owner.Hex(), ReceiverAddr: receiver.Hex(), ChainID: 1, TokenAddr: token.Hex(), TokenAmount: store.FromInt(uint256.NewInt(10))})

	b := newBatcherNoMultiConfigured(s)
	n, err := b.RunTick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	for _, tx := range s.Txs {
		assert.Equal(t, store.MethodERC20Transfer, tx.Method)
	}
}

func TestRunTickAbandonsBatchPendingApprove(t *testing.T) {
	s := enginetest.New()
	s.AddTransfer(store.TokenTransfer{FromAddr: owner.Hex(), ReceiverAddr: receiver.Hex(), ChainID: 1, TokenAddr: token.Hex(), TokenAmount: store.FromInt(uint256.NewInt(10))})

	b := newBatcherWithMultiConfigured(t, s, 3, false)
	n, err := b.RunTick(context.Background())
	require.Error(t, err)
	assert.Equal(t, 0, n)
	require.Len(t, s.Txs, 1)
	for _, tx := range s.Txs {
		assert.Equal(t, store.MethodERC20Approve, tx.Method)
	}
	require.Len(t, s.Allowances, 1)
}

func TestRunTickSingleReceiverUsesDirectTransferEvenWhenMultiConfigured(t *testing.T) {
	s := enginetest.New()
	s.AddTransfer(store.TokenTransfer{FromAddr: owner.Hex(), ReceiverAddr: receiver.Hex(), ChainID: 1, TokenAddr: token.Hex(), TokenAmount: store.FromInt(uint256.NewInt(10))})
	s.AddTransfer(store.TokenTransfer{FromAddr: owner.Hex(), ReceiverAddr: receiver.Hex(), ChainID: 1, TokenAddr: token.Hex(), TokenAmount: store.FromInt(uint256.NewInt(5))})

	b := newBatcherWithMultiConfigured(t, s, 3, true)
	n, err := b.RunTick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	for _, tx := range s.Txs {
		assert.Equal(t, store.MethodERC20Transfer, tx.Method)
	}
}

func TestRunTickChunksDistinctReceiversByMaxAtOnce(t *testing.T) {
	s := enginetest.New()
	receivers := []common.Address{
		common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"),
		common.HexToAddress("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"),
		common.HexToAddress("0xcccccccccccccccccccccccccccccccccccccccc"),
		common.HexToAddress("0xdddddddddddddddddddddddddddddddddddddddd"),
		common.HexToAddress("0xeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeee"),
	}
	for _, r := range receivers {
		s.AddTransfer(store.TokenTransfer{FromAddr: owner.Hex(), ReceiverAddr: r.Hex(), ChainID: 1, TokenAddr: token.Hex(), TokenAmount: store.FromInt(uint256.NewInt(1))})
	}

	b := newBatcherWithMultiConfigured(t, s, 2, true)
	n, err := b.RunTick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	var multiCount, directCount int
	for _, tx := range s.Txs {
		switch tx.Method {
		case store.MethodMultiDirectPacked:
			multiCount++
		case store.MethodERC20Transfer:
			directCount++
		}
	}
	assert.Equal(t, 2, multiCount)
	assert.Equal(t, 1, directCount)
}

func TestRunTickFailsTransferWithZeroAddress(t *testing.T) {
	s := enginetest.New()
	id := s.AddTransfer(store.TokenTransfer{FromAddr: owner.Hex(), ReceiverAddr: "0x0000000000000000000000000000000000000000", ChainID: 1, TokenAmount: store.FromInt(uint256.NewInt(1))})

	b := newBatcherNoMultiConfigured(s)
	n, err := b.RunTick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	require.NotNil(t, s.Transfers[id].Error)
}

func TestRunTickCountsFailedTransfersInMetrics(t *testing.T) {
	s := enginetest.New()
	s.AddTransfer(store.TokenTransfer{FromAddr: owner.Hex(), ReceiverAddr: "0x0000000000000000000000000000000000000000", ChainID: 1, TokenAmount: store.FromInt(uint256.NewInt(1))})

	policy := func(uint64) (ChainPolicy, error) {
		return ChainPolicy{MaxFeePerGas: uint256.NewInt(30), PriorityFee: uint256.NewInt(2), MultiContract: nil}, nil
	}
	m := metrics.New()
	b := New(s, nil, policy, m)
	b.now = fixedClock

	_, err := b.RunTick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.TransfersFailed))
}
