package allowance

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"github.com/scx1332/erc20payment-go/chain"
	"github.com/scx1332/erc20payment-go/engine/enginerr"
	"github.com/scx1332/erc20payment-go/engine/enginetest"
	"github.com/scx1332/erc20payment-go/store"
)

var fixedNow = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

type fakeChainClient struct {
	chain.ChainClient
	allowanceReturn *big.Int
}

func (f *fakeChainClient) Call(ctx context.Context, req chain.CallRequest) ([]byte, error) {
	var out [32]byte
	f.allowanceReturn.FillBytes(out[:])
	return out[:], nil
}

func newManagerWithAllowance(t *testing.T, s store.Store, live *big.Int) *Manager {
	t.Helper()
	registry := chain.NewRegistry()
	registry.Register(chain.NewPool(1, &fakeChainClient{allowanceReturn: live}))
	m := NewManager(s, registry, func(uint64) *uint256.Int { return uint256.NewInt(30) }, func(uint64) *uint256.Int { return uint256.NewInt(2) })
	m.now = func() time.Time { return fixedNow }
	return m
}

func TestEnsureMetWhenLocalConfirmedAboveThreshold(t *testing.T) {
	s := enginetest.New()
	owner := common.HexToAddress("0x1111111111111111111111111111111111111111")
	token := common.HexToAddress("0x3333333333333333333333333333333333333333")
	spender := common.HexToAddress("0x4444444444444444444444444444444444444444")
	confirmed := fixedNow
	s.Allowances[1] = store.Allowance{
		ID: 1, Owner: owner.Hex(), TokenAddr: token.Hex(), Spender: spender.Hex(), ChainID: 1,
		Allowance: store.FromInt(MinAllowance), ConfirmDate: &confirmed,
	}

	m := newManagerWithAllowance(t, s, big.NewInt(0))
	status, _, err := m.Ensure(context.Background(), owner, token, spender, 1)
	require.NoError(t, err)
	require.Equal(t, Met, status)
}

func TestEnsureMetWhenOnChainAlreadySufficient(t *testing.T) {
	s := enginetest.New()
	owner := common.HexToAddress("0x1111111111111111111111111111111111111111")
	token := common.HexToAddress("0x3333333333333333333333333333333333333333")
	spender := common.HexToAddress("0x4444444444444444444444444444444444444444")

	m := newManagerWithAllowance(t, s, MinAllowance.ToBig())
	status, _, err := m.Ensure(context.Background(), owner, token, spender, 1)
	require.NoError(t, err)
	require.Equal(t, Met, status)
	require.Len(t, s.Allowances, 1)
}

func TestEnsurePendingApproveWhenMissing(t *testing.T) {
	s := enginetest.New()
	owner := common.HexToAddress("0x1111111111111111111111111111111111111111")
	token := common.HexToAddress("0x3333333333333333333333333333333333333333")
	spender := common.HexToAddress("0x4444444444444444444444444444444444444444")

	m := newManagerWithAllowance(t, s, big.NewInt(0))
	status, txID, err := m.Ensure(context.Background(), owner, token, spender, 1)
	require.Error(t, err)
	var req *enginerr.AllowanceRequest
	require.ErrorAs(t, err, &req)
	require.Equal(t, PendingApprove, status)
	require.NotZero(t, txID)
	require.Len(t, s.Txs, 1)
	require.Len(t, s.Allowances, 1)
}
