package executor

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scx1332/erc20payment-go/chain"
	"github.com/scx1332/erc20payment-go/engine/enginetest"
	"github.com/scx1332/erc20payment-go/store"
)

var fixedNow = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return fixedNow }

type stubClient struct {
	chainID uint64

	latestNonce  uint64
	pendingNonce uint64
	blockNumber  uint64
	balance      *big.Int

	receipt    chain.Receipt
	callErr    error
	broadcasts int
}

func (s *stubClient) ChainID() uint64 { return s.chainID }
func (s *stubClient) Call(ctx context.Context, req chain.CallRequest) ([]byte, error) {
	return nil, s.callErr
}
func (s *stubClient) EstimateGas(ctx context.Context, req chain.CallRequest) (uint64, error) {
	return 21000, nil
}
func (s *stubClient) LatestNonce(ctx context.Context, addr common.Address) (uint64, error) {
	return s.latestNonce, nil
}
func (s *stubClient) PendingNonce(ctx context.Context, addr common.Address) (uint64, error) {
	return s.pendingNonce, nil
}
func (s *stubClient) SignTransaction(ctx context.Context, req chain.SignRequest) ([]byte, common.Hash, error) {
	return []byte{0x01, 0x02}, common.HexToHash("0xaaaa"), nil
}
func (s *stubClient) Broadcast(ctx context.Context, raw []byte) error {
	s.broadcasts++
	return nil
}
func (s *stubClient) Receipt(ctx context.Context, hash common.Hash) (chain.Receipt, error) {
	return s.receipt, nil
}
func (s *stubClient) BlockNumber(ctx context.Context) (uint64, error) { return s.blockNumber, nil }
func (s *stubClient) BalanceAt(ctx context.Context, addr common.Address) (*big.Int, error) {
	if s.balance == nil {
		return big.NewInt(1e18), nil
	}
	return s.balance, nil
}

var _ chain.ChainClient = (*stubClient)(nil)

func newExecutor(s store.Store, client chain.ChainClient) *Executor {
	registry := chain.NewRegistry()
	registry.Register(chain.NewPool(1, client))
	e := New(s, registry, func(uint64) (Policy, error) {
		return Policy{ProcessSleep: time.Millisecond, TransactionTimeout: time.Hour, ConfirmationBlocks: 2}, nil
	})
	e.now = fixedClock
	e.sleep = func(ctx context.Context, d time.Duration) {}
	return e
}

func baseTx() *store.Tx {
	return &store.Tx{
		ID: 1, Method: store.MethodTransfer,
		FromAddr: "0x1111111111111111111111111111111111111111",
		ToAddr:   "0x2222222222222222222222222222222222222222",
		ChainID:  1, Processing: true,
		Val: store.FromInt(nil), MaxFeePerGas: "30000000000", PriorityFee: "2000000000",
	}
}

func TestRunConfirmsFreshTx(t *testing.T) {
	s := enginetest.New()
	fresh := baseTx()
	fresh.Nonce = uptr(3) // pre-assigned so the poll-loop's mined check sees progress against a static stub
	require.NoError(t, s.InsertTxLinkingTransfers(context.Background(), fresh, nil))
	tx, _ := s.GetTx(context.Background(), 1)

	client := &stubClient{chainID: 1, latestNonce: 5, blockNumber: 20, receipt: chain.Receipt{
		Found: true, BlockNumber: 10, Status: chain.ReceiptStatusSuccessful, GasUsed: 21000, EffectiveGasPrice: big.NewInt(1),
	}}
	e := newExecutor(s, client)
	res, err := e.Run(context.Background(), tx)
	require.NoError(t, err)
	assert.Equal(t, Confirmed, res.Outcome)
	assert.NotNil(t, tx.ConfirmDate)
	assert.Equal(t, 1, client.broadcasts)
}

func TestRunResendsOnDroppedMempool(t *testing.T) {
	s := enginetest.New()
	require.NoError(t, s.InsertTxLinkingTransfers(context.Background(), baseTx(), nil))
	tx, _ := s.GetTx(context.Background(), 1)
	tx.Nonce = uptr(3)
	nowVal := fixedNow
	tx.FirstProcessed = &nowVal
	tx.SignedRawData = []byte{0x1}
	tx.TxHash = "0xbbbb"
	require.NoError(t, s.SaveTx(context.Background(), tx))

	client := &stubClient{chainID: 1, latestNonce: 3, pendingNonce: 2, blockNumber: 20}
	e := newExecutor(s, client)

	calls := 0
	e.keepGoing = func() bool {
		calls++
		return calls <= 1
	}
	res, err := e.Run(context.Background(), tx)
	require.NoError(t, err)
	assert.Equal(t, Unknown, res.Outcome)
	assert.Equal(t, 2, client.broadcasts) // initial + one resend
}

func TestRunReceiptMissingAfterChecksUntilNotFound(t *testing.T) {
	s := enginetest.New()
	require.NoError(t, s.InsertTxLinkingTransfers(context.Background(), baseTx(), nil))
	tx, _ := s.GetTx(context.Background(), 1)
	tx.Nonce = uptr(3)
	nowVal := fixedNow
	tx.FirstProcessed = &nowVal
	tx.SignedRawData = []byte{0x1}
	tx.TxHash = "0xbbbb"
	require.NoError(t, s.SaveTx(context.Background(), tx))

	client := &stubClient{chainID: 1, latestNonce: 4, blockNumber: 20, receipt: chain.Receipt{Found: false}}
	e := newExecutor(s, client)
	res, err := e.Run(context.Background(), tx)
	require.NoError(t, err)
	assert.Equal(t, NeedRetry, res.Outcome)
	assert.Equal(t, "No receipt", res.Reason)
}

func TestRunResumesFromSignedNotBroadcast(t *testing.T) {
	s := enginetest.New()
	require.NoError(t, s.InsertTxLinkingTransfers(context.Background(), baseTx(), nil))
	tx, _ := s.GetTx(context.Background(), 1)
	tx.Nonce = uptr(3)
	nowVal := fixedNow
	tx.FirstProcessed = &nowVal
	tx.SignedRawData = []byte{0xde, 0xad}
	tx.TxHash = "0xcafe"
	require.NoError(t, s.SaveTx(context.Background(), tx))

	client := &stubClient{chainID: 1, latestNonce: 5, blockNumber: 20, receipt: chain.Receipt{
		Found: true, BlockNumber: 10, Status: chain.ReceiptStatusSuccessful, GasUsed: 21000, EffectiveGasPrice: big.NewInt(1),
	}}
	e := newExecutor(s, client)
	res, err := e.Run(context.Background(), tx)
	require.NoError(t, err)
	assert.Equal(t, Confirmed, res.Outcome)
	assert.Equal(t, 1, client.broadcasts)
}

func TestRunClockMovedBackward(t *testing.T) {
	s := enginetest.New()
	require.NoError(t, s.InsertTxLinkingTransfers(context.Background(), baseTx(), nil))
	tx, _ := s.GetTx(context.Background(), 1)
	past := fixedNow.Add(time.Hour)
	tx.FirstProcessed = &past
	require.NoError(t, s.SaveTx(context.Background(), tx))

	client := &stubClient{chainID: 1}
	e := newExecutor(s, client)
	res, err := e.Run(context.Background(), tx)
	require.NoError(t, err)
	assert.Equal(t, NeedRetry, res.Outcome)
	assert.Equal(t, "Time changed", res.Reason)
}

func uptr(v uint64) *uint64 { return &v }
