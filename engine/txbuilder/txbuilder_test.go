package txbuilder

import (
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"github.com/scx1332/erc20payment-go/abiencode"
	"github.com/scx1332/erc20payment-go/engine/enginerr"
	"github.com/scx1332/erc20payment-go/store"
)

var now = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestBuildNativeTransfer(t *testing.T) {
	from := common.HexToAddress("0x1111111111111111111111111111111111111111")
	to := common.HexToAddress("0x2222222222222222222222222222222222222222")
	tx := BuildNativeTransfer(now, from, to, 5, uint256.NewInt(1), uint256.NewInt(30), uint256.NewInt(2))

	require.Equal(t, store.MethodTransfer, tx.Method)
	require.Nil(t, tx.CallData)
	require.Equal(t, store.Decimal("1"), tx.Val)
	require.True(t, tx.Processing)
	require.Nil(t, tx.Nonce)
	require.Nil(t, tx.GasLimit)
	require.Equal(t, 0, tx.BroadcastCount)
}

func TestBuildErc20TransferRoundTrips(t *testing.T) {
	from := common.HexToAddress("0x1111111111111111111111111111111111111111")
	token := common.HexToAddress("0x3333333333333333333333333333333333333333")
	to := common.HexToAddress("0x2222222222222222222222222222222222222222")
	amount := uint256.NewInt(123456789)

	tx, err := BuildErc20Transfer(now, from, token, to, 1, amount, uint256.NewInt(30), uint256.NewInt(2))
	require.NoError(t, err)
	require.Equal(t, store.MethodERC20Transfer, tx.Method)
	require.Equal(t, token.Hex(), tx.ToAddr)

	decodedTo, decodedAmount, err := abiencode.DecodeErc20Transfer(tx.CallData)
	require.NoError(t, err)
	require.Equal(t, to, decodedTo)
	require.Equal(t, amount.ToBig(), decodedAmount)
}

func TestBuildErc20Approve(t *testing.T) {
	from := common.HexToAddress("0x1111111111111111111111111111111111111111")
	token := common.HexToAddress("0x3333333333333333333333333333333333333333")
	spender := common.HexToAddress("0x4444444444444444444444444444444444444444")

	tx, err := BuildErc20Approve(now, from, token, spender, 1, uint256.NewInt(30), uint256.NewInt(2))
	require.NoError(t, err)
	require.Equal(t, store.MethodERC20Approve, tx.Method)
	require.NotEmpty(t, tx.CallData)
}

func TestPackWordRoundTrip(t *testing.T) {
	receiver := common.HexToAddress("0x2222222222222222222222222222222222222222")

	cases := []*uint256.Int{
		uint256.NewInt(0),
		uint256.NewInt(1),
		new(uint256.Int).Sub(new(uint256.Int).Lsh(uint256.NewInt(1), 96), uint256.NewInt(1)), // 2^96 - 1
	}
	for _, amount := range cases {
		word, err := PackWord(receiver, amount)
		require.NoError(t, err)
		gotReceiver, gotAmount := UnpackWord(word)
		require.Equal(t, receiver, gotReceiver)
		require.True(t, amount.Eq(gotAmount), "amount round-trip: want %s got %s", amount.Dec(), gotAmount.Dec())
	}
}

func TestPackWordOverflow(t *testing.T) {
	receiver := common.HexToAddress("0x2222222222222222222222222222222222222222")
	tooBig := new(uint256.Int).Lsh(uint256.NewInt(1), 96) // == 2^96, must overflow
	_, err := PackWord(receiver, tooBig)
	require.Error(t, err)
	var overflow *enginerr.PackedOverflow
	require.ErrorAs(t, err, &overflow)
}

func TestBuildMultiSendRejectsOverflow(t *testing.T) {
	from := common.HexToAddress("0x1111111111111111111111111111111111111111")
	contract := common.HexToAddress("0x5555555555555555555555555555555555555555")
	receivers := []common.Address{common.HexToAddress("0x2222222222222222222222222222222222222222")}
	tooBig := new(uint256.Int).Lsh(uint256.NewInt(1), 96)
	amounts := []*uint256.Int{tooBig}

	_, err := BuildMultiSend(now, from, contract, 1, receivers, amounts, uint256.NewInt(30), uint256.NewInt(2), true)
	require.Error(t, err)
}

func TestBuildMultiSendDirectVsIndirect(t *testing.T) {
	from := common.HexToAddress("0x1111111111111111111111111111111111111111")
	contract := common.HexToAddress("0x5555555555555555555555555555555555555555")
	receivers := []common.Address{
		common.HexToAddress("0x2222222222222222222222222222222222222222"),
		common.HexToAddress("0x3333333333333333333333333333333333333333"),
	}
	amounts := []*uint256.Int{uint256.NewInt(10), uint256.NewInt(20)}

	direct, err := BuildMultiSend(now, from, contract, 1, receivers, amounts, uint256.NewInt(30), uint256.NewInt(2), true)
	require.NoError(t, err)
	require.Equal(t, store.MethodMultiDirectPacked, direct.Method)

	indirect, err := BuildMultiSend(now, from, contract, 1, receivers, amounts, uint256.NewInt(30), uint256.NewInt(2), false)
	require.NoError(t, err)
	require.Equal(t, store.MethodMultiIndirectPacked, indirect.Method)
}

func TestGweiToU256(t *testing.T) {
	v, err := GweiToU256(1.5)
	require.NoError(t, err)
	require.Equal(t, "1500000000", v.Dec())

	v, err = GweiToU256(0)
	require.NoError(t, err)
	require.Equal(t, "0", v.Dec())

	_, err = GweiToU256(-1)
	require.Error(t, err)

	_, err = GweiToU256(1e9 + 1)
	require.Error(t, err)

	nan := func() float64 { var z float64; return z / z }()
	_, err = GweiToU256(nan)
	require.Error(t, err)
}
