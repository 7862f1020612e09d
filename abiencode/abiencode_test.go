package abiencode

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErc20TransferRoundTrips(t *testing.T) {
	to := common.HexToAddress("0x1111111111111111111111111111111111111111")
	amount := big.NewInt(123456789)

	data, err := Erc20Transfer(to, amount)
	require.NoError(t, err)

	gotTo, gotAmount, err := DecodeErc20Transfer(data)
	require.NoError(t, err)
	assert.Equal(t, to, gotTo)
	assert.Equal(t, amount, gotAmount)
}

func TestErc20ApproveEncodesMaxUint256(t *testing.T) {
	spender := common.HexToAddress("0x2222222222222222222222222222222222222222")
	maxUint256 := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

	data, err := Erc20Approve(spender, maxUint256)
	require.NoError(t, err)
	assert.NotEmpty(t, data)
}

func TestErc20AllowanceDecodesPackedResult(t *testing.T) {
	owner := common.HexToAddress("0x3333333333333333333333333333333333333333")
	spender := common.HexToAddress("0x4444444444444444444444444444444444444444")

	callData, err := Erc20Allowance(owner, spender)
	require.NoError(t, err)
	assert.NotEmpty(t, callData)

	packed, err := erc20ABI.Methods["allowance"].Outputs.Pack(big.NewInt(999))
	require.NoError(t, err)
	got, err := DecodeErc20Allowance(packed)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(999), got)
}

func TestMultiSendDirectEncodesPackedWords(t *testing.T) {
	var word [32]byte
	word[31] = 0x01
	data, err := MultiSendDirect([][32]byte{word})
	require.NoError(t, err)
	assert.NotEmpty(t, data)
}
