// Package abiencode is the concrete, default implementation of the opaque
// encodeCall capability spec.md treats as an external collaborator: ABI
// encoding for ERC20 transfer/approve and the multi-send contract. It is
// backed by go-ethereum's accounts/abi package, the same encoder the
// reference geth-family clients use for contract calls.
package abiencode

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

const erc20ABIJSON = `[
	{"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"constant":false,"inputs":[{"name":"spender","type":"address"},{"name":"value","type":"uint256"}],"name":"approve","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"constant":true,"inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"name":"allowance","outputs":[{"name":"","type":"uint256"}],"type":"function"}
]`

const multiSendABIJSON = `[
	{"constant":false,"inputs":[{"name":"packed","type":"bytes32[]"}],"name":"golemTransferDirectPacked","outputs":[],"type":"function"},
	{"constant":false,"inputs":[{"name":"packed","type":"bytes32[]"},{"name":"total","type":"uint256"}],"name":"golemTransferIndirectPacked","outputs":[],"type":"function"}
]`

var erc20ABI abi.ABI
var multiSendABI abi.ABI

func init() {
	var err error
	erc20ABI, err = abi.JSON(strings.NewReader(erc20ABIJSON))
	if err != nil {
		panic("abiencode: invalid erc20 ABI: " + err.Error())
	}
	multiSendABI, err = abi.JSON(strings.NewReader(multiSendABIJSON))
	if err != nil {
		panic("abiencode: invalid multi-send ABI: " + err.Error())
	}
}

// Erc20Transfer encodes `transfer(address,uint256)`.
func Erc20Transfer(to common.Address, amount *big.Int) ([]byte, error) {
	return erc20ABI.Pack("transfer", to, amount)
}

// Erc20Approve encodes `approve(address,uint256)`.
func Erc20Approve(spender common.Address, amount *big.Int) ([]byte, error) {
	return erc20ABI.Pack("approve", spender, amount)
}

// MultiSendDirect encodes `golemTransferDirectPacked(bytes32[])`.
func MultiSendDirect(packed [][32]byte) ([]byte, error) {
	return multiSendABI.Pack("golemTransferDirectPacked", packed)
}

// MultiSendIndirect encodes `golemTransferIndirectPacked(bytes32[],uint256)`,
// passing the pre-summed total alongside the packed word list.
func MultiSendIndirect(packed [][32]byte, total *big.Int) ([]byte, error) {
	return multiSendABI.Pack("golemTransferIndirectPacked", packed, total)
}

// Erc20Allowance encodes `allowance(address,address)`.
func Erc20Allowance(owner, spender common.Address) ([]byte, error) {
	return erc20ABI.Pack("allowance", owner, spender)
}

// DecodeErc20Allowance unpacks the uint256 returned by an allowance() call.
func DecodeErc20Allowance(result []byte) (*big.Int, error) {
	out, err := erc20ABI.Unpack("allowance", result)
	if err != nil {
		return nil, err
	}
	return out[0].(*big.Int), nil
}

// DecodeErc20Transfer recovers (receiver, amount) from call data built by
// Erc20Transfer — used by the build/decode round-trip test (spec.md §8).
func DecodeErc20Transfer(callData []byte) (common.Address, *big.Int, error) {
	method, err := erc20ABI.MethodById(callData[:4])
	if err != nil {
		return common.Address{}, nil, err
	}
	args, err := method.Inputs.Unpack(callData[4:])
	if err != nil {
		return common.Address{}, nil, err
	}
	return args[0].(common.Address), args[1].(*big.Int), nil
}
