// Package ethrpc is the concrete ChainClient backed by go-ethereum's
// rpc.Client, following the same CallContext wrapping style the reference
// geth-family clients use for their own typed RPC clients (see
// client/bridge_client.go in the klaytn tree this repo's structure is
// descended from). Raw signing is delegated to an injected Signer — key
// storage and address derivation remain out of scope per spec.md §1.
package ethrpc

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	gethlog "github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/scx1332/erc20payment-go/chain"
	"github.com/scx1332/erc20payment-go/engine/enginerr"
)

var logger = gethlog.New("module", "ethrpc")

// Signer produces a signed raw transaction for a chain's account. A real
// deployment backs this with a keystore/HSM; it is out of scope here.
type Signer interface {
	SignTransaction(ctx context.Context, chainID uint64, tx *types.Transaction, from common.Address) (*types.Transaction, error)
}

// Client is the concrete ChainClient for one chain id, one RPC endpoint.
type Client struct {
	chainID uint64
	rc      *rpc.Client
	signer  Signer
}

// Dial connects to a single RPC endpoint. chain.Pool composes several of
// these (or several dials of the same endpoint set) into one provider pool.
func Dial(ctx context.Context, chainID uint64, endpoint string, signer Signer) (*Client, error) {
	rc, err := rpc.DialContext(ctx, endpoint)
	if err != nil {
		return nil, &enginerr.RpcTransient{Op: "dial " + endpoint, Err: err}
	}
	return &Client{chainID: chainID, rc: rc, signer: signer}, nil
}

func (c *Client) ChainID() uint64 { return c.chainID }

func (c *Client) Call(ctx context.Context, req chain.CallRequest) ([]byte, error) {
	var result hexutil.Bytes
	err := c.rc.CallContext(ctx, &result, "eth_call", toCallArg(req), "latest")
	if err != nil {
		if isRevert(err) || isInsufficientFunds(err) {
			return nil, &enginerr.TransactionFailedError{
				Message:           err.Error(),
				InsufficientFunds: isInsufficientFunds(err),
			}
		}
		return nil, &enginerr.RpcTransient{Op: "eth_call", Err: err}
	}
	return result, nil
}

func (c *Client) EstimateGas(ctx context.Context, req chain.CallRequest) (uint64, error) {
	var result hexutil.Uint64
	err := c.rc.CallContext(ctx, &result, "eth_estimateGas", toCallArg(req))
	if err != nil {
		if isRevert(err) || isInsufficientFunds(err) {
			return 0, &enginerr.TransactionFailedError{Message: err.Error(), InsufficientFunds: isInsufficientFunds(err)}
		}
		return 0, &enginerr.RpcTransient{Op: "eth_estimateGas", Err: err}
	}
	return uint64(result), nil
}

func (c *Client) LatestNonce(ctx context.Context, addr common.Address) (uint64, error) {
	return c.nonceAt(ctx, addr, "latest")
}

func (c *Client) PendingNonce(ctx context.Context, addr common.Address) (uint64, error) {
	return c.nonceAt(ctx, addr, "pending")
}

func (c *Client) nonceAt(ctx context.Context, addr common.Address, block string) (uint64, error) {
	var result hexutil.Uint64
	err := c.rc.CallContext(ctx, &result, "eth_getTransactionCount", addr, block)
	if err != nil {
		return 0, &enginerr.RpcTransient{Op: "eth_getTransactionCount", Err: err}
	}
	return uint64(result), nil
}

func (c *Client) SignTransaction(ctx context.Context, req chain.SignRequest) ([]byte, common.Hash, error) {
	txData := &types.DynamicFeeTx{
		ChainID:   new(big.Int).SetUint64(req.ChainID),
		Nonce:     req.Nonce,
		GasTipCap: req.PriorityFee,
		GasFeeCap: req.MaxFeePerGas,
		Gas:       req.GasLimit,
		To:        req.To,
		Value:     req.Val,
		Data:      req.Data,
	}
	unsigned := types.NewTx(txData)
	signed, err := c.signer.SignTransaction(ctx, req.ChainID, unsigned, req.From)
	if err != nil {
		return nil, common.Hash{}, fmt.Errorf("sign transaction: %w", err)
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		return nil, common.Hash{}, fmt.Errorf("marshal signed transaction: %w", err)
	}
	return raw, signed.Hash(), nil
}

func (c *Client) Broadcast(ctx context.Context, raw []byte) error {
	err := c.rc.CallContext(ctx, nil, "eth_sendRawTransaction", hexutil.Encode(raw))
	if err != nil {
		return &enginerr.RpcTransient{Op: "eth_sendRawTransaction", Err: err}
	}
	return nil
}

func (c *Client) Receipt(ctx context.Context, hash common.Hash) (chain.Receipt, error) {
	var r *types.Receipt
	err := c.rc.CallContext(ctx, &r, "eth_getTransactionReceipt", hash)
	if err != nil {
		return chain.Receipt{}, &enginerr.RpcTransient{Op: "eth_getTransactionReceipt", Err: err}
	}
	if r == nil {
		return chain.Receipt{Found: false}, nil
	}
	var effGasPrice *big.Int
	if r.EffectiveGasPrice != nil {
		effGasPrice = r.EffectiveGasPrice
	} else {
		effGasPrice = big.NewInt(0)
	}
	return chain.Receipt{
		Found:             true,
		BlockNumber:       r.BlockNumber.Uint64(),
		Status:            r.Status,
		GasUsed:           r.GasUsed,
		EffectiveGasPrice: effGasPrice,
	}, nil
}

func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	var result hexutil.Uint64
	err := c.rc.CallContext(ctx, &result, "eth_blockNumber")
	if err != nil {
		return 0, &enginerr.RpcTransient{Op: "eth_blockNumber", Err: err}
	}
	return uint64(result), nil
}

func (c *Client) BalanceAt(ctx context.Context, addr common.Address) (*big.Int, error) {
	var result hexutil.Big
	err := c.rc.CallContext(ctx, &result, "eth_getBalance", addr, "latest")
	if err != nil {
		return nil, &enginerr.RpcTransient{Op: "eth_getBalance", Err: err}
	}
	return (*big.Int)(&result), nil
}

func toCallArg(req chain.CallRequest) map[string]interface{} {
	arg := map[string]interface{}{"from": req.From}
	if req.To != nil {
		arg["to"] = *req.To
	}
	if req.Val != nil {
		arg["value"] = (*hexutil.Big)(req.Val)
	}
	if len(req.Data) > 0 {
		arg["data"] = hexutil.Bytes(req.Data)
	}
	return arg
}

func isRevert(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "revert")
}

func isInsufficientFunds(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "insufficient funds")
}

var _ chain.ChainClient = (*Client)(nil)
