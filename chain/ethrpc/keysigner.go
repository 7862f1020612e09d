package ethrpc

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// KeySigner is the Signer a process running with keys in-memory
// (ETH_PRIVATE_KEYS) injects into every ethrpc.Client. Production key
// custody (HSM, remote signer) is out of scope per spec.md §1; this is the
// devnet/single-operator concrete implementation.
type KeySigner struct {
	keys map[common.Address]*ecdsa.PrivateKey
}

// NewKeySigner derives each key's address and indexes by it.
func NewKeySigner(keys []*ecdsa.PrivateKey) *KeySigner {
	m := make(map[common.Address]*ecdsa.PrivateKey, len(keys))
	for _, k := range keys {
		m[crypto.PubkeyToAddress(k.PublicKey)] = k
	}
	return &KeySigner{keys: m}
}

// Addresses lists every address this signer can sign for.
func (s *KeySigner) Addresses() []common.Address {
	out := make([]common.Address, 0, len(s.keys))
	for addr := range s.keys {
		out = append(out, addr)
	}
	return out
}

func (s *KeySigner) SignTransaction(ctx context.Context, chainID uint64, tx *types.Transaction, from common.Address) (*types.Transaction, error) {
	key, ok := s.keys[from]
	if !ok {
		return nil, fmt.Errorf("keysigner: no private key loaded for %s", from.Hex())
	}
	signer := types.LatestSignerForChainID(new(big.Int).SetUint64(chainID))
	return types.SignTx(tx, signer, key)
}

var _ Signer = (*KeySigner)(nil)
