package chain

import (
	"fmt"
	"math/rand"
	"sync"

	"github.com/scx1332/erc20payment-go/engine/enginerr"
)

// Pool holds every configured ChainClient for one chain id and picks a
// provider uniformly at random per call (spec.md §5, §9: "deliberately
// stateless" — no sticky routing, no in-flight awareness). Ordering
// guarantees do not depend on which provider within a pool answers a call.
type Pool struct {
	chainID uint64
	mu      sync.RWMutex
	clients []ChainClient
}

// NewPool builds a provider pool for one chain id. Panics if clients is
// empty — a Pool with no providers is a configuration bug, not a runtime
// condition to recover from.
func NewPool(chainID uint64, clients ...ChainClient) *Pool {
	if len(clients) == 0 {
		panic("chain: NewPool requires at least one client")
	}
	return &Pool{chainID: chainID, clients: clients}
}

func (p *Pool) ChainID() uint64 { return p.chainID }

// Pick returns one client uniformly at random from the pool.
func (p *Pool) Pick() ChainClient {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.clients[rand.Intn(len(p.clients))]
}

// Registry resolves a Pool by chain id for every chain the process is
// configured to serve.
type Registry struct {
	mu    sync.RWMutex
	pools map[uint64]*Pool
}

func NewRegistry() *Registry {
	return &Registry{pools: make(map[uint64]*Pool)}
}

func (r *Registry) Register(p *Pool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pools[p.ChainID()] = p
}

// ChainIDs lists every chain id the registry currently serves, for the
// HTTP /accounts balance sweep.
func (r *Registry) ChainIDs() []uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]uint64, 0, len(r.pools))
	for id := range r.pools {
		out = append(out, id)
	}
	return out
}

// Resolve returns the pool for chainID, or ConfigMissing if the process is
// not configured to serve it.
func (r *Registry) Resolve(chainID uint64) (*Pool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.pools[chainID]
	if !ok {
		return nil, &enginerr.ConfigMissing{ChainID: chainID}
	}
	return p, nil
}

// Client is a convenience that resolves the pool for chainID and picks a
// provider from it in one call — the shape every engine component uses.
func (r *Registry) Client(chainID uint64) (ChainClient, error) {
	p, err := r.Resolve(chainID)
	if err != nil {
		return nil, fmt.Errorf("chain registry: %w", err)
	}
	return p.Pick(), nil
}
