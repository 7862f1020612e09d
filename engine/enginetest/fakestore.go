// Package enginetest provides an in-memory store.Store fake shared by the
// engine subpackages' unit tests, so each of them doesn't reinvent a sqlite
// fixture to exercise component logic in isolation.
package enginetest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/scx1332/erc20payment-go/store"
)

// FakeStore is a minimal, non-concurrent-safe-across-goroutines (but
// mutex-guarded) in-memory implementation of store.Store.
type FakeStore struct {
	mu sync.Mutex

	Transfers      map[uint64]store.TokenTransfer
	Txs            map[uint64]store.Tx
	Allowances     map[uint64]store.Allowance
	ChainTransfers map[uint64]store.ChainTransfer

	nextTransferID  uint64
	nextTxID        uint64
	nextAllowanceID uint64
}

func New() *FakeStore {
	return &FakeStore{
		Transfers:      make(map[uint64]store.TokenTransfer),
		Txs:            make(map[uint64]store.Tx),
		Allowances:     make(map[uint64]store.Allowance),
		ChainTransfers: make(map[uint64]store.ChainTransfer),
	}
}

// AddTransfer inserts a queued transfer fixture and returns its id.
func (s *FakeStore) AddTransfer(t store.TokenTransfer) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextTransferID++
	t.ID = s.nextTransferID
	s.Transfers[t.ID] = t
	return t.ID
}

func (s *FakeStore) LoadQueuedTransfers(ctx context.Context) ([]store.TokenTransfer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.TokenTransfer
	for _, t := range s.Transfers {
		if t.IsQueued() {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *FakeStore) FailTransfers(ctx context.Context, ids []uint64, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		t := s.Transfers[id]
		r := reason
		t.Error = &r
		t.FeePaid = store.ZeroDecimal
		s.Transfers[id] = t
	}
	return nil
}

func (s *FakeStore) InsertTxLinkingTransfers(ctx context.Context, tx *store.Tx, transferIDs []uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextTxID++
	tx.ID = s.nextTxID
	s.Txs[tx.ID] = *tx
	for _, id := range transferIDs {
		t := s.Transfers[id]
		txID := tx.ID
		t.TxID = &txID
		s.Transfers[id] = t
	}
	return nil
}

func (s *FakeStore) GetAllowance(ctx context.Context, owner, token, spender string, chainID uint64) (*store.Allowance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *store.Allowance
	for _, a := range s.Allowances {
		if a.Owner == owner && a.TokenAddr == token && a.Spender == spender && a.ChainID == chainID {
			cp := a
			if best == nil || cp.ID > best.ID {
				best = &cp
			}
		}
	}
	return best, nil
}

func (s *FakeStore) SaveAllowance(ctx context.Context, allowance *store.Allowance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if allowance.ID == 0 {
		s.nextAllowanceID++
		allowance.ID = s.nextAllowanceID
	}
	s.Allowances[allowance.ID] = *allowance
	return nil
}

func (s *FakeStore) InsertApproveTxWithAllowance(ctx context.Context, tx *store.Tx, allowance *store.Allowance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextTxID++
	tx.ID = s.nextTxID
	s.Txs[tx.ID] = *tx
	s.nextAllowanceID++
	allowance.ID = s.nextAllowanceID
	allowance.TxID = &tx.ID
	s.Allowances[allowance.ID] = *allowance
	return nil
}

func (s *FakeStore) LoadProcessingTxs(ctx context.Context) ([]store.Tx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.Tx
	for _, t := range s.Txs {
		if t.Processing {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ChainID != out[j].ChainID {
			return out[i].ChainID < out[j].ChainID
		}
		if out[i].FromAddr != out[j].FromAddr {
			return out[i].FromAddr < out[j].FromAddr
		}
		ni, nj := uint64(0), uint64(0)
		if out[i].Nonce != nil {
			ni = *out[i].Nonce
		}
		if out[j].Nonce != nil {
			nj = *out[j].Nonce
		}
		return ni < nj
	})
	return out, nil
}

func (s *FakeStore) SaveTx(ctx context.Context, tx *store.Tx) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.Txs[tx.ID]; !ok {
		return fmt.Errorf("tx %d not found", tx.ID)
	}
	s.Txs[tx.ID] = *tx
	return nil
}

func (s *FakeStore) TransfersByTxID(ctx context.Context, txID uint64) ([]store.TokenTransfer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.TokenTransfer
	for _, t := range s.Transfers {
		if t.TxID != nil && *t.TxID == txID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *FakeStore) AllowanceByTxID(ctx context.Context, txID uint64) (*store.Allowance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.Allowances {
		if a.TxID != nil && *a.TxID == txID {
			cp := a
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *FakeStore) ReconcileConfirmedTransfer(ctx context.Context, tx *store.Tx, feePerChild store.Decimal, transferIDs []uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range transferIDs {
		t := s.Transfers[id]
		t.FeePaid = feePerChild
		s.Transfers[id] = t
	}
	row := s.Txs[tx.ID]
	row.Processing = false
	s.Txs[tx.ID] = row
	return nil
}

func (s *FakeStore) ReconcileConfirmedApprove(ctx context.Context, tx *store.Tx, allowanceID uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	a := s.Allowances[allowanceID]
	a.FeePaid = tx.FeePaid
	a.ConfirmDate = &now
	s.Allowances[allowanceID] = a
	row := s.Txs[tx.ID]
	row.Processing = false
	s.Txs[tx.ID] = row
	return nil
}

func (s *FakeStore) ReconcileFailed(ctx context.Context, tx *store.Tx, errMsg string, transferIDs []uint64, allowanceID *uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range transferIDs {
		t := s.Transfers[id]
		r := errMsg
		t.Error = &r
		t.FeePaid = store.ZeroDecimal
		s.Transfers[id] = t
	}
	if allowanceID != nil {
		a := s.Allowances[*allowanceID]
		r := errMsg
		a.Error = &r
		a.FeePaid = store.ZeroDecimal
		s.Allowances[*allowanceID] = a
	}
	row := s.Txs[tx.ID]
	row.Processing = false
	s.Txs[tx.ID] = row
	return nil
}

func (s *FakeStore) ListAllowances(ctx context.Context) ([]store.Allowance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.Allowance
	for _, a := range s.Allowances {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *FakeStore) GetTx(ctx context.Context, id uint64) (*store.Tx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.Txs[id]
	if !ok {
		return nil, nil
	}
	return &t, nil
}

func (s *FakeStore) ListTransactionsCurrent(ctx context.Context) ([]store.Tx, error) {
	return s.LoadProcessingTxs(ctx)
}

func (s *FakeStore) ListTransactionsLast(ctx context.Context, n int) ([]store.Tx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.Tx
	for _, t := range s.Txs {
		if !t.Processing {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if len(out) > n {
		out = out[:n]
	}
	return out, nil
}

func (s *FakeStore) ListTransactionsNext(ctx context.Context, n int) ([]store.Tx, error) {
	out, _ := s.LoadProcessingTxs(ctx)
	if len(out) > n {
		out = out[:n]
	}
	return out, nil
}

func (s *FakeStore) CountTransactions(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.Txs)), nil
}

func (s *FakeStore) FeedTransactions(ctx context.Context, page, pageSize int) ([]store.Tx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.Tx
	for _, t := range s.Txs {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	start := page * pageSize
	if start >= len(out) {
		return nil, nil
	}
	end := start + pageSize
	if end > len(out) {
		end = len(out)
	}
	return out[start:end], nil
}

func (s *FakeStore) ListTransfers(ctx context.Context, txID *uint64) ([]store.TokenTransfer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.TokenTransfer
	for _, t := range s.Transfers {
		if txID == nil || (t.TxID != nil && *t.TxID == *txID) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ChainTransfers holds fixtures for ChainTransfersForAddr; tests populate
// it directly since nothing in the engine writes these rows.
func (s *FakeStore) ChainTransfersForAddr(ctx context.Context, addr string) ([]store.ChainTransfer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.ChainTransfer
	for _, c := range s.ChainTransfers {
		if c.ReceiverAddr == addr {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (s *FakeStore) SkipTx(ctx context.Context, id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := s.Txs[id]
	row.Processing = false
	forced := "forced"
	row.Error = &forced
	s.Txs[id] = row
	return nil
}

func (s *FakeStore) Migrate(ctx context.Context) error { return nil }
func (s *FakeStore) Close() error                      { return nil }

var _ store.Store = (*FakeStore)(nil)
