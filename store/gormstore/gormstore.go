// Package gormstore is the concrete, gorm-backed implementation of
// store.Store against sqlite (DB_SQLITE_FILENAME), the relational schema
// owned by the payment engine.
package gormstore

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/jinzhu/gorm"
	_ "github.com/jinzhu/gorm/dialects/sqlite"

	"github.com/scx1332/erc20payment-go/store"
)

var logger = log.New("module", "gormstore")

// GormStore is the single-writer-friendly store.Store implementation. gorm
// owns a connection pool, so unlike the single-mutex-guarded-connection
// pattern the design notes warn about (spec.md §9), no explicit mutex wraps
// store calls. The pool is capped at one open connection (see New), so
// concurrent HTTP readers and the engine's writer goroutine take turns on
// that connection and readers tolerate stale reads.
type GormStore struct {
	db *gorm.DB
}

// New opens (creating if absent) the sqlite file at path and wraps it.
func New(path string) (*GormStore, error) {
	db, err := gorm.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}
	db.DB().SetMaxOpenConns(1) // sqlite allows exactly one writer at a time
	return &GormStore{db: db}, nil
}

func (s *GormStore) Migrate(ctx context.Context) error {
	return s.db.AutoMigrate(
		&store.TokenTransfer{},
		&store.Tx{},
		&store.Allowance{},
		&store.ChainTx{},
		&store.ChainTransfer{},
	).Error
}

func (s *GormStore) Close() error { return s.db.Close() }

func (s *GormStore) LoadQueuedTransfers(ctx context.Context) ([]store.TokenTransfer, error) {
	var out []store.TokenTransfer
	err := s.db.Where("tx_id IS NULL AND error IS NULL").Order("id asc").Find(&out).Error
	return out, err
}

func (s *GormStore) FailTransfers(ctx context.Context, ids []uint64, reason string) error {
	if len(ids) == 0 {
		return nil
	}
	return s.db.Model(&store.TokenTransfer{}).
		Where("id IN (?)", ids).
		Updates(map[string]interface{}{"error": reason, "fee_paid": store.ZeroDecimal}).Error
}

func (s *GormStore) InsertTxLinkingTransfers(ctx context.Context, tx *store.Tx, transferIDs []uint64) error {
	return s.db.Transaction(func(db *gorm.DB) error {
		if err := db.Create(tx).Error; err != nil {
			return fmt.Errorf("insert tx: %w", err)
		}
		if len(transferIDs) > 0 {
			if err := db.Model(&store.TokenTransfer{}).
				Where("id IN (?)", transferIDs).
				Update("tx_id", tx.ID).Error; err != nil {
				return fmt.Errorf("link transfers: %w", err)
			}
		}
		return nil
	})
}

func (s *GormStore) GetAllowance(ctx context.Context, owner, token, spender string, chainID uint64) (*store.Allowance, error) {
	var a store.Allowance
	err := s.db.Where("owner = ? AND token_addr = ? AND spender = ? AND chain_id = ?", owner, token, spender, chainID).
		Order("id desc").First(&a).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *GormStore) SaveAllowance(ctx context.Context, allowance *store.Allowance) error {
	return s.db.Save(allowance).Error
}

func (s *GormStore) InsertApproveTxWithAllowance(ctx context.Context, tx *store.Tx, allowance *store.Allowance) error {
	return s.db.Transaction(func(db *gorm.DB) error {
		if err := db.Create(tx).Error; err != nil {
			return fmt.Errorf("insert approve tx: %w", err)
		}
		allowance.TxID = &tx.ID
		if err := db.Create(allowance).Error; err != nil {
			return fmt.Errorf("insert allowance: %w", err)
		}
		return nil
	})
}

func (s *GormStore) LoadProcessingTxs(ctx context.Context) ([]store.Tx, error) {
	var out []store.Tx
	err := s.db.Where("processing = ?", true).
		Order("chain_id asc, from_addr asc, nonce asc").Find(&out).Error
	return out, err
}

func (s *GormStore) SaveTx(ctx context.Context, tx *store.Tx) error {
	return s.db.Save(tx).Error
}

func (s *GormStore) TransfersByTxID(ctx context.Context, txID uint64) ([]store.TokenTransfer, error) {
	var out []store.TokenTransfer
	err := s.db.Where("tx_id = ?", txID).Find(&out).Error
	return out, err
}

func (s *GormStore) AllowanceByTxID(ctx context.Context, txID uint64) (*store.Allowance, error) {
	var a store.Allowance
	err := s.db.Where("tx_id = ?", txID).First(&a).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *GormStore) ReconcileConfirmedTransfer(ctx context.Context, tx *store.Tx, feePerChild store.Decimal, transferIDs []uint64) error {
	return s.db.Transaction(func(db *gorm.DB) error {
		if len(transferIDs) > 0 {
			if err := db.Model(&store.TokenTransfer{}).Where("id IN (?)", transferIDs).
				Update("fee_paid", feePerChild).Error; err != nil {
				return err
			}
		}
		return db.Model(&store.Tx{}).Where("id = ?", tx.ID).Update("processing", false).Error
	})
}

func (s *GormStore) ReconcileConfirmedApprove(ctx context.Context, tx *store.Tx, allowanceID uint64) error {
	now := time.Now()
	return s.db.Transaction(func(db *gorm.DB) error {
		if err := db.Model(&store.Allowance{}).Where("id = ?", allowanceID).
			Updates(map[string]interface{}{"fee_paid": tx.FeePaid, "confirm_date": &now}).Error; err != nil {
			return err
		}
		return db.Model(&store.Tx{}).Where("id = ?", tx.ID).Update("processing", false).Error
	})
}

func (s *GormStore) ReconcileFailed(ctx context.Context, tx *store.Tx, errMsg string, transferIDs []uint64, allowanceID *uint64) error {
	return s.db.Transaction(func(db *gorm.DB) error {
		if len(transferIDs) > 0 {
			if err := db.Model(&store.TokenTransfer{}).Where("id IN (?)", transferIDs).
				Updates(map[string]interface{}{"error": errMsg, "fee_paid": store.ZeroDecimal}).Error; err != nil {
				return err
			}
		}
		if allowanceID != nil {
			if err := db.Model(&store.Allowance{}).Where("id = ?", *allowanceID).
				Updates(map[string]interface{}{"error": errMsg, "fee_paid": store.ZeroDecimal}).Error; err != nil {
				return err
			}
		}
		return db.Model(&store.Tx{}).Where("id = ?", tx.ID).Update("processing", false).Error
	})
}

func (s *GormStore) ListAllowances(ctx context.Context) ([]store.Allowance, error) {
	var out []store.Allowance
	err := s.db.Order("id asc").Find(&out).Error
	return out, err
}

func (s *GormStore) GetTx(ctx context.Context, id uint64) (*store.Tx, error) {
	var t store.Tx
	err := s.db.Where("id = ?", id).First(&t).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *GormStore) ListTransactionsCurrent(ctx context.Context) ([]store.Tx, error) {
	var out []store.Tx
	err := s.db.Where("processing = ?", true).Order("id asc").Find(&out).Error
	return out, err
}

func (s *GormStore) ListTransactionsLast(ctx context.Context, n int) ([]store.Tx, error) {
	var out []store.Tx
	err := s.db.Where("processing = ?", false).Order("id desc").Limit(n).Find(&out).Error
	return out, err
}

func (s *GormStore) ListTransactionsNext(ctx context.Context, n int) ([]store.Tx, error) {
	var out []store.Tx
	err := s.db.Where("processing = ?", true).Order("id asc").Limit(n).Find(&out).Error
	return out, err
}

func (s *GormStore) CountTransactions(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.Model(&store.Tx{}).Count(&n).Error
	return n, err
}

func (s *GormStore) FeedTransactions(ctx context.Context, page, pageSize int) ([]store.Tx, error) {
	var out []store.Tx
	err := s.db.Order("id desc").Offset(page * pageSize).Limit(pageSize).Find(&out).Error
	return out, err
}

func (s *GormStore) ListTransfers(ctx context.Context, txID *uint64) ([]store.TokenTransfer, error) {
	var out []store.TokenTransfer
	q := s.db.Order("id asc")
	if txID != nil {
		q = q.Where("tx_id = ?", *txID)
	}
	err := q.Find(&out).Error
	return out, err
}

func (s *GormStore) ChainTransfersForAddr(ctx context.Context, addr string) ([]store.ChainTransfer, error) {
	var out []store.ChainTransfer
	err := s.db.Where("receiver_addr = ?", addr).Order("id desc").Find(&out).Error
	return out, err
}

func (s *GormStore) SkipTx(ctx context.Context, id uint64) error {
	forced := "forced"
	logger.Info("operator skip", "tx_id", id)
	return s.db.Model(&store.Tx{}).Where("id = ?", id).
		Updates(map[string]interface{}{"processing": false, "error": &forced}).Error
}

var _ store.Store = (*GormStore)(nil)
