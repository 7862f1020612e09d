package store

import "context"

// Store is the persistence capability the engine is written against. It is
// deliberately narrow — every method either reads a filtered view or
// performs one atomic write the spec calls out as needing a transaction
// (§5 "Shared-resource policy"). gormstore.New returns the concrete,
// gorm-backed implementation; tests use an in-memory fake.
type Store interface {
	// Batcher
	LoadQueuedTransfers(ctx context.Context) ([]TokenTransfer, error)
	FailTransfers(ctx context.Context, ids []uint64, reason string) error
	InsertTxLinkingTransfers(ctx context.Context, tx *Tx, transferIDs []uint64) error

	// AllowanceManager
	GetAllowance(ctx context.Context, owner, token, spender string, chainID uint64) (*Allowance, error)
	// SaveAllowance creates the row if ID is zero, else updates every field
	// of the existing row (gorm's create-or-save-by-primary-key idiom).
	SaveAllowance(ctx context.Context, allowance *Allowance) error
	InsertApproveTxWithAllowance(ctx context.Context, tx *Tx, allowance *Allowance) error

	// ServiceLoop / TxExecutor
	LoadProcessingTxs(ctx context.Context) ([]Tx, error)
	SaveTx(ctx context.Context, tx *Tx) error

	// Reconciler
	TransfersByTxID(ctx context.Context, txID uint64) ([]TokenTransfer, error)
	AllowanceByTxID(ctx context.Context, txID uint64) (*Allowance, error)
	ReconcileConfirmedTransfer(ctx context.Context, tx *Tx, feePerChild Decimal, transferIDs []uint64) error
	ReconcileConfirmedApprove(ctx context.Context, tx *Tx, allowanceID uint64) error
	ReconcileFailed(ctx context.Context, tx *Tx, errMsg string, transferIDs []uint64, allowanceID *uint64) error

	// HTTP observer (read-only, plus the one operator write)
	ListAllowances(ctx context.Context) ([]Allowance, error)
	GetTx(ctx context.Context, id uint64) (*Tx, error)
	ListTransactionsCurrent(ctx context.Context) ([]Tx, error)
	ListTransactionsLast(ctx context.Context, n int) ([]Tx, error)
	ListTransactionsNext(ctx context.Context, n int) ([]Tx, error)
	CountTransactions(ctx context.Context) (int64, error)
	FeedTransactions(ctx context.Context, page, pageSize int) ([]Tx, error)
	ListTransfers(ctx context.Context, txID *uint64) ([]TokenTransfer, error)
	SkipTx(ctx context.Context, id uint64) error
	// ChainTransfersForAddr lists reconciled inbound transfers credited to
	// addr (the observer's write side), for the HTTP /account/{addr} view.
	ChainTransfersForAddr(ctx context.Context, addr string) ([]ChainTransfer, error)

	// Migration / lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
