// Package store defines the relational schema owned by the payment engine
// (token_transfer, tx, allowance) plus the write-only reconciliation tables
// (chain_tx, chain_transfer) populated by the separate inbound observer.
package store

import "time"

// Tx method tags, matching spec.md §3 exactly.
const (
	MethodTransfer             = "transfer"
	MethodERC20Transfer        = "ERC20.transfer"
	MethodERC20Approve         = "ERC20.approve"
	MethodMultiDirectPacked    = "MULTI.golemTransferDirectPacked"
	MethodMultiIndirectPacked  = "MULTI.golemTransferIndirectPacked"
)

// TokenTransfer is the logical payment unit a caller inserts.
type TokenTransfer struct {
	ID            uint64 `gorm:"primary_key"`
	PaymentID     string `gorm:"column:payment_id;index"`
	FromAddr      string `gorm:"column:from_addr;index"`
	ReceiverAddr  string `gorm:"column:receiver_addr"`
	ChainID       uint64 `gorm:"column:chain_id;index"`
	TokenAddr     string `gorm:"column:token_addr"` // empty => native coin
	TokenAmount   Decimal `gorm:"column:token_amount"`
	TxID          *uint64 `gorm:"column:tx_id;index"`
	FeePaid       Decimal `gorm:"column:fee_paid"`
	Error         *string `gorm:"column:error"`
	CreatedDate   time.Time `gorm:"column:created_date"`
}

// TableName pins the table name so renaming the Go type never migrates data.
func (TokenTransfer) TableName() string { return "token_transfer" }

// IsQueued reports whether the transfer has not yet been assigned to a Tx
// and has not failed — the set the Batcher loads every gather tick.
func (t TokenTransfer) IsQueued() bool { return t.TxID == nil && t.Error == nil }

// IsDone reports the terminal-success state.
func (t TokenTransfer) IsDone() bool { return t.FeePaid != "" && t.Error == nil }

// IsFailed reports the terminal-failure state.
func (t TokenTransfer) IsFailed() bool { return t.Error != nil }

// Tx is one on-chain transaction attempt.
type Tx struct {
	ID              uint64 `gorm:"primary_key"`
	Method          string `gorm:"column:method"`
	FromAddr        string `gorm:"column:from_addr;index"`
	ToAddr          string `gorm:"column:to_addr"`
	ChainID         uint64 `gorm:"column:chain_id;index"`
	GasLimit        *uint64 `gorm:"column:gas_limit"`
	MaxFeePerGas    Decimal `gorm:"column:max_fee_per_gas"`
	PriorityFee     Decimal `gorm:"column:priority_fee"`
	Val             Decimal `gorm:"column:val"`
	Nonce           *uint64 `gorm:"column:nonce"`
	Processing      bool    `gorm:"column:processing;index"`
	CallData        []byte  `gorm:"column:call_data"`
	SignedRawData   []byte  `gorm:"column:signed_raw_data"`
	TxHash          string  `gorm:"column:tx_hash;index"`
	CreatedDate     time.Time  `gorm:"column:created_date"`
	FirstProcessed  *time.Time `gorm:"column:first_processed"`
	SignedDate      *time.Time `gorm:"column:signed_date"`
	BroadcastDate   *time.Time `gorm:"column:broadcast_date"`
	ConfirmDate     *time.Time `gorm:"column:confirm_date"`
	BroadcastCount  int        `gorm:"column:broadcast_count"`
	BlockNumber     *uint64    `gorm:"column:block_number"`
	ChainStatus     *uint64    `gorm:"column:chain_status"`
	FeePaid         Decimal    `gorm:"column:fee_paid"`
	Error           *string    `gorm:"column:error"`
}

func (Tx) TableName() string { return "tx" }

// IsTerminal reports processing=0, i.e. the row will never be picked up by
// a future process tick again.
func (t Tx) IsTerminal() bool { return !t.Processing }

// IsTransferMethod reports whether the tx's method moves tokens/coin
// directly (as opposed to ERC20.approve).
func (t Tx) IsTransferMethod() bool {
	switch t.Method {
	case MethodTransfer, MethodERC20Transfer, MethodMultiDirectPacked, MethodMultiIndirectPacked:
		return true
	default:
		return false
	}
}

// Allowance tracks an ERC20 approval granted to a spender (the multi-send
// contract) on behalf of an owner.
type Allowance struct {
	ID          uint64 `gorm:"primary_key"`
	Owner       string `gorm:"column:owner;index"`
	TokenAddr   string `gorm:"column:token_addr;index"`
	Spender     string `gorm:"column:spender"`
	ChainID     uint64 `gorm:"column:chain_id;index"`
	Allowance   Decimal `gorm:"column:allowance"`
	TxID        *uint64 `gorm:"column:tx_id"`
	FeePaid     Decimal `gorm:"column:fee_paid"`
	ConfirmDate *time.Time `gorm:"column:confirm_date"`
	Error       *string    `gorm:"column:error"`
}

func (Allowance) TableName() string { return "allowance" }

// IsMet reports whether this row is confirmed, unfailed, and its granted
// amount is at or above minAllowance.
func (a Allowance) IsMet(minAllowance *Decimal) bool {
	if a.ConfirmDate == nil || a.Error != nil {
		return false
	}
	threshold, err := minAllowance.Int()
	if err != nil {
		return false
	}
	granted, err := a.Allowance.Int()
	if err != nil {
		return false
	}
	return granted.Cmp(threshold) >= 0
}

// ChainTx is a reconciled on-chain transaction record, write-only from the
// engine's point of view — populated by the separate inbound observer.
type ChainTx struct {
	ID          uint64 `gorm:"primary_key"`
	TxHash      string `gorm:"column:tx_hash;index"`
	ChainID     uint64 `gorm:"column:chain_id;index"`
	FromAddr    string `gorm:"column:from_addr;index"`
	ToAddr      string `gorm:"column:to_addr"`
	BlockNumber uint64 `gorm:"column:block_number"`
	ChainStatus uint64 `gorm:"column:chain_status"`
}

func (ChainTx) TableName() string { return "chain_tx" }

// ChainTransfer is a reconciled inbound ERC20/native transfer observed
// on-chain. Write-only from the engine's point of view.
type ChainTransfer struct {
	ID           uint64 `gorm:"primary_key"`
	ChainTxID    uint64 `gorm:"column:chain_tx_id;index"`
	FromAddr     string `gorm:"column:from_addr;index"`
	ReceiverAddr string `gorm:"column:receiver_addr;index"`
	TokenAddr    string `gorm:"column:token_addr"`
	Amount       Decimal `gorm:"column:amount"`
}

func (ChainTransfer) TableName() string { return "chain_transfer" }
