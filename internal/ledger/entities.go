// Package ledger implements the per-coin transactional persistence of spec
// §3/§4.1 ("Ledger Store"): a small, transactional vocabulary over user
// handles, immutable transaction logs, the pending-payout queue, and the
// running totals, isolated per coin by a table-name prefix on a single
// shared *gorm.DB — the same singleton-store-with-prefixed-tables idiom the
// teacher's persistence.Repo uses for the scans/deposits tables.
package ledger

import "time"

// UserDepositHandle is the union of the four distinction-model shapes of
// spec §3. Only the fields relevant to a coin's configured distinction are
// ever populated; the others stay at their zero value.
type UserDepositHandle struct {
	ID              int64     `gorm:"column:id;primaryKey;autoIncrement"`
	UserID          string    `gorm:"column:user_id"`
	DerivationIndex int64     `gorm:"column:derivation_index"`
	Address         string    `gorm:"column:address"`
	Tag             int64     `gorm:"column:tag_value"`
	ExpectedAmount  string    `gorm:"column:expected_amount"`
	CreatedAt       time.Time `gorm:"column:created_at"`
}

// Transaction is an immutable, confirmed-deposit record. TxHash is unique
// per coin (invariant 3).
type Transaction struct {
	EntryID     int64     `gorm:"column:entry_id;primaryKey;autoIncrement"`
	UserID      string    `gorm:"column:user_id"`
	Amount      string    `gorm:"column:amount"`
	TxHash      string    `gorm:"column:tx_hash"`
	Vout        *int      `gorm:"column:vout"`
	BlockHash   *string   `gorm:"column:block_hash"`
	BlockHeight int64     `gorm:"column:block_height"`
	BlockTime   int64     `gorm:"column:block_time"`
	CreatedAt   time.Time `gorm:"column:created_at"`
}

// WithdrawalTransaction mirrors Transaction for the withdrawal side; kept
// as a separate table so a uniqueness violation on one stream can never
// poison the other (spec §9).
type WithdrawalTransaction struct {
	EntryID     int64     `gorm:"column:entry_id;primaryKey;autoIncrement"`
	UserID      string    `gorm:"column:user_id"`
	Amount      string    `gorm:"column:amount"`
	TxHash      string    `gorm:"column:tx_hash"`
	BlockHash   *string   `gorm:"column:block_hash"`
	BlockHeight *int64    `gorm:"column:block_height"`
	Address     string    `gorm:"column:address"`
	Timestamp   time.Time `gorm:"column:timestamp"`
}

// PendingPayout is a scheduled withdrawal awaiting broadcast. At most one
// active row per user per coin (invariant 4).
type PendingPayout struct {
	UserID  string  `gorm:"column:user_id;primaryKey"`
	Amount  string  `gorm:"column:amount"`
	Address string  `gorm:"column:address"`
	Tag     *int64  `gorm:"column:tag_value"`
	// TxHash is set right after a payout is signed, before it is broadcast.
	// If the atomic ledger write that retires this row fails after a
	// successful broadcast, the next ProcessPending pass finds TxHash
	// already set and checks the chain for it instead of re-signing.
	TxHash *string `gorm:"column:tx_hash"`
}

// AccountTotals carries a version column beyond what spec §3 names
// (SPEC_FULL supplemented feature, grounded on the teacher's FreezeBalance
// version column). UpdateAccountTotals increments it on every write but
// never compares it, so it counts updates and does not by itself guard
// against concurrent writers; that rests on Atomic's transaction.
type AccountTotals struct {
	UserID               string `gorm:"column:user_id;primaryKey"`
	CumulativeDeposit    string `gorm:"column:cumulative_deposit"`
	CumulativeWithdrawal string `gorm:"column:cumulative_withdrawal"`
	Version              int64  `gorm:"column:version"`
}

// GlobalTotals is a coin-scoped singleton, always the row with ID=1.
type GlobalTotals struct {
	ID                   int64  `gorm:"column:id;primaryKey"`
	CumulativeDeposit    string `gorm:"column:cumulative_deposit"`
	CumulativeWithdrawal string `gorm:"column:cumulative_withdrawal"`
}

// BackendBalanceSnapshot is a coin-scoped singleton, always the row with ID=1.
type BackendBalanceSnapshot struct {
	ID      int64  `gorm:"column:id;primaryKey"`
	Balance string `gorm:"column:balance"`
}

// ProcessedBlockWatermark is a coin-scoped singleton, always the row with ID=1.
type ProcessedBlockWatermark struct {
	ID          int64   `gorm:"column:id;primaryKey"`
	BlockHeight int64   `gorm:"column:block_height"`
	BlockHash   *string `gorm:"column:block_hash"`
}
