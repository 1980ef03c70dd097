package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gopherex.com/internal/dbctx"
	"gopherex.com/internal/money"
	"gopherex.com/pkg/xerr"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Store is one coin's namespace over the shared *gorm.DB, isolated by a
// table-name prefix (the coin ticker, used as given). It mirrors the
// teacher's persistence.Repo: the list reads (AllDepositHandles,
// ListTransactions, ListWithdrawals, ListAllPending) run against the base
// handle, while single-row lookups and writes use the transaction pulled
// from ctx when Atomic is in flight.
type Store struct {
	db     *gorm.DB
	prefix string
}

func New(db *gorm.DB, coin string) *Store {
	return &Store{db: db, prefix: coin}
}

func (s *Store) table(name string) string {
	return fmt.Sprintf("%s_%s", s.prefix, name)
}

func (s *Store) conn(ctx context.Context) *gorm.DB {
	return dbctx.Or(ctx, s.db)
}

// Atomic runs fn inside a single database transaction: all mutations
// commit together or roll back together, and reads issued through the ctx
// Atomic hands to fn observe the writes made earlier in the same fn
// (read-your-writes), per spec §4.1.
func (s *Store) Atomic(ctx context.Context, fn func(ctx context.Context) error) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(dbctx.With(ctx, tx))
	})
	if err != nil {
		if _, ok := xerr.As(err); ok {
			return err
		}
		return xerr.Newf(xerr.StorageFatal, "atomic unit failed on %s: %v", s.prefix, err)
	}
	return nil
}

// AutoMigrate creates the coin's tables if they do not already exist. Kept
// here rather than in cmd/ so tests can spin up an isolated sqlite store
// with one call, the way the teacher's tests dial a throwaway MySQL schema.
func (s *Store) AutoMigrate() error {
	m := s.db.Table(s.table("deposit_handles")).Migrator()
	if err := m.AutoMigrate(&UserDepositHandle{}); err != nil {
		return err
	}
	if err := s.db.Table(s.table("transactions")).Migrator().AutoMigrate(&Transaction{}); err != nil {
		return err
	}
	if err := s.db.Table(s.table("withdrawals")).Migrator().AutoMigrate(&WithdrawalTransaction{}); err != nil {
		return err
	}
	if err := s.db.Table(s.table("pending_payouts")).Migrator().AutoMigrate(&PendingPayout{}); err != nil {
		return err
	}
	if err := s.db.Table(s.table("account_totals")).Migrator().AutoMigrate(&AccountTotals{}); err != nil {
		return err
	}
	if err := s.db.Table(s.table("global_totals")).Migrator().AutoMigrate(&GlobalTotals{}); err != nil {
		return err
	}
	if err := s.db.Table(s.table("backend_balance")).Migrator().AutoMigrate(&BackendBalanceSnapshot{}); err != nil {
		return err
	}
	return s.db.Table(s.table("watermark")).Migrator().AutoMigrate(&ProcessedBlockWatermark{})
}

// ---------- reads ----------

func (s *Store) LookupDepositHandlesByUser(ctx context.Context, userID string) ([]UserDepositHandle, error) {
	var out []UserDepositHandle
	err := s.conn(ctx).WithContext(ctx).Table(s.table("deposit_handles")).
		Where("user_id = ?", userID).Find(&out).Error
	return out, wrapDB(err, "lookup deposit handles")
}

// AllDepositHandles returns every registered handle for this coin,
// regardless of user — the address engine needs the full set to drive one
// sweep pass over every watched address.
func (s *Store) AllDepositHandles(ctx context.Context) ([]UserDepositHandle, error) {
	var out []UserDepositHandle
	err := s.db.WithContext(ctx).Table(s.table("deposit_handles")).Find(&out).Error
	return out, wrapDB(err, "list all deposit handles")
}

func (s *Store) LookupByAddress(ctx context.Context, address string) (*UserDepositHandle, error) {
	return s.lookupOne(ctx, "address = ?", address)
}

func (s *Store) LookupByTag(ctx context.Context, tag int64) (*UserDepositHandle, error) {
	return s.lookupOne(ctx, "tag_value = ?", tag)
}

func (s *Store) LookupByAmount(ctx context.Context, amount string) (*UserDepositHandle, error) {
	return s.lookupOne(ctx, "expected_amount = ?", amount)
}

func (s *Store) lookupOne(ctx context.Context, where string, arg interface{}) (*UserDepositHandle, error) {
	var out UserDepositHandle
	err := s.conn(ctx).WithContext(ctx).Table(s.table("deposit_handles")).
		Where(where, arg).First(&out).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	return &out, wrapDB(err, "lookup deposit handle")
}

func (s *Store) TransactionExists(ctx context.Context, txHash string) (bool, error) {
	var count int64
	err := s.conn(ctx).WithContext(ctx).Table(s.table("transactions")).
		Where("tx_hash = ?", txHash).Count(&count).Error
	return count > 0, wrapDB(err, "check transaction exists")
}

func (s *Store) ListTransactions(ctx context.Context, userID string, offset, limit int) ([]Transaction, error) {
	var out []Transaction
	err := s.db.WithContext(ctx).Table(s.table("transactions")).
		Where("user_id = ?", userID).
		Order("entry_id DESC").Offset(offset).Limit(limit).Find(&out).Error
	return out, wrapDB(err, "list transactions")
}

func (s *Store) ListWithdrawals(ctx context.Context, userID string, offset, limit int) ([]WithdrawalTransaction, error) {
	var out []WithdrawalTransaction
	err := s.db.WithContext(ctx).Table(s.table("withdrawals")).
		Where("user_id = ?", userID).
		Order("entry_id DESC").Offset(offset).Limit(limit).Find(&out).Error
	return out, wrapDB(err, "list withdrawals")
}

func (s *Store) ListAllPending(ctx context.Context) ([]PendingPayout, error) {
	var out []PendingPayout
	err := s.db.WithContext(ctx).Table(s.table("pending_payouts")).Find(&out).Error
	return out, wrapDB(err, "list pending payouts")
}

func (s *Store) PendingFor(ctx context.Context, userID string) (*PendingPayout, error) {
	var out PendingPayout
	err := s.conn(ctx).WithContext(ctx).Table(s.table("pending_payouts")).
		Where("user_id = ?", userID).First(&out).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	return &out, wrapDB(err, "lookup pending payout")
}

func (s *Store) AccountTotalsFor(ctx context.Context, userID string) (*AccountTotals, error) {
	var out AccountTotals
	err := s.conn(ctx).WithContext(ctx).Table(s.table("account_totals")).
		Where("user_id = ?", userID).First(&out).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &AccountTotals{UserID: userID, CumulativeDeposit: "0", CumulativeWithdrawal: "0"}, nil
	}
	return &out, wrapDB(err, "lookup account totals")
}

func (s *Store) GlobalTotalsSnapshot(ctx context.Context) (*GlobalTotals, error) {
	var out GlobalTotals
	err := s.conn(ctx).WithContext(ctx).Table(s.table("global_totals")).
		Where("id = ?", 1).First(&out).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &GlobalTotals{ID: 1, CumulativeDeposit: "0", CumulativeWithdrawal: "0"}, nil
	}
	return &out, wrapDB(err, "lookup global totals")
}

func (s *Store) BackendBalance(ctx context.Context) (string, error) {
	var out BackendBalanceSnapshot
	err := s.conn(ctx).WithContext(ctx).Table(s.table("backend_balance")).
		Where("id = ?", 1).First(&out).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "0", nil
	}
	return out.Balance, wrapDB(err, "lookup backend balance")
}

func (s *Store) PendingSum(ctx context.Context) (string, error) {
	pending, err := s.ListAllPending(ctx)
	if err != nil {
		return "0", err
	}
	sum := "0"
	for _, p := range pending {
		sum = money.Add(sum, p.Amount)
	}
	return sum, nil
}

func (s *Store) BlockProcessed(ctx context.Context, height int64) (bool, error) {
	var wm ProcessedBlockWatermark
	err := s.conn(ctx).WithContext(ctx).Table(s.table("watermark")).
		Where("id = ?", 1).First(&wm).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, wrapDB(err, "lookup watermark")
	}
	return height <= wm.BlockHeight, nil
}

func (s *Store) Watermark(ctx context.Context) (int64, *string, error) {
	var wm ProcessedBlockWatermark
	err := s.conn(ctx).WithContext(ctx).Table(s.table("watermark")).
		Where("id = ?", 1).First(&wm).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil, nil
	}
	return wm.BlockHeight, wm.BlockHash, wrapDB(err, "lookup watermark")
}

func (s *Store) TopDerivationIndex(ctx context.Context) (int64, error) {
	var out struct{ Max int64 }
	err := s.conn(ctx).WithContext(ctx).Table(s.table("deposit_handles")).
		Select("COALESCE(MAX(derivation_index), 0) as max").Scan(&out).Error
	return out.Max, wrapDB(err, "top derivation index")
}

// ---------- writes (must be called inside Atomic) ----------

func (s *Store) InsertDepositHandle(ctx context.Context, h *UserDepositHandle) error {
	return wrapDB(s.conn(ctx).WithContext(ctx).Table(s.table("deposit_handles")).Create(h).Error, "insert deposit handle")
}

func (s *Store) DeleteAmountHandle(ctx context.Context, userID, amount string) error {
	return wrapDB(s.conn(ctx).WithContext(ctx).Table(s.table("deposit_handles")).
		Where("user_id = ? AND expected_amount = ?", userID, amount).Delete(&UserDepositHandle{}).Error,
		"delete amount handle")
}

func (s *Store) DeleteAmountHandlesForUser(ctx context.Context, userID string) error {
	return wrapDB(s.conn(ctx).WithContext(ctx).Table(s.table("deposit_handles")).
		Where("user_id = ?", userID).Delete(&UserDepositHandle{}).Error, "cancel amount handles")
}

func (s *Store) InsertTransaction(ctx context.Context, t *Transaction) error {
	return wrapDB(s.conn(ctx).WithContext(ctx).Table(s.table("transactions")).Create(t).Error, "insert transaction")
}

func (s *Store) InsertWithdrawalTransaction(ctx context.Context, w *WithdrawalTransaction) error {
	return wrapDB(s.conn(ctx).WithContext(ctx).Table(s.table("withdrawals")).Create(w).Error, "insert withdrawal")
}

// InsertPending enforces invariant 4 (at most one pending payout per user)
// via the primary key on user_id; a duplicate insert surfaces as a
// StateConflict, not a StorageFatal.
func (s *Store) InsertPending(ctx context.Context, p *PendingPayout) error {
	err := s.conn(ctx).WithContext(ctx).Table(s.table("pending_payouts")).Create(p).Error
	if err != nil {
		if isUniqueViolation(err) {
			return xerr.New(xerr.StateConflict, "pending payout already exists for user")
		}
		return wrapDB(err, "insert pending payout")
	}
	return nil
}

func (s *Store) DeletePending(ctx context.Context, userID string) error {
	return wrapDB(s.conn(ctx).WithContext(ctx).Table(s.table("pending_payouts")).
		Where("user_id = ?", userID).Delete(&PendingPayout{}).Error, "delete pending payout")
}

// SetPendingTxHash records the signed transaction hash for a pending payout
// before it is broadcast, so a ProcessPending pass that crashes or fails
// after broadcasting but before retiring the row can recognise, on retry,
// that the transaction already went out instead of signing a second one.
func (s *Store) SetPendingTxHash(ctx context.Context, userID, txHash string) error {
	return wrapDB(s.conn(ctx).WithContext(ctx).Table(s.table("pending_payouts")).
		Where("user_id = ?", userID).Update("tx_hash", txHash).Error, "set pending tx hash")
}

// UpdateAccountTotals credits/debits a user's running totals by the given
// deltas ("0" for no change on that side). Amounts are decimal strings in
// the coin's own unit (e.g. "0.00005000"), as the engines pass them, not
// integer counts of minimal units, so the increment is computed in Go with
// internal/money rather than pushed
// down as SQL arithmetic, then written with an upsert — safe because
// Atomic's single transaction gives us the single-writer serialisable
// behaviour spec §5 assumes of the substrate.
func (s *Store) UpdateAccountTotals(ctx context.Context, userID, depositDelta, withdrawalDelta string) error {
	current, err := s.AccountTotalsFor(ctx, userID)
	if err != nil {
		return err
	}
	row := AccountTotals{
		UserID:               userID,
		CumulativeDeposit:    money.Add(current.CumulativeDeposit, depositDelta),
		CumulativeWithdrawal: money.Add(current.CumulativeWithdrawal, withdrawalDelta),
		Version:              current.Version + 1,
	}
	err = s.conn(ctx).WithContext(ctx).Table(s.table("account_totals")).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"cumulative_deposit", "cumulative_withdrawal", "version"}),
	}).Create(&row).Error
	return wrapDB(err, "update account totals")
}

func (s *Store) UpdateGlobalTotals(ctx context.Context, depositDelta, withdrawalDelta string) error {
	current, err := s.GlobalTotalsSnapshot(ctx)
	if err != nil {
		return err
	}
	row := GlobalTotals{
		ID:                   1,
		CumulativeDeposit:    money.Add(current.CumulativeDeposit, depositDelta),
		CumulativeWithdrawal: money.Add(current.CumulativeWithdrawal, withdrawalDelta),
	}
	err = s.conn(ctx).WithContext(ctx).Table(s.table("global_totals")).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"cumulative_deposit", "cumulative_withdrawal"}),
	}).Create(&row).Error
	return wrapDB(err, "update global totals")
}

// RecordProcessedBlock advances the watermark, refusing to move it backwards
// (invariant 7: monotone non-decreasing).
func (s *Store) RecordProcessedBlock(ctx context.Context, height int64, hash *string) error {
	current, _, err := s.Watermark(ctx)
	if err != nil {
		return err
	}
	if height < current {
		return xerr.Newf(xerr.ProgrammerError, "watermark regression: current=%d new=%d", current, height)
	}
	db := s.conn(ctx).WithContext(ctx)
	row := ProcessedBlockWatermark{ID: 1, BlockHeight: height, BlockHash: hash}
	err = db.Table(s.table("watermark")).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"block_height", "block_hash"}),
	}).Create(&row).Error
	return wrapDB(err, "record processed block")
}

func (s *Store) UpdateBackendBalance(ctx context.Context, balance string) error {
	db := s.conn(ctx).WithContext(ctx)
	row := BackendBalanceSnapshot{ID: 1, Balance: balance}
	err := db.Table(s.table("backend_balance")).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"balance"}),
	}).Create(&row).Error
	return wrapDB(err, "update backend balance")
}

// ---------- helpers ----------

func wrapDB(err error, action string) error {
	if err == nil {
		return nil
	}
	return xerr.Newf(xerr.StorageFatal, "%s: %v", action, err)
}

// isUniqueViolation mirrors the teacher's repo.Create pattern
// (internal/user/repo/user.go, address.go): errors.Is against gorm's own
// translated sentinel first. gorm only populates ErrDuplicatedKey when the
// dialector implements error translation for the driver in use; the raw
// driver-message match stays as a fallback for drivers/configurations that
// don't.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	for _, sub := range []string{"UNIQUE constraint", "Duplicate entry", "duplicate key", "constraint failed"} {
		if strings.Contains(msg, sub) {
			return true
		}
	}
	return false
}

