// Package outbox implements the three process-wide, pull-once event queues
// of spec §4.5: processed deposits, processed withdrawals and rejected
// withdrawals. Unlike the Ledger Store these tables are not namespaced per
// coin — coin is just a column, and every Drain filters on it.
package outbox

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gopherex.com/internal/dbctx"
	"gopherex.com/pkg/xerr"
	"gorm.io/gorm"
)

type Kind string

const (
	ProcessedDeposit    Kind = "processed_deposit"
	ProcessedWithdrawal Kind = "processed_withdrawal"
	RejectedWithdrawal  Kind = "rejected_withdrawal"
)

// Event is the shared row shape for all three outbox tables (spec §3:
// "each `(userId, coin, jsonPayload)`").
type Event struct {
	ID        string    `gorm:"column:id;primaryKey"`
	Coin      string    `gorm:"column:coin;index:idx_outbox_coin_user"`
	UserID    string    `gorm:"column:user_id;index:idx_outbox_coin_user"`
	Payload   string    `gorm:"column:payload"` // JSON
	CreatedAt time.Time `gorm:"column:created_at"`
}

func (Event) TableName() string { return "" } // never used directly; see tableFor

type Outbox struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Outbox {
	return &Outbox{db: db}
}

// Atomic runs fn with every Append inside one transaction — the scheduler
// uses this to drain a whole tick's worth of collected events together
// rather than one commit per event.
func (o *Outbox) Atomic(ctx context.Context, fn func(ctx context.Context) error) error {
	err := o.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(dbctx.With(ctx, tx))
	})
	if err != nil {
		if _, ok := xerr.As(err); ok {
			return err
		}
		return xerr.Newf(xerr.StorageFatal, "outbox atomic drain failed: %v", err)
	}
	return nil
}

func (o *Outbox) AutoMigrate() error {
	for _, t := range []string{tableFor(ProcessedDeposit), tableFor(ProcessedWithdrawal), tableFor(RejectedWithdrawal)} {
		if err := o.db.Table(t).Migrator().AutoMigrate(&Event{}); err != nil {
			return err
		}
	}
	return nil
}

func tableFor(kind Kind) string {
	switch kind {
	case ProcessedDeposit:
		return "outbox_processed_deposits"
	case ProcessedWithdrawal:
		return "outbox_processed_withdrawals"
	case RejectedWithdrawal:
		return "outbox_rejected_withdrawals"
	default:
		return "outbox_unknown"
	}
}

// Append inserts one event. Called from inside the reconciler's Atomic
// scope so an event is only visible once its ledger mutation has committed;
// dbctx.Or picks up that same in-flight transaction automatically.
func (o *Outbox) Append(ctx context.Context, kind Kind, coin, userID, payloadJSON string) error {
	row := Event{
		ID:        uuid.NewString(),
		Coin:      coin,
		UserID:    userID,
		Payload:   payloadJSON,
		CreatedAt: time.Now(),
	}
	err := dbctx.Or(ctx, o.db).WithContext(ctx).Table(tableFor(kind)).Create(&row).Error
	if err != nil {
		return xerr.Newf(xerr.StorageFatal, "append outbox event: %v", err)
	}
	return nil
}

// Drain returns and deletes every row matching (coin, userId) atomically —
// "pull-once" per spec §4.5. An empty userID means "match on coin only"
// (the `listAll…` variants).
func (o *Outbox) Drain(ctx context.Context, kind Kind, coin, userID string) ([]Event, error) {
	var rows []Event
	err := o.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.Table(tableFor(kind)).Where("coin = ?", coin)
		if userID != "" {
			q = q.Where("user_id = ?", userID)
		}
		if err := q.Find(&rows).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		ids := make([]string, len(rows))
		for i, r := range rows {
			ids[i] = r.ID
		}
		return tx.Table(tableFor(kind)).Where("id IN ?", ids).Delete(&Event{}).Error
	})
	if err != nil {
		return nil, xerr.Newf(xerr.StorageFatal, "drain outbox: %v", err)
	}
	return rows, nil
}
