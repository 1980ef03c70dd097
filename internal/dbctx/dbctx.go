// Package dbctx carries an in-flight *gorm.DB transaction through a
// context.Context, the same "tx_db" idiom the teacher's persistence.Repo
// used as a string key, made into a proper unexported type so the Ledger
// Store and the outbox can share one transaction inside a single Atomic
// scope without colliding on context keys.
package dbctx

import (
	"context"

	"gorm.io/gorm"
)

type key struct{}

func With(ctx context.Context, tx *gorm.DB) context.Context {
	return context.WithValue(ctx, key{}, tx)
}

// Or returns the transaction carried on ctx, or base if none is in flight.
func Or(ctx context.Context, base *gorm.DB) *gorm.DB {
	if tx, ok := ctx.Value(key{}).(*gorm.DB); ok {
		return tx
	}
	return base
}
