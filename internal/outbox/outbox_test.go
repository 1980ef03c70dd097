package outbox

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func newTestOutbox(t *testing.T) *Outbox {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	o := New(db)
	require.NoError(t, o.AutoMigrate())
	return o
}

func TestDrainIsPullOnce(t *testing.T) {
	o := newTestOutbox(t)
	ctx := context.Background()

	require.NoError(t, o.Append(ctx, ProcessedDeposit, "btc", "alice", `{"amount":"1"}`))
	require.NoError(t, o.Append(ctx, ProcessedDeposit, "btc", "alice", `{"amount":"2"}`))
	require.NoError(t, o.Append(ctx, ProcessedDeposit, "btc", "bob", `{"amount":"3"}`))

	events, err := o.Drain(ctx, ProcessedDeposit, "btc", "alice")
	require.NoError(t, err)
	assert.Len(t, events, 2)

	again, err := o.Drain(ctx, ProcessedDeposit, "btc", "alice")
	require.NoError(t, err)
	assert.Empty(t, again)

	bobEvents, err := o.Drain(ctx, ProcessedDeposit, "btc", "bob")
	require.NoError(t, err)
	assert.Len(t, bobEvents, 1)
}

func TestDrainEmptyUserIDMatchesCoinOnly(t *testing.T) {
	o := newTestOutbox(t)
	ctx := context.Background()

	require.NoError(t, o.Append(ctx, RejectedWithdrawal, "eth", "alice", `{}`))
	require.NoError(t, o.Append(ctx, RejectedWithdrawal, "eth", "bob", `{}`))
	require.NoError(t, o.Append(ctx, RejectedWithdrawal, "btc", "carol", `{}`))

	events, err := o.Drain(ctx, RejectedWithdrawal, "eth", "")
	require.NoError(t, err)
	assert.Len(t, events, 2)

	remaining, err := o.Drain(ctx, RejectedWithdrawal, "btc", "")
	require.NoError(t, err)
	assert.Len(t, remaining, 1)
}

func TestKindsUseSeparateTables(t *testing.T) {
	o := newTestOutbox(t)
	ctx := context.Background()

	require.NoError(t, o.Append(ctx, ProcessedWithdrawal, "btc", "alice", `{}`))

	deposits, err := o.Drain(ctx, ProcessedDeposit, "btc", "alice")
	require.NoError(t, err)
	assert.Empty(t, deposits)

	withdrawals, err := o.Drain(ctx, ProcessedWithdrawal, "btc", "alice")
	require.NoError(t, err)
	assert.Len(t, withdrawals, 1)
}

func TestAtomicDrainsAllAppendsTogether(t *testing.T) {
	o := newTestOutbox(t)
	ctx := context.Background()

	err := o.Atomic(ctx, func(ctx context.Context) error {
		if err := o.Append(ctx, ProcessedDeposit, "btc", "alice", `{"n":1}`); err != nil {
			return err
		}
		return o.Append(ctx, ProcessedDeposit, "btc", "bob", `{"n":2}`)
	})
	require.NoError(t, err)

	alice, err := o.Drain(ctx, ProcessedDeposit, "btc", "alice")
	require.NoError(t, err)
	assert.Len(t, alice, 1)

	bob, err := o.Drain(ctx, ProcessedDeposit, "btc", "bob")
	require.NoError(t, err)
	assert.Len(t, bob, 1)
}

func TestAtomicRollsBackOnFailure(t *testing.T) {
	o := newTestOutbox(t)
	ctx := context.Background()

	err := o.Atomic(ctx, func(ctx context.Context) error {
		if err := o.Append(ctx, ProcessedDeposit, "btc", "alice", `{}`); err != nil {
			return err
		}
		return assertAlwaysFails()
	})
	require.Error(t, err)

	events, err := o.Drain(ctx, ProcessedDeposit, "btc", "alice")
	require.NoError(t, err)
	assert.Empty(t, events)
}

func assertAlwaysFails() error {
	return assert.AnError
}
