package tag

import (
	"context"
	"testing"

	"github.com/rubblelabs/ripple/data"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopherex.com/internal/config"
	"gopherex.com/internal/ledger"
	"gopherex.com/internal/money"
	"gopherex.com/pkg/xerr"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	store := ledger.New(db, "xrp")
	require.NoError(t, store.AutoMigrate())

	return &Engine{
		coin:        config.Coin{StaticFee: "0.00001"},
		store:       store,
		unit:        money.NewUnit(6, money.Truncate),
		rootAccount: data.Account{},
	}
}

func TestResolveDepositHandleAllocatesMonotonicTags(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	alice, err := e.ResolveDepositHandle(ctx, "alice", nil)
	require.NoError(t, err)
	require.NotNil(t, alice.Tag)

	bob, err := e.ResolveDepositHandle(ctx, "bob", nil)
	require.NoError(t, err)
	require.NotNil(t, bob.Tag)

	assert.NotEqual(t, *alice.Tag, *bob.Tag)
	assert.Greater(t, *bob.Tag, *alice.Tag)
}

func TestResolveDepositHandleReturnsSameTagForSameUser(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	first, err := e.ResolveDepositHandle(ctx, "alice", nil)
	require.NoError(t, err)

	again, err := e.ResolveDepositHandle(ctx, "alice", nil)
	require.NoError(t, err)

	require.NotNil(t, first.Tag)
	require.NotNil(t, again.Tag)
	assert.Equal(t, *first.Tag, *again.Tag)
}

func TestListAwaitingDepositsReturnsAllocatedTag(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	handle, err := e.ResolveDepositHandle(ctx, "alice", nil)
	require.NoError(t, err)

	handles, err := e.ListAwaitingDeposits(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, handles, 1)
	require.NotNil(t, handles[0].Tag)
	assert.Equal(t, *handle.Tag, *handles[0].Tag)
}

func TestScheduleWithdrawalRejectsWhenBackendBalanceInsufficient(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, e.store.UpdateBackendBalance(ctx, "100"))

	err := e.ScheduleWithdrawal(ctx, "alice", "rrrrrrrrrrrrrrrrrrrrrhoLvTp", "500", nil)
	require.Error(t, err)
	assert.Equal(t, xerr.StateConflict, xerr.KindOf(err))

	pending, err := e.store.PendingFor(ctx, "alice")
	require.NoError(t, err)
	assert.Nil(t, pending)
}

func TestScheduleWithdrawalAdmitsWithinBackendBalance(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, e.store.UpdateBackendBalance(ctx, "100"))

	err := e.ScheduleWithdrawal(ctx, "alice", "rrrrrrrrrrrrrrrrrrrrrhoLvTp", "50", nil)
	require.NoError(t, err)

	pending, err := e.store.PendingFor(ctx, "alice")
	require.NoError(t, err)
	require.NotNil(t, pending)
	assert.Equal(t, "50", pending.Amount)
}

func TestCancelAwaitingDepositsIsNoOp(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	_, err := e.ResolveDepositHandle(ctx, "alice", nil)
	require.NoError(t, err)
	require.NoError(t, e.CancelAwaitingDeposits(ctx, "alice"))

	handles, err := e.ListAwaitingDeposits(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, handles, 1, "an allocated tag is permanent, cancel must not remove it")
}
