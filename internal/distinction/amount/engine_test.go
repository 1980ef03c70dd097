package amount

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"
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
	store := ledger.New(db, "usdt")
	require.NoError(t, store.AutoMigrate())

	return &Engine{
		coin:        config.Coin{StaticFee: "0.01"},
		store:       store,
		unit:        money.NewUnit(18, money.Truncate),
		rootAddress: common.HexToAddress("0x1111111111111111111111111111111111111111"),
	}
}

func TestPerturbationWalksOutwardFromZero(t *testing.T) {
	assert.Equal(t, int64(1), perturbation(0))
	assert.Equal(t, int64(-1), perturbation(1))
	assert.Equal(t, int64(2), perturbation(2))
	assert.Equal(t, int64(-2), perturbation(3))
	assert.Equal(t, int64(3), perturbation(4))
}

func TestPerturbationIsDeterministic(t *testing.T) {
	for i := 0; i < maxPerturbAttempts; i++ {
		assert.Equal(t, perturbation(i), perturbation(i))
	}
}

func TestScheduleWithdrawalRejectsWhenBackendBalanceInsufficient(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, e.store.UpdateBackendBalance(ctx, "100"))

	err := e.ScheduleWithdrawal(ctx, "alice", "0x2222222222222222222222222222222222222222", "500", nil)
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

	err := e.ScheduleWithdrawal(ctx, "alice", "0x2222222222222222222222222222222222222222", "50", nil)
	require.NoError(t, err)

	pending, err := e.store.PendingFor(ctx, "alice")
	require.NoError(t, err)
	require.NotNil(t, pending)
	assert.Equal(t, "50", pending.Amount)
}
