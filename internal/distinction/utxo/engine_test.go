package utxo

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
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
	store := ledger.New(db, "btc")
	require.NoError(t, store.AutoMigrate())

	params, err := netParamsFor("mainnet")
	require.NoError(t, err)

	return &Engine{
		coin:      config.Coin{StaticFee: "0.0001"},
		store:     store,
		unit:      money.NewUnit(8, money.Truncate),
		netParams: params,
	}
}

func TestNetParamsForKnownNetworks(t *testing.T) {
	mainnet, err := netParamsFor("mainnet")
	require.NoError(t, err)
	assert.Equal(t, "mainnet", mainnet.Name)

	defaulted, err := netParamsFor("")
	require.NoError(t, err)
	assert.Equal(t, mainnet.Name, defaulted.Name)

	testnet, err := netParamsFor("testnet")
	require.NoError(t, err)
	assert.Equal(t, "testnet3", testnet.Name)

	regtest, err := netParamsFor("regtest")
	require.NoError(t, err)
	assert.Equal(t, "regtest", regtest.Name)
}

func TestNetParamsForUnknownNetwork(t *testing.T) {
	_, err := netParamsFor("not-a-real-network")
	assert.Error(t, err)
}

func TestToFloat64(t *testing.T) {
	d := decimal.RequireFromString("1.25")
	assert.Equal(t, 1.25, toFloat64(d))
}

func TestScheduleWithdrawalRejectsWhenBackendBalanceInsufficient(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, e.store.UpdateBackendBalance(ctx, "1"))

	err := e.ScheduleWithdrawal(ctx, "alice", "1BoatSLRHtKNngkdXEeobR76b53LETtpyT", "5", nil)
	require.Error(t, err)
	assert.Equal(t, xerr.StateConflict, xerr.KindOf(err))

	pending, err := e.store.PendingFor(ctx, "alice")
	require.NoError(t, err)
	assert.Nil(t, pending)
}

func TestScheduleWithdrawalAdmitsWithinBackendBalance(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, e.store.UpdateBackendBalance(ctx, "1"))

	err := e.ScheduleWithdrawal(ctx, "alice", "1BoatSLRHtKNngkdXEeobR76b53LETtpyT", "0.5", nil)
	require.NoError(t, err)

	pending, err := e.store.PendingFor(ctx, "alice")
	require.NoError(t, err)
	require.NotNil(t, pending)
	assert.Equal(t, "0.5", pending.Amount)
}
