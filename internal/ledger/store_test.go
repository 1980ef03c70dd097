package ledger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopherex.com/pkg/xerr"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	s := New(db, "btc")
	require.NoError(t, s.AutoMigrate())
	return s
}

func TestInsertPendingEnforcesOneActivePerUser(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.Atomic(ctx, func(ctx context.Context) error {
		return s.InsertPending(ctx, &PendingPayout{UserID: "alice", Amount: "1", Address: "addr1"})
	})
	require.NoError(t, err)

	err = s.Atomic(ctx, func(ctx context.Context) error {
		return s.InsertPending(ctx, &PendingPayout{UserID: "alice", Amount: "2", Address: "addr2"})
	})
	require.Error(t, err)
	assert.Equal(t, xerr.StateConflict, xerr.KindOf(err))
}

func TestUpdateAccountTotalsAccumulates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Atomic(ctx, func(ctx context.Context) error {
		return s.UpdateAccountTotals(ctx, "alice", "1.5", "0")
	}))
	require.NoError(t, s.Atomic(ctx, func(ctx context.Context) error {
		return s.UpdateAccountTotals(ctx, "alice", "0.5", "0")
	}))

	totals, err := s.AccountTotalsFor(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "2", totals.CumulativeDeposit)
	assert.Equal(t, int64(2), totals.Version)
}

func TestAccountTotalsForUnknownUserDefaultsToZero(t *testing.T) {
	s := newTestStore(t)
	totals, err := s.AccountTotalsFor(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Equal(t, "0", totals.CumulativeDeposit)
	assert.Equal(t, "0", totals.CumulativeWithdrawal)
}

func TestRecordProcessedBlockRejectsRegression(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Atomic(ctx, func(ctx context.Context) error {
		return s.RecordProcessedBlock(ctx, 100, nil)
	}))

	err := s.Atomic(ctx, func(ctx context.Context) error {
		return s.RecordProcessedBlock(ctx, 50, nil)
	})
	require.Error(t, err)
	assert.Equal(t, xerr.ProgrammerError, xerr.KindOf(err))

	height, _, err := s.Watermark(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(100), height)
}

func TestRecordProcessedBlockAllowsEqualHeight(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Atomic(ctx, func(ctx context.Context) error {
		return s.RecordProcessedBlock(ctx, 100, nil)
	}))
	require.NoError(t, s.Atomic(ctx, func(ctx context.Context) error {
		return s.RecordProcessedBlock(ctx, 100, nil)
	}))
}

func TestWatermarkDefaultsToZeroWithNoHash(t *testing.T) {
	s := newTestStore(t)
	height, hash, err := s.Watermark(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), height)
	assert.Nil(t, hash)
}

func TestLookupByAddressTagAmount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Atomic(ctx, func(ctx context.Context) error {
		return s.InsertDepositHandle(ctx, &UserDepositHandle{UserID: "alice", Address: "1Addr"})
	}))
	require.NoError(t, s.Atomic(ctx, func(ctx context.Context) error {
		return s.InsertDepositHandle(ctx, &UserDepositHandle{UserID: "bob", Tag: 7})
	}))
	require.NoError(t, s.Atomic(ctx, func(ctx context.Context) error {
		return s.InsertDepositHandle(ctx, &UserDepositHandle{UserID: "carol", ExpectedAmount: "1.23"})
	}))

	byAddr, err := s.LookupByAddress(ctx, "1Addr")
	require.NoError(t, err)
	require.NotNil(t, byAddr)
	assert.Equal(t, "alice", byAddr.UserID)

	byTag, err := s.LookupByTag(ctx, 7)
	require.NoError(t, err)
	require.NotNil(t, byTag)
	assert.Equal(t, "bob", byTag.UserID)

	byAmount, err := s.LookupByAmount(ctx, "1.23")
	require.NoError(t, err)
	require.NotNil(t, byAmount)
	assert.Equal(t, "carol", byAmount.UserID)

	missing, err := s.LookupByAddress(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestTopDerivationIndexEmptyIsZero(t *testing.T) {
	s := newTestStore(t)
	top, err := s.TopDerivationIndex(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), top)
}

func TestTransactionExistsAndInsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	exists, err := s.TransactionExists(ctx, "deadbeef")
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, s.Atomic(ctx, func(ctx context.Context) error {
		return s.InsertTransaction(ctx, &Transaction{UserID: "alice", Amount: "1", TxHash: "deadbeef", BlockHeight: 10})
	}))

	exists, err = s.TransactionExists(ctx, "deadbeef")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestPendingSumAcrossUsers(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Atomic(ctx, func(ctx context.Context) error {
		return s.InsertPending(ctx, &PendingPayout{UserID: "alice", Amount: "1.5", Address: "a"})
	}))
	require.NoError(t, s.Atomic(ctx, func(ctx context.Context) error {
		return s.InsertPending(ctx, &PendingPayout{UserID: "bob", Amount: "2.25", Address: "b"})
	}))

	sum, err := s.PendingSum(ctx)
	require.NoError(t, err)
	assert.Equal(t, "3.75", sum)
}

func TestDeletePendingClearsActiveSlot(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Atomic(ctx, func(ctx context.Context) error {
		return s.InsertPending(ctx, &PendingPayout{UserID: "alice", Amount: "1", Address: "a"})
	}))
	require.NoError(t, s.Atomic(ctx, func(ctx context.Context) error {
		return s.DeletePending(ctx, "alice")
	}))

	p, err := s.PendingFor(ctx, "alice")
	require.NoError(t, err)
	assert.Nil(t, p)

	require.NoError(t, s.Atomic(ctx, func(ctx context.Context) error {
		return s.InsertPending(ctx, &PendingPayout{UserID: "alice", Amount: "2", Address: "a2"})
	}))
}

func TestTablesAreCoinPrefixed(t *testing.T) {
	btc := newTestStore(t)
	eth := New(btc.db, "eth")
	require.NoError(t, eth.AutoMigrate())

	ctx := context.Background()
	require.NoError(t, btc.Atomic(ctx, func(ctx context.Context) error {
		return btc.InsertDepositHandle(ctx, &UserDepositHandle{UserID: "alice", Address: "btc-addr"})
	}))

	handles, err := eth.AllDepositHandles(ctx)
	require.NoError(t, err)
	assert.Empty(t, handles)
}
