package dispatcher

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopherex.com/internal/adapter"
	"gopherex.com/internal/outbox"
	"gopherex.com/pkg/xerr"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// fakeAdapter is a minimal in-memory adapter.Adapter used only to exercise
// the dispatcher's validation/routing/coalescing logic in isolation from any
// real chain or store.
type fakeAdapter struct {
	distinction adapter.Distinction
	pending     map[string]*adapter.PendingInfo
	handles     map[string][]adapter.DepositHandle
	latch       adapter.Latch
	proxyCalls  int
}

func newFakeAdapter(d adapter.Distinction) *fakeAdapter {
	return &fakeAdapter{distinction: d, pending: map[string]*adapter.PendingInfo{}, handles: map[string][]adapter.DepositHandle{}}
}

func (f *fakeAdapter) Distinction() adapter.Distinction { return f.distinction }
func (f *fakeAdapter) Latch() *adapter.Latch             { return &f.latch }

func (f *fakeAdapter) ProxyInfo(ctx context.Context) (adapter.ProxyInfo, error) {
	f.proxyCalls++
	return adapter.ProxyInfo{CoinType: "satoshi", Decimals: 8, Distinction: f.distinction}, nil
}

func (f *fakeAdapter) ResolveDepositHandle(ctx context.Context, userID string, amount *string) (adapter.DepositHandle, error) {
	h := adapter.DepositHandle{Address: "addr-" + userID, Amount: amount}
	f.handles[userID] = append(f.handles[userID], h)
	return h, nil
}

func (f *fakeAdapter) ListAwaitingDeposits(ctx context.Context, userID string) ([]adapter.DepositHandle, error) {
	return f.handles[userID], nil
}

func (f *fakeAdapter) CancelAwaitingDeposits(ctx context.Context, userID string) error {
	delete(f.handles, userID)
	return nil
}

func (f *fakeAdapter) ScheduleWithdrawal(ctx context.Context, userID, address, amount string, tag *int64) error {
	if _, exists := f.pending[userID]; exists {
		return xerr.New(xerr.StateConflict, "pending payout already exists")
	}
	f.pending[userID] = &adapter.PendingInfo{Address: address, Amount: amount, Tag: tag}
	return nil
}

func (f *fakeAdapter) LookupPending(ctx context.Context, userID string) (*adapter.PendingInfo, error) {
	return f.pending[userID], nil
}

func (f *fakeAdapter) ListDeposits(ctx context.Context, userID string, skip int) ([]adapter.DepositRecord, error) {
	return nil, nil
}

func (f *fakeAdapter) ListWithdrawals(ctx context.Context, userID string, skip int) ([]adapter.WithdrawalRecord, error) {
	return nil, nil
}

func (f *fakeAdapter) AccountInfo(ctx context.Context, userID string) (adapter.AccountInfo, error) {
	return adapter.AccountInfo{Deposit: "0", Withdrawal: "0", Pending: f.pending[userID]}, nil
}

func (f *fakeAdapter) PollDeposits(ctx context.Context, out adapter.ProcessedSink) error { return nil }

func (f *fakeAdapter) ProcessPending(ctx context.Context, processed adapter.ProcessedSink, rejected adapter.RejectedSink) error {
	return nil
}

func newTestDispatcher(t *testing.T, coins map[string]adapter.Adapter) *Dispatcher {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	ob := outbox.New(db)
	require.NoError(t, ob.AutoMigrate())
	var list []Coin
	for name, a := range coins {
		list = append(list, Coin{Name: name, Adapter: a})
	}
	return New(list, ob)
}

func TestGetProxyInfoUnknownCoin(t *testing.T) {
	d := newTestDispatcher(t, map[string]adapter.Adapter{})
	_, err := d.GetProxyInfo(context.Background(), "xyz")
	require.Error(t, err)
	assert.Equal(t, xerr.InputValidation, xerr.KindOf(err))
}

func TestGetStatsValidatesUserID(t *testing.T) {
	a := newFakeAdapter(adapter.UTXOAddress)
	d := newTestDispatcher(t, map[string]adapter.Adapter{"btc": a})

	_, err := d.GetStats(context.Background(), "btc", "NOT-HEX")
	require.Error(t, err)
	assert.Equal(t, xerr.InputValidation, xerr.KindOf(err))

	_, err = d.GetStats(context.Background(), "btc", "deadbeef")
	require.NoError(t, err)
}

func TestSetDepositAndGetDeposit(t *testing.T) {
	a := newFakeAdapter(adapter.UTXOAddress)
	d := newTestDispatcher(t, map[string]adapter.Adapter{"btc": a})
	ctx := context.Background()

	handle, err := d.SetDeposit(ctx, "btc", "deadbeef", nil)
	require.NoError(t, err)
	assert.Equal(t, "addr-deadbeef", handle.Address)

	handles, err := d.GetDeposit(ctx, "btc", "deadbeef")
	require.NoError(t, err)
	assert.Len(t, handles, 1)
}

func TestDeleteDepositIsNoOpForNonAmountDistinction(t *testing.T) {
	a := newFakeAdapter(adapter.UTXOAddress)
	d := newTestDispatcher(t, map[string]adapter.Adapter{"btc": a})

	ok, err := d.DeleteDeposit(context.Background(), "btc", "deadbeef")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDeleteDepositCancelsForAmountDistinction(t *testing.T) {
	a := newFakeAdapter(adapter.Amount)
	d := newTestDispatcher(t, map[string]adapter.Adapter{"usdt": a})
	ctx := context.Background()

	_, err := d.SetDeposit(ctx, "usdt", "deadbeef", nil)
	require.NoError(t, err)

	ok, err := d.DeleteDeposit(ctx, "usdt", "deadbeef")
	require.NoError(t, err)
	assert.True(t, ok)

	handles, err := d.GetDeposit(ctx, "usdt", "deadbeef")
	require.NoError(t, err)
	assert.Empty(t, handles)
}

func TestSetPendingThenGetPending(t *testing.T) {
	a := newFakeAdapter(adapter.UTXOAddress)
	d := newTestDispatcher(t, map[string]adapter.Adapter{"btc": a})
	ctx := context.Background()

	info, err := d.SetPending(ctx, "btc", "deadbeef", "1Dest", "0.5", nil)
	require.NoError(t, err)
	assert.Equal(t, "0.5", info.Amount)

	got, err := d.GetPending(ctx, "btc", "deadbeef")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "1Dest", got.Address)
}

func TestSetPendingConflict(t *testing.T) {
	a := newFakeAdapter(adapter.UTXOAddress)
	d := newTestDispatcher(t, map[string]adapter.Adapter{"btc": a})
	ctx := context.Background()

	_, err := d.SetPending(ctx, "btc", "deadbeef", "1Dest", "0.5", nil)
	require.NoError(t, err)

	_, err = d.SetPending(ctx, "btc", "deadbeef", "1Dest2", "0.6", nil)
	require.Error(t, err)
	assert.Equal(t, xerr.StateConflict, xerr.KindOf(err))
}

func TestGetAllCoinStatsCoversEveryCoin(t *testing.T) {
	btc := newFakeAdapter(adapter.UTXOAddress)
	eth := newFakeAdapter(adapter.Address)
	d := newTestDispatcher(t, map[string]adapter.Adapter{"btc": btc, "eth": eth})

	out, err := d.GetAllCoinStats(context.Background(), "deadbeef")
	require.NoError(t, err)
	assert.Len(t, out, 2)
	assert.Contains(t, out, "btc")
	assert.Contains(t, out, "eth")
}

func TestListProcessedDepositsDrainsOutboxForCoin(t *testing.T) {
	a := newFakeAdapter(adapter.UTXOAddress)
	d := newTestDispatcher(t, map[string]adapter.Adapter{"btc": a})
	ctx := context.Background()

	require.NoError(t, d.ob.Append(ctx, outbox.ProcessedDeposit, "btc", "deadbeef", `{"amount":"1"}`))

	events, err := d.ListProcessedDeposits(ctx, "btc", "deadbeef")
	require.NoError(t, err)
	assert.Len(t, events, 1)

	again, err := d.ListProcessedDeposits(ctx, "btc", "deadbeef")
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestListProcessedDepositsRejectsUnknownCoin(t *testing.T) {
	d := newTestDispatcher(t, map[string]adapter.Adapter{})
	_, err := d.ListProcessedDeposits(context.Background(), "xyz", "deadbeef")
	require.Error(t, err)
	assert.Equal(t, xerr.InputValidation, xerr.KindOf(err))
}
