// Package dispatcher implements the Request Dispatcher of spec §4.5/§6: one
// method per API call, validating userId/coin up front, resolving the
// coin's adapter, then routing to the matching Adapter/outbox call.
// Concurrent identical reads are coalesced with singleflight the way the
// teacher's internal/funds package collapses duplicate balance lookups.
package dispatcher

import (
	"context"
	"fmt"
	"regexp"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"gopherex.com/internal/adapter"
	"gopherex.com/internal/outbox"
	"gopherex.com/pkg/logger"
	"gopherex.com/pkg/xerr"
)

var hexUserID = regexp.MustCompile(`^[0-9a-f]+$`)

// Coin bundles one configured coin's adapter with its ticker name, the key
// every method below is routed by.
type Coin struct {
	Name    string
	Adapter adapter.Adapter
}

type Dispatcher struct {
	coins map[string]adapter.Adapter
	ob    *outbox.Outbox
	sf    singleflight.Group
}

func New(coins []Coin, ob *outbox.Outbox) *Dispatcher {
	m := make(map[string]adapter.Adapter, len(coins))
	for _, c := range coins {
		m[c.Name] = c.Adapter
	}
	return &Dispatcher{coins: m, ob: ob}
}

func (d *Dispatcher) resolve(coin string) (adapter.Adapter, error) {
	a, ok := d.coins[coin]
	if !ok {
		return nil, xerr.Newf(xerr.InputValidation, "unknown coin %q", coin)
	}
	return a, nil
}

func validateUserID(ctx context.Context, userID string) error {
	if userID == "" || len(userID)%2 != 0 || !hexUserID.MatchString(userID) {
		logger.Warn(ctx, "request rejected: invalid userId", zap.String("userId", userID))
		return xerr.Newf(xerr.InputValidation, "userId must be a non-empty even-length lowercase hex string, got %q", userID)
	}
	return nil
}

// ProxyInfoResult mirrors §6's getProxyInfo response shape.
type ProxyInfoResult struct {
	CoinType    string               `json:"coinType"`
	CoinDecimals int32               `json:"coinDecimals"`
	Distinction adapter.Distinction  `json:"distinction"`
	GlobalStats adapter.GlobalStats  `json:"globalStats"`
}

func (d *Dispatcher) GetProxyInfo(ctx context.Context, coin string) (ProxyInfoResult, error) {
	v, err, _ := d.sf.Do("getProxyInfo:"+coin, func() (interface{}, error) {
		a, err := d.resolve(coin)
		if err != nil {
			return nil, err
		}
		info, err := a.ProxyInfo(ctx)
		if err != nil {
			return nil, err
		}
		return ProxyInfoResult{CoinType: info.CoinType, CoinDecimals: info.Decimals, Distinction: info.Distinction, GlobalStats: info.GlobalStats}, nil
	})
	if err != nil {
		return ProxyInfoResult{}, err
	}
	return v.(ProxyInfoResult), nil
}

func (d *Dispatcher) GetStats(ctx context.Context, coin, userID string) (adapter.AccountInfo, error) {
	if err := validateUserID(ctx, userID); err != nil {
		return adapter.AccountInfo{}, err
	}
	v, err, _ := d.sf.Do(fmt.Sprintf("getStats:%s:%s", coin, userID), func() (interface{}, error) {
		a, err := d.resolve(coin)
		if err != nil {
			return nil, err
		}
		return a.AccountInfo(ctx, userID)
	})
	if err != nil {
		return adapter.AccountInfo{}, err
	}
	return v.(adapter.AccountInfo), nil
}

// GetAllCoinStats implements §6's getAllCoinStats: one AccountInfo per
// configured coin for the given user.
func (d *Dispatcher) GetAllCoinStats(ctx context.Context, userID string) (map[string]adapter.AccountInfo, error) {
	if err := validateUserID(ctx, userID); err != nil {
		return nil, err
	}
	out := make(map[string]adapter.AccountInfo, len(d.coins))
	for coin := range d.coins {
		info, err := d.GetStats(ctx, coin, userID)
		if err != nil {
			return nil, fmt.Errorf("coin %s: %w", coin, err)
		}
		out[coin] = info
	}
	return out, nil
}

func (d *Dispatcher) SetDeposit(ctx context.Context, coin, userID string, amount *string) (adapter.DepositHandle, error) {
	if err := validateUserID(ctx, userID); err != nil {
		return adapter.DepositHandle{}, err
	}
	a, err := d.resolve(coin)
	if err != nil {
		return adapter.DepositHandle{}, err
	}
	return a.ResolveDepositHandle(ctx, userID, amount)
}

func (d *Dispatcher) GetDeposit(ctx context.Context, coin, userID string) ([]adapter.DepositHandle, error) {
	if err := validateUserID(ctx, userID); err != nil {
		return nil, err
	}
	a, err := d.resolve(coin)
	if err != nil {
		return nil, err
	}
	return a.ListAwaitingDeposits(ctx, userID)
}

// DeleteDeposit is a no-op, indicated by the returned bool, for any
// distinction other than amount-based — per §6, "no-op for non-amount
// distinctions" rather than an error.
func (d *Dispatcher) DeleteDeposit(ctx context.Context, coin, userID string) (bool, error) {
	if err := validateUserID(ctx, userID); err != nil {
		return false, err
	}
	a, err := d.resolve(coin)
	if err != nil {
		return false, err
	}
	if a.Distinction() != adapter.Amount {
		return false, nil
	}
	if err := a.CancelAwaitingDeposits(ctx, userID); err != nil {
		return false, err
	}
	return true, nil
}

func (d *Dispatcher) SetPending(ctx context.Context, coin, userID, address, amount string, tag *int64) (adapter.PendingInfo, error) {
	if err := validateUserID(ctx, userID); err != nil {
		return adapter.PendingInfo{}, err
	}
	a, err := d.resolve(coin)
	if err != nil {
		return adapter.PendingInfo{}, err
	}
	if err := a.ScheduleWithdrawal(ctx, userID, address, amount, tag); err != nil {
		return adapter.PendingInfo{}, err
	}
	info, err := a.LookupPending(ctx, userID)
	if err != nil {
		return adapter.PendingInfo{}, err
	}
	if info == nil {
		return adapter.PendingInfo{}, xerr.New(xerr.ProgrammerError, "pending payout vanished immediately after insert")
	}
	return *info, nil
}

func (d *Dispatcher) GetPending(ctx context.Context, coin, userID string) (*adapter.PendingInfo, error) {
	if err := validateUserID(ctx, userID); err != nil {
		return nil, err
	}
	v, err, _ := d.sf.Do(fmt.Sprintf("getPending:%s:%s", coin, userID), func() (interface{}, error) {
		a, err := d.resolve(coin)
		if err != nil {
			return nil, err
		}
		return a.LookupPending(ctx, userID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*adapter.PendingInfo), nil
}

func (d *Dispatcher) ListDeposits(ctx context.Context, coin, userID string, skip int) ([]adapter.DepositRecord, error) {
	if err := validateUserID(ctx, userID); err != nil {
		return nil, err
	}
	a, err := d.resolve(coin)
	if err != nil {
		return nil, err
	}
	return a.ListDeposits(ctx, userID, skip)
}

func (d *Dispatcher) ListWithdrawals(ctx context.Context, coin, userID string, skip int) ([]adapter.WithdrawalRecord, error) {
	if err := validateUserID(ctx, userID); err != nil {
		return nil, err
	}
	a, err := d.resolve(coin)
	if err != nil {
		return nil, err
	}
	return a.ListWithdrawals(ctx, userID, skip)
}

// ListProcessedDeposits, ListProcessedWithdrawals and ListRejectedWithdrawals
// drain the matching outbox table for (coin, userID) — pull-once, per §4.5.
// An empty userID drains every user for that coin (the `listAll…` variants).
func (d *Dispatcher) ListProcessedDeposits(ctx context.Context, coin, userID string) ([]outbox.Event, error) {
	return d.drain(ctx, coin, userID, outbox.ProcessedDeposit)
}

func (d *Dispatcher) ListProcessedWithdrawals(ctx context.Context, coin, userID string) ([]outbox.Event, error) {
	return d.drain(ctx, coin, userID, outbox.ProcessedWithdrawal)
}

func (d *Dispatcher) ListRejectedWithdrawals(ctx context.Context, coin, userID string) ([]outbox.Event, error) {
	return d.drain(ctx, coin, userID, outbox.RejectedWithdrawal)
}

func (d *Dispatcher) drain(ctx context.Context, coin, userID string, kind outbox.Kind) ([]outbox.Event, error) {
	if _, err := d.resolve(coin); err != nil {
		return nil, err
	}
	if userID != "" {
		if err := validateUserID(ctx, userID); err != nil {
			return nil, err
		}
	}
	return d.ob.Drain(ctx, kind, coin, userID)
}
