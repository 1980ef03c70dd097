// Package tag implements the tag-based, XRPL-like distinction engine of
// spec §4.3.4: every user shares the root address, attribution happens by
// a per-user destination tag, and pagination walks `account_tx` from the
// top of the ledger down to the stored watermark. There is no XRPL client
// anywhere in the teacher's or the pack's dependency surface, so this is
// built on github.com/rubblelabs/ripple — a real, maintained ecosystem
// client for the protocol — in the same request/response shape the
// teacher's bitcoin/ethereum adapters use (dial once in New, reuse the
// connection for every call).
package tag

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"sync"

	"github.com/rubblelabs/ripple/data"
	"github.com/rubblelabs/ripple/websockets"
	"go.uber.org/zap"
	"gopherex.com/internal/adapter"
	"gopherex.com/internal/config"
	"gopherex.com/internal/ledger"
	"gopherex.com/internal/money"
	"gopherex.com/pkg/logger"
	"gopherex.com/pkg/xerr"
)

type Engine struct {
	coin   config.Coin
	store  *ledger.Store
	unit   *money.Unit
	remote *websockets.Remote

	rootAccount data.Account
	seed        *data.Seed

	tagMu    sync.Mutex
	latch    adapter.Latch
}

func New(coin config.Coin, store *ledger.Store) (*Engine, error) {
	remote, err := websockets.NewRemote(coin.Tag.BackendURL)
	if err != nil {
		return nil, fmt.Errorf("tag engine %s: dial: %w", coin.Name, err)
	}
	root, err := data.NewAccountFromAddress(coin.Tag.RootAddress)
	if err != nil {
		return nil, fmt.Errorf("tag engine %s: root address: %w", coin.Name, err)
	}
	seed, err := data.NewSeedFromAddress(coin.Tag.Passphrase)
	if err != nil {
		return nil, fmt.Errorf("tag engine %s: passphrase: %w", coin.Name, err)
	}
	rounding := money.Truncate
	if coin.RoundingMode == "half_up" {
		rounding = money.HalfUp
	}
	return &Engine{
		coin:        coin,
		store:       store,
		unit:        money.NewUnit(coin.Decimals, rounding),
		remote:      remote,
		rootAccount: *root,
		seed:        seed,
	}, nil
}

func (e *Engine) Distinction() adapter.Distinction { return adapter.Tag }

func (e *Engine) Latch() *adapter.Latch { return &e.latch }

func (e *Engine) ProxyInfo(ctx context.Context) (adapter.ProxyInfo, error) {
	global, err := e.store.GlobalTotalsSnapshot(ctx)
	if err != nil {
		return adapter.ProxyInfo{}, err
	}
	balance, err := e.store.BackendBalance(ctx)
	if err != nil {
		return adapter.ProxyInfo{}, err
	}
	return adapter.ProxyInfo{
		CoinType:    string(e.coin.Type),
		Decimals:    e.coin.Decimals,
		Distinction: adapter.Tag,
		GlobalStats: adapter.GlobalStats{Deposit: global.CumulativeDeposit, Withdrawal: global.CumulativeWithdrawal, Balance: balance},
	}, nil
}

// ResolveDepositHandle allocates the next tag for this user, monotonically,
// per spec §4.3.4.
func (e *Engine) ResolveDepositHandle(ctx context.Context, userID string, _ *string) (adapter.DepositHandle, error) {
	if err := e.latch.Err(); err != nil {
		return adapter.DepositHandle{}, err
	}
	handles, err := e.store.LookupDepositHandlesByUser(ctx, userID)
	if err != nil {
		return adapter.DepositHandle{}, err
	}
	if len(handles) > 0 {
		tag := handles[0].Tag
		return adapter.DepositHandle{Address: e.rootAccount.String(), Tag: &tag}, nil
	}

	e.tagMu.Lock()
	defer e.tagMu.Unlock()

	var tag int64
	err = e.store.Atomic(ctx, func(ctx context.Context) error {
		top, err := e.store.TopDerivationIndex(ctx)
		if err != nil {
			return err
		}
		tag = top + 1
		return e.store.InsertDepositHandle(ctx, &ledger.UserDepositHandle{
			UserID: userID,
			// DerivationIndex doubles as the tag high-watermark here so
			// TopDerivationIndex (shared with the address engine) sees it.
			DerivationIndex: tag,
			Tag:             tag,
		})
	})
	if err != nil {
		return adapter.DepositHandle{}, err
	}
	return adapter.DepositHandle{Address: e.rootAccount.String(), Tag: &tag}, nil
}

func (e *Engine) ListAwaitingDeposits(ctx context.Context, userID string) ([]adapter.DepositHandle, error) {
	handles, err := e.store.LookupDepositHandlesByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]adapter.DepositHandle, 0, len(handles))
	for _, h := range handles {
		tag := h.Tag
		out = append(out, adapter.DepositHandle{Address: e.rootAccount.String(), Tag: &tag})
	}
	return out, nil
}

// CancelAwaitingDeposits is a no-op for the tag distinction: an allocated
// tag is permanent, per spec §4.2.
func (e *Engine) CancelAwaitingDeposits(context.Context, string) error { return nil }

func (e *Engine) ScheduleWithdrawal(ctx context.Context, userID, address, amount string, tag *int64) error {
	if err := e.latch.Err(); err != nil {
		return err
	}
	if _, err := data.NewAccountFromAddress(address); err != nil {
		return xerr.New(xerr.InputValidation, "invalid destination address")
	}
	if tag != nil && *tag < 0 {
		return xerr.New(xerr.InputValidation, "tag must be a non-negative integer")
	}
	minimal, err := e.unit.Minimal(amount)
	if err != nil {
		return err
	}
	fee, err := e.unit.Minimal(e.coin.StaticFee)
	if err != nil {
		fee = minimal
	}
	if minimal.Cmp(fee) <= 0 {
		return xerr.New(xerr.InputValidation, "amount below minimum plus fee")
	}
	return e.store.Atomic(ctx, func(ctx context.Context) error {
		existing, err := e.store.PendingFor(ctx, userID)
		if err != nil {
			return err
		}
		if existing != nil {
			return xerr.New(xerr.StateConflict, "pending payout already exists")
		}
		balance, err := e.store.BackendBalance(ctx)
		if err != nil {
			return err
		}
		pendingSum, err := e.store.PendingSum(ctx)
		if err != nil {
			return err
		}
		// invariant 6: amount <= backendBalance - pendingSum
		if money.Cmp(amount, money.Sub(balance, pendingSum)) > 0 {
			return xerr.New(xerr.StateConflict, "insufficient backend balance for admission")
		}
		return e.store.InsertPending(ctx, &ledger.PendingPayout{
			UserID:  userID,
			Amount:  amount,
			Address: address,
			Tag:     tag,
		})
	})
}

func (e *Engine) LookupPending(ctx context.Context, userID string) (*adapter.PendingInfo, error) {
	p, err := e.store.PendingFor(ctx, userID)
	if err != nil || p == nil {
		return nil, err
	}
	return &adapter.PendingInfo{Address: p.Address, Amount: p.Amount, Tag: p.Tag}, nil
}

func (e *Engine) ListDeposits(ctx context.Context, userID string, skip int) ([]adapter.DepositRecord, error) {
	rows, err := e.store.ListTransactions(ctx, userID, skip, 10)
	if err != nil {
		return nil, err
	}
	out := make([]adapter.DepositRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, adapter.DepositRecord{EntryID: r.EntryID, Amount: r.Amount, TxHash: r.TxHash, BlockHeight: r.BlockHeight, BlockHash: r.BlockHash})
	}
	return out, nil
}

func (e *Engine) ListWithdrawals(ctx context.Context, userID string, skip int) ([]adapter.WithdrawalRecord, error) {
	rows, err := e.store.ListWithdrawals(ctx, userID, skip, 10)
	if err != nil {
		return nil, err
	}
	out := make([]adapter.WithdrawalRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, adapter.WithdrawalRecord{EntryID: r.EntryID, Amount: r.Amount, TxHash: r.TxHash, Address: r.Address, BlockHeight: r.BlockHeight, BlockHash: r.BlockHash})
	}
	return out, nil
}

func (e *Engine) AccountInfo(ctx context.Context, userID string) (adapter.AccountInfo, error) {
	totals, err := e.store.AccountTotalsFor(ctx, userID)
	if err != nil {
		return adapter.AccountInfo{}, err
	}
	info := adapter.AccountInfo{Deposit: totals.CumulativeDeposit, Withdrawal: totals.CumulativeWithdrawal}
	if pending, err := e.LookupPending(ctx, userID); err == nil {
		info.Pending = pending
	}
	return info, nil
}

// PollDeposits implements spec §4.3.4's account_tx descending page walk.
// Any latching error trips the adapter's latch before returning.
func (e *Engine) PollDeposits(ctx context.Context, out adapter.ProcessedSink) error {
	if err := e.latch.Err(); err != nil {
		return err
	}
	err := e.pollDeposits(ctx, out)
	if err != nil && xerr.KindOf(err).Latches() {
		e.latch.Set(err)
	}
	return err
}

func (e *Engine) pollDeposits(ctx context.Context, out adapter.ProcessedSink) error {
	watermark, _, err := e.store.Watermark(ctx)
	if err != nil {
		return err
	}

	var closures []func(ctx context.Context) error
	minLedger, maxLedger := int64(-1), int64(-1)
	var highestSeen int64
	for {
		page, err := e.remote.AccountTx(e.rootAccount, 20, minLedger, maxLedger)
		if err != nil {
			return xerr.Newf(xerr.AdapterTransient, "account_tx: %v", err)
		}
		if len(page.Transactions) == 0 {
			break
		}
		stop := false
		for _, txm := range page.Transactions {
			ledgerIndex := int64(txm.LedgerSequence)
			if ledgerIndex > highestSeen {
				highestSeen = ledgerIndex
			}
			if ledgerIndex <= watermark {
				stop = true
				break
			}
			payment, ok := txm.Transaction.(*data.Payment)
			if !ok {
				continue
			}
			if !txm.MetaData.TransactionResult.Success() {
				continue
			}
			if payment.Destination.String() != e.rootAccount.String() {
				continue
			}
			if payment.DestinationTag == nil {
				continue
			}
			handle, err := e.store.LookupByTag(ctx, int64(*payment.DestinationTag))
			if err != nil {
				return err
			}
			if handle == nil {
				continue
			}
			if !creditsAccountRoot(txm.MetaData) {
				continue
			}
			delivered := deliveredAmount(txm.MetaData, payment)
			if delivered == nil {
				continue
			}
			minAmount, err := e.unit.Minimal(e.coin.MinimumAmount)
			if err != nil {
				return err
			}
			if delivered.Cmp(minAmount) < 0 {
				logger.Warn(ctx, "deposit below minimum, skipped",
					zap.String("user", handle.UserID), zap.String("amount", e.unit.Decimal(delivered)))
				continue
			}
			txHash := txm.GetHash().String()
			exists, err := e.store.TransactionExists(ctx, txHash)
			if err != nil {
				return err
			}
			if exists {
				continue
			}
			amountStr := e.unit.Decimal(delivered)
			userID := handle.UserID
			closures = append(closures, func(ctx context.Context) error {
				if err := e.store.UpdateAccountTotals(ctx, userID, amountStr, "0"); err != nil {
					return err
				}
				if err := e.store.UpdateGlobalTotals(ctx, amountStr, "0"); err != nil {
					return err
				}
				if err := e.store.InsertTransaction(ctx, &ledger.Transaction{
					UserID:      userID,
					Amount:      amountStr,
					TxHash:      txHash,
					BlockHeight: ledgerIndex,
				}); err != nil {
					return err
				}
				payload, _ := json.Marshal(map[string]string{"txHash": txHash, "amount": amountStr})
				out.Append(adapter.ProcessedEvent{UserID: userID, Payload: string(payload)})
				return nil
			})
		}
		if stop || page.Marker == nil {
			break
		}
		maxLedger = minLedger - 1
	}
	if len(closures) == 0 {
		return nil
	}
	if err := e.store.Atomic(ctx, func(ctx context.Context) error {
		for _, c := range closures {
			if err := c(ctx); err != nil {
				return err
			}
		}
		return e.store.RecordProcessedBlock(ctx, highestSeen, nil)
	}); err != nil {
		return err
	}
	info, err := e.remote.AccountInfo(e.rootAccount)
	if err != nil {
		return xerr.Newf(xerr.AdapterTransient, "account_info: %v", err)
	}
	return e.store.UpdateBackendBalance(ctx, e.unit.Decimal(info.AccountData.Balance.Value.Num()))
}

// creditsAccountRoot checks the meta for an AccountRoot modification on the
// destination, i.e. an actual ledger-level credit rather than a failed or
// partial-path payment.
func creditsAccountRoot(meta *data.MetaData) bool {
	for _, node := range meta.AffectedNodes {
		if node.ModifiedNode != nil && node.ModifiedNode.LedgerEntryType == data.ACCOUNT_ROOT {
			return true
		}
	}
	return false
}

func deliveredAmount(meta *data.MetaData, payment *data.Payment) *big.Int {
	var amt *data.Amount
	if meta.DeliveredAmount != nil {
		amt = meta.DeliveredAmount
	} else {
		amt = &payment.Amount
	}
	if amt == nil || amt.Value == nil {
		return nil
	}
	return amt.Value.Num()
}

// ProcessPending implements spec §4.3.4's payout: a signed Payment with an
// optional destination tag. Non-success replies latch fatal; the pending
// row stays in place (carrying the tx hash recorded before submission) and
// is retried next pass. Any latching error trips
// the adapter's latch before returning.
func (e *Engine) ProcessPending(ctx context.Context, processed adapter.ProcessedSink, rejected adapter.RejectedSink) error {
	if err := e.latch.Err(); err != nil {
		return err
	}
	err := e.processPending(ctx, processed, rejected)
	if err != nil && xerr.KindOf(err).Latches() {
		e.latch.Set(err)
	}
	return err
}

// transactionExists walks the root account's recent account_tx history
// looking for hash, the same paging idiom pollDeposits uses, rather than a
// dedicated lookup call.
func (e *Engine) transactionExists(hash string) (bool, error) {
	minLedger, maxLedger := int64(-1), int64(-1)
	const maxPages = 5
	for i := 0; i < maxPages; i++ {
		page, err := e.remote.AccountTx(e.rootAccount, 20, minLedger, maxLedger)
		if err != nil {
			return false, xerr.Newf(xerr.AdapterTransient, "account_tx: %v", err)
		}
		if len(page.Transactions) == 0 {
			return false, nil
		}
		for _, txm := range page.Transactions {
			payment, ok := txm.Transaction.(*data.Payment)
			if !ok {
				continue
			}
			if payment.GetHash().String() == hash {
				return txm.MetaData.TransactionResult.Success(), nil
			}
		}
	}
	return false, nil
}

func (e *Engine) completePayout(ctx context.Context, p ledger.PendingPayout, processed adapter.ProcessedSink) error {
	txHash := *p.TxHash
	return e.store.Atomic(ctx, func(ctx context.Context) error {
		if err := e.store.UpdateAccountTotals(ctx, p.UserID, "0", p.Amount); err != nil {
			return err
		}
		if err := e.store.UpdateGlobalTotals(ctx, "0", p.Amount); err != nil {
			return err
		}
		if err := e.store.DeletePending(ctx, p.UserID); err != nil {
			return err
		}
		if err := e.store.InsertWithdrawalTransaction(ctx, &ledger.WithdrawalTransaction{
			UserID:  p.UserID,
			Amount:  p.Amount,
			TxHash:  txHash,
			Address: p.Address,
		}); err != nil {
			return err
		}
		payload, _ := json.Marshal(map[string]string{"txHash": txHash, "amount": p.Amount, "address": p.Address})
		processed.Append(adapter.ProcessedEvent{UserID: p.UserID, Payload: string(payload)})
		return nil
	})
}

func (e *Engine) processPending(ctx context.Context, processed adapter.ProcessedSink, rejected adapter.RejectedSink) error {
	all, err := e.store.ListAllPending(ctx)
	if err != nil {
		return err
	}
	for _, p := range all {
		// A payment we already signed and submitted in a previous pass that
		// failed before retiring the row: check account_tx for it instead of
		// submitting a second payment (Open Question #2).
		if p.TxHash != nil {
			exists, err := e.transactionExists(*p.TxHash)
			if err != nil {
				return err
			}
			if exists {
				if err := e.completePayout(ctx, p, processed); err != nil {
					return err
				}
				continue
			}
		}

		dest, err := data.NewAccountFromAddress(p.Address)
		if err != nil {
			if err := e.rejectPending(ctx, p, rejected, "invalid destination address"); err != nil {
				return err
			}
			continue
		}
		transferAmount := money.Sub(p.Amount, e.coin.StaticFee)
		minimal, err := e.unit.Minimal(transferAmount)
		if err != nil || minimal.Sign() <= 0 {
			if err := e.rejectPending(ctx, p, rejected, "amount below fee"); err != nil {
				return err
			}
			continue
		}
		amt, err := data.NewAmount(fmt.Sprintf("%s/XRP", transferAmount))
		if err != nil {
			return xerr.Newf(xerr.StorageFatal, "build amount: %v", err)
		}
		payment := &data.Payment{
			Destination: *dest,
			Amount:      *amt,
		}
		payment.TransactionType = data.PAYMENT
		payment.Account = e.rootAccount
		if p.Tag != nil {
			tag := uint32(*p.Tag)
			payment.DestinationTag = &tag
		}
		if err := data.Sign(payment, e.seed.Key(data.ECDSA), nil); err != nil {
			return xerr.Newf(xerr.StorageFatal, "sign payment: %v", err)
		}
		txHash := payment.GetHash().String()
		if err := e.store.SetPendingTxHash(ctx, p.UserID, txHash); err != nil {
			return err
		}
		result, err := e.remote.Submit(payment)
		if err != nil || !result.EngineResult.Success() {
			return xerr.Newf(xerr.AdapterTransient, "submit payment: %v (engine=%v)", err, result)
		}
		p.TxHash = &txHash
		if err := e.completePayout(ctx, p, processed); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) rejectPending(ctx context.Context, p ledger.PendingPayout, rejected adapter.RejectedSink, reason string) error {
	if err := e.store.Atomic(ctx, func(ctx context.Context) error {
		return e.store.DeletePending(ctx, p.UserID)
	}); err != nil {
		return err
	}
	payload, _ := json.Marshal(map[string]string{"address": p.Address, "amount": p.Amount, "reason": reason})
	rejected.Append(adapter.ProcessedEvent{UserID: p.UserID, Payload: string(payload)})
	logger.Warn(ctx, "withdrawal rejected", zap.String("user", p.UserID), zap.String("reason", reason))
	return nil
}
