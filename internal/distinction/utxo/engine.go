// Package utxo implements the UTXO-address-based distinction engine of spec
// §4.3.2: deposit handles are addresses minted by the external wallet daemon
// under a configured label, deposits are discovered by paging
// `listtransactions`, and payouts go through `sendtoaddress`. Grounded on
// the teacher's apps/wallet/internal/infra/bitcoin/adapter.go (rpcclient
// wiring, script/address decoding) generalized from the block-scanning
// model to the wallet-daemon's own transaction history.
package utxo

import (
	"encoding/json"
	"fmt"
	"strings"

	"context"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gopherex.com/internal/adapter"
	"gopherex.com/internal/config"
	"gopherex.com/internal/ledger"
	"gopherex.com/internal/money"
	"gopherex.com/pkg/logger"
	"gopherex.com/pkg/xerr"
)

const pageSize = 10

type Engine struct {
	coin      config.Coin
	store     *ledger.Store
	unit      *money.Unit
	client    *rpcclient.Client
	netParams *chaincfg.Params

	blockHeightCache map[string]int64
	latch            adapter.Latch
}

func New(coin config.Coin, store *ledger.Store) (*Engine, error) {
	params, err := netParamsFor(coin.UTXO.Network)
	if err != nil {
		return nil, fmt.Errorf("utxo engine %s: %w", coin.Name, err)
	}
	client, err := rpcclient.New(&rpcclient.ConnConfig{
		Host:         fmt.Sprintf("%s:%d", coin.UTXO.Host, coin.UTXO.Port),
		User:         coin.UTXO.Username,
		Pass:         coin.UTXO.Password,
		HTTPPostMode: true,
		DisableTLS:   true,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("utxo engine %s: rpc dial: %w", coin.Name, err)
	}
	rounding := money.Truncate
	if coin.RoundingMode == "half_up" {
		rounding = money.HalfUp
	}
	return &Engine{
		coin:             coin,
		store:            store,
		unit:             money.NewUnit(coin.Decimals, rounding),
		client:           client,
		netParams:        params,
		blockHeightCache: make(map[string]int64),
	}, nil
}

func netParamsFor(network string) (*chaincfg.Params, error) {
	switch network {
	case "mainnet", "":
		return &chaincfg.MainNetParams, nil
	case "testnet":
		return &chaincfg.TestNet3Params, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	default:
		return nil, fmt.Errorf("unknown network %q", network)
	}
}

func (e *Engine) Distinction() adapter.Distinction { return adapter.UTXOAddress }

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
		Distinction: adapter.UTXOAddress,
		GlobalStats: adapter.GlobalStats{Deposit: global.CumulativeDeposit, Withdrawal: global.CumulativeWithdrawal, Balance: balance},
	}, nil
}

func (e *Engine) ResolveDepositHandle(ctx context.Context, userID string, _ *string) (adapter.DepositHandle, error) {
	if err := e.latch.Err(); err != nil {
		return adapter.DepositHandle{}, err
	}
	handles, err := e.store.LookupDepositHandlesByUser(ctx, userID)
	if err != nil {
		return adapter.DepositHandle{}, err
	}
	if len(handles) > 0 {
		return adapter.DepositHandle{Address: handles[0].Address}, nil
	}
	var out adapter.DepositHandle
	err = e.store.Atomic(ctx, func(ctx context.Context) error {
		addr, err := e.client.GetNewAddress(e.coin.UTXO.Label)
		if err != nil {
			return xerr.Newf(xerr.AdapterTransient, "getnewaddress: %v", err)
		}
		if err := e.store.InsertDepositHandle(ctx, &ledger.UserDepositHandle{
			UserID:  userID,
			Address: addr.EncodeAddress(),
		}); err != nil {
			return err
		}
		out = adapter.DepositHandle{Address: addr.EncodeAddress()}
		return nil
	})
	return out, err
}

func (e *Engine) ListAwaitingDeposits(ctx context.Context, userID string) ([]adapter.DepositHandle, error) {
	handles, err := e.store.LookupDepositHandlesByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]adapter.DepositHandle, 0, len(handles))
	for _, h := range handles {
		out = append(out, adapter.DepositHandle{Address: h.Address})
	}
	return out, nil
}

func (e *Engine) CancelAwaitingDeposits(context.Context, string) error { return nil }

func (e *Engine) ScheduleWithdrawal(ctx context.Context, userID, address, amount string, _ *int64) error {
	if err := e.latch.Err(); err != nil {
		return err
	}
	addr, err := btcutil.DecodeAddress(address, e.netParams)
	if err != nil {
		return xerr.New(xerr.InputValidation, "invalid destination address")
	}
	minimal, err := e.unit.Minimal(amount)
	if err != nil {
		return err
	}
	fee, err := e.unit.Minimal(e.coin.StaticFee)
	if err != nil {
		fee = minimal // fall through; worst case rejects below
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
			Address: addr.EncodeAddress(),
		})
	})
}

func (e *Engine) LookupPending(ctx context.Context, userID string) (*adapter.PendingInfo, error) {
	p, err := e.store.PendingFor(ctx, userID)
	if err != nil || p == nil {
		return nil, err
	}
	return &adapter.PendingInfo{Address: p.Address, Amount: p.Amount}, nil
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

type creditClosure func(ctx context.Context) error

// PollDeposits implements spec §4.3.2. Any latching error encountered while
// paging trips the adapter's latch before returning, the same contract the
// address engine's PollDeposits applies per sweep.
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
	watermarkHeight, watermarkHash, err := e.store.Watermark(ctx)
	if err != nil {
		return err
	}
	if watermarkHeight > 0 && watermarkHash != nil {
		chainHash, err := e.client.GetBlockHash(watermarkHeight)
		if err != nil {
			return xerr.Newf(xerr.AdapterTransient, "getblockhash: %v", err)
		}
		if chainHash.String() != *watermarkHash {
			return xerr.Newf(xerr.ProgrammerError,
				"reorg detected: watermark block %s at height %d no longer on daemon's best chain (now %s)",
				*watermarkHash, watermarkHeight, chainHash.String())
		}
	}

	var closures []creditClosure
	skip := 0
	stop := false
	for !stop {
		page, err := e.client.ListTransactionsCountFrom(e.coin.UTXO.Label, pageSize, skip)
		if err != nil {
			return xerr.Newf(xerr.AdapterTransient, "listtransactions: %v", err)
		}
		if len(page) == 0 {
			break
		}
		for i := len(page) - 1; i >= 0; i-- {
			rec := page[i]
			if rec.Category != "receive" {
				continue
			}
			if watermarkHash != nil && rec.BlockHash == *watermarkHash {
				stop = true
				break
			}
			amount, err := decimal.NewFromString(fmt.Sprintf("%v", rec.Amount))
			if err != nil {
				continue
			}
			minimal, err := e.unit.Minimal(amount.Abs().String())
			if err != nil {
				continue
			}
			minAmount, err := e.unit.Minimal(e.coin.MinimumAmount)
			if err != nil {
				return err
			}
			if minimal.Cmp(minAmount) < 0 || rec.Confirmations < e.coin.Confirmations {
				continue
			}
			handle, err := e.store.LookupByAddress(ctx, rec.Address)
			if err != nil {
				return err
			}
			if handle == nil {
				continue
			}
			exists, err := e.store.TransactionExists(ctx, rec.TxID)
			if err != nil {
				return err
			}
			if exists {
				continue
			}
			blockHeight, err := e.blockHeight(rec.BlockHash)
			if err != nil {
				return xerr.Newf(xerr.AdapterTransient, "getblockheader: %v", err)
			}

			amountStr := e.unit.Decimal(minimal)
			closures = append(closures, func(ctx context.Context) error {
				if err := e.store.UpdateAccountTotals(ctx, handle.UserID, amountStr, "0"); err != nil {
					return err
				}
				if err := e.store.UpdateGlobalTotals(ctx, amountStr, "0"); err != nil {
					return err
				}
				hash := rec.BlockHash
				if err := e.store.InsertTransaction(ctx, &ledger.Transaction{
					UserID:      handle.UserID,
					Amount:      amountStr,
					TxHash:      rec.TxID,
					BlockHash:   &hash,
					BlockHeight: blockHeight,
					BlockTime:   rec.BlockTime,
				}); err != nil {
					return err
				}
				payload, _ := json.Marshal(map[string]string{"txHash": rec.TxID, "amount": amountStr, "address": rec.Address})
				out.Append(adapter.ProcessedEvent{UserID: handle.UserID, Payload: string(payload)})
				return nil
			})
		}
		if len(page) < pageSize {
			break
		}
		skip += pageSize
	}
	if len(closures) == 0 {
		return nil
	}
	newestHash := ""
	var newestHeight int64
	if err := e.store.Atomic(ctx, func(ctx context.Context) error {
		for _, c := range closures {
			if err := c(ctx); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return err
	}
	for hash, height := range e.blockHeightCache {
		if height > newestHeight {
			newestHeight = height
			newestHash = hash
		}
	}
	if newestHash != "" {
		hashCopy := newestHash
		if err := e.store.RecordProcessedBlock(ctx, newestHeight, &hashCopy); err != nil {
			return err
		}
	}
	balance, err := e.client.GetBalance(e.coin.UTXO.Label)
	if err != nil {
		return xerr.Newf(xerr.AdapterTransient, "getbalance: %v", err)
	}
	return e.store.UpdateBackendBalance(ctx, decimal.NewFromFloat(balance.ToBTC()).String())
}

func (e *Engine) blockHeight(hash string) (int64, error) {
	if h, ok := e.blockHeightCache[hash]; ok {
		return h, nil
	}
	chHash, err := chainhash.NewHashFromStr(hash)
	if err != nil {
		return 0, err
	}
	header, err := e.client.GetBlockHeaderVerbose(chHash)
	if err != nil {
		return 0, err
	}
	e.blockHeightCache[hash] = int64(header.Height)
	return int64(header.Height), nil
}

// ProcessPending implements spec §4.3.2's payout pass. Any latching error
// trips the adapter's latch before returning.
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

// transactionExists mirrors the teacher's bitcoin adapter's
// GetTransactionStatus: `gettransaction` finds anything the wallet has
// broadcast, and the "Invalid or non-wallet transaction id" error means the
// node has never seen it.
func (e *Engine) transactionExists(hash string) (bool, error) {
	chHash, err := chainhash.NewHashFromStr(hash)
	if err != nil {
		return false, xerr.Newf(xerr.ProgrammerError, "stored tx hash unparsable: %v", err)
	}
	_, err = e.client.GetTransaction(chHash)
	if err == nil {
		return true, nil
	}
	if strings.Contains(err.Error(), "Invalid or non-wallet") {
		return false, nil
	}
	return false, xerr.Newf(xerr.AdapterTransient, "gettransaction: %v", err)
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
	if e.coin.UTXO.UnlockPassword != "" {
		if err := e.client.WalletPassphrase(e.coin.UTXO.UnlockPassword, 60); err != nil {
			return xerr.Newf(xerr.AdapterTransient, "walletpassphrase: %v", err)
		}
	}
	all, err := e.store.ListAllPending(ctx)
	if err != nil {
		return err
	}
	for _, p := range all {
		// A send we already broadcast in a previous pass that failed before
		// retiring the row: check whether the wallet already knows about it
		// instead of calling sendtoaddress a second time (Open Question #2).
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

		addr, err := btcutil.DecodeAddress(p.Address, e.netParams)
		if err != nil {
			if err := e.rejectPending(ctx, p, rejected, "invalid destination address"); err != nil {
				return err
			}
			continue
		}
		decimalWithFee := money.Sub(p.Amount, e.coin.StaticFee)
		amountFloat, _ := decimal.NewFromString(decimalWithFee)
		if amountFloat.Sign() <= 0 {
			if err := e.rejectPending(ctx, p, rejected, "amount below fee"); err != nil {
				return err
			}
			continue
		}
		btcAmount, err := btcutil.NewAmount(toFloat64(amountFloat))
		if err != nil {
			if err := e.rejectPending(ctx, p, rejected, "invalid amount"); err != nil {
				return err
			}
			continue
		}
		hash, err := e.client.SendToAddress(addr, btcAmount)
		if err != nil {
			return xerr.Newf(xerr.AdapterTransient, "sendtoaddress: %v", err)
		}
		if err := e.store.SetPendingTxHash(ctx, p.UserID, hash.String()); err != nil {
			return err
		}
		txHash := hash.String()
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

func toFloat64(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}
