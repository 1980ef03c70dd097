// Package address implements the address-based, HD-derived, account-model
// distinction engine of spec §4.3.1: one deterministic address per user,
// swept to the root address once its balance is stable and above the
// minimum threshold. Grounded on the teacher's
// apps/wallet/internal/core/service/address_service.go (HD derivation) and
// apps/wallet/internal/infra/ethereum/adapter.go (client wiring, legacy
// gas-price signing), generalized from a fixed BTC+ETH pair into one configurable
// account-model chain.
package address

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"
	"gopherex.com/internal/adapter"
	"gopherex.com/internal/config"
	"gopherex.com/internal/ledger"
	"gopherex.com/internal/money"
	"gopherex.com/pkg/hdwallet"
	"gopherex.com/pkg/logger"
	"gopherex.com/pkg/xerr"
)

// coinType60 is the BIP-44 coin type for Ether and ETH-alike account chains.
const coinType60 = 60

type Engine struct {
	coin   config.Coin
	store  *ledger.Store
	unit   *money.Unit
	wallet *hdwallet.HDWallet
	client *ethclient.Client

	rootAddress common.Address
	rootKey     *ecdsa.PrivateKey
	chainID     *big.Int
	gasPriceWei *big.Int
	gasUnits    uint64

	latch adapter.Latch
}

func New(coin config.Coin, store *ledger.Store, client *ethclient.Client) (*Engine, error) {
	wallet, err := hdwallet.New(coin.Account.Mnemonic, nil)
	if err != nil {
		return nil, fmt.Errorf("address engine %s: %w", coin.Name, err)
	}
	rootKey, err := crypto.HexToECDSA(coin.Account.RootPrivateKey)
	if err != nil {
		return nil, fmt.Errorf("address engine %s: root key: %w", coin.Name, err)
	}
	chainID, err := client.ChainID(context.Background())
	if err != nil {
		return nil, fmt.Errorf("address engine %s: chain id: %w", coin.Name, err)
	}
	gasPrice, ok := new(big.Int).SetString(coin.Account.GasPriceWei, 10)
	if !ok {
		return nil, fmt.Errorf("address engine %s: invalid gas_price_wei", coin.Name)
	}
	rounding := money.Truncate
	if coin.RoundingMode == "half_up" {
		rounding = money.HalfUp
	}
	return &Engine{
		coin:        coin,
		store:       store,
		unit:        money.NewUnit(coin.Decimals, rounding),
		wallet:      wallet,
		client:      client,
		rootAddress: common.HexToAddress(coin.Account.RootAddress),
		rootKey:     rootKey,
		chainID:     chainID,
		gasPriceWei: gasPrice,
		gasUnits:    coin.Account.GasUnits,
	}, nil
}

func (e *Engine) Distinction() adapter.Distinction { return adapter.Address }

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
		Distinction: adapter.Address,
		GlobalStats: adapter.GlobalStats{
			Deposit:    global.CumulativeDeposit,
			Withdrawal: global.CumulativeWithdrawal,
			Balance:    balance,
		},
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
		nextIdx, err := e.store.TopDerivationIndex(ctx)
		if err != nil {
			return err
		}
		nextIdx++
		derived, _, err := e.wallet.DeriveAddress(coinType60, uint32(nextIdx))
		if err != nil {
			return xerr.Newf(xerr.StorageFatal, "derive address: %v", err)
		}
		if err := e.store.InsertDepositHandle(ctx, &ledger.UserDepositHandle{
			UserID:          userID,
			DerivationIndex: nextIdx,
			Address:         derived,
		}); err != nil {
			return err
		}
		out = adapter.DepositHandle{Address: derived}
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

// CancelAwaitingDeposits is a no-op for the address distinction: the
// derived address is permanent, per spec §4.2.
func (e *Engine) CancelAwaitingDeposits(context.Context, string) error { return nil }

func (e *Engine) ScheduleWithdrawal(ctx context.Context, userID, address, amount string, _ *int64) error {
	if err := e.latch.Err(); err != nil {
		return err
	}
	if !common.IsHexAddress(address) {
		return xerr.New(xerr.InputValidation, "invalid destination address")
	}
	if common.HexToAddress(address) == e.rootAddress {
		return xerr.New(xerr.InputValidation, "destination equals managed address")
	}
	minimal, err := e.unit.Minimal(amount)
	if err != nil {
		return err
	}
	fee := new(big.Int).Mul(big.NewInt(int64(e.gasUnits)), e.gasPriceWei)
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

// PollDeposits implements spec §4.3.1's sweep pass.
func (e *Engine) PollDeposits(ctx context.Context, out adapter.ProcessedSink) error {
	if err := e.latch.Err(); err != nil {
		return err
	}
	allHandles, err := e.store.AllDepositHandles(ctx)
	if err != nil {
		if xerr.KindOf(err).Latches() {
			e.latch.Set(err)
		}
		return err
	}
	for _, h := range allHandles {
		if err := e.sweepOne(ctx, h, out); err != nil {
			if xerr.KindOf(err).Latches() {
				e.latch.Set(err)
				return err
			}
			logger.Warn(ctx, "sweep skipped", zap.String("address", h.Address), zap.Error(err))
		}
	}
	return nil
}

func (e *Engine) sweepOne(ctx context.Context, h ledger.UserDepositHandle, out adapter.ProcessedSink) error {
	derivedAddr, _, err := e.wallet.DeriveAddress(coinType60, uint32(h.DerivationIndex))
	if err != nil {
		return xerr.Newf(xerr.StorageFatal, "re-derive address: %v", err)
	}
	if derivedAddr != h.Address {
		return xerr.Newf(xerr.ProgrammerError, "stored address %s does not match derivation index %d (got %s)", h.Address, h.DerivationIndex, derivedAddr)
	}
	addr := common.HexToAddress(h.Address)

	pendingBal, err := e.client.PendingBalanceAt(ctx, addr)
	if err != nil {
		return xerr.Newf(xerr.AdapterTransient, "pending balance: %v", err)
	}
	latestBal, err := e.client.BalanceAt(ctx, addr, nil)
	if err != nil {
		return xerr.Newf(xerr.AdapterTransient, "latest balance: %v", err)
	}
	head, err := e.client.BlockNumber(ctx)
	if err != nil {
		return xerr.Newf(xerr.AdapterTransient, "block number: %v", err)
	}
	safeHeight := int64(head) - e.coin.Confirmations
	if safeHeight < 0 {
		safeHeight = 0
	}
	confirmedBal, err := e.client.BalanceAt(ctx, addr, big.NewInt(safeHeight))
	if err != nil {
		return xerr.Newf(xerr.AdapterTransient, "confirmed balance: %v", err)
	}
	if pendingBal.Cmp(latestBal) != 0 || latestBal.Cmp(confirmedBal) != 0 {
		return nil // in-flight activity, skip this pass
	}
	minAmount, err := e.unit.Minimal(e.coin.MinimumAmount)
	if err != nil {
		return err
	}
	if latestBal.Cmp(minAmount) < 0 {
		return nil
	}

	fee := new(big.Int).Mul(big.NewInt(int64(e.gasUnits)), e.gasPriceWei)
	sweepValue := new(big.Int).Sub(latestBal, fee)
	if sweepValue.Sign() <= 0 {
		return nil
	}

	// Derive the user address's private key so it can sign its own sweep.
	_, privHex, err := e.wallet.DeriveAddress(coinType60, uint32(h.DerivationIndex))
	if err != nil {
		return xerr.Newf(xerr.StorageFatal, "re-derive key: %v", err)
	}
	privKey, err := crypto.HexToECDSA(privHex)
	if err != nil {
		return xerr.Newf(xerr.StorageFatal, "parse derived key: %v", err)
	}

	nonce, err := e.client.PendingNonceAt(ctx, addr)
	if err != nil {
		return xerr.Newf(xerr.AdapterTransient, "nonce: %v", err)
	}
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &e.rootAddress,
		Value:    sweepValue,
		Gas:      e.gasUnits,
		GasPrice: e.gasPriceWei,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(e.chainID), privKey)
	if err != nil {
		return xerr.Newf(xerr.AdapterTransient, "sign sweep: %v", err)
	}
	if err := e.client.SendTransaction(ctx, signed); err != nil {
		return xerr.Newf(xerr.AdapterTransient, "broadcast sweep: %v", err)
	}
	receipt, err := waitReceipt(ctx, e.client, signed.Hash())
	if err != nil {
		return xerr.Newf(xerr.AdapterTransient, "await receipt: %v", err)
	}
	block, err := e.client.HeaderByNumber(ctx, receipt.BlockNumber)
	if err != nil {
		return xerr.Newf(xerr.AdapterTransient, "fetch block: %v", err)
	}

	amountStr := e.unit.Decimal(sweepValue)
	txHash := signed.Hash().Hex()
	return e.store.Atomic(ctx, func(ctx context.Context) error {
		exists, err := e.store.TransactionExists(ctx, txHash)
		if err != nil {
			return err
		}
		if exists {
			return nil
		}
		if err := e.store.UpdateAccountTotals(ctx, h.UserID, amountStr, "0"); err != nil {
			return err
		}
		if err := e.store.UpdateGlobalTotals(ctx, amountStr, "0"); err != nil {
			return err
		}
		if err := e.store.InsertTransaction(ctx, &ledger.Transaction{
			UserID:      h.UserID,
			Amount:      amountStr,
			TxHash:      txHash,
			BlockHeight: receipt.BlockNumber.Int64(),
			BlockTime:   int64(block.Time),
		}); err != nil {
			return err
		}
		payload, _ := json.Marshal(map[string]string{"txHash": txHash, "amount": amountStr, "address": h.Address})
		out.Append(adapter.ProcessedEvent{UserID: h.UserID, Payload: string(payload)})
		return nil
	})
}

// ProcessPending implements spec §4.3.1's payout pass. Any latching error
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

// transactionStatus reports whether hash has already landed on chain, mirroring
// the teacher's ethereum adapter's GetTransactionStatus (TransactionReceipt,
// ethereum.NotFound means "not yet seen").
func (e *Engine) transactionStatus(ctx context.Context, hash string) (bool, *types.Receipt, error) {
	receipt, err := e.client.TransactionReceipt(ctx, common.HexToHash(hash))
	if err == nil {
		return true, receipt, nil
	}
	if errors.Is(err, ethereum.NotFound) {
		return false, nil, nil
	}
	return false, nil, xerr.Newf(xerr.AdapterTransient, "transaction status: %v", err)
}

// completePayout retires a pending row whose transaction is already known to
// have landed on chain, without signing or broadcasting anything.
func (e *Engine) completePayout(ctx context.Context, p ledger.PendingPayout, receipt *types.Receipt, processed adapter.ProcessedSink) error {
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
		var height *int64
		if receipt != nil {
			h := receipt.BlockNumber.Int64()
			height = &h
		}
		if err := e.store.InsertWithdrawalTransaction(ctx, &ledger.WithdrawalTransaction{
			UserID:      p.UserID,
			Amount:      p.Amount,
			TxHash:      txHash,
			Address:     p.Address,
			BlockHeight: height,
		}); err != nil {
			return err
		}
		payload, _ := json.Marshal(map[string]string{"txHash": txHash, "amount": p.Amount, "address": p.Address})
		processed.Append(adapter.ProcessedEvent{UserID: p.UserID, Payload: string(payload)})
		return nil
	})
}

func (e *Engine) processPending(ctx context.Context, processed adapter.ProcessedSink, rejected adapter.RejectedSink) error {
	pendingNonce, err := e.client.PendingNonceAt(ctx, e.rootAddress)
	if err != nil {
		return xerr.Newf(xerr.AdapterTransient, "pending nonce: %v", err)
	}
	latestNonce, err := e.client.NonceAt(ctx, e.rootAddress, nil)
	if err != nil {
		return xerr.Newf(xerr.AdapterTransient, "latest nonce: %v", err)
	}
	if pendingNonce != latestNonce {
		return nil // another process may be racing the root account
	}

	rootBalance, err := e.client.BalanceAt(ctx, e.rootAddress, nil)
	if err != nil {
		return xerr.Newf(xerr.AdapterTransient, "root balance: %v", err)
	}

	all, err := e.store.ListAllPending(ctx)
	if err != nil {
		return err
	}
	fee := new(big.Int).Mul(big.NewInt(int64(e.gasUnits)), e.gasPriceWei)
	staticFee, err := e.unit.Minimal(e.coin.StaticFee)
	if err != nil {
		staticFee = big.NewInt(0)
	}
	for _, p := range all {
		// A payout we already signed and broadcast in a previous pass that
		// failed before retiring the row: don't re-sign, just check whether
		// it landed and complete the ledger write if so (Open Question #2).
		if p.TxHash != nil {
			exists, receipt, err := e.transactionStatus(ctx, *p.TxHash)
			if err != nil {
				return err
			}
			if exists {
				if err := e.completePayout(ctx, p, receipt, processed); err != nil {
					return err
				}
				continue
			}
		}

		amount, err := e.unit.Minimal(p.Amount)
		if err != nil {
			return xerr.Newf(xerr.ProgrammerError, "stored pending amount unparsable: %v", err)
		}
		if amount.Cmp(rootBalance) >= 0 {
			return xerr.New(xerr.ProgrammerError, "pending payout exceeds root balance")
		}
		transferAmount := new(big.Int).Sub(amount, fee)
		transferAmount.Sub(transferAmount, staticFee)
		if transferAmount.Sign() <= 0 {
			transferAmount = big.NewInt(0)
		}

		nonce, err := e.client.PendingNonceAt(ctx, e.rootAddress)
		if err != nil {
			return xerr.Newf(xerr.AdapterTransient, "nonce: %v", err)
		}
		to := common.HexToAddress(p.Address)
		tx := types.NewTx(&types.LegacyTx{
			Nonce:    nonce,
			To:       &to,
			Value:    transferAmount,
			Gas:      e.gasUnits,
			GasPrice: e.gasPriceWei,
		})
		signed, signErr := types.SignTx(tx, types.LatestSignerForChainID(e.chainID), e.rootKey)
		if signErr != nil {
			if err := e.store.Atomic(ctx, func(ctx context.Context) error {
				return e.store.DeletePending(ctx, p.UserID)
			}); err != nil {
				return err
			}
			payload, _ := json.Marshal(map[string]string{"address": p.Address, "amount": p.Amount, "reason": "submission failed"})
			rejected.Append(adapter.ProcessedEvent{UserID: p.UserID, Payload: string(payload)})
			continue
		}
		txHash := signed.Hash().Hex()
		if err := e.store.SetPendingTxHash(ctx, p.UserID, txHash); err != nil {
			return err
		}
		if err := e.client.SendTransaction(ctx, signed); err != nil {
			if err := e.store.Atomic(ctx, func(ctx context.Context) error {
				return e.store.DeletePending(ctx, p.UserID)
			}); err != nil {
				return err
			}
			payload, _ := json.Marshal(map[string]string{"address": p.Address, "amount": p.Amount, "reason": "submission failed"})
			rejected.Append(adapter.ProcessedEvent{UserID: p.UserID, Payload: string(payload)})
			continue
		}

		receipt, err := waitReceipt(ctx, e.client, signed.Hash())
		if err != nil {
			return xerr.Newf(xerr.AdapterTransient, "await payout receipt: %v", err)
		}
		p.TxHash = &txHash
		if err := e.completePayout(ctx, p, receipt, processed); err != nil {
			return err
		}
	}
	return nil
}

func waitReceipt(ctx context.Context, client *ethclient.Client, hash common.Hash) (*types.Receipt, error) {
	for {
		receipt, err := client.TransactionReceipt(ctx, hash)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Second):
		}
	}
}
