// Package amount implements the amount-based distinction engine of spec
// §4.3.3: every user shares one root address, and attribution happens by
// the exact token value transferred, with collision avoidance through a
// bounded, deterministic perturbation (a fixed outward walk of offsets, not
// a random draw). Grounded on the teacher's
// infra/ethereum/adapter.go (ERC-20 ABI packing, log filtering by Transfer
// topic) generalized from a hardcoded demo contract to a configured one.
package amount

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"
	"gopherex.com/internal/adapter"
	"gopherex.com/internal/config"
	"gopherex.com/internal/ledger"
	"gopherex.com/internal/money"
	"gopherex.com/pkg/logger"
	"gopherex.com/pkg/xerr"

	"crypto/ecdsa"
)

// transferEventHash is Keccak256("Transfer(address,address,uint256)").
const transferEventHash = "0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef"

const erc20ABI = `[
  {"constant":false,"inputs":[{"name":"_to","type":"address"},{"name":"_value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"},
  {"constant":true,"inputs":[{"name":"_owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"balance","type":"uint256"}],"type":"function"}
]`

// maxPerturbAttempts bounds resolveDepositHandle's collision-avoidance loop
// (spec §9: "implementations must bound attempts and fail deterministically").
// perturbation walks outward in magnitude, two attempts per magnitude
// (+n, -n) up to +127, then a final -128, so 255 attempts cover every
// non-zero offset in the documented [-128, 127] minimal-unit range before
// giving up.
const maxPerturbAttempts = 255

type Engine struct {
	coin     config.Coin
	store    *ledger.Store
	unit     *money.Unit
	client   *ethclient.Client
	contract common.Address
	parsed   abi.ABI

	rootAddress common.Address
	rootKey     *ecdsa.PrivateKey
	chainID     *big.Int
	gasPriceWei *big.Int
	gasUnits    uint64

	latch adapter.Latch
}

func New(coin config.Coin, store *ledger.Store, client *ethclient.Client) (*Engine, error) {
	parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("amount engine %s: parse abi: %w", coin.Name, err)
	}
	rootKey, err := crypto.HexToECDSA(coin.Account.RootPrivateKey)
	if err != nil {
		return nil, fmt.Errorf("amount engine %s: root key: %w", coin.Name, err)
	}
	chainID, err := client.ChainID(context.Background())
	if err != nil {
		return nil, fmt.Errorf("amount engine %s: chain id: %w", coin.Name, err)
	}
	gasPrice, ok := new(big.Int).SetString(coin.Account.GasPriceWei, 10)
	if !ok {
		return nil, fmt.Errorf("amount engine %s: invalid gas_price_wei", coin.Name)
	}
	rounding := money.Truncate
	if coin.RoundingMode == "half_up" {
		rounding = money.HalfUp
	}
	return &Engine{
		coin:        coin,
		store:       store,
		unit:        money.NewUnit(coin.Decimals, rounding),
		client:      client,
		contract:    common.HexToAddress(coin.Account.ContractAddress),
		parsed:      parsed,
		rootAddress: common.HexToAddress(coin.Account.RootAddress),
		rootKey:     rootKey,
		chainID:     chainID,
		gasPriceWei: gasPrice,
		gasUnits:    coin.Account.GasUnits,
	}, nil
}

func (e *Engine) Distinction() adapter.Distinction { return adapter.Amount }

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
		Distinction: adapter.Amount,
		GlobalStats: adapter.GlobalStats{Deposit: global.CumulativeDeposit, Withdrawal: global.CumulativeWithdrawal, Balance: balance},
	}, nil
}

// ResolveDepositHandle implements spec §4.3.3 step 1-2: perturb the
// requested amount until it is unique among active handles, then reserve it.
func (e *Engine) ResolveDepositHandle(ctx context.Context, userID string, amount *string) (adapter.DepositHandle, error) {
	if err := e.latch.Err(); err != nil {
		return adapter.DepositHandle{}, err
	}
	if amount == nil {
		return adapter.DepositHandle{}, xerr.New(xerr.InputValidation, "amount is required for amount-based deposits")
	}
	requested, err := e.unit.Minimal(*amount)
	if err != nil {
		return adapter.DepositHandle{}, err
	}

	var effective string
	err = e.store.Atomic(ctx, func(ctx context.Context) error {
		candidate := new(big.Int).Set(requested)
		for attempt := 0; ; attempt++ {
			candidateStr := e.unit.Decimal(candidate)
			existing, err := e.store.LookupByAmount(ctx, candidateStr)
			if err != nil {
				return err
			}
			if existing == nil {
				effective = candidateStr
				break
			}
			if attempt >= maxPerturbAttempts {
				return xerr.New(xerr.StateConflict, "could not allocate a unique deposit amount")
			}
			adjust := perturbation(attempt)
			candidate = new(big.Int).Add(requested, big.NewInt(adjust))
			if candidate.Sign() < 0 {
				candidate.SetInt64(0)
			}
		}
		return e.store.InsertDepositHandle(ctx, &ledger.UserDepositHandle{
			UserID:         userID,
			ExpectedAmount: effective,
		})
	})
	if err != nil {
		return adapter.DepositHandle{}, err
	}
	return adapter.DepositHandle{Address: e.rootAddress.Hex(), Amount: &effective}, nil
}

// perturbation maps attempt index deterministically into [-128, 127] minimal
// units, walking outward from zero so small collisions resolve fast.
func perturbation(attempt int) int64 {
	n := int64(attempt/2) + 1
	if attempt%2 == 0 && n <= 127 {
		return n
	}
	return -n
}

func (e *Engine) ListAwaitingDeposits(ctx context.Context, userID string) ([]adapter.DepositHandle, error) {
	handles, err := e.store.LookupDepositHandlesByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]adapter.DepositHandle, 0, len(handles))
	for _, h := range handles {
		amt := h.ExpectedAmount
		out = append(out, adapter.DepositHandle{Address: e.rootAddress.Hex(), Amount: &amt})
	}
	return out, nil
}

func (e *Engine) CancelAwaitingDeposits(ctx context.Context, userID string) error {
	if err := e.latch.Err(); err != nil {
		return err
	}
	return e.store.Atomic(ctx, func(ctx context.Context) error {
		return e.store.DeleteAmountHandlesForUser(ctx, userID)
	})
}

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
	fee, err := e.unit.Minimal(e.coin.StaticFee)
	if err != nil {
		fee = big.NewInt(0)
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

// PollDeposits implements spec §4.3.3's Transfer log scan. Any latching
// error trips the adapter's latch before returning, mirroring the other
// three engines' PollDeposits contract.
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
	head, err := e.client.BlockNumber(ctx)
	if err != nil {
		return xerr.Newf(xerr.AdapterTransient, "block number: %v", err)
	}
	toBlock := int64(head) - e.coin.Confirmations
	if toBlock <= watermark {
		return nil
	}
	fromBlock := watermark + 1

	logs, err := e.client.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: big.NewInt(fromBlock),
		ToBlock:   big.NewInt(toBlock),
		Addresses: []common.Address{e.contract},
		Topics:    [][]common.Hash{{common.HexToHash(transferEventHash)}},
	})
	if err != nil {
		return xerr.Newf(xerr.AdapterTransient, "filter logs: %v", err)
	}

	err = e.store.Atomic(ctx, func(ctx context.Context) error {
		for _, lg := range logs {
			if len(lg.Topics) != 3 {
				continue
			}
			to := common.HexToAddress(lg.Topics[2].Hex())
			if to != e.rootAddress {
				continue
			}
			value := new(big.Int).SetBytes(lg.Data)
			amountStr := e.unit.Decimal(value)
			handle, err := e.store.LookupByAmount(ctx, amountStr)
			if err != nil {
				return err
			}
			if handle == nil {
				logger.Warn(ctx, "deposit amount unattributed, skipped", zap.String("amount", amountStr))
				continue
			}
			txHash := lg.TxHash.Hex()
			exists, err := e.store.TransactionExists(ctx, txHash)
			if err != nil {
				return err
			}
			if exists {
				continue
			}
			if err := e.store.UpdateAccountTotals(ctx, handle.UserID, amountStr, "0"); err != nil {
				return err
			}
			if err := e.store.UpdateGlobalTotals(ctx, amountStr, "0"); err != nil {
				return err
			}
			if err := e.store.InsertTransaction(ctx, &ledger.Transaction{
				UserID:      handle.UserID,
				Amount:      amountStr,
				TxHash:      txHash,
				BlockHeight: int64(lg.BlockNumber),
			}); err != nil {
				return err
			}
			if err := e.store.DeleteAmountHandle(ctx, handle.UserID, handle.ExpectedAmount); err != nil {
				return err
			}
			payload, _ := json.Marshal(map[string]string{"txHash": txHash, "amount": amountStr})
			out.Append(adapter.ProcessedEvent{UserID: handle.UserID, Payload: string(payload)})
		}
		return e.store.RecordProcessedBlock(ctx, toBlock, nil)
	})
	if err != nil {
		return err
	}

	balance, err := e.balanceOf(ctx, e.rootAddress)
	if err != nil {
		return xerr.Newf(xerr.AdapterTransient, "balanceOf: %v", err)
	}
	return e.store.UpdateBackendBalance(ctx, e.unit.Decimal(balance))
}

func (e *Engine) balanceOf(ctx context.Context, owner common.Address) (*big.Int, error) {
	data, err := e.parsed.Pack("balanceOf", owner)
	if err != nil {
		return nil, err
	}
	result, err := e.client.CallContract(ctx, ethereum.CallMsg{To: &e.contract, Data: data}, nil)
	if err != nil {
		return nil, err
	}
	return new(big.Int).SetBytes(result), nil
}

// ProcessPending implements spec §4.3.3's payout pass: deduct the static
// fee, sign an ERC-20 transfer from the root address, submit. Any latching
// error trips the adapter's latch before returning.
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

// transactionStatus mirrors the teacher's ethereum adapter's
// GetTransactionStatus: TransactionReceipt succeeds once the transaction is
// mined, and ethereum.NotFound means it has not landed (yet, or at all).
func (e *Engine) transactionStatus(ctx context.Context, hash string) (bool, error) {
	_, err := e.client.TransactionReceipt(ctx, common.HexToHash(hash))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, ethereum.NotFound) {
		return false, nil
	}
	return false, xerr.Newf(xerr.AdapterTransient, "transaction status: %v", err)
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
		// A transfer we already signed and broadcast in a previous pass that
		// failed before retiring the row: check whether it landed instead of
		// re-signing a second transfer (Open Question #2).
		if p.TxHash != nil {
			exists, err := e.transactionStatus(ctx, *p.TxHash)
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

		transferAmount := money.Sub(p.Amount, e.coin.StaticFee)
		minimal, err := e.unit.Minimal(transferAmount)
		if err != nil || minimal.Sign() <= 0 {
			if err := e.rejectPending(ctx, p, rejected, "amount below fee"); err != nil {
				return err
			}
			continue
		}
		data, err := e.parsed.Pack("transfer", common.HexToAddress(p.Address), minimal)
		if err != nil {
			return xerr.Newf(xerr.StorageFatal, "pack transfer: %v", err)
		}
		nonce, err := e.client.PendingNonceAt(ctx, e.rootAddress)
		if err != nil {
			return xerr.Newf(xerr.AdapterTransient, "nonce: %v", err)
		}
		tx := types.NewTx(&types.LegacyTx{
			Nonce:    nonce,
			To:       &e.contract,
			Value:    big.NewInt(0),
			Gas:      e.gasUnits,
			GasPrice: e.gasPriceWei,
			Data:     data,
		})
		signed, signErr := types.SignTx(tx, types.LatestSignerForChainID(e.chainID), e.rootKey)
		if signErr != nil {
			if err := e.rejectPending(ctx, p, rejected, "submission failed"); err != nil {
				return err
			}
			continue
		}
		txHash := signed.Hash().Hex()
		if err := e.store.SetPendingTxHash(ctx, p.UserID, txHash); err != nil {
			return err
		}
		if err := e.client.SendTransaction(ctx, signed); err != nil {
			if err := e.rejectPending(ctx, p, rejected, "submission failed"); err != nil {
				return err
			}
			continue
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
