// Package adapter declares the ChainAdapter capability of spec §4.2: the
// method set every distinction engine implements, plus the fatal-error latch
// every concrete engine embeds. Grounded on the teacher's infra/ethereum and
// infra/bitcoin adapters, which expose the same shape (address/balance/send)
// behind a per-chain struct, generalized here into one interface shared by
// all four distinction models.
package adapter

import "context"

// Distinction identifies which attribution model a coin's adapter uses.
type Distinction string

const (
	Address     Distinction = "address"
	Tag         Distinction = "tag"
	Amount      Distinction = "amount"
	UTXOAddress Distinction = "utxo-address"
)

// GlobalStats mirrors proxyInfo's globalStats shape.
type GlobalStats struct {
	Deposit    string `json:"deposit"`
	Withdrawal string `json:"withdrawal"`
	Balance    string `json:"balance"`
}

// ProxyInfo is the result of Adapter.ProxyInfo.
type ProxyInfo struct {
	CoinType    string      `json:"coinType"`
	Decimals    int32       `json:"decimals"`
	Distinction Distinction `json:"distinction"`
	GlobalStats GlobalStats `json:"globalStats"`
}

// DepositHandle is the caller-facing shape of a resolved deposit target.
// Only the fields relevant to the adapter's distinction are populated.
type DepositHandle struct {
	Address string  `json:"address"`
	Tag     *int64  `json:"tag,omitempty"`
	Amount  *string `json:"amount,omitempty"`
}

// PendingInfo is the caller-facing shape of a scheduled payout.
type PendingInfo struct {
	Address string `json:"address"`
	Amount  string `json:"amount"`
	Tag     *int64 `json:"tag,omitempty"`
}

// AccountInfo is the result of Adapter.AccountInfo.
type AccountInfo struct {
	Deposit    string       `json:"deposit"`
	Withdrawal string       `json:"withdrawal"`
	Pending    *PendingInfo `json:"pending,omitempty"`
}

// ProcessedEvent is one row appended to an outbox sink during a poll or
// process pass — the payload an engine hands to ProcessedSink/RejectedSink.
type ProcessedEvent struct {
	UserID  string
	Payload string // JSON, ready to append to the outbox as-is
}

// ProcessedSink and RejectedSink collect events emitted during one
// pollDeposits/processPending pass. The scheduler drains them into the
// outbox tables inside its own outer atomic, per spec §4.4 step 3.
type ProcessedSink interface {
	Append(ev ProcessedEvent)
}

type RejectedSink interface {
	Append(ev ProcessedEvent)
}

// Adapter is the capability set of spec §4.2. Every method is cooperative:
// it may perform chain I/O interleaved with storage mutations inside the
// Ledger Store's atomic scopes, and must check its own latch before doing
// anything that mutates state.
type Adapter interface {
	Distinction() Distinction
	ProxyInfo(ctx context.Context) (ProxyInfo, error)

	ResolveDepositHandle(ctx context.Context, userID string, amount *string) (DepositHandle, error)
	ListAwaitingDeposits(ctx context.Context, userID string) ([]DepositHandle, error)
	CancelAwaitingDeposits(ctx context.Context, userID string) error

	ScheduleWithdrawal(ctx context.Context, userID, address, amount string, tag *int64) error
	LookupPending(ctx context.Context, userID string) (*PendingInfo, error)

	ListDeposits(ctx context.Context, userID string, skip int) ([]DepositRecord, error)
	ListWithdrawals(ctx context.Context, userID string, skip int) ([]WithdrawalRecord, error)
	AccountInfo(ctx context.Context, userID string) (AccountInfo, error)

	PollDeposits(ctx context.Context, out ProcessedSink) error
	ProcessPending(ctx context.Context, processed ProcessedSink, rejected RejectedSink) error

	// Latch exposes the adapter's fatal-error state so the scheduler and
	// the admin CLI can inspect/clear it without a type switch per engine.
	Latch() *Latch
}

// DepositRecord and WithdrawalRecord are the caller-facing shapes returned
// by listDeposits/listWithdrawals.
type DepositRecord struct {
	EntryID     int64   `json:"entryId"`
	Amount      string  `json:"amount"`
	TxHash      string  `json:"txHash"`
	BlockHeight int64   `json:"blockHeight"`
	BlockHash   *string `json:"blockHash,omitempty"`
}

type WithdrawalRecord struct {
	EntryID     int64   `json:"entryId"`
	Amount      string  `json:"amount"`
	TxHash      string  `json:"txHash"`
	Address     string  `json:"address"`
	BlockHeight *int64  `json:"blockHeight,omitempty"`
	BlockHash   *string `json:"blockHash,omitempty"`
}
