package gate

import (
	"context"
	"math/big"
)

// PaymentOpts narrows what VerifyPayment accepts. Exact, when set, wins over
// Min.
type PaymentOpts struct {
	Payer string
	Exact *uint64
	Min   uint64
}

// Payment is the verifier's verdict on a transaction. Reason is set when OK
// is false. Amount is zero when the source did not show one.
type Payment struct {
	OK     bool
	Reason string
	Amount uint64
	From   string
	Source string
}

// TxInfo is whatever the verifier could learn about a transaction. TimeMs is
// zero when unknown.
type TxInfo struct {
	OK     bool
	Reason string
	From   string
	To     string
	Amount uint64
	Status string
	TimeMs int64
	Source string
}

type Holdings struct {
	MatchedIDs     []string `json:"matchedIds"`
	MatchedTickers []string `json:"matchedTickers"`
}

func (h Holdings) Any() bool {
	return len(h.MatchedIDs) > 0 || len(h.MatchedTickers) > 0
}

// Verifier looks transactions and addresses up on a remote data source. It
// retries on its own; an error means the source could not be reached and a
// result with OK false is a definitive answer.
type Verifier interface {
	VerifyPayment(ctx context.Context, txID, feeAddress string, opts PaymentOpts) (Payment, error)
	InspectTransaction(ctx context.Context, txID string) (TxInfo, error)
	AddressHasTxBefore(ctx context.Context, address string, cutoffMs int64) (bool, error)
	AddressHoldsAnyOf(ctx context.Context, address string, tokenIDs, tickers []string) (Holdings, error)
}

// Wallet issues tokens.
type Wallet interface {
	Mint(ctx context.Context, amount *big.Int) (string, error)
	Transfer(ctx context.Context, tokenID string, amount *big.Int, receiver string) (string, error)
}
