package gate

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"sync/atomic"

	"mintgate/addr"

	"github.com/cockroachdb/errors"
)

type fakeVerifier struct {
	mu       sync.Mutex
	payments map[string]Payment
	txs      map[string]TxInfo
	history  map[string]int64 // address -> time of its oldest tx
	holdings map[string]Holdings
	down     bool
}

func newFakeVerifier() *fakeVerifier {
	return &fakeVerifier{
		payments: map[string]Payment{},
		txs:      map[string]TxInfo{},
		history:  map[string]int64{},
		holdings: map[string]Holdings{},
	}
}

func (f *fakeVerifier) pay(tx, from string, amount uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payments[strings.ToLower(tx)] = Payment{OK: true, Amount: amount, From: from, Source: "api"}
}

// payScraped records a payment whose amount only shows up when asked for.
func (f *fakeVerifier) payScraped(tx, from string, amount uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payments[strings.ToLower(tx)] = Payment{OK: true, Amount: amount, From: from, Source: "scrape"}
}

func (f *fakeVerifier) VerifyPayment(_ context.Context, txID, fee string, opts PaymentOpts) (Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return Payment{}, errors.New("explorer unreachable")
	}
	p, ok := f.payments[strings.ToLower(txID)]
	if !ok {
		return Payment{OK: false, Reason: "not_found"}, nil
	}
	if !p.OK {
		return p, nil
	}
	if opts.Payer != "" && !addr.Equal(opts.Payer, p.From) {
		return Payment{OK: false, Reason: "from_mismatch", Amount: p.Amount, From: p.From}, nil
	}
	if p.Source == "scrape" {
		// a page only confirms the figure it was asked to look for
		switch {
		case opts.Exact != nil && *opts.Exact != p.Amount:
			return Payment{OK: false, Reason: "amount_not_found", From: p.From, Source: p.Source}, nil
		case opts.Exact != nil:
			return p, nil
		case opts.Min > 0 && p.Amount < opts.Min:
			return Payment{OK: false, Reason: "amount_min_not_found", From: p.From, Source: p.Source}, nil
		case opts.Min > 0:
			p.Amount = opts.Min
			return p, nil
		}
		p.Amount = 0
		return p, nil
	}
	if opts.Exact != nil && *opts.Exact != p.Amount {
		return Payment{OK: false, Reason: "amount_mismatch", Amount: p.Amount, From: p.From}, nil
	}
	if p.Amount < opts.Min {
		return Payment{OK: false, Reason: "amount_below_min", Amount: p.Amount, From: p.From}, nil
	}
	return p, nil
}

func (f *fakeVerifier) InspectTransaction(_ context.Context, txID string) (TxInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return TxInfo{}, errors.New("explorer unreachable")
	}
	info, ok := f.txs[strings.ToLower(txID)]
	if !ok {
		return TxInfo{OK: false, Reason: "not_found"}, nil
	}
	return info, nil
}

func (f *fakeVerifier) AddressHasTxBefore(_ context.Context, address string, cutoffMs int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return false, errors.New("explorer unreachable")
	}
	t, ok := f.history[addr.Canonical(address)]
	return ok && t < cutoffMs, nil
}

func (f *fakeVerifier) AddressHoldsAnyOf(_ context.Context, address string, ids, tickers []string) (Holdings, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return Holdings{}, errors.New("explorer unreachable")
	}
	return f.holdings[addr.Canonical(address)], nil
}

type fakeWallet struct {
	mints     int64
	transfers int64
	fail      atomic.Bool

	mu       sync.Mutex
	received map[string]string // receiver -> amount
}

func (w *fakeWallet) Mint(ctx context.Context, amount *big.Int) (string, error) {
	if w.fail.Load() {
		return "", errors.New("issuer sidecar down")
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return fmt.Sprintf("mint-%d", atomic.AddInt64(&w.mints, 1)), nil
}

func (w *fakeWallet) Transfer(_ context.Context, tokenID string, amount *big.Int, receiver string) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.received == nil {
		w.received = map[string]string{}
	}
	w.received[receiver] = amount.String()
	return fmt.Sprintf("transfer-%d", atomic.AddInt64(&w.transfers, 1)), nil
}
