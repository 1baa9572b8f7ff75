package gate

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"time"

	"mintgate/addr"
	"mintgate/mg"
	"mintgate/order"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type RedeemRequest struct {
	Token string `json:"token"`
	TxID  string `json:"txId"`
	// PayerHint is the address the client says it paid from.
	PayerHint string `json:"payerSparkAddress"`
	// Tier, when set, must match the tier inside the token.
	Tier string `json:"tier"`
}

var pendingRe = regexp.MustCompile(`(?i)bad_status\((sent|pending|processing)\)`)

type undoStep struct {
	name string
	fn   func() error
}

// attempt is one pass through the redeem state machine.
type attempt struct {
	g     *Gate
	log   *zap.Logger
	res   *Result
	stage State
	undo  []undoStep
}

// onFail registers a compensation. They run newest first.
func (a *attempt) onFail(name string, fn func() error) {
	a.undo = append(a.undo, undoStep{name: name, fn: fn})
}

func (a *attempt) rollback() {
	for i := len(a.undo) - 1; i >= 0; i-- {
		step := a.undo[i]
		if err := step.fn(); err != nil {
			a.log.Warn("rollback step failed", zap.String("step", step.name), zap.Error(err))
		} else {
			a.log.Debug("rolled back", zap.String("step", step.name))
		}
	}
	a.undo = nil
}

func (a *attempt) advance(s State) {
	a.res.State = s
}

// fail ends the attempt on its way to a.stage.
func (a *attempt) fail(reason string) *Result {
	a.rollback()
	a.res.OK = false
	a.res.Reason = reason
	a.res.State = FailedAt(a.stage)
	a.log.Info("redeem rejected", zap.String("reason", reason), zap.String("state", string(a.res.State)))
	return a.res
}

// abort rolls back and hands an unexpected error to the caller.
func (a *attempt) abort(err error) (*Result, error) {
	a.rollback()
	a.log.Error("redeem aborted", zap.Error(err))
	return nil, err
}

// Redeem checks the proof for a quoted order and issues at most once per
// proof. Expected failures come back as a Result with a reason; only storage
// or secret failures are returned as errors.
func (g *Gate) Redeem(ctx context.Context, req RedeemRequest) (*Result, error) {
	id := uuid.NewString()
	a := &attempt{
		g:     g,
		log:   g.log.With(zap.String("attempt", id)),
		res:   &Result{AttemptID: id, State: Quoted},
		stage: ProofSubmitted,
	}

	tok := strings.TrimSpace(req.Token)
	if tok == "" {
		return a.fail(ReasonMissingToken), nil
	}
	p, err := g.signer.Read(tok)
	switch {
	case errors.Is(err, order.ErrInvalidSignature):
		return a.fail(order.ErrInvalidSignature.Error()), nil
	case errors.Is(err, order.ErrMalformed):
		return a.fail(order.ErrMalformed.Error()), nil
	case err != nil:
		return a.abort(errors.Wrap(err, "read order"))
	}
	a.res.Tier = p.Tier
	a.log = a.log.With(zap.String("tier", p.Tier), zap.String("tx", req.TxID))
	a.advance(ProofSubmitted)
	a.stage = Verified

	if want := tierName(req.Tier); want != "" && want != p.Tier {
		return a.fail(ReasonWrongTier), nil
	}
	if !addr.LooksLikeAddress(p.Receiver) {
		return a.fail(ReasonBadReceiver), nil
	}
	receiver := addr.Canonical(p.Receiver)

	now := g.now().UnixMilli()
	age := now - p.Since
	if delay := g.cfg.MinVerifyDelay.Milliseconds(); delay > 0 && age < delay {
		a.res.RetryAfterMs = delay - age
		return a.fail(ReasonTooEarly), nil
	}
	if maxAge := g.cfg.MaxOrderAge.Milliseconds(); maxAge > 0 && age > maxAge {
		return a.fail(ReasonOrderExpired), nil
	}

	payer := strings.TrimSpace(req.PayerHint)
	if payer != "" {
		if !addr.LooksLikeAddress(payer) {
			return a.fail(ReasonBadPayer), nil
		}
		payer = addr.Canonical(payer)
	}

	txID := strings.TrimSpace(req.TxID)
	if p.Tier != TierHolder {
		if txID == "" {
			return a.fail(ReasonTxRequired), nil
		}
		if !addr.LooksLikeTxID(txID) {
			return a.fail(ReasonBadTxID), nil
		}
	}
	if (p.Tier == TierFree || p.Tier == TierPaid) && !addr.Equal(p.FeeAddress, g.cfg.FeeAddress) {
		return a.fail(ReasonWrongFeeAddress), nil
	}

	a.log = a.log.With(zap.String("receiver", receiver))
	switch p.Tier {
	case TierFree:
		return g.redeemFree(ctx, a, txID, receiver, payer)
	case TierPaid:
		return g.redeemPaid(ctx, a, txID, receiver, payer)
	case TierOG:
		if !g.cfg.OG.Enabled {
			return a.fail(ReasonOGDisabled), nil
		}
		return g.redeemOG(ctx, a, p, txID, payer)
	case TierHolder:
		if !g.cfg.Holder.Enabled {
			return a.fail(ReasonHolderDisabled), nil
		}
		return g.redeemHolder(ctx, a, receiver)
	}
	return a.fail(order.ErrMalformed.Error()), nil
}

// conflict extracts the reason of a tier conflict such as "fcfs_sold_out".
func conflict(err error) (string, bool) {
	var te *mg.TierError
	if errors.As(err, &te) {
		return te.Error(), true
	}
	return "", false
}

// paymentReason maps a negative verdict to a client reason.
func (g *Gate) paymentReason(a *attempt, pay Payment) string {
	reason := pay.Reason
	if reason == "" {
		reason = ReasonVerifyFailed
	}
	if g.cfg.MapPendingToTooEarly && pendingRe.MatchString(reason) {
		a.res.RetryAfterMs = g.cfg.PendingRetry.Milliseconds()
		return ReasonTooEarly
	}
	return reason
}

func (g *Gate) verifyPayment(ctx context.Context, a *attempt, txID, payer string, opts PaymentOpts) (Payment, string) {
	opts.Payer = payer
	pay, err := g.verifier.VerifyPayment(ctx, txID, g.cfg.FeeAddress, opts)
	if err != nil {
		a.log.Warn("verify payment failed", zap.Error(err))
		return pay, ReasonVerifierUnavailable
	}
	a.res.Source = pay.Source
	if !pay.OK {
		return pay, g.paymentReason(a, pay)
	}
	return pay, ""
}

// claimTx takes the ledger lock for txID and registers its release.
func (g *Gate) claimTx(a *attempt, txID, receiver string, amount uint64) (reason string, err error) {
	c, err := g.ledger.ClaimOnce(txID, map[string]string{
		"tier":     a.res.Tier,
		"receiver": receiver,
		"amount":   strconv.FormatUint(amount, 10),
		"attempt":  a.res.AttemptID,
	})
	if errors.Is(err, mg.ErrAlreadyUsed) {
		return ReasonAlreadyUsed, nil
	}
	if err != nil {
		return "", err
	}
	a.onFail("ledger", c.Release)
	return "", nil
}

func (g *Gate) redeemFree(ctx context.Context, a *attempt, txID, receiver, payer string) (*Result, error) {
	pay, reason := g.verifyPayment(ctx, a, txID, payer, PaymentOpts{Min: g.cfg.Free.Price})
	if reason != "" {
		return a.fail(reason), nil
	}
	a.advance(Verified)
	a.stage = Reserved

	if reason, err := g.claimTx(a, txID, receiver, pay.Amount); err != nil {
		return a.abort(err)
	} else if reason != "" {
		return a.fail(reason), nil
	}
	err := g.free.Reserve(receiver, g.cfg.Free.Limit)
	if reason, ok := conflict(err); ok {
		a.res.NextPaid = g.nextPaid()
		return a.fail(reason), nil
	}
	if err != nil {
		return a.abort(err)
	}
	a.onFail("fcfs", func() error { return g.free.Rollback(receiver) })
	a.advance(Reserved)
	return g.issue(ctx, a, TierFree, receiver)
}

func (g *Gate) redeemPaid(ctx context.Context, a *attempt, txID, receiver, payer string) (*Result, error) {
	if g.cfg.DenyPaidAfterFree {
		used, err := g.free.IsUsed(receiver)
		if err != nil {
			return a.abort(err)
		}
		if used {
			return a.fail(ReasonPaidAfterFree), nil
		}
	}
	pay, reason := g.verifyPayment(ctx, a, txID, payer, PaymentOpts{})
	if reason != "" {
		return a.fail(reason), nil
	}
	a.advance(Verified)
	a.stage = Reserved

	if reason, err := g.claimTx(a, txID, receiver, pay.Amount); err != nil {
		return a.abort(err)
	} else if reason != "" {
		return a.fail(reason), nil
	}
	slot, err := g.paid.Reserve()
	if reason, ok := conflict(err); ok {
		return a.fail(reason), nil
	}
	if err != nil {
		return a.abort(err)
	}
	a.onFail("paid", g.paid.Rollback)
	a.res.Cohort = &slot
	if pay.Amount == 0 {
		// the verifier could not read an amount; ask it to find the slot price
		price := slot.Price
		confirmed, reason := g.verifyPayment(ctx, a, txID, payer, PaymentOpts{Exact: &price})
		if reason == ReasonVerifierUnavailable {
			return a.fail(reason), nil
		}
		pay.Amount = confirmed.Amount
		if reason != "" {
			pay.Amount = 0
		}
	}
	if pay.Amount != slot.Price {
		a.res.RequiredAmount = slot.Price
		a.log.Info("paid amount mismatch", zap.Uint64("expected", slot.Price), zap.Uint64("got", pay.Amount))
		return a.fail(ReasonPaidAmountWrong), nil
	}
	a.advance(Reserved)
	return g.issue(ctx, a, TierPaid, receiver)
}

func (g *Gate) redeemOG(ctx context.Context, a *attempt, p order.Payload, txID, payer string) (*Result, error) {
	cutoff := g.cutoffMs()
	a.res.CutoffMs = cutoff

	if g.cfg.OG.RequirePayment {
		if _, reason := g.verifyPayment(ctx, a, txID, payer, PaymentOpts{Min: p.Amount}); reason != "" {
			return a.fail(reason), nil
		}
	}
	info, err := g.verifier.InspectTransaction(ctx, txID)
	if err != nil {
		a.log.Warn("inspect tx failed", zap.Error(err))
		return a.fail(ReasonVerifierUnavailable), nil
	}
	if !info.OK {
		return a.fail(ReasonOGTxInvalid), nil
	}
	a.res.TxTimeMs = info.TimeMs
	if a.res.Source == "" {
		a.res.Source = info.Source
	}

	// the payer from the tx wins; the hint only fills in when the tx has none
	from := ""
	if c := addr.Canonical(info.From); addr.IsCanonical(c) {
		from = c
	} else if addr.IsCanonical(payer) {
		from = payer
	}

	if from == "" {
		return a.fail(ReasonOGNoFrom), nil
	}
	if info.TimeMs <= 0 || info.TimeMs >= cutoff {
		ok, err := g.verifier.AddressHasTxBefore(ctx, from, cutoff)
		if err != nil {
			a.log.Warn("address history lookup failed", zap.Error(err))
			return a.fail(ReasonVerifierUnavailable), nil
		}
		if !ok {
			a.res.Receiver = from
			return a.fail(ReasonOGNotEligible), nil
		}
	}
	a.advance(Verified)
	a.stage = Reserved

	if reason, err := g.claimTx(a, txID, from, info.Amount); err != nil {
		return a.abort(err)
	} else if reason != "" {
		return a.fail(reason), nil
	}
	err = g.og.Reserve(from, g.cfg.OG.Limit)
	if reason, ok := conflict(err); ok {
		return a.fail(reason), nil
	}
	if err != nil {
		return a.abort(err)
	}
	a.onFail("og", func() error { return g.og.Rollback(from) })
	a.advance(Reserved)
	return g.issue(ctx, a, TierOG, from)
}

func (g *Gate) redeemHolder(ctx context.Context, a *attempt, receiver string) (*Result, error) {
	h, err := g.verifier.AddressHoldsAnyOf(ctx, receiver, g.cfg.Holder.TokenIDs, g.cfg.Holder.Tickers)
	if err != nil {
		a.log.Warn("holder lookup failed", zap.Error(err))
		return a.fail(ReasonVerifierUnavailable), nil
	}
	if !h.Any() {
		return a.fail(ReasonHolderNotEligible), nil
	}
	a.advance(Verified)
	a.stage = Reserved

	err = g.holder.Reserve(receiver, g.cfg.Holder.Limit)
	if reason, ok := conflict(err); ok {
		return a.fail(reason), nil
	}
	if err != nil {
		return a.abort(err)
	}
	a.onFail("holder", func() error { return g.holder.Rollback(receiver) })
	a.advance(Reserved)
	return g.issue(ctx, a, TierHolder, receiver)
}

// issue mints and transfers the tier payout. It runs to completion even if
// the client went away, so a reservation is never left half done.
func (g *Gate) issue(ctx context.Context, a *attempt, tier, receiver string) (*Result, error) {
	a.stage = Issued
	a.res.Receiver = receiver
	tp := g.payouts[tier]
	a.res.PayoutBaseUnits = tp.units.String()

	ctx = context.WithoutCancel(ctx)
	if g.cfg.IssueTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.cfg.IssueTimeout)
		defer cancel()
	}

	start := time.Now()
	mintID, err := g.wallet.Mint(ctx, tp.units)
	if err == nil {
		a.res.MintTxID = mintID
		a.res.TransferTxID, err = g.wallet.Transfer(ctx, tp.tokenID, tp.units, receiver)
	}
	if err != nil {
		a.log.Error("issuance failed", zap.Error(err), zap.Duration("took", time.Since(start)))
		a.fail(ReasonIssuanceFailed)
		a.res.OK = true
		a.res.MintError = err.Error()
		return a.res, nil
	}
	a.undo = nil
	a.res.OK = true
	a.res.Minted = true
	a.advance(Issued)
	a.log.Info("issued", zap.String("mint", a.res.MintTxID), zap.String("transfer", a.res.TransferTxID),
		zap.String("units", a.res.PayoutBaseUnits), zap.Duration("took", time.Since(start)))
	return a.res, nil
}
