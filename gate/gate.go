// Package gate decides which tier a receiver gets, verifies the proof a
// client brings back and turns it into exactly one issuance.
package gate

import (
	"context"
	"strings"
	"time"

	"mintgate/addr"
	"mintgate/ladder"
	"mintgate/ledger"
	"mintgate/mg"
	"mintgate/order"
	"mintgate/registry"
	"mintgate/store"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

type Gate struct {
	cfg     Config
	payouts map[string]tierPayout
	log     *zap.Logger

	signer   *order.Signer
	verifier Verifier
	wallet   Wallet

	ledger *ledger.Ledger
	free   *registry.Registry
	og     *registry.Registry
	holder *registry.Registry
	paid   *ladder.Ladder

	now func() time.Time
}

func New(cfg Config, s *store.Store, signer *order.Signer, v Verifier, w Wallet, log *zap.Logger) (*Gate, error) {
	payouts, err := cfg.resolve()
	if err != nil {
		return nil, errors.Wrap(err, "config")
	}
	if log == nil {
		log = zap.NewNop()
	}
	paid, err := ladder.New(s, cfg.Paid.CohortSizes, cfg.Paid.Base, cfg.Paid.Step, log)
	if err != nil {
		return nil, err
	}
	return &Gate{
		cfg:      cfg,
		payouts:  payouts,
		log:      log,
		signer:   signer,
		verifier: v,
		wallet:   w,
		ledger:   ledger.New(s, log),
		free:     registry.New(s, mg.NSFree, cfg.Free.Limit, false, log),
		og:       registry.New(s, mg.NSOG, cfg.OG.Limit, true, log),
		holder:   registry.New(s, mg.NSHolder, cfg.Holder.Limit, true, log),
		paid:     paid,
		now:      time.Now,
	}, nil
}

func (g *Gate) Ledger() *ledger.Ledger { return g.ledger }

func (g *Gate) Ladder() *ladder.Ladder { return g.paid }

// Registry returns the registry for a tier name or namespace.
func (g *Gate) Registry(tier string) *registry.Registry {
	switch strings.ToLower(tier) {
	case "free", mg.NSFree:
		return g.free
	case mg.NSOG:
		return g.og
	case mg.NSHolder:
		return g.holder
	}
	return nil
}

func (g *Gate) cutoffMs() int64 {
	return g.cfg.OG.Cutoff.UnixMilli()
}

func (g *Gate) nextPaid() *NextPaid {
	p, err := g.paid.Current()
	if err != nil || p.SoldOut {
		return nil
	}
	return &NextPaid{CohortIndex: p.Cohort, NextSlot: p.NextSlot, RequiredAmount: p.Price}
}

// Recount repairs every registry counter from its locks. It runs at startup
// and from the admin surface.
func (g *Gate) Recount() (map[string][2]int64, error) {
	out := map[string][2]int64{}
	for _, r := range []*registry.Registry{g.free, g.og, g.holder} {
		before, after, err := r.Recount()
		if err != nil {
			return nil, errors.Wrapf(err, "recount %s", r.Tier())
		}
		out[r.Tier()] = [2]int64{before, after}
	}
	return out, nil
}

func (g *Gate) Status() (Status, error) {
	var st Status
	var err error
	if st.Free, err = g.free.Peek(); err != nil {
		return st, err
	}
	if st.Paid, err = g.paid.Current(); err != nil {
		return st, err
	}
	if g.cfg.OG.Enabled {
		c, err := g.og.Peek()
		if err != nil {
			return st, err
		}
		st.OG = &c
	}
	if g.cfg.Holder.Enabled {
		c, err := g.holder.Peek()
		if err != nil {
			return st, err
		}
		st.Holder = &c
	}
	return st, nil
}

// tierName upper-cases a requested tier and maps the FCFS alias to FREE.
func tierName(s string) string {
	t := strings.ToUpper(strings.TrimSpace(s))
	if t == "FCFS" {
		return TierFree
	}
	return t
}

type QuoteRequest struct {
	Receiver string `json:"receiverSparkAddress"`
	// Tier asks for one tier only. Empty picks by priority.
	Tier string `json:"tier"`
}

// Quote picks a tier for the receiver and signs the terms. It changes no
// state, so asking twice gives the same tier and price.
func (g *Gate) Quote(ctx context.Context, req QuoteRequest) (*Quote, error) {
	q := &Quote{}
	if !addr.LooksLikeAddress(req.Receiver) {
		q.Reason = ReasonBadReceiver
		return q, nil
	}
	receiver := addr.Canonical(req.Receiver)
	want := tierName(req.Tier)
	switch want {
	case "", TierFree, TierPaid, TierOG, TierHolder:
	default:
		q.Reason = ReasonWrongTier
		return q, nil
	}

	freeCount, err := g.free.Peek()
	if err != nil {
		return nil, err
	}
	freeUsed, err := g.free.IsUsed(receiver)
	if err != nil {
		return nil, err
	}
	pos, err := g.paid.Current()
	if err != nil {
		return nil, err
	}
	q.Free = FreeInfo{
		Available:      !freeCount.SoldOut,
		AlreadyClaimed: freeUsed,
		Price:          g.cfg.Free.Price,
		Limit:          freeCount.Limit,
		Taken:          freeCount.Count,
	}
	q.Paid = pos
	q.LastRound = !pos.SoldOut && pos.LastRound

	tier, price, reason, err := g.pickTier(ctx, q, receiver, want, freeCount, freeUsed, pos)
	if err != nil {
		return nil, err
	}
	if tier == "" {
		q.Reason = reason
		return q, nil
	}

	p := order.Payload{
		FeeAddress: g.cfg.FeeAddress,
		Amount:     price,
		Since:      g.now().UnixMilli(),
		Receiver:   receiver,
		TokenID:    g.payouts[tier].tokenID,
		Tier:       tier,
	}
	tok, err := g.signer.Issue(p)
	if err != nil {
		return nil, errors.Wrap(err, "sign order")
	}
	q.OK = true
	q.Tier = tier
	q.FeeAddress = p.FeeAddress
	q.Amount = p.Amount
	q.Since = p.Since
	q.Receiver = p.Receiver
	q.TokenID = p.TokenID
	q.OrderToken = tok
	return q, nil
}

// pickTier walks free > paid > og > holder, or checks only want when set.
func (g *Gate) pickTier(ctx context.Context, q *Quote, receiver, want string, freeCount registry.Count, freeUsed bool, pos ladder.Position) (tier string, price uint64, reason string, err error) {
	consider := func(t string) bool { return want == "" || want == t }

	if consider(TierFree) {
		switch {
		case freeUsed:
			reason = mg.Tiered(mg.NSFree, mg.ErrAddressUsed).Error()
		case freeCount.SoldOut:
			reason = mg.Tiered(mg.NSFree, mg.ErrSoldOut).Error()
		default:
			return TierFree, g.cfg.Free.Price, "", nil
		}
	}
	if consider(TierPaid) {
		switch {
		case pos.SoldOut:
			reason = ladder.ErrSoldOut.Error()
		case g.cfg.DenyPaidAfterFree && freeUsed:
			reason = ReasonPaidAfterFree
		default:
			return TierPaid, pos.Price, "", nil
		}
	}
	if consider(TierOG) {
		if !g.cfg.OG.Enabled {
			reason = ReasonOGDisabled
		} else {
			info := &OGInfo{CutoffMs: g.cutoffMs()}
			q.OG = info
			if info.Claimed, err = g.og.IsUsed(receiver); err != nil {
				return "", 0, "", err
			}
			if info.Claimed {
				reason = mg.Tiered(mg.NSOG, mg.ErrAddressUsed).Error()
			} else {
				ok, verr := g.verifier.AddressHasTxBefore(ctx, receiver, info.CutoffMs)
				switch {
				case verr != nil:
					g.log.Warn("og eligibility lookup failed", zap.String("receiver", receiver), zap.Error(verr))
					reason = ReasonVerifierUnavailable
				case ok:
					info.Eligible = true
					return TierOG, 0, "", nil
				default:
					reason = ReasonOGNotEligible
				}
			}
		}
	}
	if consider(TierHolder) {
		if !g.cfg.Holder.Enabled {
			reason = ReasonHolderDisabled
		} else {
			info := &HolderInfo{}
			q.Holder = info
			if info.Claimed, err = g.holder.IsUsed(receiver); err != nil {
				return "", 0, "", err
			}
			h, verr := g.verifier.AddressHoldsAnyOf(ctx, receiver, g.cfg.Holder.TokenIDs, g.cfg.Holder.Tickers)
			if verr != nil {
				g.log.Warn("holder lookup failed", zap.String("receiver", receiver), zap.Error(verr))
				reason = ReasonVerifierUnavailable
			} else {
				info.Holdings = h
				info.Eligible = h.Any()
				switch {
				case !info.Eligible:
					reason = ReasonHolderNotEligible
				case info.Claimed:
					reason = mg.Tiered(mg.NSHolder, mg.ErrAddressUsed).Error()
				default:
					return TierHolder, 0, "", nil
				}
			}
		}
	}
	if want == "" {
		reason = ReasonNoTier
	}
	return "", 0, reason, nil
}
