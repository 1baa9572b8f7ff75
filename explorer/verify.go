package explorer

import (
	"context"
	"fmt"
	"strings"

	"mintgate/addr"
	"mintgate/gate"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

const (
	SourceAPI    = "api"
	SourceScrape = "scrape"
)

var _ gate.Verifier = (*Client)(nil)

var okStatus = map[string]bool{"confirmed": true, "completed": true, "success": true}

// txDoc fetches the API record of one tx id spelling. Settled records are
// cached; concurrent lookups of the same id share one request.
func (c *Client) txDoc(ctx context.Context, id string) (doc, error) {
	if v, ok := c.cache.Get(id); ok {
		return v.(doc), nil
	}
	v, err, _ := c.sf.Do("tx:"+id, func() (interface{}, error) {
		b, err := c.get(ctx, c.apiURL("/tx/"+id), "application/json")
		if err != nil {
			return nil, err
		}
		d, err := decodeDoc(b)
		if err != nil {
			return nil, errors.Wrapf(err, "decode tx %s", id)
		}
		if okStatus[strings.ToLower(str(d["status"]))] {
			c.cache.Add(id, d)
		}
		return d, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(doc), nil
}

// lookupTx tries every spelling of txID against the API. A nil doc with a
// nil error means the explorer does not know the transaction.
func (c *Client) lookupTx(ctx context.Context, txID string) (doc, error) {
	var lastErr error
	for _, id := range addr.TxCandidates(txID) {
		d, err := c.txDoc(ctx, id)
		switch {
		case err == nil:
			return d, nil
		case errors.Is(err, errNotFound):
		default:
			lastErr = err
			c.log.Warn("explorer tx lookup failed", zap.String("tx", id), zap.Error(err))
		}
	}
	return nil, lastErr
}

func (c *Client) VerifyPayment(ctx context.Context, txID, feeAddress string, opts gate.PaymentOpts) (gate.Payment, error) {
	if txID == "" || feeAddress == "" {
		return gate.Payment{Reason: "missing_params"}, nil
	}
	d, apiErr := c.lookupTx(ctx, txID)
	if d != nil {
		return judge(d, feeAddress, opts), nil
	}
	if c.cfg.DisableScrape {
		if apiErr != nil {
			return gate.Payment{}, apiErr
		}
		return gate.Payment{Reason: "not_found", Source: SourceAPI}, nil
	}
	p, err := c.scrapePayment(ctx, txID, feeAddress, opts)
	if err != nil {
		return gate.Payment{}, errors.CombineErrors(err, apiErr)
	}
	return p, nil
}

func judge(d doc, feeAddress string, opts gate.PaymentOpts) gate.Payment {
	to := addr.Canonical(ident(d["to"]))
	from := addr.Canonical(ident(d["from"]))
	status := strings.ToLower(str(d["status"]))
	amt, _ := amount(d["amountSats"])

	p := gate.Payment{Amount: amt, From: from, Source: SourceAPI}
	switch {
	case to == "" || !addr.Equal(to, feeAddress):
		p.Reason = "to_mismatch"
	case opts.Payer != "" && !addr.Equal(from, opts.Payer):
		p.Reason = "from_mismatch"
	case opts.Exact != nil && amt != *opts.Exact:
		p.Reason = fmt.Sprintf("amount_mismatch(expected=%d got=%d)", *opts.Exact, amt)
	case opts.Exact == nil && opts.Min > 0 && amt < opts.Min:
		p.Reason = fmt.Sprintf("amount_below_min(expected>=%d got=%d)", opts.Min, amt)
	case status != "" && !okStatus[status]:
		p.Reason = fmt.Sprintf("bad_status(%s)", status)
	default:
		p.OK = true
	}
	return p
}


func (c *Client) fetchPage(ctx context.Context, path string) ([]byte, error) {
	return c.get(ctx, c.webURL(path), "text/html")
}

func (c *Client) scrapePayment(ctx context.Context, txID, feeAddress string, opts gate.PaymentOpts) (gate.Payment, error) {
	id := addr.Hyphenate(txID)
	b, err := c.fetchPage(ctx, "/tx/"+id)
	if errors.Is(err, errNotFound) {
		return gate.Payment{Reason: "not_found", Source: SourceScrape}, nil
	}
	if err != nil {
		return gate.Payment{}, err
	}
	text := pageText(b)
	p := gate.Payment{Source: SourceScrape}
	if !strings.Contains(text, strings.ToLower(id)) && !strings.Contains(text, strings.ToLower(txID)) {
		p.Reason = "no_match_base"
		return p, nil
	}
	if !containsAny(text, addr.Variants(feeAddress)) {
		p.Reason = "no_match_base"
		return p, nil
	}
	if opts.Payer != "" {
		if !containsAny(text, addr.Variants(opts.Payer)) {
			p.Reason = "payer_not_found"
			return p, nil
		}
		p.From = addr.Canonical(opts.Payer)
	}
	switch {
	case opts.Exact != nil:
		if !containsAny(text, amountVariants(*opts.Exact)) {
			p.Reason = "amount_not_found"
			return p, nil
		}
		p.Amount = *opts.Exact
	case opts.Min > 0:
		if !containsAny(text, amountVariants(opts.Min)) {
			p.Reason = "amount_min_not_found"
			return p, nil
		}
		p.Amount = opts.Min
	}
	p.OK = true
	return p, nil
}

func (c *Client) InspectTransaction(ctx context.Context, txID string) (gate.TxInfo, error) {
	d, apiErr := c.lookupTx(ctx, txID)
	if d != nil {
		info := gate.TxInfo{
			From:   addr.Canonical(ident(d["from"])),
			To:     addr.Canonical(ident(d["to"])),
			Status: strings.ToLower(str(d["status"])),
			TimeMs: d.timeMs(),
			Source: SourceAPI,
		}
		info.Amount, _ = amount(d["amountSats"])
		info.OK = info.From != "" || info.To != "" || info.Amount > 0 || info.Status != "" || info.TimeMs > 0
		if !info.OK {
			info.Reason = "not_found"
		}
		return info, nil
	}
	if c.cfg.DisableScrape {
		if apiErr != nil {
			return gate.TxInfo{}, apiErr
		}
		return gate.TxInfo{Reason: "not_found"}, nil
	}
	b, err := c.fetchPage(ctx, "/tx/"+addr.Hyphenate(txID))
	if errors.Is(err, errNotFound) {
		return gate.TxInfo{Reason: "not_found", Source: SourceScrape}, nil
	}
	if err != nil {
		return gate.TxInfo{}, errors.CombineErrors(err, apiErr)
	}
	page := string(b)
	info := gate.TxInfo{OK: true, Source: SourceScrape}
	if m := addr.AddressInText.FindString(page); m != "" {
		info.From = addr.Canonical(m)
	}
	if ts := timesInPage(page); len(ts) > 0 {
		info.TimeMs = ts[0]
	}
	return info, nil
}
