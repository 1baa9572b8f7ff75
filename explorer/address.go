package explorer

import (
	"context"
	"regexp"
	"strconv"
	"strings"

	"mintgate/addr"
	"mintgate/gate"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

// txList pulls the transaction array out of the shapes the history endpoint
// has been seen to return.
func txList(v any) []any {
	switch t := v.(type) {
	case []any:
		return t
	case map[string]any:
		for _, k := range []string{"items", "transactions", "data", "txs"} {
			if l, ok := t[k].([]any); ok {
				return l
			}
		}
	}
	return nil
}

func (c *Client) AddressHasTxBefore(ctx context.Context, address string, cutoffMs int64) (bool, error) {
	a := addr.Canonical(address)
	v, err, _ := c.sf.Do("hist:"+a+":"+strconv.FormatInt(cutoffMs, 10), func() (interface{}, error) {
		return c.hasTxBefore(ctx, a, cutoffMs)
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

func (c *Client) hasTxBefore(ctx context.Context, a string, cutoffMs int64) (bool, error) {
	b, apiErr := c.get(ctx, c.apiURL("/address/"+a+"/txs")+"&limit=50&offset=0", "application/json")
	if apiErr == nil {
		var raw any
		if err := decodeAny(b, &raw); err == nil {
			for _, it := range txList(raw) {
				m, ok := it.(map[string]any)
				if !ok {
					continue
				}
				if ts := doc(m).timeMs(); ts > 0 && ts < cutoffMs {
					return true, nil
				}
			}
			return false, nil
		}
	} else if !errors.Is(apiErr, errNotFound) {
		c.log.Warn("explorer history lookup failed", zap.String("address", a), zap.Error(apiErr))
	}
	if c.cfg.DisableScrape {
		if errors.Is(apiErr, errNotFound) {
			return false, nil
		}
		return false, apiErr
	}
	page, err := c.fetchPage(ctx, "/address/"+a)
	if errors.Is(err, errNotFound) {
		return false, nil
	}
	if err != nil {
		return false, errors.CombineErrors(err, apiErr)
	}
	for _, ts := range timesInPage(string(page)) {
		if ts < cutoffMs {
			return true, nil
		}
	}
	return false, nil
}

func tickerRe(t string) *regexp.Regexp {
	return regexp.MustCompile(`(?:^|[^a-z0-9])` + regexp.QuoteMeta(strings.ToLower(t)) + `(?:[^a-z0-9]|$)`)
}

func match(text string, tokenIDs, tickers []string) gate.Holdings {
	var h gate.Holdings
	for _, id := range tokenIDs {
		if id = strings.ToLower(strings.TrimSpace(id)); id != "" && strings.Contains(text, id) {
			h.MatchedIDs = append(h.MatchedIDs, id)
		}
	}
	for _, t := range tickers {
		if t = strings.TrimSpace(t); t != "" && tickerRe(t).MatchString(text) {
			h.MatchedTickers = append(h.MatchedTickers, strings.ToUpper(t))
		}
	}
	return h
}

func (c *Client) AddressHoldsAnyOf(ctx context.Context, address string, tokenIDs, tickers []string) (gate.Holdings, error) {
	a := addr.Canonical(address)
	if len(tokenIDs) == 0 && len(tickers) == 0 {
		return gate.Holdings{}, nil
	}
	b, apiErr := c.get(ctx, c.apiURL("/address/"+a), "application/json")
	if apiErr == nil {
		if h := match(strings.ToLower(string(b)), tokenIDs, tickers); h.Any() {
			return h, nil
		}
	} else if !errors.Is(apiErr, errNotFound) {
		c.log.Warn("explorer address lookup failed", zap.String("address", a), zap.Error(apiErr))
	}
	if c.cfg.DisableScrape {
		if apiErr != nil && !errors.Is(apiErr, errNotFound) {
			return gate.Holdings{}, apiErr
		}
		return gate.Holdings{}, nil
	}
	page, err := c.fetchPage(ctx, "/address/"+a)
	if errors.Is(err, errNotFound) {
		return gate.Holdings{}, nil
	}
	if err != nil {
		if apiErr == nil {
			// the API answered, the page only widens the search
			return gate.Holdings{}, nil
		}
		return gate.Holdings{}, errors.CombineErrors(err, apiErr)
	}
	return match(pageText(page), tokenIDs, tickers), nil
}
