// Package explorer verifies payments and address history against a block
// explorer. The JSON API is asked first; scraping the HTML pages is the
// lower-confidence fallback.
package explorer

import (
	"context"
	"math/rand"
	"net/url"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	lru "github.com/hashicorp/golang-lru"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

type Config struct {
	APIBase string `yaml:"api_base"`
	WebBase string `yaml:"web_base"`
	Network string `yaml:"network"`

	Retries int           `yaml:"retries"`
	Backoff time.Duration `yaml:"backoff"`
	Timeout time.Duration `yaml:"timeout"`

	CacheSize     int  `yaml:"cache_size"`
	DisableScrape bool `yaml:"disable_scrape"`
}

func (c *Config) defaults() {
	if c.APIBase == "" {
		c.APIBase = "https://api.sparkscan.io/v1"
	}
	if c.WebBase == "" {
		c.WebBase = "https://www.sparkscan.io"
	}
	if c.Network == "" {
		c.Network = "MAINNET"
	}
	if c.Retries <= 0 {
		c.Retries = 3
	}
	if c.Backoff <= 0 {
		c.Backoff = 600 * time.Millisecond
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.CacheSize <= 0 {
		c.CacheSize = 4096
	}
	c.APIBase = strings.TrimRight(c.APIBase, "/")
	c.WebBase = strings.TrimRight(c.WebBase, "/")
}

var errNotFound = errors.New("not found")

type Client struct {
	cfg   Config
	hc    *fasthttp.Client
	log   *zap.Logger
	cache *lru.ARCCache // tx id -> settled txDoc
	sf    singleflight.Group
}

func New(cfg Config, log *zap.Logger) (*Client, error) {
	cfg.defaults()
	if log == nil {
		log = zap.NewNop()
	}
	cache, err := lru.NewARC(cfg.CacheSize)
	if err != nil {
		return nil, errors.Wrap(err, "tx cache")
	}
	return &Client{
		cfg: cfg,
		hc: &fasthttp.Client{
			Name:            "mintgate/1.0",
			MaxConnsPerHost: 64,
			ReadTimeout:     cfg.Timeout,
			WriteTimeout:    cfg.Timeout,
		},
		log:   log,
		cache: cache,
	}, nil
}

func (c *Client) apiURL(path string) string {
	return c.cfg.APIBase + path + "?network=" + url.QueryEscape(c.cfg.Network)
}

func (c *Client) webURL(path string) string {
	return c.cfg.WebBase + path
}

// get fetches uri, retrying 429 and 5xx with exponential backoff. A 404
// comes back as errNotFound.
func (c *Client) get(ctx context.Context, uri, accept string) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= c.cfg.Retries; attempt++ {
		req := fasthttp.AcquireRequest()
		resp := fasthttp.AcquireResponse()
		req.SetRequestURI(uri)
		req.Header.SetMethod(fasthttp.MethodGet)
		req.Header.Set("Accept", accept)

		timeout := c.cfg.Timeout
		if dl, ok := ctx.Deadline(); ok {
			if left := time.Until(dl); left < timeout {
				timeout = left
			}
		}
		err := c.hc.DoTimeout(req, resp, timeout)
		status := resp.StatusCode()
		body := append([]byte(nil), resp.Body()...)
		fasthttp.ReleaseRequest(req)
		fasthttp.ReleaseResponse(resp)

		switch {
		case err != nil:
			lastErr = errors.Wrapf(err, "explorer get %s", uri)
		case status >= 200 && status < 300:
			return body, nil
		case status == fasthttp.StatusNotFound:
			return nil, errNotFound
		case status == fasthttp.StatusTooManyRequests || status >= 500:
			lastErr = errors.Newf("explorer %d", status)
		default:
			return nil, errors.Newf("explorer %d", status)
		}
		if attempt == c.cfg.Retries {
			break
		}
		wait := c.cfg.Backoff<<attempt + time.Duration(rand.Int63n(int64(c.cfg.Backoff/2)+1))
		c.log.Debug("explorer retry", zap.String("uri", uri), zap.Duration("wait", wait), zap.Error(lastErr))
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, errors.CombineErrors(ctx.Err(), lastErr)
		case <-t.C:
		}
	}
	return nil, lastErr
}
