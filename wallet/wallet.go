// Package wallet talks to the issuer sidecar that holds the token keys.
package wallet

import (
	"context"
	"math/big"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

type Config struct {
	URL     string        `yaml:"url"`
	Token   string        `yaml:"token"`
	Timeout time.Duration `yaml:"timeout"`
	// Dry logs issuance instead of calling the sidecar.
	Dry bool `yaml:"dry"`
}

type mintReq struct {
	Amount string `json:"amount"`
}

type transferReq struct {
	TokenID  string `json:"tokenIdentifier"`
	Amount   string `json:"amount"`
	Receiver string `json:"receiverSparkAddress"`
}

type txResp struct {
	TxID  string `json:"txId"`
	Error string `json:"error,omitempty"`
}

// Client calls POST /mint and POST /transfer. Calls are never retried: a
// lost response may still have issued.
type Client struct {
	cfg Config
	hc  *fasthttp.Client
	log *zap.Logger
}

func New(cfg Config, log *zap.Logger) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("wallet url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	cfg.URL = strings.TrimRight(cfg.URL, "/")
	return &Client{
		cfg: cfg,
		hc:  &fasthttp.Client{Name: "mintgate/1.0", MaxConnsPerHost: 16},
		log: log,
	}, nil
}

func (c *Client) Mint(ctx context.Context, amount *big.Int) (string, error) {
	return c.call(ctx, "/mint", mintReq{Amount: amount.String()})
}

func (c *Client) Transfer(ctx context.Context, tokenID string, amount *big.Int, receiver string) (string, error) {
	return c.call(ctx, "/transfer", transferReq{TokenID: tokenID, Amount: amount.String(), Receiver: receiver})
}

func (c *Client) call(ctx context.Context, path string, body interface{}) (string, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return "", err
	}
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.cfg.URL + path)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	req.SetBody(b)

	timeout := c.cfg.Timeout
	if dl, ok := ctx.Deadline(); ok {
		if left := time.Until(dl); left < timeout {
			timeout = left
		}
	}
	if err := c.hc.DoTimeout(req, resp, timeout); err != nil {
		return "", errors.Wrapf(err, "wallet %s", path)
	}

	var r txResp
	_ = json.Unmarshal(resp.Body(), &r)
	if code := resp.StatusCode(); code < 200 || code >= 300 {
		if r.Error == "" {
			r.Error = strings.TrimSpace(string(resp.Body()))
		}
		return "", errors.Newf("wallet %s: %d %s", path, code, r.Error)
	}
	if r.TxID == "" {
		return "", errors.Newf("wallet %s: no tx id in response", path)
	}
	c.log.Info("wallet call", zap.String("path", path), zap.String("tx", r.TxID))
	return r.TxID, nil
}

// Dry stands in for the sidecar during local runs.
type Dry struct {
	Log *zap.Logger
}

func (d Dry) Mint(_ context.Context, amount *big.Int) (string, error) {
	id := "dry-" + uuid.NewString()
	d.Log.Info("dry mint", zap.String("amount", amount.String()), zap.String("tx", id))
	return id, nil
}

func (d Dry) Transfer(_ context.Context, tokenID string, amount *big.Int, receiver string) (string, error) {
	id := "dry-" + uuid.NewString()
	d.Log.Info("dry transfer", zap.String("token", tokenID), zap.String("amount", amount.String()),
		zap.String("receiver", receiver), zap.String("tx", id))
	return id, nil
}
