package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"mintgate/gate"
	"mintgate/wallet"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

const (
	testAddr   = "127.0.0.1:33123"
	adminToken = "admintoken-admintoken"
	feeAddr    = "sp1feefeefeefeefeefeefeefeefee"
)

var testApp *app

// okVerifier accepts every payment.
type okVerifier struct{}

func (okVerifier) VerifyPayment(_ context.Context, txID, fee string, opts gate.PaymentOpts) (gate.Payment, error) {
	return gate.Payment{OK: true, Amount: opts.Min, From: opts.Payer, Source: "stub"}, nil
}

func (okVerifier) InspectTransaction(context.Context, string) (gate.TxInfo, error) {
	return gate.TxInfo{Reason: "not_found"}, nil
}

func (okVerifier) AddressHasTxBefore(context.Context, string, int64) (bool, error) {
	return false, nil
}

func (okVerifier) AddressHoldsAnyOf(context.Context, string, []string, []string) (gate.Holdings, error) {
	return gate.Holdings{}, nil
}

func testConfig(dir string) *Config {
	cfg := defaultConfig()
	cfg.ListenAddr = testAddr
	cfg.AdminToken = adminToken
	cfg.Storage.Path = filepath.Join(dir, "test.db")
	cfg.Signing.SecretFile = filepath.Join(dir, "secret")
	cfg.RateLimit = RateConfig{}
	cfg.Gate = gate.Config{
		FeeAddress:    feeAddr,
		PayoutTokenID: "btkn1payoutpayout",
		TokenDecimals: 8,
		MaxOrderAge:   time.Hour,
		Free:          gate.FreeConfig{Limit: 10, Payout: gate.Payout{Tokens: "100"}},
		Paid: gate.PaidConfig{
			CohortSizes: []int64{5},
			Base:        220,
			Step:        220,
			Payout:      gate.Payout{Tokens: "1000"},
		},
	}
	return &cfg
}

func TestMain(m *testing.M) {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)

	dir, err := os.MkdirTemp("", "mintgate")
	if err != nil {
		panic(err)
	}
	log := zap.NewNop()
	testApp, err = newApp(testConfig(dir), log, okVerifier{}, wallet.Dry{Log: log})
	if err != nil {
		panic(err)
	}
	go func() {
		if err := Start(ctx, testApp); err != nil {
			panic(err)
		}
	}()
	for i := 0; i < 100; i++ {
		if code, _, err := fasthttp.Get(nil, "http://"+testAddr+"/api/status"); err == nil && code == 200 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	code := m.Run()
	cancel()
	testApp.store.Close()
	os.RemoveAll(dir)
	os.Exit(code)
}

func call(t *testing.T, method, path, token string, body interface{}) (int, map[string]interface{}) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)
	req.Header.SetMethod(method)
	req.SetRequestURI("http://" + testAddr + path)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		d, err := json.Marshal(body)
		require.NoError(t, err)
		req.SetBody(d)
	}
	require.NoError(t, fasthttp.DoTimeout(req, resp, 5*time.Second))
	var out map[string]interface{}
	if len(resp.Body()) > 0 && resp.Header.ContentType() != nil && strings.Contains(string(resp.Header.ContentType()), "json") {
		require.NoError(t, json.Unmarshal(resp.Body(), &out))
	}
	return resp.StatusCode(), out
}

func quote(t *testing.T, receiver, tier string) map[string]interface{} {
	code, q := call(t, "POST", "/api/quote", "", map[string]string{"receiverSparkAddress": receiver, "tier": tier})
	require.Equal(t, 200, code, q)
	require.Equal(t, true, q["ok"])
	return q
}

func TestFreeRedeemOverHTTP(t *testing.T) {
	receiver := "sp1httpfreehttpfreehttpfreehttp"
	tx := "aaaaaaaabbbbccccddddeeeeeeeeeeee"
	q := quote(t, receiver, "")
	require.Equal(t, gate.TierFree, q["suggestedTier"])

	code, res := call(t, "POST", "/api/redeem", "", map[string]string{"token": q["orderToken"].(string), "txId": tx})
	require.Equal(t, 200, code, res)
	assert.Equal(t, true, res["minted"])
	assert.Equal(t, string(gate.Issued), res["state"])
	assert.True(t, strings.HasPrefix(res["transferTxId"].(string), "dry-"))

	code, res = call(t, "POST", "/api/redeem", "", map[string]string{"token": q["orderToken"].(string), "txId": tx})
	assert.Equal(t, 409, code)
	assert.Equal(t, gate.ReasonAlreadyUsed, res["error"])

	code, c := call(t, "GET", "/api/claims/fcfs/"+receiver, "", nil)
	require.Equal(t, 200, code)
	assert.Equal(t, true, c["claimed"])

	code, c = call(t, "GET", "/api/claims/free/sp1nobodynobodynobodynobodynob", "", nil)
	require.Equal(t, 200, code)
	assert.Equal(t, false, c["claimed"])

	code, _ = call(t, "GET", "/api/claims/moon/"+receiver, "", nil)
	assert.Equal(t, 404, code)
}

func TestPaidQuoteOverHTTP(t *testing.T) {
	q := quote(t, "sp1httppaidhttppaidhttppaidhttp", gate.TierPaid)
	assert.Equal(t, gate.TierPaid, q["suggestedTier"])
	assert.Equal(t, "220", q["requiredAmount"])
}

func TestBadRequests(t *testing.T) {
	code, q := call(t, "POST", "/api/quote", "", map[string]string{"receiverSparkAddress": "nope"})
	assert.Equal(t, 400, code)
	assert.Equal(t, gate.ReasonBadReceiver, q["error"])

	code, res := call(t, "POST", "/api/redeem", "", map[string]string{"token": "x.y", "txId": "aa"})
	assert.Equal(t, 403, code)
	assert.Equal(t, "bad_signature", res["error"])

	code, _ = call(t, "GET", "/nowhere", "", nil)
	assert.Equal(t, 404, code)
}

func TestAdminTx(t *testing.T) {
	receiver := "sp1httpadminhttpadminhttpadminh"
	tx := "12345678123412341234123456789abc"

	code, _ := call(t, "GET", "/admin/tx/"+tx, "", nil)
	assert.Equal(t, 401, code)
	code, _ = call(t, "GET", "/admin/tx/"+tx, "wrong", nil)
	assert.Equal(t, 401, code)
	code, rec := call(t, "GET", "/admin/tx/"+tx, adminToken, nil)
	assert.Equal(t, 404, code)
	assert.Equal(t, false, rec["used"])

	q := quote(t, receiver, gate.TierFree)
	code, res := call(t, "POST", "/api/redeem", "", map[string]string{"token": q["orderToken"].(string), "txId": tx})
	require.Equal(t, 200, code, res)

	// the dashed spelling finds the same record
	dashed := "12345678-1234-1234-1234-123456789abc"
	code, rec = call(t, "GET", "/admin/tx/"+dashed, adminToken, nil)
	require.Equal(t, 200, code)
	assert.Equal(t, true, rec["used"])
	meta := rec["meta"].(map[string]interface{})
	assert.Equal(t, gate.TierFree, meta["tier"])
	assert.Equal(t, receiver, meta["receiver"])

	code, _ = call(t, "DELETE", "/admin/tx/"+tx, adminToken, nil)
	require.Equal(t, 200, code)
	code, _ = call(t, "GET", "/admin/tx/"+tx, adminToken, nil)
	assert.Equal(t, 404, code)
}

func TestAdminRecount(t *testing.T) {
	code, out := call(t, "POST", "/admin/recount", adminToken, nil)
	require.Equal(t, 200, code)
	fcfs := out["fcfs"].(map[string]interface{})
	assert.Equal(t, fcfs["before"], fcfs["after"])
}

func TestStatusAndMetrics(t *testing.T) {
	code, st := call(t, "GET", "/api/status", "", nil)
	require.Equal(t, 200, code)
	require.Contains(t, st, "fcfs")
	require.Contains(t, st, "paid")

	code, body, err := fasthttp.Get(nil, "http://"+testAddr+"/metrics")
	require.NoError(t, err)
	require.Equal(t, 200, code)
	assert.Contains(t, string(body), "mintgate_request_seconds")
}

func TestRateLimited(t *testing.T) {
	l, err := newLimiter(60, 2, 10)
	require.NoError(t, err)
	s := &server{m: newMetrics()}
	h := s.limited("quote", l, func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(200)
	})
	codes := make([]int, 3)
	for i := range codes {
		var ctx fasthttp.RequestCtx
		h(&ctx)
		codes[i] = ctx.Response.StatusCode()
		if i == 2 {
			assert.Contains(t, string(ctx.Response.Body()), "rate_limited")
			assert.NotEmpty(t, ctx.Response.Header.Peek("Retry-After"))
		}
	}
	assert.Equal(t, []int{200, 200, 429}, codes)

	off, err := newLimiter(0, 0, 0)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		ok, _ := off.allow("x")
		require.True(t, ok)
	}
}

func TestLimiterPerClient(t *testing.T) {
	l, err := newLimiter(1, 1, 10)
	require.NoError(t, err)
	ok, _ := l.allow("a")
	require.True(t, ok)
	ok, wait := l.allow("a")
	require.False(t, ok)
	assert.Greater(t, wait, 30*time.Second)
	ok, _ = l.allow("b")
	require.True(t, ok)
}

func TestStatusFor(t *testing.T) {
	for reason, want := range map[string]int{
		"":                             200,
		gate.ReasonAlreadyUsed:         409,
		"fcfs_sold_out":                409,
		"og_address_used":              409,
		"paid_sold_out":                409,
		gate.ReasonPaidAmountWrong:     409,
		gate.ReasonTooEarly:            425,
		gate.ReasonVerifierUnavailable: 503,
		"bad_signature":                403,
		gate.ReasonBadReceiver:         400,
		"to_mismatch":                  400,
	} {
		assert.Equal(t, want, statusFor(reason), reason)
	}
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "config.yml")
	yml := fmt.Sprintf(`listen_addr: ":9999"
storage:
  driver: sqlite3
  path: %s
gate:
  fee_address: %s
  payout_token_id: btkn1payoutpayout
  token_decimals: 8
  max_order_age: 30m
  free:
    limit: 1000
    payout:
      tokens: "10"
  paid:
    cohort_sizes: [100, 200]
    base: 1000
    step: 500
    payout:
      base_units: "5000"
  og:
    enabled: true
    cutoff: 2024-06-01T00:00:00Z
    payout:
      tokens: "1.5"
explorer:
  network: REGTEST
  backoff: 250ms
`, filepath.Join(dir, "db.sqlite"), feeAddr)
	require.NoError(t, os.WriteFile(p, []byte(yml), 0o600))
	t.Setenv("MINTGATE_ADMIN_TOKEN", "from-env")
	t.Setenv("MINTGATE_WALLET_TOKEN", "wallet-env")

	cfg, err := loadConfig(p)
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.ListenAddr)
	assert.Equal(t, "from-env", cfg.AdminToken)
	assert.Equal(t, "wallet-env", cfg.Wallet.Token)
	assert.Equal(t, 30*time.Minute, cfg.Gate.MaxOrderAge)
	assert.Equal(t, []int64{100, 200}, cfg.Gate.Paid.CohortSizes)
	assert.Equal(t, time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC), cfg.Gate.OG.Cutoff.UTC())
	assert.Equal(t, 250*time.Millisecond, cfg.Explorer.Backoff)
	// defaults survive
	assert.Equal(t, 20.0, cfg.RateLimit.RedeemPerMinute)

	b, err := openBackend(cfg.Storage)
	require.NoError(t, err)
	require.NoError(t, b.Close())

	_, err = loadConfig(filepath.Join(dir, "missing.yml"))
	require.Error(t, err)
}
