package main

import (
	"crypto/subtle"
	"math"
	"strconv"
	"strings"
	"time"

	"mintgate/addr"
	"mintgate/gate"
	"mintgate/mg"

	"github.com/buaazp/fasthttprouter"
	"github.com/cockroachdb/errors"
	json "github.com/goccy/go-json"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

type server struct {
	g          *gate.Gate
	log        *zap.Logger
	adminToken string
	trustProxy bool
	quoteRL    *limiter
	redeemRL   *limiter
	m          *metrics
}

func newServer(g *gate.Gate, cfg *Config, log *zap.Logger) (*server, error) {
	s := &server{
		g:          g,
		log:        log.Named("api"),
		adminToken: cfg.AdminToken,
		trustProxy: cfg.RateLimit.TrustProxy,
		m:          newMetrics(),
	}
	var err error
	rl := cfg.RateLimit
	if s.quoteRL, err = newLimiter(rl.QuotePerMinute, rl.Burst, rl.Clients); err != nil {
		return nil, err
	}
	if s.redeemRL, err = newLimiter(rl.RedeemPerMinute, rl.Burst, rl.Clients); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *server) router() *fasthttprouter.Router {
	r := fasthttprouter.New()
	r.POST("/api/quote", s.timed("quote", s.limited("quote", s.quoteRL, s.QuoteHandler)))
	r.POST("/api/redeem", s.timed("redeem", s.limited("redeem", s.redeemRL, s.RedeemHandler)))
	r.GET("/api/status", s.timed("status", s.StatusHandler))
	r.GET("/api/claims/:tier/:address", s.timed("claims", s.ClaimHandler))

	r.POST("/admin/recount", s.admin(s.RecountHandler))
	r.GET("/admin/tx/:txid", s.admin(s.TxHandler))
	r.DELETE("/admin/tx/:txid", s.admin(s.ReleaseTxHandler))

	r.GET("/metrics", s.m.handler())
	r.NotFound = func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(404)
	}
	return r
}

type errBody struct {
	OK           bool   `json:"ok"`
	Error        string `json:"error"`
	RetryAfterMs int64  `json:"retryAfterMs,omitempty"`
}

func writeJSON(ctx *fasthttp.RequestCtx, status int, v interface{}) {
	d, err := json.Marshal(v)
	if err != nil {
		ctx.Error(err.Error(), 500)
		return
	}
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	ctx.Response.SetBody(d)
}

// fasthttp has no constant for 425.
const statusTooEarly = 425

// statusFor maps a reason to an HTTP status. Conflicts are 409 so clients
// never mistake them for something worth retrying.
func statusFor(reason string) int {
	switch {
	case reason == "":
		return fasthttp.StatusOK
	case reason == gate.ReasonAlreadyUsed,
		reason == gate.ReasonPaidAmountWrong,
		reason == gate.ReasonPaidAfterFree,
		reason == gate.ReasonNoTier,
		strings.HasSuffix(reason, "_sold_out"),
		strings.HasSuffix(reason, "_address_used"):
		return fasthttp.StatusConflict
	case reason == gate.ReasonTooEarly:
		return statusTooEarly
	case reason == gate.ReasonVerifierUnavailable:
		return fasthttp.StatusServiceUnavailable
	case reason == "bad_signature":
		return fasthttp.StatusForbidden
	}
	return fasthttp.StatusBadRequest
}

func (s *server) clientIP(ctx *fasthttp.RequestCtx) string {
	if s.trustProxy {
		if xff := string(ctx.Request.Header.Peek("X-Forwarded-For")); xff != "" {
			ip, _, _ := strings.Cut(xff, ",")
			return strings.TrimSpace(ip)
		}
	}
	return ctx.RemoteIP().String()
}

func (s *server) limited(scope string, l *limiter, next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		if ok, wait := l.allow(s.clientIP(ctx)); !ok {
			s.m.limited.WithLabelValues(scope).Inc()
			ctx.Response.Header.Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
			writeJSON(ctx, fasthttp.StatusTooManyRequests, errBody{Error: "rate_limited", RetryAfterMs: wait.Milliseconds()})
			return
		}
		next(ctx)
	}
}

func (s *server) timed(route string, next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		start := time.Now()
		next(ctx)
		s.m.latency.WithLabelValues(route, strconv.Itoa(ctx.Response.StatusCode())).Observe(time.Since(start).Seconds())
	}
}

func (s *server) admin(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		tok := strings.TrimPrefix(string(ctx.Request.Header.Peek("Authorization")), "Bearer ")
		if s.adminToken == "" || subtle.ConstantTimeCompare([]byte(tok), []byte(s.adminToken)) != 1 {
			writeJSON(ctx, fasthttp.StatusUnauthorized, errBody{Error: "unauthorized"})
			return
		}
		next(ctx)
	}
}

func (s *server) internal(ctx *fasthttp.RequestCtx, op string, err error) {
	s.log.Error(op, zap.Error(err))
	writeJSON(ctx, fasthttp.StatusInternalServerError, errBody{Error: "internal"})
}

func (s *server) QuoteHandler(ctx *fasthttp.RequestCtx) {
	var req gate.QuoteRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		writeJSON(ctx, fasthttp.StatusBadRequest, errBody{Error: "bad_json"})
		return
	}
	q, err := s.g.Quote(ctx, req)
	if err != nil {
		s.internal(ctx, "quote", err)
		return
	}
	tier := q.Tier
	if tier == "" {
		tier = "none"
	}
	s.m.quotes.WithLabelValues(tier, strconv.FormatBool(q.OK)).Inc()
	writeJSON(ctx, statusFor(q.Reason), q)
}

func (s *server) RedeemHandler(ctx *fasthttp.RequestCtx) {
	var req gate.RedeemRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		writeJSON(ctx, fasthttp.StatusBadRequest, errBody{Error: "bad_json"})
		return
	}
	res, err := s.g.Redeem(ctx, req)
	if err != nil {
		s.internal(ctx, "redeem", err)
		return
	}
	s.m.redeems.WithLabelValues(res.Tier, string(res.State)).Inc()
	status := fasthttp.StatusOK
	if !res.OK {
		status = statusFor(res.Reason)
	}
	writeJSON(ctx, status, res)
}

func (s *server) StatusHandler(ctx *fasthttp.RequestCtx) {
	st, err := s.g.Status()
	if err != nil {
		s.internal(ctx, "status", err)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, st)
}

type claimInfo struct {
	Tier    string `json:"tier"`
	Address string `json:"address"`
	Claimed bool   `json:"claimed"`
}

func (s *server) ClaimHandler(ctx *fasthttp.RequestCtx) {
	r := s.g.Registry(ctx.UserValue("tier").(string))
	if r == nil {
		writeJSON(ctx, fasthttp.StatusNotFound, errBody{Error: gate.ReasonWrongTier})
		return
	}
	a := ctx.UserValue("address").(string)
	if !addr.LooksLikeAddress(a) {
		writeJSON(ctx, fasthttp.StatusBadRequest, errBody{Error: gate.ReasonBadReceiver})
		return
	}
	a = addr.Canonical(a)
	used, err := r.IsUsed(a)
	if err != nil {
		s.internal(ctx, "claims", err)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, claimInfo{Tier: r.Tier(), Address: a, Claimed: used})
}

type recountRes struct {
	Before int64 `json:"before"`
	After  int64 `json:"after"`
}

func (s *server) RecountHandler(ctx *fasthttp.RequestCtx) {
	res, err := s.g.Recount()
	if err != nil {
		s.internal(ctx, "recount", err)
		return
	}
	out := make(map[string]recountRes, len(res))
	for tier, r := range res {
		out[tier] = recountRes{Before: r[0], After: r[1]}
	}
	writeJSON(ctx, fasthttp.StatusOK, out)
}

type txRecord struct {
	TxID      string            `json:"txId"`
	Used      bool              `json:"used"`
	CreatedAt int64             `json:"createdAt,omitempty"`
	Meta      map[string]string `json:"meta,omitempty"`
}

func (s *server) TxHandler(ctx *fasthttp.RequestCtx) {
	id := ctx.UserValue("txid").(string)
	if !addr.LooksLikeTxID(id) {
		writeJSON(ctx, fasthttp.StatusBadRequest, errBody{Error: gate.ReasonBadTxID})
		return
	}
	l, a, err := s.g.Ledger().Lookup(id)
	if errors.Is(err, mg.ErrNotFound) {
		writeJSON(ctx, fasthttp.StatusNotFound, txRecord{TxID: id})
		return
	}
	if err != nil {
		s.internal(ctx, "tx lookup", err)
		return
	}
	rec := txRecord{TxID: id, Used: true, CreatedAt: l.CreatedAt}
	if a != nil {
		rec.Meta = a.Meta
	}
	writeJSON(ctx, fasthttp.StatusOK, rec)
}

// ReleaseTxHandler frees a tx id by hand, for support cases where issuance
// is known not to have happened.
func (s *server) ReleaseTxHandler(ctx *fasthttp.RequestCtx) {
	id := ctx.UserValue("txid").(string)
	if !addr.LooksLikeTxID(id) {
		writeJSON(ctx, fasthttp.StatusBadRequest, errBody{Error: gate.ReasonBadTxID})
		return
	}
	if err := s.g.Ledger().Release(id); err != nil {
		s.internal(ctx, "tx release", err)
		return
	}
	s.log.Warn("tx released by operator", zap.String("tx", id), zap.String("ip", s.clientIP(ctx)))
	writeJSON(ctx, fasthttp.StatusOK, errBody{OK: true})
}
