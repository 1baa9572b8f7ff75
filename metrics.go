package main

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

type metrics struct {
	reg     *prometheus.Registry
	quotes  *prometheus.CounterVec
	redeems *prometheus.CounterVec
	limited *prometheus.CounterVec
	latency *prometheus.HistogramVec
}

func newMetrics() *metrics {
	m := &metrics{
		reg: prometheus.NewRegistry(),
		quotes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mintgate_quotes_total",
			Help: "Quotes by suggested tier.",
		}, []string{"tier", "ok"}),
		redeems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mintgate_redeems_total",
			Help: "Redeem attempts by tier and final state.",
		}, []string{"tier", "state"}),
		limited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mintgate_rate_limited_total",
			Help: "Requests turned away by the per-client limiter.",
		}, []string{"scope"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mintgate_request_seconds",
			Help:    "Request latency. Redeem includes verification and issuance.",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"route", "code"}),
	}
	m.reg.MustRegister(m.quotes, m.redeems, m.limited, m.latency,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *metrics) handler() fasthttp.RequestHandler {
	return fasthttpadaptor.NewFastHTTPHandler(promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{}))
}
