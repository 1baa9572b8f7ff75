package main

import (
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/time/rate"
)

// limiter keeps a token bucket per client. The least recently seen clients
// fall out of the table.
type limiter struct {
	every rate.Limit
	burst int

	mu    sync.Mutex
	table *lru.Cache
}

// newLimiter returns nil, which allows everything, when perMinute is not
// positive.
func newLimiter(perMinute float64, burst, clients int) (*limiter, error) {
	if perMinute <= 0 {
		return nil, nil
	}
	if burst <= 0 {
		burst = 1
	}
	if clients <= 0 {
		clients = 10000
	}
	t, err := lru.New(clients)
	if err != nil {
		return nil, errors.Wrap(err, "limiter table")
	}
	return &limiter{every: rate.Limit(perMinute / 60), burst: burst, table: t}, nil
}

func (l *limiter) get(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if v, ok := l.table.Get(key); ok {
		return v.(*rate.Limiter)
	}
	rl := rate.NewLimiter(l.every, l.burst)
	l.table.Add(key, rl)
	return rl
}

// allow takes a token for key, or says how long until one is available.
func (l *limiter) allow(key string) (bool, time.Duration) {
	if l == nil {
		return true, 0
	}
	r := l.get(key).Reserve()
	if !r.OK() {
		return false, time.Second
	}
	if d := r.Delay(); d > 0 {
		r.Cancel()
		return false, d
	}
	return true, 0
}
