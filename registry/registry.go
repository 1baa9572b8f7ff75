// Package registry keeps one claim per address per tier, with a running
// count used for capacity limits.
package registry

import (
	"time"

	"mintgate/mg"
	"mintgate/store"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

// Count is a snapshot of a tier's capacity.
type Count struct {
	Count   int64 `json:"count"`
	Limit   int64 `json:"limit"`
	SoldOut bool  `json:"soldOut"`
}

// Registry is one tier. Every mutation goes through Update on the counter key,
// so the address locks of the tier and its count change together.
type Registry struct {
	s        *store.Store
	log      *zap.Logger
	tier     string
	key      []byte
	limit    int64
	uncapped bool // limit 0 means no cap instead of no capacity
}

// New returns the registry for tier with the default limit. When uncapped is
// set a zero limit means unlimited.
func New(s *store.Store, tier string, limit int64, uncapped bool, log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		s:        s,
		log:      log.With(zap.String("tier", tier)),
		tier:     tier,
		key:      store.CounterKey(tier),
		limit:    limit,
		uncapped: uncapped,
	}
}

func (r *Registry) Tier() string { return r.tier }

func (r *Registry) Limit() int64 { return r.limit }

func (r *Registry) full(count, limit int64) bool {
	if limit <= 0 {
		return !r.uncapped
	}
	return count >= limit
}

func (r *Registry) Peek() (Count, error) {
	n, err := r.s.Int64(r.key)
	if err != nil {
		return Count{}, err
	}
	return Count{Count: n, Limit: r.limit, SoldOut: r.full(n, r.limit)}, nil
}

func (r *Registry) IsUsed(addr string) (bool, error) {
	return r.s.Exists(r.tier, addr)
}

// Reserve takes addr under limit. It fails with "<tier>_address_used" when
// addr already claimed and "<tier>_sold_out" when the tier is full.
func (r *Registry) Reserve(addr string, limit int64) error {
	if store.NormalizeKey(addr) == "" {
		return errors.New("empty address")
	}
	return r.s.Update(r.key, func() error {
		used, err := r.s.Exists(r.tier, addr)
		if err != nil {
			return err
		}
		if used {
			return mg.Tiered(r.tier, mg.ErrAddressUsed)
		}
		n, err := r.s.Int64(r.key)
		if err != nil {
			return err
		}
		if r.full(n, limit) {
			return mg.Tiered(r.tier, mg.ErrSoldOut)
		}
		var b store.Batch
		store.PutLock(&b, r.tier, addr, time.Now())
		store.PutInt64(&b, r.key, n+1)
		err = r.s.Commit(&b)
		if errors.Is(err, mg.ErrExists) {
			return mg.Tiered(r.tier, mg.ErrAddressUsed)
		}
		return err
	})
}

// Rollback removes addr's claim. A missing claim is a no-op.
func (r *Registry) Rollback(addr string) error {
	return r.s.Update(r.key, func() error {
		used, err := r.s.Exists(r.tier, addr)
		if err != nil || !used {
			return err
		}
		n, err := r.s.Int64(r.key)
		if err != nil {
			return err
		}
		if n > 0 {
			n--
		}
		var b store.Batch
		store.DropLock(&b, r.tier, addr)
		store.PutInt64(&b, r.key, n)
		return r.s.Commit(&b)
	})
}

// Recount sets the counter to the number of held locks. The set of locks is
// authoritative, so this repairs a count left behind by a partial write.
func (r *Registry) Recount() (before, after int64, err error) {
	err = r.s.Update(r.key, func() error {
		before, err = r.s.Int64(r.key)
		if err != nil {
			return err
		}
		after, err = r.s.CountLocks(r.tier)
		if err != nil {
			return err
		}
		if before == after {
			return nil
		}
		var b store.Batch
		store.PutInt64(&b, r.key, after)
		return r.s.Commit(&b)
	})
	if err == nil && before != after {
		r.log.Warn("claim count repaired", zap.Int64("before", before), zap.Int64("after", after))
	}
	return before, after, err
}

// Addresses lists the claimed addresses in normalized form.
func (r *Registry) Addresses() ([]string, error) {
	var out []string
	err := r.s.Locks(r.tier, func(l mg.Lock) error {
		out = append(out, l.Key)
		return nil
	})
	return out, err
}
