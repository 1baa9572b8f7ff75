// Package ladder hands out paid slots in fixed-size cohorts of rising price.
// One global counter decides which cohort the next slot falls into.
package ladder

import (
	"mintgate/mg"
	"mintgate/store"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

type Ladder struct {
	s     *store.Store
	log   *zap.Logger
	key   []byte
	sizes []int64
	base  uint64
	step  uint64
	total int64
}

// Slot is one reserved unit. Cohort and Index are 1-based.
type Slot struct {
	Cohort int    `json:"cohortIndex"`
	Index  int64  `json:"slotIndex"`
	Global int64  `json:"globalSlot"`
	Price  uint64 `json:"price"`
}

// Position describes where the ladder currently stands.
type Position struct {
	Count        int64   `json:"mintedCount"`
	Cohort       int     `json:"cohortIndex"`
	TotalCohorts int     `json:"totalCohorts"`
	Price        uint64  `json:"price"`
	Sizes        []int64 `json:"sizes"`
	NextSlot     int64   `json:"nextSlot"`
	LastRound    bool    `json:"lastRound"`
	SoldOut      bool    `json:"soldOut"`
}

var ErrSoldOut = mg.Tiered(mg.NSPaid, mg.ErrSoldOut)

func New(s *store.Store, sizes []int64, base, step uint64, log *zap.Logger) (*Ladder, error) {
	if len(sizes) == 0 {
		return nil, errors.New("no cohorts")
	}
	if log == nil {
		log = zap.NewNop()
	}
	l := &Ladder{
		s:     s,
		log:   log,
		key:   store.CounterKey(mg.NSPaid),
		sizes: append([]int64(nil), sizes...),
		base:  base,
		step:  step,
	}
	for i, n := range sizes {
		if n <= 0 {
			return nil, errors.Newf("cohort %d: size must be positive", i+1)
		}
		l.total += n
	}
	return l, nil
}

// Price of cohort i, counting from 1.
func (l *Ladder) Price(i int) uint64 {
	if i < 1 {
		i = 1
	}
	return l.base + l.step*uint64(i-1)
}

func (l *Ladder) Total() int64 { return l.total }

func (l *Ladder) Sizes() []int64 { return append([]int64(nil), l.sizes...) }

// Locate finds the cohort holding global slot k (1-based). ok is false past
// the last cohort.
func (l *Ladder) Locate(k int64) (cohort int, index int64, ok bool) {
	if k < 1 {
		return 0, 0, false
	}
	var acc int64
	for i, n := range l.sizes {
		if k <= acc+n {
			return i + 1, k - acc, true
		}
		acc += n
	}
	return 0, 0, false
}

// Reserve increments the counter and returns the slot it landed on.
func (l *Ladder) Reserve() (Slot, error) {
	var slot Slot
	err := l.s.Update(l.key, func() error {
		n, err := l.s.Int64(l.key)
		if err != nil {
			return err
		}
		cohort, index, ok := l.Locate(n + 1)
		if !ok {
			return ErrSoldOut
		}
		var b store.Batch
		store.PutInt64(&b, l.key, n+1)
		if err := l.s.Commit(&b); err != nil {
			return err
		}
		slot = Slot{Cohort: cohort, Index: index, Global: n + 1, Price: l.Price(cohort)}
		return nil
	})
	return slot, err
}

func (l *Ladder) Peek() (int64, error) {
	return l.s.Int64(l.key)
}

// Rollback gives one slot back. The counter never drops below zero.
func (l *Ladder) Rollback() error {
	_, err := l.s.Add(l.key, -1)
	return err
}

func (l *Ladder) Current() (Position, error) {
	n, err := l.Peek()
	if err != nil {
		return Position{}, err
	}
	return l.At(n), nil
}

// At describes the ladder after count slots were sold.
func (l *Ladder) At(count int64) Position {
	p := Position{
		Count:        count,
		TotalCohorts: len(l.sizes),
		Sizes:        l.Sizes(),
		NextSlot:     count + 1,
	}
	cohort, _, ok := l.Locate(count + 1)
	if !ok {
		p.SoldOut = true
		p.Cohort = len(l.sizes)
		p.LastRound = true
		p.Price = l.Price(p.Cohort)
		return p
	}
	p.Cohort = cohort
	p.Price = l.Price(cohort)
	p.LastRound = cohort == len(l.sizes)
	return p
}
