package store

import (
	"mintgate/mg"

	"github.com/cockroachdb/errors"
)

// Int64 reads a counter. Missing counters read as zero.
func (s *Store) Int64(key []byte) (int64, error) {
	d, err := s.b.Get(key)
	if errors.Is(err, mg.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if len(d) != 8 {
		return 0, errors.Newf("counter %q: bad length %d", key, len(d))
	}
	return ByteToInt64(d), nil
}

func PutInt64(b *Batch, key []byte, val int64) {
	b.Set(key, Int64ToByte(val))
}

// Add moves the counter by delta and returns the new value. It never goes
// below zero.
func (s *Store) Add(key []byte, delta int64) (int64, error) {
	var val int64
	err := s.Update(key, func() error {
		cur, err := s.Int64(key)
		if err != nil {
			return err
		}
		val = cur + delta
		if val < 0 {
			val = 0
		}
		var b Batch
		PutInt64(&b, key, val)
		return s.b.Commit(&b)
	})
	return val, err
}

// SetInt64 overwrites the counter.
func (s *Store) SetInt64(key []byte, val int64) error {
	return s.Update(key, func() error {
		var b Batch
		PutInt64(&b, key, val)
		return s.b.Commit(&b)
	})
}
