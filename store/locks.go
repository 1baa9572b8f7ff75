package store

import (
	"time"

	"mintgate/mg"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

// Acquire creates the lock for key in namespace ns. ok is false when another
// caller already holds it. meta is stored next to the lock for audit; failing
// to store it does not undo the lock.
func (s *Store) Acquire(ns, key string, meta map[string]string) (ok bool, err error) {
	norm := NormalizeKey(key)
	lk := lockKey(ns, norm)
	err = s.Update(lk, func() error {
		var b Batch
		PutLock(&b, ns, norm, time.Now())
		if err := s.b.Commit(&b); err != nil {
			return err
		}
		if len(meta) > 0 {
			if err := s.putAudit(ns, norm, meta); err != nil {
				s.log.Warn("audit write failed", zap.String("ns", ns), zap.String("key", norm), zap.Error(err))
			}
		}
		return nil
	})
	if errors.Is(err, mg.ErrExists) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Release drops the lock and its audit record. Missing locks are fine.
func (s *Store) Release(ns, key string) error {
	norm := NormalizeKey(key)
	lk := lockKey(ns, norm)
	return s.Update(lk, func() error {
		var b Batch
		DropLock(&b, ns, norm)
		return s.b.Commit(&b)
	})
}

func (s *Store) Exists(ns, key string) (bool, error) {
	_, err := s.b.Get(lockKey(ns, NormalizeKey(key)))
	if errors.Is(err, mg.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Lookup returns the lock for key with its audit metadata, which may be nil.
func (s *Store) Lookup(ns, key string) (*mg.Lock, *mg.Audit, error) {
	norm := NormalizeKey(key)
	d, err := s.b.Get(lockKey(ns, norm))
	if err != nil {
		return nil, nil, err
	}
	var l mg.Lock
	if _, err := l.UnmarshalMsg(d); err != nil {
		return nil, nil, errors.Wrap(err, "decode lock")
	}
	d, err = s.b.Get(auditKey(ns, norm))
	if errors.Is(err, mg.ErrNotFound) {
		return &l, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	var a mg.Audit
	if _, err := a.UnmarshalMsg(d); err != nil {
		return nil, nil, errors.Wrap(err, "decode audit")
	}
	return &l, &a, nil
}

// Locks calls fn for every lock held in ns.
func (s *Store) Locks(ns string, fn func(mg.Lock) error) error {
	return s.b.Scan(compID(mg.LockPrefix, ns, ""), func(_, v []byte) error {
		var l mg.Lock
		if _, err := l.UnmarshalMsg(v); err != nil {
			return errors.Wrap(err, "decode lock")
		}
		return fn(l)
	})
}

// CountLocks returns how many locks ns holds.
func (s *Store) CountLocks(ns string) (int64, error) {
	var n int64
	err := s.Locks(ns, func(mg.Lock) error {
		n++
		return nil
	})
	return n, err
}

// PutLock adds the create-if-absent of a lock to b.
func PutLock(b *Batch, ns, key string, at time.Time) {
	norm := NormalizeKey(key)
	rec := mg.Lock{Key: norm, CreatedAt: at.UnixMilli()}
	d, _ := rec.MarshalMsg(nil)
	b.Insert(lockKey(ns, norm), d)
}

// DropLock adds the removal of a lock and its audit record to b.
func DropLock(b *Batch, ns, key string) {
	norm := NormalizeKey(key)
	b.Delete(lockKey(ns, norm))
	b.Delete(auditKey(ns, norm))
}

func (s *Store) putAudit(ns, norm string, meta map[string]string) error {
	a := mg.Audit{At: time.Now().UnixMilli(), Meta: meta}
	d, err := a.MarshalMsg(nil)
	if err != nil {
		return err
	}
	var b Batch
	b.Set(auditKey(ns, norm), d)
	return s.b.Commit(&b)
}
