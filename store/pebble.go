package store

import (
	"mintgate/mg"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble"
)

type PebbleBackend struct {
	db *pebble.DB
}

func OpenPebble(path string, opts *pebble.Options) (*PebbleBackend, error) {
	if opts == nil {
		opts = &pebble.Options{}
	}
	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, errors.Wrapf(err, "open pebble at %s", path)
	}
	return &PebbleBackend{db: db}, nil
}

func (p *PebbleBackend) Get(key []byte) ([]byte, error) {
	d, closer, err := p.db.Get(key)
	if err == pebble.ErrNotFound {
		return nil, mg.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "pebble get")
	}
	defer closer.Close()
	out := make([]byte, len(d))
	copy(out, d)
	return out, nil
}

// Commit checks Insert ops against the DB before writing. Store holds the key
// mutex for the duration, so nothing can slip in between check and write.
func (p *PebbleBackend) Commit(b *Batch) error {
	pb := p.db.NewBatch()
	defer pb.Close()
	for _, o := range b.ops {
		var err error
		switch o.kind {
		case opInsert:
			_, closer, gerr := p.db.Get(o.key)
			if gerr == nil {
				closer.Close()
				return mg.ErrExists
			}
			if gerr != pebble.ErrNotFound {
				return errors.Wrap(gerr, "pebble get")
			}
			err = pb.Set(o.key, o.value, nil)
		case opSet:
			err = pb.Set(o.key, o.value, nil)
		case opDelete:
			err = pb.Delete(o.key, nil)
		}
		if err != nil {
			return errors.Wrap(err, "pebble batch")
		}
	}
	return errors.Wrap(pb.Commit(pebble.NoSync), "pebble commit")
}

func (p *PebbleBackend) Scan(prefix []byte, fn func(key, value []byte) error) error {
	iter, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: upperBound(prefix),
	})
	if err != nil {
		return errors.Wrap(err, "pebble iter")
	}
	for iter.First(); iter.Valid(); iter.Next() {
		if err := fn(iter.Key(), iter.Value()); err != nil {
			iter.Close()
			return err
		}
	}
	return errors.Wrap(iter.Close(), "pebble iter")
}

// Sync writes a marker to the WAL with fsync. The WAL is sequential, so once
// it returns every earlier NoSync batch is durable too.
func (p *PebbleBackend) Sync() error {
	return errors.Wrap(p.db.LogData([]byte("f"), pebble.Sync), "pebble sync")
}

func (p *PebbleBackend) Close() error {
	return p.db.Close()
}
