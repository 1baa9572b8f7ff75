package store

import (
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"mintgate/mg"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func backends(t *testing.T) map[string]func() Backend {
	return map[string]func() Backend{
		"pebble": func() Backend {
			b, err := OpenPebble(filepath.Join(t.TempDir(), "db"), nil)
			require.NoError(t, err)
			return b
		},
		"sqlite": func() Backend {
			b, err := OpenSQL("sqlite3", filepath.Join(t.TempDir(), "kv.sqlite"))
			require.NoError(t, err)
			return b
		},
	}
}

func eachBackend(t *testing.T, fn func(t *testing.T, s *Store)) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := Open(open(), zap.NewNop())
			defer s.Close()
			fn(t, s)
		})
	}
}

func TestAcquireExactlyOnce(t *testing.T) {
	eachBackend(t, func(t *testing.T, s *Store) {
		var wins int64
		var wg sync.WaitGroup
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ok, err := s.Acquire(mg.NSTx, "abc", nil)
				assert.NoError(t, err)
				if ok {
					atomic.AddInt64(&wins, 1)
				}
			}()
		}
		wg.Wait()
		require.EqualValues(t, 1, wins)

		held, err := s.Exists(mg.NSTx, "abc")
		require.NoError(t, err)
		require.True(t, held)
	})
}

func TestReleaseMakesKeyReusable(t *testing.T) {
	eachBackend(t, func(t *testing.T, s *Store) {
		ok, err := s.Acquire(mg.NSTx, "k1", nil)
		require.NoError(t, err)
		require.True(t, ok)

		ok, err = s.Acquire(mg.NSTx, "k1", nil)
		require.NoError(t, err)
		require.False(t, ok)

		require.NoError(t, s.Release(mg.NSTx, "k1"))
		require.NoError(t, s.Release(mg.NSTx, "k1"), "release must tolerate a missing lock")

		ok, err = s.Acquire(mg.NSTx, "k1", nil)
		require.NoError(t, err)
		require.True(t, ok)
	})
}

func TestKeyNormalization(t *testing.T) {
	eachBackend(t, func(t *testing.T, s *Store) {
		ok, err := s.Acquire(mg.NSFree, " SP1ABC\n", nil)
		require.NoError(t, err)
		require.True(t, ok)

		ok, err = s.Acquire(mg.NSFree, "sp1abc", nil)
		require.NoError(t, err)
		require.False(t, ok)

		// namespaces are independent
		ok, err = s.Acquire(mg.NSOG, "sp1abc", nil)
		require.NoError(t, err)
		require.True(t, ok)
	})
}

func TestLookupAndScan(t *testing.T) {
	eachBackend(t, func(t *testing.T, s *Store) {
		_, err := s.Acquire(mg.NSTx, "t1", map[string]string{"receiver": "sp1xyz"})
		require.NoError(t, err)
		_, err = s.Acquire(mg.NSTx, "t2", nil)
		require.NoError(t, err)

		l, a, err := s.Lookup(mg.NSTx, "T1")
		require.NoError(t, err)
		require.Equal(t, "t1", l.Key)
		require.NotZero(t, l.CreatedAt)
		require.NotNil(t, a)
		require.Equal(t, "sp1xyz", a.Meta["receiver"])

		_, a, err = s.Lookup(mg.NSTx, "t2")
		require.NoError(t, err)
		require.Nil(t, a)

		_, _, err = s.Lookup(mg.NSTx, "t3")
		require.ErrorIs(t, err, mg.ErrNotFound)

		var keys []string
		require.NoError(t, s.Locks(mg.NSTx, func(l mg.Lock) error {
			keys = append(keys, l.Key)
			return nil
		}))
		require.ElementsMatch(t, []string{"t1", "t2"}, keys)

		n, err := s.CountLocks(mg.NSFree)
		require.NoError(t, err)
		require.Zero(t, n)
	})
}

func TestCounter(t *testing.T) {
	eachBackend(t, func(t *testing.T, s *Store) {
		key := CounterKey("c")
		v, err := s.Int64(key)
		require.NoError(t, err)
		require.Zero(t, v)

		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.Add(key, 1)
				assert.NoError(t, err)
			}()
		}
		wg.Wait()
		v, err = s.Int64(key)
		require.NoError(t, err)
		require.EqualValues(t, 20, v)

		v, err = s.Add(key, -25)
		require.NoError(t, err)
		require.Zero(t, v, "counter must not go below zero")

		require.NoError(t, s.SetInt64(key, 7))
		v, err = s.Int64(key)
		require.NoError(t, err)
		require.EqualValues(t, 7, v)
	})
}

func TestBatchInsertIsAtomic(t *testing.T) {
	eachBackend(t, func(t *testing.T, s *Store) {
		_, err := s.Acquire(mg.NSFree, "taken", nil)
		require.NoError(t, err)

		key := CounterKey("fcfs")
		err = s.Update(key, func() error {
			var b Batch
			PutInt64(&b, key, 1)
			PutLock(&b, mg.NSFree, "taken", time.Now())
			return s.Commit(&b)
		})
		require.ErrorIs(t, err, mg.ErrExists)

		v, err := s.Int64(key)
		require.NoError(t, err)
		require.Zero(t, v, "failed batch must not write the counter")
	})
}

func TestClosedStoreRejectsUpdates(t *testing.T) {
	s := Open(backends(t)["pebble"](), zap.NewNop())
	require.NoError(t, s.Close())
	_, err := s.Acquire(mg.NSTx, "x", nil)
	require.ErrorIs(t, err, mg.ErrStopped)
}

func TestPersistsAcrossReopen(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "db")
	b, err := OpenPebble(dir, nil)
	require.NoError(t, err)
	s := Open(b, zap.NewNop())
	ok, err := s.Acquire(mg.NSTx, "durable", nil)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, s.Close())

	b, err = OpenPebble(dir, nil)
	require.NoError(t, err)
	s = Open(b, zap.NewNop())
	defer s.Close()
	held, err := s.Exists(mg.NSTx, "durable")
	require.NoError(t, err)
	require.True(t, held)
}
