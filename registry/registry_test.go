package registry

import (
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"mintgate/mg"
	"mintgate/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newStore(t *testing.T) *store.Store {
	b, err := store.OpenPebble(filepath.Join(t.TempDir(), "db"), nil)
	require.NoError(t, err)
	s := store.Open(b, zap.NewNop())
	t.Cleanup(func() { s.Close() })
	return s
}

func TestReserveRespectsLimit(t *testing.T) {
	r := New(newStore(t), mg.NSFree, 5, false, nil)
	var ok, sold int64
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := r.Reserve(fmt.Sprintf("sp1addr%02d", i), r.Limit())
			switch {
			case err == nil:
				atomic.AddInt64(&ok, 1)
			case assert.ErrorIs(t, err, mg.ErrSoldOut):
				assert.Equal(t, "fcfs_sold_out", err.Error())
				atomic.AddInt64(&sold, 1)
			}
		}(i)
	}
	wg.Wait()
	require.EqualValues(t, 5, ok)
	require.EqualValues(t, 15, sold)

	c, err := r.Peek()
	require.NoError(t, err)
	require.Equal(t, Count{Count: 5, Limit: 5, SoldOut: true}, c)

	addrs, err := r.Addresses()
	require.NoError(t, err)
	require.Len(t, addrs, 5)
}

func TestSameAddressOnlyOnce(t *testing.T) {
	r := New(newStore(t), mg.NSOG, 0, true, nil)
	var ok int64
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := r.Reserve("sp1same", 0)
			if err == nil {
				atomic.AddInt64(&ok, 1)
				return
			}
			assert.Equal(t, "og_address_used", err.Error())
		}()
	}
	wg.Wait()
	require.EqualValues(t, 1, ok)

	used, err := r.IsUsed("SP1SAME")
	require.NoError(t, err)
	require.True(t, used)

	c, err := r.Peek()
	require.NoError(t, err)
	require.EqualValues(t, 1, c.Count)
	require.False(t, c.SoldOut)
}

func TestAddressUsedCheckedBeforeSoldOut(t *testing.T) {
	r := New(newStore(t), mg.NSFree, 1, false, nil)
	require.NoError(t, r.Reserve("sp1a", 1))
	err := r.Reserve("sp1a", 1)
	require.ErrorIs(t, err, mg.ErrAddressUsed)
	err = r.Reserve("sp1b", 1)
	require.ErrorIs(t, err, mg.ErrSoldOut)

	used, err := r.IsUsed("sp1b")
	require.NoError(t, err)
	require.False(t, used)
}

func TestZeroLimit(t *testing.T) {
	s := newStore(t)
	require.ErrorIs(t, New(s, mg.NSFree, 0, false, nil).Reserve("sp1a", 0), mg.ErrSoldOut)
	require.NoError(t, New(s, mg.NSHolder, 0, true, nil).Reserve("sp1a", 0))
}

func TestRollbackRestoresCapacity(t *testing.T) {
	r := New(newStore(t), mg.NSFree, 1, false, nil)
	require.NoError(t, r.Reserve("sp1a", 1))
	require.NoError(t, r.Rollback("sp1a"))
	require.NoError(t, r.Rollback("sp1a"))
	require.NoError(t, r.Rollback("sp1never"))

	c, err := r.Peek()
	require.NoError(t, err)
	require.Zero(t, c.Count)

	require.NoError(t, r.Reserve("sp1b", 1))
	require.NoError(t, r.Rollback("sp1b"))
	require.NoError(t, r.Reserve("sp1a", 1))
}

func TestRecountHealsCounter(t *testing.T) {
	s := newStore(t)
	r := New(s, mg.NSHolder, 10, true, nil)
	require.NoError(t, r.Reserve("sp1a", 10))
	require.NoError(t, r.Reserve("sp1b", 10))
	require.NoError(t, s.SetInt64(store.CounterKey(mg.NSHolder), 9))

	before, after, err := r.Recount()
	require.NoError(t, err)
	require.EqualValues(t, 9, before)
	require.EqualValues(t, 2, after)

	c, err := r.Peek()
	require.NoError(t, err)
	require.EqualValues(t, 2, c.Count)
}
