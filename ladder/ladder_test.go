package ladder

import (
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"mintgate/mg"
	"mintgate/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newLadder(t *testing.T, sizes []int64, base, step uint64) *Ladder {
	b, err := store.OpenPebble(filepath.Join(t.TempDir(), "db"), nil)
	require.NoError(t, err)
	s := store.Open(b, zap.NewNop())
	t.Cleanup(func() { s.Close() })
	l, err := New(s, sizes, base, step, nil)
	require.NoError(t, err)
	return l
}

func TestPrice(t *testing.T) {
	l := newLadder(t, []int64{1}, 220, 220)
	require.EqualValues(t, 220, l.Price(1))
	require.EqualValues(t, 440, l.Price(2))
	require.EqualValues(t, 2200, l.Price(10))
}

func TestLocate(t *testing.T) {
	l := newLadder(t, []int64{2, 3}, 1, 1)
	cases := []struct {
		k      int64
		cohort int
		index  int64
		ok     bool
	}{
		{0, 0, 0, false},
		{1, 1, 1, true},
		{2, 1, 2, true},
		{3, 2, 1, true},
		{5, 2, 3, true},
		{6, 0, 0, false},
	}
	for _, c := range cases {
		cohort, index, ok := l.Locate(c.k)
		require.Equal(t, c.ok, ok, "k=%d", c.k)
		require.Equal(t, c.cohort, cohort, "k=%d", c.k)
		require.Equal(t, c.index, index, "k=%d", c.k)
	}
}

func TestReserveSequential(t *testing.T) {
	l := newLadder(t, []int64{2, 2, 1}, 100, 50)
	want := []Slot{
		{1, 1, 1, 100},
		{1, 2, 2, 100},
		{2, 1, 3, 150},
		{2, 2, 4, 150},
		{3, 1, 5, 200},
	}
	for _, w := range want {
		got, err := l.Reserve()
		require.NoError(t, err)
		require.Equal(t, w, got)
	}
	_, err := l.Reserve()
	require.ErrorIs(t, err, mg.ErrSoldOut)
	require.Equal(t, "paid_sold_out", err.Error())

	n, err := l.Peek()
	require.NoError(t, err)
	require.EqualValues(t, 5, n)
	require.True(t, l.At(n).SoldOut)
}

func TestReserveConcurrentNoDuplicates(t *testing.T) {
	l := newLadder(t, []int64{10, 10, 10}, 10, 10)
	var mu sync.Mutex
	var slots []Slot
	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := l.Reserve()
			if err != nil {
				assert.ErrorIs(t, err, ErrSoldOut)
				return
			}
			mu.Lock()
			slots = append(slots, s)
			mu.Unlock()
		}()
	}
	wg.Wait()
	require.Len(t, slots, 30)

	sort.Slice(slots, func(i, j int) bool { return slots[i].Global < slots[j].Global })
	seen := map[[2]int64]bool{}
	for i, s := range slots {
		require.EqualValues(t, i+1, s.Global)
		key := [2]int64{int64(s.Cohort), s.Index}
		require.False(t, seen[key], "slot handed out twice: %v", key)
		seen[key] = true
		require.Equal(t, l.Price(s.Cohort), s.Price)
		if i > 0 {
			require.GreaterOrEqual(t, s.Cohort, slots[i-1].Cohort)
		}
	}
}

func TestRollbackRestoresSlot(t *testing.T) {
	l := newLadder(t, []int64{1, 1}, 5, 5)
	first, err := l.Reserve()
	require.NoError(t, err)
	require.NoError(t, l.Rollback())

	n, err := l.Peek()
	require.NoError(t, err)
	require.Zero(t, n)

	again, err := l.Reserve()
	require.NoError(t, err)
	require.Equal(t, first, again)

	require.NoError(t, l.Rollback())
	require.NoError(t, l.Rollback())
	n, err = l.Peek()
	require.NoError(t, err)
	require.Zero(t, n, "rollback must not go below zero")
}

func TestPosition(t *testing.T) {
	l := newLadder(t, []int64{2, 2}, 220, 220)
	p := l.At(0)
	require.Equal(t, 1, p.Cohort)
	require.EqualValues(t, 220, p.Price)
	require.False(t, p.LastRound)
	require.EqualValues(t, 1, p.NextSlot)

	p = l.At(2)
	require.Equal(t, 2, p.Cohort)
	require.EqualValues(t, 440, p.Price)
	require.True(t, p.LastRound)
	require.False(t, p.SoldOut)
	require.Equal(t, []int64{2, 2}, p.Sizes)
}

func TestNewRejectsBadSizes(t *testing.T) {
	_, err := New(nil, nil, 1, 1, nil)
	require.Error(t, err)
	_, err = New(nil, []int64{3, 0}, 1, 1, nil)
	require.Error(t, err)
}
