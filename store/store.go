// Package store is a "read-modify-write" storage that guarantees callers
// that all updates to a key happen one after another, and that once Update
// returns the write is on disk.
//
// '|_' - Start,  U- Update Logic   '_|' - End,  '_' - waiting,  '^' - data is flushed
// Request #1 ------|U_____________________|-------
// Request #1 --------------|U_____________|-------
// Request #2 --------------|_U____________|-------
// Request #3 --------------|__U___________|-------
// Flush Loop -----------------------------^-------
//
// A mutex by key lives in RAM and makes updates of the same key sequential.
// Concurrent updates commit to the backend without fsync and wait for the
// flush loop, which syncs once for the whole group.
package store

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"mintgate/mg"

	"go.uber.org/zap"
)

const shards = 100

type Store struct {
	b    Backend
	log  *zap.Logger
	kmu  []*kmutex
	kick chan struct{}

	mu      sync.Mutex
	group   *flushGroup
	count   int  // updates committed since the last sync
	stopped bool // graceful shutdown
	pending int  // updates in flight

	cancel context.CancelFunc
	loop   chan struct{}
}

// flushGroup is closed once every update that joined it is durable.
type flushGroup struct {
	done chan struct{}
	err  error
}

func newFlushGroup() *flushGroup {
	return &flushGroup{done: make(chan struct{})}
}

// Open wraps b and starts the flush loop. Close stops it.
func Open(b Backend, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Store{
		b:     b,
		log:   log,
		kick:  make(chan struct{}, 1),
		group: newFlushGroup(),
		loop:  make(chan struct{}),
	}
	for i := 0; i < shards; i++ {
		s.kmu = append(s.kmu, newLocker())
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go func() {
		defer close(s.loop)
		s.FlushLoop(ctx)
	}()
	return s
}

// Close rejects new updates, waits for in-flight ones to flush and closes the
// backend.
func (s *Store) Close() error {
	s.cancel()
	<-s.loop
	return s.b.Close()
}

func (s *Store) Backend() Backend { return s.b }

// Flush syncs everything committed so far and releases the waiters.
// It returns the number of updates committed and still in flight.
func (s *Store) Flush() (count, pending int) {
	s.mu.Lock()
	count = s.count
	s.count = 0
	g := s.group
	s.group = newFlushGroup()
	pending = s.pending
	s.mu.Unlock()

	if count > 0 {
		if err := s.b.Sync(); err != nil {
			s.log.Error("sync failed", zap.Error(err), zap.Int("updates", count))
			g.err = err
		}
	}
	close(g.done)
	return count, pending
}

func (s *Store) FlushLoop(ctx context.Context) {
	idle := time.NewTimer(time.Millisecond * 5)
	defer idle.Stop()
	for {
		select {
		case <-ctx.Done():
			s.mu.Lock()
			s.stopped = true // new updates fail from now on
			s.mu.Unlock()
			for {
				count, pending := s.Flush()
				if pending == 0 {
					return
				}
				if count == 0 {
					time.Sleep(time.Millisecond)
				}
			}
		default:
		}
		if count, _ := s.Flush(); count > 0 {
			continue
		}
		if !idle.Stop() {
			select {
			case <-idle.C:
			default:
			}
		}
		idle.Reset(time.Millisecond * 5)
		select {
		case <-s.kick:
		case <-idle.C:
		case <-ctx.Done():
		}
	}
}

// UpdateFunc should only touch data guarded by the key passed to Update.
type UpdateFunc func() error

func (s *Store) singletonUpdate(key []byte, f UpdateFunc) error {
	// collisions of unrelated keys only mean they occasionally wait for each other
	h := fnv.New64a()
	h.Write(key)
	kid := h.Sum64()
	s.kmu[kid%shards].Lock(kid)
	defer s.kmu[kid%shards].Unlock(kid)

	return f()
}

// Update runs f exclusively for key and waits until whatever f committed is
// durable. If f fails nothing is waited for.
func (s *Store) Update(key []byte, f UpdateFunc) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return mg.ErrStopped
	}
	s.pending++
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.pending--
		s.mu.Unlock()
	}()

	if err := s.singletonUpdate(key, f); err != nil {
		return err
	}

	s.mu.Lock()
	s.count++
	g := s.group
	s.mu.Unlock()
	select {
	case s.kick <- struct{}{}:
	default:
	}
	<-g.done
	return g.err
}

// Get reads straight from the backend.
func (s *Store) Get(key []byte) ([]byte, error) {
	return s.b.Get(key)
}

// Commit applies b without waiting for a sync. Call it from inside Update.
func (s *Store) Commit(b *Batch) error {
	return s.b.Commit(b)
}

// kmutex is a set of per-key mutexes sharing one condition variable.
type kmutex struct {
	c *sync.Cond
	l sync.Locker
	s map[uint64]struct{}
}

func newLocker() *kmutex {
	l := sync.Mutex{}
	return &kmutex{c: sync.NewCond(&l), l: &l, s: make(map[uint64]struct{})}
}

func (km *kmutex) locked(key uint64) (ok bool) {
	_, ok = km.s[key]
	return
}

func (km *kmutex) Unlock(key uint64) {
	km.l.Lock()
	defer km.l.Unlock()
	delete(km.s, key)
	km.c.Broadcast()
}

func (km *kmutex) Lock(key uint64) {
	km.l.Lock()
	defer km.l.Unlock()
	for km.locked(key) {
		km.c.Wait()
	}
	km.s[key] = struct{}{}
}
