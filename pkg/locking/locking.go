// Package locking serializes mutation of canonical entities and blocking keys.
package locking

import (
	"context"
	"errors"
	"slices"
	"strconv"
	"sync"
	"time"
)

// ErrTimeout is returned when a lock could not be acquired within the wait bound.
var ErrTimeout = errors.New("lock wait timed out")

// Unlock releases every lock taken by one Lock call.
type Unlock func()

// Locker acquires a set of named locks. Keys are always taken in sorted order, so two
// callers locking overlapping sets cannot deadlock.
type Locker interface {
	Lock(ctx context.Context, keys ...string) (Unlock, error)
}

// EntityKey is the lock name guarding one canonical entity.
func EntityKey(id int64) string {
	return "entity:" + formatID(id)
}

// BlockKey is the lock name guarding creation within one blocking key.
func BlockKey(key string) string {
	return "block:" + key
}

func formatID(id int64) string {
	return strconv.FormatInt(id, 10)
}

func sortedKeys(keys []string) []string {
	out := slices.Clone(keys)
	slices.Sort(out)
	return slices.Compact(out)
}

type slot struct {
	ch   chan struct{}
	refs int
}

// Local is an in-process Locker.
type Local struct {
	timeout time.Duration

	mu    sync.Mutex
	slots map[string]*slot
}

var _ Locker = (*Local)(nil)

func NewLocal(timeout time.Duration) *Local {
	return &Local{timeout: timeout, slots: make(map[string]*slot)}
}

func (l *Local) Lock(ctx context.Context, keys ...string) (Unlock, error) {
	ordered := sortedKeys(keys)
	timer := time.NewTimer(l.timeout)
	defer timer.Stop()

	held := make([]string, 0, len(ordered))
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			l.release(held[i])
		}
	}

	for _, key := range ordered {
		s := l.ref(key)
		select {
		case s.ch <- struct{}{}:
			held = append(held, key)
		case <-timer.C:
			l.unref(key)
			release()
			return nil, ErrTimeout
		case <-ctx.Done():
			l.unref(key)
			release()
			return nil, ctx.Err()
		}
	}

	var once sync.Once
	return func() { once.Do(release) }, nil
}

func (l *Local) ref(key string) *slot {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[key] = s
	}
	s.refs++
	return s
}

func (l *Local) unref(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.slots[key]
	s.refs--
	if s.refs == 0 {
		delete(l.slots, key)
	}
}

func (l *Local) release(key string) {
	l.mu.Lock()
	s := l.slots[key]
	l.mu.Unlock()
	<-s.ch
	l.unref(key)
}
