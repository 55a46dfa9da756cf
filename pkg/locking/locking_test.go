package locking

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocal_Timeout(t *testing.T) {
	ctx := context.Background()
	l := NewLocal(20 * time.Millisecond)

	unlock, err := l.Lock(ctx, EntityKey(1))
	require.NoError(t, err)

	_, err = l.Lock(ctx, EntityKey(1))
	assert.ErrorIs(t, err, ErrTimeout)

	unlock()
	unlock2, err := l.Lock(ctx, EntityKey(1))
	require.NoError(t, err)
	unlock2()
}

func TestLocal_PartialAcquireReleases(t *testing.T) {
	ctx := context.Background()
	l := NewLocal(20 * time.Millisecond)

	unlockB, err := l.Lock(ctx, "b")
	require.NoError(t, err)

	// "a" is taken first and must be given back when "b" times out
	_, err = l.Lock(ctx, "b", "a")
	assert.ErrorIs(t, err, ErrTimeout)

	unlockA, err := l.Lock(ctx, "a")
	require.NoError(t, err)
	unlockA()
	unlockB()

	l.mu.Lock()
	defer l.mu.Unlock()
	assert.Empty(t, l.slots)
}

func TestLocal_Cancelled(t *testing.T) {
	l := NewLocal(time.Second)
	unlock, err := l.Lock(context.Background(), "a")
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = l.Lock(ctx, "a")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLocal_MutualExclusion(t *testing.T) {
	ctx := context.Background()
	l := NewLocal(5 * time.Second)

	var wg sync.WaitGroup
	counter := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			keys := []string{"x", "y"}
			if i%2 == 0 {
				keys = []string{"y", "x", "x"}
			}
			unlock, err := l.Lock(ctx, keys...)
			if !assert.NoError(t, err) {
				return
			}
			counter++
			unlock()
			unlock()
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 50, counter)
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "entity:42", EntityKey(42))
	assert.Equal(t, "block:swimmer|lee|f|b501", BlockKey("swimmer|lee|f|b501"))
	assert.Equal(t, []string{"a", "b"}, sortedKeys([]string{"b", "a", "b"}))
}
