package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCache_Expiry(t *testing.T) {
	now := time.Unix(1000, 0)
	c := New[string, int](time.Second)
	c.now = func() time.Time { return now }

	c.Set("a", 1)
	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	now = now.Add(time.Second)
	_, ok = c.Get("a")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
}

func TestCache_SweepOnSet(t *testing.T) {
	now := time.Unix(1000, 0)
	c := New[int, int](time.Second)
	c.now = func() time.Time { return now }
	c.sweep = 4

	for i := 0; i < 4; i++ {
		c.Set(i, i)
	}
	now = now.Add(2 * time.Second)
	c.Set(10, 10)
	assert.Equal(t, 1, c.Len())
}

func TestCache_GetOrLoadCollapsesCallers(t *testing.T) {
	c := New[string, int](time.Minute)

	var calls atomic.Int32
	release := make(chan struct{})
	load := func(context.Context) (int, error) {
		calls.Add(1)
		<-release
		return 42, nil
	}

	var wg sync.WaitGroup
	results := make([]int, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := c.GetOrLoad(context.Background(), "k", load)
			assert.NoError(t, err)
			results[i] = v
		}(i)
	}
	// let the callers pile up on the first load
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for _, v := range results {
		assert.Equal(t, 42, v)
	}
	// late arrivals may have hit the cache instead of the in-flight load
	assert.Equal(t, int32(1), calls.Load())
}

func TestCache_GetOrLoadDoesNotCacheErrors(t *testing.T) {
	c := New[string, int](time.Minute)
	boom := errors.New("boom")

	_, err := c.GetOrLoad(context.Background(), "k", func(context.Context) (int, error) { return 0, boom })
	assert.ErrorIs(t, err, boom)

	v, err := c.GetOrLoad(context.Background(), "k", func(context.Context) (int, error) { return 7, nil })
	require.NoError(t, err)
	assert.Equal(t, 7, v)
}
