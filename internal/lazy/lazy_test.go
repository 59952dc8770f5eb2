package lazy

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValueCachesSuccess(t *testing.T) {
	var calls atomic.Int32
	v := New(func(ctx context.Context) (int, error) {
		calls.Add(1)
		return 1280, nil
	})

	for i := 0; i < 3; i++ {
		got, err := v.Get(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1280, got)
	}
	assert.Equal(t, int32(1), calls.Load())
	assert.True(t, v.Loaded())
}

func TestValueRetriesAfterFailure(t *testing.T) {
	var calls atomic.Int32
	boom := errors.New("metadata unavailable")
	v := New(func(ctx context.Context) (int, error) {
		if calls.Add(1) == 1 {
			return 0, boom
		}
		return 5, nil
	})

	_, err := v.Get(context.Background())
	require.ErrorIs(t, err, boom)
	assert.False(t, v.Loaded())

	got, err := v.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, got)
	assert.Equal(t, int32(2), calls.Load())
}

func TestValueCoalescesConcurrentInit(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once
	v := New(func(ctx context.Context) (string, error) {
		calls.Add(1)
		once.Do(func() { close(started) })
		<-release
		return "model", nil
	})

	const callers = 16
	var wg sync.WaitGroup
	results := make([]string, callers)
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0], _ = v.Get(context.Background())
	}()
	<-started
	for i := 1; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = v.Get(context.Background())
		}(i)
	}
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for _, r := range results {
		assert.Equal(t, "model", r)
	}
}

func TestValueReset(t *testing.T) {
	var calls atomic.Int32
	v := New(func(ctx context.Context) (int32, error) {
		return calls.Add(1), nil
	})

	assert.False(t, v.Loaded())

	first, err := v.Get(context.Background())
	require.NoError(t, err)
	assert.True(t, v.Loaded())

	v.Reset()
	second, err := v.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first+1, second)
}

func TestValueResetDuringInitReloads(t *testing.T) {
	var version atomic.Int32
	entered := make(chan struct{}, 2)
	release := make(chan struct{})
	v := New(func(ctx context.Context) (int32, error) {
		seen := version.Load()
		entered <- struct{}{}
		if seen == 0 {
			<-release
		}
		return seen, nil
	})

	stale := make(chan int32)
	go func() {
		got, _ := v.Get(context.Background())
		stale <- got
	}()
	<-entered

	version.Store(1)
	v.Reset()
	got, err := v.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), got)

	close(release)
	assert.Equal(t, int32(0), <-stale)

	cached, ok := v.Peek()
	require.True(t, ok)
	assert.Equal(t, int32(1), cached)
	got, err = v.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), got)
}
