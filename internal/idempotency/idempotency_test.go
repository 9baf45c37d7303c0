package idempotency_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/robertarktes/rental-reservations/internal/adapters/memory"
	"github.com/robertarktes/rental-reservations/internal/idempotency"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetOrComputeReplays(t *testing.T) {
	ctx := context.Background()
	idem := idempotency.NewIdempotency(memory.NewIdempotency(), time.Hour)

	var calls int32
	compute := func(context.Context) (idempotency.Response, error) {
		atomic.AddInt32(&calls, 1)
		return idempotency.Response{Status: 201, Result: []byte(`{"id":"x"}`)}, nil
	}

	first, replay, err := idem.GetOrCompute(ctx, "k", 0, compute)
	require.NoError(t, err)
	assert.False(t, replay)

	second, replay, err := idem.GetOrCompute(ctx, "k", 0, compute)
	require.NoError(t, err)
	assert.True(t, replay)
	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestGetOrComputeCollapsesConcurrentCallers(t *testing.T) {
	ctx := context.Background()
	idem := idempotency.NewIdempotency(memory.NewIdempotency(), time.Hour,
		idempotency.WithPollInterval(5*time.Millisecond),
		idempotency.WithMaxWait(2*time.Second))

	var calls int32
	compute := func(context.Context) (idempotency.Response, error) {
		atomic.AddInt32(&calls, 1)
		time.Sleep(50 * time.Millisecond)
		return idempotency.Response{Status: 200, Result: []byte("ok")}, nil
	}

	var wg sync.WaitGroup
	results := make([]idempotency.Response, 10)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, _, err := idem.GetOrCompute(ctx, "same", 0, compute)
			assert.NoError(t, err)
			results[i] = resp
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	for _, r := range results {
		assert.Equal(t, []byte("ok"), r.Result)
	}
}

func TestGetOrComputeDoesNotStoreErrors(t *testing.T) {
	ctx := context.Background()
	idem := idempotency.NewIdempotency(memory.NewIdempotency(), time.Hour)

	boom := errors.New("boom")
	_, _, err := idem.GetOrCompute(ctx, "k", 0, func(context.Context) (idempotency.Response, error) {
		return idempotency.Response{}, boom
	})
	require.ErrorIs(t, err, boom)

	resp, replay, err := idem.GetOrCompute(ctx, "k", 0, func(context.Context) (idempotency.Response, error) {
		return idempotency.Response{Status: 200}, nil
	})
	require.NoError(t, err)
	assert.False(t, replay)
	assert.Equal(t, 200, resp.Status)
}

func TestGetOrRecomputeReplacesStaleOnce(t *testing.T) {
	ctx := context.Background()
	idem := idempotency.NewIdempotency(memory.NewIdempotency(), time.Hour,
		idempotency.WithPollInterval(5*time.Millisecond),
		idempotency.WithMaxWait(2*time.Second))

	_, _, err := idem.GetOrCompute(ctx, "hold", 0, func(context.Context) (idempotency.Response, error) {
		return idempotency.Response{Status: 201, Result: []byte("old")}, nil
	})
	require.NoError(t, err)

	stale := func(r idempotency.Response) bool { return string(r.Result) == "old" }
	var calls int32
	compute := func(context.Context) (idempotency.Response, error) {
		atomic.AddInt32(&calls, 1)
		time.Sleep(30 * time.Millisecond)
		return idempotency.Response{Status: 201, Result: []byte("new")}, nil
	}

	var wg sync.WaitGroup
	results := make([][]byte, 6)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, _, err := idem.GetOrRecompute(ctx, "hold", 0, stale, compute)
			assert.NoError(t, err)
			results[i] = resp.Result
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	for _, r := range results {
		assert.Equal(t, []byte("new"), r)
	}

	resp, replay, err := idem.GetOrRecompute(ctx, "hold", 0, stale, compute)
	require.NoError(t, err)
	assert.True(t, replay)
	assert.Equal(t, []byte("new"), resp.Result)
}

func TestGetOrComputeHonoursTTL(t *testing.T) {
	ctx := context.Background()
	idem := idempotency.NewIdempotency(memory.NewIdempotency(), time.Hour)

	_, _, err := idem.GetOrCompute(ctx, "short", 20*time.Millisecond, func(context.Context) (idempotency.Response, error) {
		return idempotency.Response{Status: 200}, nil
	})
	require.NoError(t, err)
	time.Sleep(40 * time.Millisecond)

	got, err := idem.Get(ctx, "short")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestKey(t *testing.T) {
	a := idempotency.Key("hold", "", "res-1", "2025-09-01", "2025-09-03")
	b := idempotency.Key("hold", "", "res-1", "2025-09-01", "2025-09-03")
	c := idempotency.Key("hold", "", "res-1", "2025-09-01", "2025-09-04")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)

	withToken := idempotency.Key("hold", "abc12345", "res-1")
	assert.Equal(t, withToken, idempotency.Key("hold", "abc12345", "other"))
	assert.NotEqual(t, withToken, idempotency.Key("finalize", "abc12345"))
}
