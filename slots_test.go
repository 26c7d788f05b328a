package zerofish

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type loadCall struct {
	index int
	key   ResourceKey
}

type fakeLoader struct {
	mu    sync.Mutex
	calls []loadCall
	fail  map[ResourceKey]error
	gate  chan struct{}
	began chan ResourceKey
}

func (l *fakeLoader) load(ctx context.Context, index int, key ResourceKey) error {
	l.mu.Lock()
	l.calls = append(l.calls, loadCall{index: index, key: key})
	err := l.fail[key]
	gate, began := l.gate, l.began
	l.mu.Unlock()

	if began != nil {
		began <- key
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (l *fakeLoader) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.calls)
}

func newTestCache(t *testing.T, capacity int, loader *fakeLoader) *slotCache {
	t.Helper()
	cache, err := newSlotCache(context.Background(), capacity, loader.load, zerolog.Nop())
	require.NoError(t, err)
	return cache
}

func resolve(t *testing.T, cache *slotCache, key ResourceKey) int {
	t.Helper()
	index, err := cache.Resolve(context.Background(), key)
	require.NoError(t, err)
	return index
}

func keys(entries []SlotEntry) []ResourceKey {
	out := make([]ResourceKey, 0, len(entries))
	for _, entry := range entries {
		out = append(out, entry.Key)
	}
	return out
}

func TestSlotCacheRejectsZeroCapacity(t *testing.T) {
	_, err := newSlotCache(context.Background(), 0, (&fakeLoader{}).load, zerolog.Nop())
	assert.Error(t, err)
}

func TestSlotCacheEvictsLeastRecentlyUsed(t *testing.T) {
	loader := &fakeLoader{}
	cache := newTestCache(t, 2, loader)

	a := resolve(t, cache, "A")
	b := resolve(t, cache, "B")
	assert.Equal(t, 0, a)
	assert.Equal(t, 1, b)
	assert.Equal(t, a, resolve(t, cache, "A"))
	c := resolve(t, cache, "C")

	assert.Equal(t, b, c, "C should take the slot B was evicted from")
	assert.Equal(t, []ResourceKey{"C", "A"}, keys(cache.Entries()))
	assert.Equal(t, SlotStats{Hits: 1, Loads: 3, Evictions: 1}, cache.Stats())

	entries := cache.Entries()
	assert.Equal(t, 0, entries[0].Rank)
	assert.Equal(t, 1, entries[1].Rank)
}

func TestSlotCacheSingleEvictionPastCapacity(t *testing.T) {
	loader := &fakeLoader{}
	cache := newTestCache(t, 3, loader)

	for _, key := range []ResourceKey{"n1", "n2", "n3", "n4"} {
		resolve(t, cache, key)
	}
	assert.Equal(t, int64(1), cache.Stats().Evictions)
	assert.Equal(t, []ResourceKey{"n4", "n3", "n2"}, keys(cache.Entries()))
	assert.Equal(t, 3, cache.Len())
}

func TestSlotCacheRepeatResolveLoadsOnce(t *testing.T) {
	loader := &fakeLoader{}
	cache := newTestCache(t, 2, loader)

	for i := 0; i < 5; i++ {
		assert.Equal(t, 0, resolve(t, cache, "A"))
	}
	assert.Equal(t, 1, loader.count())
	assert.Equal(t, int64(4), cache.Stats().Hits)
}

func TestSlotCacheFailedLoadLeavesNoEntry(t *testing.T) {
	boom := errors.New("fetch failed")
	loader := &fakeLoader{fail: map[ResourceKey]error{"bad": boom}}
	cache := newTestCache(t, 1, loader)

	_, err := cache.Resolve(context.Background(), "bad")
	require.ErrorIs(t, err, ErrResourceLoadFailed)
	assert.ErrorIs(t, err, boom)
	assert.Zero(t, cache.Len())
	assert.Empty(t, cache.Entries())

	loader.mu.Lock()
	delete(loader.fail, "bad")
	loader.mu.Unlock()

	assert.Equal(t, 0, resolve(t, cache, "bad"))
	assert.Equal(t, SlotStats{Loads: 1, Failures: 1}, cache.Stats())
}

func TestSlotCacheConcurrentMissesShareOneLoad(t *testing.T) {
	loader := &fakeLoader{gate: make(chan struct{}), began: make(chan ResourceKey, 8)}
	cache := newTestCache(t, 2, loader)

	const callers = 6
	results := make(chan int, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			index, err := cache.Resolve(context.Background(), "A")
			if err == nil {
				results <- index
			}
		}()
	}

	<-loader.began
	close(loader.gate)
	wg.Wait()
	close(results)

	got := 0
	for index := range results {
		assert.Equal(t, 0, index)
		got++
	}
	assert.Equal(t, callers, got)
	assert.Equal(t, 1, loader.count())
}

func TestSlotCacheWaitsWhenEverySlotIsLoading(t *testing.T) {
	loader := &fakeLoader{gate: make(chan struct{}), began: make(chan ResourceKey, 4)}
	cache := newTestCache(t, 1, loader)

	first := make(chan error, 1)
	go func() {
		_, err := cache.Resolve(context.Background(), "A")
		first <- err
	}()
	require.Equal(t, ResourceKey("A"), <-loader.began)

	second := make(chan error, 1)
	go func() {
		_, err := cache.Resolve(context.Background(), "B")
		second <- err
	}()

	select {
	case key := <-loader.began:
		t.Fatalf("load of %s started while the only slot was pending", key)
	case <-time.After(20 * time.Millisecond):
	}

	close(loader.gate)
	require.NoError(t, <-first)
	require.NoError(t, <-second)
	assert.Equal(t, []ResourceKey{"B"}, keys(cache.Entries()))
	assert.Equal(t, int64(1), cache.Stats().Evictions)
}

func TestSlotCacheResolveHonoursCallerContext(t *testing.T) {
	loader := &fakeLoader{gate: make(chan struct{}), began: make(chan ResourceKey, 1)}
	cache := newTestCache(t, 1, loader)
	defer close(loader.gate)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := cache.Resolve(ctx, "A")
		done <- err
	}()
	<-loader.began
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestSlotCacheRetireDropsWorker(t *testing.T) {
	loader := &fakeLoader{}
	cache := newTestCache(t, 2, loader)

	assert.Equal(t, 0, resolve(t, cache, "A"))
	cache.Retire(0)
	cache.Retire(0)
	assert.Empty(t, cache.Entries())

	assert.Equal(t, 1, resolve(t, cache, "A"))
	assert.Equal(t, 1, resolve(t, cache, "B"))
	assert.Equal(t, []ResourceKey{"B"}, keys(cache.Entries()))

	cache.Retire(1)
	_, err := cache.Resolve(context.Background(), "A")
	assert.ErrorIs(t, err, ErrEngineUnavailable)
}

func TestSlotCacheRetireDuringLoad(t *testing.T) {
	loader := &fakeLoader{gate: make(chan struct{}), began: make(chan ResourceKey, 4)}
	cache := newTestCache(t, 2, loader)

	done := make(chan error, 1)
	go func() {
		_, err := cache.Resolve(context.Background(), "A")
		done <- err
	}()
	<-loader.began
	cache.Retire(0)
	close(loader.gate)

	err := <-done
	assert.ErrorIs(t, err, ErrEngineUnavailable)
	assert.Zero(t, cache.Len())
	assert.Equal(t, 1, resolve(t, cache, "A"))
}
