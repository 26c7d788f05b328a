package zerofish

import (
	"container/list"
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// slotLoader puts the network named by key onto worker index.
type slotLoader func(ctx context.Context, index int, key ResourceKey) error

type slotEntry struct {
	key   ResourceKey
	index int
	ready bool
}

// slotCache assigns network keys to a fixed set of worker slots with LRU eviction.
// Front of order is the most recently used entry. A key is only resolvable once its
// load has completed; concurrent misses on one key share a single load.
type slotCache struct {
	capacity int
	load     slotLoader
	ctx      context.Context
	log      zerolog.Logger

	group singleflight.Group

	mu      sync.Mutex
	order   *list.List
	entries map[ResourceKey]*list.Element
	free    []int
	retired map[int]bool
	changed chan struct{}
	stats   SlotStats
}

func newSlotCache(ctx context.Context, capacity int, load slotLoader, log zerolog.Logger) (*slotCache, error) {
	if capacity < 1 {
		return nil, fmt.Errorf("slot capacity must be >= 1")
	}
	free := make([]int, capacity)
	for i := range free {
		free[i] = i
	}
	return &slotCache{
		capacity: capacity,
		load:     load,
		ctx:      ctx,
		log:      log,
		order:    list.New(),
		entries:  make(map[ResourceKey]*list.Element, capacity),
		free:     free,
		retired:  make(map[int]bool),
		changed:  make(chan struct{}),
	}, nil
}

// Resolve returns the worker holding key, loading it into a free or evicted slot first
// when needed. A failed load leaves no entry behind.
func (c *slotCache) Resolve(ctx context.Context, key ResourceKey) (int, error) {
	if index, ok := c.lookup(key); ok {
		return index, nil
	}

	ch := c.group.DoChan(string(key), func() (any, error) {
		return c.fill(key)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return -1, res.Err
		}
		return res.Val.(int), nil
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

func (c *slotCache) lookup(key ResourceKey) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		return -1, false
	}
	entry := elem.Value.(*slotEntry)
	if !entry.ready {
		return -1, false
	}
	c.order.MoveToFront(elem)
	c.stats.Hits++
	return entry.index, true
}

func (c *slotCache) fill(key ResourceKey) (int, error) {
	var (
		entry   *slotEntry
		evicted ResourceKey
	)
	for entry == nil {
		c.mu.Lock()
		if elem, ok := c.entries[key]; ok && elem.Value.(*slotEntry).ready {
			c.order.MoveToFront(elem)
			c.stats.Hits++
			c.mu.Unlock()
			return elem.Value.(*slotEntry).index, nil
		}
		entry, evicted = c.reserve(key)
		exhausted := entry == nil && c.order.Len() == 0 && len(c.free) == 0
		wait := c.changed
		c.mu.Unlock()

		if entry != nil {
			break
		}
		if exhausted {
			return -1, fmt.Errorf("%w: no worker can host networks", ErrEngineUnavailable)
		}
		select {
		case <-wait:
		case <-c.ctx.Done():
			return -1, fmt.Errorf("%w: pool has quit", ErrEngineUnavailable)
		}
	}

	log := c.log.With().Str("network", string(key)).Int("worker", entry.index).Logger()
	if evicted != "" {
		log.Info().Str("evicted", string(evicted)).Msg("evicting network")
	}

	err := c.load(c.ctx, entry.index, key)

	c.mu.Lock()
	defer c.mu.Unlock()
	defer c.notify()

	if err == nil && c.retired[entry.index] {
		err = fmt.Errorf("%w: worker %d failed during load", ErrEngineUnavailable, entry.index)
	}
	if err != nil {
		if elem, ok := c.entries[key]; ok {
			c.order.Remove(elem)
			delete(c.entries, key)
		}
		c.release(entry.index)
		c.stats.Failures++
		log.Warn().Err(err).Msg("network load failed")
		return -1, fmt.Errorf("%w: %s: %w", ErrResourceLoadFailed, key, err)
	}

	entry.ready = true
	c.stats.Loads++
	log.Info().Msg("network loaded")
	return entry.index, nil
}

// reserve claims a slot for key, evicting the least recently used loaded entry when
// the cache is full. It returns nil when every slot is mid-load. Callers hold mu.
func (c *slotCache) reserve(key ResourceKey) (*slotEntry, ResourceKey) {
	var evicted ResourceKey
	index := -1

	if len(c.free) > 0 {
		index = c.free[0]
		c.free = c.free[1:]
	} else {
		for elem := c.order.Back(); elem != nil; elem = elem.Prev() {
			victim := elem.Value.(*slotEntry)
			if !victim.ready {
				continue
			}
			c.order.Remove(elem)
			delete(c.entries, victim.key)
			c.stats.Evictions++
			index = victim.index
			evicted = victim.key
			break
		}
	}
	if index < 0 {
		return nil, ""
	}

	entry := &slotEntry{key: key, index: index}
	c.entries[key] = c.order.PushFront(entry)
	return entry, evicted
}

func (c *slotCache) release(index int) {
	if c.retired[index] {
		return
	}
	c.free = append(c.free, index)
	sort.Ints(c.free)
}

// Retire removes a worker from the cache for good, dropping the network it holds.
func (c *slotCache) Retire(index int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.retired[index] {
		return
	}
	c.retired[index] = true
	for i, free := range c.free {
		if free == index {
			c.free = append(c.free[:i], c.free[i+1:]...)
			break
		}
	}
	for elem := c.order.Front(); elem != nil; elem = elem.Next() {
		entry := elem.Value.(*slotEntry)
		if entry.index == index && entry.ready {
			c.order.Remove(elem)
			delete(c.entries, entry.key)
			c.log.Warn().Str("network", string(entry.key)).Int("worker", index).Msg("dropping network of failed engine")
			break
		}
	}
	c.notify()
}

func (c *slotCache) notify() {
	close(c.changed)
	c.changed = make(chan struct{})
}

// Entries lists loaded networks, most recently used first.
func (c *slotCache) Entries() []SlotEntry {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries := make([]SlotEntry, 0, c.order.Len())
	for elem := c.order.Front(); elem != nil; elem = elem.Next() {
		entry := elem.Value.(*slotEntry)
		if !entry.ready {
			continue
		}
		entries = append(entries, SlotEntry{Key: entry.key, Worker: entry.index, Rank: len(entries)})
	}
	return entries
}

func (c *slotCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *slotCache) Stats() SlotStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}
