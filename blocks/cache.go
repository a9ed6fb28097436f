package blocks

import (
	"errors"
	"fmt"

	tpieerrors "github.com/pombredanne/tpie/errors"
)

// Cache is a fixed-capacity write-back LRU cache in front of a Collection.
// ReadBlock returns live references into cached buffers; the reference is
// valid until the entry is evicted, so callers must not hold it across
// operations that may evict. A Cache is not safe for concurrent use.
//
// The cache map and LRU list are resolved through an entry arena: one slice
// owns every buffer, the map takes a handle position to an arena slot, and
// the list is intrusive prev/next slot indices. No pointer cycles.
type Cache struct {
	coll    *Collection
	entries []cacheEntry
	index   map[int64]int // handle position -> arena slot
	free    []int         // unused arena slots

	head, tail int // LRU list: head is the oldest entry, tail the newest
	maxSize    int
	closed     bool
}

type cacheEntry struct {
	handle Handle
	buf    []byte
	dirty  bool
	prev   int
	next   int
}

const nilSlot = -1

// OpenCache opens the collection at path and wraps it in a cache holding at
// most maxSize blocks.
func OpenCache(path string, blockSize int64, maxSize int, writeable bool, opts ...Option) (*Cache, error) {
	if maxSize < 1 {
		panic("blocks: cache size must be at least one block")
	}
	coll, err := Open(path, blockSize, writeable, opts...)
	if err != nil {
		return nil, err
	}
	return NewCache(coll, maxSize), nil
}

// NewCache wraps an already-open collection. The cache assumes ownership:
// Close closes the collection.
func NewCache(coll *Collection, maxSize int) *Cache {
	if maxSize < 1 {
		panic("blocks: cache size must be at least one block")
	}
	c := &Cache{
		coll:    coll,
		entries: make([]cacheEntry, maxSize),
		index:   make(map[int64]int, maxSize),
		free:    make([]int, 0, maxSize),
		head:    nilSlot,
		tail:    nilSlot,
		maxSize: maxSize,
	}
	for i := maxSize - 1; i >= 0; i-- {
		c.free = append(c.free, i)
	}
	return c
}

// Collection returns the underlying collection.
func (c *Cache) Collection() *Collection { return c.coll }

// Len returns the number of resident blocks.
func (c *Cache) Len() int { return len(c.index) }

// GetFreeBlock allocates a fresh block, inserts a zeroed buffer for it into
// the cache marked dirty, and returns the handle. May evict the LRU entry.
func (c *Cache) GetFreeBlock() (Handle, error) {
	if c.closed {
		return Handle{}, tpieerrors.ErrCollectionClosed
	}
	if err := c.makeRoom(); err != nil {
		return Handle{}, err
	}
	h, err := c.coll.GetFreeBlock()
	if err != nil {
		return Handle{}, err
	}
	slot := c.alloc(h)
	c.entries[slot].dirty = true
	return h, nil
}

// ReadBlock returns the cached buffer for h, promoting it to most recently
// used. On a miss the LRU entry is evicted if the cache is full, the block
// is read from disk, and the entry inserted clean.
func (c *Cache) ReadBlock(h Handle) ([]byte, error) {
	if c.closed {
		return nil, tpieerrors.ErrCollectionClosed
	}
	if slot, ok := c.index[h.Position]; ok {
		c.listRemove(slot)
		c.listPushBack(slot)
		return c.entries[slot].buf, nil
	}

	if err := c.makeRoom(); err != nil {
		return nil, err
	}
	slot := c.alloc(h)
	if err := c.coll.ReadBlock(h, c.entries[slot].buf); err != nil {
		c.drop(slot)
		return nil, err
	}
	return c.entries[slot].buf, nil
}

// WriteBlock marks the cached block at h dirty and promotes it to most
// recently used. No I/O occurs; the contents reach disk on eviction, Flush
// or Close. Panics if the block is not resident — writing a block that was
// never read (or already evicted) is a caller bug.
func (c *Cache) WriteBlock(h Handle) {
	if c.closed {
		panic(tpieerrors.ErrCollectionClosed.Error())
	}
	slot, ok := c.index[h.Position]
	if !ok {
		panic(fmt.Sprintf("%v: handle at %d", tpieerrors.ErrBlockNotCached, h.Position))
	}
	c.listRemove(slot)
	c.listPushBack(slot)
	c.entries[slot].dirty = true
}

// FreeBlock drops the block from the cache without write-back and returns
// its range to the collection's free list.
func (c *Cache) FreeBlock(h Handle) error {
	if c.closed {
		return tpieerrors.ErrCollectionClosed
	}
	if slot, ok := c.index[h.Position]; ok {
		c.drop(slot)
	}
	return c.coll.FreeBlock(h)
}

// Flush writes every dirty entry back to disk, leaving entries resident
// and clean. An entry whose write-back fails stays dirty.
func (c *Cache) Flush() error {
	if c.closed {
		return tpieerrors.ErrCollectionClosed
	}
	var errs []error
	for slot := c.head; slot != nilSlot; slot = c.entries[slot].next {
		e := &c.entries[slot]
		if !e.dirty {
			continue
		}
		if err := c.coll.WriteBlock(e.handle, e.buf); err != nil {
			errs = append(errs, err)
			continue
		}
		e.dirty = false
	}
	return errors.Join(errs...)
}

// Close writes back every dirty entry, releases the buffers and closes the
// collection. A dirty block whose write-back fails is reported, never
// silently dropped.
func (c *Cache) Close() error {
	if c.closed {
		return nil
	}
	err := c.Flush()
	c.closed = true
	c.index = nil
	c.entries = nil
	return errors.Join(err, c.coll.Close())
}

// makeRoom evicts the LRU entry when the cache is at capacity. A dirty
// victim is written back first; on write-back failure the victim stays
// resident and dirty and the error is surfaced.
func (c *Cache) makeRoom() error {
	if len(c.index) < c.maxSize {
		return nil
	}
	victim := c.head
	e := &c.entries[victim]
	if e.dirty {
		if err := c.coll.WriteBlock(e.handle, e.buf); err != nil {
			return fmt.Errorf("evict block at %d: %w", e.handle.Position, err)
		}
		e.dirty = false
	}
	c.drop(victim)
	return nil
}

// alloc takes a free arena slot for h and links it at the MRU end.
// Requires room; callers go through makeRoom first.
func (c *Cache) alloc(h Handle) int {
	n := len(c.free)
	slot := c.free[n-1]
	c.free = c.free[:n-1]

	e := &c.entries[slot]
	e.handle = h
	if e.buf == nil {
		e.buf = make([]byte, c.coll.BlockSize())
	} else {
		clear(e.buf)
	}
	e.dirty = false

	c.index[h.Position] = slot
	c.listPushBack(slot)
	return slot
}

// drop unlinks the slot and returns it to the arena free list. The buffer
// is retained for reuse.
func (c *Cache) drop(slot int) {
	c.listRemove(slot)
	delete(c.index, c.entries[slot].handle.Position)
	c.free = append(c.free, slot)
}

func (c *Cache) listPushBack(slot int) {
	e := &c.entries[slot]
	e.prev = c.tail
	e.next = nilSlot
	if c.tail != nilSlot {
		c.entries[c.tail].next = slot
	} else {
		c.head = slot
	}
	c.tail = slot
}

func (c *Cache) listRemove(slot int) {
	e := &c.entries[slot]
	if e.prev != nilSlot {
		c.entries[e.prev].next = e.next
	} else {
		c.head = e.next
	}
	if e.next != nilSlot {
		c.entries[e.next].prev = e.prev
	} else {
		c.tail = e.prev
	}
	e.prev = nilSlot
	e.next = nilSlot
}
