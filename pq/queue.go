// Package pq implements an external-memory priority queue in the style of
// Sanders' "Fast priority queues for cached memory" (1999).
//
// Every push lands in a small insertion heap. When the heap fills, its
// contents are drained as one sorted run into a slot of group 0; a full
// group is emptied by merging all its slots into one slot of the next
// group. Deletions are served from a sorted deletion buffer, refilled by
// merging the heads of the per-group buffers, which in turn refill by
// merging the heads of their group's slots.
package pq

import (
	"errors"
	"fmt"
	"math"

	tpieerrors "github.com/pombredanne/tpie/errors"
	"github.com/pombredanne/tpie/internal/mergeheap"
	"github.com/pombredanne/tpie/stream"
)

// slotsPerGroup is the number of slots one group holds before it is
// emptied into the next group.
const slotsPerGroup = 8

// slot references one sorted run inside a group: a scratch file plus the
// (start, length) of its unread suffix, in items.
type slot[T any] struct {
	file  *stream.File
	start int64
	size  int64
}

// group is one level of the external hierarchy: up to slotsPerGroup slots
// plus an in-memory buffer holding the group's smallest unread items.
type group[T any] struct {
	slots    []slot[T]
	buffer   []T
	bufStart int
}

// bufferedLen returns the number of unread items in the group buffer.
func (g *group[T]) bufferedLen() int { return len(g.buffer) - g.bufStart }

// head returns the group buffer's smallest unread item.
func (g *group[T]) head() T { return g.buffer[g.bufStart] }

// slotItems returns the items remaining across the group's slots.
func (g *group[T]) slotItems() int64 {
	var n int64
	for i := range g.slots {
		n += g.slots[i].size
	}
	return n
}

// Queue is an external-memory priority queue ordered by a strict weak
// ordering. A Queue is single-threaded; the caller must serialize access.
type Queue[T any] struct {
	codec stream.Codec[T]
	less  func(a, b T) bool
	cfg   *queueConfig

	opq         *overflowHeap[T]
	buffer      []T // deletion buffer, sorted, consumed from bufferStart
	bufferStart int
	groups      []group[T]

	// parameters derived from the memory budget
	heapCap   int64 // insertion heap capacity (items)
	bufferCap int64 // deletion buffer capacity (items)
	groupCap  int64 // group buffer capacity (items)

	size   int64
	closed bool
}

// New creates a queue for items encoded by codec and ordered by less.
func New[T any](codec stream.Codec[T], less func(a, b T) bool, opts ...Option) (*Queue[T], error) {
	cfg := defaultQueueConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.blockFactor <= 0 || cfg.blockFactor > 1 {
		return nil, fmt.Errorf("pq: block factor %v out of range (0, 1]", cfg.blockFactor)
	}

	itemSize := int64(codec.EncodedSize())
	if itemSize <= 0 {
		return nil, fmt.Errorf("pq: codec must have a positive encoded size")
	}

	// Carve the budget: a quarter of the usable items for the insertion
	// heap, group buffers scaled from it by the block factor, a deletion
	// buffer of two group buffers. The group count is the depth needed for
	// the deepest slot (capacity heapCap * slotsPerGroup^g) to exceed any
	// practical queue size.
	usable := cfg.memory / itemSize
	heapCap := max(int64(64), usable/4)
	groupCap := max(int64(16), int64(float64(heapCap)*2*cfg.blockFactor))
	bufferCap := 2 * groupCap

	numGroups := 2
	for capacity := heapCap; capacity < int64(1)<<62 && numGroups < 64; numGroups++ {
		if capacity > math.MaxInt64/slotsPerGroup {
			break
		}
		capacity *= slotsPerGroup
	}

	q := &Queue[T]{
		codec:     codec,
		less:      less,
		cfg:       cfg,
		opq:       newOverflowHeap(int(heapCap), less),
		buffer:    make([]T, 0, bufferCap),
		groups:    make([]group[T], numGroups),
		heapCap:   heapCap,
		bufferCap: bufferCap,
		groupCap:  groupCap,
	}
	for g := range q.groups {
		q.groups[g].slots = make([]slot[T], slotsPerGroup)
	}
	return q, nil
}

// Size returns the number of items in the queue.
func (q *Queue[T]) Size() int64 { return q.size }

// Empty reports whether the queue holds no items.
func (q *Queue[T]) Empty() bool { return q.size == 0 }

// Push inserts an item.
func (q *Queue[T]) Push(x T) error {
	if q.closed {
		return tpieerrors.ErrQueueClosed
	}
	if q.opq.full() {
		if err := q.drainHeap(); err != nil {
			return err
		}
	}
	q.opq.push(x)
	q.size++
	return nil
}

// Top returns the smallest item without removing it.
func (q *Queue[T]) Top() (T, error) {
	var zero T
	if q.closed {
		return zero, tpieerrors.ErrQueueClosed
	}
	if q.size == 0 {
		return zero, tpieerrors.ErrQueueEmpty
	}
	inBuffer, err := q.prepareMin()
	if err != nil {
		return zero, err
	}
	if inBuffer {
		return q.buffer[q.bufferStart], nil
	}
	return q.opq.top(), nil
}

// Pop removes and returns the smallest item.
func (q *Queue[T]) Pop() (T, error) {
	var zero T
	if q.closed {
		return zero, tpieerrors.ErrQueueClosed
	}
	if q.size == 0 {
		return zero, tpieerrors.ErrQueueEmpty
	}
	inBuffer, err := q.prepareMin()
	if err != nil {
		return zero, err
	}
	var v T
	if inBuffer {
		v = q.buffer[q.bufferStart]
		q.bufferStart++
	} else {
		v = q.opq.pop()
	}
	q.size--
	return v, nil
}

// PopEquals pops every element equal to the top element under comparator
// equality (!(a<b) && !(b<a)) and invokes fn on each, the top element
// included.
func (q *Queue[T]) PopEquals(fn func(T)) error {
	v, err := q.Pop()
	if err != nil {
		return err
	}
	fn(v)
	for !q.Empty() {
		t, err := q.Top()
		if err != nil {
			return err
		}
		if q.less(t, v) || q.less(v, t) {
			break
		}
		if _, err := q.Pop(); err != nil {
			return err
		}
		fn(t)
	}
	return nil
}

// Close releases every slot file. Safe to call more than once.
func (q *Queue[T]) Close() error {
	if q.closed {
		return nil
	}
	q.closed = true

	var errs []error
	for g := range q.groups {
		for s := range q.groups[g].slots {
			if f := q.groups[g].slots[s].file; f != nil {
				if err := f.Remove(); err != nil {
					errs = append(errs, err)
				}
				q.groups[g].slots[s].file = nil
			}
		}
	}
	return errors.Join(errs...)
}

// prepareMin readies the deletion buffer and reports whether the minimum
// is there (true) or in the insertion heap (false).
func (q *Queue[T]) prepareMin() (bool, error) {
	if q.bufferedLen() == 0 && q.groupItems() > 0 {
		if err := q.fillBuffer(); err != nil {
			return false, err
		}
	}
	if q.bufferedLen() == 0 {
		return false, nil
	}
	if q.opq.empty() {
		return true, nil
	}
	// Ties favor the buffer, releasing external items first.
	return !q.less(q.opq.top(), q.buffer[q.bufferStart]), nil
}

func (q *Queue[T]) bufferedLen() int { return len(q.buffer) - q.bufferStart }

// groupItems returns the items held across every group, buffered or slotted.
func (q *Queue[T]) groupItems() int64 {
	var n int64
	for g := range q.groups {
		n += int64(q.groups[g].bufferedLen()) + q.groups[g].slotItems()
	}
	return n
}

// drainHeap empties the full insertion heap into a slot of group 0,
// first redistributing so the deletion buffer and group-0 buffer keep the
// smallest items: the three sorted sequences are merged, the buffers
// retain their current fill from the front, and the remainder spills to
// the slot. This keeps the deletion-buffer head a lower bound for every
// slot and group buffer.
func (q *Queue[T]) drainHeap() error {
	arr := q.opq.sortedSlice()

	buf := q.buffer[q.bufferStart:]
	g0 := &q.groups[0]
	g0buf := g0.buffer[g0.bufStart:]

	spill := arr
	if len(buf)+len(g0buf) > 0 {
		combined := mergeSorted(mergeSorted(buf, g0buf, q.less), arr, q.less)
		nb, ng := len(buf), len(g0buf)

		q.buffer = append(q.buffer[:0], combined[:nb]...)
		q.bufferStart = 0
		g0.buffer = append(g0.buffer[:0], combined[nb:nb+ng]...)
		g0.bufStart = 0
		spill = combined[nb+ng:]
	}

	slotIdx, err := q.freeSlot(0)
	if err != nil {
		return err
	}
	if err := q.writeSlot(0, slotIdx, spill); err != nil {
		return err
	}
	q.opq.clear()
	return nil
}

// mergeSorted merges two sorted slices into a new sorted slice.
func mergeSorted[T any](a, b []T, less func(x, y T) bool) []T {
	if len(a) == 0 {
		return b
	}
	if len(b) == 0 {
		return a
	}
	out := make([]T, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		if less(b[j], a[i]) {
			out = append(out, b[j])
			j++
		} else {
			out = append(out, a[i])
			i++
		}
	}
	out = append(out, a[i:]...)
	out = append(out, b[j:]...)
	return out
}

// freeSlot returns the index of an empty slot in the group, emptying the
// group into the next one when every slot is occupied.
func (q *Queue[T]) freeSlot(g int) (int, error) {
	if g >= len(q.groups) {
		return 0, tpieerrors.ErrQueueOverflow
	}
	for i := range q.groups[g].slots {
		if q.groups[g].slots[i].size == 0 {
			return i, nil
		}
	}
	if err := q.emptyGroup(g); err != nil {
		return 0, err
	}
	return 0, nil
}

// emptyGroup merges every slot of group g into one slot of group g+1 and
// resets g's slot states. The group buffer is untouched; its items already
// left the slots. Group g+1's unread buffer joins the merge and is cleared,
// so that buffer is next refilled from its slots and again holds the
// group's smallest items.
func (q *Queue[T]) emptyGroup(g int) error {
	if g+1 >= len(q.groups) {
		return tpieerrors.ErrQueueOverflow
	}
	target, err := q.freeSlot(g + 1)
	if err != nil {
		return err
	}

	grp := &q.groups[g]
	var total int64
	readers := make([]*stream.Reader[T], 0, len(grp.slots))
	for i := range grp.slots {
		s := &grp.slots[i]
		if s.size == 0 {
			continue
		}
		r, err := stream.NewReader(s.file, q.codec, s.start, s.size)
		if err != nil {
			return err
		}
		readers = append(readers, r)
		total += s.size
	}

	next := &q.groups[g+1]
	pending := next.buffer[next.bufStart:]
	total += int64(len(pending))

	dst := &next.slots[target]
	w, err := q.openSlotWrite(dst, total)
	if err != nil {
		return err
	}

	h := mergeheap.New(len(readers)+1, q.less)
	for i, r := range readers {
		if r.CanRead() {
			v, err := r.Read()
			if err != nil {
				return err
			}
			h.Push(v, i)
		}
	}
	if len(pending) > 0 {
		h.Push(pending[0], len(readers))
	}
	pi := 1
	for !h.Empty() {
		v := h.Top()
		run := h.TopRun()
		if err := w.Write(v); err != nil {
			return err
		}
		if run == len(readers) {
			if pi < len(pending) {
				h.PopAndPush(pending[pi], run)
				pi++
			} else {
				h.Pop()
			}
		} else if readers[run].CanRead() {
			next, err := readers[run].Read()
			if err != nil {
				return err
			}
			h.PopAndPush(next, run)
		} else {
			h.Pop()
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}

	dst.start = 0
	dst.size = total
	next.buffer = next.buffer[:0]
	next.bufStart = 0
	for i := range grp.slots {
		grp.slots[i].start = 0
		grp.slots[i].size = 0
	}
	return nil
}

// writeSlot stores one sorted run as the given slot of group g.
func (q *Queue[T]) writeSlot(g, slotIdx int, items []T) error {
	s := &q.groups[g].slots[slotIdx]
	w, err := q.openSlotWrite(s, int64(len(items)))
	if err != nil {
		return err
	}
	for _, v := range items {
		if err := w.Write(v); err != nil {
			return err
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}
	s.start = 0
	s.size = int64(len(items))
	return nil
}

// openSlotWrite prepares a slot's file for a fresh run of the given item
// count: lazily created, truncated, and pre-allocated to its final size.
func (q *Queue[T]) openSlotWrite(s *slot[T], items int64) (*stream.Writer[T], error) {
	if s.file == nil {
		f, err := stream.NewTemp(q.cfg.tempDir)
		if err != nil {
			return nil, err
		}
		s.file = f
	} else if err := s.file.Truncate(); err != nil {
		return nil, err
	}
	// Open the writer at offset 0 before Allocate extends the file, so the
	// run fills the reserved range instead of landing after it.
	w, err := stream.NewWriter(s.file, q.codec)
	if err != nil {
		return nil, err
	}
	if items > 0 {
		if err := s.file.Allocate(items * int64(q.codec.EncodedSize())); err != nil {
			return nil, err
		}
	}
	return w, nil
}

// fillGroupBuffer refills group g's buffer by merging the heads of its
// slots, consuming at most groupCap items. Items read ahead into the merge
// heap but not emitted stay in their slots.
func (q *Queue[T]) fillGroupBuffer(g int) error {
	grp := &q.groups[g]
	grp.buffer = grp.buffer[:0]
	grp.bufStart = 0

	type source struct {
		reader  *stream.Reader[T]
		slotIdx int
		emitted int64
	}
	var sources []source
	for i := range grp.slots {
		s := &grp.slots[i]
		if s.size == 0 {
			continue
		}
		r, err := stream.NewReader(s.file, q.codec, s.start, s.size)
		if err != nil {
			return err
		}
		sources = append(sources, source{reader: r, slotIdx: i})
	}

	h := mergeheap.New(len(sources), q.less)
	for i := range sources {
		if sources[i].reader.CanRead() {
			v, err := sources[i].reader.Read()
			if err != nil {
				return err
			}
			h.Push(v, i)
		}
	}
	for !h.Empty() && int64(len(grp.buffer)) < q.groupCap {
		v := h.Top()
		run := h.TopRun()
		grp.buffer = append(grp.buffer, v)
		sources[run].emitted++
		if sources[run].reader.CanRead() {
			next, err := sources[run].reader.Read()
			if err != nil {
				return err
			}
			h.PopAndPush(next, run)
		} else {
			h.Pop()
		}
	}

	for i := range sources {
		s := &grp.slots[sources[i].slotIdx]
		s.start += sources[i].emitted
		s.size -= sources[i].emitted
	}
	return nil
}

// fillBuffer refills the deletion buffer with the smallest items across
// every group, consuming group-buffer heads and refilling group buffers
// from their slots as they drain.
func (q *Queue[T]) fillBuffer() error {
	q.buffer = q.buffer[:0]
	q.bufferStart = 0

	for int64(len(q.buffer)) < q.bufferCap {
		best := -1
		for g := range q.groups {
			grp := &q.groups[g]
			if grp.bufferedLen() == 0 && grp.slotItems() > 0 {
				if err := q.fillGroupBuffer(g); err != nil {
					return err
				}
			}
			if grp.bufferedLen() == 0 {
				continue
			}
			if best == -1 || q.less(grp.head(), q.groups[best].head()) {
				best = g
			}
		}
		if best == -1 {
			break
		}
		grp := &q.groups[best]
		q.buffer = append(q.buffer, grp.head())
		grp.bufStart++
	}
	return nil
}
