package pq

import "github.com/pombredanne/tpie/internal/parsort"

// overflowHeap is the fixed-capacity insertion heap. Every push lands here
// first; when the heap is full its contents are drained, in sorted order,
// into a slot of group 0.
type overflowHeap[T any] struct {
	items    []T
	capacity int
	less     func(a, b T) bool
}

func newOverflowHeap[T any](capacity int, less func(a, b T) bool) *overflowHeap[T] {
	return &overflowHeap[T]{
		items:    make([]T, 0, capacity),
		capacity: capacity,
		less:     less,
	}
}

func (h *overflowHeap[T]) len() int    { return len(h.items) }
func (h *overflowHeap[T]) empty() bool { return len(h.items) == 0 }
func (h *overflowHeap[T]) full() bool  { return len(h.items) >= h.capacity }
func (h *overflowHeap[T]) top() T      { return h.items[0] }

func (h *overflowHeap[T]) push(x T) {
	h.items = append(h.items, x)
	j := len(h.items) - 1
	for {
		i := (j - 1) / 2 // parent
		if i == j || !h.less(h.items[j], h.items[i]) {
			break
		}
		h.items[i], h.items[j] = h.items[j], h.items[i]
		j = i
	}
}

func (h *overflowHeap[T]) pop() T {
	v := h.items[0]
	n := len(h.items) - 1
	h.items[0] = h.items[n]
	var zero T
	h.items[n] = zero
	h.items = h.items[:n]
	h.down(0, n)
	return v
}

func (h *overflowHeap[T]) down(i, n int) {
	for {
		j1 := 2*i + 1
		if j1 >= n || j1 < 0 {
			break
		}
		j := j1 // left child
		if j2 := j1 + 1; j2 < n && h.less(h.items[j2], h.items[j1]) {
			j = j2 // right child
		}
		if !h.less(h.items[j], h.items[i]) {
			break
		}
		h.items[i], h.items[j] = h.items[j], h.items[i]
		i = j
	}
}

// sortedSlice sorts the heap's storage in place into non-decreasing order
// and returns it. The heap property is destroyed; the caller consumes the
// slice and then calls clear before the next push.
func (h *overflowHeap[T]) sortedSlice() []T {
	parsort.Sort(h.items, h.less)
	return h.items
}

// clear empties the heap, retaining its storage.
func (h *overflowHeap[T]) clear() {
	clear(h.items)
	h.items = h.items[:0]
}
