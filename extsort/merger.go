package extsort

import (
	"github.com/pombredanne/tpie/internal/mergeheap"
	"github.com/pombredanne/tpie/stream"
)

// merger k-way merges a set of bounded run readers. Each reader already
// limits itself to its run's extent, so the merger only tracks which run
// the heap minimum came from and replaces it from the same run.
type merger[T any] struct {
	heap *mergeheap.Heap[T]
	in   []*stream.Reader[T]
}

func newMerger[T any](less func(a, b T) bool, maxFanout int64) *merger[T] {
	return &merger[T]{heap: mergeheap.New(int(maxFanout), less)}
}

// reset points the merger at a new set of input runs and primes the heap
// with the head of each.
func (m *merger[T]) reset(in []*stream.Reader[T]) error {
	m.in = in
	m.heap.Clear()
	for i, r := range in {
		if !r.CanRead() {
			continue
		}
		v, err := r.Read()
		if err != nil {
			return err
		}
		m.heap.Push(v, i)
	}
	return nil
}

// canPull reports whether another item remains.
func (m *merger[T]) canPull() bool { return !m.heap.Empty() }

// pull removes and returns the smallest remaining item.
func (m *merger[T]) pull() (T, error) {
	v := m.heap.Top()
	run := m.heap.TopRun()
	if m.in[run].CanRead() {
		next, err := m.in[run].Read()
		if err != nil {
			var zero T
			return zero, err
		}
		m.heap.PopAndPush(next, run)
	} else {
		m.heap.Pop()
	}
	return v, nil
}
