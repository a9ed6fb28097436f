package pipeline

import (
	"errors"
	"sort"
	"sync"
	"testing"
	"time"
)

// collectSink returns a sink appending copies of every batch, plus the
// collected batches. The driver reuses batch slices, so the sink copies.
func collectSink[O any]() (func([]O) error, *[][]O) {
	var batches [][]O
	sink := func(batch []O) error {
		batches = append(batches, append([]O(nil), batch...))
		return nil
	}
	return sink, &batches
}

func TestParallelPermutationAndBatchOrder(t *testing.T) {
	// N=4 workers, B=8: feed 0..63 through x -> x+1. The output is a
	// permutation of 1..64 and each batch is monotonic, because items
	// assigned to one worker are contiguous and order is preserved
	// within a batch.
	sink, batches := collectSink[int]()
	p := New(Map(func(x int) int { return x + 1 }), sink,
		WithWorkers(4), WithBufferSize(8))

	p.Begin(64)
	for i := 0; i < 64; i++ {
		if err := p.Push(i); err != nil {
			t.Fatalf("Push %d: %v", i, err)
		}
	}
	if err := p.End(); err != nil {
		t.Fatalf("End: %v", err)
	}

	if !p.Done() {
		t.Fatal("Done() = false after the last Push")
	}
	if n := p.RunningWorkers(); n != 0 {
		t.Fatalf("RunningWorkers() = %d, want 0", n)
	}

	var all []int
	for _, b := range *batches {
		for i := 1; i < len(b); i++ {
			if b[i-1] >= b[i] {
				t.Fatalf("batch not monotonic: %v", b)
			}
		}
		all = append(all, b...)
	}
	if len(all) != 64 {
		t.Fatalf("got %d items, want 64", len(all))
	}
	sort.Ints(all)
	for i, v := range all {
		if v != i+1 {
			t.Fatalf("output[%d] = %d, want %d", i, v, i+1)
		}
	}
}

func TestParallelSingleWorkerPreservesOrder(t *testing.T) {
	sink, batches := collectSink[int]()
	p := New(Map(func(x int) int { return x * 2 }), sink,
		WithWorkers(1), WithBufferSize(4))

	p.Begin(10)
	for i := 0; i < 10; i++ {
		if err := p.Push(i); err != nil {
			t.Fatalf("Push: %v", err)
		}
	}
	if err := p.End(); err != nil {
		t.Fatalf("End: %v", err)
	}

	var all []int
	for _, b := range *batches {
		all = append(all, b...)
	}
	for i, v := range all {
		if v != i*2 {
			t.Fatalf("output[%d] = %d, want %d", i, v, i*2)
		}
	}
}

func TestParallelExpandingStageFlushesMidBatch(t *testing.T) {
	// Each input emits 8 outputs into a buffer of 8, forcing mid-batch
	// flushes. Nothing may be lost.
	sink, batches := collectSink[int]()
	p := New(FromFunc(func(x int, emit func(int)) {
		for j := 0; j < 8; j++ {
			emit(x*8 + j)
		}
	}), sink, WithWorkers(2), WithBufferSize(8))

	p.Begin(16)
	for i := 0; i < 16; i++ {
		if err := p.Push(i); err != nil {
			t.Fatalf("Push: %v", err)
		}
	}
	if err := p.End(); err != nil {
		t.Fatalf("End: %v", err)
	}

	var all []int
	for _, b := range *batches {
		all = append(all, b...)
	}
	if len(all) != 128 {
		t.Fatalf("got %d items, want 128", len(all))
	}
	sort.Ints(all)
	for i, v := range all {
		if v != i {
			t.Fatalf("output[%d] = %d, want %d", i, v, i)
		}
	}
}

// pairSegment buffers one item and emits sums of consecutive pairs,
// flushing a dangling item in End. Exercises the finishing phase.
type pairSegment struct {
	pending int
	has     bool
}

func (s *pairSegment) Begin() {}

func (s *pairSegment) Push(item int, emit func(int)) {
	if s.has {
		emit(s.pending + item)
		s.has = false
		return
	}
	s.pending = item
	s.has = true
}

func (s *pairSegment) End(emit func(int)) {
	if s.has {
		emit(s.pending)
		s.has = false
	}
}

func TestParallelSegmentEndFlushes(t *testing.T) {
	sink, batches := collectSink[int]()
	p := New(func() Segment[int, int] { return &pairSegment{} }, sink,
		WithWorkers(3), WithBufferSize(4))

	// 9 items of value 1: sums of pairs plus per-worker dangling items.
	// Whatever the batch split, the total must be 9.
	p.Begin(9)
	for i := 0; i < 9; i++ {
		if err := p.Push(1); err != nil {
			t.Fatalf("Push: %v", err)
		}
	}
	if err := p.End(); err != nil {
		t.Fatalf("End: %v", err)
	}

	total := 0
	for _, b := range *batches {
		for _, v := range b {
			total += v
		}
	}
	if total != 9 {
		t.Fatalf("total = %d, want 9 (segment End output lost)", total)
	}
}

func TestParallelShortInputNeedsEnd(t *testing.T) {
	// Fewer items than announced: End flushes the residual batch.
	sink, batches := collectSink[int]()
	p := New(Map(func(x int) int { return x }), sink,
		WithWorkers(2), WithBufferSize(8))

	p.Begin(100)
	for i := 0; i < 5; i++ {
		if err := p.Push(i); err != nil {
			t.Fatalf("Push: %v", err)
		}
	}
	if err := p.End(); err != nil {
		t.Fatalf("End: %v", err)
	}
	var all []int
	for _, b := range *batches {
		all = append(all, b...)
	}
	if len(all) != 5 {
		t.Fatalf("got %d items, want 5", len(all))
	}
}

func TestParallelTooManyItemsPanics(t *testing.T) {
	p := New(Map(func(x int) int { return x }), func([]int) error { return nil },
		WithWorkers(1), WithBufferSize(2))
	p.Begin(1)
	if err := p.Push(0); err != nil {
		t.Fatalf("Push: %v", err)
	}
	defer func() {
		if recover() == nil {
			t.Fatal("Push beyond the items hint did not panic")
		}
		p.Close()
	}()
	_ = p.Push(1)
}

func TestParallelSinkErrorPropagates(t *testing.T) {
	sinkErr := errors.New("downstream failed")
	calls := 0
	p := New(Map(func(x int) int { return x }), func([]int) error {
		calls++
		return sinkErr
	}, WithWorkers(2), WithBufferSize(4))

	p.Begin(64)
	var err error
	for i := 0; i < 64; i++ {
		if err = p.Push(i); err != nil {
			break
		}
	}
	if err == nil {
		err = p.End()
	}
	if !errors.Is(err, sinkErr) {
		t.Fatalf("err = %v, want the sink error", err)
	}
	if n := p.RunningWorkers(); n != 0 {
		t.Fatalf("RunningWorkers() = %d after sink error, want 0", n)
	}
}

func TestParallelClose(t *testing.T) {
	block := make(chan struct{})
	var once sync.Once
	p := New(FromFunc(func(x int, emit func(int)) {
		once.Do(func() { <-block })
		emit(x)
	}), func([]int) error { return nil },
		WithWorkers(2), WithBufferSize(2))

	p.Begin(100)
	for i := 0; i < 4; i++ {
		if err := p.Push(i); err != nil {
			t.Fatalf("Push: %v", err)
		}
	}

	// Unblock the stalled worker, then cancel.
	close(block)
	done := make(chan struct{})
	go func() {
		p.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("Close did not return")
	}
	if !p.Done() {
		t.Fatal("Done() = false after Close")
	}
	if n := p.RunningWorkers(); n != 0 {
		t.Fatalf("RunningWorkers() = %d after Close, want 0", n)
	}
}

func TestParallelManyItemsStress(t *testing.T) {
	sum := 0
	p := New(Map(func(x int) int { return x }), func(batch []int) error {
		for _, v := range batch {
			sum += v
		}
		return nil
	}, WithWorkers(8), WithBufferSize(16))

	const n = 100000
	p.Begin(n)
	want := 0
	for i := 0; i < n; i++ {
		if err := p.Push(i); err != nil {
			t.Fatalf("Push: %v", err)
		}
		want += i
	}
	if err := p.End(); err != nil {
		t.Fatalf("End: %v", err)
	}
	if sum != want {
		t.Fatalf("sum = %d, want %d", sum, want)
	}
}
