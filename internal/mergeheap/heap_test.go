package mergeheap

import (
	"math/rand"
	"sort"
	"testing"
)

func TestHeapOrdering(t *testing.T) {
	less := func(a, b int) bool { return a < b }
	h := New(16, less)

	rng := rand.New(rand.NewSource(12))
	values := make([]int, 200)
	for i := range values {
		values[i] = rng.Intn(1000)
		h.Push(values[i], i%7)
	}
	sort.Ints(values)

	for i, want := range values {
		if h.Empty() {
			t.Fatalf("heap empty after %d pops, want %d elements", i, len(values))
		}
		if got := h.Top(); got != want {
			t.Fatalf("pop %d = %d, want %d", i, got, want)
		}
		h.Pop()
	}
	if !h.Empty() {
		t.Fatalf("heap not empty after draining, Len() = %d", h.Len())
	}
}

func TestHeapTopRun(t *testing.T) {
	less := func(a, b int) bool { return a < b }
	h := New(4, less)
	h.Push(30, 0)
	h.Push(10, 1)
	h.Push(20, 2)

	if h.Top() != 10 || h.TopRun() != 1 {
		t.Fatalf("Top = (%d, run %d), want (10, run 1)", h.Top(), h.TopRun())
	}
	h.Pop()
	if h.Top() != 20 || h.TopRun() != 2 {
		t.Fatalf("Top = (%d, run %d), want (20, run 2)", h.Top(), h.TopRun())
	}
}

func TestHeapPopAndPush(t *testing.T) {
	// Simulate a 3-way merge of sorted runs, replacing the popped head
	// with the next item of the same run.
	less := func(a, b int) bool { return a < b }
	runs := [][]int{
		{1, 4, 7, 10},
		{2, 5, 8, 11},
		{3, 6, 9, 12},
	}
	next := make([]int, len(runs))

	h := New(len(runs), less)
	for i, run := range runs {
		h.Push(run[0], i)
		next[i] = 1
	}

	var out []int
	for !h.Empty() {
		v := h.Top()
		run := h.TopRun()
		out = append(out, v)
		if next[run] < len(runs[run]) {
			h.PopAndPush(runs[run][next[run]], run)
			next[run]++
		} else {
			h.Pop()
		}
	}

	for i := 1; i < len(out); i++ {
		if out[i-1] > out[i] {
			t.Fatalf("merge output out of order at %d: %v", i, out)
		}
	}
	if len(out) != 12 {
		t.Fatalf("merged %d items, want 12", len(out))
	}
}

func TestHeapClear(t *testing.T) {
	less := func(a, b int) bool { return a < b }
	h := New(4, less)
	h.Push(1, 0)
	h.Push(2, 1)
	h.Clear()
	if !h.Empty() {
		t.Fatal("heap not empty after Clear")
	}
	h.Push(5, 0)
	if h.Top() != 5 {
		t.Fatalf("Top after Clear = %d, want 5", h.Top())
	}
}
