// Package parsort sorts one in-memory run buffer using all available
// cores: the buffer is split into chunks sorted concurrently, then the
// sorted chunks are k-way merged back in place.
package parsort

import (
	"runtime"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/pombredanne/tpie/internal/mergeheap"
)

// sequentialThreshold is the buffer size below which chunking overhead
// exceeds the gain and a plain sort is used.
const sequentialThreshold = 1 << 14

// Sort sorts items under less. Not stable.
func Sort[T any](items []T, less func(a, b T) bool) {
	n := len(items)
	workers := runtime.GOMAXPROCS(0)
	if n < sequentialThreshold || workers < 2 {
		sort.Slice(items, func(i, j int) bool { return less(items[i], items[j]) })
		return
	}
	if workers > n {
		workers = n
	}

	// Chunk bounds: workers chunks of near-equal length.
	bounds := make([]int, workers+1)
	for i := 0; i <= workers; i++ {
		bounds[i] = i * n / workers
	}

	var g errgroup.Group
	for i := 0; i < workers; i++ {
		chunk := items[bounds[i]:bounds[i+1]]
		g.Go(func() error {
			sort.Slice(chunk, func(i, j int) bool { return less(chunk[i], chunk[j]) })
			return nil
		})
	}
	// Workers never return errors; Wait is the join point.
	_ = g.Wait()

	merge(items, bounds, less)
}

// merge k-way merges the sorted chunks delimited by bounds into a scratch
// slice, then copies back.
func merge[T any](items []T, bounds []int, less func(a, b T) bool) {
	k := len(bounds) - 1
	h := mergeheap.New(k, less)
	next := make([]int, k)
	for i := 0; i < k; i++ {
		next[i] = bounds[i]
		if next[i] < bounds[i+1] {
			h.Push(items[next[i]], i)
			next[i]++
		}
	}

	out := make([]T, 0, len(items))
	for !h.Empty() {
		run := h.TopRun()
		out = append(out, h.Top())
		if next[run] < bounds[run+1] {
			h.PopAndPush(items[next[run]], run)
			next[run]++
		} else {
			h.Pop()
		}
	}
	copy(items, out)
}
