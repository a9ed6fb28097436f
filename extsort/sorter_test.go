package extsort

import (
	"context"
	"math/rand"
	"sort"
	"testing"

	"github.com/pombredanne/tpie/stream"
)

func uintLess(a, b uint64) bool { return a < b }

func pullAll(t *testing.T, s *Sorter[uint64]) []uint64 {
	t.Helper()
	var out []uint64
	for s.CanPull() {
		v, err := s.Pull()
		if err != nil {
			t.Fatalf("Pull: %v", err)
		}
		out = append(out, v)
	}
	return out
}

func TestSortInternalMode(t *testing.T) {
	// A tiny input with generous budgets must be reported straight from
	// memory: no run file is ever written.
	s, err := New(context.Background(), stream.Uint64Codec{}, uintLess,
		WithTempDir(t.TempDir()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	for _, v := range []uint64{3, 1, 2} {
		if err := s.Push(v); err != nil {
			t.Fatalf("Push: %v", err)
		}
	}
	if err := s.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	if !s.reportInternal {
		t.Fatal("expected internal reporting mode")
	}
	if s.finishedRuns != 0 {
		t.Fatalf("finishedRuns = %d, want 0", s.finishedRuns)
	}
	for _, f := range s.runFiles {
		if f != nil {
			t.Fatal("internal mode created a run file")
		}
	}

	got := pullAll(t, s)
	want := []uint64{1, 2, 3}
	if len(got) != len(want) {
		t.Fatalf("pulled %d items, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("item %d = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestSortExternalSmall(t *testing.T) {
	// runLength=3, fanout=2 forces multiple merge levels for ten items.
	s, err := New(context.Background(), stream.Uint64Codec{}, uintLess,
		WithParameters(3, 2), WithTempDir(t.TempDir()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	for v := uint64(10); v >= 1; v-- {
		if err := s.Push(v); err != nil {
			t.Fatalf("Push: %v", err)
		}
	}
	if err := s.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if s.reportInternal {
		t.Fatal("expected external reporting mode")
	}

	got := pullAll(t, s)
	if len(got) != 10 {
		t.Fatalf("pulled %d items, want 10", len(got))
	}
	for i, v := range got {
		if v != uint64(i+1) {
			t.Fatalf("item %d = %d, want %d", i, v, i+1)
		}
	}
}

func TestSortIsPermutationAndOrdered(t *testing.T) {
	cases := []struct {
		name      string
		n         int
		runLength int64
		fanout    int64
	}{
		{"one_run", 50, 100, 2},
		{"exact_fanout", 1000, 100, 5},
		{"deep_tree", 5000, 64, 2},
		{"wide_tree", 5000, 32, 8},
		{"uneven_tail", 2000, 16, 3},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s, err := New(context.Background(), stream.Uint64Codec{}, uintLess,
				WithParameters(tc.runLength, tc.fanout), WithTempDir(t.TempDir()))
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			defer s.Close()

			rng := rand.New(rand.NewSource(int64(tc.n)*31 + int64(tc.fanout)))
			input := make([]uint64, tc.n)
			for i := range input {
				input[i] = uint64(rng.Int63n(1 << 20))
				if err := s.Push(input[i]); err != nil {
					t.Fatalf("Push: %v", err)
				}
			}
			if s.Size() != int64(tc.n) {
				t.Fatalf("Size() = %d, want %d", s.Size(), tc.n)
			}
			if err := s.Finish(); err != nil {
				t.Fatalf("Finish: %v", err)
			}

			got := pullAll(t, s)
			want := append([]uint64(nil), input...)
			sort.Slice(want, func(i, j int) bool { return want[i] < want[j] })
			if len(got) != len(want) {
				t.Fatalf("pulled %d items, want %d", len(got), len(want))
			}
			for i := range want {
				if got[i] != want[i] {
					t.Fatalf("item %d = %d, want %d", i, got[i], want[i])
				}
			}
		})
	}
}

func TestSortPremergesTail(t *testing.T) {
	// An asymmetric budget makes the final fanout narrower than the merge
	// fanout, and a starved phase 2 shrinks runs to one item, so a handful
	// of pushes leaves more runs than the final merger can open: the tail
	// must be pre-merged into one large run first.
	warnings := 0
	s, err := New(context.Background(), stream.Uint64Codec{}, uintLess,
		WithMemoryPhases(1, 400_000, 200_000),
		WithTempDir(t.TempDir()),
		WithWarningFunc(func(string, ...any) { warnings++ }))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	if warnings == 0 {
		t.Fatal("starved phase 2 budget produced no warning")
	}
	p := s.Parameters()
	if p.FinalFanout >= p.Fanout {
		t.Fatalf("finalFanout %d not narrower than fanout %d; premerge unreachable", p.FinalFanout, p.Fanout)
	}
	if p.RunLength != 1 {
		t.Fatalf("runLength = %d, want 1", p.RunLength)
	}

	input := []uint64{4, 3, 2, 1}
	for _, v := range input {
		if err := s.Push(v); err != nil {
			t.Fatalf("Push: %v", err)
		}
	}
	if err := s.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	got := pullAll(t, s)
	if len(got) != len(input) {
		t.Fatalf("pulled %d items, want %d", len(got), len(input))
	}
	for i, v := range got {
		if v != uint64(i+1) {
			t.Fatalf("item %d = %d, want %d", i, v, i+1)
		}
	}
}

func TestSortInternalThresholdBoundary(t *testing.T) {
	// With manual parameters the internal threshold equals the run
	// length: exactly runLength items stay internal, one more spills.
	const runLength = 8

	s, err := New(context.Background(), stream.Uint64Codec{}, uintLess,
		WithParameters(runLength, 2), WithTempDir(t.TempDir()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()
	for i := 0; i < runLength; i++ {
		if err := s.Push(uint64(i)); err != nil {
			t.Fatalf("Push: %v", err)
		}
	}
	if err := s.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if !s.reportInternal {
		t.Fatal("runLength items should be reported internally")
	}

	s2, err := New(context.Background(), stream.Uint64Codec{}, uintLess,
		WithParameters(runLength, 2), WithTempDir(t.TempDir()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s2.Close()
	for i := 0; i <= runLength; i++ {
		if err := s2.Push(uint64(i)); err != nil {
			t.Fatalf("Push: %v", err)
		}
	}
	if err := s2.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if s2.reportInternal {
		t.Fatal("runLength+1 items flushed a run; internal mode is wrong")
	}
	got := pullAll(t, s2)
	if len(got) != runLength+1 {
		t.Fatalf("pulled %d items, want %d", len(got), runLength+1)
	}
}

func TestSortEmptyInput(t *testing.T) {
	s, err := New(context.Background(), stream.Uint64Codec{}, uintLess,
		WithTempDir(t.TempDir()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()
	if err := s.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if s.CanPull() {
		t.Fatal("CanPull on empty input")
	}
}

func TestSortEqualItems(t *testing.T) {
	s, err := New(context.Background(), stream.Uint64Codec{}, uintLess,
		WithParameters(4, 2), WithTempDir(t.TempDir()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()
	for i := 0; i < 100; i++ {
		if err := s.Push(uint64(i % 3)); err != nil {
			t.Fatalf("Push: %v", err)
		}
	}
	if err := s.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	got := pullAll(t, s)
	if len(got) != 100 {
		t.Fatalf("pulled %d items, want 100", len(got))
	}
	counts := map[uint64]int{}
	for i := 1; i < len(got); i++ {
		if got[i-1] > got[i] {
			t.Fatalf("out of order at %d", i)
		}
	}
	for _, v := range got {
		counts[v]++
	}
	if counts[0] != 34 || counts[1] != 33 || counts[2] != 33 {
		t.Fatalf("multiplicities wrong: %v", counts)
	}
}

func TestParameterInvariants(t *testing.T) {
	warnings := 0
	warnf := func(string, ...any) { warnings++ }

	for _, m := range []int64{1 << 16, 1 << 20, 16 << 20, 256 << 20} {
		p := calculateParameters(m, m, m, 8, warnf)
		if p.FinalFanout > p.Fanout {
			t.Fatalf("m=%d: finalFanout %d > fanout %d", m, p.FinalFanout, p.Fanout)
		}
		if p.InternalReportThreshold > p.RunLength {
			t.Fatalf("m=%d: threshold %d > runLength %d", m, p.InternalReportThreshold, p.RunLength)
		}
		if p.Fanout < 2 {
			t.Fatalf("m=%d: fanout %d < 2", m, p.Fanout)
		}
		if p.RunLength < 1 {
			t.Fatalf("m=%d: runLength %d < 1", m, p.RunLength)
		}
	}
}

func TestParametersWidenUnderPressure(t *testing.T) {
	// A hopeless phase-2 budget is widened, with a warning, never an
	// error.
	warnings := 0
	p := calculateParameters(16, 1<<20, 1<<20, 8, func(string, ...any) { warnings++ })
	if warnings == 0 {
		t.Fatal("no warning for an impossible phase 2 budget")
	}
	if p.RunLength < 1 {
		t.Fatalf("runLength %d after widening, want >= 1", p.RunLength)
	}
	if p.MemoryPhase2 <= 16 {
		t.Fatalf("memoryPhase2 = %d not widened", p.MemoryPhase2)
	}
}

func TestSortAfterFinishErrors(t *testing.T) {
	s, err := New(context.Background(), stream.Uint64Codec{}, uintLess,
		WithTempDir(t.TempDir()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()
	if err := s.Push(1); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if err := s.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if err := s.Push(2); err == nil {
		t.Fatal("Push after Finish succeeded")
	}
	if err := s.Finish(); err == nil {
		t.Fatal("second Finish succeeded")
	}
}

func TestSortProgressCallbacks(t *testing.T) {
	p := &countingProgress{}
	s, err := New(context.Background(), stream.Uint64Codec{}, uintLess,
		WithParameters(4, 2), WithTempDir(t.TempDir()), WithProgress(p))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()
	for i := 0; i < 64; i++ {
		if err := s.Push(uint64(64 - i)); err != nil {
			t.Fatalf("Push: %v", err)
		}
	}
	if err := s.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if p.inits != 1 || p.dones != 1 {
		t.Fatalf("progress inits=%d dones=%d, want 1 and 1", p.inits, p.dones)
	}
	if int64(p.steps) != p.announced {
		t.Fatalf("progress steps=%d, announced=%d", p.steps, p.announced)
	}
}

type countingProgress struct {
	inits, steps, dones int
	announced           int64
}

func (p *countingProgress) Init(steps int64) { p.inits++; p.announced = steps }
func (p *countingProgress) Step()            { p.steps++ }
func (p *countingProgress) Done()            { p.dones++ }
