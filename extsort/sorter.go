// Package extsort implements a four-phase external merge sort:
//
//  1. Calculating parameters
//  2. Sorting and forming runs
//  3. Merging runs
//  4. Final merge and report
//
// If no run has been flushed when phase 2 ends and the buffered items number
// at most the internal report threshold, the sorter is in "report internal"
// mode: nothing is written to disk, phase 3 is a no-op and phase 4 walks the
// in-memory buffer.
package extsort

import (
	"context"
	"errors"
	"fmt"
	"math"

	tpieerrors "github.com/pombredanne/tpie/errors"
	"github.com/pombredanne/tpie/internal/parsort"
	"github.com/pombredanne/tpie/stream"
)

// contextCheckInterval is how often Push checks for context cancellation.
const contextCheckInterval = 10000

// Sorter sorts a pushed item stream under a strict weak ordering.
// Equal items may appear in any order in the output.
//
// Usage:
//
//	s, err := extsort.New(ctx, codec, less, extsort.WithMemory(64<<20))
//	if err != nil { return err }
//	defer s.Close()
//
//	for _, v := range input {
//	    if err := s.Push(v); err != nil { return err }
//	}
//	if err := s.Finish(); err != nil { return err }
//	for s.CanPull() {
//	    v, err := s.Pull()
//	    ...
//	}
//
// A Sorter is single-threaded; the caller must serialize access.
type Sorter[T any] struct {
	ctx   context.Context
	codec stream.Codec[T]
	less  func(a, b T) bool
	cfg   *sortConfig
	p     Parameters

	// runFiles[(level%2)*fanout + run%fanout] backs the given run. The
	// alternating-layer indexing keeps the active scratch files at
	// 2*fanout: levels l and l+2 share slots but are never live together.
	runFiles     []*stream.File
	finishedRuns int64

	currentRun     []T
	reportInternal bool
	itemsPulled    int64

	merger       *merger[T]
	pullPrepared bool
	finished     bool
	closed       bool

	size       int64
	ctxCounter int
}

// New creates a sorter for items encoded by codec and ordered by less.
func New[T any](ctx context.Context, codec stream.Codec[T], less func(a, b T) bool, opts ...Option) (*Sorter[T], error) {
	cfg := defaultSortConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	if codec.EncodedSize() <= 0 {
		return nil, fmt.Errorf("extsort: codec must have a positive encoded size")
	}

	s := &Sorter[T]{
		ctx:   ctx,
		codec: codec,
		less:  less,
		cfg:   cfg,
	}

	if cfg.manual {
		if cfg.manualRunLength < 1 || cfg.manualFanout < 2 {
			return nil, fmt.Errorf("%w: run length %d, fanout %d",
				tpieerrors.ErrParametersNotSet, cfg.manualRunLength, cfg.manualFanout)
		}
		s.p = Parameters{
			RunLength:               cfg.manualRunLength,
			InternalReportThreshold: cfg.manualRunLength,
			Fanout:                  cfg.manualFanout,
			FinalFanout:             cfg.manualFanout,
		}
	} else {
		s.p = calculateParameters(cfg.memoryPhase2, cfg.memoryPhase3, cfg.memoryPhase4,
			codec.EncodedSize(), cfg.warnf)
	}

	s.runFiles = make([]*stream.File, 2*s.p.Fanout)
	s.merger = newMerger(less, s.p.Fanout)
	return s, nil
}

// Parameters returns the derived sort parameters.
func (s *Sorter[T]) Parameters() Parameters { return s.p }

// Size returns the number of items pushed so far.
func (s *Sorter[T]) Size() int64 { return s.size }

// Push adds an item during phase 2.
func (s *Sorter[T]) Push(v T) error {
	if s.closed {
		return tpieerrors.ErrSorterClosed
	}
	if s.finished {
		return tpieerrors.ErrSorterFinished
	}

	s.ctxCounter++
	if s.ctxCounter >= contextCheckInterval {
		s.ctxCounter = 0
		if err := s.ctx.Err(); err != nil {
			return err
		}
	}

	if s.currentRun == nil {
		s.currentRun = make([]T, 0, s.p.RunLength)
	}
	if int64(len(s.currentRun)) >= s.p.RunLength {
		s.sortCurrentRun()
		if err := s.emptyCurrentRun(); err != nil {
			return err
		}
	}
	s.currentRun = append(s.currentRun, v)
	s.size++
	return nil
}

// Finish ends phase 2 and performs all merges in the merge tree except the
// last one. After Finish, items are consumed through CanPull/Pull.
func (s *Sorter[T]) Finish() error {
	if s.closed {
		return tpieerrors.ErrSorterClosed
	}
	if s.finished {
		return tpieerrors.ErrSorterFinished
	}
	s.finished = true

	s.sortCurrentRun()
	if s.finishedRuns == 0 && int64(len(s.currentRun)) <= s.p.InternalReportThreshold {
		s.reportInternal = true
		s.itemsPulled = 0
		s.pullPrepared = true
		return nil
	}

	s.reportInternal = false
	if len(s.currentRun) > 0 {
		if err := s.emptyCurrentRun(); err != nil {
			return err
		}
	}
	s.currentRun = nil

	if err := s.preparePull(); err != nil {
		return err
	}
	s.pullPrepared = true
	return nil
}

// CanPull reports whether more items remain in phase 4.
// Panics if called before Finish.
func (s *Sorter[T]) CanPull() bool {
	if !s.pullPrepared {
		panic(tpieerrors.ErrPullNotPrepared.Error())
	}
	if s.reportInternal {
		return s.itemsPulled < int64(len(s.currentRun))
	}
	return s.merger.canPull()
}

// Pull returns the next item of the sorted output.
// Panics if called before Finish.
func (s *Sorter[T]) Pull() (T, error) {
	if !s.pullPrepared {
		panic(tpieerrors.ErrPullNotPrepared.Error())
	}
	if s.reportInternal {
		if s.itemsPulled >= int64(len(s.currentRun)) {
			var zero T
			return zero, tpieerrors.ErrEndOfStream
		}
		v := s.currentRun[s.itemsPulled]
		s.itemsPulled++
		if s.itemsPulled >= int64(len(s.currentRun)) {
			s.currentRun = nil // release the buffer with the last item
		}
		return v, nil
	}
	if !s.merger.canPull() {
		var zero T
		return zero, tpieerrors.ErrEndOfStream
	}
	return s.merger.pull()
}

// Close releases every run file. Safe to call at any point and more than
// once.
func (s *Sorter[T]) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.currentRun = nil

	var errs []error
	for i, f := range s.runFiles {
		if f == nil {
			continue
		}
		if err := f.Remove(); err != nil {
			errs = append(errs, err)
		}
		s.runFiles[i] = nil
	}
	return errors.Join(errs...)
}

// Phase 2 helpers.

func (s *Sorter[T]) sortCurrentRun() {
	parsort.Sort(s.currentRun, s.less)
}

// emptyCurrentRun appends the sorted buffer as the next level-0 run.
// Postcondition: the buffer is empty.
func (s *Sorter[T]) emptyCurrentRun() error {
	w, err := s.openRunFileWrite(0, s.finishedRuns)
	if err != nil {
		return err
	}
	for _, v := range s.currentRun {
		if err := w.Write(v); err != nil {
			return err
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}
	s.currentRun = s.currentRun[:0]
	s.finishedRuns++
	return nil
}

// Phase 3: merge all runs and initialize the merger for public pulling.

func (s *Sorter[T]) preparePull() error {
	if s.cfg.progress != nil {
		s.cfg.progress.Init(s.countMerges())
	}

	mergeLevel := int64(0)
	runCount := s.finishedRuns
	for runCount > s.p.Fanout {
		newRunCount := int64(0)
		for i := int64(0); i < runCount; i += s.p.Fanout {
			n := min(runCount-i, s.p.Fanout)
			if _, err := s.mergeRuns(mergeLevel, i, n); err != nil {
				return err
			}
			newRunCount++
		}
		mergeLevel++
		runCount = newRunCount
	}

	if err := s.initializeFinalMerger(mergeLevel, runCount); err != nil {
		return err
	}
	if s.cfg.progress != nil {
		s.cfg.progress.Done()
	}
	return nil
}

// countMerges predicts the merge operations of phase 3 plus a potential
// pre-merge, for progress reporting.
func (s *Sorter[T]) countMerges() int64 {
	total := int64(0)
	runCount := s.finishedRuns
	for runCount > s.p.Fanout {
		groups := (runCount + s.p.Fanout - 1) / s.p.Fanout
		total += groups
		runCount = groups
	}
	if runCount > s.p.FinalFanout {
		total++
	}
	return total
}

// initializeMerger opens the runNumber'th through (runNumber+runCount)'th
// runs in mergeLevel and resets the merger over them.
func (s *Sorter[T]) initializeMerger(mergeLevel, runNumber, runCount int64) error {
	in := make([]*stream.Reader[T], runCount)
	for i := int64(0); i < runCount; i++ {
		r, err := s.openRunFileRead(mergeLevel, runNumber+i)
		if err != nil {
			return err
		}
		in[i] = r
	}
	return s.merger.reset(in)
}

// initializeFinalMerger prepares phase 4. When the remaining runs exceed
// the final fanout, the tail is first pre-merged into one large run in a
// new level, and the final merger opens the first finalFanout-1 normal runs
// plus that one.
func (s *Sorter[T]) initializeFinalMerger(finalMergeLevel, runCount int64) error {
	if runCount <= s.p.FinalFanout {
		return s.initializeMerger(finalMergeLevel, 0, runCount)
	}

	first := s.p.FinalFanout - 1
	tail := runCount - first
	mergedRun, err := s.mergeRuns(finalMergeLevel, first, tail)
	if err != nil {
		return err
	}

	in := make([]*stream.Reader[T], s.p.FinalFanout)
	for i := int64(0); i < first; i++ {
		r, err := s.openRunFileRead(finalMergeLevel, i)
		if err != nil {
			return err
		}
		in[i] = r
	}
	large, err := s.openRunFileRead(finalMergeLevel+1, mergedRun)
	if err != nil {
		return err
	}
	in[first] = large
	return s.merger.reset(in)
}

// mergeRuns merges the runNumber'th through (runNumber+runCount)'th runs of
// mergeLevel into mergeLevel+1 and returns the run number written there.
func (s *Sorter[T]) mergeRuns(mergeLevel, runNumber, runCount int64) (int64, error) {
	if err := s.initializeMerger(mergeLevel, runNumber, runCount); err != nil {
		return 0, err
	}

	nextRunNumber := runNumber / s.p.Fanout
	out, err := s.openRunFileWrite(mergeLevel+1, nextRunNumber)
	if err != nil {
		return 0, err
	}

	n := 0
	for s.merger.canPull() {
		v, err := s.merger.pull()
		if err != nil {
			return 0, err
		}
		if err := out.Write(v); err != nil {
			return 0, err
		}
		n++
		if n >= contextCheckInterval {
			n = 0
			if err := s.ctx.Err(); err != nil {
				return 0, err
			}
		}
	}
	if err := out.Flush(); err != nil {
		return 0, err
	}

	if s.cfg.progress != nil {
		s.cfg.progress.Step()
	}
	return nextRunNumber, nil
}

// Run file layout.

// runLengthAt returns the item count of one full run at the given level:
// runLength * fanout^level, saturating instead of overflowing.
func (s *Sorter[T]) runLengthAt(mergeLevel int64) int64 {
	length := s.p.RunLength
	for i := int64(0); i < mergeLevel; i++ {
		if length > math.MaxInt64/s.p.Fanout {
			return math.MaxInt64
		}
		length *= s.p.Fanout
	}
	return length
}

// runFileIndex maps (level, run) onto one of the 2*fanout scratch files.
func (s *Sorter[T]) runFileIndex(mergeLevel, runNumber int64) int64 {
	return (mergeLevel%2)*s.p.Fanout + runNumber%s.p.Fanout
}

// openRunFileWrite opens the run's backing file for appending. The first
// fanout runs of a level each claim a file that last held level-2 data, so
// those are truncated before use.
func (s *Sorter[T]) openRunFileWrite(mergeLevel, runNumber int64) (*stream.Writer[T], error) {
	idx := s.runFileIndex(mergeLevel, runNumber)
	f := s.runFiles[idx]
	if f == nil {
		var err error
		f, err = stream.NewTemp(s.cfg.tempDir)
		if err != nil {
			return nil, err
		}
		s.runFiles[idx] = f
	} else if runNumber < s.p.Fanout {
		if err := f.Truncate(); err != nil {
			return nil, err
		}
	}
	return stream.NewWriter(f, s.codec)
}

// openRunFileRead opens the run's backing file at the run's offset,
// bounded to one run's extent.
func (s *Sorter[T]) openRunFileRead(mergeLevel, runNumber int64) (*stream.Reader[T], error) {
	idx := s.runFileIndex(mergeLevel, runNumber)
	f := s.runFiles[idx]
	if f == nil {
		return nil, fmt.Errorf("extsort: run file %d was never written", idx)
	}
	length := s.runLengthAt(mergeLevel)
	first := length * (runNumber / s.p.Fanout)
	return stream.NewReader(f, s.codec, first, length)
}
