package extsort

import (
	"github.com/pombredanne/tpie/stream"
)

// Parameters are the derived knobs of one sort: how long level-0 runs are,
// how many runs merge at once in the tree and in the final merge, and the
// largest input that may be reported straight from memory.
//
// Invariants: FinalFanout <= Fanout; InternalReportThreshold <= RunLength.
type Parameters struct {
	RunLength               int64
	Fanout                  int64
	FinalFanout             int64
	InternalReportThreshold int64

	MemoryPhase2 int64
	MemoryPhase3 int64
	MemoryPhase4 int64
}

// Fanout search bounds. The upper bound is where per-stream buffer cost
// stops paying for wider merges on current hardware.
const (
	fanoutLo = 2
	fanoutHi = 251
)

// mergerMemoryUsage bounds the resident cost of a merger with the given
// number of open input runs: one stream per run plus the merge heap.
func mergerMemoryUsage(fanout int64, itemSize int) int64 {
	streams := fanout * stream.MemoryUsage(itemSize)
	heap := fanout * (int64(itemSize) + 8) // heap items plus run tags
	return streams + heap
}

// fanoutMemoryUsage bounds the resident cost of one merge pass: the merger,
// the output stream, and the two run-file handles cycled per merge.
func fanoutMemoryUsage(fanout int64, itemSize int) int64 {
	return mergerMemoryUsage(fanout, itemSize) +
		stream.MemoryUsage(itemSize) +
		2*stream.FileMemoryUsage()
}

// calculateFanout finds the largest fanout whose merge memory fits in
// availableMemory, by binary search over [fanoutLo, fanoutHi].
func calculateFanout(availableMemory int64, itemSize int) int64 {
	lo, hi := int64(fanoutLo), int64(fanoutHi)+1
	for lo < hi-1 {
		mid := lo + (hi-lo)/2
		if fanoutMemoryUsage(mid, itemSize) <= availableMemory {
			lo = mid
		} else {
			hi = mid
		}
	}
	return lo
}

// calculateParameters derives sort parameters from the three phase budgets.
// Budgets too small for progress are widened to the minimum and reported
// through warnf rather than failing.
func calculateParameters(m2, m3, m4 int64, itemSize int, warnf WarningFunc) Parameters {
	var p Parameters

	// Phase 3 (merge): fanout determined by the merge heap and the
	// per-stream memory usage. Run length is unbounded here.
	p.Fanout = calculateFanout(m3, itemSize)
	if use := fanoutMemoryUsage(p.Fanout, itemSize); use > m3 {
		warnf("not enough phase 3 memory for fanout %d (%d < %d); widening", p.Fanout, m3, use)
		m3 = use
	}

	// Phase 4 (final merge & report): fanout bounded by the stream memory
	// usage, and never wider than the phase 3 fanout.
	p.FinalFanout = calculateFanout(m4, itemSize)
	if p.FinalFanout > p.Fanout {
		p.FinalFanout = p.Fanout
	}
	if use := fanoutMemoryUsage(p.FinalFanout, itemSize); use > m4 {
		warnf("not enough phase 4 memory for fanout %d (%d < %d); widening", p.FinalFanout, m4, use)
		m4 = use
	}

	// Phase 2 (run formation): run length is what fits beside one open
	// stream and the 2*fanout run-file handles.
	streamMemory := stream.MemoryUsage(itemSize)
	tempFileMemory := 2 * p.Fanout * stream.FileMemoryUsage()

	minM2 := int64(itemSize) + streamMemory + tempFileMemory
	if m2 < minM2 {
		warnf("not enough phase 2 memory for an item and an open stream (%d < %d); widening", m2, minM2)
		m2 = minM2
	}
	p.RunLength = (m2 - streamMemory - tempFileMemory) / int64(itemSize)

	p.InternalReportThreshold = (min(m2, min(m3, m4)) - tempFileMemory) / int64(itemSize)
	if p.InternalReportThreshold > p.RunLength {
		p.InternalReportThreshold = p.RunLength
	}

	p.MemoryPhase2 = m2
	p.MemoryPhase3 = m3
	p.MemoryPhase4 = m4
	return p
}
