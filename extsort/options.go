package extsort

// defaultMemory is the per-phase budget used when the caller sets none.
const defaultMemory = 32 << 20

// Progress receives coarse completion callbacks during the merge phases.
// Not required for correctness.
type Progress interface {
	Init(steps int64)
	Step()
	Done()
}

// WarningFunc receives resource-pressure warnings. A budget too small for
// progress is widened, never fatal; the warning is the only trace. The
// default discards them.
type WarningFunc func(format string, args ...any)

// Option is a functional option for configuring a Sorter.
type Option func(*sortConfig)

type sortConfig struct {
	memoryPhase2 int64
	memoryPhase3 int64
	memoryPhase4 int64

	// manual parameters bypass the memory calculation (testing hook)
	manual          bool
	manualRunLength int64
	manualFanout    int64

	tempDir  string
	warnf    WarningFunc
	progress Progress
}

func defaultSortConfig() *sortConfig {
	return &sortConfig{
		memoryPhase2: defaultMemory,
		memoryPhase3: defaultMemory,
		memoryPhase4: defaultMemory,
		warnf:        func(string, ...any) {},
	}
}

// WithMemory gives all three disk-bound phases the same budget in bytes.
func WithMemory(bytes int64) Option {
	return func(c *sortConfig) {
		c.memoryPhase2 = bytes
		c.memoryPhase3 = bytes
		c.memoryPhase4 = bytes
	}
}

// WithMemoryPhases sets separate budgets for run formation (phase 2),
// merging (phase 3) and the final merge (phase 4).
func WithMemoryPhases(m2, m3, m4 int64) Option {
	return func(c *sortConfig) {
		c.memoryPhase2 = m2
		c.memoryPhase3 = m3
		c.memoryPhase4 = m4
	}
}

// WithParameters sets run length and fanout directly, bypassing the memory
// calculation. Intended for tests.
func WithParameters(runLength, fanout int64) Option {
	return func(c *sortConfig) {
		c.manual = true
		c.manualRunLength = runLength
		c.manualFanout = fanout
	}
}

// WithTempDir sets the directory for run files. The directory must exist;
// the default is the system temp directory.
func WithTempDir(dir string) Option {
	return func(c *sortConfig) { c.tempDir = dir }
}

// WithWarningFunc routes resource-pressure warnings somewhere visible.
func WithWarningFunc(fn WarningFunc) Option {
	return func(c *sortConfig) { c.warnf = fn }
}

// WithProgress installs a progress indicator stepped once per run merged
// during phase 3 and the final pre-merge.
func WithProgress(p Progress) Option {
	return func(c *sortConfig) { c.progress = p }
}
