// Package pipeline runs one pipeline middle stage across N worker
// goroutines with bounded per-worker input and output buffers.
//
// The producer (the caller's goroutine) pushes items one at a time; full
// staging batches are handed to idle workers, and completed output batches
// are pushed downstream through the sink, in first-ready order. Items
// handed to one worker are contiguous in the input stream and their
// outputs stay in order within the batch, but no order is guaranteed
// across workers — the driver suits order-insensitive or explicitly
// re-ordered stages only.
//
// Synchronization is one shared mutex, one producer condition variable and
// one condition variable per worker; workers move IDLE -> PROCESSING ->
// OUTPUTTING -> IDLE.
package pipeline

import (
	"fmt"
	"sync"

	tpieerrors "github.com/pombredanne/tpie/errors"
)

// WorkerState is the observable state of one worker.
type WorkerState int32

const (
	// Idle: the input buffer may be written by the producer.
	Idle WorkerState = iota

	// Processing: the worker is running the segment on its batch.
	Processing

	// Outputting: the output buffer is ready to be read by the producer.
	Outputting
)

// Option configures a Parallel driver.
type Option func(*parallelConfig)

type parallelConfig struct {
	workers int
	bufSize int
}

// WithWorkers sets the number of worker goroutines.
func WithWorkers(n int) Option {
	return func(c *parallelConfig) { c.workers = n }
}

// WithBufferSize sets the per-worker input and output buffer size, in
// items.
func WithBufferSize(n int) Option {
	return func(c *parallelConfig) { c.bufSize = n }
}

// Parallel drives one middle stage across several workers. The producer
// side (Begin, Push, End) must be used from a single goroutine. The sink
// is invoked on the producer's goroutine and must not call back into the
// driver; the batch slice it receives is reused afterwards, so the sink
// must copy anything it retains.
type Parallel[I, O any] struct {
	factory Factory[I, O]
	sink    func([]O) error
	workers int
	bufSize int

	mu           sync.Mutex
	producerCond *sync.Cond   // producer waits: "some worker is ready"
	workerCond   []*sync.Cond // worker i waits on its own state changes

	states     []WorkerState
	inputBufs  [][]I
	outputBufs [][]O
	batchDone  []bool // output is the end of a batch (vs. a mid-batch flush)

	done           bool // workers exit as soon as they observe this
	finishing      bool // input ended: workers run Segment.End, then exit
	runningWorkers int

	staging   []I
	remaining int64
	sinkErr   error
	begun     bool
	ended     bool
}

// New creates a driver running factory-produced segments over sink.
func New[I, O any](factory Factory[I, O], sink func([]O) error, opts ...Option) *Parallel[I, O] {
	cfg := parallelConfig{workers: 4, bufSize: 64}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.workers < 1 || cfg.bufSize < 1 {
		panic(fmt.Sprintf("pipeline: invalid configuration: %d workers, buffer %d", cfg.workers, cfg.bufSize))
	}

	p := &Parallel[I, O]{
		factory:    factory,
		sink:       sink,
		workers:    cfg.workers,
		bufSize:    cfg.bufSize,
		states:     make([]WorkerState, cfg.workers),
		inputBufs:  make([][]I, cfg.workers),
		outputBufs: make([][]O, cfg.workers),
		batchDone:  make([]bool, cfg.workers),
		workerCond: make([]*sync.Cond, cfg.workers),
	}
	p.producerCond = sync.NewCond(&p.mu)
	for i := range p.workerCond {
		p.workerCond[i] = sync.NewCond(&p.mu)
	}
	for i := range p.inputBufs {
		p.inputBufs[i] = make([]I, 0, cfg.bufSize)
		p.outputBufs[i] = make([]O, 0, cfg.bufSize)
	}
	p.staging = make([]I, 0, cfg.bufSize)
	return p
}

// Begin announces the exact number of items that will be pushed and
// starts the workers. Required before Push.
func (p *Parallel[I, O]) Begin(items int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.begun {
		panic("pipeline: Begin called twice")
	}
	p.begun = true
	p.remaining = items
	p.runningWorkers = p.workers
	for i := 0; i < p.workers; i++ {
		go p.worker(i)
	}
}

// Push feeds one item. When the staging buffer fills, or the last
// announced item arrives, the batch is dispatched; on the last item the
// producer also drains every worker, so the call returns with
// RunningWorkers() == 0 and Done() == true.
//
// Pushing more items than announced to Begin is fatal.
func (p *Parallel[I, O]) Push(item I) error {
	if !p.begun {
		panic("pipeline: Push before Begin")
	}
	if p.remaining == 0 {
		panic(tpieerrors.ErrTooManyItems.Error())
	}
	if p.ended {
		return tpieerrors.ErrPipelineDone
	}

	p.staging = append(p.staging, item)
	p.remaining--
	if len(p.staging) < p.bufSize && p.remaining > 0 {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.dispatchLocked(); err != nil {
		return err
	}
	if p.remaining > 0 {
		return nil
	}
	return p.finishLocked()
}

// End flushes any residual staging batch and drains the workers. Only
// needed when fewer items than announced were pushed; after an exact
// stream, Push has already finished the pipeline and End is a no-op.
func (p *Parallel[I, O]) End() error {
	if !p.begun {
		panic("pipeline: End before Begin")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ended {
		return p.sinkErr
	}
	if err := p.dispatchLocked(); err != nil {
		return err
	}
	return p.finishLocked()
}

// Close cancels the pipeline: workers exit as soon as they observe the
// flag at a wait point. In-flight batches may be lost. Safe after End.
func (p *Parallel[I, O]) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.shutdownLocked()
}

// Done reports whether the pipeline has finished or been cancelled.
func (p *Parallel[I, O]) Done() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done
}

// RunningWorkers returns the number of live worker goroutines.
func (p *Parallel[I, O]) RunningWorkers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.runningWorkers
}

// dispatchLocked hands the staging batch to a worker, consuming finished
// output batches while it waits for one to become idle.
func (p *Parallel[I, O]) dispatchLocked() error {
	for len(p.staging) > 0 {
		if p.sinkErr != nil {
			return p.sinkErr
		}
		idx, ok := p.readyWorkerLocked()
		if !ok {
			p.producerCond.Wait()
			continue
		}
		switch p.states[idx] {
		case Idle:
			p.inputBufs[idx] = append(p.inputBufs[idx][:0], p.staging...)
			p.states[idx] = Processing
			p.workerCond[idx].Signal()
			p.staging = p.staging[:0]
		case Outputting:
			if err := p.consumeLocked(idx); err != nil {
				return err
			}
		}
	}
	return nil
}

// readyWorkerLocked returns the lowest-index worker not in Processing.
func (p *Parallel[I, O]) readyWorkerLocked() (int, bool) {
	for i := 0; i < p.workers; i++ {
		if p.states[i] != Processing {
			return i, true
		}
	}
	return 0, false
}

// outputtingWorkerLocked returns the lowest-index worker in Outputting.
func (p *Parallel[I, O]) outputtingWorkerLocked() (int, bool) {
	for i := 0; i < p.workers; i++ {
		if p.states[i] == Outputting {
			return i, true
		}
	}
	return 0, false
}

// consumeLocked pushes worker idx's output batch downstream and releases
// the worker: back to Idle after a completed batch, back to Processing
// after a mid-batch flush.
func (p *Parallel[I, O]) consumeLocked(idx int) error {
	batch := p.outputBufs[idx]
	err := p.sink(batch)
	p.outputBufs[idx] = batch[:0]
	if p.batchDone[idx] {
		p.states[idx] = Idle
	} else {
		p.states[idx] = Processing
	}
	p.workerCond[idx].Signal()
	if err != nil {
		p.sinkErr = err
		p.shutdownLocked()
		return err
	}
	return nil
}

// finishLocked implements end-of-input: wait for all batches to be
// processed and consumed, tell the workers to run their segments' End,
// consume whatever that emits, and join the workers.
func (p *Parallel[I, O]) finishLocked() error {
	p.ended = true

	// Drain: consume outputting workers until none is processing.
	for {
		if idx, ok := p.outputtingWorkerLocked(); ok {
			if err := p.consumeLocked(idx); err != nil {
				return err
			}
			continue
		}
		if !p.processingWorkerLocked() {
			break
		}
		p.producerCond.Wait()
	}
	if p.sinkErr != nil {
		return p.sinkErr
	}

	// Finishing phase: every worker runs Segment.End and flushes.
	p.finishing = true
	for i := range p.workerCond {
		p.workerCond[i].Signal()
	}
	for p.runningWorkers > 0 {
		if idx, ok := p.outputtingWorkerLocked(); ok {
			if err := p.consumeLocked(idx); err != nil {
				return err
			}
			continue
		}
		p.producerCond.Wait()
	}
	p.done = true
	return nil
}

func (p *Parallel[I, O]) processingWorkerLocked() bool {
	for i := 0; i < p.workers; i++ {
		if p.states[i] == Processing {
			return true
		}
	}
	return false
}

// shutdownLocked cancels workers and waits for them to exit.
func (p *Parallel[I, O]) shutdownLocked() {
	if p.done {
		return
	}
	p.done = true
	p.ended = true
	for i := range p.workerCond {
		p.workerCond[i].Signal()
	}
	for p.runningWorkers > 0 {
		p.producerCond.Wait()
	}
}

// worker is the goroutine body of worker id.
func (p *Parallel[I, O]) worker(id int) {
	seg := p.factory()
	seg.Begin()
	emit := func(v O) { p.emitOutput(id, v) }

	p.mu.Lock()
	defer p.mu.Unlock()
	defer func() {
		p.runningWorkers--
		p.producerCond.Signal()
	}()

	for {
		for p.states[id] != Processing && !p.done && !p.finishing {
			p.workerCond[id].Wait()
		}
		if p.done {
			return
		}
		if p.states[id] != Processing {
			break // finishing
		}

		batch := p.inputBufs[id]
		p.mu.Unlock()
		for _, item := range batch {
			seg.Push(item, emit)
		}
		p.mu.Lock()
		if p.done {
			return
		}
		if !p.flushLocked(id, true) {
			// Nothing to output; release the worker directly.
			p.states[id] = Idle
			p.producerCond.Signal()
		}
	}

	// Finishing: flush segment state, deliver it, exit.
	p.mu.Unlock()
	seg.End(emit)
	p.mu.Lock()
	if !p.done {
		p.flushLocked(id, true)
	}
}

// emitOutput appends one item to the worker's output buffer, flushing to
// the producer when the buffer fills mid-batch. Called without the lock.
func (p *Parallel[I, O]) emitOutput(id int, v O) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.outputBufs[id]) >= p.bufSize {
		panic(tpieerrors.ErrBufferOverrun.Error())
	}
	p.outputBufs[id] = append(p.outputBufs[id], v)
	if len(p.outputBufs[id]) >= p.bufSize {
		p.flushLocked(id, false)
	}
}

// flushLocked hands the worker's output batch to the producer and waits
// until it has been consumed (or the pipeline is cancelled). final marks
// the end of a batch, sending the worker back to Idle on consumption; a
// mid-batch flush resumes in Processing. Reports whether anything was
// flushed.
func (p *Parallel[I, O]) flushLocked(id int, final bool) bool {
	if len(p.outputBufs[id]) == 0 {
		return false
	}
	p.batchDone[id] = final
	p.states[id] = Outputting
	p.producerCond.Signal()
	for p.states[id] == Outputting {
		if p.done {
			return true
		}
		p.workerCond[id].Wait()
	}
	return true
}
