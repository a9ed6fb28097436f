package pipeline

// Segment is one middle stage of a pipeline: it consumes items of type I
// and emits items of type O. A segment instance is owned by a single
// worker and never shared; stages that keep state get a fresh instance per
// worker from the Factory.
//
// Push may call emit any number of times, including zero. End is called
// once, after the last batch, so buffering stages can flush; the workers of
// a cancelled pipeline exit without calling End.
type Segment[I, O any] interface {
	// Begin is called once on the owning worker before any Push.
	Begin()

	// Push processes one item, emitting results through emit.
	Push(item I, emit func(O))

	// End flushes any buffered state through emit. Called at most once.
	End(emit func(O))
}

// Factory produces one Segment per worker.
type Factory[I, O any] func() Segment[I, O]

// funcSegment adapts a stateless function to the Segment interface.
type funcSegment[I, O any] struct {
	fn func(item I, emit func(O))
}

func (funcSegment[I, O]) Begin() {}

func (s funcSegment[I, O]) Push(item I, emit func(O)) { s.fn(item, emit) }

func (funcSegment[I, O]) End(emit func(O)) {}

// FromFunc wraps a stateless per-item function as a segment factory.
func FromFunc[I, O any](fn func(item I, emit func(O))) Factory[I, O] {
	return func() Segment[I, O] { return funcSegment[I, O]{fn: fn} }
}

// Map wraps a pure item transformation as a segment factory.
func Map[I, O any](fn func(I) O) Factory[I, O] {
	return FromFunc(func(item I, emit func(O)) { emit(fn(item)) })
}
