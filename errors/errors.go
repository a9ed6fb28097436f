// Package errors defines all exported error sentinels for the tpie module.
//
// This is the single source of truth for error values. The component
// packages (blocks, stream, extsort, pq, btree, pipeline) import from here,
// ensuring errors.Is checks work across package boundaries.
package errors

import "errors"

// Stream errors
var (
	// ErrEndOfStream marks the expected end of a sequential item stream.
	// It is never returned for a failure; every fatal path is a distinct
	// error value.
	ErrEndOfStream = errors.New("tpie: end of stream")

	ErrStreamClosed = errors.New("tpie: stream is closed")
)

// Block collection errors
var (
	ErrWrongHandleSize   = errors.New("tpie: handle size does not match the collection block size")
	ErrBlockNotCached    = errors.New("tpie: block is not resident in the cache")
	ErrCollectionClosed  = errors.New("tpie: block collection is closed")
	ErrReadOnly          = errors.New("tpie: block collection is not writeable")
	ErrChecksumMismatch  = errors.New("tpie: block checksum verification failed")
	ErrInvalidTrailer    = errors.New("tpie: collection trailer is corrupted")
	ErrUnknownChecksumID = errors.New("tpie: unknown checksum algorithm ID")
)

// Sorter errors
var (
	ErrParametersNotSet = errors.New("tpie: sort parameters are not set")
	ErrPullNotPrepared  = errors.New("tpie: pull is not prepared")
	ErrSorterFinished   = errors.New("tpie: sorter input already finished")
	ErrSorterClosed     = errors.New("tpie: sorter is closed")
)

// Priority queue errors
var (
	ErrQueueEmpty    = errors.New("tpie: priority queue is empty")
	ErrQueueOverflow = errors.New("tpie: priority queue exceeded its group capacity")
	ErrQueueClosed   = errors.New("tpie: priority queue is closed")
)

// B-tree errors
var (
	ErrUnsortedInput = errors.New("tpie: builder input is not sorted")
	ErrBuilderUsed   = errors.New("tpie: builder cannot be used after Build")
	ErrCorruptedNode = errors.New("tpie: node data is corrupted")
	ErrTreeEmpty     = errors.New("tpie: tree has no root")
)

// Pipeline errors
var (
	ErrTooManyItems  = errors.New("tpie: got more items than announced")
	ErrBufferOverrun = errors.New("tpie: buffer overrun in parallel worker")
	ErrPipelineDone  = errors.New("tpie: pipeline has already finished")
)
