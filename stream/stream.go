// Package stream provides sequential, fixed-width item streams over scratch
// files. Run files produced by the external sorter and slot files owned by
// the external priority queue are both written and read through this
// package. An item stream is a flat sequence of Codec-encoded items with no
// per-record framing; readers are told where to start and how many items
// they may consume.
package stream

import (
	"bufio"
	"fmt"
	"io"
	"os"

	tpieerrors "github.com/pombredanne/tpie/errors"
)

// streamBufferSize is the buffered I/O window of one open stream, in bytes.
// It dominates the per-stream memory footprint reported by MemoryUsage.
const streamBufferSize = 64 << 10

// streamOverhead approximates the fixed bookkeeping cost of one open
// stream (struct, scratch buffer, file descriptor).
const streamOverhead = 256

// MemoryUsage returns the memory bound, in bytes, of a single open stream
// of items of the given encoded size. The sorter's parameter calculation
// budgets one of these per open run plus one for the output.
func MemoryUsage(itemSize int) int64 {
	return streamBufferSize + streamOverhead + int64(itemSize)
}

// FileMemoryUsage returns the memory cost of one scratch File that is
// merely held open (no stream attached). The sorter keeps 2*fanout of
// these alive across a merge level.
func FileMemoryUsage() int64 { return 64 }

// offsetWriter appends at a fixed position using positional writes, so a
// writer never disturbs the file-descriptor offset shared with readers.
type offsetWriter struct {
	f   *os.File
	off int64
}

func (w *offsetWriter) Write(p []byte) (int, error) {
	n, err := w.f.WriteAt(p, w.off)
	w.off += int64(n)
	return n, err
}

// Writer appends items to the end of a scratch file.
type Writer[T any] struct {
	codec   Codec[T]
	bw      *bufio.Writer
	scratch []byte
	items   int64
}

// NewWriter opens a buffered writer appending at the current end of f.
func NewWriter[T any](f *File, c Codec[T]) (*Writer[T], error) {
	if f.f == nil {
		return nil, tpieerrors.ErrStreamClosed
	}
	size, err := f.Size()
	if err != nil {
		return nil, fmt.Errorf("stat scratch file: %w", err)
	}
	return &Writer[T]{
		codec:   c,
		bw:      bufio.NewWriterSize(&offsetWriter{f: f.f, off: size}, streamBufferSize),
		scratch: make([]byte, c.EncodedSize()),
	}, nil
}

// Write appends one encoded item.
func (w *Writer[T]) Write(v T) error {
	w.codec.Encode(w.scratch, v)
	if _, err := w.bw.Write(w.scratch); err != nil {
		return fmt.Errorf("write item: %w", err)
	}
	w.items++
	return nil
}

// Items returns the number of items written through this writer.
func (w *Writer[T]) Items() int64 { return w.items }

// Flush forces buffered items to the file. Must be called before any
// Reader observes the written range.
func (w *Writer[T]) Flush() error {
	if err := w.bw.Flush(); err != nil {
		return fmt.Errorf("flush stream: %w", err)
	}
	return nil
}

// Reader consumes a bounded range of items sequentially.
type Reader[T any] struct {
	codec     Codec[T]
	br        *bufio.Reader
	scratch   []byte
	remaining int64
}

// NewReader opens a reader over f starting at item index firstItem,
// delivering at most maxItems items (clamped to the items actually present
// in the file). The kernel is hinted that the range will be read
// sequentially.
func NewReader[T any](f *File, c Codec[T], firstItem, maxItems int64) (*Reader[T], error) {
	if f.f == nil {
		return nil, tpieerrors.ErrStreamClosed
	}
	size, err := f.Size()
	if err != nil {
		return nil, fmt.Errorf("stat scratch file: %w", err)
	}
	itemSize := int64(c.EncodedSize())
	offset := firstItem * itemSize

	remaining := (size - offset) / itemSize
	if remaining < 0 {
		remaining = 0
	}
	if maxItems < remaining {
		remaining = maxItems
	}

	f.adviseSequentialRead(offset, remaining*itemSize)

	sr := io.NewSectionReader(f.f, offset, remaining*itemSize)
	return &Reader[T]{
		codec:     c,
		br:        bufio.NewReaderSize(sr, streamBufferSize),
		scratch:   make([]byte, itemSize),
		remaining: remaining,
	}, nil
}

// Remaining returns the number of items left to read.
func (r *Reader[T]) Remaining() int64 { return r.remaining }

// CanRead reports whether another item is available.
func (r *Reader[T]) CanRead() bool { return r.remaining > 0 }

// Read returns the next item, or ErrEndOfStream once the range given at
// open is exhausted. Any other error is an I/O failure.
func (r *Reader[T]) Read() (T, error) {
	var zero T
	if r.remaining <= 0 {
		return zero, tpieerrors.ErrEndOfStream
	}
	if _, err := io.ReadFull(r.br, r.scratch); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			// The file is shorter than the range promised at open.
			return zero, fmt.Errorf("stream truncated: %w", io.ErrUnexpectedEOF)
		}
		return zero, fmt.Errorf("read item: %w", err)
	}
	r.remaining--
	return r.codec.Decode(r.scratch), nil
}
