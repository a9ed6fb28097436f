// Package blocks implements the block-addressable I/O layer: a collection
// of fixed-size blocks in a single file, and a write-back LRU cache in
// front of it. Handles identify blocks by byte position; freed positions
// are recycled through a free list that writeable collections persist in a
// small checksummed trailer on clean close.
package blocks

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	"github.com/cespare/xxhash/v2"
	"github.com/edsrzf/mmap-go"

	tpieerrors "github.com/pombredanne/tpie/errors"
)

// Handle identifies a block as (byte position in file, size). Handles are
// totally ordered by position.
type Handle struct {
	Position int64
	Size     int64
}

// Less orders handles by file position.
func (h Handle) Less(other Handle) bool { return h.Position < other.Position }

const (
	trailerMagic   = uint32(0x54504243) // "TPBC"
	trailerVersion = uint16(1)
	footerSize     = 32
)

// Option configures a Collection.
type Option func(*collectionConfig)

type collectionConfig struct {
	checksum ChecksumAlgorithmID
}

// WithChecksum selects the block checksum algorithm. The default is
// ChecksumXXHash64; ChecksumNone disables verification.
func WithChecksum(id ChecksumAlgorithmID) Option {
	return func(c *collectionConfig) { c.checksum = id }
}

// Collection is a file of fixed-size blocks plus a free list of recycled
// positions. Writeable collections issue positional reads and writes;
// read-only collections are memory-mapped and serve reads out of the
// mapping. A Collection is not safe for concurrent use.
type Collection struct {
	f    *os.File
	mm   mmap.MMap // non-nil iff opened read-only
	path string

	blockSize int64
	end       int64 // byte offset one past the last allocated block
	freeList  []int64

	checksum ChecksumAlgorithmID
	sums     map[int64]uint64 // position -> checksum of the block last written there

	writeable bool
	closed    bool
}

// Open opens (creating if writeable and absent) the block collection at
// path with the given block size.
func Open(path string, blockSize int64, writeable bool, opts ...Option) (*Collection, error) {
	if blockSize <= 0 {
		panic("blocks: block size must be positive")
	}
	cfg := collectionConfig{checksum: ChecksumXXHash64}
	for _, opt := range opts {
		opt(&cfg)
	}
	if !cfg.checksum.valid() {
		return nil, tpieerrors.ErrUnknownChecksumID
	}

	c := &Collection{
		path:      path,
		blockSize: blockSize,
		checksum:  cfg.checksum,
		sums:      make(map[int64]uint64),
		writeable: writeable,
	}

	if writeable {
		f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
		if err != nil {
			return nil, fmt.Errorf("open collection: %w", err)
		}
		c.f = f
		if err := c.loadTrailer(); err != nil {
			return nil, errors.Join(err, f.Close())
		}
		return c, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open collection: %w", err)
	}
	c.f = f
	if err := c.loadTrailer(); err != nil {
		return nil, errors.Join(err, f.Close())
	}
	if c.end > 0 {
		mm, err := mmap.MapRegion(f, int(c.end), mmap.RDONLY, 0, 0)
		if err != nil {
			primaryErr := fmt.Errorf("mmap collection: %w", err)
			return nil, errors.Join(primaryErr, f.Close())
		}
		c.mm = mm
	}
	return c, nil
}

// loadTrailer restores the free list and data extent from a trailer if one
// is present. A file without a trailer is treated as raw blocks; an opened
// file is readable with the same block size either way.
func (c *Collection) loadTrailer() error {
	fi, err := c.f.Stat()
	if err != nil {
		return fmt.Errorf("stat collection: %w", err)
	}
	size := fi.Size()
	c.end = size

	if size < footerSize {
		return c.checkExtent()
	}

	footer := make([]byte, footerSize)
	if _, err := c.f.ReadAt(footer, size-footerSize); err != nil {
		return fmt.Errorf("read trailer: %w", err)
	}
	if binary.LittleEndian.Uint32(footer[0:4]) != trailerMagic {
		return c.checkExtent()
	}
	if binary.LittleEndian.Uint16(footer[4:6]) != trailerVersion {
		return tpieerrors.ErrInvalidTrailer
	}
	algo := ChecksumAlgorithmID(binary.LittleEndian.Uint16(footer[6:8]))
	trailerBlockSize := int64(binary.LittleEndian.Uint64(footer[8:16]))
	freeCount := int64(binary.LittleEndian.Uint32(footer[16:20]))
	wantSum := binary.LittleEndian.Uint64(footer[24:32])

	dataEnd := size - footerSize - freeCount*8
	if !algo.valid() || trailerBlockSize != c.blockSize || dataEnd < 0 || dataEnd%c.blockSize != 0 {
		return tpieerrors.ErrInvalidTrailer
	}

	freeBytes := make([]byte, freeCount*8)
	if _, err := c.f.ReadAt(freeBytes, dataEnd); err != nil {
		return fmt.Errorf("read trailer free list: %w", err)
	}

	d := xxhash.New()
	_, _ = d.Write(freeBytes)
	_, _ = d.Write(footer[:24])
	if d.Sum64() != wantSum {
		return tpieerrors.ErrInvalidTrailer
	}

	c.freeList = make([]int64, 0, freeCount)
	for i := int64(0); i < freeCount; i++ {
		c.freeList = append(c.freeList, int64(binary.LittleEndian.Uint64(freeBytes[i*8:])))
	}
	c.end = dataEnd

	// Drop the trailer bytes so fresh allocations append after the blocks.
	if c.writeable {
		if err := c.f.Truncate(dataEnd); err != nil {
			return fmt.Errorf("truncate trailer: %w", err)
		}
	}
	return nil
}

// checkExtent validates that a trailer-less file is block-aligned.
func (c *Collection) checkExtent() error {
	if c.end%c.blockSize != 0 {
		return fmt.Errorf("%w: file size %d is not a multiple of block size %d",
			tpieerrors.ErrInvalidTrailer, c.end, c.blockSize)
	}
	return nil
}

// BlockSize returns the fixed block size of the collection.
func (c *Collection) BlockSize() int64 { return c.blockSize }

// GetFreeBlock allocates a fresh handle, recycling a freed position when
// one is available and extending the file otherwise. No block data is
// written until WriteBlock.
func (c *Collection) GetFreeBlock() (Handle, error) {
	if c.closed {
		return Handle{}, tpieerrors.ErrCollectionClosed
	}
	if !c.writeable {
		return Handle{}, tpieerrors.ErrReadOnly
	}
	if n := len(c.freeList); n > 0 {
		pos := c.freeList[n-1]
		c.freeList = c.freeList[:n-1]
		return Handle{Position: pos, Size: c.blockSize}, nil
	}
	h := Handle{Position: c.end, Size: c.blockSize}
	c.end += c.blockSize
	return h, nil
}

// FreeBlock returns the handle's range to the free list.
// Panics if the handle size does not match the collection block size.
func (c *Collection) FreeBlock(h Handle) error {
	c.assertHandle(h)
	if c.closed {
		return tpieerrors.ErrCollectionClosed
	}
	if !c.writeable {
		return tpieerrors.ErrReadOnly
	}
	delete(c.sums, h.Position)
	c.freeList = append(c.freeList, h.Position)
	return nil
}

// ReadBlock reads the block at h into buf, which must be exactly one block
// long. If a checksum was recorded for the position, the contents are
// verified and ErrChecksumMismatch reported on corruption.
func (c *Collection) ReadBlock(h Handle, buf []byte) error {
	c.assertHandle(h)
	if int64(len(buf)) != c.blockSize {
		panic(fmt.Sprintf("blocks: read buffer is %d bytes, want %d", len(buf), c.blockSize))
	}
	if c.closed {
		return tpieerrors.ErrCollectionClosed
	}

	if c.mm != nil {
		if h.Position+h.Size > int64(len(c.mm)) {
			return fmt.Errorf("blocks: handle %d out of mapped range", h.Position)
		}
		copy(buf, c.mm[h.Position:h.Position+h.Size])
	} else {
		if _, err := c.f.ReadAt(buf, h.Position); err != nil {
			return fmt.Errorf("read block at %d: %w", h.Position, err)
		}
	}

	if want, ok := c.sums[h.Position]; ok {
		got, err := c.checksum.sum(buf)
		if err != nil {
			return err
		}
		if got != want {
			return fmt.Errorf("%w: block at %d", tpieerrors.ErrChecksumMismatch, h.Position)
		}
	}
	return nil
}

// WriteBlock writes buf as the block at h and records its checksum.
func (c *Collection) WriteBlock(h Handle, buf []byte) error {
	c.assertHandle(h)
	if int64(len(buf)) != c.blockSize {
		panic(fmt.Sprintf("blocks: write buffer is %d bytes, want %d", len(buf), c.blockSize))
	}
	if c.closed {
		return tpieerrors.ErrCollectionClosed
	}
	if !c.writeable {
		return tpieerrors.ErrReadOnly
	}

	if _, err := c.f.WriteAt(buf, h.Position); err != nil {
		return fmt.Errorf("write block at %d: %w", h.Position, err)
	}
	if c.checksum != ChecksumNone {
		sum, err := c.checksum.sum(buf)
		if err != nil {
			return err
		}
		c.sums[h.Position] = sum
	}
	return nil
}

// Close releases the collection. Writeable collections first persist the
// free list as a checksummed trailer so a reopen restores it.
func (c *Collection) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true

	var errs []error
	if c.writeable {
		if err := c.writeTrailer(); err != nil {
			errs = append(errs, err)
		}
	}
	if c.mm != nil {
		if err := c.mm.Unmap(); err != nil {
			errs = append(errs, fmt.Errorf("unmap collection: %w", err))
		}
		c.mm = nil
	}
	if err := c.f.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close collection: %w", err))
	}
	return errors.Join(errs...)
}

func (c *Collection) writeTrailer() error {
	freeBytes := make([]byte, len(c.freeList)*8)
	for i, pos := range c.freeList {
		binary.LittleEndian.PutUint64(freeBytes[i*8:], uint64(pos))
	}

	footer := make([]byte, footerSize)
	binary.LittleEndian.PutUint32(footer[0:4], trailerMagic)
	binary.LittleEndian.PutUint16(footer[4:6], trailerVersion)
	binary.LittleEndian.PutUint16(footer[6:8], uint16(c.checksum))
	binary.LittleEndian.PutUint64(footer[8:16], uint64(c.blockSize))
	binary.LittleEndian.PutUint32(footer[16:20], uint32(len(c.freeList)))

	d := xxhash.New()
	_, _ = d.Write(freeBytes)
	_, _ = d.Write(footer[:24])
	binary.LittleEndian.PutUint64(footer[24:32], d.Sum64())

	if _, err := c.f.WriteAt(freeBytes, c.end); err != nil {
		return fmt.Errorf("write trailer free list: %w", err)
	}
	if _, err := c.f.WriteAt(footer, c.end+int64(len(freeBytes))); err != nil {
		return fmt.Errorf("write trailer: %w", err)
	}
	return nil
}

// assertHandle panics when h's size does not match the collection block
// size. A wrong-size handle is a caller bug, not a runtime condition.
func (c *Collection) assertHandle(h Handle) {
	if h.Size != c.blockSize {
		panic(fmt.Sprintf("%v: handle size %d, block size %d",
			tpieerrors.ErrWrongHandleSize, h.Size, c.blockSize))
	}
}
