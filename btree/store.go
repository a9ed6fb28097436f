package btree

import (
	"encoding/binary"
	"fmt"

	"github.com/pombredanne/tpie/blocks"
	tpieerrors "github.com/pombredanne/tpie/errors"
)

// Node block layout:
//
//	[kind 1B][count uint32 LE][payload]
//
// leaf payload:     count * itemSize
// internal payload: count * (8B child position + keySize + augmentSize)
//
// The child handle stores only its position; the size is the collection
// block size, uniform across the tree.
const (
	nodeHeaderSize = 5
	kindLeaf       = byte(1)
	kindInternal   = byte(2)
)

// store reads and writes tree nodes through a block collection cache.
type store[T, K, A any] struct {
	cache *blocks.Cache
	cfg   *Config[T, K, A]
	tc    treeConfig
}

func newStore[T, K, A any](cache *blocks.Cache, cfg *Config[T, K, A], tc treeConfig) (*store[T, K, A], error) {
	s := &store[T, K, A]{cache: cache, cfg: cfg, tc: tc}

	blockSize := cache.Collection().BlockSize()
	if need := int64(nodeHeaderSize + tc.maxLeaf*cfg.Item.EncodedSize()); need > blockSize {
		return nil, fmt.Errorf("btree: %d-item leaves need %d-byte blocks, have %d",
			tc.maxLeaf, need, blockSize)
	}
	if need := int64(nodeHeaderSize + tc.maxInternal*s.childSize()); need > blockSize {
		return nil, fmt.Errorf("btree: %d-child internal nodes need %d-byte blocks, have %d",
			tc.maxInternal, need, blockSize)
	}
	return s, nil
}

func (s *store[T, K, A]) childSize() int {
	return 8 + s.cfg.Key.EncodedSize() + s.cfg.Augment.EncodedSize()
}

// newNode allocates a block and returns its handle and cached buffer.
func (s *store[T, K, A]) newNode() (blocks.Handle, []byte, error) {
	h, err := s.cache.GetFreeBlock()
	if err != nil {
		return blocks.Handle{}, nil, err
	}
	buf, err := s.cache.ReadBlock(h)
	if err != nil {
		return blocks.Handle{}, nil, err
	}
	return h, buf, nil
}

// writeLeaf emits a leaf holding items and returns its handle.
func (s *store[T, K, A]) writeLeaf(items []T) (blocks.Handle, error) {
	h, buf, err := s.newNode()
	if err != nil {
		return blocks.Handle{}, err
	}
	buf[0] = kindLeaf
	binary.LittleEndian.PutUint32(buf[1:nodeHeaderSize], uint32(len(items)))
	itemSize := s.cfg.Item.EncodedSize()
	off := nodeHeaderSize
	for _, v := range items {
		s.cfg.Item.Encode(buf[off:off+itemSize], v)
		off += itemSize
	}
	s.cache.WriteBlock(h)
	return h, nil
}

// writeInternal emits an internal node over children and returns its handle.
func (s *store[T, K, A]) writeInternal(children []Child[K, A]) (blocks.Handle, error) {
	h, buf, err := s.newNode()
	if err != nil {
		return blocks.Handle{}, err
	}
	buf[0] = kindInternal
	binary.LittleEndian.PutUint32(buf[1:nodeHeaderSize], uint32(len(children)))
	keySize := s.cfg.Key.EncodedSize()
	augSize := s.cfg.Augment.EncodedSize()
	off := nodeHeaderSize
	for _, c := range children {
		binary.LittleEndian.PutUint64(buf[off:], uint64(c.Handle.Position))
		off += 8
		s.cfg.Key.Encode(buf[off:off+keySize], c.MinKey)
		off += keySize
		s.cfg.Augment.Encode(buf[off:off+augSize], c.Augment)
		off += augSize
	}
	s.cache.WriteBlock(h)
	return h, nil
}

// readLeaf decodes the leaf at h.
func (s *store[T, K, A]) readLeaf(h blocks.Handle) ([]T, error) {
	buf, err := s.cache.ReadBlock(h)
	if err != nil {
		return nil, err
	}
	if buf[0] != kindLeaf {
		return nil, fmt.Errorf("%w: expected leaf at %d", tpieerrors.ErrCorruptedNode, h.Position)
	}
	count := int(binary.LittleEndian.Uint32(buf[1:nodeHeaderSize]))
	itemSize := s.cfg.Item.EncodedSize()
	if nodeHeaderSize+count*itemSize > len(buf) {
		return nil, fmt.Errorf("%w: leaf count %d at %d", tpieerrors.ErrCorruptedNode, count, h.Position)
	}
	items := make([]T, count)
	off := nodeHeaderSize
	for i := range items {
		items[i] = s.cfg.Item.Decode(buf[off : off+itemSize])
		off += itemSize
	}
	return items, nil
}

// readInternal decodes the internal node at h.
func (s *store[T, K, A]) readInternal(h blocks.Handle) ([]Child[K, A], error) {
	buf, err := s.cache.ReadBlock(h)
	if err != nil {
		return nil, err
	}
	if buf[0] != kindInternal {
		return nil, fmt.Errorf("%w: expected internal node at %d", tpieerrors.ErrCorruptedNode, h.Position)
	}
	count := int(binary.LittleEndian.Uint32(buf[1:nodeHeaderSize]))
	childSize := s.childSize()
	if nodeHeaderSize+count*childSize > len(buf) {
		return nil, fmt.Errorf("%w: child count %d at %d", tpieerrors.ErrCorruptedNode, count, h.Position)
	}
	blockSize := s.cache.Collection().BlockSize()
	keySize := s.cfg.Key.EncodedSize()
	augSize := s.cfg.Augment.EncodedSize()
	children := make([]Child[K, A], count)
	off := nodeHeaderSize
	for i := range children {
		children[i].Handle = blocks.Handle{
			Position: int64(binary.LittleEndian.Uint64(buf[off:])),
			Size:     blockSize,
		}
		off += 8
		children[i].MinKey = s.cfg.Key.Decode(buf[off : off+keySize])
		off += keySize
		children[i].Augment = s.cfg.Augment.Decode(buf[off : off+augSize])
		off += augSize
	}
	return children, nil
}

// isLeaf reports the node kind at h.
func (s *store[T, K, A]) isLeaf(h blocks.Handle) (bool, error) {
	buf, err := s.cache.ReadBlock(h)
	if err != nil {
		return false, err
	}
	switch buf[0] {
	case kindLeaf:
		return true, nil
	case kindInternal:
		return false, nil
	}
	return false, fmt.Errorf("%w: unknown node kind %d at %d",
		tpieerrors.ErrCorruptedNode, buf[0], h.Position)
}
