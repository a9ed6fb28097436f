package btree

import (
	"fmt"

	"github.com/pombredanne/tpie/blocks"
	tpieerrors "github.com/pombredanne/tpie/errors"
	"github.com/pombredanne/tpie/internal/deque"
)

// summary is what a parent keeps per already-emitted child.
type summary[K, A any] struct {
	handle  blocks.Handle
	minKey  K
	augment A
}

// Builder constructs a tree bottom-up from values pushed in sorted order.
// Emitted nodes are never revisited: a leaf is cut as soon as enough items
// have queued, and each level's pending nodes cascade upward the same way.
//
//	b, err := btree.NewBuilder(cache, cfg)
//	for _, v := range sortedValues {
//	    if err := b.Push(v); err != nil { ... }
//	}
//	tree, err := b.Build()
type Builder[T, K, A any] struct {
	store *store[T, K, A]

	items     deque.Deque[T]
	leaves    deque.Deque[summary[K, A]]
	internals []*deque.Deque[summary[K, A]]

	size    int64
	hasLast bool
	lastKey K
	used    bool
}

// NewBuilder creates a builder emitting nodes into cache.
// Default fan-out bounds are derived from the cache's block size.
func NewBuilder[T, K, A any](cache *blocks.Cache, cfg Config[T, K, A], opts ...Option) (*Builder[T, K, A], error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	blockSize := int(cache.Collection().BlockSize())
	childSize := 8 + cfg.Key.EncodedSize() + cfg.Augment.EncodedSize()
	tc := treeConfig{
		maxLeaf:     (blockSize - nodeHeaderSize) / cfg.Item.EncodedSize(),
		maxInternal: (blockSize - nodeHeaderSize) / childSize,
	}
	tc.minLeaf = max(1, tc.maxLeaf/4)
	tc.minInternal = max(2, tc.maxInternal/4)
	for _, opt := range opts {
		opt(&tc)
	}

	if tc.minLeaf < 1 || tc.maxLeaf < 2*tc.minLeaf {
		return nil, fmt.Errorf("btree: leaf bounds [%d, %d] need max >= 2*min", tc.minLeaf, tc.maxLeaf)
	}
	if tc.minInternal < 2 || tc.maxInternal < 2*tc.minInternal {
		return nil, fmt.Errorf("btree: internal bounds [%d, %d] need max >= 2*min >= 4", tc.minInternal, tc.maxInternal)
	}

	st, err := newStore(cache, &cfg, tc)
	if err != nil {
		return nil, err
	}
	return &Builder[T, K, A]{store: st}, nil
}

// desiredLeafSize is the number of items cut into each steady-state leaf.
func (b *Builder[T, K, A]) desiredLeafSize() int {
	return (b.store.tc.minLeaf + b.store.tc.maxLeaf) / 2
}

// leafTippingPoint is the most items kept queued before a leaf is cut.
func (b *Builder[T, K, A]) leafTippingPoint() int {
	return b.desiredLeafSize() + b.store.tc.minLeaf
}

// desiredInternalSize is the number of children per steady-state internal
// node.
func (b *Builder[T, K, A]) desiredInternalSize() int {
	return (b.store.tc.minInternal + b.store.tc.maxInternal) / 2
}

// internalTippingPoint is the most nodes queued per level before one
// internal node is emitted above them.
func (b *Builder[T, K, A]) internalTippingPoint() int {
	return b.desiredInternalSize() + b.store.tc.minInternal
}

// Push appends a value. Values must arrive in non-decreasing key order.
func (b *Builder[T, K, A]) Push(v T) error {
	if b.used {
		return tpieerrors.ErrBuilderUsed
	}
	key := b.store.cfg.KeyOf(v)
	if b.hasLast && b.store.cfg.Less(key, b.lastKey) {
		return tpieerrors.ErrUnsortedInput
	}
	b.lastKey = key
	b.hasLast = true

	b.items.PushBack(v)
	b.size++
	if b.items.Len() < b.leafTippingPoint() {
		return nil
	}
	return b.extractNodes()
}

// extractNodes cuts one leaf, then cascades: any level holding at least
// its tipping point of pending nodes emits one node into the level above.
func (b *Builder[T, K, A]) extractNodes() error {
	if err := b.constructLeaf(b.desiredLeafSize()); err != nil {
		return err
	}

	if b.leaves.Len() < b.internalTippingPoint() {
		return nil
	}
	if err := b.constructInternalFromLeaves(b.desiredInternalSize()); err != nil {
		return err
	}

	for i := 0; i < len(b.internals); i++ {
		// A level below the tipping point stops the cascade; higher levels
		// cannot be ready either.
		if b.internals[i].Len() < b.internalTippingPoint() {
			return nil
		}
		if err := b.constructInternalFromInternal(b.desiredInternalSize(), i); err != nil {
			return err
		}
	}
	return nil
}

// constructLeaf emits a leaf of size items from the front of the queue.
func (b *Builder[T, K, A]) constructLeaf(size int) error {
	items := make([]T, size)
	for i := range items {
		items[i] = b.items.PopFront()
	}
	h, err := b.store.writeLeaf(items)
	if err != nil {
		return err
	}
	b.leaves.PushBack(summary[K, A]{
		handle:  h,
		minKey:  b.store.cfg.KeyOf(items[0]),
		augment: b.store.cfg.Augmenter.AugmentLeaf(items),
	})
	return nil
}

// constructInternalFromLeaves emits an internal node over size leaves.
func (b *Builder[T, K, A]) constructInternalFromLeaves(size int) error {
	children := make([]Child[K, A], size)
	for i := range children {
		child := b.leaves.PopFront()
		children[i] = Child[K, A]{Handle: child.handle, MinKey: child.minKey, Augment: child.augment}
	}
	h, err := b.store.writeInternal(children)
	if err != nil {
		return err
	}
	if len(b.internals) < 1 {
		b.internals = append(b.internals, &deque.Deque[summary[K, A]]{})
	}
	b.internals[0].PushBack(summary[K, A]{
		handle:  h,
		minKey:  children[0].MinKey,
		augment: b.store.cfg.Augmenter.AugmentInternal(children),
	})
	return nil
}

// constructInternalFromInternal emits a node at level+1 over size nodes of
// the given level.
func (b *Builder[T, K, A]) constructInternalFromInternal(size, level int) error {
	children := make([]Child[K, A], size)
	for i := range children {
		child := b.internals[level].PopFront()
		children[i] = Child[K, A]{Handle: child.handle, MinKey: child.minKey, Augment: child.augment}
	}
	h, err := b.store.writeInternal(children)
	if err != nil {
		return err
	}
	if len(b.internals) < level+2 {
		b.internals = append(b.internals, &deque.Deque[summary[K, A]]{})
	}
	b.internals[level+1].PushBack(summary[K, A]{
		handle:  h,
		minKey:  children[0].MinKey,
		augment: b.store.cfg.Augmenter.AugmentInternal(children),
	})
	return nil
}

// Build flushes residual items and nodes and returns the finished tree.
// The builder cannot be used again.
func (b *Builder[T, K, A]) Build() (*Tree[T, K, A], error) {
	if b.used {
		return nil, tpieerrors.ErrBuilderUsed
	}
	b.used = true

	// Flush residual items into one or two leaves. Splitting first keeps
	// both leaves within [minLeaf, maxLeaf].
	if b.items.Len() > 0 {
		if b.items.Len() > b.store.tc.maxLeaf {
			if err := b.constructLeaf(b.items.Len() / 2); err != nil {
				return nil, err
			}
		}
		if err := b.constructLeaf(b.items.Len()); err != nil {
			return nil, err
		}
	}

	// With internal nodes present every remaining leaf must be attached;
	// otherwise a lone leaf becomes the root as-is.
	if (len(b.internals) == 0 && b.leaves.Len() > 1) || (len(b.internals) > 0 && b.leaves.Len() > 0) {
		if b.leaves.Len() > b.store.tc.maxInternal {
			if err := b.constructInternalFromLeaves(b.leaves.Len() / 2); err != nil {
				return nil, err
			}
		}
		if err := b.constructInternalFromLeaves(b.leaves.Len()); err != nil {
			return nil, err
		}
	}

	for i := 0; i < len(b.internals); i++ {
		if (len(b.internals) == i+1 && b.internals[i].Len() > 1) ||
			(len(b.internals) > i+1 && b.internals[i].Len() > 0) {
			if b.internals[i].Len() > b.store.tc.maxInternal {
				if err := b.constructInternalFromInternal(b.internals[i].Len()/2, i); err != nil {
					return nil, err
				}
			}
			if err := b.constructInternalFromInternal(b.internals[i].Len(), i); err != nil {
				return nil, err
			}
		}
	}

	t := &Tree[T, K, A]{store: b.store, size: b.size}
	switch {
	case len(b.internals) == 0 && b.leaves.Len() == 0:
		// no items were pushed; height 0, no root
	case b.leaves.Len() == 1:
		t.height = 1
		root := b.leaves.PopFront()
		t.root = root.handle
		t.rootMinKey = root.minKey
		t.rootAugment = root.augment
		t.hasRoot = true
	default:
		t.height = len(b.internals) + 1
		root := b.internals[len(b.internals)-1].PopFront()
		t.root = root.handle
		t.rootMinKey = root.minKey
		t.rootAugment = root.augment
		t.hasRoot = true
	}
	return t, nil
}
