package btree

import (
	"github.com/pombredanne/tpie/blocks"
	tpieerrors "github.com/pombredanne/tpie/errors"
)

// Tree is a finished, immutable B-tree. Its nodes live in the block
// collection cache the builder wrote them to and outlive the builder.
type Tree[T, K, A any] struct {
	store *store[T, K, A]

	root        blocks.Handle
	rootMinKey  K
	rootAugment A
	hasRoot     bool
	height      int
	size        int64
}

// Height returns the tree height: 0 for an empty tree, 1 for a lone leaf.
func (t *Tree[T, K, A]) Height() int { return t.height }

// Size returns the number of items in the tree.
func (t *Tree[T, K, A]) Size() int64 { return t.size }

// Empty reports whether the tree has no root.
func (t *Tree[T, K, A]) Empty() bool { return !t.hasRoot }

// Root returns the root handle; ok is false for an empty tree.
func (t *Tree[T, K, A]) Root() (h blocks.Handle, ok bool) {
	return t.root, t.hasRoot
}

// RootAugment returns the augment of the root subtree, i.e. of the whole
// tree. Returns ErrTreeEmpty for an empty tree.
func (t *Tree[T, K, A]) RootAugment() (A, error) {
	var zero A
	if !t.hasRoot {
		return zero, tpieerrors.ErrTreeEmpty
	}
	return t.rootAugment, nil
}

// MinKey returns the smallest key in the tree.
// Returns ErrTreeEmpty for an empty tree.
func (t *Tree[T, K, A]) MinKey() (K, error) {
	var zero K
	if !t.hasRoot {
		return zero, tpieerrors.ErrTreeEmpty
	}
	return t.rootMinKey, nil
}

// Each calls fn on every item in key order. Traversal stops at the first
// error, which is returned.
func (t *Tree[T, K, A]) Each(fn func(T) error) error {
	if !t.hasRoot {
		return nil
	}
	return t.each(t.root, fn)
}

func (t *Tree[T, K, A]) each(h blocks.Handle, fn func(T) error) error {
	leaf, err := t.store.isLeaf(h)
	if err != nil {
		return err
	}
	if leaf {
		items, err := t.store.readLeaf(h)
		if err != nil {
			return err
		}
		for _, v := range items {
			if err := fn(v); err != nil {
				return err
			}
		}
		return nil
	}
	children, err := t.store.readInternal(h)
	if err != nil {
		return err
	}
	for _, c := range children {
		if err := t.each(c.Handle, fn); err != nil {
			return err
		}
	}
	return nil
}

// Find locates an item by key, descending by min-key routing.
// Returns found=false when no item with the key exists.
func (t *Tree[T, K, A]) Find(key K) (item T, found bool, err error) {
	var zero T
	if !t.hasRoot {
		return zero, false, nil
	}
	h := t.root
	for {
		leaf, err := t.store.isLeaf(h)
		if err != nil {
			return zero, false, err
		}
		if leaf {
			items, err := t.store.readLeaf(h)
			if err != nil {
				return zero, false, err
			}
			for _, v := range items {
				k := t.store.cfg.KeyOf(v)
				if !t.store.cfg.Less(k, key) && !t.store.cfg.Less(key, k) {
					return v, true, nil
				}
			}
			return zero, false, nil
		}
		children, err := t.store.readInternal(h)
		if err != nil {
			return zero, false, err
		}
		// Descend into the last child whose min-key is <= key.
		next := children[0].Handle
		for _, c := range children[1:] {
			if t.store.cfg.Less(key, c.MinKey) {
				break
			}
			next = c.Handle
		}
		h = next
	}
}
