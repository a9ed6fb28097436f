// Package btree provides a bottom-up, streaming bulk builder for
// augmented B-trees stored in a block collection cache. The builder
// consumes values in sorted order and emits fully-formed nodes exactly
// once, with no random I/O: leaves are cut from a bounded item queue, and
// each level's nodes cascade into the level above as soon as enough have
// accumulated.
package btree

import (
	"fmt"

	"github.com/pombredanne/tpie/blocks"
	"github.com/pombredanne/tpie/stream"
)

// Child is what an internal node records per child: the child's block
// handle, the minimum key of its subtree (for routing), and its augment.
type Child[K, A any] struct {
	Handle  blocks.Handle
	MinKey  K
	Augment A
}

// Augmenter computes the application-defined summary attached to every
// node. Augments are pure functions of the node's direct children: items
// for a leaf, (handle, min-key, augment) triples for an internal node.
type Augmenter[T, K, A any] interface {
	AugmentLeaf(items []T) A
	AugmentInternal(children []Child[K, A]) A
}

// Config binds the item, key and augment types of one tree.
type Config[T, K, A any] struct {
	Item    stream.Codec[T]
	Key     stream.Codec[K]
	Augment stream.Codec[A]

	// KeyOf extracts the routing key of an item.
	KeyOf func(T) K

	// Less is the strict weak ordering on keys.
	Less func(a, b K) bool

	// Augmenter summarizes subtrees. Use NopAugmenter for plain trees.
	Augmenter Augmenter[T, K, A]
}

func (c *Config[T, K, A]) validate() error {
	if c.Item == nil || c.Key == nil || c.Augment == nil {
		return fmt.Errorf("btree: config is missing a codec")
	}
	if c.KeyOf == nil || c.Less == nil || c.Augmenter == nil {
		return fmt.Errorf("btree: config is missing KeyOf, Less or Augmenter")
	}
	return nil
}

// nopAugmenter is the trivial augmenter for trees without summaries.
type nopAugmenter[T, K any] struct{}

func (nopAugmenter[T, K]) AugmentLeaf([]T) struct{} { return struct{}{} }

func (nopAugmenter[T, K]) AugmentInternal([]Child[K, struct{}]) struct{} { return struct{}{} }

// NopAugmenter returns an augmenter that attaches no information.
// Pair it with stream.UnitCodec for the augment codec.
func NopAugmenter[T, K any]() Augmenter[T, K, struct{}] {
	return nopAugmenter[T, K]{}
}

// Option configures node fan-out bounds.
type Option func(*treeConfig)

type treeConfig struct {
	minLeaf, maxLeaf         int
	minInternal, maxInternal int
}

// WithLeafSize bounds the number of items per leaf. max must be at least
// 2*min so residual flushing can always split into two legal leaves.
func WithLeafSize(minSize, maxSize int) Option {
	return func(c *treeConfig) {
		c.minLeaf = minSize
		c.maxLeaf = maxSize
	}
}

// WithInternalSize bounds the number of children per internal node.
// max must be at least 2*min.
func WithInternalSize(minSize, maxSize int) Option {
	return func(c *treeConfig) {
		c.minInternal = minSize
		c.maxInternal = maxSize
	}
}
