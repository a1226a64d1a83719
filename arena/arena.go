// Package arena owns the process-wide pool of fixed-size KV cache blocks in
// device memory and hands out physical block indices via a free-list
// allocator. Grounded on the free-list discipline in the teacher's
// sim/kvcache.go (KVCacheState's FreeHead/FreeTail doubly-linked list), with
// the prefix-hash/refcount machinery stripped out: that reuse-across-requests
// behavior belongs one layer up if at all, and is out of scope for this
// spec's narrower Arena contract (spec.md §4.1 — "the Arena does not know
// which sequence owns a block").
package arena

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// BlockIndex identifies one physical block within an Arena.
type BlockIndex int

// Geometry describes the fixed shape of every block the Arena owns:
// [num_layers, 2, num_kv_heads, block_size_tokens, head_dim] (spec.md §3).
type Geometry struct {
	NumLayers       int
	NumKVHeads      int
	HeadDim         int
	BlockSizeTokens int
	BytesPerElement int
}

// Config bundles the parameters needed to construct an Arena.
type Config struct {
	NumBlocks int
	Geometry  Geometry
}

// Stats reports Arena-wide occupancy (spec.md §4.1 stats()).
type Stats struct {
	TotalBlocks int
	FreeBlocks  int
	BytesUsed   int64
}

// block is an internal free-list node. The Arena does not track block
// contents or ownership — those live in the Pager's Sequence records; a
// block here is just an index with free-list linkage.
type block struct {
	index BlockIndex
	inUse bool
	prev  *block
	next  *block
}

// Arena is the process-wide owner of all KV cache blocks. It must be passed
// explicitly as a dependency (spec.md §9) rather than accessed through a
// singleton, so that a process hosting two engines (draft + target for
// speculative decoding) can hold two disjoint Arenas.
type Arena struct {
	mu sync.Mutex

	geometry  Geometry
	numBlocks int
	blocks    []*block
	freeHead  *block
	freeTail  *block
	freeCount int

	bytesPerBlock int64
}

// New allocates a conceptual region sized
// num_blocks * layers * 2 * kv_heads * block_size_tokens * head_dim * bytes_per_element
// and initializes every block index onto the free-list (spec.md §4.1).
//
// This package does not itself reserve device memory — that is the engine
// adapter's concern (spec.md §1, out of scope: "the transformer forward pass
// and its GPU kernels") — but it tracks the byte accounting those kernels
// would need, matching the spec's stats() contract.
func New(cfg Config) *Arena {
	g := cfg.Geometry
	bytesPerBlock := int64(g.NumLayers) * 2 * int64(g.NumKVHeads) * int64(g.BlockSizeTokens) * int64(g.HeadDim) * int64(g.BytesPerElement)

	a := &Arena{
		geometry:      g,
		numBlocks:     cfg.NumBlocks,
		blocks:        make([]*block, cfg.NumBlocks),
		bytesPerBlock: bytesPerBlock,
	}
	for i := 0; i < cfg.NumBlocks; i++ {
		b := &block{index: BlockIndex(i)}
		a.blocks[i] = b
		a.appendToFreeList(b)
	}
	return a
}

func (a *Arena) appendToFreeList(b *block) {
	b.next = nil
	if a.freeTail != nil {
		a.freeTail.next = b
		b.prev = a.freeTail
		a.freeTail = b
	} else {
		a.freeHead = b
		a.freeTail = b
		b.prev = nil
	}
	a.freeCount++
}

func (a *Arena) removeFromFreeList(b *block) {
	if b.prev != nil {
		b.prev.next = b.next
	} else {
		a.freeHead = b.next
	}
	if b.next != nil {
		b.next.prev = b.prev
	} else {
		a.freeTail = b.prev
	}
	b.next = nil
	b.prev = nil
	a.freeCount--
}

// Allocate pops one index off the free-list. Returns ok=false if the Arena
// is exhausted. O(1).
func (a *Arena) Allocate() (idx BlockIndex, ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	head := a.freeHead
	if head == nil {
		return 0, false
	}
	a.removeFromFreeList(head)
	head.inUse = true
	return head.index, true
}

// Free returns a block index to the free-list. A double-free is a
// programmer error, not a recoverable condition (spec.md §4.1): it
// terminates the process after logging, same policy as the Pager/Arena
// invariant violations in spec.md §7.
func (a *Arena) Free(idx BlockIndex) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if int(idx) < 0 || int(idx) >= a.numBlocks {
		logrus.Fatalf("arena: Free called with out-of-range block index %d (total=%d)", idx, a.numBlocks)
	}
	b := a.blocks[idx]
	if !b.inUse {
		logrus.Fatalf("arena: double-free of block index %d", idx)
	}
	b.inUse = false
	a.appendToFreeList(b)
}

// Stats reports current occupancy.
func (a *Arena) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	used := a.numBlocks - a.freeCount
	return Stats{
		TotalBlocks: a.numBlocks,
		FreeBlocks:  a.freeCount,
		BytesUsed:   int64(used) * a.bytesPerBlock,
	}
}

// TotalBlocks returns the Arena's fixed capacity.
func (a *Arena) TotalBlocks() int { return a.numBlocks }

// BlockSizeTokens returns the number of token positions stored per block.
func (a *Arena) BlockSizeTokens() int { return a.geometry.BlockSizeTokens }

// String renders a short human-readable summary, useful in logs.
func (a *Arena) String() string {
	s := a.Stats()
	return fmt.Sprintf("arena(total=%d free=%d bytes_used=%d)", s.TotalBlocks, s.FreeBlocks, s.BytesUsed)
}
