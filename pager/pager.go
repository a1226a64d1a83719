// Package pager maintains the sequence_id -> Sequence map bridging logical
// token positions to physical Arena blocks — the sole translation layer
// between the Scheduler/Worker and device memory (spec.md §4.2).
//
// Grounded on the block-growth and release logic in the teacher's
// sim/kvcache.go (AllocateKVBlocks growing a block list one block at a time
// and rolling back on partial failure, ReleaseKVBlocks freeing in reverse
// order), stripped of prefix-hash reuse: this spec's Pager owns sequences
// 1:1 with no cross-request block sharing, so there is no refcounting and no
// hash table.
package pager

import (
	"sync"

	"github.com/paged-llm/paged-llm/arena"
	"github.com/paged-llm/paged-llm/request"
)

// Sequence is the cache state for one active request: an ordered list of
// physical block indices and how many positions are populated (spec.md §3).
// Invariant: ceil(NumTokens / blockSize) <= len(Blocks); the last block may
// be partially filled.
type Sequence struct {
	ID        request.SequenceID
	Blocks    []arena.BlockIndex
	NumTokens int
}

// Pager is the Arena's single writer (spec.md §5): it owns the
// sequence_id -> Sequence map and is the only component that calls
// arena.Allocate/Free.
type Pager struct {
	mu        sync.Mutex
	arena     *arena.Arena
	blockSize int
	sequences map[request.SequenceID]*Sequence
}

// New constructs a Pager backed by the given Arena.
func New(a *arena.Arena) *Pager {
	return &Pager{
		arena:     a,
		blockSize: a.BlockSizeTokens(),
		sequences: make(map[request.SequenceID]*Sequence),
	}
}

// CreateSequence registers a new, empty sequence under id. Fails if id
// already exists (spec.md §4.2).
func (p *Pager) CreateSequence(id request.SequenceID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.sequences[id]; exists {
		return false
	}
	p.sequences[id] = &Sequence{ID: id}
	return true
}

// blocksNeeded returns ceil(minTokens / blockSize).
func (p *Pager) blocksNeeded(minTokens int) int {
	return (minTokens + p.blockSize - 1) / p.blockSize
}

// AllocateBlocksForSequence grows id's block list until
// ceil(minTokens / blockSize) <= len(block_list), acquiring from the Arena
// one block at a time. On partial success (Arena empties before the target
// is reached), every block acquired during this call is rolled back and the
// call returns false (spec.md §4.2) — the sequence is left exactly as it
// was found.
func (p *Pager) AllocateBlocksForSequence(id request.SequenceID, minTokens int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	seq, ok := p.sequences[id]
	if !ok {
		return false
	}

	target := p.blocksNeeded(minTokens)
	if target <= len(seq.Blocks) {
		return true
	}

	var acquired []arena.BlockIndex
	for len(seq.Blocks)+len(acquired) < target {
		idx, ok := p.arena.Allocate()
		if !ok {
			for _, a := range acquired {
				p.arena.Free(a)
			}
			return false
		}
		acquired = append(acquired, idx)
	}
	seq.Blocks = append(seq.Blocks, acquired...)
	return true
}

// GetSequence exposes the block list and num_tokens to engine kernels
// (the read path for attention). Returns ok=false for an unknown id.
func (p *Pager) GetSequence(id request.SequenceID) (Sequence, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	seq, ok := p.sequences[id]
	if !ok {
		return Sequence{}, false
	}
	blocks := make([]arena.BlockIndex, len(seq.Blocks))
	copy(blocks, seq.Blocks)
	return Sequence{ID: seq.ID, Blocks: blocks, NumTokens: seq.NumTokens}, true
}

// SetNumTokens records how many positions are populated, after prefill or
// after each decode token.
func (p *Pager) SetNumTokens(id request.SequenceID, n int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if seq, ok := p.sequences[id]; ok {
		seq.NumTokens = n
	}
}

// DeleteSequence frees every block back to the Arena (in reverse order,
// matching the teacher's ReleaseKVBlocks idiom of evicting the
// most-recently-written block first) and removes the map entry. Idempotent
// for unknown ids, to simplify cancel/complete races (spec.md §4.2).
func (p *Pager) DeleteSequence(id request.SequenceID) {
	p.mu.Lock()
	defer p.mu.Unlock()

	seq, ok := p.sequences[id]
	if !ok {
		return
	}
	for i := len(seq.Blocks) - 1; i >= 0; i-- {
		p.arena.Free(seq.Blocks[i])
	}
	delete(p.sequences, id)
}

// BlockSize returns the configured tokens-per-block.
func (p *Pager) BlockSize() int { return p.blockSize }

// NumFreeBlocksHint reports the Arena's current free-block count, for
// callers that want a cheap point-in-time read without going through
// arena.Stats() themselves.
func (p *Pager) NumFreeBlocksHint() int {
	return p.arena.Stats().FreeBlocks
}
