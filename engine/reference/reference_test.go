package reference

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paged-llm/paged-llm/arena"
	"github.com/paged-llm/paged-llm/engine"
	"github.com/paged-llm/paged-llm/pager"
	"github.com/paged-llm/paged-llm/request"
)

// argmaxOf returns the index of the largest logit, mirroring the argmax tie
// rule the engine package's Sample uses (lowest index wins).
func argmaxOf(logits engine.Logits) int {
	best := 0
	for i := 1; i < len(logits); i++ {
		if logits[i] > logits[best] {
			best = i
		}
	}
	return best
}

func newTestEngine(t *testing.T, numBlocks, blockSize int) (*Engine, *pager.Pager) {
	t.Helper()
	a := arena.New(arena.Config{
		NumBlocks: numBlocks,
		Geometry:  arena.Geometry{NumLayers: 1, NumKVHeads: 1, HeadDim: 1, BlockSizeTokens: blockSize, BytesPerElement: 2},
	})
	p := pager.New(a)
	return New(p, 999, 0), p
}

// GIVEN any byte string, WHEN Encode then Decode run, THEN the original
// string round-trips exactly (spec.md §8).
func TestEncodeDecode_RoundTrips(t *testing.T) {
	eng, _ := newTestEngine(t, 4, 4)
	text := "hello, world!"
	ids, err := eng.Encode(text)
	require.NoError(t, err)
	got, err := eng.Decode(ids)
	require.NoError(t, err)
	assert.Equal(t, text, got)
}

// GIVEN a token id outside byte range, WHEN Decode runs, THEN it returns a
// TOKENIZER_ERROR rather than panicking or silently truncating.
func TestDecode_RejectsOutOfRangeTokenID(t *testing.T) {
	eng, _ := newTestEngine(t, 4, 4)
	_, err := eng.Decode([]int{256})
	require.Error(t, err)
	assert.Equal(t, request.ErrTokenizer, err.(*request.SchedError).Kind)
}

// GIVEN a fresh sequence, WHEN Prefill runs, THEN logits argmax is
// last_token+1 and the sequence's NumTokens matches the prompt length
// (spec.md §8 scenario 1's reference model).
func TestPrefill_ArgmaxIsLastTokenPlusOne(t *testing.T) {
	eng, p := newTestEngine(t, 4, 4)
	seqID := request.SequenceID(1)
	require.True(t, p.CreateSequence(seqID))
	require.True(t, p.AllocateBlocksForSequence(seqID, 3))

	logits, err := eng.Prefill(context.Background(), []int{10, 20, 30}, seqID)
	require.NoError(t, err)
	assert.Equal(t, 31, argmaxOf(logits))

	seq, ok := p.GetSequence(seqID)
	require.True(t, ok)
	assert.Equal(t, 3, seq.NumTokens)
}

// GIVEN an empty prompt, WHEN Prefill runs, THEN it returns an engine error
// instead of indexing into an empty slice.
func TestPrefill_RejectsEmptyPrompt(t *testing.T) {
	eng, p := newTestEngine(t, 4, 4)
	seqID := request.SequenceID(1)
	require.True(t, p.CreateSequence(seqID))

	_, err := eng.Prefill(context.Background(), nil, seqID)
	require.Error(t, err)
}

// GIVEN a sequence whose last block is full, WHEN DecodeStep runs, THEN the
// Pager grows the block list by one and NumTokens advances by one.
func TestDecodeStep_GrowsBlockListWhenLastBlockFull(t *testing.T) {
	eng, p := newTestEngine(t, 4, 2) // block size 2
	seqID := request.SequenceID(1)
	require.True(t, p.CreateSequence(seqID))
	_, err := eng.Prefill(context.Background(), []int{1, 2}, seqID) // exactly fills one block
	require.NoError(t, err)

	seq, _ := p.GetSequence(seqID)
	require.Len(t, seq.Blocks, 1)

	logits, err := eng.DecodeStep(context.Background(), 2, seqID)
	require.NoError(t, err)
	assert.Equal(t, 3, argmaxOf(logits))

	seq, _ = p.GetSequence(seqID)
	assert.Equal(t, 3, seq.NumTokens)
	assert.Len(t, seq.Blocks, 2)
}

// GIVEN an Arena with no free blocks left, WHEN DecodeStep needs to grow,
// THEN it returns RESOURCE_EXHAUSTED rather than corrupting the sequence.
func TestDecodeStep_FailsWhenArenaExhausted(t *testing.T) {
	eng, p := newTestEngine(t, 1, 2)
	seqID := request.SequenceID(1)
	require.True(t, p.CreateSequence(seqID))
	_, err := eng.Prefill(context.Background(), []int{1, 2}, seqID)
	require.NoError(t, err)

	_, err = eng.DecodeStep(context.Background(), 2, seqID)
	require.Error(t, err)
	assert.Equal(t, request.ErrResourceExhausted, err.(*request.SchedError).Kind)
}

// GIVEN a sequence advanced past a prefix, WHEN Truncate rewinds it, THEN
// NumTokens reflects the rollback and a subsequent DecodeStep overwrites in
// place rather than growing further (spec.md §4.6 step 3).
func TestTruncate_RewindsNumTokens(t *testing.T) {
	eng, p := newTestEngine(t, 4, 4)
	seqID := request.SequenceID(1)
	require.True(t, p.CreateSequence(seqID))
	_, err := eng.Prefill(context.Background(), []int{1, 2, 3}, seqID)
	require.NoError(t, err)
	_, err = eng.DecodeStep(context.Background(), 3, seqID)
	require.NoError(t, err)

	seq, _ := p.GetSequence(seqID)
	require.Equal(t, 4, seq.NumTokens)
	blocksBefore := len(seq.Blocks)

	require.NoError(t, eng.Truncate(context.Background(), seqID, 3))
	seq, _ = p.GetSequence(seqID)
	assert.Equal(t, 3, seq.NumTokens)
	assert.Len(t, seq.Blocks, blocksBefore)
}

// GIVEN an unknown sequence id, WHEN Truncate is called, THEN it returns an
// engine error rather than silently no-oping.
func TestTruncate_RejectsUnknownSequence(t *testing.T) {
	eng, _ := newTestEngine(t, 4, 4)
	err := eng.Truncate(context.Background(), request.SequenceID(42), 0)
	require.Error(t, err)
	assert.Equal(t, request.ErrEngine, err.(*request.SchedError).Kind)
}
