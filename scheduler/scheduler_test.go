package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paged-llm/paged-llm/arena"
	"github.com/paged-llm/paged-llm/config"
	"github.com/paged-llm/paged-llm/pager"
	"github.com/paged-llm/paged-llm/request"
)

func newTestScheduler(t *testing.T, cfg config.SchedulerConfig, numBlocks, blockSize int) *Scheduler {
	t.Helper()
	a := arena.New(arena.Config{
		NumBlocks: numBlocks,
		Geometry:  arena.Geometry{NumLayers: 1, NumKVHeads: 1, HeadDim: 1, BlockSizeTokens: blockSize, BytesPerElement: 2},
	})
	return New(cfg, pager.New(a))
}

func baseConfig() config.SchedulerConfig {
	cfg := config.Default()
	cfg.TotalKVBlocks = 8
	cfg.KVBlockSize = 4
	cfg.MaxBatchTokens = 64
	cfg.MaxBatchSize = 8
	cfg.MaxPrefillTokens = 64
	return cfg
}

func newReq(id string, promptLen, maxTokens, priority int) *request.Request {
	prompt := make([]int, promptLen)
	for i := range prompt {
		prompt[i] = i + 1
	}
	params := request.SamplingParams{Temperature: 0, TopP: 1, MaxTokens: maxTokens, StopTokenIDs: map[int]struct{}{}}
	return request.New(id, prompt, params, priority, nil)
}

// GIVEN a request id that has already been submitted, WHEN submitted again,
// THEN it is rejected with DUPLICATE_ID, and once Shutdown has run, new
// submissions are rejected with SHUTTING_DOWN (spec.md §4.3.2).
func TestSubmitRequest_RejectsDuplicateIDAndPostShutdown(t *testing.T) {
	s := newTestScheduler(t, baseConfig(), 8, 4)

	require.NoError(t, s.SubmitRequest(newReq("a", 4, 4, 0)))
	err := s.SubmitRequest(newReq("a", 4, 4, 0))
	require.Error(t, err)
	assert.Equal(t, request.ErrDuplicateID, err.(*request.SchedError).Kind)

	s.Shutdown()
	err = s.SubmitRequest(newReq("b", 4, 4, 0))
	require.Error(t, err)
	assert.Equal(t, request.ErrShuttingDown, err.(*request.SchedError).Kind)
}

// GIVEN one small request whose prompt fits in a single chunk, WHEN
// NextBatch is called, THEN it is admitted straight into batch.Prefill and
// moved to decoding in the same call (spec.md §4.3.3 step 3).
func TestNextBatch_AdmitsSmallPromptDirectlyToPrefill(t *testing.T) {
	s := newTestScheduler(t, baseConfig(), 8, 4)
	req := newReq("a", 4, 4, 0)
	require.NoError(t, s.SubmitRequest(req))

	batch := s.NextBatch()
	require.Len(t, batch.Prefill, 1)
	assert.Equal(t, "a", batch.Prefill[0].ID)
	assert.Equal(t, request.StatePrefilling, req.State())
	assert.Len(t, s.decoding, 1)
}

// GIVEN chunked prefill enabled with a chunk size smaller than the prompt,
// WHEN NextBatch is called repeatedly, THEN the request accumulates budget
// across calls and only enters batch.Prefill (and decoding) once its full
// prompt has been reserved (spec.md §4.3.3 step 2, §4.4 chunked prefill).
func TestNextBatch_ChunkedPrefillAccumulatesAcrossCalls(t *testing.T) {
	cfg := baseConfig()
	cfg.EnableChunkedPrefill = true
	cfg.MaxPrefillChunkSize = 3
	s := newTestScheduler(t, cfg, 8, 4)

	req := newReq("a", 8, 4, 0)
	require.NoError(t, s.SubmitRequest(req))

	batch := s.NextBatch()
	assert.Empty(t, batch.Prefill)
	assert.Len(t, s.prefilling, 1)
	assert.Equal(t, 3, s.prefillReserved["a"])

	batch = s.NextBatch()
	assert.Empty(t, batch.Prefill)
	assert.Equal(t, 6, s.prefillReserved["a"])

	batch = s.NextBatch()
	require.Len(t, batch.Prefill, 1)
	assert.Len(t, s.decoding, 1)
	_, stillReserved := s.prefillReserved["a"]
	assert.False(t, stillReserved)
}

// GIVEN a decoding request that has already emitted its stop token, WHEN
// NextBatch drains decode, THEN it finishes with reason STOP and its
// blocks are released (spec.md §4.3.3 step 1, §8 scenario 2).
func TestDrainDecode_FinishesOnStopToken(t *testing.T) {
	s := newTestScheduler(t, baseConfig(), 8, 4)
	req := newReq("a", 4, 10, 0) // worst case 14 tokens = 4 blocks, fits the 8-block arena
	req.Params.StopTokenIDs = map[int]struct{}{6: {}}
	require.NoError(t, s.SubmitRequest(req))

	batch := s.NextBatch()
	require.Len(t, batch.Prefill, 1)
	s.CompleteBatch(batch)

	req.AddGeneratedToken(4)
	req.AddGeneratedToken(5)
	req.AddGeneratedToken(6)

	batch = s.NextBatch()
	assert.Empty(t, batch.Decode)
	assert.Equal(t, request.StateCompleted, req.State())
	snap := req.Snapshot()
	assert.Equal(t, request.FinishStop, snap.FinishReason)
	assert.Equal(t, []int{4, 5, 6}, snap.GeneratedTokenIDs)
}

// GIVEN exactly enough blocks for one request (A) and no more, WHEN a
// higher-priority request (B) arrives after A has progressed past
// min_decode_steps_before_preempt, THEN admission of B preempts A (A moves
// to paused, its blocks freed), B decodes, and A is later re-admitted and
// completes (spec.md §4.3.4, §8 scenario 4).
func TestNextBatch_PreemptsLowerPriorityForHigherPriorityAdmission(t *testing.T) {
	cfg := baseConfig()
	cfg.TotalKVBlocks = 2
	cfg.KVBlockSize = 4
	cfg.EnablePreemption = true
	cfg.MinDecodeStepsBeforePreempt = 1
	s := newTestScheduler(t, cfg, 2, 4)

	a := newReq("a", 4, 4, 0)
	require.NoError(t, s.SubmitRequest(a))
	batch := s.NextBatch()
	require.Len(t, batch.Prefill, 1)
	s.CompleteBatch(batch)
	require.Len(t, s.decoding, 1)

	// one decode step of progress: PrepareDecodeGrowth runs (as the Worker
	// calls it before every decode_step; A's one block already covers it)
	// before the token is appended, clearing min_decode_steps_before_preempt.
	require.NoError(t, s.PrepareDecodeGrowth(a))
	a.AddGeneratedToken(5)

	b := newReq("b", 4, 4, 5)
	require.NoError(t, s.SubmitRequest(b))

	batch = s.NextBatch()
	require.Len(t, batch.Prefill, 1)
	assert.Equal(t, "b", batch.Prefill[0].ID)
	assert.Equal(t, request.StatePaused, a.State())
	require.Len(t, s.paused, 1)
	assert.Equal(t, uint64(1), s.Stats().PreemptedCount)

	s.CompleteBatch(batch)
	for i := 0; i < 4; i++ {
		b.AddGeneratedToken(100 + i)
	}
	// drains B to completion (max_tokens=4), freeing its blocks, and the
	// same call's admission phase re-admits A from paused.
	batch = s.NextBatch()
	assert.Empty(t, batch.Decode)
	assert.Equal(t, request.StateCompleted, b.State())

	require.Len(t, batch.Prefill, 1)
	assert.Equal(t, "a", batch.Prefill[0].ID)
}

// GIVEN an active request, WHEN cancel_request is called twice, THEN the
// first call returns true and leaves the request CANCELLED with its blocks
// freed, and the second call returns false (spec.md §8 Cancellation).
func TestCancelRequest_IsIdempotent(t *testing.T) {
	s := newTestScheduler(t, baseConfig(), 8, 4)
	req := newReq("a", 4, 4, 0)
	require.NoError(t, s.SubmitRequest(req))
	s.NextBatch()

	assert.True(t, s.CancelRequest("a"))
	assert.Equal(t, request.StateCancelled, req.State())
	_, hasSeq := req.SequenceID()
	assert.False(t, hasSeq)
	assert.Equal(t, 8, s.pager.NumFreeBlocksHint())

	assert.False(t, s.CancelRequest("a"))
}

// GIVEN a decoding request whose next decode step needs one more block while
// every block in the Arena is held and preemption is disabled, WHEN
// PrepareDecodeGrowth runs, THEN it fails and marks the request FAILED
// (spec.md §4.3.6).
func TestPrepareDecodeGrowth_FailsRequestWhenArenaExhausted(t *testing.T) {
	cfg := baseConfig()
	cfg.TotalKVBlocks = 3
	cfg.KVBlockSize = 1
	cfg.EnablePreemption = false
	s := newTestScheduler(t, cfg, 3, 1)

	// prompt 1 + max_tokens 2 passes the 3-block admission gate, but only
	// the prompt's block is physically held.
	req := newReq("a", 1, 2, 0)
	require.NoError(t, s.SubmitRequest(req))
	batch := s.NextBatch()
	require.Len(t, batch.Prefill, 1)
	s.CompleteBatch(batch)

	// Another sequence takes the two remaining blocks, and A's prompt
	// position is populated as the engine's prefill leaves it.
	other := request.SequenceID(99)
	require.True(t, s.pager.CreateSequence(other))
	require.True(t, s.pager.AllocateBlocksForSequence(other, 2))
	seqID, _ := req.SequenceID()
	s.pager.SetNumTokens(seqID, 1)

	err := s.PrepareDecodeGrowth(req)
	require.Error(t, err)
	assert.Equal(t, request.ErrResourceExhausted, err.(*request.SchedError).Kind)
	assert.Equal(t, request.StateFailed, req.State())
}
