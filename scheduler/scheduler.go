// Package scheduler holds requests, admits them, packs batches under
// token/batch-size/cache budgets, and preempts under memory pressure
// (spec.md §4.3, the hardest component of the core).
//
// Grounded on the teacher's continuous-batching step: sim/batch_formation.go
// (VLLMBatchFormation.FormBatch/preemptForTokens — FCFS drain-decode then
// continue-prefill then admit-new, tail-eviction preemption) and
// sim/simulator.go's Step() orchestration, generalized from the teacher's
// single-threaded discrete-event loop to a goroutine-safe component a
// frontend thread and a worker thread call concurrently (spec.md §5), in
// the style of the real sync.Mutex-guarded ContinuousBatcher in
// other_examples' continuous_batching.go.
package scheduler

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/paged-llm/paged-llm/config"
	"github.com/paged-llm/paged-llm/metrics"
	"github.com/paged-llm/paged-llm/pager"
	"github.com/paged-llm/paged-llm/request"
)

// Scheduler is the single writer of Pager sequences (spec.md §5). All four
// request collections and the sequence-id counter are guarded by mu.
type Scheduler struct {
	mu  sync.Mutex
	cfg config.SchedulerConfig

	pager *pager.Pager

	waitingQueue []*request.Request
	paused       []*request.Request // checked ahead of waitingQueue on admission (spec.md §4.3.4 "re-enqueued at the front")
	prefilling   []*request.Request // chunked-prefill requests still accumulating budget
	decoding     []*request.Request

	allRequests map[string]*request.Request

	prefillReserved map[string]int // request id -> prompt tokens already budget-charged, while in prefilling

	nextSeqID request.SequenceID

	shuttingDown bool

	rec metrics.Recorder

	completed uint64
	cancelled uint64
	failed    uint64
	preempted uint64
	generated uint64
}

// New constructs a Scheduler backed by p, whose block size and total block
// count must already match cfg.KVBlockSize/TotalKVBlocks.
func New(cfg config.SchedulerConfig, p *pager.Pager) *Scheduler {
	return &Scheduler{
		cfg:             cfg,
		pager:           p,
		allRequests:     make(map[string]*request.Request),
		prefillReserved: make(map[string]int),
	}
}

// SubmitRequest enqueues req (spec.md §4.3.2). Rejects a request whose ID
// was ever seen (including finished/cancelled ones, so an ID is never
// silently reused) or arrives after Shutdown.
func (s *Scheduler) SubmitRequest(req *request.Request) error {
	if err := req.Params.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.shuttingDown {
		return request.NewSchedError(request.ErrShuttingDown, "scheduler is shutting down")
	}
	if _, exists := s.allRequests[req.ID]; exists {
		return request.NewSchedError(request.ErrDuplicateID, req.ID)
	}
	s.allRequests[req.ID] = req
	s.waitingQueue = append(s.waitingQueue, req)
	return nil
}

// CancelRequest marks req CANCELLED, frees its blocks, and removes it from
// every queue. Idempotent (spec.md §4.3.2, §8 Cancellation).
func (s *Scheduler) CancelRequest(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.allRequests[id]
	if !ok || req.State().Finished() {
		return false
	}

	s.releaseSequenceLocked(req)
	s.waitingQueue = removeByID(s.waitingQueue, id)
	s.paused = removeByID(s.paused, id)
	s.prefilling = removeByID(s.prefilling, id)
	delete(s.prefillReserved, id)
	s.decoding = removeByID(s.decoding, id)

	req.Finish(request.StateCancelled, request.FinishCancelled, "")
	s.cancelled++
	return true
}

// GetRequest returns a snapshot of req, for the frontend's get_request.
func (s *Scheduler) GetRequest(id string) (request.Snapshot, bool) {
	s.mu.Lock()
	req, ok := s.allRequests[id]
	s.mu.Unlock()
	if !ok {
		return request.Snapshot{}, false
	}
	return req.Snapshot(), true
}

// Stats returns the current SchedulerStats (spec.md §6).
func (s *Scheduler) Stats() metrics.SchedulerStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	total := s.cfg.TotalKVBlocks
	free := s.pager.NumFreeBlocksHint()
	util := 0.0
	if total > 0 {
		util = float64(total-free) / float64(total)
	}
	ttftP50, ttftP99, tpotP50, tpotP99 := s.rec.Percentiles()
	return metrics.SchedulerStats{
		WaitingCount:    len(s.waitingQueue) + len(s.paused),
		PrefillingCount: len(s.prefilling),
		DecodingCount:   len(s.decoding),
		PausedCount:     len(s.paused),
		TotalKVBlocks:   total,
		FreeKVBlocks:    free,
		KVUtilization:   util,
		CompletedCount:  s.completed,
		CancelledCount:  s.cancelled,
		FailedCount:     s.failed,
		PreemptedCount:  s.preempted,
		TokensGenerated: s.generated,
		TTFTP50:         ttftP50,
		TTFTP99:         ttftP99,
		TPOTP50:         tpotP50,
		TPOTP99:         tpotP99,
	}
}

// Shutdown cancels every unfinished request, releasing all blocks, and
// rejects further submissions (spec.md §4.3.6).
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.shuttingDown = true
	all := append(append(append(s.waitingQueue[:len(s.waitingQueue):len(s.waitingQueue)], s.paused...), s.prefilling...), s.decoding...)
	for _, req := range all {
		s.releaseSequenceLocked(req)
		req.Finish(request.StateCancelled, request.FinishCancelled, "")
		s.cancelled++
	}
	s.waitingQueue = nil
	s.paused = nil
	s.prefilling = nil
	s.prefillReserved = make(map[string]int)
	s.decoding = nil
}

// NextBatch builds one Batch under the token/batch-size/prefill budgets
// (spec.md §4.3.3), in three strict-priority phases: drain decode, continue
// in-flight prefill, admit new. Returns an empty batch when nothing admits;
// the Worker sleeps ~1ms and retries.
func (s *Scheduler) NextBatch() *request.Batch {
	s.mu.Lock()
	defer s.mu.Unlock()

	batch := &request.Batch{}
	batchTokens := 0
	prefillTokens := 0
	batchSize := 0

	s.drainDecodeLocked(batch, &batchTokens, &batchSize)
	s.continuePrefillLocked(batch, &batchTokens, &prefillTokens, &batchSize)
	s.admitNewLocked(batch, &batchTokens, &prefillTokens, &batchSize)

	return batch
}

// drainDecodeLocked is phase 1 (spec.md §4.3.3 step 1).
func (s *Scheduler) drainDecodeLocked(batch *request.Batch, batchTokens, batchSize *int) {
	var remaining []*request.Request
	for i, req := range s.decoding {
		if reason, stop := req.CheckStop(); stop {
			s.finishDecodingRequestLocked(req, reason)
			continue
		}
		if *batchTokens+1 <= s.cfg.MaxBatchTokens && *batchSize < s.cfg.MaxBatchSize {
			batch.Decode = append(batch.Decode, req)
			*batchTokens++
			*batchSize++
			remaining = append(remaining, req)
			continue
		}
		// Budget exhausted: keep this request and every later one in
		// decoding untouched for the next call.
		remaining = append(remaining, s.decoding[i:]...)
		break
	}
	s.decoding = remaining
}

// finishDecodingRequestLocked completes req (stop token or max_tokens hit),
// releasing its blocks and recording timing observations. Generated-token
// throughput is already folded into s.generated step by step as each batch
// completes (CompleteBatch); nothing further to add here.
func (s *Scheduler) finishDecodingRequestLocked(req *request.Request, reason request.FinishReason) {
	s.releaseSequenceLocked(req)
	req.Finish(request.StateCompleted, reason, "")
	s.completed++
	snap := req.Snapshot()
	if !snap.Timing.FirstTokenTime.IsZero() {
		s.rec.ObserveTTFT(snap.Timing.FirstTokenTime.Sub(snap.Timing.ArrivalTime))
		if n := len(snap.GeneratedTokenIDs); n > 1 {
			s.rec.ObserveTPOT(snap.Timing.CompletionTime.Sub(snap.Timing.FirstTokenTime) / time.Duration(n-1))
		}
	}
}

// continuePrefillLocked is phase 2 (spec.md §4.3.3 step 2).
func (s *Scheduler) continuePrefillLocked(batch *request.Batch, batchTokens, prefillTokens, batchSize *int) {
	var remaining []*request.Request
	for _, req := range s.prefilling {
		if *batchSize >= s.cfg.MaxBatchSize {
			remaining = append(remaining, req)
			continue
		}
		promptTokens := len(req.PromptTokenIDs)
		reserved := s.prefillReserved[req.ID]
		remainingPrompt := promptTokens - reserved
		chunk := s.chunkSize(remainingPrompt)
		chunk = minInt(chunk, s.cfg.MaxBatchTokens-*batchTokens)
		chunk = minInt(chunk, s.cfg.MaxPrefillTokens-*prefillTokens)
		if chunk <= 0 {
			remaining = append(remaining, req)
			continue
		}
		reserved += chunk
		*batchTokens += chunk
		*prefillTokens += chunk
		s.prefillReserved[req.ID] = reserved

		if reserved >= promptTokens {
			// Fully reserved: this round's worker call runs the single-shot
			// engine prefill over the whole prompt and the request graduates
			// straight to decoding (spec.md §4.3.3 step 2).
			delete(s.prefillReserved, req.ID)
			batch.Prefill = append(batch.Prefill, req)
			s.decoding = append(s.decoding, req)
			*batchSize++
		} else {
			remaining = append(remaining, req)
		}
	}
	s.prefilling = remaining
}

// chunkSize returns how many prompt tokens may be charged this round,
// respecting max_prefill_chunk_size when chunking is enabled (spec.md §9
// Open Question: chunking is optional and gated by enable_chunked_prefill).
func (s *Scheduler) chunkSize(remaining int) int {
	if !s.cfg.EnableChunkedPrefill || s.cfg.MaxPrefillChunkSize <= 0 {
		return remaining
	}
	return minInt(remaining, s.cfg.MaxPrefillChunkSize)
}

// admitNewLocked is phase 3 (spec.md §4.3.3 step 3).
func (s *Scheduler) admitNewLocked(batch *request.Batch, batchTokens, prefillTokens, batchSize *int) {
	for *batchSize < s.cfg.MaxBatchSize {
		req := s.peekWaitingLocked()
		if req == nil {
			return
		}

		blockSize := s.pager.BlockSize()
		need := req.NeededBlocks(blockSize)
		if free := s.pager.NumFreeBlocksHint(); need > free {
			// preemptForBlocksLocked only needs to cover the deficit: blocks
			// already free count toward need without evicting anyone for them.
			if !s.cfg.EnablePreemption || !s.preemptForBlocksLocked(need-free, "", batch, batchTokens, batchSize) {
				return
			}
		}

		promptTokens := len(req.PromptTokenIDs)
		chunk := s.chunkSize(promptTokens)
		chunk = minInt(chunk, s.cfg.MaxBatchTokens-*batchTokens)
		chunk = minInt(chunk, s.cfg.MaxPrefillTokens-*prefillTokens)
		if chunk <= 0 {
			return
		}

		// need (the worst-case prompt+max_tokens bound) only gates whether
		// admission is allowed against num_free_blocks; the Pager is asked to
		// physically hold only the prompt's blocks now. Decode steps grow the
		// sequence lazily one block at a time (PrepareDecodeGrowth), which is
		// why decode-time growth can still fail and fall back to a live
		// preemption retry (spec.md §4.3.6) even though admission passed.
		seqID := s.nextSeqID
		s.nextSeqID++
		if !s.pager.CreateSequence(seqID) {
			logrus.Fatalf("scheduler: sequence id %d already in use", seqID)
		}
		if !s.pager.AllocateBlocksForSequence(seqID, promptTokens) {
			s.pager.DeleteSequence(seqID)
			return
		}

		s.popWaitingLocked(req)
		req.SetSequenceID(seqID, true)
		req.SetState(request.StatePrefilling)

		*batchTokens += chunk
		*prefillTokens += chunk
		*batchSize++

		if chunk >= promptTokens {
			batch.Prefill = append(batch.Prefill, req)
			s.decoding = append(s.decoding, req)
		} else {
			s.prefillReserved[req.ID] = chunk
			s.prefilling = append(s.prefilling, req)
		}
	}
}

// peekWaitingLocked returns the next admission candidate without removing
// it: paused requests (re-admitted at the front, spec.md §4.3.4) take
// priority over the waiting_queue, and within the waiting_queue priority
// ordering applies when enable_priority_scheduling is set.
func (s *Scheduler) peekWaitingLocked() *request.Request {
	if len(s.paused) > 0 {
		return s.paused[0]
	}
	if s.cfg.EnablePriorityScheduling {
		s.orderWaitingQueueLocked()
	}
	if len(s.waitingQueue) > 0 {
		return s.waitingQueue[0]
	}
	return nil
}

// popWaitingLocked removes the request peekWaitingLocked just returned. A
// preemption between the peek and the pop can put a victim at the head of
// paused, so the head is only taken from paused when it is req itself.
func (s *Scheduler) popWaitingLocked(req *request.Request) {
	if len(s.paused) > 0 && s.paused[0] == req {
		s.paused = s.paused[1:]
		return
	}
	s.waitingQueue = s.waitingQueue[1:]
}

// orderWaitingQueueLocked sorts the waiting_queue by priority descending,
// then arrival order preserved for ties (stable sort keeps FCFS within a
// priority band), mirroring sim/scheduler.go's PriorityFCFSScheduler.
func (s *Scheduler) orderWaitingQueueLocked() {
	stableSortByPriorityDesc(s.waitingQueue)
}

// preemptForBlocksLocked evicts decoding requests, lowest-priority (and
// among ties, most-progressed) first, until at least need blocks are freed
// or candidates are exhausted (spec.md §4.3.4). Returns false (no eviction
// performed) if it cannot free enough.
//
// A victim may already have been placed in batch.Decode by this same
// NextBatch() call's drain-decode phase (phase 1 runs before admission
// decides to preempt); scrubFromDecodeBatch removes it from there too and backs
// out its token/size budget charge, so the Worker never receives a decode
// slot for a request this same call just paused.
func (s *Scheduler) preemptForBlocksLocked(need int, excludeID string, batch *request.Batch, batchTokens, batchSize *int) bool {
	candidates := selectPreemptionCandidates(s.decoding, s.cfg.MinDecodeStepsBeforePreempt, excludeID)
	freed := 0
	victims := make(map[string]struct{}, len(candidates))
	for _, victim := range candidates {
		if freed >= need {
			break
		}
		seqID, ok := victim.SequenceID()
		if !ok {
			continue
		}
		seq, ok := s.pager.GetSequence(seqID)
		if !ok {
			continue
		}
		freed += len(seq.Blocks)
		victims[victim.ID] = struct{}{}
	}
	if freed < need {
		return false
	}

	remaining := s.decoding[:0:len(s.decoding)]
	for _, req := range s.decoding {
		if _, evicted := victims[req.ID]; !evicted {
			remaining = append(remaining, req)
			continue
		}
		s.releaseSequenceLocked(req)
		req.SetState(request.StatePaused)
		s.paused = append(s.paused, req)
		s.preempted++
		scrubFromDecodeBatch(batch, req.ID, batchTokens, batchSize)
	}
	s.decoding = remaining
	return true
}

// scrubFromDecodeBatch removes id from batch.Decode if present, reversing
// the one-token/one-slot budget charge drainDecodeLocked made for it. batch
// is nil when preemption is triggered outside NextBatch's phases (from
// PrepareDecodeGrowth), in which case there is nothing to scrub.
func scrubFromDecodeBatch(batch *request.Batch, id string, batchTokens, batchSize *int) {
	if batch == nil {
		return
	}
	for i, req := range batch.Decode {
		if req.ID == id {
			batch.Decode = append(batch.Decode[:i], batch.Decode[i+1:]...)
			*batchTokens--
			*batchSize--
			return
		}
	}
}

// PrepareDecodeGrowth is called by the Worker immediately before a decode
// step so the sequence's block list can grow past its current last block.
// On Arena exhaustion it attempts exactly one preemption and retries once;
// on continued failure the request is marked FAILED (spec.md §4.3.6).
func (s *Scheduler) PrepareDecodeGrowth(req *request.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	seqID, ok := req.SequenceID()
	if !ok {
		return request.NewSchedError(request.ErrEngine, "decode growth on request with no sequence")
	}
	seq, ok := s.pager.GetSequence(seqID)
	if !ok {
		return request.NewSchedError(request.ErrEngine, "decode growth on unknown sequence")
	}
	need := seq.NumTokens + 1

	if s.pager.AllocateBlocksForSequence(seqID, need) {
		return nil
	}
	// excludeID is req's own id: a request growing its sequence must never
	// evict itself to make room for that same growth.
	if s.cfg.EnablePreemption && s.preemptForBlocksLocked(1, req.ID, nil, nil, nil) && s.pager.AllocateBlocksForSequence(seqID, need) {
		return nil
	}

	s.failRequestLocked(req, fmt.Sprintf("no KV blocks available to grow sequence %d", seqID))
	return request.NewSchedError(request.ErrResourceExhausted, "no KV blocks available for decode growth")
}

// FailRequest marks req FAILED after an engine-local error the Worker
// caught; other requests in the same batch are unaffected (spec.md §4.3.6).
func (s *Scheduler) FailRequest(req *request.Request, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failRequestLocked(req, msg)
}

func (s *Scheduler) failRequestLocked(req *request.Request, msg string) {
	if req.State().Finished() {
		return
	}
	s.releaseSequenceLocked(req)
	s.decoding = removeByID(s.decoding, req.ID)
	s.prefilling = removeByID(s.prefilling, req.ID)
	delete(s.prefillReserved, req.ID)
	req.Finish(request.StateFailed, request.FinishError, msg)
	s.failed++
}

// CompleteRequest finishes req with reason outside the normal drain-decode
// stop check — used by the Worker when a sampled token equals the engine's
// eos_token_id, which next_batch()'s should_stop() does not itself observe
// (spec.md §4.3.3 step 1 only checks user stop_token_ids and max_tokens;
// spec.md §3 lists EOS as a distinct finish reason the Worker must apply).
func (s *Scheduler) CompleteRequest(req *request.Request, reason request.FinishReason) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if req.State().Finished() {
		return
	}
	s.decoding = removeByID(s.decoding, req.ID)
	s.finishDecodingRequestLocked(req, reason)
}

// CompleteBatch updates throughput accounting after the Worker executes a
// batch. Requests that finished prefill are already in decoding from
// admission (spec.md §4.3.5): this performs no state transitions.
func (s *Scheduler) CompleteBatch(b *request.Batch) {
	if b.Empty() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.generated += uint64(len(b.Decode))
}

// releaseSequenceLocked frees req's blocks back to the Arena via the Pager,
// if it has one, and clears its sequence assignment.
func (s *Scheduler) releaseSequenceLocked(req *request.Request) {
	if seqID, ok := req.SequenceID(); ok {
		s.pager.DeleteSequence(seqID)
		req.SetSequenceID(0, false)
	}
}

func removeByID(reqs []*request.Request, id string) []*request.Request {
	out := reqs[:0:0]
	for _, r := range reqs {
		if r.ID != id {
			out = append(out, r)
		}
	}
	return out
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
