// Package worker runs the single engine-driving loop: pull a batch, execute
// prefill then decode against the Engine, write sampled tokens back onto
// Requests, and hand the batch back to the Scheduler (spec.md §4.5).
//
// Grounded on the teacher's discrete-event Step() in sim/simulator.go for
// the prefill-then-decode ordering within one iteration, adapted to a real
// goroutine blocking on device kernel calls instead of advancing a
// simulated clock — in the idiom of the context-driven goroutine loop in
// other_examples' ContinuousBatcher.batchFormationLoop (context.Context
// lifecycle, a poll/retry loop, a WaitGroup for clean shutdown).
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/paged-llm/paged-llm/engine"
	"github.com/paged-llm/paged-llm/request"
	"github.com/paged-llm/paged-llm/scheduler"
)

// pollInterval is the sleep the Worker takes when next_batch() returns
// nothing to do (spec.md §4.5).
const pollInterval = time.Millisecond

// Worker is the single thread driving one Engine instance.
type Worker struct {
	sched *scheduler.Scheduler
	eng   engine.Engine

	wg sync.WaitGroup
}

// New constructs a Worker over sched and eng. One Worker drives exactly one
// Engine, matching the one-GPU-context-per-thread model (spec.md §5).
func New(sched *scheduler.Scheduler, eng engine.Engine) *Worker {
	return &Worker{sched: sched, eng: eng}
}

// Run drives the loop until ctx is cancelled, then returns after the
// in-flight batch (if any) finishes. Shutdown is the caller's
// responsibility: cancelling ctx stops the loop, and the caller should then
// call Scheduler.Shutdown to cancel any requests left in the queues
// (spec.md §4.5 Shutdown).
func (w *Worker) Run(ctx context.Context) {
	w.wg.Add(1)
	defer w.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if !w.step(ctx) {
			select {
			case <-ctx.Done():
				return
			case <-time.After(pollInterval):
			}
		}
	}
}

// Wait blocks until a goroutine started with Run has returned.
func (w *Worker) Wait() { w.wg.Wait() }

// step pulls one batch and executes it, returning whether there was any
// work (so Run knows whether to sleep).
func (w *Worker) step(ctx context.Context) bool {
	batch := w.sched.NextBatch()
	if batch.Empty() {
		return false
	}

	for _, req := range batch.Prefill {
		w.runPrefill(ctx, req)
	}
	for _, req := range batch.Decode {
		w.runDecode(ctx, req)
	}

	w.sched.CompleteBatch(batch)
	return true
}

// runPrefill executes one request's prefill step and samples its first
// token. Errors are caught per-request and never propagate out of the loop
// (spec.md §4.5).
func (w *Worker) runPrefill(ctx context.Context, req *request.Request) {
	seqID, ok := req.SequenceID()
	if !ok {
		w.sched.FailRequest(req, "prefill scheduled without a sequence id")
		return
	}

	logits, err := w.eng.Prefill(ctx, req.PromptTokenIDs, seqID)
	if err != nil {
		w.sched.FailRequest(req, err.Error())
		return
	}

	w.sampleAndAppend(req, logits, req.PromptTokenIDs)
}

// runDecode grows req's sequence by one position, runs one decode step, and
// samples the next token.
func (w *Worker) runDecode(ctx context.Context, req *request.Request) {
	if req.State().Finished() {
		// Cancelled between next_batch() and here: drop the step entirely
		// (spec.md §5 cancellation semantics).
		return
	}

	seqID, ok := req.SequenceID()
	if !ok {
		w.sched.FailRequest(req, "decode scheduled without a sequence id")
		return
	}

	if err := w.sched.PrepareDecodeGrowth(req); err != nil {
		// PrepareDecodeGrowth already marks req FAILED on the
		// RESOURCE_EXHAUSTED path (FailRequest is then a no-op); this covers
		// its ENGINE_ERROR path.
		w.sched.FailRequest(req, err.Error())
		return
	}

	prior := req.GeneratedTokenIDs()
	lastToken := req.PromptTokenIDs[len(req.PromptTokenIDs)-1]
	if n := len(prior); n > 0 {
		lastToken = prior[n-1]
	}

	logits, err := w.eng.DecodeStep(ctx, lastToken, seqID)
	if err != nil {
		w.sched.FailRequest(req, err.Error())
		return
	}

	w.sampleAndAppend(req, logits, prior)
}

// sampleAndAppend samples one token from logits and either appends it to
// req (the common case) or finishes req with EOS, dropping the token if req
// was cancelled concurrently (spec.md §5: "the Worker must tolerate the
// request being CANCELLED mid-step and drop the token without error").
func (w *Worker) sampleAndAppend(req *request.Request, logits engine.Logits, prior []int) {
	tokenID, err := w.eng.Sample(logits, prior, req.Params)
	if err != nil {
		w.sched.FailRequest(req, err.Error())
		return
	}

	if req.State().Finished() {
		return
	}

	if tokenID == w.eng.EOSTokenID() {
		w.sched.CompleteRequest(req, request.FinishEOS)
		return
	}

	req.AddGeneratedToken(tokenID)
}
