// Package engine defines the narrow surface the core drives the external
// transformer through (spec.md §4.4, §6). The forward pass and its GPU
// kernels are out of scope (spec.md §1) — this package only pins down the
// contract: encode/decode, prefill, decode_step, and sample.
//
// Unlike the teacher's sim/kv and sim/latency, a backend here cannot be
// registered behind a package-level constructor var: every implementation
// needs a *pager.Pager at construction time to track Sequence.NumTokens as
// prefill/decode progress, so callers always construct a concrete backend
// directly (engine/reference.New) and hand the resulting Engine to
// scheduler/worker as this interface.
package engine

import (
	"context"

	"github.com/paged-llm/paged-llm/request"
)

// Logits is a full-precision score per vocabulary position, as produced by
// one forward pass at one sequence position. Sampling operates on full
// precision (spec.md §4.4 Numeric contract).
type Logits []float64

// Engine wraps one external transformer instance.
type Engine interface {
	// Encode delegates to the external tokenizer.
	Encode(text string) ([]int, error)
	// Decode delegates to the external tokenizer.
	Decode(tokenIDs []int) (string, error)

	// Prefill runs the model over the entire prompt with start_position=0,
	// writes KV into blocks addressed via the Pager, and returns logits for
	// the last prompt position. Implementations update Sequence.NumTokens
	// to len(promptTokenIDs) as part of this call.
	Prefill(ctx context.Context, promptTokenIDs []int, seqID request.SequenceID) (Logits, error)

	// DecodeStep runs one token forward pass with
	// start_position=Sequence.NumTokens, appending KV to the sequence's
	// last block (growing by one block first if needed), and increments
	// NumTokens.
	DecodeStep(ctx context.Context, tokenID int, seqID request.SequenceID) (Logits, error)

	// Sample applies repetition penalty, temperature scaling, top-k
	// truncation, and top-p nucleus truncation, in that order, then draws
	// (or, at temperature 0, selects the argmax of) a token.
	Sample(logits Logits, priorTokenIDs []int, params request.SamplingParams) (int, error)

	// EOSTokenID returns the model's end-of-sequence token id.
	EOSTokenID() int

	// Truncate resets a sequence's populated-token count to numTokens,
	// discarding any KV written past that boundary without freeing blocks.
	// Used by the speculative decoder (engine/../speculative) to roll back
	// a draft model's look-ahead past the accepted prefix once verification
	// rejects a proposed token (spec.md §4.6 step 3).
	Truncate(ctx context.Context, seqID request.SequenceID, numTokens int) error
}
