// Package reference supplies a small, fully deterministic Engine used by
// tests, the CLI's bench subcommand, and anywhere a real transformer
// backend is not wired in. It stands in for the out-of-scope external
// collaborator in spec.md §1 ("the transformer forward pass and its GPU
// kernels"; "tokenizer encode/decode") the same way the teacher's
// sim/kv and sim/latency packages supply the concrete implementation
// behind an interface the core package only declares.
//
// Its "model" is the one spec.md §8 scenario 1 names directly: argmax of
// the next-token distribution is always last_token+1. This makes every
// generated sequence predictable without needing real weights, which is
// exactly what the core's tests and the bench CLI need.
package reference

import (
	"context"
	"fmt"
	"math/rand"

	"github.com/paged-llm/paged-llm/engine"
	"github.com/paged-llm/paged-llm/pager"
	"github.com/paged-llm/paged-llm/request"
)

// VocabSize is the stub vocabulary's size. last_token+1 must stay in range
// for prompts/generations built by tests and the bench CLI.
const VocabSize = 1 << 16

// Engine is the reference stand-in transformer. Callers construct it
// directly with New and hand the result to scheduler/worker as an
// engine.Engine, the same way the teacher constructs sim.KVCacheState
// directly before wiring it behind the KVStore interface.
type Engine struct {
	pager      *pager.Pager
	eosTokenID int
	rng        *rand.Rand
}

// New constructs a reference Engine backed by p for KV bookkeeping.
func New(p *pager.Pager, eosTokenID int, seed int64) *Engine {
	return &Engine{
		pager:      p,
		eosTokenID: eosTokenID,
		rng:        rand.New(rand.NewSource(seed)),
	}
}

var _ engine.Engine = (*Engine)(nil)

// Encode maps each byte of text to its own token id. This makes
// Decode(Encode(s)) an exact round trip for any string (spec.md §8).
func (e *Engine) Encode(text string) ([]int, error) {
	ids := make([]int, len(text))
	for i := 0; i < len(text); i++ {
		ids[i] = int(text[i])
	}
	return ids, nil
}

// Decode is Encode's exact inverse.
func (e *Engine) Decode(tokenIDs []int) (string, error) {
	b := make([]byte, len(tokenIDs))
	for i, id := range tokenIDs {
		if id < 0 || id > 255 {
			return "", request.NewSchedError(request.ErrTokenizer, fmt.Sprintf("token id %d out of byte range", id))
		}
		b[i] = byte(id)
	}
	return string(b), nil
}

func (e *Engine) stubLogits(lastToken int) engine.Logits {
	logits := make(engine.Logits, VocabSize)
	next := (lastToken + 1) % VocabSize
	if next < 0 {
		next += VocabSize
	}
	logits[next] = 1.0
	return logits
}

// Prefill writes the prompt's KV (bookkeeping only — this stub has no real
// tensors), first growing the sequence's block list to cover the prompt if
// the caller has not already done so, and returns logits whose argmax is
// promptTokenIDs[last]+1.
func (e *Engine) Prefill(ctx context.Context, promptTokenIDs []int, seqID request.SequenceID) (engine.Logits, error) {
	if len(promptTokenIDs) == 0 {
		return nil, request.NewSchedError(request.ErrEngine, "prefill called with empty prompt")
	}
	if _, ok := e.pager.GetSequence(seqID); !ok {
		return nil, request.NewSchedError(request.ErrEngine, "prefill on unknown sequence")
	}
	if !e.pager.AllocateBlocksForSequence(seqID, len(promptTokenIDs)) {
		return nil, request.NewSchedError(request.ErrResourceExhausted, "no free KV blocks for prefill")
	}
	e.pager.SetNumTokens(seqID, len(promptTokenIDs))
	return e.stubLogits(promptTokenIDs[len(promptTokenIDs)-1]), nil
}

// DecodeStep appends KV for one token (growing the sequence's block list by
// one block first if the last block is full) and returns logits whose
// argmax is tokenID+1.
func (e *Engine) DecodeStep(ctx context.Context, tokenID int, seqID request.SequenceID) (engine.Logits, error) {
	seq, ok := e.pager.GetSequence(seqID)
	if !ok {
		return nil, request.NewSchedError(request.ErrEngine, "decode_step on unknown sequence")
	}
	nextNumTokens := seq.NumTokens + 1
	if !e.pager.AllocateBlocksForSequence(seqID, nextNumTokens) {
		return nil, request.NewSchedError(request.ErrResourceExhausted, "no free KV blocks for decode growth")
	}
	e.pager.SetNumTokens(seqID, nextNumTokens)
	return e.stubLogits(tokenID), nil
}

// Sample delegates to the shared numeric contract in engine.Sample.
func (e *Engine) Sample(logits engine.Logits, priorTokenIDs []int, params request.SamplingParams) (int, error) {
	return engine.Sample(logits, priorTokenIDs, params, e.rng), nil
}

// EOSTokenID returns the configured end-of-sequence token id.
func (e *Engine) EOSTokenID() int { return e.eosTokenID }

// Truncate rewinds seqID's populated-token count. Blocks past the new
// boundary stay allocated; the next DecodeStep overwrites them in place.
func (e *Engine) Truncate(ctx context.Context, seqID request.SequenceID, numTokens int) error {
	if _, ok := e.pager.GetSequence(seqID); !ok {
		return request.NewSchedError(request.ErrEngine, "truncate on unknown sequence")
	}
	e.pager.SetNumTokens(seqID, numTokens)
	return nil
}
