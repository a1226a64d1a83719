// Package speculative implements the optional speculative decoding wrapper
// described in spec.md §4.6: a small draft Engine proposes several tokens
// autoregressively, a larger target Engine verifies them in one pass per
// draft position, and a rolling acceptance rate adapts how many tokens the
// draft proposes next round. It is layered entirely on top of the engine
// package's Prefill/DecodeStep/Sample/Truncate contract — no access to the
// Pager or Arena is needed beyond what Engine already exposes.
//
// The rolling-rate tracker is grounded on the teacher's EWMA idiom in
// sim/routing_adaptive.go (AdaptiveWeightedScoring.cacheHitEMA, smoothed
// with a fixed alpha rather than a sliding window of raw samples). This
// package uses a larger alpha than that one (0.3 vs. the teacher's 0.02)
// because a request's speculative attempts number in the tens, not the
// hundreds of requests cacheHitEMA smooths over — too slow an alpha would
// never let the adaptive length move within a single request's lifetime.
package speculative

import (
	"context"
	"sync"

	"github.com/paged-llm/paged-llm/engine"
	"github.com/paged-llm/paged-llm/request"
)

// emaAlpha is the smoothing factor applied to each attempt's per-round
// acceptance rate (accepted / proposed) when folding it into the rolling
// rate that gates both adaptive length and the min_acceptance_rate cutoff.
const emaAlpha = 0.3

// Result is the outcome of one Run: the tokens verification accepted
// (possibly fewer than proposed), plus an optional bonus token sampled from
// the target's logits one position past the last accepted draft token
// (spec.md §4.6 step 4, only present when every proposed token was
// accepted).
type Result struct {
	AcceptedTokens []int
	BonusToken     int
	HasBonus       bool
	// Proposed is how many tokens the draft model proposed this round (0 on
	// a single-model fallback round).
	Proposed int
}

// Stats is a snapshot of the decoder's running counters: total attempts,
// tokens proposed, tokens accepted, bonus tokens, the current draft length
// and the rolling acceptance rate. Per-attempt speedup is not tracked.
type Stats struct {
	Attempts          uint64
	Proposed          uint64
	Accepted          uint64
	Bonus             uint64
	CurrentDraftLen   int
	RollingAcceptance float64
}

// Speculative wraps a target and draft Engine and tracks the adaptive draft
// length spec.md §4.6 describes.
type Speculative struct {
	target engine.Engine
	draft  engine.Engine

	maxDraftLen       int
	minAcceptanceRate float64

	mu          sync.Mutex
	draftLen    int
	rollingRate float64
	attempts    uint64
	proposed    uint64
	accepted    uint64
	bonus       uint64
}

// New constructs a Speculative decoder. speculationLength seeds the initial
// draft length (adaptation can shrink it down to 1); maxDraftLen caps how
// far adaptation can grow it; minAcceptanceRate disables speculation (falling back to plain
// single-model decoding) once the rolling rate drops below it.
//
// The rolling rate starts at 1.0: speculation is optimistically enabled
// from the first round, matching the teacher's cacheHitEMA which likewise
// starts warm rather than at zero (a cold EMA of 0 would wrongly disable
// speculation before a single attempt has run).
func New(target, draft engine.Engine, speculationLength, maxDraftLen int, minAcceptanceRate float64) *Speculative {
	if speculationLength < 1 {
		speculationLength = 1
	}
	if maxDraftLen < speculationLength {
		maxDraftLen = speculationLength
	}
	return &Speculative{
		target:            target,
		draft:             draft,
		maxDraftLen:       maxDraftLen,
		minAcceptanceRate: minAcceptanceRate,
		draftLen:          speculationLength,
		rollingRate:       1.0,
	}
}

// Stats returns a snapshot of the running counters.
func (s *Speculative) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Attempts:          s.attempts,
		Proposed:          s.proposed,
		Accepted:          s.accepted,
		Bonus:             s.bonus,
		CurrentDraftLen:   s.draftLen,
		RollingAcceptance: s.rollingRate,
	}
}

// Enabled reports whether the rolling acceptance rate is still at or above
// min_acceptance_rate. Below it, Run transparently falls back to a single
// target decode step (spec.md §4.6: "speculation is disabled when the
// rolling rate falls below min_acceptance_rate").
func (s *Speculative) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rollingRate >= s.minAcceptanceRate
}

// Run executes one speculative round (or, if disabled or remaining < 1,
// one plain decode step) for a request whose target sequence is targetSeqID
// and whose mirror draft sequence is draftSeqID. priorTokenIDs is the full
// token history (prompt plus everything accepted so far) both sequences'
// KV already reflects up to their own NumTokens. remaining bounds how many
// tokens may still be produced (max_tokens - already generated); the draft
// length is clipped to it, so the draft never proposes more than remaining
// tokens. A fully accepted round still adds its bonus token on top, so it
// can return remaining+1 tokens.
func (s *Speculative) Run(ctx context.Context, targetSeqID, draftSeqID request.SequenceID, priorTokenIDs []int, params request.SamplingParams, remaining int) (Result, error) {
	s.mu.Lock()
	k := s.draftLen
	enabled := s.rollingRate >= s.minAcceptanceRate
	s.mu.Unlock()

	if k > remaining {
		k = remaining
	}
	if !enabled || k < 1 {
		tok, err := s.decodeOne(ctx, s.target, targetSeqID, priorTokenIDs, params)
		if err != nil {
			return Result{}, err
		}
		return Result{AcceptedTokens: []int{tok}}, nil
	}

	draftTokens, err := s.proposeDraft(ctx, draftSeqID, priorTokenIDs, params, k)
	if err != nil {
		return Result{}, err
	}

	accepted, bonus, hasBonus, err := s.verify(ctx, targetSeqID, priorTokenIDs, draftTokens, params)
	if err != nil {
		return Result{}, err
	}

	// The draft model ran k positions ahead regardless of how many were
	// ultimately accepted; roll its KV back to the real boundary so the
	// next round's first proposal starts from the correct position.
	if err := s.draft.Truncate(ctx, draftSeqID, len(priorTokenIDs)+len(accepted)); err != nil {
		return Result{}, err
	}

	// On a mismatch the target also ran one step past the accepted boundary
	// to discover the rejection (the discarded correction token); roll that
	// back too so the target's KV matches what the caller will actually
	// treat as generated. A fully-accepted round needs no target rollback:
	// the bonus step's physical advance is exactly one more position than
	// len(accepted), which is what the caller appends as generated output.
	if !hasBonus {
		if err := s.target.Truncate(ctx, targetSeqID, len(priorTokenIDs)+len(accepted)); err != nil {
			return Result{}, err
		}
	}

	s.recordAttempt(len(draftTokens), len(accepted), hasBonus)

	return Result{AcceptedTokens: accepted, BonusToken: bonus, HasBonus: hasBonus, Proposed: len(draftTokens)}, nil
}

// proposeDraft runs the draft model k times, autoregressively, each time
// sampling under the caller's SamplingParams (spec.md §4.6 step 1).
func (s *Speculative) proposeDraft(ctx context.Context, draftSeqID request.SequenceID, priorTokenIDs []int, params request.SamplingParams, k int) ([]int, error) {
	draftContext := append([]int(nil), priorTokenIDs...)
	draftTokens := make([]int, 0, k)
	for i := 0; i < k; i++ {
		tok, err := s.decodeOne(ctx, s.draft, draftSeqID, draftContext, params)
		if err != nil {
			return nil, err
		}
		draftTokens = append(draftTokens, tok)
		draftContext = append(draftContext, tok)
	}
	return draftTokens, nil
}

// verify runs the target model one position at a time over the draft's
// proposed continuation, accepting draftTokens[i] while it equals the
// target's own greedy choice at that position. On the first mismatch,
// verification stops and keeps only the previously-accepted prefix — the
// target's own token at the mismatch position is discarded entirely, not
// counted as accepted or returned as a bonus (spec.md §4.6 step 3, §8
// scenario 5: draft [11,12,13,14], target [11,12,99,?] ⇒ accepted_tokens =
// [11,12], num_accepted = 2). If every draft token is accepted, one more
// target step samples a bonus token under the caller's real SamplingParams
// (step 4).
func (s *Speculative) verify(ctx context.Context, targetSeqID request.SequenceID, priorTokenIDs []int, draftTokens []int, params request.SamplingParams) (accepted []int, bonus int, hasBonus bool, err error) {
	greedy := params
	greedy.Temperature = 0

	verifyContext := append([]int(nil), priorTokenIDs...)
	accepted = make([]int, 0, len(draftTokens))
	for _, dt := range draftTokens {
		logits, stepErr := s.target.DecodeStep(ctx, lastToken(verifyContext), targetSeqID)
		if stepErr != nil {
			return nil, 0, false, stepErr
		}
		got, sampleErr := s.target.Sample(logits, verifyContext, greedy)
		if sampleErr != nil {
			return nil, 0, false, sampleErr
		}
		if got != dt {
			return accepted, 0, false, nil
		}
		verifyContext = append(verifyContext, got)
		accepted = append(accepted, dt)
	}

	logits, stepErr := s.target.DecodeStep(ctx, lastToken(verifyContext), targetSeqID)
	if stepErr != nil {
		return nil, 0, false, stepErr
	}
	bonus, sampleErr := s.target.Sample(logits, verifyContext, params)
	if sampleErr != nil {
		return nil, 0, false, sampleErr
	}
	return accepted, bonus, true, nil
}

func (s *Speculative) decodeOne(ctx context.Context, eng engine.Engine, seqID request.SequenceID, priorTokenIDs []int, params request.SamplingParams) (int, error) {
	logits, err := eng.DecodeStep(ctx, lastToken(priorTokenIDs), seqID)
	if err != nil {
		return 0, err
	}
	return eng.Sample(logits, priorTokenIDs, params)
}

func lastToken(tokenIDs []int) int {
	return tokenIDs[len(tokenIDs)-1]
}

// recordAttempt folds one round's acceptance rate into the rolling EMA and
// applies the adaptive length rule (spec.md §4.6: rate > 0.8 and
// length < max grows it by one; rate < 0.5 and length > 1 shrinks it by
// one).
func (s *Speculative) recordAttempt(proposed, acceptedCount int, hasBonus bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.attempts++
	s.proposed += uint64(proposed)
	s.accepted += uint64(acceptedCount)
	if hasBonus {
		s.bonus++
	}

	if proposed > 0 {
		rate := float64(acceptedCount) / float64(proposed)
		s.rollingRate = s.rollingRate*(1-emaAlpha) + rate*emaAlpha

		switch {
		case s.rollingRate > 0.8 && s.draftLen < s.maxDraftLen:
			s.draftLen++
		case s.rollingRate < 0.5 && s.draftLen > 1:
			s.draftLen--
		}
	}
}
