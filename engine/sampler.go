package engine

import (
	"math"
	"math/rand"
	"sort"

	"gonum.org/v1/gonum/floats"

	"github.com/paged-llm/paged-llm/request"
)

// Sample implements the numeric contract in spec.md §4.4: repetition
// penalty over prior tokens, then temperature scaling, then top-k
// truncation, then top-p nucleus truncation, then a multinomial draw
// (temperature 0 => argmax, ties broken by lower index). It is exported so
// both engine/reference and a real transformer backend can share one
// implementation, since the spec pins down this contract independent of
// which model produced the logits.
//
// rng must be non-nil for temperature > 0; it is unused (and may be nil)
// when temperature == 0, since argmax is deterministic.
func Sample(logits Logits, priorTokenIDs []int, params request.SamplingParams, rng *rand.Rand) int {
	scores := make([]float64, len(logits))
	copy(scores, logits)

	applyRepetitionPenalty(scores, priorTokenIDs, params.RepetitionPenalty)

	if params.Temperature == 0 {
		return argmax(scores)
	}

	for i := range scores {
		scores[i] /= params.Temperature
	}

	probs := softmax(scores)

	if params.TopK > 0 {
		topKFilter(probs, params.TopK)
	}
	topPFilter(probs, params.TopP)

	return multinomial(probs, rng)
}

// applyRepetitionPenalty divides positive logits and multiplies negative
// logits by penalty at positions previously emitted (spec.md §4.4).
func applyRepetitionPenalty(scores []float64, priorTokenIDs []int, penalty float64) {
	if penalty == 1 {
		return
	}
	seen := make(map[int]struct{}, len(priorTokenIDs))
	for _, t := range priorTokenIDs {
		seen[t] = struct{}{}
	}
	for tok := range seen {
		if tok < 0 || tok >= len(scores) {
			continue
		}
		if scores[tok] > 0 {
			scores[tok] /= penalty
		} else {
			scores[tok] *= penalty
		}
	}
}

// argmax returns the index of the largest value, breaking ties by the
// lower index (spec.md §8 Sampling determinism).
func argmax(scores []float64) int {
	best := 0
	for i := 1; i < len(scores); i++ {
		if scores[i] > scores[best] {
			best = i
		}
	}
	return best
}

func softmax(scores []float64) []float64 {
	maxV := floats.Max(scores)
	probs := make([]float64, len(scores))
	var sum float64
	for i, s := range scores {
		e := math.Exp(s - maxV)
		probs[i] = e
		sum += e
	}
	floats.Scale(1/sum, probs)
	return probs
}

// topKFilter zeroes every probability outside the k highest, tie-breaking
// by lower index (spec.md §4.4).
func topKFilter(probs []float64, k int) {
	if k >= len(probs) {
		return
	}
	idx := make([]int, len(probs))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(i, j int) bool {
		return probs[idx[i]] > probs[idx[j]]
	})
	keep := make(map[int]struct{}, k)
	for _, i := range idx[:k] {
		keep[i] = struct{}{}
	}
	for i := range probs {
		if _, ok := keep[i]; !ok {
			probs[i] = 0
		}
	}
	renormalize(probs)
}

// topPFilter keeps the smallest prefix of the sorted-descending distribution
// whose cumulative probability >= p, always keeping at least one token
// (spec.md §4.4).
func topPFilter(probs []float64, p float64) {
	idx := make([]int, len(probs))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(i, j int) bool {
		return probs[idx[i]] > probs[idx[j]]
	})

	sorted := make([]float64, len(probs))
	for i, j := range idx {
		sorted[i] = probs[j]
	}
	cum := make([]float64, len(sorted))
	floats.CumSum(cum, sorted)

	cutoff := len(sorted)
	for i, c := range cum {
		if c >= p {
			cutoff = i + 1
			break
		}
	}
	if cutoff < 1 {
		cutoff = 1
	}

	keep := make(map[int]struct{}, cutoff)
	for _, i := range idx[:cutoff] {
		keep[i] = struct{}{}
	}
	for i := range probs {
		if _, ok := keep[i]; !ok {
			probs[i] = 0
		}
	}
	renormalize(probs)
}

func renormalize(probs []float64) {
	sum := floats.Sum(probs)
	if sum == 0 {
		return
	}
	floats.Scale(1/sum, probs)
}

// multinomial draws one index according to the (already-filtered,
// normalized) probability distribution.
func multinomial(probs []float64, rng *rand.Rand) int {
	r := rng.Float64()
	var cum float64
	for i, p := range probs {
		cum += p
		if r <= cum {
			return i
		}
	}
	return len(probs) - 1
}
