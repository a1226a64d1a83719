package request

// Batch is the transient tuple the Scheduler hands to the Worker each
// iteration (spec.md §3): a set of requests newly admitted/continuing
// prefill, and a set of requests taking one decode step. A Batch is
// consumed by exactly one Worker call.
type Batch struct {
	Prefill []*Request
	Decode  []*Request
}

// Empty reports whether the batch carries no work at all, in which case the
// Worker sleeps briefly and retries (spec.md §4.3.3).
func (b *Batch) Empty() bool {
	return b == nil || (len(b.Prefill) == 0 && len(b.Decode) == 0)
}

// Size returns the total number of requests carried by the batch.
func (b *Batch) Size() int {
	if b == nil {
		return 0
	}
	return len(b.Prefill) + len(b.Decode)
}
