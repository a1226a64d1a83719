package scheduler

import (
	"sort"

	"github.com/paged-llm/paged-llm/request"
)

// selectPreemptionCandidates returns the subset of decoding eligible for
// preemption (generated_tokens >= minDecodeSteps, spec.md §4.3.4), ranked
// ascending by (priority, -generated_tokens): lowest priority first, and
// among ties the request with the most progress (we prefer to preempt a
// request that already has something to show for its KV investment).
// excludeID omits one request id from the pool — used by
// PrepareDecodeGrowth so a request never evicts itself to grow its own
// sequence. Grounded on the teacher's PriorityFCFSScheduler sort in
// sim/scheduler.go, generalized from "highest priority first" to the
// preemption victim's inverse ordering.
func selectPreemptionCandidates(decoding []*request.Request, minDecodeSteps int, excludeID string) []*request.Request {
	candidates := make([]*request.Request, 0, len(decoding))
	for _, r := range decoding {
		if r.ID != excludeID && r.NumGenerated() >= minDecodeSteps {
			candidates = append(candidates, r)
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority < candidates[j].Priority
		}
		return candidates[i].NumGenerated() > candidates[j].NumGenerated()
	})
	return candidates
}

// stableSortByPriorityDesc orders reqs by priority descending, preserving
// arrival (enqueue) order within a priority band (spec.md §4.3.3 admission
// ordering when enable_priority_scheduling is set). Grounded on
// sim/scheduler.go's PriorityFCFSScheduler, minus its ArrivalTime/ID
// tie-break fields: sort.SliceStable already gives FCFS-within-priority for
// free from the waiting_queue's enqueue order.
func stableSortByPriorityDesc(reqs []*request.Request) {
	sort.SliceStable(reqs, func(i, j int) bool {
		return reqs[i].Priority > reqs[j].Priority
	})
}
