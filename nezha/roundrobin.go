package nezha

import "sync/atomic"

// roundRobin implements spec.md §4.5's "if no reply arrives before the
// retry timer fires, retarget to the next replica in round-robin order"
// retry discipline, shared by AskMissedIndex and AskMissedReq.
type roundRobin struct {
	next atomic.Uint32
}

// Pick returns the next peer to ask, skipping self, and advances the
// cursor so the following call continues from there.
func (rr *roundRobin) Pick(self, n uint32) uint32 {
	for {
		cur := rr.next.Load()
		target := cur % n
		rr.next.CompareAndSwap(cur, cur+1)
		if target != self {
			return target
		}
	}
}
