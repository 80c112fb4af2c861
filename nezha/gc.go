package nezha

import (
	"context"
	"time"
)

// gcLoop is spec.md §4.9's GarbageCollect worker: periodically compute a
// trim candidate from local state ("prepare"), wait for quorum
// confirmation via periodic sync reports, then actually reclaim memory
// once the watermark is "safe".
func (r *Replica) gcLoop(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.ReclaimTimeout())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !r.blockWhileNotNormal(ctx) {
				return
			}
			r.gcTick()
		}
	}
}

// gcTick runs one round of spec.md §4.9's two-phase reclamation.
func (r *Replica) gcTick() {
	// Phase 1: candidate is the highest synced logId every fine-grained
	// per-key watermark agrees is no longer needed for commutativity
	// chaining, i.e. the smallest maxSyncedLogIdByKey across all keys.
	candidate := r.store.synced.MaxId()
	for i := range r.store.watermarks.maxSynced {
		v := r.store.watermarks.maxSynced[i].Load()
		if v < candidate {
			candidate = v
		}
	}
	r.gc.prepareLogId.Store(candidate)

	// Phase 2: advance "safe" only as far as a super-majority of replicas
	// have acknowledged via SyncStatusReport (spec.md §4.8's periodic
	// sync), matching the original's cross-replica confirmation before
	// reclaiming memory that a lagging follower's index-sync gap repair
	// might still need to reference.
	r.master.mu.Lock()
	acked := 0
	reporters := len(r.master.syncStatus)
	minAcked := candidate
	for _, report := range r.master.syncStatus {
		if report.MaxSyncedLogId >= candidate {
			acked++
		} else if report.MaxSyncedLogId < minAcked {
			minAcked = report.MaxSyncedLogId
		}
	}
	r.master.mu.Unlock()

	safe := r.gc.safeLogId.Load()
	if acked+1 >= r.quorum { // +1 counts self
		safe = candidate
	} else if reporters+1 >= r.quorum && minAcked > safe {
		// Every reporter and self have synced at least minAcked.
		safe = minAcked
	}
	r.gc.safeLogId.Store(safe)
	if safe == 0 {
		return
	}

	prev := r.committedLogId.Load()
	if safe > prev {
		return // never reclaim ahead of what we ourselves have committed
	}

	r.store.synced.DeleteRange(0, safe)
	r.gc.cvVersionToClear.Store(r.cv.MinVersion())
	r.cv.ClearBelow(r.gc.cvVersionToClear.Load())
	r.late.ClearBelow(r.gc.lateBufferSafeId.Load())
	if r.reg != nil {
		r.reg.GCSweeps.Inc()
	}
}
