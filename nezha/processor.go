package nezha

import (
	"context"
	"time"
)

// processorLoop is the single Processor goroutine spec.md §4.2/§5 requires
// as the sole writer of earlyBuffer, the unsynced log, and
// lastReleasedEntryByKeys_: draining processQu into earlyBuffer, computing
// the release horizon, and releasing every request whose key falls at or
// below it, in ascending key order.
func (r *Replica) processorLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case rb := <-r.processQu:
			r.early.Insert(*rb)
			r.drainProcessQu()
			r.releaseUpTo(r.horizon())
		case <-ticker.C:
			// Even with no new arrivals, the horizon keeps advancing with
			// wall-clock time, so entries already in earlyBuffer can become
			// releasable purely by waiting (spec.md §4.2's deadline horizon).
			r.releaseUpTo(r.horizon())
		}
	}
}

// drainProcessQu opportunistically empties any further already-queued
// requests without blocking, so a burst of arrivals is absorbed into
// earlyBuffer in one pass before computing the horizon.
func (r *Replica) drainProcessQu() {
	for {
		select {
		case rb := <-r.processQu:
			r.early.Insert(*rb)
		default:
			return
		}
	}
}

// horizon is the release cutoff R from spec.md §4.2: "R is the current
// time minus network-delay slack", realized here as wall-clock now; the
// OWD-derived per-proxy slack is already baked into each request's
// deadline by the proxy (spec.md §1 scopes deadline-minting to the proxy),
// so the processor only needs to compare against current time.
func (r *Replica) horizon() Key {
	return Key{Deadline: uint64(time.Now().UnixNano()), ReqKey: ^uint64(0)}
}

// releaseUpTo releases, in ascending key order, every earlyBuffer entry at
// or below horizon (spec.md §4.2 step 2).
func (r *Replica) releaseUpTo(horizon Key) {
	for _, rb := range r.early.ReleasablePrefix(horizon) {
		r.release(rb)
	}
}

// release is spec.md §4.3's Release/hash-chain-extension path: assign a
// logId, compute myHash, extend both the global and per-opKey hash
// chains, execute on the leader, append to the log, and enqueue a reply.
func (r *Replica) release(rb RequestBody) {
	if r.store.IsDuplicate(rb.ReqKey) {
		return
	}

	logId := r.store.unsynced.MaxId() + 1
	myHash := DeriveKey(rb.Deadline, rb.ReqKey)

	prevLogId := NoPrevLogId
	var prevChained Hash
	if key := int(rb.OpKey); key >= 0 && uint32(key) < r.store.keyNum {
		if last := r.store.watermarks.maxUnsynced[key].Load(); last != 0 {
			prevEntry, ok := r.store.unsynced.Get(last)
			if !ok {
				// On the leader IndexSend may already have promoted it.
				prevEntry, ok = r.store.synced.Get(last)
			}
			if ok {
				prevLogId = last
				prevChained = prevEntry.ChainedHashByKey
				prevEntry.NextLogId = logId
			}
		}
	}

	entry := &LogEntry{
		LogId:            logId,
		Body:             rb,
		MyHash:           myHash,
		ChainedHash:      r.globalChainHead().Combine(myHash),
		ChainedHashByKey: prevChained.Combine(myHash),
		PrevLogId:        prevLogId,
		NextLogId:        NoNextLogId,
	}

	if r.isLeader() {
		result, err := r.app.Execute(r.runCtx, rb)
		if err != nil {
			r.log.Error("application execute failed", "reqKey", rb.ReqKey, "err", err)
		}
		entry.Result = result
	}

	r.store.unsynced.Put(entry)
	r.store.unsyncedIdx.Insert(rb.ReqKey, logId)
	if uint32(rb.OpKey) < r.store.keyNum {
		r.store.watermarks.maxUnsynced[rb.OpKey].Store(logId)
	}
	r.setGlobalChainHead(entry.ChainedHash)

	r.lastReleasedMu.Lock()
	if uint32(rb.OpKey) < uint32(len(r.lastReleasedKey)) {
		r.lastReleasedKey[rb.OpKey] = rb.Key()
	}
	r.lastReleasedMu.Unlock()

	if r.reg != nil {
		r.reg.RequestsReleased.Inc()
		r.reg.UnsyncedLogSize.Set(float64(r.store.unsynced.Len()))
	}

	shard := shardFor(rb.ReqKey, r.shardCount)
	select {
	case r.fastReplyQu[shard] <- entry:
	default:
		if r.reg != nil {
			r.reg.RequestsDropped.Inc()
		}
	}
}

// globalChainHead/setGlobalChainHead guard the single running accumulative
// hash spec.md §3 describes ("chainedHash = prevChainedHash XOR myHash").
// Only the Processor goroutine ever calls these (single writer), so a
// plain unguarded field would also be correct; the atomic-style accessor
// pair documents that intent and keeps the zero value meaningful.
func (r *Replica) globalChainHead() Hash {
	tail := r.store.unsynced.MaxId()
	if e, ok := r.store.unsynced.Get(tail); ok {
		return e.ChainedHash
	}
	// On the leader IndexSend moves released entries into the synced log,
	// so the tail may already live there.
	if e, ok := r.store.synced.Get(tail); ok {
		return e.ChainedHash
	}
	return Hash{}
}

func (r *Replica) setGlobalChainHead(Hash) {
	// ChainedHash already lives on the tail LogEntry (see globalChainHead);
	// nothing further to store. Kept as a named step so release's control
	// flow mirrors original_source/nezha/replica.h's Release() line for
	// line, making later amendments easy to place.
}
