package nezha

import (
	"context"
	"time"

	"github.com/dqian3/Nezha/transport"
	"github.com/dqian3/Nezha/wire"
)

// indexSendLoop is the leader's IndexSend worker (spec.md §4.4): batch
// newly-released unsynced entries into an IndexSync record and broadcast
// it, then promote them locally to synced (the leader trusts its own
// release order).
func (r *Replica) indexSendLoop(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !r.isLeader() || r.Status() != StatusNormal {
				continue
			}
			r.sendIndexBatch()
			r.leaderCommitTick()
		}
	}
}

func (r *Replica) sendIndexBatch() {
	from := r.indexSync.lastSent.Load() + 1
	to := r.store.unsynced.MaxId()
	if to < from {
		return
	}
	batch := r.cfg.IndexTransferBatch
	if batch > 0 && to-from+1 > batch {
		to = from + batch - 1
	}

	records := make([]wire.IndexRecord, 0, to-from+1)
	for id := from; id <= to; id++ {
		entry, ok := r.store.unsynced.Get(id)
		if !ok {
			break
		}
		records = append(records, indexRecordOf(entry))
		r.promoteToSynced(entry)
	}
	if len(records) == 0 {
		return
	}
	r.indexSync.lastSent.Store(records[len(records)-1].LogId)

	msg := wire.IndexSync{Header: r.header(), From: from, To: records[len(records)-1].LogId, Records: records}
	payload, err := wire.Pack(wire.MsgIndexSync, msg)
	if err != nil {
		r.log.Error("pack index sync", "err", err)
		return
	}
	r.net.broadcastPeers(r.replicaId, payload)
}

func indexRecordOf(e *LogEntry) wire.IndexRecord {
	return wire.IndexRecord{
		LogId:       e.LogId,
		Deadline:    e.Body.Deadline,
		ReqKey:      e.Body.ReqKey,
		OpKey:       e.Body.OpKey,
		MyHash:      e.MyHash.toWire(),
		ChainedHash: e.ChainedHash.toWire(),
	}
}

// handleIndexSync is the follower-side IndexRecv (spec.md §4.5): the core
// gap-detection, promotion, and hash-verification path.
func (r *Replica) handleIndexSync(msg wire.IndexSync) {
	if !r.admitMessage(msg.Header) {
		return
	}
	expect := r.store.synced.MaxId() + 1
	if msg.From > expect {
		r.backfill.pending.Add(pendingIndexKey{From: msg.From, To: msg.To}, msg)
		r.startGapChase(expect, msg.From-1)
		return
	}
	if msg.From < expect {
		// Overlaps what we already have (retransmit/retry); skip the
		// already-applied prefix.
		skip := expect - msg.From
		if int(skip) < len(msg.Records) {
			msg.Records = msg.Records[skip:]
		} else {
			msg.Records = nil
		}
	}

	r.applyIndexRecords(msg.Records)
	r.drainPendingIndex()
}

// applyIndexRecords promotes each record to the synced log, asking for the
// request body if we have never seen it, and verifying the hash chain.
func (r *Replica) applyIndexRecords(records []wire.IndexRecord) {
	for _, rec := range records {
		body, ok := r.lookupRequestBody(rec)
		entry := &LogEntry{LogId: rec.LogId, MyHash: fromWire(rec.MyHash), ChainedHash: fromWire(rec.ChainedHash)}
		if ok {
			entry.Body = body
			if computed := DeriveKey(body.Deadline, body.ReqKey); computed != entry.MyHash {
				r.onHashMismatch(rec.LogId)
				return
			}
		} else {
			entry.Body = RequestBody{Deadline: rec.Deadline, ReqKey: rec.ReqKey, OpKey: rec.OpKey}
			entry.Missing = true
			r.recordMissing(rec.ReqKey, rec.LogId)
		}

		prevChain := Hash{}
		if prev, ok := r.store.synced.Get(rec.LogId - 1); ok {
			prevChain = prev.ChainedHash
		}
		if expected := prevChain.Combine(entry.MyHash); expected != entry.ChainedHash && !entry.Missing {
			r.onHashMismatch(rec.LogId)
			return
		}

		r.store.synced.Put(entry)
		r.store.unsyncedIdx.Delete(rec.ReqKey)
		if !entry.Missing {
			r.store.syncedIdx.Insert(rec.ReqKey, rec.LogId)
			if rec.OpKey < r.store.keyNum {
				r.store.watermarks.maxSynced[rec.OpKey].Store(rec.LogId)
			}
			// SlowReply fires the moment an entry is promoted into the
			// synced log (spec.md §4.5), independent of committedLogId,
			// which only ever advances on the leader's quorum-confirmed
			// CommitInstruction (spec.md §4.6).
			r.enqueueSlowReply(entry)
		}
	}
	if r.reg != nil {
		r.reg.SyncedLogSize.Set(float64(r.store.synced.Len()))
	}
}

// lookupRequestBody finds the RequestBody for an index record, in the
// order spec.md §4.5 lists: unsynced log, then late buffer.
func (r *Replica) lookupRequestBody(rec wire.IndexRecord) (RequestBody, bool) {
	if logId, ok := r.store.unsyncedIdx.Lookup(rec.ReqKey); ok {
		if e, ok := r.store.unsynced.Get(logId); ok {
			return e.Body, true
		}
	}
	if rb, ok := r.late.Lookup(rec.ReqKey); ok {
		return rb, true
	}
	return RequestBody{}, false
}

// promoteToSynced is the leader's local half of promotion: it already
// trusts its own release order, so no hash re-verification is needed. The
// leader's FastReply already carries the result to its proxy, so unlike a
// follower's promotion this does not also enqueue a SlowReply (spec.md
// §4.4-§4.5 scope SlowReply to followers).
func (r *Replica) promoteToSynced(e *LogEntry) {
	r.store.synced.Put(e)
	r.store.unsyncedIdx.Delete(e.Body.ReqKey)
	r.store.unsynced.Delete(e.LogId)
	r.store.syncedIdx.Insert(e.Body.ReqKey, e.LogId)
	if e.Body.OpKey < r.store.keyNum {
		r.store.watermarks.maxSynced[e.Body.OpKey].Store(e.LogId)
	}
}

// recordMissing remembers that the placeholder at logId is waiting on
// reqKey's body, for AskMissedReq/MissedReqReply to resolve later.
func (r *Replica) recordMissing(reqKey uint64, logId uint32) {
	r.backfill.missedReqMu.Lock()
	r.backfill.missedReqKeys[reqKey] = struct{}{}
	r.backfill.missingByReqKey[reqKey] = logId
	r.backfill.missedReqMu.Unlock()
}

// onHashMismatch is spec.md §4.5's integrity failure path: the chain or
// per-entry hash does not match what the leader claims, which can only
// happen if the leader is faulty or we are talking to a stale incarnation
// that admitMessage's CV check did not catch; either way, trigger a view
// change rather than accept a possibly-corrupted order.
func (r *Replica) onHashMismatch(logId uint32) {
	r.log.Error("index sync hash mismatch, initiating view change", "logId", logId)
	r.initiateViewChange(r.viewId.Load() + 1)
}

// drainPendingIndex applies any buffered out-of-order batches that the
// just-applied records made contiguous.
func (r *Replica) drainPendingIndex() {
	for {
		expect := r.store.synced.MaxId() + 1
		found := false
		for _, k := range r.backfill.pending.Keys() {
			if k.From != expect {
				continue
			}
			if v, ok := r.backfill.pending.Get(k); ok {
				r.backfill.pending.Remove(k)
				r.applyIndexRecords(v.Records)
				found = true
			}
			break
		}
		if !found {
			return
		}
	}
}

// startGapChase kicks off (or refreshes) the AskMissedIndex retry for the
// range [from, to], round-robin retargeting the ask on each retry.
func (r *Replica) startGapChase(from, to uint32) {
	r.backfill.mu.Lock()
	defer r.backfill.mu.Unlock()
	if r.backfill.askingGap && r.backfill.gapFrom == from {
		return
	}
	r.backfill.askingGap = true
	r.backfill.gapFrom, r.backfill.gapTo = from, to
	r.sendAskMissedIndex(from, to)
}

func (r *Replica) sendAskMissedIndex(from, to uint32) {
	if !r.backfill.retryLimiter.Allow() {
		return
	}
	target := r.rr.Pick(r.replicaId, r.n)
	msg := wire.AskMissedIndex{Header: r.header(), From: from, To: to}
	payload, err := wire.Pack(wire.MsgAskMissedIndex, msg)
	if err != nil {
		return
	}
	_ = r.net.Peer.Send(r.net.PeerAddrs[target], payload)
	if r.reg != nil {
		r.reg.IndexGapAsks.Inc()
	}
}

// indexRecvRetryLoop periodically resends the outstanding gap-chase ask
// (spec.md §4.5's retry-with-retarget) until the gap closes.
func (r *Replica) indexRecvRetryLoop(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.StateTransferTimeout())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.backfill.mu.Lock()
			asking, from, to := r.backfill.askingGap, r.backfill.gapFrom, r.backfill.gapTo
			if asking && r.store.synced.MaxId()+1 > from {
				r.backfill.askingGap = false
				asking = false
			}
			r.backfill.mu.Unlock()
			if asking {
				r.sendAskMissedIndex(from, to)
			}
		}
	}
}

// handleAskMissedIndex is the leader/peer side of a gap-chase: reply
// directly to the asker with the records it is missing, reusing IndexSync
// as the reply envelope (spec.md §4.5 calls this "MissedIndexAck").
func (r *Replica) handleAskMissedIndex(from transport.Addr, msg wire.AskMissedIndex) {
	if !r.admitMessage(msg.Header) {
		return
	}
	records := make([]wire.IndexRecord, 0, msg.To-msg.From+1)
	for id := msg.From; id <= msg.To; id++ {
		entry, ok := r.store.synced.Get(id)
		if !ok || entry.Missing {
			continue
		}
		records = append(records, indexRecordOf(entry))
	}
	if len(records) == 0 {
		return
	}
	reply := wire.IndexSync{Header: r.header(), From: msg.From, To: msg.To, Records: records}
	payload, err := wire.Pack(wire.MsgIndexSync, reply)
	if err != nil {
		return
	}
	_ = r.net.Peer.Send(from, payload)
}

// missedIndexAckLoop exists purely to keep worker shape consistent; the
// actual ack path runs inline from handlePeerMessage's dispatch.
func (r *Replica) missedIndexAckLoop(ctx context.Context) { <-ctx.Done() }
