package nezha

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/dqian3/Nezha/wire"
)

// masterLoop drives the two periodic duties spec.md §4.6/§4.8 assign to
// every replica regardless of role: watch the leader's heartbeat and,
// failing that, initiate a view change; and periodically exchange
// SyncStatusReport so the leader's quorum-confirmed committedLogId (and, in
// turn, GC's quorum-safe watermark) can advance.
func (r *Replica) masterLoop(ctx context.Context) {
	heartbeat := time.NewTicker(r.cfg.HeartbeatTimeout())
	periodicSync := time.NewTicker(r.cfg.PeriodicSyncInterval())
	defer heartbeat.Stop()
	defer periodicSync.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			r.checkHeartbeat()
		case <-periodicSync.C:
			r.sendSyncStatus()
			r.leaderCommitTick()
		}
	}
}

// checkHeartbeat initiates a view change if this replica is a follower
// and has not heard from its leader within the configured timeout
// (spec.md §4.6's failure detector).
func (r *Replica) checkHeartbeat() {
	if r.Status() != StatusNormal || r.isLeader() {
		r.lastHeartBeat.Store(time.Now().UnixNano())
		return
	}
	last := r.lastHeartBeat.Load()
	if last != 0 && time.Since(time.Unix(0, last)) < r.cfg.HeartbeatTimeout() {
		return
	}
	r.initiateViewChange(r.viewId.Load() + 1)
}

// noteHeartbeat is called by every handler that accepts a message from
// the current leader, resetting the failure detector.
func (r *Replica) noteHeartbeat() { r.lastHeartBeat.Store(time.Now().UnixNano()) }

func (r *Replica) sendSyncStatus() {
	hash := Hash{}
	if e, ok := r.store.synced.Get(r.store.synced.MaxId()); ok {
		hash = e.ChainedHash
	}
	msg := wire.SyncStatusReport{Header: r.header(), MaxSyncedLogId: r.store.synced.MaxId(), HashAtMax: hash.toWire()}
	payload, err := wire.Pack(wire.MsgSyncStatusReport, msg)
	if err != nil {
		return
	}
	r.net.broadcastPeers(r.replicaId, payload)
}

func (r *Replica) handleSyncStatusReport(fromId uint32, msg wire.SyncStatusReport) {
	if !r.admitMessage(msg.Header) {
		return
	}
	r.master.mu.Lock()
	r.master.syncStatus[fromId] = msg
	r.master.mu.Unlock()
	r.leaderCommitTick()
}

// initiateViewChange is spec.md §4.6's entry point: move to VIEWCHANGE,
// record our own contribution, and ask every peer to join.
func (r *Replica) initiateViewChange(view uint32) {
	if r.Status() == StatusTerminated {
		return
	}
	r.status.Store(int32(StatusViewChange))
	r.master.mu.Lock()
	if r.master.vcTargetView >= view {
		r.master.mu.Unlock()
		return
	}
	r.master.vcTargetView = view
	r.master.vcSet = make(map[uint32]*wire.ViewChange)
	r.master.mu.Unlock()

	if r.reg != nil {
		r.reg.ViewChanges.Inc()
	}

	msg := wire.ViewChangeRequest{Header: r.header(), View: view}
	payload, err := wire.Pack(wire.MsgViewChangeRequest, msg)
	if err == nil {
		r.net.broadcastPeers(r.replicaId, payload)
	}
	r.sendViewChange(view)
}

func (r *Replica) handleViewChangeRequest(msg wire.ViewChangeRequest) {
	if msg.View <= r.viewId.Load() && r.Status() == StatusNormal {
		return
	}
	r.status.Store(int32(StatusViewChange))
	r.master.mu.Lock()
	if r.master.vcTargetView < msg.View {
		r.master.vcTargetView = msg.View
		r.master.vcSet = make(map[uint32]*wire.ViewChange)
	}
	r.master.mu.Unlock()
	r.sendViewChange(msg.View)
}

// sendViewChange reports this replica's state to the prospective new
// leader: its CV, last normal view, and the tail of both logs needed to
// reconstruct a consistent starting point (spec.md §4.6).
func (r *Replica) sendViewChange(view uint32) {
	syncedTail := r.tailOf(r.store.synced, r.cfg.IndexTransferBatch)
	unsyncedTail := r.unsyncedTail(r.cfg.RequestTransferBatch)

	msg := &wire.ViewChange{
		Header:         r.header(),
		View:           view,
		CV:             append([]uint32(nil), r.cv.InUse().Counts...),
		LastNormalView: r.master.lastNormalView.Load(),
		SyncedTail:     syncedTail,
		UnsyncedTail:   unsyncedTail,
	}
	leader := r.leaderOf(view)
	if leader == r.replicaId {
		r.collectViewChange(r.replicaId, msg)
		return
	}
	payload, err := wire.Pack(wire.MsgViewChange, msg)
	if err != nil {
		return
	}
	_ = r.net.Peer.Send(r.net.PeerAddrs[leader], payload)
}

func (r *Replica) tailOf(a *logArena, n uint32) []wire.IndexRecord {
	max := a.MaxId()
	from := uint32(0)
	if max > n {
		from = max - n
	}
	out := make([]wire.IndexRecord, 0, n)
	for id := from + 1; id <= max; id++ {
		if e, ok := a.Get(id); ok && !e.Missing {
			out = append(out, indexRecordOf(e))
		}
	}
	return out
}

func (r *Replica) unsyncedTail(n uint32) []wire.UnsyncedEntry {
	max := r.store.unsynced.MaxId()
	from := uint32(0)
	if max > n {
		from = max - n
	}
	out := make([]wire.UnsyncedEntry, 0, n)
	for id := from + 1; id <= max; id++ {
		if e, ok := r.store.unsynced.Get(id); ok {
			out = append(out, wire.UnsyncedEntry{Deadline: e.Body.Deadline, ReqKey: e.Body.ReqKey, OpKey: e.Body.OpKey, Command: e.Body.Command})
		}
	}
	return out
}

// handleViewChange is the prospective new leader's collection path.
func (r *Replica) handleViewChange(fromId uint32, msg *wire.ViewChange) {
	if r.leaderOf(msg.View) != r.replicaId {
		return
	}
	if !r.admitSenderCV(msg.CV) {
		return
	}
	r.collectViewChange(fromId, msg)
}

func (r *Replica) collectViewChange(fromId uint32, msg *wire.ViewChange) {
	r.master.mu.Lock()
	if msg.View != r.master.vcTargetView {
		r.master.mu.Unlock()
		return
	}
	r.master.vcSet[fromId] = msg
	ready := len(r.master.vcSet) >= r.quorum
	var set []*wire.ViewChange
	if ready {
		for _, v := range r.master.vcSet {
			set = append(set, v)
		}
	}
	r.master.mu.Unlock()
	if ready {
		r.becomeLeader(msg.View, set)
	}
}

// becomeLeader merges every collected ViewChange's tails, adopts the
// highest lastNormalView's synced prefix as authoritative (spec.md §4.6's
// "adopt the tail of the replica with the highest lastNormalView"), folds
// in every still-useful unsynced entry, and announces the new view.
func (r *Replica) becomeLeader(view uint32, votes []*wire.ViewChange) {
	best := votes[0]
	for _, v := range votes[1:] {
		if v.LastNormalView > best.LastNormalView {
			best = v
		}
	}
	for _, rec := range best.SyncedTail {
		if _, ok := r.store.synced.Get(rec.LogId); ok {
			continue
		}
		r.store.synced.Put(&LogEntry{LogId: rec.LogId, MyHash: fromWire(rec.MyHash), ChainedHash: fromWire(rec.ChainedHash), Missing: true})
	}

	mergedCV := best.CV
	for _, v := range votes {
		mergedCV, _ = Merge(mergedCV, v.CV)
	}
	r.cv.Install(mergedCV)

	seen := make(map[uint64]bool)
	for _, v := range votes {
		for _, u := range v.UnsyncedTail {
			if seen[u.ReqKey] || r.store.IsDuplicate(u.ReqKey) {
				continue
			}
			seen[u.ReqKey] = true
			// Hand the entry to the Processor, earlyBuffer's only writer.
			select {
			case r.processQu <- &RequestBody{Deadline: u.Deadline, ReqKey: u.ReqKey, OpKey: u.OpKey, Command: u.Command}:
			default:
				if r.reg != nil {
					r.reg.RequestsDropped.Inc()
				}
			}
		}
	}

	r.viewId.Store(view)
	r.master.lastNormalView.Store(view)
	r.status.Store(int32(StatusNormal))
	r.lastHeartBeat.Store(time.Now().UnixNano())

	start := &wire.StartView{Header: r.header(), View: view, SyncedTail: r.tailOf(r.store.synced, r.cfg.IndexTransferBatch)}
	payload, err := wire.Pack(wire.MsgStartView, start)
	if err == nil {
		r.net.broadcastPeers(r.replicaId, payload)
	}
}

// handleStartView is every other replica's adoption of the new leader's
// announced view (spec.md §4.6's final step).
func (r *Replica) handleStartView(msg *wire.StartView) {
	if msg.View < r.viewId.Load() {
		return
	}
	for _, rec := range msg.SyncedTail {
		if _, ok := r.store.synced.Get(rec.LogId); ok {
			continue
		}
		entry := &LogEntry{LogId: rec.LogId, MyHash: fromWire(rec.MyHash), ChainedHash: fromWire(rec.ChainedHash)}
		if rb, ok := r.lookupRequestBody(rec); ok {
			entry.Body = rb
			r.store.syncedIdx.Insert(rb.ReqKey, rec.LogId)
			r.enqueueSlowReply(entry)
		} else {
			entry.Missing = true
			r.recordMissing(rec.ReqKey, rec.LogId)
		}
		r.store.synced.Put(entry)
	}

	r.viewId.Store(msg.View)
	r.master.lastNormalView.Store(msg.View)
	r.status.Store(int32(StatusNormal))
	r.lastHeartBeat.Store(time.Now().UnixNano())
}

// startRecovery is spec.md §4.7's crash-recovery entry point: mint a
// nonce, gather crash vectors from a super-majority, merge and bump, then
// request a state transfer before rejoining as a normal participant.
func (r *Replica) startRecovery() {
	r.status.Store(int32(StatusRecovering))
	nonce := uuid.NewString()
	r.master.mu.Lock()
	r.master.nonce = nonce
	r.master.cvReplySet = make(map[uint32]*wire.CrashVectorReply)
	r.master.mu.Unlock()

	msg := wire.CrashVectorRequest{Header: r.header(), Nonce: nonce}
	payload, err := wire.Pack(wire.MsgCrashVectorRequest, msg)
	if err == nil {
		r.net.broadcastPeers(r.replicaId, payload)
	}
}

func (r *Replica) handleCrashVectorRequest(fromId uint32, msg wire.CrashVectorRequest) {
	reply := wire.CrashVectorReply{Header: r.header(), Nonce: msg.Nonce, CV: append([]uint32(nil), r.cv.InUse().Counts...)}
	payload, err := wire.Pack(wire.MsgCrashVectorReply, reply)
	if err != nil {
		return
	}
	_ = r.net.Peer.Send(r.net.PeerAddrs[fromId], payload)
}

func (r *Replica) handleCrashVectorReply(fromId uint32, msg wire.CrashVectorReply) {
	if !r.admitSenderCV(msg.CV) {
		return
	}
	r.master.mu.Lock()
	if msg.Nonce != r.master.nonce {
		r.master.mu.Unlock()
		return
	}
	r.master.cvReplySet[fromId] = &msg
	ready := len(r.master.cvReplySet) >= r.quorum
	var replies []*wire.CrashVectorReply
	if ready {
		for _, v := range r.master.cvReplySet {
			replies = append(replies, v)
		}
	}
	r.master.mu.Unlock()
	if ready {
		r.finishCrashVectorGather(replies)
	}
}

func (r *Replica) finishCrashVectorGather(replies []*wire.CrashVectorReply) {
	merged := append([]uint32(nil), replies[0].CV...)
	for _, v := range replies[1:] {
		merged, _ = Merge(merged, v.CV)
	}
	merged[r.replicaId]++
	r.cv.Install(merged)

	r.master.mu.Lock()
	nonce := r.master.nonce
	r.master.recoverySet = make(map[uint32]*wire.RecoveryReply)
	r.master.mu.Unlock()

	msg := wire.RecoveryRequest{Header: r.header(), Nonce: nonce, CV: merged}
	payload, err := wire.Pack(wire.MsgRecoveryRequest, msg)
	if err == nil {
		r.net.broadcastPeers(r.replicaId, payload)
	}
}

func (r *Replica) handleRecoveryRequest(fromId uint32, msg wire.RecoveryRequest) {
	if !r.admitSenderCV(msg.CV) {
		return
	}
	reply := wire.RecoveryReply{Header: r.header(), SyncedTail: r.tailOf(r.store.synced, r.cfg.IndexTransferBatch)}
	payload, err := wire.Pack(wire.MsgRecoveryReply, reply)
	if err != nil {
		return
	}
	_ = r.net.Peer.Send(r.net.PeerAddrs[fromId], payload)
}

func (r *Replica) handleRecoveryReply(fromId uint32, msg wire.RecoveryReply) {
	r.master.mu.Lock()
	r.master.recoverySet[fromId] = &msg
	ready := len(r.master.recoverySet) >= r.quorum
	var replies []*wire.RecoveryReply
	if ready {
		for _, v := range r.master.recoverySet {
			replies = append(replies, v)
		}
	}
	r.master.mu.Unlock()
	if ready {
		r.finishRecovery(replies)
	}
}

func (r *Replica) finishRecovery(replies []*wire.RecoveryReply) {
	for _, rep := range replies {
		for _, rec := range rep.SyncedTail {
			if _, ok := r.store.synced.Get(rec.LogId); ok {
				continue
			}
			entry := &LogEntry{LogId: rec.LogId, MyHash: fromWire(rec.MyHash), ChainedHash: fromWire(rec.ChainedHash)}
			if rb, ok := r.lookupRequestBody(rec); ok {
				entry.Body = rb
				r.store.syncedIdx.Insert(rb.ReqKey, rec.LogId)
				r.enqueueSlowReply(entry)
			} else {
				entry.Missing = true
				r.recordMissing(rec.ReqKey, rec.LogId)
			}
			r.store.synced.Put(entry)
		}
	}
	r.status.Store(int32(StatusNormal))
	r.lastHeartBeat.Store(time.Now().UnixNano())
	if r.reg != nil {
		r.reg.Recoveries.Inc()
	}
}

// handleCommitInstruction is a follower's side of spec.md §4.6's commit
// protocol: committedLogId only ever moves in response to the leader's
// quorum-confirmed broadcast, never from local synced-log contiguity alone.
func (r *Replica) handleCommitInstruction(msg wire.CommitInstruction) {
	if !r.admitMessage(msg.Header) {
		return
	}
	r.applyCommittedUpTo(msg.CommittedLogId)
}

// applyCommittedUpTo advances committedLogId as far as target, bounded by
// how much of the locally synced log is actually contiguous so far; used by
// the leader once leaderCommitTick finds quorum, and by followers on receipt
// of the resulting CommitInstruction. It never sends a SlowReply itself —
// that already happened when each entry was promoted into the synced log
// (spec.md §4.5); committedLogId is purely the GC/durability watermark
// (spec.md §4.6, §4.9).
func (r *Replica) applyCommittedUpTo(target uint32) {
	for r.committedLogId.Load() < target {
		next := r.committedLogId.Load() + 1
		entry, ok := r.store.synced.Get(next)
		if !ok || entry.Missing {
			return
		}
		r.committedLogId.Store(next)
		if r.reg != nil {
			r.reg.CommittedLogId.Set(float64(next))
		}
	}
}

// leaderCommitTick is the leader-only half of spec.md §4.6's PeriodicSync
// commit protocol: once a super-majority (self included) has reported
// syncing at least some logId, that id becomes the quorum-confirmed
// committedLogId, broadcast to followers as CommitInstruction so they can
// advance in lockstep rather than unilaterally guessing from their own
// local log.
func (r *Replica) leaderCommitTick() {
	if !r.isLeader() {
		return
	}
	r.master.mu.Lock()
	reported := make([]uint32, 0, len(r.master.syncStatus)+1)
	reported = append(reported, r.store.synced.MaxId())
	for _, report := range r.master.syncStatus {
		reported = append(reported, report.MaxSyncedLogId)
	}
	r.master.mu.Unlock()

	if len(reported) < r.quorum {
		return
	}
	sort.Slice(reported, func(i, j int) bool { return reported[i] > reported[j] })
	candidate := reported[r.quorum-1]
	if candidate <= r.committedLogId.Load() {
		return
	}
	r.applyCommittedUpTo(candidate)

	msg := wire.CommitInstruction{Header: r.header(), CommittedLogId: candidate}
	payload, err := wire.Pack(wire.MsgCommitInstruction, msg)
	if err != nil {
		return
	}
	r.net.broadcastPeers(r.replicaId, payload)
}
