package nezha

import (
	"context"
	"time"

	"github.com/dqian3/Nezha/transport"
	"github.com/dqian3/Nezha/wire"
)

// missedReqAckLoop periodically re-asks for any request bodies a
// "Missing" placeholder entry is still waiting on (spec.md §4.5's
// AskMissedReq retry), round-robin retargeting each round.
func (r *Replica) missedReqAckLoop(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.StateTransferTimeout())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sendAskMissedReq()
		}
	}
}

func (r *Replica) sendAskMissedReq() {
	r.backfill.missedReqMu.Lock()
	if len(r.backfill.missedReqKeys) == 0 {
		r.backfill.missedReqMu.Unlock()
		return
	}
	keys := make([]uint64, 0, len(r.backfill.missedReqKeys))
	for k := range r.backfill.missedReqKeys {
		keys = append(keys, k)
		if uint32(len(keys)) >= r.cfg.RequestKeyTransferBatch {
			break
		}
	}
	r.backfill.missedReqMu.Unlock()

	if !r.backfill.retryLimiter.Allow() {
		return
	}
	target := r.rr.Pick(r.replicaId, r.n)
	msg := wire.AskMissedReq{Header: r.header(), ReqKeys: keys}
	payload, err := wire.Pack(wire.MsgAskMissedReq, msg)
	if err != nil {
		return
	}
	_ = r.net.Peer.Send(r.net.PeerAddrs[target], payload)
	if r.reg != nil {
		r.reg.MissedReqAsks.Inc()
	}
}

// handleAskMissedReq serves a peer's AskMissedReq by returning every
// request body we can find, from either log or the late buffer.
func (r *Replica) handleAskMissedReq(from transport.Addr, msg wire.AskMissedReq) {
	if !r.admitMessage(msg.Header) {
		return
	}
	out := make([]wire.ClientRequest, 0, len(msg.ReqKeys))
	for _, reqKey := range msg.ReqKeys {
		if rb, ok := r.findRequestBody(reqKey); ok {
			out = append(out, wire.ClientRequest{
				Header:  r.header(),
				Deadline: rb.Deadline,
				ReqKey:  rb.ReqKey,
				OpKey:   rb.OpKey,
				ProxyId: rb.ProxyId,
				Command: rb.Command,
			})
		}
	}
	if len(out) == 0 {
		return
	}
	reply := wire.MissedReqReply{Header: r.header(), Requests: out}
	payload, err := wire.Pack(wire.MsgMissedReqReply, reply)
	if err != nil {
		return
	}
	_ = r.net.Peer.Send(from, payload)
}

func (r *Replica) findRequestBody(reqKey uint64) (RequestBody, bool) {
	if logId, ok := r.store.syncedIdx.Lookup(reqKey); ok {
		if e, ok := r.store.synced.Get(logId); ok && !e.Missing {
			return e.Body, true
		}
	}
	if logId, ok := r.store.unsyncedIdx.Lookup(reqKey); ok {
		if e, ok := r.store.unsynced.Get(logId); ok {
			return e.Body, true
		}
	}
	return r.late.Lookup(reqKey)
}

// handleMissedReqReply fills in any "Missing" synced placeholders whose
// body this reply supplies, recomputing and checking the hash before
// trusting it.
func (r *Replica) handleMissedReqReply(msg wire.MissedReqReply) {
	if !r.admitMessage(msg.Header) {
		return
	}
	for _, cr := range msg.Requests {
		r.backfill.missedReqMu.Lock()
		logId, waiting := r.backfill.missingByReqKey[cr.ReqKey]
		r.backfill.missedReqMu.Unlock()
		if !waiting {
			continue
		}
		entry, ok := r.store.synced.Get(logId)
		if !ok || !entry.Missing {
			continue
		}
		body := RequestBody{Deadline: cr.Deadline, ReqKey: cr.ReqKey, OpKey: cr.OpKey, ProxyId: cr.ProxyId, Command: cr.Command}
		if DeriveKey(body.Deadline, body.ReqKey) != entry.MyHash {
			r.onHashMismatch(logId)
			continue
		}
		filled := *entry
		filled.Body = body
		filled.Missing = false
		r.store.synced.Replace(logId, &filled)
		r.store.syncedIdx.Insert(cr.ReqKey, logId)
		if cr.OpKey < r.store.keyNum {
			r.store.watermarks.maxSynced[cr.OpKey].Store(logId)
		}

		r.backfill.missedReqMu.Lock()
		delete(r.backfill.missedReqKeys, cr.ReqKey)
		delete(r.backfill.missingByReqKey, cr.ReqKey)
		r.backfill.missedReqMu.Unlock()

		// This placeholder just became a real, promoted synced entry, so it
		// earns its SlowReply now (spec.md §4.5); committedLogId itself only
		// ever moves on the leader's quorum-confirmed CommitInstruction.
		r.enqueueSlowReply(&filled)
	}
}
