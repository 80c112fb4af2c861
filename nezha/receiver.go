package nezha

import (
	"context"
	"time"

	"github.com/dqian3/Nezha/transport"
	"github.com/dqian3/Nezha/wire"
)

// handleClientMessage is the transport.Endpoint handler registered on the
// client-facing socket; it only ever sees ClientRequest datagrams.
func (r *Replica) handleClientMessage(from transport.Addr, data []byte) {
	t, payload, err := wire.Unpack(data)
	if err != nil || t != wire.MsgClientRequest {
		return
	}
	var msg wire.ClientRequest
	if err := wire.Decode(payload, &msg); err != nil {
		r.log.Warn("malformed client request", "err", err)
		return
	}
	r.proxyAddr.Store(msg.ProxyId, from)
	r.ingest(msg)
}

// ingest is spec.md §4.1's Receiver logic: admission control, dedupe, and
// enqueue-or-route-to-late-buffer.
func (r *Replica) ingest(msg wire.ClientRequest) {
	if !r.admitMessage(msg.Header) {
		return
	}
	if r.store.IsDuplicate(msg.ReqKey) {
		if r.reg != nil {
			r.reg.RequestsDuplicate.Inc()
		}
		return
	}

	now := uint64(time.Now().UnixNano())
	if msg.Deadline < now {
		// Arrived after its own deadline: spec.md §4.1 routes this to the
		// late buffer instead of earlyBuffer; only followers actually need
		// it (to answer a later AskMissedReq), but recording it is harmless
		// on the leader too.
		r.late.Insert(RequestBody{Deadline: msg.Deadline, ReqKey: msg.ReqKey, OpKey: msg.OpKey, ProxyId: msg.ProxyId, Command: msg.Command})
		return
	}

	if sentAt, ok := deadlineSendTime(msg.Deadline, r.owd.Horizon(msg.ProxyId)); ok {
		r.owd.Sample(msg.ProxyId, time.Duration(now)-sentAt)
	}

	rb := RequestBody{Deadline: msg.Deadline, ReqKey: msg.ReqKey, OpKey: msg.OpKey, ProxyId: msg.ProxyId, Command: msg.Command}
	select {
	case r.processQu <- &rb:
		if r.reg != nil {
			r.reg.ProcessQueueDepth.Set(float64(len(r.processQu)))
		}
	default:
		// Queue pressure: spec.md §5 prefers dropping over unbounded growth
		// or blocking the receiver, the proxy's retry will resend.
		if r.reg != nil {
			r.reg.RequestsDropped.Inc()
		}
	}
}

// deadlineSendTime estimates when the proxy must have sent this request
// given its deadline and our current horizon estimate, purely for OWD
// sampling; it is an approximation since the true send time is not on the
// wire (spec.md §1 scopes proxy-side clock sync out of this module).
func deadlineSendTime(deadline uint64, horizon time.Duration) (time.Duration, bool) {
	if horizon <= 0 {
		return 0, false
	}
	return time.Duration(deadline) - horizon, true
}

// admitMessage is the crash-vector freshness check every inbound message
// passes through (spec.md §4.8): look up the sender's claimed CV version in
// our own history and reject if we no longer hold it or its hash disagrees
// with what the sender claims, plus the viewId staleness check spec.md §4.6
// requires.
func (r *Replica) admitMessage(h wire.Header) bool {
	if r.Status() == StatusTerminated {
		return false
	}
	if h.ViewId < r.viewId.Load() {
		return false
	}
	cv, ok := r.cv.Get(h.CVVersion)
	if !ok || cv.Hash != fromWire(h.CVHash) {
		return false
	}
	return true
}

// admitSenderCV is spec.md §4.8's per-slot crash-vector check for messages
// that carry a full CV vector (ViewChange, CrashVectorReply,
// RecoveryRequest): a sender's CV is only ever allowed to be ahead of or
// equal to our own local knowledge on every slot, not just its own — that's
// how an honest, current incarnation looks, whether it's reporting its own
// latest crash count or forwarding knowledge of someone else's. A CV that is
// strictly behind our local value on any slot (its own included, per
// scenario 4: "cv slot-2 < 1 is thereafter rejected") means the sender never
// learned something we already know, the signature of a stale,
// previously-failed incarnation replaying an old message — drop it rather
// than merge it. Where the sender is strictly ahead on some slot, merge and
// adopt that knowledge.
func (r *Replica) admitSenderCV(senderCV []uint32) bool {
	local := r.cv.InUse().Counts
	localAt := func(i int) uint32 {
		if i < len(local) {
			return local[i]
		}
		return 0
	}
	ahead := false
	for i, v := range senderCV {
		l := localAt(i)
		if v < l {
			return false
		}
		if v > l {
			ahead = true
		}
	}
	if ahead {
		merged, _ := Merge(local, senderCV)
		r.cv.Install(merged)
	}
	return true
}

// receiverLoop exists to keep worker shape consistent with the rest of the
// engine (spawn/ctx/cancellation); the actual receive path runs inline in
// the transport.Endpoint's handler callback, so this loop only waits for
// shutdown.
func (r *Replica) receiverLoop(ctx context.Context) {
	<-ctx.Done()
}
