package nezha

import (
	"context"

	"github.com/dqian3/Nezha/transport"
	"github.com/dqian3/Nezha/wire"
)

// slowReplyLoop is one of shardCount SlowReply workers (spec.md §4.5): a
// follower emits a slow reply once IndexRecv has promoted an entry from
// unsynced to synced, i.e. once the leader's order for it is confirmed.
func (r *Replica) slowReplyLoop(ctx context.Context, shard uint32) {
	for {
		select {
		case <-ctx.Done():
			return
		case entry := <-r.slowReplyQu[shard]:
			if !r.blockWhileNotNormal(ctx) {
				return
			}
			r.sendSlowReply(entry)
		}
	}
}

func (r *Replica) sendSlowReply(entry *LogEntry) {
	addr, ok := r.proxyAddr.Load(entry.Body.ProxyId)
	if !ok {
		return
	}
	msg := wire.SlowReply{
		Header: r.header(),
		LogId:  entry.LogId,
		Hash:   entry.ChainedHash.toWire(),
	}
	payload, err := wire.Pack(wire.MsgSlowReply, msg)
	if err != nil {
		r.log.Error("pack slow reply", "err", err)
		return
	}
	_ = r.net.Client.Send(addr.(transport.Addr), payload)
}

// enqueueSlowReply is called by IndexRecv's promotion path (indexsync.go)
// once an entry becomes synced.
func (r *Replica) enqueueSlowReply(entry *LogEntry) {
	shard := shardFor(entry.Body.ReqKey, r.shardCount)
	select {
	case r.slowReplyQu[shard] <- entry:
	default:
		if r.reg != nil {
			r.reg.RequestsDropped.Inc()
		}
	}
}
