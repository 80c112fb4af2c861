package nezha

import (
	"context"

	"github.com/dqian3/Nezha/transport"
	"github.com/dqian3/Nezha/wire"
)

// fastReplyLoop is one of shardCount FastReply workers (spec.md §4.4):
// for every newly released entry, send a signed reply immediately,
// without waiting for index-sync confirmation. The leader's fast reply
// carries the execution result; a follower's carries only its hash, so a
// client can compare super-majority-matching replies without trusting any
// single replica's execution.
func (r *Replica) fastReplyLoop(ctx context.Context, shard uint32) {
	for {
		select {
		case <-ctx.Done():
			return
		case entry := <-r.fastReplyQu[shard]:
			if !r.blockWhileNotNormal(ctx) {
				return
			}
			r.sendFastReply(entry)
		}
	}
}

func (r *Replica) sendFastReply(entry *LogEntry) {
	addr, ok := r.proxyAddr.Load(entry.Body.ProxyId)
	if !ok {
		return
	}
	msg := wire.FastReply{
		Header: r.header(),
		LogId:  entry.LogId,
		Hash:   entry.MyHash.toWire(),
	}
	if r.isLeader() {
		// The leader's fast reply must carry the accumulative chained hash,
		// not the per-entry hash: clients super-majority-match on
		// (chainedHash, cvHash) across replies, which only proves anything
		// if it reflects the leader's whole prefix, not just this one entry
		// (spec.md §4.4).
		msg.Hash = entry.ChainedHash.toWire()
		msg.Result = entry.Result
	}
	payload, err := wire.Pack(wire.MsgFastReply, msg)
	if err != nil {
		r.log.Error("pack fast reply", "err", err)
		return
	}
	_ = r.net.Client.Send(addr.(transport.Addr), payload)
}
