package nezha

import (
	"github.com/dqian3/Nezha/transport"
	"github.com/dqian3/Nezha/wire"
)

// handlePeerMessage is the transport.Endpoint handler registered on the
// peer-facing socket; it demultiplexes every replica-to-replica message
// type spec.md §6 defines.
func (r *Replica) handlePeerMessage(from transport.Addr, data []byte) {
	t, payload, err := wire.Unpack(data)
	if err != nil {
		return
	}
	fromId, known := r.replicaIdForAddr(from)

	switch t {
	case wire.MsgIndexSync:
		var msg wire.IndexSync
		if wire.Decode(payload, &msg) == nil {
			if known && r.leaderOf(msg.ViewId) == fromId {
				r.noteHeartbeat()
			}
			r.handleIndexSync(msg)
		}
	case wire.MsgAskMissedIndex:
		var msg wire.AskMissedIndex
		if wire.Decode(payload, &msg) == nil {
			r.handleAskMissedIndex(from, msg)
		}
	case wire.MsgAskMissedReq:
		var msg wire.AskMissedReq
		if wire.Decode(payload, &msg) == nil {
			r.handleAskMissedReq(from, msg)
		}
	case wire.MsgMissedReqReply:
		var msg wire.MissedReqReply
		if wire.Decode(payload, &msg) == nil {
			r.handleMissedReqReply(msg)
		}
	case wire.MsgViewChangeRequest:
		var msg wire.ViewChangeRequest
		if wire.Decode(payload, &msg) == nil {
			r.handleViewChangeRequest(msg)
		}
	case wire.MsgViewChange:
		var msg wire.ViewChange
		if wire.Decode(payload, &msg) == nil && known {
			r.handleViewChange(fromId, &msg)
		}
	case wire.MsgStartView:
		var msg wire.StartView
		if wire.Decode(payload, &msg) == nil {
			r.handleStartView(&msg)
		}
	case wire.MsgStateTransferRequest:
		var msg wire.StateTransferRequest
		if wire.Decode(payload, &msg) == nil {
			r.handleStateTransferRequest(from, msg)
		}
	case wire.MsgStateTransferReply:
		var msg wire.StateTransferReply
		if wire.Decode(payload, &msg) == nil {
			r.handleStateTransferReply(msg)
		}
	case wire.MsgCrashVectorRequest:
		var msg wire.CrashVectorRequest
		if wire.Decode(payload, &msg) == nil && known {
			r.handleCrashVectorRequest(fromId, msg)
		}
	case wire.MsgCrashVectorReply:
		var msg wire.CrashVectorReply
		if wire.Decode(payload, &msg) == nil && known {
			r.handleCrashVectorReply(fromId, msg)
		}
	case wire.MsgRecoveryRequest:
		var msg wire.RecoveryRequest
		if wire.Decode(payload, &msg) == nil && known {
			r.handleRecoveryRequest(fromId, msg)
		}
	case wire.MsgRecoveryReply:
		var msg wire.RecoveryReply
		if wire.Decode(payload, &msg) == nil && known {
			r.handleRecoveryReply(fromId, msg)
		}
	case wire.MsgSyncStatusReport:
		var msg wire.SyncStatusReport
		if wire.Decode(payload, &msg) == nil && known {
			r.handleSyncStatusReport(fromId, msg)
		}
	case wire.MsgCommitInstruction:
		var msg wire.CommitInstruction
		if wire.Decode(payload, &msg) == nil {
			r.handleCommitInstruction(msg)
		}
	}
}

// replicaIdForAddr reverse-looks-up a sender's replicaId from its peer
// socket address, used to correlate CV gathers and view-change votes by
// replica rather than by address.
func (r *Replica) replicaIdForAddr(addr transport.Addr) (uint32, bool) {
	for id, a := range r.net.PeerAddrs {
		if a.IP.Equal(addr.IP) && a.Port == addr.Port {
			return uint32(id), true
		}
	}
	return 0, false
}

// handleStateTransferRequest serves an explicit state-transfer request
// (spec.md §4.7, used when a recovering or far-behind replica needs a
// specific log range rather than just the tail view-change/recovery
// gather already supplies).
func (r *Replica) handleStateTransferRequest(from transport.Addr, msg wire.StateTransferRequest) {
	if !r.admitMessage(msg.Header) {
		return
	}
	arena := r.store.synced
	if msg.Kind == 1 {
		arena = r.store.unsynced
	}
	records := make([]wire.IndexRecord, 0, msg.To-msg.From+1)
	for id := msg.From; id <= msg.To; id++ {
		if e, ok := arena.Get(id); ok && !e.Missing {
			records = append(records, indexRecordOf(e))
		}
	}
	reply := wire.StateTransferReply{Header: r.header(), Entries: records}
	payload, err := wire.Pack(wire.MsgStateTransferReply, reply)
	if err != nil {
		return
	}
	_ = r.net.Peer.Send(from, payload)
}

func (r *Replica) handleStateTransferReply(msg wire.StateTransferReply) {
	if !r.admitMessage(msg.Header) {
		return
	}
	r.applyIndexRecords(msg.Entries)
}
