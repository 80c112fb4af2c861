package nezha

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dqian3/Nezha/wire"
)

// buildRecord derives a wire.IndexRecord the way a leader's indexSendLoop
// would for a freshly-released entry, chained off prev.
func buildRecord(logId uint32, deadline, reqKey uint64, prev Hash) wire.IndexRecord {
	my := DeriveKey(deadline, reqKey)
	return wire.IndexRecord{
		LogId:       logId,
		Deadline:    deadline,
		ReqKey:      reqKey,
		OpKey:       0,
		MyHash:      my.toWire(),
		ChainedHash: prev.Combine(my).toWire(),
	}
}

func TestApplyIndexRecordsPromotesWithoutAdvancingCommitted(t *testing.T) {
	r := newTestReplica(t)
	rec1 := buildRecord(1, 10, 100, Hash{})
	rec2 := buildRecord(2, 20, 200, fromWire(rec1.ChainedHash))

	r.late.Insert(RequestBody{Deadline: 10, ReqKey: 100, OpKey: 0})
	r.late.Insert(RequestBody{Deadline: 20, ReqKey: 200, OpKey: 0})

	r.applyIndexRecords([]wire.IndexRecord{rec1, rec2})

	e2, ok := r.store.synced.Get(2)
	require.True(t, ok)
	require.False(t, e2.Missing)

	// Promotion into the synced log is not commitment: without a quorum-
	// confirmed CommitInstruction, committedLogId stays put (spec.md §4.6).
	require.Equal(t, uint32(0), r.committedLogId.Load())

	// Promotion still fires SlowReply immediately, though (spec.md §4.5).
	shard := shardFor(100, r.shardCount)
	select {
	case got := <-r.slowReplyQu[shard]:
		require.Equal(t, uint32(1), got.LogId)
	default:
		t.Fatal("expected a slow reply enqueued for logId 1")
	}
}

func TestApplyIndexRecordsUnknownBodyBecomesMissingPlaceholder(t *testing.T) {
	r := newTestReplica(t)
	rec1 := buildRecord(1, 10, 100, Hash{})
	rec2 := buildRecord(2, 20, 200, fromWire(rec1.ChainedHash))

	r.late.Insert(RequestBody{Deadline: 10, ReqKey: 100, OpKey: 0})
	// rec2's body is unknown: never inserted into the late buffer.

	r.applyIndexRecords([]wire.IndexRecord{rec1, rec2})

	e2, ok := r.store.synced.Get(2)
	require.True(t, ok)
	require.True(t, e2.Missing)

	// A MissedReqReply supplying rec2's body fills the placeholder and
	// enqueues its SlowReply, but only a CommitInstruction ever moves
	// committedLogId.
	r.handleMissedReqReply(wire.MissedReqReply{
		Header: r.header(),
		Requests: []wire.ClientRequest{
			{Deadline: 20, ReqKey: 200, OpKey: 0},
		},
	})
	e2, ok = r.store.synced.Get(2)
	require.True(t, ok)
	require.False(t, e2.Missing)
	require.Equal(t, uint32(0), r.committedLogId.Load())
}

func TestHandleCommitInstructionAdvancesCommitted(t *testing.T) {
	r := newTestReplica(t)
	rec1 := buildRecord(1, 10, 100, Hash{})
	rec2 := buildRecord(2, 20, 200, fromWire(rec1.ChainedHash))
	r.late.Insert(RequestBody{Deadline: 10, ReqKey: 100, OpKey: 0})
	r.late.Insert(RequestBody{Deadline: 20, ReqKey: 200, OpKey: 0})
	r.applyIndexRecords([]wire.IndexRecord{rec1, rec2})

	r.handleCommitInstruction(wire.CommitInstruction{Header: r.header(), CommittedLogId: 2})
	require.Equal(t, uint32(2), r.committedLogId.Load())
}

func TestLeaderCommitTickRequiresQuorumAcrossReports(t *testing.T) {
	r := newTestReplica(t)
	rec1 := buildRecord(1, 10, 100, Hash{})
	r.promoteToSynced(&LogEntry{
		LogId:       1,
		Body:        RequestBody{Deadline: 10, ReqKey: 100, OpKey: 0},
		MyHash:      fromWire(rec1.MyHash),
		ChainedHash: fromWire(rec1.ChainedHash),
	})

	// Self alone is below the 2-of-3 super-majority: no commit yet.
	r.leaderCommitTick()
	require.Equal(t, uint32(0), r.committedLogId.Load())

	// A follower reports caught up: self + that follower now form a quorum.
	r.master.syncStatus[1] = wire.SyncStatusReport{Header: r.header(), MaxSyncedLogId: 1}
	r.leaderCommitTick()
	require.Equal(t, uint32(1), r.committedLogId.Load())
}

func TestHandleIndexSyncBuffersOutOfOrderBatch(t *testing.T) {
	r := newTestReplica(t)
	msg := wire.IndexSync{Header: r.header(), From: 5, To: 5, Records: []wire.IndexRecord{{LogId: 5}}}

	r.handleIndexSync(msg)
	require.True(t, r.backfill.askingGap)
	_, ok := r.backfill.pending.Get(pendingIndexKey{From: 5, To: 5})
	require.True(t, ok)

	// Nothing committed yet: the gap at logId 1..4 is still open.
	require.Equal(t, uint32(0), r.committedLogId.Load())
}
