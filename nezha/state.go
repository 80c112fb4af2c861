package nezha

import (
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"

	"github.com/dqian3/Nezha/wire"
)

// pendingIndexKey identifies a still-unacknowledged IndexSync batch a
// follower is waiting to promote, keyed by its (From, To) log-id range
// (spec.md §4.5's "buffer until the gap closes").
type pendingIndexKey struct {
	From, To uint32
}

// backfillState holds everything IndexRecv/AskMissedIndex/AskMissedReq
// need to track across calls: gap-filling retries and outstanding missing
// request bodies (spec.md §4.5).
type backfillState struct {
	mu sync.Mutex

	// pending buffers out-of-order IndexSync batches bounded by an LRU so a
	// misbehaving or wildly-ahead leader cannot grow this unboundedly
	// (original_source/nezha/replica.h keeps an unbounded std::map here;
	// using an LRU is the one behavioral tightening over the original that
	// DESIGN.md records).
	pending *lru.Cache[pendingIndexKey, wire.IndexSync]

	// gap, when askingGap is true, is the [from,to] range currently being
	// chased with AskMissedIndex.
	askingGap bool
	gapFrom   uint32
	gapTo     uint32

	missedReqMu     sync.Mutex
	missedReqKeys   map[uint64]struct{}
	missingByReqKey map[uint64]uint32 // reqKey -> synced logId of its placeholder entry

	// retryLimiter caps how often a stuck gap-chase or missed-request ask can
	// re-fire, so a prolonged outage that keeps every retry ticker landing
	// in lockstep cannot turn into a self-inflicted flood of the peer it
	// keeps retargeting onto.
	retryLimiter *rate.Limiter
}

// indexSyncState is the leader-only bookkeeping IndexSend uses to know
// what it has already broadcast.
type indexSyncState struct {
	lastSent atomic.Uint32
}

// masterState holds the Master role's view-change/recovery/periodic-sync
// bookkeeping (spec.md §4.6-§4.8). The Master's handlers, leaderCommitTick
// and gcTick all touch these fields; a single mutex protects all of them
// rather than one per map.
type masterState struct {
	mu sync.Mutex

	lastNormalView atomic.Uint32

	// view change gather, reset at the start of each attempt.
	vcTargetView uint32
	vcSet        map[uint32]*wire.ViewChange

	// crash-vector gather (recovery, step 1).
	nonce        string
	cvReplySet   map[uint32]*wire.CrashVectorReply

	// recovery gather (recovery, step 2).
	recoverySet map[uint32]*wire.RecoveryReply

	// periodic sync gather, used by leaderCommitTick for the commit point and
	// by GC to compute the quorum-safe watermark.
	syncStatus map[uint32]wire.SyncStatusReport
}

func newMasterState() masterState {
	return masterState{
		vcSet:      make(map[uint32]*wire.ViewChange),
		cvReplySet: make(map[uint32]*wire.CrashVectorReply),
		recoverySet: make(map[uint32]*wire.RecoveryReply),
		syncStatus: make(map[uint32]wire.SyncStatusReport),
	}
}

// gcState tracks the prepare/safe watermark pair spec.md §4.9 describes:
// "prepare" is this replica's own candidate trim point; "safe" is only
// advanced once a super-majority of replicas have reported a
// SyncStatusReport at or beyond it.
type gcState struct {
	shardCount uint32

	prepareLogId atomic.Uint32
	safeLogId    atomic.Uint32

	cvVersionToClear atomic.Uint32
	lateBufferSafeId atomic.Uint32
}

func newGCState(shardCount uint32) gcState {
	return gcState{shardCount: shardCount}
}
