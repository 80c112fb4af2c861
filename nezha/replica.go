// Package nezha implements the replica-side execution and agreement core
// of the deadline-ordered Nezha protocol: spec.md's dual log, index-sync,
// fast/slow reply discipline, view change, recovery, and garbage
// collection. Everything outside that core — socket transport, wire
// codec, the application state machine, and config loading — is injected.
package nezha

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"

	"github.com/dqian3/Nezha/config"
	"github.com/dqian3/Nezha/logutil"
	"github.com/dqian3/Nezha/metrics"
	"github.com/dqian3/Nezha/wire"
)

// Status is spec.md §2's replica status: NORMAL, VIEWCHANGE, RECOVERING,
// plus TERMINATED.
type Status int32

const (
	StatusNormal Status = iota
	StatusViewChange
	StatusRecovering
	StatusTerminated
)

func (s Status) String() string {
	switch s {
	case StatusNormal:
		return "NORMAL"
	case StatusViewChange:
		return "VIEWCHANGE"
	case StatusRecovering:
		return "RECOVERING"
	default:
		return "TERMINATED"
	}
}

// Replica is the top-level engine object; one per process per spec.md §2.
type Replica struct {
	cfg *config.Config
	app Application
	net *Network
	log logutil.Logger
	reg *metrics.Registry

	replicaId  uint32
	n          uint32
	quorum     int
	shardCount uint32

	status         atomic.Int32
	viewId         atomic.Uint32
	lastNormalView atomic.Uint32
	committedLogId atomic.Uint32

	store *logStore
	early *earlyBuffer // Processor-owned only
	late  *lateBuffer

	cv *crashVectorStore

	proxyAddr sync.Map // uint64 proxyId -> transport.Addr

	processQu   chan *RequestBody
	fastReplyQu []chan *LogEntry
	slowReplyQu []chan *LogEntry

	lastReleasedMu  sync.Mutex
	lastReleasedKey []Key // lastReleasedEntryByKeys_, Processor-owned

	owd *owdTracker

	gc gcState
	rr roundRobin

	backfill  backfillState
	indexSync indexSyncState

	master masterState

	lastHeartBeat atomic.Int64 // unix nanos of last accepted leader message

	runMu     sync.Mutex
	runCtx    context.Context
	runCancel context.CancelFunc
	workers   sync.WaitGroup
	active    atomic.Int32 // activeWorkerNum_

	stopped chan struct{}
}

// New constructs a Replica. isRecovering selects the initial status per
// spec.md §6's bootstrap contract: Replica(configFile, isRecovering).
func New(cfg *config.Config, app Application, net *Network, log logutil.Logger, reg *metrics.Registry, isRecovering bool) *Replica {
	r := &Replica{
		cfg:        cfg,
		app:        app,
		net:        net,
		log:        log,
		reg:        reg,
		replicaId:  cfg.ReplicaID,
		n:          cfg.ReplicaNum(),
		quorum:     cfg.SuperMajority(),
		shardCount: cfg.ShardCount,
		store:      newLogStore(cfg.KeyNum),
		early:      newEarlyBuffer(),
		late:       newLateBuffer(),
		cv:         newCrashVectorStore(cfg.ReplicaNum()),
		processQu:  make(chan *RequestBody, 4096),
		stopped:    make(chan struct{}),
	}
	r.lastReleasedKey = make([]Key, cfg.KeyNum)
	r.fastReplyQu = make([]chan *LogEntry, cfg.ShardCount)
	r.slowReplyQu = make([]chan *LogEntry, cfg.ShardCount)
	for i := range r.fastReplyQu {
		r.fastReplyQu[i] = make(chan *LogEntry, 4096)
		r.slowReplyQu[i] = make(chan *LogEntry, 4096)
	}
	r.owd = newOWDTracker(cfg.SlidingWindowLen, cfg.OWDHeadroom())
	r.gc = newGCState(cfg.ShardCount)
	pending, _ := lru.New[pendingIndexKey, wire.IndexSync](256)
	r.backfill = backfillState{
		pending:         pending,
		missedReqKeys:   make(map[uint64]struct{}),
		missingByReqKey: make(map[uint64]uint32),
		retryLimiter:    rate.NewLimiter(rate.Every(cfg.StateTransferTimeout()/4), 4),
	}
	r.master = newMasterState()

	if isRecovering {
		r.status.Store(int32(StatusRecovering))
	} else {
		r.status.Store(int32(StatusNormal))
		r.master.lastNormalView.Store(0)
	}
	return r
}

func (r *Replica) isLeader() bool {
	return r.viewId.Load()%r.n == r.replicaId
}

func (r *Replica) leaderOf(view uint32) uint32 { return view % r.n }

func (r *Replica) Status() Status { return Status(r.status.Load()) }

// Run starts every worker goroutine and blocks until ctx is cancelled or
// Terminate is called.
func (r *Replica) Run(ctx context.Context) {
	r.runMu.Lock()
	r.runCtx, r.runCancel = context.WithCancel(ctx)
	runCtx := r.runCtx
	r.runMu.Unlock()

	r.net.Client.RegisterHandler(r.handleClientMessage)
	r.net.Peer.RegisterHandler(r.handlePeerMessage)
	r.net.Client.Start()
	r.net.Peer.Start()

	if r.Status() == StatusRecovering {
		r.startRecovery()
	}

	r.spawn("receiver", r.receiverLoop)
	r.spawn("processor", r.processorLoop)
	for i := uint32(0); i < r.shardCount; i++ {
		shard := i
		r.spawn("fastreply", func(ctx context.Context) { r.fastReplyLoop(ctx, shard) })
		r.spawn("slowreply", func(ctx context.Context) { r.slowReplyLoop(ctx, shard) })
	}
	r.spawn("indexsend", r.indexSendLoop)
	r.spawn("indexrecv", r.indexRecvRetryLoop)
	r.spawn("missedindexack", r.missedIndexAckLoop)
	r.spawn("missedreqack", r.missedReqAckLoop)
	r.spawn("master", r.masterLoop)
	r.spawn("gc", r.gcLoop)
	r.spawn("owd", r.owdLoop)

	<-runCtx.Done()
	r.workers.Wait()
}

// spawn launches a worker goroutine that honors the cooperative
// cancellation discipline of spec.md §5/§9: "all workers sample status at
// each iteration... prefer cooperative cancellation tokens."
func (r *Replica) spawn(name string, fn func(ctx context.Context)) {
	r.workers.Add(1)
	go func() {
		defer r.workers.Done()
		r.active.Add(1)
		defer r.active.Add(-1)
		fn(r.runCtx)
	}()
}

// Terminate stops the replica permanently (spec.md §2's TERMINATED state).
func (r *Replica) Terminate() {
	r.status.Store(int32(StatusTerminated))
	r.runMu.Lock()
	cancel := r.runCancel
	r.runMu.Unlock()
	if cancel != nil {
		cancel()
	}
	close(r.stopped)
	_ = r.net.Client.Close()
	_ = r.net.Peer.Close()
}

// blockWhileNotNormal is the per-iteration check spec.md §5 requires of
// every worker loop ("only during status transition... wait on a condition
// variable until the master signals"). Implemented as a 2ms polling loop
// against ctx rather than an actual condvar: a worker resumes within one
// poll of status returning to NORMAL, and it returns false as soon as ctx
// is cancelled.
func (r *Replica) blockWhileNotNormal(ctx context.Context) bool {
	for r.Status() != StatusNormal {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(2 * time.Millisecond):
		}
	}
	return true
}

func shardFor(reqKey uint64, shardCount uint32) uint32 { return uint32(reqKey) % shardCount }
