package nezha

import (
	"sync"
	"sync/atomic"
)

// logArena is spec.md §3's append-only, logId-keyed map ("syncedEntries" or
// "unsyncedEntries"), realized as a mutex-protected map with single-writer,
// many-reader discipline (spec.md §5): the map itself uses an RWMutex
// rather than sync.Map because GC (spec.md §4.9) needs to delete a
// contiguous range atomically with respect to readers, which sync.Map
// cannot express as one critical section.
type logArena struct {
	mu      sync.RWMutex
	entries map[uint32]*LogEntry
	maxId   atomic.Uint32
	minId   atomic.Uint32 // only meaningful for the unsynced arena (follower)
}

func newLogArena() *logArena {
	return &logArena{entries: make(map[uint32]*LogEntry)}
}

func (a *logArena) Get(logId uint32) (*LogEntry, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	e, ok := a.entries[logId]
	return e, ok
}

// Put is the single writer's insert path.
func (a *logArena) Put(e *LogEntry) {
	a.mu.Lock()
	a.entries[e.LogId] = e
	a.mu.Unlock()
	bumpMax(&a.maxId, e.LogId)
}

// Replace overwrites an existing entry in place (used by the back-fill path
// to flip a placeholder "missing" entry once the real request arrives).
func (a *logArena) Replace(logId uint32, e *LogEntry) {
	a.mu.Lock()
	a.entries[logId] = e
	a.mu.Unlock()
}

// Delete removes an entry; used by the leader's promoteToSynced to drop the
// unsynced copy.
func (a *logArena) Delete(logId uint32) {
	a.mu.Lock()
	delete(a.entries, logId)
	a.mu.Unlock()
}

// DeleteRange removes (lo, hi] for GC, matching the watermark semantics of
// spec.md §4.9 ("drops entries at or below these watermarks").
func (a *logArena) DeleteRange(lo, hi uint32) {
	a.mu.Lock()
	for id := lo + 1; id <= hi; id++ {
		delete(a.entries, id)
	}
	a.mu.Unlock()
}

func (a *logArena) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.entries)
}

func (a *logArena) MaxId() uint32 { return a.maxId.Load() }
func (a *logArena) MinId() uint32 { return a.minId.Load() }

func bumpMax(v *atomic.Uint32, candidate uint32) {
	for {
		cur := v.Load()
		if candidate <= cur {
			return
		}
		if v.CompareAndSwap(cur, candidate) {
			return
		}
	}
}

// inverseIndex maps reqKey -> logId for O(1) duplicate detection (spec.md
// §3's syncedReq2LogId/unsyncedReq2LogId). sync.Map fits here exactly:
// many concurrent readers (every Receiver/Processor goroutine), and writes
// only ever add a brand-new key (a reqKey is never reassigned to a
// different logId, invariant 3 of spec.md §3), so there is no whole-map
// critical section to protect.
type inverseIndex struct {
	m sync.Map // reqKey(uint64) -> logId(uint32)
}

func (idx *inverseIndex) Lookup(reqKey uint64) (uint32, bool) {
	v, ok := idx.m.Load(reqKey)
	if !ok {
		return 0, false
	}
	return v.(uint32), true
}

func (idx *inverseIndex) Insert(reqKey uint64, logId uint32) { idx.m.Store(reqKey, logId) }
func (idx *inverseIndex) Delete(reqKey uint64)                { idx.m.Delete(reqKey) }

// keyWatermarks holds the three per-opKey fine-grained watermark arrays
// spec.md §3 defines for the commutativity optimization.
type keyWatermarks struct {
	maxSynced   []atomic.Uint32 // maxSyncedLogIdByKey
	minUnsynced []atomic.Uint32 // minUnSyncedLogIdByKey
	maxUnsynced []atomic.Uint32 // maxUnSyncedLogIdByKey
}

func newKeyWatermarks(keyNum uint32) *keyWatermarks {
	return &keyWatermarks{
		maxSynced:   make([]atomic.Uint32, keyNum),
		minUnsynced: make([]atomic.Uint32, keyNum),
		maxUnsynced: make([]atomic.Uint32, keyNum),
	}
}

// logStore bundles the dual log structure (spec.md §3): synced/unsynced
// arenas, their inverse indexes, and the per-key watermark arrays. The
// Processor mutates it on release; the promotion paths (IndexSend on the
// leader, IndexRecv and back-fill on followers, view change, recovery)
// mutate it on promotion to synced; GC trims the synced arena.
type logStore struct {
	keyNum uint32

	synced   *logArena
	unsynced *logArena

	syncedIdx   *inverseIndex
	unsyncedIdx *inverseIndex

	watermarks *keyWatermarks
}

func newLogStore(keyNum uint32) *logStore {
	return &logStore{
		keyNum:      keyNum,
		synced:      newLogArena(),
		unsynced:    newLogArena(),
		syncedIdx:   &inverseIndex{},
		unsyncedIdx: &inverseIndex{},
		watermarks:  newKeyWatermarks(keyNum),
	}
}

// IsDuplicate implements spec.md §4.1's duplicate-detection predicate:
// reqKey already present in either inverse index.
func (s *logStore) IsDuplicate(reqKey uint64) bool {
	if _, ok := s.syncedIdx.Lookup(reqKey); ok {
		return true
	}
	_, ok := s.unsyncedIdx.Lookup(reqKey)
	return ok
}
