package nezha

import (
	"encoding/binary"
	"sync"
)

// CrashVector is spec.md §3's CV: a per-replica crash counter vector tagged
// onto every message to detect stale incarnations.
type CrashVector struct {
	Counts  []uint32
	Version uint32
	Hash    Hash
}

// NewCrashVector builds a CrashVector and computes its content hash, the Go
// analogue of original_source/lib/utils.h's CrashVectorStruct constructor.
func NewCrashVector(counts []uint32, version uint32) *CrashVector {
	buf := make([]byte, 4*len(counts))
	for i, c := range counts {
		binary.BigEndian.PutUint32(buf[i*4:], c)
	}
	return &CrashVector{Counts: append([]uint32(nil), counts...), Version: version, Hash: DeriveBytes(buf)}
}

// Merge element-wise maxes a and b, per spec.md §4.6 ("aggregate
// (element-wise max)"). Returns the merged counts and whether b raised any
// slot above a.
func Merge(a, b []uint32) ([]uint32, bool) {
	n := len(a)
	if len(b) > n {
		n = len(b)
	}
	out := make([]uint32, n)
	changed := false
	for i := 0; i < n; i++ {
		var av, bv uint32
		if i < len(a) {
			av = a[i]
		}
		if i < len(b) {
			bv = b[i]
		}
		if bv > av {
			out[i] = bv
			changed = true
		} else {
			out[i] = av
		}
	}
	return out, changed
}

// crashVectorStore keeps the versioned CV history spec.md §3 requires ("A
// versioned history of CVs is kept so in-flight messages signed with older
// CV versions remain decodable") plus the single "in use" pointer.
//
// Single writer (Master), many readers (every message handler doing
// admitMessage checks) — realized with a mutex-protected map, matching the
// corpus's own sync.Map-for-single-writer idiom; a plain mutex is used
// instead of sync.Map here because versions are also iterated in order
// during GC (spec.md §4.9), which sync.Map does not support cleanly.
type crashVectorStore struct {
	mu      sync.RWMutex
	history map[uint32]*CrashVector
	inUse   *CrashVector
}

func newCrashVectorStore(n uint32) *crashVectorStore {
	cv := NewCrashVector(make([]uint32, n), 0)
	return &crashVectorStore{
		history: map[uint32]*CrashVector{0: cv},
		inUse:   cv,
	}
}

func (s *crashVectorStore) InUse() *CrashVector {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.inUse
}

func (s *crashVectorStore) Get(version uint32) (*CrashVector, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cv, ok := s.history[version]
	return cv, ok
}

// Install records a new CV as both history entry and the in-use vector,
// bumping the version. Called by the Master on every merge that advances
// local knowledge (spec.md §4.8 "merge and bump local version").
func (s *crashVectorStore) Install(counts []uint32) *CrashVector {
	s.mu.Lock()
	defer s.mu.Unlock()
	version := s.inUse.Version + 1
	cv := NewCrashVector(counts, version)
	s.history[version] = cv
	s.inUse = cv
	return cv
}

// ClearBelow drops every version strictly below keep, the cvVersionToClear_
// watermark from spec.md §4.9.
func (s *crashVectorStore) ClearBelow(keep uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for v := range s.history {
		if v < keep {
			delete(s.history, v)
		}
	}
}

func (s *crashVectorStore) MinVersion() uint32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	min := s.inUse.Version
	for v := range s.history {
		if v < min {
			min = v
		}
	}
	return min
}
