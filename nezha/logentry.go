package nezha

import "math"

// NoPrevLogId / NoNextLogId are the sentinel prev/next ids spec.md §3
// specifies: "initial prevLogId=0, nextLogId=UINT32_MAX".
const (
	NoPrevLogId uint32 = 0
	NoNextLogId uint32 = math.MaxUint32
)

// LogEntry is spec.md §3's LogEntry: a released request plus the hash-chain
// and commutativity-chain bookkeeping built on release.
type LogEntry struct {
	LogId uint32
	Body  RequestBody

	MyHash      Hash // H(deadline, reqKey)
	ChainedHash Hash // accumulative XOR hash up to and including this entry

	// ChainedHashByKey is the parallel per-opKey accumulative hash. spec.md
	// §9's open question keeps it as an optimization hook: it is computed
	// and queryable but never placed on the wire (see SPEC_FULL.md §5.1).
	ChainedHashByKey Hash

	PrevLogId uint32 // previous entry with the same opKey, NoPrevLogId if none
	NextLogId uint32 // next entry with the same opKey, NoNextLogId if none

	Result []byte

	// Missing marks a placeholder synced entry created by IndexRecv when a
	// record referenced a reqKey it had not seen yet (spec.md §4.5).
	Missing bool
}

func (e *LogEntry) Key() Key { return e.Body.Key() }
