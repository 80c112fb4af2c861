package nezha

import "sort"

// earlyBuffer is spec.md §3's ordered (deadline, reqKey) -> RequestBody
// mapping of not-yet-releasable requests. It is single-writer (Processor,
// spec.md §5), so it needs no internal locking; callers serialize access
// themselves (the Processor goroutine owns it exclusively).
//
// Backed by a slice kept sorted by Key rather than a tree: entries are
// always released from the front in ascending order (spec.md §4.2), so a
// sorted slice gives O(log n) release-point lookup and O(k) removal of a
// releasable prefix, at the cost of O(n) insert — acceptable since no
// ecosystem ordered-map type appears anywhere in the retrieved corpus (see
// DESIGN.md) and the corpus's own std::map<pair,...> has the same O(log n)
// per-op complexity this trades insert-time for release-time on.
type earlyBuffer struct {
	keys  []Key
	items map[Key]RequestBody
}

func newEarlyBuffer() *earlyBuffer {
	return &earlyBuffer{items: make(map[Key]RequestBody)}
}

func (b *earlyBuffer) Len() int { return len(b.keys) }

// Insert adds rb keyed by its (deadline, reqKey), maintaining sort order.
// Caller must have already excluded duplicates (spec.md §4.2 step 1).
func (b *earlyBuffer) Insert(rb RequestBody) {
	k := rb.Key()
	i := sort.Search(len(b.keys), func(i int) bool { return !b.keys[i].Less(k) })
	b.keys = append(b.keys, Key{})
	copy(b.keys[i+1:], b.keys[i:])
	b.keys[i] = k
	b.items[k] = rb
}

// ReleasablePrefix removes and returns, in ascending key order, every entry
// whose key is <= horizon (spec.md §4.2: "all entries with key <= (R, ∞)
// are releasable in key order").
func (b *earlyBuffer) ReleasablePrefix(horizon Key) []RequestBody {
	i := sort.Search(len(b.keys), func(i int) bool { return horizon.Less(b.keys[i]) })
	if i == 0 {
		return nil
	}
	out := make([]RequestBody, 0, i)
	for _, k := range b.keys[:i] {
		out = append(out, b.items[k])
		delete(b.items, k)
	}
	b.keys = b.keys[i:]
	return out
}
