package nezha

// RequestBody is the client request as defined by spec.md §3.
type RequestBody struct {
	Deadline uint64
	ReqKey   uint64
	OpKey    uint32
	ProxyId  uint64
	Command  []byte
}

// Key is the (deadline, reqKey) pair spec.md §3 defines the canonical
// ordering relation over.
type Key struct {
	Deadline uint64
	ReqKey   uint64
}

func (rb *RequestBody) Key() Key { return Key{Deadline: rb.Deadline, ReqKey: rb.ReqKey} }

// Less implements the strict lexicographic (deadline, reqKey) order spec.md
// §3 calls the canonical ordering relation. Ties are broken by reqKey
// because clients may reuse a deadline but reqKey is globally unique
// (spec.md §4.2).
func (k Key) Less(other Key) bool {
	if k.Deadline != other.Deadline {
		return k.Deadline < other.Deadline
	}
	return k.ReqKey < other.ReqKey
}

func (k Key) LessOrEqual(other Key) bool {
	return k.Less(other) || k == other
}
