package nezha

import (
	"crypto/sha1"
	"encoding/binary"

	"github.com/dqian3/Nezha/wire"
)

// Hash is the SHA_HASH of spec.md §3: a 160-bit value supporting XOR
// combination and two derivation forms.
type Hash [sha1.Size]byte

// Combine XORs h with other, the accumulative-hash extension spec.md §3
// describes for both the global and per-key chains.
func (h Hash) Combine(other Hash) Hash {
	var out Hash
	for i := range out {
		out[i] = h[i] ^ other[i]
	}
	return out
}

// DeriveKey computes H(deadline, reqKey), the per-entry "myHash" spec.md
// §3/§4.3 defines.
func DeriveKey(deadline, reqKey uint64) Hash {
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[0:8], deadline)
	binary.BigEndian.PutUint64(buf[8:16], reqKey)
	return sha1.Sum(buf[:])
}

// DeriveClient computes H(deadline, clientId, reqId), the alternate
// derivation spec.md §3 lists for client-facing correlation.
func DeriveClient(deadline uint64, clientId uint32, reqId uint64) Hash {
	var buf [20]byte
	binary.BigEndian.PutUint64(buf[0:8], deadline)
	binary.BigEndian.PutUint32(buf[8:12], clientId)
	binary.BigEndian.PutUint64(buf[12:20], reqId)
	return sha1.Sum(buf[:])
}

// DeriveBytes computes H(content), used for the crash-vector hash
// (spec.md §3 CrashVector.cvHash) and for content-addressed checks.
func DeriveBytes(content []byte) Hash {
	return sha1.Sum(content)
}

func (h Hash) toWire() wire.Hash {
	var w wire.Hash
	copy(w[:], h[:])
	return w
}

func fromWire(w wire.Hash) Hash {
	var h Hash
	copy(h[:], w[:])
	return h
}
