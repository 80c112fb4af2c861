// Package testapp provides a trivial in-memory key/value Application, used
// by the cmd/nezha-replica example binary to exercise the replica end to
// end without a real application attached. The engine's own tests use a
// separate echo application.
package testapp

import (
	"context"
	"encoding/binary"
	"sync"

	"github.com/dqian3/Nezha/nezha"
)

// Store is a minimal deterministic state machine: Command is
// "SET<8-byte-value>" or "GET", keyed implicitly by OpKey, so commands with
// the same OpKey observe each other's writes in release order while
// distinct OpKeys commute (spec.md §3's definition of opKey).
type Store struct {
	mu    sync.Mutex
	state map[uint32]uint64
}

func New() *Store { return &Store{state: make(map[uint32]uint64)} }

func (s *Store) Execute(_ context.Context, rb nezha.RequestBody) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(rb.Command) >= 11 && string(rb.Command[:3]) == "SET" {
		s.state[rb.OpKey] = binary.BigEndian.Uint64(rb.Command[3:11])
	}
	out := make([]byte, 8)
	binary.BigEndian.PutUint64(out, s.state[rb.OpKey])
	return out, nil
}
