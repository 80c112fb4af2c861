package nezha

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEarlyBufferReleasesInKeyOrder(t *testing.T) {
	b := newEarlyBuffer()
	b.Insert(RequestBody{Deadline: 30, ReqKey: 1})
	b.Insert(RequestBody{Deadline: 10, ReqKey: 2})
	b.Insert(RequestBody{Deadline: 20, ReqKey: 3})
	require.Equal(t, 3, b.Len())

	out := b.ReleasablePrefix(Key{Deadline: 20, ReqKey: ^uint64(0)})
	require.Len(t, out, 2)
	require.Equal(t, uint64(10), out[0].Deadline)
	require.Equal(t, uint64(20), out[1].Deadline)
	require.Equal(t, 1, b.Len())
}

func TestEarlyBufferTieBreaksOnReqKey(t *testing.T) {
	b := newEarlyBuffer()
	b.Insert(RequestBody{Deadline: 10, ReqKey: 5})
	b.Insert(RequestBody{Deadline: 10, ReqKey: 2})
	out := b.ReleasablePrefix(Key{Deadline: 10, ReqKey: ^uint64(0)})
	require.Len(t, out, 2)
	require.Equal(t, uint64(2), out[0].ReqKey)
	require.Equal(t, uint64(5), out[1].ReqKey)
}

func TestEarlyBufferEmptyPrefix(t *testing.T) {
	b := newEarlyBuffer()
	b.Insert(RequestBody{Deadline: 100, ReqKey: 1})
	out := b.ReleasablePrefix(Key{Deadline: 50, ReqKey: ^uint64(0)})
	require.Empty(t, out)
	require.Equal(t, 1, b.Len())
}
