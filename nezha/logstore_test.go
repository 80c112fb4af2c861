package nezha

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLogStoreDuplicateDetection(t *testing.T) {
	s := newLogStore(4)
	require.False(t, s.IsDuplicate(42))

	s.unsynced.Put(&LogEntry{LogId: 1, Body: RequestBody{ReqKey: 42}})
	s.unsyncedIdx.Insert(42, 1)
	require.True(t, s.IsDuplicate(42))

	s.unsyncedIdx.Delete(42)
	s.syncedIdx.Insert(42, 1)
	require.True(t, s.IsDuplicate(42))
}

func TestLogArenaDeleteRange(t *testing.T) {
	a := newLogArena()
	for i := uint32(1); i <= 5; i++ {
		a.Put(&LogEntry{LogId: i})
	}
	require.Equal(t, 5, a.Len())
	a.DeleteRange(0, 3)
	require.Equal(t, 2, a.Len())
	_, ok := a.Get(3)
	require.False(t, ok)
	_, ok = a.Get(4)
	require.True(t, ok)
}

func TestCrashVectorMerge(t *testing.T) {
	merged, changed := Merge([]uint32{1, 2, 3}, []uint32{0, 5, 3})
	require.True(t, changed)
	require.Equal(t, []uint32{1, 5, 3}, merged)

	_, changed = Merge([]uint32{9, 9}, []uint32{1, 1})
	require.False(t, changed)
}

func TestCrashVectorStoreInstallAndClear(t *testing.T) {
	s := newCrashVectorStore(3)
	require.Equal(t, uint32(0), s.InUse().Version)

	s.Install([]uint32{1, 0, 0})
	s.Install([]uint32{1, 1, 0})
	require.Equal(t, uint32(2), s.InUse().Version)

	s.ClearBelow(2)
	_, ok := s.Get(0)
	require.False(t, ok)
	_, ok = s.Get(2)
	require.True(t, ok)
}
