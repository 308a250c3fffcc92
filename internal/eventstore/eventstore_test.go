package eventstore

import (
	"fmt"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendAssignsSortableIDs(t *testing.T) {
	s := New(100)
	var ids []string
	for i := 0; i < 15; i++ {
		ids = append(ids, s.Append([]byte(fmt.Sprintf("msg-%d", i))))
	}

	assert.True(t, sort.StringsAreSorted(ids), "ids must sort lexicographically in assignment order")
	assert.Equal(t, "000000000001", ids[0])
	assert.Equal(t, "000000000010", ids[9], "padding must survive the digit rollover")
}

func TestReplayAfter(t *testing.T) {
	s := New(100)
	id1 := s.Append([]byte("a"))
	s.Append([]byte("b"))
	s.Append([]byte("c"))

	t.Run("from cursor", func(t *testing.T) {
		events, err := s.ReplayAfter(id1)
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, []byte("b"), events[0].Data)
		assert.Equal(t, []byte("c"), events[1].Data)
	})

	t.Run("empty cursor replays everything", func(t *testing.T) {
		events, err := s.ReplayAfter("")
		require.NoError(t, err)
		assert.Len(t, events, 3)
	})

	t.Run("cursor at tail replays nothing", func(t *testing.T) {
		events, err := s.ReplayAfter("000000000003")
		require.NoError(t, err)
		assert.Empty(t, events)
	})

	t.Run("fabricated cursor", func(t *testing.T) {
		_, err := s.ReplayAfter("not-an-id")
		var unknown *ErrUnknownEventID
		assert.ErrorAs(t, err, &unknown)

		_, err = s.ReplayAfter("000000000099")
		assert.ErrorAs(t, err, &unknown)
	})
}

func TestEvictionIsFIFO(t *testing.T) {
	s := New(3)
	first := s.Append([]byte("a"))
	for _, d := range []string{"b", "c", "d", "e"} {
		s.Append([]byte(d))
	}

	assert.Equal(t, 3, s.Len())

	events, err := s.ReplayAfter("")
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, []byte("c"), events[0].Data, "oldest events must be the ones evicted")

	// A cursor that fell out of the window is a gap, not a silent skip.
	_, err = s.ReplayAfter(first)
	var evicted *ErrEvicted
	require.ErrorAs(t, err, &evicted)
	assert.Equal(t, first, evicted.LastEventID)
}

func TestReplaySnapshotIsStable(t *testing.T) {
	s := New(2)
	s.Append([]byte("a"))
	s.Append([]byte("b"))

	events, err := s.ReplayAfter("")
	require.NoError(t, err)

	// Later appends and evictions must not reach into the snapshot.
	s.Append([]byte("c"))
	s.Append([]byte("d"))

	require.Len(t, events, 2)
	assert.Equal(t, []byte("a"), events[0].Data)
	assert.Equal(t, []byte("b"), events[1].Data)
}
