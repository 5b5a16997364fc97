package bimap

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMap_PutPreservesInsertionOrder(t *testing.T) {
	m := New[string, int]()
	require.NoError(t, m.Put("c", 3))
	require.NoError(t, m.Put("a", 1))
	require.NoError(t, m.Put("b", 2))

	assert.Equal(t, []string{"c", "a", "b"}, m.Keys())
	assert.Equal(t, []int{3, 1, 2}, m.Values())
	assert.Equal(t, 3, m.Size())

	entries := m.Entries()
	require.Len(t, entries, 3)
	assert.Equal(t, Entry[string, int]{Key: "a", Value: 1}, entries[1])
}

func TestMap_Put(t *testing.T) {
	tests := []struct {
		name     string
		setup    func(m *Map[string, int])
		key      string
		value    int
		wantErr  error
		wantKeys []string
	}{
		{
			name:     "new key",
			setup:    func(m *Map[string, int]) {},
			key:      "a",
			value:    1,
			wantKeys: []string{"a"},
		},
		{
			name: "value bound to another key",
			setup: func(m *Map[string, int]) {
				_ = m.Put("a", 1)
			},
			key:      "b",
			value:    1,
			wantErr:  ErrValueBound,
			wantKeys: []string{"a"},
		},
		{
			name: "same key same value",
			setup: func(m *Map[string, int]) {
				_ = m.Put("a", 1)
			},
			key:      "a",
			value:    1,
			wantKeys: []string{"a"},
		},
		{
			name: "rebinding a key keeps position",
			setup: func(m *Map[string, int]) {
				_ = m.Put("a", 1)
				_ = m.Put("b", 2)
			},
			key:      "a",
			value:    9,
			wantKeys: []string{"a", "b"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := New[string, int]()
			tt.setup(m)
			err := m.Put(tt.key, tt.value)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.wantKeys, m.Keys())
		})
	}
}

func TestMap_RebindEvictsStaleReverseEntry(t *testing.T) {
	m := New[string, int]()
	require.NoError(t, m.Put("a", 1))
	require.NoError(t, m.Put("a", 2))

	_, ok := m.Inverse().Get(1)
	assert.False(t, ok, "old value should no longer resolve")

	k, ok := m.Inverse().Get(2)
	require.True(t, ok)
	assert.Equal(t, "a", k)

	// 1 is free again, so another key may take it.
	require.NoError(t, m.Put("b", 1))
}

func TestMap_InverseIsReadOnlyView(t *testing.T) {
	m := New[string, int]()
	inv := m.Inverse()
	assert.Equal(t, 0, inv.Size())

	require.NoError(t, m.Put("x", 10))
	require.NoError(t, m.Put("y", 20))

	assert.Equal(t, 2, inv.Size())
	assert.Equal(t, []int{10, 20}, inv.Keys())
	k, ok := inv.Get(20)
	require.True(t, ok)
	assert.Equal(t, "y", k)
}

func TestMap_Clear(t *testing.T) {
	m := New[string, int]()
	require.NoError(t, m.Put("a", 1))
	m.Clear()

	assert.Equal(t, 0, m.Size())
	assert.Empty(t, m.Keys())
	_, ok := m.Get("a")
	assert.False(t, ok)
	require.NoError(t, m.Put("b", 1))
}

func TestMap_SnapshotsAreDetached(t *testing.T) {
	m := New[string, int]()
	require.NoError(t, m.Put("a", 1))
	keys := m.Keys()
	require.NoError(t, m.Put("b", 2))
	assert.Equal(t, []string{"a"}, keys)
}

func TestMap_ConcurrentPut(t *testing.T) {
	m := New[string, int]()
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				n := w*100 + i
				_ = m.Put(fmt.Sprintf("k%d", n), n)
				_ = m.Keys()
			}
		}(w)
	}
	wg.Wait()

	assert.Equal(t, 800, m.Size())
	assert.Equal(t, 800, m.Inverse().Size())
}
