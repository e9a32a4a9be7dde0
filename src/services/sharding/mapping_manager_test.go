package sharding

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/nas-ai/shardvault/src/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestMappingManager_IdentifyInMemory(t *testing.T) {
	mgr := NewMappingManager(nil)
	set, err := Split([]byte("abcdefghij"), 4)
	require.NoError(t, err)

	mapping, err := mgr.Identify(set)
	require.NoError(t, err)
	require.NoError(t, mapping.Validate(4))

	for _, c := range set.Chunks {
		_, err := uuid.Parse(c.TransportID)
		assert.NoError(t, err)
		assert.Equal(t, c.OriginalIndex, mapping[c.TransportID])
	}
}

func TestMappingManager_IdentifyRenamesFiles(t *testing.T) {
	dir := t.TempDir()
	paths := make([]string, 3)
	set := &models.ChunkSet{}
	for i := range paths {
		paths[i] = filepath.Join(dir, "part_"+string(rune('a'+i)))
		require.NoError(t, os.WriteFile(paths[i], []byte{byte(i)}, 0o600))
		set.Chunks = append(set.Chunks, models.Chunk{OriginalIndex: i, SizeBytes: 1, Path: paths[i]})
	}

	mgr := NewMappingManager(nil)
	_, err := mgr.Identify(set)
	require.NoError(t, err)

	for i, c := range set.Chunks {
		assert.Equal(t, filepath.Join(dir, c.TransportID), c.Path)
		data, err := os.ReadFile(c.Path)
		require.NoError(t, err)
		assert.Equal(t, []byte{byte(i)}, data)

		_, err = os.Stat(paths[i])
		assert.True(t, os.IsNotExist(err))
	}
}

func TestMappingManager_IdentifyCollision(t *testing.T) {
	mgr := NewMappingManager(nil)
	mgr.newID = func() string { return "same" }

	set, err := Split([]byte("abcd"), 2)
	require.NoError(t, err)

	_, err = mgr.Identify(set)
	assert.Error(t, err)
}

func TestMappingManager_Reorder(t *testing.T) {
	mgr := NewMappingManager(nil)
	mapping := models.ChunkMapping{"c": 2, "a": 0, "b": 1}

	fetched := []models.Chunk{
		{TransportID: "b", Data: []byte("B")},
		{TransportID: "c", Data: []byte("C")},
		{TransportID: "a", Data: []byte("A")},
	}

	ordered, err := mgr.Reorder(mapping, fetched)
	require.NoError(t, err)

	joined, err := Join(ordered, 3)
	require.NoError(t, err)
	assert.Equal(t, "ABC", string(joined))
}

func TestMappingManager_ReorderIncomplete(t *testing.T) {
	mgr := NewMappingManager(nil)
	mapping := models.ChunkMapping{"a": 0, "b": 1, "c": 2}

	tests := []struct {
		name    string
		fetched []models.Chunk
		check   func(t *testing.T, e *IncompleteMappingError)
	}{
		{
			name:    "missing",
			fetched: []models.Chunk{{TransportID: "a", Data: []byte{}}, {TransportID: "c", Data: []byte{}}},
			check: func(t *testing.T, e *IncompleteMappingError) {
				assert.Equal(t, []string{"b"}, e.Missing)
			},
		},
		{
			name: "unexpected",
			fetched: []models.Chunk{
				{TransportID: "a", Data: []byte{}}, {TransportID: "b", Data: []byte{}},
				{TransportID: "c", Data: []byte{}}, {TransportID: "x", Data: []byte{}},
			},
			check: func(t *testing.T, e *IncompleteMappingError) {
				assert.Equal(t, []string{"x"}, e.Unexpected)
				assert.Empty(t, e.Missing)
			},
		},
		{
			name: "duplicate",
			fetched: []models.Chunk{
				{TransportID: "a", Data: []byte{}}, {TransportID: "a", Data: []byte{}},
				{TransportID: "b", Data: []byte{}}, {TransportID: "c", Data: []byte{}},
			},
			check: func(t *testing.T, e *IncompleteMappingError) {
				assert.Equal(t, []string{"a"}, e.Duplicate)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := mgr.Reorder(mapping, tt.fetched)
			var incomplete *IncompleteMappingError
			require.True(t, errors.As(err, &incomplete), "got %v", err)
			tt.check(t, incomplete)
		})
	}
}

func TestMappingManager_ReorderRejectsInvalidMapping(t *testing.T) {
	mgr := NewMappingManager(nil)
	_, err := mgr.Reorder(models.ChunkMapping{"a": 0, "b": 5}, nil)
	assert.ErrorIs(t, err, models.ErrInvalidMapping)
}

func TestMappingManager_ReorderProperty(t *testing.T) {
	mgr := NewMappingManager(nil)

	rapid.Check(t, func(t *rapid.T) {
		blob := rapid.SliceOfN(rapid.Byte(), 1, 512).Draw(t, "blob")
		n := rapid.IntRange(1, 40).Draw(t, "n")

		set, err := Split(blob, n)
		if err != nil {
			t.Fatalf("Split failed: %v", err)
		}
		mapping, err := mgr.Identify(set)
		if err != nil {
			t.Fatalf("Identify failed: %v", err)
		}

		// Simulate arbitrary arrival order with the index stripped
		perm := rapid.Permutation(set.Chunks).Draw(t, "arrival")
		for i := range perm {
			perm[i].OriginalIndex = -1
		}

		ordered, err := mgr.Reorder(mapping, perm)
		if err != nil {
			t.Fatalf("Reorder failed: %v", err)
		}
		joined, err := Join(ordered, n)
		if err != nil {
			t.Fatalf("Join failed: %v", err)
		}
		if string(joined) != string(blob) {
			t.Fatalf("reordered join mismatch")
		}
	})
}
