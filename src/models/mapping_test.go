package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunkMapping_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mapping ChunkMapping
		n       int
		wantErr bool
	}{
		{"complete", ChunkMapping{"a": 0, "b": 1, "c": 2}, 3, false},
		{"single", ChunkMapping{"a": 0}, 1, false},
		{"gap", ChunkMapping{"a": 0, "b": 2}, 2, true},
		{"duplicate index", ChunkMapping{"a": 0, "b": 0}, 2, true},
		{"too few", ChunkMapping{"a": 0}, 2, true},
		{"negative", ChunkMapping{"a": -1}, 1, true},
		{"empty id", ChunkMapping{"": 0}, 1, true},
		{"zero count", ChunkMapping{}, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.mapping.Validate(tt.n)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidMapping)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestChunkMapping_OrderedIDs(t *testing.T) {
	m := ChunkMapping{"z": 0, "a": 2, "m": 1}
	assert.Equal(t, []string{"z", "m", "a"}, m.OrderedIDs())
}

func TestChunkMapping_ScanValue(t *testing.T) {
	m := ChunkMapping{"id-1": 1, "id-0": 0}

	v, err := m.Value()
	require.NoError(t, err)

	var fromString ChunkMapping
	require.NoError(t, fromString.Scan(v))
	assert.Equal(t, m, fromString)

	var fromBytes ChunkMapping
	require.NoError(t, fromBytes.Scan([]byte(v.(string))))
	assert.Equal(t, m, fromBytes)

	var fromNil ChunkMapping
	require.NoError(t, fromNil.Scan(nil))
	assert.Nil(t, fromNil)

	assert.Error(t, fromNil.Scan(42))
}

func TestWrappedKey_ScanValue(t *testing.T) {
	k := WrappedKey{0x00, 0xff, 0x10, 0x20}

	v, err := k.Value()
	require.NoError(t, err)
	assert.Equal(t, "AP8QIA==", v)

	var back WrappedKey
	require.NoError(t, back.Scan(v))
	assert.Equal(t, k, back)

	assert.Error(t, back.Scan("***"))
}

func TestMappingRecord_JSONShape(t *testing.T) {
	rec := MappingRecord{
		ObfuscatedName: "abcd",
		Mapping:        ChunkMapping{"u0": 0},
		WrappedKey:     WrappedKey{1, 2, 3},
		ChunkCount:     1,
	}
	require.NoError(t, rec.Validate())

	raw, err := json.Marshal(rec)
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, map[string]interface{}{"u0": float64(0)}, decoded["mapping_info"])
	assert.Equal(t, "AQID", decoded["wrapped_symmetric_key"])

	rec.WrappedKey = nil
	assert.ErrorIs(t, rec.Validate(), ErrInvalidMapping)
}
