package array

import (
	"context"
	"testing"

	"tilevault/pkg/codec"
	"tilevault/pkg/storage"
	"tilevault/pkg/storage/disk"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSchema() *Schema {
	return &Schema{
		Attributes: []Attribute{
			{Name: "a1", CellSize: 4},
			{Name: "a2", VarSize: true, CellSize: 1},
		},
		DimNum:       2,
		Domain:       []int64{1, 4, 1, 4},
		CellsPerTile: 4,
		Capacity:     2,
	}
}

func TestSchema_Sizes(t *testing.T) {
	s := testSchema()

	assert.Equal(t, 2, s.AttributeNum())
	assert.Equal(t, 2, s.CoordsID())
	assert.Equal(t, uint64(16), s.CoordsSize())

	assert.Equal(t, uint64(4), s.CellSize(0))
	assert.Equal(t, uint64(CellVarOffsetSize), s.CellSize(1), "var attribute stores offsets")
	assert.Equal(t, uint64(16), s.CellSize(s.CoordsID()))

	assert.False(t, s.VarSize(0))
	assert.True(t, s.VarSize(1))
	assert.False(t, s.VarSize(s.CoordsID()))

	assert.Equal(t, CoordsName, s.AttributeName(s.CoordsID()))
	id, err := s.AttributeID("a2")
	require.NoError(t, err)
	assert.Equal(t, 1, id)
	_, err = s.AttributeID("missing")
	assert.Error(t, err)
}

func TestSchema_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(s *Schema)
	}{
		{"no attributes", func(s *Schema) { s.Attributes = nil }},
		{"duplicate", func(s *Schema) { s.Attributes[1].Name = "a1" }},
		{"reserved name", func(s *Schema) { s.Attributes[0].Name = CoordsName }},
		{"zero cell size", func(s *Schema) { s.Attributes[0].CellSize = 0 }},
		{"no dims", func(s *Schema) { s.DimNum = 0 }},
		{"domain length", func(s *Schema) { s.Domain = []int64{1, 4} }},
		{"empty domain", func(s *Schema) { s.Domain[0] = 5 }},
		{"zero tile", func(s *Schema) { s.CellsPerTile = 0 }},
	}

	require.NoError(t, testSchema().Validate())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := testSchema()
			tt.mutate(s)
			assert.ErrorIs(t, s.Validate(), storage.ErrInit)
		})
	}
}

func TestSchema_StoreLoad(t *testing.T) {
	store, err := disk.NewAdapter(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	s := testSchema()
	s.URI = store.Root().JoinPath("my_array")
	require.NoError(t, s.Store(ctx, store, codec.Default()))
	assert.True(t, store.IsFile(ctx, SchemaURI(s.URI)))

	loaded, err := Load(ctx, store, s.URI, codec.Default())
	require.NoError(t, err)
	assert.Equal(t, s, loaded)

	_, err = Load(ctx, store, store.Root().JoinPath("ghost"), codec.Default())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
