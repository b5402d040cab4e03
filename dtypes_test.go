package tracklab

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJoinTypesLattice(t *testing.T) {
	users := mustTable(t, WithColumns("id"))

	tests := []struct {
		name string
		a, b ColumnType
		want TypeKind
	}{
		{"unknown absorbs number", UnknownType(), NumberType(), TypeNumber},
		{"number joins itself", NumberType(), NumberType(), TypeNumber},
		{"number vs string", NumberType(), StringType(), TypeInvalid},
		{"any absorbs everything", AnyType(), BooleanType(), TypeAny},
		{"invalid is sticky", InvalidType(), UnknownType(), TypeInvalid},
		{"pk joins string", PrimaryKeyType(), StringType(), TypePrimaryKey},
		{"pk vs number", PrimaryKeyType(), NumberType(), TypeInvalid},
		{"fk joins string", ForeignKeyType(users, "id"), StringType(), TypeForeignKey},
		{"foreign index joins number", ForeignIndexType(users), NumberType(), TypeForeignIndex},
		{"foreign index vs string", ForeignIndexType(users), StringType(), TypeInvalid},
		{"media kinds must match", MediaType("image-file"), MediaType("histogram"), TypeInvalid},
		{"same media kind", MediaType("image-file"), MediaType("image-file"), TypeMedia},
		{"ndarray shape mismatch", NDArrayType(2, 2), NDArrayType(4), TypeInvalid},
		{"ndarray same shape", NDArrayType(3), NDArrayType(3), TypeNDArray},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := joinTypes(tc.a, tc.b)
			assert.Equal(t, tc.want, got.Kind)
			// Joins are symmetric.
			assert.Equal(t, tc.want, joinTypes(tc.b, tc.a).Kind)
		})
	}
}

func TestJoinTypesForeignKeyIdentity(t *testing.T) {
	a := mustTable(t, WithColumns("id"))
	b := mustTable(t, WithColumns("id"))

	same := joinTypes(ForeignKeyType(a, "id"), ForeignKeyType(a, "id"))
	require.Equal(t, TypeForeignKey, same.Kind)

	// Same column name on a different table instance does not join.
	other := joinTypes(ForeignKeyType(a, "id"), ForeignKeyType(b, "id"))
	assert.Equal(t, TypeInvalid, other.Kind)
}

func TestJoinTypesCarriesOptional(t *testing.T) {
	nilCell := typeOfCell(nil)
	require.True(t, nilCell.Optional)

	got := joinTypes(nilCell, NumberType())
	assert.Equal(t, TypeNumber, got.Kind)
	assert.True(t, got.Optional)

	// Optional infects further joins.
	again := joinTypes(got, NumberType())
	assert.True(t, again.Optional)
}

func TestTypeOfCell(t *testing.T) {
	users := mustTable(t, WithColumns("id"))

	assert.Equal(t, TypeBoolean, typeOfCell(true).Kind)
	assert.Equal(t, TypeNumber, typeOfCell(int64(7)).Kind)
	assert.Equal(t, TypeNumber, typeOfCell(3.14).Kind)
	assert.Equal(t, TypeString, typeOfCell("x").Kind)
	assert.Equal(t, TypeForeignIndex, typeOfCell(TableIndex{Value: 1, table: users}).Kind)

	arr := typeOfCell([]float64{1, 2, 3})
	assert.Equal(t, TypeNDArray, arr.Kind)
	assert.Equal(t, []int{3}, arr.Shape)

	hist, err := NewHistogram([]float64{1, 2, 3, 4}, 2)
	require.NoError(t, err)
	media := typeOfCell(hist)
	assert.Equal(t, TypeMedia, media.Kind)
	assert.Equal(t, "histogram", media.MediaKind)

	// A value no column type accepts.
	assert.Equal(t, TypeInvalid, typeOfCell(struct{}{}).Kind)
}

func TestColumnTypeString(t *testing.T) {
	users := mustTable(t, WithColumns("id"))

	assert.Equal(t, "number", NumberType().String())
	assert.Equal(t, "ndarray[2,3]", NDArrayType(2, 3).String())
	assert.Equal(t, "media(image-file)", MediaType("image-file").String())
	assert.Equal(t, `foreign_key(id)`, ForeignKeyType(users, "id").String())

	opt := NumberType()
	opt.Optional = true
	assert.Equal(t, "optional number", opt.String())
}
