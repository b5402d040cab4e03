package tracklab

import (
	"fmt"
	"strings"
)

// TypeKind enumerates the closed set of column types. The lattice is
// Unknown ⊑ {Number, String, Boolean, NDArray, Media, PrimaryKey,
// ForeignKey, ForeignIndex} ⊑ Invalid, with Any as the explicit mixed-type
// escape hatch that absorbs everything.
type TypeKind int

const (
	TypeUnknown TypeKind = iota
	TypeNumber
	TypeString
	TypeBoolean
	TypeNDArray
	TypeMedia
	TypePrimaryKey
	TypeForeignKey
	TypeForeignIndex
	TypeAny
	TypeInvalid
)

// ColumnType is the accumulated type of a table column: a tagged union over
// TypeKind with the parameters each kind carries. Correctness-critical logic
// lives in the explicit joinTypes function, not in method dispatch.
type ColumnType struct {
	Kind TypeKind

	// Optional records that the column has accepted nil cells.
	Optional bool

	// Shape is fixed for TypeNDArray; a mismatch is a type conflict.
	Shape []int

	// MediaKind distinguishes media subtypes ("image-file", "histogram", ...).
	MediaKind string

	// Table and Column parameterize ForeignKey/ForeignIndex references.
	// Table is a structural back-reference, never an ownership edge.
	Table  *Table
	Column string
}

func UnknownType() ColumnType      { return ColumnType{Kind: TypeUnknown} }
func NumberType() ColumnType       { return ColumnType{Kind: TypeNumber} }
func StringType() ColumnType       { return ColumnType{Kind: TypeString} }
func BooleanType() ColumnType      { return ColumnType{Kind: TypeBoolean} }
func AnyType() ColumnType          { return ColumnType{Kind: TypeAny} }
func InvalidType() ColumnType      { return ColumnType{Kind: TypeInvalid} }
func PrimaryKeyType() ColumnType   { return ColumnType{Kind: TypePrimaryKey} }
func MediaType(kind string) ColumnType {
	return ColumnType{Kind: TypeMedia, MediaKind: kind}
}

func NDArrayType(shape ...int) ColumnType {
	return ColumnType{Kind: TypeNDArray, Shape: shape}
}

// ForeignKeyType references column col on another table.
func ForeignKeyType(table *Table, col string) ColumnType {
	return ColumnType{Kind: TypeForeignKey, Table: table, Column: col}
}

// ForeignIndexType references a row index on another table.
func ForeignIndexType(table *Table) ColumnType {
	return ColumnType{Kind: TypeForeignIndex, Table: table}
}

// String renders a human-readable name used in type-conflict errors.
func (t ColumnType) String() string {
	var name string
	switch t.Kind {
	case TypeUnknown:
		name = "unknown"
	case TypeNumber:
		name = "number"
	case TypeString:
		name = "string"
	case TypeBoolean:
		name = "boolean"
	case TypeNDArray:
		parts := make([]string, len(t.Shape))
		for i, d := range t.Shape {
			parts[i] = fmt.Sprint(d)
		}
		name = "ndarray[" + strings.Join(parts, ",") + "]"
	case TypeMedia:
		name = "media(" + t.MediaKind + ")"
	case TypePrimaryKey:
		name = "primary_key"
	case TypeForeignKey:
		name = fmt.Sprintf("foreign_key(%s)", t.Column)
	case TypeForeignIndex:
		name = "foreign_index"
	case TypeAny:
		name = "any"
	case TypeInvalid:
		name = "invalid"
	default:
		name = "unknown"
	}
	if t.Optional {
		return "optional " + name
	}
	return name
}

// sameShape reports element-wise shape equality.
func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// joinTypes is the lattice join: the most specific type compatible with
// both operands, or Invalid when none exists. Optionality is carried
// through the join.
func joinTypes(a, b ColumnType) ColumnType {
	optional := a.Optional || b.Optional
	join := func(t ColumnType) ColumnType {
		t.Optional = optional
		return t
	}

	switch {
	case a.Kind == TypeInvalid || b.Kind == TypeInvalid:
		return InvalidType()
	case a.Kind == TypeAny:
		return join(a)
	case b.Kind == TypeAny:
		return join(b)
	case a.Kind == TypeUnknown:
		return join(b)
	case b.Kind == TypeUnknown:
		return join(a)
	}

	if a.Kind == b.Kind {
		switch a.Kind {
		case TypeNumber, TypeString, TypeBoolean, TypePrimaryKey:
			return join(a)
		case TypeNDArray:
			if sameShape(a.Shape, b.Shape) {
				return join(a)
			}
			return InvalidType()
		case TypeMedia:
			if a.MediaKind == b.MediaKind {
				return join(a)
			}
			return InvalidType()
		case TypeForeignKey:
			if a.Table == b.Table && a.Column == b.Column {
				return join(a)
			}
			return InvalidType()
		case TypeForeignIndex:
			if a.Table == b.Table {
				return join(a)
			}
			return InvalidType()
		}
		return InvalidType()
	}

	// Key columns hold plain strings (or ints for indexes) on write; the
	// key-typed side wins the join.
	switch {
	case a.Kind == TypePrimaryKey && b.Kind == TypeString,
		a.Kind == TypeForeignKey && b.Kind == TypeString:
		return join(a)
	case b.Kind == TypePrimaryKey && a.Kind == TypeString,
		b.Kind == TypeForeignKey && a.Kind == TypeString:
		return join(b)
	case a.Kind == TypeForeignIndex && b.Kind == TypeNumber:
		return join(a)
	case b.Kind == TypeForeignIndex && a.Kind == TypeNumber:
		return join(b)
	}

	return InvalidType()
}

// typeOfCell infers the ColumnType of a single cell value.
func typeOfCell(v any) ColumnType {
	switch x := v.(type) {
	case nil:
		return ColumnType{Kind: TypeUnknown, Optional: true}
	case bool:
		return BooleanType()
	case int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return NumberType()
	case string:
		return StringType()
	case TableKey:
		return ForeignKeyType(x.table, x.column)
	case TableIndex:
		return ForeignIndexType(x.table)
	case *NDArray:
		return NDArrayType(x.Shape...)
	case []float64:
		return NDArrayType(len(x))
	case []float32:
		return NDArrayType(len(x))
	case []int:
		return NDArrayType(len(x))
	}
	if val, ok := v.(Value); ok {
		return MediaType(val.TypeName())
	}
	return InvalidType()
}
