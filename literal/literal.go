// Package literal holds host-resident values: a shape and its raw bytes, or a tuple of literals.
//
// Arrays are stored in row-major order, with the machine's native endianness.
package literal

import (
	"bytes"
	"fmt"
	"slices"
	"unsafe"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/stablehlo/types/shapes"
	"github.com/pkg/errors"
)

// Literal is a value stored on the host.
type Literal struct {
	shape    shapes.Shape
	data     []byte
	elements []*Literal
}

// New returns a zero-initialized literal of the given array shape, or an error if the shape is a tuple or invalid.
// Axes of dimension 0 are accepted.
func New(shape shapes.Shape) (*Literal, error) {
	if len(shape.TupleShapes) > 0 {
		return nil, errors.Errorf("literal.New(%s): use literal.Tuple for tuple shapes", shape)
	}
	if !shape.DType.IsSupported() {
		return nil, errors.Errorf("literal.New(%s): invalid dtype", shape)
	}
	for _, dim := range shape.Dimensions {
		if dim < 0 {
			return nil, errors.Errorf("literal.New(%s): negative dimension", shape)
		}
	}
	return &Literal{shape: shape.Clone(), data: make([]byte, shape.Memory())}, nil
}

// FromRaw returns a literal with a copy of data, which must hold exactly shape.Memory() bytes.
func FromRaw(shape shapes.Shape, data []byte) (*Literal, error) {
	l, err := New(shape)
	if err != nil {
		return nil, err
	}
	if len(data) != len(l.data) {
		return nil, errors.Errorf("literal.FromRaw(%s): expected %d bytes, got %d", shape, len(l.data), len(data))
	}
	copy(l.data, data)
	return l, nil
}

// FromFlat returns a literal with a copy of flat, reshaped to the given dimensions.
// If no dimensions are given, the literal is a 1D array of len(flat).
func FromFlat[T dtypes.Supported](flat []T, dimensions ...int) (*Literal, error) {
	if len(dimensions) == 0 {
		dimensions = []int{len(flat)}
	}
	shape := shapes.Shape{DType: dtypes.FromGenericsType[T](), Dimensions: slices.Clone(dimensions)}
	if shape.Size() != len(flat) {
		return nil, errors.Errorf("literal.FromFlat: shape %s has %d elements, but %d values were given",
			shape, shape.Size(), len(flat))
	}
	return FromRaw(shape, sliceBytes(flat))
}

// FromScalar returns a scalar literal.
func FromScalar[T dtypes.Supported](value T) *Literal {
	l, err := FromRaw(shapes.Make(dtypes.FromGenericsType[T]()), sliceBytes([]T{value}))
	if err != nil {
		panic(err) // Only fails for bugs in this package.
	}
	return l
}

// Tuple returns a tuple literal holding the given elements. The elements are not copied.
func Tuple(elements ...*Literal) *Literal {
	elementShapes := make([]shapes.Shape, len(elements))
	for ii, e := range elements {
		elementShapes[ii] = e.Shape()
	}
	return &Literal{shape: shapes.MakeTuple(elementShapes), elements: slices.Clone(elements)}
}

// Shape of the literal.
func (l *Literal) Shape() shapes.Shape {
	return l.shape
}

// Data returns the raw bytes of an array literal. It is owned by the literal, don't change it unless you own the
// literal. It returns nil for tuples.
func (l *Literal) Data() []byte {
	return l.data
}

// Elements of a tuple literal, nil if it is not a tuple.
func (l *Literal) Elements() []*Literal {
	return l.elements
}

// Clone makes a deep copy of the literal.
func (l *Literal) Clone() *Literal {
	c := &Literal{shape: l.shape.Clone()}
	if l.data != nil {
		c.data = slices.Clone(l.data)
	}
	if l.elements != nil {
		c.elements = make([]*Literal, len(l.elements))
		for ii, e := range l.elements {
			c.elements[ii] = e.Clone()
		}
	}
	return c
}

// Equal returns whether both literals have the same shape and contents.
func (l *Literal) Equal(other *Literal) bool {
	if l == nil || other == nil {
		return l == other
	}
	if !l.shape.Equal(other.shape) {
		return false
	}
	if l.shape.IsTuple() {
		return slices.EqualFunc(l.elements, other.elements, func(a, b *Literal) bool { return a.Equal(b) })
	}
	return bytes.Equal(l.data, other.data)
}

// String implements fmt.Stringer.
func (l *Literal) String() string {
	if l == nil {
		return "Literal<nil>"
	}
	if l.shape.IsTuple() {
		return fmt.Sprintf("Literal%s", l.shape)
	}
	if l.shape.Size() <= 16 {
		if values, err := l.flatAny(); err == nil {
			return fmt.Sprintf("Literal%s%v", l.shape, values)
		}
	}
	return fmt.Sprintf("Literal%s", l.shape)
}

func (l *Literal) flatAny() (any, error) {
	switch l.shape.DType {
	case dtypes.Float32:
		return ToFlat[float32](l)
	case dtypes.Float64:
		return ToFlat[float64](l)
	case dtypes.Int32:
		return ToFlat[int32](l)
	case dtypes.Int64:
		return ToFlat[int64](l)
	case dtypes.Bool:
		return ToFlat[bool](l)
	}
	return nil, errors.New("unsupported")
}

// ToFlat returns a copy of the values of an array literal as a flat slice of T.
// T must match the literal's dtype.
func ToFlat[T dtypes.Supported](l *Literal) ([]T, error) {
	if l.shape.IsTuple() {
		return nil, errors.Errorf("literal.ToFlat: literal is a tuple %s", l.shape)
	}
	if want := dtypes.FromGenericsType[T](); want != l.shape.DType {
		return nil, errors.Errorf("literal.ToFlat[%s]: literal has dtype %s", want, l.shape.DType)
	}
	flat := make([]T, l.shape.Size())
	copy(sliceBytes(flat), l.data)
	return flat, nil
}

// sliceBytes returns the bytes backing the given slice, without copying.
func sliceBytes[T dtypes.Supported](flat []T) []byte {
	if len(flat) == 0 {
		return nil
	}
	var zero T
	return unsafe.Slice((*byte)(unsafe.Pointer(&flat[0])), len(flat)*int(unsafe.Sizeof(zero)))
}

// View returns a view of the raw bytes of an array as a slice of T, without copying. It is used by backends
// that operate directly on host memory.
func View[T dtypes.Supported](data []byte) []T {
	if len(data) == 0 {
		return nil
	}
	var zero T
	return unsafe.Slice((*T)(unsafe.Pointer(&data[0])), len(data)/int(unsafe.Sizeof(zero)))
}
