package literal

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/stablehlo/types/shapes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

func TestFromFlat(t *testing.T) {
	l, err := FromFlat([]float32{1, 2, 3, 4, 5, 6}, 2, 3)
	require.NoError(t, err)
	require.True(t, l.Shape().Equal(shapes.Make(dtypes.Float32, 2, 3)))
	require.Len(t, l.Data(), 24)
	flat, err := ToFlat[float32](l)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6}, flat)

	_, err = ToFlat[int32](l)
	require.Error(t, err)
	_, err = FromFlat([]float32{1, 2, 3}, 2, 2)
	require.Error(t, err)

	half, err := FromFlat([]float16.Float16{float16.Fromfloat32(1.5)})
	require.NoError(t, err)
	assert.Equal(t, dtypes.Float16, half.Shape().DType)
	assert.Contains(t, FromScalar(int64(7)).String(), "[7]")

	empty, err := New(shapes.Shape{DType: dtypes.Float32, Dimensions: []int{0, 3}})
	require.NoError(t, err)
	assert.Empty(t, empty.Data())
	_, err = New(shapes.Shape{DType: dtypes.Float32, Dimensions: []int{-1}})
	require.Error(t, err)
	_, err = New(shapes.Invalid())
	require.Error(t, err)
}

func TestCopySemantics(t *testing.T) {
	src := []int32{1, 2, 3}
	l, err := FromFlat(src)
	require.NoError(t, err)
	src[0] = 100
	flat, err := ToFlat[int32](l)
	require.NoError(t, err)
	assert.Equal(t, []int32{1, 2, 3}, flat)

	clone := l.Clone()
	require.True(t, clone.Equal(l))
	View[int32](clone.Data())[1] = -1
	require.False(t, clone.Equal(l))
}

func TestTuple(t *testing.T) {
	a := FromScalar(float32(1))
	b, err := FromFlat([]int64{1, 2})
	require.NoError(t, err)
	tuple := Tuple(a, b)
	require.True(t, tuple.Shape().IsTuple())
	require.Len(t, tuple.Elements(), 2)
	require.Nil(t, tuple.Data())
	require.True(t, tuple.Equal(Tuple(a.Clone(), b.Clone())))
	require.False(t, tuple.Equal(Tuple(b, a)))
	_, err = ToFlat[float32](tuple)
	require.Error(t, err)
	_, err = New(tuple.Shape())
	require.Error(t, err)
}
