package sim

import (
	"math"

	"github.com/chewxy/math32"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/stablehlo/types/shapes"
	"github.com/gomlx/xrt/backends"
	"github.com/gomlx/xrt/literal"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// run interprets the graph with the given parameters, and returns the outputs.
// Errors in the kernels are raised as panics, and returned by run.
func (g *graph) run(params []*literal.Literal, replica *backends.Replica) (outputs []*literal.Literal, err error) {
	err = exceptions.TryCatch[error](func() {
		values := make([]*literal.Literal, len(g.nodes))
		for ii, n := range g.nodes {
			inputs := make([]*literal.Literal, len(n.inputs))
			for jj, input := range n.inputs {
				inputs[jj] = values[input]
			}
			values[ii] = execNode(n, inputs, params, replica)
		}
		outputs = make([]*literal.Literal, len(g.outputs))
		for ii, output := range g.outputs {
			outputs[ii] = values[output].Clone()
		}
	})
	return
}

func execNode(n *node, inputs, params []*literal.Literal, replica *backends.Replica) *literal.Literal {
	switch n.op {
	case OpParameter:
		return params[n.param]
	case OpConstant:
		return n.constant
	case OpReplicaIndex:
		return literal.FromScalar(int32(replica.Index))
	case OpAllReduceSum:
		all, err := replica.Collective.AllGather(inputs[0])
		if err != nil {
			panic(errors.WithMessagef(err, "AllReduceSum of replica %d/%d", replica.Index, replica.Count))
		}
		sum := all[0]
		for _, value := range all[1:] {
			sum = execNode(&node{op: OpAdd, shape: n.shape}, []*literal.Literal{sum, value}, nil, replica)
		}
		return sum
	}

	out := must.M1(literal.New(n.shape))
	switch n.shape.DType {
	case dtypes.Float32:
		kernel(n.op, out, inputs, math32.Abs, math32.Sqrt)
	case dtypes.Float64:
		kernel(n.op, out, inputs, math.Abs, math.Sqrt)
	case dtypes.Int32:
		kernel(n.op, out, inputs, absInt[int32], nil)
	case dtypes.Int64:
		kernel(n.op, out, inputs, absInt[int64], nil)
	case dtypes.Float16:
		// Computed in float32.
		inputs32 := make([]*literal.Literal, len(inputs))
		for ii, input := range inputs {
			inputs32[ii] = convertFloat16To32(input)
		}
		out32 := must.M1(literal.New(changeDType(out, dtypes.Float32)))
		kernel(n.op, out32, inputs32, math32.Abs, math32.Sqrt)
		dst, src := literal.View[float16.Float16](out.Data()), literal.View[float32](out32.Data())
		for ii, v := range src {
			dst[ii] = float16.Fromfloat32(v)
		}
	default:
		exceptions.Panicf("sim: op %s doesn't support dtype %s", n.op, n.shape.DType)
	}
	return out
}

func absInt[T int32 | int64](x T) T {
	if x < 0 {
		return -x
	}
	return x
}

// kernel computes the op over the inputs into out, all of the same dtype T.
func kernel[T float32 | float64 | int32 | int64](op OpType, out *literal.Literal, inputs []*literal.Literal, abs, sqrt func(T) T) {
	dst := literal.View[T](out.Data())
	views := make([][]T, len(inputs))
	for ii, input := range inputs {
		views[ii] = literal.View[T](input.Data())
	}
	switch op {
	case OpAdd:
		for ii := range dst {
			dst[ii] = views[0][ii] + views[1][ii]
		}
	case OpSub:
		for ii := range dst {
			dst[ii] = views[0][ii] - views[1][ii]
		}
	case OpMul:
		for ii := range dst {
			dst[ii] = views[0][ii] * views[1][ii]
		}
	case OpNeg:
		for ii := range dst {
			dst[ii] = -views[0][ii]
		}
	case OpAbs:
		for ii := range dst {
			dst[ii] = abs(views[0][ii])
		}
	case OpSqrt:
		for ii := range dst {
			dst[ii] = sqrt(views[0][ii])
		}
	case OpReduceSum:
		dst[0] = reduceSum(views[0])
	case OpDot:
		lhsDims, rhsDims := inputs[0].Shape().Dimensions, inputs[1].Shape().Dimensions
		dot(views[0], views[1], dst, lhsDims[0], lhsDims[1], rhsDims[1])
	default:
		exceptions.Panicf("sim: op %s has no kernel", op)
	}
}

func reduceSum[T float32 | float64 | int32 | int64](values []T) T {
	if f64, ok := any(values).([]float64); ok {
		return any(floats.Sum(f64)).(T)
	}
	var sum T
	for _, v := range values {
		sum += v
	}
	return sum
}

// dot multiplies lhs [m, k] by rhs [k, n] into out [m, n]. Floats are multiplied with gonum in float64.
func dot[T float32 | float64 | int32 | int64](lhs, rhs, out []T, m, k, n int) {
	if m == 0 || n == 0 {
		return
	}
	switch any(out).(type) {
	case []float32, []float64:
		if k == 0 {
			clear(out)
			return
		}
		lhsDense := mat.NewDense(m, k, toFloat64(lhs))
		rhsDense := mat.NewDense(k, n, toFloat64(rhs))
		var result mat.Dense
		result.Mul(lhsDense, rhsDense)
		for row := range m {
			for col := range n {
				out[row*n+col] = T(result.At(row, col))
			}
		}
		return
	}
	for row := range m {
		for col := range n {
			var sum T
			for ii := range k {
				sum += lhs[row*k+ii] * rhs[ii*n+col]
			}
			out[row*n+col] = sum
		}
	}
}

func toFloat64[T float32 | float64 | int32 | int64](values []T) []float64 {
	converted := make([]float64, len(values))
	for ii, v := range values {
		converted[ii] = float64(v)
	}
	return converted
}

func convertFloat16To32(value *literal.Literal) *literal.Literal {
	converted := must.M1(literal.New(changeDType(value, dtypes.Float32)))
	dst := literal.View[float32](converted.Data())
	for ii, v := range literal.View[float16.Float16](value.Data()) {
		dst[ii] = v.Float32()
	}
	return converted
}

// changeDType returns the shape of the value with a different dtype.
func changeDType(value *literal.Literal, dtype dtypes.DType) shapes.Shape {
	shape := value.Shape().Clone()
	shape.DType = dtype
	return shape
}
