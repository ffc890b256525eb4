package sim

import (
	"fmt"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/stablehlo/types/shapes"
	"github.com/gomlx/xrt/backends"
	"github.com/gomlx/xrt/literal"
	"github.com/pkg/errors"
)

// ProgramFormat is the backends.Program format of the programs of the simulated backend.
const ProgramFormat = "sim"

// OpType of a node of the graph.
type OpType int32

const (
	OpInvalid OpType = iota
	OpParameter
	OpConstant
	OpAdd
	OpSub
	OpMul
	OpNeg
	OpAbs
	OpSqrt
	OpReduceSum
	OpDot
	OpAllReduceSum
	OpReplicaIndex
	opLast
)

var opNames = []string{"Invalid", "Parameter", "Constant", "Add", "Sub", "Mul", "Neg", "Abs", "Sqrt", "ReduceSum",
	"Dot", "AllReduceSum", "ReplicaIndex"}

// String implements fmt.Stringer.
func (op OpType) String() string {
	if op < 0 || op >= opLast {
		return fmt.Sprintf("OpType(%d)", int32(op))
	}
	return opNames[op]
}

// numInputs of each op type.
func (op OpType) numInputs() int {
	switch op {
	case OpParameter, OpConstant, OpReplicaIndex:
		return 0
	case OpAdd, OpSub, OpMul, OpDot:
		return 2
	default:
		return 1
	}
}

// node of a graph. Nodes only refer to nodes created before them.
type node struct {
	op       OpType
	inputs   []int
	shape    shapes.Shape
	param    int
	name     string
	constant *literal.Literal
}

// graph is a straight-line program: nodes in execution order, and the nodes returned.
type graph struct {
	name       string
	nodes      []*node
	parameters []int
	outputs    []int
	tuple      bool
}

// numericDTypes are the dtypes of the arithmetic ops.
var numericDTypes = map[dtypes.DType]bool{
	dtypes.Int32: true, dtypes.Int64: true, dtypes.Float16: true, dtypes.Float32: true, dtypes.Float64: true,
}

// inferShape returns the output shape of an op, or an error if the inputs are not valid for it.
func inferShape(op OpType, inputs []shapes.Shape) (shapes.Shape, error) {
	if len(inputs) != op.numInputs() {
		return shapes.Shape{}, errors.Errorf("op %s takes %d inputs, got %d", op, op.numInputs(), len(inputs))
	}
	for _, input := range inputs {
		if !numericDTypes[input.DType] {
			return shapes.Shape{}, errors.Errorf("op %s doesn't support dtype %s", op, input.DType)
		}
	}
	switch op {
	case OpAdd, OpSub, OpMul:
		if !inputs[0].Equal(inputs[1]) {
			return shapes.Shape{}, errors.Errorf("op %s requires operands of the same shape, got %s and %s", op, inputs[0], inputs[1])
		}
		return inputs[0].Clone(), nil
	case OpNeg, OpAbs, OpAllReduceSum:
		return inputs[0].Clone(), nil
	case OpSqrt:
		if !inputs[0].DType.IsFloat() {
			return shapes.Shape{}, errors.Errorf("op %s requires a float operand, got %s", op, inputs[0])
		}
		return inputs[0].Clone(), nil
	case OpReduceSum:
		return shapes.Make(inputs[0].DType), nil
	case OpDot:
		lhs, rhs := inputs[0], inputs[1]
		if lhs.Rank() != 2 || rhs.Rank() != 2 || lhs.DType != rhs.DType || lhs.Dimensions[1] != rhs.Dimensions[0] {
			return shapes.Shape{}, errors.Errorf("op %s requires matrices [m, k] and [k, n] of the same dtype, got %s and %s", op, lhs, rhs)
		}
		return shapes.Shape{DType: lhs.DType, Dimensions: []int{lhs.Dimensions[0], rhs.Dimensions[1]}}, nil
	case OpReplicaIndex:
		return shapes.Make(dtypes.Int32), nil
	}
	return shapes.Shape{}, errors.Errorf("op %s has no shape inference", op)
}

// programShape of the graph.
func (g *graph) programShape() backends.ProgramShape {
	ps := backends.ProgramShape{
		ParameterNames:  make([]string, len(g.parameters)),
		ParameterShapes: make([]shapes.Shape, len(g.parameters)),
	}
	for ii, nodeIdx := range g.parameters {
		ps.ParameterNames[ii] = g.nodes[nodeIdx].name
		ps.ParameterShapes[ii] = g.nodes[nodeIdx].shape.Clone()
	}
	if g.tuple {
		elements := make([]shapes.Shape, len(g.outputs))
		for ii, nodeIdx := range g.outputs {
			elements[ii] = g.nodes[nodeIdx].shape.Clone()
		}
		ps.Result = shapes.MakeTuple(elements)
	} else {
		ps.Result = g.nodes[g.outputs[0]].shape.Clone()
	}
	return ps
}

// Builder builds programs for the simulated backend. Ops panic (with an error) on invalid inputs, and the
// panic is returned as an error by Build.
type Builder struct {
	graph *graph
}

// Node is a value in the graph of a Builder.
type Node struct {
	builder *Builder
	idx     int
}

// NewBuilder returns a builder for a program with the given name.
func NewBuilder(name string) *Builder {
	return &Builder{graph: &graph{name: name}}
}

// Shape of the node.
func (n *Node) Shape() shapes.Shape { return n.builder.graph.nodes[n.idx].shape.Clone() }

func (b *Builder) addNode(op OpType, inputs ...*Node) *Node {
	inputShapes := make([]shapes.Shape, len(inputs))
	inputIndices := make([]int, len(inputs))
	for ii, input := range inputs {
		if input == nil || input.builder != b {
			exceptions.Panicf("sim: %s input #%d is nil or comes from a different builder", op, ii)
		}
		inputShapes[ii] = b.graph.nodes[input.idx].shape
		inputIndices[ii] = input.idx
	}
	shape, err := inferShape(op, inputShapes)
	if err != nil {
		panic(errors.WithMessagef(err, "sim: building %q", b.graph.name))
	}
	return b.push(&node{op: op, inputs: inputIndices, shape: shape})
}

func (b *Builder) push(n *node) *Node {
	b.graph.nodes = append(b.graph.nodes, n)
	return &Node{builder: b, idx: len(b.graph.nodes) - 1}
}

// Parameter adds the next parameter of the program.
func (b *Builder) Parameter(name string, shape shapes.Shape) *Node {
	if !numericDTypes[shape.DType] {
		exceptions.Panicf("sim: parameter %q has unsupported shape %s", name, shape)
	}
	node := b.push(&node{op: OpParameter, shape: shape.Clone(), param: len(b.graph.parameters), name: name})
	b.graph.parameters = append(b.graph.parameters, node.idx)
	return node
}

// Constant adds a constant value to the program.
func (b *Builder) Constant(value *literal.Literal) *Node {
	if value == nil || !numericDTypes[value.Shape().DType] {
		exceptions.Panicf("sim: constant %s not supported", value)
	}
	return b.push(&node{op: OpConstant, shape: value.Shape().Clone(), constant: value.Clone()})
}

// Add returns lhs + rhs, element-wise.
func (b *Builder) Add(lhs, rhs *Node) *Node { return b.addNode(OpAdd, lhs, rhs) }

// Sub returns lhs - rhs, element-wise.
func (b *Builder) Sub(lhs, rhs *Node) *Node { return b.addNode(OpSub, lhs, rhs) }

// Mul returns lhs * rhs, element-wise.
func (b *Builder) Mul(lhs, rhs *Node) *Node { return b.addNode(OpMul, lhs, rhs) }

// Neg returns -x.
func (b *Builder) Neg(x *Node) *Node { return b.addNode(OpNeg, x) }

// Abs returns |x|.
func (b *Builder) Abs(x *Node) *Node { return b.addNode(OpAbs, x) }

// Sqrt returns the square root of x, which must be a float.
func (b *Builder) Sqrt(x *Node) *Node { return b.addNode(OpSqrt, x) }

// ReduceSum returns the scalar sum of all elements of x.
func (b *Builder) ReduceSum(x *Node) *Node { return b.addNode(OpReduceSum, x) }

// Dot returns the matrix multiplication of lhs [m, k] and rhs [k, n].
func (b *Builder) Dot(lhs, rhs *Node) *Node { return b.addNode(OpDot, lhs, rhs) }

// AllReduceSum returns the element-wise sum of x over all replicas of the execution.
func (b *Builder) AllReduceSum(x *Node) *Node { return b.addNode(OpAllReduceSum, x) }

// ReplicaIndex returns the index of the replica running the program, as an Int32 scalar.
func (b *Builder) ReplicaIndex() *Node { return b.addNode(OpReplicaIndex) }

// Build returns the program returning the given output. With more than one output, it is a tuple.
func (b *Builder) Build(outputs ...*Node) (backends.Program, error) {
	return b.build(len(outputs) > 1, outputs)
}

// BuildTuple returns the program returning a tuple of the outputs, even if there is only one.
func (b *Builder) BuildTuple(outputs ...*Node) (backends.Program, error) {
	return b.build(true, outputs)
}

func (b *Builder) build(tuple bool, outputs []*Node) (program backends.Program, err error) {
	err = exceptions.TryCatch[error](func() {
		if len(outputs) == 0 && !tuple {
			exceptions.Panicf("sim: program %q has no outputs", b.graph.name)
		}
		b.graph.outputs = make([]int, len(outputs))
		for ii, output := range outputs {
			if output == nil || output.builder != b {
				exceptions.Panicf("sim: output #%d of %q is nil or comes from a different builder", ii, b.graph.name)
			}
			b.graph.outputs[ii] = output.idx
		}
		b.graph.tuple = tuple
	})
	if err != nil {
		return
	}
	return backends.Program{
		Format: ProgramFormat,
		Code:   encodeGraph(b.graph),
		Shape:  b.graph.programShape(),
	}, nil
}

// BuildFunc calls fn to build the program with the builder, and returns any panic raised while building as an error.
func BuildFunc(name string, fn func(b *Builder) []*Node) (program backends.Program, err error) {
	b := NewBuilder(name)
	var outputs []*Node
	err = exceptions.TryCatch[error](func() { outputs = fn(b) })
	if err != nil {
		return
	}
	return b.Build(outputs...)
}

// DecodeProgram returns the backends.Program of the encoded program: the Code of a Program built by a Builder.
func DecodeProgram(code []byte) (backends.Program, error) {
	g, err := decodeGraph(code)
	if err != nil {
		return backends.Program{}, err
	}
	return backends.Program{Format: ProgramFormat, Code: code, Shape: g.programShape()}, nil
}
