package sim

import (
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/stablehlo/types/shapes"
	"github.com/gomlx/xrt/literal"
	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// Wire format of the graphs, in protobuf encoding:
//
//	message Graph { string name = 1; repeated Node nodes = 2; repeated int64 outputs = 3; bool tuple = 4; }
//	message Node { int32 op = 1; repeated int64 inputs = 2; Shape shape = 3; int64 param = 4; string name = 5; bytes constant = 6; }
//	message Shape { int32 dtype = 1; repeated int64 dimensions = 2; }
const (
	graphName    protowire.Number = 1
	graphNodes   protowire.Number = 2
	graphOutputs protowire.Number = 3
	graphTuple   protowire.Number = 4

	nodeOp       protowire.Number = 1
	nodeInputs   protowire.Number = 2
	nodeShape    protowire.Number = 3
	nodeParam    protowire.Number = 4
	nodeName     protowire.Number = 5
	nodeConstant protowire.Number = 6

	shapeDType      protowire.Number = 1
	shapeDimensions protowire.Number = 2
)

func appendPacked(b []byte, num protowire.Number, values []int) []byte {
	if len(values) == 0 {
		return b
	}
	var packed []byte
	for _, v := range values {
		packed = protowire.AppendVarint(packed, uint64(v))
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, packed)
}

func encodeGraph(g *graph) []byte {
	var b []byte
	b = protowire.AppendTag(b, graphName, protowire.BytesType)
	b = protowire.AppendString(b, g.name)
	for _, n := range g.nodes {
		var nb []byte
		nb = protowire.AppendTag(nb, nodeOp, protowire.VarintType)
		nb = protowire.AppendVarint(nb, uint64(n.op))
		nb = appendPacked(nb, nodeInputs, n.inputs)
		var sb []byte
		sb = protowire.AppendTag(sb, shapeDType, protowire.VarintType)
		sb = protowire.AppendVarint(sb, uint64(n.shape.DType))
		sb = appendPacked(sb, shapeDimensions, n.shape.Dimensions)
		nb = protowire.AppendTag(nb, nodeShape, protowire.BytesType)
		nb = protowire.AppendBytes(nb, sb)
		switch n.op {
		case OpParameter:
			nb = protowire.AppendTag(nb, nodeParam, protowire.VarintType)
			nb = protowire.AppendVarint(nb, uint64(n.param))
			nb = protowire.AppendTag(nb, nodeName, protowire.BytesType)
			nb = protowire.AppendString(nb, n.name)
		case OpConstant:
			nb = protowire.AppendTag(nb, nodeConstant, protowire.BytesType)
			nb = protowire.AppendBytes(nb, n.constant.Data())
		}
		b = protowire.AppendTag(b, graphNodes, protowire.BytesType)
		b = protowire.AppendBytes(b, nb)
	}
	b = appendPacked(b, graphOutputs, g.outputs)
	if g.tuple {
		b = protowire.AppendTag(b, graphTuple, protowire.VarintType)
		b = protowire.AppendVarint(b, 1)
	}
	return b
}

// decoder iterates over the fields of one message, keeping the first error.
type decoder struct {
	b   []byte
	err error
}

func (d *decoder) next() (num protowire.Number, typ protowire.Type, value []byte, ok bool) {
	if d.err != nil || len(d.b) == 0 {
		return 0, 0, nil, false
	}
	num, typ, n := protowire.ConsumeTag(d.b)
	if n < 0 {
		d.err = protowire.ParseError(n)
		return 0, 0, nil, false
	}
	d.b = d.b[n:]
	m := protowire.ConsumeFieldValue(num, typ, d.b)
	if m < 0 {
		d.err = protowire.ParseError(m)
		return 0, 0, nil, false
	}
	value, d.b = d.b[:m], d.b[m:]
	return num, typ, value, true
}

func (d *decoder) varint(typ protowire.Type, value []byte) uint64 {
	if typ != protowire.VarintType {
		d.err = errors.Errorf("expected varint, got wire type %d", typ)
		return 0
	}
	v, n := protowire.ConsumeVarint(value)
	if n < 0 {
		d.err = protowire.ParseError(n)
	}
	return v
}

func (d *decoder) bytes(typ protowire.Type, value []byte) []byte {
	if typ != protowire.BytesType {
		d.err = errors.Errorf("expected bytes, got wire type %d", typ)
		return nil
	}
	v, n := protowire.ConsumeBytes(value)
	if n < 0 {
		d.err = protowire.ParseError(n)
	}
	return v
}

func (d *decoder) packed(typ protowire.Type, value []byte) []int {
	packed := d.bytes(typ, value)
	var values []int
	for len(packed) > 0 && d.err == nil {
		v, n := protowire.ConsumeVarint(packed)
		if n < 0 {
			d.err = protowire.ParseError(n)
			break
		}
		values = append(values, int(int64(v)))
		packed = packed[n:]
	}
	return values
}

func decodeShape(b []byte) (shapes.Shape, error) {
	d := &decoder{b: b}
	var dtype dtypes.DType
	var dims []int
	for num, typ, value, ok := d.next(); ok; num, typ, value, ok = d.next() {
		switch num {
		case shapeDType:
			dtype = dtypes.DType(d.varint(typ, value))
		case shapeDimensions:
			dims = append(dims, d.packed(typ, value)...)
		}
	}
	if d.err != nil {
		return shapes.Shape{}, d.err
	}
	if !dtype.IsSupported() {
		return shapes.Shape{}, errors.Errorf("invalid dtype %d", dtype)
	}
	for _, dim := range dims {
		if dim < 0 {
			return shapes.Shape{}, errors.Errorf("negative dimension in %v", dims)
		}
	}
	return shapes.Shape{DType: dtype, Dimensions: dims}, nil
}

func decodeNode(b []byte) (*node, error) {
	d := &decoder{b: b}
	n := &node{}
	var constant []byte
	hasShape := false
	for num, typ, value, ok := d.next(); ok; num, typ, value, ok = d.next() {
		switch num {
		case nodeOp:
			n.op = OpType(d.varint(typ, value))
		case nodeInputs:
			n.inputs = append(n.inputs, d.packed(typ, value)...)
		case nodeShape:
			shapeBytes := d.bytes(typ, value)
			if d.err == nil {
				var err error
				n.shape, err = decodeShape(shapeBytes)
				if err != nil {
					return nil, err
				}
				hasShape = true
			}
		case nodeParam:
			n.param = int(d.varint(typ, value))
		case nodeName:
			n.name = string(d.bytes(typ, value))
		case nodeConstant:
			constant = d.bytes(typ, value)
		}
	}
	if d.err != nil {
		return nil, d.err
	}
	if !hasShape {
		return nil, errors.Errorf("node %s has no shape", n.op)
	}
	if n.op == OpConstant {
		var err error
		n.constant, err = literal.FromRaw(n.shape, constant)
		if err != nil {
			return nil, err
		}
	}
	return n, nil
}

// decodeGraph decodes and validates a graph: every node must refer to previous nodes only, and have the shape
// its op infers.
func decodeGraph(code []byte) (*graph, error) {
	g, err := decodeGraphFields(code)
	if err != nil {
		return nil, errors.WithMessage(err, "sim: invalid program")
	}
	if err := g.validate(); err != nil {
		return nil, errors.WithMessagef(err, "sim: invalid program %q", g.name)
	}
	return g, nil
}

func decodeGraphFields(code []byte) (*graph, error) {
	d := &decoder{b: code}
	g := &graph{}
	for num, typ, value, ok := d.next(); ok; num, typ, value, ok = d.next() {
		switch num {
		case graphName:
			g.name = string(d.bytes(typ, value))
		case graphNodes:
			nodeBytes := d.bytes(typ, value)
			if d.err != nil {
				break
			}
			n, err := decodeNode(nodeBytes)
			if err != nil {
				return nil, errors.WithMessagef(err, "node #%d", len(g.nodes))
			}
			g.nodes = append(g.nodes, n)
		case graphOutputs:
			g.outputs = append(g.outputs, d.packed(typ, value)...)
		case graphTuple:
			g.tuple = d.varint(typ, value) != 0
		}
	}
	if d.err != nil {
		return nil, d.err
	}
	return g, nil
}

func (g *graph) validate() error {
	for ii, n := range g.nodes {
		if n.op <= OpInvalid || n.op >= opLast {
			return errors.Errorf("node #%d has invalid op %d", ii, int32(n.op))
		}
		inputShapes := make([]shapes.Shape, len(n.inputs))
		for jj, input := range n.inputs {
			if input < 0 || input >= ii {
				return errors.Errorf("node #%d (%s) refers to node #%d", ii, n.op, input)
			}
			inputShapes[jj] = g.nodes[input].shape
		}
		if len(n.inputs) != n.op.numInputs() {
			return errors.Errorf("node #%d (%s) has %d inputs, expected %d", ii, n.op, len(n.inputs), n.op.numInputs())
		}
		switch n.op {
		case OpParameter:
			if n.param != len(g.parameters) {
				return errors.Errorf("node #%d is parameter #%d, expected #%d", ii, n.param, len(g.parameters))
			}
			g.parameters = append(g.parameters, ii)
			if !numericDTypes[n.shape.DType] {
				return errors.Errorf("parameter %q has unsupported shape %s", n.name, n.shape)
			}
		case OpConstant:
			if !numericDTypes[n.shape.DType] {
				return errors.Errorf("constant node #%d has unsupported shape %s", ii, n.shape)
			}
		default:
			shape, err := inferShape(n.op, inputShapes)
			if err != nil {
				return errors.WithMessagef(err, "node #%d", ii)
			}
			if !shape.Equal(n.shape) {
				return errors.Errorf("node #%d (%s) has shape %s, expected %s", ii, n.op, n.shape, shape)
			}
		}
	}
	if len(g.outputs) == 0 && !g.tuple {
		return errors.New("no outputs")
	}
	if len(g.outputs) > 1 && !g.tuple {
		return errors.Errorf("%d outputs, but not a tuple", len(g.outputs))
	}
	for _, output := range g.outputs {
		if output < 0 || output >= len(g.nodes) {
			return errors.Errorf("output refers to node #%d, only %d nodes", output, len(g.nodes))
		}
	}
	return nil
}

// Serialized executables:
//
//	message Executable { string fingerprint = 1; bytes code = 2; repeated string devices = 3; }
const (
	executableFingerprint protowire.Number = 1
	executableCode        protowire.Number = 2
	executableDevices     protowire.Number = 3
)

func encodeExecutable(fingerprint string, exec *Executable) []byte {
	var b []byte
	b = protowire.AppendTag(b, executableFingerprint, protowire.BytesType)
	b = protowire.AppendString(b, fingerprint)
	b = protowire.AppendTag(b, executableCode, protowire.BytesType)
	b = protowire.AppendBytes(b, exec.code)
	for _, device := range exec.devices {
		b = protowire.AppendTag(b, executableDevices, protowire.BytesType)
		b = protowire.AppendString(b, device)
	}
	return b
}

func decodeExecutable(data []byte) (fingerprint string, code []byte, devices []string, err error) {
	d := &decoder{b: data}
	for num, typ, value, ok := d.next(); ok; num, typ, value, ok = d.next() {
		switch num {
		case executableFingerprint:
			fingerprint = string(d.bytes(typ, value))
		case executableCode:
			code = d.bytes(typ, value)
		case executableDevices:
			devices = append(devices, string(d.bytes(typ, value)))
		}
	}
	if d.err != nil {
		err = errors.Wrap(d.err, "sim: invalid serialized executable")
	}
	return
}
