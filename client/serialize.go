package client

import (
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/stablehlo/types/shapes"
	"github.com/gomlx/xrt/backends"
	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of the serialized messages. The encoding is the protobuf wire format:
//
//	message Computation {
//	  string name = 1; bytes hash = 2; repeated string devices = 3;
//	  string program_format = 4; bytes program_code = 5; ProgramShape program_shape = 6;
//	  bytes executable = 7; string environment = 8;
//	}
//	message ProgramShape { repeated string parameter_names = 1; repeated Shape parameters = 2; Shape result = 3; }
//	message Shape { int32 dtype = 1; repeated int64 dimensions = 2 [packed]; repeated Shape tuple = 3; bool is_tuple = 4; }
const (
	fieldName          protowire.Number = 1
	fieldHash          protowire.Number = 2
	fieldDevices       protowire.Number = 3
	fieldProgramFormat protowire.Number = 4
	fieldProgramCode   protowire.Number = 5
	fieldProgramShape  protowire.Number = 6
	fieldExecutable    protowire.Number = 7
	fieldEnvironment   protowire.Number = 8

	fieldParameterNames protowire.Number = 1
	fieldParameters     protowire.Number = 2
	fieldResult         protowire.Number = 3

	fieldDType      protowire.Number = 1
	fieldDimensions protowire.Number = 2
	fieldTuple      protowire.Number = 3
	fieldIsTuple    protowire.Number = 4

	maxShapeDepth = 64
)

func appendShape(b []byte, shape shapes.Shape) []byte {
	b = protowire.AppendTag(b, fieldDType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(shape.DType))
	if len(shape.Dimensions) > 0 {
		var packed []byte
		for _, dim := range shape.Dimensions {
			packed = protowire.AppendVarint(packed, uint64(dim))
		}
		b = protowire.AppendTag(b, fieldDimensions, protowire.BytesType)
		b = protowire.AppendBytes(b, packed)
	}
	if shape.IsTuple() && shape.TupleShapes != nil {
		for _, element := range shape.TupleShapes {
			b = protowire.AppendTag(b, fieldTuple, protowire.BytesType)
			b = protowire.AppendBytes(b, appendShape(nil, element))
		}
		b = protowire.AppendTag(b, fieldIsTuple, protowire.VarintType)
		b = protowire.AppendVarint(b, 1)
	}
	return b
}

func appendProgramShape(b []byte, ps backends.ProgramShape) []byte {
	for _, name := range ps.ParameterNames {
		b = protowire.AppendTag(b, fieldParameterNames, protowire.BytesType)
		b = protowire.AppendString(b, name)
	}
	for _, shape := range ps.ParameterShapes {
		b = protowire.AppendTag(b, fieldParameters, protowire.BytesType)
		b = protowire.AppendBytes(b, appendShape(nil, shape))
	}
	b = protowire.AppendTag(b, fieldResult, protowire.BytesType)
	return protowire.AppendBytes(b, appendShape(nil, ps.Result))
}

// encodeCompileOptions is used as part of the compilation cache key.
func encodeCompileOptions(options backends.CompileOptions) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendString(b, options.CompilationDevice)
	for _, device := range options.Devices {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendString(b, device)
	}
	if options.OutputShape != nil {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, appendShape(nil, *options.OutputShape))
	}
	for field, flag := range []bool{options.ParameterIsTupledArguments, options.IsSharded, options.AllowSPMDShardingPropagationToOutput} {
		b = protowire.AppendTag(b, protowire.Number(4+field), protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(flag))
	}
	return b
}

// fieldIterator walks the fields of a serialized message, recording the first parsing error.
type fieldIterator struct {
	b   []byte
	err error
}

// next returns the next field and its raw value. It returns false at the end or on error.
func (it *fieldIterator) next() (num protowire.Number, typ protowire.Type, value []byte, ok bool) {
	if it.err != nil || len(it.b) == 0 {
		return 0, 0, nil, false
	}
	num, typ, n := protowire.ConsumeTag(it.b)
	if n < 0 {
		it.err = protowire.ParseError(n)
		return 0, 0, nil, false
	}
	it.b = it.b[n:]
	n = protowire.ConsumeFieldValue(num, typ, it.b)
	if n < 0 {
		it.err = protowire.ParseError(n)
		return 0, 0, nil, false
	}
	value, it.b = it.b[:n], it.b[n:]
	return num, typ, value, true
}

func (it *fieldIterator) bytes(typ protowire.Type, value []byte) []byte {
	if typ != protowire.BytesType {
		it.err = errors.Errorf("unexpected wire type %d for bytes field", typ)
		return nil
	}
	v, n := protowire.ConsumeBytes(value)
	if n < 0 {
		it.err = protowire.ParseError(n)
		return nil
	}
	return v
}

func (it *fieldIterator) varint(typ protowire.Type, value []byte) uint64 {
	if typ != protowire.VarintType {
		it.err = errors.Errorf("unexpected wire type %d for varint field", typ)
		return 0
	}
	v, n := protowire.ConsumeVarint(value)
	if n < 0 {
		it.err = protowire.ParseError(n)
		return 0
	}
	return v
}

func parseShape(b []byte, depth int) (shapes.Shape, error) {
	var shape shapes.Shape
	if depth > maxShapeDepth {
		return shape, errors.Errorf("shape nested more than %d levels", maxShapeDepth)
	}
	it := &fieldIterator{b: b}
	isTuple := false
	for {
		num, typ, value, ok := it.next()
		if !ok {
			break
		}
		switch num {
		case fieldDType:
			shape.DType = dtypes.DType(it.varint(typ, value))
		case fieldDimensions:
			packed := it.bytes(typ, value)
			for len(packed) > 0 && it.err == nil {
				dim, n := protowire.ConsumeVarint(packed)
				if n < 0 {
					it.err = protowire.ParseError(n)
					break
				}
				if int64(dim) < 0 || dim > 1<<40 {
					it.err = errors.Errorf("invalid dimension %d", int64(dim))
					break
				}
				shape.Dimensions = append(shape.Dimensions, int(dim))
				packed = packed[n:]
			}
		case fieldTuple:
			element, err := parseShape(it.bytes(typ, value), depth+1)
			if err != nil {
				return shape, err
			}
			shape.TupleShapes = append(shape.TupleShapes, element)
		case fieldIsTuple:
			isTuple = it.varint(typ, value) != 0
		}
	}
	if it.err != nil {
		return shape, it.err
	}
	if isTuple {
		if shape.DType != dtypes.InvalidDType || len(shape.Dimensions) > 0 {
			return shape, errors.Errorf("tuple shape with dtype %s or dimensions %v", shape.DType, shape.Dimensions)
		}
		if shape.TupleShapes == nil {
			shape.TupleShapes = []shapes.Shape{}
		}
		return shape, nil
	}
	if len(shape.TupleShapes) > 0 || !shape.DType.IsSupported() {
		return shape, errors.Errorf("invalid shape %s", shape)
	}
	return shape, nil
}

func parseProgramShape(b []byte) (backends.ProgramShape, error) {
	var ps backends.ProgramShape
	it := &fieldIterator{b: b}
	for {
		num, typ, value, ok := it.next()
		if !ok {
			break
		}
		switch num {
		case fieldParameterNames:
			ps.ParameterNames = append(ps.ParameterNames, string(it.bytes(typ, value)))
		case fieldParameters:
			shape, err := parseShape(it.bytes(typ, value), 0)
			if err != nil {
				return ps, errors.WithMessagef(err, "parameter #%d", len(ps.ParameterShapes))
			}
			ps.ParameterShapes = append(ps.ParameterShapes, shape)
		case fieldResult:
			shape, err := parseShape(it.bytes(typ, value), 0)
			if err != nil {
				return ps, errors.WithMessagef(err, "result")
			}
			ps.Result = shape
		}
	}
	if it.err != nil {
		return ps, it.err
	}
	if len(ps.ParameterNames) != 0 && len(ps.ParameterNames) != len(ps.ParameterShapes) {
		return ps, errors.Errorf("%d parameter names for %d parameters", len(ps.ParameterNames), len(ps.ParameterShapes))
	}
	return ps, nil
}

// SerializeComputation encodes the computation, including its compiled executable if it has one, so it can be
// stored and later restored with DeserializeComputation. If the program was moved out, only the executable and
// metadata are kept.
func (c *Client) SerializeComputation(comp *Computation) ([]byte, error) {
	if comp == nil {
		return nil, errorf(ErrInvalidArgument, "SerializeComputation: nil computation")
	}
	if comp.IsReleased() {
		return nil, errorf(ErrStateViolation, "SerializeComputation: computation %q has been released", comp.name)
	}
	var b []byte
	b = protowire.AppendTag(b, fieldName, protowire.BytesType)
	b = protowire.AppendString(b, comp.name)
	b = protowire.AppendTag(b, fieldHash, protowire.BytesType)
	b = protowire.AppendBytes(b, comp.hash[:])
	for _, device := range comp.devices {
		b = protowire.AppendTag(b, fieldDevices, protowire.BytesType)
		b = protowire.AppendString(b, device)
	}
	if program := comp.program.Load(); program != nil {
		b = protowire.AppendTag(b, fieldProgramFormat, protowire.BytesType)
		b = protowire.AppendString(b, program.Format)
		b = protowire.AppendTag(b, fieldProgramCode, protowire.BytesType)
		b = protowire.AppendBytes(b, program.Code)
	}
	b = protowire.AppendTag(b, fieldProgramShape, protowire.BytesType)
	b = protowire.AppendBytes(b, appendProgramShape(nil, comp.programShape))
	if comp.wrapper != nil {
		executable, err := c.backend.SerializeExecutable(comp.wrapper.executable)
		if err != nil {
			return nil, errors.WithMessagef(err, "SerializeComputation(%q)", comp.name)
		}
		b = protowire.AppendTag(b, fieldExecutable, protowire.BytesType)
		b = protowire.AppendBytes(b, executable)
		b = protowire.AppendTag(b, fieldEnvironment, protowire.BytesType)
		b = protowire.AppendString(b, c.HashCompilationEnv())
	}
	return b, nil
}

// DeserializeComputation restores a computation serialized with SerializeComputation. Corrupted or truncated data
// returns an error (of kind ErrCorrupted), never a partial computation. Computations compiled in a different
// compilation environment are rejected.
func (c *Client) DeserializeComputation(data []byte) (*Computation, error) {
	if err := c.checkAlive(); err != nil {
		return nil, err
	}
	var (
		name, format, environment string
		hash, code, executable    []byte
		hasProgram, hasExecutable bool
		devices                   []string
		programShape              backends.ProgramShape
	)
	it := &fieldIterator{b: data}
	for {
		num, typ, value, ok := it.next()
		if !ok {
			break
		}
		switch num {
		case fieldName:
			name = string(it.bytes(typ, value))
		case fieldHash:
			hash = it.bytes(typ, value)
		case fieldDevices:
			devices = append(devices, string(it.bytes(typ, value)))
		case fieldProgramFormat:
			format = string(it.bytes(typ, value))
			hasProgram = true
		case fieldProgramCode:
			code = it.bytes(typ, value)
			hasProgram = true
		case fieldProgramShape:
			var err error
			programShape, err = parseProgramShape(it.bytes(typ, value))
			if err != nil {
				return nil, wrapf(ErrCorrupted, err, "DeserializeComputation: invalid program shape")
			}
		case fieldExecutable:
			executable = it.bytes(typ, value)
			hasExecutable = true
		case fieldEnvironment:
			environment = string(it.bytes(typ, value))
		}
	}
	if it.err != nil {
		return nil, wrapf(ErrCorrupted, it.err, "DeserializeComputation")
	}
	if len(hash) != len(Hash{}) {
		return nil, errorf(ErrCorrupted, "DeserializeComputation: invalid hash of %d bytes", len(hash))
	}
	if !programShape.Result.Ok() {
		return nil, errorf(ErrCorrupted, "DeserializeComputation: missing program shape")
	}
	for _, device := range devices {
		if device == SPMDDevice {
			continue
		}
		if _, err := c.device(device); err != nil {
			return nil, errors.WithMessagef(err, "DeserializeComputation(%q)", name)
		}
	}
	program := backends.Program{Format: format, Code: code, Shape: programShape}
	template := &Computation{name: name, programShape: programShape, devices: devices}
	copy(template.hash[:], hash)
	if hasProgram {
		if got := ComputeHash(name, program); got != template.hash {
			return nil, errorf(ErrCorrupted, "DeserializeComputation(%q): content hash mismatch", name)
		}
		template.program.Store(&program)
	}
	if !hasExecutable {
		if !hasProgram {
			return nil, errorf(ErrCorrupted, "DeserializeComputation(%q): neither program nor executable", name)
		}
		return template, nil
	}
	if environment != c.HashCompilationEnv() {
		return nil, errorf(ErrInvalidArgument, "DeserializeComputation(%q): compiled for a different environment", name)
	}
	exec, err := c.backend.DeserializeExecutable(executable)
	if err != nil {
		return nil, wrapf(ErrCorrupted, err, "DeserializeComputation(%q): invalid executable", name)
	}
	comp := c.newCompiledComputation(template, program, devices, exec)
	if !hasProgram {
		comp.program.Store(nil)
	}
	return comp, nil
}
