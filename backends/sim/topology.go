package sim

import (
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/pkg/errors"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/gocty"
)

// Topology of a simulated job, as described by an HCL file:
//
//	kind                = "TPU"
//	processes           = 2
//	devices_per_process = 4
//	memory              = "8GiB"
//	faulty              = [3]
//
//	device "5" {
//	  attributes = {
//	    core_on_chip = 1
//	    coords       = [1, 0, 0]
//	  }
//	}
//
// Devices are labeled by their global ordinal. All fields are optional.
type Topology struct {
	Kind              *string      `hcl:"kind,optional"`
	Processes         *int         `hcl:"processes,optional"`
	DevicesPerProcess *int         `hcl:"devices_per_process,optional"`
	Memory            *string      `hcl:"memory,optional"`
	Faulty            []int        `hcl:"faulty,optional"`
	Flags             *string      `hcl:"flags,optional"`
	Devices           []*hclDevice `hcl:"device,block"`
}

type hclDevice struct {
	Ordinal    string    `hcl:"ordinal,label"`
	Attributes cty.Value `hcl:"attributes,optional"`
}

// LoadTopology parses the HCL topology file.
func LoadTopology(filePath string) (*Topology, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCLFile(filePath)
	if diags.HasErrors() {
		return nil, errors.Wrapf(diags, "sim: failed to parse topology file %q", filePath)
	}
	return decodeTopology(file, filePath)
}

// ParseTopology parses the HCL topology from its source.
func ParseTopology(src []byte, fileName string) (*Topology, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(src, fileName)
	if diags.HasErrors() {
		return nil, errors.Wrapf(diags, "sim: failed to parse topology %q", fileName)
	}
	return decodeTopology(file, fileName)
}

func decodeTopology(file *hcl.File, fileName string) (*Topology, error) {
	var topology Topology
	if diags := gohcl.DecodeBody(file.Body, nil, &topology); diags.HasErrors() {
		return nil, errors.Wrapf(diags, "sim: failed to decode topology %q", fileName)
	}
	return &topology, nil
}

// apply the topology to the configuration.
func (t *Topology) apply(cfg *Config) error {
	if t.Kind != nil {
		cfg.Kind = *t.Kind
	}
	if t.Processes != nil {
		cfg.Processes = *t.Processes
	}
	if t.DevicesPerProcess != nil {
		cfg.DevicesPerProcess = *t.DevicesPerProcess
	}
	if t.Memory != nil {
		memory, err := humanize.ParseBytes(*t.Memory)
		if err != nil {
			return errors.Wrapf(err, "invalid memory %q", *t.Memory)
		}
		cfg.Memory = int64(memory)
	}
	if t.Faulty != nil {
		cfg.Faulty = t.Faulty
	}
	if t.Flags != nil {
		cfg.Flags = *t.Flags
	}
	for _, device := range t.Devices {
		ordinal, err := strconv.Atoi(device.Ordinal)
		if err != nil || ordinal < 0 {
			return errors.Errorf("invalid device label %q, it must be the device ordinal", device.Ordinal)
		}
		attributes, err := ctyToAttributes(device.Attributes)
		if err != nil {
			return errors.WithMessagef(err, "device %d", ordinal)
		}
		if cfg.Attributes == nil {
			cfg.Attributes = make(map[int]map[string]any)
		}
		cfg.Attributes[ordinal] = attributes
	}
	return nil
}

// ctyToAttributes converts an HCL object to device attributes: whole numbers become int64, other numbers
// float32, and lists of numbers []int64.
func ctyToAttributes(value cty.Value) (map[string]any, error) {
	attributes := make(map[string]any)
	if value.IsNull() || !value.IsKnown() {
		return attributes, nil
	}
	ty := value.Type()
	if !ty.IsObjectType() && !ty.IsMapType() {
		return nil, errors.Errorf("attributes must be an object, got %s", ty.FriendlyName())
	}
	for it := value.ElementIterator(); it.Next(); {
		key, element := it.Element()
		name := key.AsString()
		converted, err := ctyToAttribute(element)
		if err != nil {
			return nil, errors.WithMessagef(err, "attribute %q", name)
		}
		attributes[name] = converted
	}
	return attributes, nil
}

func ctyToAttribute(value cty.Value) (any, error) {
	if value.IsNull() || !value.IsKnown() {
		return nil, errors.New("null or unknown values are not supported")
	}
	ty := value.Type()
	switch {
	case ty == cty.String:
		return value.AsString(), nil
	case ty == cty.Bool:
		return value.True(), nil
	case ty == cty.Number:
		bf := value.AsBigFloat()
		if bf.IsInt() {
			var i int64
			if err := gocty.FromCtyValue(value, &i); err != nil {
				return nil, errors.Wrap(err, "integer out of range")
			}
			return i, nil
		}
		f, _ := bf.Float32()
		return f, nil
	case ty.IsListType() || ty.IsTupleType():
		var list []int64
		for it := value.ElementIterator(); it.Next(); {
			_, element := it.Element()
			if element.IsNull() || element.Type() != cty.Number || !element.AsBigFloat().IsInt() {
				return nil, errors.Errorf("only lists of integers are supported, got %s", strings.ToLower(element.Type().FriendlyName()))
			}
			var i int64
			if err := gocty.FromCtyValue(element, &i); err != nil {
				return nil, errors.Wrap(err, "integer out of range")
			}
			list = append(list, i)
		}
		if list == nil {
			list = []int64{}
		}
		return list, nil
	}
	return nil, errors.Errorf("unsupported type %s", ty.FriendlyName())
}
