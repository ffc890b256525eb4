// xrt_run is a small tool to execute programs with the computation client, on one or more replicas.
package main

import (
	"flag"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/stablehlo/types/shapes"
	"github.com/gomlx/xrt/backends"
	"github.com/gomlx/xrt/backends/sim"
	"github.com/gomlx/xrt/client"
	"github.com/gomlx/xrt/literal"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"
)

var (
	flagConfig   = flag.String("config", "", "Backend configuration, e.g. \"sim:devices=4\". Defaults to $"+backends.ConfigEnvVar)
	flagProgram  = flag.String("program", "", "File with an encoded sim program. If empty, a built-in example is used")
	flagSave     = flag.String("save", "", "Save the program to the given file, and exit")
	flagReplicas = flag.Int("replicas", 1, "Number of local devices to run the program on, as replicas")
	flagList     = flag.Bool("list", false, "List the devices and the plugins available, and exit")
	flagMetrics  = flag.Bool("metrics", false, "Print the client metrics at the end")
)

// exampleProgram returns sum(x*x) across replicas, for a float32 vector x of the given size.
func exampleProgram(size int) backends.Program {
	return must.M1(sim.BuildFunc("sum_of_squares", func(b *sim.Builder) []*sim.Node {
		x := b.Parameter("x", shapes.Make(dtypes.Float32, size))
		return []*sim.Node{b.AllReduceSum(b.ReduceSum(b.Mul(x, x)))}
	}))
}

// parseValue parses a comma separated list of numbers into a value of the given shape.
// Only float32 parameters are supported for now.
func parseValue(arg string, shape shapes.Shape) (*literal.Literal, error) {
	if shape.DType != dtypes.Float32 {
		return nil, fmt.Errorf("only float32 parameters are supported, got %s", shape)
	}
	parts := strings.Split(arg, ",")
	if len(parts) != shape.Size() {
		return nil, fmt.Errorf("parameter of shape %s requires %d values, got %d", shape, shape.Size(), len(parts))
	}
	flat := make([]float32, len(parts))
	for ii, part := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(part), 32)
		if err != nil {
			return nil, err
		}
		flat[ii] = float32(v)
	}
	return literal.FromFlat(flat, shape.Dimensions...)
}

func list(c *client.Client) {
	fmt.Printf("Backend: %s\n", c.Backend().Description())
	fmt.Printf("Process %d of %d, default device %s\n", c.GetProcessIndex(), c.GetNumProcesses(), c.GetDefaultDevice())
	local := c.GetLocalDevices()
	for _, device := range c.GetAllDevices() {
		attributes := must.M1(c.GetDeviceAttributes(device))
		marker := " "
		if slices.Contains(local, device) {
			marker = "*"
		}
		fmt.Printf("%s %s\t%v\n", marker, device, attributes)
	}
	plugins := client.AvailablePlugins()
	if len(plugins) == 0 {
		fmt.Printf("No plugins found (search paths in $%s)\n", client.PluginPathsEnv)
	}
	for name, path := range plugins {
		fmt.Printf("Plugin %q:\t%s\n", name, path)
	}
}

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `xrt_run will compile a program and execute it on one or more replicas.

$ xrt_run -config=sim:devices=4 -replicas=4 <x_0> <x_1> ...

Each argument is a comma separated list of values of one parameter, and is given to every replica.
The built-in example takes one float32 vector and returns the sum of its squares across replicas.

Usage:
`)
		flag.PrintDefaults()
	}
	klog.InitFlags(flag.CommandLine)
	flag.Parse()

	var program backends.Program
	if *flagProgram != "" {
		program = must.M1(sim.DecodeProgram(must.M1(os.ReadFile(*flagProgram))))
	} else {
		program = exampleProgram(len(strings.Split(flag.Arg(0), ",")))
	}
	if *flagSave != "" {
		must.M(os.WriteFile(*flagSave, program.Code, 0o644))
		fmt.Printf("Program saved to %q\n", *flagSave)
		return
	}

	c := must.M1(client.NewWithConfig(*flagConfig))
	defer c.Finalize()
	if *flagList {
		list(c)
		return
	}

	parameters := program.Shape.ParameterShapes
	if flag.NArg() != len(parameters) {
		fmt.Fprintf(os.Stderr, "Program takes %d parameters, %d given.\n\n", len(parameters), flag.NArg())
		flag.Usage()
		os.Exit(1)
	}
	devices := c.GetLocalDevices()
	if *flagReplicas < 1 || *flagReplicas > len(devices) {
		klog.Exitf("-replicas=%d is invalid, there are %d local devices", *flagReplicas, len(devices))
	}
	devices = devices[:*flagReplicas]

	comp := must.M1(c.CompileOne(client.NewComputation("main", program), devices[0], devices, nil))
	defer comp.Release()
	args := make([][]*client.Data, len(devices))
	for ii, device := range devices {
		sources := make([]client.TensorSource, len(parameters))
		for paramIdx, shape := range parameters {
			sources[paramIdx] = client.TensorSource{Device: device, Value: must.M1(parseValue(flag.Arg(paramIdx), shape))}
		}
		args[ii] = must.M1(c.TransferToDevice(sources))
	}
	results := must.M1(c.ExecuteReplicated(comp, args, devices, nil))
	for ii, outputs := range results {
		values := must.M1(c.ReadFromDevice(outputs))
		for outputIdx, value := range values {
			fmt.Printf("\t%s: output #%d = %s\n", devices[ii], outputIdx, value)
		}
	}
	if *flagMetrics {
		fmt.Println(c.GetMetrics())
	}
}
