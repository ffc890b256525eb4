package sim

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
)

// DefaultMemory per device, in bytes.
const DefaultMemory = 16 << 30

// Config of the simulated backend. It is created from the configuration string given to the backend constructor,
// see ParseConfig.
type Config struct {
	// Kind of the devices, used as the prefix of their IDs. Default is "SIM".
	Kind string

	// DevicesPerProcess is the number of devices owned by each process. Default is 1.
	DevicesPerProcess int

	// Processes in the job, and ProcessIndex of this one.
	Processes, ProcessIndex int

	// Memory of each device, in bytes.
	Memory int64

	// Faulty lists the ordinals of the devices that fail every execution.
	Faulty []int

	// Flags are passed along to the compiler, and they are part of its fingerprint.
	Flags string

	// Attributes per device ordinal, added to the default attributes. Set by the topology file.
	Attributes map[int]map[string]any
}

// ParseConfig parses a comma separated list of "key=value" settings:
//
//   - devices: number of devices per process, e.g. "devices=4".
//   - kind: device kind, e.g. "kind=TPU".
//   - processes and process: number of processes of the job and index of this process.
//   - memory: memory per device, e.g. "memory=1GiB".
//   - faulty: "+" separated list of device ordinals whose executions fail, e.g. "faulty=1+3".
//   - flags: compiler flags, they only change the compiler fingerprint.
//   - topology: path to an HCL file with the topology, see LoadTopology. Other settings take precedence.
func ParseConfig(config string) (Config, error) {
	cfg := Config{Kind: "SIM", DevicesPerProcess: 1, Processes: 1, Memory: DefaultMemory}
	settings := make(map[string]string)
	var keys []string
	for _, part := range strings.Split(config, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, found := strings.Cut(part, "=")
		if !found {
			return cfg, errors.Errorf("sim: invalid setting %q in config %q, expected \"key=value\"", part, config)
		}
		key = strings.ToLower(strings.TrimSpace(key))
		if _, dup := settings[key]; dup {
			return cfg, errors.Errorf("sim: setting %q given more than once in config %q", key, config)
		}
		settings[key] = strings.TrimSpace(value)
		keys = append(keys, key)
	}
	if topologyPath, found := settings["topology"]; found {
		topology, err := LoadTopology(topologyPath)
		if err != nil {
			return cfg, err
		}
		if err := topology.apply(&cfg); err != nil {
			return cfg, errors.WithMessagef(err, "sim: topology %q", topologyPath)
		}
	}

	var err error
	for _, key := range keys {
		value := settings[key]
		switch key {
		case "topology":
		case "devices":
			cfg.DevicesPerProcess, err = strconv.Atoi(value)
		case "kind":
			cfg.Kind = value
		case "processes":
			cfg.Processes, err = strconv.Atoi(value)
		case "process":
			cfg.ProcessIndex, err = strconv.Atoi(value)
		case "memory":
			var memory uint64
			memory, err = humanize.ParseBytes(value)
			cfg.Memory = int64(memory)
		case "faulty":
			cfg.Faulty = nil
			for _, ordinalStr := range strings.Split(value, "+") {
				var ordinal int
				ordinal, err = strconv.Atoi(ordinalStr)
				if err != nil {
					break
				}
				cfg.Faulty = append(cfg.Faulty, ordinal)
			}
		case "flags":
			cfg.Flags = value
		default:
			return cfg, errors.Errorf("sim: unknown setting %q in config %q", key, config)
		}
		if err != nil {
			return cfg, errors.Wrapf(err, "sim: invalid value %q for setting %q", value, key)
		}
	}
	return cfg, cfg.Validate()
}

// Validate the configuration.
func (cfg Config) Validate() error {
	switch {
	case cfg.Kind == "" || strings.ContainsAny(cfg.Kind, ":,"):
		return errors.Errorf("sim: invalid device kind %q", cfg.Kind)
	case cfg.DevicesPerProcess <= 0:
		return errors.Errorf("sim: number of devices per process must be > 0, got %d", cfg.DevicesPerProcess)
	case cfg.Processes <= 0:
		return errors.Errorf("sim: number of processes must be > 0, got %d", cfg.Processes)
	case cfg.ProcessIndex < 0 || cfg.ProcessIndex >= cfg.Processes:
		return errors.Errorf("sim: process index %d out of range for %d processes", cfg.ProcessIndex, cfg.Processes)
	case cfg.Memory <= 0:
		return errors.Errorf("sim: memory per device must be > 0, got %d", cfg.Memory)
	}
	numDevices := cfg.NumDevices()
	for _, ordinal := range cfg.Faulty {
		if ordinal < 0 || ordinal >= numDevices {
			return errors.Errorf("sim: faulty device %d out of range, there are %d devices", ordinal, numDevices)
		}
	}
	for ordinal := range cfg.Attributes {
		if ordinal < 0 || ordinal >= numDevices {
			return errors.Errorf("sim: attributes given for device %d, but there are %d devices", ordinal, numDevices)
		}
	}
	return nil
}

// NumDevices in the job, across all processes.
func (cfg Config) NumDevices() int {
	return cfg.DevicesPerProcess * cfg.Processes
}

// DeviceID of the device with the given global ordinal.
func (cfg Config) DeviceID(ordinal int) string {
	return fmt.Sprintf("%s:%d", cfg.Kind, ordinal)
}

// String implements fmt.Stringer.
func (cfg Config) String() string {
	parts := []string{
		fmt.Sprintf("kind=%s", cfg.Kind),
		fmt.Sprintf("devices=%d", cfg.DevicesPerProcess),
		fmt.Sprintf("processes=%d", cfg.Processes),
		fmt.Sprintf("process=%d", cfg.ProcessIndex),
		fmt.Sprintf("memory=%s", humanize.IBytes(uint64(cfg.Memory))),
	}
	if len(cfg.Faulty) > 0 {
		faulty := slices.Clone(cfg.Faulty)
		slices.Sort(faulty)
		strs := make([]string, len(faulty))
		for ii, ordinal := range faulty {
			strs[ii] = strconv.Itoa(ordinal)
		}
		parts = append(parts, "faulty="+strings.Join(strs, "+"))
	}
	if cfg.Flags != "" {
		parts = append(parts, "flags="+cfg.Flags)
	}
	return strings.Join(parts, ",")
}
