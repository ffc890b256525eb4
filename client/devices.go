package client

import (
	"slices"
	"strconv"
	"strings"

	"github.com/gomlx/xrt/backends"
	"github.com/gomlx/xrt/internal/stream"
	"github.com/pkg/errors"
)

// SPMDDevice is the virtual device of values sharded over several devices, and of SPMD compilations.
const SPMDDevice = "SPMD:0"

// GetDeviceOrdinal returns the ordinal of a device ID formatted as "<type>:<ordinal>", e.g. 3 for "TPU:3".
// The ordinal is what follows the last ':'.
func GetDeviceOrdinal(device string) (int, error) {
	idx := strings.LastIndex(device, ":")
	if idx == -1 {
		return 0, errorf(ErrInvalidArgument, "invalid device id %q: expected format \"<type>:<ordinal>\"", device)
	}
	ordinalStr := device[idx+1:]
	ordinal, err := strconv.Atoi(ordinalStr)
	if err != nil || ordinal < 0 || ordinalStr[0] == '+' {
		return 0, errorf(ErrInvalidArgument, "invalid device id %q: ordinal %q is not a non-negative integer", device, ordinalStr)
	}
	return ordinal, nil
}

// deviceType returns the part of the device ID before the last ':'.
func deviceType(device string) string {
	if idx := strings.LastIndex(device, ":"); idx != -1 {
		return device[:idx]
	}
	return device
}

func (c *Client) initDevices() error {
	c.devices = c.backend.Devices()
	c.deviceByID = make(map[string]int, len(c.devices))
	processIndex := c.backend.ProcessIndex()
	for ii, d := range c.devices {
		if _, err := GetDeviceOrdinal(d.ID); err != nil {
			return errors.WithMessagef(err, "backend %q", c.backend.Name())
		}
		if _, found := c.deviceByID[d.ID]; found {
			return errorf(ErrInvalidArgument, "backend %q reported device %q more than once", c.backend.Name(), d.ID)
		}
		if err := d.Attributes.Validate(); err != nil {
			return errors.WithMessagef(err, "backend %q device %q", c.backend.Name(), d.ID)
		}
		c.deviceByID[d.ID] = ii
		if d.ProcessIndex == processIndex {
			c.localDevices = append(c.localDevices, d.ID)
		}
	}
	if len(c.localDevices) == 0 {
		return errorf(ErrNotFound, "backend %q has no devices for process %d", c.backend.Name(), processIndex)
	}
	return nil
}

func (c *Client) device(device string) (backends.DeviceDescription, error) {
	idx, found := c.deviceByID[device]
	if !found {
		return backends.DeviceDescription{}, errorf(ErrNotFound, "unknown device %q", device)
	}
	return c.devices[idx], nil
}

// stream returns the work stream of a local device.
func (c *Client) stream(device string) (*stream.Stream, error) {
	s, found := c.streams[device]
	if !found {
		if _, err := c.device(device); err != nil {
			return nil, err
		}
		return nil, errorf(ErrInvalidArgument, "device %q is not local to process %d", device, c.GetProcessIndex())
	}
	return s, nil
}

// GetLocalDevices returns the IDs of the devices addressable by this process.
func (c *Client) GetLocalDevices() []string {
	return slices.Clone(c.localDevices)
}

// GetAllDevices returns the IDs of all devices of the job, including the ones of other processes.
func (c *Client) GetAllDevices() []string {
	ids := make([]string, len(c.devices))
	for ii, d := range c.devices {
		ids[ii] = d.ID
	}
	return ids
}

// GetDefaultDevice returns the first local device.
func (c *Client) GetDefaultDevice() string {
	return c.localDevices[0]
}

// GetNumDevices returns the number of local devices.
func (c *Client) GetNumDevices() int {
	return len(c.localDevices)
}

// GetProcessIndex returns the index of this process in the job.
func (c *Client) GetProcessIndex() int {
	return c.backend.ProcessIndex()
}

// GetNumProcesses returns the number of processes in the job.
func (c *Client) GetNumProcesses() int {
	return c.backend.NumProcesses()
}

// GetDeviceAttributes returns a copy of the attributes of the device.
func (c *Client) GetDeviceAttributes(device string) (backends.DeviceAttributes, error) {
	d, err := c.device(device)
	if err != nil {
		return nil, err
	}
	return d.Attributes.Clone(), nil
}

// GetMemoryInfo returns the memory usage of a local device.
func (c *Client) GetMemoryInfo(device string) (backends.MemoryInfo, error) {
	if _, err := c.stream(device); err != nil {
		return backends.MemoryInfo{}, err
	}
	info, err := c.backend.MemoryInfo(device)
	if err != nil {
		return backends.MemoryInfo{}, errors.WithMessagef(err, "GetMemoryInfo(%q)", device)
	}
	return info, nil
}

// GetCompilationDevices returns the devices a compilation for device targets: devices if not empty, otherwise
// just device.
func (c *Client) GetCompilationDevices(device string, devices []string) []string {
	if len(devices) == 0 {
		return []string{device}
	}
	return slices.Clone(devices)
}
