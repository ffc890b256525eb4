// Package client implements the computation client: the backend-agnostic layer that owns device data handles and
// compiled programs, moves data between host and devices, compiles and executes programs (on one device, or
// replicated), and keeps the coordination state of a multi-process job.
//
// A Client is created over a backends.Backend, usually selected by configuration:
//
//	import _ "github.com/gomlx/xrt/backends/sim"
//
//	c, err := client.New() // Uses $XRT_BACKEND, e.g. "sim:devices=4".
//
// Work on each local device runs on its own FIFO stream, in the order it was issued. Transfers return handles
// immediately, which are populated asynchronously. Reads block until the handle is populated.
package client

import (
	"os"
	"sync"
	"sync/atomic"

	"github.com/gomlx/xrt/backends"
	"github.com/gomlx/xrt/cache"
	"github.com/gomlx/xrt/coordinator"
	"github.com/gomlx/xrt/internal/stream"
	"github.com/gomlx/xrt/metrics"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Options to create a Client. The zero value is valid, and uses the defaults.
type Options struct {
	// Config of the backend, formatted as "<backend_name>:<backend_configuration>".
	// If empty, $XRT_BACKEND is used. See backends.NewWithConfig.
	Config string

	// Backend to use. If set, Config is ignored.
	Backend backends.Backend

	// CacheDir where compiled programs are persisted. If empty $XRT_CACHE_DIR is used, and if that is not set
	// compiled programs are only cached in memory.
	CacheDir string

	// DisableCache disables the compilation cache altogether.
	DisableCache bool

	// Metrics sink. If nil a new one is created, see Client.Metrics.
	Metrics *metrics.Registry
}

// Client is the computation client of one process. It is safe for concurrent use.
type Client struct {
	backend backends.Backend
	metrics *metrics.Registry
	cache   *cache.Cache

	devices      []backends.DeviceDescription
	deviceByID   map[string]int
	localDevices []string
	streams      map[string]*stream.Stream

	handles *handleArena

	envHashOnce sync.Once
	envHash     string

	// launchMu serializes the enqueueing of replicated launches, so they are in the same order on every stream.
	launchMu sync.Mutex

	mu                 sync.Mutex
	coordinator        *coordinator.Coordinator
	coordinatorJoining bool
	replicationDevices []string
	finalized          atomic.Bool
}

// New returns a Client over the default backend, see Options.
func New() (*Client, error) {
	return NewWithOptions(Options{})
}

// NewWithConfig returns a Client over the backend selected by config, formatted as
// "<backend_name>:<backend_configuration>".
func NewWithConfig(config string) (*Client, error) {
	return NewWithOptions(Options{Config: config})
}

// NewWithOptions returns a Client configured by the given options.
func NewWithOptions(options Options) (*Client, error) {
	backend := options.Backend
	if backend == nil {
		var err error
		if options.Config != "" {
			backend, err = backends.NewWithConfig(options.Config)
		} else {
			backend, err = backends.New()
		}
		if err != nil {
			return nil, err
		}
	}
	c := &Client{
		backend: backend,
		metrics: options.Metrics,
		handles: newHandleArena(),
		streams: make(map[string]*stream.Stream),
	}
	if c.metrics == nil {
		c.metrics = metrics.NewRegistry()
	}
	if err := c.initDevices(); err != nil {
		if options.Backend == nil {
			backend.Finalize()
		}
		return nil, err
	}
	if !options.DisableCache {
		dir := options.CacheDir
		if dir == "" {
			dir = os.Getenv(cache.DirEnvVar)
		}
		var err error
		c.cache, err = cache.New(dir)
		if err != nil {
			c.Finalize()
			return nil, errors.WithMessagef(err, "failed to create compilation cache")
		}
	}
	for _, device := range c.localDevices {
		c.streams[device] = stream.New(device)
	}
	klog.V(1).Infof("client: created over backend %q (%s), process %d/%d, %d local devices of %d",
		backend.Name(), backend.Description(), c.GetProcessIndex(), c.GetNumProcesses(), len(c.localDevices), len(c.devices))
	return c, nil
}

// Backend used by the client.
func (c *Client) Backend() backends.Backend { return c.backend }

// Metrics returns the metrics sink of the client.
func (c *Client) Metrics() *metrics.Registry { return c.metrics }

// GetMetrics returns a snapshot of the client's counters and metrics.
func (c *Client) GetMetrics() metrics.Snapshot { return c.metrics.Snapshot() }

// LiveDataHandles returns the number of data handles not released yet.
func (c *Client) LiveDataHandles() int { return c.handles.len() }

// Finalize waits for all pending device work, closes the coordinator connection and finalizes the backend.
// The client is no longer valid afterward.
func (c *Client) Finalize() {
	if !c.finalized.CompareAndSwap(false, true) {
		return
	}
	for _, s := range c.streams {
		s.Close()
	}
	c.closeCoordinator()
	c.backend.Finalize()
}

func (c *Client) checkAlive() error {
	if c.finalized.Load() {
		return errorf(ErrStateViolation, "client over backend %q has been finalized", c.backend.Name())
	}
	return nil
}

// SetReplicationDevices stores the devices used by replicated executions. Last writer wins.
func (c *Client) SetReplicationDevices(devices []string) error {
	for _, device := range devices {
		if _, err := c.device(device); err != nil {
			return err
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.replicationDevices = append([]string(nil), devices...)
	return nil
}

// GetReplicationDevices returns a copy of the devices set with SetReplicationDevices.
func (c *Client) GetReplicationDevices() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.replicationDevices...)
}

// WaitDeviceOps blocks until all transfers, executions and releases issued so far on the given local devices have
// completed. If devices is empty, it waits on all local devices.
func (c *Client) WaitDeviceOps(devices []string) error {
	if len(devices) == 0 {
		devices = c.localDevices
	}
	streams := make([]*stream.Stream, 0, len(devices))
	for _, device := range devices {
		s, err := c.stream(device)
		if err != nil {
			return errors.WithMessagef(err, "WaitDeviceOps")
		}
		streams = append(streams, s)
	}
	for _, s := range streams {
		s.Wait()
	}
	return nil
}
