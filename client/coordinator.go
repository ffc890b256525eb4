package client

import (
	"context"

	"github.com/gomlx/xrt/coordinator"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// InitializeCoordinator joins the process to a multi-process job: the process of rank 0 hosts the coordination
// service on address:port, and all ranks connect to it. It blocks until all worldSize processes have joined
// (or ctx is done).
//
// It can be called only once per Client.
func (c *Client) InitializeCoordinator(ctx context.Context, rank, worldSize int, address string, port int) error {
	return c.InitializeCoordinatorWithConfig(ctx, coordinator.Config{
		Rank:      rank,
		WorldSize: worldSize,
		Address:   address,
		Port:      port,
	})
}

// InitializeCoordinatorWithConfig is like InitializeCoordinator, but takes the full coordinator configuration.
func (c *Client) InitializeCoordinatorWithConfig(ctx context.Context, cfg coordinator.Config) error {
	if err := c.checkAlive(); err != nil {
		return err
	}
	c.mu.Lock()
	if c.coordinator != nil || c.coordinatorJoining {
		c.mu.Unlock()
		return errorf(ErrStateViolation, "InitializeCoordinator: coordinator already initialized")
	}
	c.coordinatorJoining = true
	c.mu.Unlock()

	coord, err := coordinator.New(ctx, cfg)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.coordinatorJoining = false
	if err != nil {
		return wrapf(ErrInvalidArgument, err, "InitializeCoordinator(rank=%d, worldSize=%d)", cfg.Rank, cfg.WorldSize)
	}
	c.coordinator = coord
	klog.V(1).Infof("client: joined job %s as rank %d of %d", coord.JobID(), coord.Rank(), coord.WorldSize())
	return nil
}

// CoordinatorInitialized returns whether InitializeCoordinator completed successfully.
func (c *Client) CoordinatorInitialized() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.coordinator != nil
}

// GetCoordinator returns the coordinator of the job, or an error if it was not initialized.
func (c *Client) GetCoordinator() (*coordinator.Coordinator, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.coordinator == nil {
		return nil, errorf(ErrStateViolation, "coordinator not initialized, use InitializeCoordinator first")
	}
	return c.coordinator, nil
}

// closeCoordinator leaves the job, if one was joined.
func (c *Client) closeCoordinator() {
	c.mu.Lock()
	coord := c.coordinator
	c.coordinator = nil
	c.mu.Unlock()
	if coord == nil {
		return
	}
	if err := coord.Close(); err != nil {
		klog.Warningf("client: failed to close coordinator: %+v", errors.WithStack(err))
	}
}
