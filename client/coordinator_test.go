package client

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/stablehlo/types/shapes"
	"github.com/gomlx/xrt/coordinator"
	"github.com/gomlx/xrt/literal"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCoordinatorSingleProcess(t *testing.T) {
	c := newTestClient(t, "devices=1")
	assert.False(t, c.CoordinatorInitialized())
	_, err := c.GetCoordinator()
	assert.ErrorIs(t, err, ErrStateViolation)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, c.InitializeCoordinator(ctx, 0, 1, "127.0.0.1", 0))
	assert.True(t, c.CoordinatorInitialized())
	coord := capture(c.GetCoordinator()).Test(t)
	assert.NotEmpty(t, coord.JobID())
	assert.Equal(t, 1, coord.WorldSize())
	require.NoError(t, coord.Barrier(ctx, "start"))

	err = c.InitializeCoordinator(ctx, 0, 1, "127.0.0.1", 0)
	assert.ErrorIs(t, err, ErrStateViolation)

	c.Finalize()
	assert.False(t, c.CoordinatorInitialized())
}

func TestCoordinatorInvalid(t *testing.T) {
	c := newTestClient(t, "devices=1")
	err := c.InitializeCoordinator(context.Background(), 2, 2, "127.0.0.1", 0)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	assert.False(t, c.CoordinatorInitialized())

	// A failed join can be retried.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, c.InitializeCoordinator(ctx, 0, 1, "127.0.0.1", 0))
}

func TestCoordinatorMultiProcess(t *testing.T) {
	const numProcesses = 2
	clients := make([]*Client, numProcesses)
	for rank := range clients {
		clients[rank] = newTestClient(t, fmt.Sprintf("devices=1,processes=%d,process=%d", numProcesses, rank))
	}
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := listener.Addr().(*net.TCPAddr).Port

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	errs := make([]error, numProcesses)
	var wg sync.WaitGroup
	for rank, c := range clients {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cfg := coordinator.Config{Rank: rank, WorldSize: numProcesses, Address: "127.0.0.1", Port: port}
			if rank == 0 {
				cfg.Listener = listener
			}
			errs[rank] = c.InitializeCoordinatorWithConfig(ctx, cfg)
		}()
	}
	wg.Wait()
	for rank, err := range errs {
		require.NoErrorf(t, err, "rank %d failed to join", rank)
	}
	jobID := capture(clients[0].GetCoordinator()).Test(t).JobID()
	assert.Equal(t, jobID, capture(clients[1].GetCoordinator()).Test(t).JobID())

	// Each process runs its local replica, after a barrier with the other process.
	template := NewComputation("add", addProgram(t, shapes.Make(dtypes.Float32, 2)))
	values := make([][]float32, numProcesses)
	for rank, c := range clients {
		wg.Add(1)
		go func() {
			defer wg.Done()
			devices := c.GetLocalDevices()
			comp, err := c.CompileOne(template, devices[0], devices, nil)
			if err != nil {
				errs[rank] = err
				return
			}
			defer comp.Release()
			value := must.M1(literal.FromFlat([]float32{1, float32(rank)}))
			args, err := c.TransferToDevice([]TensorSource{{Device: devices[0], Value: value}, {Device: devices[0], Value: value}})
			if err != nil {
				errs[rank] = err
				return
			}
			results, err := c.ExecuteReplicated(comp, [][]*Data{args}, devices, &ExecuteOptions{ExplodeTuple: true, BarrierTag: "step-1"})
			if err != nil {
				errs[rank] = err
				return
			}
			literals, err := c.ReadFromDevice(results[0])
			if err != nil {
				errs[rank] = err
				return
			}
			values[rank], errs[rank] = literal.ToFlat[float32](literals[0])
		}()
	}
	wg.Wait()
	for rank, err := range errs {
		require.NoErrorf(t, err, "rank %d", rank)
	}
	assert.Equal(t, []float32{2, 0}, values[0])
	assert.Equal(t, []float32{2, 2}, values[1])
}
