// Package coordinator implements the distributed rendezvous of a multi-process job: every process joins the job,
// and can then synchronize on named barriers and exchange small key/values.
//
// The process of rank 0 hosts the gRPC coordination service, and all processes (including rank 0) are clients of it.
package coordinator

import (
	"context"
	"net"
	"strconv"
	"sync"

	"github.com/pkg/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
	"k8s.io/klog/v2"
)

// Config of a process joining the job.
type Config struct {
	// Rank of this process in [0, WorldSize).
	Rank, WorldSize int

	// Address and Port of the coordination service, hosted by rank 0.
	Address string
	Port    int

	// Listener, if set, is used by rank 0 to serve instead of listening on Address:Port.
	Listener net.Listener
}

// Coordinator is a process's connection to the coordination service.
type Coordinator struct {
	config Config
	target string
	jobID  string

	server *grpc.Server // Only set on rank 0.
	conn   *grpc.ClientConn

	mu          sync.Mutex
	generations map[string]int
}

// New joins the job described by config. It blocks until all ranks have joined, or ctx is done.
func New(ctx context.Context, config Config) (*Coordinator, error) {
	if config.WorldSize <= 0 {
		return nil, errors.Errorf("coordinator: invalid world size %d", config.WorldSize)
	}
	if config.Rank < 0 || config.Rank >= config.WorldSize {
		return nil, errors.Errorf("coordinator: rank %d out of range for world size %d", config.Rank, config.WorldSize)
	}
	if config.Port < 0 || config.Port > 65535 {
		return nil, errors.Errorf("coordinator: invalid port %d", config.Port)
	}
	c := &Coordinator{
		config:      config,
		target:      net.JoinHostPort(config.Address, strconv.Itoa(config.Port)),
		generations: make(map[string]int),
	}
	if config.Rank == 0 {
		listener := config.Listener
		if listener == nil {
			var err error
			listener, err = net.Listen("tcp", c.target)
			if err != nil {
				return nil, errors.Wrapf(err, "coordinator: failed to listen on %s", c.target)
			}
		}
		c.target = listener.Addr().String()
		c.server = grpc.NewServer()
		c.server.RegisterService(&serviceDesc, newService(config.WorldSize))
		go func() {
			if err := c.server.Serve(listener); err != nil {
				klog.Errorf("coordinator: server on %s stopped: %v", c.target, err)
			}
		}()
	}
	conn, err := grpc.NewClient(c.target, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		c.stopServer()
		return nil, errors.Wrapf(err, "coordinator: failed to connect to %s", c.target)
	}
	c.conn = conn

	resp, err := c.call(ctx, "Join", map[string]any{"rank": config.Rank, "world_size": config.WorldSize})
	if err != nil {
		_ = c.Close()
		return nil, errors.WithMessagef(err, "coordinator: rank %d failed to join job at %s", config.Rank, c.target)
	}
	c.jobID = resp.GetFields()["job_id"].GetStringValue()
	klog.V(1).Infof("coordinator: rank %d/%d joined job %s at %s", config.Rank, config.WorldSize, c.jobID, c.target)
	return c, nil
}

func (c *Coordinator) call(ctx context.Context, method string, fields map[string]any) (*structpb.Struct, error) {
	req, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, errors.Wrapf(err, "coordinator: invalid %s request", method)
	}
	resp := new(structpb.Struct)
	err = c.conn.Invoke(ctx, "/"+ServiceName+"/"+method, req, resp, grpc.WaitForReady(true))
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// Rank of this process.
func (c *Coordinator) Rank() int { return c.config.Rank }

// WorldSize is the number of processes in the job.
func (c *Coordinator) WorldSize() int { return c.config.WorldSize }

// Address configured for the coordination service.
func (c *Coordinator) Address() string { return c.config.Address }

// Port configured for the coordination service.
func (c *Coordinator) Port() int { return c.config.Port }

// Target is the address this process connects to. On rank 0 it is the actual listening address.
func (c *Coordinator) Target() string { return c.target }

// JobID is a unique identifier of the job, the same for all ranks.
func (c *Coordinator) JobID() string { return c.jobID }

// Barrier blocks until all ranks called Barrier with the same tag the same number of times.
func (c *Coordinator) Barrier(ctx context.Context, tag string) error {
	c.mu.Lock()
	generation := c.generations[tag]
	c.generations[tag]++
	c.mu.Unlock()
	_, err := c.call(ctx, "Barrier", map[string]any{"rank": c.config.Rank, "tag": tag, "generation": generation})
	if err != nil {
		return errors.WithMessagef(err, "coordinator: barrier %q (generation %d) failed on rank %d", tag, generation, c.config.Rank)
	}
	return nil
}

// KeySet stores a value visible to all ranks.
func (c *Coordinator) KeySet(ctx context.Context, key, value string) error {
	_, err := c.call(ctx, "KeySet", map[string]any{"key": key, "value": value})
	if err != nil {
		return errors.WithMessagef(err, "coordinator: failed to set key %q", key)
	}
	return nil
}

// KeyGet returns the value stored with KeySet by any rank, blocking until it is set or ctx is done.
func (c *Coordinator) KeyGet(ctx context.Context, key string) (string, error) {
	resp, err := c.call(ctx, "KeyGet", map[string]any{"key": key})
	if err != nil {
		return "", errors.WithMessagef(err, "coordinator: failed to get key %q", key)
	}
	return resp.GetFields()["value"].GetStringValue(), nil
}

func (c *Coordinator) stopServer() {
	if c.server != nil {
		c.server.Stop()
		c.server = nil
	}
}

// Close the connection, and on rank 0 stops the coordination service.
func (c *Coordinator) Close() error {
	var err error
	if c.conn != nil {
		err = c.conn.Close()
		c.conn = nil
	}
	c.stopServer()
	return err
}
