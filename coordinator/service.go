package coordinator

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"k8s.io/klog/v2"
)

// ServiceName is the fully qualified gRPC service name of the coordinator.
const ServiceName = "xrt.coordinator.Coordinator"

// coordinatorServer is the server API of the coordination service. Messages are generic protobuf Structs, so no
// generated code is needed.
type coordinatorServer interface {
	Join(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Barrier(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	KeySet(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	KeyGet(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

type unaryMethod func(srv coordinatorServer, ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(name string, method unaryMethod) grpc.MethodDesc {
	fullMethod := "/" + ServiceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return method(srv.(coordinatorServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			handler := func(ctx context.Context, req any) (any, error) {
				return method(srv.(coordinatorServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*coordinatorServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryHandler("Join", coordinatorServer.Join),
		unaryHandler("Barrier", coordinatorServer.Barrier),
		unaryHandler("KeySet", coordinatorServer.KeySet),
		unaryHandler("KeyGet", coordinatorServer.KeyGet),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "xrt/coordinator.proto",
}

// service implements coordinatorServer. It is hosted by the process of rank 0.
type service struct {
	worldSize int
	jobID     string

	mu        sync.Mutex
	joined    map[int]bool
	allJoined chan struct{}
	barriers  map[string]*barrier
	values    map[string]string
	waiters   map[string]chan struct{}
}

type barrier struct {
	arrived map[int]bool
	done    chan struct{}
}

func newService(worldSize int) *service {
	return &service{
		worldSize: worldSize,
		jobID:     uuid.NewString(),
		joined:    make(map[int]bool),
		allJoined: make(chan struct{}),
		barriers:  make(map[string]*barrier),
		values:    make(map[string]string),
		waiters:   make(map[string]chan struct{}),
	}
}

func wait(ctx context.Context, done <-chan struct{}) error {
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return status.FromContextError(ctx.Err()).Err()
	}
}

func (s *service) rankOf(req *structpb.Struct) (int, error) {
	field, found := req.GetFields()["rank"]
	if !found {
		return 0, status.Errorf(codes.InvalidArgument, "missing rank")
	}
	rank := int(field.GetNumberValue())
	if rank < 0 || rank >= s.worldSize {
		return 0, status.Errorf(codes.InvalidArgument, "rank %d out of range for world size %d", rank, s.worldSize)
	}
	return rank, nil
}

// Join registers the rank and blocks until all ranks joined.
func (s *service) Join(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	rank, err := s.rankOf(req)
	if err != nil {
		return nil, err
	}
	if worldSize := int(req.GetFields()["world_size"].GetNumberValue()); worldSize != s.worldSize {
		return nil, status.Errorf(codes.FailedPrecondition, "rank %d joined with world size %d, but the job has world size %d",
			rank, worldSize, s.worldSize)
	}
	s.mu.Lock()
	if s.joined[rank] {
		s.mu.Unlock()
		return nil, status.Errorf(codes.AlreadyExists, "rank %d already joined", rank)
	}
	s.joined[rank] = true
	if len(s.joined) == s.worldSize {
		close(s.allJoined)
	}
	s.mu.Unlock()
	klog.V(1).Infof("coordinator: rank %d joined job %s", rank, s.jobID)
	if err := wait(ctx, s.allJoined); err != nil && !s.leave(rank) {
		return nil, err
	}
	return structpb.NewStruct(map[string]any{"job_id": s.jobID})
}

// leave unregisters a rank whose Join gave up. It returns true if the job had already formed, in which case
// the rank stays and its Join succeeds.
func (s *service) leave(rank int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.allJoined:
		return true
	default:
	}
	delete(s.joined, rank)
	klog.V(1).Infof("coordinator: rank %d left job %s before it formed", rank, s.jobID)
	return false
}

// Barrier blocks until all ranks reached the barrier with the same tag and generation.
func (s *service) Barrier(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	rank, err := s.rankOf(req)
	if err != nil {
		return nil, err
	}
	fields := req.GetFields()
	key := fmt.Sprintf("%s#%d", fields["tag"].GetStringValue(), int(fields["generation"].GetNumberValue()))
	s.mu.Lock()
	b, found := s.barriers[key]
	if !found {
		b = &barrier{arrived: make(map[int]bool), done: make(chan struct{})}
		s.barriers[key] = b
	}
	if !b.arrived[rank] {
		b.arrived[rank] = true
		if len(b.arrived) == s.worldSize {
			close(b.done)
		}
	}
	s.mu.Unlock()
	if err := wait(ctx, b.done); err != nil {
		return nil, err
	}
	return &structpb.Struct{}, nil
}

// KeySet stores a value, waking up pending KeyGet calls.
func (s *service) KeySet(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	fields := req.GetFields()
	key := fields["key"].GetStringValue()
	if key == "" {
		return nil, status.Errorf(codes.InvalidArgument, "empty key")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = fields["value"].GetStringValue()
	if waiter, found := s.waiters[key]; found {
		close(waiter)
		delete(s.waiters, key)
	}
	return &structpb.Struct{}, nil
}

// KeyGet returns the value of a key, blocking until it is set.
func (s *service) KeyGet(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	key := req.GetFields()["key"].GetStringValue()
	if key == "" {
		return nil, status.Errorf(codes.InvalidArgument, "empty key")
	}
	for {
		s.mu.Lock()
		value, found := s.values[key]
		if found {
			s.mu.Unlock()
			return structpb.NewStruct(map[string]any{"value": value})
		}
		waiter, found := s.waiters[key]
		if !found {
			waiter = make(chan struct{})
			s.waiters[key] = waiter
		}
		s.mu.Unlock()
		if err := wait(ctx, waiter); err != nil {
			return nil, err
		}
	}
}
