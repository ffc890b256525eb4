// Package stream implements per-device FIFO work streams.
//
// Work enqueued on a stream runs on a dedicated goroutine in the order it was enqueued. Enqueueing never blocks:
// the queue is unbounded.
package stream

import (
	"sync"

	"github.com/gomlx/xrt/internal/xsync"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Task is a unit of work executed on a Stream.
type Task func()

// Stream executes tasks serially, in FIFO order.
type Stream struct {
	name string

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []Task
	closed  bool
	stopped *xsync.Latch
}

// New creates a stream and starts its worker goroutine.
func New(name string) *Stream {
	s := &Stream{name: name, stopped: xsync.NewLatch()}
	s.cond = sync.NewCond(&s.mu)
	go s.run()
	return s
}

// Name of the stream, usually the device id.
func (s *Stream) Name() string { return s.name }

// Enqueue task to be executed after all tasks previously enqueued. It returns an error if the stream is closed.
func (s *Stream) Enqueue(task Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.Errorf("stream %q is closed", s.name)
	}
	s.queue = append(s.queue, task)
	s.cond.Signal()
	return nil
}

// Marker enqueues an empty task and returns a latch that is triggered once every task enqueued before it has run.
// If the stream is closed, the returned latch triggers once the stream drained.
func (s *Stream) Marker() *xsync.Latch {
	latch := xsync.NewLatch()
	if err := s.Enqueue(func() { latch.Trigger() }); err != nil {
		go func() {
			s.stopped.Wait()
			latch.Trigger()
		}()
	}
	return latch
}

// Wait blocks until all tasks enqueued so far have run.
func (s *Stream) Wait() {
	s.Marker().Wait()
}

// Pending returns the number of tasks not started yet.
func (s *Stream) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Close the stream: tasks already enqueued still run, new ones are rejected. It blocks until the worker exits.
func (s *Stream) Close() {
	s.mu.Lock()
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()
	s.stopped.Wait()
}

func (s *Stream) run() {
	defer s.stopped.Trigger()
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		task := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.mu.Unlock()
		s.execute(task)
	}
}

func (s *Stream) execute(task Task) {
	defer func() {
		if r := recover(); r != nil {
			klog.Errorf("stream %q: task panicked: %v", s.name, r)
		}
	}()
	task()
}
