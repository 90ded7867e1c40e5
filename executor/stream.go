package executor

import (
	"fmt"
	"sync"
)

// Stream is a FIFO command queue drained by a single goroutine, standing in
// for an accelerator-side ordered queue. Work enqueued on one stream runs
// concurrently with work on another; order within a stream is strict.
//
// Streams are single-producer: only the main host thread enqueues. Once a
// task fails, the stream stops executing subsequent tasks and Synchronize
// reports the first error.
type Stream struct {
	name  string
	tasks chan streamTask

	mu  sync.Mutex
	err error
}

type streamTask struct {
	fn   func() error
	sync chan struct{}
}

// NewStream starts the stream's drain goroutine. depth bounds how many
// commands can be in flight before Enqueue blocks.
func NewStream(name string, depth int) *Stream {
	s := &Stream{name: name, tasks: make(chan streamTask, depth)}
	go s.drain()
	return s
}

func (s *Stream) drain() {
	for t := range s.tasks {
		if t.sync != nil {
			close(t.sync)
			continue
		}
		if s.Err() != nil {
			continue
		}
		if err := s.run(t.fn); err != nil {
			s.mu.Lock()
			if s.err == nil {
				s.err = err
			}
			s.mu.Unlock()
		}
	}
}

// run executes one command, converting a panic into an error so a kernel's
// shape-mismatch panic surfaces as a failed synchronize instead of killing
// the drain goroutine.
func (s *Stream) run(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("stream %s: %v", s.name, r)
		}
	}()
	return fn()
}

// Enqueue appends a command to the stream.
func (s *Stream) Enqueue(fn func() error) {
	s.tasks <- streamTask{fn: fn}
}

// RecordEvent enqueues an event record: the returned Event fires once every
// previously enqueued command has retired.
func (s *Stream) RecordEvent() *Event {
	ev := NewEvent()
	s.Enqueue(func() error {
		ev.Fire()
		return nil
	})
	return ev
}

// Synchronize blocks until every command enqueued so far has retired and
// returns the first error the stream recorded, if any.
func (s *Stream) Synchronize() error {
	ack := make(chan struct{})
	s.tasks <- streamTask{sync: ack}
	<-ack
	return s.Err()
}

// Err returns the stream's first recorded error without synchronizing.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close stops the drain goroutine. The stream must not be used afterwards.
func (s *Stream) Close() {
	close(s.tasks)
}

// Event is a one-shot completion signal recorded on a stream and consumed
// by a detached worker.
type Event struct {
	once sync.Once
	ch   chan struct{}
}

func NewEvent() *Event {
	return &Event{ch: make(chan struct{})}
}

// Fire marks the event complete. Safe to call more than once.
func (e *Event) Fire() {
	e.once.Do(func() { close(e.ch) })
}

// Wait blocks until the event has fired.
func (e *Event) Wait() {
	<-e.ch
}

// Semaphore is a binary semaphore posted by a worker thread and waited on
// by the main host thread.
type Semaphore struct {
	ch chan struct{}
}

func NewSemaphore() *Semaphore {
	return &Semaphore{ch: make(chan struct{}, 1)}
}

// Post releases the semaphore. A second post before a wait is a no-op.
func (s *Semaphore) Post() {
	select {
	case s.ch <- struct{}{}:
	default:
	}
}

// Wait blocks until the semaphore has been posted.
func (s *Semaphore) Wait() {
	<-s.ch
}
