// Package svc provides the single execution context that every connection
// callback, dispatch and buffer mutation runs on.
package svc

import (
	"errors"
	"sync"
)

// ErrClosed is returned by Sync when the service has been closed.
var ErrClosed = errors.New("svc: closed")

// Svc runs queued functions one at a time, in the order they were posted.
// Posting never blocks, so a running task may post follow-up work.
type Svc struct {
	mu     sync.Mutex
	queue  []func()
	wake   chan struct{}
	closed bool
	done   chan struct{}
}

// New creates a service and starts its loop goroutine.
func New() *Svc {
	s := &Svc{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go s.run()
	return s
}

// Post queues code to run on the loop. Returns false if the service is closed.
func (s *Svc) Post(code func()) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.queue = append(s.queue, code)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return true
}

// Sync runs code on the loop and waits for its result.
// It must not be called from a task already running on s.
func Sync[T any](s *Svc, code func() (T, error)) (T, error) {
	result := make(chan struct{})
	var value T
	var err error
	if !s.Post(func() {
		defer close(result)
		value, err = code()
	}) {
		return value, ErrClosed
	}
	<-result
	return value, err
}

// Do runs code on the loop and waits for it to finish.
// It must not be called from a task already running on s.
func (s *Svc) Do(code func()) error {
	_, err := Sync(s, func() (struct{}, error) {
		code()
		return struct{}{}, nil
	})
	return err
}

// Barrier waits until every task posted before the call has run.
func (s *Svc) Barrier() {
	s.Do(func() {})
}

// Close stops accepting work, drains what is queued and stops the loop.
// Safe to call more than once; must not be called from the loop.
func (s *Svc) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		<-s.done
		return
	}
	s.closed = true
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	<-s.done
}

// Closed reports whether Close has been called.
func (s *Svc) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Svc) run() {
	defer close(s.done)
	for {
		s.mu.Lock()
		batch := s.queue
		s.queue = nil
		closed := s.closed
		s.mu.Unlock()

		for _, code := range batch {
			code()
		}

		if len(batch) > 0 {
			continue
		}
		if closed {
			return
		}
		<-s.wake
	}
}
