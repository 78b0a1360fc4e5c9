// Package live holds the smaller synchronizers that follow one push family
// each: presence, notifications, a campaign, support requests and platform
// stats. They follow the feed view pattern: bind handlers (and topics) on
// creation, mutate state on the loop, release everything on Close.
package live

import (
	"errors"
	"sync/atomic"

	"github.com/zot/livefeed/internal/dispatch"
	"github.com/zot/livefeed/internal/protocol"
	"github.com/zot/livefeed/internal/svc"
	"github.com/zot/livefeed/internal/topic"
	"go.uber.org/zap"
)

// ErrClosed is returned by a closed synchronizer.
var ErrClosed = errors.New("live: closed")

// Env is the shared plumbing every synchronizer binds to.
type Env struct {
	Loop       *svc.Svc
	Dispatcher *dispatch.Dispatcher
	Topics     *topic.Registry
	Logger     *zap.Logger
}

func (e Env) logger(name string) *zap.Logger {
	if e.Logger == nil {
		return zap.NewNop()
	}
	return e.Logger.Named(name)
}

// binding tracks what a synchronizer acquired so Close can give it all back.
type binding struct {
	env    Env
	regs   []dispatch.Registration
	topics []protocol.Topic
	closed atomic.Bool
}

func (b *binding) acquire(t protocol.Topic) {
	b.env.Topics.Acquire(t)
	b.topics = append(b.topics, t)
}

func on[T any](b *binding, ev protocol.Event[T], fn func(T)) {
	b.regs = append(b.regs, dispatch.On(b.env.Dispatcher, ev, fn))
}

func (b *binding) unbind() {
	for _, reg := range b.regs {
		b.env.Dispatcher.Off(reg)
	}
	b.regs = nil
	for _, t := range b.topics {
		b.env.Topics.Release(t)
	}
	b.topics = nil
}

// bind runs setup on the loop.
func (b *binding) bind(setup func()) error {
	if err := b.env.Loop.Do(setup); err != nil {
		return ErrClosed
	}
	return nil
}

// close releases everything and runs extra on the loop. Idempotent.
func (b *binding) close(extra func()) error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := b.env.Loop.Do(func() {
		b.unbind()
		if extra != nil {
			extra()
		}
	})
	if errors.Is(err, svc.ErrClosed) {
		return nil
	}
	return err
}

// read runs fn on the loop and returns its value; zero once the loop is gone.
func read[T any](b *binding, fn func() T) T {
	v, _ := svc.Sync(b.env.Loop, func() (T, error) {
		return fn(), nil
	})
	return v
}
