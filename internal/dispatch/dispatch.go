// Package dispatch fans incoming push messages out to every handler
// registered for their event name, over the one shared connection.
//
// A Dispatcher is confined to the event loop: On, Off, Route and Emit must all
// run there.
package dispatch

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/zot/livefeed/internal/protocol"
	"go.uber.org/zap"
)

// Emitter sends a client-to-server message. The connection manager implements it.
type Emitter interface {
	Emit(event protocol.EventName, payload interface{}) error
}

// Registration identifies one handler registration; pass it to Off.
type Registration struct {
	Event protocol.EventName
	ID    uuid.UUID
}

// RawHandler receives the undecoded payload of a message.
type RawHandler func(data json.RawMessage) error

type entry struct {
	id      uuid.UUID
	fn      RawHandler
	removed bool
}

// Dispatcher maps event names to the set of handlers registered for them.
type Dispatcher struct {
	handlers map[protocol.EventName][]*entry
	emitter  Emitter
	logger   *zap.Logger
}

// New creates a dispatcher that sends through emitter.
func New(emitter Emitter, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		handlers: make(map[protocol.EventName][]*entry),
		emitter:  emitter,
		logger:   logger,
	}
}

// On registers fn for ev. The payload is decoded into T and validated before
// fn runs; a payload that fails either step is logged and dropped.
func On[T any](d *Dispatcher, ev protocol.Event[T], fn func(T)) Registration {
	return d.OnRaw(ev.Name, func(data json.RawMessage) error {
		var payload T
		if len(data) > 0 {
			if err := json.Unmarshal(data, &payload); err != nil {
				return fmt.Errorf("decode %s: %w", ev.Name, err)
			}
		}
		if v, ok := any(payload).(protocol.Validator); ok {
			if err := v.Validate(); err != nil {
				return fmt.Errorf("reject %s: %w", ev.Name, err)
			}
		}
		fn(payload)
		return nil
	})
}

// OnRaw registers fn for every message named event.
func (d *Dispatcher) OnRaw(event protocol.EventName, fn RawHandler) Registration {
	e := &entry{id: uuid.New(), fn: fn}
	d.handlers[event] = append(d.handlers[event], e)
	return Registration{Event: event, ID: e.id}
}

// Off removes exactly the handler behind reg. Returns false when it was not
// registered, which includes removing it twice.
func (d *Dispatcher) Off(reg Registration) bool {
	list := d.handlers[reg.Event]
	for i, e := range list {
		if e.id != reg.ID {
			continue
		}
		e.removed = true
		if len(list) == 1 {
			delete(d.handlers, reg.Event)
			return true
		}
		next := make([]*entry, 0, len(list)-1)
		next = append(next, list[:i]...)
		d.handlers[reg.Event] = append(next, list[i+1:]...)
		return true
	}
	return false
}

// Route delivers msg to every handler registered for its event, in
// registration order, and returns how many accepted it.
func (d *Dispatcher) Route(msg *protocol.Message) int {
	list := d.handlers[msg.Event]
	if len(list) == 0 {
		return 0
	}

	delivered := 0
	for _, e := range list {
		if e.removed {
			continue
		}
		if err := d.invoke(msg.Event, e, msg.Data); err != nil {
			d.logger.Warn("dropped push message", zap.String("event", string(msg.Event)), zap.Error(err))
			continue
		}
		delivered++
	}
	return delivered
}

func (d *Dispatcher) invoke(event protocol.EventName, e *entry, data json.RawMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler for %s panicked: %v", event, r)
		}
	}()
	return e.fn(data)
}

// Emit sends a message through the connection. It is dropped, not queued,
// when the connection is not live.
func (d *Dispatcher) Emit(event protocol.EventName, payload interface{}) error {
	return d.emitter.Emit(event, payload)
}

// Send is the typed form of Emit.
func Send[T any](d *Dispatcher, ev protocol.Event[T], payload T) error {
	return d.Emit(ev.Name, payload)
}

// Count returns the number of handlers registered for event.
func (d *Dispatcher) Count(event protocol.EventName) int {
	return len(d.handlers[event])
}

// Events returns how many event names have at least one handler.
func (d *Dispatcher) Events() int {
	return len(d.handlers)
}
