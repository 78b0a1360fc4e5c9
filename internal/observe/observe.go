// Package observe is the callback registry consumers use to follow state that
// changes on the event loop.
//
// A Subject is confined to the loop that owns it: Subscribe, Unsubscribe and
// Notify must all run there.
package observe

import "github.com/google/uuid"

// Token identifies one subscription.
type Token uuid.UUID

// String returns the canonical form of the token.
func (t Token) String() string {
	return uuid.UUID(t).String()
}

type observer[T any] struct {
	token   Token
	fn      func(T)
	removed bool
}

// Subject fans a value out to every subscribed callback, in subscription order.
type Subject[T any] struct {
	observers []*observer[T]
}

// Subscribe adds fn and returns the token that removes it.
func (s *Subject[T]) Subscribe(fn func(T)) Token {
	o := &observer[T]{token: Token(uuid.New()), fn: fn}
	s.observers = append(s.observers, o)
	return o.token
}

// Unsubscribe removes the callback registered under tok. Removing an unknown
// or already removed token is a no-op and returns false.
func (s *Subject[T]) Unsubscribe(tok Token) bool {
	for i, o := range s.observers {
		if o.token == tok {
			o.removed = true
			next := make([]*observer[T], 0, len(s.observers)-1)
			next = append(next, s.observers[:i]...)
			s.observers = append(next, s.observers[i+1:]...)
			return true
		}
	}
	return false
}

// Notify calls every current observer with v. An observer removed by an
// earlier callback during the same Notify is skipped.
func (s *Subject[T]) Notify(v T) {
	for _, o := range s.observers {
		if !o.removed {
			o.fn(v)
		}
	}
}

// Len returns the number of observers.
func (s *Subject[T]) Len() int {
	return len(s.observers)
}

// Clear removes every observer.
func (s *Subject[T]) Clear() {
	for _, o := range s.observers {
		o.removed = true
	}
	s.observers = nil
}
