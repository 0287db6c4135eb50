// Package events provides a small typed publish/subscribe hub. The scheduler
// publishes job state transitions through it and the health reporter listens;
// the external auth layer can broadcast session changes the same way.
package events

import (
	"sync"
)

// Token identifies one subscription and is used to remove it.
type Token uint64

// Emitter fans values of type T out to subscribed listeners. Listeners run
// synchronously on the emitting goroutine, in no particular order, and each
// is invoked at most once per Emit. The zero value is ready to use.
type Emitter[T any] struct {
	mu        sync.RWMutex
	next      Token
	listeners map[Token]func(T)
}

// Subscribe registers fn and returns the token that removes it.
func (e *Emitter[T]) Subscribe(fn func(T)) Token {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.listeners == nil {
		e.listeners = make(map[Token]func(T))
	}
	e.next++
	e.listeners[e.next] = fn
	return e.next
}

// Unsubscribe removes the listener behind tok. Unknown tokens are ignored.
func (e *Emitter[T]) Unsubscribe(tok Token) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.listeners, tok)
}

// Emit delivers v to every listener subscribed at the time of the call.
// Listeners may subscribe or unsubscribe from inside a callback.
func (e *Emitter[T]) Emit(v T) {
	e.mu.RLock()
	fns := make([]func(T), 0, len(e.listeners))
	for _, fn := range e.listeners {
		fns = append(fns, fn)
	}
	e.mu.RUnlock()

	for _, fn := range fns {
		fn(v)
	}
}

// Len returns the number of registered listeners.
func (e *Emitter[T]) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.listeners)
}
