// Package router implements the type-keyed publish/subscribe fabric that
// decouples the socket transport from frame consumers.
package router

import (
	"reflect"
	"sync"

	"github.com/codefionn/collabchat/internal/logger"
	"github.com/codefionn/collabchat/internal/protocol"
)

// Handler consumes a single inbound frame.
type Handler func(*protocol.Frame)

// Router fans inbound frames out to handlers registered per frame type.
// Handlers are held with set semantics: subscribing the same function twice
// for a type registers it once. Dispatch is synchronous and registration
// order is not guaranteed.
type Router struct {
	mu       sync.RWMutex
	handlers map[string]map[uintptr]Handler
}

// New creates an empty router.
func New() *Router {
	return &Router{
		handlers: make(map[string]map[uintptr]Handler),
	}
}

// Subscribe registers a handler for frames of the given type and returns an
// unsubscribe function. Unsubscribing twice is harmless.
func (r *Router) Subscribe(frameType string, handler Handler) func() {
	key := reflect.ValueOf(handler).Pointer()

	r.mu.Lock()
	set, ok := r.handlers[frameType]
	if !ok {
		set = make(map[uintptr]Handler)
		r.handlers[frameType] = set
	}
	set[key] = handler
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		if set, ok := r.handlers[frameType]; ok {
			delete(set, key)
			if len(set) == 0 {
				delete(r.handlers, frameType)
			}
		}
		r.mu.Unlock()
	}
}

// Publish dispatches a frame to every handler registered for its type. A
// panicking handler is isolated so the remaining handlers still run.
func (r *Router) Publish(frame *protocol.Frame) {
	r.mu.RLock()
	set := r.handlers[frame.Type]
	handlers := make([]Handler, 0, len(set))
	for _, h := range set {
		handlers = append(handlers, h)
	}
	r.mu.RUnlock()

	for _, h := range handlers {
		dispatch(h, frame)
	}
}

// HandlerCount returns the number of handlers registered for a frame type.
func (r *Router) HandlerCount(frameType string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers[frameType])
}

// Reset drops every registered handler.
func (r *Router) Reset() {
	r.mu.Lock()
	r.handlers = make(map[string]map[uintptr]Handler)
	r.mu.Unlock()
}

func dispatch(h Handler, frame *protocol.Frame) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("Frame handler panicked on %s frame: %v", frame.Type, rec)
		}
	}()
	h(frame)
}
