package dispatch

import (
	"sort"
	"sync"
	"sync/atomic"
)

// Registry holds one tenant's handlers.
//
// Reads go through immutable snapshots rebuilt on every mutation
// (copy-on-write): writers sort under the mutex and swap the snapshot pointer
// atomically, so a dispatch iterating a snapshot never observes the registry
// mid-mutation. Message and callback handlers are registered through separate
// typed entry points; there is no runtime type inspection.
type Registry struct {
	mu  sync.Mutex
	seq uint64

	messages  []msgEntry
	callbacks []cbEntry

	msgSnap atomic.Value // stores []Handler
	cbSnap  atomic.Value // stores []CallbackHandler
}

type msgEntry struct {
	h   Handler
	seq uint64
}

type cbEntry struct {
	h   CallbackHandler
	seq uint64
}

func NewRegistry() *Registry {
	r := &Registry{}
	r.msgSnap.Store([]Handler{})
	r.cbSnap.Store([]CallbackHandler{})
	return r
}

func (r *Registry) RegisterMessage(h Handler) {
	r.mu.Lock()
	r.seq++
	r.messages = append(r.messages, msgEntry{h: h, seq: r.seq})
	r.rebuildMessagesLocked()
	r.mu.Unlock()
}

func (r *Registry) RegisterCallback(h CallbackHandler) {
	r.mu.Lock()
	r.seq++
	r.callbacks = append(r.callbacks, cbEntry{h: h, seq: r.seq})
	r.rebuildCallbacksLocked()
	r.mu.Unlock()
}

// UnregisterMessage removes the message handler with the given name.
// It reports whether a handler was removed.
func (r *Registry) UnregisterMessage(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, e := range r.messages {
		if e.h.Name == name {
			r.messages = append(r.messages[:i], r.messages[i+1:]...)
			r.rebuildMessagesLocked()
			return true
		}
	}
	return false
}

// UnregisterCallback removes the callback handler with the given name.
func (r *Registry) UnregisterCallback(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, e := range r.callbacks {
		if e.h.Name == name {
			r.callbacks = append(r.callbacks[:i], r.callbacks[i+1:]...)
			r.rebuildCallbacksLocked()
			return true
		}
	}
	return false
}

// MessageHandlers returns the current immutable snapshot: priority descending,
// ties in registration order.
func (r *Registry) MessageHandlers() []Handler {
	return r.msgSnap.Load().([]Handler)
}

// CallbackHandlers returns the current immutable snapshot, ordered like
// MessageHandlers.
func (r *Registry) CallbackHandlers() []CallbackHandler {
	return r.cbSnap.Load().([]CallbackHandler)
}

func (r *Registry) rebuildMessagesLocked() {
	entries := make([]msgEntry, len(r.messages))
	copy(entries, r.messages)
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].h.Priority != entries[j].h.Priority {
			return entries[i].h.Priority > entries[j].h.Priority
		}
		return entries[i].seq < entries[j].seq
	})
	snap := make([]Handler, len(entries))
	for i, e := range entries {
		snap[i] = e.h
	}
	r.msgSnap.Store(snap)
}

func (r *Registry) rebuildCallbacksLocked() {
	entries := make([]cbEntry, len(r.callbacks))
	copy(entries, r.callbacks)
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].h.Priority != entries[j].h.Priority {
			return entries[i].h.Priority > entries[j].h.Priority
		}
		return entries[i].seq < entries[j].seq
	})
	snap := make([]CallbackHandler, len(entries))
	for i, e := range entries {
		snap[i] = e.h
	}
	r.cbSnap.Store(snap)
}
