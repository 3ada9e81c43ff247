package channel

import (
	"context"
	"sort"
	"sync"
)

// Handler consumes one inbound event payload.
type Handler func(payload map[string]any)

// Subscription is returned by every On/Once/NotifyClose call so the
// owner can collect them in a disposer list and release them in one
// pass on teardown.
type Subscription interface {
	Cancel()
}

// Channel is the transport-agnostic duplex event channel the
// coordinator runs on. Implementations: websocket, NATS, in-process
// loopback. Open may be called again after Close.
type Channel interface {
	Open(ctx context.Context) error
	Close() error
	Emit(event string, payload map[string]any) error
	On(event string, h Handler) Subscription
	Once(event string, h Handler) Subscription
	Connected() bool

	// NotifyClose registers a callback fired when the channel stops
	// being usable. A nil error means a deliberate local Close.
	NotifyClose(fn func(err error)) Subscription
}

type funcSub struct {
	once   sync.Once
	cancel func()
}

func (s *funcSub) Cancel() { s.once.Do(s.cancel) }

type handlerEntry struct {
	h    Handler
	once bool
}

// emitter is the shared listener table embedded by every Channel
// implementation. Dispatch order is registration order.
type emitter struct {
	emu      sync.Mutex
	seq      int
	handlers map[string]map[int]*handlerEntry
	closeFns map[int]func(error)
}

func (e *emitter) register(event string, h Handler, once bool) Subscription {
	e.emu.Lock()
	defer e.emu.Unlock()
	if e.handlers == nil {
		e.handlers = make(map[string]map[int]*handlerEntry)
	}
	if e.handlers[event] == nil {
		e.handlers[event] = make(map[int]*handlerEntry)
	}
	e.seq++
	id := e.seq
	e.handlers[event][id] = &handlerEntry{h: h, once: once}
	return &funcSub{cancel: func() {
		e.emu.Lock()
		defer e.emu.Unlock()
		if m := e.handlers[event]; m != nil {
			delete(m, id)
		}
	}}
}

func (e *emitter) On(event string, h Handler) Subscription {
	return e.register(event, h, false)
}

func (e *emitter) Once(event string, h Handler) Subscription {
	return e.register(event, h, true)
}

func (e *emitter) NotifyClose(fn func(err error)) Subscription {
	e.emu.Lock()
	defer e.emu.Unlock()
	if e.closeFns == nil {
		e.closeFns = make(map[int]func(error))
	}
	e.seq++
	id := e.seq
	e.closeFns[id] = fn
	return &funcSub{cancel: func() {
		e.emu.Lock()
		defer e.emu.Unlock()
		delete(e.closeFns, id)
	}}
}

// dispatch invokes handlers outside the lock; once-handlers are
// removed before their callback runs.
func (e *emitter) dispatch(event string, payload map[string]any) {
	e.emu.Lock()
	m := e.handlers[event]
	ids := make([]int, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	list := make([]Handler, 0, len(ids))
	for _, id := range ids {
		entry := m[id]
		list = append(list, entry.h)
		if entry.once {
			delete(m, id)
		}
	}
	e.emu.Unlock()

	for _, h := range list {
		h(payload)
	}
}

func (e *emitter) fireClose(err error) {
	e.emu.Lock()
	fns := make([]func(error), 0, len(e.closeFns))
	for _, fn := range e.closeFns {
		fns = append(fns, fn)
	}
	e.emu.Unlock()

	for _, fn := range fns {
		fn(err)
	}
}
