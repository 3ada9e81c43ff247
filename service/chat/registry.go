package chat

import (
	"sync"
	"time"

	"WarChat/tools/errs"
)

// UnreadListener observes unread-count changes for a context.
type UnreadListener func(key ContextKey, unread int)

type RegistryConf struct {
	// GameTypes lists the global contexts pre-created at startup;
	// switching game type is a discriminator change, each type keeps
	// its own unread counter and history.
	GameTypes []string
	Clock     func() time.Time
}

func (c *RegistryConf) norm() {
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

// Registry tracks the set of live contexts, their unread counts and
// which one is focused. At most one context is focused at a time, or
// none.
type Registry struct {
	conf RegistryConf

	mu       sync.Mutex
	contexts map[ContextKey]*Context
	focused  *ContextKey
	seq      int
	unread   map[int]UnreadListener
}

func NewRegistry(conf RegistryConf) *Registry {
	conf.norm()
	r := &Registry{
		conf:     conf,
		contexts: make(map[ContextKey]*Context),
		unread:   make(map[int]UnreadListener),
	}
	for _, gt := range conf.GameTypes {
		key := ContextKey{Kind: KindGlobal, Discriminator: gt}
		r.contexts[key] = &Context{Key: key, LastActivityAt: conf.Clock()}
	}
	return r
}

// Resolve returns the existing context or lazily creates it.
// Global contexts are fixed at startup; resolving an unknown game
// type is a caller bug. The second result reports whether the
// context was created by this call.
func (r *Registry) Resolve(kind Kind, discriminator string) (Context, bool, error) {
	key := ContextKey{Kind: kind, Discriminator: discriminator}
	if err := key.Validate(); err != nil {
		return Context{}, false, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.contexts[key]; ok {
		return *c, false, nil
	}
	if kind == KindGlobal {
		return Context{}, false, errs.ErrInvalidContext.WithDetail("unknown game type " + discriminator)
	}
	c := &Context{Key: key, LastActivityAt: r.conf.Clock()}
	r.contexts[key] = c
	return *c, true, nil
}

// Get returns a snapshot of an existing context.
func (r *Registry) Get(key ContextKey) (Context, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.contexts[key]
	if !ok {
		return Context{}, false
	}
	return *c, true
}

// SetFocused marks exactly one context focused, resets its unread
// count and unmarks the previous focus. Unrelated contexts are
// untouched.
func (r *Registry) SetFocused(key ContextKey) error {
	r.mu.Lock()
	c, ok := r.contexts[key]
	if !ok {
		r.mu.Unlock()
		return errs.ErrInvalidContext.WithDetail(key.String())
	}
	if r.focused != nil {
		if prev, ok := r.contexts[*r.focused]; ok {
			prev.Focused = false
		}
	}
	k := key
	r.focused = &k
	c.Focused = true
	hadUnread := c.UnreadCount > 0
	c.UnreadCount = 0
	listeners := r.unreadListenersLocked()
	r.mu.Unlock()

	if hadUnread {
		for _, fn := range listeners {
			fn(key, 0)
		}
	}
	return nil
}

// FocusedKey reports the currently focused context, if any.
func (r *Registry) FocusedKey() (ContextKey, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.focused == nil {
		return ContextKey{}, false
	}
	return *r.focused, true
}

// Close removes a private/room/group context. Closing the focused
// context leaves the registry with no focused context until the
// caller focuses another.
func (r *Registry) Close(key ContextKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.contexts[key]
	if !ok {
		return errs.ErrInvalidContext.WithDetail(key.String())
	}
	if !key.Kind.Closable() {
		return errs.ErrInvalidContext.WithDetail(string(key.Kind) + " contexts cannot be closed")
	}
	delete(r.contexts, key)
	if c.Focused {
		r.focused = nil
	}
	return nil
}

// IncrementUnread bumps the unread counter for an unfocused context;
// it is a no-op on the focused one.
func (r *Registry) IncrementUnread(key ContextKey) {
	r.mu.Lock()
	c, ok := r.contexts[key]
	if !ok || c.Focused {
		r.mu.Unlock()
		return
	}
	c.UnreadCount++
	n := c.UnreadCount
	listeners := r.unreadListenersLocked()
	r.mu.Unlock()

	for _, fn := range listeners {
		fn(key, n)
	}
}

// Touch refreshes a context's last-activity timestamp.
func (r *Registry) Touch(key ContextKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.contexts[key]; ok {
		c.LastActivityAt = r.conf.Clock()
	}
}

// List returns a snapshot of all live contexts.
func (r *Registry) List() []Context {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Context, 0, len(r.contexts))
	for _, c := range r.contexts {
		out = append(out, *c)
	}
	return out
}

// Joined returns the keys whose server-side membership must be
// restored after a reconnect (clan, group, room).
func (r *Registry) Joined() []ContextKey {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ContextKey, 0, len(r.contexts))
	for key := range r.contexts {
		if key.Kind.Joinable() {
			out = append(out, key)
		}
	}
	return out
}

// OnUnreadChange registers a listener; the returned func removes it.
func (r *Registry) OnUnreadChange(fn UnreadListener) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	id := r.seq
	r.unread[id] = fn
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.unread, id)
	}
}

func (r *Registry) unreadListenersLocked() []UnreadListener {
	out := make([]UnreadListener, 0, len(r.unread))
	for _, fn := range r.unread {
		out = append(out, fn)
	}
	return out
}
