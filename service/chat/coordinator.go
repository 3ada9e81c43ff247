package chat

import (
	"context"
	"sync"
	"time"

	"WarChat/logger"
	"WarChat/service/channel"
	"WarChat/service/store"
	"WarChat/tools/errs"
	"WarChat/tools/safe"
)

type CoordinatorConf struct {
	GameTypes []string

	HistoryLimit  int
	FlushDebounce time.Duration
	MemoryCeiling int
	SweepEvery    time.Duration

	HandshakeTimeout time.Duration
	MaxAttempts      uint64
	InitialWait      time.Duration
	MaxWait          time.Duration
	TokenSecret      []byte

	Clock func() time.Time
}

func (c *CoordinatorConf) norm() {
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if len(c.GameTypes) == 0 {
		c.GameTypes = []string{"wc2"}
	}
}

// Coordinator is the caller-facing facade: one explicitly constructed,
// explicitly owned instance per UI surface, driven through Activate
// and Deactivate. It wires ConnectionManager, ContextRegistry,
// DurableCache, MessageDispatcher and NotificationBridge over one
// duplex channel and one durable store.
type Coordinator struct {
	conf   CoordinatorConf
	ch     channel.Channel
	cm     *ConnManager
	reg    *Registry
	cache  *DurableCache
	disp   *Dispatcher
	bridge *Bridge

	mu      sync.Mutex
	sess    *Session
	active  bool
	unwatch func()
}

func NewCoordinator(conf CoordinatorConf, ch channel.Channel, st store.Store, sinks ...Sink) *Coordinator {
	conf.norm()
	if len(sinks) == 0 {
		sinks = []Sink{LogSink{}}
	}
	c := &Coordinator{
		conf:   conf,
		ch:     ch,
		bridge: NewBridge(sinks...),
	}
	c.cm = NewConnManager(ConnConf{
		HandshakeTimeout: conf.HandshakeTimeout,
		MaxAttempts:      conf.MaxAttempts,
		InitialWait:      conf.InitialWait,
		MaxWait:          conf.MaxWait,
		TokenSecret:      conf.TokenSecret,
		Clock:            conf.Clock,
	}, ch)
	c.reg = NewRegistry(RegistryConf{GameTypes: conf.GameTypes, Clock: conf.Clock})
	c.cache = NewDurableCache(CacheConf{
		HistoryLimit:  conf.HistoryLimit,
		FlushDebounce: conf.FlushDebounce,
		MemoryCeiling: conf.MemoryCeiling,
		SweepEvery:    conf.SweepEvery,
		Clock:         conf.Clock,
	}, st)
	return c
}

// Activate creates the session and brings the connection up. Connect
// failures never reach the caller; they run the retry schedule and
// surface through the notification bridge.
func (c *Coordinator) Activate(sess Session) {
	c.mu.Lock()
	if c.active {
		c.mu.Unlock()
		return
	}
	c.active = true
	s := sess
	c.sess = &s
	c.disp = NewDispatcher(DispatcherConf{Clock: c.conf.Clock}, c.ch, c.cm, c.reg, c.cache, c.bridge, c.sess)
	c.unwatch = c.bridge.Watch(c.cm)
	c.mu.Unlock()

	c.cache.Start()
	for _, gt := range c.conf.GameTypes {
		key := ContextKey{Kind: KindGlobal, Discriminator: gt}
		if err := c.cache.Preload(context.Background(), key); err != nil {
			logger.Warnf("[coordinator] preload %s: %v", key, err)
		}
	}
	c.disp.Start()
	c.cm.Activate(c.sess)
	logger.Infof("[coordinator] activated user=%s", sess.UserID)
}

// Deactivate tears everything down: listeners, timers, the channel,
// and the session. Pending history is flushed first. Idempotent; any
// send/join after this fails fast with NotConnected.
func (c *Coordinator) Deactivate() {
	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return
	}
	c.active = false
	disp := c.disp
	unwatch := c.unwatch
	c.unwatch = nil
	c.sess = nil
	c.mu.Unlock()

	if disp != nil {
		disp.Stop()
	}
	c.cm.Deactivate()
	c.cache.Stop() // flushes
	if unwatch != nil {
		unwatch()
	}
	logger.Info("[coordinator] deactivated")
}

// ResolveContext returns the context for (kind, discriminator),
// creating non-global ones lazily. Joinable kinds get their
// server-side join issued in the background, gated on auth.
func (c *Coordinator) ResolveContext(kind Kind, discriminator string) (Context, error) {
	c.mu.Lock()
	active, disp := c.active, c.disp
	c.mu.Unlock()
	if !active {
		return Context{}, errs.ErrNotConnected.WithDetail("coordinator not active")
	}

	ctx, created, err := c.reg.Resolve(kind, discriminator)
	if err != nil {
		return Context{}, err
	}
	key := ctx.Key
	if created {
		if err := c.cache.Preload(context.Background(), key); err != nil {
			logger.Warnf("[coordinator] preload %s: %v", key, err)
		}
		if key.Kind.Joinable() {
			safe.Go(func() {
				jctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
				defer cancel()
				if err := disp.JoinContext(jctx, key); err != nil {
					logger.Warnf("[coordinator] join %s: %v", key, err)
				}
			})
		}
	}
	return ctx, nil
}

// Focus marks one context focused and clears its unread count.
func (c *Coordinator) Focus(key ContextKey) error {
	return c.reg.SetFocused(key)
}

// Close removes a private/room/group context and its in-memory cache
// handle. The durable entry is kept; unread counts do not come back.
func (c *Coordinator) Close(key ContextKey) error {
	if err := c.reg.Close(key); err != nil {
		return err
	}
	c.cache.Drop(key)
	return nil
}

// SendText sends into the given context. See Dispatcher.SendText for
// the failure contract.
func (c *Coordinator) SendText(ctx context.Context, key ContextKey, text string) error {
	c.mu.Lock()
	active, disp := c.active, c.disp
	c.mu.Unlock()
	if !active {
		return errs.ErrNotConnected.WithDetail("coordinator not active")
	}
	return disp.SendText(ctx, key, text)
}

// RetrySend re-emits a failed pending message.
func (c *Coordinator) RetrySend(ctx context.Context, key ContextKey, tempID string) error {
	c.mu.Lock()
	active, disp := c.active, c.disp
	c.mu.Unlock()
	if !active {
		return errs.ErrNotConnected.WithDetail("coordinator not active")
	}
	return disp.RetrySend(ctx, key, tempID)
}

// CreateRoom requests a new ad-hoc room from the server.
func (c *Coordinator) CreateRoom(ctx context.Context, name string) error {
	c.mu.Lock()
	active, disp := c.active, c.disp
	c.mu.Unlock()
	if !active {
		return errs.ErrNotConnected.WithDetail("coordinator not active")
	}
	return disp.CreateRoom(ctx, name)
}

// History returns the ordered in-memory history snapshot.
func (c *Coordinator) History(key ContextKey) []Message {
	return c.cache.Read(key)
}

// Contexts lists all live contexts.
func (c *Coordinator) Contexts() []Context {
	return c.reg.List()
}

// State reports the connection state.
func (c *Coordinator) State() State {
	return c.cm.State()
}

// Session returns a read-only copy of the active session.
func (c *Coordinator) Session() (Session, bool) {
	return c.cm.Session()
}

// OnUnreadChange subscribes to unread-count changes; the returned
// func unsubscribes.
func (c *Coordinator) OnUnreadChange(fn UnreadListener) func() {
	return c.reg.OnUnreadChange(fn)
}

// OnConnectivityChange subscribes to connection state transitions.
func (c *Coordinator) OnConnectivityChange(fn StateListener) func() {
	return c.cm.OnStateChange(fn)
}
