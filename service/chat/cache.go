package chat

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"WarChat/logger"
	"WarChat/service/store"
	"WarChat/tools/safe"
)

const storeKeyPrefix = "history:"

type CacheConf struct {
	HistoryLimit  int           // per-context cap, default 25
	FlushDebounce time.Duration // write coalescing window, default 1s
	MemoryCeiling int           // total cached messages before defensive trim
	SweepEvery    time.Duration // ceiling check period, default 30s
	Clock         func() time.Time
}

func (c *CacheConf) norm() {
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 25
	}
	if c.FlushDebounce <= 0 {
		c.FlushDebounce = time.Second
	}
	if c.MemoryCeiling <= 0 {
		c.MemoryCeiling = 2000
	}
	if c.SweepEvery <= 0 {
		c.SweepEvery = 30 * time.Second
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

// DurableCache holds the bounded per-context message histories,
// newest last, and persists them into the durable store. Writes are
// debounced: appends within the flush window coalesce into a single
// store write per dirty context.
type DurableCache struct {
	conf  CacheConf
	store store.Store

	mu        sync.Mutex
	histories map[ContextKey][]Message
	dirty     map[ContextKey]struct{}
	timer     *time.Timer
	stopCh    chan struct{}
	running   bool
}

func NewDurableCache(conf CacheConf, st store.Store) *DurableCache {
	conf.norm()
	return &DurableCache{
		conf:      conf,
		store:     st,
		histories: make(map[ContextKey][]Message),
		dirty:     make(map[ContextKey]struct{}),
	}
}

// Start launches the ceiling sweeper. Idempotent.
func (c *DurableCache) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return
	}
	c.running = true
	c.stopCh = make(chan struct{})
	go c.sweeper(c.stopCh)
}

// Stop cancels the sweeper and any pending debounce timer, then
// flushes whatever is dirty. Idempotent.
func (c *DurableCache) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	close(c.stopCh)
	c.mu.Unlock()
	c.Flush()
}

// Append adds a message respecting the cap; insertion beyond the cap
// evicts the oldest entry.
func (c *DurableCache) Append(key ContextKey, msg Message) {
	c.mu.Lock()
	h := append(c.histories[key], msg)
	if n := len(h) - c.conf.HistoryLimit; n > 0 {
		h = append([]Message(nil), h[n:]...)
	}
	c.histories[key] = h
	c.markDirtyLocked(key)
	c.mu.Unlock()
}

// Reconcile replaces the local-pending message carrying tempID in
// place (same ordinal position) with its confirmed form. serverID may
// be empty when the echo carried no id; the temporary id then stays.
// Returns false when the pending copy is gone (evicted or never
// cached).
func (c *DurableCache) Reconcile(key ContextKey, tempID, serverID string, origin Origin) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	h := c.histories[key]
	for i := range h {
		if h[i].ID != tempID {
			continue
		}
		if serverID != "" {
			h[i].ID = serverID
		}
		h[i].Origin = origin
		h[i].Failed = false
		c.markDirtyLocked(key)
		return true
	}
	return false
}

// MarkFailed flags a pending message as failed so the caller can
// offer a retry; the message is not removed.
func (c *DurableCache) MarkFailed(key ContextKey, tempID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	h := c.histories[key]
	for i := range h {
		if h[i].ID == tempID {
			h[i].Failed = true
			c.markDirtyLocked(key)
			return true
		}
	}
	return false
}

// FindPending returns the oldest unconfirmed local message in the
// context matching text. Used to reconcile a server echo that beat
// the explicit ack.
func (c *DurableCache) FindPending(key ContextKey, text string) (Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range c.histories[key] {
		if m.Origin == OriginLocalPending && m.Text == text {
			return m, true
		}
	}
	return Message{}, false
}

// Read returns the in-memory ordered snapshot. O(len(history)) copy,
// no store round-trip; it backs the load-history-on-focus path.
func (c *DurableCache) Read(key ContextKey) []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	h := c.histories[key]
	out := make([]Message, len(h))
	copy(out, h)
	return out
}

// Preload pulls a context's history out of the durable store unless
// it is already in memory. Called when a context is (re)created so
// histories survive reactivation.
func (c *DurableCache) Preload(ctx context.Context, key ContextKey) error {
	c.mu.Lock()
	if _, ok := c.histories[key]; ok {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	data, err := c.store.Get(ctx, storeKeyPrefix+key.String())
	if err != nil || len(data) == 0 {
		return err
	}
	var h []Message
	if err := json.Unmarshal(data, &h); err != nil {
		logger.Warnf("[cache] corrupt history %s dropped: %v", key, err)
		return nil
	}
	if n := len(h) - c.conf.HistoryLimit; n > 0 {
		h = h[n:]
	}

	c.mu.Lock()
	// a message may have raced in while we were reading the store;
	// keep it, appended after the restored history
	if cur := c.histories[key]; len(cur) > 0 {
		h = append(h, cur...)
		if n := len(h) - c.conf.HistoryLimit; n > 0 {
			h = h[n:]
		}
	}
	c.histories[key] = h
	c.mu.Unlock()
	return nil
}

// Drop discards a context's in-memory history. The durable entry is
// retained so a reopened context can restore it.
func (c *DurableCache) Drop(key ContextKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.histories, key)
	delete(c.dirty, key)
}

// Flush forces an immediate write of all dirty histories. Called
// automatically after the debounce window and explicitly before
// teardown. Store failures are logged, never propagated; the
// in-memory copy stays authoritative.
func (c *DurableCache) Flush() {
	c.mu.Lock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	batch := make(map[ContextKey][]Message, len(c.dirty))
	for key := range c.dirty {
		h := c.histories[key]
		cp := make([]Message, len(h))
		copy(cp, h)
		batch[key] = cp
	}
	c.dirty = make(map[ContextKey]struct{})
	c.mu.Unlock()

	for key, h := range batch {
		data, err := json.Marshal(h)
		if err != nil {
			logger.Errorf("[cache] marshal history %s: %v", key, err)
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := c.store.Set(ctx, storeKeyPrefix+key.String(), data); err != nil {
			logger.Warnf("[cache] persist history %s: %v", key, err)
		}
		cancel()
	}
}

func (c *DurableCache) markDirtyLocked(key ContextKey) {
	c.dirty[key] = struct{}{}
	if c.timer == nil {
		c.timer = time.AfterFunc(c.conf.FlushDebounce, func() {
			safe.Call(c.Flush)
		})
	}
}

func (c *DurableCache) sweeper(stopCh chan struct{}) {
	t := time.NewTicker(c.conf.SweepEvery)
	defer t.Stop()
	for {
		select {
		case <-stopCh:
			return
		case <-t.C:
			c.sweepOnce()
		}
	}
}

// sweepOnce trims every history back down to the cap when the total
// cached message count exceeds the ceiling. Defensive cleanup against
// contexts the caller forgot to close.
func (c *DurableCache) sweepOnce() {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := 0
	for _, h := range c.histories {
		total += len(h)
	}
	if total <= c.conf.MemoryCeiling {
		return
	}
	logger.Warnf("[cache] %d cached messages over ceiling %d, trimming", total, c.conf.MemoryCeiling)
	for key, h := range c.histories {
		if n := len(h) - c.conf.HistoryLimit; n > 0 {
			c.histories[key] = append([]Message(nil), h[n:]...)
			c.markDirtyLocked(key)
		}
	}
}
