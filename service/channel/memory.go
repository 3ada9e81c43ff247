package channel

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// MemoryChannel is an in-process loopback transport: two ends wired
// back to back, Emit on one end dispatching synchronously on the
// other. Used for local/demo mode and as the test double everywhere
// a fake server is needed.
type MemoryChannel struct {
	emitter
	mu        sync.Mutex
	peer      *MemoryChannel
	connected bool
	dialErr   error
}

// NewMemoryPair returns the two ends of a loopback channel. The
// server end starts open; the client end opens on Open.
func NewMemoryPair() (client, server *MemoryChannel) {
	client = &MemoryChannel{}
	server = &MemoryChannel{connected: true}
	client.peer = server
	server.peer = client
	return client, server
}

// FailDialWith makes subsequent Open calls fail, simulating an
// unreachable server. Pass nil to restore connectivity.
func (c *MemoryChannel) FailDialWith(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dialErr = err
}

// Open revives both ends: reopening the loopback stands in for the
// server accepting a fresh connection after a drop.
func (c *MemoryChannel) Open(ctx context.Context) error {
	c.mu.Lock()
	if c.dialErr != nil {
		err := c.dialErr
		c.mu.Unlock()
		return err
	}
	c.connected = true
	peer := c.peer
	c.mu.Unlock()

	if peer != nil {
		peer.mu.Lock()
		peer.connected = true
		peer.mu.Unlock()
	}
	return nil
}

func (c *MemoryChannel) Close() error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return nil
	}
	c.connected = false
	peer := c.peer
	c.mu.Unlock()

	c.fireClose(nil)
	if peer != nil && peer.Connected() {
		peer.fireClose(errors.New("peer closed"))
	}
	return nil
}

// Drop simulates an unexpected network drop: both ends go down and
// close watchers fire with a non-nil error. Both ends are marked down
// before any watcher runs, so a reconnect started from a watcher sees
// the pair fully dead.
func (c *MemoryChannel) Drop() {
	err := errors.New("connection dropped")
	ends := []*MemoryChannel{c, c.peer}
	open := make([]bool, len(ends))
	for i, end := range ends {
		if end == nil {
			continue
		}
		end.mu.Lock()
		open[i] = end.connected
		end.connected = false
		end.mu.Unlock()
	}
	for i, end := range ends {
		if end != nil && open[i] {
			end.fireClose(err)
		}
	}
}

func (c *MemoryChannel) Emit(event string, payload map[string]any) error {
	c.mu.Lock()
	connected := c.connected
	peer := c.peer
	c.mu.Unlock()
	if !connected {
		return errors.New("memory channel not open")
	}
	if peer == nil || !peer.Connected() {
		return errors.New("peer not open")
	}
	peer.dispatch(event, payload)
	return nil
}

func (c *MemoryChannel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}
