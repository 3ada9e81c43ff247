package chat

import (
	"sync"

	"WarChat/logger"
	"WarChat/tools/safe"
)

// NotifyKind classifies bridge traffic for the notification surface.
type NotifyKind string

const (
	NotifyMessage      NotifyKind = "message"
	NotifyRoom         NotifyKind = "room"
	NotifyConnectivity NotifyKind = "connectivity"
)

// Sink is one external notification surface: a desktop notifier, an
// in-app badge, a log.
type Sink interface {
	Deliver(kind NotifyKind, payload map[string]any) error
}

// Bridge fans dispatcher events and connection-state changes out to
// the registered sinks. Delivery is best-effort: every sink error or
// panic is caught, logged and swallowed; Notify never fails.
type Bridge struct {
	mu    sync.Mutex
	sinks []Sink
}

func NewBridge(sinks ...Sink) *Bridge {
	return &Bridge{sinks: sinks}
}

func (b *Bridge) AddSink(s Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sinks = append(b.sinks, s)
}

func (b *Bridge) Notify(kind NotifyKind, payload map[string]any) {
	b.mu.Lock()
	sinks := make([]Sink, len(b.sinks))
	copy(sinks, b.sinks)
	b.mu.Unlock()

	for _, s := range sinks {
		sink := s
		safe.Call(func() {
			if err := sink.Deliver(kind, payload); err != nil {
				logger.Infof("[bridge] sink delivery failed: %v", err)
			}
		})
	}
}

// Watch subscribes the bridge to the connection manager's state
// transitions and terminal failures. The returned func detaches.
func (b *Bridge) Watch(cm *ConnManager) func() {
	offState := cm.OnStateChange(func(from, to State) {
		b.Notify(NotifyConnectivity, map[string]any{
			"from":  from.String(),
			"state": to.String(),
		})
	})
	offTerm := cm.OnTerminal(func(err error) {
		b.Notify(NotifyConnectivity, map[string]any{
			"state": "lost",
			"error": err.Error(),
		})
	})
	return func() {
		offState()
		offTerm()
	}
}

// LogSink writes every notification to the process log. Default sink
// when no surface is attached.
type LogSink struct{}

func (LogSink) Deliver(kind NotifyKind, payload map[string]any) error {
	logger.Infof("[notify] %s %v", kind, payload)
	return nil
}
