package chat

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

type panickySink struct{}

func (panickySink) Deliver(NotifyKind, map[string]any) error { panic("sink exploded") }

type failingSink struct{}

func (failingSink) Deliver(NotifyKind, map[string]any) error { return errors.New("no toast daemon") }

func TestBridgeSurvivesBrokenSinks(t *testing.T) {
	rec := &recordingSink{}
	b := NewBridge(panickySink{}, failingSink{}, rec)

	assert.NotPanics(t, func() {
		b.Notify(NotifyMessage, map[string]any{"text": "hi"})
	})

	// healthy sinks still get the delivery
	got := rec.byKind(NotifyMessage)
	assert.Len(t, got, 1)
	assert.Equal(t, "hi", got[0]["text"])
}

func TestBridgeAddSink(t *testing.T) {
	b := NewBridge()
	b.Notify(NotifyRoom, nil) // no sinks: still fine

	rec := &recordingSink{}
	b.AddSink(rec)
	b.Notify(NotifyRoom, map[string]any{"roomId": "r1"})
	assert.Len(t, rec.byKind(NotifyRoom), 1)
}
