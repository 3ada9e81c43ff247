package channel

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"WarChat/logger"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
)

// NatsConf configures the NATS-backed channel. Events map to
// subjects as "<prefix>.<event>" with ":" rewritten to ".".
type NatsConf struct {
	Servers       []string
	Name          string
	SubjectPrefix string        // e.g. "warchat"
	Inbox         string        // per-user inbound subject suffix, e.g. the user id
	Timeout       time.Duration // default 3s
	ReconnectWait time.Duration // default 500ms
}

func (c *NatsConf) norm() {
	if c.SubjectPrefix == "" {
		c.SubjectPrefix = "warchat"
	}
	if c.Timeout <= 0 {
		c.Timeout = 3 * time.Second
	}
	if c.ReconnectWait <= 0 {
		c.ReconnectWait = 500 * time.Millisecond
	}
}

// NatsChannel adapts a NATS connection to the Channel contract.
// Reconnection is handled by the coordinator, not the NATS client,
// so the state machine sees every drop; MaxReconnects is 0 here.
type NatsChannel struct {
	emitter
	conf NatsConf

	mu      sync.Mutex
	nc      *nats.Conn
	subs    []*nats.Subscription
	closing bool
}

func NewNatsChannel(conf NatsConf) (*NatsChannel, error) {
	if len(conf.Servers) == 0 {
		return nil, errors.New("nats servers missing")
	}
	conf.norm()
	return &NatsChannel{conf: conf}, nil
}

func (c *NatsChannel) subject(event string) string {
	return c.conf.SubjectPrefix + "." + strings.ReplaceAll(event, ":", ".")
}

func (c *NatsChannel) Open(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.nc != nil && c.nc.IsConnected() {
		return nil
	}

	c.closing = false
	opts := []nats.Option{
		nats.Name(c.conf.Name),
		nats.MaxReconnects(0),
		nats.Timeout(c.conf.Timeout),
		nats.ClosedHandler(func(*nats.Conn) { c.onConnClosed() }),
	}
	nc, err := nats.Connect(strings.Join(c.conf.Servers, ","), opts...)
	if err != nil {
		return errors.Wrap(err, "nats connect")
	}
	c.nc = nc

	// One wildcard subscription carries all inbound events; the
	// event name rides in the message header.
	inbox := c.subject("in")
	if c.conf.Inbox != "" {
		inbox += "." + c.conf.Inbox
	}
	sub, err := nc.Subscribe(inbox, func(m *nats.Msg) {
		event := m.Header.Get("event")
		if event == "" {
			return
		}
		var payload map[string]any
		if len(m.Data) > 0 {
			if err := json.Unmarshal(m.Data, &payload); err != nil {
				logger.Infof("[nats] bad payload event=%s err=%v", event, err)
				return
			}
		}
		c.dispatch(event, payload)
	})
	if err != nil {
		nc.Close()
		c.nc = nil
		return errors.Wrap(err, "nats subscribe")
	}
	c.subs = []*nats.Subscription{sub}
	return nil
}

// onConnClosed fires close watchers once the underlying connection is
// gone. A deliberate Close reports nil per the NotifyClose contract;
// anything else is a drop.
func (c *NatsChannel) onConnClosed() {
	c.mu.Lock()
	deliberate := c.closing
	c.closing = false
	c.mu.Unlock()

	if deliberate {
		c.fireClose(nil)
		return
	}
	c.fireClose(errors.New("nats connection closed"))
}

func (c *NatsChannel) Close() error {
	c.mu.Lock()
	nc := c.nc
	subs := c.subs
	c.nc, c.subs = nil, nil
	if nc == nil {
		c.mu.Unlock()
		return nil
	}
	c.closing = true
	c.mu.Unlock()

	for _, s := range subs {
		_ = s.Unsubscribe()
	}
	nc.Close() // ClosedHandler runs onConnClosed
	return nil
}

func (c *NatsChannel) Emit(event string, payload map[string]any) error {
	c.mu.Lock()
	nc := c.nc
	c.mu.Unlock()
	if nc == nil || !nc.IsConnected() {
		return errors.New("nats channel not open")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrapf(err, "marshal event %s", event)
	}
	msg := nats.NewMsg(c.subject("out"))
	msg.Header.Set("event", event)
	msg.Data = data
	return errors.Wrapf(nc.PublishMsg(msg), "publish event %s", event)
}

func (c *NatsChannel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nc != nil && c.nc.IsConnected()
}
