package channel

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"WarChat/logger"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

// wire frame: {"event": "...", "data": {...}}
type wsFrame struct {
	Event string         `json:"event"`
	Data  map[string]any `json:"data,omitempty"`
}

type WSConf struct {
	URL         string
	Header      http.Header
	DialTimeout time.Duration // default 5s
	WriteWait   time.Duration // default 5s
	PingEvery   time.Duration // default 20s
	PongWait    time.Duration // default 45s; missed pongs close the channel
}

func (c *WSConf) norm() {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 5 * time.Second
	}
	if c.PingEvery <= 0 {
		c.PingEvery = 20 * time.Second
	}
	if c.PongWait <= 0 {
		c.PongWait = 45 * time.Second
	}
}

// WSChannel is the gorilla/websocket implementation of Channel.
// One read pump and one write pump per open; Emit goes through the
// send queue so only the write pump touches the socket.
type WSChannel struct {
	emitter
	conf WSConf

	mu        sync.Mutex
	conn      *websocket.Conn
	send      chan wsFrame
	done      chan struct{}
	connected bool
}

func NewWSChannel(conf WSConf) *WSChannel {
	conf.norm()
	return &WSChannel{conf: conf}
}

func (c *WSChannel) Open(ctx context.Context) error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	dialer := websocket.Dialer{HandshakeTimeout: c.conf.DialTimeout}
	conn, _, err := dialer.DialContext(ctx, c.conf.URL, c.conf.Header)
	if err != nil {
		return errors.Wrapf(err, "dial %s", c.conf.URL)
	}

	c.mu.Lock()
	c.conn = conn
	c.send = make(chan wsFrame, 256)
	c.done = make(chan struct{})
	c.connected = true
	send, done := c.send, c.done
	c.mu.Unlock()

	_ = conn.SetReadDeadline(time.Now().Add(c.conf.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.conf.PongWait))
	})

	go c.readPump(conn)
	go c.writePump(conn, send, done)
	return nil
}

func (c *WSChannel) readPump(conn *websocket.Conn) {
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
			) {
				logger.Infof("[ws] peer closed: %v", err)
			} else if ne, ok := err.(net.Error); ok && ne.Timeout() {
				logger.Infof("[ws] read timeout: %v", err)
			} else {
				logger.Infof("[ws] read err: %v", err)
			}
			c.teardown(err)
			return
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}

		var f wsFrame
		if perr := json.Unmarshal(data, &f); perr != nil || f.Event == "" {
			sample := data
			if len(sample) > 256 {
				sample = sample[:256]
			}
			logger.Infof("[ws] bad frame err=%v sample=%q", perr, sample)
			continue
		}
		c.dispatch(f.Event, f.Data)
	}
}

func (c *WSChannel) writePump(conn *websocket.Conn, send chan wsFrame, done chan struct{}) {
	ticker := time.NewTicker(c.conf.PingEvery)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case f := <-send:
			data, err := json.Marshal(f)
			if err != nil {
				logger.Errorf("[ws] marshal frame event=%s err=%v", f.Event, err)
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(c.conf.WriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				logger.Infof("[ws] write err: %v", err)
				c.teardown(err)
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(c.conf.WriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.teardown(err)
				return
			}
		}
	}
}

// teardown marks the channel dead and fires close watchers exactly
// once per open.
func (c *WSChannel) teardown(err error) {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return
	}
	c.connected = false
	conn := c.conn
	c.conn = nil
	close(c.done)
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	c.fireClose(err)
}

func (c *WSChannel) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		_ = conn.SetWriteDeadline(time.Now().Add(c.conf.WriteWait))
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	}
	c.teardown(nil)
	return nil
}

func (c *WSChannel) Emit(event string, payload map[string]any) error {
	c.mu.Lock()
	connected, send, done := c.connected, c.send, c.done
	c.mu.Unlock()
	if !connected {
		return errors.New("ws channel not open")
	}
	select {
	case send <- wsFrame{Event: event, Data: payload}:
		return nil
	case <-done:
		return errors.New("ws channel closed")
	default:
		return errors.Errorf("ws send queue full, event %s dropped", event)
	}
}

func (c *WSChannel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}
