package chat

import (
	"context"
	"sync"
	"time"

	"WarChat/logger"
	"WarChat/service/channel"
	"WarChat/tools/errs"
	"WarChat/tools/safe"
	"WarChat/tools/security"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
)

type ConnConf struct {
	HandshakeTimeout time.Duration // default 10s
	MaxAttempts      uint64        // connect/reconnect attempts per outage, default 8
	InitialWait      time.Duration // first backoff step, default 500ms
	MaxWait          time.Duration // backoff ceiling, default 15s
	TokenSecret      []byte        // optional: signs an identity token into the announce
	Clock            func() time.Time
}

func (c *ConnConf) norm() {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 8
	}
	if c.InitialWait <= 0 {
		c.InitialWait = 500 * time.Millisecond
	}
	if c.MaxWait <= 0 {
		c.MaxWait = 15 * time.Second
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

type authAttempt struct {
	done chan struct{}
	err  error
}

// ConnManager owns the duplex channel lifecycle: connect,
// authenticate, reconnect with bounded backoff. It never hands a
// connection error back through Activate; failures run the retry
// schedule and terminal outcomes surface through OnTerminal.
type ConnManager struct {
	conf ConnConf
	ch   channel.Channel

	mu        sync.Mutex
	state     State
	sess      *Session
	active    bool
	gen       int // activation generation; stale callbacks are dropped
	stopCh    chan struct{}
	auth      *authAttempt
	subs      []channel.Subscription
	seq       int
	stateSubs map[int]StateListener
	termSubs  map[int]func(error)
	rejoin    func()
}

func NewConnManager(conf ConnConf, ch channel.Channel) *ConnManager {
	conf.norm()
	return &ConnManager{
		conf:      conf,
		ch:        ch,
		state:     StateDisconnected,
		stateSubs: make(map[int]StateListener),
		termSubs:  make(map[int]func(error)),
	}
}

// SetRejoinFunc installs the callback run after a successful
// re-authentication; the dispatcher uses it to restore server-side
// room membership. Must be set before Activate.
func (m *ConnManager) SetRejoinFunc(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejoin = fn
}

// Activate opens the channel for the given session. A failed initial
// connect falls silently into Disconnected with the retry schedule;
// nothing is returned to the caller.
func (m *ConnManager) Activate(sess *Session) {
	m.mu.Lock()
	if m.active {
		m.mu.Unlock()
		return
	}
	m.active = true
	m.gen++
	gen := m.gen
	m.sess = sess
	m.stopCh = make(chan struct{})
	sub := m.ch.NotifyClose(func(err error) { m.handleClose(gen, err) })
	m.subs = append(m.subs, sub)
	m.mu.Unlock()

	safe.Go(func() { m.connectLoop(gen, StateConnecting, false) })
}

// Deactivate unsubscribes all channel listeners, closes the channel
// and resets state to Disconnected. Idempotent; cancels every pending
// timer and in-flight handshake so no work runs after teardown.
func (m *ConnManager) Deactivate() {
	m.mu.Lock()
	if !m.active {
		m.mu.Unlock()
		return
	}
	m.active = false
	m.gen++
	close(m.stopCh)
	subs := m.subs
	m.subs = nil
	m.sess = nil
	if a := m.auth; a != nil {
		a.err = errs.ErrNotConnected.WithDetail("deactivated")
		close(a.done)
		m.auth = nil
	}
	prev := m.state
	m.state = StateDisconnected
	listeners := m.stateListenersLocked()
	m.mu.Unlock()

	for _, s := range subs {
		s.Cancel()
	}
	_ = m.ch.Close()
	if prev != StateDisconnected {
		for _, fn := range listeners {
			fn(prev, StateDisconnected)
		}
	}
}

// State returns the current connection state.
func (m *ConnManager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Session returns a copy of the active session, if any.
func (m *ConnManager) Session() (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil {
		return Session{}, false
	}
	return *m.sess, true
}

// OnStateChange registers a transition listener; the returned func
// removes it.
func (m *ConnManager) OnStateChange(fn StateListener) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	id := m.seq
	m.stateSubs[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.stateSubs, id)
	}
}

// OnTerminal registers a listener for terminal connectivity failures
// (retry schedule exhausted).
func (m *ConnManager) OnTerminal(fn func(error)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	id := m.seq
	m.termSubs[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.termSubs, id)
	}
}

// EnsureAuthenticated resolves once the state reaches Authenticated,
// starting the identity handshake if none is in flight. Concurrent
// callers share one pending attempt; only one announce is ever
// emitted per attempt. Fails with NotConnected when the channel is
// not open and AuthTimeout when no ack arrives in time.
func (m *ConnManager) EnsureAuthenticated(ctx context.Context) error {
	m.mu.Lock()
	if m.state == StateAuthenticated {
		m.mu.Unlock()
		return nil
	}
	if !m.active {
		m.mu.Unlock()
		return errs.ErrNotConnected.WithDetail("not activated")
	}
	if a := m.auth; a != nil {
		m.mu.Unlock()
		return m.awaitAuth(ctx, a)
	}
	if !m.ch.Connected() {
		m.mu.Unlock()
		return errs.ErrNotConnected
	}

	a := &authAttempt{done: make(chan struct{})}
	m.auth = a
	gen := m.gen
	sess := *m.sess
	m.setStateLocked(StateAuthenticating)
	m.mu.Unlock()

	ackSub := m.ch.Once(EvIdentityAck, func(payload map[string]any) {
		ack, err := decodeIdentityAck(payload)
		switch {
		case err != nil:
			m.finishAuth(gen, a, errs.ErrAuthFailed.WithDetail(err.Error()))
		case ack.UserID != sess.UserID:
			m.finishAuth(gen, a, errs.ErrAuthFailed.WithDetail("ack for "+ack.UserID))
		default:
			m.finishAuth(gen, a, nil)
		}
	})

	announce := map[string]any{
		"userId":   sess.UserID,
		"username": sess.Username,
	}
	if len(m.conf.TokenSecret) > 0 {
		token, err := security.Generate(security.DefaultOptions(m.conf.TokenSecret), sess.UserID, sess.Username)
		if err != nil {
			logger.Warnf("[conn] identity token: %v", err)
		} else {
			announce["token"] = token
		}
	}
	if err := m.ch.Emit(EvIdentity, announce); err != nil {
		ackSub.Cancel()
		m.finishAuth(gen, a, errs.ErrNotConnected.WithDetail(err.Error()))
		return m.awaitAuth(ctx, a)
	}

	// watchdog owns the deadline so late joiners share it
	safe.Go(func() {
		select {
		case <-a.done:
		case <-time.After(m.conf.HandshakeTimeout):
			ackSub.Cancel()
			m.finishAuth(gen, a, errs.ErrAuthTimeout)
		}
	})

	return m.awaitAuth(ctx, a)
}

func (m *ConnManager) awaitAuth(ctx context.Context, a *authAttempt) error {
	select {
	case <-a.done:
		return a.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *ConnManager) finishAuth(gen int, a *authAttempt, err error) {
	m.mu.Lock()
	if m.auth != a {
		m.mu.Unlock()
		return
	}
	m.auth = nil
	a.err = err
	close(a.done)
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	if err == nil {
		m.setStateLocked(StateAuthenticated)
	} else if m.state == StateAuthenticating {
		if m.ch.Connected() {
			m.setStateLocked(StateConnected)
		} else {
			m.setStateLocked(StateDisconnected)
		}
	}
	m.mu.Unlock()
}

// connectLoop dials with bounded exponential backoff. With autoAuth
// set (every reconnect) it also re-runs the handshake without caller
// intervention and restores room membership. label is Reconnecting
// only when the drop happened while Authenticated.
func (m *ConnManager) connectLoop(gen int, label State, autoAuth bool) {
	if !m.setStateIfCurrent(gen, label) {
		return
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = m.conf.InitialWait
	bo.MaxInterval = m.conf.MaxWait
	bo.MaxElapsedTime = 0

	for attempt := uint64(1); attempt <= m.conf.MaxAttempts; attempt++ {
		if !m.currentGen(gen) {
			return
		}

		err := m.ch.Open(context.Background())
		if err == nil {
			m.onOpened(gen, autoAuth)
			return
		}
		logger.Infof("[conn] connect attempt %d/%d failed: %v", attempt, m.conf.MaxAttempts, err)

		if attempt == m.conf.MaxAttempts {
			break
		}
		select {
		case <-time.After(bo.NextBackOff()):
		case <-m.stopChan():
			return
		}
	}

	m.setStateIfCurrent(gen, StateDisconnected)
	m.fireTerminal(gen, errs.ErrNotConnected.WithDetail("gave up after retries"))
}

func (m *ConnManager) onOpened(gen int, autoAuth bool) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		_ = m.ch.Close()
		return
	}
	if m.sess != nil {
		m.sess.ConnectionID = uuid.NewString()
		logger.Infof("[conn] channel open conn_id=%s", m.sess.ConnectionID)
	}
	m.setStateLocked(StateConnected)
	rejoin := m.rejoin
	m.mu.Unlock()

	if !autoAuth {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.conf.HandshakeTimeout+time.Second)
	err := m.EnsureAuthenticated(ctx)
	cancel()
	if err != nil {
		logger.Warnf("[conn] re-auth after reconnect failed: %v", err)
		m.fireTerminal(gen, err)
		return
	}
	if rejoin != nil {
		safe.Call(rejoin)
	}
}

// handleClose reacts to the channel going away. A nil error is a
// deliberate local close and is ignored; anything else drops the
// state machine to Disconnected and, if the drop was unexpected,
// starts the bounded reconnect schedule.
func (m *ConnManager) handleClose(gen int, err error) {
	if err == nil {
		return
	}
	m.mu.Lock()
	if gen != m.gen || !m.active {
		m.mu.Unlock()
		return
	}
	prev := m.state
	m.setStateLocked(StateDisconnected)
	if a := m.auth; a != nil {
		m.auth = nil
		a.err = errs.ErrNotConnected.WithDetail("channel closed during handshake")
		close(a.done)
	}
	m.mu.Unlock()

	if prev == StateConnecting || prev == StateReconnecting || prev == StateDisconnected {
		// the connect loop owns retries in these states
		return
	}
	label := StateConnecting
	if prev == StateAuthenticated {
		label = StateReconnecting
	}
	logger.Infof("[conn] channel lost (%v), reconnecting", err)
	safe.Go(func() { m.connectLoop(gen, label, true) })
}

func (m *ConnManager) setStateLocked(to State) {
	from := m.state
	if from == to {
		return
	}
	m.state = to
	listeners := m.stateListenersLocked()
	safe.Go(func() {
		for _, fn := range listeners {
			fn(from, to)
		}
	})
}

func (m *ConnManager) setStateIfCurrent(gen int, to State) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen || !m.active {
		return false
	}
	m.setStateLocked(to)
	return true
}

func (m *ConnManager) currentGen(gen int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return gen == m.gen && m.active
}

func (m *ConnManager) stopChan() chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopCh
}

func (m *ConnManager) stateListenersLocked() []StateListener {
	out := make([]StateListener, 0, len(m.stateSubs))
	for _, fn := range m.stateSubs {
		out = append(out, fn)
	}
	return out
}

func (m *ConnManager) fireTerminal(gen int, err error) {
	m.mu.Lock()
	if gen != m.gen || !m.active {
		m.mu.Unlock()
		return
	}
	fns := make([]func(error), 0, len(m.termSubs))
	for _, fn := range m.termSubs {
		fns = append(fns, fn)
	}
	m.mu.Unlock()
	for _, fn := range fns {
		safe.Call(func() { fn(err) })
	}
}
