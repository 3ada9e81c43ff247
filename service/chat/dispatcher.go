package chat

import (
	"context"
	"sync"
	"time"

	"WarChat/logger"
	"WarChat/service/channel"
	"WarChat/tools/errs"
	"WarChat/tools/ids"
)

type DispatcherConf struct {
	Clock func() time.Time
}

func (c *DispatcherConf) norm() {
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

// Dispatcher routes inbound events to the right context, performs the
// optimistic local echo plus server-echo reconciliation, and triggers
// unread/notification side effects. All history mutations for a given
// context are serialized through d.mu.
type Dispatcher struct {
	conf   DispatcherConf
	ch     channel.Channel
	cm     *ConnManager
	reg    *Registry
	cache  *DurableCache
	bridge *Bridge
	sess   *Session

	mu      sync.Mutex
	pending map[string]ContextKey // temp message id -> target context
	subs    []channel.Subscription
	started bool
}

func NewDispatcher(conf DispatcherConf, ch channel.Channel, cm *ConnManager,
	reg *Registry, cache *DurableCache, bridge *Bridge, sess *Session) *Dispatcher {
	conf.norm()
	return &Dispatcher{
		conf:    conf,
		ch:      ch,
		cm:      cm,
		reg:     reg,
		cache:   cache,
		bridge:  bridge,
		sess:    sess,
		pending: make(map[string]ContextKey),
	}
}

// Start subscribes to the inbound events and installs the reconnect
// rejoin hook. Idempotent.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return
	}
	d.started = true
	d.subs = append(d.subs,
		d.ch.On(EvMessage, d.onRemoteMessage),
		d.ch.On(EvMessageAck, d.onSendAck),
		d.ch.On(EvRoomCreated, d.onRoomCreated),
		d.ch.On(EvRoomMemberJoined, d.onRoomMember(EvRoomMemberJoined)),
		d.ch.On(EvRoomMemberLeft, d.onRoomMember(EvRoomMemberLeft)),
		d.ch.On(EvRoomDeleted, d.onRoomDeleted),
	)
	d.cm.SetRejoinFunc(d.rejoinAll)
}

// Stop cancels all subscriptions and forgets in-flight sends.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	subs := d.subs
	d.subs = nil
	d.started = false
	d.pending = make(map[string]ContextKey)
	d.mu.Unlock()
	for _, s := range subs {
		s.Cancel()
	}
}

// SendText appends a local-pending copy immediately so the caller has
// instant feedback, then gates on authentication and emits the
// outbound event shaped for the context kind. Failures are attached
// to the pending message (never silently dropped) and reported as
// SendFailed so the caller can offer retry.
func (d *Dispatcher) SendText(ctx context.Context, key ContextKey, text string) error {
	if _, _, err := d.reg.Resolve(key.Kind, key.Discriminator); err != nil {
		return err
	}
	if err := d.cache.Preload(ctx, key); err != nil {
		logger.Warnf("[dispatcher] preload %s: %v", key, err)
	}

	msg := Message{
		ID:                ids.GenerateString(),
		Text:              FormatAction(d.sess.DisplayName, text),
		SenderUserID:      d.sess.UserID,
		SenderDisplayName: d.sess.DisplayName,
		ContextKey:        key,
		CreatedAt:         d.conf.Clock(),
		Origin:            OriginLocalPending,
	}

	d.mu.Lock()
	d.pending[msg.ID] = key
	d.mu.Unlock()
	d.cache.Append(key, msg)
	d.reg.Touch(key)

	return d.emitPending(ctx, key, msg)
}

// RetrySend re-emits a previously failed pending message.
func (d *Dispatcher) RetrySend(ctx context.Context, key ContextKey, tempID string) error {
	var found *Message
	for _, m := range d.cache.Read(key) {
		if m.ID == tempID && m.Origin == OriginLocalPending {
			mm := m
			found = &mm
			break
		}
	}
	if found == nil {
		return errs.ErrInvalidContext.WithDetail("no pending message " + tempID)
	}
	d.mu.Lock()
	d.pending[tempID] = key
	d.mu.Unlock()
	return d.emitPending(ctx, key, *found)
}

func (d *Dispatcher) emitPending(ctx context.Context, key ContextKey, msg Message) error {
	fail := func(cause error) error {
		d.cache.MarkFailed(key, msg.ID)
		d.mu.Lock()
		delete(d.pending, msg.ID)
		d.mu.Unlock()
		return errs.ErrSendFailed.WithDetail(cause.Error())
	}

	if err := d.cm.EnsureAuthenticated(ctx); err != nil {
		return fail(err)
	}

	event, field := sendEventFor(key)
	payload := map[string]any{
		"text":   msg.Text,
		"tempId": msg.ID,
		field:    key.Discriminator,
	}
	if err := d.ch.Emit(event, payload); err != nil {
		return fail(err)
	}
	return nil
}

// JoinContext issues the join for a joinable context, gated on
// authentication like every server-side effect.
func (d *Dispatcher) JoinContext(ctx context.Context, key ContextKey) error {
	event, field, ok := joinEventFor(key)
	if !ok {
		return errs.ErrInvalidContext.WithDetail(string(key.Kind) + " is not joinable")
	}
	if err := d.cm.EnsureAuthenticated(ctx); err != nil {
		return err
	}
	return d.ch.Emit(event, map[string]any{field: key.Discriminator})
}

// CreateRoom asks the server for a new ad-hoc room; the room:created
// event materializes the context.
func (d *Dispatcher) CreateRoom(ctx context.Context, name string) error {
	if err := d.cm.EnsureAuthenticated(ctx); err != nil {
		return err
	}
	return d.ch.Emit(EvRoomCreate, map[string]any{"name": name})
}

// rejoinAll restores server-side membership for every registered
// joinable context after a reconnect. Runs post-auth, so the emits
// are not gated again.
func (d *Dispatcher) rejoinAll() {
	for _, key := range d.reg.Joined() {
		event, field, ok := joinEventFor(key)
		if !ok {
			continue
		}
		if err := d.ch.Emit(event, map[string]any{field: key.Discriminator}); err != nil {
			logger.Warnf("[dispatcher] rejoin %s: %v", key, err)
		}
	}
}

// onRemoteMessage handles every inbound message. Our own server echo
// is never appended a second time: it either reconciles the pending
// copy in place (when it beat the ack) or is suppressed outright.
func (d *Dispatcher) onRemoteMessage(payload map[string]any) {
	in, err := decodeIncoming(payload)
	if err != nil {
		logger.Infof("[dispatcher] bad message payload: %v", err)
		return
	}
	key, err := in.ContextKeyFor(d.sess.UserID)
	if err != nil {
		logger.Infof("[dispatcher] unroutable message: %v", err)
		return
	}

	d.mu.Lock()

	if in.Sender.UserID == d.sess.UserID {
		if pending, ok := d.cache.FindPending(key, in.Text); ok {
			d.cache.Reconcile(key, pending.ID, in.ID, OriginLocalConfirmed)
			delete(d.pending, pending.ID)
		}
		// already reconciled via the ack: suppress
		d.mu.Unlock()
		return
	}

	if _, created, err := d.reg.Resolve(key.Kind, key.Discriminator); err != nil {
		d.mu.Unlock()
		logger.Infof("[dispatcher] drop message for %s: %v", key, err)
		return
	} else if created {
		if perr := d.cache.Preload(context.Background(), key); perr != nil {
			logger.Warnf("[dispatcher] preload %s: %v", key, perr)
		}
	}

	msg := Message{
		ID:                in.ID,
		Text:              in.Text,
		SenderUserID:      in.Sender.UserID,
		SenderDisplayName: in.Sender.Username,
		ContextKey:        key,
		CreatedAt:         d.conf.Clock(),
		Origin:            OriginRemote,
	}
	if msg.ID == "" {
		msg.ID = ids.GenerateString()
	}
	d.cache.Append(key, msg)
	d.reg.Touch(key)
	d.mu.Unlock()

	// unread and notification side effects run outside d.mu so that
	// listeners may call back into SendText/RetrySend
	if focused, ok := d.reg.FocusedKey(); !ok || focused != key {
		d.reg.IncrementUnread(key)
		d.bridge.Notify(NotifyMessage, map[string]any{
			"contextKey": key.String(),
			"sender":     in.Sender.Username,
			"text":       in.Text,
		})
	}
}

// onSendAck reconciles an outbound send with its server id.
func (d *Dispatcher) onSendAck(payload map[string]any) {
	ack, err := decodeSendAck(payload)
	if err != nil || ack.TempID == "" {
		logger.Infof("[dispatcher] bad send ack: %v", err)
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	key, ok := d.pending[ack.TempID]
	if !ok {
		// echo reconciled it first
		return
	}
	delete(d.pending, ack.TempID)
	if !d.cache.Reconcile(key, ack.TempID, ack.ID, OriginLocalConfirmed) {
		logger.Infof("[dispatcher] ack for evicted message temp_id=%s", ack.TempID)
	}
}

func (d *Dispatcher) onRoomCreated(payload map[string]any) {
	ev, err := decodeRoomEvent(payload)
	if err != nil || ev.RoomID == "" {
		return
	}
	if _, created, rerr := d.reg.Resolve(KindRoom, ev.RoomID); rerr == nil && created {
		if perr := d.cache.Preload(context.Background(), ContextKey{Kind: KindRoom, Discriminator: ev.RoomID}); perr != nil {
			logger.Warnf("[dispatcher] preload room %s: %v", ev.RoomID, perr)
		}
	}
	d.bridge.Notify(NotifyRoom, map[string]any{"event": EvRoomCreated, "roomId": ev.RoomID, "name": ev.Name})
}

func (d *Dispatcher) onRoomMember(event string) channel.Handler {
	return func(payload map[string]any) {
		ev, err := decodeRoomEvent(payload)
		if err != nil || ev.RoomID == "" {
			return
		}
		d.bridge.Notify(NotifyRoom, map[string]any{"event": event, "roomId": ev.RoomID, "userId": ev.UserID})
	}
}

// onRoomDeleted closes the matching context; the server tore the room
// down, there is nothing to keep addressing.
func (d *Dispatcher) onRoomDeleted(payload map[string]any) {
	ev, err := decodeRoomEvent(payload)
	if err != nil || ev.RoomID == "" {
		return
	}
	key := ContextKey{Kind: KindRoom, Discriminator: ev.RoomID}
	if err := d.reg.Close(key); err == nil {
		d.cache.Drop(key)
	}
	d.bridge.Notify(NotifyRoom, map[string]any{"event": EvRoomDeleted, "roomId": ev.RoomID})
}
