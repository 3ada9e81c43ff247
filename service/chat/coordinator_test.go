package chat

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"WarChat/service/channel"
	"WarChat/service/store"
	"WarChat/tools/errs"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var keyWC1 = ContextKey{Kind: KindGlobal, Discriminator: "wc1"}

func TestSendOptimisticEchoThenAck(t *testing.T) {
	r := newTestRig(t)
	r.activate(t)

	ctx, cancel := testCtx()
	defer cancel()
	require.NoError(t, r.coord.SendText(ctx, keyWC1, "lok'tar ogar"))

	h := r.coord.History(keyWC1)
	require.Len(t, h, 1)
	assert.Equal(t, OriginLocalPending, h[0].Origin)
	assert.Equal(t, "lok'tar ogar", h[0].Text)
	tempID := h[0].ID

	sent := r.server.lastSend()
	require.NotNil(t, sent)
	assert.Equal(t, EvSendGlobal, sent["_event"])
	assert.Equal(t, tempID, sent["tempId"])
	assert.Equal(t, "wc1", sent["gameType"])

	r.server.pushAck(tempID, "srv-1")
	h = r.coord.History(keyWC1)
	require.Len(t, h, 1, "ack must replace in place, not append")
	assert.Equal(t, "srv-1", h[0].ID)
	assert.Equal(t, OriginLocalConfirmed, h[0].Origin)

	// the server echo of our own message arrives after the ack:
	// suppressed, never a duplicate
	r.server.pushMessage(map[string]any{
		"id":       "srv-1",
		"text":     "lok'tar ogar",
		"gameType": "wc1",
		"sender":   map[string]any{"userId": "u1", "username": "grunt"},
	})
	h = r.coord.History(keyWC1)
	require.Len(t, h, 1)
	assert.Equal(t, "srv-1", h[0].ID)
}

func TestSendEchoBeatsAck(t *testing.T) {
	r := newTestRig(t)
	r.activate(t)

	ctx, cancel := testCtx()
	defer cancel()
	require.NoError(t, r.coord.SendText(ctx, keyWC1, "zug zug"))
	tempID := r.coord.History(keyWC1)[0].ID

	// echo first
	r.server.pushMessage(map[string]any{
		"id":       "srv-2",
		"text":     "zug zug",
		"gameType": "wc1",
		"sender":   map[string]any{"userId": "u1", "username": "grunt"},
	})
	h := r.coord.History(keyWC1)
	require.Len(t, h, 1)
	assert.Equal(t, "srv-2", h[0].ID)
	assert.Equal(t, OriginLocalConfirmed, h[0].Origin)

	// the late ack is a no-op
	r.server.pushAck(tempID, "srv-2")
	h = r.coord.History(keyWC1)
	require.Len(t, h, 1)
	assert.Equal(t, "srv-2", h[0].ID)
}

func TestConcurrentSendsReconcileOnce(t *testing.T) {
	r := newTestRig(t)
	r.activate(t)
	r.authenticate(t)

	keys := []ContextKey{
		{Kind: KindGlobal, Discriminator: "wc1"},
		{Kind: KindGlobal, Discriminator: "wc2"},
		{Kind: KindPrivate, Discriminator: "u9"},
	}
	const perContext = 8

	var wg sync.WaitGroup
	sendErrs := make(chan error, len(keys)*perContext)
	for _, key := range keys {
		for i := 0; i < perContext; i++ {
			wg.Add(1)
			go func(key ContextKey, i int) {
				defer wg.Done()
				ctx, cancel := testCtx()
				defer cancel()
				sendErrs <- r.coord.SendText(ctx, key, fmt.Sprintf("%s says %d", key, i))
			}(key, i)
		}
	}
	wg.Wait()
	close(sendErrs)
	for err := range sendErrs {
		require.NoError(t, err)
	}

	sent := r.server.sendList()
	require.Len(t, sent, len(keys)*perContext)

	// ack every send, then replay every message as its server echo
	for _, p := range sent {
		r.server.pushAck(p["tempId"].(string), "srv-"+p["tempId"].(string))
	}
	for _, p := range sent {
		echo := map[string]any{
			"id":     "srv-" + p["tempId"].(string),
			"text":   p["text"],
			"sender": map[string]any{"userId": "u1", "username": "grunt"},
		}
		for _, field := range []string{"gameType", "recipientId"} {
			if v, ok := p[field]; ok {
				echo[field] = v
			}
		}
		r.server.pushMessage(echo)
	}

	for _, key := range keys {
		h := r.coord.History(key)
		require.Len(t, h, perContext, "context %s", key)
		texts := make(map[string]struct{}, len(h))
		for _, m := range h {
			assert.Equal(t, OriginLocalConfirmed, m.Origin, "context %s id %s", key, m.ID)
			assert.True(t, strings.HasPrefix(m.ID, "srv-"), "context %s id %s", key, m.ID)
			if _, dup := texts[m.Text]; dup {
				t.Fatalf("context %s holds duplicate message %q", key, m.Text)
			}
			texts[m.Text] = struct{}{}
		}
	}
}

func TestUnreadListenerMayReenterCoordinator(t *testing.T) {
	r := newTestRig(t)
	r.activate(t)
	r.authenticate(t)

	done := make(chan error, 1)
	var once sync.Once
	off := r.coord.OnUnreadChange(func(key ContextKey, n int) {
		once.Do(func() {
			ctx, cancel := testCtx()
			defer cancel()
			done <- r.coord.SendText(ctx, key, "on my way")
		})
	})
	defer off()

	// deliver from another goroutine so a deadlock fails the test
	// instead of hanging it
	go r.server.pushMessage(map[string]any{
		"id": "m1", "text": "help", "gameType": "wc2",
		"sender": map[string]any{"userId": "u2", "username": "peon"},
	})

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("unread listener deadlocked calling back into the coordinator")
	}
}

func TestSendActionFormatting(t *testing.T) {
	r := newTestRig(t)
	r.activate(t)

	ctx, cancel := testCtx()
	defer cancel()
	require.NoError(t, r.coord.SendText(ctx, keyWC1, "/me charges"))

	assert.Equal(t, "* Grunt charges", r.coord.History(keyWC1)[0].Text)
	assert.Equal(t, "* Grunt charges", r.server.lastSend()["text"])
}

func TestHistoryCapPerContext(t *testing.T) {
	r := newTestRig(t)
	r.activate(t)

	for _, peer := range []string{"u2", "u3"} {
		for i := 0; i < 30; i++ {
			r.server.pushMessage(map[string]any{
				"id":          fmt.Sprintf("%s-m%d", peer, i),
				"text":        fmt.Sprintf("msg %d", i),
				"recipientId": "u1",
				"sender":      map[string]any{"userId": peer, "username": peer},
			})
		}
	}

	for _, peer := range []string{"u2", "u3"} {
		h := r.coord.History(ContextKey{Kind: KindPrivate, Discriminator: peer})
		require.Len(t, h, 25)
		assert.Equal(t, fmt.Sprintf("%s-m5", peer), h[0].ID)
		assert.Equal(t, fmt.Sprintf("%s-m29", peer), h[24].ID)
	}
}

func TestUnreadOnlyOnUnfocused(t *testing.T) {
	r := newTestRig(t)
	r.activate(t)
	require.NoError(t, r.coord.Focus(keyWC1))

	var mu sync.Mutex
	seen := map[string][]int{}
	off := r.coord.OnUnreadChange(func(key ContextKey, n int) {
		mu.Lock()
		seen[key.String()] = append(seen[key.String()], n)
		mu.Unlock()
	})
	defer off()

	push := func(gameType, id string) {
		r.server.pushMessage(map[string]any{
			"id": id, "text": "hi", "gameType": gameType,
			"sender": map[string]any{"userId": "u2", "username": "peon"},
		})
	}

	push("wc1", "a") // focused: no unread
	push("wc2", "b")
	push("wc2", "c")

	contexts := map[string]Context{}
	for _, c := range r.coord.Contexts() {
		contexts[c.Key.String()] = c
	}
	assert.Zero(t, contexts["global:wc1"].UnreadCount)
	assert.Equal(t, 2, contexts["global:wc2"].UnreadCount)

	mu.Lock()
	assert.Equal(t, []int{1, 2}, seen["global:wc2"])
	mu.Unlock()

	// focusing wc2 resets its count and notifies zero
	require.NoError(t, r.coord.Focus(ContextKey{Kind: KindGlobal, Discriminator: "wc2"}))
	mu.Lock()
	assert.Equal(t, []int{1, 2, 0}, seen["global:wc2"])
	mu.Unlock()
}

func TestRemoteMessageNotifiesSink(t *testing.T) {
	sink := &recordingSink{}
	client, serverEnd := channel.NewMemoryPair()
	fs := newFakeServer(serverEnd)
	coord := NewCoordinator(CoordinatorConf{
		GameTypes:        []string{"wc1", "wc2"},
		HandshakeTimeout: time.Second,
		InitialWait:      5 * time.Millisecond,
	}, client, store.NewMemoryStore(), sink)
	t.Cleanup(coord.Deactivate)

	coord.Activate(Session{UserID: "u1", Username: "grunt", DisplayName: "Grunt"})
	waitState(t, coord, StateConnected)

	fs.pushMessage(map[string]any{
		"id": "m1", "text": "psst", "gameType": "wc2",
		"sender": map[string]any{"userId": "u2", "username": "peon"},
	})

	msgs := sink.byKind(NotifyMessage)
	require.Len(t, msgs, 1)
	assert.Equal(t, "global:wc2", msgs[0]["contextKey"])
	assert.Equal(t, "peon", msgs[0]["sender"])
}

func TestSendFailureMarksMessageAndRetryRecovers(t *testing.T) {
	r := newTestRig(t, func(c *CoordinatorConf) { c.HandshakeTimeout = 30 * time.Millisecond })
	r.server.setSilentAuth(true)
	r.activate(t)

	ctx, cancel := testCtx()
	defer cancel()
	err := r.coord.SendText(ctx, keyWC1, "anyone there?")
	assert.Equal(t, errs.CodeSendFailed, errs.Code(err))

	h := r.coord.History(keyWC1)
	require.Len(t, h, 1, "failed sends stay visible")
	assert.True(t, h[0].Failed)
	assert.Equal(t, OriginLocalPending, h[0].Origin)
	tempID := h[0].ID

	// the server comes back; retry re-emits the same message
	r.server.setSilentAuth(false)
	require.NoError(t, r.coord.RetrySend(ctx, keyWC1, tempID))
	assert.Equal(t, tempID, r.server.lastSend()["tempId"])

	r.server.pushAck(tempID, "srv-5")
	h = r.coord.History(keyWC1)
	require.Len(t, h, 1)
	assert.Equal(t, "srv-5", h[0].ID)
	assert.False(t, h[0].Failed)
	assert.Equal(t, OriginLocalConfirmed, h[0].Origin)
}

func TestRetryUnknownTempID(t *testing.T) {
	r := newTestRig(t)
	r.activate(t)
	ctx, cancel := testCtx()
	defer cancel()
	err := r.coord.RetrySend(ctx, keyWC1, "never-sent")
	assert.Equal(t, errs.CodeInvalidContext, errs.Code(err))
}

func TestResolveContextJoinsAndReconnectRejoins(t *testing.T) {
	r := newTestRig(t)
	r.activate(t)
	r.authenticate(t)

	_, err := r.coord.ResolveContext(KindClan, "c1")
	require.NoError(t, err)
	_, err = r.coord.ResolveContext(KindRoom, "r1")
	require.NoError(t, err)

	countJoin := func(want string) int {
		n := 0
		for _, j := range r.server.joinList() {
			if j == want {
				n++
			}
		}
		return n
	}
	require.Eventually(t, func() bool {
		return countJoin(EvJoinClan+" c1") == 1 && countJoin(EvJoinRoom+" r1") == 1
	}, 2*time.Second, 2*time.Millisecond)

	before := len(r.coord.Contexts())
	r.client.Drop()

	waitState(t, r.coord, StateAuthenticated)
	require.Eventually(t, func() bool {
		return countJoin(EvJoinClan+" c1") == 2 && countJoin(EvJoinRoom+" r1") == 2
	}, 2*time.Second, 2*time.Millisecond, "memberships must be restored after reconnect")

	assert.Equal(t, before, len(r.coord.Contexts()), "reconnect must not duplicate contexts")
}

func TestResolveContextInvalid(t *testing.T) {
	r := newTestRig(t)
	r.activate(t)

	_, err := r.coord.ResolveContext(KindGlobal, "starjammers")
	assert.Equal(t, errs.CodeInvalidContext, errs.Code(err))
	_, err = r.coord.ResolveContext("tavern", "x")
	assert.Equal(t, errs.CodeInvalidContext, errs.Code(err))
}

func TestCloseContextKeepsDurableHistory(t *testing.T) {
	r := newTestRig(t)
	r.activate(t)

	key := ContextKey{Kind: KindPrivate, Discriminator: "u2"}
	r.server.pushMessage(map[string]any{
		"id": "m1", "text": "hi", "recipientId": "u1",
		"sender": map[string]any{"userId": "u2", "username": "peon"},
	})
	require.Len(t, r.coord.History(key), 1)

	r.coord.cache.Flush()
	require.NoError(t, r.coord.Close(key))
	assert.Empty(t, r.coord.History(key))

	// reopening restores the persisted history
	_, err := r.coord.ResolveContext(KindPrivate, "u2")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(r.coord.History(key)) == 1 },
		2*time.Second, 2*time.Millisecond)
}

func TestRoomDeletedClosesContext(t *testing.T) {
	r := newTestRig(t)
	r.activate(t)
	r.authenticate(t)

	_, err := r.coord.ResolveContext(KindRoom, "r1")
	require.NoError(t, err)

	_ = r.server.end.Emit(EvRoomDeleted, map[string]any{"roomId": "r1"})

	for _, c := range r.coord.Contexts() {
		assert.NotEqual(t, ContextKey{Kind: KindRoom, Discriminator: "r1"}, c.Key)
	}
}

func TestDeactivateFailsFast(t *testing.T) {
	r := newTestRig(t)
	r.activate(t)
	r.coord.Deactivate()
	r.coord.Deactivate() // idempotent

	assert.Equal(t, StateDisconnected, r.coord.State())

	ctx, cancel := testCtx()
	defer cancel()
	assert.Equal(t, errs.CodeNotConnected, errs.Code(r.coord.SendText(ctx, keyWC1, "hi")))
	_, err := r.coord.ResolveContext(KindPrivate, "u2")
	assert.Equal(t, errs.CodeNotConnected, errs.Code(err))
	assert.Equal(t, errs.CodeNotConnected, errs.Code(r.coord.CreateRoom(ctx, "tavern")))
}

func TestHistorySurvivesReactivation(t *testing.T) {
	st := store.NewMemoryStore()
	conf := CoordinatorConf{
		GameTypes:        []string{"wc1", "wc2"},
		HandshakeTimeout: time.Second,
		InitialWait:      5 * time.Millisecond,
		FlushDebounce:    10 * time.Millisecond,
	}

	client1, server1 := channel.NewMemoryPair()
	_ = newFakeServer(server1)
	first := NewCoordinator(conf, client1, st)
	first.Activate(Session{UserID: "u1", Username: "grunt", DisplayName: "Grunt"})
	waitState(t, first, StateConnected)

	ctx, cancel := testCtx()
	defer cancel()
	require.NoError(t, first.SendText(ctx, keyWC1, "remember me"))
	first.Deactivate() // flushes

	client2, server2 := channel.NewMemoryPair()
	_ = newFakeServer(server2)
	second := NewCoordinator(conf, client2, st)
	t.Cleanup(second.Deactivate)
	second.Activate(Session{UserID: "u1", Username: "grunt", DisplayName: "Grunt"})
	waitState(t, second, StateConnected)

	h := second.History(keyWC1)
	require.Len(t, h, 1)
	assert.Equal(t, "remember me", h[0].Text)
}

// recordingSink captures bridge deliveries for assertions.
type recordingSink struct {
	mu    sync.Mutex
	kinds []NotifyKind
	loads []map[string]any
}

func (s *recordingSink) Deliver(kind NotifyKind, payload map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kinds = append(s.kinds, kind)
	s.loads = append(s.loads, payload)
	return nil
}

func (s *recordingSink) byKind(kind NotifyKind) []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []map[string]any
	for i, k := range s.kinds {
		if k == kind {
			out = append(out, s.loads[i])
		}
	}
	return out
}
