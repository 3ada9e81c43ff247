package chat

import (
	"context"
	"sync"
	"testing"
	"time"

	"WarChat/service/channel"
	"WarChat/service/store"

	"github.com/stretchr/testify/require"
)

// fakeServer drives the server end of a loopback channel: it acks
// identity announces, records joins and outbound sends, and lets
// tests inject inbound traffic.
type fakeServer struct {
	end *channel.MemoryChannel

	mu         sync.Mutex
	silentAuth bool // never ack the handshake
	rejectAuth bool // ack with a foreign user id
	announces  int
	joins      []string         // "event disc"
	sends      []map[string]any // outbound send payloads, event under "_event"
}

func newFakeServer(end *channel.MemoryChannel) *fakeServer {
	s := &fakeServer{end: end}

	end.On(EvIdentity, func(p map[string]any) {
		s.mu.Lock()
		s.announces++
		silent, reject := s.silentAuth, s.rejectAuth
		s.mu.Unlock()
		if silent {
			return
		}
		uid, _ := p["userId"].(string)
		if reject {
			uid = "impostor"
		}
		_ = end.Emit(EvIdentityAck, map[string]any{
			"userId":   uid,
			"username": p["username"],
		})
	})

	joinFields := map[string]string{
		EvJoinGame:  "gameType",
		EvJoinClan:  "clanId",
		EvJoinGroup: "groupId",
		EvJoinRoom:  "roomId",
	}
	for ev, field := range joinFields {
		ev, field := ev, field
		end.On(ev, func(p map[string]any) {
			disc, _ := p[field].(string)
			s.mu.Lock()
			s.joins = append(s.joins, ev+" "+disc)
			s.mu.Unlock()
		})
	}

	for _, ev := range []string{EvSendGlobal, EvSendClan, EvSendPrivate, EvSendGroup, EvSendRoom} {
		ev := ev
		end.On(ev, func(p map[string]any) {
			cp := map[string]any{"_event": ev}
			for k, v := range p {
				cp[k] = v
			}
			s.mu.Lock()
			s.sends = append(s.sends, cp)
			s.mu.Unlock()
		})
	}
	return s
}

func (s *fakeServer) setSilentAuth(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.silentAuth = v
}

func (s *fakeServer) setRejectAuth(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejectAuth = v
}

func (s *fakeServer) announceCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.announces
}

func (s *fakeServer) joinList() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.joins))
	copy(out, s.joins)
	return out
}

func (s *fakeServer) sentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sends)
}

func (s *fakeServer) sendList() []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]map[string]any, len(s.sends))
	copy(out, s.sends)
	return out
}

func (s *fakeServer) lastSend() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.sends) == 0 {
		return nil
	}
	return s.sends[len(s.sends)-1]
}

// pushMessage injects an inbound chat:message event.
func (s *fakeServer) pushMessage(fields map[string]any) {
	_ = s.end.Emit(EvMessage, fields)
}

func (s *fakeServer) pushAck(tempID, serverID string) {
	_ = s.end.Emit(EvMessageAck, map[string]any{"tempId": tempID, "id": serverID})
}

type testRig struct {
	coord  *Coordinator
	server *fakeServer
	client *channel.MemoryChannel
	store  *store.MemoryStore
}

func newTestRig(t *testing.T, mutate ...func(*CoordinatorConf)) *testRig {
	t.Helper()
	client, serverEnd := channel.NewMemoryPair()
	fs := newFakeServer(serverEnd)
	st := store.NewMemoryStore()

	conf := CoordinatorConf{
		GameTypes:        []string{"wc1", "wc2"},
		HistoryLimit:     25,
		FlushDebounce:    20 * time.Millisecond,
		HandshakeTimeout: time.Second,
		MaxAttempts:      5,
		InitialWait:      5 * time.Millisecond,
		MaxWait:          20 * time.Millisecond,
	}
	for _, fn := range mutate {
		fn(&conf)
	}

	coord := NewCoordinator(conf, client, st)
	t.Cleanup(coord.Deactivate)
	return &testRig{coord: coord, server: fs, client: client, store: st}
}

func (r *testRig) activate(t *testing.T) {
	t.Helper()
	r.coord.Activate(Session{UserID: "u1", Username: "grunt", DisplayName: "Grunt"})
	waitState(t, r.coord, StateConnected)
}

// authenticate drives the handshake the way a caller operation would.
func (r *testRig) authenticate(t *testing.T) {
	t.Helper()
	ctx, cancel := testCtx()
	defer cancel()
	require.NoError(t, r.coord.cm.EnsureAuthenticated(ctx))
	waitState(t, r.coord, StateAuthenticated)
}

func waitState(t *testing.T, c *Coordinator, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return c.State() == want },
		2*time.Second, 2*time.Millisecond, "want state %s, have %s", want, c.State())
}

func testCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 2*time.Second)
}
