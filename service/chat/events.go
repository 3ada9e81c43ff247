package chat

import (
	"WarChat/tools/decode"
	"WarChat/tools/errs"
)

// Wire event names. The channel is transport-agnostic; these are the
// only names the coordinator depends on.
const (
	EvIdentity    = "chat:identity"     // out: identity announcement
	EvIdentityAck = "chat:identity:ack" // in: confirms auth
	EvMessage     = "chat:message"      // in: incoming message, any kind
	EvMessageAck  = "chat:message:ack"  // in: ack for an own outbound send

	EvSendGlobal  = "chat:send:global"
	EvSendClan    = "chat:send:clan"
	EvSendPrivate = "chat:send:private"
	EvSendGroup   = "chat:send:group"
	EvSendRoom    = "chat:send:room"

	EvJoinGame  = "game:join"
	EvJoinClan  = "clan:join"
	EvJoinGroup = "group:join"
	EvJoinRoom  = "room:join"

	EvRoomCreate       = "room:create"        // out
	EvRoomCreated      = "room:created"       // in
	EvRoomMemberJoined = "room:member:joined" // in
	EvRoomMemberLeft   = "room:member:left"   // in
	EvRoomDeleted      = "room:deleted"       // in
)

type IdentityAck struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

type WireSender struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

// IncomingMessage is the inbound shape for every message kind; the
// routing field that is set decides the target context.
type IncomingMessage struct {
	ID          string     `json:"id,omitempty"`
	Text        string     `json:"text"`
	Sender      WireSender `json:"sender"`
	GameType    string     `json:"gameType,omitempty"`
	ClanID      string     `json:"clanId,omitempty"`
	RecipientID string     `json:"recipientId,omitempty"`
	GroupID     string     `json:"groupId,omitempty"`
	RoomID      string     `json:"roomId,omitempty"`
}

// ContextKeyFor derives the target context from the routing fields.
// For private traffic the discriminator is always the peer: the
// sender for inbound messages, the recipient for our own echo.
func (m *IncomingMessage) ContextKeyFor(selfUserID string) (ContextKey, error) {
	switch {
	case m.RoomID != "":
		return ContextKey{Kind: KindRoom, Discriminator: m.RoomID}, nil
	case m.GroupID != "":
		return ContextKey{Kind: KindGroup, Discriminator: m.GroupID}, nil
	case m.ClanID != "":
		return ContextKey{Kind: KindClan, Discriminator: m.ClanID}, nil
	case m.GameType != "":
		return ContextKey{Kind: KindGlobal, Discriminator: m.GameType}, nil
	case m.RecipientID != "" || m.Sender.UserID != "":
		peer := m.Sender.UserID
		if peer == selfUserID && m.RecipientID != "" {
			peer = m.RecipientID
		}
		if peer == "" {
			return ContextKey{}, errs.ErrInvalidContext.WithDetail("no peer on private message")
		}
		return ContextKey{Kind: KindPrivate, Discriminator: peer}, nil
	default:
		return ContextKey{}, errs.ErrInvalidContext.WithDetail("no routing fields")
	}
}

// SendAck correlates an outbound send with its server-assigned id.
type SendAck struct {
	TempID string `json:"tempId"`
	ID     string `json:"id"`
}

type RoomEvent struct {
	RoomID string `json:"roomId"`
	Name   string `json:"name,omitempty"`
	UserID string `json:"userId,omitempty"`
}

func decodeIncoming(payload map[string]any) (*IncomingMessage, error) {
	return decode.Map[IncomingMessage](payload)
}

func decodeSendAck(payload map[string]any) (*SendAck, error) {
	return decode.Map[SendAck](payload)
}

func decodeRoomEvent(payload map[string]any) (*RoomEvent, error) {
	return decode.Map[RoomEvent](payload)
}

func decodeIdentityAck(payload map[string]any) (*IdentityAck, error) {
	return decode.Map[IdentityAck](payload)
}

// sendEventFor maps a context kind to its outbound event name and
// routing field.
func sendEventFor(key ContextKey) (event, routingField string) {
	switch key.Kind {
	case KindGlobal:
		return EvSendGlobal, "gameType"
	case KindClan:
		return EvSendClan, "clanId"
	case KindPrivate:
		return EvSendPrivate, "recipientId"
	case KindGroup:
		return EvSendGroup, "groupId"
	default:
		return EvSendRoom, "roomId"
	}
}

// joinEventFor maps a joinable kind to its join event and field.
func joinEventFor(key ContextKey) (event, routingField string, ok bool) {
	switch key.Kind {
	case KindClan:
		return EvJoinClan, "clanId", true
	case KindGroup:
		return EvJoinGroup, "groupId", true
	case KindRoom:
		return EvJoinRoom, "roomId", true
	case KindGlobal:
		return EvJoinGame, "gameType", true
	default:
		return "", "", false
	}
}
