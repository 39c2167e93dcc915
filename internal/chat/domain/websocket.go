package domain

import (
	"encoding/json"
	"time"
)

// EventType websocket event name
type EventType string

const (
	// EventCreateChatroom client create a room in a space
	EventCreateChatroom EventType = "create-chatroom"
	// EventJoinRoom client join a room
	EventJoinRoom EventType = "join-room"
	// EventSendMessage client send a message
	EventSendMessage EventType = "send-message"
	// EventTyping client started typing
	EventTyping EventType = "typing"
	// EventStopTyping client stopped typing
	EventStopTyping EventType = "stop-typing"
	// EventLeaveRoom client leave a room
	EventLeaveRoom EventType = "leave-room"
	// EventGetRecentMessages client fetch history
	EventGetRecentMessages EventType = "get-recent-messages"

	// EventChatroomCreated reply to create-chatroom
	EventChatroomCreated EventType = "chatroom-created"
	// EventRecentMessages history oldest to newest
	EventRecentMessages EventType = "recent-messages"
	// EventRoomJoined reply to join-room
	EventRoomJoined EventType = "room-joined"
	// EventReceiveMessage live message
	EventReceiveMessage EventType = "receive-message"
	// EventUserJoined a user's first connection joined the room
	EventUserJoined EventType = "user-joined"
	// EventUserLeft a user's last connection left the room
	EventUserLeft EventType = "user-left"
	// EventUserTyping typing indicator set
	EventUserTyping EventType = "user-typing"
	// EventUserStopTyping typing indicator cleared
	EventUserStopTyping EventType = "user-stop-typing"
	// EventError soft rejection, the socket stays open
	EventError EventType = "error"
)

// Inbound 是否為 client 可送出的事件
func (e EventType) Inbound() bool {
	switch e {
	case EventCreateChatroom, EventJoinRoom, EventSendMessage, EventTyping,
		EventStopTyping, EventLeaveRoom, EventGetRecentMessages:
		return true
	}
	return false
}

// WSRequest websocket Request
type WSRequest struct {
	Event     EventType `json:"event"`
	RoomID    string    `json:"roomId"`
	SpaceID   string    `json:"spaceId"`
	Name      string    `json:"name"`
	IsPrivate bool      `json:"isPrivate"`
	Content   string    `json:"content"`
	Limit     int       `json:"limit"`
}

// WSResponse websocket Response
type WSResponse struct {
	Event   EventType   `json:"event"`
	Payload interface{} `json:"payload,omitempty"`
}

// ErrorPayload payload of error
type ErrorPayload struct {
	Message string `json:"message"`
}

// RoomJoinedPayload payload of room-joined
type RoomJoinedPayload struct {
	RoomID string    `json:"roomId"`
	Room   *Chatroom `json:"room"`
	// Typing 加入時仍在 TTL 內的 typing 使用者
	Typing []RoomUserPayload `json:"typing"`
}

// RecentMessagesPayload payload of recent-messages
type RecentMessagesPayload struct {
	RoomID   string          `json:"roomId"`
	Messages []MessageRecord `json:"messages"`
}

// RoomUserPayload payload of user-joined, user-left, user-typing and user-stop-typing
type RoomUserPayload struct {
	RoomID   string `json:"roomId"`
	UserID   string `json:"userId"`
	Username string `json:"username,omitempty"`
}

// RoomEvent 在 chat:room:{id} / chat:typing:{id} 上傳遞的事件
type RoomEvent struct {
	Event   EventType       `json:"event"`
	RoomID  string          `json:"roomId"`
	Payload json.RawMessage `json:"payload"`
	// ExcludeUserID 不送給該使用者的 socket (例如自己的 typing)
	ExcludeUserID string `json:"excludeUserId,omitempty"`
}

// NewRoomEvent marshal payload into a RoomEvent
func NewRoomEvent(event EventType, roomID string, payload interface{}, excludeUserID string) (RoomEvent, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return RoomEvent{}, err
	}
	return RoomEvent{Event: event, RoomID: roomID, Payload: b, ExcludeUserID: excludeUserID}, nil
}

// TopologyKind kind of a topology event
type TopologyKind string

const (
	// TopologyConnected socket connected
	TopologyConnected TopologyKind = "connected"
	// TopologyDisconnected socket removed
	TopologyDisconnected TopologyKind = "disconnected"
	// TopologyJoinedRoom socket joined a room
	TopologyJoinedRoom TopologyKind = "joined-room"
	// TopologyLeftRoom socket left a room
	TopologyLeftRoom TopologyKind = "left-room"
	// TopologyStats periodic snapshot
	TopologyStats TopologyKind = "stats"
)

// TopologyEvent published on chat:topology
type TopologyEvent struct {
	Kind     TopologyKind `json:"kind"`
	Instance string       `json:"instance"`
	SocketID string       `json:"socketId,omitempty"`
	UserID   string       `json:"userId,omitempty"`
	RoomID   string       `json:"roomId,omitempty"`
	Stats    *Stats       `json:"stats,omitempty"`
	At       time.Time    `json:"at"`
}

// Stats connection manager snapshot
type Stats struct {
	Connections int `json:"connections"`
	Users       int `json:"users"`
	Rooms       int `json:"rooms"`
}
