package domain

import (
	"encoding/json"
	"fmt"
)

// MessageType websocket envelope type
type MessageType string

const (
	// client -> server

	// MsgJoin join a space with a token
	MsgJoin MessageType = "join"
	// MsgMove single step movement request
	MsgMove MessageType = "move"
	// MsgLeave explicit leave, same teardown as a disconnect
	MsgLeave MessageType = "leave"
	// MsgVideoCallSignaling opaque webrtc signaling, both directions
	MsgVideoCallSignaling MessageType = "video-call-signaling"
	// MsgEndVideoCall participant hangs up
	MsgEndVideoCall MessageType = "end-video-call"

	// server -> client

	// MsgSpaceJoined reply to the joiner
	MsgSpaceJoined MessageType = "Space-joined"
	// MsgUserJoinedSpace broadcast to the other occupants
	MsgUserJoinedSpace MessageType = "user-joined-space"
	// MsgUserMoved broadcast of an accepted move
	MsgUserMoved MessageType = "user-moved"
	// MsgUserLeft broadcast on disconnect
	MsgUserLeft MessageType = "user-left"
	// MsgMoveRejected private reply carrying the unchanged position
	MsgMoveRejected MessageType = "move-rejected"
	// MsgProximityUpdate nearby users of the mover
	MsgProximityUpdate MessageType = "proximity-update"
	// MsgVideoCallStart sent to both participants
	MsgVideoCallStart MessageType = "video-call-start"
	// MsgVideoCallEnd sent to both participants and the room
	MsgVideoCallEnd MessageType = "video-call-end"
	// MsgUsersInVideoCall UI marker for the rest of the room
	MsgUsersInVideoCall MessageType = "users-in-video-call"
)

// Inbound reports whether clients may send t
func (t MessageType) Inbound() bool {
	switch t {
	case MsgJoin, MsgMove, MsgLeave, MsgVideoCallSignaling, MsgEndVideoCall:
		return true
	}
	return false
}

// Envelope outbound message {type, payload}
type Envelope struct {
	Type    MessageType `json:"type"`
	Payload interface{} `json:"payload"`
}

// ClientEnvelope inbound message, payload decoded per type
type ClientEnvelope struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// ParseClientEnvelope decodes raw and rejects unknown or server-only types
func ParseClientEnvelope(raw []byte) (ClientEnvelope, error) {
	var env ClientEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return env, fmt.Errorf("decode envelope: %w", err)
	}
	if !env.Type.Inbound() {
		return env, fmt.Errorf("unsupported message type %q", env.Type)
	}
	return env, nil
}

// Decode unmarshals the payload into v
func (e ClientEnvelope) Decode(v interface{}) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s: missing payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("%s: decode payload: %w", e.Type, err)
	}
	return nil
}

// JoinPayload join{spaceId, token}
type JoinPayload struct {
	SpaceID string `json:"spaceId"`
	Token   string `json:"token"`
}

// MovePayload move{x, y}
type MovePayload struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// SignalingRequest client side video-call-signaling
type SignalingRequest struct {
	CallID        string          `json:"callId"`
	SignalingData json.RawMessage `json:"signalingData"`
}

// EndCallRequest end-video-call{callId}
type EndCallRequest struct {
	CallID string `json:"callId"`
}

// UserPosition payload of user-joined-space, user-moved and move-rejected
type UserPosition struct {
	UserID   string `json:"userId"`
	Username string `json:"username,omitempty"`
	X        int    `json:"x"`
	Y        int    `json:"y"`
}

// SpaceJoinedPayload Space-joined{spawn, users}
type SpaceJoinedPayload struct {
	SpaceID string         `json:"spaceId"`
	Spawn   Position       `json:"spawn"`
	Users   []UserPosition `json:"users"`
}

// UserLeftPayload user-left{userId}
type UserLeftPayload struct {
	UserID string `json:"userId"`
}

// NearbyUser one entry of proximity-update
type NearbyUser struct {
	UserID   string  `json:"userId"`
	Username string  `json:"username,omitempty"`
	Distance float64 `json:"distance"`
}

// ProximityUpdatePayload proximity-update{nearbyUsers}
type ProximityUpdatePayload struct {
	NearbyUsers []NearbyUser `json:"nearbyUsers"`
}

// VideoCallStartPayload video-call-start{callId, participants, isProximityCall}
type VideoCallStartPayload struct {
	CallID          string   `json:"callId"`
	Participants    []string `json:"participants"`
	IsProximityCall bool     `json:"isProximityCall"`
}

// VideoCallSignalingPayload server side video-call-signaling
type VideoCallSignalingPayload struct {
	CallID        string          `json:"callId"`
	FromUserID    string          `json:"fromUserId"`
	SignalingData json.RawMessage `json:"signalingData"`
}

// VideoCallEndPayload video-call-end{callId, reason}
type VideoCallEndPayload struct {
	CallID string    `json:"callId"`
	Reason EndReason `json:"reason"`
}

// UsersInVideoCallPayload users-in-video-call{userIds, callId}
type UsersInVideoCallPayload struct {
	UserIDs []string `json:"userIds"`
	CallID  string   `json:"callId"`
}
