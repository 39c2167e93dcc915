package domain

import (
	"time"

	"virtual_space_service/pkg"
)

// Chatroom definition chat room, 屬於某個 space
type Chatroom struct {
	ID        string    `bson:"_id" json:"id"`
	SpaceID   string    `bson:"space_id" json:"spaceId"`
	Name      string    `bson:"name" json:"name"`
	IsPrivate bool      `bson:"is_private" json:"isPrivate"`
	CreatorID string    `bson:"creator_id" json:"creatorId"`
	Members   []string  `bson:"members" json:"members"`
	CreatedAt time.Time `bson:"created_at" json:"createdAt"`
}

// HasMember user is an explicit member of the room
func (r *Chatroom) HasMember(userID string) bool {
	return pkg.Contains(r.Members, userID)
}

// ChatConnection one socket of a user, a user may hold several (multi-device)
type ChatConnection struct {
	SocketID     string
	UserID       string
	Username     string
	JoinedAt     time.Time
	LastActivity time.Time
	Rooms        map[string]struct{}
}

// RoomIDs joined rooms of the connection
func (c *ChatConnection) RoomIDs() []string {
	ids := make([]string, 0, len(c.Rooms))
	for id := range c.Rooms {
		ids = append(ids, id)
	}
	return ids
}
