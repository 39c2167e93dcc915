package domain

import "time"

// Position grid coordinates, one unit is one tile
type Position struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Space definition a bounded 2D area users move within
type Space struct {
	ID      string
	Name    string
	Width   int
	Height  int
	OwnerID string
}

// Contains reports whether p lies in [0,Width) x [0,Height)
func (s *Space) Contains(p Position) bool {
	return p.X >= 0 && p.Y >= 0 && p.X < s.Width && p.Y < s.Height
}

// PresenceEntry last known position of a user in a space, mirrored to redis with a short TTL
type PresenceEntry struct {
	SpaceID      string    `json:"spaceId"`
	UserID       string    `json:"userId"`
	Username     string    `json:"username"`
	X            int       `json:"x"`
	Y            int       `json:"y"`
	ConnectionID string    `json:"connectionId"`
	LastUpdated  time.Time `json:"lastUpdated"`
}
