package domain

import "time"

// Sender is the only capability a registry holds on a socket.
type Sender interface {
	Send(msg Envelope) error
	IsOpen() bool
	Close(code int, reason string)
}

// Connection a joined socket, owned by the room registry once registered
type Connection struct {
	ID       string
	UserID   string
	Username string
	SpaceID  string
	JoinedAt time.Time

	pos    Position
	sender Sender
}

// NewConnection create a Connection at pos
func NewConnection(id, userID, username, spaceID string, pos Position, sender Sender) *Connection {
	return &Connection{
		ID:       id,
		UserID:   userID,
		Username: username,
		SpaceID:  spaceID,
		JoinedAt: time.Now(),
		pos:      pos,
		sender:   sender,
	}
}

// Position current position. Callers synchronize through the registry.
func (c *Connection) Position() Position { return c.pos }

// SetPosition callers synchronize through the registry.
func (c *Connection) SetPosition(p Position) { c.pos = p }

// Send forwards msg to the socket
func (c *Connection) Send(msg Envelope) error { return c.sender.Send(msg) }

// IsOpen liveness flag of the socket
func (c *Connection) IsOpen() bool { return c.sender.IsOpen() }

// Close closes the socket with a close code and reason
func (c *Connection) Close(code int, reason string) { c.sender.Close(code, reason) }

// Occupant immutable snapshot of a registered connection
type Occupant struct {
	ConnectionID string
	SpaceID      string
	UserID       string
	Username     string
	Position     Position
	conn         *Connection
}

// Snapshot copies the connection state. Callers synchronize through the registry.
func (c *Connection) Snapshot() Occupant {
	return Occupant{
		ConnectionID: c.ID,
		SpaceID:      c.SpaceID,
		UserID:       c.UserID,
		Username:     c.Username,
		Position:     c.pos,
		conn:         c,
	}
}

// Send forwards msg to the occupant's socket
func (o Occupant) Send(msg Envelope) error { return o.conn.Send(msg) }

// IsOpen liveness flag of the occupant's socket
func (o Occupant) IsOpen() bool { return o.conn.IsOpen() }

// Close closes the occupant's socket
func (o Occupant) Close(code int, reason string) { o.conn.Close(code, reason) }
